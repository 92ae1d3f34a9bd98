package client

import (
	"fmt"
	"net/http"
)

// Reason is the machine-usable cause of a provider failure. Mapping it to
// user-facing text is left to the caller.
type Reason string

const (
	ReasonAuth             Reason = "auth"
	ReasonRateLimited      Reason = "rate_limited"
	ReasonRecipientBlocked Reason = "recipient_blocked"
	ReasonTemplateRequired Reason = "template_required"
	ReasonInvalidRecipient Reason = "invalid_recipient"
	ReasonTimeout          Reason = "timeout"
	ReasonUnknown          Reason = "unknown"
)

type ProviderError struct {
	Reason     Reason
	StatusCode int
	Code       int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("provider error (%s, code %d): %s", e.Reason, e.Code, e.Message)
	}
	return fmt.Sprintf("provider error (%s): %s", e.Reason, e.Message)
}

// Cloud API error codes, see the WhatsApp Business Platform error reference.
const (
	codeAccessToken        = 190
	codeThrottled          = 4
	codeRateLimitHit       = 80007
	codeTooManyMessages    = 130429
	codeSpamRateLimit      = 131048
	codePairRateLimit      = 131056
	codeReEngagement       = 131047
	codeUndeliverable      = 131026
	codeNotInAllowedList   = 131030
	codeInvalidParameter   = 131009
	codeRecipientNotOnWA   = 131021
	codePermissionDenied   = 10
	codeTemplateParamCount = 132000
)

func classify(status, code int) Reason {
	switch code {
	case codeAccessToken, codePermissionDenied:
		return ReasonAuth
	case codeThrottled, codeRateLimitHit, codeTooManyMessages, codeSpamRateLimit, codePairRateLimit:
		return ReasonRateLimited
	case codeReEngagement, codeTemplateParamCount:
		return ReasonTemplateRequired
	case codeUndeliverable:
		return ReasonRecipientBlocked
	case codeNotInAllowedList, codeInvalidParameter, codeRecipientNotOnWA:
		return ReasonInvalidRecipient
	}

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ReasonAuth
	case http.StatusTooManyRequests:
		return ReasonRateLimited
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return ReasonTimeout
	}
	return ReasonUnknown
}
