package model

import (
	"strings"
	"time"
)

type Contact struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Phone      string     `json:"phone"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
	IsOnline   bool       `json:"isOnline"`
}

// IsOnline is the only way a contact's online flag is derived.
func IsOnline(lastSeenAt *time.Time, now time.Time, threshold time.Duration) bool {
	if lastSeenAt == nil {
		return false
	}
	return now.Sub(*lastSeenAt) < threshold
}

// NormalizeAddress reduces a phone address to its digits so that
// "+1 (555) 123-4567" and "15551234567" compare equal.
func NormalizeAddress(addr string) string {
	var b strings.Builder
	b.Grow(len(addr))
	for _, r := range addr {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
