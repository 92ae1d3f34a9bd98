package webhook

import (
	"testing"
	"time"

	"github.com/LeventeLantos/whatsapp-crm/internal/model"
)

const mixedPayload = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "102290129340398",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "metadata": {"display_phone_number": "15550783881", "phone_number_id": "106540352242922"},
        "contacts": [{"profile": {"name": "Kerry Fisher"}, "wa_id": "16315551181"}],
        "messages": [
          {"from": "16315551181", "id": "wamid.in1", "timestamp": "1700000000", "type": "text", "text": {"body": "hi there"}},
          {"from": "16315551181", "id": "wamid.in2", "timestamp": "1700000005", "type": "image", "image": {"id": "media-1", "mime_type": "image/jpeg", "caption": "receipt"}},
          {"from": "16315551181", "id": "", "timestamp": "1700000006", "type": "text", "text": {"body": "no id"}},
          {"from": "16315551181", "id": "wamid.in3", "timestamp": "1700000007", "type": "location"},
          {"from": "16315551181", "id": 42, "timestamp": "1700000008", "type": "text", "text": {"body": "numeric id"}}
        ],
        "statuses": [
          {"id": "wamid.out1", "status": "delivered", "timestamp": "1700000010", "recipient_id": "16315551181"},
          {"id": "wamid.out2", "status": "failed", "timestamp": "1700000011", "recipient_id": "16315551181",
           "errors": [{"code": 131047, "title": "Re-engagement message"}]},
          {"id": "wamid.out3", "status": "deleted", "timestamp": "1700000012"},
          {"id": "wamid.out4", "status": "delivered", "timestamp": 1700000013}
        ]
      }
    }]
  }]
}`

func TestDecode_SplitsAndRejectsPerEvent(t *testing.T) {
	t.Parallel()

	b, err := Decode([]byte(mixedPayload))
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}

	if len(b.Inbound) != 3 {
		t.Fatalf("expected 3 inbound messages, got %d: %+v", len(b.Inbound), b.Inbound)
	}
	if len(b.Statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d: %+v", len(b.Statuses), b.Statuses)
	}
	if len(b.Rejected) != 4 {
		t.Fatalf("expected 4 rejections, got %d: %+v", len(b.Rejected), b.Rejected)
	}

	kinds := map[string]int{}
	for _, rj := range b.Rejected {
		kinds[rj.Kind]++
	}
	if kinds["message"] != 2 || kinds["status"] != 2 {
		t.Fatalf("expected 2 message and 2 status rejections, got %v", kinds)
	}

	text := b.Inbound[0]
	if text.Kind != model.KindText || text.Content != "hi there" || text.ProviderMessageID != "wamid.in1" {
		t.Fatalf("unexpected text message %+v", text)
	}
	if !text.Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("unexpected timestamp %v", text.Timestamp)
	}

	img := b.Inbound[1]
	if img.Kind != model.KindImage || img.MediaRef != "media-1" || img.MediaMime != "image/jpeg" || img.Content != "receipt" {
		t.Fatalf("unexpected image message %+v", img)
	}

	if b.Inbound[2].Kind != model.KindText || b.Inbound[2].Content == "" {
		t.Fatalf("expected unsupported type to be kept as text placeholder, got %+v", b.Inbound[2])
	}

	failed := b.Statuses[1]
	if failed.Status != model.Failed || failed.FailureReason != "provider 131047: Re-engagement message" {
		t.Fatalf("unexpected failed status %+v", failed)
	}
}

func TestDecode_BadChangeKeepsSiblings(t *testing.T) {
	t.Parallel()

	body := `{"entry":[{"changes":[
		{"field":"messages","value":"not an object"},
		{"field":"messages","value":{"statuses":[{"id":"wamid.ok","status":"read","timestamp":"1700000020"}]}}
	]}]}`

	b, err := Decode([]byte(body))
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if len(b.Statuses) != 1 || b.Statuses[0].ProviderMessageID != "wamid.ok" {
		t.Fatalf("expected the valid change to survive, got %+v", b.Statuses)
	}
	if len(b.Rejected) != 1 || b.Rejected[0].Kind != "change" {
		t.Fatalf("expected one change rejection, got %+v", b.Rejected)
	}
}

func TestDecode_InvalidJSON(t *testing.T) {
	t.Parallel()

	if _, err := Decode([]byte("{not json")); err == nil {
		t.Fatalf("expected error for invalid json")
	}
}

func TestDecode_IgnoresOtherFields(t *testing.T) {
	t.Parallel()

	body := `{"entry":[{"changes":[{"field":"account_update","value":{"statuses":[{"id":"x","status":"read","timestamp":"1"}]}}]}]}`
	b, err := Decode([]byte(body))
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if len(b.Statuses) != 0 || len(b.Inbound) != 0 || len(b.Rejected) != 0 {
		t.Fatalf("expected empty batch, got %+v", b)
	}
}

func TestSignature(t *testing.T) {
	t.Parallel()

	body := []byte(`{"entry":[]}`)
	sig := Sign("s3cret", body)

	if !VerifySignature("s3cret", body, sig) {
		t.Fatalf("expected signature to verify")
	}
	if VerifySignature("other", body, sig) {
		t.Fatalf("expected wrong secret to fail")
	}
	if VerifySignature("s3cret", []byte(`{"entry":[1]}`), sig) {
		t.Fatalf("expected tampered body to fail")
	}
	if VerifySignature("s3cret", body, "sha1=abc") || VerifySignature("s3cret", body, "sha256=zz") {
		t.Fatalf("expected malformed headers to fail")
	}
}
