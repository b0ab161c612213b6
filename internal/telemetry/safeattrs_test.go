package telemetry

import (
	"testing"
)

func TestSafeAttributesFiltersSecrets(t *testing.T) {
	kvs := map[string]interface{}{
		"payload":       "PK\x03\x04",
		"filename":      "banking.apk",
		"content":       "drop",
		"api_key":       "sk-123",
		"webhook_token": "abc",
		"long_string":   string(make([]byte, 600)),
		"request_id":    "5c1f",
		"files":         3,
		"fingerprints":  []string{"ba7816bf8f01"},
		"authorization": "secret",
	}

	attrs := SafeAttributes(kvs)
	got := map[string]bool{}
	for _, a := range attrs {
		got[string(a.Key)] = true
	}
	for _, bad := range []string{"payload", "filename", "content", "api_key", "webhook_token", "authorization", "long_string"} {
		if got[bad] {
			t.Fatalf("unexpected unsafe attribute %s", bad)
		}
	}
	for _, want := range []string{"request_id", "files", "fingerprints"} {
		if !got[want] {
			t.Fatalf("expected attribute %s to be kept", want)
		}
	}
}
