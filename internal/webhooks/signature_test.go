package webhooks

import "testing"

func TestSignatureRoundTrip(t *testing.T) {
	body := []byte(`{"event_id":"e1","event_type":"authorization.revoked"}`)
	sig := Sign(body, "secret-1")
	if sig == "" {
		t.Fatalf("empty signature")
	}
	if !VerifySignature(body, "secret-1", sig) {
		t.Fatalf("valid signature rejected")
	}
}

func TestSignatureMismatch(t *testing.T) {
	body := []byte(`{"event_id":"e1"}`)
	sig := Sign(body, "secret-1")

	if VerifySignature(body, "secret-2", sig) {
		t.Fatalf("signature accepted under wrong secret")
	}
	if VerifySignature([]byte(`{"event_id":"e2"}`), "secret-1", sig) {
		t.Fatalf("signature accepted for different body")
	}
	if VerifySignature(body, "secret-1", "") {
		t.Fatalf("empty signature accepted")
	}
	if VerifySignature(body, "", sig) {
		t.Fatalf("signature accepted with no secret configured")
	}
}
