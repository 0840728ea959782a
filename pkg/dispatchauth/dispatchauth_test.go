package dispatchauth

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestSignKnownVector(t *testing.T) {
	sig, err := Sign([]byte(`{"test": "body"}`), 1234567890, "test-dispatch-secret")
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	want := "bdeafe056de274fbde7d3c2c028b1eb2a41f5f37f4bb203e1527f8e565f2e331"
	if sig.Value != want {
		t.Fatalf("Sign() = %q, want %q", sig.Value, want)
	}
	if sig.Timestamp != 1234567890 {
		t.Fatalf("Sign() timestamp = %d, want 1234567890", sig.Timestamp)
	}
}

func TestSignDeterministic(t *testing.T) {
	body := []byte(`{"taskId":"t1"}`)
	a, err := Sign(body, 1700000000000, "secret")
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	b, err := Sign(body, 1700000000000, "secret")
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if a.Value != b.Value {
		t.Fatalf("same inputs produced different signatures: %q vs %q", a.Value, b.Value)
	}
	if len(a.Value) != 64 {
		t.Fatalf("signature length = %d, want 64", len(a.Value))
	}
	if a.Value != strings.ToLower(a.Value) {
		t.Fatalf("signature not lowercase hex: %q", a.Value)
	}
}

func TestSignInputSensitivity(t *testing.T) {
	base, _ := Sign([]byte("body"), 1000, "k")

	if other, _ := Sign([]byte("body!"), 1000, "k"); other.Value == base.Value {
		t.Errorf("different body produced identical signature")
	}
	if other, _ := Sign([]byte("body"), 1001, "k"); other.Value == base.Value {
		t.Errorf("different timestamp produced identical signature")
	}
	if other, _ := Sign([]byte("body"), 1000, "k2"); other.Value == base.Value {
		t.Errorf("different secret produced identical signature")
	}
}

func TestSignMissingSecret(t *testing.T) {
	_, err := Sign([]byte("body"), 1000, "")
	if !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("Sign() error = %v, want ErrMissingSecret", err)
	}
}

func TestVerifyRoundTrip(t *testing.T) {
	body := []byte(`{"status":"completed","taskId":"t1"}`)
	sig, err := Sign(body, 1700000000000, "whsec_abc")
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	if !Verify(sig.Value, body, 1700000000000, "whsec_abc") {
		t.Fatalf("Verify() rejected a valid signature")
	}
	if Verify(sig.Value, []byte(`{"status":"failed"}`), 1700000000000, "whsec_abc") {
		t.Errorf("Verify() accepted a tampered body")
	}
	if Verify(sig.Value, body, 1700000000001, "whsec_abc") {
		t.Errorf("Verify() accepted a shifted timestamp")
	}
	if Verify(sig.Value, body, 1700000000000, "whsec_other") {
		t.Errorf("Verify() accepted the wrong key")
	}
	if Verify("", body, 1700000000000, "") {
		t.Errorf("Verify() accepted an empty secret")
	}
}

func TestGenerateNonce(t *testing.T) {
	a := GenerateNonce()
	b := GenerateNonce()
	if a == b {
		t.Fatalf("GenerateNonce() returned duplicates")
	}
	parsed, err := uuid.Parse(a)
	if err != nil {
		t.Fatalf("GenerateNonce() = %q, not a UUID: %v", a, err)
	}
	if parsed.Version() != 4 {
		t.Fatalf("nonce UUID version = %d, want 4", parsed.Version())
	}
}

func TestGenerateWebhookSecret(t *testing.T) {
	s, err := GenerateWebhookSecret()
	if err != nil {
		t.Fatalf("GenerateWebhookSecret() error = %v", err)
	}
	if !strings.HasPrefix(s, "whsec_") {
		t.Fatalf("secret %q missing whsec_ prefix", s)
	}
	if len(s) != len("whsec_")+48 {
		t.Fatalf("secret length = %d, want %d", len(s), len("whsec_")+48)
	}
	other, _ := GenerateWebhookSecret()
	if s == other {
		t.Fatalf("GenerateWebhookSecret() returned duplicates")
	}
}
