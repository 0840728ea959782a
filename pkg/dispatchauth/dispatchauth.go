// Package dispatchauth implements the shared-secret request signing used
// between the admission client and the orchestrator, and the per-task
// webhook signing derived from it.
//
// The canonical string is "<timestamp_ms>.<body>" where body is the exact
// request bytes; the MAC is HMAC-SHA-256 rendered as lowercase hex.
package dispatchauth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// Header names carried on signed requests.
const (
	HeaderTimestamp = "X-Dispatch-Timestamp"
	HeaderSignature = "X-Dispatch-Signature"
	HeaderNonce     = "X-Dispatch-Nonce"
)

// webhookSecretBytes is the entropy behind a generated webhook secret;
// 24 bytes render as 48 hex characters.
const webhookSecretBytes = 24

// ErrMissingSecret is returned when signing is attempted without a secret.
var ErrMissingSecret = errors.New("missing dispatch secret")

// Signature is a computed request signature plus the timestamp it covers.
type Signature struct {
	Timestamp int64
	Value     string
}

// Sign computes the HMAC over "<timestamp>.<body>" with the given secret.
// The body must be the exact bytes that will travel on the wire; callers
// must not re-serialize.
func Sign(body []byte, timestamp int64, secret string) (Signature, error) {
	if secret == "" {
		return Signature{}, ErrMissingSecret
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)

	return Signature{
		Timestamp: timestamp,
		Value:     hex.EncodeToString(mac.Sum(nil)),
	}, nil
}

// Verify recomputes the signature for (body, timestamp, secret) and compares
// it against the presented value in constant time.
func Verify(presented string, body []byte, timestamp int64, secret string) bool {
	want, err := Sign(body, timestamp, secret)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(want.Value), []byte(presented))
}

// GenerateNonce returns a fresh UUID v4 for replay suppression.
func GenerateNonce() string {
	return uuid.NewString()
}

// GenerateWebhookSecret returns a per-task webhook signing key of the form
// "whsec_" followed by 48 hex characters.
func GenerateWebhookSecret() (string, error) {
	buf := make([]byte, webhookSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate webhook secret: %w", err)
	}
	return "whsec_" + hex.EncodeToString(buf), nil
}
