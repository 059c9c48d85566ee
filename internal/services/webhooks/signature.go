package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/RMATrack/internal/models"
)

const (
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderSignature = "X-Webhook-Signature"
	HeaderToken     = "X-Webhook-Token"

	SchemeHMAC  = "hmac"
	SchemeToken = "token"
	SchemeNone  = "none"
)

// Window bounds the accepted clock skew of a signed push (replay protection).
const Window = 5 * time.Minute

var ErrBadSignature = errors.New("webhook signature rejected")

// Verifier checks that a push really comes from the carrier.
type Verifier interface {
	Verify(h http.Header, body []byte, now time.Time) error
}

// VerifierFor picks the check configured for a carrier. With enforce set an
// unsigned carrier is rejected outright.
func VerifierFor(c models.Carrier, enforce bool) Verifier {
	scheme := strings.ToLower(c.WebhookScheme)
	if c.WebhookSecret == "" {
		scheme = SchemeNone
	}
	switch scheme {
	case SchemeHMAC:
		return hmacVerifier{secret: c.WebhookSecret}
	case SchemeToken:
		return tokenVerifier{secret: c.WebhookSecret}
	}
	if enforce {
		return rejectAll{}
	}
	return acceptAll{}
}

// hmacVerifier expects hex(HMAC-SHA256(secret, "<ts>.<body>")) and a unix
// timestamp within Window.
type hmacVerifier struct {
	secret string
}

func (v hmacVerifier) Verify(h http.Header, body []byte, now time.Time) error {
	tsHeader := strings.TrimSpace(h.Get(HeaderTimestamp))
	tsInt, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return errors.Wrap(ErrBadSignature, "invalid timestamp")
	}
	ts := time.Unix(tsInt, 0).UTC()
	now = now.UTC()
	if ts.Before(now.Add(-Window)) || ts.After(now.Add(Window)) {
		return errors.Wrap(ErrBadSignature, "timestamp outside allowed window")
	}

	provided, err := hex.DecodeString(strings.TrimSpace(h.Get(HeaderSignature)))
	if err != nil {
		return errors.Wrap(ErrBadSignature, "invalid signature encoding")
	}
	if !hmac.Equal(provided, sign(v.secret, tsHeader, body)) {
		return errors.Wrap(ErrBadSignature, "signature mismatch")
	}
	return nil
}

type tokenVerifier struct {
	secret string
}

func (v tokenVerifier) Verify(h http.Header, _ []byte, _ time.Time) error {
	got := strings.TrimSpace(h.Get(HeaderToken))
	if subtle.ConstantTimeCompare([]byte(got), []byte(v.secret)) != 1 {
		return errors.Wrap(ErrBadSignature, "token mismatch")
	}
	return nil
}

type acceptAll struct{}

func (acceptAll) Verify(http.Header, []byte, time.Time) error { return nil }

type rejectAll struct{}

func (rejectAll) Verify(http.Header, []byte, time.Time) error {
	return errors.Wrap(ErrBadSignature, "unsigned webhooks are not accepted in production")
}

func sign(secret, ts string, body []byte) []byte {
	msg := make([]byte, 0, len(ts)+1+len(body))
	msg = append(msg, ts...)
	msg = append(msg, '.')
	msg = append(msg, body...)

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(msg)
	return mac.Sum(nil)
}

// SignHex computes the hex signature a carrier would send. Used by tests and tooling.
func SignHex(secret, ts string, body []byte) string {
	return hex.EncodeToString(sign(secret, ts, body))
}
