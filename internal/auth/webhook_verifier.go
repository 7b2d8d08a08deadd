package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ozkancirak/socialapp/internal/apperror"
)

const (
	HeaderWebhookID        = "svix-id"
	HeaderWebhookTimestamp = "svix-timestamp"
	HeaderWebhookSignature = "svix-signature"

	defaultWebhookTolerance = 5 * time.Minute
	webhookSecretPrefix     = "whsec_"
	signatureVersion        = "v1"
	opVerifyWebhook         = "auth.verify_webhook"
)

var (
	ErrMissingWebhookSecret   = errors.New("webhook verifier: signing secret required")
	ErrInvalidWebhookSecret   = errors.New("webhook verifier: signing secret is not valid base64")
	errMissingWebhookHeaders  = errors.New("missing signature headers")
	errInvalidWebhookTime     = errors.New("invalid signature timestamp")
	errWebhookTimeOutOfBounds = errors.New("signature timestamp outside tolerance")
	errWebhookSignature       = errors.New("no matching signature")
)

// WebhookVerifierConfig configures WebhookVerifier.
type WebhookVerifierConfig struct {
	SigningSecret string
	Tolerance     time.Duration
	Clock         func() time.Time
}

// WebhookVerifier authenticates identity-provider webhook deliveries signed with a shared secret.
type WebhookVerifier struct {
	key       []byte
	tolerance time.Duration
	clock     func() time.Time
}

// WebhookMessage identifies an authenticated delivery.
type WebhookMessage struct {
	ID        string
	Timestamp time.Time
}

// NewWebhookVerifier decodes the signing secret. A "whsec_" prefix is optional.
func NewWebhookVerifier(cfg WebhookVerifierConfig) (*WebhookVerifier, error) {
	secret := strings.TrimSpace(cfg.SigningSecret)
	if secret == "" {
		return nil, ErrMissingWebhookSecret
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, webhookSecretPrefix))
	if err != nil || len(key) == 0 {
		return nil, ErrInvalidWebhookSecret
	}
	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = defaultWebhookTolerance
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &WebhookVerifier{key: key, tolerance: tolerance, clock: clock}, nil
}

// Verify checks the signature headers against the raw body. Every failure is an authentication failure.
func (v *WebhookVerifier) Verify(headers http.Header, body []byte) (WebhookMessage, error) {
	messageID := strings.TrimSpace(headers.Get(HeaderWebhookID))
	rawTimestamp := strings.TrimSpace(headers.Get(HeaderWebhookTimestamp))
	rawSignatures := strings.TrimSpace(headers.Get(HeaderWebhookSignature))
	if messageID == "" || rawTimestamp == "" || rawSignatures == "" {
		return WebhookMessage{}, apperror.AuthenticationFailure(opVerifyWebhook, errMissingWebhookHeaders)
	}

	seconds, err := strconv.ParseInt(rawTimestamp, 10, 64)
	if err != nil {
		return WebhookMessage{}, apperror.AuthenticationFailure(opVerifyWebhook, errInvalidWebhookTime)
	}
	timestamp := time.Unix(seconds, 0).UTC()
	skew := v.clock().Sub(timestamp)
	if skew > v.tolerance || skew < -v.tolerance {
		return WebhookMessage{}, apperror.AuthenticationFailure(opVerifyWebhook, errWebhookTimeOutOfBounds)
	}

	expected := v.sign(messageID, rawTimestamp, body)
	for _, candidate := range strings.Fields(rawSignatures) {
		version, encoded, found := strings.Cut(candidate, ",")
		if !found || version != signatureVersion {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			return WebhookMessage{ID: messageID, Timestamp: timestamp}, nil
		}
	}
	return WebhookMessage{}, apperror.AuthenticationFailure(opVerifyWebhook, errWebhookSignature)
}

// SignatureHeader returns the signature header value for a payload. Used by tests and replay tooling.
func (v *WebhookVerifier) SignatureHeader(messageID, timestamp string, body []byte) string {
	return fmt.Sprintf("%s,%s", signatureVersion, base64.StdEncoding.EncodeToString(v.sign(messageID, timestamp, body)))
}

func (v *WebhookVerifier) sign(messageID, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, v.key)
	mac.Write([]byte(messageID))
	mac.Write([]byte{'.'})
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return mac.Sum(nil)
}
