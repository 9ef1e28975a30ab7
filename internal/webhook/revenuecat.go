package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-RevenueCat-Signature"

const providerNameRevenueCat = "revenuecat"

// Purchase-like event types that map to a credit grant. Everything else is
// acknowledged without ledger effect.
var revenueCatPurchaseTypes = map[string]struct{}{
	"INITIAL_PURCHASE":      {},
	"RENEWAL":               {},
	"NON_RENEWING_PURCHASE": {},
}

// RevenueCatProvider verifies the shared-secret HMAC envelope used by the
// mobile-style virtual-currency billing integration.
type RevenueCatProvider struct {
	secret []byte
	logger *zap.Logger
}

// NewRevenueCat builds the provider. An empty secret disables verification,
// a deliberate permissive fallback for local development.
func NewRevenueCat(secret string, logger *zap.Logger) *RevenueCatProvider {
	return &RevenueCatProvider{secret: []byte(secret), logger: logger}
}

// Name identifies the provider in routes, logs, and metrics.
func (provider *RevenueCatProvider) Name() string {
	return providerNameRevenueCat
}

// VerifyAndParse checks the body HMAC and decodes the flat event envelope.
// Malformed or unrecognized payloads decode to an Ignored event, never an error.
func (provider *RevenueCatProvider) VerifyAndParse(payload []byte, headers http.Header) (Event, error) {
	if len(provider.secret) == 0 {
		provider.logger.Warn("webhook signature verification disabled: no secret configured",
			zap.String("provider", providerNameRevenueCat))
	} else {
		if err := provider.verifySignature(payload, headers.Get(SignatureHeader)); err != nil {
			return Event{}, err
		}
	}

	var envelope struct {
		ID            string `json:"id"`
		EventType     string `json:"event_type"`
		Type          string `json:"type"`
		AppUserID     string `json:"app_user_id"`
		ProductID     string `json:"product_id"`
		TransactionID string `json:"transaction_id"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return Event{Kind: KindIgnored}, nil
	}
	eventType := envelope.EventType
	if eventType == "" {
		eventType = envelope.Type
	}
	if _, isPurchase := revenueCatPurchaseTypes[eventType]; !isPurchase {
		return Event{Kind: KindIgnored, ID: envelope.ID, Type: eventType}, nil
	}
	return Event{
		Kind:          KindPurchase,
		ID:            envelope.ID,
		Type:          eventType,
		AppUserID:     envelope.AppUserID,
		ProductID:     envelope.ProductID,
		TransactionID: envelope.TransactionID,
	}, nil
}

func (provider *RevenueCatProvider) verifySignature(payload []byte, provided string) error {
	if provided == "" {
		return fmt.Errorf("%w: missing %s header", ErrInvalidSignature, SignatureHeader)
	}
	mac := hmac.New(sha256.New, provider.secret)
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(provided)) {
		return fmt.Errorf("%w: signature mismatch", ErrInvalidSignature)
	}
	return nil
}
