// Package webhook converts billing-provider deliveries into ledger grants,
// exactly once per event, behind pluggable provider adapters.
package webhook

import (
	"errors"
	"net/http"
)

// ErrInvalidSignature marks a delivery whose authenticity check failed.
// Rejections are permanent; providers must not retry them.
var ErrInvalidSignature = errors.New("invalid signature")

// EventKind tags the decoded event variant. Unknown and malformed payloads
// all collapse into KindIgnored rather than ad hoc field probing.
type EventKind string

const (
	KindPurchase EventKind = "purchase"
	KindIgnored  EventKind = "ignored"
)

// Event is the provider-neutral decode of one delivery.
type Event struct {
	Kind          EventKind
	ID            string
	Type          string
	AppUserID     string
	ProductID     string
	TransactionID string
}

// Provider verifies a delivery's authenticity and decodes it. Implementations
// return ErrInvalidSignature for tampered payloads and an Ignored event for
// types they do not understand.
type Provider interface {
	Name() string
	VerifyAndParse(payload []byte, headers http.Header) (Event, error)
}
