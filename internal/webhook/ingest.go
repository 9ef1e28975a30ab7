package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/colygon/Fractal-Self-sub000/internal/metrics"
	"github.com/colygon/Fractal-Self-sub000/pkg/ledger"
	"go.uber.org/zap"
)

// Outcome is the terminal state of one delivery. Only failed outcomes should
// surface to the provider as retryable errors.
type Outcome string

const (
	OutcomeRejected     Outcome = "rejected"     // bad signature, permanent
	OutcomeIgnored      Outcome = "ignored"      // unknown/malformed event type
	OutcomeUnmapped     Outcome = "unmapped"     // recognized event, unconfigured product
	OutcomeGranted      Outcome = "granted"      // credits applied
	OutcomeAcknowledged Outcome = "acknowledged" // duplicate delivery, no effect
	OutcomeFailed       Outcome = "failed"       // infrastructure failure, retryable
)

// Result reports what a delivery did.
type Result struct {
	Outcome        Outcome
	Provider       string
	EventID        string
	AccountID      string
	CreditsGranted int64
	Err            error
}

// ProductCatalog maps provider product ids to credit amounts. It is
// configuration, editable without code changes.
type ProductCatalog map[string]int64

// CreditsFor looks up the grant amount for a product id.
func (catalog ProductCatalog) CreditsFor(productID string) (int64, bool) {
	credits, found := catalog[productID]
	return credits, found
}

// Guest app-user ids minted client-side carry one of these prefixes.
var guestAccountPrefixes = []string{"$RCAnonymousID:", "guest-"}

// Ingestor drives a verified delivery through the ledger.
type Ingestor struct {
	ledgerService *ledger.Service
	products      ProductCatalog
	timeout       time.Duration
	logger        *zap.Logger
	collector     *metrics.Collector
}

// NewIngestor wires an Ingestor. The collector may be nil.
func NewIngestor(ledgerService *ledger.Service, products ProductCatalog, timeout time.Duration, logger *zap.Logger, collector *metrics.Collector) *Ingestor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Ingestor{
		ledgerService: ledgerService,
		products:      products,
		timeout:       timeout,
		logger:        logger,
		collector:     collector,
	}
}

// Ingest runs the delivery state machine: verify, decode, map the product,
// grant exactly once. It never panics a delivery into a retry loop for
// permanent conditions; only infrastructure failures report OutcomeFailed.
func (ingestor *Ingestor) Ingest(ctx context.Context, provider Provider, payload []byte, headers http.Header) Result {
	result := ingestor.ingest(ctx, provider, payload, headers)
	if ingestor.collector != nil {
		ingestor.collector.WebhookEvents.WithLabelValues(result.Provider, string(result.Outcome)).Inc()
	}
	return result
}

func (ingestor *Ingestor) ingest(ctx context.Context, provider Provider, payload []byte, headers http.Header) Result {
	providerName := provider.Name()
	event, err := provider.VerifyAndParse(payload, headers)
	if errors.Is(err, ErrInvalidSignature) {
		ingestor.logger.Warn("webhook rejected: invalid signature",
			zap.String("provider", providerName))
		return Result{Outcome: OutcomeRejected, Provider: providerName, Err: err}
	}
	if err != nil {
		return Result{Outcome: OutcomeIgnored, Provider: providerName}
	}
	if event.Kind != KindPurchase {
		return Result{Outcome: OutcomeIgnored, Provider: providerName, EventID: event.ID}
	}
	if event.ID == "" || event.AppUserID == "" {
		ingestor.logger.Warn("webhook purchase event missing id or app_user_id",
			zap.String("provider", providerName),
			zap.String("event_type", event.Type))
		return Result{Outcome: OutcomeIgnored, Provider: providerName, EventID: event.ID}
	}
	credits, mapped := ingestor.products.CreditsFor(event.ProductID)
	if !mapped {
		ingestor.logger.Warn("webhook product id has no configured credit amount",
			zap.String("provider", providerName),
			zap.String("product_id", event.ProductID))
		return Result{Outcome: OutcomeUnmapped, Provider: providerName, EventID: event.ID}
	}

	accountID, err := ledger.NewAccountID(event.AppUserID)
	if err != nil {
		return Result{Outcome: OutcomeIgnored, Provider: providerName, EventID: event.ID}
	}
	amount, err := ledger.NewAmountCredits(credits)
	if err != nil {
		ingestor.logger.Error("webhook product table holds a non-positive amount",
			zap.String("product_id", event.ProductID),
			zap.Int64("credits", credits))
		return Result{Outcome: OutcomeUnmapped, Provider: providerName, EventID: event.ID}
	}
	eventID, err := ledger.NewEventID(event.ID)
	if err != nil {
		return Result{Outcome: OutcomeIgnored, Provider: providerName, EventID: event.ID}
	}
	metadata, err := grantMetadata(providerName, event)
	if err != nil {
		return Result{Outcome: OutcomeIgnored, Provider: providerName, EventID: event.ID}
	}

	grantCtx, cancel := context.WithTimeout(ctx, ingestor.timeout)
	defer cancel()
	_, err = ingestor.ledgerService.Grant(grantCtx, accountID, accountKindFor(event.AppUserID), amount, eventID, metadata)
	if errors.Is(err, ledger.ErrEventAlreadyProcessed) {
		return Result{Outcome: OutcomeAcknowledged, Provider: providerName, EventID: event.ID, AccountID: accountID.String()}
	}
	if err != nil {
		return Result{Outcome: OutcomeFailed, Provider: providerName, EventID: event.ID, AccountID: accountID.String(), Err: err}
	}
	return Result{
		Outcome:        OutcomeGranted,
		Provider:       providerName,
		EventID:        event.ID,
		AccountID:      accountID.String(),
		CreditsGranted: credits,
	}
}

func accountKindFor(appUserID string) ledger.AccountKind {
	for _, prefix := range guestAccountPrefixes {
		if strings.HasPrefix(appUserID, prefix) {
			return ledger.AccountKindGuest
		}
	}
	return ledger.AccountKindMember
}

func grantMetadata(providerName string, event Event) (ledger.MetadataJSON, error) {
	raw, err := json.Marshal(map[string]string{
		"provider":       providerName,
		"event_type":     event.Type,
		"product_id":     event.ProductID,
		"transaction_id": event.TransactionID,
	})
	if err != nil {
		return ledger.MetadataJSON{}, err
	}
	return ledger.NewMetadataJSON(string(raw))
}
