// Package booth gates the costed photo-generation action behind the ledger:
// spend first, act second, compensate with an idempotent refund on failure.
package booth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/colygon/Fractal-Self-sub000/internal/metrics"
	"github.com/colygon/Fractal-Self-sub000/pkg/ledger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const refundTimeout = 5 * time.Second

// Service orchestrates spend -> generate -> refund-on-failure.
type Service struct {
	ledgerService *ledger.Service
	generator     Generator
	cost          ledger.AmountCredits
	logger        *zap.Logger
	collector     *metrics.Collector
	nowFn         func() time.Time
}

// NewService wires the orchestrator. The collector may be nil.
func NewService(ledgerService *ledger.Service, generator Generator, costCredits int64, logger *zap.Logger, collector *metrics.Collector) (*Service, error) {
	if ledgerService == nil {
		return nil, fmt.Errorf("ledger service dependency is nil")
	}
	if generator == nil {
		return nil, fmt.Errorf("generator dependency is nil")
	}
	cost, err := ledger.NewAmountCredits(costCredits)
	if err != nil {
		return nil, fmt.Errorf("generation cost: %w", err)
	}
	return &Service{
		ledgerService: ledgerService,
		generator:     generator,
		cost:          cost,
		logger:        logger,
		collector:     collector,
		nowFn:         time.Now,
	}, nil
}

// CostCredits reports the fixed per-generation price.
func (service *Service) CostCredits() int64 {
	return service.cost.Int64()
}

// Result reports a generation attempt and the resulting balance.
type Result struct {
	Image        GenerationResult
	SpendEntryID string
	Balance      ledger.Balance
	Refunded     bool
}

// Generate debits the fixed cost against the authoritative store before the
// costed work begins, then calls the external generator. A failed or
// cancelled generation triggers a compensating refund keyed off the spend
// entry, so retried compensation cannot double-credit.
func (service *Service) Generate(ctx context.Context, accountID ledger.AccountID, request GenerationRequest, metadata ledger.MetadataJSON) (Result, error) {
	spendKey, err := ledger.NewIdempotencyKey("generation:" + uuid.NewString())
	if err != nil {
		return Result{}, err
	}
	spendResult, err := service.ledgerService.Spend(ctx, accountID, service.cost, spendKey, metadata)
	if err != nil {
		return Result{}, err
	}

	started := service.nowFn()
	generated, generationErr := service.generator.Generate(ctx, request)
	if service.collector != nil {
		service.collector.GenerationSeconds.Observe(service.nowFn().Sub(started).Seconds())
	}
	if generationErr == nil {
		return Result{
			Image:        generated,
			SpendEntryID: spendResult.EntryID,
			Balance:      spendResult.NewBalance,
		}, nil
	}

	refundResult, refundErr := service.refund(ctx, accountID, spendResult.EntryID, generationErr)
	if refundErr != nil {
		service.logger.Error("compensating refund failed; account remains under-credited",
			zap.String("account_id", accountID.String()),
			zap.String("spend_entry_id", spendResult.EntryID),
			zap.NamedError("generation_error", generationErr),
			zap.Error(refundErr))
		return Result{SpendEntryID: spendResult.EntryID, Balance: spendResult.NewBalance},
			fmt.Errorf("generation failed and refund did not apply: %w", generationErr)
	}
	return Result{
		SpendEntryID: spendResult.EntryID,
		Balance:      refundResult.NewBalance,
		Refunded:     true,
	}, fmt.Errorf("generation failed: %w", generationErr)
}

// refund runs on a detached context: a user-cancelled generation must still
// compensate even though the request context is already done.
func (service *Service) refund(ctx context.Context, accountID ledger.AccountID, spendEntryID string, cause error) (ledger.RefundResult, error) {
	refundCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refundTimeout)
	defer cancel()
	entryID, err := ledger.NewEntryID(spendEntryID)
	if err != nil {
		return ledger.RefundResult{}, err
	}
	metadata, err := refundMetadata(cause)
	if err != nil {
		return ledger.RefundResult{}, err
	}
	return service.ledgerService.Refund(refundCtx, accountID, service.cost, &entryID, ledger.IdempotencyKey{}, metadata)
}

func refundMetadata(cause error) (ledger.MetadataJSON, error) {
	raw, err := json.Marshal(map[string]string{
		"action": "generation_refund",
		"cause":  cause.Error(),
	})
	if err != nil {
		return ledger.MetadataJSON{}, err
	}
	return ledger.NewMetadataJSON(string(raw))
}
