// Package oplog adapts ledger operation callbacks onto zap and prometheus.
package oplog

import (
	"context"

	"github.com/colygon/Fractal-Self-sub000/internal/metrics"
	"github.com/colygon/Fractal-Self-sub000/pkg/ledger"
	"go.uber.org/zap"
)

// Recorder implements ledger.OperationLogger.
type Recorder struct {
	logger    *zap.Logger
	collector *metrics.Collector
}

// New wires a Recorder. The collector may be nil.
func New(logger *zap.Logger, collector *metrics.Collector) *Recorder {
	return &Recorder{logger: logger, collector: collector}
}

// LogOperation records one state-changing ledger operation.
func (recorder *Recorder) LogOperation(ctx context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("account_id", entry.AccountID.String()),
		zap.Int64("amount", entry.Amount),
		zap.String("status", entry.Status),
	}
	if entry.EntryID != "" {
		fields = append(fields, zap.String("entry_id", entry.EntryID))
	}
	if entry.SourceEventID != "" {
		fields = append(fields, zap.String("source_event_id", entry.SourceEventID))
	}
	if entry.Error != nil {
		recorder.logger.Warn("ledger operation failed", append(fields, zap.Error(entry.Error))...)
	} else {
		recorder.logger.Info("ledger operation", fields...)
	}
	if recorder.collector != nil {
		recorder.collector.LedgerOperations.WithLabelValues(entry.Operation, entry.Status).Inc()
	}
}
