package ledger

import (
	"context"
	"errors"
	"testing"
)

type recordingLogger struct {
	entries []OperationLog
}

func (logger *recordingLogger) LogOperation(ctx context.Context, entry OperationLog) {
	logger.entries = append(logger.entries, entry)
}

func (logger *recordingLogger) last(test *testing.T) OperationLog {
	test.Helper()
	if len(logger.entries) == 0 {
		test.Fatal("expected at least one logged operation")
	}
	return logger.entries[len(logger.entries)-1]
}

func TestServiceLogsOperationStatuses(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedAccount(test, "log-acct", AccountKindGuest)
	store.seedCredits(test, "log-acct", 100)
	logger := &recordingLogger{}
	service, err := NewService(store,
		func() int64 { return testClockUnixUTC },
		DefaultGrants{GuestCredits: 50, MemberCredits: 100},
		WithOperationLogger(logger))
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	accountID := mustAccountID(test, "log-acct")
	metadata := mustMetadata(test, "{}")

	if _, err := service.Spend(context.Background(), accountID, mustAmount(test, 10), mustIdempotencyKey(test, "log-spend"), metadata); err != nil {
		test.Fatalf("spend: %v", err)
	}
	if got := logger.last(test); got.Operation != "spend" || got.Status != "ok" {
		test.Fatalf("unexpected log entry: %+v", got)
	}

	unknownID := mustAccountID(test, "log-missing")
	if _, err := service.Spend(context.Background(), unknownID, mustAmount(test, 10), mustIdempotencyKey(test, "log-miss"), metadata); !errors.Is(err, ErrUnknownAccount) {
		test.Fatalf("expected ErrUnknownAccount, got %v", err)
	}
	if got := logger.last(test); got.Status != "error" {
		test.Fatalf("expected error status, got %+v", got)
	}

	eventID := mustEventID(test, "log-evt")
	if _, err := service.Grant(context.Background(), accountID, AccountKindGuest, mustAmount(test, 400), eventID, metadata); err != nil {
		test.Fatalf("grant: %v", err)
	}
	if _, err := service.Grant(context.Background(), accountID, AccountKindGuest, mustAmount(test, 400), eventID, metadata); !errors.Is(err, ErrEventAlreadyProcessed) {
		test.Fatalf("expected ErrEventAlreadyProcessed, got %v", err)
	}
	if got := logger.last(test); got.Status != "replayed" {
		test.Fatalf("expected replayed status, got %+v", got)
	}
}
