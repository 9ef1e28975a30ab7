package ledger

import "context"

// Adjust applies a signed administrative correction. Negative adjustments
// still respect the non-negative balance invariant.
func (service *Service) Adjust(requestContext context.Context, accountID AccountID, delta DeltaCredits, idempotencyKey IdempotencyKey, metadata MetadataJSON) (Balance, error) {
	var balance Balance
	operationError := service.store.WithTx(requestContext, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		credits, err := transactionStore.SumBalance(ctx, accountID)
		if err != nil {
			return err
		}
		if credits+delta.Int64() < 0 {
			return InsufficientBalanceError{CurrentCredits: credits, RequestedCredits: -delta.Int64()}
		}
		entryInput, err := NewEntryInput(accountID, ReasonAdjust, delta, "", idempotencyKey, metadata, service.nowFn())
		if err != nil {
			return err
		}
		if _, err := transactionStore.InsertEntry(ctx, entryInput); err != nil {
			return err
		}
		balance = Balance{Credits: credits + delta.Int64(), CurrencyCode: account.CurrencyCode}
		return nil
	})
	service.logOperation(requestContext, OperationLog{
		Operation:      operationAdjust,
		AccountID:      accountID,
		Amount:         delta.Int64(),
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		Error:          operationError,
	})
	return balance, operationError
}

// Entries lists ledger entries for an existing account before a cutoff time.
func (service *Service) Entries(requestContext context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	if _, err := service.store.GetAccount(requestContext, accountID); err != nil {
		return nil, err
	}
	return service.store.ListEntries(requestContext, accountID, beforeUnixUTC, limit)
}
