package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Service contains the domain logic over a Store.
type Service struct {
	store    Store
	nowFn    func() int64
	defaults DefaultGrants
	logger   OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, defaults DefaultGrants, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if defaults.GuestCredits < 0 || defaults.MemberCredits < 0 {
		return nil, fmt.Errorf("%w: default grants must not be negative", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, defaults: defaults}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the account's credit position, creating the account with
// its kind-specific welcome grant on first interaction.
func (service *Service) Balance(ctx context.Context, accountID AccountID, kind AccountKind) (Balance, error) {
	var balance Balance
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, created, err := transactionStore.GetOrCreateAccount(ctx, accountID, kind)
		if err != nil {
			return err
		}
		if created {
			if err := service.seedWelcome(ctx, transactionStore, accountID, account.Kind); err != nil {
				return err
			}
		}
		credits, err := transactionStore.SumBalance(ctx, accountID)
		if err != nil {
			return err
		}
		if credits < 0 {
			return WrapError(operationBalance, "balance", "negative_balance", ErrInvalidBalance)
		}
		balance = Balance{Credits: credits, CurrencyCode: account.CurrencyCode}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationBalance,
		AccountID: accountID,
		Error:     operationError,
	})
	return balance, operationError
}

// Grant appends a purchase grant, exactly once per provider event id. A
// replayed event returns ErrEventAlreadyProcessed, which callers treat as
// success; the transaction rolls back and no balance changes.
func (service *Service) Grant(ctx context.Context, accountID AccountID, kind AccountKind, amount AmountCredits, eventID EventID, metadata MetadataJSON) (Balance, error) {
	var balance Balance
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, created, err := transactionStore.GetOrCreateAccount(ctx, accountID, kind)
		if err != nil {
			return err
		}
		if created {
			if err := service.seedWelcome(ctx, transactionStore, accountID, account.Kind); err != nil {
				return err
			}
		}
		nowUnixUTC := service.nowFn()
		if err := transactionStore.MarkEventProcessed(ctx, eventID, nowUnixUTC); err != nil {
			return err
		}
		idempotencyKey, err := NewIdempotencyKey(idempotencyPrefixGrant + eventID.String())
		if err != nil {
			return err
		}
		entryInput, err := NewEntryInput(
			accountID,
			ReasonPurchaseGrant,
			amount.AsCredit(),
			eventID.String(),
			idempotencyKey,
			metadata,
			nowUnixUTC,
		)
		if err != nil {
			return err
		}
		if _, err := transactionStore.InsertEntry(ctx, entryInput); err != nil {
			return err
		}
		credits, err := transactionStore.SumBalance(ctx, accountID)
		if err != nil {
			return err
		}
		balance = Balance{Credits: credits, CurrencyCode: account.CurrencyCode}
		return nil
	})
	status := ""
	if errors.Is(operationError, ErrEventAlreadyProcessed) {
		status = operationStatusReplayed
	}
	service.logOperation(ctx, OperationLog{
		Operation:     operationGrant,
		AccountID:     accountID,
		Amount:        amount.Int64(),
		SourceEventID: eventID.String(),
		Metadata:      metadata,
		Status:        status,
		Error:         operationError,
	})
	return balance, operationError
}

// Spend debits the account's balance after an in-transaction sufficiency
// check. Unknown accounts are rejected; spending never creates one.
func (service *Service) Spend(ctx context.Context, accountID AccountID, amount AmountCredits, idempotencyKey IdempotencyKey, metadata MetadataJSON) (SpendResult, error) {
	var result SpendResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		credits, err := transactionStore.SumBalance(ctx, accountID)
		if err != nil {
			return err
		}
		if credits < amount.Int64() {
			return InsufficientBalanceError{CurrentCredits: credits, RequestedCredits: amount.Int64()}
		}
		entryInput, err := NewEntryInput(
			accountID,
			ReasonSpend,
			amount.AsDebit(),
			"",
			idempotencyKey,
			metadata,
			service.nowFn(),
		)
		if err != nil {
			return err
		}
		entryID, err := transactionStore.InsertEntry(ctx, entryInput)
		if err != nil {
			return err
		}
		result = SpendResult{
			EntryID:    entryID,
			NewBalance: Balance{Credits: credits - amount.Int64(), CurrencyCode: account.CurrencyCode},
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationSpend,
		AccountID:      accountID,
		Amount:         amount.Int64(),
		EntryID:        result.EntryID,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		Error:          operationError,
	})
	return result, operationError
}

// Refund credits the account back. When spendEntryID is supplied the
// idempotency key derives from that entry, so retried refund calls
// deduplicate instead of double-crediting; a replay reports success with the
// current balance.
func (service *Service) Refund(ctx context.Context, accountID AccountID, amount AmountCredits, spendEntryID *EntryID, idempotencyKey IdempotencyKey, metadata MetadataJSON) (RefundResult, error) {
	var result RefundResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		refundKey := idempotencyKey
		if spendEntryID != nil {
			spendEntry, err := transactionStore.GetEntry(ctx, accountID, *spendEntryID)
			if err != nil {
				return err
			}
			if spendEntry.Reason != ReasonSpend {
				return WrapError(operationRefund, "entry", "not_a_spend", ErrEntryNotRefundable)
			}
			if amount.Int64() > -spendEntry.DeltaCredits {
				return fmt.Errorf("%w: refund exceeds the spend amount", ErrInvalidAmountCredits)
			}
			refundKey, err = NewIdempotencyKey(idempotencyPrefixRefund + spendEntryID.String())
			if err != nil {
				return err
			}
		}
		if refundKey.String() == "" {
			return fmt.Errorf("%w: refund requires an idempotency key or a spend entry id", ErrInvalidIdempotencyKey)
		}
		// Check-then-insert is race-free here: the account row lock taken by
		// GetAccount serializes concurrent refunds for the same account.
		existing, found, err := transactionStore.FindEntryByKey(ctx, accountID, refundKey)
		if err != nil {
			return err
		}
		if found {
			if existing.Reason != ReasonRefund {
				return WrapError(operationRefund, "entry", "key_conflict", ErrDuplicateIdempotencyKey)
			}
			credits, sumErr := transactionStore.SumBalance(ctx, accountID)
			if sumErr != nil {
				return sumErr
			}
			result = RefundResult{
				EntryID:    existing.EntryID,
				NewBalance: Balance{Credits: credits, CurrencyCode: account.CurrencyCode},
				Replayed:   true,
			}
			return nil
		}
		entryInput, err := NewEntryInput(
			accountID,
			ReasonRefund,
			amount.AsCredit(),
			"",
			refundKey,
			metadata,
			service.nowFn(),
		)
		if err != nil {
			return err
		}
		entryID, err := transactionStore.InsertEntry(ctx, entryInput)
		if err != nil {
			return err
		}
		credits, err := transactionStore.SumBalance(ctx, accountID)
		if err != nil {
			return err
		}
		result = RefundResult{
			EntryID:    entryID,
			NewBalance: Balance{Credits: credits, CurrencyCode: account.CurrencyCode},
		}
		return nil
	})
	status := ""
	if result.Replayed {
		status = operationStatusReplayed
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationRefund,
		AccountID:      accountID,
		Amount:         amount.Int64(),
		EntryID:        result.EntryID,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		Status:         status,
		Error:          operationError,
	})
	return result, operationError
}

func (service *Service) seedWelcome(ctx context.Context, transactionStore Store, accountID AccountID, kind AccountKind) error {
	amount := service.defaults.ForKind(kind)
	if amount <= 0 {
		return nil
	}
	delta, err := NewDeltaCredits(amount)
	if err != nil {
		return err
	}
	welcomeKey, err := NewIdempotencyKey(idempotencyPrefixWelcome + accountID.String())
	if err != nil {
		return err
	}
	metadata, err := NewMetadataJSON(welcomeMetadataJSON)
	if err != nil {
		return err
	}
	entryInput, err := NewEntryInput(accountID, ReasonAdjust, delta, "", welcomeKey, metadata, service.nowFn())
	if err != nil {
		return err
	}
	_, err = transactionStore.InsertEntry(ctx, entryInput)
	return err
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
