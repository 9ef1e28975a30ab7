package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// AmountCredits is a strictly positive quantity of credits.
type AmountCredits int64

// DeltaCredits is a signed, non-zero balance mutation.
type DeltaCredits int64

// AccountID identifies a billing identity (guest token or auth identity).
type AccountID struct {
	value string
}

// EntryID identifies a persisted ledger entry.
type EntryID struct {
	value string
}

// EventID identifies an inbound billing-provider event for dedup.
type EventID struct {
	value string
}

// IdempotencyKey scopes duplicate detection for client-originated mutations.
type IdempotencyKey struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// AccountKind distinguishes guest tokens from authenticated members.
type AccountKind string

const (
	AccountKindGuest  AccountKind = "guest"
	AccountKindMember AccountKind = "member"
)

// ParseAccountKind validates a stored account kind.
func ParseAccountKind(raw string) (AccountKind, error) {
	switch AccountKind(raw) {
	case AccountKindGuest, AccountKindMember:
		return AccountKind(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAccountKind, raw)
	}
}

// String returns the stored representation.
func (kind AccountKind) String() string {
	return string(kind)
}

// EntryReason enumerates why a balance changed.
type EntryReason string

const (
	ReasonPurchaseGrant EntryReason = "purchase_grant"
	ReasonSpend         EntryReason = "spend"
	ReasonRefund        EntryReason = "refund"
	ReasonAdjust        EntryReason = "adjust"
)

// ParseEntryReason validates a stored entry reason.
func ParseEntryReason(raw string) (EntryReason, error) {
	switch EntryReason(raw) {
	case ReasonPurchaseGrant, ReasonSpend, ReasonRefund, ReasonAdjust:
		return EntryReason(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryReason, raw)
	}
}

// String returns the stored representation.
func (reason EntryReason) String() string {
	return string(reason)
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// NewEntryID validates and normalizes an entry id.
func NewEntryID(raw string) (EntryID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return EntryID{}, fmt.Errorf("%w: empty value", ErrInvalidEntryID)
	}
	return EntryID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id EntryID) String() string {
	return id.value
}

// NewEventID validates and normalizes a provider event id.
func NewEventID(raw string) (EventID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return EventID{}, fmt.Errorf("%w: empty value", ErrInvalidEventID)
	}
	return EventID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id EventID) String() string {
	return id.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// NewAmountCredits validates an amount and ensures it is strictly positive.
func NewAmountCredits(raw int64) (AmountCredits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCredits)
	}
	return AmountCredits(raw), nil
}

// Int64 returns the raw credit count.
func (amount AmountCredits) Int64() int64 {
	return int64(amount)
}

// AsCredit returns the amount as a positive delta.
func (amount AmountCredits) AsCredit() DeltaCredits {
	return DeltaCredits(amount)
}

// AsDebit returns the amount as a negative delta.
func (amount AmountCredits) AsDebit() DeltaCredits {
	return DeltaCredits(-amount)
}

// NewDeltaCredits validates a signed delta and rejects zero.
func NewDeltaCredits(raw int64) (DeltaCredits, error) {
	if raw == 0 {
		return 0, fmt.Errorf("%w: must be non-zero", ErrInvalidDeltaCredits)
	}
	return DeltaCredits(raw), nil
}

// Int64 returns the raw signed delta.
func (delta DeltaCredits) Int64() int64 {
	return int64(delta)
}

// Account is a stored billing identity.
type Account struct {
	AccountID      string
	Kind           AccountKind
	CurrencyCode   string
	CreatedUnixUTC int64
}

// Entry is a single immutable line in the ledger.
type Entry struct {
	EntryID        string
	AccountID      string
	Reason         EntryReason
	DeltaCredits   int64
	SourceEventID  string
	IdempotencyKey string
	MetadataJSON   string
	CreatedUnixUTC int64
}

// EntryInput is a validated, not-yet-persisted ledger entry.
type EntryInput struct {
	AccountID      AccountID
	Reason         EntryReason
	Delta          DeltaCredits
	SourceEventID  string
	IdempotencyKey IdempotencyKey
	Metadata       MetadataJSON
	CreatedUnixUTC int64
}

// NewEntryInput validates the delta sign against the reason's policy:
// grants and refunds credit, spends debit, adjustments may do either.
func NewEntryInput(
	accountID AccountID,
	reason EntryReason,
	delta DeltaCredits,
	sourceEventID string,
	idempotencyKey IdempotencyKey,
	metadata MetadataJSON,
	createdUnixUTC int64,
) (EntryInput, error) {
	if accountID.String() == "" {
		return EntryInput{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	if idempotencyKey.String() == "" {
		return EntryInput{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	if delta == 0 {
		return EntryInput{}, fmt.Errorf("%w: must be non-zero", ErrInvalidDeltaCredits)
	}
	switch reason {
	case ReasonPurchaseGrant, ReasonRefund:
		if delta < 0 {
			return EntryInput{}, fmt.Errorf("%w: %s requires a positive delta", ErrInvalidDeltaCredits, reason)
		}
	case ReasonSpend:
		if delta > 0 {
			return EntryInput{}, fmt.Errorf("%w: spend requires a negative delta", ErrInvalidDeltaCredits)
		}
	case ReasonAdjust:
	default:
		return EntryInput{}, fmt.Errorf("%w: %q", ErrInvalidEntryReason, reason)
	}
	return EntryInput{
		AccountID:      accountID,
		Reason:         reason,
		Delta:          delta,
		SourceEventID:  sourceEventID,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		CreatedUnixUTC: createdUnixUTC,
	}, nil
}

// Balance is the authoritative credit position for an account.
type Balance struct {
	Credits      int64
	CurrencyCode string
}

// SpendResult reports a committed spend.
type SpendResult struct {
	EntryID    string
	NewBalance Balance
}

// RefundResult reports a committed (or deduplicated) refund.
type RefundResult struct {
	EntryID    string
	NewBalance Balance
	Replayed   bool
}

// DefaultGrants configures the welcome balance seeded on first interaction.
type DefaultGrants struct {
	GuestCredits  int64
	MemberCredits int64
}

// ForKind returns the welcome amount for an account kind.
func (grants DefaultGrants) ForKind(kind AccountKind) int64 {
	if kind == AccountKindMember {
		return grants.MemberCredits
	}
	return grants.GuestCredits
}

// Store is the persistence contract used by Service. Implementations must
// serialize mutations on the same account; mutations on different accounts
// must not block each other.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateAccount(ctx context.Context, accountID AccountID, kind AccountKind) (Account, bool, error)
	GetAccount(ctx context.Context, accountID AccountID) (Account, error)
	SumBalance(ctx context.Context, accountID AccountID) (int64, error)
	InsertEntry(ctx context.Context, input EntryInput) (string, error)
	GetEntry(ctx context.Context, accountID AccountID, entryID EntryID) (Entry, error)
	FindEntryByKey(ctx context.Context, accountID AccountID, idempotencyKey IdempotencyKey) (Entry, bool, error)
	MarkEventProcessed(ctx context.Context, eventID EventID, processedUnixUTC int64) error
	ListEntries(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Entry, error)
}
