package httpserver

import "encoding/json"

type balanceRequest struct {
	AccountID string `json:"account_id"`
}

type spendRequest struct {
	AccountID      string `json:"account_id"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
	Reason         string `json:"reason"`
}

type refundRequest struct {
	AccountID      string `json:"account_id"`
	Amount         int64  `json:"amount"`
	SpendEntryID   string `json:"spend_entry_id"`
	IdempotencyKey string `json:"idempotency_key"`
	Reason         string `json:"reason"`
}

type generationRequest struct {
	AccountID   string `json:"account_id"`
	Prompt      string `json:"prompt"`
	ImageBase64 string `json:"image_b64"`
}

type adjustRequest struct {
	AccountID      string `json:"account_id"`
	Delta          int64  `json:"delta"`
	IdempotencyKey string `json:"idempotency_key"`
	Reason         string `json:"reason"`
}

type entryPayload struct {
	EntryID        string          `json:"entry_id"`
	Reason         string          `json:"reason"`
	DeltaCredits   int64           `json:"delta_credits"`
	SourceEventID  string          `json:"source_event_id,omitempty"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}
