package ledger

const (
	operationBalance = "balance"
	operationGrant   = "grant"
	operationSpend   = "spend"
	operationRefund  = "refund"
	operationAdjust  = "adjust"

	operationStatusOK       = "ok"
	operationStatusError    = "error"
	operationStatusReplayed = "replayed"

	idempotencyPrefixGrant   = "grant:"
	idempotencyPrefixRefund  = "refund:"
	idempotencyPrefixWelcome = "welcome:"

	welcomeMetadataJSON = `{"action":"welcome_grant"}`

	// DefaultCurrencyCode tags balances; the app only mints one currency.
	DefaultCurrencyCode = "credits"
)
