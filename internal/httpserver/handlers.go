package httpserver

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/colygon/Fractal-Self-sub000/internal/booth"
	"github.com/colygon/Fractal-Self-sub000/internal/config"
	"github.com/colygon/Fractal-Self-sub000/internal/webhook"
	"github.com/colygon/Fractal-Self-sub000/pkg/ledger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	authClaimsKey    = "auth_claims"
	adminTokenHeader = "X-Admin-Token"

	defaultEntriesLimit = 50
	maxEntriesLimit     = 200
	walletHistoryLimit  = 10
)

type httpHandler struct {
	logger        *zap.Logger
	ledgerService *ledger.Service
	boothService  *booth.Service
	ingestor      *webhook.Ingestor
	providers     map[string]webhook.Provider
	cfg           config.Config
}

func (handler *httpHandler) handleWebhook(ctx *gin.Context) {
	providerName := ctx.Param("provider")
	provider, known := handler.providers[providerName]
	if !known {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "Unknown provider"})
		return
	}
	payload, err := io.ReadAll(ctx.Request.Body)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Unreadable payload"})
		return
	}
	result := handler.ingestor.Ingest(ctx.Request.Context(), provider, payload, ctx.Request.Header)
	switch result.Outcome {
	case webhook.OutcomeRejected:
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
	case webhook.OutcomeFailed:
		handler.logger.Error("webhook processing failed",
			zap.String("provider", result.Provider),
			zap.String("event_id", result.EventID),
			zap.Error(result.Err))
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Webhook processing failed"})
	default:
		ctx.JSON(http.StatusOK, gin.H{"received": true})
	}
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	accountIDRaw := ctx.Query("account_id")
	if accountIDRaw == "" && ctx.Request.Method == http.MethodPost {
		var request balanceRequest
		if err := ctx.ShouldBindJSON(&request); err == nil {
			accountIDRaw = request.AccountID
		}
	}
	accountID, err := ledger.NewAccountID(accountIDRaw)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Missing account_id"})
		return
	}
	balance, err := handler.ledgerService.Balance(ctx.Request.Context(), accountID, ledger.AccountKindGuest)
	if err != nil {
		handler.respondLedgerError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"success":    true,
		"balance":    balance.Credits,
		"currencies": gin.H{balance.CurrencyCode: balance.Credits},
	})
}

func (handler *httpHandler) handleSpend(ctx *gin.Context) {
	var request spendRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Expected JSON body"})
		return
	}
	accountID, err := ledger.NewAccountID(request.AccountID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Missing account_id"})
		return
	}
	amount, err := ledger.NewAmountCredits(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid amount"})
		return
	}
	idempotencyKey, err := clientIdempotencyKey(request.IdempotencyKey, "spend")
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid idempotency key"})
		return
	}
	metadata, err := reasonMetadata("spend", request.Reason)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid reason"})
		return
	}
	result, err := handler.ledgerService.Spend(ctx.Request.Context(), accountID, amount, idempotencyKey, metadata)
	if err != nil {
		handler.respondLedgerError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"success":    true,
		"newBalance": result.NewBalance.Credits,
		"spent":      request.Amount,
		"entry_id":   result.EntryID,
	})
}

func (handler *httpHandler) handleRefund(ctx *gin.Context) {
	var request refundRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Expected JSON body"})
		return
	}
	accountID, err := ledger.NewAccountID(request.AccountID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Missing account_id"})
		return
	}
	amount, err := ledger.NewAmountCredits(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid amount"})
		return
	}
	var spendEntryID *ledger.EntryID
	if request.SpendEntryID != "" {
		entryID, err := ledger.NewEntryID(request.SpendEntryID)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid spend_entry_id"})
			return
		}
		spendEntryID = &entryID
	}
	var idempotencyKey ledger.IdempotencyKey
	if request.IdempotencyKey != "" {
		idempotencyKey, err = ledger.NewIdempotencyKey(request.IdempotencyKey)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid idempotency key"})
			return
		}
	}
	metadata, err := reasonMetadata("refund", request.Reason)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid reason"})
		return
	}
	result, err := handler.ledgerService.Refund(ctx.Request.Context(), accountID, amount, spendEntryID, idempotencyKey, metadata)
	if err != nil {
		handler.respondLedgerError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"success":    true,
		"newBalance": result.NewBalance.Credits,
		"refunded":   request.Amount,
		"reason":     request.Reason,
	})
}

func (handler *httpHandler) handleGeneration(ctx *gin.Context) {
	var request generationRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Expected JSON body"})
		return
	}
	accountID, err := ledger.NewAccountID(request.AccountID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Missing account_id"})
		return
	}
	handler.runGeneration(ctx, accountID, request)
}

func (handler *httpHandler) runGeneration(ctx *gin.Context, accountID ledger.AccountID, request generationRequest) {
	metadata, err := reasonMetadata("generation", "")
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	result, err := handler.boothService.Generate(ctx.Request.Context(), accountID, booth.GenerationRequest{
		Prompt:      request.Prompt,
		ImageBase64: request.ImageBase64,
	}, metadata)
	if err != nil {
		if result.SpendEntryID == "" {
			handler.respondLedgerError(ctx, err)
			return
		}
		ctx.JSON(http.StatusBadGateway, gin.H{
			"error":      "Generation failed",
			"refunded":   result.Refunded,
			"newBalance": result.Balance.Credits,
		})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"success":    true,
		"image_b64":  result.Image.ImageBase64,
		"mime_type":  result.Image.MimeType,
		"newBalance": result.Balance.Credits,
		"spent":      handler.boothService.CostCredits(),
		"entry_id":   result.SpendEntryID,
	})
}

func (handler *httpHandler) handleEntries(ctx *gin.Context) {
	accountID, err := ledger.NewAccountID(ctx.Query("account_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Missing account_id"})
		return
	}
	limit := parseLimit(ctx.Query("limit"))
	before := parseBefore(ctx.Query("before"))
	entries, err := handler.ledgerService.Entries(ctx.Request.Context(), accountID, before, limit)
	if err != nil {
		handler.respondLedgerError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true, "entries": entryPayloads(entries)})
}

func (handler *httpHandler) handleAdminAdjust(ctx *gin.Context) {
	if handler.cfg.AdminToken == "" {
		ctx.JSON(http.StatusForbidden, gin.H{"error": "Admin endpoint disabled"})
		return
	}
	provided := ctx.GetHeader(adminTokenHeader)
	if subtle.ConstantTimeCompare([]byte(provided), []byte(handler.cfg.AdminToken)) != 1 {
		ctx.JSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
		return
	}
	var request adjustRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Expected JSON body"})
		return
	}
	accountID, err := ledger.NewAccountID(request.AccountID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Missing account_id"})
		return
	}
	delta, err := ledger.NewDeltaCredits(request.Delta)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid delta"})
		return
	}
	idempotencyKey, err := clientIdempotencyKey(request.IdempotencyKey, "adjust")
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid idempotency key"})
		return
	}
	metadata, err := reasonMetadata("adjust", request.Reason)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid reason"})
		return
	}
	balance, err := handler.ledgerService.Adjust(ctx.Request.Context(), accountID, delta, idempotencyKey, metadata)
	if err != nil {
		handler.respondLedgerError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true, "newBalance": balance.Credits})
}

func (handler *httpHandler) handleMyWallet(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "Missing session"})
		return
	}
	accountID, err := ledger.NewAccountID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid session subject"})
		return
	}
	balance, err := handler.ledgerService.Balance(ctx.Request.Context(), accountID, ledger.AccountKindMember)
	if err != nil {
		handler.respondLedgerError(ctx, err)
		return
	}
	before := time.Now().UTC().Add(time.Second).Unix()
	entries, err := handler.ledgerService.Entries(ctx.Request.Context(), accountID, before, walletHistoryLimit)
	if err != nil {
		handler.respondLedgerError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"wallet": gin.H{
			"balance":    balance.Credits,
			"currencies": gin.H{balance.CurrencyCode: balance.Credits},
			"entries":    entryPayloads(entries),
		},
	})
}

func (handler *httpHandler) handleMyGeneration(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "Missing session"})
		return
	}
	accountID, err := ledger.NewAccountID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid session subject"})
		return
	}
	var request generationRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Expected JSON body"})
		return
	}
	// Members get their account (and welcome grant) created on first use.
	if _, err := handler.ledgerService.Balance(ctx.Request.Context(), accountID, ledger.AccountKindMember); err != nil {
		handler.respondLedgerError(ctx, err)
		return
	}
	handler.runGeneration(ctx, accountID, request)
}

func (handler *httpHandler) respondLedgerError(ctx *gin.Context, err error) {
	var insufficient ledger.InsufficientBalanceError
	if errors.As(err, &insufficient) {
		ctx.JSON(http.StatusBadRequest, gin.H{
			"error":           "Insufficient virtual currency balance",
			"currentBalance":  insufficient.CurrentCredits,
			"requestedAmount": insufficient.RequestedCredits,
		})
		return
	}
	switch {
	case errors.Is(err, ledger.ErrUnknownAccount):
		ctx.JSON(http.StatusNotFound, gin.H{"error": "Unknown account"})
	case errors.Is(err, ledger.ErrUnknownEntry):
		ctx.JSON(http.StatusNotFound, gin.H{"error": "Unknown entry"})
	case errors.Is(err, ledger.ErrDuplicateIdempotencyKey):
		ctx.JSON(http.StatusConflict, gin.H{"error": "Duplicate idempotency key"})
	case errors.Is(err, ledger.ErrEntryNotRefundable),
		errors.Is(err, ledger.ErrInvalidAmountCredits),
		errors.Is(err, ledger.ErrInvalidDeltaCredits),
		errors.Is(err, ledger.ErrInvalidIdempotencyKey),
		errors.Is(err, ledger.ErrInvalidAccountID),
		errors.Is(err, ledger.ErrInvalidMetadataJSON):
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
	default:
		handler.logger.Error("ledger operation failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Ledger unavailable"})
	}
}

func clientIdempotencyKey(raw string, operation string) (ledger.IdempotencyKey, error) {
	if raw == "" {
		raw = operation + ":" + uuid.NewString()
	}
	return ledger.NewIdempotencyKey(raw)
}

func reasonMetadata(action string, reason string) (ledger.MetadataJSON, error) {
	fields := map[string]string{"action": action}
	if reason != "" {
		fields["reason"] = reason
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return ledger.MetadataJSON{}, err
	}
	return ledger.NewMetadataJSON(string(raw))
}

func entryPayloads(entries []ledger.Entry) []entryPayload {
	payloads := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payloads = append(payloads, entryPayload{
			EntryID:        entry.EntryID,
			Reason:         entry.Reason.String(),
			DeltaCredits:   entry.DeltaCredits,
			SourceEventID:  entry.SourceEventID,
			Metadata:       json.RawMessage(entry.MetadataJSON),
			CreatedUnixUTC: entry.CreatedUnixUTC,
		})
	}
	return payloads
}

func parseLimit(raw string) int {
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return defaultEntriesLimit
	}
	if limit > maxEntriesLimit {
		return maxEntriesLimit
	}
	return limit
}

func parseBefore(raw string) int64 {
	fallback := time.Now().UTC().Add(time.Second).Unix()
	if raw == "" {
		return fallback
	}
	before, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || before <= 0 {
		return fallback
	}
	return before
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(authClaimsKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}
