package booth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/colygon/Fractal-Self-sub000/internal/store/gormstore"
	"github.com/colygon/Fractal-Self-sub000/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type stubGenerator struct {
	result GenerationResult
	err    error
	calls  int
}

func (generator *stubGenerator) Generate(ctx context.Context, request GenerationRequest) (GenerationResult, error) {
	generator.calls++
	return generator.result, generator.err
}

func newTestLedger(test *testing.T, guestCredits int64) *ledger.Service {
	test.Helper()
	databasePath := filepath.Join(test.TempDir(), "credits.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	require.NoError(test, err)
	sqlDB, err := db.DB()
	require.NoError(test, err)
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(test, db.AutoMigrate(&gormstore.Account{}, &gormstore.LedgerEntry{}, &gormstore.ProcessedEvent{}))

	service, err := ledger.NewService(gormstore.New(db),
		func() int64 { return time.Now().UTC().Unix() },
		ledger.DefaultGrants{GuestCredits: guestCredits, MemberCredits: guestCredits})
	require.NoError(test, err)
	return service
}

func seedAccount(test *testing.T, service *ledger.Service, raw string) ledger.AccountID {
	test.Helper()
	accountID, err := ledger.NewAccountID(raw)
	require.NoError(test, err)
	_, err = service.Balance(context.Background(), accountID, ledger.AccountKindGuest)
	require.NoError(test, err)
	return accountID
}

func TestGenerateSpendsAndReturnsImage(test *testing.T) {
	ledgerService := newTestLedger(test, 50)
	generator := &stubGenerator{result: GenerationResult{ImageBase64: "aW1n", MimeType: "image/png"}}
	service, err := NewService(ledgerService, generator, 5, zap.NewNop(), nil)
	require.NoError(test, err)
	accountID := seedAccount(test, ledgerService, "device-1")
	metadata, err := ledger.NewMetadataJSON(`{"action":"generation"}`)
	require.NoError(test, err)

	result, err := service.Generate(context.Background(), accountID, GenerationRequest{Prompt: "noir portrait"}, metadata)
	require.NoError(test, err)
	assert.Equal(test, "aW1n", result.Image.ImageBase64)
	assert.Equal(test, int64(45), result.Balance.Credits)
	assert.NotEmpty(test, result.SpendEntryID)
	assert.False(test, result.Refunded)
	assert.Equal(test, 1, generator.calls)
}

func TestGenerateRefundsWhenGeneratorFails(test *testing.T) {
	ledgerService := newTestLedger(test, 50)
	generator := &stubGenerator{err: errors.New("model unavailable")}
	service, err := NewService(ledgerService, generator, 5, zap.NewNop(), nil)
	require.NoError(test, err)
	accountID := seedAccount(test, ledgerService, "device-2")
	metadata, err := ledger.NewMetadataJSON(`{"action":"generation"}`)
	require.NoError(test, err)

	result, err := service.Generate(context.Background(), accountID, GenerationRequest{Prompt: "noir portrait"}, metadata)
	require.Error(test, err)
	assert.True(test, result.Refunded)
	assert.Equal(test, int64(50), result.Balance.Credits, "compensating refund restores the balance")

	balance, err := ledgerService.Balance(context.Background(), accountID, ledger.AccountKindGuest)
	require.NoError(test, err)
	assert.Equal(test, int64(50), balance.Credits)

	entries, err := ledgerService.Entries(context.Background(), accountID, 0, 10)
	require.NoError(test, err)
	reasons := make(map[ledger.EntryReason]int)
	for _, entry := range entries {
		reasons[entry.Reason]++
	}
	assert.Equal(test, 1, reasons[ledger.ReasonSpend])
	assert.Equal(test, 1, reasons[ledger.ReasonRefund])
}

func TestGenerateRejectsInsufficientBalance(test *testing.T) {
	ledgerService := newTestLedger(test, 3)
	generator := &stubGenerator{result: GenerationResult{ImageBase64: "aW1n"}}
	service, err := NewService(ledgerService, generator, 5, zap.NewNop(), nil)
	require.NoError(test, err)
	accountID := seedAccount(test, ledgerService, "device-3")
	metadata, err := ledger.NewMetadataJSON("{}")
	require.NoError(test, err)

	result, err := service.Generate(context.Background(), accountID, GenerationRequest{}, metadata)
	assert.ErrorIs(test, err, ledger.ErrInsufficientBalance)
	assert.Empty(test, result.SpendEntryID)
	assert.Equal(test, 0, generator.calls, "a rejected spend must not reach the generator")
}

func TestNewServiceValidatesDependencies(test *testing.T) {
	ledgerService := newTestLedger(test, 50)
	generator := &stubGenerator{}

	_, err := NewService(nil, generator, 5, zap.NewNop(), nil)
	assert.Error(test, err)
	_, err = NewService(ledgerService, nil, 5, zap.NewNop(), nil)
	assert.Error(test, err)
	_, err = NewService(ledgerService, generator, 0, zap.NewNop(), nil)
	assert.ErrorIs(test, err, ledger.ErrInvalidAmountCredits)
}

func TestHTTPGeneratorDecodesResponse(test *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		assert.Equal(test, http.MethodPost, request.Method)
		assert.Equal(test, "Bearer key-1", request.Header.Get("Authorization"))
		writer.Header().Set("Content-Type", "application/json")
		_, _ = writer.Write([]byte(`{"image_b64":"aW1n","mime_type":"image/png"}`))
	}))
	defer server.Close()

	generator := NewHTTPGenerator(server.URL, "key-1", time.Second)
	result, err := generator.Generate(context.Background(), GenerationRequest{Prompt: "p"})
	require.NoError(test, err)
	assert.Equal(test, "aW1n", result.ImageBase64)
	assert.Equal(test, "image/png", result.MimeType)
}

func TestHTTPGeneratorSurfacesUpstreamErrors(test *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		http.Error(writer, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	generator := NewHTTPGenerator(server.URL, "", time.Second)
	_, err := generator.Generate(context.Background(), GenerationRequest{})
	assert.Error(test, err)
}
