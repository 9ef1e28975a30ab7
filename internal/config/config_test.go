package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAppliesDefaults(test *testing.T) {
	cfg := Config{}
	require.NoError(test, cfg.Validate())

	assert.Equal(test, ":8080", cfg.ListenAddr)
	assert.Equal(test, "sqlite:///tmp/credits.db", cfg.DatabaseURL)
	assert.Equal(test, []string{"http://localhost:3000"}, cfg.AllowedOrigins)
	assert.Equal(test, int64(50), cfg.GuestGrantCredits)
	assert.Equal(test, int64(100), cfg.MemberGrantCredits)
	assert.Equal(test, int64(5), cfg.GenerationCostCredits)
	assert.Equal(test, 10*time.Second, cfg.WebhookTimeout)
	assert.Equal(test, 60*time.Second, cfg.GeneratorTimeout)
	assert.Equal(test, int64(400), cfg.Products["credits_400"])
}

func TestValidateKeepsExplicitValues(test *testing.T) {
	cfg := Config{
		ListenAddr:            ":9090",
		GuestGrantCredits:     10,
		GenerationCostCredits: 2,
		Products:              map[string]int64{"credits_100": 100},
	}
	require.NoError(test, cfg.Validate())

	assert.Equal(test, ":9090", cfg.ListenAddr)
	assert.Equal(test, int64(10), cfg.GuestGrantCredits)
	assert.Equal(test, int64(2), cfg.GenerationCostCredits)
	assert.Equal(test, map[string]int64{"credits_100": 100}, cfg.Products)
}

func TestValidateRejectsBadValues(test *testing.T) {
	negativeGrant := Config{GuestGrantCredits: -1}
	assert.Error(test, negativeGrant.Validate())

	negativeCost := Config{GenerationCostCredits: -5}
	assert.Error(test, negativeCost.Validate())

	emptyProduct := Config{Products: map[string]int64{"  ": 100}}
	assert.Error(test, emptyProduct.Validate())

	zeroCredits := Config{Products: map[string]int64{"credits_0": 0}}
	assert.Error(test, zeroCredits.Validate())
}

func TestParseAllowedOrigins(test *testing.T) {
	assert.Empty(test, ParseAllowedOrigins("  "))
	assert.Equal(test,
		[]string{"https://app.example.com", "http://localhost:3000"},
		ParseAllowedOrigins(" https://app.example.com , http://localhost:3000 ,"))
}
