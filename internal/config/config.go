// Package config aggregates runtime settings for the credit service.
package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultListenAddr       = ":8080"
	defaultDatabaseURL      = "sqlite:///tmp/credits.db"
	defaultAllowedOrigin    = "http://localhost:3000"
	defaultSessionIssuer    = "tauth"
	defaultSessionCookie    = "app_session"
	defaultGuestCredits     = 50
	defaultMemberCredits    = 100
	defaultGenerationCost   = 5
	defaultWebhookTimeout   = 10 * time.Second
	defaultGeneratorTimeout = 60 * time.Second
)

// DefaultProducts returns the built-in product-to-credits table. Deployments
// override it from the config file; the table is configuration, not logic.
func DefaultProducts() map[string]int64 {
	return map[string]int64{
		"credits_400":  400,
		"credits_1700": 1700,
		"credits_5000": 5000,
	}
}

// Config aggregates runtime settings for the service.
type Config struct {
	ListenAddr     string
	DatabaseURL    string
	AllowedOrigins []string

	RevenueCatWebhookSecret string
	StripeWebhookSecret     string
	AdminToken              string
	Products                map[string]int64

	GuestGrantCredits     int64
	MemberGrantCredits    int64
	GenerationCostCredits int64

	GeneratorEndpoint string
	GeneratorAPIKey   string
	GeneratorTimeout  time.Duration
	WebhookTimeout    time.Duration

	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
}

// Validate applies defaults and ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	if cfg.Products == nil {
		cfg.Products = DefaultProducts()
	}
	if cfg.GuestGrantCredits == 0 {
		cfg.GuestGrantCredits = defaultGuestCredits
	}
	if cfg.MemberGrantCredits == 0 {
		cfg.MemberGrantCredits = defaultMemberCredits
	}
	if cfg.GenerationCostCredits == 0 {
		cfg.GenerationCostCredits = defaultGenerationCost
	}
	if cfg.WebhookTimeout <= 0 {
		cfg.WebhookTimeout = defaultWebhookTimeout
	}
	if cfg.GeneratorTimeout <= 0 {
		cfg.GeneratorTimeout = defaultGeneratorTimeout
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)

	if cfg.GuestGrantCredits < 0 || cfg.MemberGrantCredits < 0 {
		return fmt.Errorf("default grants must not be negative")
	}
	if cfg.GenerationCostCredits <= 0 {
		return fmt.Errorf("generation cost must be positive")
	}
	for productID, credits := range cfg.Products {
		if strings.TrimSpace(productID) == "" {
			return fmt.Errorf("product table contains an empty product id")
		}
		if credits <= 0 {
			return fmt.Errorf("product %q maps to a non-positive credit amount", productID)
		}
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
