package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/colygon/Fractal-Self-sub000/internal/booth"
	"github.com/colygon/Fractal-Self-sub000/internal/config"
	"github.com/colygon/Fractal-Self-sub000/internal/httpserver"
	"github.com/colygon/Fractal-Self-sub000/internal/metrics"
	"github.com/colygon/Fractal-Self-sub000/internal/oplog"
	"github.com/colygon/Fractal-Self-sub000/internal/store/gormstore"
	"github.com/colygon/Fractal-Self-sub000/internal/webhook"
	"github.com/colygon/Fractal-Self-sub000/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagListenAddr     = "listen-addr"
	flagDatabaseURL    = "database-url"
	flagAllowedOrigins = "allowed-origins"
	flagConfigFile     = "config"

	configKeyListenAddr        = "listen_addr"
	configKeyDatabaseURL       = "database_url"
	configKeyAllowedOrigins    = "allowed_origins"
	configKeyRevenueCatSecret  = "revenuecat_webhook_secret"
	configKeyStripeSecret      = "stripe_webhook_secret"
	configKeyAdminToken        = "admin_token"
	configKeyProducts          = "products"
	configKeyGuestCredits      = "guest_grant_credits"
	configKeyMemberCredits     = "member_grant_credits"
	configKeyGenerationCost    = "generation_cost_credits"
	configKeyGeneratorEndpoint = "generator_endpoint"
	configKeyGeneratorAPIKey   = "generator_api_key"
	configKeyGeneratorTimeout  = "generator_timeout"
	configKeyWebhookTimeout    = "webhook_timeout"
	configKeySessionSigningKey = "session_signing_key"
	configKeySessionIssuer     = "session_issuer"
	configKeySessionCookie     = "session_cookie_name"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.Config{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit ledger and photo-booth backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagListenAddr, "", "HTTP listen address")
	cmd.Flags().String(flagDatabaseURL, "", "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated CORS origins")
	cmd.Flags().String(flagConfigFile, "", "optional config file (yaml)")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *config.Config) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	envBindings := map[string]string{
		configKeyListenAddr:        "LISTEN_ADDR",
		configKeyDatabaseURL:       "DATABASE_URL",
		configKeyAllowedOrigins:    "ALLOWED_ORIGINS",
		configKeyRevenueCatSecret:  "REVENUECAT_WEBHOOK_SECRET",
		configKeyStripeSecret:      "STRIPE_WEBHOOK_SECRET",
		configKeyAdminToken:        "ADMIN_TOKEN",
		configKeyGuestCredits:      "GUEST_GRANT_CREDITS",
		configKeyMemberCredits:     "MEMBER_GRANT_CREDITS",
		configKeyGenerationCost:    "GENERATION_COST_CREDITS",
		configKeyGeneratorEndpoint: "GENERATOR_ENDPOINT",
		configKeyGeneratorAPIKey:   "GENERATOR_API_KEY",
		configKeyGeneratorTimeout:  "GENERATOR_TIMEOUT",
		configKeyWebhookTimeout:    "WEBHOOK_TIMEOUT",
		configKeySessionSigningKey: "SESSION_SIGNING_KEY",
		configKeySessionIssuer:     "SESSION_ISSUER",
		configKeySessionCookie:     "SESSION_COOKIE_NAME",
	}
	for key, env := range envBindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}

	flagBindings := map[string]string{
		configKeyListenAddr:     flagListenAddr,
		configKeyDatabaseURL:    flagDatabaseURL,
		configKeyAllowedOrigins: flagAllowedOrigins,
	}
	for key, flag := range flagBindings {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	if configFile, _ := cmd.Flags().GetString(flagConfigFile); configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
	}

	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	cfg.AllowedOrigins = config.ParseAllowedOrigins(viper.GetString(configKeyAllowedOrigins))
	cfg.RevenueCatWebhookSecret = viper.GetString(configKeyRevenueCatSecret)
	cfg.StripeWebhookSecret = viper.GetString(configKeyStripeSecret)
	cfg.AdminToken = viper.GetString(configKeyAdminToken)
	cfg.GuestGrantCredits = viper.GetInt64(configKeyGuestCredits)
	cfg.MemberGrantCredits = viper.GetInt64(configKeyMemberCredits)
	cfg.GenerationCostCredits = viper.GetInt64(configKeyGenerationCost)
	cfg.GeneratorEndpoint = viper.GetString(configKeyGeneratorEndpoint)
	cfg.GeneratorAPIKey = viper.GetString(configKeyGeneratorAPIKey)
	cfg.GeneratorTimeout = viper.GetDuration(configKeyGeneratorTimeout)
	cfg.WebhookTimeout = viper.GetDuration(configKeyWebhookTimeout)
	cfg.SessionSigningKey = viper.GetString(configKeySessionSigningKey)
	cfg.SessionIssuer = viper.GetString(configKeySessionIssuer)
	cfg.SessionCookieName = viper.GetString(configKeySessionCookie)

	if viper.IsSet(configKeyProducts) {
		products := map[string]int64{}
		for productID := range viper.GetStringMap(configKeyProducts) {
			products[productID] = viper.GetInt64(configKeyProducts + "." + productID)
		}
		cfg.Products = products
	}

	return cfg.Validate()
}

func runServer(ctx context.Context, cfg *config.Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}

	collector := metrics.NewCollector(prometheus.DefaultRegisterer)
	store := gormstore.New(gormDB)
	clock := func() int64 { return time.Now().UTC().Unix() }
	defaults := ledger.DefaultGrants{
		GuestCredits:  cfg.GuestGrantCredits,
		MemberCredits: cfg.MemberGrantCredits,
	}
	ledgerService, err := ledger.NewService(store, clock, defaults,
		ledger.WithOperationLogger(oplog.New(logger, collector)))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	generator := booth.NewHTTPGenerator(cfg.GeneratorEndpoint, cfg.GeneratorAPIKey, cfg.GeneratorTimeout)
	boothService, err := booth.NewService(ledgerService, generator, cfg.GenerationCostCredits, logger, collector)
	if err != nil {
		return fmt.Errorf("booth service init: %w", err)
	}

	ingestor := webhook.NewIngestor(ledgerService, cfg.Products, cfg.WebhookTimeout, logger, collector)
	providers := []webhook.Provider{
		webhook.NewRevenueCat(cfg.RevenueCatWebhookSecret, logger),
		webhook.NewStripe(cfg.StripeWebhookSecret, logger),
	}

	var sessionValidator *sessionvalidator.Validator
	if cfg.SessionSigningKey != "" {
		sessionValidator, err = sessionvalidator.New(sessionvalidator.Config{
			SigningKey: []byte(cfg.SessionSigningKey),
			Issuer:     cfg.SessionIssuer,
			CookieName: cfg.SessionCookieName,
		})
		if err != nil {
			return fmt.Errorf("session validator: %w", err)
		}
	} else {
		logger.Warn("session signing key not configured; member endpoints disabled")
	}

	return httpserver.Run(ctx, httpserver.Deps{
		Config:           *cfg,
		Logger:           logger,
		LedgerService:    ledgerService,
		BoothService:     boothService,
		Ingestor:         ingestor,
		Providers:        providers,
		SessionValidator: sessionValidator,
	})
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{TranslateError: true}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "credits.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := db.AutoMigrate(&gormstore.Account{}, &gormstore.LedgerEntry{}, &gormstore.ProcessedEvent{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
