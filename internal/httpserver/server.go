// Package httpserver exposes the credit ledger over JSON HTTP: the public
// device-scoped API, the session-scoped member API, webhook ingest, and the
// operational endpoints.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/colygon/Fractal-Self-sub000/internal/booth"
	"github.com/colygon/Fractal-Self-sub000/internal/config"
	"github.com/colygon/Fractal-Self-sub000/internal/webhook"
	"github.com/colygon/Fractal-Self-sub000/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

// Deps carries the wired collaborators for the HTTP surface. SessionValidator
// may be nil, which disables the /api/me group.
type Deps struct {
	Config           config.Config
	Logger           *zap.Logger
	LedgerService    *ledger.Service
	BoothService     *booth.Service
	Ingestor         *webhook.Ingestor
	Providers        []webhook.Provider
	SessionValidator *sessionvalidator.Validator
}

// Run serves until the context is cancelled, then drains in-flight requests.
func Run(ctx context.Context, deps Deps) error {
	router := NewRouter(deps)

	server := &http.Server{
		Addr:    deps.Config.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		deps.Logger.Info("credit service listening", zap.String("addr", deps.Config.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			deps.Logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter builds the gin engine with all routes attached.
func NewRouter(deps Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     deps.Config.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", adminTokenHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	router.HandleMethodNotAllowed = true
	router.NoMethod(func(ctx *gin.Context) {
		ctx.JSON(http.StatusMethodNotAllowed, gin.H{"error": "Method not allowed"})
	})

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	providers := make(map[string]webhook.Provider, len(deps.Providers))
	for _, provider := range deps.Providers {
		providers[provider.Name()] = provider
	}

	handler := &httpHandler{
		logger:        deps.Logger,
		ledgerService: deps.LedgerService,
		boothService:  deps.BoothService,
		ingestor:      deps.Ingestor,
		providers:     providers,
		cfg:           deps.Config,
	}

	router.POST("/webhooks/:provider", handler.handleWebhook)

	api := router.Group("/api")
	api.GET("/balance", handler.handleBalance)
	api.POST("/balance", handler.handleBalance)
	api.POST("/spend", handler.handleSpend)
	api.POST("/refund", handler.handleRefund)
	api.POST("/generations", handler.handleGeneration)
	api.GET("/entries", handler.handleEntries)
	api.POST("/admin/adjust", handler.handleAdminAdjust)

	if deps.SessionValidator != nil {
		me := api.Group("/me")
		me.Use(deps.SessionValidator.GinMiddleware(authClaimsKey))
		me.GET("/wallet", handler.handleMyWallet)
		me.POST("/generations", handler.handleMyGeneration)
	}

	return router
}
