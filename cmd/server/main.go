package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/klear-bullion/internal/auth"
	"github.com/ksred/klear-bullion/internal/capital"
	"github.com/ksred/klear-bullion/internal/config"
	"github.com/ksred/klear-bullion/internal/database"
	"github.com/ksred/klear-bullion/internal/fees"
	"github.com/ksred/klear-bullion/internal/metrics"
	"github.com/ksred/klear-bullion/internal/orders"
	"github.com/ksred/klear-bullion/internal/rails"
	"github.com/ksred/klear-bullion/internal/reference"
	"github.com/ksred/klear-bullion/internal/settlement"
	"github.com/ksred/klear-bullion/internal/types"
	"github.com/ksred/klear-bullion/pkg/middleware"
)

// configureLogging enables pretty printing outside production and debug
// logging when DEBUG is set
func configureLogging(cfg config.Config) {
	if !cfg.IsProduction() {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

type handlers struct {
	auth       *auth.GinHandlers
	orders     *orders.GinHandlers
	reference  *reference.GinHandlers
	capital    *capital.GinHandlers
	fees       *fees.GinHandlers
	settlement *settlement.GinHandlers
}

// main wires the clearing services, starts the background sweeps and serves
// the API until SIGINT or SIGTERM
func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Invalid configuration")
	}
	configureLogging(cfg)

	db, err := database.NewDatabase(database.Options{
		Driver: cfg.DBDriver,
		DSN:    cfg.DatabaseDSN,
		Debug:  cfg.Debug,
	})
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	authService := auth.NewService(cfg.JWTSecret)
	if !cfg.IsProduction() {
		registerDemoCredentials(authService)
	}

	capitalService := capital.NewService(db,
		capital.WithMaxOverrideTTL(cfg.OverrideMaxTTL),
		capital.WithMetrics(m),
	)
	referenceService := reference.NewService(db)
	if cfg.SeedReferenceData {
		if err := referenceService.Seed(ctx); err != nil {
			zlog.Fatal().Err(err).Msg("Failed to seed reference data")
		}
	}
	ordersService := orders.NewService(db, capitalService,
		orders.WithPlatformFee(func(notionalCents int64) (int64, error) {
			return fees.CoreFeeCents(fees.DefaultConfig(), notionalCents)
		}),
	)

	railSeed := cfg.RailSeed
	if railSeed == 0 {
		railSeed = time.Now().UnixNano()
	}
	settlementService := settlement.NewService(db, ordersService, referenceService, capitalService,
		settlement.WithPricing(fees.DefaultConfig),
		settlement.WithRailClient(rails.NewSimulatedClient(railSeed)),
		settlement.WithMetrics(m),
	)

	processor := settlement.NewProcessor(settlementService, cfg.RailSweepInterval,
		settlement.Sweep{Name: "capital_overrides", Run: capitalService.ExpireOverrides},
		settlement.Sweep{Name: "reservations", Run: ordersService.ExpireReservations},
	)
	go processor.Start(ctx)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	setupRoutes(router, cfg, handlers{
		auth:       auth.NewGinHandlers(authService),
		orders:     orders.NewGinHandlers(ordersService),
		reference:  reference.NewGinHandlers(referenceService),
		capital:    capital.NewGinHandlers(capitalService),
		fees:       fees.NewGinHandlers(fees.DefaultConfig),
		settlement: settlement.NewGinHandlers(settlementService),
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		zlog.Info().Str("port", cfg.Port).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// registerDemoCredentials issues one API key pair per role, <role>-key and
// <role>-secret, acting as usr_<role>_demo
func registerDemoCredentials(service *auth.Service) {
	for _, role := range types.KnownRoles {
		actor := types.Actor{UserID: "usr_" + string(role) + "_demo", Role: role, Name: "Demo " + string(role)}
		if err := service.RegisterAPICredentials(string(role)+"-key", string(role)+"-secret", actor); err != nil {
			zlog.Fatal().Err(err).Str("role", string(role)).Msg("Failed to register demo credentials")
		}
	}
	zlog.Warn().Msg("Demo API credentials registered, do not run this build in production")
}

// setupRoutes groups the API by resource. Everything except token issuance
// requires a JWT; rail callbacks additionally require a system or admin role.
func setupRoutes(router *gin.Engine, cfg config.Config, h handlers) {
	v1 := router.Group("/api/v1")
	{
		authRoutes := v1.Group("/auth")
		authRoutes.Use(middleware.RateLimit())
		{
			authRoutes.POST("/token", h.auth.GenerateTokenHandler())
		}

		api := v1.Group("")
		api.Use(middleware.JWTAuth(cfg.JWTSecret), middleware.RateLimit())
		{
			api.POST("/reservations", h.orders.CreateReservationHandler())

			orderRoutes := api.Group("/orders")
			{
				orderRoutes.POST("", h.orders.CreateOrderHandler())
				orderRoutes.GET("/:order_id", h.orders.GetOrderHandler())
				orderRoutes.POST("/:order_id/reservation", h.orders.ConvertReservationHandler())
				orderRoutes.POST("/:order_id/allocations", h.orders.AddAllocationHandler())
				orderRoutes.GET("/:order_id/allocations", h.orders.ListAllocationsHandler())
			}

			referenceRoutes := api.Group("/reference")
			{
				referenceRoutes.GET("/corridors", h.reference.ListCorridorsHandler())
				referenceRoutes.PUT("/corridors/:corridor_id/status", h.reference.SetCorridorStatusHandler())
				referenceRoutes.GET("/hubs", h.reference.ListHubsHandler())
				referenceRoutes.PUT("/hubs/:hub_id/status", h.reference.SetHubStatusHandler())
				referenceRoutes.PUT("/verifications/:case_id", h.reference.RecordVerificationHandler())
			}

			capitalRoutes := api.Group("/capital")
			{
				capitalRoutes.GET("/decision", h.capital.DecisionHandler())
				capitalRoutes.POST("/snapshots", h.capital.RecordSnapshotHandler())
				capitalRoutes.POST("/overrides", h.capital.CreateOverrideHandler())
				capitalRoutes.GET("/overrides", h.capital.ListOverridesHandler())
				capitalRoutes.POST("/overrides/:override_id/revoke", h.capital.RevokeOverrideHandler())
				capitalRoutes.GET("/audit", h.capital.AuditEventsHandler())
			}

			api.POST("/fees/quote", h.fees.QuoteHandler())

			settlementRoutes := api.Group("/settlements")
			{
				settlementRoutes.POST("", h.settlement.OpenSettlementHandler())
				settlementRoutes.GET("", h.settlement.ListSettlementsHandler())
				settlementRoutes.GET("/:settlement_id", h.settlement.GetSettlementHandler())
				settlementRoutes.POST("/:settlement_id/actions", h.settlement.ActionHandler())
				settlementRoutes.GET("/:settlement_id/ledger", h.settlement.LedgerHandler())
				settlementRoutes.GET("/:settlement_id/journals", h.settlement.JournalsHandler())
				settlementRoutes.GET("/:settlement_id/certificate", h.settlement.CertificateHandler())
			}

			api.GET("/clearing/state", h.settlement.ExportHandler())
		}

		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(cfg.InternalSigningSecret()), middleware.RateLimit())
		{
			internal.POST("/rails/:settlement_id/submit", h.settlement.SubmitRailHandler())
			internal.POST("/rails/:settlement_id/confirm", h.settlement.ConfirmRailHandler())
		}
	}
}
