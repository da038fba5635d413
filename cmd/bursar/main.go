package main

import (
	"context"
	"io/fs"
	"sort"
	"time"

	"inkwell/bursar/internal/credits"
	"inkwell/bursar/internal/handlers"
	"inkwell/bursar/internal/jobs"
	"inkwell/bursar/internal/ledger"
	ledgerpg "inkwell/bursar/internal/ledger/postgres"
	ledgersqlite "inkwell/bursar/internal/ledger/sqlite"
	"inkwell/bursar/internal/mollie"
	"inkwell/bursar/internal/pricing"
	"inkwell/bursar/internal/stripe"
	"inkwell/bursar/pkg/auth"
	"inkwell/bursar/pkg/config"
	"inkwell/bursar/pkg/database"
	dbsql "inkwell/bursar/pkg/database/sql"
	"inkwell/bursar/pkg/llm"
	"inkwell/bursar/pkg/logging"
	"inkwell/bursar/pkg/monitoring"
	"inkwell/bursar/pkg/server"
	"inkwell/bursar/pkg/version"
)

func main() {
	logger := logging.NewLoggerWithService("bursar")

	config.LoadEnv(logger)

	logger.Info("Starting Bursar (Credits API)")

	jwtSecret := config.RequireEnv("JWT_SECRET")
	serviceToken := config.RequireEnv("SERVICE_TOKEN")

	store, backend := openStore(logger)
	defer store.Close()

	registry, err := pricing.NewRegistry(store, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build pricing registry")
	}
	if err := registry.Refresh(context.Background()); err != nil {
		// Serve with an empty registry rather than crash-loop on a slow
		// database: resolutions fail closed until the first refresh lands.
		logger.WithError(err).Warn("Initial pricing refresh failed, metering fails closed until retry")
	}

	// Monitoring
	healthChecker := monitoring.NewHealthChecker("bursar", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("bursar", version.Version, version.GitCommit)

	transactions, insufficient, openHolds, settlement := metricsCollector.CreateLedgerMetrics()
	usageEvents := metricsCollector.NewCounter("usage_events_total", "Usage reports processed", []string{"result"})
	webhookEvents := metricsCollector.NewCounter("webhook_events_total", "Payment webhook deliveries", []string{"provider", "result"})

	svc := credits.NewService(store, registry, logger, credits.NewMetrics(transactions, insufficient, settlement))

	// Payment providers are optional; checkout routes answer 503 when the
	// corresponding client is absent.
	var stripeClient *stripe.Client
	if key := config.GetEnv("STRIPE_SECRET_KEY", ""); key != "" {
		stripeClient = stripe.NewClient(stripe.Config{
			SecretKey:     key,
			WebhookSecret: config.GetEnv("STRIPE_WEBHOOK_SECRET", ""),
			Logger:        logger,
		})
		logger.Info("Stripe top-ups enabled")
	}

	var mollieClient *mollie.Client
	if key := config.GetEnv("MOLLIE_API_KEY", ""); key != "" {
		mollieClient, err = mollie.NewClient(mollie.Config{
			APIKey:        key,
			WebhookSecret: config.GetEnv("MOLLIE_WEBHOOK_SECRET", ""),
			Logger:        logger,
		})
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Mollie client")
		}
		logger.Info("Mollie top-ups enabled")
	}

	var llmProvider llm.Provider
	llmCfg := llm.LoadConfig()
	if llmCfg.APIKey != "" || llmCfg.APIURL != "" {
		llmProvider, err = llm.NewProvider(llmCfg)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create LLM provider")
		}
		logger.WithField("provider", llmCfg.Provider).Info("Billed completions enabled")
	}

	handlers.Init(handlers.Deps{
		Logger:   logger,
		Service:  svc,
		Store:    store,
		Registry: registry,
		Stripe:   stripeClient,
		Mollie:   mollieClient,
		LLM:      llmProvider,
		Metrics: &handlers.Metrics{
			WebhookEvents: webhookEvents,
			UsageEvents:   usageEvents,
		},
	})

	// Background jobs: Kafka usage ingestion and the stale-hold sweep.
	jobManager := jobs.NewManager(svc, store, logger, jobs.Options{
		UsageEvents: usageEvents,
		OpenHolds:   openHolds,
		Backend:     backend,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobManager.Start(ctx)
	defer jobManager.Stop()

	healthChecker.AddCheck("ledger", ledgerHealthCheck(store))
	healthChecker.AddCheck("pricing", monitoring.StalenessHealthCheck("pricing snapshot", func() time.Time {
		_, loadedAt := registry.SnapshotInfo()
		return loadedAt
	}, 3*config.GetEnvDuration("PRICING_REFRESH_INTERVAL", 5*time.Minute)))
	if consumer := jobManager.Consumer(); consumer != nil {
		healthChecker.AddCheck("kafka", monitoring.KafkaHealthCheck(consumer.GetClient()))
	}
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"JWT_SECRET":    jwtSecret,
		"SERVICE_TOKEN": serviceToken,
	}))

	router := server.SetupServiceRouter(logger, "bursar", healthChecker, metricsCollector)

	api := router.Group("/api")
	{
		// User endpoints (web sessions)
		protected := api.Group("")
		protected.Use(auth.JWTAuthMiddleware([]byte(jwtSecret)))
		{
			protected.GET("/balance", handlers.GetBalance)
			protected.GET("/transactions", handlers.GetTransactions)
			protected.POST("/estimate", handlers.CreateEstimate)
			protected.POST("/completions", handlers.CreateCompletion)
			protected.POST("/checkout", handlers.CreateCheckout)
		}

		// Admin endpoints; the service token also passes, which is how
		// bursarctl authenticates.
		admin := api.Group("/admin")
		admin.Use(auth.JWTAuthMiddleware([]byte(jwtSecret)), auth.RequireRole("admin", "service"))
		{
			admin.POST("/grant", handlers.GrantCredits)
			admin.POST("/refund", handlers.RefundCredits)
			admin.GET("/pricing", handlers.GetPricing)
			admin.POST("/pricing", handlers.UpsertPricing)
			admin.GET("/users/:user_id/balance", handlers.AdminGetBalance)
			admin.GET("/users/:user_id/transactions", handlers.AdminGetTransactions)
		}

		// Service-to-service metering (HTTP twin of the Kafka topic)
		internalAPI := api.Group("/internal")
		internalAPI.Use(auth.ServiceAuthMiddleware(serviceToken))
		{
			internalAPI.POST("/usage", handlers.IngestUsage)
			internalAPI.POST("/holds", handlers.CreateHold)
			internalAPI.POST("/holds/:id/finalize", handlers.FinalizeHold)
			internalAPI.POST("/holds/:id/void", handlers.VoidHold)
		}
	}

	// Webhook endpoints (signature-verified, no session auth)
	router.POST("/webhooks/stripe", handlers.HandleStripeWebhook)
	router.POST("/webhooks/mollie", handlers.HandleMollieWebhook)

	serverConfig := server.DefaultConfig("bursar", config.GetEnv("BURSAR_PORT", "18010"))
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}

// openStore selects the ledger backend from LEDGER_BACKEND: postgres
// (default, DATABASE_URL) or sqlite (SQLITE_PATH) for single-node
// deployments.
func openStore(logger logging.Logger) (ledger.Store, string) {
	backend := config.GetEnv("LEDGER_BACKEND", "postgres")
	switch backend {
	case "postgres":
		dbConfig := database.DefaultConfig()
		dbConfig.URL = config.RequireEnv("DATABASE_URL")
		db := database.MustConnect(dbConfig, logger)
		if config.GetEnvBool("DB_AUTO_MIGRATE", false) {
			applySchema(db, logger)
		}
		return ledgerpg.New(db, logger), backend

	case "sqlite":
		path := config.GetEnv("SQLITE_PATH", "bursar.db")
		store, err := ledgersqlite.Open(path, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to open sqlite ledger")
		}
		return store, backend

	default:
		logger.WithField("backend", backend).Fatal("LEDGER_BACKEND must be postgres or sqlite")
		return nil, backend
	}
}

// applySchema runs the embedded schema and seed files against Postgres.
// Statements are idempotent (IF NOT EXISTS / ON CONFLICT DO NOTHING), so
// reapplying on every boot is safe.
func applySchema(db database.PostgresConn, logger logging.Logger) {
	for _, dir := range []string{"schema", "seeds"} {
		entries, err := fs.ReadDir(dbsql.Content, dir)
		if err != nil {
			logger.WithError(err).Fatalf("Failed to read embedded %s files", dir)
		}
		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			names = append(names, entry.Name())
		}
		sort.Strings(names)

		for _, name := range names {
			contents, err := fs.ReadFile(dbsql.Content, dir+"/"+name)
			if err != nil {
				logger.WithError(err).Fatalf("Failed to read %s/%s", dir, name)
			}
			if _, err := db.Exec(string(contents)); err != nil {
				logger.WithError(err).Fatalf("Failed to apply %s/%s", dir, name)
			}
			logger.WithField("file", dir+"/"+name).Debug("Applied SQL file")
		}
	}
	logger.Info("Database schema applied")
}

// ledgerHealthCheck pings the active ledger backend.
func ledgerHealthCheck(store ledger.Store) monitoring.HealthCheck {
	return func() monitoring.CheckResult {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := store.Ping(ctx); err != nil {
			return monitoring.CheckResult{
				Status:  monitoring.StatusUnhealthy,
				Message: "ledger ping failed: " + err.Error(),
				Latency: time.Since(start).String(),
			}
		}
		return monitoring.CheckResult{
			Status:  monitoring.StatusHealthy,
			Message: "ledger reachable",
			Latency: time.Since(start).String(),
		}
	}
}
