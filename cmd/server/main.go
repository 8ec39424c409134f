package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"crisiswatch/internal/alerts"
	"crisiswatch/internal/classifier"
	"crisiswatch/internal/companion"
	"crisiswatch/internal/config"
	"crisiswatch/internal/consent"
	"crisiswatch/internal/crypto"
	"crisiswatch/internal/database"
	"crisiswatch/internal/engine"
	"crisiswatch/internal/followup"
	"crisiswatch/internal/handlers"
	"crisiswatch/internal/handoff"
	"crisiswatch/internal/health"
	"crisiswatch/internal/jobs"
	"crisiswatch/internal/logging"
	"crisiswatch/internal/metrics"
	"crisiswatch/internal/middleware"
	"crisiswatch/internal/models"
	"crisiswatch/internal/platform"
	"crisiswatch/internal/resilience"
	"crisiswatch/internal/sessions"
	"crisiswatch/internal/store"
	"crisiswatch/pkg/auth"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	} else {
		log.Println("✅ .env file loaded successfully")
	}

	// Initialize structured logging (JSON in production, text in dev)
	logging.Init()

	log.Println("🚀 Starting crisiswatch...")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}
	log.Printf("📋 Configuration loaded: %s", cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Safety policy (phrases, resources, lexicons) with hot reload
	policy := config.NewPolicyHolder(nil)
	if cfg.PolicyFile != "" {
		p, err := config.LoadPolicy(cfg.PolicyFile)
		if err != nil {
			log.Fatalf("❌ Failed to load policy file: %v", err)
		}
		policy.Set(p)
		if err := policy.Watch(ctx, cfg.PolicyFile); err != nil {
			log.Printf("⚠️ Policy hot-reload disabled: %v", err)
		}
	} else {
		log.Println("⚠️  POLICY_FILE not set, using built-in safety policy")
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	breakerFor := func(name string) *resilience.CircuitBreaker {
		cb := resilience.NewCircuitBreaker(resilience.BreakerConfig{
			Name:             name,
			FailureThreshold: cfg.BreakerFailureThreshold,
			SuccessThreshold: cfg.BreakerSuccessThreshold,
			Cooldown:         cfg.BreakerCooldown,
		})
		m.ObserveBreaker(cb)
		return cb
	}
	retryFor := func(name string) resilience.RetryPolicy {
		return resilience.RetryPolicy{
			MaxAttempts: cfg.RetryMaxAttempts,
			Backoff:     resilience.NewBackoffCalculator(cfg.RetryBaseDelay, 10*time.Second, 2.0, 20),
			Retryable:   resilience.IsRetryable,
			Name:        name,
		}
	}

	healthService := health.NewService(3 * time.Second)

	// Key-value store: Redis when configured, memory otherwise
	storeBreaker := breakerFor("store")
	kv := store.Open(ctx, cfg.RedisURL, cfg.RedisNamespace, storeBreaker)
	defer kv.Close()
	healthService.Register(health.Dependency{Name: "store", Check: kv.Ping, Mode: kv.Mode, Breaker: storeBreaker})

	// Consent registry
	var consentRegistry consent.Registry
	if cfg.DatabaseURL != "" {
		db, err := database.New(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("❌ Failed to connect to consent database: %v", err)
		}
		defer db.Close()
		if err := db.Initialize(ctx); err != nil {
			log.Fatalf("❌ Failed to initialize consent database: %v", err)
		}
		consentRegistry = consent.NewSQLRegistry(db)
		healthService.Register(health.Dependency{Name: "consent-db", Check: db.PingContext, Mode: func() string { return string(db.Dialect) }})
	} else {
		log.Println("⚠️  DATABASE_URL not set, consent withdrawals are kept in memory only")
		consentRegistry = consent.NewMemoryRegistry()
	}

	// Alert records: MongoDB (optional)
	var alertRepo alerts.Repository = alerts.NewMemoryRepository()
	if cfg.MongoURI != "" {
		log.Println("🔗 Connecting to MongoDB...")
		mongoDB, err := database.NewMongoDB(ctx, cfg.MongoURI)
		if err != nil {
			log.Printf("⚠️ Failed to connect to MongoDB: %v (alert history kept in memory)", err)
		} else {
			defer mongoDB.Close(context.Background())
			if err := mongoDB.Initialize(ctx); err != nil {
				log.Printf("⚠️ Failed to create MongoDB indexes: %v", err)
			}
			alertRepo = alerts.NewMongoRepository(mongoDB.Collection(database.CollectionAlerts))
			healthService.Register(health.Dependency{Name: "alerts-mongo", Check: mongoDB.Ping, Optional: true})
			log.Println("✅ MongoDB connected successfully")
		}
	} else {
		log.Println("⚠️ MONGODB_URI not set - alert history kept in memory")
	}

	// Chat platform
	var chat platform.Platform
	if cfg.DryRun || cfg.DiscordToken == "" {
		log.Println("⚠️  Dry run: platform calls are logged, not sent")
		chat = platform.NewRecorder()
	} else {
		platformBreaker := breakerFor("platform")
		chat = platform.NewDiscord(platform.DiscordConfig{
			Token:             cfg.DiscordToken,
			RequestsPerSecond: cfg.PlatformRatePerSec,
		}, resilience.NewGuard(platformBreaker, retryFor("platform")))
		healthService.Register(health.Dependency{Name: "platform", Breaker: platformBreaker})
	}

	// AI services, each behind its own breaker
	classifierBreaker := breakerFor("classifier")
	cls := classifier.NewGuarded(
		classifier.NewHTTPClient(cfg.ClassifierURL, cfg.ClassifierAPIKey, cfg.ClassifierTimeout),
		resilience.NewGuard(classifierBreaker, retryFor("classifier")), m)
	healthService.Register(health.Dependency{Name: "classifier", Breaker: classifierBreaker})

	var companionClient companion.Companion = companion.NewCanned()
	if cfg.CompanionURL != "" {
		companionClient = companion.NewOpenAIClient(cfg.CompanionURL, cfg.CompanionAPIKey, cfg.CompanionModel, cfg.CompanionTimeout)
	} else {
		log.Println("⚠️  COMPANION_URL not set, sessions use canned supportive replies")
	}
	companionBreaker := breakerFor("companion")
	responder := companion.NewGuarded(companionClient, resilience.NewGuard(companionBreaker, retryFor("companion")), m)
	healthService.Register(health.Dependency{Name: "companion", Breaker: companionBreaker})

	// Components
	cooldowns := resilience.NewCooldownTracker(cfg.AlertCooldown, kv)
	router := alerts.NewRouter(alerts.RouterConfig{
		MinSeverity:     cfg.AlertMinSeverity,
		RolePingMin:     cfg.RolePingMinSeverity,
		ResponderRoleID: cfg.ResponderRoleID,
		Channels: map[models.AlertTarget]string{
			models.TargetMonitor:    cfg.ChannelFor(models.TargetMonitor),
			models.TargetEscalation: cfg.ChannelFor(models.TargetEscalation),
			models.TargetCritical:   cfg.ChannelFor(models.TargetCritical),
		},
	}, chat, cooldowns, alertRepo, m)

	registry := sessions.NewRegistry(sessions.Config{
		IdleTimeout:     cfg.SessionIdleTimeout,
		MaxDuration:     cfg.SessionMaxDuration,
		HistoryCap:      cfg.SessionHistoryCap,
		ParentChannelID: cfg.SupportChannelID,
	}, chat, responder, policy, kv, m)
	m.RegisterActiveSessions(registry.ActiveCount)

	if cfg.SessionEncryptionKey != "" {
		sealer, err := crypto.NewSealer(cfg.SessionEncryptionKey)
		if err != nil {
			log.Fatalf("❌ Invalid SESSION_ENCRYPTION_KEY: %v", err)
		}
		registry.SetSnapshotSealer(sealer)
		log.Println("🔐 Session transcripts are encrypted at rest")
	} else if cfg.IsProduction() && cfg.RedisURL != "" {
		log.Println("⚠️  SESSION_ENCRYPTION_KEY not set - transcripts are stored in Redis unencrypted")
	}

	coordinator := handoff.NewCoordinator(cfg.ResponderRoleID, cfg.GuildID, registry, router, chat, policy, m)

	followups := followup.NewScheduler(followup.Config{
		Delay:              cfg.FollowupDelay,
		MaxAge:             cfg.FollowupMaxAge,
		MinSeverity:        cfg.FollowupMinSeverity,
		MinSessionDuration: cfg.FollowupMinSessionDuration,
		MinSpacing:         cfg.FollowupMinSpacing,
		ReplyWindow:        cfg.FollowupReplyWindow,
		SessionMaxDuration: cfg.FollowupSessionMaxDuration,
	}, kv, consentRegistry, chat, registry, policy, m)
	registry.SetEndHook(followups)

	eng := engine.New(engine.Options{
		AutoSessionMinSeverity: cfg.AutoSessionMinSeverity,
		RecentHistorySize:      cfg.RecentHistorySize,
	}, cls, router, registry, coordinator, followups, consentRegistry, policy)

	if n, err := registry.Restore(ctx); err != nil {
		log.Printf("⚠️ Failed to restore sessions: %v", err)
	} else if n > 0 {
		log.Printf("♻️  Restored %d active sessions", n)
	}

	// Background loops
	jobScheduler, err := jobs.NewJobScheduler()
	if err != nil {
		log.Fatalf("❌ Failed to create job scheduler: %v", err)
	}
	for name, job := range map[string]jobs.Job{
		"session-sweep":     jobs.NewSessionSweepJob(registry, cfg.SessionSweepInterval),
		"followup-dispatch": jobs.NewFollowupDispatchJob(followups, cfg.FollowupPollInterval),
		"cooldown-sweep":    jobs.NewCooldownSweepJob(cooldowns, cfg.AlertCooldown),
	} {
		if err := jobScheduler.Register(name, job); err != nil {
			log.Fatalf("❌ Failed to register job %s: %v", name, err)
		}
	}
	jobScheduler.Start()

	// Operator auth
	var operatorAuth *auth.OperatorAuth
	if cfg.JWTSecret != "" {
		operatorAuth, err = auth.NewOperatorAuth(cfg.JWTSecret, 0)
		if err != nil {
			log.Fatalf("❌ Failed to initialize operator auth: %v", err)
		}
	} else if cfg.IsProduction() {
		log.Fatal("❌ CRITICAL SECURITY ERROR: JWT_SECRET is required in production")
	} else {
		log.Println("⚠️  JWT_SECRET not set - operator API is unauthenticated (development mode only)")
	}

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "crisiswatch",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second, // companion replies are generated inline
		IdleTimeout:  120 * time.Second,
		BodyLimit:    1 * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(logger.New())

	// Prometheus metrics middleware
	prom := fiberprometheus.New("crisiswatch")
	prom.RegisterAt(app, "/metrics")
	app.Use(prom.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	rateLimitConfig := middleware.LoadRateLimitConfig()
	log.Printf("🛡️  [RATE-LIMIT] Loaded config: Gateway=%d/min, Operator=%d/min",
		rateLimitConfig.GatewayMax, rateLimitConfig.OperatorMax)

	app.Get("/health", handlers.NewHealthHandler(healthService, registry.ActiveCount).Handle)
	handlers.RegisterRoutes(app, handlers.RouteConfig{
		Environment:  cfg.Environment,
		GatewayToken: cfg.GatewayToken,
		OperatorAuth: operatorAuth,
		RateLimits:   rateLimitConfig,
	}, handlers.NewEventHandler(eng), handlers.NewOperatorHandler(eng))

	log.Printf("📡 Health check: http://localhost:%s/health", cfg.Port)
	log.Printf("🕐 Background jobs: session sweep (%s), follow-up dispatch (%s), cooldown sweep (%s)",
		cfg.SessionSweepInterval, cfg.FollowupPollInterval, cfg.AlertCooldown)

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("\n🛑 Shutting down server...")

		// Stop loops first; an interrupted follow-up pass leaves items pending
		if err := jobScheduler.Stop(); err != nil {
			log.Printf("⚠️ Error stopping job scheduler: %v", err)
		}
		cancel()

		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️ Error shutting down server: %v", err)
		}
	}()

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
}
