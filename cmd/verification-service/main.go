package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/hireflow/hireflow-backend/internal/compliance/consumers"
	"github.com/hireflow/hireflow-backend/internal/compliance/events"
	compliancehandler "github.com/hireflow/hireflow-backend/internal/compliance/handler"
	compliancerepo "github.com/hireflow/hireflow-backend/internal/compliance/repository"
	"github.com/hireflow/hireflow-backend/internal/compliance/scheduler"
	complianceservice "github.com/hireflow/hireflow-backend/internal/compliance/service"
	dochandler "github.com/hireflow/hireflow-backend/internal/docprocessing/handler"
	"github.com/hireflow/hireflow-backend/internal/docprocessing/processor"
	docrepo "github.com/hireflow/hireflow-backend/internal/docprocessing/repository"
	docservice "github.com/hireflow/hireflow-backend/internal/docprocessing/service"
	"github.com/hireflow/hireflow-backend/internal/docprocessing/validation"
	"github.com/hireflow/hireflow-backend/internal/ratelimit"
	"github.com/hireflow/hireflow-backend/pkg/config"
	"github.com/hireflow/hireflow-backend/pkg/database"
	"github.com/hireflow/hireflow-backend/pkg/httputil"
	"github.com/hireflow/hireflow-backend/pkg/logger"
	"github.com/hireflow/hireflow-backend/pkg/messaging"
	"github.com/hireflow/hireflow-backend/pkg/metrics"
)

const serviceName = "verification-service"

func main() {
	// Load configuration
	cfg, err := config.LoadWithValidation(serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(serviceName, cfg.Server.Environment)
	log.Info().Msg("starting Verification Service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to database
	db, err := database.New(&cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx, docrepo.Schema, compliancerepo.Schema); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate database")
		}
	}

	// Connect to RabbitMQ
	rmq, err := messaging.New(&cfg.RabbitMQ, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
	}
	defer rmq.Close()

	if err := rmq.DeclareTopology(serviceName); err != nil {
		log.Fatal().Err(err).Msg("failed to declare messaging topology")
	}

	compliancePublisher, err := messaging.NewPublisher(rmq, messaging.ExchangeComplianceEvents, serviceName, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create compliance event publisher")
	}
	notificationPublisher, err := messaging.NewPublisher(rmq, messaging.ExchangeNotificationEvents, serviceName, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create notification publisher")
	}

	// Extraction providers, identity first then vision in fallback order
	identity, err := processor.NewDocumentAIProvider(cfg.Extraction.Identity, cfg.Extraction.Timeout)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure identity provider")
	}
	var vision []processor.Provider
	for _, pc := range []config.ProviderConfig{cfg.Extraction.VisionPrimary, cfg.Extraction.VisionFallback} {
		if pc.URL == "" {
			continue
		}
		p, err := processor.NewVisionProvider(pc, cfg.Extraction.Timeout)
		if err != nil {
			log.Fatal().Err(err).Str("provider", pc.Name).Msg("failed to configure vision provider")
		}
		vision = append(vision, p)
	}
	chain := processor.NewChain(identity, vision, cfg.Extraction.Timeout, log)

	// Rate limiters
	ipLimiter := ratelimit.New("ip", ratelimit.Policy{Limit: cfg.RateLimit.IPLimit, Window: cfg.RateLimit.IPWindow}, nil)
	subjectLimiter := ratelimit.New("subject", ratelimit.Policy{Limit: cfg.RateLimit.SubjectLimit, Window: cfg.RateLimit.SubjectWindow}, nil)

	// Services
	extraction := docservice.NewService(
		chain,
		ipLimiter, subjectLimiter,
		validation.NewFieldValidator(),
		docrepo.NewAuditRepository(db),
		log,
	)
	location, err := time.LoadLocation(cfg.Scheduler.Location)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid business time zone")
	}
	engine := complianceservice.NewEngine(compliancerepo.NewPostgresStore(db), compliancePublisher, nil, location, log)
	notifier := events.NewNotifier(notificationPublisher, nil, log)

	// Handlers
	documentHandler := dochandler.NewHandler(extraction, cfg.Extraction.MaxUploadBytes, log)
	complianceHandler := compliancehandler.NewComplianceHandler(engine, log)

	// Onboarding consumer
	consumer, err := messaging.NewConsumer(rmq, consumers.QueueName, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create onboarding consumer")
	}
	if err := consumers.NewOnboardingConsumer(engine, log).Register(consumer); err != nil {
		log.Fatal().Err(err).Msg("failed to register onboarding handlers")
	}

	trustedProxies, err := httputil.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid trusted proxies")
	}

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(httputil.RealIP(trustedProxies))
	r.Use(httputil.RequestID)
	r.Use(httputil.Logger(log))
	r.Use(httputil.Recoverer(log))
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httputil.JSON(w, http.StatusOK, map[string]interface{}{
			"status":   "healthy",
			"service":  serviceName,
			"database": db.Health(r.Context()),
			"rabbitmq": rmq.Health(),
		})
	})
	r.Handle("/metrics", promhttp.Handler())

	// Extraction runs before the subject has an account; rate limited only
	r.Route("/api/v1/documents", documentHandler.Routes)

	r.Route("/api/v1/compliance", func(r chi.Router) {
		r.Use(httputil.Authenticate(cfg.JWT, log))
		complianceHandler.Routes(r)
		documentHandler.AuditRoutes(r)
	})

	// Create server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server forced to shutdown")
		}
		return nil
	})

	g.Go(func() error { return consumer.Start(gctx) })
	g.Go(func() error { return ipLimiter.StartJanitor(gctx, cfg.RateLimit.JanitorInterval) })
	g.Go(func() error { return subjectLimiter.StartJanitor(gctx, cfg.RateLimit.JanitorInterval) })

	if cfg.Scheduler.Enabled {
		sched, err := scheduler.New(engine, notifier, nil, cfg.Scheduler, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create scheduler")
		}
		g.Go(func() error { return sched.Run(gctx) })
	} else {
		log.Warn().Msg("scheduler disabled, deadline reminders will not be sent")
	}

	err = g.Wait()
	// Let in-flight audit writes finish before the database closes
	extraction.Wait()
	if err != nil {
		log.Error().Err(err).Msg("service stopped with error")
		return
	}

	log.Info().Msg("server stopped")
}
