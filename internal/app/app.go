package app

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	_ "realtime-wallet/docs"
	"realtime-wallet/internal/auth"
	"realtime-wallet/internal/broker"
	"realtime-wallet/internal/cache"
	"realtime-wallet/internal/config"
	"realtime-wallet/internal/database"
	"realtime-wallet/internal/events"
	"realtime-wallet/internal/logger"
	"realtime-wallet/internal/metrics"
	"realtime-wallet/internal/repositories/kafkarepo"
	"realtime-wallet/internal/repositories/postgresrepo"
	"realtime-wallet/internal/repositories/redisrepo"
	"realtime-wallet/internal/services"
	"realtime-wallet/internal/transport/http/handler"
	"realtime-wallet/internal/worker"
	"realtime-wallet/internal/ws"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	httpSwagger "github.com/swaggo/http-swagger"
	"golang.org/x/sync/errgroup"
)

type App struct {
	cfg        *config.Config
	log        *zerolog.Logger
	httpServer *http.Server
	hub        *ws.Hub
	consumer   *worker.Consumer
	subscriber *events.Subscriber
	producer   *kafkarepo.JobProducer
}

// @title Realtime Wallet API
// @version 1.0
// @description Realtime balance and transaction pipeline.
// @host localhost:8080
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func New() (*App, error) {
	a := new(App)

	a.cfg = config.New()
	a.log = logger.InitLog()

	// Connect to database
	db, err := database.NewPostgres(a.cfg.Postgres.URL)
	if err != nil {
		return nil, fmt.Errorf("database connection error: %w", err)
	}
	if err := database.Migrate(db); err != nil {
		return nil, fmt.Errorf("database migration error: %w", err)
	}

	// Connect to cache
	redis, err := cache.NewRedis(a.cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("cache connection error: %w", err)
	}

	// Connect to broker
	kafka, err := broker.NewKafkaWriter(a.cfg.Kafka)
	if err != nil {
		return nil, fmt.Errorf("broker connection error: %w", err)
	}

	// Initialize repositories
	ledgerRepo := postgresrepo.NewLedgerRepo(db)
	cacheRepo := redisrepo.NewBalanceRepository(redis)
	a.producer = kafkarepo.NewJobProducer(kafka)

	// Initialize services
	m := metrics.New()
	ledgerService := services.NewLedgerService(ledgerRepo, cacheRepo, m, a.log, a.cfg.Gateway.SnapshotDepth)
	authService := auth.NewService(a.cfg.Auth.JWTSecret, a.cfg.Auth.TokenTTL)

	// Event fan-out between the worker and every gateway instance
	publisher := events.NewPublisher(redis, a.cfg.Gateway.EventChannel)
	a.subscriber = events.NewSubscriber(redis, a.cfg.Gateway.EventChannel, a.log)

	// Realtime gateway
	a.hub = ws.NewHub(a.cfg.Gateway, ws.NewRegistry(), ledgerService, authService, publisher, m, a.log)

	// Queue worker
	a.consumer = worker.NewConsumer(a.cfg, ledgerService, publisher, a.log)

	// HTTP router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(m.Middleware)

	r.Handle("/metrics", m.Handler())
	r.Handle("/swagger/*", httpSwagger.WrapHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ws", a.hub.HandleConnection)
		r.Group(func(r chi.Router) {
			r.Use(authService.Middleware)
			handler.NewWallet(r, a.producer, ledgerService, m, a.log)
		})
	})

	a.httpServer = &http.Server{
		Addr:         a.cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  a.cfg.Server.IdleTimeout,
	}

	return a, nil
}

// Run starts the HTTP server, the gateway heartbeat, the event
// subscriber and the queue workers, and blocks until a shutdown signal
// arrives and everything has drained.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info().Str("addr", a.cfg.Server.Addr).Msg("starting HTTP server")
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return a.hub.Run(gCtx)
	})

	g.Go(func() error {
		return a.subscriber.Run(gCtx, a.hub.HandleEvent)
	})

	g.Go(func() error {
		return a.consumer.Start(gCtx)
	})

	g.Go(func() error {
		<-gCtx.Done()
		a.log.Info().Msg("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.log.Error().Err(err).Msg("http server shutdown error")
		}
		if err := a.producer.Close(); err != nil {
			a.log.Error().Err(err).Msg("kafka producer close error")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	a.log.Info().Msg("shutdown complete")
	return nil
}
