package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"market-stream-service/internal/alert"
	"market-stream-service/internal/api"
	"market-stream-service/internal/auth"
	"market-stream-service/internal/bridge"
	"market-stream-service/internal/config"
	"market-stream-service/internal/connection"
	"market-stream-service/internal/market"
	"market-stream-service/internal/notify"
	"market-stream-service/internal/ratelimit"
	"market-stream-service/internal/session"
	"market-stream-service/internal/store"
	"market-stream-service/internal/subscription"
)

// Application wires the streaming components together
type Application struct {
	config *config.Config

	redisClient *redis.Client
	pgStore     *store.PostgresStore

	snapshot   *market.Snapshot
	index      *subscription.Index
	sessions   session.Store
	limits     *ratelimit.Registry
	manager    *connection.Manager
	bridge     *bridge.Bridge
	dispatcher *notify.Dispatcher
	engine     *alert.Engine

	server *http.Server
}

func main() {
	log.Printf("🚀 Starting Market Stream Service")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load configuration: %v", err)
	}

	app, err := NewApplication(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to create application: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := app.Start(); err != nil {
		log.Fatalf("❌ Failed to start application: %v", err)
	}

	<-sigChan
	log.Printf("🛑 Received shutdown signal")

	if err := app.Stop(); err != nil {
		log.Printf("⚠️ Error during shutdown: %v", err)
	}

	log.Printf("✅ Application shutdown complete")
}

func NewApplication(cfg *config.Config) (*Application, error) {
	app := &Application{config: cfg}

	if err := app.initializeComponents(); err != nil {
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}
	return app, nil
}

func (app *Application) initializeComponents() error {
	log.Printf("🔌 Connecting to Redis...")
	opts, err := redis.ParseURL(app.config.Redis.URL)
	if err != nil {
		return fmt.Errorf("invalid Redis URL: %w", err)
	}
	app.redisClient = redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	log.Printf("✅ Redis connected")

	log.Printf("📊 Connecting to Postgres...")
	app.pgStore, err = store.NewPostgresStore(
		app.config.Postgres.URL,
		app.config.Postgres.MaxOpenConns,
		app.config.Postgres.MaxIdleConns,
	)
	if err != nil {
		return fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	log.Printf("✅ Postgres connected")

	app.snapshot = market.NewSnapshot()
	app.index = subscription.NewIndex(app.config.Stream.SubscriptionShards)
	app.sessions = session.NewRedisStore(app.redisClient, app.config.Stream.SessionTTL)
	app.limits = ratelimit.NewRegistry(app.config.Stream.RatePerSecond, app.config.Stream.RateBurst)

	var verifier *auth.Verifier
	if app.config.Auth.JWTSecret != "" {
		verifier = auth.NewVerifier(app.config.Auth.JWTSecret)
	}

	app.manager = connection.NewManager(connection.ManagerConfig{
		BatchInterval:  app.config.Stream.BatchInterval,
		AllowAnonymous: app.config.Auth.AllowAnonymous,
	}, app.index, app.sessions, app.limits, verifier)

	app.bridge = bridge.New(app.redisClient, app.manager, app.snapshot)
	app.manager.SetSequenceSource(app.bridge)

	app.dispatcher = notify.NewDispatcher(app.pgStore, app.pgStore, app.bridge, nil)
	app.engine = alert.NewEngine(app.pgStore, app.snapshot, app.dispatcher, app.config.Alerts.Interval)

	log.Printf("✅ All components initialized")
	return nil
}

func (app *Application) Start() error {
	app.bridge.Start()
	app.engine.Start()

	apiServer := api.NewServer(app.manager, app.bridge, app.engine, app.snapshot)

	app.server = &http.Server{
		Addr:         app.config.Server.Host + ":" + app.config.Server.Port,
		Handler:      apiServer.Routes(),
		ReadTimeout:  app.config.Server.ReadTimeout,
		WriteTimeout: app.config.Server.WriteTimeout,
		IdleTimeout:  app.config.Server.IdleTimeout,
	}

	go func() {
		if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("❌ HTTP server error: %v", err)
		}
	}()

	log.Printf("🌐 WebSocket endpoint: ws://%s:%s/ws", app.config.Server.Host, app.config.Server.Port)
	log.Printf("📡 Batch interval: %v, alert interval: %v",
		app.config.Stream.BatchInterval, app.config.Alerts.Interval)
	return nil
}

func (app *Application) Stop() error {
	log.Printf("🛑 Stopping application...")

	// stop producing before draining consumers
	app.engine.Stop()

	if app.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		app.server.Shutdown(ctx)
	}

	app.bridge.Close()
	app.manager.Close()
	app.dispatcher.Wait()

	if app.sessions != nil {
		app.sessions.Close()
	}
	if app.pgStore != nil {
		app.pgStore.Close()
	}
	if app.redisClient != nil {
		app.redisClient.Close()
	}

	log.Printf("✅ Application stopped")
	return nil
}
