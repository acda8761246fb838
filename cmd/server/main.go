/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the coffee finance server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, config.toml, CF_* environment)
  2. Build the zap logger
  3. Open the ledger store (sqlite3, pgx or memory)
  4. Pick the locker (Redis when enabled, in-process otherwise)
  5. Build the notification dispatcher (log, plus Kafka when brokers are set)
  6. Create API handler, router and reconciliation scheduler
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Directory holding config.toml (default: search . and /etc/coffee-finance)
  -port    Override app.port

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the reconciliation scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (http.shutdown_timeout)
  4. Close Kafka, Redis and the database
  5. Exit

EXAMPLES:
  # Local SQLite file
  CF_DATABASE_DSN=./data/finance.db ./server

  # PostgreSQL with Redis locks and Kafka notifications
  CF_DATABASE_DRIVER=pgx CF_DATABASE_DSN=postgres://... \
  CF_REDIS_ENABLED=true CF_KAFKA_BROKERS=kafka:9092 ./server

SEE ALSO:
  - config/config.go: All settings and their env names
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/coffeeops/finance-engine/api"
	"github.com/coffeeops/finance-engine/config"
	"github.com/coffeeops/finance-engine/finance"
	"github.com/coffeeops/finance-engine/finance/store"
	"github.com/coffeeops/finance-engine/lock"
	"github.com/coffeeops/finance-engine/logging"
	"github.com/coffeeops/finance-engine/notify"
	"github.com/coffeeops/finance-engine/store/sqldb"
	"go.uber.org/zap"
)

func main() {
	configDir := flag.String("config", "", "directory holding config.toml")
	port := flag.Int("port", 0, "HTTP server port (overrides app.port)")
	flag.Parse()

	var paths []string
	if *configDir != "" {
		paths = append(paths, *configDir)
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *port != 0 {
		cfg.App.Port = *port
	}

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output})
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	rules, err := cfg.FinanceRules()
	if err != nil {
		return err
	}

	// Store
	ledger, closeStore, err := openStore(cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()

	// Locker
	var locker lock.Locker = lock.NewLocalLocker(cfg.Lock.Wait)
	if cfg.Redis.Enabled {
		rdb, err := lock.ConnectRedis(ctx, lock.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer rdb.Close()
		locker = lock.NewRedisLocker(rdb, "coffee-finance:", cfg.Lock.TTL, cfg.Lock.Wait, logger)
		logger.Info("using redis locks", zap.String("addr", cfg.Redis.Addr))
	}

	// Notifications
	dispatchers := notify.Multi{notify.LogDispatcher{Logger: logger.Named("notify")}}
	if len(cfg.Kafka.Brokers) > 0 {
		kd, err := notify.NewKafkaDispatcher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return err
		}
		defer kd.Close()
		dispatchers = append(dispatchers, kd)
		logger.Info("publishing notifications to kafka",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic),
		)
	}

	handler := api.NewHandler(ledger, rules, locker, dispatchers, logger)
	router := api.NewRouter(handler, api.Options{
		AllowedOrigins: cfg.HTTP.CORSAllowOrigins,
		JWTSecret:      cfg.JWT.Secret,
		JWTIssuer:      cfg.JWT.Issuer,
	})
	if cfg.JWT.Secret == "" {
		if cfg.IsProduction() {
			return errors.New("jwt.secret is required in production")
		}
		logger.Warn("no jwt secret, trusting " + api.IdentityHeader + " header")
	}

	scheduler := api.NewReconciliationScheduler(handler.Reconciler, logger)
	scheduler.CheckInterval = cfg.Reconcile.Interval
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.App.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.Int("port", cfg.App.Port),
			zap.String("env", cfg.App.Env),
			zap.String("database", cfg.Database.Driver),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return err
	case <-quit:
	}

	logger.Info("shutting down server")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// openStore opens the configured ledger store and returns its closer.
func openStore(db config.DatabaseConfig) (finance.LedgerStore, func(), error) {
	if db.Driver == "memory" {
		return store.NewTxMemory(), func() {}, nil
	}
	s, err := sqldb.New(db.Driver, db.DSN)
	if err != nil {
		return nil, nil, err
	}
	return s, func() { s.Close() }, nil
}
