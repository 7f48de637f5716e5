// Package app holds the startup and shutdown sequence shared by the service binaries.
package app

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"droneFoodDelivery/internal/auth"
	"droneFoodDelivery/internal/clients"
	"droneFoodDelivery/internal/config"
	"droneFoodDelivery/internal/db"
	"droneFoodDelivery/internal/events"
	"droneFoodDelivery/internal/grpcserver"
	"droneFoodDelivery/internal/handlers"
	"droneFoodDelivery/internal/observability"
)

var rollbackMigration = flag.Bool("rollback-migration", false, "revert the last applied database migration and exit")

// Runtime is what every service needs before it wires its own components.
type Runtime struct {
	Name   string
	Config *config.Config
	Logger *zap.Logger
	DB     *sql.DB
	Events events.Publisher

	schema db.Schema
}

// Bootstrap loads configuration, builds the logger, opens the service database and the
// event publisher. Close releases them.
func Bootstrap(name string, schema db.Schema) (*Runtime, error) {
	if !flag.Parsed() {
		flag.Parse()
	}
	cfg, err := config.LoadWithDefaults()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Auth.ServiceName == "" {
		cfg.Auth.ServiceName = name
	}
	logger, err := observability.NewLogger(cfg.Log.Level, name)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	logger.Info("configuration loaded", zap.Stringer("config", cfg))

	d, err := db.Open(cfg.Database.Path, schema)
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("open db: %w", err)
	}

	var pub events.Publisher = events.Noop{}
	if len(cfg.Kafka.Brokers) > 0 {
		kp, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.OrderEventsTopic, cfg.Kafka.ReconciliationTopic, logger)
		if err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("kafka publisher: %w", err)
		}
		pub = kp
	} else {
		logger.Warn("no kafka brokers configured, events are discarded")
	}
	return &Runtime{Name: name, Config: cfg, Logger: logger, DB: d, Events: pub, schema: schema}, nil
}

// Maintenance runs the one-shot command asked for on the command line, if any. When it
// reports true the binary exits instead of serving.
func (rt *Runtime) Maintenance() (bool, error) {
	if !*rollbackMigration {
		return false, nil
	}
	if err := db.RollbackLast(rt.DB, rt.schema); err != nil {
		return true, fmt.Errorf("rollback %s migration: %w", rt.schema, err)
	}
	rt.Logger.Info("rolled back last migration", zap.String("schema", string(rt.schema)))
	return true, nil
}

// ClientOptions returns options for calling a peer service with this service's token.
func (rt *Runtime) ClientOptions(baseURL string) clients.Options {
	c := rt.Config
	return clients.Options{
		BaseURL:      baseURL,
		Timeout:      c.Upstream.Timeout,
		RetryMax:     c.Upstream.RetryMax,
		RetryBackoff: c.Upstream.RetryBackoff,
		Tokens:       auth.NewServiceTokenSource(c.Auth.JWTSecret, c.Auth.ServiceName, c.Auth.ServiceTokenTTL),
		Logger:       rt.Logger,
	}
}

// Serve runs the HTTP API and the gRPC health server until SIGINT or SIGTERM, then shuts
// both down.
func (rt *Runtime) Serve(routes handlers.RouteRegistrar) error {
	cfg := rt.Config
	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(rt.Logger),
			observability.RequestLoggerMiddleware(),
			observability.RecoveryMiddleware(rt.Logger),
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(rt.DB)),
		handlers.WithRoutes(routes),
	)
	srv := &http.Server{
		Addr:              cfg.HTTP.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.HTTP.RequestTimeout + 5*time.Second,
	}

	var health *grpcserver.Server
	if cfg.GRPC.Address != "" {
		h, err := grpcserver.Start(grpcserver.Options{
			Address:   cfg.GRPC.Address,
			Service:   rt.Name,
			JWTSecret: cfg.Auth.JWTSecret,
			DB:        rt.DB,
			Logger:    rt.Logger,
		})
		if err != nil {
			return fmt.Errorf("start grpc health: %w", err)
		}
		health = h
	}

	errc := make(chan error, 1)
	go func() {
		rt.Logger.Info("http server listening", zap.String("address", cfg.HTTP.Address))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigc)

	var serveErr error
	select {
	case s := <-sigc:
		rt.Logger.Info("shutting down", zap.String("signal", s.String()))
	case serveErr = <-errc:
		rt.Logger.Error("http server stopped", zap.Error(serveErr))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	var errs []error
	if serveErr != nil {
		errs = append(errs, serveErr)
	}
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if health != nil {
		if err := health.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("grpc shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close flushes events and closes the database.
func (rt *Runtime) Close() {
	if err := rt.Events.Close(); err != nil {
		rt.Logger.Warn("close event publisher", zap.Error(err))
	}
	if err := rt.DB.Close(); err != nil {
		rt.Logger.Warn("close db", zap.Error(err))
	}
	_ = rt.Logger.Sync()
}
