// Order Execution Engine
// Routes swap orders to the best venue, executes them on a worker pool and
// streams status updates over WebSocket and gRPC.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/signalops/order-execution-engine/internal/api"
	"github.com/signalops/order-execution-engine/internal/bus"
	"github.com/signalops/order-execution-engine/internal/config"
	"github.com/signalops/order-execution-engine/internal/execution"
	"github.com/signalops/order-execution-engine/internal/grpcapi"
	"github.com/signalops/order-execution-engine/internal/logging"
	"github.com/signalops/order-execution-engine/internal/metrics"
	"github.com/signalops/order-execution-engine/internal/queue"
	"github.com/signalops/order-execution-engine/internal/store"
	"github.com/signalops/order-execution-engine/internal/venue"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logger := logging.Setup()
	if err := run(logger); err != nil {
		logger.Error("engine stopped", "err", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	logger.Info("Starting Order Execution Engine...", "env", logging.EnvironmentName())

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orders, err := initDatabase(ctx, cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer orders.Close()
	logger.Info("✓ Connected to database", "driver", cfg.DatabaseDriver)

	redisClient := initRedis(cfg)
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	logger.Info("✓ Connected to Redis", "addr", cfg.RedisURL)

	jobs, err := queue.New(redisClient, cfg.QueueName, cfg.Job.Policy(), queue.WithLogger(logger))
	if err != nil {
		return err
	}

	m := metrics.New()
	router := initVenues(cfg, logger)
	m.Venues(len(router.Venues()))
	logger.Info("✓ Venues configured", "venues", router.Venues())

	engine := execution.New(execution.Deps{
		Store:    orders,
		Queue:    jobs,
		Bus:      bus.New(redisClient, logger),
		Router:   router,
		Executor: venue.NewSimulator(cfg.Simulator, nil),
		Metrics:  m,
		Logger:   logger,
	}, execution.Options{
		Concurrency:      cfg.WorkerConcurrency,
		ExecutionTimeout: cfg.ExecutionTimeout,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.NewRestAPI(engine, m, cfg.ObserverGracePeriod, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcServer := grpcapi.NewGRPCServer(logger)
	grpcapi.NewServer(engine, logger).Register(grpcServer)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(gctx)
	})
	g.Go(func() error {
		return startHTTPServer(httpServer, logger)
	})
	g.Go(func() error {
		return startGRPCServer(grpcServer, cfg.GRPCPort, logger)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down servers...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		grpcServer.GracefulStop()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func startHTTPServer(srv *http.Server, logger *slog.Logger) error {
	logger.Info("✓ HTTP server listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func startGRPCServer(srv *grpc.Server, port string, logger *slog.Logger) error {
	lis, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return fmt.Errorf("listen on port %s: %w", port, err)
	}
	logger.Info("✓ gRPC server listening", "port", port)
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("grpc server: %w", err)
	}
	return nil
}

func initDatabase(ctx context.Context, cfg config.Config) (*store.OrderStore, error) {
	orders, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := orders.Migrate(ctx); err != nil {
		orders.Close()
		return nil, err
	}
	return orders, nil
}

// initRedis sizes the pool so every worker can hold a blocking dequeue while
// publishes and observer subscriptions still get connections.
func initRedis(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.RedisURL,
		Password:     cfg.RedisPassword,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     cfg.WorkerConcurrency + 10,
	})
}

func initVenues(cfg config.Config, logger *slog.Logger) *venue.Router {
	providers := make([]venue.Provider, 0, len(cfg.Venues))
	for _, v := range cfg.Venues {
		providers = append(providers, venue.NewSimulatedVenue(v, nil))
	}
	return venue.NewRouter(cfg.QuoteTimeout, logger, providers...)
}
