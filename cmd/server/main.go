package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/rl1809/meal-dispatch/internal/adapter/handler"
	"github.com/rl1809/meal-dispatch/internal/adapter/messaging"
	"github.com/rl1809/meal-dispatch/internal/adapter/metrics"
	"github.com/rl1809/meal-dispatch/internal/adapter/storage"
	"github.com/rl1809/meal-dispatch/internal/config"
	"github.com/rl1809/meal-dispatch/internal/core/service"
	"github.com/rl1809/meal-dispatch/internal/port"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to the YAML config file")
	flag.Parse()

	var logger *zap.Logger
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger, _ = zap.NewProduction()
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	logger, err = newLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server_failed", zap.Error(err))
	}
}

// newLogger builds the production JSON logger at the configured level.
// Unknown levels fall back to info.
func newLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		zcfg.Level = lvl
	}
	return zcfg.Build()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prom := metrics.NewPrometheus()
	retry := storage.RetryPolicy{
		MaxAttempts:     cfg.Transaction.MaxAttempts,
		InitialInterval: cfg.Transaction.InitialBackoff,
		MaxInterval:     cfg.Transaction.MaxBackoff,
		OnRetry: func(err error, wait time.Duration) {
			prom.IncTxRetry()
			logger.Debug("tx_retry", zap.Error(err), zap.Duration("wait", wait))
		},
	}

	db, closeDB, err := openDatabase(ctx, cfg.Database, retry, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	deps := service.Deps{DB: db, Metrics: prom, Logger: logger}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, PoolSize: cfg.Redis.PoolSize})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		defer rdb.Close()
		deps.Cache = storage.NewRedisAdapter(rdb, cfg.Redis.IdempotencyTTL)
		logger.Info("connected", zap.String("backend", "redis"), zap.String("addr", cfg.Redis.Addr))
	}

	if cfg.RabbitMQ.URL != "" {
		publisher, err := messaging.DialRabbitMQ(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange)
		if err != nil {
			return err
		}
		defer publisher.Close()
		deps.Events = publisher
		logger.Info("connected", zap.String("backend", "rabbitmq"), zap.String("exchange", cfg.RabbitMQ.Exchange))
	}

	policy, err := service.ParseInactiveAgentPolicy(cfg.Assignment.InactiveAgentPolicy)
	if err != nil {
		return err
	}

	feed := service.NewFeed(db, logger)
	deps.Feed = feed
	svc := handler.Services{
		Orders:      service.NewOrderService(deps, policy),
		Menus:       service.NewMenuService(deps),
		Agents:      service.NewAgentService(deps),
		Assignments: service.NewAssignmentService(deps, cfg.Sweep.BatchSize),
		Areas:       service.NewAreaService(deps),
		Feed:        feed,
	}

	// Finish sweeps a previous process left half done before taking traffic.
	reports, err := svc.Assignments.ResumePending(ctx)
	if err != nil {
		return err
	}
	for _, r := range reports {
		logger.Info("sweep_resumed", zap.String("area", r.Area), zap.Int("reassigned", r.Reassigned), zap.Int("previously", r.Previously))
	}

	go feed.Run(ctx)

	auth := handler.NewAuthenticator(cfg.Auth.JWTSecret)

	grpcServer := grpc.NewServer(
		grpc.ForceServerCodec(handler.JSONCodec{}),
		grpc.UnaryInterceptor(handler.UnaryAuthInterceptor(auth)),
	)
	handler.RegisterOrderServiceServer(grpcServer, handler.NewGRPCHandler(svc.Orders, svc.Assignments))

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return err
	}
	go func() {
		logger.Info("grpc_listening", zap.String("addr", cfg.GRPC.Addr))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc_server_error", zap.Error(err))
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), prom.Middleware())
	router.GET("/metrics", gin.WrapH(prom.Handler()))
	handler.NewHTTPHandler(svc, auth, logger).Register(router)

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http_listening", zap.String("addr", cfg.HTTP.Addr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http_server_error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting_down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http_shutdown", zap.Error(err))
	}
	grpcServer.GracefulStop()
	logger.Info("stopped")
	return nil
}

// openDatabase returns the store selected by cfg. The memory driver keeps
// everything in process and is meant for demos.
func openDatabase(ctx context.Context, cfg config.Database, retry storage.RetryPolicy, logger *zap.Logger) (port.DatabaseRepository, func(), error) {
	if cfg.Driver == "memory" {
		logger.Warn("using in-memory store, data is lost on exit")
		return storage.NewMemoryAdapter(retry), func() {}, nil
	}

	dialect, err := storage.ParseDialect(cfg.Driver)
	if err != nil {
		return nil, nil, err
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	adapter := storage.NewSQLAdapter(db, dialect, retry)
	if err := adapter.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	logger.Info("connected", zap.String("backend", cfg.Driver))
	return adapter, func() { db.Close() }, nil
}
