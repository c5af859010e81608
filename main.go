package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/currency-check/internal/analysis"
	"github.com/example/currency-check/internal/config"
	"github.com/example/currency-check/internal/grpchealth"
	"github.com/example/currency-check/internal/handlers"
	"github.com/example/currency-check/internal/logging"
	"github.com/example/currency-check/internal/repository"
	"github.com/example/currency-check/internal/upload"
	"github.com/example/currency-check/internal/usecase"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	receiver, err := upload.NewReceiver(cfg.Upload.Dir)
	if err != nil {
		logger.Fatal("failed to prepare upload directory", zap.Error(err))
	}

	opts := usecase.Options{
		CacheTTL: cfg.Redis.TTL.Std(),
	}
	if cfg.Database.DSN != "" {
		repo := repository.NewVerdictRepository(initDatabase(ctx, cfg.Database.DSN, logger), logger)
		if err := repo.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		opts.History = repo
	}
	if cfg.Redis.Addr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		redisClient := initRedis(redisCtx, cfg.Redis.Addr, logger)
		redisCancel()
		defer redisClient.Close()
		opts.Cache = usecase.NewRedisCache(redisClient)
	}

	invoker := analysis.NewInvoker(analysis.InvokerConfig{
		Command:   cfg.Analyzer.Command,
		Script:    cfg.Analyzer.Script,
		Timeout:   cfg.Analyzer.Timeout.Std(),
		WaitDelay: cfg.Analyzer.WaitDelay.Std(),
	}, logger)
	gate := analysis.NewGate(cfg.Analyzer.MaxConcurrent, cfg.Analyzer.AdmissionWait.Std())
	uc := usecase.NewCheckUseCase(receiver, gate, invoker, analysis.NewExtractor(cfg.Analyzer.ResultPrefix), logger, opts)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger), handlers.CORS(cfg.Server.CORSOrigins))
	r.MaxMultipartMemory = cfg.Server.MaxMultipartMemory
	handlers.RegisterRoutes(r, uc)

	var onShutdown []func()
	if cfg.GRPC.HealthAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.HealthAddr)
		if err != nil {
			logger.Fatal("failed to listen for gRPC health", zap.Error(err))
		}
		healthServer := grpchealth.NewServer(logger)
		go func() {
			if err := healthServer.Serve(lis); err != nil {
				logger.Error("gRPC health server failed", zap.Error(err))
			}
		}()
		onShutdown = append(onShutdown, healthServer.Stop)
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("currency checker listening",
		zap.String("addr", cfg.Server.Addr),
		zap.String("analyzer", cfg.Analyzer.Command+" "+cfg.Analyzer.Script),
		zap.Int("max_concurrent", cfg.Analyzer.MaxConcurrent),
		zap.Bool("history", opts.History != nil),
		zap.Bool("cache", opts.Cache != nil),
	)
	if err := serveHTTPServer(server, cfg.Server.ShutdownTimeout.Std(), logger, onShutdown...); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

// requestLogger logs one line per HTTP request through zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	httpLogger := logger.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		httpLogger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.Writer.Header().Get(handlers.RequestIDHeader)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, onShutdown ...func()) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil, onShutdown...)
}

// serveHTTPServerWithOptions serves until the server fails or a signal arrives,
// then drains in-flight requests and runs onShutdown hooks. A nil listener uses
// server.Addr; a nil signalCh subscribes to SIGINT and SIGTERM.
func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal, onShutdown ...func()) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	defer func() {
		for _, hook := range onShutdown {
			hook()
		}
	}()

	sigCh := signalCh
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
