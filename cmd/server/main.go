package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"waitlist/backend/internal/config"
	"waitlist/backend/internal/health"
	"waitlist/backend/internal/logger"
	"waitlist/backend/internal/mail"
	"waitlist/backend/internal/monitoring"
	"waitlist/backend/internal/pool"
	"waitlist/backend/internal/ratelimit"
	"waitlist/backend/internal/service"
	"waitlist/backend/internal/storage"
	"waitlist/backend/internal/storage/filesystem"
	"waitlist/backend/internal/storage/memory"
	"waitlist/backend/internal/storage/redis"
	sqlstore "waitlist/backend/internal/storage/sql"
	"waitlist/backend/internal/token"
	httptransport "waitlist/backend/internal/transport/http"
)

// 内存限流器的清理周期
const sweepInterval = 10 * time.Minute

// main 启动意向名单 HTTP 服务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting waitlist server",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
		zap.String("storage", cfg.Storage.Type),
		zap.Bool("mail_configured", cfg.MailConfigured()),
	)

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("storage close error", zap.Error(err))
		}
	}()

	metrics := monitoring.NewMetrics()

	// 限流器：配置了 Redis 时多实例共享计数
	var (
		limiter     ratelimit.Limiter
		memLimiter  *ratelimit.SlidingWindow
		redisClient *redis.Client
	)
	if cfg.Redis.Address != "" {
		redisClient, err = redis.New(ctx, cfg.Redis, log)
		if err != nil {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer func() { _ = redisClient.Close() }()
		limiter = ratelimit.NewRedis(redisClient.Client(), cfg.Redis.Prefix, cfg.RateLimit.Limit, cfg.RateLimit.Window, nil)
		log.Info("using redis rate limiter", zap.String("address", cfg.Redis.Address))
	} else {
		memLimiter = ratelimit.NewSlidingWindow(cfg.RateLimit.Limit, cfg.RateLimit.Window, nil)
		limiter = memLimiter
		log.Info("using in-memory rate limiter")
	}

	// 邮件发送
	workers := pool.NewWorkerPool(cfg.Mail.Workers, cfg.Mail.QueueSize, log)
	transport, err := mail.NewTransport(ctx, cfg.Mail, log)
	if err != nil {
		log.Fatal("failed to initialize mail transport", zap.Error(err))
	}
	dispatcher := mail.NewDispatcher(transport, workers, log,
		mail.WithSendRate(cfg.Mail.SendRate),
		mail.WithMetrics(metrics),
	)
	renderer, err := mail.NewRenderer(cfg.Mail.From, cfg.Mail.SiteName)
	if err != nil {
		log.Fatal("failed to parse mail templates", zap.Error(err))
	}
	if !cfg.MailConfigured() {
		log.Warn("mail transport not configured, running in test mode")
	}

	subscriptions := service.NewSubscriptionService(
		store,
		limiter,
		token.NewLifecycle(store, cfg.Token.TTL),
		renderer,
		dispatcher,
		cfg,
		log,
		service.WithMetrics(metrics),
	)

	var pinger health.Pinger
	if redisClient != nil {
		pinger = redisClient
	}
	healthChecker := health.NewHealthChecker(store, pinger, log)

	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:              cfg,
		SubscriptionService: subscriptions,
		HealthChecker:       healthChecker,
		Metrics:             metrics,
		Logger:              log,
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// 邮件协程池，退出时排空队列
	group.Go(func() error {
		log.Info("starting mail workers",
			zap.Int("workers", cfg.Mail.Workers),
			zap.Int("queue_size", cfg.Mail.QueueSize),
			zap.String("transport", transport.Name()),
		)
		return workers.Run(groupCtx)
	})

	// 定时清理内存限流器中过期的客户端
	if memLimiter != nil {
		group.Go(func() error {
			ticker := time.NewTicker(sweepInterval)
			defer ticker.Stop()

			for {
				select {
				case <-groupCtx.Done():
					return nil
				case <-ticker.C:
					if n := memLimiter.Sweep(); n > 0 {
						log.Debug("rate limiter swept", zap.Int("clients", n))
					}
				}
			}
		})
	}

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}

		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server error", zap.Error(err))
		return
	}

	log.Info("server exited cleanly")
}

// openStore 按配置创建存储后端
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (storage.SubscriptionStore, error) {
	switch cfg.Storage.Type {
	case "memory":
		log.Warn("using memory storage, subscriptions are lost on restart")
		return memory.NewStore(), nil

	case "file":
		store, err := filesystem.NewStore(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		log.Info("using file storage", zap.String("path", store.Path()))
		return store, nil

	case "postgres", "mysql":
		store, err := sqlstore.Open(ctx, cfg.Storage, log)
		if err != nil {
			return nil, err
		}
		log.Info("using database storage",
			zap.String("type", cfg.Storage.Type),
			zap.Bool("auto_migrate", cfg.Storage.AutoMigrate),
		)
		return store, nil

	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}
}
