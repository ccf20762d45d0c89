package main

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yourusername/paper-convert/internal/api"
	"github.com/yourusername/paper-convert/internal/auth"
	"github.com/yourusername/paper-convert/internal/cache"
	"github.com/yourusername/paper-convert/internal/config"
	"github.com/yourusername/paper-convert/internal/convert"
	"github.com/yourusername/paper-convert/internal/jobs"
	"github.com/yourusername/paper-convert/internal/metrics"
	"github.com/yourusername/paper-convert/internal/pdf"
	"github.com/yourusername/paper-convert/internal/queue"
	"github.com/yourusername/paper-convert/internal/ratelimit"
	"github.com/yourusername/paper-convert/internal/storage"
	"github.com/yourusername/paper-convert/internal/worker"
)

// components はサーバーが利用する構成要素をまとめたものです。
type components struct {
	orchestrator *jobs.Orchestrator
	engines      *convert.Registry
	gate         ratelimit.Gate
	recorder     *jobs.Recorder // Redis 未設定なら nil
	storage      *storage.Local // 保存先を作れなければ nil
	redis        *redis.Client  // Redis 未設定なら nil
}

func buildComponents(cfg *config.Config, registry prometheus.Registerer, logger *zap.Logger) (*components, error) {
	comps := &components{}
	comps.redis = setupRedis(cfg, logger)
	comps.gate = setupGate(cfg, comps.redis, logger)

	timeouts := make(map[convert.Engine]time.Duration, len(cfg.EngineTimeouts))
	for name, d := range cfg.EngineTimeouts {
		timeouts[convert.Engine(name)] = d
	}
	comps.engines = convert.NewRegistry(cfg.EnginePython, cfg.EngineScriptDir, timeouts)

	q := queue.New[*convert.Result](queue.Config{
		MaxConcurrent: cfg.QueueMaxConcurrent,
		MaxQueueSize:  cfg.QueueMaxSize,
		QueueTimeout:  cfg.QueueTimeout(),
	})
	m := metrics.New(registry, func() (int, int) {
		stats := q.Stats()
		return stats.Active, stats.Waiting
	})

	if blobs, err := storage.NewLocal(cfg.StorageDir); err != nil {
		logger.Warn("local storage unavailable, conversion records disabled", zap.Error(err))
	} else {
		comps.storage = blobs
	}

	var persister jobs.Persister
	if comps.redis != nil && comps.storage != nil {
		recorder, err := jobs.NewRecorder(cfg, jobs.NewStore(comps.redis, cfg.RecordTTL()), comps.storage, logger.Named("recorder"))
		if err != nil {
			logger.Warn("conversion recorder disabled", zap.Error(err))
		} else {
			comps.recorder = recorder
			persister = recorder
		}
	}

	orch, err := jobs.NewOrchestrator(jobs.Deps{
		Gate: comps.gate,
		Policies: ratelimit.Policies{
			Anonymous:     ratelimit.Config{Window: cfg.RateLimitWindow(), MaxRequests: cfg.RateLimitMaxAnonymous},
			Authenticated: ratelimit.Config{Window: cfg.RateLimitWindow(), MaxRequests: cfg.RateLimitMaxAuthenticated},
		},
		Cache:     cache.New(cfg.CacheTTL(), cfg.CacheMaxEntries),
		Queue:     q,
		Invoker:   worker.NewInvoker(comps.engines, logger.Named("worker")),
		Engines:   comps.engines,
		Persister: persister,
		Metrics:   m,
		Logger:    logger.Named("orchestrator"),
	})
	if err != nil {
		return nil, err
	}
	comps.orchestrator = orch
	return comps, nil
}

// setupRedis は QUEUE_REDIS_URL に接続します。未設定または接続できない場合は nil を返します。
func setupRedis(cfg *config.Config, logger *zap.Logger) *redis.Client {
	if cfg.QueueRedisURL == "" {
		return nil
	}
	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		logger.Warn("invalid QUEUE_REDIS_URL", zap.Error(err))
		return nil
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable, running without shared state", zap.Error(err))
		_ = client.Close()
		return nil
	}
	return client
}

func setupGate(cfg *config.Config, rdb *redis.Client, logger *zap.Logger) ratelimit.Gate {
	if cfg.RateLimitBackend == "redis" {
		if rdb != nil {
			return ratelimit.NewRedisGate(rdb, logger.Named("ratelimit"))
		}
		logger.Warn("RATE_LIMIT_BACKEND=redis but redis is unavailable, using in-memory rate limiting")
	}
	return ratelimit.NewMemoryGate()
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, comps *components, registry *prometheus.Registry, logger *zap.Logger) {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", handleHealth)
	router.GET(cfg.MetricsPath, gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	authManager := auth.NewManager(cfg, comps.gate)

	opts := api.Options{
		Converter: comps.orchestrator,
		Engines:   comps.engines.Engines(),
		Limits:    pdf.Limits{MaxSize: cfg.MaxFileSize, MaxPages: cfg.MaxPages},
		Logger:    logger.Named("api"),
	}
	if comps.recorder != nil {
		opts.Records = comps.recorder
	}
	if comps.storage != nil {
		opts.Outputs = comps.storage
	}
	handler := api.NewHandler(opts)

	apiGroup := router.Group("/api")
	{
		authRoutes := apiGroup.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", authManager.Login)
			authRoutes.POST("/logout",
				authManager.RequireLogin(),
				authManager.VerifyCSRF(),
				authManager.Logout,
			)
		}

		apiGroup.GET("/engines", handler.Engines)
		apiGroup.GET("/queue", handler.QueueStats)

		// 変換は未ログインでも受け付け、ログイン済みならユーザー単位で制限する
		convertRoutes := apiGroup.Group("/convert")
		convertRoutes.Use(
			api.GlobalLimit(cfg.GlobalRateLimitRPS, cfg.GlobalRateLimitBurst),
			authManager.OptionalUser(),
			authManager.VerifyCSRF(),
		)
		{
			convertRoutes.POST("", handler.Convert)
			convertRoutes.POST("/stream", handler.ConvertStream)
		}

		conversions := apiGroup.Group("/conversions")
		{
			conversions.GET("/:id", handler.Conversion)
			conversions.GET("/:id/output", handler.ConversionOutput)
		}
	}
}

// close は記録処理を待ってから外部接続を閉じます。
func (c *components) close(ctx context.Context, logger *zap.Logger) {
	done := make(chan struct{})
	go func() {
		c.orchestrator.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn("pending conversion records were not flushed before shutdown")
	}

	if c.recorder != nil {
		if err := c.recorder.Shutdown(ctx); err != nil {
			logger.Warn("recorder shutdown", zap.Error(err))
		}
	}
	if c.redis != nil {
		_ = c.redis.Close()
	}
}
