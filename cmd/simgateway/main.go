package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wyfcoding/simgateway/internal/simgateway/application"
	"github.com/wyfcoding/simgateway/internal/simgateway/codec"
	"github.com/wyfcoding/simgateway/internal/simgateway/domain"
	"github.com/wyfcoding/simgateway/internal/simgateway/infrastructure/auth"
	"github.com/wyfcoding/simgateway/internal/simgateway/infrastructure/orchestrator"
	"github.com/wyfcoding/simgateway/internal/simgateway/infrastructure/persistence/memory"
	"github.com/wyfcoding/simgateway/internal/simgateway/infrastructure/persistence/mysql"
	"github.com/wyfcoding/simgateway/internal/simgateway/infrastructure/publisher"
	"github.com/wyfcoding/simgateway/internal/simgateway/infrastructure/simulator"
	"github.com/wyfcoding/simgateway/internal/simgateway/infrastructure/snapshot"
	http_server "github.com/wyfcoding/simgateway/internal/simgateway/interfaces/http"
	"github.com/wyfcoding/simgateway/pkg/breaker"
	"github.com/wyfcoding/simgateway/pkg/cache"
	"github.com/wyfcoding/simgateway/pkg/config"
	"github.com/wyfcoding/simgateway/pkg/db"
	"github.com/wyfcoding/simgateway/pkg/grpcclient"
	"github.com/wyfcoding/simgateway/pkg/logger"
	"github.com/wyfcoding/simgateway/pkg/metrics"
	"github.com/wyfcoding/simgateway/pkg/mq"
	"github.com/wyfcoding/simgateway/pkg/ratelimit"
	"github.com/wyfcoding/simgateway/pkg/tracing"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "configs/simgateway/config.toml", "path to config file")
	flag.Parse()

	if err := run(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "simgateway: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// 1. Config
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// 2. Logger
	if err := logger.Init(logger.Config{
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		Output:     cfg.Logger.Output,
		FilePath:   cfg.Logger.FilePath,
		MaxSize:    cfg.Logger.MaxSize,
		MaxBackups: cfg.Logger.MaxBackups,
		MaxAge:     cfg.Logger.MaxAge,
		Compress:   cfg.Logger.Compress,
		WithCaller: cfg.Logger.WithCaller,
	}); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	ctx := context.Background()
	logger.Info(ctx, "Starting simgateway", "host", cfg.HostIdentity, "version", cfg.Version, "env", cfg.Environment)

	// 日志级别热更
	if err := config.Watch(configPath, func(next *config.Config) {
		logger.SetLevel(next.Logger.Level)
		logger.Info(ctx, "Config reloaded", "log_level", next.Logger.Level)
	}); err != nil {
		logger.Warn(ctx, "Config watch disabled", "error", err)
	}

	// 3. Tracing & Metrics
	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:           cfg.Tracing.Enabled,
		ServiceName:       cfg.ServiceName,
		ServiceVersion:    cfg.Version,
		CollectorEndpoint: cfg.Tracing.CollectorEndpoint,
		SamplingRate:      cfg.Tracing.SamplingRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	m := metrics.New(cfg.ServiceName)
	if err := m.Register(nil); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	checks := make(map[string]http_server.ReadinessCheck)
	var closers []func() error

	// 4. Database
	var (
		sessions domain.SessionRepository
		bindings domain.BindingRepository
	)
	if cfg.Database.Driver == "memory" {
		store := memory.NewStore()
		sessions, bindings = store.Sessions(), store.Bindings()
		logger.Warn(ctx, "Using in-memory store, state is lost on restart")
	} else {
		database, err := db.Init(db.Config{
			Driver:             cfg.Database.Driver,
			DSN:                cfg.Database.DSN,
			MaxOpenConns:       cfg.Database.MaxOpenConns,
			MaxIdleConns:       cfg.Database.MaxIdleConns,
			ConnMaxLifetime:    cfg.Database.ConnMaxLifetime,
			LogEnabled:         cfg.Database.LogEnabled,
			SlowQueryThreshold: cfg.Database.SlowQueryThreshold,
		})
		if err != nil {
			return fmt.Errorf("connect db: %w", err)
		}
		if err := mysql.AutoMigrate(database.DB); err != nil {
			return fmt.Errorf("migrate db: %w", err)
		}
		sessions = mysql.NewSessionRepository(database.DB)
		bindings = mysql.NewBindingRepository(database.DB)
		checks["database"] = database.Ping
		closers = append(closers, database.Close)
	}

	// 5. Redis
	var (
		redisCache *cache.RedisCache
		limiter    ratelimit.RateLimiter = ratelimit.NewLocalRateLimiter()
	)
	if cfg.Redis.Enabled {
		redisCache, err = cache.New(cache.Config{
			Host:         cfg.Redis.Host,
			Port:         cfg.Redis.Port,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			MaxPoolSize:  cfg.Redis.MaxPoolSize,
			ConnTimeout:  cfg.Redis.ConnTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		limiter = ratelimit.NewRedisRateLimiter(redisCache.GetClient())
		checks["redis"] = redisCache.Ping
		closers = append(closers, redisCache.Close)
	}

	// 6. Event publisher
	events := publisher.NewLogEventPublisher()
	if cfg.Kafka.Enabled {
		producer, err := mq.NewProducer(mq.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			MaxRetries:   cfg.Kafka.MaxRetries,
			RetryBackoff: cfg.Kafka.RetryBackoff,
			Async:        cfg.Kafka.Async,
		})
		if err != nil {
			return fmt.Errorf("init kafka producer: %w", err)
		}
		events = publisher.NewKafkaEventPublisher(producer, cfg.Environment)
		closers = append(closers, producer.Close)
	}

	// 7. Infrastructure
	tokens, err := auth.NewValidator(cfg.Auth.Secret, cfg.Auth.Issuer)
	if err != nil {
		return fmt.Errorf("init token validator: %w", err)
	}
	orch := orchestrator.NewClient(orchestrator.Config{
		BaseURL:   cfg.Orchestrator.BaseURL,
		Namespace: cfg.Orchestrator.Namespace,
		Timeout:   cfg.Orchestrator.Timeout,
	})
	pool := grpcclient.NewClientPool(grpcclient.ClientConfig{
		ConnTimeout:       cfg.Simulator.ConnTimeout,
		EnableKeepalive:   cfg.Simulator.KeepaliveInterval > 0,
		KeepaliveInterval: cfg.Simulator.KeepaliveInterval,
	})
	closers = append(closers, pool.Close)
	simClient := simulator.NewClient(pool)

	local, err := cache.NewLocal(ctx, cfg.Distributor.SnapshotTTL)
	if err != nil {
		return fmt.Errorf("init local cache: %w", err)
	}
	closers = append(closers, local.Close)
	snapshots := snapshot.NewStore(local, redisCache, cfg.Distributor.SnapshotTTL, cfg.Distributor.SnapshotFlushInterval)

	enc, err := codec.New(codec.Config{
		DeltaEnabled:         cfg.Codec.DeltaEnabled,
		CompressionEnabled:   cfg.Codec.CompressionEnabled,
		CompressionThreshold: cfg.Codec.CompressionThreshold,
		Algorithm:            cfg.Codec.Algorithm,
	})
	if err != nil {
		return fmt.Errorf("init codec: %w", err)
	}
	if err := m.RegisterCodecStats(nil, func() metrics.CodecStats {
		st := enc.Stats()
		return metrics.CodecStats{
			FullMessages:        st.FullMessages,
			DeltaMessages:       st.DeltaMessages,
			CompressedMessages:  st.CompressedMessages,
			CompressionFailures: st.CompressionFailures,
			SkippedSequences:    st.SkippedSequences,
			OriginalBytes:       st.OriginalBytes,
			TransmittedBytes:    st.TransmittedBytes,
		}
	}); err != nil {
		return fmt.Errorf("register codec metrics: %w", err)
	}

	// 8. Application
	breakers := application.NewBreakerRegistry(breaker.Settings{
		FailureThreshold:  cfg.Breaker.FailureThreshold,
		ResetTimeout:      cfg.Breaker.ResetTimeout,
		HalfOpenMaxProbes: cfg.Breaker.HalfOpenMaxProbes,
		CallTimeout:       cfg.Breaker.CallTimeout,
	}, m)
	registry := application.NewSessionRegistry(sessions, events, cfg.HostIdentity, application.SessionConfig{
		TTL:           cfg.Session.TTL,
		TouchInterval: cfg.Session.TouchInterval,
	})
	lifecycle, err := application.NewSimulatorLifecycle(application.LifecycleDeps{
		Bindings:     bindings,
		Orchestrator: orch,
		Client:       simClient,
		Breakers:     breakers,
		Publisher:    events,
		Host:         cfg.HostIdentity,
		NodeID:       cfg.Simulator.NodeID,
	})
	if err != nil {
		return err
	}
	health := application.NewHealthMonitor(application.HealthConfig{
		Interval:           cfg.Health.Interval,
		ErrorInterval:      cfg.Health.ErrorInterval,
		AcceptableStatuses: cfg.Health.AcceptableStatuses,
	}, application.HealthDeps{
		Sessions:     sessions,
		Bindings:     bindings,
		Orchestrator: orch,
		Client:       simClient,
		Breakers:     breakers,
		Publisher:    events,
		Metrics:      m,
	})
	reaper := application.NewReaper(application.ReaperConfig{
		Interval:          cfg.Reaper.Interval,
		ErrorInterval:     cfg.Reaper.ErrorInterval,
		InactivityTimeout: cfg.Reaper.InactivityTimeout,
		HeartbeatWindow:   cfg.Reaper.HeartbeatWindow,
		GracePeriod:       cfg.Reaper.GracePeriod,
		ShutdownTimeout:   cfg.Reaper.ShutdownTimeout,
		Retention:         cfg.Reaper.Retention,
	}, application.ReaperDeps{
		Sessions:  sessions,
		Bindings:  bindings,
		Registry:  registry,
		Lifecycle: lifecycle,
		Metrics:   m,
	})
	distributor := application.NewStreamDistributor(application.DistributorConfig{
		QueueSize:   cfg.Distributor.QueueSize,
		SendTimeout: cfg.Distributor.SendTimeout,
		IdleGrace:   cfg.Distributor.IdleGrace,
		MaxFanout:   cfg.Distributor.MaxFanout,
	}, enc, snapshots, m)
	svc := application.NewService(application.ServiceDeps{
		Tokens:      tokens,
		Bindings:    bindings,
		Client:      simClient,
		Breakers:    breakers,
		Registry:    registry,
		Lifecycle:   lifecycle,
		Health:      health,
		Reaper:      reaper,
		Distributor: distributor,
		Retry: application.RetryPolicy{
			BaseDelay:   cfg.Retry.BaseDelay,
			Factor:      cfg.Retry.Factor,
			MaxDelay:    cfg.Retry.MaxDelay,
			MaxAttempts: cfg.Retry.MaxAttempts,
		},
		Metrics: m,
	})

	// 9. Interfaces
	gin.SetMode(gin.ReleaseMode)
	handler := http_server.NewHandler(svc, http_server.StreamConfig{Buffer: cfg.Distributor.ClientBuffer}, checks)
	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	r := http_server.NewRouter(handler, http_server.RouterOptions{
		ServiceName: cfg.ServiceName,
		Metrics:     m,
		MetricsPath: metricsPath,
		Limiter:     limiter,
		RateLimit:   cfg.RateLimit,
		Tracing:     cfg.Tracing.Enabled,
	})
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Duration(cfg.HTTP.ReadTimeout) * time.Second,
		WriteTimeout:      time.Duration(cfg.HTTP.WriteTimeout) * time.Second,
	}

	// 10. Start
	runCtx, stopLoops := context.WithCancel(ctx)
	var loops sync.WaitGroup
	loops.Add(1)
	go func() {
		defer loops.Done()
		svc.Run(runCtx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info(ctx, "Starting HTTP server", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// 11. Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	var exitErr error
	select {
	case sig := <-quit:
		logger.Info(ctx, "Shutting down server...", "signal", sig.String())
	case exitErr = <-serveErr:
		logger.Error(ctx, "HTTP server failed", "error", exitErr)
	}

	handler.SetDraining(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Reaper.ShutdownTimeout+5*time.Second)
	defer cancel()

	// 先通知推送客户端，流式连接结束后 HTTP 才能退出
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "Service shutdown incomplete", "error", err)
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "Server forced to shutdown", "error", err)
	}
	stopLoops()
	loops.Wait()

	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			logger.Warn(ctx, "Close resource failed", "error", err)
		}
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn(ctx, "Tracing shutdown failed", "error", err)
	}

	logger.Info(ctx, "Server exiting")
	return exitErr
}
