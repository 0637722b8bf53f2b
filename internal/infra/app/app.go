package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/arklim/social-platform-guildsync/internal/core/domain"
	"github.com/arklim/social-platform-guildsync/internal/core/port"
	"github.com/arklim/social-platform-guildsync/internal/infra/config"
	"github.com/arklim/social-platform-guildsync/internal/infra/database"
	"github.com/arklim/social-platform-guildsync/internal/infra/discord"
	kafkainfra "github.com/arklim/social-platform-guildsync/internal/infra/kafka"
	"github.com/arklim/social-platform-guildsync/internal/infra/ledger"
	"github.com/arklim/social-platform-guildsync/internal/infra/logger"
	redisinfra "github.com/arklim/social-platform-guildsync/internal/infra/redis"
	"github.com/arklim/social-platform-guildsync/internal/infra/telemetry"
	postgresrepo "github.com/arklim/social-platform-guildsync/internal/repository/postgres"
	redisrepo "github.com/arklim/social-platform-guildsync/internal/repository/redis"
	"github.com/arklim/social-platform-guildsync/internal/transport/http/middleware"
	"github.com/arklim/social-platform-guildsync/internal/transport/http/routes"
	"github.com/arklim/social-platform-guildsync/internal/usecase"
)

// Options tunes which parts of the application a process runs. The API
// binary runs both; a dedicated worker binary disables the HTTP server.
type Options struct {
	EnableHTTP   bool
	EnableWorker bool
}

type Application struct {
	cfg    *config.AppConfig
	opts   Options
	engine *gin.Engine
	logger *zap.Logger
	pool   *pgxpool.Pool
	redis  *redisinfra.Client
	queue  *usecase.QueueService
	tracer *telemetry.TracerProvider
}

func New(ctx context.Context, cfg *config.AppConfig, opts Options) (*Application, error) {
	log, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	var tracer *telemetry.TracerProvider
	if cfg.Telemetry.OTLPEndpoint != "" {
		tracer, err = telemetry.NewTracerProvider(ctx, cfg.Telemetry, log)
		if err != nil {
			return nil, fmt.Errorf("init telemetry: %w", err)
		}
	}

	pool, err := database.NewPostgresPool(ctx, cfg.Postgres, log)
	if err != nil {
		return nil, fmt.Errorf("init postgres: %w", err)
	}

	redisClient, err := redisinfra.NewClient(cfg.Redis, log)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("init redis: %w", err)
	}

	repos := postgresrepo.NewRepositories(pool)

	userLock := redisrepo.NewUserLockRepository(redisClient.Client(), cfg.Redis.LockPrefix)
	roleCache := redisrepo.NewRoleSnapshotRepository(redisClient.Client(), cfg.Redis.RoleCacheKey)

	rateLimitWindow := cfg.RateLimit.WindowDuration
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	rateLimitStore := redisrepo.NewRateLimitRepository(redisClient.Client(), cfg.Redis.RateLimitPrefix, rateLimitWindow*2)
	rateLimiter := middleware.NewRateLimiter(rateLimitStore, log)

	var eventPublisher port.EventPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaProducer, err := kafkainfra.NewProducer(cfg.Kafka, log)
		if err != nil {
			log.Warn("failed to init kafka producer, using stub publisher", zap.Error(err))
			eventPublisher = kafkainfra.NewStubPublisher(log)
		} else {
			eventPublisher = kafkainfra.NewEventPublisher(kafkaProducer, cfg.App, log)
			log.Info("kafka event publisher initialized", zap.Strings("brokers", cfg.Kafka.Brokers))
		}
	} else {
		log.Info("kafka brokers not configured, using stub publisher")
		eventPublisher = kafkainfra.NewStubPublisher(log)
	}

	discordClient := discord.NewClient(cfg.Discord, log)
	ledgerClient := ledger.NewClient(cfg.Ledger, log)

	queueMetrics, err := telemetry.NewQueueMetrics(telemetry.QueueMetricsOptions{})
	if err != nil {
		redisClient.Close()
		pool.Close()
		return nil, fmt.Errorf("init queue metrics: %w", err)
	}

	httpMetrics, err := middleware.NewHTTPMetrics(middleware.HTTPMetricsOptions{})
	if err != nil {
		redisClient.Close()
		pool.Close()
		return nil, fmt.Errorf("init http metrics: %w", err)
	}

	mapping := domain.RoleMapping{
		Roles:           cfg.Mapping.Roles,
		DefaultRoleID:   cfg.Mapping.DefaultRoleID,
		AllowUnentitled: cfg.Mapping.AllowUnentitled,
	}

	tokenService := usecase.NewTokenService(repos.Credentials, discordClient, log)
	entitlementService := usecase.NewEntitlementService(
		ledgerClient,
		discordClient,
		roleCache,
		mapping,
		cfg.Redis.RoleCacheTTL,
		log,
	)
	queueService := usecase.NewQueueService(
		repos.Jobs,
		repos.Credentials,
		repos.Assignments,
		discordClient,
		tokenService,
		userLock,
		eventPublisher,
		queueMetrics,
		cfg.Queue,
		cfg.Discord.WelcomeMessage,
		log,
	)
	reconcileService := usecase.NewReconcileService(
		repos.Credentials,
		repos.Assignments,
		entitlementService,
		queueService,
		discordClient,
		eventPublisher,
		cfg.Discord.SendWelcomeDM,
		log,
	)

	var engine *gin.Engine
	if opts.EnableHTTP {
		engine = routes.Register(routes.Dependencies{
			Config:      cfg,
			Logger:      log,
			RateLimiter: rateLimiter,
			Metrics:     httpMetrics,
			Credentials: repos.Credentials,
			Assignments: repos.Assignments,
			AuthURLs:    discordClient,
			Database:    pool,
			Cache:       redisClient,
			Services: routes.ServiceSet{
				Tokens:     tokenService,
				Reconciler: reconcileService,
				Resolver:   entitlementService,
			},
		})
	}

	return &Application{
		cfg:    cfg,
		opts:   opts,
		engine: engine,
		logger: log,
		pool:   pool,
		redis:  redisClient,
		queue:  queueService,
		tracer: tracer,
	}, nil
}

func (a *Application) Run(ctx context.Context) error {
	defer func() {
		_ = a.logger.Sync()
	}()
	defer a.pool.Close()
	defer func() {
		_ = a.redis.Close()
	}()
	defer func() {
		if a.tracer != nil {
			_ = a.tracer.Shutdown(context.Background())
		}
	}()

	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()

	workerDone := make(chan struct{})
	if a.opts.EnableWorker {
		go func() {
			defer close(workerDone)
			a.queue.RunWorker(workerCtx)
		}()
	} else {
		close(workerDone)
	}

	if !a.opts.EnableHTTP {
		a.logger.Info("starting guildsync worker", zap.String("env", a.cfg.App.Env))
		<-ctx.Done()
		stopWorker()
		<-workerDone
		return nil
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", a.cfg.App.Host, a.cfg.App.Port),
		Handler:           a.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	a.logger.Info("starting guildsync API",
		zap.String("env", a.cfg.App.Env),
		zap.String("address", srv.Addr),
		zap.Bool("worker_enabled", a.opts.EnableWorker),
	)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("run server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErrCh:
		stopWorker()
		<-workerDone
		return err
	}

	stopWorker()
	<-workerDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}

	return nil
}
