package routes

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/arklim/social-platform-guildsync/internal/core/port"
	"github.com/arklim/social-platform-guildsync/internal/infra/config"
	"github.com/arklim/social-platform-guildsync/internal/transport/http/handlers"
	"github.com/arklim/social-platform-guildsync/internal/transport/http/middleware"
	"github.com/arklim/social-platform-guildsync/internal/usecase"
)

// ServiceSet groups the services the HTTP layer depends on.
type ServiceSet struct {
	Tokens     *usecase.TokenService
	Reconciler *usecase.ReconcileService
	Resolver   *usecase.EntitlementService
}

// Dependencies encapsulates the objects required to register routes.
type Dependencies struct {
	Config      *config.AppConfig
	Logger      *zap.Logger
	RateLimiter *middleware.RateLimiter
	Metrics     *middleware.HTTPMetrics
	Services    ServiceSet
	Credentials port.CredentialRepository
	Assignments port.AssignmentRepository
	AuthURLs    handlers.AuthURLBuilder
	Database    DatabaseChecker
	Cache       CacheChecker
}

// DatabaseChecker exposes readiness behaviour for database connections.
type DatabaseChecker interface {
	Ping(ctx context.Context) error
}

// CacheChecker exposes readiness behaviour for cache backends.
type CacheChecker interface {
	HealthCheck(ctx context.Context) error
}

// Register configures the Gin engine with routes and middleware.
func Register(deps Dependencies) *gin.Engine {
	if deps.Config.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.EnrichContext())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(deps.Logger))
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Handler())
	}

	sessionMiddleware := middleware.RequireSession(deps.Config.Session)
	csrfMiddleware := middleware.RequireCSRF(deps.Config.Session.CSRFSecret)

	checks := make(map[string]handlers.DependencyPinger, 2)
	if deps.Database != nil {
		checks["database"] = deps.Database.Ping
	}
	if deps.Cache != nil {
		checks["redis"] = deps.Cache.HealthCheck
	}

	healthHandler := handlers.NewHealthHandler(checks)

	r.GET("/healthz", healthHandler.Status)
	r.GET("/readyz", healthHandler.Ready)

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	{
		connectHandler := handlers.NewConnectHandler(
			deps.Services.Tokens,
			deps.Services.Reconciler,
			deps.AuthURLs,
			deps.Config.Session.StateSecret,
			deps.Logger,
		)
		disconnectHandler := handlers.NewDisconnectHandler(deps.Services.Reconciler, deps.Logger)
		previewHandler := handlers.NewPreviewHandler(deps.Credentials, deps.Assignments, deps.Services.Resolver, deps.Logger)
		reconcileHandler := handlers.NewReconcileHandler(deps.Services.Reconciler, deps.Logger)

		discordGroup := api.Group("/discord")
		discordGroup.GET("/login", sessionMiddleware, connectHandler.Login)
		discordGroup.GET("/connect-bot", sessionMiddleware, connectHandler.ConnectBot)
		discordGroup.GET("/preview", sessionMiddleware, previewHandler.Preview)
		discordGroup.POST("/disconnect", sessionMiddleware, csrfMiddleware, disconnectHandler.Disconnect)

		// The callback carries no session; the signed state parameter binds it
		// to a user, so abuse control falls to a per-IP window.
		callbackHandlers := append(buildCallbackMiddlewares(deps), connectHandler.Callback)
		discordGroup.GET("/callback", callbackHandlers...)

		internalGroup := api.Group("/internal")
		internalGroup.Use(middleware.RequireInternalToken(deps.Config.Session.InternalToken))
		internalGroup.POST("/reconcile", reconcileHandler.Reconcile)
	}

	return r
}

func buildCallbackMiddlewares(deps Dependencies) []gin.HandlerFunc {
	if deps.RateLimiter == nil || deps.Config == nil {
		return nil
	}

	limit := deps.Config.RateLimit.CallbackMaxAttempts
	if limit <= 0 {
		return nil
	}

	window := deps.Config.RateLimit.WindowDuration
	if window <= 0 {
		window = time.Minute
	}

	rule := middleware.RateLimitRule{
		Name:       "oauth_callback_ip",
		Limit:      limit,
		Window:     window,
		Identifier: middleware.ClientIPIdentifier(),
	}

	return []gin.HandlerFunc{deps.RateLimiter.RateLimit(rule)}
}
