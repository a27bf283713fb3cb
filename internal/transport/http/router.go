package httptransport

import (
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"waitlist/backend/internal/config"
	"waitlist/backend/internal/health"
	"waitlist/backend/internal/middleware"
	"waitlist/backend/internal/monitoring"
	"waitlist/backend/internal/service"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config              *config.Config
	SubscriptionService *service.SubscriptionService
	HealthChecker       *health.HealthChecker // 可选：/health/live 与 /health/ready
	Metrics             *monitoring.Metrics   // 可选：/metrics 与请求指标
	Logger              *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
//
// 业务接口同时挂载在根路径与 /api 下。
func NewRouter(deps RouterDependencies) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()

	mm := middleware.NewMonitoringMiddleware(deps.Metrics, logger)
	router.Use(mm.PanicRecovery())
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.SecurityHeaders())
	if deps.Metrics != nil {
		router.Use(mm.HTTPMetrics())
	}
	router.Use(gincors.New(corsConfig(deps.Config.CORS)))

	subscriptions := NewSubscriptionHandler(deps.SubscriptionService, deps.Config.Mail.SiteName, logger)
	public := NewPublicHandler(deps.Config.MailConfigured(), deps.Config.Server.StaticDir)

	// JSON 接口的请求体限制
	bodyLimit := middleware.BodySizeLimit(deps.Config.Server.BodyLimit)
	jsonOnly := middleware.ValidateContentType("application/json", "application/x-www-form-urlencoded", "multipart/form-data")

	for _, prefix := range []string{"", "/api"} {
		group := router.Group(prefix)
		{
			group.POST("/subscribe", bodyLimit, jsonOnly, subscriptions.Subscribe)
			group.GET("/verify", subscriptions.Verify)
			group.GET("/admin/subscriptions", subscriptions.AdminSubscriptions)
			group.POST("/notify", bodyLimit, jsonOnly, subscriptions.Notify)
			group.GET("/health", public.Health)
		}
	}

	// 探针与指标
	if deps.HealthChecker != nil {
		router.GET("/health/live", gin.WrapF(deps.HealthChecker.LiveEndpoint))
		router.GET("/health/ready", gin.WrapF(deps.HealthChecker.ReadyEndpoint))
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	router.NoRoute(public.NotFound)

	return router
}

// corsConfig 未配置来源或包含 * 时允许所有来源，此时不能携带凭证
func corsConfig(cfg config.CORSConfig) gincors.Config {
	c := gincors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length", "X-Max-Body-Size"},
		MaxAge:        12 * time.Hour,
	}

	allowAll := len(cfg.AllowedOrigins) == 0
	for _, origin := range cfg.AllowedOrigins {
		if origin == "*" {
			allowAll = true
			break
		}
	}
	if allowAll {
		c.AllowAllOrigins = true
		return c
	}

	c.AllowOrigins = cfg.AllowedOrigins
	c.AllowCredentials = true
	return c
}
