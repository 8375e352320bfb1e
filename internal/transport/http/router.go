package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	jwtpkg "fedmail/node/internal/auth/jwt"
	"fedmail/node/internal/config"
	"fedmail/node/internal/health"
	"fedmail/node/internal/ident"
	"fedmail/node/internal/ledger"
	"fedmail/node/internal/metering"
	"fedmail/node/internal/middleware"
	"fedmail/node/internal/monitoring"
	"fedmail/node/internal/routing"
	"fedmail/node/internal/websocket"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config       *config.Config
	Ledger       *ledger.Ledger
	Engine       *routing.Engine
	Minter       *ident.Minter
	Meter        metering.Meter
	JWTManager   *jwtpkg.Manager
	WebSocketHub *websocket.Hub // 可为空，空时不注册 /v1/ws
	Metrics      *monitoring.Metrics
	Health       *health.HealthChecker
	Logger       *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.New()

	// 使用自定义中间件替代默认中间件
	monitor := middleware.NewMonitoringMiddleware(deps.Metrics, deps.Logger)
	router.Use(monitor.Recovery())
	router.Use(monitor.HTTPMetrics())
	router.Use(middleware.RequestLogger(deps.Logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.BodySizeLimit(middleware.MailBodyLimit))

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "x-principal", "x-credits"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	// 创建处理器
	mailHandler := NewMailHandler(deps.Ledger, deps.Engine, deps.Minter, deps.Meter, deps.Metrics, deps.Logger)
	if deps.WebSocketHub != nil {
		mailHandler = mailHandler.WithNotifier(deps.WebSocketHub)
	}
	userHandler := NewUserHandler(deps.Ledger, deps.Metrics, deps.Logger)
	nodeHandler := NewNodeHandler(deps.Ledger)
	newsletterHandler := NewNewsletterHandler(deps.Ledger, deps.Engine, deps.Minter, deps.Metrics, deps.Logger)
	authHandler := NewAuthHandler(deps.JWTManager, deps.Logger)

	// 创建中间件
	principalAuth := middleware.NewPrincipalAuth(deps.JWTManager, deps.Logger)

	// 运维端点
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}
	if deps.Health != nil {
		router.GET("/health/live", gin.WrapF(deps.Health.LiveEndpoint))
		router.GET("/health/ready", gin.WrapF(deps.Health.ReadyEndpoint))
	}

	// V1 API。所有路由先解析调用者身份与附带额度。
	v1 := router.Group("/v1")
	v1.Use(principalAuth.Identify())
	v1.Use(middleware.Credits())
	{
		// ========== Auth Routes ==========
		authRoutes := v1.Group("/auth")
		{
			authRoutes.POST("/token", authHandler.IssueToken)
			authRoutes.POST("/refresh", authHandler.Refresh)
		}

		// ========== Node Routes ==========
		nodeRoutes := v1.Group("/node")
		{
			nodeRoutes.GET("/domain", nodeHandler.getDomain)
			nodeRoutes.GET("/info", nodeHandler.getInfo)
			nodeRoutes.GET("/token", principalAuth.RequireAuthenticated(), nodeHandler.getToken)
			nodeRoutes.PUT("/info", principalAuth.RequireAuthenticated(), nodeHandler.updateInfo)
		}

		// ========== User Routes ==========
		userRoutes := v1.Group("/users")
		userRoutes.Use(principalAuth.RequireAuthenticated())
		{
			userRoutes.POST("", userHandler.registerUser)
			userRoutes.GET("", userHandler.listUsers)
			userRoutes.GET("/me", userHandler.me)
			userRoutes.POST("/self", userHandler.selfRegister)
			userRoutes.DELETE("/self", userHandler.selfDelete)
			userRoutes.DELETE("/:address", userHandler.deregisterUser)
		}

		// ========== Mail Routes ==========
		mailRoutes := v1.Group("/mail")
		{
			// 联邦投递入口（按调用计费，无需本地注册）
			mailRoutes.POST("", mailHandler.submitMail)

			// 本地邮箱操作
			mailRoutes.POST("/send", principalAuth.RequireAuthenticated(), mailHandler.sendMail)
			mailRoutes.POST("/replies", principalAuth.RequireAuthenticated(), mailHandler.sendReply)
			mailRoutes.GET("", principalAuth.RequireAuthenticated(), mailHandler.listMail)
			mailRoutes.GET("/count", principalAuth.RequireAuthenticated(), mailHandler.countMail)
			mailRoutes.GET("/count/all", principalAuth.RequireAuthenticated(), mailHandler.countAllMail)
			mailRoutes.GET("/:id", principalAuth.RequireAuthenticated(), mailHandler.getMail)
			mailRoutes.DELETE("/:id", principalAuth.RequireAuthenticated(), mailHandler.deleteMail)
			mailRoutes.POST("/:id/restore", principalAuth.RequireAuthenticated(), mailHandler.restoreMail)
		}

		// ========== Federation Routes ==========
		federationRoutes := v1.Group("/federation")
		{
			federationRoutes.POST("/replies", mailHandler.submitReply)
		}

		// ========== Newsletter Routes ==========
		newsletterRoutes := v1.Group("/newsletters")
		{
			newsletterRoutes.GET("", newsletterHandler.listNewsletters)
			newsletterRoutes.GET("/:id", newsletterHandler.getNewsletter)
			newsletterRoutes.POST("", principalAuth.RequireAuthenticated(), newsletterHandler.createNewsletter)
			newsletterRoutes.POST("/:id/subscribe", principalAuth.RequireAuthenticated(), newsletterHandler.subscribe)
			newsletterRoutes.POST("/:id/unsubscribe", principalAuth.RequireAuthenticated(), newsletterHandler.unsubscribe)
			newsletterRoutes.GET("/:id/subscribers", principalAuth.RequireAuthenticated(), newsletterHandler.listSubscribers)
			newsletterRoutes.POST("/:id/send", principalAuth.RequireAuthenticated(), newsletterHandler.sendNewsletter)
		}

		// ========== WebSocket Routes ==========
		if deps.WebSocketHub != nil {
			v1.GET("/ws", websocket.HandleWebSocket(deps.WebSocketHub))
		}
	}

	return router
}
