package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/yourusername/candy-api/internal/middleware"
)

// Router собирает маршруты API
type Router struct {
	Claims      *ClaimHandler
	Auth        *AuthHandler
	Locations   *LocationHandler
	WS          *WSHandler
	AuthMW      *middleware.AuthMiddleware
	RateLimiter *middleware.RateLimiter
}

// Register регистрирует маршруты в r. RateLimiter может быть nil (тесты, Redis недоступен).
func (rt *Router) Register(r *gin.Engine) {
	limit := func(cfg middleware.RateLimitConfig) gin.HandlerFunc {
		if rt.RateLimiter == nil {
			return func(c *gin.Context) { c.Next() }
		}
		return rt.RateLimiter.Limit(cfg)
	}
	limitVisitor := func(cfg middleware.RateLimitConfig) gin.HandlerFunc {
		if rt.RateLimiter == nil {
			return func(c *gin.Context) { c.Next() }
		}
		return rt.RateLimiter.LimitByVisitor(cfg)
	}
	limitIP := func(cfg middleware.RateLimitConfig) gin.HandlerFunc {
		if rt.RateLimiter == nil {
			return func(c *gin.Context) { c.Next() }
		}
		return rt.RateLimiter.LimitByIP(cfg)
	}

	api := r.Group("/api")
	api.Use(rt.AuthMW.Visitor())

	public := api.Group("")
	public.Use(limitIP(middleware.DefaultPublicRateLimitConfig()))
	{
		public.GET("/locations", rt.Locations.ListLocations)
		public.GET("/locations/:id", middleware.ExtractIDParam("id", LocationIDKey), rt.Locations.GetLocation)
		public.GET("/auth/magic", rt.Auth.ConsumeMagicLink)
		public.GET("/auth/session", rt.Auth.GetSession)
	}

	claims := api.Group("/claim")
	claims.Use(rt.AuthMW.RequireSameOrigin(), limitIP(middleware.DefaultPublicRateLimitConfig()))
	{
		claims.POST("/flows", rt.Claims.OpenFlow)

		flow := claims.Group("/flows/:flowId")
		flow.Use(middleware.ExtractUUIDParam("flowId", FlowIDKey))
		{
			flow.GET("", rt.Claims.GetFlow)
			flow.DELETE("", rt.Claims.CloseFlow)
			flow.POST("/suffix",
				limit(middleware.SuffixRateLimitConfig()),
				limitVisitor(middleware.SuffixRateLimitConfig()),
				rt.Claims.SubmitSuffix)
			flow.POST("/code",
				limit(middleware.CodeRateLimitConfig()),
				limitVisitor(middleware.CodeRateLimitConfig()),
				rt.Claims.VerifyCode)
			flow.POST("/restart", rt.Claims.Restart)
			flow.POST("/foreground", rt.Claims.Foreground)
			flow.GET("/flag", rt.Claims.GetFlag)
			flow.PUT("/flag", rt.Claims.SetFlag)
			flow.POST("/sign-out", rt.Claims.SignOut)
			if rt.WS != nil {
				flow.GET("/ws", rt.WS.HandleFlowStream)
			}
		}
	}

	admin := api.Group("/admin")
	admin.Use(rt.AuthMW.AdminOnly())
	{
		admin.POST("/locations", rt.Locations.CreateLocation)
		admin.GET("/locations/export", rt.Locations.ExportLocations)
	}
}
