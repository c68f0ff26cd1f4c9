package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wenwu/saas-platform/vps-service/internal/config"
)

// Pinger reports database reachability for /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	router  *gin.Engine
	handler *Handler
	webhook *WebhookHandler
	cfg     *config.Config
	db      Pinger

	userLimiter     *RateLimiter
	checkoutLimiter *RateLimiter
}

func NewServer(cfg *config.Config, db Pinger, handler *Handler, webhook *WebhookHandler) *Server {
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())

	s := &Server{
		router:  router,
		handler: handler,
		webhook: webhook,
		cfg:     cfg,
		db:      db,
		// 60 requests per customer per minute
		userLimiter: NewRateLimiter(60, time.Minute),
		// 10 checkouts per customer per hour
		checkoutLimiter: NewRateLimiter(10, time.Hour),
	}

	s.setupRoutes()
	return s
}

// Handler exposes the engine for http.Server and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.health)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Stripe signs deliveries; no other auth applies.
	s.router.POST("/api/webhooks/stripe", s.webhook.Handle)

	user := s.router.Group("/api/v1")
	user.Use(JWTAuthMiddleware(s.cfg.JWT.SecretKey))
	user.Use(RateLimitMiddleware(s.userLimiter))
	{
		user.GET("/plans", s.handler.ListPlans)
		user.POST("/checkout", RateLimitMiddleware(s.checkoutLimiter), s.handler.CreateCheckout)
		user.GET("/orders", s.handler.ListMyOrders)

		user.GET("/instances", s.handler.ListMyInstances)
		user.GET("/instances/:id", s.handler.GetInstance)
		user.GET("/instances/:id/status", s.handler.GetLiveStatus)
		user.POST("/instances/:id/power", s.handler.PowerAction)
		user.POST("/instances/:id/snapshots", s.handler.CreateSnapshot)
		user.GET("/instances/:id/snapshots", s.handler.ListSnapshots)

		user.GET("/jobs/:id", s.handler.GetJob)
	}

	admin := s.router.Group("/api/internal/admin")
	admin.Use(InternalAuthMiddleware(s.cfg.InternalSecret))
	{
		admin.GET("/orders", s.handler.AdminListOrders)
		admin.GET("/instances", s.handler.AdminListInstances)
		admin.GET("/instances/:id/logs", s.handler.AdminInstanceLogs)
		admin.GET("/dashboard", s.handler.Dashboard)
		admin.GET("/nodes", s.handler.Nodes)
		admin.POST("/sweep", s.handler.Sweep)
	}
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.db.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "degraded",
			"service":  "vps-service",
			"database": "unreachable",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"service":  "vps-service",
		"database": "ok",
	})
}
