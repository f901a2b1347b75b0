package api

import (
	"net/http"
	"sync"
	"time"

	"tradeguard/internal/engine"
	"tradeguard/internal/events"
	"tradeguard/internal/monitor"
	"tradeguard/internal/regime"
	"tradeguard/internal/safety"
	"tradeguard/pkg/config"
	"tradeguard/pkg/db"

	"github.com/gin-gonic/gin"
)

// Server wires the operator HTTP surface around the safety core.
type Server struct {
	Router  *gin.Engine
	Bus     *events.Bus
	Gate    *safety.Gate
	Regimes *regime.Classifier
	Inbox   *engine.Inbox
	Journal *db.Journal
	Metrics *monitor.SystemMetrics
	Audit   *monitor.Auditor
	Meta    SystemMeta

	JWTSecret          string
	OperatorSecretHash string
	SafeModeSecretHash string

	limitsMu   sync.Mutex
	limits     config.Limits
	limitsPath string
}

// SystemMeta describes runtime status exposed to the UI.
type SystemMeta struct {
	Symbol      string
	UseMockFeed bool
	Version     string
	StartedAt   time.Time
}

func NewServer(bus *events.Bus, gate *safety.Gate, regimes *regime.Classifier, inbox *engine.Inbox,
	journal *db.Journal, metrics *monitor.SystemMetrics, audit *monitor.Auditor,
	limits config.Limits, limitsPath string, cfg *config.Config, meta SystemMeta) *Server {

	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())                      // Panic recovery (first)
	r.Use(RequestIDMiddleware())               // Request ID tracking
	r.Use(RequestLogger(metrics))              // Request logging (after ID is set)
	r.Use(RateLimitMiddleware())               // Rate limiting
	r.Use(TimeoutMiddleware(30 * time.Second)) // Request timeout (30s)
	r.Use(CORSMiddleware(cfg.DashboardOrigin)) // CORS (last before routes)

	s := &Server{
		Router:             r,
		Bus:                bus,
		Gate:               gate,
		Regimes:            regimes,
		Inbox:              inbox,
		Journal:            journal,
		Metrics:            metrics,
		Audit:              audit,
		Meta:               meta,
		JWTSecret:          cfg.JWTSecret,
		OperatorSecretHash: cfg.OperatorSecretHash,
		SafeModeSecretHash: cfg.SafeModeSecretHash,
		limits:             limits,
		limitsPath:         limitsPath,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/status", s.getStatus)
		api.GET("/regimes", s.getRegimes)
		api.GET("/metrics", s.getMetrics)

		// Auth endpoints (no auth required)
		api.POST("/auth/login", s.login)

		// Protected API
		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/events", s.listEvents)
			protected.GET("/validations", s.listValidations)
			protected.GET("/trades", s.listTrades)
			protected.GET("/restarts", s.listRestarts)

			protected.POST("/trades/propose", s.proposeTrade)
			protected.POST("/fills", s.recordFill)

			// Operator controls
			protected.POST("/emergency/kill-switch", s.setKillSwitch)
			protected.POST("/emergency/safe-mode", s.enterSafeMode)
			protected.POST("/emergency/safe-mode/clear", s.clearSafeMode)
			protected.POST("/limits/reload", s.reloadLimits)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": s.Meta.Version,
		"uptime":  time.Since(s.Meta.StartedAt).String(),
	})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
