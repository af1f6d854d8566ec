package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"execution-core/internal/events"
	"execution-core/internal/execution"
	"execution-core/internal/gateway"
	"execution-core/internal/monitor"
	"execution-core/internal/quality"
	"execution-core/internal/reconciliation"
	"execution-core/internal/routing"
	"execution-core/internal/settlement"
	"execution-core/internal/strategy"
	"execution-core/pkg/logger"
)

// Deps are the components the HTTP surface drives.
type Deps struct {
	Bus        *events.Bus
	Brokers    *gateway.Manager
	Execution  *execution.Service
	Quality    *quality.Analyzer
	Routing    *routing.Router
	Strategies *strategy.Catalog
	Signals    *strategy.SignalBoard
	Reconciler *reconciliation.Engine
	Settlement *settlement.Coordinator
	Metrics    *monitor.SystemMetrics
}

// Options tune middleware and exports.
type Options struct {
	JWTSecret string
	ReportDir string
	RateLimit float64
	RateBurst int
	Timeout   time.Duration
	DryRun    bool
	Version   string
}

// Server wires HTTP endpoints around the execution core.
type Server struct {
	Router *gin.Engine
	Deps
	opts     Options
	limiters *ipLimiters
	log      *zap.Logger
}

// NewServer builds the gin engine and its routes.
func NewServer(deps Deps, opts Options, log *zap.Logger) *Server {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if deps.Metrics == nil {
		deps.Metrics = monitor.NewSystemMetrics()
	}
	log = logger.OrNop(log).Named("api")

	s := &Server{
		Router:   gin.New(),
		Deps:     deps,
		opts:     opts,
		limiters: newIPLimiters(opts.RateLimit, opts.RateBurst),
		log:      log,
	}

	// Middleware stack (order matters)
	s.Router.Use(gin.Recovery())
	s.Router.Use(RequestIDMiddleware())
	s.Router.Use(RequestLogger(log, deps.Metrics))
	s.Router.Use(RateLimitMiddleware(s.limiters, log))
	s.Router.Use(TimeoutMiddleware(opts.Timeout))
	s.Router.Use(CORSMiddleware())

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/metrics", s.getMetrics)
		api.GET("/brokers/health", s.getBrokerHealth)

		api.POST("/orders/strategy", s.submitStrategyOrder)
		api.POST("/orders/route", s.routeOrder)

		api.GET("/plans", s.listPlans)
		api.GET("/plans/:id", s.getPlan)
		api.POST("/plans/:id/cancel", s.cancelPlan)
		api.GET("/quality/:orderId", s.getQualityReport)

		api.PUT("/strategies/:id", s.upsertStrategy)
		api.POST("/signals", s.publishSignal)

		api.PUT("/routing/rules/:id", s.upsertRoutingRule)
		api.DELETE("/routing/rules/:id", s.deleteRoutingRule)

		accounts := api.Group("/accounts/:id")
		{
			accounts.PUT("", s.upsertAccount)
			accounts.POST("/reconcile", s.reconcileAccount)
			accounts.GET("/snapshot", s.getSnapshot)
			accounts.GET("/state", s.getAccountState)
			accounts.POST("/trades/reconcile", s.reconcileTrades)
			accounts.GET("/reports", s.getReport)
		}

		settlements := api.Group("/settlements")
		{
			settlements.GET("", s.listSettlements)
			settlements.GET("/:id", s.getSettlement)

			// Mutations need an operator token when a secret is configured.
			operator := settlements.Group("")
			operator.Use(OperatorAuth(s.opts.JWTSecret))
			{
				operator.POST("", s.createSettlement)
				operator.POST("/:id/approve", s.approveSettlement)
				operator.POST("/:id/process", s.processSettlement)
				operator.POST("/:id/cancel", s.cancelSettlement)
				operator.POST("/:id/retry", s.retrySettlement)
			}
		}
	}
}

func (s *Server) health(c *gin.Context) {
	status, code := "ok", http.StatusOK
	var healthy, total int
	if s.Brokers != nil {
		total = len(s.Brokers.IDs())
		healthy = len(s.Brokers.Healthy())
		if total > 0 && healthy == 0 {
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}
	c.JSON(code, gin.H{
		"status":          status,
		"brokers":         total,
		"healthy_brokers": healthy,
		"dry_run":         s.opts.DryRun,
		"version":         s.opts.Version,
	})
}

// Handler exposes the router for http.Server.
func (s *Server) Handler() http.Handler { return s.Router }
