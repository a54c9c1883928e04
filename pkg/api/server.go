// Package api is the HTTP facade: read-mostly projections of agent and
// budget state plus a small command surface for triggers and admin
// resets. Routers and websockets live outside this module; the facade
// serves them snapshots, never live handles.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CTG813819/lvl-up-sub003/pkg/database"
)

// Deps are the component surfaces the server exposes.
type Deps struct {
	Metrics    MetricsReader
	Governor   GovernorReader
	Ledger     LedgerAdmin
	Gate       CustodyGate
	Scheduler  SchedulerControl
	Pool       *pgxpool.Pool
	AdminToken string
}

// Server is the HTTP facade server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer builds the router and binds it to the given port.
func NewServer(port int, deps Deps, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	h := &handlers{
		metrics:   deps.Metrics,
		governor:  deps.Governor,
		ledger:    deps.Ledger,
		gate:      deps.Gate,
		scheduler: deps.Scheduler,
	}

	router.GET("/healthz", healthHandler(deps.Pool))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/agent-metrics/:agent_type", h.getAgentMetrics)
	router.GET("/agent-metrics/:agent_type/custody", h.getAgentCustody)
	router.GET("/agent-metrics/:agent_type/status", h.agentStatus)
	router.POST("/agent-metrics/:agent_type/custody-test", h.postCustodyTest)
	router.POST("/agent-metrics/bulk-update", h.bulkUpdate)
	router.GET("/leaderboard", h.leaderboard)
	router.GET("/token-status", h.tokenStatus)
	router.POST("/scheduler/trigger/:agent_type", h.triggerAgent)

	admin := router.Group("/", adminOnly(deps.AdminToken))
	admin.DELETE("/agent-metrics/:agent_type/reset", h.resetAgent)
	admin.POST("/token-usage/reset", h.resetTokenUsage)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.With("component", "api"),
	}
}

// Start serves until Shutdown or a listener failure.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// adminOnly guards admin endpoints with the X-Admin-Token header. An
// unset token disables the endpoints entirely.
func adminOnly(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := c.GetHeader("X-Admin-Token")
		if token == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, errorBody{Error: "admin token required"})
			return
		}
		c.Next()
	}
}

func healthHandler(pool *pgxpool.Pool) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := database.Health(c.Request.Context(), pool)
		code := http.StatusOK
		if !status.Reachable {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}
