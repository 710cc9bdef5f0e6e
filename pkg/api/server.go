// Package api is the HTTP surface: gin routes for turns (SSE), project
// state, sandbox restore, and dev-server control, plus WebSocket event
// delivery. It maps faults to transport codes; no business logic lives
// here.
package api

import (
	"context"
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/appforge-io/appforge/pkg/agent"
	"github.com/appforge-io/appforge/pkg/config"
	"github.com/appforge-io/appforge/pkg/database"
	"github.com/appforge-io/appforge/pkg/devserver"
	"github.com/appforge-io/appforge/pkg/events"
	"github.com/appforge-io/appforge/pkg/sandbox"
	"github.com/appforge-io/appforge/pkg/store"
)

// TurnRunner executes one agent turn. *agent.Orchestrator implements it;
// tests substitute a scripted runner.
type TurnRunner interface {
	Run(ctx context.Context, req agent.TurnRequest, emit func(agent.TurnEvent)) (*agent.TurnResult, error)
}

// HealthChecker pings the durable store. *database.Client implements it.
type HealthChecker interface {
	Health(ctx context.Context) (*database.HealthStatus, error)
}

// Deps carries everything the server needs.
type Deps struct {
	Contexts   *store.ContextStore
	Sandboxes  *sandbox.Manager
	DevServers *devserver.Supervisor
	Turns      TurnRunner
	Health     HealthChecker // nil degrades the health check, it does not fail it
	Bus        *events.Bus
	Config     config.ServerConfig
	// DefaultModel is used when a turn request names no model.
	DefaultModel string
}

// Server is the HTTP/WebSocket boundary.
type Server struct {
	contexts   *store.ContextStore
	sandboxes  *sandbox.Manager
	devservers *devserver.Supervisor
	turns      TurnRunner
	health     HealthChecker
	conns      *ConnectionManager
	bridge     *events.Subscription
	cfg        config.ServerConfig
	model      string
	logger     *slog.Logger
}

// NewServer wires the handlers and bridges the event bus into the
// WebSocket connection manager.
func NewServer(d Deps) *Server {
	s := &Server{
		contexts:   d.Contexts,
		sandboxes:  d.Sandboxes,
		devservers: d.DevServers,
		turns:      d.Turns,
		health:     d.Health,
		conns:      NewConnectionManager(d.Config.WSWriteTimeout()),
		cfg:        d.Config,
		model:      d.DefaultModel,
		logger:     slog.Default().With("component", "api"),
	}
	if d.Bus != nil {
		s.bridge = s.conns.BridgeBus(d.Bus)
	}
	return s
}

// Close detaches the server from the event bus.
func (s *Server) Close() {
	if s.bridge != nil {
		s.bridge.Close()
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.logger), securityHeaders())

	r.GET("/api/v1/health", s.handleHealth)
	r.GET("/ws", s.handleWS)

	projects := r.Group("/api/v1/projects/:id")
	{
		projects.GET("", s.handleGetProject)
		projects.POST("/turns", s.handleStartTurn)
		projects.POST("/restore", s.handleRestoreProject)
		projects.GET("/devserver", s.handleDevServerStatus)
		projects.POST("/devserver/start", s.handleDevServerStart)
		projects.POST("/devserver/stop", s.handleDevServerStop)
	}
	return r
}
