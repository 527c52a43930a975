// Package api exposes the orchestration engine over an acknowledgement-only HTTP API.
// Long-running work is queued and answered with 202; callers poll the node for the outcome.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/fulfillment"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/health"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/model"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/panel"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/store"
	"github.com/ventupx/wrb-vpn-system/pkg/events"
	applogger "github.com/ventupx/wrb-vpn-system/pkg/logger"
)

// NodeReader loads nodes.
type NodeReader interface {
	Get(ctx context.Context, id uint) (*model.Node, error)
}

// PanelStore loads panels and records operator changes to them.
type PanelStore interface {
	Get(ctx context.Context, id uint) (*model.Panel, error)
	List(ctx context.Context, f store.PanelFilter) ([]*model.Panel, error)
	MarkRestarted(ctx context.Context, id uint, at time.Time) error
	SetActive(ctx context.Context, id uint, active bool) error
}

// RefundReader lists recorded refunds.
type RefundReader interface {
	ListRefunds(ctx context.Context, unsettledOnly bool) ([]*model.Refund, error)
}

// Fulfiller handles order fulfillment, renewal and deletion.
type Fulfiller interface {
	Fulfill(ctx context.Context, orderID uint) (*fulfillment.Result, error)
	Renew(ctx context.Context, nodeID uint, until time.Time) (*model.Task, error)
	Delete(ctx context.Context, nodeID uint) (*model.Node, error)
}

// Migrator moves nodes between panels.
type Migrator interface {
	Migrate(ctx context.Context, node *model.Node, dest *model.Panel) (*model.Task, error)
	MigrateOrder(ctx context.Context, orderID uint, dest *model.Panel) ([]*model.Task, error)
}

// TaskQueue accepts durable work.
type TaskQueue interface {
	Enqueue(ctx context.Context, task *model.Task) (*model.Task, bool, error)
}

// Sweeper sweeps one panel on demand.
type Sweeper interface {
	SweepPanel(ctx context.Context, p *model.Panel) (*health.SweepResult, error)
}

// PanelRemote talks to a panel directly on an operator's behalf.
type PanelRemote interface {
	TestConnection(ctx context.Context, p *model.Panel) error
	RestartXray(ctx context.Context, p *model.Panel) error
	GetXrayConfig(ctx context.Context, p *model.Panel) (*panel.XrayConfig, error)
	UpdateXrayConfig(ctx context.Context, p *model.Panel, cfg *panel.XrayConfig) error
	BreakerState(p *model.Panel) panel.CircuitBreakerState
}

// TransitAccounts lists and refreshes UDP tunnel accounts.
type TransitAccounts interface {
	Accounts(ctx context.Context) ([]*model.TransitAccount, error)
	RefreshAccount(ctx context.Context, id uint) (*model.TransitAccount, error)
}

// Dependencies are the engine components behind the routes.
type Dependencies struct {
	Nodes     NodeReader
	Panels    PanelStore
	Refunds   RefundReader
	Fulfiller Fulfiller
	Migrator  Migrator
	Tasks     TaskQueue
	Sweeper   Sweeper
	Remote    PanelRemote
	Transit   TransitAccounts
	Bus       events.EventBus
}

// ServerConfig contains configuration for the API server.
type ServerConfig struct {
	Address     string
	JWTSecret   string
	CORSOrigins []string
	Version     string
}

// Server is the HTTP API server.
type Server struct {
	server *http.Server
	engine *gin.Engine
	deps   Dependencies
	config ServerConfig
	logger *applogger.Logger

	// closing ends streaming handlers on shutdown
	closing context.Context
	close   context.CancelFunc
}

// NewServer creates a new API server instance.
func NewServer(config ServerConfig, deps Dependencies, logger *applogger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		deps:   deps,
		config: config,
		logger: logger.WithComponent("api"),
	}
	s.closing, s.close = context.WithCancel(context.Background())
	s.engine = s.routes()
	s.server = &http.Server{
		Addr:              config.Address,
		Handler:           s.engine,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(RequestID(s.logger), Logging(), Recovery())
	if len(s.config.CORSOrigins) > 0 {
		r.Use(CORS(s.config.CORSOrigins))
	}

	r.GET("/health", s.healthHandler)

	v1 := r.Group("/api/v1", Auth(s.config.JWTSecret))
	{
		v1.POST("/orders/:id/fulfill", s.fulfillOrderHandler)
		v1.POST("/orders/:id/migrate", s.migrateOrderHandler)

		v1.GET("/nodes/:id", s.getNodeHandler)
		v1.DELETE("/nodes/:id", s.deleteNodeHandler)
		v1.POST("/nodes/:id/migrate", s.migrateNodeHandler)
		v1.POST("/nodes/:id/renew", s.renewNodeHandler)
		v1.POST("/nodes/:id/check", s.checkNodeHandler)
		v1.POST("/nodes/:id/udp", s.bindUDPHandler)

		v1.GET("/panels", s.listPanelsHandler)
		v1.POST("/panels/:id/sweep", s.sweepPanelHandler)
		v1.POST("/panels/:id/restart", s.restartPanelHandler)
		v1.POST("/panels/:id/test", s.testPanelHandler)
		v1.POST("/panels/:id/active", s.setPanelActiveHandler)
		v1.GET("/panels/:id/outbounds", s.getOutboundsHandler)
		v1.PUT("/panels/:id/outbounds", s.saveOutboundsHandler)

		v1.GET("/transit/accounts", s.listTransitAccountsHandler)
		v1.POST("/transit/accounts/:id/refresh", s.refreshTransitAccountHandler)

		v1.GET("/refunds", s.listRefundsHandler)
		v1.GET("/events/ws", s.eventsHandler)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": gin.H{"code": "not_found", "message": "route not found"}})
	})
	return r
}

// Start starts the HTTP server and begins serving requests.
func (s *Server) Start(ctx context.Context) error {
	if s.config.JWTSecret == "" {
		return fmt.Errorf("api server needs a jwt secret")
	}
	s.logger.InfoContext(ctx, "starting API server", "address", s.server.Addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("api server failed to start: %w", err)
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-time.After(100 * time.Millisecond):
		s.logger.InfoContext(ctx, "API server started successfully", "address", s.server.Addr)
		return nil
	}
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.InfoContext(ctx, "shutting down API server")
	s.close()

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown failed: %w", err)
	}

	s.logger.InfoContext(ctx, "API server shut down successfully")
	return nil
}
