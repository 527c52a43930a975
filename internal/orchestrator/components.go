package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/api"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/config"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/db"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/failover"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/fulfillment"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/health"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/migration"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/model"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/panel"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/payload"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/port"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/provisioner"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/scheduler"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/store"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/tasks"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/transit"
	apperrors "github.com/ventupx/wrb-vpn-system/pkg/errors"
	"github.com/ventupx/wrb-vpn-system/pkg/events"
	"github.com/ventupx/wrb-vpn-system/pkg/logger"
)

// Components holds every wired engine component.
type Components struct {
	Store *db.Store
	Repos *store.Repositories

	EventBus  events.EventBus
	Publisher *events.Publisher

	Panels      *panel.Client
	Ports       *port.Allocator
	Builder     *payload.Builder
	Transit     *transit.Manager
	Provisioner *provisioner.Provisioner
	Failover    *failover.Coordinator
	Migrator    *migration.Migrator
	Runner      *tasks.Runner
	Sweeper     *health.Sweeper
	Fulfillment *fulfillment.Service

	Scheduler *scheduler.Manager
	API       *api.Server
}

// componentFactory builds Components from configuration.
type componentFactory struct {
	config  *config.Config
	version string
	logger  *logger.Logger
}

func newComponentFactory(cfg *config.Config, version string, log *logger.Logger) *componentFactory {
	return &componentFactory{config: cfg, version: version, logger: log}
}

// Create wires components in dependency order.
func (f *componentFactory) Create(ctx context.Context) (*Components, error) {
	op := f.logger.StartOp(ctx, "create_components")
	c := &Components{}

	steps := []struct {
		name string
		fn   func(context.Context, *Components) error
	}{
		{"database_store", f.createStore},
		{"event_system", f.createEventSystem},
		{"remote_clients", f.createRemoteClients},
		{"engine", f.createEngine},
		{"surfaces", f.createSurfaces},
	}

	for _, step := range steps {
		op.Progress("creating component", slog.String("step", step.name))
		if err := step.fn(ctx, c); err != nil {
			factoryErr := apperrors.NewSystemError(apperrors.ErrCodeInternal,
				fmt.Sprintf("failed to create %s", step.name), false, err)
			op.Fail(factoryErr, "component creation failed", slog.String("step", step.name))
			if c.Store != nil {
				_ = c.Store.Close()
			}
			return nil, factoryErr
		}
	}

	op.Complete("all components created")
	return c, nil
}

func (f *componentFactory) createStore(ctx context.Context, c *Components) error {
	cfg := f.config.DB
	f.logger.DebugContext(ctx, "opening database", "driver", cfg.Driver, "path", cfg.Path)

	s, err := db.NewStore(&db.Config{
		Driver:          cfg.Driver,
		DSN:             cfg.DSN,
		Path:            cfg.Path,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}, f.logger)
	if err != nil {
		return apperrors.NewDatabaseError(apperrors.ErrCodeDatabase, "failed to initialize database store", false, err)
	}
	c.Store = s
	c.Repos = store.NewRepositories(s)
	return nil
}

func (f *componentFactory) createEventSystem(_ context.Context, c *Components) error {
	c.EventBus = events.NewGookitEventBus(events.DefaultEventBusConfig(), f.logger)
	c.Publisher = events.NewPublisher(c.EventBus, f.logger)
	return nil
}

// announceOffline publishes the offline transition of a panel whose session gave up on it.
func announceOffline(pub *events.Publisher) func(context.Context, *model.Panel, error) {
	return func(ctx context.Context, p *model.Panel, cause error) {
		reason := "unreachable"
		if cause != nil {
			reason = cause.Error()
		}
		pub.PanelOnlineChanged(ctx, p.ID, false, reason)
	}
}

func (f *componentFactory) createRemoteClients(_ context.Context, c *Components) error {
	pc := f.config.Panel
	sessions := panel.NewSessionManager(c.Repos.Panels, panel.Config{
		LoginTimeout:   pc.LoginTimeout,
		RequestTimeout: pc.RequestTimeout,
		UserAgent:      pc.UserAgent,
		CircuitBreaker: panel.CircuitBreakerConfig{
			FailureThreshold: f.config.CircuitBreaker.FailureThreshold,
			ResetTimeout:     f.config.CircuitBreaker.ResetTimeout,
		},
	}, f.logger)
	sessions.OnOffline = announceOffline(c.Publisher)
	c.Panels = panel.NewClient(sessions, f.logger)

	tc := f.config.Transit
	client := transit.NewClient(transit.ClientConfig{BaseURL: tc.BaseURL, RequestTimeout: tc.RequestTimeout}, f.logger)
	c.Transit = transit.NewManager(client, c.Repos.Transit, c.Repos.Nodes, c.Repos.Orders, transit.Config{
		MaxAttempts: tc.MaxAttempts,
		BackoffMin:  tc.BackoffMin,
		BackoffMax:  tc.BackoffMax,
	}, c.Publisher, f.logger)
	return nil
}

func (f *componentFactory) createEngine(_ context.Context, c *Components) error {
	r := c.Repos

	c.Ports = port.NewAllocator(r.Ports, port.Config{
		Min:            f.config.Panel.PortMin,
		Max:            f.config.Panel.PortMax,
		RandomAttempts: f.config.Panel.RandomAttempts,
	}, f.logger)
	c.Builder = payload.NewBuilder()

	c.Provisioner = provisioner.New(provisioner.Dependencies{
		Panels:     c.Panels,
		Ports:      c.Ports,
		Nodes:      r.Nodes,
		PanelStore: r.Panels,
		Orders:     r.Orders,
		Transit:    c.Transit,
		Builder:    c.Builder,
		Events:     c.Publisher,
	}, provisioner.Config{DefaultOutboundTags: f.config.Panel.DefaultOutboundTags}, f.logger)

	c.Failover = failover.NewCoordinator(c.Provisioner, r.Panels, r.Nodes, r.Orders, c.Ports, c.Publisher, f.logger)

	rc := f.config.TaskRunner
	c.Runner = tasks.NewRunner(r.Tasks, tasks.Config{
		Workers:      rc.Workers,
		PollInterval: rc.PollInterval,
		UnitTimeout:  rc.UnitTimeout,
		LeaseTTL:     rc.LeaseTTL,
		MaxAttempts:  rc.MaxAttempts,
	}, c.Publisher, f.logger)

	c.Migrator = migration.NewMigrator(r.Panels, r.Nodes, c.Ports, c.Runner, c.Provisioner, c.Failover,
		c.Builder, c.Publisher, f.logger)

	c.Sweeper = health.NewSweeper(c.Panels, r.Panels, r.Ports, r.Nodes, c.Runner, c.Migrator, health.Config{
		Concurrency: f.config.Scheduler.SweepConcurrency,
	}, c.Publisher, f.logger)

	tasks.Handlers{
		Nodes:       r.Nodes,
		Panels:      r.Panels,
		Provisioner: c.Failover,
		Migrator:    c.Migrator,
		Renewer:     c.Provisioner,
		Checker:     c.Sweeper,
		Binder:      c.Transit,
	}.Register(c.Runner)

	c.Fulfillment = fulfillment.NewService(fulfillment.Dependencies{
		Orders:  r.Orders,
		Panels:  r.Panels,
		Nodes:   r.Nodes,
		Tasks:   c.Runner,
		Remote:  c.Provisioner,
		Ports:   c.Ports,
		Transit: c.Transit,
		Events:  c.Publisher,
	}, f.logger)
	return nil
}

func (f *componentFactory) createSurfaces(_ context.Context, c *Components) error {
	c.Scheduler = scheduler.NewManager(c.Sweeper, c.Transit, scheduler.Config{
		HealthSweep:    f.config.Scheduler.HealthSweep,
		PendingCheck:   f.config.Scheduler.PendingCheck,
		TransitRefresh: f.config.Scheduler.TransitRefresh,
	}, f.logger)

	c.API = api.NewServer(api.ServerConfig{
		Address:     f.config.API.ListenAddr,
		JWTSecret:   f.config.API.JWTSecret,
		CORSOrigins: f.config.API.CORSOrigins,
		Version:     f.version,
	}, api.Dependencies{
		Nodes:     c.Repos.Nodes,
		Panels:    c.Repos.Panels,
		Refunds:   c.Repos.Orders,
		Fulfiller: c.Fulfillment,
		Migrator:  c.Migrator,
		Tasks:     c.Runner,
		Sweeper:   c.Sweeper,
		Remote:    c.Panels,
		Transit:   c.Transit,
		Bus:       c.EventBus,
	}, f.logger)
	return nil
}
