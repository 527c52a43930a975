// Package scheduler runs the periodic health and transit jobs on cron specs.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ventupx/wrb-vpn-system/pkg/logger"
)

// Job names, also used as log fields.
const (
	JobHealthSweep    = "health_sweep"
	JobPendingCheck   = "pending_check"
	JobTransitRefresh = "transit_refresh"
)

// Sweeper is the health side driven by the schedules.
type Sweeper interface {
	SweepAll(ctx context.Context) (swept, failed int, err error)
	CheckPending(ctx context.Context) (queued int, err error)
}

// TransitRefresher reloads transit account state and device groups.
type TransitRefresher interface {
	RefreshAll(ctx context.Context) (refreshed, failed int, err error)
}

// Config holds the cron specs. An empty spec disables the job.
type Config struct {
	HealthSweep    string
	PendingCheck   string
	TransitRefresh string
	// JobTimeout bounds a single run of any job.
	JobTimeout time.Duration
}

// Manager owns the cron instance and the lifecycle of its jobs.
type Manager struct {
	sweeper Sweeper
	transit TransitRefresher
	config  Config
	logger  *logger.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	cron    *cron.Cron
	mu      sync.RWMutex
	running bool
}

// NewManager creates a scheduler manager. A nil transit disables the transit refresh job.
func NewManager(sweeper Sweeper, transit TransitRefresher, config Config, log *logger.Logger) *Manager {
	if config.JobTimeout <= 0 {
		config.JobTimeout = 10 * time.Minute
	}
	return &Manager{
		sweeper: sweeper,
		transit: transit,
		config:  config,
		logger:  log.WithComponent("scheduler"),
	}
}

// Start registers the jobs and starts the cron loop. A bad spec fails before anything runs.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		m.logger.Warn("scheduler is already running")
		return nil
	}

	cl := cronLogger{m.logger}
	c := cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl))
	jobCtx, cancel := context.WithCancel(ctx)

	jobs := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{JobHealthSweep, m.config.HealthSweep, m.sweep},
		{JobPendingCheck, m.config.PendingCheck, m.checkPending},
		{JobTransitRefresh, m.config.TransitRefresh, m.refreshTransit},
	}
	for _, job := range jobs {
		if job.spec == "" || (job.name == JobTransitRefresh && m.transit == nil) {
			m.logger.Info("job disabled", "job", job.name)
			continue
		}
		run := job.run
		name := job.name
		if _, err := c.AddFunc(job.spec, func() { m.runJob(jobCtx, name, run) }); err != nil {
			cancel()
			return fmt.Errorf("invalid schedule %q for %s: %w", job.spec, job.name, err)
		}
	}

	m.ctx, m.cancel, m.cron = jobCtx, cancel, c
	c.Start()
	m.running = true

	m.logger.Info("scheduler started", "health_sweep", m.config.HealthSweep, "pending_check", m.config.PendingCheck,
		"transit_refresh", m.config.TransitRefresh)
	return nil
}

// Stop halts the cron loop, cancels running jobs and waits for them, bounded by ctx.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	m.running = false

	m.cancel()
	done := m.cron.Stop()

	select {
	case <-done.Done():
		m.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		m.logger.Warn("scheduler stop timed out")
		return ctx.Err()
	}
}

// IsRunning returns whether the cron loop is active.
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// RunNow runs a job synchronously outside its schedule.
func (m *Manager) RunNow(ctx context.Context, name string) error {
	switch name {
	case JobHealthSweep:
		return m.sweep(ctx)
	case JobPendingCheck:
		return m.checkPending(ctx)
	case JobTransitRefresh:
		if m.transit == nil {
			return fmt.Errorf("%s is not configured", name)
		}
		return m.refreshTransit(ctx)
	default:
		return fmt.Errorf("unknown job %q", name)
	}
}

func (m *Manager) runJob(ctx context.Context, name string, run func(context.Context) error) {
	if ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, m.config.JobTimeout)
	defer cancel()

	op := m.logger.StartOp(ctx, name)
	if err := run(ctx); err != nil {
		op.Fail(err, "scheduled job failed")
		return
	}
	op.Complete("scheduled job finished")
}

func (m *Manager) sweep(ctx context.Context) error {
	_, _, err := m.sweeper.SweepAll(ctx)
	return err
}

func (m *Manager) checkPending(ctx context.Context) error {
	queued, err := m.sweeper.CheckPending(ctx)
	if queued > 0 {
		m.logger.InfoContext(ctx, "pending node checks queued", "count", queued)
	}
	return err
}

func (m *Manager) refreshTransit(ctx context.Context) error {
	_, failed, err := m.transit.RefreshAll(ctx)
	if err == nil && failed > 0 {
		err = fmt.Errorf("%d transit accounts failed to refresh", failed)
	}
	return err
}

// cronLogger routes cron's own messages into the service logger.
type cronLogger struct {
	l *logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
