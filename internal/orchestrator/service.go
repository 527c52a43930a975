// Package orchestrator wires the panel orchestration engine and manages its lifecycle.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/config"
	"github.com/ventupx/wrb-vpn-system/pkg/logger"
)

// lifecycle is a component started and stopped with the service.
type lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Service coordinates all engine components and manages their lifecycle
type Service struct {
	config     *config.Config
	components *Components
	logger     *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	signalChan            chan os.Signal
	shutdownWg            sync.WaitGroup
	isRunning             bool
	mu                    sync.RWMutex
	disableSignalHandling bool
}

// NewService creates a Service with every component wired.
func NewService(cfg *config.Config, version string, log *logger.Logger) (*Service, error) {
	return newService(newComponentFactory(cfg, version, log), cfg, log)
}

func newService(factory *componentFactory, cfg *config.Config, log *logger.Logger) (*Service, error) {
	ctx, cancel := context.WithCancel(context.Background())

	components, err := factory.Create(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize service components: %w", err)
	}

	return &Service{
		config:     cfg,
		components: components,
		logger:     log.WithComponent("service"),
		ctx:        ctx,
		cancel:     cancel,
		signalChan: make(chan os.Signal, 1),
	}, nil
}

// Components exposes the wired components.
func (s *Service) Components() *Components {
	return s.components
}

// ordered lists components in start order; they stop in reverse.
func (s *Service) ordered() []struct {
	name string
	c    lifecycle
} {
	return []struct {
		name string
		c    lifecycle
	}{
		{"task runner", s.components.Runner},
		{"scheduler", s.components.Scheduler},
		{"API server", s.components.API},
	}
}

// Start starts the task runner, the scheduler and the API server in that order.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("service is already running")
	}

	s.logger.InfoContext(ctx, "starting orchestrator service")

	if !s.disableSignalHandling {
		s.setupSignalHandling()
	}

	components := s.ordered()
	for i, comp := range components {
		if err := comp.c.Start(s.ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				if stopErr := components[j].c.Stop(ctx); stopErr != nil {
					s.logger.ErrorCtx(ctx, "failed to stop component during cleanup", stopErr, "component", components[j].name)
				}
			}
			return fmt.Errorf("failed to start %s: %w", comp.name, err)
		}
		s.logger.InfoContext(ctx, "component started", "component", comp.name)
	}

	s.isRunning = true
	s.logger.InfoContext(ctx, "orchestrator service started")
	return nil
}

func (s *Service) setupSignalHandling() {
	signal.Notify(s.signalChan, syscall.SIGINT, syscall.SIGTERM)

	s.shutdownWg.Add(1)
	go s.handleSignals()
}

func (s *Service) handleSignals() {
	defer s.shutdownWg.Done()

	select {
	case sig, ok := <-s.signalChan:
		if !ok {
			return
		}
		s.logger.Info("received shutdown signal", "signal", sig.String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
		defer cancel()

		if err := s.Stop(shutdownCtx); err != nil {
			s.logger.ErrorCtx(shutdownCtx, "error during graceful shutdown", err)
		}

	case <-s.ctx.Done():
		s.logger.Debug("signal handler exiting due to service context cancellation")
	}
}

func (s *Service) shutdownTimeout() time.Duration {
	if s.config != nil && s.config.Service.ShutdownTimeout > 0 {
		return s.config.Service.ShutdownTimeout
	}
	return 30 * time.Second
}

// WaitForShutdown blocks until a shutdown signal has been handled.
func (s *Service) WaitForShutdown() {
	s.shutdownWg.Wait()
	s.logger.Info("service shutdown complete")
}

// Stop shuts components down in reverse start order, then closes the bus and the database.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		s.logger.Warn("service is not running")
		return nil
	}

	s.logger.InfoContext(ctx, "stopping orchestrator service")

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.shutdownTimeout())
		defer cancel()
	}

	if !s.disableSignalHandling {
		signal.Stop(s.signalChan)
		close(s.signalChan)
	}

	var errs []error
	components := s.ordered()
	for i := len(components) - 1; i >= 0; i-- {
		comp := components[i]
		if err := comp.c.Stop(ctx); err != nil {
			s.logger.ErrorCtx(ctx, "failed to stop component", err, "component", comp.name)
			errs = append(errs, fmt.Errorf("stop %s: %w", comp.name, err))
			continue
		}
		s.logger.InfoContext(ctx, "component stopped", "component", comp.name)
	}

	if err := s.components.EventBus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close event bus: %w", err))
	}
	if err := s.components.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close database store: %w", err))
	}

	s.cancel()
	s.isRunning = false

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("service shutdown completed with errors: %w", err)
	}
	s.logger.InfoContext(ctx, "orchestrator service stopped")
	return nil
}

// Health reports whether the service is running and its database reachable.
func (s *Service) Health(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.isRunning {
		return fmt.Errorf("service is not running")
	}
	if err := s.components.Store.Ping(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// IsRunning returns whether the service is currently running
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
