// Package port reserves non-colliding listen ports within a panel's range.
package port

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	apperrors "github.com/ventupx/wrb-vpn-system/pkg/errors"
	"github.com/ventupx/wrb-vpn-system/pkg/logger"
)

const (
	DefaultMin            = 10000
	DefaultMax            = 65000
	DefaultRandomAttempts = 100

	// conflicting inserts tolerated before giving up on one allocation
	maxReserveConflicts = 3
)

// Store persists each panel's used-port set.
type Store interface {
	UsedPorts(ctx context.Context, panelID uint) (map[int]struct{}, error)
	Reserve(ctx context.Context, panelID uint, port int, nodeID *uint) error
	Release(ctx context.Context, panelID uint, port int) error
}

// Config bounds the candidate range.
type Config struct {
	Min            int
	Max            int
	RandomAttempts int
}

func (c Config) withDefaults() Config {
	if c.Min <= 0 {
		c.Min = DefaultMin
	}
	if c.Max <= 0 {
		c.Max = DefaultMax
	}
	if c.RandomAttempts <= 0 {
		c.RandomAttempts = DefaultRandomAttempts
	}
	return c
}

// Pick chooses a port in [Min, Max] absent from used: random sampling first,
// then a linear scan. It has no side effects.
func Pick(used map[int]struct{}, cfg Config, intN func(n int) int) (int, error) {
	cfg = cfg.withDefaults()
	if intN == nil {
		intN = rand.IntN
	}
	span := cfg.Max - cfg.Min + 1

	for i := 0; i < cfg.RandomAttempts; i++ {
		candidate := cfg.Min + intN(span)
		if _, taken := used[candidate]; !taken {
			return candidate, nil
		}
	}

	for candidate := cfg.Min; candidate <= cfg.Max; candidate++ {
		if _, taken := used[candidate]; !taken {
			return candidate, nil
		}
	}

	return 0, apperrors.NewPortError(apperrors.ErrCodePortsExhausted,
		fmt.Sprintf("all %d ports in [%d, %d] are in use", span, cfg.Min, cfg.Max), false, nil)
}

// Allocator serializes allocation per panel and persists each choice before returning it.
type Allocator struct {
	store  Store
	config Config
	logger *logger.Logger
	locks  *PanelLocks
	intN   func(n int) int
}

// NewAllocator creates a port allocator
func NewAllocator(store Store, config Config, log *logger.Logger) *Allocator {
	return &Allocator{
		store:  store,
		config: config.withDefaults(),
		logger: log.WithComponent("port.allocator"),
		locks:  NewPanelLocks(),
		intN:   rand.IntN,
	}
}

// Allocate reserves a free port on the panel for nodeID (which may be nil).
func (a *Allocator) Allocate(ctx context.Context, panelID uint, nodeID *uint) (int, error) {
	unlock, err := a.locks.Lock(ctx, panelID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	used, err := a.store.UsedPorts(ctx, panelID)
	if err != nil {
		return 0, err
	}

	for conflicts := 0; ; conflicts++ {
		candidate, err := Pick(used, a.config, a.intN)
		if err != nil {
			a.logger.WarnCtx(ctx, "port range exhausted", err, "panel_id", panelID, "used", len(used))
			return 0, err
		}

		err = a.store.Reserve(ctx, panelID, candidate, nodeID)
		if err == nil {
			a.logger.DebugContext(ctx, "port reserved", "panel_id", panelID, "port", candidate)
			return candidate, nil
		}
		if !apperrors.IsErrorCode(err, apperrors.ErrCodePortConflict) || conflicts >= maxReserveConflicts {
			return 0, err
		}
		// someone outside this process took it; treat as used and pick again
		used[candidate] = struct{}{}
	}
}

// Reserve claims a specific port, e.g. one adopted from an existing remote inbound.
func (a *Allocator) Reserve(ctx context.Context, panelID uint, port int, nodeID *uint) error {
	unlock, err := a.locks.Lock(ctx, panelID)
	if err != nil {
		return err
	}
	defer unlock()

	return a.store.Reserve(ctx, panelID, port, nodeID)
}

// Release removes port from the panel's used set.
func (a *Allocator) Release(ctx context.Context, panelID uint, port int) error {
	if port == 0 {
		return nil
	}
	unlock, err := a.locks.Lock(ctx, panelID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := a.store.Release(ctx, panelID, port); err != nil {
		return err
	}
	a.logger.DebugContext(ctx, "port released", "panel_id", panelID, "port", port)
	return nil
}

// PanelLocks is a set of per-panel locks whose acquisition honours context cancellation.
type PanelLocks struct {
	mu    sync.Mutex
	locks map[uint]chan struct{}
}

// NewPanelLocks creates an empty lock set.
func NewPanelLocks() *PanelLocks {
	return &PanelLocks{locks: make(map[uint]chan struct{})}
}

// Lock acquires the panel's lock or fails when ctx ends first.
func (l *PanelLocks) Lock(ctx context.Context, panelID uint) (func(), error) {
	l.mu.Lock()
	ch, ok := l.locks[panelID]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[panelID] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
