// Package health keeps panel records and the used-port sets in line with what the panels report.
package health

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/model"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/panel"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/store"
	"github.com/ventupx/wrb-vpn-system/pkg/events"
	"github.com/ventupx/wrb-vpn-system/pkg/logger"
)

// PanelAPI is the read side of the panel client.
type PanelAPI interface {
	ListInbounds(ctx context.Context, p *model.Panel) ([]panel.Inbound, error)
	ServerStatus(ctx context.Context, p *model.Panel) (*panel.ServerStatus, error)
}

// PanelStore persists sweep results.
type PanelStore interface {
	Get(ctx context.Context, id uint) (*model.Panel, error)
	List(ctx context.Context, f store.PanelFilter) ([]*model.Panel, error)
	RecordSweep(ctx context.Context, id uint, stats store.PanelStats) error
	SetOnline(ctx context.Context, id uint, online bool) error
}

// PortStore rebuilds a panel's used-port set.
type PortStore interface {
	Reconcile(ctx context.Context, panelID uint, observed []int, keepSince time.Time) (added, removed int, err error)
}

// NodeStore reads and writes nodes under check.
type NodeStore interface {
	Save(ctx context.Context, n *model.Node) error
	List(ctx context.Context, f store.NodeFilter) ([]*model.Node, error)
}

// TaskQueue queues node checks and reports the work already pending for a node.
type TaskQueue interface {
	Enqueue(ctx context.Context, task *model.Task) (*model.Task, bool, error)
	ListOpenByNode(ctx context.Context, nodeID uint) ([]*model.Task, error)
}

// Migrator rebinds a node whose inbound is missing.
type Migrator interface {
	Migrate(ctx context.Context, node *model.Node, dest *model.Panel) (*model.Task, error)
}

// Config tunes sweeps.
type Config struct {
	// Concurrency bounds how many panels are swept at once.
	Concurrency int
	// ReservationGrace keeps freshly reserved ports that a provision has not created remotely yet.
	ReservationGrace time.Duration
	// PendingAge is how long a node may stay pending before the periodic check looks at it.
	PendingAge time.Duration
}

// SweepResult summarizes one panel sweep.
type SweepResult struct {
	PanelID      uint
	Inbounds     int
	PortsAdded   int
	PortsRemoved int
}

// Sweeper runs panel sweeps and node checks.
type Sweeper struct {
	panels    PanelAPI
	panelRepo PanelStore
	ports     PortStore
	nodes     NodeStore
	tasks     TaskQueue
	migrator  Migrator
	events    *events.Publisher
	config    Config
	logger    *logger.Logger
	now       func() time.Time
}

// NewSweeper creates a health sweeper
func NewSweeper(panels PanelAPI, panelRepo PanelStore, ports PortStore, nodes NodeStore, tasks TaskQueue,
	migrator Migrator, config Config, pub *events.Publisher, log *logger.Logger) *Sweeper {
	if config.Concurrency <= 0 {
		config.Concurrency = 8
	}
	if config.ReservationGrace <= 0 {
		config.ReservationGrace = 10 * time.Minute
	}
	if config.PendingAge <= 0 {
		config.PendingAge = 10 * time.Minute
	}
	return &Sweeper{
		panels:    panels,
		panelRepo: panelRepo,
		ports:     ports,
		nodes:     nodes,
		tasks:     tasks,
		migrator:  migrator,
		events:    pub,
		config:    config,
		logger:    log.WithComponent("health"),
		now:       time.Now,
	}
}

// SweepPanel lists the panel's inbounds, records the inbound count and server usage, and
// reconciles the used-port set with the observed ports. A panel that cannot be listed is marked offline.
func (s *Sweeper) SweepPanel(ctx context.Context, p *model.Panel) (*SweepResult, error) {
	ctx = logger.WithPanelID(ctx, p.ID)
	wasOnline := p.IsOnline

	inbounds, err := s.panels.ListInbounds(ctx, p)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.WarnCtx(ctx, "panel sweep failed", err, "address", p.Address)
		if setErr := s.panelRepo.SetOnline(ctx, p.ID, false); setErr != nil {
			s.logger.ErrorCtx(ctx, "failed to mark panel offline", setErr)
		}
		// the session layer announces panels it marks offline itself
		if wasOnline && p.IsOnline {
			s.events.PanelOnlineChanged(ctx, p.ID, false, err.Error())
		}
		p.IsOnline = false
		return nil, err
	}

	stats := store.PanelStats{NodesCount: len(inbounds)}
	if status, err := s.panels.ServerStatus(ctx, p); err != nil {
		s.logger.WarnCtx(ctx, "server status unavailable", err)
	} else {
		stats.XrayVersion = status.Xray.Version
		stats.CPUUsage = status.CPU
		stats.MemUsage = status.Mem.Percent()
		stats.DiskUsage = status.Disk.Percent()
	}

	observed := make([]int, 0, len(inbounds))
	for _, in := range inbounds {
		observed = append(observed, in.Port)
	}
	added, removed, err := s.ports.Reconcile(ctx, p.ID, observed, s.now().Add(-s.config.ReservationGrace))
	if err != nil {
		return nil, err
	}

	if err := s.panelRepo.RecordSweep(ctx, p.ID, stats); err != nil {
		return nil, err
	}
	p.IsOnline = true
	p.NodesCount = stats.NodesCount
	if stats.XrayVersion != "" {
		p.XrayVersion = stats.XrayVersion
	}

	if !wasOnline {
		s.events.PanelOnlineChanged(ctx, p.ID, true, "sweep succeeded")
	}
	s.events.PanelSwept(ctx, p.ID, stats.NodesCount, added, removed)
	s.logger.DebugContext(ctx, "panel swept", "inbounds", len(inbounds), "ports_added", added, "ports_removed", removed)

	return &SweepResult{PanelID: p.ID, Inbounds: len(inbounds), PortsAdded: added, PortsRemoved: removed}, nil
}

// SweepAll sweeps every active panel with bounded concurrency. One panel failing does not stop the others.
func (s *Sweeper) SweepAll(ctx context.Context) (swept, failed int, err error) {
	panels, err := s.panelRepo.List(ctx, store.PanelFilter{ActiveOnly: true})
	if err != nil {
		return 0, 0, err
	}

	var ok, bad atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)
	for _, p := range panels {
		g.Go(func() error {
			if _, err := s.SweepPanel(gctx, p); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				bad.Add(1)
				return nil
			}
			ok.Add(1)
			return nil
		})
	}
	err = g.Wait()

	s.logger.InfoContext(ctx, "health sweep finished", "panels", len(panels), "swept", ok.Load(), "failed", bad.Load())
	return int(ok.Load()), int(bad.Load()), err
}

// CheckNode reconciles a node that is not active with its panel: an inbound on the node's port is
// adopted and the node marked active; otherwise the node is migrated onto the same panel.
// It runs as the node's check task and does nothing while another unit owns the node.
func (s *Sweeper) CheckNode(ctx context.Context, node *model.Node) error {
	if node.Status != model.NodeStatusPending && node.Status != model.NodeStatusInactive {
		return nil
	}
	ctx = logger.WithNodeID(ctx, node.ID)

	busy, err := s.busy(ctx, node.ID, model.TaskCheck)
	if err != nil {
		return err
	}
	if busy {
		s.logger.DebugContext(ctx, "node has work in flight, skipping check")
		return nil
	}

	p, err := s.panelRepo.Get(ctx, node.PanelID)
	if err != nil {
		return err
	}
	inbounds, err := s.panels.ListInbounds(ctx, p)
	if err != nil {
		return err
	}

	if node.Port != 0 {
		for _, in := range inbounds {
			if in.Port != node.Port {
				continue
			}
			previous := node.Status
			node.PanelNodeID = in.ID
			node.Status = model.NodeStatusActive
			node.LastError = ""
			if err := s.nodes.Save(ctx, node); err != nil {
				return err
			}
			s.logger.InfoContext(ctx, "found node inbound on panel, marking active", "inbound_id", in.ID, "port", in.Port)
			s.events.NodeStatusChanged(ctx, node.ID, p.ID, string(previous), string(node.Status), "inbound found by check")
			return nil
		}
	}

	// whatever id we held no longer exists remotely
	node.PanelNodeID = 0
	task, err := s.migrator.Migrate(ctx, node, p)
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "node inbound missing, re-provisioning on the same panel", "task_id", task.ID)
	return nil
}

// busy reports whether the node has a queued or running task of a kind other than except.
func (s *Sweeper) busy(ctx context.Context, nodeID uint, except model.TaskKind) (bool, error) {
	open, err := s.tasks.ListOpenByNode(ctx, nodeID)
	if err != nil {
		return false, err
	}
	for _, t := range open {
		if t.Kind != except {
			return true, nil
		}
	}
	return false, nil
}

// CheckPending queues a check for every node that has been pending for longer than the configured
// age and has no other work queued or running.
func (s *Sweeper) CheckPending(ctx context.Context) (queued int, err error) {
	nodes, err := s.nodes.List(ctx, store.NodeFilter{Statuses: []model.NodeStatus{model.NodeStatusPending}})
	if err != nil {
		return 0, err
	}

	cutoff := s.now().Add(-s.config.PendingAge)
	for _, node := range nodes {
		if ctx.Err() != nil {
			return queued, ctx.Err()
		}
		if node.UpdatedAt.After(cutoff) {
			continue
		}
		busy, err := s.busy(ctx, node.ID, "")
		if err != nil {
			s.logger.WarnCtx(ctx, "pending node lookup failed", err, "node_id", node.ID)
			continue
		}
		if busy {
			continue
		}
		if _, _, err := s.tasks.Enqueue(ctx, &model.Task{NodeID: node.ID, Kind: model.TaskCheck}); err != nil {
			s.logger.WarnCtx(ctx, "failed to queue pending node check", err, "node_id", node.ID)
			continue
		}
		queued++
	}
	return queued, nil
}
