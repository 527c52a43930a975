// Package migration rebinds nodes to another panel and finishes the move in the background.
package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/model"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/payload"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/provisioner"
	apperrors "github.com/ventupx/wrb-vpn-system/pkg/errors"
	"github.com/ventupx/wrb-vpn-system/pkg/events"
	"github.com/ventupx/wrb-vpn-system/pkg/logger"
)

// PanelStore resolves panels.
type PanelStore interface {
	Get(ctx context.Context, id uint) (*model.Panel, error)
}

// NodeStore reads and writes nodes.
type NodeStore interface {
	Save(ctx context.Context, n *model.Node) error
	ListByOrder(ctx context.Context, orderID uint) ([]*model.Node, error)
}

// Ports reserves and frees panel ports.
type Ports interface {
	Allocate(ctx context.Context, panelID uint, nodeID *uint) (int, error)
	Release(ctx context.Context, panelID uint, port int) error
}

// TaskQueue accepts durable work.
type TaskQueue interface {
	Enqueue(ctx context.Context, task *model.Task) (*model.Task, bool, error)
}

// Provisioning is what finishing a migration drives.
type Provisioning interface {
	OutboundTags(ctx context.Context, p *model.Panel) ([]string, error)
	Deprovision(ctx context.Context, p *model.Panel, inboundID, port int) error
}

// Runner provisions a node with failover.
type Runner interface {
	Run(ctx context.Context, node *model.Node) error
}

// Migrator moves nodes between panels.
type Migrator struct {
	panels  PanelStore
	nodes   NodeStore
	ports   Ports
	tasks   TaskQueue
	prov    Provisioning
	runner  Runner
	builder *payload.Builder
	events  *events.Publisher
	logger  *logger.Logger

	mu       sync.Mutex
	tagIndex map[uint]int
}

// NewMigrator creates a node migrator
func NewMigrator(panels PanelStore, nodes NodeStore, ports Ports, tasks TaskQueue, prov Provisioning, runner Runner,
	builder *payload.Builder, pub *events.Publisher, log *logger.Logger) *Migrator {
	if builder == nil {
		builder = payload.NewBuilder()
	}
	return &Migrator{
		panels:   panels,
		nodes:    nodes,
		ports:    ports,
		tasks:    tasks,
		prov:     prov,
		runner:   runner,
		builder:  builder,
		events:   pub,
		logger:   log.WithComponent("migration"),
		tagIndex: make(map[uint]int),
	}
}

// Migrate rebinds node to dest and queues the remote work. On return the node is pending on dest
// with a fresh port and payload; the inbound is created by the queued task.
func (m *Migrator) Migrate(ctx context.Context, node *model.Node, dest *model.Panel) (*model.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if node.Status == model.NodeStatusDeleted {
		return nil, apperrors.NewNodeError(apperrors.ErrCodeNodeState,
			fmt.Sprintf("node %d is deleted", node.ID), false, nil).WithMetadata("node_id", node.ID)
	}
	if !dest.IsActive || !dest.PanelType.Valid() {
		return nil, apperrors.NewPanelError(apperrors.ErrCodeValidation,
			fmt.Sprintf("panel %d cannot receive nodes", dest.ID), false, nil).WithMetadata("panel_id", dest.ID)
	}

	ctx = logger.WithPanelID(logger.WithNodeID(ctx, node.ID), dest.ID)
	op := m.logger.StartOp(ctx, "migrate_node", "from_panel", node.PanelID, "to_panel", dest.ID)

	origin := model.Task{
		NodeID:          node.ID,
		Kind:            model.TaskMigrate,
		OriginPanelID:   node.PanelID,
		OriginInboundID: node.PanelNodeID,
		OriginPort:      node.Port,
	}

	newPort, err := m.ports.Allocate(ctx, dest.ID, &node.ID)
	if err != nil {
		op.Fail(err, "port allocation failed")
		return nil, err
	}
	releaseNew := func() {
		if err := m.ports.Release(ctx, dest.ID, newPort); err != nil {
			m.logger.ErrorCtx(ctx, "failed to release destination port", err, "port", newPort)
		}
	}

	tag := ""
	if dest.PanelType == model.PanelTypeB {
		tag = m.outboundTag(ctx, dest)
	}

	built, err := m.builder.Build(payload.Params{
		Protocol:    node.Protocol,
		PanelType:   dest.PanelType,
		XrayVersion: dest.XrayVersion,
		Remark:      node.Remark,
		Port:        newPort,
		ExpiryTime:  node.ExpiryTime,
		Password:    node.NodePassword,
		Username:    node.NodeUser,
	})
	if err != nil {
		releaseNew()
		op.Fail(err, "payload build failed")
		return nil, err
	}

	previous := node.Status
	provisioner.ApplyIdentity(node, built)
	node.PanelID = dest.ID
	node.HostConfig = model.HostConfig{ID: dest.ID, PanelType: dest.PanelType, OutboundTag: tag}
	node.Host = dest.Hostname()
	node.Port = newPort
	node.PanelNodeID = 0
	node.Status = model.NodeStatusPending
	node.RoutingIncomplete = false
	node.LastError = ""
	if err := m.nodes.Save(ctx, node); err != nil {
		releaseNew()
		op.Fail(err, "failed to persist new binding")
		return nil, err
	}

	// nothing remote holds a port that never got an inbound
	if origin.OriginInboundID == 0 && origin.OriginPort != 0 {
		if err := m.ports.Release(ctx, origin.OriginPanelID, origin.OriginPort); err != nil {
			m.logger.ErrorCtx(ctx, "failed to release origin port", err, "port", origin.OriginPort)
		}
		origin.OriginPort = 0
	}

	task, created, err := m.tasks.Enqueue(ctx, &origin)
	if err != nil {
		op.Fail(err, "failed to queue migration")
		return nil, err
	}
	if !created {
		op.Progress("migration already queued", "task_id", task.ID)
	}

	op.Complete("node rebound", "port", newPort, "outbound_tag", tag, "task_id", task.ID)
	m.events.NodeMigrating(ctx, node.ID, origin.OriginPanelID, dest.ID, newPort)
	m.events.NodeStatusChanged(ctx, node.ID, dest.ID, string(previous), string(node.Status), "migrating")
	return task, nil
}

// outboundTag round-robins the destination's routable tags across migrations onto it.
func (m *Migrator) outboundTag(ctx context.Context, dest *model.Panel) string {
	tags, err := m.prov.OutboundTags(ctx, dest)
	if err != nil {
		m.logger.WarnCtx(ctx, "could not read destination outbounds, provisioning will pick one", err)
		return ""
	}

	m.mu.Lock()
	index, seen := m.tagIndex[dest.ID]
	if !seen {
		index = dest.NodesCount
	}
	m.tagIndex[dest.ID] = index + 1
	m.mu.Unlock()

	return provisioner.PickOutboundTag(tags, index)
}

// MigrateOrder migrates every live node of an order to dest. It stops early when ctx ends and
// reports every per-node failure.
func (m *Migrator) MigrateOrder(ctx context.Context, orderID uint, dest *model.Panel) ([]*model.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx = logger.WithOrderID(ctx, orderID)
	nodes, err := m.nodes.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, apperrors.NewNodeError(apperrors.ErrCodeOrderNotFound,
			fmt.Sprintf("order %d has no nodes", orderID), false, nil).WithMetadata("order_id", orderID)
	}

	var (
		tasks []*model.Task
		errs  []error
	)
	for _, node := range nodes {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		task, err := m.Migrate(ctx, node, dest)
		if err != nil {
			errs = append(errs, fmt.Errorf("node %d: %w", node.ID, err))
			continue
		}
		tasks = append(tasks, task)
	}

	m.logger.InfoContext(ctx, "order migration queued", "panel_id", dest.ID, "nodes", len(nodes), "queued", len(tasks))
	return tasks, errors.Join(errs...)
}

// Complete runs a queued migration: provision on the new binding, then remove the origin inbound
// and free the origin port. Origin cleanup runs whatever the provisioning outcome, unless ctx ended.
func (m *Migrator) Complete(ctx context.Context, task *model.Task, node *model.Node) error {
	runErr := m.runner.Run(ctx, node)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if task.OriginPanelID != 0 {
		m.cleanupOrigin(ctx, task, node)
	}
	return runErr
}

func (m *Migrator) cleanupOrigin(ctx context.Context, task *model.Task, node *model.Node) {
	origin, err := m.panels.Get(ctx, task.OriginPanelID)
	if err != nil {
		m.logger.WarnCtx(ctx, "origin panel gone, skipping cleanup", err, "panel_id", task.OriginPanelID)
		return
	}

	if task.OriginInboundID != 0 {
		if err := m.prov.Deprovision(ctx, origin, task.OriginInboundID, task.OriginPort); err != nil {
			m.logger.WarnCtx(ctx, "origin inbound left behind", err,
				"panel_id", origin.ID, "inbound_id", task.OriginInboundID)
		}
	}

	if task.OriginPort == 0 || (origin.ID == node.PanelID && task.OriginPort == node.Port) {
		return
	}
	if err := m.ports.Release(ctx, origin.ID, task.OriginPort); err != nil {
		m.logger.ErrorCtx(ctx, "failed to release origin port", err, "panel_id", origin.ID, "port", task.OriginPort)
	}
}
