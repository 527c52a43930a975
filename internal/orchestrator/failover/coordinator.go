// Package failover moves a node whose provisioning failed transiently onto another panel.
package failover

import (
	"context"
	"fmt"

	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/model"
	apperrors "github.com/ventupx/wrb-vpn-system/pkg/errors"
	"github.com/ventupx/wrb-vpn-system/pkg/events"
	"github.com/ventupx/wrb-vpn-system/pkg/logger"
)

// Provisioner provisions a node on one panel.
type Provisioner interface {
	Provision(ctx context.Context, node *model.Node, p *model.Panel) error
}

// PanelStore finds panels.
type PanelStore interface {
	Get(ctx context.Context, id uint) (*model.Panel, error)
	ListEligible(ctx context.Context, country string, panelType model.PanelType, excludeID uint) ([]*model.Panel, error)
}

// NodeStore persists nodes.
type NodeStore interface {
	Save(ctx context.Context, n *model.Node) error
}

// RefundStore records nodes that could not be provisioned anywhere.
type RefundStore interface {
	AddRefund(ctx context.Context, refund *model.Refund) (bool, error)
}

// PortReleaser frees a port on a panel.
type PortReleaser interface {
	Release(ctx context.Context, panelID uint, port int) error
}

// Coordinator runs provisioning with failover to alternate panels.
type Coordinator struct {
	provisioner Provisioner
	panels      PanelStore
	nodes       NodeStore
	refunds     RefundStore
	ports       PortReleaser
	events      *events.Publisher
	logger      *logger.Logger
}

// NewCoordinator creates a failover coordinator
func NewCoordinator(prov Provisioner, panels PanelStore, nodes NodeStore, refunds RefundStore, ports PortReleaser, pub *events.Publisher, log *logger.Logger) *Coordinator {
	return &Coordinator{
		provisioner: prov,
		panels:      panels,
		nodes:       nodes,
		refunds:     refunds,
		ports:       ports,
		events:      pub,
		logger:      log.WithComponent("failover"),
	}
}

// Run provisions node on its bound panel. A retryable failure moves the node to the least loaded
// online panel of the same country and type that has not been tried yet; when none is left the
// node is marked inactive and a refund is recorded. A non-retryable failure marks the node
// inactive without a refund. Cancellation leaves the node untouched for a later retry.
func (c *Coordinator) Run(ctx context.Context, node *model.Node) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx = logger.WithNodeID(ctx, node.ID)

	p, err := c.panels.Get(ctx, node.PanelID)
	if err != nil {
		if !apperrors.IsErrorCode(err, apperrors.ErrCodePanelNotFound) {
			return err
		}
		return c.giveUp(ctx, node, err)
	}

	tried := map[uint]bool{}
	for {
		err := c.provisioner.Provision(ctx, node, p)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		tried[p.ID] = true

		if !apperrors.IsRetryable(err) {
			return c.giveUp(ctx, node, err)
		}

		alt, selErr := c.SelectAlternate(ctx, p, tried)
		if selErr != nil {
			return selErr
		}
		if alt == nil {
			noAlt := apperrors.NewNodeError(apperrors.ErrCodeNoAlternatePanel,
				fmt.Sprintf("no alternate %s panel in %s for node %d", p.PanelType, p.Country, node.ID), false, err).
				WithMetadata("node_id", node.ID).
				WithMetadata("panel_id", p.ID)
			c.giveUp(ctx, node, noAlt)
			c.refund(ctx, node, noAlt)
			return noAlt
		}

		if err := c.rebind(ctx, node, p, alt); err != nil {
			return err
		}
		p = alt
	}
}

// SelectAlternate returns the first eligible panel for failed's country and type, ordered by
// node count then id, skipping failed and every panel in tried. It returns nil when none is left.
func (c *Coordinator) SelectAlternate(ctx context.Context, failed *model.Panel, tried map[uint]bool) (*model.Panel, error) {
	candidates, err := c.panels.ListEligible(ctx, failed.Country, failed.PanelType, failed.ID)
	if err != nil {
		return nil, err
	}
	for _, candidate := range candidates {
		if !tried[candidate.ID] {
			return candidate, nil
		}
	}
	return nil, nil
}

// rebind frees the node's port on from and points it at to with a fresh payload.
func (c *Coordinator) rebind(ctx context.Context, node *model.Node, from, to *model.Panel) error {
	if node.Port != 0 && node.PanelID == from.ID {
		if err := c.ports.Release(ctx, from.ID, node.Port); err != nil {
			c.logger.ErrorCtx(ctx, "failed to release port on failed panel", err, "panel_id", from.ID, "port", node.Port)
		}
	}

	node.PanelID = to.ID
	node.HostConfig = model.HostConfig{ID: to.ID, PanelType: to.PanelType}
	node.Host = to.Hostname()
	node.Port = 0
	node.PanelNodeID = 0
	node.ConfigText = ""
	node.RoutingIncomplete = false
	if err := c.nodes.Save(ctx, node); err != nil {
		return err
	}

	c.logger.InfoContext(ctx, "failing over to alternate panel", "from_panel", from.ID, "to_panel", to.ID,
		"to_nodes_count", to.NodesCount)
	c.events.NodeMigrating(ctx, node.ID, from.ID, to.ID, 0)
	return nil
}

func (c *Coordinator) giveUp(ctx context.Context, node *model.Node, cause error) error {
	previous := node.Status
	node.Status = model.NodeStatusInactive
	node.LastError = cause.Error()
	if err := c.nodes.Save(ctx, node); err != nil {
		c.logger.ErrorCtx(ctx, "failed to mark node inactive", err)
		return err
	}

	c.logger.ErrorCtx(ctx, "node provisioning abandoned", cause)
	c.events.NodeStatusChanged(ctx, node.ID, node.PanelID, string(previous), string(node.Status), cause.Error())
	return cause
}

func (c *Coordinator) refund(ctx context.Context, node *model.Node, cause error) {
	created, err := c.refunds.AddRefund(ctx, &model.Refund{
		OrderID: node.OrderID,
		NodeID:  node.ID,
		UserID:  node.UserID,
		Reason:  cause.Error(),
	})
	if err != nil {
		c.logger.ErrorCtx(ctx, "failed to record refund", err, "order_id", node.OrderID)
		return
	}
	if created {
		c.events.RefundRequested(ctx, node.OrderID, node.ID, node.UserID, cause.Error())
	}
}
