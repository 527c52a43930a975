package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/model"
	apperrors "github.com/ventupx/wrb-vpn-system/pkg/errors"
)

// NodeStore loads the node a task works on.
type NodeStore interface {
	Get(ctx context.Context, id uint) (*model.Node, error)
}

// PanelStore loads a node's panel.
type PanelStore interface {
	Get(ctx context.Context, id uint) (*model.Panel, error)
}

// Provisioner runs provisioning with failover.
type Provisioner interface {
	Run(ctx context.Context, node *model.Node) error
}

// Migrator finishes a queued migration.
type Migrator interface {
	Complete(ctx context.Context, task *model.Task, node *model.Node) error
}

// Renewer extends a node on its panel.
type Renewer interface {
	Renew(ctx context.Context, node *model.Node, p *model.Panel, until time.Time) error
}

// Checker reconciles one node with its panel.
type Checker interface {
	CheckNode(ctx context.Context, node *model.Node) error
}

// Binder binds a node to the transit service with an explicit account and device-group pair.
type Binder interface {
	BindWith(ctx context.Context, node *model.Node, accountID *uint, inboundGroup, outboundGroup int) (string, error)
}

// Handlers binds every task kind to the engine component that executes it.
type Handlers struct {
	Nodes       NodeStore
	Panels      PanelStore
	Provisioner Provisioner
	Migrator    Migrator
	Renewer     Renewer
	Checker     Checker
	Binder      Binder
}

// Register installs the handlers on r.
func (h Handlers) Register(r *Runner) {
	r.Handle(model.TaskProvision, h.provision)
	r.Handle(model.TaskMigrate, h.migrate)
	r.Handle(model.TaskRenew, h.renew)
	r.Handle(model.TaskCheck, h.check)
	if h.Binder != nil {
		r.Handle(model.TaskBindUDP, h.bindUDP)
	}
}

func (h Handlers) load(ctx context.Context, task *model.Task) (*model.Node, error) {
	node, err := h.Nodes.Get(ctx, task.NodeID)
	if err != nil {
		return nil, err
	}
	if node.Status == model.NodeStatusDeleted {
		return nil, apperrors.NewTaskError(apperrors.ErrCodeNodeState,
			fmt.Sprintf("node %d was deleted before its %s task ran", node.ID, task.Kind), false, nil)
	}
	return node, nil
}

func (h Handlers) provision(ctx context.Context, task *model.Task) error {
	node, err := h.load(ctx, task)
	if err != nil {
		return err
	}
	return h.Provisioner.Run(ctx, node)
}

func (h Handlers) migrate(ctx context.Context, task *model.Task) error {
	node, err := h.load(ctx, task)
	if err != nil {
		return err
	}
	return h.Migrator.Complete(ctx, task, node)
}

// renew replays the stored payload with the expiry already written on the node.
func (h Handlers) renew(ctx context.Context, task *model.Task) error {
	node, err := h.load(ctx, task)
	if err != nil {
		return err
	}
	p, err := h.Panels.Get(ctx, node.PanelID)
	if err != nil {
		return err
	}
	return h.Renewer.Renew(ctx, node, p, node.ExpiryTime)
}

func (h Handlers) check(ctx context.Context, task *model.Task) error {
	node, err := h.load(ctx, task)
	if err != nil {
		return err
	}
	return h.Checker.CheckNode(ctx, node)
}

// bindUDP enables or moves the UDP forwarding of a serving node.
func (h Handlers) bindUDP(ctx context.Context, task *model.Task) error {
	node, err := h.load(ctx, task)
	if err != nil {
		return err
	}
	if !node.IsProvisioned() {
		return apperrors.NewTaskError(apperrors.ErrCodeNodeState,
			fmt.Sprintf("node %d is %s, udp needs a serving node", node.ID, node.Status), false, nil)
	}
	_, err = h.Binder.BindWith(ctx, node, task.AccountID, task.InboundGroupID, task.OutboundGroupID)
	return err
}
