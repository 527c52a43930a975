// Package fulfillment turns paid orders into pending nodes and drives renewal and deletion.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/model"
	apperrors "github.com/ventupx/wrb-vpn-system/pkg/errors"
	"github.com/ventupx/wrb-vpn-system/pkg/events"
	"github.com/ventupx/wrb-vpn-system/pkg/logger"
)

// OrderStore reads orders and records their outcome.
type OrderStore interface {
	Get(ctx context.Context, id uint) (*model.Order, error)
	SetStatus(ctx context.Context, id uint, status model.OrderStatus) error
}

// PanelStore picks panels for new nodes.
type PanelStore interface {
	Get(ctx context.Context, id uint) (*model.Panel, error)
	ListEligible(ctx context.Context, country string, panelType model.PanelType, excludeID uint) ([]*model.Panel, error)
}

// NodeStore persists nodes.
type NodeStore interface {
	Create(ctx context.Context, n *model.Node) error
	Get(ctx context.Context, id uint) (*model.Node, error)
	Save(ctx context.Context, n *model.Node) error
	ListByOrder(ctx context.Context, orderID uint) ([]*model.Node, error)
}

// TaskQueue accepts durable work and reports what is pending for a node.
type TaskQueue interface {
	Enqueue(ctx context.Context, task *model.Task) (*model.Task, bool, error)
	ListOpenByNode(ctx context.Context, nodeID uint) ([]*model.Task, error)
}

// Deprovisioner removes a remote inbound.
type Deprovisioner interface {
	Deprovision(ctx context.Context, p *model.Panel, inboundID, port int) error
}

// PortReleaser frees a panel port.
type PortReleaser interface {
	Release(ctx context.Context, panelID uint, port int) error
}

// Unbinder removes a node's UDP forwarding rule.
type Unbinder interface {
	Unbind(ctx context.Context, node *model.Node) error
}

// Dependencies groups the collaborators of a Service.
type Dependencies struct {
	Orders  OrderStore
	Panels  PanelStore
	Nodes   NodeStore
	Tasks   TaskQueue
	Remote  Deprovisioner
	Ports   PortReleaser
	Transit Unbinder
	Events  *events.Publisher
}

// Result reports what Fulfill queued.
type Result struct {
	OrderID uint
	Status  model.OrderStatus
	Nodes   []*model.Node
	Tasks   []*model.Task
	// Failed counts nodes that could not be created or queued.
	Failed int
}

// Service implements order fulfillment.
type Service struct {
	deps   Dependencies
	logger *logger.Logger
	now    func() time.Time
}

// NewService creates a fulfillment service
func NewService(deps Dependencies, log *logger.Logger) *Service {
	return &Service{deps: deps, logger: log.WithComponent("fulfillment"), now: time.Now}
}

// Fulfill creates the order's missing nodes as pending, spread round-robin over the eligible
// panels starting with the least loaded, and queues a provision task for every pending node.
// Calling it again tops up a partially fulfilled order and re-queues nodes still pending.
func (s *Service) Fulfill(ctx context.Context, orderID uint) (*Result, error) {
	ctx = logger.WithOrderID(ctx, orderID)

	order, err := s.deps.Orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.NodeCount <= 0 || !order.Protocol.Valid() || !order.PanelType.Valid() {
		return nil, apperrors.NewNodeError(apperrors.ErrCodeValidation,
			fmt.Sprintf("order %d is not fulfillable", order.ID), false, nil).
			WithMetadata("node_count", order.NodeCount).
			WithMetadata("protocol", order.Protocol)
	}

	op := s.logger.StartOp(ctx, "fulfill_order", "node_count", order.NodeCount, "country", order.Country)

	existing, err := s.deps.Nodes.ListByOrder(ctx, order.ID)
	if err != nil {
		op.Fail(err, "failed to list order nodes")
		return nil, err
	}

	res := &Result{OrderID: order.ID}
	var errs []error

	missing := order.NodeCount - len(existing)
	if missing > 0 {
		panels, err := s.deps.Panels.ListEligible(ctx, order.Country, order.PanelType, 0)
		if err != nil {
			op.Fail(err, "failed to list eligible panels")
			return nil, err
		}
		if len(panels) == 0 {
			err := apperrors.NewPanelError(apperrors.ErrCodeNoAlternatePanel,
				fmt.Sprintf("no online %s panel in %q", order.PanelType, order.Country), false, nil).
				WithMetadata("order_id", order.ID)
			s.setStatus(ctx, order, model.OrderStatusFailed)
			op.Fail(err, "no eligible panel")
			return nil, err
		}

		for i := 0; i < missing; i++ {
			p := panels[i%len(panels)]
			node := s.newNode(order, p, len(existing)+i+1)
			if err := s.deps.Nodes.Create(ctx, node); err != nil {
				errs = append(errs, fmt.Errorf("create node %d/%d: %w", len(existing)+i+1, order.NodeCount, err))
				res.Failed++
				continue
			}
			existing = append(existing, node)
		}
	}

	for _, node := range existing {
		if node.Status != model.NodeStatusPending {
			res.Nodes = append(res.Nodes, node)
			continue
		}
		task, _, err := s.deps.Tasks.Enqueue(ctx, &model.Task{NodeID: node.ID, Kind: model.TaskProvision})
		if err != nil {
			errs = append(errs, fmt.Errorf("queue node %d: %w", node.ID, err))
			res.Failed++
			continue
		}
		res.Nodes = append(res.Nodes, node)
		res.Tasks = append(res.Tasks, task)
	}

	switch {
	case res.Failed == 0:
		res.Status = model.OrderStatusFulfilled
	case len(res.Nodes) > 0:
		res.Status = model.OrderStatusPartial
	default:
		res.Status = model.OrderStatusFailed
	}
	s.setStatus(ctx, order, res.Status)

	if err := errors.Join(errs...); err != nil {
		shortfall := apperrors.NewNodeError(apperrors.ErrCodeOrderShortfall,
			fmt.Sprintf("order %d: %d of %d nodes not queued", order.ID, res.Failed, order.NodeCount), false, err).
			WithMetadata("order_id", order.ID)
		op.Fail(shortfall, "order partially fulfilled", "status", res.Status)
		return res, shortfall
	}

	op.Complete("order queued", "nodes", len(res.Nodes), "tasks", len(res.Tasks))
	return res, nil
}

func (s *Service) newNode(order *model.Order, p *model.Panel, seq int) *model.Node {
	ref := order.OutTradeNo
	if ref == "" {
		ref = fmt.Sprintf("order%d", order.ID)
	}
	return &model.Node{
		OrderID:    order.ID,
		UserID:     order.UserID,
		Remark:     fmt.Sprintf("%s-%d", ref, seq),
		Protocol:   order.Protocol,
		PanelID:    p.ID,
		HostConfig: model.HostConfig{ID: p.ID, PanelType: p.PanelType},
		Host:       p.Hostname(),
		Status:     model.NodeStatusPending,
		ExpiryTime: s.now().AddDate(0, 0, order.PeriodDays),
		UDP:        order.UDP,
	}
}

func (s *Service) setStatus(ctx context.Context, order *model.Order, status model.OrderStatus) {
	if err := s.deps.Orders.SetStatus(ctx, order.ID, status); err != nil {
		s.logger.ErrorCtx(ctx, "failed to record order status", err, "status", status)
		return
	}
	order.Status = status
}

// Renew records the new expiry on the node and queues the remote update.
func (s *Service) Renew(ctx context.Context, nodeID uint, until time.Time) (*model.Task, error) {
	ctx = logger.WithNodeID(ctx, nodeID)
	if until.IsZero() || !until.After(s.now()) {
		return nil, apperrors.NewNodeError(apperrors.ErrCodeValidation,
			"expiry must be in the future", false, nil).WithMetadata("expiry_time", until)
	}

	node, err := s.deps.Nodes.Get(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if node.Status == model.NodeStatusDeleted {
		return nil, apperrors.NewNodeError(apperrors.ErrCodeNodeState,
			fmt.Sprintf("node %d is deleted", node.ID), false, nil)
	}

	node.ExpiryTime = until
	if err := s.deps.Nodes.Save(ctx, node); err != nil {
		return nil, err
	}
	task, _, err := s.deps.Tasks.Enqueue(ctx, &model.Task{NodeID: node.ID, Kind: model.TaskRenew})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "renewal queued", "until", until, "task_id", task.ID)
	return task, nil
}

// Delete removes the node's remote inbound, frees its port and UDP rule, and marks it deleted.
// A panel that cannot be reached leaves the node untouched so the call can be repeated.
// A node with a unit running on it is refused; queued units drop deleted nodes when they start.
func (s *Service) Delete(ctx context.Context, nodeID uint) (*model.Node, error) {
	ctx = logger.WithNodeID(ctx, nodeID)

	node, err := s.deps.Nodes.Get(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if node.Status == model.NodeStatusDeleted {
		return node, nil
	}
	if err := s.ensureIdle(ctx, node.ID); err != nil {
		return nil, err
	}

	p, err := s.deps.Panels.Get(ctx, node.PanelID)
	switch {
	case apperrors.IsErrorCode(err, apperrors.ErrCodePanelNotFound):
		s.logger.WarnCtx(ctx, "panel gone, deleting node locally", err, "panel_id", node.PanelID)
	case err != nil:
		return nil, err
	default:
		if err := s.deps.Remote.Deprovision(ctx, p, node.PanelNodeID, node.Port); err != nil {
			return nil, err
		}
		if node.Port != 0 {
			if err := s.deps.Ports.Release(ctx, p.ID, node.Port); err != nil {
				s.logger.ErrorCtx(ctx, "failed to release node port", err, "port", node.Port)
			}
		}
	}

	if node.UDPBinding != nil || node.UDPHost != "" {
		if err := s.deps.Transit.Unbind(ctx, node); err != nil {
			s.logger.WarnCtx(ctx, "udp rule left behind", err)
		}
	}

	previous := node.Status
	node.Status = model.NodeStatusDeleted
	node.PanelNodeID = 0
	if err := s.deps.Nodes.Save(ctx, node); err != nil {
		return nil, err
	}
	s.deps.Events.NodeStatusChanged(ctx, node.ID, node.PanelID, string(previous), string(node.Status), "deleted")
	s.logger.InfoContext(ctx, "node deleted", "panel_id", node.PanelID, "port", node.Port)
	return node, nil
}

func (s *Service) ensureIdle(ctx context.Context, nodeID uint) error {
	open, err := s.deps.Tasks.ListOpenByNode(ctx, nodeID)
	if err != nil {
		return err
	}
	now := s.now()
	for _, t := range open {
		if t.Status == model.TaskRunning && t.LeaseUntil != nil && t.LeaseUntil.After(now) {
			return apperrors.NewNodeError(apperrors.ErrCodeNodeState,
				fmt.Sprintf("node %d has a %s task running", nodeID, t.Kind), true, nil).
				WithMetadata("task_id", t.ID)
		}
	}
	return nil
}
