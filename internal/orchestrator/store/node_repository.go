package store

import (
	"context"
	"fmt"

	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/db"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/model"
	apperrors "github.com/ventupx/wrb-vpn-system/pkg/errors"
)

// NodeFilter narrows node listings.
type NodeFilter struct {
	OrderID  uint
	PanelID  uint
	UserID   uint
	Statuses []model.NodeStatus
	Limit    int
}

// NodeRepository persists nodes.
type NodeRepository struct {
	store *db.Store
}

// NewNodeRepository creates a new node repository
func NewNodeRepository(s *db.Store) *NodeRepository {
	return &NodeRepository{store: s}
}

func (r *NodeRepository) Create(ctx context.Context, n *model.Node) error {
	if n.Status == "" {
		n.Status = model.NodeStatusPending
	}
	if err := r.store.DB(ctx).Create(n).Error; err != nil {
		return dbError("create node", err)
	}
	return nil
}

func (r *NodeRepository) Get(ctx context.Context, id uint) (*model.Node, error) {
	var n model.Node
	if err := r.store.DB(ctx).First(&n, id).Error; err != nil {
		if isNotFound(err) {
			return nil, apperrors.NewNodeError(apperrors.ErrCodeNodeNotFound,
				fmt.Sprintf("node %d not found", id), false, err)
		}
		return nil, dbError("get node", err)
	}
	return &n, nil
}

// Save writes every column of n in one update.
func (r *NodeRepository) Save(ctx context.Context, n *model.Node) error {
	if err := r.store.DB(ctx).Save(n).Error; err != nil {
		return dbError("save node", err)
	}
	return nil
}

// SetStatus updates status and last error only.
func (r *NodeRepository) SetStatus(ctx context.Context, id uint, status model.NodeStatus, lastErr string) error {
	res := r.store.DB(ctx).Model(&model.Node{}).Where("id = ?", id).
		Updates(map[string]any{"status": status, "last_error": lastErr})
	if res.Error != nil {
		return dbError("set node status", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.NewNodeError(apperrors.ErrCodeNodeNotFound,
			fmt.Sprintf("node %d not found", id), false, nil)
	}
	return nil
}

func (r *NodeRepository) List(ctx context.Context, f NodeFilter) ([]*model.Node, error) {
	q := r.store.DB(ctx).Model(&model.Node{})
	if f.OrderID != 0 {
		q = q.Where("order_id = ?", f.OrderID)
	}
	if f.PanelID != 0 {
		q = q.Where("panel_id = ?", f.PanelID)
	}
	if f.UserID != 0 {
		q = q.Where("user_id = ?", f.UserID)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var nodes []*model.Node
	if err := q.Order("id ASC").Find(&nodes).Error; err != nil {
		return nil, dbError("list nodes", err)
	}
	return nodes, nil
}

// ListByOrder returns the order's nodes that are not deleted.
func (r *NodeRepository) ListByOrder(ctx context.Context, orderID uint) ([]*model.Node, error) {
	return r.List(ctx, NodeFilter{
		OrderID: orderID,
		Statuses: []model.NodeStatus{
			model.NodeStatusPending, model.NodeStatusActive,
			model.NodeStatusInactive, model.NodeStatusExpired,
		},
	})
}

// CountOnPanel counts pending and active nodes bound to a panel.
func (r *NodeRepository) CountOnPanel(ctx context.Context, panelID uint) (int64, error) {
	var count int64
	err := r.store.DB(ctx).Model(&model.Node{}).
		Where("panel_id = ? AND status IN ?", panelID,
			[]model.NodeStatus{model.NodeStatusPending, model.NodeStatusActive}).
		Count(&count).Error
	if err != nil {
		return 0, dbError("count panel nodes", err)
	}
	return count, nil
}
