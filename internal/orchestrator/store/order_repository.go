package store

import (
	"context"
	"fmt"

	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/db"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/model"
	apperrors "github.com/ventupx/wrb-vpn-system/pkg/errors"
)

// OrderRepository persists orders and the refund list.
type OrderRepository struct {
	store *db.Store
}

// NewOrderRepository creates a new order repository
func NewOrderRepository(s *db.Store) *OrderRepository {
	return &OrderRepository{store: s}
}

func (r *OrderRepository) Create(ctx context.Context, o *model.Order) error {
	if o.Status == "" {
		o.Status = model.OrderStatusPaid
	}
	if err := r.store.DB(ctx).Create(o).Error; err != nil {
		return dbError("create order", err)
	}
	return nil
}

func (r *OrderRepository) Get(ctx context.Context, id uint) (*model.Order, error) {
	var o model.Order
	if err := r.store.DB(ctx).First(&o, id).Error; err != nil {
		if isNotFound(err) {
			return nil, apperrors.NewNodeError(apperrors.ErrCodeOrderNotFound,
				fmt.Sprintf("order %d not found", id), false, err)
		}
		return nil, dbError("get order", err)
	}
	return &o, nil
}

func (r *OrderRepository) SetStatus(ctx context.Context, id uint, status model.OrderStatus) error {
	err := r.store.DB(ctx).Model(&model.Order{}).Where("id = ?", id).Update("status", status).Error
	if err != nil {
		return dbError("set order status", err)
	}
	return nil
}

// AddRefund appends a refund entry unless one already exists for the node.
func (r *OrderRepository) AddRefund(ctx context.Context, refund *model.Refund) (bool, error) {
	if refund.NodeID != 0 {
		var count int64
		err := r.store.DB(ctx).Model(&model.Refund{}).
			Where("node_id = ?", refund.NodeID).
			Count(&count).Error
		if err != nil {
			return false, dbError("check refund", err)
		}
		if count > 0 {
			return false, nil
		}
	}
	if err := r.store.DB(ctx).Create(refund).Error; err != nil {
		return false, dbError("add refund", err)
	}
	return true, nil
}

func (r *OrderRepository) ListRefunds(ctx context.Context, unsettledOnly bool) ([]*model.Refund, error) {
	q := r.store.DB(ctx).Model(&model.Refund{})
	if unsettledOnly {
		q = q.Where("settled = ?", false)
	}

	var refunds []*model.Refund
	if err := q.Order("id ASC").Find(&refunds).Error; err != nil {
		return nil, dbError("list refunds", err)
	}
	return refunds, nil
}

func (r *OrderRepository) SettleRefund(ctx context.Context, id uint) error {
	err := r.store.DB(ctx).Model(&model.Refund{}).Where("id = ?", id).Update("settled", true).Error
	if err != nil {
		return dbError("settle refund", err)
	}
	return nil
}
