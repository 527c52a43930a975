package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/db"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/model"
	apperrors "github.com/ventupx/wrb-vpn-system/pkg/errors"
)

// PortRepository persists each panel's used-port set as rows in panel_ports.
type PortRepository struct {
	store *db.Store
}

// NewPortRepository creates a new port repository
func NewPortRepository(s *db.Store) *PortRepository {
	return &PortRepository{store: s}
}

// UsedPorts returns the panel's used-port set.
func (r *PortRepository) UsedPorts(ctx context.Context, panelID uint) (map[int]struct{}, error) {
	var ports []int
	err := r.store.DB(ctx).Model(&model.PanelPort{}).
		Where("panel_id = ?", panelID).
		Pluck("port", &ports).Error
	if err != nil {
		return nil, dbError("load used ports", err)
	}

	used := make(map[int]struct{}, len(ports))
	for _, p := range ports {
		used[p] = struct{}{}
	}
	return used, nil
}

// Reserve inserts port into the panel's used set. A port already present yields a port_conflict error.
func (r *PortRepository) Reserve(ctx context.Context, panelID uint, port int, nodeID *uint) error {
	row := model.PanelPort{PanelID: panelID, Port: port, NodeID: nodeID}
	res := r.store.DB(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return dbError("reserve port", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.NewPortError(apperrors.ErrCodePortConflict,
			fmt.Sprintf("port %d already in use on panel %d", port, panelID), false, nil).
			WithMetadata("panel_id", panelID).
			WithMetadata("port", port)
	}
	return nil
}

// Assign records which node owns a reserved port.
func (r *PortRepository) Assign(ctx context.Context, panelID uint, port int, nodeID uint) error {
	err := r.store.DB(ctx).Model(&model.PanelPort{}).
		Where("panel_id = ? AND port = ?", panelID, port).
		Update("node_id", nodeID).Error
	if err != nil {
		return dbError("assign port", err)
	}
	return nil
}

// Release removes port from the panel's used set. Releasing an absent port is not an error.
func (r *PortRepository) Release(ctx context.Context, panelID uint, port int) error {
	err := r.store.DB(ctx).
		Where("panel_id = ? AND port = ?", panelID, port).
		Delete(&model.PanelPort{}).Error
	if err != nil {
		return dbError("release port", err)
	}
	return nil
}

// Contains reports whether port is in the panel's used set.
func (r *PortRepository) Contains(ctx context.Context, panelID uint, port int) (bool, error) {
	var count int64
	err := r.store.DB(ctx).Model(&model.PanelPort{}).
		Where("panel_id = ? AND port = ?", panelID, port).
		Count(&count).Error
	if err != nil {
		return false, dbError("check port", err)
	}
	return count > 0, nil
}

// Reconcile makes the used set match the ports observed on the panel.
// Observed ports missing locally are added. Local rows absent remotely are removed
// unless they belong to a pending or active node or were reserved after keepSince.
func (r *PortRepository) Reconcile(ctx context.Context, panelID uint, observed []int, keepSince time.Time) (added, removed int, err error) {
	err = r.store.ExecTx(ctx, func(tx *gorm.DB) error {
		var rows []model.PanelPort
		if err := tx.Where("panel_id = ?", panelID).Find(&rows).Error; err != nil {
			return err
		}

		remote := make(map[int]struct{}, len(observed))
		for _, p := range observed {
			remote[p] = struct{}{}
		}
		local := make(map[int]struct{}, len(rows))
		for _, row := range rows {
			local[row.Port] = struct{}{}
		}

		for p := range remote {
			if _, ok := local[p]; ok {
				continue
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
				Create(&model.PanelPort{PanelID: panelID, Port: p}).Error; err != nil {
				return err
			}
			added++
		}

		var held []int
		err := tx.Model(&model.Node{}).
			Where("panel_id = ? AND status IN ?", panelID,
				[]model.NodeStatus{model.NodeStatusPending, model.NodeStatusActive}).
			Pluck("port", &held).Error
		if err != nil {
			return err
		}
		keep := make(map[int]struct{}, len(held))
		for _, p := range held {
			keep[p] = struct{}{}
		}

		for _, row := range rows {
			if _, ok := remote[row.Port]; ok {
				continue
			}
			if _, ok := keep[row.Port]; ok {
				continue
			}
			if row.CreatedAt.After(keepSince) {
				continue
			}
			if err := tx.Delete(&model.PanelPort{}, row.ID).Error; err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, 0, dbError("reconcile used ports", err)
	}
	return added, removed, nil
}
