package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/db"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/model"
	apperrors "github.com/ventupx/wrb-vpn-system/pkg/errors"
)

// PanelFilter narrows panel listings. Zero values match everything.
type PanelFilter struct {
	Country    string
	PanelType  model.PanelType
	OnlineOnly bool
	ActiveOnly bool
}

// PanelStats is what a health sweep writes back to a panel.
type PanelStats struct {
	NodesCount  int
	XrayVersion string
	CPUUsage    float64
	MemUsage    float64
	DiskUsage   float64
}

// PanelRepository persists panels.
type PanelRepository struct {
	store *db.Store
}

// NewPanelRepository creates a new panel repository
func NewPanelRepository(s *db.Store) *PanelRepository {
	return &PanelRepository{store: s}
}

func (r *PanelRepository) Create(ctx context.Context, p *model.Panel) error {
	if !p.PanelType.Valid() {
		return apperrors.NewPanelError(apperrors.ErrCodeValidation,
			fmt.Sprintf("unknown panel type %q", p.PanelType), false, nil)
	}
	if err := r.store.DB(ctx).Create(p).Error; err != nil {
		return dbError("create panel", err)
	}
	return nil
}

func (r *PanelRepository) Get(ctx context.Context, id uint) (*model.Panel, error) {
	var p model.Panel
	if err := r.store.DB(ctx).First(&p, id).Error; err != nil {
		if isNotFound(err) {
			return nil, apperrors.NewPanelError(apperrors.ErrCodePanelNotFound,
				fmt.Sprintf("panel %d not found", id), false, err)
		}
		return nil, dbError("get panel", err)
	}
	return &p, nil
}

func (r *PanelRepository) List(ctx context.Context, f PanelFilter) ([]*model.Panel, error) {
	q := r.store.DB(ctx).Model(&model.Panel{})
	if f.Country != "" {
		q = q.Where("country = ?", f.Country)
	}
	if f.PanelType != "" {
		q = q.Where("panel_type = ?", f.PanelType)
	}
	if f.OnlineOnly {
		q = q.Where("is_online = ?", true)
	}
	if f.ActiveOnly {
		q = q.Where("is_active = ?", true)
	}

	var panels []*model.Panel
	if err := q.Order("id ASC").Find(&panels).Error; err != nil {
		return nil, dbError("list panels", err)
	}
	return panels, nil
}

// ListEligible returns online, active panels of the given country and type,
// least loaded first with ties broken by id. excludeID of zero excludes nothing.
func (r *PanelRepository) ListEligible(ctx context.Context, country string, panelType model.PanelType, excludeID uint) ([]*model.Panel, error) {
	q := r.store.DB(ctx).
		Where("is_online = ? AND is_active = ?", true, true).
		Where("country = ? AND panel_type = ?", country, panelType)
	if excludeID != 0 {
		q = q.Where("id <> ?", excludeID)
	}

	var panels []*model.Panel
	if err := q.Order("nodes_count ASC").Order("id ASC").Find(&panels).Error; err != nil {
		return nil, dbError("select eligible panels", err)
	}
	return panels, nil
}

func (r *PanelRepository) Save(ctx context.Context, p *model.Panel) error {
	if err := r.store.DB(ctx).Save(p).Error; err != nil {
		return dbError("save panel", err)
	}
	return nil
}

// SetCookie persists the session cookie on this panel only.
func (r *PanelRepository) SetCookie(ctx context.Context, id uint, cookie string) error {
	return r.updateColumns(ctx, id, map[string]any{"cookie": cookie}, "set panel cookie")
}

func (r *PanelRepository) SetOnline(ctx context.Context, id uint, online bool) error {
	return r.updateColumns(ctx, id, map[string]any{"is_online": online}, "set panel online flag")
}

func (r *PanelRepository) SetActive(ctx context.Context, id uint, active bool) error {
	return r.updateColumns(ctx, id, map[string]any{"is_active": active}, "set panel active flag")
}

// RecordSweep writes a successful sweep: the panel is online and its counters are fresh.
func (r *PanelRepository) RecordSweep(ctx context.Context, id uint, stats PanelStats) error {
	cols := map[string]any{
		"is_online":     true,
		"nodes_count":   stats.NodesCount,
		"last_sweep_at": time.Now().UTC(),
	}
	if stats.XrayVersion != "" {
		cols["xray_version"] = stats.XrayVersion
		cols["cpu_usage"] = stats.CPUUsage
		cols["mem_usage"] = stats.MemUsage
		cols["disk_usage"] = stats.DiskUsage
	}
	return r.updateColumns(ctx, id, cols, "record panel sweep")
}

func (r *PanelRepository) SetXrayVersion(ctx context.Context, id uint, version string) error {
	return r.updateColumns(ctx, id, map[string]any{"xray_version": version}, "set xray version")
}

func (r *PanelRepository) MarkRestarted(ctx context.Context, id uint, at time.Time) error {
	return r.updateColumns(ctx, id, map[string]any{"last_restart": at}, "mark panel restarted")
}

// AdjustNodesCount adds delta to nodes_count, never going below zero.
func (r *PanelRepository) AdjustNodesCount(ctx context.Context, id uint, delta int) error {
	expr := gorm.Expr("CASE WHEN nodes_count + ? < 0 THEN 0 ELSE nodes_count + ? END", delta, delta)
	return r.updateColumns(ctx, id, map[string]any{"nodes_count": expr}, "adjust panel node count")
}

func (r *PanelRepository) updateColumns(ctx context.Context, id uint, cols map[string]any, op string) error {
	res := r.store.DB(ctx).Model(&model.Panel{}).Where("id = ?", id).Updates(cols)
	if res.Error != nil {
		return dbError(op, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.NewPanelError(apperrors.ErrCodePanelNotFound,
			fmt.Sprintf("panel %d not found", id), false, nil)
	}
	return nil
}
