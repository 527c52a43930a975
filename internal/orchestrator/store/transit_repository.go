package store

import (
	"context"
	"fmt"

	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/db"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/model"
	apperrors "github.com/ventupx/wrb-vpn-system/pkg/errors"
)

// TransitRepository persists transit accounts.
type TransitRepository struct {
	store *db.Store
}

// NewTransitRepository creates a new transit account repository
func NewTransitRepository(s *db.Store) *TransitRepository {
	return &TransitRepository{store: s}
}

func (r *TransitRepository) Create(ctx context.Context, a *model.TransitAccount) error {
	if err := r.store.DB(ctx).Create(a).Error; err != nil {
		return dbError("create transit account", err)
	}
	return nil
}

func (r *TransitRepository) Get(ctx context.Context, id uint) (*model.TransitAccount, error) {
	var a model.TransitAccount
	if err := r.store.DB(ctx).First(&a, id).Error; err != nil {
		if isNotFound(err) {
			return nil, apperrors.NewTransitError(apperrors.ErrCodeTransitNotFound,
				fmt.Sprintf("transit account %d not found", id), false, err)
		}
		return nil, dbError("get transit account", err)
	}
	return &a, nil
}

// Default returns the first enabled account.
func (r *TransitRepository) Default(ctx context.Context) (*model.TransitAccount, error) {
	var a model.TransitAccount
	err := r.store.DB(ctx).Where("enabled = ?", true).Order("id ASC").First(&a).Error
	if err != nil {
		if isNotFound(err) {
			return nil, apperrors.NewTransitError(apperrors.ErrCodeTransitNotFound,
				"no enabled transit account", false, err)
		}
		return nil, dbError("get default transit account", err)
	}
	return &a, nil
}

// Resolve returns the account with id, or the default account when id is nil.
func (r *TransitRepository) Resolve(ctx context.Context, id *uint) (*model.TransitAccount, error) {
	if id == nil || *id == 0 {
		return r.Default(ctx)
	}
	return r.Get(ctx, *id)
}

func (r *TransitRepository) List(ctx context.Context) ([]*model.TransitAccount, error) {
	var accounts []*model.TransitAccount
	if err := r.store.DB(ctx).Order("id ASC").Find(&accounts).Error; err != nil {
		return nil, dbError("list transit accounts", err)
	}
	return accounts, nil
}

func (r *TransitRepository) Save(ctx context.Context, a *model.TransitAccount) error {
	if err := r.store.DB(ctx).Save(a).Error; err != nil {
		return dbError("save transit account", err)
	}
	return nil
}

// SetToken persists the session token on this account only.
func (r *TransitRepository) SetToken(ctx context.Context, id uint, token string) error {
	err := r.store.DB(ctx).Model(&model.TransitAccount{}).Where("id = ?", id).Update("token", token).Error
	if err != nil {
		return dbError("set transit token", err)
	}
	return nil
}
