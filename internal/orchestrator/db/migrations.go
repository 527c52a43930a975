package db

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/model"
)

const currentSchemaVersion = 1

// SchemaMigration records applied schema versions.
type SchemaMigration struct {
	Version     int `gorm:"primaryKey;autoIncrement:false"`
	Description string
	AppliedAt   time.Time
}

// Migration is one schema step
type Migration struct {
	Version     int
	Description string
	Up          func(tx *gorm.DB) error
}

// GetMigrations returns all available migrations in order
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "panels, panel ports, nodes, orders, refunds, transit accounts, tasks",
			Up: func(tx *gorm.DB) error {
				return tx.AutoMigrate(
					&model.Panel{},
					&model.PanelPort{},
					&model.Node{},
					&model.Order{},
					&model.Refund{},
					&model.TransitAccount{},
					&model.Task{},
				)
			},
		},
	}
}

// Migrate applies every migration newer than the recorded version.
func (s *Store) Migrate(ctx context.Context) error {
	gdb := s.db.WithContext(ctx)
	if err := gdb.AutoMigrate(&SchemaMigration{}); err != nil {
		return fmt.Errorf("failed to ensure migrations table: %w", err)
	}

	version, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range GetMigrations() {
		if m.Version <= version {
			continue
		}
		err := gdb.Transaction(func(tx *gorm.DB) error {
			if err := m.Up(tx); err != nil {
				return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
			}
			return tx.Create(&SchemaMigration{
				Version:     m.Version,
				Description: m.Description,
				AppliedAt:   time.Now().UTC(),
			}).Error
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// SchemaVersion returns the highest applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := s.db.WithContext(ctx).
		Model(&SchemaMigration{}).
		Select("COALESCE(MAX(version), 0)").
		Scan(&version).Error
	if err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, nil
}
