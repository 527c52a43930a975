// Package store implements the repositories the orchestration engine reads and writes through.
package store

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/db"
	apperrors "github.com/ventupx/wrb-vpn-system/pkg/errors"
)

// Repositories groups every repository over one Store.
type Repositories struct {
	Panels  *PanelRepository
	Ports   *PortRepository
	Nodes   *NodeRepository
	Orders  *OrderRepository
	Transit *TransitRepository
	Tasks   *TaskRepository
}

// NewRepositories builds all repositories backed by s.
func NewRepositories(s *db.Store) *Repositories {
	return &Repositories{
		Panels:  NewPanelRepository(s),
		Ports:   NewPortRepository(s),
		Nodes:   NewNodeRepository(s),
		Orders:  NewOrderRepository(s),
		Transit: NewTransitRepository(s),
		Tasks:   NewTaskRepository(s),
	}
}

func dbError(op string, err error) error {
	return apperrors.NewDatabaseError(apperrors.ErrCodeDatabase, fmt.Sprintf("failed to %s", op), false, err)
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
