package provisioner

import (
	"errors"
	"fmt"

	apperrors "github.com/ventupx/wrb-vpn-system/pkg/errors"
)

// Stages of a provisioning unit, in execution order.
const (
	StageSession = "session"
	StagePort    = "port"
	StagePayload = "payload"
	StageCreate  = "create"
	StageRouting = "routing"
	StagePersist = "persist"
)

// ProvisionError records where a provisioning unit failed.
// Retryability and the error code come from the wrapped domain error.
type ProvisionError struct {
	Stage   string
	NodeID  uint
	PanelID uint
	Err     error
}

// Error implements the error interface.
func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision node %d on panel %d failed (stage: %s): %v", e.NodeID, e.PanelID, e.Stage, e.Err)
}

// Unwrap allows errors.Is and errors.As to reach the domain error.
func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether another panel could succeed where this one failed.
func (e *ProvisionError) IsRetryable() bool {
	return apperrors.IsRetryable(e.Err)
}

func stageError(stage string, nodeID, panelID uint, err error) *ProvisionError {
	return &ProvisionError{Stage: stage, NodeID: nodeID, PanelID: panelID, Err: err}
}

// StageOf returns the stage err failed at, or "" when err is not a provisioning failure.
func StageOf(err error) string {
	var pe *ProvisionError
	if errors.As(err, &pe) {
		return pe.Stage
	}
	return ""
}
