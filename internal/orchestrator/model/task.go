package model

import "time"

// TaskKind is the unit of work the runner executes for a node.
type TaskKind string

const (
	TaskProvision TaskKind = "provision"
	TaskMigrate   TaskKind = "migrate"
	TaskRenew     TaskKind = "renew"
	TaskCheck     TaskKind = "check"
	TaskBindUDP   TaskKind = "bind_udp"
)

// TaskStatus is the queue state of a task.
type TaskStatus string

const (
	TaskQueued  TaskStatus = "queued"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

// Task is a durable queue entry. At most one queued or running task exists per (node, kind).
type Task struct {
	ID         string     `gorm:"primaryKey;size:36" json:"id"`
	NodeID     uint       `gorm:"not null;index:idx_task_node_kind,priority:1" json:"node_id"`
	Kind       TaskKind   `gorm:"size:16;not null;index:idx_task_node_kind,priority:2" json:"kind"`
	Status     TaskStatus `gorm:"size:16;not null;index" json:"status"`
	Attempts   int        `json:"attempts"`
	LeaseUntil *time.Time `json:"lease_until,omitempty"`
	LastError  string     `gorm:"type:text" json:"last_error,omitempty"`

	// Origin binding of a migration, for best-effort removal of the old inbound.
	OriginPanelID   uint `json:"origin_panel_id,omitempty"`
	OriginInboundID int  `json:"origin_inbound_id,omitempty"`
	OriginPort      int  `json:"origin_port,omitempty"`

	// Transit choice of a bind_udp task. Zero values keep the node's current account and groups.
	AccountID       *uint `json:"account_id,omitempty"`
	InboundGroupID  int   `json:"inbound_group_id,omitempty"`
	OutboundGroupID int   `json:"outbound_group_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
