package api

import "time"

// HealthResponse represents the health check response
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version,omitempty"`
	EventBus string `json:"event_bus,omitempty"`
}

// Accepted acknowledges work that finishes in the background. Poll the node for the outcome.
type Accepted struct {
	NodeID  uint     `json:"node_id,omitempty"`
	OrderID uint     `json:"order_id,omitempty"`
	TaskIDs []string `json:"task_ids"`
	Status  string   `json:"status,omitempty"`
	// Errors lists per-node failures of a partially accepted batch.
	Errors []string `json:"errors,omitempty"`
}

// NodeInfo is a node as reported to operators.
type NodeInfo struct {
	ID                uint      `json:"id"`
	OrderID           uint      `json:"order_id"`
	UserID            uint      `json:"user_id"`
	Remark            string    `json:"remark"`
	Protocol          string    `json:"protocol"`
	Status            string    `json:"status"`
	PanelID           uint      `json:"panel_id"`
	PanelType         string    `json:"panel_type"`
	OutboundTag       string    `json:"outbound_tag,omitempty"`
	Host              string    `json:"host"`
	Port              int       `json:"port"`
	PanelNodeID       int       `json:"panel_node_id"`
	UDPHost           string    `json:"udp_host,omitempty"`
	RoutingIncomplete bool      `json:"routing_incomplete,omitempty"`
	ExpiryTime        time.Time `json:"expiry_time"`
	LastError         string    `json:"last_error,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// PanelInfo is a panel as reported to operators.
type PanelInfo struct {
	ID          uint       `json:"id"`
	Address     string     `json:"address"`
	PanelType   string     `json:"panel_type"`
	Country     string     `json:"country"`
	IsActive    bool       `json:"is_active"`
	IsOnline    bool       `json:"is_online"`
	NodesCount  int        `json:"nodes_count"`
	XrayVersion string     `json:"xray_version,omitempty"`
	CPUUsage    float64    `json:"cpu_usage"`
	MemUsage    float64    `json:"mem_usage"`
	DiskUsage   float64    `json:"disk_usage"`
	LastSweepAt *time.Time `json:"last_sweep_at,omitempty"`
	LastRestart *time.Time `json:"last_restart,omitempty"`

	// BreakerState is the panel's circuit breaker: closed, open or half_open.
	BreakerState string `json:"breaker_state,omitempty"`
}

// ConnectionResponse reports a fresh login against a panel.
type ConnectionResponse struct {
	PanelID      uint   `json:"panel_id"`
	Connected    bool   `json:"connected"`
	Error        string `json:"error,omitempty"`
	BreakerState string `json:"breaker_state"`
}

// OutboundsResponse is a panel's global xray template.
type OutboundsResponse struct {
	PanelID  uint           `json:"panel_id"`
	Tags     []string       `json:"tags"`
	Template map[string]any `json:"template"`
}

// DeviceGroup is a tunnel entry or exit group.
type DeviceGroup struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// TransitAccountInfo is a UDP tunnel account as reported to operators.
type TransitAccountInfo struct {
	ID              uint          `json:"id"`
	Username        string        `json:"username"`
	Enabled         bool          `json:"enabled"`
	Balance         float64       `json:"balance"`
	TrafficUsed     int64         `json:"traffic_used"`
	TrafficEnabled  int64         `json:"traffic_enabled"`
	MaxRules        int           `json:"max_rules"`
	RuleCount       int           `json:"rule_count"`
	InboundGroups   []DeviceGroup `json:"inbound_groups"`
	OutboundGroups  []DeviceGroup `json:"outbound_groups"`
	DefaultInbound  *DeviceGroup  `json:"default_inbound,omitempty"`
	DefaultOutbound *DeviceGroup  `json:"default_outbound,omitempty"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// SweepResponse reports one panel sweep.
type SweepResponse struct {
	PanelID      uint `json:"panel_id"`
	Inbounds     int  `json:"inbounds"`
	PortsAdded   int  `json:"ports_added"`
	PortsRemoved int  `json:"ports_removed"`
}

// RefundInfo is one recorded refund request.
type RefundInfo struct {
	ID        uint      `json:"id"`
	OrderID   uint      `json:"order_id"`
	NodeID    uint      `json:"node_id"`
	UserID    uint      `json:"user_id"`
	Reason    string    `json:"reason"`
	Settled   bool      `json:"settled"`
	CreatedAt time.Time `json:"created_at"`
}

// EventMessage is one bus event streamed over the websocket.
type EventMessage struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}
