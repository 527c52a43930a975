package model

import (
	"fmt"
	"time"
)

// Protocol is the proxy protocol a node speaks.
type Protocol string

const (
	ProtocolVMess       Protocol = "vmess"
	ProtocolVLESS       Protocol = "vless"
	ProtocolShadowsocks Protocol = "shadowsocks"
	ProtocolSocks       Protocol = "socks"
	ProtocolHTTP        Protocol = "http"
)

// Valid reports whether p is a supported protocol.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolVMess, ProtocolVLESS, ProtocolShadowsocks, ProtocolSocks, ProtocolHTTP:
		return true
	}
	return false
}

// NodeStatus is the lifecycle state of a node record.
type NodeStatus string

const (
	NodeStatusPending  NodeStatus = "pending"
	NodeStatusActive   NodeStatus = "active"
	NodeStatusInactive NodeStatus = "inactive"
	NodeStatusExpired  NodeStatus = "expired"
	NodeStatusDeleted  NodeStatus = "deleted"
)

// HostConfig is the node's persisted descriptor of its panel binding.
type HostConfig struct {
	ID          uint      `json:"id"`
	PanelType   PanelType `json:"panel_type"`
	OutboundTag string    `json:"outbound_tag,omitempty"`
}

// UDPBinding records which transit account and device-group pair a node's rule was created with.
type UDPBinding struct {
	AccountID   uint   `json:"account_id"`
	Username    string `json:"username"`
	InboundID   int    `json:"device_group_in"`
	OutboundID  int    `json:"device_group_out"`
	RuleID      int    `json:"rule_id,omitempty"`
	RuleName    string `json:"rule_name,omitempty"`
	Destination string `json:"dest,omitempty"`
	ListenPort  int    `json:"listen_port,omitempty"`
}

// Node is a single provisioned proxy endpoint bound to exactly one panel.
type Node struct {
	ID       uint     `gorm:"primaryKey" json:"id"`
	OrderID  uint     `gorm:"index" json:"order_id"`
	UserID   uint     `gorm:"index" json:"user_id"`
	Remark   string   `gorm:"size:128" json:"remark"`
	Protocol Protocol `gorm:"size:16;not null" json:"protocol"`

	PanelID    uint       `gorm:"index" json:"panel_id"`
	HostConfig HostConfig `gorm:"serializer:json;type:text" json:"host_config"`
	Host       string     `gorm:"size:255" json:"host"`
	Port       int        `json:"port"`

	UUID         string `gorm:"size:64" json:"uuid,omitempty"`
	SubID        string `gorm:"size:32" json:"sub_id,omitempty"`
	NodeUser     string `gorm:"size:64" json:"node_user,omitempty"`
	NodePassword string `gorm:"size:128" json:"node_password,omitempty"`

	PanelNodeID int        `json:"panel_node_id"`
	Status      NodeStatus `gorm:"size:16;not null;index" json:"status"`
	ExpiryTime  time.Time  `json:"expiry_time"`
	ConfigText  string     `gorm:"type:text" json:"-"`

	UDP        bool        `json:"udp"`
	UDPBinding *UDPBinding `gorm:"serializer:json;type:text" json:"udp_config,omitempty"`
	UDPHost    string      `gorm:"size:64" json:"udp_host,omitempty"`

	// RoutingIncomplete marks a type-B node whose post-create routing update failed.
	RoutingIncomplete bool   `json:"routing_incomplete"`
	LastError         string `gorm:"type:text" json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Destination is the host:port the transit service forwards to.
func (n *Node) Destination() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// IsProvisioned reports whether the remote inbound exists and the node is serving.
func (n *Node) IsProvisioned() bool {
	return n.Status == NodeStatusActive && n.PanelNodeID != 0
}
