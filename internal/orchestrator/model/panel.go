// Package model holds the persisted records the orchestration engine reads and writes.
package model

import (
	"net"
	"strings"
	"time"
)

// PanelType identifies one of the two panel API families.
type PanelType string

const (
	// PanelTypeA is the x-ui family (paths under /xui).
	PanelTypeA PanelType = "x-ui"
	// PanelTypeB is the 3x-ui family (paths under /panel, supports routing and restart).
	PanelTypeB PanelType = "3x-ui"
)

// Valid reports whether t is a known panel family.
func (t PanelType) Valid() bool {
	return t == PanelTypeA || t == PanelTypeB
}

// Panel is a remote proxy-hosting server driven over its HTTP API.
type Panel struct {
	ID uint `gorm:"primaryKey" json:"id"`
	// Address is "host:port" optionally followed by a base path, e.g. "1.2.3.4:54321/abc".
	Address   string    `gorm:"size:255;not null" json:"address"`
	Username  string    `gorm:"size:100;not null" json:"-"`
	Password  string    `gorm:"size:255;not null" json:"-"`
	PanelType PanelType `gorm:"size:16;not null;index:idx_panel_select,priority:2" json:"panel_type"`
	Country   string    `gorm:"size:32;not null;index:idx_panel_select,priority:1" json:"country"`

	IsActive   bool   `gorm:"not null" json:"is_active"`
	IsOnline   bool   `gorm:"not null" json:"is_online"`
	NodesCount int    `gorm:"not null;default:0" json:"nodes_count"`
	Cookie     string `gorm:"type:text" json:"-"`

	XrayVersion string     `gorm:"size:32" json:"xray_version,omitempty"`
	CPUUsage    float64    `json:"cpu_usage"`
	MemUsage    float64    `json:"mem_usage"`
	DiskUsage   float64    `json:"disk_usage"`
	LastRestart *time.Time `json:"last_restart,omitempty"`
	LastSweepAt *time.Time `json:"last_sweep_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Host returns the address without any base path; it is what panels expect in the Host header.
func (p *Panel) Host() string {
	host, _, _ := strings.Cut(p.Address, "/")
	return host
}

// Hostname returns the bare host without port, used as the node's public host.
func (p *Panel) Hostname() string {
	host, _, err := net.SplitHostPort(p.Host())
	if err != nil {
		return p.Host()
	}
	return host
}

// BaseURL is the http root every panel path is appended to.
func (p *Panel) BaseURL() string {
	return "http://" + strings.TrimSuffix(p.Address, "/")
}

// PanelPort is one member of a panel's used-port set.
// The (panel_id, port) unique index makes reservation an atomic insert.
type PanelPort struct {
	ID        uint      `gorm:"primaryKey"`
	PanelID   uint      `gorm:"not null;uniqueIndex:idx_panel_port,priority:1"`
	Port      int       `gorm:"not null;uniqueIndex:idx_panel_port,priority:2"`
	NodeID    *uint     `gorm:"index"`
	CreatedAt time.Time
}
