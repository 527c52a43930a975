package model

import "time"

// DeviceGroup is a tunnel entry or exit group on the transit service.
type DeviceGroup struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	ShowOrder int    `json:"show_order"`
}

// TransitTraffic mirrors the transit user-info traffic block.
type TransitTraffic struct {
	Used    int64 `json:"traffic_used"`
	Enabled int64 `json:"traffic_enable"`
}

// TransitAccount holds credentials and cached session for the UDP tunnel service.
type TransitAccount struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	Username string `gorm:"size:100;not null;uniqueIndex" json:"username"`
	Password string `gorm:"size:255;not null" json:"-"`
	Token    string `gorm:"type:text" json:"-"`

	Balance   float64        `json:"balance"`
	Traffic   TransitTraffic `gorm:"serializer:json;type:text" json:"traffic"`
	MaxRules  int            `json:"max_rules"`
	RuleCount int            `json:"rule_count"`

	InboundGroups   []DeviceGroup `gorm:"serializer:json;type:text" json:"inbound_groups"`
	OutboundGroups  []DeviceGroup `gorm:"serializer:json;type:text" json:"outbound_groups"`
	DefaultInbound  *DeviceGroup  `gorm:"serializer:json;type:text" json:"default_inbound"`
	DefaultOutbound *DeviceGroup  `gorm:"serializer:json;type:text" json:"default_outbound"`

	Enabled   bool      `gorm:"not null" json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
