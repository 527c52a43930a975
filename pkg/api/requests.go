package api

import "time"

// MigrateRequest moves a node or every node of an order to another panel.
type MigrateRequest struct {
	PanelID uint `json:"panel_id" binding:"required"`
}

// RenewRequest extends a node.
type RenewRequest struct {
	ExpiryTime time.Time `json:"expiry_time" binding:"required"`
}

// RefundListParams filters the refund listing.
type RefundListParams struct {
	Unsettled bool `form:"unsettled"`
}

// PanelListParams filters the panel listing.
type PanelListParams struct {
	Country    string `form:"country"`
	PanelType  string `form:"panel_type"`
	OnlineOnly bool   `form:"online"`
}

// SetActiveRequest takes a panel in or out of placement.
type SetActiveRequest struct {
	Active *bool `json:"active" binding:"required"`
}

// SaveOutboundsRequest replaces a panel's global xray template.
type SaveOutboundsRequest struct {
	Template map[string]any `json:"template" binding:"required"`
}

// BindUDPRequest routes a node's UDP traffic through the given device groups.
// Without an account the node keeps its current one, or takes the first enabled account.
type BindUDPRequest struct {
	AccountID       *uint `json:"account_id,omitempty"`
	InboundGroupID  int   `json:"inbound_group_id" binding:"required,min=1"`
	OutboundGroupID int   `json:"outbound_group_id" binding:"required,min=1"`
}
