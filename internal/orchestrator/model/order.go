package model

import "time"

// OrderStatus tracks fulfillment of an order.
type OrderStatus string

const (
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusFulfilled OrderStatus = "fulfilled"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusFailed    OrderStatus = "failed"
)

// Order is produced by the payment flow and consumed by fulfillment.
type Order struct {
	ID         uint        `gorm:"primaryKey" json:"id"`
	OutTradeNo string      `gorm:"size:64;uniqueIndex" json:"out_trade_no"`
	UserID     uint        `gorm:"index" json:"user_id"`
	Country    string      `gorm:"size:32" json:"country"`
	Protocol   Protocol    `gorm:"size:16" json:"protocol"`
	PanelType  PanelType   `gorm:"size:16" json:"panel_type"`
	NodeCount  int         `json:"node_count"`
	PeriodDays int         `json:"period_days"`
	UDP        bool        `json:"udp"`
	Status     OrderStatus `gorm:"size:16" json:"status"`

	// TransitAccountID resolves the user's default transit account; nil uses the first enabled account.
	TransitAccountID *uint `json:"transit_account_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Refund is appended when a node cannot be provisioned anywhere.
// The balance reversal itself happens outside the engine.
type Refund struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	OrderID   uint      `gorm:"index" json:"order_id"`
	NodeID    uint      `gorm:"index" json:"node_id"`
	UserID    uint      `json:"user_id"`
	Reason    string    `gorm:"type:text" json:"reason"`
	Settled   bool      `json:"settled"`
	CreatedAt time.Time `json:"created_at"`
}
