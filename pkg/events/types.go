package events

// Node lifecycle events
const (
	EventNodeStatusChanged     = "node.status.changed"
	EventNodeRoutingIncomplete = "node.routing.incomplete"
	EventNodeMigrating         = "node.migrating"
)

// Panel health events
const (
	EventPanelOnlineChanged = "panel.online.changed"
	EventPanelSwept         = "panel.swept"
)

// Transit events
const (
	EventTransitBound  = "transit.bound"
	EventTransitFailed = "transit.failed"
)

// Task and order events
const (
	EventTaskFinished    = "task.finished"
	EventRefundRequested = "order.refund.requested"
)
