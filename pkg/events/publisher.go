package events

import (
	"context"

	applogger "github.com/ventupx/wrb-vpn-system/pkg/logger"
)

// Publisher publishes the orchestrator's domain events. A nil *Publisher discards everything,
// and publish failures are logged rather than returned: events never fail the operation that emits them.
type Publisher struct {
	bus    EventBus
	logger *applogger.Logger
}

// NewPublisher creates a domain event publisher
func NewPublisher(bus EventBus, logger *applogger.Logger) *Publisher {
	return &Publisher{bus: bus, logger: logger.WithComponent("events.publisher")}
}

// Bus returns the underlying event bus for subscriptions.
func (p *Publisher) Bus() EventBus {
	if p == nil {
		return nil
	}
	return p.bus
}

func (p *Publisher) publish(ctx context.Context, eventType string, metadata map[string]any) {
	if p == nil || p.bus == nil {
		return
	}
	if err := p.bus.Publish(ctx, NewBaseEvent(eventType, metadata)); err != nil {
		p.logger.WarnCtx(ctx, "failed to publish event", err, "type", eventType)
	}
}

// NodeStatusChanged announces a node status transition.
func (p *Publisher) NodeStatusChanged(ctx context.Context, nodeID, panelID uint, previous, current, reason string) {
	p.publish(ctx, EventNodeStatusChanged, map[string]any{
		"node_id":         nodeID,
		"panel_id":        panelID,
		"previous_status": previous,
		"new_status":      current,
		"reason":          reason,
	})
}

// RoutingIncomplete announces a type-B node whose routing rule could not be written.
func (p *Publisher) RoutingIncomplete(ctx context.Context, nodeID, panelID uint, outboundTag, reason string) {
	p.publish(ctx, EventNodeRoutingIncomplete, map[string]any{
		"node_id":      nodeID,
		"panel_id":     panelID,
		"outbound_tag": outboundTag,
		"reason":       reason,
	})
}

// NodeMigrating announces a node rebinding from one panel to another.
func (p *Publisher) NodeMigrating(ctx context.Context, nodeID, fromPanel, toPanel uint, port int) {
	p.publish(ctx, EventNodeMigrating, map[string]any{
		"node_id":    nodeID,
		"from_panel": fromPanel,
		"to_panel":   toPanel,
		"port":       port,
	})
}

// PanelOnlineChanged announces a panel reachability transition.
func (p *Publisher) PanelOnlineChanged(ctx context.Context, panelID uint, online bool, reason string) {
	p.publish(ctx, EventPanelOnlineChanged, map[string]any{
		"panel_id": panelID,
		"online":   online,
		"reason":   reason,
	})
}

// PanelSwept announces the result of a health sweep.
func (p *Publisher) PanelSwept(ctx context.Context, panelID uint, nodesCount, portsAdded, portsRemoved int) {
	p.publish(ctx, EventPanelSwept, map[string]any{
		"panel_id":      panelID,
		"nodes_count":   nodesCount,
		"ports_added":   portsAdded,
		"ports_removed": portsRemoved,
	})
}

// TransitBound announces a node's UDP relay address.
func (p *Publisher) TransitBound(ctx context.Context, nodeID uint, udpHost string) {
	p.publish(ctx, EventTransitBound, map[string]any{
		"node_id":  nodeID,
		"udp_host": udpHost,
	})
}

// TransitFailed announces a terminal UDP binding failure.
func (p *Publisher) TransitFailed(ctx context.Context, nodeID uint, reason string) {
	p.publish(ctx, EventTransitFailed, map[string]any{
		"node_id": nodeID,
		"reason":  reason,
	})
}

// TaskFinished announces the end of a task run.
func (p *Publisher) TaskFinished(ctx context.Context, taskID string, nodeID uint, kind, status string, attempts int, errMsg string) {
	p.publish(ctx, EventTaskFinished, map[string]any{
		"task_id":  taskID,
		"node_id":  nodeID,
		"kind":     kind,
		"status":   status,
		"attempts": attempts,
		"error":    errMsg,
	})
}

// RefundRequested announces that a node could not be provisioned anywhere.
func (p *Publisher) RefundRequested(ctx context.Context, orderID, nodeID, userID uint, reason string) {
	p.publish(ctx, EventRefundRequested, map[string]any{
		"order_id": orderID,
		"node_id":  nodeID,
		"user_id":  userID,
		"reason":   reason,
	})
}
