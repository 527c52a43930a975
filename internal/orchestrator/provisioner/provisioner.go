// Package provisioner creates, renews and removes a node's inbound on its panel.
package provisioner

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/model"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/panel"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/payload"
	apperrors "github.com/ventupx/wrb-vpn-system/pkg/errors"
	"github.com/ventupx/wrb-vpn-system/pkg/events"
	"github.com/ventupx/wrb-vpn-system/pkg/logger"
)

// maxForeignPorts bounds how many allocated ports may turn out to be taken remotely by unknown inbounds.
const maxForeignPorts = 3

// PanelAPI is the subset of panel operations provisioning needs.
type PanelAPI interface {
	EnsureSession(ctx context.Context, p *model.Panel) error
	ServerStatus(ctx context.Context, p *model.Panel) (*panel.ServerStatus, error)
	ListInbounds(ctx context.Context, p *model.Panel) ([]panel.Inbound, error)
	FindInboundByPort(ctx context.Context, p *model.Panel, port int) (*panel.Inbound, error)
	AddInbound(ctx context.Context, p *model.Panel, form url.Values) (*panel.Inbound, error)
	UpdateInbound(ctx context.Context, p *model.Panel, id int, form url.Values) error
	DeleteInbound(ctx context.Context, p *model.Panel, id int) error
	GetXrayConfig(ctx context.Context, p *model.Panel) (*panel.XrayConfig, error)
	UpdateXrayConfig(ctx context.Context, p *model.Panel, cfg *panel.XrayConfig) error
}

// Ports reserves and releases panel ports.
type Ports interface {
	Allocate(ctx context.Context, panelID uint, nodeID *uint) (int, error)
	Reserve(ctx context.Context, panelID uint, port int, nodeID *uint) error
	Release(ctx context.Context, panelID uint, port int) error
}

// NodeStore persists node records.
type NodeStore interface {
	Save(ctx context.Context, n *model.Node) error
}

// PanelStore persists the panel counters provisioning touches.
type PanelStore interface {
	AdjustNodesCount(ctx context.Context, id uint, delta int) error
	SetXrayVersion(ctx context.Context, id uint, version string) error
}

// OrderStore resolves a node's order for its transit account.
type OrderStore interface {
	Get(ctx context.Context, id uint) (*model.Order, error)
}

// Binder binds a node to the UDP transit service.
type Binder interface {
	BindNode(ctx context.Context, node *model.Node, accountID *uint) (string, error)
}

// Config tunes provisioning.
type Config struct {
	// DefaultOutboundTags are used for type-B routing when the panel template offers none.
	DefaultOutboundTags []string
}

// Dependencies are the collaborators a Provisioner drives.
type Dependencies struct {
	Panels     PanelAPI
	Ports      Ports
	Nodes      NodeStore
	PanelStore PanelStore
	Orders     OrderStore
	Transit    Binder
	Builder    *payload.Builder
	Events     *events.Publisher
}

// Provisioner runs the session, port, payload, create, routing and UDP steps for one node.
type Provisioner struct {
	panels     PanelAPI
	ports      Ports
	nodes      NodeStore
	panelStore PanelStore
	orders     OrderStore
	transit    Binder
	builder    *payload.Builder
	events     *events.Publisher
	config     Config
	logger     *logger.Logger
}

// New creates a provisioner
func New(deps Dependencies, config Config, log *logger.Logger) *Provisioner {
	builder := deps.Builder
	if builder == nil {
		builder = payload.NewBuilder()
	}
	return &Provisioner{
		panels:     deps.Panels,
		ports:      deps.Ports,
		nodes:      deps.Nodes,
		panelStore: deps.PanelStore,
		orders:     deps.Orders,
		transit:    deps.Transit,
		builder:    builder,
		events:     deps.Events,
		config:     config,
		logger:     log.WithComponent("provisioner"),
	}
}

// Provision creates the node's inbound on p and marks it active.
//
// The unit is idempotent per node: a node already active on p is left alone, a port the node
// already holds on p is reused, and an inbound already listening on that port with the node's
// remark is adopted instead of created again. On failure the node's status is not changed;
// the caller decides between failover and giving up.
func (s *Provisioner) Provision(ctx context.Context, node *model.Node, p *model.Panel) error {
	if node.IsProvisioned() && node.PanelID == p.ID {
		s.logger.DebugContext(ctx, "node already provisioned", "node_id", node.ID, "panel_id", p.ID)
		return nil
	}

	ctx = logger.WithPanelID(logger.WithNodeID(ctx, node.ID), p.ID)
	op := s.logger.StartOp(ctx, "provision_node", "protocol", node.Protocol, "panel_type", p.PanelType)

	if err := s.panels.EnsureSession(ctx, p); err != nil {
		return s.fail(op, StageSession, node, p, err)
	}

	inbounds, err := s.panels.ListInbounds(ctx, p)
	if err != nil {
		return s.fail(op, StageSession, node, p, err)
	}
	remote := make(map[int]*panel.Inbound, len(inbounds))
	for i := range inbounds {
		remote[inbounds[i].Port] = &inbounds[i]
	}

	samePanel := node.PanelID == p.ID
	s.bindPanel(node, p)

	port, fresh, err := s.claimPort(ctx, node, p, samePanel, remote)
	if err != nil {
		return s.fail(op, StagePort, node, p, err)
	}
	release := func() {
		if !fresh {
			return
		}
		if err := s.ports.Release(ctx, p.ID, port); err != nil {
			s.logger.ErrorCtx(ctx, "failed to release port after provisioning failure", err, "port", port)
		}
		node.Port = 0
	}
	node.Port = port
	op.Progress("port claimed", "port", port, "reused", !fresh)

	form, err := s.payloadFor(ctx, node, p)
	if err != nil {
		release()
		return s.fail(op, StagePayload, node, p, err)
	}
	if err := s.nodes.Save(ctx, node); err != nil {
		release()
		return s.fail(op, StagePersist, node, p, err)
	}

	adopted := false
	var inboundID int
	if existing := remote[port]; existing != nil && existing.Remark == node.Remark {
		adopted = true
		inboundID = existing.ID
		op.Progress("adopted existing inbound", "inbound_id", inboundID)
	} else {
		created, err := s.panels.AddInbound(ctx, p, form)
		if err != nil {
			release()
			return s.fail(op, StageCreate, node, p, err)
		}
		inboundID = created.ID
		if inboundID == 0 {
			inboundID = s.lookupInboundID(ctx, p, port)
		}
	}

	previous := node.Status
	node.PanelNodeID = inboundID
	node.Status = model.NodeStatusActive
	node.LastError = ""
	node.RoutingIncomplete = false

	if p.PanelType == model.PanelTypeB {
		if err := s.wireRouting(ctx, node, p); err != nil {
			op.Progress("node created without routing", "error", err.Error())
		}
	}

	if err := s.nodes.Save(ctx, node); err != nil {
		return s.fail(op, StagePersist, node, p, err)
	}
	if !adopted {
		if err := s.panelStore.AdjustNodesCount(ctx, p.ID, 1); err != nil {
			s.logger.ErrorCtx(ctx, "failed to bump panel node count", err)
		}
		p.NodesCount++
	}

	op.Complete("node active", "port", port, "inbound_id", inboundID, "adopted", adopted,
		"routing_incomplete", node.RoutingIncomplete)
	s.events.NodeStatusChanged(ctx, node.ID, p.ID, string(previous), string(node.Status), "provisioned")

	s.bindUDP(ctx, node)
	return nil
}

// bindPanel points the node's binding fields at p. The outbound tag only survives on the same panel.
func (s *Provisioner) bindPanel(node *model.Node, p *model.Panel) {
	tag := ""
	if node.HostConfig.ID == p.ID {
		tag = node.HostConfig.OutboundTag
	}
	node.PanelID = p.ID
	node.HostConfig = model.HostConfig{ID: p.ID, PanelType: p.PanelType, OutboundTag: tag}
	node.Host = p.Hostname()
}

// claimPort reuses the node's port on the same panel or allocates a new one.
// fresh reports whether the port was allocated by this call.
func (s *Provisioner) claimPort(ctx context.Context, node *model.Node, p *model.Panel, samePanel bool, remote map[int]*panel.Inbound) (port int, fresh bool, err error) {
	if samePanel && node.Port != 0 {
		err := s.ports.Reserve(ctx, p.ID, node.Port, &node.ID)
		if err != nil && !apperrors.IsErrorCode(err, apperrors.ErrCodePortConflict) {
			return 0, false, err
		}
		return node.Port, false, nil
	}

	for foreign := 0; ; foreign++ {
		port, err := s.ports.Allocate(ctx, p.ID, &node.ID)
		if err != nil {
			return 0, false, err
		}
		in, taken := remote[port]
		if !taken || in.Remark == node.Remark {
			return port, true, nil
		}

		// the panel has an inbound we never recorded; keep the port marked used, unowned
		s.logger.WarnCtx(ctx, "allocated port is taken by an unknown inbound", nil, "port", port, "inbound_id", in.ID)
		if err := s.ports.Release(ctx, p.ID, port); err != nil {
			return 0, false, err
		}
		if err := s.ports.Reserve(ctx, p.ID, port, nil); err != nil && !apperrors.IsErrorCode(err, apperrors.ErrCodePortConflict) {
			return 0, false, err
		}
		if foreign+1 >= maxForeignPorts {
			return 0, false, apperrors.NewPortError(apperrors.ErrCodePortConflict,
				fmt.Sprintf("panel %d keeps handing out ports held by unknown inbounds", p.ID), true, nil).
				WithMetadata("panel_id", p.ID)
		}
	}
}

// payloadFor replays the node's stored payload when it targets the same port, otherwise builds a fresh one
// and records the generated identity on the node.
func (s *Provisioner) payloadFor(ctx context.Context, node *model.Node, p *model.Panel) (url.Values, error) {
	if node.ConfigText != "" {
		form, err := payload.ParseConfigText(node.ConfigText)
		if err == nil && form.Get("port") == strconv.Itoa(node.Port) {
			return form, nil
		}
	}

	params := payload.Params{
		Protocol:   node.Protocol,
		PanelType:  p.PanelType,
		Remark:     node.Remark,
		Port:       node.Port,
		ExpiryTime: node.ExpiryTime,
		Password:   node.NodePassword,
		Username:   node.NodeUser,
	}
	if node.Protocol == model.ProtocolVLESS {
		params.XrayVersion = s.xrayVersion(ctx, p)
	}

	built, err := s.builder.Build(params)
	if err != nil {
		return nil, err
	}
	ApplyIdentity(node, built)
	return built.Form, nil
}

// ApplyIdentity copies a freshly built payload's identity and config text onto the node.
func ApplyIdentity(node *model.Node, built *payload.Payload) {
	node.UUID = built.Identity.UUID
	node.SubID = built.Identity.SubID
	if built.Identity.Username != "" {
		node.NodeUser = built.Identity.Username
	}
	if built.Identity.Password != "" {
		node.NodePassword = built.Identity.Password
	}
	node.ConfigText = built.ConfigText()
}

// xrayVersion returns the panel's xray version, asking the panel when it is not known yet.
func (s *Provisioner) xrayVersion(ctx context.Context, p *model.Panel) string {
	if p.XrayVersion != "" {
		return p.XrayVersion
	}
	status, err := s.panels.ServerStatus(ctx, p)
	if err != nil {
		s.logger.WarnCtx(ctx, "could not read xray version, assuming an old build", err)
		return ""
	}
	p.XrayVersion = status.Xray.Version
	if err := s.panelStore.SetXrayVersion(ctx, p.ID, p.XrayVersion); err != nil {
		s.logger.ErrorCtx(ctx, "failed to persist xray version", err)
	}
	return p.XrayVersion
}

// lookupInboundID reads back the id of an inbound whose create response did not echo it.
func (s *Provisioner) lookupInboundID(ctx context.Context, p *model.Panel, port int) int {
	in, err := s.panels.FindInboundByPort(ctx, p, port)
	if err != nil {
		s.logger.WarnCtx(ctx, "created inbound but could not read back its id", err, "port", port)
		return 0
	}
	if in == nil {
		return 0
	}
	return in.ID
}

// OutboundTags lists the outbound tags type-B nodes on p can be routed through.
func (s *Provisioner) OutboundTags(ctx context.Context, p *model.Panel) ([]string, error) {
	cfg, err := s.panels.GetXrayConfig(ctx, p)
	if err != nil {
		return nil, err
	}
	return s.routableTags(cfg), nil
}

func (s *Provisioner) routableTags(cfg *panel.XrayConfig) []string {
	if tags := cfg.RoutableOutboundTags(); len(tags) > 0 {
		return tags
	}
	return s.config.DefaultOutboundTags
}

// PickOutboundTag round-robins tags by index.
func PickOutboundTag(tags []string, index int) string {
	if len(tags) == 0 {
		return ""
	}
	if index < 0 {
		index = -index
	}
	return tags[index%len(tags)]
}

// wireRouting binds the node's inbound to its outbound tag in the panel's routing template.
// A failure leaves the node active but flagged routing-incomplete.
func (s *Provisioner) wireRouting(ctx context.Context, node *model.Node, p *model.Panel) error {
	cfg, err := s.panels.GetXrayConfig(ctx, p)
	if err != nil {
		return s.routingFailed(ctx, node, p, err)
	}

	if node.HostConfig.OutboundTag == "" {
		tags := s.routableTags(cfg)
		if len(tags) == 0 {
			s.logger.DebugContext(ctx, "panel has no routable outbounds, leaving default routing")
			return nil
		}
		node.HostConfig.OutboundTag = PickOutboundTag(tags, p.NodesCount)
	}

	if !cfg.AddRoutingRule(panel.InboundTag(node.Port), node.HostConfig.OutboundTag) {
		return nil
	}
	if err := s.panels.UpdateXrayConfig(ctx, p, cfg); err != nil {
		return s.routingFailed(ctx, node, p, err)
	}
	return nil
}

func (s *Provisioner) routingFailed(ctx context.Context, node *model.Node, p *model.Panel, cause error) error {
	err := apperrors.NewPanelError(apperrors.ErrCodeRoutingWire,
		fmt.Sprintf("routing rule for node %d on panel %d not written", node.ID, p.ID), false, cause).
		WithMetadata("node_id", node.ID).
		WithMetadata("panel_id", p.ID).
		WithMetadata("outbound_tag", node.HostConfig.OutboundTag)

	node.RoutingIncomplete = true
	node.LastError = err.Error()
	s.logger.ErrorCtx(ctx, "node created but routing update failed", err)
	s.events.RoutingIncomplete(ctx, node.ID, p.ID, node.HostConfig.OutboundTag, cause.Error())
	return err
}

// bindUDP binds the node to the transit service. Failures are logged and never affect the node's status.
func (s *Provisioner) bindUDP(ctx context.Context, node *model.Node) {
	if !node.UDP || s.transit == nil {
		return
	}

	var accountID *uint
	if node.OrderID != 0 && s.orders != nil {
		order, err := s.orders.Get(ctx, node.OrderID)
		if err != nil {
			s.logger.WarnCtx(ctx, "order lookup failed, using the default transit account", err, "order_id", node.OrderID)
		} else {
			accountID = order.TransitAccountID
		}
	}

	if _, err := s.transit.BindNode(ctx, node, accountID); err != nil {
		s.logger.ErrorCtx(ctx, "udp binding failed, node stays active", err)
	}
}

func (s *Provisioner) fail(op *logger.Operation, stage string, node *model.Node, p *model.Panel, err error) error {
	pe := stageError(stage, node.ID, p.ID, err)
	op.Fail(err, "provisioning failed", "stage", stage, "retryable", pe.IsRetryable())
	return pe
}

// Renew extends the node's expiry to until on its current panel, keeping port and identity.
// A remote inbound that has disappeared is recreated from the stored payload.
func (s *Provisioner) Renew(ctx context.Context, node *model.Node, p *model.Panel, until time.Time) error {
	ctx = logger.WithPanelID(logger.WithNodeID(ctx, node.ID), p.ID)
	op := s.logger.StartOp(ctx, "renew_node", "until", until)

	form, err := payload.WithExpiry(node.ConfigText, until)
	if err != nil {
		return s.fail(op, StagePayload, node, p, err)
	}

	inbounds, err := s.panels.ListInbounds(ctx, p)
	if err != nil {
		return s.fail(op, StageSession, node, p, err)
	}
	inboundID := 0
	for _, in := range inbounds {
		if in.ID == node.PanelNodeID && in.ID != 0 {
			inboundID = in.ID
			break
		}
		if in.Port == node.Port && in.Remark == node.Remark {
			inboundID = in.ID
		}
	}

	if inboundID != 0 {
		if err := s.panels.UpdateInbound(ctx, p, inboundID, form); err != nil {
			return s.fail(op, StageCreate, node, p, err)
		}
	} else {
		op.Progress("remote inbound missing, recreating", "port", node.Port)
		if err := s.ports.Reserve(ctx, p.ID, node.Port, &node.ID); err != nil &&
			!apperrors.IsErrorCode(err, apperrors.ErrCodePortConflict) {
			return s.fail(op, StagePort, node, p, err)
		}
		created, err := s.panels.AddInbound(ctx, p, form)
		if err != nil {
			return s.fail(op, StageCreate, node, p, err)
		}
		inboundID = created.ID
		if inboundID == 0 {
			inboundID = s.lookupInboundID(ctx, p, node.Port)
		}
	}

	previous := node.Status
	node.PanelNodeID = inboundID
	node.ExpiryTime = until
	node.ConfigText = form.Encode()
	node.Status = model.NodeStatusActive
	node.LastError = ""
	if p.PanelType == model.PanelTypeB && (node.RoutingIncomplete || node.HostConfig.OutboundTag != "") {
		node.RoutingIncomplete = false
		if err := s.wireRouting(ctx, node, p); err != nil {
			s.logger.WarnCtx(ctx, "renewed without routing", err, "outbound_tag", node.HostConfig.OutboundTag)
		}
	}
	if err := s.nodes.Save(ctx, node); err != nil {
		return s.fail(op, StagePersist, node, p, err)
	}

	op.Complete("node renewed", "inbound_id", inboundID)
	if previous != node.Status {
		s.events.NodeStatusChanged(ctx, node.ID, p.ID, string(previous), string(node.Status), "renewed")
	}

	// the rule name carries the expiry date
	if node.UDPBinding != nil {
		s.bindUDP(ctx, node)
	}
	return nil
}

// Deprovision deletes an inbound from p along with its type-B routing rule and lowers the panel's
// node count. The port stays reserved; releasing it is the caller's decision since a migration
// may already have handed it to another node.
func (s *Provisioner) Deprovision(ctx context.Context, p *model.Panel, inboundID, port int) error {
	if inboundID == 0 {
		return nil
	}
	ctx = logger.WithPanelID(ctx, p.ID)

	if err := s.panels.DeleteInbound(ctx, p, inboundID); err != nil {
		s.logger.WarnCtx(ctx, "failed to delete remote inbound", err, "inbound_id", inboundID)
		return err
	}
	if p.PanelType == model.PanelTypeB && port != 0 {
		cfg, err := s.panels.GetXrayConfig(ctx, p)
		if err == nil && cfg.RemoveRoutingRule(panel.InboundTag(port)) {
			err = s.panels.UpdateXrayConfig(ctx, p, cfg)
		}
		if err != nil {
			s.logger.WarnCtx(ctx, "failed to drop routing rule", err, "port", port)
		}
	}

	if err := s.panelStore.AdjustNodesCount(ctx, p.ID, -1); err != nil {
		s.logger.ErrorCtx(ctx, "failed to lower panel node count", err)
	}
	s.logger.InfoContext(ctx, "inbound removed", "inbound_id", inboundID, "port", port)
	return nil
}
