package migration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/db"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/failover"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/model"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/panel"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/panel/paneltest"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/port"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/provisioner"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/store"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/transit"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/transit/transittest"
	apperrors "github.com/ventupx/wrb-vpn-system/pkg/errors"
	"github.com/ventupx/wrb-vpn-system/pkg/events"
	"github.com/ventupx/wrb-vpn-system/pkg/logger"
)

type fixture struct {
	repos    *store.Repositories
	prov     *provisioner.Provisioner
	migrator *Migrator
	transit  *transittest.Server
}

func newFixture(t *testing.T, portCfg port.Config) *fixture {
	t.Helper()
	log := logger.NewNop()
	repos := store.NewRepositories(db.NewTestStore(t))
	bus := events.NewGookitEventBus(events.DefaultEventBusConfig(), log)
	t.Cleanup(func() { _ = bus.Close() })
	pub := events.NewPublisher(bus, log)

	client := panel.NewClient(panel.NewSessionManager(repos.Panels, panel.Config{}, log), log)
	ports := port.NewAllocator(repos.Ports, portCfg, log)

	relay := transittest.New(t)
	require.NoError(t, repos.Transit.Create(context.Background(), &model.TransitAccount{
		Username:        "relay",
		Password:        "secret",
		Enabled:         true,
		DefaultInbound:  &model.DeviceGroup{ID: 7, Type: transit.GroupTypeInbound},
		DefaultOutbound: &model.DeviceGroup{ID: 9, Type: transit.GroupTypeOutbound},
	}))
	binder := transit.NewManager(transit.NewClient(transit.ClientConfig{BaseURL: relay.URL()}, log),
		repos.Transit, repos.Nodes, repos.Orders,
		transit.Config{MaxAttempts: 2, BackoffMin: time.Millisecond, BackoffMax: time.Millisecond}, pub, log)

	prov := provisioner.New(provisioner.Dependencies{
		Panels:     client,
		Ports:      ports,
		Nodes:      repos.Nodes,
		PanelStore: repos.Panels,
		Orders:     repos.Orders,
		Transit:    binder,
		Events:     pub,
	}, provisioner.Config{}, log)
	coordinator := failover.NewCoordinator(prov, repos.Panels, repos.Nodes, repos.Orders, ports, pub, log)

	return &fixture{
		repos:    repos,
		prov:     prov,
		migrator: NewMigrator(repos.Panels, repos.Nodes, ports, repos.Tasks, prov, coordinator, nil, pub, log),
		transit:  relay,
	}
}

func (f *fixture) addPanel(t *testing.T, fake *paneltest.Server, panelType model.PanelType) *model.Panel {
	t.Helper()
	p := fake.Panel(0, panelType)
	require.NoError(t, f.repos.Panels.Create(context.Background(), p))
	return p
}

// activeNode provisions a node for real so it has a remote inbound to migrate away from.
func (f *fixture) activeNode(t *testing.T, p *model.Panel, orderID uint, protocol model.Protocol) *model.Node {
	t.Helper()
	ctx := context.Background()
	n := &model.Node{
		OrderID:    orderID,
		Remark:     "node",
		Protocol:   protocol,
		PanelID:    p.ID,
		Status:     model.NodeStatusPending,
		ExpiryTime: time.Now().AddDate(0, 1, 0),
	}
	require.NoError(t, f.repos.Nodes.Create(ctx, n))
	require.NoError(t, f.prov.Provision(ctx, n, p))
	return n
}

func TestMigrate_ReleasesOriginPortAndRecreatesOnDestination(t *testing.T) {
	f := newFixture(t, port.Config{Min: 30000, Max: 30001})
	ctx := context.Background()

	fakeA, fakeB := paneltest.New(t), paneltest.New(t)
	a := f.addPanel(t, fakeA, model.PanelTypeB)
	b := f.addPanel(t, fakeB, model.PanelTypeB)

	n := f.activeNode(t, a, 0, model.ProtocolVMess)
	originPort, originUUID := n.Port, n.UUID
	require.Equal(t, 1, fakeA.InboundCount())

	// the origin's port is already taken on the destination
	require.NoError(t, f.repos.Ports.Reserve(ctx, b.ID, originPort, nil))

	task, err := f.migrator.Migrate(ctx, n, b)
	require.NoError(t, err)
	assert.Equal(t, model.TaskMigrate, task.Kind)
	assert.Equal(t, a.ID, task.OriginPanelID)
	assert.Equal(t, originPort, task.OriginPort)

	pending, err := f.repos.Nodes.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NodeStatusPending, pending.Status)
	assert.Equal(t, b.ID, pending.HostConfig.ID)
	assert.Equal(t, b.ID, pending.PanelID)
	assert.NotEqual(t, originPort, pending.Port)
	assert.NotEqual(t, originUUID, pending.UUID)
	assert.Zero(t, pending.PanelNodeID)
	assert.NotEmpty(t, pending.HostConfig.OutboundTag)

	require.NoError(t, f.migrator.Complete(ctx, task, pending))

	assert.Equal(t, model.NodeStatusActive, pending.Status)
	assert.Equal(t, b.ID, pending.HostConfig.ID)
	assert.Zero(t, fakeA.InboundCount())
	assert.Empty(t, fakeA.RoutingRules())
	require.Equal(t, 1, fakeB.InboundCount())
	assert.Equal(t, pending.Port, fakeB.Inbounds()[0].Port)
	assert.Len(t, fakeB.RoutingRules(), 1)

	onA, err := f.repos.Ports.Contains(ctx, a.ID, originPort)
	require.NoError(t, err)
	assert.False(t, onA)
	onB, err := f.repos.Ports.Contains(ctx, b.ID, pending.Port)
	require.NoError(t, err)
	assert.True(t, onB)
}

func TestMigrate_RebindsUDPRuleToNewDestination(t *testing.T) {
	f := newFixture(t, port.Config{Min: 30000, Max: 30001})
	ctx := context.Background()
	a := f.addPanel(t, paneltest.New(t), model.PanelTypeA)
	b := f.addPanel(t, paneltest.New(t), model.PanelTypeA)

	order := &model.Order{OutTradeNo: "202610170007", Country: "JP", UDP: true, Status: model.OrderStatusPaid}
	require.NoError(t, f.repos.Orders.Create(ctx, order))
	n := &model.Node{
		OrderID:    order.ID,
		Remark:     "jp-udp",
		Protocol:   model.ProtocolShadowsocks,
		PanelID:    a.ID,
		UDP:        true,
		Status:     model.NodeStatusPending,
		ExpiryTime: time.Now().AddDate(0, 1, 0),
	}
	require.NoError(t, f.repos.Nodes.Create(ctx, n))
	require.NoError(t, f.prov.Provision(ctx, n, a))

	origin := n.Destination()
	udpHost := n.UDPHost
	require.NotEmpty(t, udpHost)
	rules := f.transit.Rules()
	require.Len(t, rules, 1)
	assert.Equal(t, transittest.DestinationConfig(origin), rules[0].Config)

	// force a different port on the destination
	require.NoError(t, f.repos.Ports.Reserve(ctx, b.ID, n.Port, nil))
	task, err := f.migrator.Migrate(ctx, n, b)
	require.NoError(t, err)
	pending, err := f.repos.Nodes.Get(ctx, n.ID)
	require.NoError(t, err)
	require.NoError(t, f.migrator.Complete(ctx, task, pending))

	assert.Equal(t, model.NodeStatusActive, pending.Status)
	require.NotEqual(t, origin, pending.Destination())

	rules = f.transit.Rules()
	require.Len(t, rules, 1)
	assert.Equal(t, transittest.DestinationConfig(pending.Destination()), rules[0].Config)
	assert.Equal(t, "JP-"+pending.ExpiryTime.UTC().Format("2006/01/02")+"-202610170007", rules[0].Name)
	assert.Equal(t, int32(1), f.transit.Creates.Load())

	stored, err := f.repos.Nodes.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, udpHost, stored.UDPHost)
	require.NotNil(t, stored.UDPBinding)
	assert.Equal(t, pending.Destination(), stored.UDPBinding.Destination)
}

func TestMigrate_ShadowsocksKeepsPassword(t *testing.T) {
	f := newFixture(t, port.Config{})
	ctx := context.Background()
	a := f.addPanel(t, paneltest.New(t), model.PanelTypeA)
	b := f.addPanel(t, paneltest.New(t), model.PanelTypeA)

	n := f.activeNode(t, a, 0, model.ProtocolShadowsocks)
	password := n.NodePassword
	require.NotEmpty(t, password)

	_, err := f.migrator.Migrate(ctx, n, b)
	require.NoError(t, err)
	assert.Equal(t, password, n.NodePassword)
	assert.Contains(t, n.ConfigText, "port=")
}

func TestMigrate_DuplicateDispatchQueuesOnce(t *testing.T) {
	f := newFixture(t, port.Config{})
	ctx := context.Background()
	a := f.addPanel(t, paneltest.New(t), model.PanelTypeA)
	b := f.addPanel(t, paneltest.New(t), model.PanelTypeA)
	n := f.activeNode(t, a, 0, model.ProtocolVMess)

	first, err := f.migrator.Migrate(ctx, n, b)
	require.NoError(t, err)
	second, err := f.migrator.Migrate(ctx, n, b)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	tasks, err := f.repos.Tasks.ListByNode(ctx, n.ID)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestMigrate_RejectsInactiveDestination(t *testing.T) {
	f := newFixture(t, port.Config{})
	ctx := context.Background()
	a := f.addPanel(t, paneltest.New(t), model.PanelTypeA)
	b := f.addPanel(t, paneltest.New(t), model.PanelTypeA)
	n := f.activeNode(t, a, 0, model.ProtocolVMess)

	b.IsActive = false
	_, err := f.migrator.Migrate(ctx, n, b)
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrCodeValidation))
	assert.Equal(t, a.ID, n.PanelID)
}

func TestMigrateOrder_RoundRobinsOutboundTags(t *testing.T) {
	f := newFixture(t, port.Config{})
	ctx := context.Background()
	a := f.addPanel(t, paneltest.New(t), model.PanelTypeA)
	b := f.addPanel(t, paneltest.New(t), model.PanelTypeB)

	for i := 0; i < 3; i++ {
		f.activeNode(t, a, 7, model.ProtocolVMess)
	}

	tasks, err := f.migrator.MigrateOrder(ctx, 7, b)
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	nodes, err := f.repos.Nodes.ListByOrder(ctx, 7)
	require.NoError(t, err)
	var tags []string
	for _, n := range nodes {
		assert.Equal(t, b.ID, n.PanelID)
		tags = append(tags, n.HostConfig.OutboundTag)
	}
	assert.Equal(t, []string{"us-1", "us-2", "us-1"}, tags)
}

func TestMigrateOrder_StopsWhenCancelled(t *testing.T) {
	f := newFixture(t, port.Config{})
	a := f.addPanel(t, paneltest.New(t), model.PanelTypeA)
	b := f.addPanel(t, paneltest.New(t), model.PanelTypeA)
	f.activeNode(t, a, 9, model.ProtocolVMess)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tasks, err := f.migrator.MigrateOrder(ctx, 9, b)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, tasks)
}
