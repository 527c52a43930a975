package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/db"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/model"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/panel"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/panel/paneltest"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/store"
	"github.com/ventupx/wrb-vpn-system/pkg/events"
	"github.com/ventupx/wrb-vpn-system/pkg/logger"
)

type stubMigrator struct {
	mu    sync.Mutex
	moved []uint
	dests []uint
}

func (m *stubMigrator) Migrate(_ context.Context, node *model.Node, dest *model.Panel) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.moved = append(m.moved, node.ID)
	m.dests = append(m.dests, dest.ID)
	return &model.Task{ID: "t-1", NodeID: node.ID, Kind: model.TaskMigrate}, nil
}

type fixture struct {
	repos    *store.Repositories
	sweeper  *Sweeper
	migrator *stubMigrator

	mu     sync.Mutex
	online []events.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.NewNop()
	repos := store.NewRepositories(db.NewTestStore(t))
	bus := events.NewGookitEventBus(events.DefaultEventBusConfig(), log)
	t.Cleanup(func() { _ = bus.Close() })
	pub := events.NewPublisher(bus, log)

	sessions := panel.NewSessionManager(repos.Panels, panel.Config{}, log)
	sessions.OnOffline = func(ctx context.Context, p *model.Panel, cause error) {
		pub.PanelOnlineChanged(ctx, p.ID, false, cause.Error())
	}
	client := panel.NewClient(sessions, log)
	f := &fixture{repos: repos, migrator: &stubMigrator{}}
	f.sweeper = NewSweeper(client, repos.Panels, repos.Ports, repos.Nodes, repos.Tasks, f.migrator,
		Config{Concurrency: 2}, pub, log)

	_, err := bus.Subscribe(events.EventPanelOnlineChanged, func(_ context.Context, e events.Event) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.online = append(f.online, e)
		return nil
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) onlineEvents() []events.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]events.Event(nil), f.online...)
}

func (f *fixture) addPanel(t *testing.T, fake *paneltest.Server) *model.Panel {
	t.Helper()
	p := fake.Panel(0, model.PanelTypeB)
	require.NoError(t, f.repos.Panels.Create(context.Background(), p))
	return p
}

func (f *fixture) pendingNode(t *testing.T, p *model.Panel, port int) *model.Node {
	t.Helper()
	n := &model.Node{Remark: "n", Protocol: model.ProtocolVMess, PanelID: p.ID, Port: port, Status: model.NodeStatusPending}
	require.NoError(t, f.repos.Nodes.Create(context.Background(), n))
	return n
}

func TestSweepPanel_ReconcilesUsedPorts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fake := paneltest.New(t)
	p := f.addPanel(t, fake)

	fake.AddInbound(paneltest.Inbound{Port: 20001, Protocol: "vmess"})
	fake.AddInbound(paneltest.Inbound{Port: 20002, Protocol: "vmess"})

	stale := 20003
	held := 20004
	require.NoError(t, f.repos.Ports.Reserve(ctx, p.ID, stale, nil))
	n := f.pendingNode(t, p, held)
	require.NoError(t, f.repos.Ports.Reserve(ctx, p.ID, held, &n.ID))

	// every reservation is past its grace period
	f.sweeper.now = func() time.Time { return time.Now().Add(time.Hour) }

	res, err := f.sweeper.SweepPanel(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inbounds)
	assert.Equal(t, 2, res.PortsAdded)
	assert.Equal(t, 1, res.PortsRemoved)

	used, err := f.repos.Ports.UsedPorts(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, map[int]struct{}{20001: {}, 20002: {}, held: {}}, used)

	got, err := f.repos.Panels.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.NodesCount)
	assert.Equal(t, "1.8.4", got.XrayVersion)
	assert.True(t, got.IsOnline)
	assert.NotNil(t, got.LastSweepAt)
	assert.Empty(t, f.onlineEvents())
}

func TestSweepPanel_KeepsFreshReservations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.addPanel(t, paneltest.New(t))
	require.NoError(t, f.repos.Ports.Reserve(ctx, p.ID, 20010, nil))

	res, err := f.sweeper.SweepPanel(ctx, p)
	require.NoError(t, err)
	assert.Zero(t, res.PortsRemoved)

	ok, err := f.repos.Ports.Contains(ctx, p.ID, 20010)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSweepPanel_UnreachablePanelGoesOffline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fake := paneltest.New(t)
	p := f.addPanel(t, fake)
	fake.Down.Store(true)

	_, err := f.sweeper.SweepPanel(ctx, p)
	require.Error(t, err)

	got, err := f.repos.Panels.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, got.IsOnline)
	require.Len(t, f.onlineEvents(), 1, "one outage is announced once")
	assert.Equal(t, false, f.onlineEvents()[0].Metadata()["online"])

	// the next successful sweep brings it back
	fake.Down.Store(false)
	_, err = f.sweeper.SweepPanel(ctx, got)
	require.NoError(t, err)
	got, err = f.repos.Panels.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.IsOnline)
	last := f.onlineEvents()[len(f.onlineEvents())-1]
	assert.Equal(t, true, last.Metadata()["online"])
}

func TestSweepAll_IsolatesFailingPanels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addPanel(t, paneltest.New(t))
	f.addPanel(t, paneltest.New(t))
	down := paneltest.New(t)
	f.addPanel(t, down)
	down.Down.Store(true)

	retired := f.addPanel(t, paneltest.New(t))
	require.NoError(t, f.repos.Panels.SetActive(ctx, retired.ID, false))

	swept, failed, err := f.sweeper.SweepAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, swept)
	assert.Equal(t, 1, failed)

	got, err := f.repos.Panels.Get(ctx, retired.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LastSweepAt)
}

func TestCheckNode_AdoptsInboundOnPort(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fake := paneltest.New(t)
	p := f.addPanel(t, fake)
	remote := fake.AddInbound(paneltest.Inbound{Port: 21000, Protocol: "vmess"})
	n := f.pendingNode(t, p, 21000)

	require.NoError(t, f.sweeper.CheckNode(ctx, n))

	got, err := f.repos.Nodes.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NodeStatusActive, got.Status)
	assert.Equal(t, remote.ID, got.PanelNodeID)
	assert.Empty(t, f.migrator.moved)
}

func TestCheckNode_MigratesOntoSamePanelWhenMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.addPanel(t, paneltest.New(t))
	n := f.pendingNode(t, p, 21001)
	n.PanelNodeID = 42

	require.NoError(t, f.sweeper.CheckNode(ctx, n))
	assert.Equal(t, []uint{n.ID}, f.migrator.moved)
	assert.Equal(t, []uint{p.ID}, f.migrator.dests)
	assert.Zero(t, n.PanelNodeID)
}

func TestCheckNode_IgnoresActiveNodes(t *testing.T) {
	f := newFixture(t)
	p := f.addPanel(t, paneltest.New(t))
	n := f.pendingNode(t, p, 21002)
	n.Status = model.NodeStatusActive

	require.NoError(t, f.sweeper.CheckNode(context.Background(), n))
	assert.Empty(t, f.migrator.moved)
}

func TestCheckPending_QueuesChecksForStaleNodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fake := paneltest.New(t)
	p := f.addPanel(t, fake)
	a := f.pendingNode(t, p, 22000)
	b := f.pendingNode(t, p, 22001)

	queued, err := f.sweeper.CheckPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, queued)

	f.sweeper.now = func() time.Time { return time.Now().Add(time.Hour) }
	queued, err = f.sweeper.CheckPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, queued)
	assert.Empty(t, f.migrator.moved)

	for _, n := range []*model.Node{a, b} {
		open, err := f.repos.Tasks.ListOpenByNode(ctx, n.ID)
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, model.TaskCheck, open[0].Kind)
	}

	// a second pass does not stack more checks
	queued, err = f.sweeper.CheckPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, queued)
}

func TestCheckPending_SkipsNodesWithWorkInFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.addPanel(t, paneltest.New(t))
	n := f.pendingNode(t, p, 22002)

	_, _, err := f.repos.Tasks.Enqueue(ctx, &model.Task{NodeID: n.ID, Kind: model.TaskProvision})
	require.NoError(t, err)
	_, err = f.repos.Tasks.Claim(ctx, time.Now(), time.Hour)
	require.NoError(t, err)

	f.sweeper.now = func() time.Time { return time.Now().Add(time.Hour) }
	queued, err := f.sweeper.CheckPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, queued)

	open, err := f.repos.Tasks.ListOpenByNode(ctx, n.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, model.TaskProvision, open[0].Kind)
}

func TestCheckNode_LeavesNodeAloneWhileProvisionRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.addPanel(t, paneltest.New(t))
	n := f.pendingNode(t, p, 22003)

	_, _, err := f.repos.Tasks.Enqueue(ctx, &model.Task{NodeID: n.ID, Kind: model.TaskProvision})
	require.NoError(t, err)
	_, _, err = f.repos.Tasks.Enqueue(ctx, &model.Task{NodeID: n.ID, Kind: model.TaskCheck})
	require.NoError(t, err)

	require.NoError(t, f.sweeper.CheckNode(ctx, n))
	assert.Empty(t, f.migrator.moved)

	got, err := f.repos.Nodes.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, 22003, got.Port)
	assert.Equal(t, model.NodeStatusPending, got.Status)
}
