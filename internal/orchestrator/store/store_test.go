package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/db"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/model"
	apperrors "github.com/ventupx/wrb-vpn-system/pkg/errors"
)

func newRepos(t *testing.T) *Repositories {
	t.Helper()
	return NewRepositories(db.NewTestStore(t))
}

func createPanel(t *testing.T, repos *Repositories, p model.Panel) *model.Panel {
	t.Helper()
	require.NoError(t, repos.Panels.Create(context.Background(), &p))
	return &p
}

func TestPanelRepository_ListEligibleOrdering(t *testing.T) {
	repos := newRepos(t)
	ctx := context.Background()

	busy := createPanel(t, repos, model.Panel{Address: "10.0.0.1:54321", Username: "u", Password: "p",
		PanelType: model.PanelTypeB, Country: "US", IsActive: true, IsOnline: true, NodesCount: 9})
	tieLow := createPanel(t, repos, model.Panel{Address: "10.0.0.2:54321", Username: "u", Password: "p",
		PanelType: model.PanelTypeB, Country: "US", IsActive: true, IsOnline: true, NodesCount: 2})
	tieHigh := createPanel(t, repos, model.Panel{Address: "10.0.0.3:54321", Username: "u", Password: "p",
		PanelType: model.PanelTypeB, Country: "US", IsActive: true, IsOnline: true, NodesCount: 2})
	createPanel(t, repos, model.Panel{Address: "10.0.0.4:54321", Username: "u", Password: "p",
		PanelType: model.PanelTypeB, Country: "US", IsActive: true, IsOnline: false})
	createPanel(t, repos, model.Panel{Address: "10.0.0.5:54321", Username: "u", Password: "p",
		PanelType: model.PanelTypeB, Country: "US", IsActive: false, IsOnline: true})
	createPanel(t, repos, model.Panel{Address: "10.0.0.6:54321", Username: "u", Password: "p",
		PanelType: model.PanelTypeA, Country: "US", IsActive: true, IsOnline: true})
	createPanel(t, repos, model.Panel{Address: "10.0.0.7:54321", Username: "u", Password: "p",
		PanelType: model.PanelTypeB, Country: "JP", IsActive: true, IsOnline: true})

	panels, err := repos.Panels.ListEligible(ctx, "US", model.PanelTypeB, 0)
	require.NoError(t, err)
	require.Len(t, panels, 3)
	assert.Equal(t, []uint{tieLow.ID, tieHigh.ID, busy.ID}, []uint{panels[0].ID, panels[1].ID, panels[2].ID})

	panels, err = repos.Panels.ListEligible(ctx, "US", model.PanelTypeB, tieLow.ID)
	require.NoError(t, err)
	require.Len(t, panels, 2)
	assert.Equal(t, tieHigh.ID, panels[0].ID)
}

func TestPanelRepository_NotFound(t *testing.T) {
	repos := newRepos(t)

	_, err := repos.Panels.Get(context.Background(), 42)
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrCodePanelNotFound))

	err = repos.Panels.SetOnline(context.Background(), 42, true)
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrCodePanelNotFound))
}

func TestPanelRepository_CookieAndCounters(t *testing.T) {
	repos := newRepos(t)
	ctx := context.Background()
	p := createPanel(t, repos, model.Panel{Address: "10.0.0.1:54321", Username: "u", Password: "p",
		PanelType: model.PanelTypeA, Country: "US", IsActive: true, NodesCount: 1})

	require.NoError(t, repos.Panels.SetCookie(ctx, p.ID, "session=abc"))
	require.NoError(t, repos.Panels.AdjustNodesCount(ctx, p.ID, -3))
	require.NoError(t, repos.Panels.RecordSweep(ctx, p.ID, PanelStats{NodesCount: 4, XrayVersion: "1.8.4", CPUUsage: 12.5}))

	got, err := repos.Panels.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "session=abc", got.Cookie)
	assert.Equal(t, 4, got.NodesCount)
	assert.True(t, got.IsOnline)
	assert.Equal(t, "1.8.4", got.XrayVersion)
	assert.NotNil(t, got.LastSweepAt)

	require.NoError(t, repos.Panels.AdjustNodesCount(ctx, p.ID, -10))
	got, err = repos.Panels.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.NodesCount)
}

func TestPortRepository_ReserveConflictRelease(t *testing.T) {
	repos := newRepos(t)
	ctx := context.Background()

	require.NoError(t, repos.Ports.Reserve(ctx, 1, 20000, nil))
	err := repos.Ports.Reserve(ctx, 1, 20000, nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrCodePortConflict))

	ok, err := repos.Ports.Contains(ctx, 1, 20000)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, repos.Ports.Release(ctx, 1, 20000))
	require.NoError(t, repos.Ports.Release(ctx, 1, 20000))

	used, err := repos.Ports.UsedPorts(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, used)
}

func TestPortRepository_Reconcile(t *testing.T) {
	repos := newRepos(t)
	ctx := context.Background()
	p := createPanel(t, repos, model.Panel{Address: "10.0.0.1:54321", Username: "u", Password: "p",
		PanelType: model.PanelTypeB, Country: "US", IsActive: true, IsOnline: true})

	node := &model.Node{PanelID: p.ID, Port: 30001, Protocol: model.ProtocolVMess, Status: model.NodeStatusActive}
	require.NoError(t, repos.Nodes.Create(ctx, node))

	require.NoError(t, repos.Ports.Reserve(ctx, p.ID, 30001, &node.ID)) // held by an active node
	require.NoError(t, repos.Ports.Reserve(ctx, p.ID, 30002, nil))      // stale
	require.NoError(t, repos.Ports.Reserve(ctx, p.ID, 30003, nil))      // still on the panel

	added, removed, err := repos.Ports.Reconcile(ctx, p.ID, []int{30003, 30004}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, removed)

	used, err := repos.Ports.UsedPorts(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, used, 3)
	assert.Contains(t, used, 30001)
	assert.Contains(t, used, 30003)
	assert.Contains(t, used, 30004)
	assert.NotContains(t, used, 30002)
}

func TestPortRepository_ReconcileKeepsFreshReservations(t *testing.T) {
	repos := newRepos(t)
	ctx := context.Background()

	require.NoError(t, repos.Ports.Reserve(ctx, 7, 40000, nil))

	_, removed, err := repos.Ports.Reconcile(ctx, 7, nil, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestNodeRepository_CRUD(t *testing.T) {
	repos := newRepos(t)
	ctx := context.Background()

	n := &model.Node{
		OrderID:    3,
		Protocol:   model.ProtocolVLESS,
		PanelID:    1,
		HostConfig: model.HostConfig{ID: 1, PanelType: model.PanelTypeB, OutboundTag: "out-1"},
		UDPBinding: &model.UDPBinding{AccountID: 2, InboundID: 11, OutboundID: 22},
	}
	require.NoError(t, repos.Nodes.Create(ctx, n))
	assert.Equal(t, model.NodeStatusPending, n.Status)

	got, err := repos.Nodes.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, "out-1", got.HostConfig.OutboundTag)
	require.NotNil(t, got.UDPBinding)
	assert.Equal(t, 11, got.UDPBinding.InboundID)

	require.NoError(t, repos.Nodes.SetStatus(ctx, n.ID, model.NodeStatusInactive, "boom"))
	got, err = repos.Nodes.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NodeStatusInactive, got.Status)
	assert.Equal(t, "boom", got.LastError)

	nodes, err := repos.Nodes.ListByOrder(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, nodes, 1)

	_, err = repos.Nodes.Get(ctx, 999)
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrCodeNodeNotFound))
}

func TestOrderRepository_RefundsAreDeduplicatedPerNode(t *testing.T) {
	repos := newRepos(t)
	ctx := context.Background()

	added, err := repos.Orders.AddRefund(ctx, &model.Refund{OrderID: 1, NodeID: 5, Reason: "no panel"})
	require.NoError(t, err)
	assert.True(t, added)

	added, err = repos.Orders.AddRefund(ctx, &model.Refund{OrderID: 1, NodeID: 5, Reason: "no panel"})
	require.NoError(t, err)
	assert.False(t, added)

	refunds, err := repos.Orders.ListRefunds(ctx, true)
	require.NoError(t, err)
	require.Len(t, refunds, 1)

	require.NoError(t, repos.Orders.SettleRefund(ctx, refunds[0].ID))
	refunds, err = repos.Orders.ListRefunds(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, refunds)
}

func TestTransitRepository_Resolve(t *testing.T) {
	repos := newRepos(t)
	ctx := context.Background()

	_, err := repos.Transit.Default(ctx)
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrCodeTransitNotFound))

	disabled := &model.TransitAccount{Username: "a", Password: "x", Enabled: false}
	enabled := &model.TransitAccount{Username: "b", Password: "y", Enabled: true}
	require.NoError(t, repos.Transit.Create(ctx, disabled))
	require.NoError(t, repos.Transit.Create(ctx, enabled))

	got, err := repos.Transit.Resolve(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, enabled.ID, got.ID)

	got, err = repos.Transit.Resolve(ctx, &disabled.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Username)
}

func TestTaskRepository_EnqueueDeduplicates(t *testing.T) {
	repos := newRepos(t)
	ctx := context.Background()

	first, created, err := repos.Tasks.Enqueue(ctx, &model.Task{NodeID: 1, Kind: model.TaskProvision})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, first.ID)

	dup, created, err := repos.Tasks.Enqueue(ctx, &model.Task{NodeID: 1, Kind: model.TaskProvision})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, dup.ID)

	_, created, err = repos.Tasks.Enqueue(ctx, &model.Task{NodeID: 1, Kind: model.TaskRenew})
	require.NoError(t, err)
	assert.True(t, created)

	// once finished a new task for the same key may be queued
	require.NoError(t, repos.Tasks.Complete(ctx, first.ID))
	again, created, err := repos.Tasks.Enqueue(ctx, &model.Task{NodeID: 1, Kind: model.TaskProvision})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, again.ID)
}

func TestTaskRepository_ClaimAndReclaim(t *testing.T) {
	repos := newRepos(t)
	ctx := context.Background()

	queued, _, err := repos.Tasks.Enqueue(ctx, &model.Task{NodeID: 9, Kind: model.TaskMigrate})
	require.NoError(t, err)

	now := time.Now()
	claimed, err := repos.Tasks.Claim(ctx, now, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, queued.ID, claimed.ID)
	assert.Equal(t, model.TaskRunning, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)

	none, err := repos.Tasks.Claim(ctx, now, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)

	n, err := repos.Tasks.ReclaimExpired(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	again, err := repos.Tasks.Claim(ctx, now.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 2, again.Attempts)

	require.NoError(t, repos.Tasks.Fail(ctx, again.ID, "gave up"))
	got, err := repos.Tasks.Get(ctx, again.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, got.Status)
	assert.Equal(t, "gave up", got.LastError)

	counts, err := repos.Tasks.CountByStatus(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts[model.TaskFailed])
}

func TestTaskRepository_ClaimSerializesPerNode(t *testing.T) {
	repos := newRepos(t)
	ctx := context.Background()

	provision, _, err := repos.Tasks.Enqueue(ctx, &model.Task{NodeID: 7, Kind: model.TaskProvision})
	require.NoError(t, err)
	renew, _, err := repos.Tasks.Enqueue(ctx, &model.Task{NodeID: 7, Kind: model.TaskRenew})
	require.NoError(t, err)
	other, _, err := repos.Tasks.Enqueue(ctx, &model.Task{NodeID: 8, Kind: model.TaskProvision})
	require.NoError(t, err)

	now := time.Now()
	first, err := repos.Tasks.Claim(ctx, now, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, provision.ID, first.ID)

	// node 7 is busy, so the next claim moves on to node 8
	second, err := repos.Tasks.Claim(ctx, now, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, other.ID, second.ID)

	none, err := repos.Tasks.Claim(ctx, now, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)

	open, err := repos.Tasks.ListOpenByNode(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, open, 2)

	require.NoError(t, repos.Tasks.Complete(ctx, first.ID))
	third, err := repos.Tasks.Claim(ctx, now, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, third)
	assert.Equal(t, renew.ID, third.ID)
}

func TestTaskRepository_ClaimIgnoresExpiredLeaseOnNode(t *testing.T) {
	repos := newRepos(t)
	ctx := context.Background()

	_, _, err := repos.Tasks.Enqueue(ctx, &model.Task{NodeID: 3, Kind: model.TaskProvision})
	require.NoError(t, err)
	renew, _, err := repos.Tasks.Enqueue(ctx, &model.Task{NodeID: 3, Kind: model.TaskRenew})
	require.NoError(t, err)

	now := time.Now()
	stale, err := repos.Tasks.Claim(ctx, now, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, stale)

	// after the lease lapses the node is claimable again, oldest first
	later := now.Add(2 * time.Minute)
	next, err := repos.Tasks.Claim(ctx, later, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, stale.ID, next.ID)
	assert.NotEqual(t, renew.ID, next.ID)
}
