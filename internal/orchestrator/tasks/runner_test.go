package tasks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/db"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/model"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/store"
	apperrors "github.com/ventupx/wrb-vpn-system/pkg/errors"
	"github.com/ventupx/wrb-vpn-system/pkg/events"
	"github.com/ventupx/wrb-vpn-system/pkg/logger"
)

type fixture struct {
	repos    *store.Repositories
	runner   *Runner
	mu       sync.Mutex
	finished []events.Event
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	log := logger.NewNop()
	repos := store.NewRepositories(db.NewTestStore(t))
	bus := events.NewGookitEventBus(events.DefaultEventBusConfig(), log)
	t.Cleanup(func() { _ = bus.Close() })

	f := &fixture{repos: repos, runner: NewRunner(repos.Tasks, cfg, events.NewPublisher(bus, log), log)}
	_, err := bus.Subscribe(events.EventTaskFinished, func(_ context.Context, e events.Event) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.finished = append(f.finished, e)
		return nil
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) finishedEvents() []events.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]events.Event(nil), f.finished...)
}

func (f *fixture) status(t *testing.T, id string) *model.Task {
	t.Helper()
	task, err := f.repos.Tasks.Get(context.Background(), id)
	require.NoError(t, err)
	return task
}

func TestRunOnce_CompletesTask(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	var seen atomic.Uint32
	f.runner.Handle(model.TaskProvision, func(_ context.Context, task *model.Task) error {
		seen.Store(uint32(task.NodeID))
		return nil
	})

	task, err := f.runner.Submit(ctx, &model.Task{NodeID: 11, Kind: model.TaskProvision})
	require.NoError(t, err)

	ran, err := f.runner.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, uint32(11), seen.Load())
	assert.Equal(t, model.TaskDone, f.status(t, task.ID).Status)

	require.Len(t, f.finishedEvents(), 1)
	assert.Equal(t, "done", f.finishedEvents()[0].Metadata()["status"])

	ran, err = f.runner.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestSubmit_AbsorbsDuplicateDispatch(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	first, err := f.runner.Submit(ctx, &model.Task{NodeID: 3, Kind: model.TaskProvision})
	require.NoError(t, err)
	second, err := f.runner.Submit(ctx, &model.Task{NodeID: 3, Kind: model.TaskProvision})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	other, err := f.runner.Submit(ctx, &model.Task{NodeID: 3, Kind: model.TaskRenew})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestRunOnce_RetriesUntilMaxAttempts(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 2})
	ctx := context.Background()

	var calls atomic.Int32
	f.runner.Handle(model.TaskProvision, func(context.Context, *model.Task) error {
		calls.Add(1)
		return apperrors.NewPanelError(apperrors.ErrCodePanelUnreachable, "panel down", true, nil)
	})
	task, err := f.runner.Submit(ctx, &model.Task{NodeID: 5, Kind: model.TaskProvision})
	require.NoError(t, err)

	_, err = f.runner.RunOnce(ctx)
	require.NoError(t, err)
	got := f.status(t, task.ID)
	assert.Equal(t, model.TaskQueued, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Contains(t, got.LastError, "panel down")
	assert.Empty(t, f.finishedEvents())

	_, err = f.runner.RunOnce(ctx)
	require.NoError(t, err)
	got = f.status(t, task.ID)
	assert.Equal(t, model.TaskFailed, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, int32(2), calls.Load())
	require.Len(t, f.finishedEvents(), 1)
	assert.Equal(t, "failed", f.finishedEvents()[0].Metadata()["status"])
}

func TestRunOnce_NonRetryableFailsImmediately(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 5})
	ctx := context.Background()
	f.runner.Handle(model.TaskRenew, func(context.Context, *model.Task) error {
		return apperrors.NewPanelError(apperrors.ErrCodePanelRejected, "rejected", false, nil)
	})
	task, err := f.runner.Submit(ctx, &model.Task{NodeID: 5, Kind: model.TaskRenew})
	require.NoError(t, err)

	_, err = f.runner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, f.status(t, task.ID).Status)
}

func TestRunOnce_UnknownKindFails(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	task, err := f.runner.Submit(ctx, &model.Task{NodeID: 8, Kind: model.TaskCheck})
	require.NoError(t, err)

	_, err = f.runner.RunOnce(ctx)
	require.NoError(t, err)
	got := f.status(t, task.ID)
	assert.Equal(t, model.TaskFailed, got.Status)
	assert.Contains(t, got.LastError, "no handler")
}

func TestRunOnce_UnitTimeoutIsRetried(t *testing.T) {
	f := newFixture(t, Config{UnitTimeout: 20 * time.Millisecond, MaxAttempts: 3})
	ctx := context.Background()
	f.runner.Handle(model.TaskProvision, func(ctx context.Context, _ *model.Task) error {
		<-ctx.Done()
		return ctx.Err()
	})
	task, err := f.runner.Submit(ctx, &model.Task{NodeID: 1, Kind: model.TaskProvision})
	require.NoError(t, err)

	_, err = f.runner.RunOnce(ctx)
	require.NoError(t, err)
	got := f.status(t, task.ID)
	assert.Equal(t, model.TaskQueued, got.Status)
	assert.Contains(t, got.LastError, "deadline exceeded")
}

func TestStart_ReclaimsExpiredLeasesAndDrains(t *testing.T) {
	f := newFixture(t, Config{Workers: 2, PollInterval: 10 * time.Millisecond})
	ctx := context.Background()

	var done atomic.Int32
	f.runner.Handle(model.TaskProvision, func(context.Context, *model.Task) error {
		done.Add(1)
		return nil
	})

	// left running by a runner that died an hour ago
	orphan, _, err := f.repos.Tasks.Enqueue(ctx, &model.Task{NodeID: 1, Kind: model.TaskProvision})
	require.NoError(t, err)
	claimed, err := f.repos.Tasks.Claim(ctx, time.Now().Add(-time.Hour), time.Minute)
	require.NoError(t, err)
	require.Equal(t, orphan.ID, claimed.ID)

	for node := uint(2); node <= 4; node++ {
		_, err := f.runner.Submit(ctx, &model.Task{NodeID: node, Kind: model.TaskProvision})
		require.NoError(t, err)
	}

	require.NoError(t, f.runner.Start(ctx))
	t.Cleanup(func() { _ = f.runner.Stop(context.Background()) })

	require.Eventually(t, func() bool { return done.Load() == 4 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, model.TaskDone, f.status(t, orphan.ID).Status)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, f.runner.Stop(stopCtx))
}

func TestStop_RequeuesInterruptedUnit(t *testing.T) {
	f := newFixture(t, Config{Workers: 1, PollInterval: 10 * time.Millisecond})
	ctx := context.Background()

	started := make(chan struct{})
	f.runner.Handle(model.TaskMigrate, func(ctx context.Context, _ *model.Task) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	task, err := f.runner.Submit(ctx, &model.Task{NodeID: 9, Kind: model.TaskMigrate})
	require.NoError(t, err)

	require.NoError(t, f.runner.Start(ctx))
	<-started
	require.NoError(t, f.runner.Stop(context.Background()))

	got := f.status(t, task.ID)
	assert.Equal(t, model.TaskQueued, got.Status)
	assert.Contains(t, got.LastError, "interrupted")
}

type stubNodes map[uint]*model.Node

func (s stubNodes) Get(_ context.Context, id uint) (*model.Node, error) {
	if n, ok := s[id]; ok {
		return n, nil
	}
	return nil, apperrors.NewNodeError(apperrors.ErrCodeNodeNotFound, "missing", false, nil)
}

type stubPanels struct{}

func (stubPanels) Get(_ context.Context, id uint) (*model.Panel, error) {
	return &model.Panel{ID: id}, nil
}

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s)
}

func (r *recorder) Run(context.Context, *model.Node) error { r.add("provision"); return nil }
func (r *recorder) Complete(context.Context, *model.Task, *model.Node) error {
	r.add("migrate")
	return nil
}
func (r *recorder) Renew(_ context.Context, n *model.Node, p *model.Panel, until time.Time) error {
	if !until.Equal(n.ExpiryTime) || p.ID != n.PanelID {
		return errors.New("renewed with the wrong target")
	}
	r.add("renew")
	return nil
}
func (r *recorder) CheckNode(context.Context, *model.Node) error { r.add("check"); return nil }

func TestHandlers_DispatchByKind(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	rec := &recorder{}
	nodes := stubNodes{
		1: {ID: 1, PanelID: 4, Status: model.NodeStatusPending, ExpiryTime: time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)},
		2: {ID: 2, Status: model.NodeStatusDeleted},
	}
	Handlers{Nodes: nodes, Panels: stubPanels{}, Provisioner: rec, Migrator: rec, Renewer: rec, Checker: rec}.Register(f.runner)

	for _, kind := range []model.TaskKind{model.TaskProvision, model.TaskMigrate, model.TaskRenew, model.TaskCheck} {
		_, err := f.runner.Submit(ctx, &model.Task{NodeID: 1, Kind: kind})
		require.NoError(t, err)
		_, err = f.runner.RunOnce(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"provision", "migrate", "renew", "check"}, rec.calls)

	deleted, err := f.runner.Submit(ctx, &model.Task{NodeID: 2, Kind: model.TaskProvision})
	require.NoError(t, err)
	_, err = f.runner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, f.status(t, deleted.ID).Status)
	assert.Len(t, rec.calls, 4)
}

type bindRecorder struct {
	mu   sync.Mutex
	args []any
}

func (b *bindRecorder) BindWith(_ context.Context, n *model.Node, accountID *uint, in, out int) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.args = []any{n.ID, *accountID, in, out}
	return "11:40001", nil
}

func TestHandlers_BindUDPNeedsServingNode(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	binder := &bindRecorder{}
	rec := &recorder{}
	nodes := stubNodes{
		1: {ID: 1, Status: model.NodeStatusPending},
		3: {ID: 3, Status: model.NodeStatusActive, PanelNodeID: 5},
	}
	Handlers{Nodes: nodes, Panels: stubPanels{}, Provisioner: rec, Migrator: rec, Renewer: rec, Checker: rec, Binder: binder}.
		Register(f.runner)

	account := uint(2)
	ok, err := f.runner.Submit(ctx, &model.Task{NodeID: 3, Kind: model.TaskBindUDP, AccountID: &account,
		InboundGroupID: 11, OutboundGroupID: 12})
	require.NoError(t, err)
	_, err = f.runner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.TaskDone, f.status(t, ok.ID).Status)
	assert.Equal(t, []any{uint(3), uint(2), 11, 12}, binder.args)

	pending, err := f.runner.Submit(ctx, &model.Task{NodeID: 1, Kind: model.TaskBindUDP, InboundGroupID: 11, OutboundGroupID: 12})
	require.NoError(t, err)
	_, err = f.runner.RunOnce(ctx)
	require.NoError(t, err)
	got := f.status(t, pending.ID)
	assert.Equal(t, model.TaskFailed, got.Status)
	assert.Contains(t, got.LastError, "udp needs a serving node")
}
