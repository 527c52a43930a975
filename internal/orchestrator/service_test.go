package orchestrator

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/config"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/model"
	"github.com/ventupx/wrb-vpn-system/pkg/events"
	"github.com/ventupx/wrb-vpn-system/pkg/logger"
)

func testConfig(t *testing.T, secret string) *config.Config {
	t.Helper()
	cfg := &config.Config{
		API: config.APIConfig{ListenAddr: "127.0.0.1:0", JWTSecret: secret},
		DB:  config.DBConfig{Driver: "sqlite", Path: ":memory:"},
		TaskRunner: config.TaskRunnerConfig{
			Workers:      1,
			PollInterval: 50 * time.Millisecond,
		},
		Scheduler: config.SchedulerConfig{HealthSweep: "@every 1h", PendingCheck: "@every 1h"},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestService(t *testing.T, secret string) *Service {
	t.Helper()
	svc, err := NewService(testConfig(t, secret), "test", logger.NewNop())
	require.NoError(t, err)
	svc.disableSignalHandling = true
	return svc
}

func TestService_StartStop(t *testing.T) {
	svc := newTestService(t, "secret")
	ctx := context.Background()

	require.NoError(t, svc.Start(ctx))
	assert.True(t, svc.IsRunning())
	assert.True(t, svc.Components().Scheduler.IsRunning())
	require.NoError(t, svc.Health(ctx))

	assert.Error(t, svc.Start(ctx), "second start must fail")

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Stop(stopCtx))
	assert.False(t, svc.IsRunning())
	assert.False(t, svc.Components().Scheduler.IsRunning())
	assert.Error(t, svc.Health(ctx))

	// stopping twice is a no-op
	require.NoError(t, svc.Stop(stopCtx))
}

func TestService_StartFailureRollsBack(t *testing.T) {
	svc := newTestService(t, "")

	err := svc.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API server")
	assert.False(t, svc.IsRunning())
	assert.False(t, svc.Components().Scheduler.IsRunning())
	_ = svc.Components().Store.Close()
}

func TestService_WiresFulfillmentThroughRunner(t *testing.T) {
	svc := newTestService(t, "secret")
	ctx := context.Background()
	c := svc.Components()

	// an order whose country has no panel fails without reaching any remote
	order := &model.Order{OutTradeNo: "T1", Country: "NOWHERE", Protocol: model.ProtocolVLESS,
		PanelType: model.PanelTypeB, NodeCount: 1, PeriodDays: 30, Status: model.OrderStatusPaid}
	require.NoError(t, c.Repos.Orders.Create(ctx, order))

	_, err := c.Fulfillment.Fulfill(ctx, order.ID)
	require.Error(t, err)

	stored, err := c.Repos.Orders.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFailed, stored.Status)
	_ = c.Store.Close()
}

func TestService_ServesHealth(t *testing.T) {
	svc := newTestService(t, "secret")
	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })

	srv := httptest.NewServer(svc.Components().API.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"version":"test"`)
}

func TestService_AnnouncesPanelsTheSessionMarksOffline(t *testing.T) {
	svc := newTestService(t, "secret")
	ctx := context.Background()
	c := svc.Components()
	t.Cleanup(func() { _ = c.Store.Close() })

	var (
		mu  sync.Mutex
		got []events.Event
	)
	_, err := c.EventBus.Subscribe(events.EventPanelOnlineChanged, func(_ context.Context, e events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
		return nil
	})
	require.NoError(t, err)

	dead := httptest.NewServer(http.NotFoundHandler())
	address := strings.TrimPrefix(dead.URL, "http://")
	dead.Close()

	p := &model.Panel{Address: address, Username: "u", Password: "p", PanelType: model.PanelTypeB,
		Country: "US", IsActive: true, IsOnline: true}
	require.NoError(t, c.Repos.Panels.Create(ctx, p))

	_, err = c.Panels.ListInbounds(ctx, p)
	require.Error(t, err)
	_, err = c.Panels.ListInbounds(ctx, p)
	require.Error(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, false, got[0].Metadata()["online"])
	assert.EqualValues(t, p.ID, got[0].Metadata()["panel_id"])

	stored, err := c.Repos.Panels.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsOnline)
}
