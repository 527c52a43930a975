package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/db"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/fulfillment"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/health"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/model"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/panel"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/store"
	pkgapi "github.com/ventupx/wrb-vpn-system/pkg/api"
	apperrors "github.com/ventupx/wrb-vpn-system/pkg/errors"
	"github.com/ventupx/wrb-vpn-system/pkg/events"
	applogger "github.com/ventupx/wrb-vpn-system/pkg/logger"
)

const testSecret = "test-secret"

type stubFulfiller struct {
	result *fulfillment.Result
	err    error
	renew  time.Time
}

func (s *stubFulfiller) Fulfill(_ context.Context, orderID uint) (*fulfillment.Result, error) {
	return s.result, s.err
}

func (s *stubFulfiller) Renew(_ context.Context, nodeID uint, until time.Time) (*model.Task, error) {
	s.renew = until
	return &model.Task{ID: "renew-1", NodeID: nodeID, Kind: model.TaskRenew}, nil
}

func (s *stubFulfiller) Delete(_ context.Context, nodeID uint) (*model.Node, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &model.Node{ID: nodeID, Status: model.NodeStatusDeleted}, nil
}

type stubMigrator struct {
	dest *model.Panel
}

func (s *stubMigrator) Migrate(_ context.Context, node *model.Node, dest *model.Panel) (*model.Task, error) {
	s.dest = dest
	return &model.Task{ID: "mig-1", NodeID: node.ID, Kind: model.TaskMigrate}, nil
}

func (s *stubMigrator) MigrateOrder(_ context.Context, _ uint, dest *model.Panel) ([]*model.Task, error) {
	s.dest = dest
	return nil, apperrors.NewNodeError(apperrors.ErrCodeNodeNotFound, "order has no live nodes", false, nil)
}

type stubSweeper struct{}

func (stubSweeper) SweepPanel(_ context.Context, p *model.Panel) (*health.SweepResult, error) {
	return &health.SweepResult{PanelID: p.ID, Inbounds: 4, PortsAdded: 1}, nil
}

type stubRemote struct {
	err     error
	connErr error
	config  *panel.XrayConfig
	saved   *panel.XrayConfig
}

func (s *stubRemote) RestartXray(_ context.Context, p *model.Panel) error {
	if s.err != nil {
		return s.err
	}
	now := time.Now().UTC()
	p.LastRestart = &now
	return nil
}

func (s *stubRemote) TestConnection(context.Context, *model.Panel) error {
	return s.connErr
}

func (s *stubRemote) GetXrayConfig(_ context.Context, p *model.Panel) (*panel.XrayConfig, error) {
	if p.PanelType != model.PanelTypeB {
		return nil, apperrors.NewPanelError(apperrors.ErrCodePanelUnsupported, "routing config needs a type B panel", false, nil)
	}
	return s.config, nil
}

func (s *stubRemote) UpdateXrayConfig(_ context.Context, _ *model.Panel, cfg *panel.XrayConfig) error {
	s.saved = cfg
	return nil
}

func (s *stubRemote) BreakerState(*model.Panel) panel.CircuitBreakerState {
	if s.connErr != nil {
		return panel.StateOpen
	}
	return panel.StateClosed
}

type stubTransit struct {
	accounts  []*model.TransitAccount
	refreshed []uint
}

func (s *stubTransit) Accounts(context.Context) ([]*model.TransitAccount, error) {
	return s.accounts, nil
}

func (s *stubTransit) RefreshAccount(_ context.Context, id uint) (*model.TransitAccount, error) {
	for _, a := range s.accounts {
		if a.ID == id {
			s.refreshed = append(s.refreshed, id)
			a.Balance += 1
			return a, nil
		}
	}
	return nil, apperrors.NewTransitError(apperrors.ErrCodeTransitNotFound, "transit account not found", false, nil)
}

type apiFixture struct {
	server    *Server
	repos     *store.Repositories
	bus       events.EventBus
	fulfiller *stubFulfiller
	migrator  *stubMigrator
	remote    *stubRemote
	transit   *stubTransit
	token     string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	repos := store.NewRepositories(db.NewTestStore(t))
	bus := events.NewGookitEventBus(events.DefaultEventBusConfig(), applogger.NewNop())
	t.Cleanup(func() { _ = bus.Close() })

	f := &apiFixture{
		repos:     repos,
		bus:       bus,
		fulfiller: &stubFulfiller{},
		migrator:  &stubMigrator{},
		remote:    &stubRemote{},
		transit:   &stubTransit{},
	}
	f.server = NewServer(ServerConfig{Address: "127.0.0.1:0", JWTSecret: testSecret, Version: "test"}, Dependencies{
		Nodes:     repos.Nodes,
		Panels:    repos.Panels,
		Refunds:   repos.Orders,
		Fulfiller: f.fulfiller,
		Migrator:  f.migrator,
		Tasks:     repos.Tasks,
		Sweeper:   stubSweeper{},
		Remote:    f.remote,
		Transit:   f.transit,
		Bus:       bus,
	}, applogger.NewNop())

	token, err := IssueToken(testSecret, "ops", time.Hour)
	require.NoError(t, err)
	f.token = token
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) panel(t *testing.T) *model.Panel {
	t.Helper()
	p := &model.Panel{Address: "10.0.0.1:54321", Username: "u", Password: "p", PanelType: model.PanelTypeB,
		Country: "US", IsActive: true, IsOnline: true}
	require.NoError(t, f.repos.Panels.Create(context.Background(), p))
	return p
}

func (f *apiFixture) node(t *testing.T, status model.NodeStatus) *model.Node {
	t.Helper()
	n := &model.Node{OrderID: 9, Protocol: model.ProtocolVLESS, PanelID: 1, Port: 20001, Status: status,
		ExpiryTime: time.Now().Add(24 * time.Hour)}
	require.NoError(t, f.repos.Nodes.Create(context.Background(), n))
	return n
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) pkgapi.Response[T] {
	t.Helper()
	var resp pkgapi.Response[T]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHealth_IsPublic(t *testing.T) {
	f := newAPIFixture(t)
	f.token = ""

	rec := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[pkgapi.HealthResponse](t, rec)
	assert.Equal(t, "test", resp.Data.Version)
	assert.Equal(t, "healthy", resp.Data.EventBus)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestAuth(t *testing.T) {
	f := newAPIFixture(t)
	n := f.node(t, model.NodeStatusActive)

	f.token = ""
	rec := f.do(t, http.MethodGet, "/api/v1/nodes/1", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	f.token = "not-a-token"
	rec = f.do(t, http.MethodGet, "/api/v1/nodes/1", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	other, err := IssueToken("another-secret", "ops", time.Hour)
	require.NoError(t, err)
	f.token = other
	rec = f.do(t, http.MethodGet, "/api/v1/nodes/1", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	good, err := IssueToken(testSecret, "ops", time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/nodes/1?access_token="+good, nil)
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, n.ID, decode[pkgapi.NodeInfo](t, rec).Data.ID)
}

func TestGetNode(t *testing.T) {
	f := newAPIFixture(t)
	n := f.node(t, model.NodeStatusActive)

	rec := f.do(t, http.MethodGet, "/api/v1/nodes/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	info := decode[pkgapi.NodeInfo](t, rec).Data
	assert.Equal(t, n.ID, info.ID)
	assert.Equal(t, "active", info.Status)
	assert.Equal(t, 20001, info.Port)

	rec = f.do(t, http.MethodGet, "/api/v1/nodes/99", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, apperrors.ErrCodeNodeNotFound, decode[any](t, rec).Error.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/nodes/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFulfillOrder_ReportsPartialOutcome(t *testing.T) {
	f := newAPIFixture(t)
	f.fulfiller.result = &fulfillment.Result{
		OrderID: 7,
		Status:  model.OrderStatusPartial,
		Tasks:   []*model.Task{{ID: "t1"}, {ID: "t2"}},
		Failed:  1,
	}
	f.fulfiller.err = apperrors.NewNodeError(apperrors.ErrCodeOrderShortfall, "order short by 1 node", false,
		errors.Join(errors.New("enqueue node 3")))

	rec := f.do(t, http.MethodPost, "/api/v1/orders/7/fulfill", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	acc := decode[pkgapi.Accepted](t, rec).Data
	assert.Equal(t, uint(7), acc.OrderID)
	assert.Equal(t, []string{"t1", "t2"}, acc.TaskIDs)
	assert.Equal(t, string(model.OrderStatusPartial), acc.Status)
	assert.NotEmpty(t, acc.Errors)
}

func TestFulfillOrder_NoEligiblePanel(t *testing.T) {
	f := newAPIFixture(t)
	f.fulfiller.err = apperrors.NewPanelError(apperrors.ErrCodeNoAlternatePanel, "no eligible panel", false, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/orders/7/fulfill", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
}

func TestMigrateNode(t *testing.T) {
	f := newAPIFixture(t)
	n := f.node(t, model.NodeStatusActive)
	dest := f.panel(t)

	rec := f.do(t, http.MethodPost, "/api/v1/nodes/1/migrate", pkgapi.MigrateRequest{PanelID: dest.ID})
	require.Equal(t, http.StatusAccepted, rec.Code)
	acc := decode[pkgapi.Accepted](t, rec).Data
	assert.Equal(t, n.ID, acc.NodeID)
	assert.Equal(t, []string{"mig-1"}, acc.TaskIDs)
	require.NotNil(t, f.migrator.dest)
	assert.Equal(t, dest.ID, f.migrator.dest.ID)

	rec = f.do(t, http.MethodPost, "/api/v1/nodes/1/migrate", pkgapi.MigrateRequest{PanelID: 42})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/nodes/1/migrate", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMigrateOrder_NothingQueued(t *testing.T) {
	f := newAPIFixture(t)
	dest := f.panel(t)

	rec := f.do(t, http.MethodPost, "/api/v1/orders/3/migrate", pkgapi.MigrateRequest{PanelID: dest.ID})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRenewNode(t *testing.T) {
	f := newAPIFixture(t)
	until := time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second)

	rec := f.do(t, http.MethodPost, "/api/v1/nodes/5/renew", pkgapi.RenewRequest{ExpiryTime: until})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"renew-1"}, decode[pkgapi.Accepted](t, rec).Data.TaskIDs)
	assert.True(t, until.Equal(f.fulfiller.renew))
}

func TestCheckNode(t *testing.T) {
	f := newAPIFixture(t)
	f.node(t, model.NodeStatusPending)
	f.node(t, model.NodeStatusDeleted)

	rec := f.do(t, http.MethodPost, "/api/v1/nodes/1/check", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	first := decode[pkgapi.Accepted](t, rec).Data.TaskIDs

	// a repeated check while one is queued returns the queued task
	rec = f.do(t, http.MethodPost, "/api/v1/nodes/1/check", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, first, decode[pkgapi.Accepted](t, rec).Data.TaskIDs)

	rec = f.do(t, http.MethodPost, "/api/v1/nodes/2/check", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeleteNode(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodDelete, "/api/v1/nodes/4", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "deleted", decode[pkgapi.NodeInfo](t, rec).Data.Status)

	f.fulfiller.err = apperrors.NewPanelError(apperrors.ErrCodePanelUnreachable, "panel unreachable", true, nil)
	rec = f.do(t, http.MethodDelete, "/api/v1/nodes/4", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.True(t, decode[any](t, rec).Error.Retryable)
}

func TestPanels(t *testing.T) {
	f := newAPIFixture(t)
	p := f.panel(t)
	require.NoError(t, f.repos.Panels.Create(context.Background(), &model.Panel{Address: "10.0.0.2:1", Username: "u",
		Password: "p", PanelType: model.PanelTypeA, Country: "JP", IsActive: true}))

	rec := f.do(t, http.MethodGet, "/api/v1/panels?country=US", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]pkgapi.PanelInfo](t, rec).Data
	require.Len(t, list, 1)
	assert.Equal(t, p.ID, list[0].ID)
	assert.Equal(t, "closed", list[0].BreakerState)

	rec = f.do(t, http.MethodGet, "/api/v1/panels?panel_type=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/panels/1/sweep", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sweep := decode[pkgapi.SweepResponse](t, rec).Data
	assert.Equal(t, p.ID, sweep.PanelID)
	assert.Equal(t, 4, sweep.Inbounds)

	rec = f.do(t, http.MethodPost, "/api/v1/panels/1/restart", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, decode[pkgapi.PanelInfo](t, rec).Data.LastRestart)

	stored, err := f.repos.Panels.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastRestart)
}

func TestTestPanel(t *testing.T) {
	f := newAPIFixture(t)
	p := f.panel(t)

	rec := f.do(t, http.MethodPost, "/api/v1/panels/1/test", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ok := decode[pkgapi.ConnectionResponse](t, rec).Data
	assert.Equal(t, p.ID, ok.PanelID)
	assert.True(t, ok.Connected)
	assert.Empty(t, ok.Error)

	f.remote.connErr = apperrors.NewPanelError(apperrors.ErrCodePanelUnreachable, "panel unreachable", true, nil)
	rec = f.do(t, http.MethodPost, "/api/v1/panels/1/test", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	failed := decode[pkgapi.ConnectionResponse](t, rec).Data
	assert.False(t, failed.Connected)
	assert.Contains(t, failed.Error, "panel unreachable")
	assert.Equal(t, "open", failed.BreakerState)

	rec = f.do(t, http.MethodPost, "/api/v1/panels/9/test", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSetPanelActive(t *testing.T) {
	f := newAPIFixture(t)
	p := f.panel(t)
	ctx := context.Background()

	rec := f.do(t, http.MethodPost, "/api/v1/panels/1/active", map[string]any{"active": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[pkgapi.PanelInfo](t, rec).Data.IsActive)
	stored, err := f.repos.Panels.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)

	rec = f.do(t, http.MethodPost, "/api/v1/panels/1/active", map[string]any{"active": true})
	require.Equal(t, http.StatusOK, rec.Code)
	stored, err = f.repos.Panels.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsActive)

	rec = f.do(t, http.MethodPost, "/api/v1/panels/1/active", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOutbounds(t *testing.T) {
	f := newAPIFixture(t)
	f.panel(t)
	cfg, err := panel.ParseXrayConfig(json.RawMessage(`{"outbounds":[{"tag":"direct","protocol":"freedom"},{"tag":"us-1","protocol":"socks"}]}`))
	require.NoError(t, err)
	f.remote.config = cfg

	rec := f.do(t, http.MethodGet, "/api/v1/panels/1/outbounds", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[pkgapi.OutboundsResponse](t, rec).Data
	assert.Equal(t, []string{"direct", "us-1"}, got.Tags)
	assert.Contains(t, got.Template, "outbounds")

	template := map[string]any{"outbounds": []any{map[string]any{"tag": "us-2", "protocol": "socks"}}}
	rec = f.do(t, http.MethodPut, "/api/v1/panels/1/outbounds", pkgapi.SaveOutboundsRequest{Template: template})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"us-2"}, decode[pkgapi.OutboundsResponse](t, rec).Data.Tags)
	require.NotNil(t, f.remote.saved)
	assert.Equal(t, []string{"us-2"}, f.remote.saved.OutboundTags())

	rec = f.do(t, http.MethodPut, "/api/v1/panels/1/outbounds",
		pkgapi.SaveOutboundsRequest{Template: map[string]any{"outbounds": "us-3"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, []string{"us-2"}, f.remote.saved.OutboundTags())
}

func TestOutbounds_TypeAUnsupported(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.repos.Panels.Create(context.Background(), &model.Panel{Address: "10.0.0.2:1", Username: "u",
		Password: "p", PanelType: model.PanelTypeA, Country: "JP", IsActive: true}))

	rec := f.do(t, http.MethodGet, "/api/v1/panels/1/outbounds", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, apperrors.ErrCodePanelUnsupported, decode[any](t, rec).Error.Code)
}

func TestBindUDP(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	serving := &model.Node{OrderID: 9, Protocol: model.ProtocolShadowsocks, PanelID: 1, Port: 20002,
		PanelNodeID: 12, Status: model.NodeStatusActive, ExpiryTime: time.Now().Add(24 * time.Hour)}
	require.NoError(t, f.repos.Nodes.Create(ctx, serving))
	f.node(t, model.NodeStatusPending)

	account := uint(3)
	body := pkgapi.BindUDPRequest{AccountID: &account, InboundGroupID: 11, OutboundGroupID: 12}
	rec := f.do(t, http.MethodPost, "/api/v1/nodes/1/udp", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	acc := decode[pkgapi.Accepted](t, rec).Data
	require.Len(t, acc.TaskIDs, 1)

	task, err := f.repos.Tasks.Get(ctx, acc.TaskIDs[0])
	require.NoError(t, err)
	assert.Equal(t, model.TaskBindUDP, task.Kind)
	assert.Equal(t, serving.ID, task.NodeID)
	require.NotNil(t, task.AccountID)
	assert.Equal(t, account, *task.AccountID)
	assert.Equal(t, 11, task.InboundGroupID)
	assert.Equal(t, 12, task.OutboundGroupID)

	rec = f.do(t, http.MethodPost, "/api/v1/nodes/2/udp", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, apperrors.ErrCodeNodeState, decode[any](t, rec).Error.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/nodes/1/udp", map[string]any{"inbound_group_id": 11})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTransitAccounts(t *testing.T) {
	f := newAPIFixture(t)
	f.transit.accounts = []*model.TransitAccount{{
		ID: 1, Username: "relay", Enabled: true, Balance: 12.5, MaxRules: 20,
		InboundGroups:  []model.DeviceGroup{{ID: 7, Name: "hk-in"}},
		DefaultInbound: &model.DeviceGroup{ID: 7, Name: "hk-in"},
	}}

	rec := f.do(t, http.MethodGet, "/api/v1/transit/accounts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]pkgapi.TransitAccountInfo](t, rec).Data
	require.Len(t, list, 1)
	assert.Equal(t, "relay", list[0].Username)
	assert.Equal(t, []pkgapi.DeviceGroup{{ID: 7, Name: "hk-in"}}, list[0].InboundGroups)
	require.NotNil(t, list[0].DefaultInbound)
	assert.Nil(t, list[0].DefaultOutbound)

	rec = f.do(t, http.MethodPost, "/api/v1/transit/accounts/1/refresh", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 13.5, decode[pkgapi.TransitAccountInfo](t, rec).Data.Balance)
	assert.Equal(t, []uint{1}, f.transit.refreshed)

	rec = f.do(t, http.MethodPost, "/api/v1/transit/accounts/4/refresh", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRefunds(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	_, err := f.repos.Orders.AddRefund(ctx, &model.Refund{OrderID: 1, NodeID: 1, Reason: "no panel"})
	require.NoError(t, err)
	_, err = f.repos.Orders.AddRefund(ctx, &model.Refund{OrderID: 1, NodeID: 2, Reason: "no panel"})
	require.NoError(t, err)
	require.NoError(t, f.repos.Orders.SettleRefund(ctx, 1))

	rec := f.do(t, http.MethodGet, "/api/v1/refunds", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]pkgapi.RefundInfo](t, rec).Data, 2)

	rec = f.do(t, http.MethodGet, "/api/v1/refunds?unsettled=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	unsettled := decode[[]pkgapi.RefundInfo](t, rec).Data
	require.Len(t, unsettled, 1)
	assert.Equal(t, uint(2), unsettled[0].NodeID)
}

func TestEventsStream(t *testing.T) {
	f := newAPIFixture(t)
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events/ws?type=panel.&access_token=" + f.token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.bus.Health().Subscribers == 1 }, 2*time.Second, 10*time.Millisecond)

	pub := events.NewPublisher(f.bus, applogger.NewNop())
	pub.NodeStatusChanged(context.Background(), 1, 1, "pending", "active", "")
	pub.PanelOnlineChanged(context.Background(), 3, false, "unreachable")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg pkgapi.EventMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, events.EventPanelOnlineChanged, msg.Type)
	assert.Equal(t, false, msg.Data["online"])

	require.NoError(t, f.server.Stop(context.Background()))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
	require.Eventually(t, func() bool { return f.bus.Health().Subscribers == 0 }, 2*time.Second, 10*time.Millisecond)
}
