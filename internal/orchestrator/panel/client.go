package panel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/model"
	apperrors "github.com/ventupx/wrb-vpn-system/pkg/errors"
	"github.com/ventupx/wrb-vpn-system/pkg/logger"
)

type paths struct {
	prefix   string // inbound API prefix
	inbounds string // page the inbound calls originate from
}

var panelPaths = map[model.PanelType]paths{
	model.PanelTypeA: {prefix: "/xui/inbound", inbounds: "/xui/inbounds"},
	model.PanelTypeB: {prefix: "/panel/inbound", inbounds: "/panel/inbounds"},
}

// Client exposes panel operations on top of the session manager.
type Client struct {
	sessions *SessionManager
	store    PanelStore
	logger   *logger.Logger
}

// NewClient creates a panel client
func NewClient(sessions *SessionManager, log *logger.Logger) *Client {
	return &Client{
		sessions: sessions,
		store:    sessions.store,
		logger:   log.WithComponent("panel.client"),
	}
}

// Sessions returns the underlying session manager.
func (c *Client) Sessions() *SessionManager {
	return c.sessions
}

func pathsFor(p *model.Panel) (paths, error) {
	pp, ok := panelPaths[p.PanelType]
	if !ok {
		return paths{}, apperrors.NewPanelError(apperrors.ErrCodePanelUnsupported,
			fmt.Sprintf("unknown panel type %q", p.PanelType), false, nil)
	}
	return pp, nil
}

func requireTypeB(p *model.Panel, op string) error {
	if p.PanelType != model.PanelTypeB {
		return apperrors.NewPanelError(apperrors.ErrCodePanelUnsupported,
			fmt.Sprintf("%s is only supported by %s panels", op, model.PanelTypeB), false, nil).
			WithMetadata("panel_id", p.ID)
	}
	return nil
}

// rejected converts a success=false body into a non-retryable panel error.
func rejected(p *model.Panel, op string, resp *Response) error {
	return apperrors.NewPanelError(apperrors.ErrCodePanelRejected,
		fmt.Sprintf("%s rejected by panel %d: %s", op, p.ID, resp.Msg), false, nil).
		WithMetadata("panel_id", p.ID).
		WithMetadata("panel_msg", resp.Msg)
}

func (c *Client) call(ctx context.Context, p *model.Panel, op string, call Call) (*Response, error) {
	resp, err := c.sessions.Do(ctx, p, call)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, rejected(p, op, resp)
	}
	return resp, nil
}

// EnsureSession makes sure a login cookie is cached for p.
func (c *Client) EnsureSession(ctx context.Context, p *model.Panel) error {
	_, err := c.sessions.EnsureSession(ctx, p)
	return err
}

// TestConnection logs in afresh, replacing any cached cookie.
func (c *Client) TestConnection(ctx context.Context, p *model.Panel) error {
	return c.sessions.Login(ctx, p)
}

// BreakerState reports the panel's circuit breaker state.
func (c *Client) BreakerState(p *model.Panel) CircuitBreakerState {
	return c.sessions.Breaker(p).GetStats().State
}

// ListInbounds returns every inbound on the panel.
func (c *Client) ListInbounds(ctx context.Context, p *model.Panel) ([]Inbound, error) {
	pp, err := pathsFor(p)
	if err != nil {
		return nil, err
	}

	resp, err := c.call(ctx, p, "list inbounds", Call{
		Method:  http.MethodPost,
		Path:    pp.prefix + "/list",
		Referer: pp.inbounds,
	})
	if err != nil {
		return nil, err
	}

	var inbounds []Inbound
	if len(resp.Obj) > 0 && string(resp.Obj) != "null" {
		if err := json.Unmarshal(resp.Obj, &inbounds); err != nil {
			return nil, apperrors.NewPanelError(apperrors.ErrCodePanelRejected,
				"malformed inbound list", false, err).WithMetadata("panel_id", p.ID)
		}
	}
	return inbounds, nil
}

// AddInbound creates an inbound from form and returns it as the panel echoed it.
func (c *Client) AddInbound(ctx context.Context, p *model.Panel, form url.Values) (*Inbound, error) {
	pp, err := pathsFor(p)
	if err != nil {
		return nil, err
	}

	resp, err := c.call(ctx, p, "add inbound", Call{
		Method:  http.MethodPost,
		Path:    pp.prefix + "/add",
		Form:    form,
		Referer: pp.inbounds,
	})
	if err != nil {
		return nil, err
	}

	var inbound Inbound
	if len(resp.Obj) > 0 && string(resp.Obj) != "null" {
		if err := json.Unmarshal(resp.Obj, &inbound); err != nil {
			return nil, apperrors.NewPanelError(apperrors.ErrCodePanelRejected,
				"malformed add-inbound response", false, err).WithMetadata("panel_id", p.ID)
		}
	}
	return &inbound, nil
}

// UpdateInbound replaces inbound id with form.
func (c *Client) UpdateInbound(ctx context.Context, p *model.Panel, id int, form url.Values) error {
	pp, err := pathsFor(p)
	if err != nil {
		return err
	}

	_, err = c.call(ctx, p, "update inbound", Call{
		Method:  http.MethodPost,
		Path:    fmt.Sprintf("%s/update/%d", pp.prefix, id),
		Form:    form,
		Referer: pp.inbounds,
	})
	return err
}

// DeleteInbound removes inbound id.
func (c *Client) DeleteInbound(ctx context.Context, p *model.Panel, id int) error {
	pp, err := pathsFor(p)
	if err != nil {
		return err
	}

	_, err = c.call(ctx, p, "delete inbound", Call{
		Method:  http.MethodPost,
		Path:    fmt.Sprintf("%s/del/%d", pp.prefix, id),
		Referer: pp.inbounds,
	})
	return err
}

// FindInboundByPort returns the inbound listening on port, or nil.
func (c *Client) FindInboundByPort(ctx context.Context, p *model.Panel, port int) (*Inbound, error) {
	inbounds, err := c.ListInbounds(ctx, p)
	if err != nil {
		return nil, err
	}
	for i := range inbounds {
		if inbounds[i].Port == port {
			return &inbounds[i], nil
		}
	}
	return nil, nil
}

// ServerStatus fetches cpu/mem/disk usage and the xray version.
func (c *Client) ServerStatus(ctx context.Context, p *model.Panel) (*ServerStatus, error) {
	resp, err := c.call(ctx, p, "server status", Call{
		Method:  http.MethodPost,
		Path:    "/server/status",
		Referer: "/",
	})
	if err != nil {
		return nil, err
	}

	var status ServerStatus
	if err := json.Unmarshal(resp.Obj, &status); err != nil {
		return nil, apperrors.NewPanelError(apperrors.ErrCodePanelRejected,
			"malformed server status", false, err).WithMetadata("panel_id", p.ID)
	}
	if status.Xray.Version != "" && status.Xray.Version != p.XrayVersion {
		p.XrayVersion = status.Xray.Version
	}
	return &status, nil
}

// GetXrayConfig fetches the global xray template. Type B only.
func (c *Client) GetXrayConfig(ctx context.Context, p *model.Panel) (*XrayConfig, error) {
	if err := requireTypeB(p, "routing config"); err != nil {
		return nil, err
	}

	resp, err := c.call(ctx, p, "get xray config", Call{
		Method:  http.MethodPost,
		Path:    "/panel/xray/",
		Referer: "/panel",
	})
	if err != nil {
		return nil, err
	}

	cfg, err := ParseXrayConfig(resp.Obj)
	if err != nil {
		return nil, apperrors.NewPanelError(apperrors.ErrCodePanelRejected,
			"malformed xray config", false, err).WithMetadata("panel_id", p.ID)
	}
	return cfg, nil
}

// UpdateXrayConfig pushes cfg back as the xraySetting form field. Type B only.
func (c *Client) UpdateXrayConfig(ctx context.Context, p *model.Panel, cfg *XrayConfig) error {
	if err := requireTypeB(p, "routing config"); err != nil {
		return err
	}

	setting, err := cfg.MarshalTemplate()
	if err != nil {
		return apperrors.NewPanelError(apperrors.ErrCodeInternal, "encode xray config", false, err)
	}

	_, err = c.call(ctx, p, "update xray config", Call{
		Method:  http.MethodPost,
		Path:    "/panel/xray/update",
		Form:    url.Values{"xraySetting": {setting}},
		Referer: "/panel",
	})
	return err
}

// RestartXray restarts the xray service. Type B only; a failed restart marks the panel offline.
func (c *Client) RestartXray(ctx context.Context, p *model.Panel) error {
	if err := requireTypeB(p, "xray restart"); err != nil {
		return err
	}

	_, err := c.call(ctx, p, "restart xray", Call{
		Method:  http.MethodPost,
		Path:    "/server/restartXrayService",
		Referer: "/panel",
	})
	if err != nil {
		if apperrors.IsErrorCode(err, apperrors.ErrCodePanelRejected) {
			p.IsOnline = false
			if setErr := c.store.SetOnline(ctx, p.ID, false); setErr != nil {
				c.logger.ErrorCtx(ctx, "failed to mark panel offline after restart failure", setErr, "panel_id", p.ID)
			}
		}
		return err
	}

	now := time.Now().UTC()
	p.LastRestart = &now
	return nil
}
