// Package client is the operator-side client of the orchestrator HTTP API.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gookit/goutil"

	"github.com/ventupx/wrb-vpn-system/pkg/api"
	"github.com/ventupx/wrb-vpn-system/pkg/logger"
)

// APIError is a non-success envelope returned by the orchestrator.
type APIError struct {
	Status    int
	Code      string
	Message   string
	RequestID string
	Retryable bool
	// RetryAfter is set from the Retry-After header on 503 responses.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s (%d %s)", e.Message, e.Status, e.Code)
	if e.RequestID != "" {
		msg += " request_id=" + e.RequestID
	}
	if e.RetryAfter > 0 {
		msg += " retry_after=" + e.RetryAfter.String()
	}
	return msg
}

// Client calls the orchestrator API.
type Client struct {
	http   *resty.Client
	logger *logger.Logger
}

// NewClient creates an API client authenticating with token.
func NewClient(baseURL, token string, log *logger.Logger) *Client {
	if log == nil {
		log = logger.NewNop()
	}
	return &Client{
		http: resty.New().
			SetBaseURL(strings.TrimSuffix(baseURL, "/")).
			SetTimeout(30*time.Second).
			SetAuthToken(token).
			SetHeader("Content-Type", "application/json"),
		logger: log.WithComponent("ctl.client"),
	}
}

func call[T any](ctx context.Context, c *Client, method, path string, body any, query map[string]string) (T, error) {
	var zero T

	req := c.http.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}
	if len(query) > 0 {
		req.SetQueryParams(query)
	}

	start := time.Now()
	resp, err := req.Execute(method, path)
	if err != nil {
		return zero, fmt.Errorf("%s %s: %w", method, path, err)
	}
	c.logger.RemoteCall(ctx, "orchestrator", method, path, resp.StatusCode(), time.Since(start))

	var env api.Response[T]
	if jsonErr := json.Unmarshal(resp.Body(), &env); jsonErr != nil {
		return zero, &APIError{
			Status:  resp.StatusCode(),
			Code:    "invalid_response",
			Message: fmt.Sprintf("undecodable response body: %v", jsonErr),
		}
	}

	if !env.Success || resp.StatusCode() >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode(), Code: "unknown", Message: "request failed"}
		if env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.RequestID = env.Error.RequestID
			apiErr.Retryable = env.Error.Retryable
		}
		if ra := resp.Header().Get("Retry-After"); ra != "" {
			if secs, convErr := goutil.ToInt(ra); convErr == nil && secs > 0 {
				apiErr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return zero, apiErr
	}
	return env.Data, nil
}

func idPath(format string, id uint) string {
	return fmt.Sprintf(format, id)
}

// Health reports the server status. It does not need a token.
func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	return call[api.HealthResponse](ctx, c, http.MethodGet, "/health", nil, nil)
}

// Panels lists panels.
func (c *Client) Panels(ctx context.Context, params api.PanelListParams) ([]api.PanelInfo, error) {
	query := map[string]string{}
	if params.Country != "" {
		query["country"] = params.Country
	}
	if params.PanelType != "" {
		query["panel_type"] = params.PanelType
	}
	if params.OnlineOnly {
		query["online"] = "true"
	}
	return call[[]api.PanelInfo](ctx, c, http.MethodGet, "/api/v1/panels", nil, query)
}

// Node fetches one node.
func (c *Client) Node(ctx context.Context, id uint) (api.NodeInfo, error) {
	return call[api.NodeInfo](ctx, c, http.MethodGet, idPath("/api/v1/nodes/%d", id), nil, nil)
}

// DeleteNode deletes a node and its remote inbound.
func (c *Client) DeleteNode(ctx context.Context, id uint) (api.NodeInfo, error) {
	return call[api.NodeInfo](ctx, c, http.MethodDelete, idPath("/api/v1/nodes/%d", id), nil, nil)
}

// CheckNode queues a reconciliation of a node with its panel.
func (c *Client) CheckNode(ctx context.Context, id uint) (api.Accepted, error) {
	return call[api.Accepted](ctx, c, http.MethodPost, idPath("/api/v1/nodes/%d/check", id), nil, nil)
}

// Fulfill queues provisioning for an order.
func (c *Client) Fulfill(ctx context.Context, orderID uint) (api.Accepted, error) {
	return call[api.Accepted](ctx, c, http.MethodPost, idPath("/api/v1/orders/%d/fulfill", orderID), nil, nil)
}

// MigrateNode moves a node to panelID.
func (c *Client) MigrateNode(ctx context.Context, nodeID, panelID uint) (api.Accepted, error) {
	return call[api.Accepted](ctx, c, http.MethodPost, idPath("/api/v1/nodes/%d/migrate", nodeID),
		api.MigrateRequest{PanelID: panelID}, nil)
}

// MigrateOrder moves every live node of an order to panelID.
func (c *Client) MigrateOrder(ctx context.Context, orderID, panelID uint) (api.Accepted, error) {
	return call[api.Accepted](ctx, c, http.MethodPost, idPath("/api/v1/orders/%d/migrate", orderID),
		api.MigrateRequest{PanelID: panelID}, nil)
}

// Renew extends a node until the given time.
func (c *Client) Renew(ctx context.Context, nodeID uint, until time.Time) (api.Accepted, error) {
	return call[api.Accepted](ctx, c, http.MethodPost, idPath("/api/v1/nodes/%d/renew", nodeID),
		api.RenewRequest{ExpiryTime: until}, nil)
}

// Sweep runs a health sweep of one panel.
func (c *Client) Sweep(ctx context.Context, panelID uint) (api.SweepResponse, error) {
	return call[api.SweepResponse](ctx, c, http.MethodPost, idPath("/api/v1/panels/%d/sweep", panelID), nil, nil)
}

// Restart restarts the proxy core of a panel.
func (c *Client) Restart(ctx context.Context, panelID uint) (api.PanelInfo, error) {
	return call[api.PanelInfo](ctx, c, http.MethodPost, idPath("/api/v1/panels/%d/restart", panelID), nil, nil)
}

// TestPanel logs in to a panel afresh.
func (c *Client) TestPanel(ctx context.Context, panelID uint) (api.ConnectionResponse, error) {
	return call[api.ConnectionResponse](ctx, c, http.MethodPost, idPath("/api/v1/panels/%d/test", panelID), nil, nil)
}

// SetPanelActive takes a panel in or out of placement.
func (c *Client) SetPanelActive(ctx context.Context, panelID uint, active bool) (api.PanelInfo, error) {
	return call[api.PanelInfo](ctx, c, http.MethodPost, idPath("/api/v1/panels/%d/active", panelID),
		api.SetActiveRequest{Active: &active}, nil)
}

// Outbounds fetches a 3x-ui panel's global xray template.
func (c *Client) Outbounds(ctx context.Context, panelID uint) (api.OutboundsResponse, error) {
	return call[api.OutboundsResponse](ctx, c, http.MethodGet, idPath("/api/v1/panels/%d/outbounds", panelID), nil, nil)
}

// SaveOutbounds replaces a 3x-ui panel's global xray template.
func (c *Client) SaveOutbounds(ctx context.Context, panelID uint, template map[string]any) (api.OutboundsResponse, error) {
	return call[api.OutboundsResponse](ctx, c, http.MethodPut, idPath("/api/v1/panels/%d/outbounds", panelID),
		api.SaveOutboundsRequest{Template: template}, nil)
}

// BindUDP queues UDP forwarding of a node through the given device groups.
func (c *Client) BindUDP(ctx context.Context, nodeID uint, req api.BindUDPRequest) (api.Accepted, error) {
	return call[api.Accepted](ctx, c, http.MethodPost, idPath("/api/v1/nodes/%d/udp", nodeID), req, nil)
}

// TransitAccounts lists the UDP tunnel accounts.
func (c *Client) TransitAccounts(ctx context.Context) ([]api.TransitAccountInfo, error) {
	return call[[]api.TransitAccountInfo](ctx, c, http.MethodGet, "/api/v1/transit/accounts", nil, nil)
}

// RefreshTransitAccount reloads balance, limits and device groups of one tunnel account.
func (c *Client) RefreshTransitAccount(ctx context.Context, id uint) (api.TransitAccountInfo, error) {
	return call[api.TransitAccountInfo](ctx, c, http.MethodPost, idPath("/api/v1/transit/accounts/%d/refresh", id), nil, nil)
}

// Refunds lists refund entries.
func (c *Client) Refunds(ctx context.Context, unsettledOnly bool) ([]api.RefundInfo, error) {
	return call[[]api.RefundInfo](ctx, c, http.MethodGet, "/api/v1/refunds", nil,
		map[string]string{"unsettled": strconv.FormatBool(unsettledOnly)})
}
