// Package transit drives the UDP tunnel service: account sessions and forwarding rules.
package transit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/model"
	apperrors "github.com/ventupx/wrb-vpn-system/pkg/errors"
	"github.com/ventupx/wrb-vpn-system/pkg/logger"
)

// codeAuthExpired is the business code the service uses for a stale token.
const codeAuthExpired = 403

// Device group types as reported by the service.
const (
	GroupTypeInbound  = "DeviceGroupType_Inbound"
	GroupTypeOutbound = "DeviceGroupType_OutboundBySite"
)

type envelope struct {
	Code  int             `json:"code"`
	Msg   string          `json:"msg"`
	Data  json.RawMessage `json:"data"`
	Count int             `json:"count"`
}

// RuleRequest is the body of create and update calls.
type RuleRequest struct {
	DeviceGroupIn  int    `json:"device_group_in"`
	DeviceGroupOut int    `json:"device_group_out"`
	Config         string `json:"config"`
	Name           string `json:"name"`
}

// Rule is a forwarding rule as returned by list and search.
type Rule struct {
	ID             int    `json:"id"`
	Name           string `json:"name"`
	DeviceGroupIn  int    `json:"device_group_in"`
	DeviceGroupOut int    `json:"device_group_out"`
	ListenPort     int    `json:"listen_port"`
	Config         string `json:"config"`
}

// UserInfo is the account summary.
type UserInfo struct {
	Balance       json.Number `json:"balance"`
	TrafficUsed   int64       `json:"traffic_used"`
	TrafficEnable int64       `json:"traffic_enable"`
	MaxRules      int         `json:"max_rules"`
}

type searchRequest struct {
	GID        int    `json:"gid"`
	GIDIn      int    `json:"gid_in"`
	GIDOut     int    `json:"gid_out"`
	Name       string `json:"name"`
	Dest       string `json:"dest"`
	ListenPort int    `json:"listen_port"`
}

// DestinationConfig renders the rule config string for one destination.
func DestinationConfig(dest string) string {
	b, _ := json.Marshal(map[string][]string{"dest": {dest}})
	return string(b)
}

// ClientConfig configures the HTTP client.
type ClientConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
}

// Client is a thin typed wrapper over the tunnel service's JSON API.
type Client struct {
	http   *resty.Client
	logger *logger.Logger
}

// NewClient creates a transit service client
func NewClient(config ClientConfig, log *logger.Logger) *Client {
	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		http: resty.New().
			SetBaseURL(strings.TrimSuffix(config.BaseURL, "/")).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
		logger: log.WithComponent("transit.client"),
	}
}

// call performs one request and decodes the envelope. HTTP 403 and business code 403 become
// transit_auth_expired; other non-zero codes become retryable transit_failed.
func (c *Client) call(ctx context.Context, method, path, token string, body any) (*envelope, error) {
	req := c.http.R().SetContext(ctx)
	if token != "" {
		req.SetHeader("Authorization", token)
	}
	if body != nil {
		req.SetBody(body)
	}

	start := time.Now()
	resp, err := req.Execute(method, path)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, apperrors.NewTransitError(apperrors.ErrCodeTransitFailed,
			fmt.Sprintf("%s %s: transport error", method, path), true, err).
			WithMetadata("path", path)
	}
	c.logger.RemoteCall(ctx, "transit", method, path, resp.StatusCode(), time.Since(start))

	if resp.StatusCode() == http.StatusForbidden {
		return nil, authExpired(path)
	}

	var env envelope
	if jsonErr := json.Unmarshal(resp.Body(), &env); jsonErr != nil {
		return nil, apperrors.NewTransitError(apperrors.ErrCodeTransitFailed,
			fmt.Sprintf("%s %s: status %d with non-JSON body", method, path, resp.StatusCode()),
			resp.StatusCode() >= 500, jsonErr).WithMetadata("status", resp.StatusCode())
	}

	switch {
	case env.Code == codeAuthExpired:
		return nil, authExpired(path)
	case resp.StatusCode() >= 400 && resp.StatusCode() < 500:
		return nil, apperrors.NewTransitError(apperrors.ErrCodeTransitFailed,
			fmt.Sprintf("%s %s: status %d: %s", method, path, resp.StatusCode(), env.Msg), false, nil).
			WithMetadata("status", resp.StatusCode())
	case resp.StatusCode() >= 300:
		return nil, apperrors.NewTransitError(apperrors.ErrCodeTransitFailed,
			fmt.Sprintf("%s %s: status %d", method, path, resp.StatusCode()), true, nil).
			WithMetadata("status", resp.StatusCode())
	case env.Code != 0:
		return nil, apperrors.NewTransitError(apperrors.ErrCodeTransitFailed,
			fmt.Sprintf("%s %s: code %d: %s", method, path, env.Code, env.Msg), true, nil).
			WithMetadata("code", env.Code)
	}
	return &env, nil
}

func authExpired(path string) error {
	return apperrors.NewTransitError(apperrors.ErrCodeTransitAuthExpired,
		"transit token rejected", true, nil).WithMetadata("path", path)
}

func decode[T any](env *envelope, what string) (T, error) {
	var out T
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return out, apperrors.NewTransitError(apperrors.ErrCodeTransitFailed,
			"malformed "+what, false, err)
	}
	return out, nil
}

// Login exchanges credentials for a session token.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	env, err := c.call(ctx, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		if apperrors.IsErrorCode(err, apperrors.ErrCodeTransitAuthExpired) {
			// a 403 on login means bad credentials, which no retry will fix
			return "", apperrors.NewTransitError(apperrors.ErrCodeTransitFailed,
				"transit login rejected", false, err).WithMetadata("username", username)
		}
		return "", err
	}

	token, err := decode[string](env, "login response")
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", apperrors.NewTransitError(apperrors.ErrCodeTransitFailed,
			"transit login returned no token", true, nil).WithMetadata("username", username)
	}
	return token, nil
}

// UserInfo fetches balance, traffic and rule quota.
func (c *Client) UserInfo(ctx context.Context, token string) (*UserInfo, error) {
	env, err := c.call(ctx, http.MethodGet, "/api/v1/user/info", token, nil)
	if err != nil {
		return nil, err
	}
	info, err := decode[UserInfo](env, "user info")
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// ListRules returns one page of rules and the total count.
func (c *Client) ListRules(ctx context.Context, token string, page, size int) ([]Rule, int, error) {
	env, err := c.call(ctx, http.MethodGet, fmt.Sprintf("/api/v1/user/forward?page=%d&size=%d", page, size), token, nil)
	if err != nil {
		return nil, 0, err
	}
	rules, err := decode[[]Rule](env, "rule list")
	if err != nil {
		return nil, 0, err
	}
	return rules, env.Count, nil
}

// CreateRule creates a forwarding rule.
func (c *Client) CreateRule(ctx context.Context, token string, rule RuleRequest) error {
	_, err := c.call(ctx, http.MethodPut, "/api/v1/user/forward", token, rule)
	return err
}

// UpdateRule patches rule id in place.
func (c *Client) UpdateRule(ctx context.Context, token string, id int, rule RuleRequest) error {
	_, err := c.call(ctx, http.MethodPost, fmt.Sprintf("/api/v1/user/forward/%d", id), token, rule)
	return err
}

// SearchRules returns the rules forwarding to dest.
func (c *Client) SearchRules(ctx context.Context, token, dest string) ([]Rule, error) {
	env, err := c.call(ctx, http.MethodPost, "/api/v1/user/forward/search_rules", token, searchRequest{Dest: dest})
	if err != nil {
		return nil, err
	}
	return decode[[]Rule](env, "rule search")
}

// DeleteRules removes rules by id.
func (c *Client) DeleteRules(ctx context.Context, token string, ids []int) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := c.call(ctx, http.MethodDelete, "/api/v1/user/forward", token, map[string][]int{"ids": ids})
	return err
}

// DeviceGroups lists the account's tunnel entry and exit groups.
func (c *Client) DeviceGroups(ctx context.Context, token string) ([]model.DeviceGroup, error) {
	env, err := c.call(ctx, http.MethodGet, "/api/v1/user/devicegroup", token, nil)
	if err != nil {
		return nil, err
	}
	return decode[[]model.DeviceGroup](env, "device groups")
}
