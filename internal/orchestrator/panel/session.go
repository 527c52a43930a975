// Package panel drives the two remote panel families over their HTTP APIs.
package panel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/model"
	apperrors "github.com/ventupx/wrb-vpn-system/pkg/errors"
	"github.com/ventupx/wrb-vpn-system/pkg/logger"
)

const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/134.0.0.0 Safari/537.36"

// Messages panels return instead of 401 when the cookie is stale.
var expiredMarkers = []string{"请重新登录", "登录已过期"}

// PanelStore persists the session-related fields of a panel.
type PanelStore interface {
	SetCookie(ctx context.Context, id uint, cookie string) error
	SetOnline(ctx context.Context, id uint, online bool) error
}

// Config tunes panel HTTP behaviour.
type Config struct {
	LoginTimeout   time.Duration
	RequestTimeout time.Duration
	UserAgent      string
	CircuitBreaker CircuitBreakerConfig
}

// Call is one panel request.
type Call struct {
	Method string
	Path   string
	Form   url.Values
	// Referer is the panel page a browser would send the request from.
	Referer string
}

type session struct {
	mu      sync.Mutex
	loaded  bool
	cookie  string
	offline bool
	breaker *CircuitBreaker
}

// SessionManager owns the login cookie of every panel. Requests to the same
// panel are serialized; each logical request re-logs in at most once.
type SessionManager struct {
	http   *resty.Client
	store  PanelStore
	config Config
	logger *logger.Logger

	mu       sync.Mutex
	sessions map[uint]*session

	// OnOffline, if set, is called once per failure episode when a panel is marked offline.
	OnOffline func(ctx context.Context, p *model.Panel, cause error)
}

// NewSessionManager creates a session manager
func NewSessionManager(store PanelStore, config Config, log *logger.Logger) *SessionManager {
	if config.LoginTimeout <= 0 {
		config.LoginTimeout = 10 * time.Second
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.UserAgent == "" {
		config.UserAgent = DefaultUserAgent
	}

	// a redirect to the login page is an expiry signal, not something to follow
	client := resty.New().
		SetTimeout(config.RequestTimeout).
		SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}))

	return &SessionManager{
		http:     client,
		store:    store,
		config:   config,
		logger:   log.WithComponent("panel.session"),
		sessions: make(map[uint]*session),
	}
}

func (m *SessionManager) session(p *model.Panel) *session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[p.ID]
	if !ok {
		s = &session{breaker: NewCircuitBreaker(p.ID, m.config.CircuitBreaker)}
		m.sessions[p.ID] = s
	}
	return s
}

// EnsureSession returns a usable cookie, logging in when none is cached.
func (m *SessionManager) EnsureSession(ctx context.Context, p *model.Panel) (string, error) {
	s := m.session(p)
	s.mu.Lock()
	defer s.mu.Unlock()

	m.seed(s, p)
	if s.cookie != "" {
		return s.cookie, nil
	}
	if err := m.login(ctx, p, s); err != nil {
		return "", m.unreachable(ctx, p, s, err)
	}
	return s.cookie, nil
}

// Login forces a fresh login, replacing any cached cookie.
func (m *SessionManager) Login(ctx context.Context, p *model.Panel) error {
	s := m.session(p)
	s.mu.Lock()
	defer s.mu.Unlock()

	m.seed(s, p)
	if err := m.login(ctx, p, s); err != nil {
		return m.unreachable(ctx, p, s, err)
	}
	m.healthy(ctx, p, s)
	return nil
}

// Invalidate drops the cached cookie so the next request logs in.
func (m *SessionManager) Invalidate(panelID uint) {
	m.mu.Lock()
	s, ok := m.sessions[panelID]
	m.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	s.cookie = ""
	s.loaded = true
	s.mu.Unlock()
}

// Breaker exposes the panel's circuit breaker for diagnostics.
func (m *SessionManager) Breaker(p *model.Panel) *CircuitBreaker {
	return m.session(p).breaker
}

// Do sends call with the cached cookie. On an expiry signal it logs in once and
// replays once; if that also fails the panel is marked offline.
func (m *SessionManager) Do(ctx context.Context, p *model.Panel, call Call) (*Response, error) {
	s := m.session(p)
	s.mu.Lock()
	defer s.mu.Unlock()

	m.seed(s, p)
	if s.cookie == "" {
		if err := m.login(ctx, p, s); err != nil {
			return nil, m.unreachable(ctx, p, s, err)
		}
	}

	resp, expired, err := m.send(ctx, p, s, call)
	if err != nil {
		return nil, m.unreachable(ctx, p, s, err)
	}
	if !expired {
		m.healthy(ctx, p, s)
		return resp, nil
	}

	m.logger.DebugContext(ctx, "panel session expired, logging in again",
		"panel_id", p.ID, "path", call.Path)

	if err := m.login(ctx, p, s); err != nil {
		return nil, m.unreachable(ctx, p, s, err)
	}

	resp, expired, err = m.send(ctx, p, s, call)
	if err != nil {
		return nil, m.unreachable(ctx, p, s, err)
	}
	if expired {
		return nil, m.unreachable(ctx, p, s, apperrors.NewPanelError(apperrors.ErrCodePanelAuthExpired,
			"session still rejected after re-login", false, nil))
	}

	m.healthy(ctx, p, s)
	return resp, nil
}

// seed loads the persisted cookie the first time a panel is seen.
func (m *SessionManager) seed(s *session, p *model.Panel) {
	if s.loaded {
		return
	}
	s.cookie = p.Cookie
	s.offline = !p.IsOnline
	s.loaded = true
}

func (m *SessionManager) login(ctx context.Context, p *model.Panel, s *session) error {
	loginCtx, cancel := context.WithTimeout(ctx, m.config.LoginTimeout)
	defer cancel()

	start := time.Now()
	endpoint := p.BaseURL() + "/login"

	var resp *resty.Response
	err := s.breaker.Execute(func() error {
		var reqErr error
		resp, reqErr = m.http.R().
			SetContext(loginCtx).
			SetHeaders(m.headers(p, p.BaseURL()+"/")).
			SetFormData(map[string]string{
				"username": p.Username,
				"password": p.Password,
			}).
			Post(endpoint)
		return reqErr
	})
	if err != nil {
		return fmt.Errorf("login request failed: %w", err)
	}
	m.logger.RemoteCall(ctx, "panel", http.MethodPost, endpoint, resp.StatusCode(), time.Since(start))

	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("login returned HTTP %d", resp.StatusCode())
	}

	var body Response
	if json.Unmarshal(resp.Body(), &body) == nil && !body.Success {
		return fmt.Errorf("login rejected: %s", body.Msg)
	}

	cookie := joinCookies(resp.Cookies())
	if cookie == "" {
		cookie = resp.Header().Get("Set-Cookie")
	}
	if cookie == "" {
		return errors.New("login response carried no session cookie")
	}

	if err := m.store.SetCookie(ctx, p.ID, cookie); err != nil {
		return err
	}
	s.cookie = cookie
	p.Cookie = cookie
	return nil
}

// send performs one HTTP exchange. expired reports an auth-expiry signal.
func (m *SessionManager) send(ctx context.Context, p *model.Panel, s *session, call Call) (*Response, bool, error) {
	endpoint := p.BaseURL() + call.Path
	referer := call.Referer
	if referer == "" {
		referer = "/"
	}
	method := call.Method
	if method == "" {
		method = http.MethodPost
	}

	start := time.Now()
	var resp *resty.Response
	err := s.breaker.Execute(func() error {
		req := m.http.R().
			SetContext(ctx).
			SetHeaders(m.headers(p, p.BaseURL()+referer)).
			SetHeader("Cookie", s.cookie)
		if p.PanelType == model.PanelTypeA {
			req.SetHeader("X-Requested-With", "XMLHttpRequest")
		}
		if call.Form != nil {
			req.SetFormDataFromValues(call.Form)
		}

		var reqErr error
		resp, reqErr = req.Execute(method, endpoint)
		return reqErr
	})
	if err != nil {
		return nil, false, err
	}
	m.logger.RemoteCall(ctx, "panel", method, endpoint, resp.StatusCode(), time.Since(start))

	switch code := resp.StatusCode(); {
	case code == http.StatusUnauthorized, code == http.StatusNotFound:
		return nil, true, nil
	case code >= 300 && code < 400:
		return nil, true, nil
	}

	var body Response
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		if hasExpiredMarker(resp.String()) {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("decode panel response (HTTP %d): %w", resp.StatusCode(), err)
	}
	if !body.Success && hasExpiredMarker(body.Msg) {
		return nil, true, nil
	}
	return &body, false, nil
}

func (m *SessionManager) headers(p *model.Panel, referer string) map[string]string {
	return map[string]string{
		"Content-Type": "application/x-www-form-urlencoded; charset=UTF-8",
		"Accept":       "application/json, text/plain, */*",
		"User-Agent":   m.config.UserAgent,
		"Host":         p.Host(),
		"Origin":       "http://" + p.Host(),
		"Referer":      referer,
	}
}

// unreachable marks the panel offline once per failure episode and converts err.
func (m *SessionManager) unreachable(ctx context.Context, p *model.Panel, s *session, cause error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if apperrors.IsErrorCode(cause, apperrors.ErrCodeCircuitOpen) {
		return cause
	}

	if !s.offline {
		s.offline = true
		p.IsOnline = false
		if err := m.store.SetOnline(ctx, p.ID, false); err != nil {
			m.logger.ErrorCtx(ctx, "failed to mark panel offline", err, "panel_id", p.ID)
		}
		m.logger.WarnCtx(ctx, "panel marked offline", cause, "panel_id", p.ID, "address", p.Address)
		if m.OnOffline != nil {
			m.OnOffline(ctx, p, cause)
		}
	}

	return apperrors.NewPanelError(apperrors.ErrCodePanelUnreachable,
		fmt.Sprintf("panel %d unreachable", p.ID), true, cause).
		WithMetadata("panel_id", p.ID)
}

// healthy ends a failure episode.
func (m *SessionManager) healthy(ctx context.Context, p *model.Panel, s *session) {
	if !s.offline && p.IsOnline {
		return
	}
	s.offline = false
	p.IsOnline = true
	if err := m.store.SetOnline(ctx, p.ID, true); err != nil {
		m.logger.ErrorCtx(ctx, "failed to mark panel online", err, "panel_id", p.ID)
	}
}

func hasExpiredMarker(s string) bool {
	for _, marker := range expiredMarkers {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

func joinCookies(cookies []*http.Cookie) string {
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		if c.Name == "" {
			continue
		}
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}
