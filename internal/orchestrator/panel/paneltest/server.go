// Package paneltest provides an in-process panel speaking both API families, for tests.
package paneltest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/model"
)

const (
	Username = "admin"
	Password = "secret"
)

// Inbound is the fake's view of a remote inbound.
type Inbound struct {
	ID         int    `json:"id"`
	Remark     string `json:"remark"`
	Enable     bool   `json:"enable"`
	ExpiryTime int64  `json:"expiryTime"`
	Port       int    `json:"port"`
	Protocol   string `json:"protocol"`
	Settings   string `json:"settings"`
	Tag        string `json:"tag"`
}

// Server is a fake panel. The exported switches change its behaviour mid-test.
type Server struct {
	server *httptest.Server

	mu       sync.Mutex
	inbounds []Inbound
	nextID   int
	xray     map[string]any
	session  string
	version  string
	lastForm url.Values

	Logins      atomic.Int32
	AddCalls    atomic.Int32
	XrayUpdates atomic.Int32

	FailLogin    atomic.Bool
	ExpireNext   atomic.Int32 // respond 401 to this many authenticated calls
	ExpireByMsg  atomic.Bool
	RejectAdd    atomic.Bool
	RejectXray   atomic.Bool
	RejectReboot atomic.Bool

	// Down drops every connection without a response.
	Down atomic.Bool

	// OmitAddObj answers a successful add with a null obj, as old x-ui builds do.
	OmitAddObj atomic.Bool
}

// New starts a fake panel that is closed when t finishes.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		nextID:  1,
		version: "1.8.4",
		xray: map[string]any{
			"outbounds": []any{
				map[string]any{"tag": "direct", "protocol": "freedom"},
				map[string]any{"tag": "us-1", "protocol": "socks"},
				map[string]any{"tag": "us-2", "protocol": "socks"},
			},
			"routing": map[string]any{"rules": []any{}},
		},
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.server.Close)
	return s
}

// Address is the panel address as stored on a panel record.
func (s *Server) Address() string {
	return strings.TrimPrefix(s.server.URL, "http://")
}

// Panel returns an active, online US panel record pointing at the fake.
func (s *Server) Panel(id uint, t model.PanelType) *model.Panel {
	return &model.Panel{
		ID:        id,
		Address:   s.Address(),
		Username:  Username,
		Password:  Password,
		PanelType: t,
		Country:   "US",
		IsActive:  true,
		IsOnline:  true,
	}
}

// SetVersion changes the xray version reported by server status.
func (s *Server) SetVersion(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = v
}

// AddInbound seeds a remote inbound directly.
func (s *Server) AddInbound(in Inbound) Inbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	in.ID = s.nextID
	s.nextID++
	if in.Tag == "" {
		in.Tag = "inbound-" + strconv.Itoa(in.Port)
	}
	s.inbounds = append(s.inbounds, in)
	return in
}

// Inbounds returns a copy of the remote inbounds.
func (s *Server) Inbounds() []Inbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Inbound(nil), s.inbounds...)
}

// InboundCount is len(Inbounds()).
func (s *Server) InboundCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inbounds)
}

// LastForm is the body of the latest add or update call.
func (s *Server) LastForm() url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastForm
}

// RoutingRules returns the routing rules of the xray template.
func (s *Server) RoutingRules() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	routing, _ := s.xray["routing"].(map[string]any)
	raw, _ := routing["rules"].([]any)
	rules := make([]map[string]any, 0, len(raw))
	for _, r := range raw {
		if m, ok := r.(map[string]any); ok {
			rules = append(rules, m)
		}
	}
	return rules
}

func (s *Server) write(w http.ResponseWriter, success bool, msg string, obj any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"success": success, "msg": msg, "obj": obj})
}

func (s *Server) drop(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	conn, _, err := hj.Hijack()
	if err == nil {
		_ = conn.Close()
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if s.Down.Load() {
		s.drop(w)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if r.URL.Path == "/login" {
		n := s.Logins.Add(1)
		if s.FailLogin.Load() || r.PostForm.Get("username") != Username || r.PostForm.Get("password") != Password {
			s.write(w, false, "wrong username or password", nil)
			return
		}
		session := fmt.Sprintf("s%d", n)
		s.mu.Lock()
		s.session = session
		s.mu.Unlock()
		http.SetCookie(w, &http.Cookie{Name: "session", Value: session, Path: "/"})
		s.write(w, true, "login ok", nil)
		return
	}

	cookie, err := r.Cookie("session")
	s.mu.Lock()
	valid := err == nil && cookie.Value == s.session
	s.mu.Unlock()
	if !valid {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if s.ExpireNext.Load() > 0 {
		s.ExpireNext.Add(-1)
		if s.ExpireByMsg.Load() {
			s.write(w, false, "登录已过期，请重新登录", nil)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	s.route(w, r)
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := r.URL.Path
	switch {
	case strings.HasSuffix(path, "/inbound/list"):
		s.write(w, true, "", s.inbounds)

	case strings.HasSuffix(path, "/inbound/add"):
		s.AddCalls.Add(1)
		s.lastForm = r.PostForm
		if s.RejectAdd.Load() {
			s.write(w, false, "port already exists", nil)
			return
		}
		port, _ := strconv.Atoi(r.PostForm.Get("port"))
		for _, in := range s.inbounds {
			if in.Port == port {
				s.write(w, false, "port already exists", nil)
				return
			}
		}
		expiry, _ := strconv.ParseInt(r.PostForm.Get("expiryTime"), 10, 64)
		in := Inbound{
			ID:         s.nextID,
			Remark:     r.PostForm.Get("remark"),
			Enable:     r.PostForm.Get("enable") == "true",
			ExpiryTime: expiry,
			Port:       port,
			Protocol:   r.PostForm.Get("protocol"),
			Settings:   r.PostForm.Get("settings"),
			Tag:        "inbound-" + strconv.Itoa(port),
		}
		s.nextID++
		s.inbounds = append(s.inbounds, in)
		if s.OmitAddObj.Load() {
			s.write(w, true, "added", nil)
			return
		}
		s.write(w, true, "added", in)

	case strings.Contains(path, "/inbound/update/"):
		s.lastForm = r.PostForm
		id, _ := strconv.Atoi(path[strings.LastIndex(path, "/")+1:])
		for i := range s.inbounds {
			if s.inbounds[i].ID == id {
				s.inbounds[i].Remark = r.PostForm.Get("remark")
				s.inbounds[i].Settings = r.PostForm.Get("settings")
				s.inbounds[i].ExpiryTime, _ = strconv.ParseInt(r.PostForm.Get("expiryTime"), 10, 64)
				s.write(w, true, "updated", s.inbounds[i])
				return
			}
		}
		s.write(w, false, "inbound not found", nil)

	case strings.Contains(path, "/inbound/del/"):
		id, _ := strconv.Atoi(path[strings.LastIndex(path, "/")+1:])
		kept := s.inbounds[:0]
		for _, in := range s.inbounds {
			if in.ID != id {
				kept = append(kept, in)
			}
		}
		s.inbounds = kept
		s.write(w, true, "deleted", nil)

	case path == "/server/status":
		s.write(w, true, "", map[string]any{
			"cpu":    12.5,
			"mem":    map[string]any{"current": 512, "total": 2048},
			"disk":   map[string]any{"current": 10, "total": 40},
			"xray":   map[string]any{"state": "running", "version": s.version},
			"uptime": 3600,
		})

	case path == "/panel/xray/":
		b, _ := json.Marshal(map[string]any{"xraySetting": s.xray, "inboundTags": []string{}})
		s.write(w, true, "", string(b))

	case path == "/panel/xray/update":
		s.XrayUpdates.Add(1)
		if s.RejectXray.Load() {
			s.write(w, false, "save failed", nil)
			return
		}
		var cfg map[string]any
		if err := json.Unmarshal([]byte(r.PostForm.Get("xraySetting")), &cfg); err != nil {
			s.write(w, false, "bad xraySetting", nil)
			return
		}
		s.xray = cfg
		s.write(w, true, "saved", nil)

	case path == "/server/restartXrayService":
		if s.RejectReboot.Load() {
			s.write(w, false, "restart failed", nil)
			return
		}
		s.write(w, true, "restarted", nil)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}
