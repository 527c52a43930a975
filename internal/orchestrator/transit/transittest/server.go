// Package transittest provides an in-process UDP tunnel service speaking the JSON envelope API, for tests.
package transittest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/model"
)

// Rule is the fake's view of a forwarding rule.
type Rule struct {
	ID             int    `json:"id"`
	Name           string `json:"name"`
	DeviceGroupIn  int    `json:"device_group_in"`
	DeviceGroupOut int    `json:"device_group_out"`
	ListenPort     int    `json:"listen_port"`
	Config         string `json:"config"`
}

type ruleRequest struct {
	DeviceGroupIn  int    `json:"device_group_in"`
	DeviceGroupOut int    `json:"device_group_out"`
	Config         string `json:"config"`
	Name           string `json:"name"`
}

// Server is a fake tunnel service. Listen ports are handed out as 40000 + rule id.
type Server struct {
	server *httptest.Server

	mu     sync.Mutex
	rules  []Rule
	nextID int
	groups []model.DeviceGroup
	gate   chan struct{}

	Logins  atomic.Int32
	Creates atomic.Int32
	Updates atomic.Int32
	Deletes atomic.Int32

	// CreateFailures makes this many create calls answer HTTP 403.
	CreateFailures atomic.Int32
}

// New starts a fake tunnel service that is closed when t finishes.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{}
	s.server = httptest.NewServer(s.routes())
	t.Cleanup(s.server.Close)
	return s
}

// URL is the service base URL.
func (s *Server) URL() string { return s.server.URL }

// Rules returns a copy of the current rules.
func (s *Server) Rules() []Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Rule(nil), s.rules...)
}

// SetRules replaces the rule set; new ids continue after the highest one given.
func (s *Server) SetRules(rules ...Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append([]Rule(nil), rules...)
	for _, r := range rules {
		s.nextID = max(s.nextID, r.ID)
	}
}

// SetGroups sets the device groups the account reports.
func (s *Server) SetGroups(groups ...model.DeviceGroup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups = groups
}

// HoldLogins blocks every login until the returned func is called.
func (s *Server) HoldLogins() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()
	return func() { close(gate) }
}

// DestinationConfig renders a rule config the way the service stores it.
func DestinationConfig(dest string) string {
	b, _ := json.Marshal(map[string][]string{"dest": {dest}})
	return string(b)
}

func (s *Server) reply(w http.ResponseWriter, data any, count int) {
	raw, _ := json.Marshal(data)
	_ = json.NewEncoder(w).Encode(map[string]any{"code": 0, "msg": "ok", "data": json.RawMessage(raw), "count": count})
}

func authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		gate := s.gate
		s.mu.Unlock()
		if gate != nil {
			<-gate
		}
		n := s.Logins.Add(1)
		s.reply(w, "token-"+strconv.Itoa(int(n)), 0)
	})

	mux.HandleFunc("PUT /api/v1/user/forward", authed(func(w http.ResponseWriter, r *http.Request) {
		s.Creates.Add(1)
		if s.CreateFailures.Load() > 0 {
			s.CreateFailures.Add(-1)
			w.WriteHeader(http.StatusForbidden)
			return
		}
		var req ruleRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.mu.Lock()
		s.nextID++
		s.rules = append(s.rules, Rule{
			ID:             s.nextID,
			Name:           req.Name,
			DeviceGroupIn:  req.DeviceGroupIn,
			DeviceGroupOut: req.DeviceGroupOut,
			ListenPort:     40000 + s.nextID,
			Config:         req.Config,
		})
		s.mu.Unlock()
		s.reply(w, nil, 0)
	}))

	mux.HandleFunc("POST /api/v1/user/forward/search_rules", authed(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Dest string `json:"dest"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.mu.Lock()
		var found []Rule
		for _, rule := range s.rules {
			if rule.Config == DestinationConfig(req.Dest) {
				found = append(found, rule)
			}
		}
		s.mu.Unlock()
		s.reply(w, found, len(found))
	}))

	mux.HandleFunc("POST /api/v1/user/forward/{id}", authed(func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.Atoi(r.PathValue("id"))
		var req ruleRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.Updates.Add(1)
		s.mu.Lock()
		defer s.mu.Unlock()
		for i := range s.rules {
			if s.rules[i].ID == id {
				s.rules[i].Name = req.Name
				s.rules[i].Config = req.Config
				s.rules[i].DeviceGroupIn = req.DeviceGroupIn
				s.rules[i].DeviceGroupOut = req.DeviceGroupOut
				s.reply(w, nil, 0)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 404, "msg": "rule not found"})
	}))

	mux.HandleFunc("DELETE /api/v1/user/forward", authed(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			IDs []int `json:"ids"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.Deletes.Add(1)
		s.mu.Lock()
		kept := s.rules[:0]
		for _, rule := range s.rules {
			drop := false
			for _, id := range req.IDs {
				drop = drop || rule.ID == id
			}
			if !drop {
				kept = append(kept, rule)
			}
		}
		s.rules = kept
		s.mu.Unlock()
		s.reply(w, nil, 0)
	}))

	mux.HandleFunc("GET /api/v1/user/forward", authed(func(w http.ResponseWriter, r *http.Request) {
		rules := s.Rules()
		s.reply(w, rules, len(rules))
	}))

	mux.HandleFunc("GET /api/v1/user/info", authed(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":0,"data":{"balance":"12.50","traffic_used":1024,"traffic_enable":4096,"max_rules":20}}`))
	}))

	mux.HandleFunc("GET /api/v1/user/devicegroup", authed(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		groups := s.groups
		s.mu.Unlock()
		s.reply(w, groups, len(groups))
	}))

	return mux
}
