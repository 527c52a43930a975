package panel

import (
	"context"
	"sync"

	"github.com/ventupx/wrb-vpn-system/pkg/logger"
)

// memPanelStore records session writes.
type memPanelStore struct {
	mu          sync.Mutex
	cookies     map[uint]string
	online      map[uint]bool
	offlineHits int
}

func newMemPanelStore() *memPanelStore {
	return &memPanelStore{cookies: map[uint]string{}, online: map[uint]bool{}}
}

func (s *memPanelStore) SetCookie(_ context.Context, id uint, cookie string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cookies[id] = cookie
	return nil
}

func (s *memPanelStore) SetOnline(_ context.Context, id uint, online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online[id] = online
	if !online {
		s.offlineHits++
	}
	return nil
}

func (s *memPanelStore) offlineCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offlineHits
}

func newTestClient(store PanelStore) *Client {
	log := logger.NewNop()
	sessions := NewSessionManager(store, Config{}, log)
	return NewClient(sessions, log)
}
