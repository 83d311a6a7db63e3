package detection

import (
	"context"
	"sync"
	"time"

	"territory-api/internal/logger"
	"territory-api/internal/resolver"

	"github.com/google/uuid"
)

// 文档注释：会话注册表
// 背景：不同管理员可同时检测不同领地；会话之间除限流器外不共享可变状态。
// 约束：超过 ttl 未使用的会话由 Sweep 清理（清理时取消其在途检测）。
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	resolver *resolver.Resolver
	ttl      time.Duration
}

func NewManager(r *resolver.Resolver, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &Manager{sessions: make(map[string]*Session), resolver: r, ttl: ttl}
}

// Create：新建会话（独立的层级选择）
func (m *Manager) Create() *Session {
	s := NewSession(uuid.NewString(), resolver.NewHierarchy(m.resolver))
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	logger.L().Debug("session_created", "session", s.ID)
	return s
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	s.touch()
	return s, nil
}

func (m *Manager) Delete(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		s.Reset()
	}
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep：清理过期会话，返回清理数量
func (m *Manager) Sweep(now time.Time) int {
	var stale []*Session
	m.mu.Lock()
	for id, s := range m.sessions {
		if now.Sub(s.LastUsed()) > m.ttl {
			stale = append(stale, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()
	for _, s := range stale {
		s.Reset()
	}
	if len(stale) > 0 {
		logger.L().Info("session_sweep", "removed", len(stale))
	}
	return len(stale)
}

// Janitor：周期清理，ctx 结束时退出
func (m *Manager) Janitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 10 * time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			m.Sweep(now)
		}
	}
}
