package chat

import (
	"context"
	"sync"

	"evm-defi-agent/internal/conversation"
)

// SessionStore 保存每个会话最新的对话快照。
type SessionStore interface {
	// Load 在会话不存在时返回 nil, nil。
	Load(ctx context.Context, id string) (conversation.Conversation, error)
	Save(ctx context.Context, id string, history conversation.Conversation) error
	Delete(ctx context.Context, id string) error
}

// MemorySessionStore 在进程内保存会话。
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]conversation.Conversation
}

// NewMemorySessionStore 创建内存会话存储。
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]conversation.Conversation)}
}

func (m *MemorySessionStore) Load(_ context.Context, id string) (conversation.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	history, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	return history.Clone(), nil
}

func (m *MemorySessionStore) Save(_ context.Context, id string, history conversation.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = history.Clone()
	return nil
}

func (m *MemorySessionStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// sessionLocks 为每个会话提供独立的互斥锁，没有持有者时移除条目。
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	sync.Mutex
	refs int
}

func (s *sessionLocks) lock(id string) func() {
	s.mu.Lock()
	if s.locks == nil {
		s.locks = make(map[string]*sessionLock)
	}
	l, ok := s.locks[id]
	if !ok {
		l = &sessionLock{}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		s.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}
