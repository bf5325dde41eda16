package intent

import (
	"context"
	"strings"
	"sync"
	"time"

	xerrors "blossom-gate/internal/errors"
)

// ContextStore 保存会话上下文。实现需保证读写的都是副本。
type ContextStore interface {
	Get(ctx context.Context, sessionID string) (*Context, error)
	Put(ctx context.Context, c *Context) error
	Delete(ctx context.Context, sessionID string) error
}

type memoryEntry struct {
	value     *Context
	expiresAt time.Time
}

// MemoryContextStore 是进程内实现，过期条目在读取时清理。
type MemoryContextStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

var _ ContextStore = (*MemoryContextStore)(nil)

// NewMemoryContextStore 构造内存存储，ttl<=0 表示不过期。
func NewMemoryContextStore(ttl time.Duration) *MemoryContextStore {
	return &MemoryContextStore{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get 返回上下文副本。
func (s *MemoryContextStore) Get(_ context.Context, sessionID string) (*Context, error) {
	key := strings.TrimSpace(sessionID)
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrContextNotFound
	}
	if !entry.expiresAt.IsZero() && !s.now().Before(entry.expiresAt) {
		s.mu.Lock()
		if current, ok := s.entries[key]; ok && current.expiresAt.Equal(entry.expiresAt) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil, ErrContextNotFound
	}
	return entry.value.clone(), nil
}

// Put 写入上下文并刷新过期时间。
func (s *MemoryContextStore) Put(_ context.Context, c *Context) error {
	if c == nil || strings.TrimSpace(c.SessionID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "缺少会话 ID")
	}
	entry := memoryEntry{value: c.clone()}
	if s.ttl > 0 {
		entry.expiresAt = s.now().Add(s.ttl)
	}
	s.mu.Lock()
	s.entries[strings.TrimSpace(c.SessionID)] = entry
	s.mu.Unlock()
	return nil
}

// Delete 删除上下文，不存在时忽略。
func (s *MemoryContextStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.entries, strings.TrimSpace(sessionID))
	s.mu.Unlock()
	return nil
}
