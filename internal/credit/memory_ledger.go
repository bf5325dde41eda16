package credit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "blossom-gate/internal/errors"
	"blossom-gate/internal/web3"
)

// MemoryLedger 以内存方式保存信用记录，适用于单进程部署与测试。
type MemoryLedger struct {
	mu      sync.RWMutex
	records map[string]*Record
	now     func() time.Time
}

// NewMemoryLedger 创建 MemoryLedger。
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make(map[string]*Record), now: time.Now}
}

// Create 实现 Ledger 接口。
func (m *MemoryLedger) Create(_ context.Context, record *Record) (string, error) {
	if record == nil {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	if record.Status == "" {
		record.Status = StatusCreated
	}
	if !IsValidStatus(record.Status) {
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的信用状态: %s", record.Status))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if strings.TrimSpace(record.ID) == "" {
		record.ID = uuid.NewString()
	}
	if _, ok := m.records[record.ID]; ok {
		return "", ErrRecordConflict
	}
	now := m.now().Unix()
	if record.CreatedAt == 0 {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	m.records[record.ID] = cloneRecord(record)
	return record.ID, nil
}

// Get 返回记录副本。
func (m *MemoryLedger) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return cloneRecord(record), nil
}

// Update 合并 patch 并推进状态。
func (m *MemoryLedger) Update(_ context.Context, id string, patch Patch) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	if err := checkTransition(record.Status, patch.Status); err != nil {
		return cloneRecord(record), err
	}
	if patch.Status != "" {
		record.Status = patch.Status
	}
	if patch.ErrorCode != "" {
		record.ErrorCode = patch.ErrorCode
	}
	record.Meta = mergeMeta(record.Meta, patch.Meta)
	record.UpdatedAt = m.now().Unix()
	return cloneRecord(record), nil
}

// FindByStatus 按更新时间从旧到新返回指定状态的记录。
func (m *MemoryLedger) FindByStatus(ctx context.Context, statuses []Status, limit int) ([]*Record, error) {
	return m.List(ctx, ListOptions{Statuses: statuses, Limit: limit, Order: SortByUpdatedAsc})
}

// List 返回符合过滤条件的记录。
func (m *MemoryLedger) List(_ context.Context, opts ListOptions) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Record, 0, len(m.records))
	for _, record := range m.records {
		if !matchesListFilters(record, opts) {
			continue
		}
		results = append(results, cloneRecord(record))
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.UpdatedAt == b.UpdatedAt {
			if a.CreatedAt == b.CreatedAt {
				return a.ID < b.ID
			}
			if opts.Order == SortByUpdatedAsc {
				return a.CreatedAt < b.CreatedAt
			}
			return a.CreatedAt > b.CreatedAt
		}
		if opts.Order == SortByUpdatedAsc {
			return a.UpdatedAt < b.UpdatedAt
		}
		return a.UpdatedAt > b.UpdatedAt
	})

	if opts.Offset >= len(results) {
		return []*Record{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的记录。
func (m *MemoryLedger) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := Stats{}
	for _, record := range m.records {
		if !matchesListFilters(record, opts) {
			continue
		}
		stats.add(record)
	}
	return stats, nil
}

// Close 对内存账本无需操作。
func (m *MemoryLedger) Close() error {
	return nil
}

func matchesListFilters(record *Record, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if record.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.SessionID != "" && record.SessionID != opts.SessionID {
		return false
	}
	if opts.ToChain != "" && web3.NormalizeChain(record.ToChain) != web3.NormalizeChain(opts.ToChain) {
		return false
	}
	if opts.UpdatedGTE > 0 && record.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && record.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.Query != "" && !recordMatchesQuery(record, opts.Query) {
		return false
	}
	return true
}

func recordMatchesQuery(record *Record, query string) bool {
	needle := strings.ToLower(query)
	fields := []string{record.ID, record.SessionID, record.FromAddress, record.ToAddress, record.TxHash(), record.ErrorCode}
	for _, field := range fields {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

var _ Ledger = (*MemoryLedger)(nil)
