package recorder

import (
	"context"
	"sync"
)

// MemoryStore 在进程生命周期内保存记录。
type MemoryStore struct {
	mu      sync.RWMutex
	jobs    map[string]JobRecord
	history JobHistory
}

// NewMemoryStore 创建空的内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]JobRecord)}
}

// SaveJob 按作业 ID 覆盖写入记录。
func (m *MemoryStore) SaveJob(_ context.Context, rec JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[rec.Metadata.JobID] = rec
	return nil
}

// GetJob 读取记录，不存在时返回 ErrNotFound。
func (m *MemoryStore) GetJob(_ context.Context, jobID string) (JobRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.jobs[jobID]
	if !ok {
		return JobRecord{}, ErrNotFound
	}
	return rec, nil
}

// SaveHistory 覆盖写入历史索引。
func (m *MemoryStore) SaveHistory(_ context.Context, h JobHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = h
	return nil
}

// GetHistory 返回历史索引，尚未写入时为空。
func (m *MemoryStore) GetHistory(context.Context) (JobHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h := m.history
	h.Jobs = append([]HistoryEntry{}, m.history.Jobs...)
	return h, nil
}

// Close 无资源需要释放。
func (m *MemoryStore) Close() error { return nil }
