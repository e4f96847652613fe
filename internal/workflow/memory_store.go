package workflow

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	xerrors "wallets-quickstart/internal/errors"
)

// MemoryStore 以内存方式保存工作流，适合单实例部署与测试。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*memoryRecord
	seq     int64
	now     func() time.Time
}

type memoryRecord struct {
	record Record
	seq    int64
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*memoryRecord), now: time.Now}
}

// Upsert 实现 Store 接口。同一 ID 的第二次写入会严格推进 UpdatedAt。
func (m *MemoryStore) Upsert(_ context.Context, id, name string, def Definition) error {
	if id == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工作流 ID 不能为空")
	}
	cloned, err := cloneDefinition(normalize(def))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "工作流定义无法序列化")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	updatedAt := m.now()
	if existing, ok := m.records[id]; ok && !updatedAt.After(existing.record.UpdatedAt) {
		updatedAt = existing.record.UpdatedAt.Add(time.Microsecond)
	}
	m.seq++
	m.records[id] = &memoryRecord{
		record: Record{ID: id, Name: name, Definition: cloned, UpdatedAt: updatedAt},
		seq:    m.seq,
	}
	return nil
}

// Get 实现 Store 接口。
func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	entry, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	record := entry.record
	def, err := cloneDefinition(record.Definition)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "复制工作流定义失败")
	}
	record.Definition = def
	return &record, nil
}

// List 实现 Store 接口。
func (m *MemoryStore) List(_ context.Context, limit int) ([]Summary, error) {
	m.mu.RLock()
	entries := make([]*memoryRecord, 0, len(m.records))
	for _, entry := range m.records {
		entries = append(entries, entry)
	}
	m.mu.RUnlock()

	// seq 记录写入顺序；UpdatedAt 可能因同 ID 的推进而领先于稍后保存的其他记录。
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].seq > entries[j].seq
	})

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]Summary, 0, len(entries))
	for _, entry := range entries {
		out = append(out, Summary{ID: entry.record.ID, Name: entry.record.Name, UpdatedAt: entry.record.UpdatedAt})
	}
	return out, nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }

// cloneDefinition 通过 JSON 往返做深拷贝，保证存储内容不被调用方修改。
func cloneDefinition(def Definition) (Definition, error) {
	raw, err := json.Marshal(def)
	if err != nil {
		return Definition{}, err
	}
	var out Definition
	if err := json.Unmarshal(raw, &out); err != nil {
		return Definition{}, err
	}
	return normalize(out), nil
}

var _ Store = (*MemoryStore)(nil)
