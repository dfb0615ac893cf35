package index

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend はプロセス内にインデックスを保持します。再起動で消えます。
type MemoryBackend struct {
	mu      sync.RWMutex
	indexes map[string]*Index
}

// NewMemoryBackend は空の MemoryBackend を返します。
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{indexes: make(map[string]*Index)}
}

func (m *MemoryBackend) Name() string { return "memory" }

func (m *MemoryBackend) Put(ctx context.Context, idx *Index) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indexes[idx.ID] = idx
	return nil
}

func (m *MemoryBackend) Get(ctx context.Context, id string) (*Index, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.indexes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return idx, nil
}

func (m *MemoryBackend) List(ctx context.Context) ([]Summary, error) {
	m.mu.RLock()
	out := make([]Summary, 0, len(m.indexes))
	for _, idx := range m.indexes {
		out = append(out, summarize(idx))
	}
	m.mu.RUnlock()

	sortSummaries(out)
	return out, nil
}

func (m *MemoryBackend) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.indexes[id]; !ok {
		return ErrNotFound
	}
	delete(m.indexes, id)
	return nil
}

// sortSummaries は新しい順に並べます。
func sortSummaries(list []Summary) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}
