package vectorstore

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/minipilot/minipilot/internal/utils"
)

type memoryIndex struct {
	dim  int
	docs map[string]Document
}

// MemoryIndex is a brute-force, in-process Index for development and tests.
type MemoryIndex struct {
	mu       sync.RWMutex
	indexes  map[string]*memoryIndex
	aliases  map[string]string
	counters map[string]map[string]int64
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		indexes:  make(map[string]*memoryIndex),
		aliases:  make(map[string]string),
		counters: make(map[string]map[string]int64),
	}
}

func (m *MemoryIndex) Ping(ctx context.Context) error { return nil }

func (m *MemoryIndex) CreateIndex(ctx context.Context, name string, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("invalid vector dimension %d", dim)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.indexes[name]; ok {
		return fmt.Errorf("%s: %w", name, ErrIndexExists)
	}
	m.indexes[name] = &memoryIndex{dim: dim, docs: make(map[string]Document)}
	return nil
}

// resolve must be called with mu held.
func (m *MemoryIndex) resolve(name string) (*memoryIndex, bool) {
	if target, ok := m.aliases[name]; ok {
		name = target
	}
	idx, ok := m.indexes[name]
	return idx, ok
}

func (m *MemoryIndex) IndexExists(ctx context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.resolve(name)
	return ok, nil
}

func (m *MemoryIndex) Add(ctx context.Context, name string, docs []Document) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.indexes[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrIndexNotFound)
	}

	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		if doc.ID == "" {
			doc.ID = keyPrefix(name) + uuid.NewString()
		}
		// same as RediSearch: documents of the wrong dimension are stored but never match
		if len(doc.Vector) != idx.dim {
			log.Printf("Warning: document %s has dimension %d, index %s expects %d", doc.ID, len(doc.Vector), name, idx.dim)
		}
		idx.docs[doc.ID] = doc
		ids = append(ids, doc.ID)
	}
	return ids, nil
}

func (m *MemoryIndex) Search(ctx context.Context, name string, vector []float32, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.resolve(name)
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrIndexNotFound)
	}

	matches := make([]Match, 0, len(idx.docs))
	for _, doc := range idx.docs {
		if len(doc.Vector) != len(vector) {
			continue
		}
		dist, err := utils.CosineDistance(vector, doc.Vector)
		if err != nil {
			continue
		}
		matches = append(matches, Match{Document: doc, Distance: dist})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Distance == matches[j].Distance {
			return matches[i].ID < matches[j].ID
		}
		return matches[i].Distance < matches[j].Distance
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (m *MemoryIndex) Incr(ctx context.Context, id, field string, n int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fields, ok := m.counters[id]
	if !ok {
		fields = make(map[string]int64)
		m.counters[id] = fields
	}
	fields[field] += n
	return fields[field], nil
}

func (m *MemoryIndex) ListIndexes(ctx context.Context) ([]IndexInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	infos := make([]IndexInfo, 0, len(m.indexes))
	for name, idx := range m.indexes {
		infos = append(infos, IndexInfo{Name: name, NumDocs: int64(len(idx.docs))})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func (m *MemoryIndex) ResolveAlias(ctx context.Context, alias string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.aliases[alias], nil
}

func (m *MemoryIndex) SetAlias(ctx context.Context, alias, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.indexes[name]; !ok {
		return fmt.Errorf("%s: %w", name, ErrIndexNotFound)
	}
	m.aliases[alias] = name
	return nil
}

func (m *MemoryIndex) DropIndex(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.indexes[name]; !ok {
		return fmt.Errorf("%s: %w", name, ErrIndexNotFound)
	}
	delete(m.indexes, name)
	for alias, target := range m.aliases {
		if target == name {
			delete(m.aliases, alias)
		}
	}
	prefix := keyPrefix(name)
	for id := range m.counters {
		if strings.HasPrefix(id, prefix) {
			delete(m.counters, id)
		}
	}
	return nil
}

// Counter returns the value accumulated by Incr.
func (m *MemoryIndex) Counter(id, field string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[id][field]
}
