package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a StateStore kept in process memory.
type MemoryStore struct {
	mu         sync.RWMutex
	records    map[string]*TaskRecord
	statuses   map[string]*TaskStatus
	properties map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:    make(map[string]*TaskRecord),
		statuses:   make(map[string]*TaskStatus),
		properties: make(map[string][]byte),
	}
}

func (s *MemoryStore) StoreTaskRecord(_ context.Context, record *TaskRecord) error {
	if record == nil || record.Name == "" {
		return fmt.Errorf("task record name is required")
	}
	c := record.Clone()
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[c.Name] = c
	return nil
}

func (s *MemoryStore) FetchTaskRecord(_ context.Context, name string) (*TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[name]
	if !ok {
		return nil, fmt.Errorf("task record %s: %w", name, ErrNotFound)
	}
	return r.Clone(), nil
}

func (s *MemoryStore) FetchTaskRecords(_ context.Context) ([]*TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*TaskRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) RemoveTaskRecord(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, name)
	delete(s.statuses, name)
	return nil
}

func (s *MemoryStore) StoreTaskStatus(_ context.Context, status *TaskStatus) error {
	if status == nil || status.TaskName == "" {
		return fmt.Errorf("task status name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.statuses[status.TaskName]; ok && status.Timestamp.Before(prev.Timestamp) {
		return nil
	}
	c := *status
	s.statuses[status.TaskName] = &c
	return nil
}

func (s *MemoryStore) FetchTaskStatus(_ context.Context, name string) (*TaskStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.statuses[name]
	if !ok {
		return nil, fmt.Errorf("task status %s: %w", name, ErrNotFound)
	}
	c := *st
	return &c, nil
}

func (s *MemoryStore) StoreProperty(_ context.Context, key string, value []byte) error {
	if key == "" {
		return fmt.Errorf("property key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.properties[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) FetchProperty(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.properties[key]
	if !ok {
		return nil, fmt.Errorf("property %s: %w", key, ErrNotFound)
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) ClearProperty(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.properties, key)
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
