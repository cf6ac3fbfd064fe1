// Package memory keeps the Document and cycle history in process memory.
// Documents are held in their encoded form so the adapter exercises the same
// codec path as the durable ones.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"payflow/internal/core"
)

type Store struct {
	mu      sync.RWMutex
	raw     []byte
	history map[string]core.CycleRecord
	status  map[string]string
}

func New() *Store {
	return &Store{
		history: make(map[string]core.CycleRecord),
		status:  make(map[string]string),
	}
}

func (s *Store) Load(_ context.Context) (core.Document, bool, error) {
	s.mu.RLock()
	raw := s.raw
	s.mu.RUnlock()
	if raw == nil {
		return core.Document{}, false, nil
	}
	doc, err := core.DecodeDocument(raw)
	if err != nil {
		return core.Document{}, false, fmt.Errorf("decode state: %w", err)
	}
	return doc, true, nil
}

func (s *Store) Save(_ context.Context, doc core.Document) error {
	data, err := core.EncodeDocument(doc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.raw = data
	s.mu.Unlock()
	return nil
}

// SetRaw replaces the stored bytes verbatim.
func (s *Store) SetRaw(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw = append([]byte(nil), data...)
}

func (s *Store) Record(_ context.Context, rec core.CycleRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.history[rec.Cycle]; ok {
		return false, nil
	}
	s.history[rec.Cycle] = rec
	s.status[rec.Cycle] = "pending"
	return true, nil
}

func (s *Store) List(_ context.Context, limit int) ([]core.CycleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.CycleRecord, 0, len(s.history))
	for _, rec := range s.history {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cycle > out[j].Cycle })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Pending(_ context.Context, limit int) ([]core.CycleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.CycleRecord
	for cycle, rec := range s.history {
		if s.status[cycle] != "exported" {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cycle < out[j].Cycle })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkExported(_ context.Context, cycle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[cycle] = "exported"
	return nil
}

func (s *Store) MarkExportError(_ context.Context, cycle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[cycle] = "error"
	return nil
}

// Close is a no-op; it lets the store stand in for the durable adapters.
func (s *Store) Close() error {
	return nil
}
