package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"payflow/internal/core"
	ports "payflow/internal/sheets"
)

var _ ports.HistoryWriter = (*Store)(nil)
var _ ports.HistoryReader = (*Store)(nil)

// Store is an in-process history sheet. FailNext makes the next append fail,
// which lets callers exercise their retry paths.
type Store struct {
	mu       sync.Mutex
	rows     []core.CycleRecord
	failNext int
}

func New() *Store {
	return &Store{}
}

// AppendCycle stores the record and returns a synthetic row reference.
func (s *Store) AppendCycle(_ context.Context, rec core.CycleRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return "", errors.New("memory sheet unavailable")
	}
	s.rows = append(s.rows, rec)
	return fmt.Sprintf("mem:%d", len(s.rows)), nil
}

func (s *Store) ListCycles(_ context.Context) ([]core.CycleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.CycleRecord(nil), s.rows...), nil
}

// FailNext makes the next n appends fail.
func (s *Store) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}
