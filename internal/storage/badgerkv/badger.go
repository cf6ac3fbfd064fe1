// Package badgerkv stores the Document and the cycle history in an embedded
// Badger key/value database.
package badgerkv

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/dgraph-io/badger/v4"

	"payflow/internal/core"
)

const (
	statePrefix   = "state/"
	historyPrefix = "history/"
	exportPrefix  = "export/"
)

type exportMark struct {
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
}

// Store implements statestore.Persistence and the history ledger.
type Store struct {
	db  *badger.DB
	key []byte
}

// Open opens (or creates) the database at path. An empty path opens an
// in-memory database.
func Open(path, stateKey string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	if stateKey == "" {
		stateKey = "current_state"
	}
	return &Store{db: db, key: []byte(statePrefix + stateKey)}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Load(ctx context.Context) (core.Document, bool, error) {
	if err := ctx.Err(); err != nil {
		return core.Document{}, false, err
	}
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key)
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return core.Document{}, false, nil
	}
	if err != nil {
		return core.Document{}, false, fmt.Errorf("read state: %w", err)
	}
	doc, err := core.DecodeDocument(data)
	if err != nil {
		return core.Document{}, false, fmt.Errorf("decode state: %w", err)
	}
	return doc, true, nil
}

func (s *Store) Save(ctx context.Context, doc core.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := core.EncodeDocument(doc)
	if err != nil {
		return err
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key, data)
	}); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

// Record stores rec unless its cycle already exists.
func (s *Store) Record(ctx context.Context, rec core.CycleRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encode cycle record: %w", err)
	}
	key := []byte(historyPrefix + rec.Cycle)
	inserted := false
	err = s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		inserted = true
		return txn.Set(key, body)
	})
	if errors.Is(err, badger.ErrConflict) {
		// Another writer archived the same cycle first.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("write cycle record: %w", err)
	}
	return inserted, nil
}

// List returns archived cycles, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]core.CycleRecord, error) {
	recs, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Cycle > recs[j].Cycle })
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

// Pending returns cycles not yet exported, oldest first.
func (s *Store) Pending(ctx context.Context, limit int) ([]core.CycleRecord, error) {
	recs, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]core.CycleRecord, 0, len(recs))
	err = s.db.View(func(txn *badger.Txn) error {
		for _, rec := range recs {
			mark, err := readMark(txn, rec.Cycle)
			if err != nil {
				return err
			}
			if mark.Status != "exported" {
				out = append(out, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read export marks: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cycle < out[j].Cycle })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkExported(ctx context.Context, cycle string) error {
	return s.mark(ctx, cycle, "exported")
}

func (s *Store) MarkExportError(ctx context.Context, cycle string) error {
	return s.mark(ctx, cycle, "error")
}

func (s *Store) mark(ctx context.Context, cycle, status string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		m, err := readMark(txn, cycle)
		if err != nil {
			return err
		}
		m.Status = status
		m.Attempts++
		body, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return txn.Set([]byte(exportPrefix+cycle), body)
	})
	if err != nil {
		return fmt.Errorf("update export mark: %w", err)
	}
	return nil
}

func readMark(txn *badger.Txn, cycle string) (exportMark, error) {
	m := exportMark{Status: "pending"}
	item, err := txn.Get([]byte(exportPrefix + cycle))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return m, nil
	}
	if err != nil {
		return m, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &m)
	})
	return m, err
}

func (s *Store) scan(ctx context.Context) ([]core.CycleRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []core.CycleRecord
	prefix := []byte(historyPrefix)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var rec core.CycleRecord
				if err := json.Unmarshal(val, &rec); err != nil {
					slog.WarnContext(ctx, "Skipping unreadable cycle record",
						"key", string(bytes.Clone(item.Key())), "error", err)
					return nil
				}
				out = append(out, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan cycle history: %w", err)
	}
	return out, nil
}
