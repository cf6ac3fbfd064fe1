package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"payflow/internal/core"

	_ "modernc.org/sqlite"
)

// DefaultStateKey is the app_state row holding the Document.
const DefaultStateKey = "current_state"

// Export status values of cycle_history rows.
const (
	ExportPending  = "pending"
	ExportDone     = "exported"
	ExportFailed   = "error"
	maxListRecords = 120
)

// SQLiteRepository persists the Document in the app_state table and closed
// cycles in cycle_history.
type SQLiteRepository struct {
	db  *sql.DB
	key string
}

func NewSQLiteRepository(dbPath, stateKey string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	// One writer at a time; SQLite serializes anyway and this avoids
	// SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)

	if stateKey == "" {
		stateKey = DefaultStateKey
	}
	return &SQLiteRepository{db: db, key: stateKey}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Ping reports whether the database is reachable.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Load implements statestore.Persistence. A malformed row is reported as an
// error wrapping core.ErrMalformedDocument.
func (r *SQLiteRepository) Load(ctx context.Context) (core.Document, bool, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM app_state WHERE key = ?`, r.key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Document{}, false, nil
	}
	if err != nil {
		return core.Document{}, false, fmt.Errorf("read app state: %w", err)
	}

	doc, err := core.DecodeDocument([]byte(value))
	if err != nil {
		return core.Document{}, false, fmt.Errorf("decode app state: %w", err)
	}
	return doc, true, nil
}

// Save implements statestore.Persistence.
func (r *SQLiteRepository) Save(ctx context.Context, doc core.Document) error {
	data, err := core.EncodeDocument(doc)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO app_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		r.key, string(data), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("write app state: %w", err)
	}
	return nil
}

// Clear removes the stored Document.
func (r *SQLiteRepository) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM app_state WHERE key = ?`, r.key); err != nil {
		return fmt.Errorf("delete app state: %w", err)
	}
	return nil
}

// Record stores rec unless its cycle is already archived. It reports whether
// a new row was written.
func (r *SQLiteRepository) Record(ctx context.Context, rec core.CycleRecord) (bool, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encode cycle record: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO cycle_history (
			cycle, closed_at, total_income_cents, total_expense_cents,
			received_cents, paid_cents, item_count, settled_count, record
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Cycle,
		rec.ClosedAt.UTC().Format(time.RFC3339),
		rec.Summary.TotalIncome.Cents,
		rec.Summary.TotalExpenses.Cents,
		rec.Summary.Received.Cents,
		rec.Summary.Paid.Cents,
		rec.Summary.ItemCount,
		rec.Summary.SettledCount,
		string(body),
	)
	if err != nil {
		return false, fmt.Errorf("insert cycle record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		slog.InfoContext(ctx, "Cycle archived to SQLite", "cycle", rec.Cycle)
	}
	return n > 0, nil
}

// List returns archived cycles, newest first.
func (r *SQLiteRepository) List(ctx context.Context, limit int) ([]core.CycleRecord, error) {
	if limit <= 0 || limit > maxListRecords {
		limit = maxListRecords
	}
	return r.queryRecords(ctx, `SELECT record FROM cycle_history ORDER BY cycle DESC LIMIT ?`, limit)
}

// Pending returns cycles that have not been exported yet, oldest first.
func (r *SQLiteRepository) Pending(ctx context.Context, limit int) ([]core.CycleRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	return r.queryRecords(ctx, `
		SELECT record FROM cycle_history
		WHERE export_status != ?
		ORDER BY cycle ASC LIMIT ?`, ExportDone, limit)
}

// MarkExported flags cycle as exported.
func (r *SQLiteRepository) MarkExported(ctx context.Context, cycle string) error {
	return r.setExportStatus(ctx, cycle, ExportDone)
}

// MarkExportError flags cycle as failed; it stays eligible for retry.
func (r *SQLiteRepository) MarkExportError(ctx context.Context, cycle string) error {
	return r.setExportStatus(ctx, cycle, ExportFailed)
}

// ExportStatus returns the export status and attempt count of cycle.
func (r *SQLiteRepository) ExportStatus(ctx context.Context, cycle string) (string, int, error) {
	var status string
	var attempts int
	err := r.db.QueryRowContext(ctx,
		`SELECT export_status, export_attempts FROM cycle_history WHERE cycle = ?`, cycle).
		Scan(&status, &attempts)
	if err != nil {
		return "", 0, fmt.Errorf("read export status: %w", err)
	}
	return status, attempts, nil
}

func (r *SQLiteRepository) setExportStatus(ctx context.Context, cycle, status string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE cycle_history
		SET export_status = ?, export_attempts = export_attempts + 1
		WHERE cycle = ?`, status, cycle)
	if err != nil {
		return fmt.Errorf("update export status: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) queryRecords(ctx context.Context, query string, args ...any) ([]core.CycleRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query cycle history: %w", err)
	}
	defer rows.Close()

	var out []core.CycleRecord
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan cycle record: %w", err)
		}
		var rec core.CycleRecord
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			slog.WarnContext(ctx, "Skipping unreadable cycle record", "error", err)
			continue
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cycle history: %w", err)
	}
	return out, nil
}
