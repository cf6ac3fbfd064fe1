// Package history archives the summary of every closed cycle and mirrors it
// to an external sheet when one is configured.
package history

import (
	"context"
	"fmt"

	"payflow/internal/core"
	"payflow/internal/log"
	"payflow/internal/sheets"
	"payflow/internal/statestore"
)

// Ledger is the durable record of closed cycles. Record must be idempotent
// per cycle: the first writer wins and later calls report false.
type Ledger interface {
	Record(ctx context.Context, rec core.CycleRecord) (inserted bool, err error)
	List(ctx context.Context, limit int) ([]core.CycleRecord, error)
	Pending(ctx context.Context, limit int) ([]core.CycleRecord, error)
	MarkExported(ctx context.Context, cycle string) error
	MarkExportError(ctx context.Context, cycle string) error
}

type Recorder struct {
	ledger   Ledger
	exporter sheets.HistoryWriter
	logger   *log.Logger
}

var _ statestore.Archiver = (*Recorder)(nil)

// NewRecorder returns a Recorder. exporter may be nil.
func NewRecorder(ledger Ledger, exporter sheets.HistoryWriter, logger *log.Logger) *Recorder {
	if logger == nil {
		logger = log.Default(log.ComponentHistory)
	}
	return &Recorder{ledger: ledger, exporter: exporter, logger: logger}
}

// Archive stores rec once per cycle. Only the peer whose write created the
// row exports it, so the sheet never receives duplicates.
func (r *Recorder) Archive(ctx context.Context, rec core.CycleRecord) error {
	inserted, err := r.ledger.Record(ctx, rec)
	if err != nil {
		return fmt.Errorf("record cycle %s: %w", rec.Cycle, err)
	}
	if !inserted {
		r.logger.DebugContext(ctx, "Cycle already archived", log.FieldCycle, rec.Cycle)
		return nil
	}
	r.logger.InfoContext(ctx, "Cycle archived",
		log.FieldCycle, rec.Cycle,
		log.FieldItemCount, rec.Summary.ItemCount)

	if r.exporter != nil {
		// The export worker retries rows left pending here.
		if err := r.export(ctx, rec); err != nil {
			r.logger.WarnContext(ctx, "Cycle export deferred",
				log.FieldCycle, rec.Cycle,
				log.FieldError, err)
		}
	}
	return nil
}

// List returns archived cycles, newest first.
func (r *Recorder) List(ctx context.Context, limit int) ([]core.CycleRecord, error) {
	recs, err := r.ledger.List(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	if recs == nil {
		recs = []core.CycleRecord{}
	}
	return recs, nil
}

// Exporting reports whether an external sheet is configured.
func (r *Recorder) Exporting() bool {
	return r.exporter != nil
}

// ExportPending retries up to limit unexported cycles.
func (r *Recorder) ExportPending(ctx context.Context, limit int) (exported, failed int, err error) {
	if r.exporter == nil {
		return 0, 0, nil
	}
	pending, err := r.ledger.Pending(ctx, limit)
	if err != nil {
		return 0, 0, fmt.Errorf("get pending cycles: %w", err)
	}
	for _, rec := range pending {
		if ctx.Err() != nil {
			return exported, failed, ctx.Err()
		}
		if err := r.export(ctx, rec); err != nil {
			r.logger.ErrorContext(ctx, "Failed to export cycle",
				log.FieldCycle, rec.Cycle,
				log.FieldError, err)
			failed++
			continue
		}
		exported++
	}
	return exported, failed, nil
}

func (r *Recorder) export(ctx context.Context, rec core.CycleRecord) error {
	ref, err := r.exporter.AppendCycle(ctx, rec)
	if err != nil {
		if markErr := r.ledger.MarkExportError(ctx, rec.Cycle); markErr != nil {
			r.logger.ErrorContext(ctx, "Failed to mark export error",
				log.FieldCycle, rec.Cycle,
				log.FieldError, markErr)
		}
		return fmt.Errorf("append to sheet: %w", err)
	}

	if err := r.ledger.MarkExported(ctx, rec.Cycle); err != nil {
		// The row is in the sheet; a stale pending mark only risks a duplicate.
		r.logger.ErrorContext(ctx, "Failed to mark cycle exported",
			log.FieldCycle, rec.Cycle,
			log.FieldError, err)
	}
	r.logger.InfoContext(ctx, "Cycle exported", log.FieldCycle, rec.Cycle, "sheets_ref", ref)
	return nil
}
