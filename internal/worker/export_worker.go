package worker

import (
	"context"
	"time"

	"payflow/internal/log"
)

// DefaultExportInterval is used when no interval is configured.
const DefaultExportInterval = 10 * time.Minute

// PendingExporter pushes archived cycles that have not reached the sheet.
type PendingExporter interface {
	ExportPending(ctx context.Context, limit int) (exported, failed int, err error)
}

// ExportWorker is the backup path for cycle exports that failed when the
// cycle was archived.
type ExportWorker struct {
	exporter  PendingExporter
	interval  time.Duration
	batchSize int
	logger    *log.Logger
}

func NewExportWorker(exporter PendingExporter, interval time.Duration, batchSize int, logger *log.Logger) *ExportWorker {
	if interval <= 0 {
		interval = DefaultExportInterval
	}
	if batchSize <= 0 {
		batchSize = 10
	}
	if logger == nil {
		logger = log.Default(log.ComponentWorker)
	}
	return &ExportWorker{exporter: exporter, interval: interval, batchSize: batchSize, logger: logger}
}

// StartupCheck exports a larger batch once, to recover from downtime.
func (w *ExportWorker) StartupCheck(ctx context.Context) error {
	exported, failed, err := w.exporter.ExportPending(ctx, w.batchSize*5)
	if err != nil {
		return err
	}
	if exported == 0 && failed == 0 {
		w.logger.InfoContext(ctx, "No pending cycle exports found on startup")
		return nil
	}
	w.logger.InfoContext(ctx, "Startup export completed",
		"exported", exported,
		"errors", failed)
	return nil
}

// ProcessPending runs one periodic pass.
func (w *ExportWorker) ProcessPending(ctx context.Context) error {
	exported, failed, err := w.exporter.ExportPending(ctx, w.batchSize)
	if err != nil {
		return err
	}
	if exported > 0 || failed > 0 {
		w.logger.InfoContext(ctx, "Processed pending cycle exports",
			"exported", exported,
			"errors", failed)
	}
	return nil
}

// Run performs the startup check and then a pass on every tick.
func (w *ExportWorker) Run(ctx context.Context) error {
	if err := w.StartupCheck(ctx); err != nil {
		// Don't exit - continue with periodic retries
		w.logger.ErrorContext(ctx, "Failed startup export check", log.FieldError, err)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.ProcessPending(ctx); err != nil {
				w.logger.ErrorContext(ctx, "Periodic export failed", log.FieldError, err)
			}
		}
	}
}
