package sheets

import (
	"context"

	"payflow/internal/core"
)

// Ports for outbound adapters.
type (
	// HistoryWriter appends a closed cycle to an external ledger.
	HistoryWriter interface {
		AppendCycle(ctx context.Context, rec core.CycleRecord) (rowRef string, err error)
	}

	// HistoryReader reads back the cycles an external ledger holds.
	HistoryReader interface {
		ListCycles(ctx context.Context) ([]core.CycleRecord, error)
	}
)
