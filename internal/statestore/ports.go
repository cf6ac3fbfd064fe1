package statestore

import (
	"context"
	"time"

	"payflow/internal/core"
)

// Persistence stores the single Document under a fixed key.
type Persistence interface {
	// Load returns the stored document. ok is false when nothing has been
	// stored yet.
	Load(ctx context.Context) (doc core.Document, ok bool, err error)
	Save(ctx context.Context, doc core.Document) error
}

// Bus broadcasts documents to the other peers of the same channel. A peer
// never receives its own publications.
type Bus interface {
	Publish(ctx context.Context, doc core.Document) error
	Subscribe(handler func(core.Document)) (unsubscribe func())
}

// Archiver records a closed cycle. Implementations must tolerate the same
// cycle being archived by several peers.
type Archiver interface {
	Archive(ctx context.Context, rec core.CycleRecord) error
}

// Metrics observes store activity.
type Metrics interface {
	ObserveDispatch(receipt Receipt, elapsed time.Duration)
	ObserveInbound()
	ObserveReset(cycle string)
	ObserveLoad(ok bool, err error)
	SetListeners(n int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveDispatch(Receipt, time.Duration) {}
func (noopMetrics) ObserveInbound()                        {}
func (noopMetrics) ObserveReset(string)                    {}
func (noopMetrics) ObserveLoad(bool, error)                {}
func (noopMetrics) SetListeners(int)                       {}

var _ Metrics = noopMetrics{}
