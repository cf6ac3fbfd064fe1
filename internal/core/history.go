package core

import "time"

// CycleRecord is the archived summary of a cycle that has just been closed
// by a reset.
type CycleRecord struct {
	Cycle      string    `json:"cycle"`
	ClosedAt   time.Time `json:"closedAt"`
	Summary    Summary   `json:"summary"`
	SettledIDs []string  `json:"settledIds"`
	// Unsettled lists the titles of items still open when the cycle closed.
	Unsettled []string `json:"unsettled"`
}

// NewCycleRecord captures doc as it stood before its reset. It reports false
// for a first launch, which has no cycle to close.
func NewCycleRecord(doc Document, closedAt time.Time) (CycleRecord, bool) {
	if doc.LastResetCycle == "" {
		return CycleRecord{}, false
	}
	rec := CycleRecord{
		Cycle:      doc.LastResetCycle,
		ClosedAt:   closedAt.UTC(),
		Summary:    Summarize(doc),
		SettledIDs: append([]string{}, doc.CompletedIDs...),
		Unsettled:  []string{},
	}
	for _, it := range doc.Items {
		if !doc.IsCompleted(it.ID) {
			rec.Unsettled = append(rec.Unsettled, it.Title)
		}
	}
	return rec, true
}
