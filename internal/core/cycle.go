package core

import (
	"fmt"
	"time"
)

// MonthKey maps an instant to its cycle identifier, "YYYY-MM", using the
// calendar of t's location. Keys sort lexicographically in chronological
// order.
func MonthKey(t time.Time) string {
	return fmt.Sprintf("%04d-%02d", t.Year(), int(t.Month()))
}

// CheckReset decides whether doc belongs to an older cycle than nowKey.
// When it does, it returns a copy with the completion markers cleared and
// LastResetCycle moved to nowKey; the items are kept. An empty
// LastResetCycle (first launch) counts as a rollover.
//
// The clock is trusted: a key that moved backwards also differs and
// therefore also resets.
func CheckReset(doc Document, nowKey string) (Document, bool) {
	if doc.LastResetCycle == nowKey {
		return Document{}, false
	}
	next := doc.Clone()
	next.LastResetCycle = nowKey
	next.CompletedIDs = []string{}
	return next, true
}
