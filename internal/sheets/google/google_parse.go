package google

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"payflow/internal/core"
)

// Column layout of a history row:
// Cycle | Closed | Income | Expenses | Received | Paid | Balance | Settled | Open items
func cycleRow(rec core.CycleRecord) []any {
	s := rec.Summary
	return []any{
		rec.Cycle,
		rec.ClosedAt.UTC().Format("2006-01-02"),
		s.TotalIncome.String(),
		s.TotalExpenses.String(),
		s.Received.String(),
		s.Paid.String(),
		decimal.New(s.BalanceCents, -2).StringFixed(2),
		fmt.Sprintf("%d/%d", s.SettledCount, s.ItemCount),
		strings.Join(rec.Unsettled, "; "),
	}
}

// parseCycleRow converts a history row back into a record. Rows that do not
// start with a YYYY-MM cycle are rejected.
func parseCycleRow(cols []string) (core.CycleRecord, error) {
	if len(cols) < 8 {
		return core.CycleRecord{}, fmt.Errorf("short row: %d columns", len(cols))
	}
	if _, err := time.Parse("2006-01", cols[0]); err != nil {
		return core.CycleRecord{}, fmt.Errorf("not a cycle row: %q", cols[0])
	}

	rec := core.CycleRecord{Cycle: cols[0], Unsettled: []string{}}
	if closed, err := time.Parse("2006-01-02", cols[1]); err == nil {
		rec.ClosedAt = closed
	}

	amounts := []*core.Money{&rec.Summary.TotalIncome, &rec.Summary.TotalExpenses, &rec.Summary.Received, &rec.Summary.Paid}
	for i, dst := range amounts {
		m, err := core.ParseAmount(cols[2+i])
		if err != nil {
			return core.CycleRecord{}, fmt.Errorf("column %d: %w", 3+i, err)
		}
		*dst = m
	}

	bal, err := decimal.NewFromString(strings.ReplaceAll(cols[6], ",", "."))
	if err != nil {
		return core.CycleRecord{}, fmt.Errorf("balance: %w", err)
	}
	rec.Summary.BalanceCents = bal.Shift(2).Round(0).IntPart()

	settled, total, ok := strings.Cut(cols[7], "/")
	if ok {
		rec.Summary.SettledCount, _ = strconv.Atoi(strings.TrimSpace(settled))
		rec.Summary.ItemCount, _ = strconv.Atoi(strings.TrimSpace(total))
	}
	rec.Summary.Cycle = rec.Cycle

	if len(cols) > 8 && cols[8] != "" {
		for _, title := range strings.Split(cols[8], ";") {
			if t := strings.TrimSpace(title); t != "" {
				rec.Unsettled = append(rec.Unsettled, t)
			}
		}
	}
	return rec, nil
}
