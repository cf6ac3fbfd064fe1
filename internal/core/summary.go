package core

import (
	"sort"
	"strings"
)

// Summary is the dashboard view of a Document for the current cycle.
type Summary struct {
	Cycle         string `json:"cycle"`
	TotalIncome   Money  `json:"totalIncome"`
	TotalExpenses Money  `json:"totalExpenses"`
	Received      Money  `json:"received"`
	Paid          Money  `json:"paid"`
	// Balance is income minus expenses and may be negative.
	BalanceCents int64   `json:"balanceCents"`
	IncomeRatio  float64 `json:"incomeProgress"`
	ExpenseRatio float64 `json:"expenseProgress"`
	ItemCount    int     `json:"itemCount"`
	SettledCount int     `json:"settledCount"`
}

// Summarize aggregates the totals shown on the dashboard.
func Summarize(doc Document) Summary {
	s := Summary{Cycle: doc.LastResetCycle, ItemCount: len(doc.Items)}
	for _, it := range doc.Items {
		settled := doc.IsCompleted(it.ID)
		if settled {
			s.SettledCount++
		}
		switch it.Direction {
		case Income:
			s.TotalIncome.Cents += it.Amount.Cents
			if settled {
				s.Received.Cents += it.Amount.Cents
			}
		case Expense:
			s.TotalExpenses.Cents += it.Amount.Cents
			if settled {
				s.Paid.Cents += it.Amount.Cents
			}
		}
	}
	s.BalanceCents = s.TotalIncome.Cents - s.TotalExpenses.Cents
	if s.TotalIncome.Cents > 0 {
		s.IncomeRatio = float64(s.Received.Cents) / float64(s.TotalIncome.Cents)
	}
	if s.TotalExpenses.Cents > 0 {
		s.ExpenseRatio = float64(s.Paid.Cents) / float64(s.TotalExpenses.Cents)
	}
	return s
}

// Surplus reports whether the cycle balance is non-negative.
func (s Summary) Surplus() bool {
	return s.BalanceCents >= 0
}

// ItemsByDirection lists the items of one direction ordered by due day, then
// title.
func ItemsByDirection(doc Document, dir Direction) []RecurringItem {
	out := make([]RecurringItem, 0, len(doc.Items))
	for _, it := range doc.Items {
		if it.Direction == dir {
			out = append(out, it)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DueDay != out[j].DueDay {
			return out[i].DueDay < out[j].DueDay
		}
		return strings.ToLower(out[i].Title) < strings.ToLower(out[j].Title)
	})
	return out
}
