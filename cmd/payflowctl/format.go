package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"payflow/internal/core"
	"payflow/internal/statestore"
)

const shortIDLen = 8

func formatMoney(symbol string, m core.Money) string {
	return symbol + humanize.FormatFloat("#,###.##", m.Decimal().InexactFloat64())
}

func formatSigned(symbol string, cents int64) string {
	if cents < 0 {
		return "-" + formatMoney(symbol, core.Money{Cents: -cents})
	}
	return formatMoney(symbol, core.Money{Cents: cents})
}

func shortID(id string) string {
	if len(id) > shortIDLen {
		return id[:shortIDLen]
	}
	return id
}

func renderItems(w io.Writer, doc core.Document, items []core.RecurringItem, symbol string) error {
	if len(items) == 0 {
		_, err := fmt.Fprintln(w, "No items")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tAMOUNT\tDIRECTION\tDUE\tCATEGORY\tSTATUS")
	for _, it := range items {
		status := "open"
		if doc.IsCompleted(it.ID) {
			status = "settled"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(it.ID), it.Title, formatMoney(symbol, it.Amount), it.Direction,
			humanize.Ordinal(it.DueDay), it.Category, status)
	}
	return tw.Flush()
}

func renderSummary(w io.Writer, s core.Summary, symbol string) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Cycle\t%s\n", s.Cycle)
	fmt.Fprintf(tw, "Income\t%s\t(%s received, %.0f%%)\n", formatMoney(symbol, s.TotalIncome), formatMoney(symbol, s.Received), s.IncomeRatio*100)
	fmt.Fprintf(tw, "Expenses\t%s\t(%s paid, %.0f%%)\n", formatMoney(symbol, s.TotalExpenses), formatMoney(symbol, s.Paid), s.ExpenseRatio*100)
	label := "Surplus"
	if !s.Surplus() {
		label = "Deficit"
	}
	fmt.Fprintf(tw, "%s\t%s\n", label, formatSigned(symbol, s.BalanceCents))
	fmt.Fprintf(tw, "Settled\t%d of %d\n", s.SettledCount, s.ItemCount)
	tw.Flush()
}

func renderHistory(w io.Writer, records []core.CycleRecord, symbol string, now time.Time) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "No closed cycles")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CYCLE\tCLOSED\tINCOME\tEXPENSES\tBALANCE\tUNSETTLED")
	for _, rec := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n",
			rec.Cycle,
			humanize.RelTime(rec.ClosedAt, now, "ago", "from now"),
			formatMoney(symbol, rec.Summary.TotalIncome),
			formatMoney(symbol, rec.Summary.TotalExpenses),
			formatSigned(symbol, rec.Summary.BalanceCents),
			len(rec.Unsettled))
	}
	return tw.Flush()
}

func renderReceipt(w io.Writer, r statestore.Receipt) {
	switch {
	case r.Persisted && r.Published:
		fmt.Fprintln(w, "Saved and broadcast to peers")
	case r.Persisted:
		fmt.Fprintln(w, "Saved, but not broadcast to peers")
	case r.Published:
		fmt.Fprintln(w, "Broadcast to peers, but NOT saved")
	default:
		fmt.Fprintln(w, "Applied locally only: not saved, not broadcast")
	}
}
