package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"payflow/internal/core"
	"payflow/internal/statestore"
)

func setupEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATA_BACKEND", "sqlite")
	t.Setenv("SQLITE_DB_PATH", filepath.Join(t.TempDir(), "payflow.db"))
	t.Setenv("SYNC_BUS", "memory")
	t.Setenv("ADVICE_PROVIDER", "none")
	t.Setenv("GOOGLE_SPREADSHEET_ID", "")
	t.Setenv("CURRENCY_SYMBOL", "$")
	t.Setenv("LOG_LEVEL", "error")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCommandsShareState(t *testing.T) {
	setupEnv(t)

	out, err := execute(t, "add", "--title", "Rent", "--amount", "1500", "--direction", "expense", "--due-day", "5", "--category", "Housing")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	fields := strings.Fields(out)
	if len(fields) < 2 || fields[0] != "Added" {
		t.Fatalf("add output = %q", out)
	}
	id := fields[1]
	if !strings.Contains(out, "Saved and broadcast") {
		t.Errorf("add receipt = %q", out)
	}

	if _, err := execute(t, "add", "-t", "Salary", "-a", "4000", "-d", "income", "--due-day", "1"); err != nil {
		t.Fatalf("add income: %v", err)
	}

	out, err = execute(t, "list")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Rent", "$1,500.00", "5th", "Housing", "Salary", "open"} {
		if !strings.Contains(out, want) {
			t.Errorf("list missing %q:\n%s", want, out)
		}
	}

	out, err = execute(t, "toggle", id[:8])
	if err != nil || !strings.Contains(out, "settled") {
		t.Fatalf("toggle out=%q err=%v", out, err)
	}

	out, err = execute(t, "summary")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"$1,500.00 paid", "Surplus", "$2,500.00", "1 of 2"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}

	out, err = execute(t, "list", "--direction", "income")
	if err != nil || strings.Contains(out, "Rent") || !strings.Contains(out, "Salary") {
		t.Fatalf("filtered list out=%q err=%v", out, err)
	}

	if _, err := execute(t, "remove", id); err != nil {
		t.Fatalf("remove: %v", err)
	}
	out, _ = execute(t, "list", "-d", "expense")
	if !strings.Contains(out, "No items") {
		t.Errorf("after remove = %q", out)
	}
}

func TestThemeAndCheckCycle(t *testing.T) {
	setupEnv(t)

	if _, err := execute(t, "theme", "purple"); err == nil {
		t.Fatal("invalid theme accepted")
	}
	out, err := execute(t, "theme", "dark")
	if err != nil || !strings.Contains(out, "Theme set to dark") {
		t.Fatalf("theme out=%q err=%v", out, err)
	}

	out, err = execute(t, "check-cycle")
	if err != nil || !strings.Contains(out, "is current") {
		t.Fatalf("check-cycle out=%q err=%v", out, err)
	}
}

func TestAddValidation(t *testing.T) {
	setupEnv(t)
	tests := []struct {
		name string
		args []string
	}{
		{"missing title", []string{"add", "--amount", "10"}},
		{"bad amount", []string{"add", "--title", "x", "--amount", "ten"}},
		{"negative amount", []string{"add", "--title", "x", "--amount", "-5"}},
		{"bad direction", []string{"add", "--title", "x", "--amount", "5", "--direction", "sideways"}},
		{"bad due day", []string{"add", "--title", "x", "--amount", "5", "--due-day", "40"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := execute(t, tt.args...); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestResetRequiresConfirmation(t *testing.T) {
	setupEnv(t)
	execute(t, "add", "--title", "Gym", "--amount", "30")

	if _, err := execute(t, "reset"); err == nil {
		t.Fatal("reset without --yes must fail")
	}
	if out, _ := execute(t, "list"); !strings.Contains(out, "Gym") {
		t.Fatalf("items lost without confirmation: %q", out)
	}
	if _, err := execute(t, "reset", "--yes"); err != nil {
		t.Fatal(err)
	}
	if out, _ := execute(t, "list"); !strings.Contains(out, "No items") {
		t.Fatalf("after reset = %q", out)
	}
}

func TestHistoryAndAdviceWithoutData(t *testing.T) {
	setupEnv(t)
	out, err := execute(t, "history")
	if err != nil || !strings.Contains(out, "No closed cycles") {
		t.Fatalf("history out=%q err=%v", out, err)
	}
	out, err = execute(t, "advice")
	if err != nil || !strings.Contains(out, "1. Add recurring items") {
		t.Fatalf("advice out=%q err=%v", out, err)
	}
}

func TestResolveID(t *testing.T) {
	doc := core.DefaultDocument()
	doc.Items = []core.RecurringItem{{ID: "abc123"}, {ID: "abd456"}, {ID: "xyz"}}

	tests := []struct {
		prefix  string
		want    string
		wantErr bool
	}{
		{"xyz", "xyz", false},
		{"abc", "abc123", false},
		{"ab", "", true},
		{"nope", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := resolveID(doc, tt.prefix)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("resolveID(%q) = %q, %v", tt.prefix, got, err)
		}
	}
}

func TestRenderHelpers(t *testing.T) {
	if got := formatSigned("€", -1234); got != "-€12.34" {
		t.Errorf("formatSigned = %q", got)
	}

	var buf bytes.Buffer
	renderReceipt(&buf, statestore.Receipt{Published: true})
	if !strings.Contains(buf.String(), "NOT saved") {
		t.Errorf("receipt = %q", buf.String())
	}

	buf.Reset()
	now := time.Date(2024, 4, 3, 0, 0, 0, 0, time.UTC)
	rec := core.CycleRecord{Cycle: "2024-03", ClosedAt: now.Add(-48 * time.Hour), Unsettled: []string{"Gym"}}
	if err := renderHistory(&buf, []core.CycleRecord{rec}, "$", now); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "2024-03") || !strings.Contains(buf.String(), "2 days ago") {
		t.Errorf("history = %q", buf.String())
	}
}
