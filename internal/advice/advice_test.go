package advice

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"payflow/internal/cache"
	"payflow/internal/core"
	"payflow/internal/log"
)

type fakeProvider struct {
	reply   string
	err     error
	calls   int
	prompts []string
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Generate(_ context.Context, prompt string) (string, error) {
	f.calls++
	f.prompts = append(f.prompts, prompt)
	return f.reply, f.err
}

func docWithItems() core.Document {
	doc := core.DefaultDocument()
	doc.Items = []core.RecurringItem{
		{ID: "1", Title: "Salary", Amount: core.Money{Cents: 500000}, Direction: core.Income, DueDay: 27},
		{ID: "2", Title: "Rent", Amount: core.Money{Cents: 150050}, Direction: core.Expense, DueDay: 5},
	}
	return doc
}

func TestService_Tips(t *testing.T) {
	tests := []struct {
		name     string
		doc      core.Document
		provider *fakeProvider
		want     []string
	}{
		{
			name:     "no items skips provider",
			doc:      core.DefaultDocument(),
			provider: &fakeProvider{reply: `["x"]`},
			want:     NoItemsTips,
		},
		{
			name:     "valid reply",
			doc:      docWithItems(),
			provider: &fakeProvider{reply: `["Save 20%", "Cut rent", "Track weekly"]`},
			want:     []string{"Save 20%", "Cut rent", "Track weekly"},
		},
		{
			name:     "provider error",
			doc:      docWithItems(),
			provider: &fakeProvider{err: errors.New("quota exceeded")},
			want:     FallbackTips,
		},
		{
			name:     "malformed reply",
			doc:      docWithItems(),
			provider: &fakeProvider{reply: "Here are some tips: save more"},
			want:     FallbackTips,
		},
		{
			name:     "empty array",
			doc:      docWithItems(),
			provider: &fakeProvider{reply: "[]"},
			want:     []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewService(tt.provider, Options{Logger: log.Discard()})
			got := s.Tips(context.Background(), tt.doc)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Tips = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestService_NoProvider(t *testing.T) {
	s := NewService(nil, Options{Logger: log.Discard()})
	if s.Enabled() {
		t.Fatal("Enabled with nil provider")
	}
	if got := s.Tips(context.Background(), docWithItems()); !reflect.DeepEqual(got, FallbackTips) {
		t.Errorf("Tips = %v", got)
	}
}

func TestService_Caches(t *testing.T) {
	p := &fakeProvider{reply: `["one"]`}
	s := NewService(p, Options{
		Cache:  cache.NewLRUCache[[]string](8, time.Hour),
		Logger: log.Discard(),
	})

	doc := docWithItems()
	s.Tips(context.Background(), doc)
	got := s.Tips(context.Background(), doc)
	if p.calls != 1 {
		t.Fatalf("provider calls = %d, want 1", p.calls)
	}
	got[0] = "mutated"
	if again := s.Tips(context.Background(), doc); again[0] != "one" {
		t.Fatal("callers must not share the cached slice")
	}

	// Failures are not cached.
	p.err = errors.New("down")
	doc.Items[0].Amount = core.Money{Cents: 1}
	s.Tips(context.Background(), doc)
	s.Tips(context.Background(), doc)
	if p.calls != 3 {
		t.Fatalf("provider calls = %d, want 3", p.calls)
	}
}

func TestBuildPrompt(t *testing.T) {
	prompt := BuildPrompt(docWithItems().Items, "€")
	for _, want := range []string{
		"Incoming: Salary: €5000",
		"Outgoing: Rent: €1500.5",
		"JSON array of strings",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}

	onlyIncome := BuildPrompt(docWithItems().Items[:1], "€")
	if !strings.Contains(onlyIncome, "Outgoing: None listed") {
		t.Errorf("prompt = %s", onlyIncome)
	}
}

func TestParseTips(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		want    []string
		wantErr bool
	}{
		{"plain", `["a","b"]`, []string{"a", "b"}, false},
		{"fenced", "```json\n[\"a\"]\n```", []string{"a"}, false},
		{"capped", `["a","b","c","d"]`, []string{"a", "b", "c"}, false},
		{"blank dropped", `["  ", "b"]`, []string{"b"}, false},
		{"object", `{"tips":["a"]}`, nil, true},
		{"all blank", `[""]`, []string{}, false},
		{"empty array", `[]`, []string{}, false},
		{"empty reply", "  ", []string{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTips(tt.reply)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseTips = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFingerprint(t *testing.T) {
	items := docWithItems().Items
	reversed := []core.RecurringItem{items[1], items[0]}
	if Fingerprint(items) != Fingerprint(reversed) {
		t.Error("fingerprint must not depend on order")
	}
	changed := append([]core.RecurringItem(nil), items...)
	changed[0].Amount = core.Money{Cents: 1}
	if Fingerprint(items) == Fingerprint(changed) {
		t.Error("fingerprint must change with amounts")
	}
}
