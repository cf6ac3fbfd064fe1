package syncbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"payflow/internal/core"
)

type recorder struct {
	mu     sync.Mutex
	cycles []string
}

func (r *recorder) handle(doc core.Document) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cycles = append(r.cycles, doc.LastResetCycle)
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.cycles))
	copy(out, r.cycles)
	return out
}

func docFor(cycle string) core.Document {
	d := core.DefaultDocument()
	d.LastResetCycle = cycle
	return d
}

func drain(t *testing.T, eps ...*Endpoint) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, e := range eps {
		if err := e.Drain(ctx); err != nil {
			t.Fatalf("drain: %v", err)
		}
	}
}

func TestHub_DeliversToOthersOnly(t *testing.T) {
	hub := NewHub()
	a, b, c := hub.Join(), hub.Join(), hub.Join()
	defer a.Close()
	defer b.Close()
	defer c.Close()

	var ra, rb, rc recorder
	a.Subscribe(ra.handle)
	b.Subscribe(rb.handle)
	c.Subscribe(rc.handle)

	if err := a.Publish(context.Background(), docFor("2024-01")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	drain(t, a, b, c)

	if len(ra.got()) != 0 {
		t.Fatalf("sender received its own document: %v", ra.got())
	}
	if g := rb.got(); len(g) != 1 || g[0] != "2024-01" {
		t.Fatalf("b got %v", g)
	}
	if g := rc.got(); len(g) != 1 || g[0] != "2024-01" {
		t.Fatalf("c got %v", g)
	}
}

func TestHub_PreservesOrder(t *testing.T) {
	hub := NewHub()
	a, b := hub.Join(), hub.Join()
	defer a.Close()
	defer b.Close()

	var rb recorder
	b.Subscribe(rb.handle)

	want := []string{"2024-01", "2024-02", "2024-03", "2024-04", "2024-05"}
	for _, c := range want {
		if err := a.Publish(context.Background(), docFor(c)); err != nil {
			t.Fatal(err)
		}
	}
	drain(t, b)

	got := rb.got()
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: got %s want %s", i, got[i], want[i])
		}
	}
}

func TestHub_PublishDoesNotWaitForSlowReceiver(t *testing.T) {
	hub := NewHub()
	a, b := hub.Join(), hub.Join()
	defer a.Close()
	defer b.Close()

	release := make(chan struct{})
	b.Subscribe(func(core.Document) { <-release })

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			_ = a.Publish(context.Background(), docFor("2024-01"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow receiver")
	}
	close(release)
}

func TestEndpoint_UnsubscribeAndClose(t *testing.T) {
	hub := NewHub()
	a, b := hub.Join(), hub.Join()
	defer a.Close()

	var rb recorder
	unsubscribe := b.Subscribe(rb.handle)
	unsubscribe()

	_ = a.Publish(context.Background(), docFor("2024-01"))
	drain(t, b)
	if len(rb.got()) != 0 {
		t.Fatalf("unsubscribed handler called: %v", rb.got())
	}

	b.Close()
	if hub.Peers() != 1 {
		t.Fatalf("peers = %d, want 1", hub.Peers())
	}
	if err := b.Publish(context.Background(), docFor("2024-02")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestEndpoint_ReceivesCopies(t *testing.T) {
	hub := NewHub()
	a, b := hub.Join(), hub.Join()
	defer a.Close()
	defer b.Close()

	got := make(chan core.Document, 1)
	b.Subscribe(func(d core.Document) { got <- d })

	doc := docFor("2024-01")
	doc.CompletedIDs = []string{"x"}
	_ = a.Publish(context.Background(), doc)
	doc.CompletedIDs[0] = "mutated"

	select {
	case d := <-got:
		if d.CompletedIDs[0] != "x" {
			t.Fatalf("receiver shares sender memory: %v", d.CompletedIDs)
		}
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}
}
