package statestore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"payflow/internal/core"
	"payflow/internal/log"
	"payflow/internal/syncbus"
)

type fakePersistence struct {
	mu      sync.Mutex
	doc     core.Document
	has     bool
	loadErr error
	saveErr error
	saves   int
	loads   int
	gate    chan struct{}
}

func newFakePersistence(doc *core.Document) *fakePersistence {
	p := &fakePersistence{}
	if doc != nil {
		p.doc = doc.Clone()
		p.has = true
	}
	return p
}

func (p *fakePersistence) Load(ctx context.Context) (core.Document, bool, error) {
	p.mu.Lock()
	gate := p.gate
	p.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return core.Document{}, false, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.loads++
	if p.loadErr != nil {
		return core.Document{}, false, p.loadErr
	}
	if !p.has {
		return core.Document{}, false, nil
	}
	return p.doc.Clone(), true, nil
}

func (p *fakePersistence) Save(_ context.Context, doc core.Document) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.saveErr != nil {
		return p.saveErr
	}
	p.saves++
	p.doc = doc.Clone()
	p.has = true
	return nil
}

func (p *fakePersistence) stored() (core.Document, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doc.Clone(), p.saves
}

type fakeArchiver struct {
	mu      sync.Mutex
	records []core.CycleRecord
}

func (a *fakeArchiver) Archive(_ context.Context, rec core.CycleRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func clockAt(year int, month time.Month) *fakeClock {
	return &fakeClock{t: time.Date(year, month, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) set(year int, month time.Month) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = time.Date(year, month, 10, 12, 0, 0, 0, time.UTC)
}

type collector chan core.Document

func newCollector() collector { return make(collector, 32) }

func (c collector) listen(doc core.Document) { c <- doc }

func (c collector) next(t *testing.T) core.Document {
	t.Helper()
	select {
	case d := <-c:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a document")
		return core.Document{}
	}
}

func (c collector) none(t *testing.T) {
	t.Helper()
	select {
	case d := <-c:
		t.Fatalf("unexpected document: %+v", d)
	case <-time.After(50 * time.Millisecond):
	}
}

func seeded(cycle string, completed ...string) core.Document {
	doc := core.DefaultDocument()
	doc.LastResetCycle = cycle
	doc.Items = []core.RecurringItem{
		{ID: "rent", Title: "Rent", Amount: core.Money{Cents: 150000}, Direction: core.Expense, DueDay: 5, Category: "Housing"},
		{ID: "salary", Title: "Salary", Amount: core.Money{Cents: 300000}, Direction: core.Income, DueDay: 27, Category: "Work"},
	}
	doc.CompletedIDs = append([]string{}, completed...)
	return doc
}

func newStore(t *testing.T, p Persistence, clock *fakeClock, opts Options) *Store {
	t.Helper()
	opts.Now = clock.Now
	opts.Logger = log.Discard()
	s := New(p, opts)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSubscribe_FirstLaunchResets(t *testing.T) {
	p := newFakePersistence(nil)
	s := newStore(t, p, clockAt(2024, time.March), Options{})

	if s.State() != Uninitialized {
		t.Fatalf("state = %s", s.State())
	}
	c := newCollector()
	s.Subscribe(c.listen)

	doc := c.next(t)
	if doc.LastResetCycle != "2024-03" || len(doc.Items) != 0 {
		t.Fatalf("unexpected first document: %+v", doc)
	}
	if s.State() != Ready {
		t.Fatalf("state = %s, want READY", s.State())
	}
	stored, saves := p.stored()
	if saves != 1 || stored.LastResetCycle != "2024-03" {
		t.Fatalf("reset not persisted: saves=%d doc=%+v", saves, stored)
	}
	c.none(t)
}

func TestSubscribe_SameCycleDeliversPersistedDocument(t *testing.T) {
	doc := seeded("2024-03", "rent")
	p := newFakePersistence(&doc)
	s := newStore(t, p, clockAt(2024, time.March), Options{})

	c := newCollector()
	s.Subscribe(c.listen)

	got := c.next(t)
	if !got.IsCompleted("rent") || got.LastResetCycle != "2024-03" {
		t.Fatalf("got %+v", got)
	}
	if _, saves := p.stored(); saves != 0 {
		t.Fatalf("no reset expected, saves = %d", saves)
	}
	select {
	case <-s.Ready():
	default:
		t.Fatal("ready channel not closed")
	}
}

func TestSubscribe_MonthRolloverResetsAndArchives(t *testing.T) {
	doc := seeded("2024-01", "rent", "salary")
	p := newFakePersistence(&doc)
	arch := &fakeArchiver{}
	s := newStore(t, p, clockAt(2024, time.February), Options{Archiver: arch})

	c := newCollector()
	s.Subscribe(c.listen)

	got := c.next(t)
	if got.LastResetCycle != "2024-02" || len(got.CompletedIDs) != 0 || len(got.Items) != 2 {
		t.Fatalf("got %+v", got)
	}
	stored, _ := p.stored()
	if stored.LastResetCycle != "2024-02" || len(stored.CompletedIDs) != 0 {
		t.Fatalf("stored %+v", stored)
	}

	arch.mu.Lock()
	defer arch.mu.Unlock()
	if len(arch.records) != 1 {
		t.Fatalf("records = %d", len(arch.records))
	}
	rec := arch.records[0]
	if rec.Cycle != "2024-01" || len(rec.SettledIDs) != 2 || rec.Summary.Paid.Cents != 150000 {
		t.Fatalf("record = %+v", rec)
	}
}

func TestSubscribe_LoadFailureFallsBackToDefault(t *testing.T) {
	p := newFakePersistence(nil)
	p.loadErr = errors.New("disk on fire")
	s := newStore(t, p, clockAt(2024, time.May), Options{})

	c := newCollector()
	s.Subscribe(c.listen)

	got := c.next(t)
	if len(got.Items) != 0 || got.LastResetCycle != "2024-05" || got.Preferences.Theme() != core.ThemeLight {
		t.Fatalf("got %+v", got)
	}
}

func TestSubscribe_DispatchDuringLoadWins(t *testing.T) {
	doc := seeded("2024-03")
	p := newFakePersistence(&doc)
	p.gate = make(chan struct{})
	s := newStore(t, p, clockAt(2024, time.March), Options{})

	c := newCollector()
	s.Subscribe(c.listen)
	if s.State() != Loading {
		t.Fatalf("state = %s, want LOADING", s.State())
	}

	newer := seeded("2024-03", "rent", "salary")
	s.Dispatch(context.Background(), newer)
	c.none(t)

	close(p.gate)
	got := c.next(t)
	if len(got.CompletedIDs) != 2 {
		t.Fatalf("stale load overwrote newer document: %+v", got)
	}
	c.none(t)
}

func TestSubscribe_LateListenerKeepsUnsavedChange(t *testing.T) {
	doc := seeded("2024-03")
	p := newFakePersistence(&doc)
	s := newStore(t, p, clockAt(2024, time.March), Options{})
	first := newCollector()
	s.Subscribe(first.listen)
	first.next(t)

	p.mu.Lock()
	p.saveErr = errors.New("quota exceeded")
	p.mu.Unlock()

	s.Dispatch(context.Background(), core.ToggleCompletion(doc, "rent"))
	first.next(t)

	late := newCollector()
	s.Subscribe(late.listen)
	if got := late.next(t); !got.IsCompleted("rent") {
		t.Fatalf("late listener got %+v", got)
	}
	if cur, _ := s.Current(); !cur.IsCompleted("rent") {
		t.Fatalf("unsaved change rolled back: %+v", cur)
	}
	first.none(t)
}

func TestSubscribe_LateListenerOnPeerKeepsInbound(t *testing.T) {
	hub := syncbus.NewHub()
	epA, epB := hub.Join(), hub.Join()
	defer epA.Close()
	defer epB.Close()

	doc := seeded("2024-03")
	clock := clockAt(2024, time.March)
	a := newStore(t, newFakePersistence(&doc), clock, Options{Bus: epA})
	b := newStore(t, newFakePersistence(&doc), clock, Options{Bus: epB})

	la, lb := newCollector(), newCollector()
	a.Subscribe(la.listen)
	b.Subscribe(lb.listen)
	la.next(t)
	lb.next(t)

	if _, _, err := a.Apply(context.Background(), func(d core.Document) core.Document {
		return core.ToggleCompletion(d, "rent")
	}); err != nil {
		t.Fatal(err)
	}
	if got := lb.next(t); !got.IsCompleted("rent") {
		t.Fatalf("b got %+v", got)
	}

	late := newCollector()
	b.Subscribe(late.listen)
	if got := late.next(t); !got.IsCompleted("rent") {
		t.Fatalf("late listener got %+v", got)
	}
	if cur, _ := b.Current(); !cur.IsCompleted("rent") {
		t.Fatalf("b reverted to its persisted copy: %+v", cur)
	}
	lb.none(t)

	// The next local change builds on the inbound document.
	next, _, err := b.Apply(context.Background(), func(d core.Document) core.Document {
		return core.ToggleCompletion(d, "salary")
	})
	if err != nil {
		t.Fatal(err)
	}
	if !next.IsCompleted("rent") || !next.IsCompleted("salary") {
		t.Fatalf("lost update: %+v", next.CompletedIDs)
	}
}

func TestSubscribe_LateListenerIgnoresLoadFailure(t *testing.T) {
	doc := seeded("2024-03", "rent")
	p := newFakePersistence(&doc)
	s := newStore(t, p, clockAt(2024, time.March), Options{})
	first := newCollector()
	s.Subscribe(first.listen)
	first.next(t)

	p.mu.Lock()
	p.loadErr = errors.New("database is locked")
	loads := p.loads
	p.mu.Unlock()

	late := newCollector()
	s.Subscribe(late.listen)
	got := late.next(t)
	if len(got.Items) != 2 || !got.IsCompleted("rent") {
		t.Fatalf("late listener got %+v", got)
	}
	first.none(t)

	stored, saves := p.stored()
	if saves != 0 || len(stored.Items) != 2 {
		t.Fatalf("persisted document touched: saves=%d items=%d", saves, len(stored.Items))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loads != loads {
		t.Fatalf("late subscribe reloaded persistence: loads=%d, want %d", p.loads, loads)
	}
}

func TestDispatch_SaveFailureStillNotifiesAndPublishes(t *testing.T) {
	doc := seeded("2024-03")
	p := newFakePersistence(&doc)

	hub := syncbus.NewHub()
	local, remote := hub.Join(), hub.Join()
	defer local.Close()
	defer remote.Close()
	inbound := newCollector()
	remote.Subscribe(inbound.listen)

	s := newStore(t, p, clockAt(2024, time.March), Options{Bus: local})
	c := newCollector()
	s.Subscribe(c.listen)
	c.next(t)

	p.mu.Lock()
	p.saveErr = errors.New("quota exceeded")
	p.mu.Unlock()

	next := core.ToggleCompletion(doc, "rent")
	receipt := s.Dispatch(context.Background(), next)
	if receipt.Persisted || !receipt.Published {
		t.Fatalf("receipt = %+v", receipt)
	}
	if got := c.next(t); !got.IsCompleted("rent") {
		t.Fatalf("listener got %+v", got)
	}
	if got := inbound.next(t); !got.IsCompleted("rent") {
		t.Fatalf("peer got %+v", got)
	}
}

func TestDispatch_NotifiesInOrder(t *testing.T) {
	doc := seeded("2024-03")
	s := newStore(t, newFakePersistence(&doc), clockAt(2024, time.March), Options{})
	c := newCollector()
	s.Subscribe(c.listen)
	c.next(t)

	for _, id := range []string{"rent", "salary", "rent"} {
		_, _, err := s.Apply(context.Background(), func(d core.Document) core.Document {
			return core.ToggleCompletion(d, id)
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	wantCounts := []int{1, 2, 1}
	for i, want := range wantCounts {
		if got := c.next(t); len(got.CompletedIDs) != want {
			t.Fatalf("notification %d: completed = %v", i, got.CompletedIDs)
		}
	}
}

func TestApply_BeforeReady(t *testing.T) {
	p := newFakePersistence(nil)
	p.gate = make(chan struct{})
	defer close(p.gate)
	s := newStore(t, p, clockAt(2024, time.March), Options{})

	_, _, err := s.Apply(context.Background(), func(d core.Document) core.Document { return d })
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestApply_ConcurrentMutationsAreNotLost(t *testing.T) {
	s := newStore(t, newFakePersistence(nil), clockAt(2024, time.March), Options{})
	c := newCollector()
	s.Subscribe(func(core.Document) {})
	s.Subscribe(c.listen)
	c.next(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Apply(context.Background(), func(d core.Document) core.Document {
				next, _ := core.AddItem(d, core.ItemFields{Title: "x", Direction: core.Expense, DueDay: 1}, nil)
				return next
			})
		}()
	}
	wg.Wait()

	cur, ok := s.Current()
	if !ok || len(cur.Items) != 20 {
		t.Fatalf("items = %d, want 20", len(cur.Items))
	}
}

func TestUnsubscribe(t *testing.T) {
	doc := seeded("2024-03")
	s := newStore(t, newFakePersistence(&doc), clockAt(2024, time.March), Options{})
	kept, dropped := newCollector(), newCollector()
	s.Subscribe(kept.listen)
	unsubscribe := s.Subscribe(dropped.listen)
	kept.next(t)
	dropped.next(t)

	unsubscribe()
	unsubscribe()
	s.Dispatch(context.Background(), core.ToggleCompletion(doc, "rent"))

	kept.next(t)
	dropped.none(t)
}

func TestPeers_ReceiveWithoutPersistOrEcho(t *testing.T) {
	hub := syncbus.NewHub()
	epA, epB := hub.Join(), hub.Join()
	defer epA.Close()
	defer epB.Close()

	doc := seeded("2024-03")
	pA, pB := newFakePersistence(&doc), newFakePersistence(&doc)
	clock := clockAt(2024, time.March)
	a := newStore(t, pA, clock, Options{Bus: epA})
	b := newStore(t, pB, clock, Options{Bus: epB})

	la, lb := newCollector(), newCollector()
	a.Subscribe(la.listen)
	b.Subscribe(lb.listen)
	la.next(t)
	lb.next(t)

	_, receipt, err := a.Apply(context.Background(), func(d core.Document) core.Document {
		return core.ToggleCompletion(d, "rent")
	})
	if err != nil || !receipt.Persisted || !receipt.Published {
		t.Fatalf("receipt=%+v err=%v", receipt, err)
	}

	if got := la.next(t); !got.IsCompleted("rent") {
		t.Fatalf("a got %+v", got)
	}
	if got := lb.next(t); !got.IsCompleted("rent") {
		t.Fatalf("b got %+v", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := epA.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	la.none(t)

	if _, saves := pB.stored(); saves != 0 {
		t.Fatalf("inbound document was persisted by receiver: saves=%d", saves)
	}
	if cur, _ := b.Current(); !cur.IsCompleted("rent") {
		t.Fatalf("b current = %+v", cur)
	}
}

func TestPeers_InboundDoesNotRerunReset(t *testing.T) {
	hub := syncbus.NewHub()
	epA, epB := hub.Join(), hub.Join()
	defer epA.Close()
	defer epB.Close()

	// Both peers share one storage area, like two tabs of the same origin.
	doc := seeded("2024-02", "rent")
	shared := newFakePersistence(&doc)
	clockA, clockB := clockAt(2024, time.February), clockAt(2024, time.February)
	a := newStore(t, shared, clockA, Options{Bus: epA})
	b := newStore(t, shared, clockB, Options{Bus: epB})

	la, lb := newCollector(), newCollector()
	a.Subscribe(la.listen)
	b.Subscribe(lb.listen)
	la.next(t)
	lb.next(t)

	clockB.set(2024, time.March)
	a.Dispatch(context.Background(), core.ToggleCompletion(doc, "salary"))
	la.next(t)

	got := lb.next(t)
	if got.LastResetCycle != "2024-02" || len(got.CompletedIDs) != 2 {
		t.Fatalf("inbound document altered by receiver: %+v", got)
	}
	lb.none(t)

	if !b.OnForeground(context.Background()) {
		t.Fatal("foreground check should reset on the new month")
	}
	reset := lb.next(t)
	if reset.LastResetCycle != "2024-03" || len(reset.CompletedIDs) != 0 {
		t.Fatalf("b reset = %+v", reset)
	}

	fromB := la.next(t)
	if fromB.LastResetCycle != "2024-03" {
		t.Fatalf("a got %+v", fromB)
	}
	la.none(t)

	if b.OnForeground(context.Background()) {
		t.Fatal("second foreground check must not reset again")
	}
}

func TestOnForeground_SameMonthIsNoop(t *testing.T) {
	doc := seeded("2024-03", "rent")
	p := newFakePersistence(&doc)
	s := newStore(t, p, clockAt(2024, time.March), Options{})
	c := newCollector()
	s.Subscribe(c.listen)
	c.next(t)

	if s.OnForeground(context.Background()) {
		t.Fatal("unexpected reset")
	}
	c.none(t)
}

func TestOnForeground_LoadFailureKeepsCurrent(t *testing.T) {
	doc := seeded("2024-03", "rent")
	p := newFakePersistence(&doc)
	s := newStore(t, p, clockAt(2024, time.March), Options{})
	c := newCollector()
	s.Subscribe(c.listen)
	c.next(t)

	p.mu.Lock()
	p.loadErr = errors.New("unavailable")
	p.mu.Unlock()

	if s.OnForeground(context.Background()) {
		t.Fatal("load failure must not trigger a reset of held data")
	}
	if cur, _ := s.Current(); !cur.IsCompleted("rent") {
		t.Fatalf("current = %+v", cur)
	}
}

func TestClose_StopsInbound(t *testing.T) {
	hub := syncbus.NewHub()
	epA, epB := hub.Join(), hub.Join()
	defer epA.Close()
	defer epB.Close()

	doc := seeded("2024-03")
	b := New(newFakePersistence(&doc), Options{Bus: epB, Now: clockAt(2024, time.March).Now, Logger: log.Discard()})
	lb := newCollector()
	b.Subscribe(lb.listen)
	lb.next(t)
	b.Close()

	_ = epA.Publish(context.Background(), seeded("2024-03", "rent"))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = epB.Drain(ctx)
	lb.none(t)
}
