// Package statestore owns the in-memory copy of the Document, its listeners,
// the monthly reset and the propagation of every change to persistence and
// to the other peers on the Sync Bus.
package statestore

import (
	"context"
	"errors"
	"sync"
	"time"

	"payflow/internal/core"
	"payflow/internal/log"
)

// State is the lifecycle of a Store.
type State int32

const (
	Uninitialized State = iota
	Loading
	Ready
)

func (s State) String() string {
	switch s {
	case Loading:
		return "LOADING"
	case Ready:
		return "READY"
	default:
		return "UNINITIALIZED"
	}
}

// ErrNotReady is returned by Apply before any document is available.
var ErrNotReady = errors.New("store not ready")

// DefaultPersistTimeout bounds every persistence call made by the store.
const DefaultPersistTimeout = 5 * time.Second

// Listener receives every document the store publishes locally. Listeners
// run synchronously on the dispatching goroutine. They must not call
// Dispatch, Apply or OnForeground, and must treat the document as read-only.
type Listener func(core.Document)

// Mutation derives the next document from the current one.
type Mutation func(core.Document) core.Document

// Receipt reports how far a dispatch propagated. Listeners have always been
// notified by the time it is returned.
type Receipt struct {
	Persisted bool
	Published bool
}

type Options struct {
	Bus            Bus
	Archiver       Archiver
	Metrics        Metrics
	Logger         *log.Logger
	Now            func() time.Time
	PersistTimeout time.Duration
}

type subscription struct {
	id      uint64
	fn      Listener
	primed  bool
	removed bool
}

type Store struct {
	persistence    Persistence
	bus            Bus
	archiver       Archiver
	metrics        Metrics
	logger         *log.Logger
	events         *log.StructuredLogger
	now            func() time.Time
	persistTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// dispatchMu serializes every transition of the current document and
	// the listener notifications that follow it.
	dispatchMu sync.Mutex

	mu          sync.Mutex
	state       State
	current     core.Document
	hasCurrent  bool
	subs        []*subscription
	nextID      uint64
	unsubscribe func()
	ready       chan struct{}
	closed      bool
}

// New builds a store on top of persistence. The store starts listening on
// opts.Bus immediately.
func New(persistence Persistence, opts Options) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		persistence:    persistence,
		bus:            opts.Bus,
		archiver:       opts.Archiver,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
		now:            opts.Now,
		persistTimeout: opts.PersistTimeout,
		ctx:            ctx,
		cancel:         cancel,
		ready:          make(chan struct{}),
	}
	if s.metrics == nil {
		s.metrics = noopMetrics{}
	}
	if s.logger == nil {
		s.logger = log.Default(log.ComponentStore)
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.persistTimeout <= 0 {
		s.persistTimeout = DefaultPersistTimeout
	}
	s.events = log.NewStructuredLogger(s.logger)
	if s.bus != nil {
		s.unsubscribe = s.bus.Subscribe(s.receive)
	}
	return s
}

// State reports the lifecycle state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Current returns the latest document, if any has been loaded or received.
func (s *Store) Current() (core.Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasCurrent {
		return core.Document{}, false
	}
	return s.current.Clone(), true
}

// Ready is closed the first time the store reaches READY.
func (s *Store) Ready() <-chan struct{} {
	return s.ready
}

// Subscribe registers listener and delivers its first document in the
// background. Before any document is held, that is the persisted one after
// the reset policy has run; if another document became current while the
// load was in flight, the listener receives that one instead. Once a
// document is held, the listener receives it as is and nothing is reloaded.
func (s *Store) Subscribe(listener Listener) (unsubscribe func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return func() {}
	}
	s.nextID++
	sub := &subscription{id: s.nextID, fn: listener}
	s.subs = append(s.subs, sub)
	if s.state == Uninitialized {
		s.state = Loading
	}
	n := len(s.subs)
	s.wg.Add(1)
	s.mu.Unlock()

	s.metrics.SetListeners(n)
	go s.initialLoad(sub)

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(sub) })
	}
}

func (s *Store) remove(sub *subscription) {
	s.mu.Lock()
	sub.removed = true
	for i, x := range s.subs {
		if x == sub {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			break
		}
	}
	n := len(s.subs)
	s.mu.Unlock()
	s.metrics.SetListeners(n)
}

func (s *Store) initialLoad(sub *subscription) {
	defer s.wg.Done()

	s.mu.Lock()
	held := s.hasCurrent
	s.mu.Unlock()

	// The persisted copy may lag the held one (failed save, inbound
	// documents are never saved), so it is only read on a cold start.
	var loaded core.Document
	if !held {
		loaded, _ = s.load(s.ctx)
	}

	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	s.mu.Lock()
	if s.closed || sub.removed {
		s.mu.Unlock()
		return
	}
	if s.hasCurrent {
		// Already held, or a dispatch, an inbound document or another
		// listener's load won the race.
		cur := s.current.Clone()
		sub.primed = true
		s.mu.Unlock()
		sub.fn(cur)
		return
	}
	s.mu.Unlock()

	if next, due := core.CheckReset(loaded, core.MonthKey(s.now())); due {
		s.mu.Lock()
		sub.primed = true
		s.mu.Unlock()
		s.resetLocked(s.ctx, loaded, next)
		return
	}

	s.mu.Lock()
	s.current = loaded
	s.hasCurrent = true
	s.setReadyLocked()
	sub.primed = true
	s.mu.Unlock()
	sub.fn(loaded.Clone())
}

// Dispatch makes doc the current document. Local listeners are notified
// first, then doc is saved and finally broadcast to the other peers. A
// failing save is logged and does not stop the broadcast.
func (s *Store) Dispatch(ctx context.Context, doc core.Document) Receipt {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	return s.dispatchLocked(ctx, doc)
}

// Apply runs mutation against the current document and dispatches the
// result. Concurrent calls on the same store never lose an update.
func (s *Store) Apply(ctx context.Context, mutation Mutation) (core.Document, Receipt, error) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	s.mu.Lock()
	if !s.hasCurrent {
		s.mu.Unlock()
		return core.Document{}, Receipt{}, ErrNotReady
	}
	cur := s.current.Clone()
	s.mu.Unlock()

	next := mutation(cur)
	return next.Clone(), s.dispatchLocked(ctx, next), nil
}

// OnForeground re-reads the persisted document and runs the reset policy
// again. It reports whether a reset was dispatched.
func (s *Store) OnForeground(ctx context.Context) bool {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	loaded, ok := s.load(ctx)
	if !ok {
		// Never reset on top of a failed read while a good copy is held.
		if cur, has := s.Current(); has {
			loaded = cur
		}
	}

	next, due := core.CheckReset(loaded, core.MonthKey(s.now()))
	if !due {
		return false
	}
	s.resetLocked(ctx, loaded, next)
	return true
}

// Close stops listening on the bus and waits for pending loads.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	unsubscribe := s.unsubscribe
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *Store) resetLocked(ctx context.Context, prev, next core.Document) {
	s.events.LogCycleReset(ctx, prev.LastResetCycle, next.LastResetCycle, len(next.Items))
	s.metrics.ObserveReset(next.LastResetCycle)
	s.archive(ctx, prev)
	s.dispatchLocked(ctx, next)
}

func (s *Store) dispatchLocked(ctx context.Context, doc core.Document) Receipt {
	start := time.Now()
	subs := s.install(doc)
	for _, sub := range subs {
		sub.fn(doc.Clone())
	}

	receipt := Receipt{
		Persisted: s.persist(ctx, doc),
		Published: s.publish(ctx, doc),
	}
	s.metrics.ObserveDispatch(receipt, time.Since(start))
	s.logger.DebugContext(ctx, "Dispatched document",
		append(log.NewFields().WithDocument(doc).ToSlice(),
			log.FieldPersisted, receipt.Persisted,
			log.FieldPublished, receipt.Published)...)
	return receipt
}

// receive handles a document from another peer. It is not persisted, not
// re-broadcast and not passed through the reset policy.
func (s *Store) receive(doc core.Document) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	subs := s.install(doc)
	for _, sub := range subs {
		sub.fn(doc.Clone())
	}
	s.metrics.ObserveInbound()
}

// install makes doc current and returns the listeners to notify.
func (s *Store) install(doc core.Document) []*subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = doc.Clone()
	s.hasCurrent = true
	s.setReadyLocked()

	out := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.primed {
			out = append(out, sub)
		}
	}
	return out
}

func (s *Store) setReadyLocked() {
	if s.state == Ready {
		return
	}
	s.state = Ready
	close(s.ready)
}

// load reads the persisted document, falling back to the default document
// on any failure. ok is false when the fallback was used.
func (s *Store) load(ctx context.Context) (core.Document, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.persistTimeout)
	defer cancel()

	doc, found, err := s.persistence.Load(ctx)
	s.metrics.ObserveLoad(found, err)
	if err != nil {
		s.logger.WarnContext(ctx, "Failed to load document, using defaults",
			log.FieldError, err,
			log.FieldOperation, log.OpLoad)
		return core.DefaultDocument(), false
	}
	if !found {
		return core.DefaultDocument(), false
	}
	return doc, true
}

func (s *Store) persist(ctx context.Context, doc core.Document) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.persistTimeout)
	defer cancel()

	if err := s.persistence.Save(ctx, doc); err != nil {
		s.logger.ErrorContext(ctx, "Failed to persist document",
			log.FieldError, err,
			log.FieldOperation, log.OpSave)
		return false
	}
	return true
}

func (s *Store) publish(ctx context.Context, doc core.Document) bool {
	if s.bus == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.persistTimeout)
	defer cancel()

	if err := s.bus.Publish(ctx, doc); err != nil {
		s.logger.WarnContext(ctx, "Failed to publish document",
			log.FieldError, err,
			log.FieldOperation, log.OpPublish)
		return false
	}
	return true
}

func (s *Store) archive(ctx context.Context, prev core.Document) {
	if s.archiver == nil {
		return
	}
	rec, ok := core.NewCycleRecord(prev, s.now())
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.persistTimeout)
	defer cancel()

	if err := s.archiver.Archive(ctx, rec); err != nil {
		s.logger.WarnContext(ctx, "Failed to archive closed cycle",
			log.FieldCycle, rec.Cycle,
			log.FieldError, err,
			log.FieldOperation, log.OpArchive)
	}
}
