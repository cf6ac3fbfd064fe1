// Package syncbus is the in-process Sync Bus. A Hub connects any number of
// endpoints; a document published on one endpoint is delivered to every
// other endpoint, never back to the sender.
package syncbus

import (
	"context"
	"errors"
	"sync"

	"payflow/internal/core"
)

var ErrClosed = errors.New("sync bus endpoint closed")

// Hub is a named broadcast channel shared by in-process peers.
type Hub struct {
	mu        sync.Mutex
	endpoints []*Endpoint
}

func NewHub() *Hub {
	return &Hub{}
}

// Join attaches a new endpoint to the hub. The endpoint owns a delivery
// goroutine until Close is called.
func (h *Hub) Join() *Endpoint {
	e := &Endpoint{
		hub:    h,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		idle:   make(chan struct{}),
	}
	close(e.idle)
	go e.run()

	h.mu.Lock()
	h.endpoints = append(h.endpoints, e)
	h.mu.Unlock()
	return e
}

// Peers returns the number of attached endpoints.
func (h *Hub) Peers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.endpoints)
}

func (h *Hub) broadcast(from *Endpoint, doc core.Document) {
	h.mu.Lock()
	targets := make([]*Endpoint, 0, len(h.endpoints))
	for _, e := range h.endpoints {
		if e != from {
			targets = append(targets, e)
		}
	}
	h.mu.Unlock()

	for _, e := range targets {
		e.enqueue(doc.Clone())
	}
}

func (h *Hub) leave(e *Endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, x := range h.endpoints {
		if x == e {
			h.endpoints = append(h.endpoints[:i], h.endpoints[i+1:]...)
			return
		}
	}
}

type handlerEntry struct {
	id uint64
	fn func(core.Document)
}

// Endpoint is one peer's view of the hub. Inbound documents are queued
// without bound and handed to the handlers in arrival order on the
// endpoint's own goroutine, so Publish never waits on a receiver.
type Endpoint struct {
	hub *Hub

	mu       sync.Mutex
	queue    []core.Document
	handlers []handlerEntry
	nextID   uint64
	closed   bool
	// idle is closed whenever the queue is empty and no delivery runs.
	idle chan struct{}

	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

// Publish broadcasts doc to every other endpoint on the hub.
func (e *Endpoint) Publish(ctx context.Context, doc core.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	e.hub.broadcast(e, doc)
	return nil
}

// Subscribe registers handler for inbound documents.
func (e *Endpoint) Subscribe(handler func(core.Document)) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.handlers = append(e.handlers, handlerEntry{id: id, fn: handler})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, h := range e.handlers {
			if h.id == id {
				e.handlers = append(e.handlers[:i], e.handlers[i+1:]...)
				return
			}
		}
	}
}

// Drain blocks until every queued document has been delivered or ctx ends.
func (e *Endpoint) Drain(ctx context.Context) error {
	e.mu.Lock()
	idle := e.idle
	e.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close detaches the endpoint and stops delivery. Queued documents are
// dropped.
func (e *Endpoint) Close() error {
	e.once.Do(func() {
		e.hub.leave(e)
		e.mu.Lock()
		e.closed = true
		e.queue = nil
		e.mu.Unlock()
		close(e.done)
	})
	return nil
}

func (e *Endpoint) enqueue(doc core.Document) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if len(e.queue) == 0 {
		select {
		case <-e.idle:
			e.idle = make(chan struct{})
		default:
		}
	}
	e.queue = append(e.queue, doc)
	e.mu.Unlock()

	select {
	case e.notify <- struct{}{}:
	default:
	}
}

func (e *Endpoint) run() {
	for {
		select {
		case <-e.done:
			e.markIdle()
			return
		case <-e.notify:
		}
		for {
			e.mu.Lock()
			if e.closed || len(e.queue) == 0 {
				e.mu.Unlock()
				break
			}
			doc := e.queue[0]
			e.queue = e.queue[1:]
			handlers := make([]handlerEntry, len(e.handlers))
			copy(handlers, e.handlers)
			e.mu.Unlock()

			for _, h := range handlers {
				h.fn(doc)
			}
		}
		e.markIdle()
	}
}

func (e *Endpoint) markIdle() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) > 0 && !e.closed {
		return
	}
	select {
	case <-e.idle:
	default:
		close(e.idle)
	}
}
