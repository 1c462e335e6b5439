// Package notify fans change-log wake-ups out to interested readers.
package notify

import (
	"strings"
	"sync"
	"sync/atomic"
)

// defaultSignalBufferSize is the buffer size for wake-up channels.
// A wake-up only means "poll now", so subscribers that fall behind lose
// nothing when signals are dropped (non-blocking send).
const defaultSignalBufferSize = 16

// Signal announces that new rows were committed for a table. An empty Table
// means the origin could not tell which table changed.
type Signal struct {
	Table string
}

// subscription represents a single subscriber.
type subscription struct {
	id     uint64
	tables map[string]struct{} // lowercased; empty = all tables
	ch     chan Signal
	closed atomic.Bool
}

// matches checks if the table matches this subscription's filter.
func (s *subscription) matches(table string) bool {
	if len(s.tables) == 0 || table == "" {
		return true
	}
	_, ok := s.tables[strings.ToLower(table)]
	return ok
}

// close closes the subscription channel if not already closed.
func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub is a thread-safe notification hub for change-log wake-ups.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
	signals       atomic.Uint64
}

// NewHub creates a new notification hub.
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Signal wakes all matching subscribers (non-blocking).
func (h *Hub) Signal(table string) {
	h.signals.Add(1)
	signal := Signal{Table: table}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.matches(table) {
			continue
		}

		// Non-blocking send - drop if buffer full
		select {
		case sub.ch <- signal:
		default:
		}
	}
}

// Signals returns how many signals were raised since the hub was created.
func (h *Hub) Signals() uint64 {
	return h.signals.Load()
}

// Subscribe creates a new subscription for the given tables (nil or empty
// means all) and returns the signal channel and cancel function. Matching is
// case-insensitive. The cancel function is idempotent.
func (h *Hub) Subscribe(tables []string) (<-chan Signal, func()) {
	sub := &subscription{
		id:     h.nextID.Add(1),
		tables: make(map[string]struct{}, len(tables)),
		ch:     make(chan Signal, defaultSignalBufferSize),
	}
	for _, t := range tables {
		sub.tables[strings.ToLower(t)] = struct{}{}
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.unsubscribe(sub.id)
	}

	return sub.ch, cancel
}

// unsubscribe removes a subscription and closes its channel.
func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
