// Package events carries ledger notifications from committed transactions
// to in-process subscribers.
package events

import (
	"log"
	"slices"
	"sync"
)

type EventType string

const (
	EventTxExecuted          EventType = "tx_executed"
	EventCircuitRegistered   EventType = "circuit_registered"
	EventMatchCreated        EventType = "match_created"
	EventMatchJoined         EventType = "match_joined"
	EventMoveCommitted       EventType = "move_committed"
	EventComputationQueued   EventType = "computation_queued"
	EventRoundEnd            EventType = "round_end"
	EventResolutionAbandoned EventType = "resolution_abandoned"
)

// Event is published once the transaction that raised it has committed.
// Data never holds move ciphertexts.
type Event struct {
	Type   EventType      `json:"type"`
	TxID   string         `json:"tx_id"`
	Height uint64         `json:"height"`
	Data   map[string]any `json:"data"`
}

type Handler func(Event)

type subscription struct {
	id  uint64
	typ EventType // empty matches every type
	fn  Handler
}

// Emitter delivers events synchronously to subscribers in the order they
// subscribed. A panicking handler is logged and skipped.
type Emitter struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
}

func NewEmitter() *Emitter { return &Emitter{} }

// Subscribe calls h for every event of type typ. The returned func removes
// the subscription.
func (e *Emitter) Subscribe(typ EventType, h Handler) (cancel func()) {
	return e.add(typ, h)
}

// SubscribeAll calls h for every event.
func (e *Emitter) SubscribeAll(h Handler) (cancel func()) {
	return e.add("", h)
}

func (e *Emitter) add(typ EventType, h Handler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.subs = append(e.subs, subscription{id: id, typ: typ, fn: h})
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.subs = slices.DeleteFunc(e.subs, func(s subscription) bool { return s.id == id })
	}
}

func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	subs := slices.Clone(e.subs)
	e.mu.RUnlock()
	for _, s := range subs {
		if s.typ == "" || s.typ == ev.Type {
			deliver(s.fn, ev)
		}
	}
}

func deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[events] subscriber panicked on %s: %v", ev.Type, r)
		}
	}()
	h(ev)
}
