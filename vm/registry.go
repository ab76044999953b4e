package vm

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/tolelom/shadowduel/core"
)

// ErrUnknownTxType is returned for a transaction no module handles.
var ErrUnknownTxType = errors.New("unknown transaction type")

// Handler applies one transaction's payload. Returning an error rolls the
// whole transaction back.
type Handler func(ctx *Context, payload json.RawMessage) error

// Registry routes transaction types to handlers. Modules install their
// handlers once at start-up; a ledger owns exactly one Registry.
type Registry struct {
	mu       sync.RWMutex
	handlers map[core.TxType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[core.TxType]Handler)}
}

// Register installs h for typ. Two modules claiming one type is a wiring
// bug, so it panics.
func (r *Registry) Register(typ core.TxType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[typ]; dup {
		panic(fmt.Sprintf("vm: %q registered twice", typ))
	}
	r.handlers[typ] = h
}

// Execute runs the handler for typ.
func (r *Registry) Execute(typ core.TxType, ctx *Context, payload json.RawMessage) error {
	r.mu.RLock()
	h := r.handlers[typ]
	r.mu.RUnlock()
	if h == nil {
		return fmt.Errorf("%w %q", ErrUnknownTxType, typ)
	}
	return h(ctx, payload)
}

// Types lists the registered transaction types in sorted order.
func (r *Registry) Types() []core.TxType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]core.TxType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}
