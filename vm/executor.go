package vm

import (
	"context"
	"fmt"
	"math"

	"github.com/tolelom/shadowduel/core"
	"github.com/tolelom/shadowduel/events"
)

// Context is passed to every Handler. It exposes the ledger state, the
// triggering transaction and the ledger position it executes at. Events
// raised through Emit are buffered and only published once the transaction
// has committed.
type Context struct {
	Ctx       context.Context
	State     core.State
	Tx        *core.Transaction
	Height    uint64
	Timestamp int64 // unix nanoseconds, stamped by the ledger

	events []events.Event
}

// Emit buffers an event for publication after commit.
func (c *Context) Emit(typ events.EventType, data map[string]any) {
	ev := events.Event{Type: typ, Height: c.Height, Data: data}
	if c.Tx != nil {
		ev.TxID = c.Tx.ID
	}
	c.events = append(c.events, ev)
}

// Events returns the events buffered so far.
func (c *Context) Events() []events.Event {
	return c.events
}

// Executor applies transactions to the state using a Handler registry.
type Executor struct {
	state    core.State
	registry *Registry
}

// NewExecutor creates an Executor over state dispatching through registry.
func NewExecutor(state core.State, registry *Registry) *Executor {
	return &Executor{state: state, registry: registry}
}

// ExecuteTx verifies and executes a single transaction with snapshot/rollback.
// On success it returns the events the transaction raised; on failure the
// state is exactly as it was before the call.
func (e *Executor) ExecuteTx(ctx context.Context, height uint64, timestamp int64, tx *core.Transaction) ([]events.Event, error) {
	if err := tx.Verify(); err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}

	snapID, err := e.state.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	vctx := &Context{
		Ctx:       ctx,
		State:     e.state,
		Tx:        tx,
		Height:    height,
		Timestamp: timestamp,
	}
	if err := e.applyTx(vctx); err != nil {
		if revertErr := e.state.RevertToSnapshot(snapID); revertErr != nil {
			return nil, fmt.Errorf("revert snapshot after tx failure: %w (revert: %v)", err, revertErr)
		}
		return nil, err
	}

	vctx.Emit(events.EventTxExecuted, map[string]any{"type": string(tx.Type), "from": tx.From})
	return vctx.Events(), nil
}

// applyTx increments the sender nonce, then dispatches to the handler.
func (e *Executor) applyTx(ctx *Context) error {
	tx := ctx.Tx
	acc, err := e.state.GetAccount(tx.From)
	if err != nil {
		return fmt.Errorf("get account: %w", err)
	}
	if acc.Nonce != tx.Nonce {
		return fmt.Errorf("invalid nonce: expected %d got %d", acc.Nonce, tx.Nonce)
	}
	if acc.Nonce == math.MaxUint64 {
		return fmt.Errorf("nonce overflow for account %s", tx.From)
	}
	acc.Nonce++
	if err := e.state.SetAccount(acc); err != nil {
		return err
	}
	return e.registry.Execute(tx.Type, ctx, tx.Payload)
}

// TxTypes lists the transaction types the executor can apply.
func (e *Executor) TxTypes() []core.TxType { return e.registry.Types() }
