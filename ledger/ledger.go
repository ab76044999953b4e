// Package ledger serialises transactions against the state. Each accepted
// transaction is executed under the ledger lock, committed on its own and
// only then has its events published, which gives every match operation the
// atomic check-then-set behaviour the state machine relies on.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tolelom/shadowduel/core"
	"github.com/tolelom/shadowduel/events"
	"github.com/tolelom/shadowduel/vm"
)

// ErrChainMismatch is returned for a transaction signed for another ledger.
var ErrChainMismatch = errors.New("chain id mismatch")

// Receipt describes one committed transaction.
type Receipt struct {
	TxID      string         `json:"tx_id"`
	Type      core.TxType    `json:"type"`
	Height    uint64         `json:"height"`
	Timestamp int64          `json:"timestamp"`
	StateRoot string         `json:"state_root"`
	Events    []events.Event `json:"events"`
}

// Ledger owns the state and applies transactions one at a time.
type Ledger struct {
	mu      sync.RWMutex
	pubMu   sync.Mutex // held from commit until the tx's events are out
	chainID string
	state   core.State
	exec    *vm.Executor
	emitter *events.Emitter
	height  uint64
	now     func() time.Time
}

// New opens a ledger over state, resuming from the persisted height.
func New(chainID string, state core.State, registry *vm.Registry, emitter *events.Emitter) (*Ledger, error) {
	h, err := state.GetHeight()
	if err != nil {
		return nil, fmt.Errorf("load height: %w", err)
	}
	if emitter == nil {
		emitter = events.NewEmitter()
	}
	return &Ledger{
		chainID: chainID,
		state:   state,
		exec:    vm.NewExecutor(state, registry),
		emitter: emitter,
		height:  h,
		now:     time.Now,
	}, nil
}

// SetClock replaces the time source used to stamp transactions.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// TxTypes lists the accepted transaction types.
func (l *Ledger) TxTypes() []core.TxType { return l.exec.TxTypes() }

// ChainID returns the ledger's chain id.
func (l *Ledger) ChainID() string { return l.chainID }

// Height returns the number of committed transactions.
func (l *Ledger) Height() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.height
}

// Now returns the ledger clock reading.
func (l *Ledger) Now() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.now()
}

// Submit verifies, executes and commits tx. On error nothing is persisted.
// Events reach subscribers in commit order; a subscriber must not call
// Submit.
func (l *Ledger) Submit(ctx context.Context, tx *core.Transaction) (*Receipt, error) {
	if tx == nil {
		return nil, errors.New("nil transaction")
	}
	if tx.ChainID != l.chainID {
		return nil, fmt.Errorf("%w: tx %q, ledger %q", ErrChainMismatch, tx.ChainID, l.chainID)
	}

	l.mu.Lock()
	height := l.height + 1
	ts := l.now().UnixNano()
	evs, err := l.exec.ExecuteTx(ctx, height, ts, tx)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	if err := l.state.SetHeight(height); err != nil {
		l.mu.Unlock()
		return nil, fmt.Errorf("set height: %w", err)
	}
	root := l.state.ComputeRoot()
	if err := l.state.Commit(); err != nil {
		log.Fatalf("[ledger] FATAL: tx %s executed but state commit failed: %v", tx.ID, err)
	}
	l.height = height
	l.pubMu.Lock()
	l.mu.Unlock()

	for _, ev := range evs {
		l.emitter.Emit(ev)
	}
	l.pubMu.Unlock()
	return &Receipt{
		TxID:      tx.ID,
		Type:      tx.Type,
		Height:    height,
		Timestamp: ts,
		StateRoot: root,
		Events:    evs,
	}, nil
}

// View runs fn against the committed state. fn must not write.
func (l *Ledger) View(fn func(core.State) error) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return fn(l.state)
}

// Nonce returns the next nonce address must use.
func (l *Ledger) Nonce(address string) (uint64, error) {
	var n uint64
	err := l.View(func(st core.State) error {
		acc, err := st.GetAccount(address)
		if err != nil {
			return err
		}
		n = acc.Nonce
		return nil
	})
	return n, err
}

// Match returns the committed record of match id.
func (l *Ledger) Match(id string) (*core.Match, error) {
	var m *core.Match
	err := l.View(func(st core.State) error {
		var err error
		m, err = st.GetMatch(id)
		return err
	})
	return m, err
}

// Circuit returns the registered definition name.
func (l *Ledger) Circuit(name string) (*core.CircuitDefinition, error) {
	var def *core.CircuitDefinition
	err := l.View(func(st core.State) error {
		var err error
		def, err = st.GetCircuit(name)
		return err
	})
	return def, err
}
