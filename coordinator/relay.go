package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/tolelom/shadowduel/core"
	"github.com/tolelom/shadowduel/ledger"
	"github.com/tolelom/shadowduel/wallet"
)

// Ledger is the part of the ledger the relay needs.
type Ledger interface {
	ChainID() string
	Nonce(address string) (uint64, error)
	Submit(ctx context.Context, tx *core.Transaction) (*ledger.Receipt, error)
}

// Relay carries cluster outputs onto the ledger as resolution_callback
// transactions signed by its own wallet.
type Relay struct {
	mu     sync.Mutex
	wallet *wallet.Wallet
	ledger Ledger
}

// NewRelay returns a Relay submitting through l as w.
func NewRelay(w *wallet.Wallet, l Ledger) *Relay {
	return &Relay{wallet: w, ledger: l}
}

// Deliver submits out. Stale results are expected under duplicate or late
// delivery and are dropped here after logging.
func (r *Relay) Deliver(ctx context.Context, out *core.SignedOutput) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	nonce, err := r.ledger.Nonce(r.wallet.PubKey())
	if err != nil {
		return fmt.Errorf("relay nonce: %w", err)
	}
	tx, err := r.wallet.NewTx(r.ledger.ChainID(), core.TxResolutionCallback, nonce, core.ResolutionCallbackPayload{Output: *out})
	if err != nil {
		return fmt.Errorf("build callback tx: %w", err)
	}
	_, err = r.ledger.Submit(ctx, tx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, core.ErrStaleComputation):
		log.Printf("[relay] computation %s already superseded, dropped", out.ComputationID)
		return nil
	default:
		return fmt.Errorf("deliver computation %s: %w", out.ComputationID, err)
	}
}
