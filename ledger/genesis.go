package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/tolelom/shadowduel/core"
	"github.com/tolelom/shadowduel/wallet"
)

// Bootstrap registers each computation definition that is not yet on the
// ledger, signing the registrations with operator. Definitions already
// registered with identical content are skipped, so it is safe to call on
// every start.
func Bootstrap(ctx context.Context, l *Ledger, operator *wallet.Wallet, defs []core.CircuitDefinition) ([]*Receipt, error) {
	var receipts []*Receipt
	for _, def := range defs {
		existing, err := l.Circuit(def.Name)
		switch {
		case err == nil && existing.Equivalent(&def):
			continue
		case err == nil:
			return receipts, fmt.Errorf("circuit %s: %w with a different definition", def.Name, core.ErrAlreadyExists)
		case !errors.Is(err, core.ErrNotFound):
			return receipts, err
		}

		nonce, err := l.Nonce(operator.PubKey())
		if err != nil {
			return receipts, err
		}
		tx, err := operator.NewTx(l.ChainID(), core.TxRegisterCircuit, nonce, core.RegisterCircuitPayload{
			Name:    def.Name,
			Variant: def.Variant,
			Digest:  def.Digest,
			Cluster: def.Cluster,
		})
		if err != nil {
			return receipts, err
		}
		rc, err := l.Submit(ctx, tx)
		if err != nil {
			return receipts, fmt.Errorf("register %s: %w", def.Name, err)
		}
		log.Printf("[ledger] registered circuit %s (digest %.12s) at height %d", def.Name, def.Digest, rc.Height)
		receipts = append(receipts, rc)
	}
	return receipts, nil
}
