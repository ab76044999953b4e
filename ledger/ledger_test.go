package ledger_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tolelom/shadowduel/core"
	"github.com/tolelom/shadowduel/crypto"
	"github.com/tolelom/shadowduel/events"
	"github.com/tolelom/shadowduel/internal/testutil"
	"github.com/tolelom/shadowduel/ledger"
	"github.com/tolelom/shadowduel/mxe"
	"github.com/tolelom/shadowduel/storage"
	"github.com/tolelom/shadowduel/vm"
	"github.com/tolelom/shadowduel/vm/modules/duel"
	"github.com/tolelom/shadowduel/wallet"
)

const (
	chainID = "ledger-test"
	txTouch = core.TxType("touch")
	txFail  = core.TxType("fail")
)

var errBoom = errors.New("boom")

// newRegistry registers the duel handlers plus two probes: touch writes a
// match record, fail writes one and then errors.
func newRegistry() *vm.Registry {
	reg := vm.NewRegistry()
	duel.New(nil, nil, nil).Register(reg)
	write := func(ctx *vm.Context, payload json.RawMessage) error {
		var id string
		if err := json.Unmarshal(payload, &id); err != nil {
			return err
		}
		return ctx.State.SetMatch(&core.Match{ID: id, Variant: core.VariantCard, PlayerA: ctx.Tx.From})
	}
	reg.Register(txTouch, func(ctx *vm.Context, payload json.RawMessage) error {
		if err := write(ctx, payload); err != nil {
			return err
		}
		ctx.Emit(events.EventMatchCreated, map[string]any{"match_id": "x"})
		return nil
	})
	reg.Register(txFail, func(ctx *vm.Context, payload json.RawMessage) error {
		if err := write(ctx, payload); err != nil {
			return err
		}
		return errBoom
	})
	return reg
}

func submit(t *testing.T, l *ledger.Ledger, w *wallet.Wallet, typ core.TxType, payload any) (*ledger.Receipt, error) {
	t.Helper()
	nonce, err := l.Nonce(w.PubKey())
	if err != nil {
		t.Fatal(err)
	}
	tx, err := w.NewTx(l.ChainID(), typ, nonce, payload)
	if err != nil {
		t.Fatal(err)
	}
	return l.Submit(context.Background(), tx)
}

func TestSubmitCommitsAndPublishes(t *testing.T) {
	em := events.NewEmitter()
	var seen []events.EventType
	em.SubscribeAll(func(ev events.Event) { seen = append(seen, ev.Type) })
	l, err := ledger.New(chainID, testutil.NewStateDB(), newRegistry(), em)
	if err != nil {
		t.Fatal(err)
	}
	w, _ := wallet.Generate()

	rc, err := submit(t, l, w, txTouch, "m1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rc.Height != 1 || l.Height() != 1 {
		t.Errorf("height: receipt %d ledger %d", rc.Height, l.Height())
	}
	if rc.StateRoot == "" {
		t.Error("receipt should carry a state root")
	}
	if len(seen) != 2 || seen[0] != events.EventMatchCreated || seen[1] != events.EventTxExecuted {
		t.Errorf("published events: %v", seen)
	}
	if _, err := l.Match("m1"); err != nil {
		t.Errorf("match not committed: %v", err)
	}
	if n, _ := l.Nonce(w.PubKey()); n != 1 {
		t.Errorf("nonce: want 1, got %d", n)
	}
}

func TestFailedTxLeavesNoTrace(t *testing.T) {
	em := events.NewEmitter()
	published := 0
	em.SubscribeAll(func(events.Event) { published++ })
	l, err := ledger.New(chainID, testutil.NewStateDB(), newRegistry(), em)
	if err != nil {
		t.Fatal(err)
	}
	w, _ := wallet.Generate()

	if _, err := submit(t, l, w, txFail, "m1"); !errors.Is(err, errBoom) {
		t.Fatalf("want errBoom, got %v", err)
	}
	if l.Height() != 0 || published != 0 {
		t.Errorf("failed tx advanced height %d / published %d events", l.Height(), published)
	}
	if _, err := l.Match("m1"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("write from failed tx survived: %v", err)
	}
	if n, _ := l.Nonce(w.PubKey()); n != 0 {
		t.Errorf("nonce consumed by failed tx: %d", n)
	}
}

func TestChainMismatch(t *testing.T) {
	l, err := ledger.New(chainID, testutil.NewStateDB(), newRegistry(), nil)
	if err != nil {
		t.Fatal(err)
	}
	w, _ := wallet.Generate()
	tx, _ := w.NewTx("other-chain", txTouch, 0, "m1")
	if _, err := l.Submit(context.Background(), tx); !errors.Is(err, ledger.ErrChainMismatch) {
		t.Fatalf("want ErrChainMismatch, got %v", err)
	}
}

func TestHeightSurvivesReopen(t *testing.T) {
	db := testutil.NewMemDB()
	l, err := ledger.New(chainID, storage.NewStateDB(db), newRegistry(), nil)
	if err != nil {
		t.Fatal(err)
	}
	w, _ := wallet.Generate()
	for _, id := range []string{"a", "b", "c"} {
		if _, err := submit(t, l, w, txTouch, id); err != nil {
			t.Fatal(err)
		}
	}

	reopened, err := ledger.New(chainID, storage.NewStateDB(db), newRegistry(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if reopened.Height() != 3 {
		t.Errorf("height after reopen: want 3, got %d", reopened.Height())
	}
	if rc, err := submit(t, reopened, w, txTouch, "d"); err != nil || rc.Height != 4 {
		t.Errorf("continue after reopen: %v, %+v", err, rc)
	}
}

func TestBootstrapIsIdempotent(t *testing.T) {
	l, err := ledger.New(chainID, testutil.NewStateDB(), newRegistry(), nil)
	if err != nil {
		t.Fatal(err)
	}
	operator, _ := wallet.Generate()
	key, _, _ := crypto.GenerateKeyPair()
	cluster, err := mxe.New(key, mxe.Config{})
	if err != nil {
		t.Fatal(err)
	}
	var defs []core.CircuitDefinition
	for _, v := range []core.Variant{core.VariantDominance, core.VariantCard} {
		def, err := cluster.Definition(v)
		if err != nil {
			t.Fatal(err)
		}
		defs = append(defs, def)
	}

	rcs, err := ledger.Bootstrap(context.Background(), l, operator, defs)
	if err != nil || len(rcs) != 2 {
		t.Fatalf("first bootstrap: %d receipts, %v", len(rcs), err)
	}
	rcs, err = ledger.Bootstrap(context.Background(), l, operator, defs)
	if err != nil || len(rcs) != 0 {
		t.Fatalf("second bootstrap: %d receipts, %v", len(rcs), err)
	}

	// A different cluster cannot take over an existing registration.
	otherKey, _, _ := crypto.GenerateKeyPair()
	other, _ := mxe.New(otherKey, mxe.Config{})
	def, _ := other.Definition(core.VariantCard)
	if _, err := ledger.Bootstrap(context.Background(), l, operator, []core.CircuitDefinition{def}); !errors.Is(err, core.ErrAlreadyExists) {
		t.Errorf("want ErrAlreadyExists, got %v", err)
	}
}

func TestEventsPublishInCommitOrder(t *testing.T) {
	em := events.NewEmitter()
	var (
		mu      sync.Mutex
		heights []uint64
	)
	em.SubscribeAll(func(ev events.Event) {
		// A slow subscriber widens the gap between commit and delivery.
		time.Sleep(time.Millisecond)
		mu.Lock()
		heights = append(heights, ev.Height)
		mu.Unlock()
	})
	l, err := ledger.New(chainID, testutil.NewStateDB(), newRegistry(), em)
	if err != nil {
		t.Fatal(err)
	}

	const writers, perWriter = 4, 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		w, _ := wallet.Generate()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				nonce, _ := l.Nonce(w.PubKey())
				tx, err := w.NewTx(chainID, txTouch, nonce, fmt.Sprintf("m-%d-%d", i, j))
				if err != nil {
					t.Error(err)
					return
				}
				if _, err := l.Submit(context.Background(), tx); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if len(heights) < writers*perWriter {
		t.Fatalf("delivered %d events, want at least %d", len(heights), writers*perWriter)
	}
	for i := 1; i < len(heights); i++ {
		if heights[i] < heights[i-1] {
			t.Fatalf("event for height %d delivered after height %d", heights[i], heights[i-1])
		}
	}
}
