package mxe

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tolelom/shadowduel/core"
	"github.com/tolelom/shadowduel/crypto"
	"github.com/tolelom/shadowduel/outcome"
	"github.com/tolelom/shadowduel/wallet"
)

func newCluster(t *testing.T) *Cluster {
	t.Helper()
	return newClusterWith(t, Config{Workers: 2, QueueSize: 8})
}

func newClusterWith(t *testing.T, cfg Config) *Cluster {
	t.Helper()
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	c, err := New(priv, cfg)
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range []core.Variant{core.VariantDominance, core.VariantCard} {
		def, err := c.Definition(v)
		if err != nil {
			t.Fatal(err)
		}
		if err := c.Register(def); err != nil {
			t.Fatalf("Register %s: %v", v, err)
		}
	}
	return c
}

func duelRequest(t *testing.T, c *Cluster, id string, a, b outcome.Move, resultKey core.Key) *core.ComputationRequest {
	t.Helper()
	ca, err := wallet.SealDuelMove(c.PublicKey(), core.Seat{MatchID: "m1", Turn: 1, Side: core.WinnerA}, a)
	if err != nil {
		t.Fatal(err)
	}
	cb, err := wallet.SealDuelMove(c.PublicKey(), core.Seat{MatchID: "m1", Turn: 1, Side: core.WinnerB}, b)
	if err != nil {
		t.Fatal(err)
	}
	return &core.ComputationRequest{
		ComputationID: id,
		MatchID:       "m1",
		Turn:          1,
		Circuit:       core.VariantDominance.Circuit(),
		ResultKey:     resultKey,
		Operands:      []core.Commitment{ca, cb},
	}
}

func TestExecuteProducesSignedOutcome(t *testing.T) {
	c := newCluster(t)
	w, _ := wallet.Generate()
	req := duelRequest(t, c, "c1", outcome.Move{Action: outcome.Attack, Power: 50},
		outcome.Move{Action: outcome.Break, Power: 30}, w.EncryptionKey())

	out := c.Execute(req)
	if out.Aborted {
		t.Fatalf("unexpected abort: %s", out.Reason)
	}
	pub, _ := crypto.PubKeyFromHex(c.AttestationKey())
	if err := out.Verify(pub); err != nil {
		t.Fatalf("signature: %v", err)
	}
	got, err := core.DecodeOutcome(out.Fields)
	if err != nil {
		t.Fatal(err)
	}
	if got != (core.Outcome{Winner: core.WinnerA, Damage: 50}) {
		t.Errorf("revealed outcome: got %+v", got)
	}
	sealed, err := w.OpenResult(c.PublicKey(), req.ComputationID, req.Nonce, out.Sealed)
	if err != nil {
		t.Fatalf("OpenResult: %v", err)
	}
	if sealed != got {
		t.Errorf("sealed outcome %+v differs from revealed %+v", sealed, got)
	}
}

func TestExecuteAbortsOnForeignCiphertext(t *testing.T) {
	c := newCluster(t)
	other := newCluster(t)
	w, _ := wallet.Generate()
	// Sealed to another cluster's key: fields fail authentication on open.
	req := duelRequest(t, other, "c2", outcome.Move{Action: outcome.Attack, Power: 1},
		outcome.Move{Action: outcome.Attack, Power: 2}, w.EncryptionKey())

	out := c.Execute(req)
	if !out.Aborted {
		t.Fatal("expected abort for operands sealed to another cluster")
	}
	pub, _ := crypto.PubKeyFromHex(c.AttestationKey())
	if err := out.Verify(pub); err != nil {
		t.Errorf("aborts are still signed: %v", err)
	}
}

func TestExecuteAbortsOnRebindOrTamper(t *testing.T) {
	c := newCluster(t)
	w, _ := wallet.Generate()
	fresh := func(id string) *core.ComputationRequest {
		return duelRequest(t, c, id, outcome.Move{Action: outcome.Defend, Power: 7},
			outcome.Move{Action: outcome.Defend, Power: 3}, w.EncryptionKey())
	}

	cases := map[string]func(*core.ComputationRequest){
		"seats swapped": func(r *core.ComputationRequest) {
			r.Operands[0], r.Operands[1] = r.Operands[1], r.Operands[0]
		},
		"A's move replayed as B with a higher power": func(r *core.ComputationRequest) {
			b := *r.Operands[0].Clone()
			b.Fields[1][7] ^= 0x80
			r.Operands[1] = b
		},
		"other turn": func(r *core.ComputationRequest) { r.Turn = 2 },
		"other match": func(r *core.ComputationRequest) { r.MatchID = "m2" },
		"fields reordered": func(r *core.ComputationRequest) {
			f := r.Operands[0].Fields
			f[0], f[1] = f[1], f[0]
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := fresh("c-" + name)
			mutate(req)
			if out := c.Execute(req); !out.Aborted {
				t.Errorf("want abort, got fields %v", out.Fields)
			}
		})
	}
}

func TestExecuteUnregisteredCircuit(t *testing.T) {
	c := newCluster(t)
	out := c.Execute(&core.ComputationRequest{ComputationID: "x", Circuit: "nope"})
	if !out.Aborted {
		t.Error("unregistered circuit should abort")
	}
}

func TestRegisterRejectsForeignDefinition(t *testing.T) {
	c := newCluster(t)
	other := newCluster(t)
	def, _ := other.Definition(core.VariantCard)
	if err := c.Register(def); err == nil {
		t.Error("definition attested by another cluster should be rejected")
	}
	own, _ := c.Definition(core.VariantCard)
	if err := c.Register(own); err != nil {
		t.Errorf("re-registering the same definition should be a no-op: %v", err)
	}
}

type collector struct {
	mu  sync.Mutex
	got []*core.SignedOutput
	ch  chan struct{}
}

func newCollector() *collector { return &collector{ch: make(chan struct{}, 16)} }

func (c *collector) Deliver(_ context.Context, out *core.SignedOutput) error {
	c.mu.Lock()
	c.got = append(c.got, out)
	c.mu.Unlock()
	c.ch <- struct{}{}
	return nil
}

func (c *collector) wait(t *testing.T) {
	t.Helper()
	select {
	case <-c.ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestRunDeliversAndRedeliversFinished(t *testing.T) {
	c := newCluster(t)
	sink := newCollector()
	c.SetSink(sink)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	w, _ := wallet.Generate()
	req := duelRequest(t, c, "c3", outcome.Move{Action: outcome.Defend, Power: 10},
		outcome.Move{Action: outcome.Defend, Power: 90}, w.EncryptionKey())
	if err := c.Queue(ctx, req); err != nil {
		t.Fatal(err)
	}
	sink.wait(t)

	// The same id again is answered from cache.
	if err := c.Queue(ctx, req); err != nil {
		t.Fatal(err)
	}
	sink.wait(t)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.got) != 2 || sink.got[0] != sink.got[1] {
		t.Fatalf("want the cached output delivered twice, got %d deliveries", len(sink.got))
	}
	got, _ := core.DecodeOutcome(sink.got[0].Fields)
	if got != (core.Outcome{Winner: core.WinnerB, Damage: 80}) {
		t.Errorf("outcome: got %+v", got)
	}
}

func TestDroppedComputationCanBeRequeued(t *testing.T) {
	c := newCluster(t)
	sink := newCollector()
	c.SetSink(sink)
	dropped := make(chan struct{}, 1)
	drop := true
	var mu sync.Mutex
	c.SetFaults(func(*core.ComputationRequest) Fault {
		mu.Lock()
		defer mu.Unlock()
		if drop {
			drop = false
			dropped <- struct{}{}
			return FaultDrop
		}
		return FaultNone
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	w, _ := wallet.Generate()
	req := duelRequest(t, c, "c4", outcome.Move{Action: outcome.Attack, Power: 5},
		outcome.Move{Action: outcome.Attack, Power: 5}, w.EncryptionKey())
	if err := c.Queue(ctx, req); err != nil {
		t.Fatal(err)
	}
	<-dropped
	// The drop clears the in-flight mark before the next request is read;
	// retry until the requeue is accepted as new work.
	deadline := time.Now().Add(5 * time.Second)
	for {
		c.mu.Lock()
		busy := c.inflight[req.ComputationID]
		c.mu.Unlock()
		if !busy {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("dropped computation never cleared")
		}
		time.Sleep(time.Millisecond)
	}
	if err := c.Queue(ctx, req); err != nil {
		t.Fatal(err)
	}
	sink.wait(t)
}

func TestQueueFull(t *testing.T) {
	priv, _, _ := crypto.GenerateKeyPair()
	c, err := New(priv, Config{Workers: 1, QueueSize: 1})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := c.Queue(ctx, &core.ComputationRequest{ComputationID: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := c.Queue(ctx, &core.ComputationRequest{ComputationID: "b"}); err != ErrQueueFull {
		t.Errorf("got %v want ErrQueueFull", err)
	}
	// A duplicate of a queued id is accepted silently.
	if err := c.Queue(ctx, &core.ComputationRequest{ComputationID: "a"}); err != nil {
		t.Errorf("duplicate: %v", err)
	}
}

func TestFinishedCacheIsBounded(t *testing.T) {
	c := newClusterWith(t, Config{Workers: 1, QueueSize: 8, ResultTTL: time.Minute, MaxResults: 2})
	clock := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return clock }
	w, _ := wallet.Generate()
	finish := func(id string) {
		req := duelRequest(t, c, id, outcome.Move{Action: outcome.Attack, Power: 2},
			outcome.Move{Action: outcome.Attack, Power: 1}, w.EncryptionKey())
		c.process(context.Background(), req)
	}

	finish("a")
	finish("b")
	finish("c")
	if n := c.Cached(); n != 2 {
		t.Fatalf("cached outputs: got %d want 2", n)
	}
	c.mu.Lock()
	_, oldest := c.done["a"]
	c.mu.Unlock()
	if oldest {
		t.Error("the oldest output should be evicted first")
	}

	clock = clock.Add(2 * time.Minute)
	if n := c.Cached(); n != 0 {
		t.Errorf("expired outputs still cached: %d", n)
	}
	if len(c.order) != 0 {
		t.Errorf("eviction order not trimmed: %v", c.order)
	}
}
