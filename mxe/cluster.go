// Package mxe is an in-process stand-in for the secure-computation cluster.
// It holds the cluster's key-exchange and attestation keys, opens sealed
// operands only inside Execute, evaluates the registered outcome function
// and returns a signed output through a CallbackSink.
package mxe

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tolelom/shadowduel/core"
	"github.com/tolelom/shadowduel/crypto"
	"github.com/tolelom/shadowduel/outcome"
)

// ErrQueueFull is returned by Queue when the request buffer is exhausted.
var ErrQueueFull = errors.New("computation queue full")

// CallbackSink receives finished computations.
type CallbackSink interface {
	Deliver(ctx context.Context, out *core.SignedOutput) error
}

// SinkFunc adapts a function to CallbackSink.
type SinkFunc func(ctx context.Context, out *core.SignedOutput) error

func (f SinkFunc) Deliver(ctx context.Context, out *core.SignedOutput) error { return f(ctx, out) }

// Fault lets tests and operators simulate cluster misbehaviour.
type Fault int

const (
	FaultNone    Fault = iota
	FaultDrop          // never answer
	FaultCorrupt       // answer with an output whose signature does not verify
	FaultAbort         // answer with an explicit abort
)

// Config sizes the worker pool and the finished-output cache.
type Config struct {
	Workers    int
	QueueSize  int
	ResultTTL  time.Duration // zero keeps outputs until MaxResults pushes them out
	MaxResults int
}

type finished struct {
	out *core.SignedOutput
	at  time.Time
}

// Cluster evaluates computation requests.
type Cluster struct {
	signKey crypto.PrivateKey
	encPriv [32]byte
	encPub  [32]byte
	workers int
	ttl     time.Duration
	maxDone int
	now     func() time.Time

	queue chan *core.ComputationRequest

	mu       sync.Mutex
	defs     map[string]core.CircuitDefinition
	inflight map[string]bool
	done     map[string]finished
	order    []string // done ids, oldest first
	sink     CallbackSink
	fault    func(*core.ComputationRequest) Fault
}

// New creates a cluster whose attestation key is signKey. The key-exchange
// key is derived from it so one secret identifies the cluster.
func New(signKey crypto.PrivateKey, cfg Config) (*Cluster, error) {
	encPriv, encPub, err := crypto.DeriveX25519(signKey)
	if err != nil {
		return nil, err
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 4096
	}
	return &Cluster{
		signKey:  signKey,
		encPriv:  encPriv,
		encPub:   encPub,
		workers:  cfg.Workers,
		ttl:      cfg.ResultTTL,
		maxDone:  cfg.MaxResults,
		now:      time.Now,
		queue:    make(chan *core.ComputationRequest, cfg.QueueSize),
		defs:     make(map[string]core.CircuitDefinition),
		inflight: make(map[string]bool),
		done:     make(map[string]finished),
	}, nil
}

// PublicKey is the x25519 key players seal their moves to.
func (c *Cluster) PublicKey() core.Key { return core.Key(c.encPub) }

// AttestationKey is the hex ed25519 key outputs are signed with.
func (c *Cluster) AttestationKey() string { return c.signKey.Public().Hex() }

// Definition returns the registration record for variant's circuit as
// attested by this cluster.
func (c *Cluster) Definition(variant core.Variant) (core.CircuitDefinition, error) {
	circ, err := outcome.CircuitFor(variant)
	if err != nil {
		return core.CircuitDefinition{}, err
	}
	return circ.Definition(c.AttestationKey()), nil
}

// Register makes a circuit available for evaluation. Registering the same
// definition again is a no-op; a conflicting one is rejected.
func (c *Cluster) Register(def core.CircuitDefinition) error {
	circ, err := outcome.CircuitFor(def.Variant)
	if err != nil {
		return err
	}
	if def.Name != circ.Name || def.Digest != circ.Digest() {
		return fmt.Errorf("definition %s does not match the %s outcome function", def.Name, def.Variant)
	}
	if def.Cluster != c.AttestationKey() {
		return errors.New("definition is attested by another cluster")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.defs[def.Name]; ok {
		if !old.Equivalent(&def) {
			return fmt.Errorf("circuit %s: %w", def.Name, core.ErrAlreadyExists)
		}
		return nil
	}
	c.defs[def.Name] = def
	return nil
}

// SetSink sets where finished computations are delivered.
func (c *Cluster) SetSink(s CallbackSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = s
}

// SetFaults installs a per-request fault selector. nil disables faults.
func (c *Cluster) SetFaults(f func(*core.ComputationRequest) Fault) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fault = f
}

// Queue accepts req for evaluation without blocking. A request whose id is
// already queued is ignored; one that already finished has its cached
// output delivered again.
func (c *Cluster) Queue(ctx context.Context, req *core.ComputationRequest) error {
	c.mu.Lock()
	if c.inflight[req.ComputationID] {
		c.mu.Unlock()
		return nil
	}
	c.evictLocked()
	if f, ok := c.done[req.ComputationID]; ok {
		sink := c.sink
		c.mu.Unlock()
		if sink != nil {
			go c.deliver(context.WithoutCancel(ctx), sink, f.out)
		}
		return nil
	}
	c.inflight[req.ComputationID] = true
	c.mu.Unlock()

	select {
	case c.queue <- req:
		return nil
	default:
		c.mu.Lock()
		delete(c.inflight, req.ComputationID)
		c.mu.Unlock()
		return ErrQueueFull
	}
}

// Run evaluates queued requests on a pool of workers until ctx is done.
func (c *Cluster) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case req := <-c.queue:
					c.process(gctx, req)
				}
			}
		})
	}
	return g.Wait()
}

func (c *Cluster) process(ctx context.Context, req *core.ComputationRequest) {
	c.mu.Lock()
	fault := FaultNone
	if c.fault != nil {
		fault = c.fault(req)
	}
	sink := c.sink
	c.mu.Unlock()

	var out *core.SignedOutput
	switch fault {
	case FaultDrop:
		log.Printf("[mxe] dropping computation %s", req.ComputationID)
		c.mu.Lock()
		delete(c.inflight, req.ComputationID)
		c.mu.Unlock()
		return
	case FaultAbort:
		out = c.abort(req, "injected abort")
	default:
		out = c.Execute(req)
	}
	if fault == FaultCorrupt {
		out.Signature = crypto.Sign(c.signKey, []byte("not the output"))
	}

	c.mu.Lock()
	delete(c.inflight, req.ComputationID)
	if fault == FaultNone && !out.Aborted {
		c.remember(req.ComputationID, out)
	}
	c.mu.Unlock()

	if sink != nil {
		c.deliver(ctx, sink, out)
	}
}

// remember caches out for redelivery. Callers hold c.mu.
func (c *Cluster) remember(id string, out *core.SignedOutput) {
	if _, ok := c.done[id]; !ok {
		c.order = append(c.order, id)
	}
	c.done[id] = finished{out: out, at: c.now()}
	c.evictLocked()
}

// evictLocked drops outputs past the TTL and, oldest first, any beyond the
// cache limit.
func (c *Cluster) evictLocked() {
	n := 0
	for n < len(c.order) {
		f := c.done[c.order[n]]
		expired := c.ttl > 0 && c.now().Sub(f.at) > c.ttl
		if !expired && len(c.order)-n <= c.maxDone {
			break
		}
		delete(c.done, c.order[n])
		n++
	}
	if n > 0 {
		c.order = slices.Delete(c.order, 0, n)
	}
}

// Cached reports how many finished outputs are held for redelivery.
func (c *Cluster) Cached() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked()
	return len(c.done)
}

func (c *Cluster) deliver(ctx context.Context, sink CallbackSink, out *core.SignedOutput) {
	if err := sink.Deliver(ctx, out); err != nil {
		log.Printf("[mxe] deliver %s: %v", out.ComputationID, err)
	}
}

// Execute evaluates req synchronously and returns the signed output. Any
// failure to open the operands yields a signed abort.
func (c *Cluster) Execute(req *core.ComputationRequest) *core.SignedOutput {
	c.mu.Lock()
	def, ok := c.defs[req.Circuit]
	c.mu.Unlock()
	if !ok {
		return c.abort(req, "circuit not registered")
	}
	if len(req.Operands) != 2 {
		return c.abort(req, fmt.Sprintf("want 2 operands, got %d", len(req.Operands)))
	}

	inputs := make([][]uint64, 2)
	for i, op := range req.Operands {
		if len(op.Fields) != def.Variant.Width() {
			return c.abort(req, fmt.Sprintf("operand %d has %d fields", i, len(op.Fields)))
		}
		seat := core.Seat{MatchID: req.MatchID, Turn: req.Turn, Side: core.WinnerA + core.Winner(i)}
		vals, err := c.open(op, seat)
		if err != nil {
			return c.abort(req, fmt.Sprintf("operand %d: %v", i, err))
		}
		inputs[i] = vals
	}

	result, err := outcome.Evaluate(def.Variant, inputs[0], inputs[1])
	if err != nil {
		return c.abort(req, err.Error())
	}

	key, err := crypto.SharedKey(c.encPriv, req.ResultKey)
	if err != nil {
		return c.abort(req, "bad result key")
	}
	sealed, err := crypto.SealFields(key, req.Nonce, crypto.DomainResult, core.ResultBinding(req.ComputationID),
		[]uint64{uint64(result.Winner), result.Damage})
	if err != nil {
		return c.abort(req, err.Error())
	}

	out := header(req)
	out.Fields = core.EncodeOutcome(result)
	out.Sealed = [2]core.Field{sealed[0], sealed[1]}
	out.Sign(c.signKey)
	return out
}

func (c *Cluster) open(op core.Commitment, seat core.Seat) ([]uint64, error) {
	key, err := crypto.SharedKey(c.encPriv, op.EncPubKey)
	if err != nil {
		return nil, err
	}
	fields := make([][crypto.FieldSize]byte, len(op.Fields))
	for i, f := range op.Fields {
		fields[i] = f
	}
	return crypto.OpenFields(key, op.Nonce, crypto.DomainOperand, seat.Binding(), fields)
}

func (c *Cluster) abort(req *core.ComputationRequest, reason string) *core.SignedOutput {
	log.Printf("[mxe] computation %s aborted: %s", req.ComputationID, reason)
	out := header(req)
	out.Aborted = true
	out.Reason = reason
	out.Sign(c.signKey)
	return out
}

func header(req *core.ComputationRequest) *core.SignedOutput {
	return &core.SignedOutput{
		ComputationID: req.ComputationID,
		MatchID:       req.MatchID,
		Turn:          req.Turn,
		Circuit:       req.Circuit,
	}
}
