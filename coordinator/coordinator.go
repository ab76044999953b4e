// Package coordinator bridges the match state machine and the computation
// cluster. It turns a ready turn into a computation request, and turns an
// attested cluster output back into a state-machine transition.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/tolelom/shadowduel/core"
	"github.com/tolelom/shadowduel/crypto"
	"github.com/tolelom/shadowduel/match"
	"github.com/tolelom/shadowduel/vm"
)

// computationNamespace scopes derived computation ids.
var computationNamespace = uuid.MustParse("6b1c3f0e-8f59-4d8e-9a43-2f1d6c2b7e11")

// Dispatcher accepts computation requests for asynchronous evaluation.
// It must not block and must tolerate the same request arriving twice.
type Dispatcher interface {
	Queue(ctx context.Context, req *core.ComputationRequest) error
}

// Coordinator implements match.Submitter and the callback side of the
// resolution protocol.
type Coordinator struct {
	dispatch Dispatcher
	machine  *match.Machine
}

// New returns a Coordinator that sends requests to d and applies results
// through m.
func New(d Dispatcher, m *match.Machine) *Coordinator {
	return &Coordinator{dispatch: d, machine: m}
}

// ComputationID derives the id of the computation issued for seed.
func ComputationID(seed string) string {
	return uuid.NewSHA1(computationNamespace, []byte(seed)).String()
}

// Submit builds exactly one computation request from the two opaque
// commitments and dispatches it. The returned ticket is what the match waits
// on; its RequestedAt is left for the caller to stamp.
func (c *Coordinator) Submit(ctx context.Context, req match.SubmitRequest) (*core.PendingComputation, error) {
	pending := &core.PendingComputation{
		ComputationID: ComputationID(req.Seed),
		MatchID:       req.MatchID,
		RequestedTurn: req.Turn,
		Circuit:       req.Circuit,
		ResultKey:     req.ResultKey,
		Nonce:         req.Nonce,
	}
	if err := c.dispatch.Queue(ctx, buildRequest(pending, req.A, req.B)); err != nil {
		return nil, fmt.Errorf("dispatch computation %s: %w", pending.ComputationID, err)
	}
	return pending, nil
}

// Redispatch sends the request for m's outstanding computation again, with
// the same id and operands. It is used when a computation appears lost.
func (c *Coordinator) Redispatch(ctx context.Context, m *core.Match) error {
	if m.Pending == nil || m.CommitmentA == nil || m.CommitmentB == nil {
		return fmt.Errorf("match %s: %w", m.ID, core.ErrNoOutstandingComputation)
	}
	if err := c.dispatch.Queue(ctx, buildRequest(m.Pending, *m.CommitmentA, *m.CommitmentB)); err != nil {
		return fmt.Errorf("redispatch computation %s: %w", m.Pending.ComputationID, err)
	}
	log.Printf("[coordinator] redispatched computation %s for match %s turn %d",
		m.Pending.ComputationID, m.ID, m.Pending.RequestedTurn)
	return nil
}

func buildRequest(p *core.PendingComputation, a, b core.Commitment) *core.ComputationRequest {
	return &core.ComputationRequest{
		ComputationID: p.ComputationID,
		MatchID:       p.MatchID,
		Turn:          p.RequestedTurn,
		Circuit:       p.Circuit,
		ResultKey:     p.ResultKey,
		Nonce:         p.Nonce,
		Operands:      []core.Commitment{*a.Clone(), *b.Clone()},
	}
}

// Ticket reconstructs the routing ticket a signed output claims to answer.
func Ticket(out *core.SignedOutput) core.PendingComputation {
	return core.PendingComputation{
		ComputationID: out.ComputationID,
		MatchID:       out.MatchID,
		RequestedTurn: out.Turn,
		Circuit:       out.Circuit,
	}
}

// OnCallback verifies out against the attestation key registered for the
// ticket's circuit and, if it holds, applies the decoded outcome. A result
// that fails verification or reports an abort returns ErrAbortedComputation
// and leaves the match untouched.
func (c *Coordinator) OnCallback(ctx *vm.Context, pending core.PendingComputation, out *core.SignedOutput) (*core.Round, error) {
	if err := c.verify(ctx.State, pending, out); err != nil {
		log.Printf("[coordinator] rejected output for computation %s: %v", pending.ComputationID, err)
		return nil, err
	}
	outcome, err := core.DecodeOutcome(out.Fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrAbortedComputation, err)
	}

	round, err := c.machine.ApplyResolvedOutcome(ctx, pending, outcome)
	if errors.Is(err, core.ErrStaleComputation) {
		log.Printf("[coordinator] discarding stale result %s: %v", pending.ComputationID, err)
	}
	return round, err
}

func (c *Coordinator) verify(st core.State, pending core.PendingComputation, out *core.SignedOutput) error {
	if out.ComputationID != pending.ComputationID || out.MatchID != pending.MatchID ||
		out.Turn != pending.RequestedTurn || out.Circuit != pending.Circuit {
		return fmt.Errorf("%w: output does not answer computation %s", core.ErrAbortedComputation, pending.ComputationID)
	}
	def, err := st.GetCircuit(pending.Circuit)
	if errors.Is(err, core.ErrNotFound) {
		return fmt.Errorf("%w: circuit %s not registered", core.ErrAbortedComputation, pending.Circuit)
	}
	if err != nil {
		return err
	}
	pub, err := crypto.PubKeyFromHex(def.Cluster)
	if err != nil {
		return fmt.Errorf("%w: bad attestation key: %v", core.ErrAbortedComputation, err)
	}
	if err := out.Verify(pub); err != nil {
		return fmt.Errorf("%w: %v", core.ErrAbortedComputation, err)
	}
	if out.Aborted {
		return fmt.Errorf("%w: cluster reported %q", core.ErrAbortedComputation, out.Reason)
	}
	return nil
}
