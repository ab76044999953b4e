// Package match is the match state machine. Every mutation of a match
// record goes through one of the operations here; each one reads the record,
// checks its preconditions and writes it back with a compare-and-set, so an
// operation either fully applies or leaves the record untouched.
package match

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tolelom/shadowduel/core"
	"github.com/tolelom/shadowduel/events"
	"github.com/tolelom/shadowduel/vm"
)

// DefaultResolutionTimeout is how long a computation may stay outstanding
// before a player may abandon it.
const DefaultResolutionTimeout = 2 * time.Minute

// SubmitRequest is what the machine hands to a Submitter once a turn is
// ready to resolve. Commitments are passed through unopened.
type SubmitRequest struct {
	MatchID   string
	Turn      uint64
	Circuit   string
	A, B      core.Commitment
	ResultKey core.Key
	Nonce     core.Nonce
	// Seed makes the computation id reproducible for one request.
	Seed string
}

// Submitter dispatches a resolution request and returns its ticket.
type Submitter interface {
	Submit(ctx context.Context, req SubmitRequest) (*core.PendingComputation, error)
}

// Machine implements the match lifecycle:
//
//	lobby --join--> lobby --commit--> awaiting_moves --request--> resolving --apply--> awaiting_moves
type Machine struct {
	resolutionTimeout time.Duration
}

// NewMachine returns a Machine. A non-positive timeout selects
// DefaultResolutionTimeout.
func NewMachine(resolutionTimeout time.Duration) *Machine {
	if resolutionTimeout <= 0 {
		resolutionTimeout = DefaultResolutionTimeout
	}
	return &Machine{resolutionTimeout: resolutionTimeout}
}

// ResolutionTimeout reports the configured abandon threshold.
func (m *Machine) ResolutionTimeout() time.Duration { return m.resolutionTimeout }

func load(ctx *vm.Context, id string) (*core.Match, error) {
	mt, err := ctx.State.GetMatch(id)
	if errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("match %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load match %s: %w", id, err)
	}
	return mt, nil
}

func save(ctx *vm.Context, mt *core.Match) error {
	mt.UpdatedAt = ctx.Timestamp
	if err := ctx.State.SetMatch(mt); err != nil {
		return fmt.Errorf("save match %s: %w", mt.ID, err)
	}
	return nil
}

// Create opens a new match with creator in seat A.
func (m *Machine) Create(ctx *vm.Context, id, creator string, variant core.Variant) (*core.Match, error) {
	if id == "" {
		return nil, errors.New("match id is required")
	}
	if !variant.Valid() {
		return nil, fmt.Errorf("%w: %q", core.ErrUnknownVariant, variant)
	}
	_, err := ctx.State.GetMatch(id)
	if err == nil {
		return nil, fmt.Errorf("match %s: %w", id, core.ErrAlreadyExists)
	}
	if !errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("load match %s: %w", id, err)
	}

	mt := &core.Match{
		ID:        id,
		Variant:   variant,
		PlayerA:   creator,
		Turn:      1,
		Phase:     core.PhaseLobby,
		CreatedAt: ctx.Timestamp,
	}
	if err := save(ctx, mt); err != nil {
		return nil, err
	}
	ctx.Emit(events.EventMatchCreated, map[string]any{
		"match_id": id,
		"variant":  string(variant),
		"player_a": creator,
	})
	return mt, nil
}

// Join fills seat B. It never changes the phase.
func (m *Machine) Join(ctx *vm.Context, id, joiner string) (*core.Match, error) {
	mt, err := load(ctx, id)
	if err != nil {
		return nil, err
	}
	if mt.PlayerB != "" {
		return nil, fmt.Errorf("match %s: %w", id, core.ErrMatchFull)
	}
	if joiner == mt.PlayerA {
		return nil, fmt.Errorf("match %s: %w", id, core.ErrSelfJoin)
	}
	mt.PlayerB = joiner
	if err := save(ctx, mt); err != nil {
		return nil, err
	}
	ctx.Emit(events.EventMatchJoined, map[string]any{
		"match_id": id,
		"player_b": joiner,
	})
	return mt, nil
}

// Commit stores signer's sealed move for the current turn, replacing any
// earlier commitment of the same turn.
func (m *Machine) Commit(ctx *vm.Context, id, signer string, c core.Commitment) (*core.Match, error) {
	mt, err := load(ctx, id)
	if err != nil {
		return nil, err
	}
	side := mt.Side(signer)
	if side == core.WinnerNone {
		return nil, fmt.Errorf("match %s: %w", id, core.ErrNotAPlayer)
	}
	if mt.Phase == core.PhaseResolving {
		return nil, fmt.Errorf("match %s turn %d: %w", id, mt.Turn, core.ErrComputationAlreadyOutstanding)
	}
	if len(c.Fields) != mt.Variant.Width() {
		return nil, fmt.Errorf("%w: %s move needs %d fields, got %d",
			core.ErrInvalidCommitment, mt.Variant, mt.Variant.Width(), len(c.Fields))
	}
	if c.EncPubKey.IsZero() {
		return nil, fmt.Errorf("%w: missing encryption key", core.ErrInvalidCommitment)
	}
	opponent := mt.CommitmentB
	if side == core.WinnerB {
		opponent = mt.CommitmentA
	}
	if opponent != nil && opponent.EncPubKey == c.EncPubKey {
		return nil, fmt.Errorf("%w: encryption key already used by the opponent's move", core.ErrInvalidCommitment)
	}

	if side == core.WinnerA {
		mt.CommitmentA, mt.CommittedA = c.Clone(), true
	} else {
		mt.CommitmentB, mt.CommittedB = c.Clone(), true
	}
	if mt.Phase == core.PhaseLobby {
		mt.Phase = core.PhaseAwaitingMoves
	}
	if err := save(ctx, mt); err != nil {
		return nil, err
	}
	ctx.Emit(events.EventMoveCommitted, map[string]any{
		"match_id": id,
		"player":   signer,
		"turn":     mt.Turn,
	})
	return mt, nil
}

// RequestResolution hands both commitments of the current turn to sub and
// parks the match in resolving until the result is applied or abandoned.
func (m *Machine) RequestResolution(ctx *vm.Context, id string, resultKey core.Key, nonce core.Nonce, sub Submitter) (*core.PendingComputation, error) {
	mt, err := load(ctx, id)
	if err != nil {
		return nil, err
	}
	if mt.Pending != nil {
		return nil, fmt.Errorf("match %s turn %d: %w", id, mt.Turn, core.ErrComputationAlreadyOutstanding)
	}
	if !mt.CommittedA || !mt.CommittedB {
		return nil, fmt.Errorf("match %s turn %d: %w", id, mt.Turn, core.ErrMovesPending)
	}
	if resultKey.IsZero() {
		return nil, core.ErrInvalidKeyExchange
	}
	circuit := mt.Variant.Circuit()
	if _, err := ctx.State.GetCircuit(circuit); errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", circuit, core.ErrCircuitNotRegistered)
	} else if err != nil {
		return nil, fmt.Errorf("load circuit %s: %w", circuit, err)
	}

	seed := id
	if ctx.Tx != nil {
		seed = ctx.Tx.ID
	}
	pending, err := sub.Submit(ctx.Ctx, SubmitRequest{
		MatchID:   id,
		Turn:      mt.Turn,
		Circuit:   circuit,
		A:         *mt.CommitmentA,
		B:         *mt.CommitmentB,
		ResultKey: resultKey,
		Nonce:     nonce,
		Seed:      seed,
	})
	if err != nil {
		return nil, fmt.Errorf("submit resolution: %w", err)
	}
	pending.RequestedAt = ctx.Timestamp

	mt.Pending = pending
	mt.Phase = core.PhaseResolving
	if err := save(ctx, mt); err != nil {
		return nil, err
	}
	ctx.Emit(events.EventComputationQueued, map[string]any{
		"match_id":       id,
		"computation_id": pending.ComputationID,
		"turn":           mt.Turn,
	})
	return pending, nil
}

// ApplyResolvedOutcome is the only path by which a computation result
// advances a match. The ticket must be the one the match is waiting on.
func (m *Machine) ApplyResolvedOutcome(ctx *vm.Context, pending core.PendingComputation, out core.Outcome) (*core.Round, error) {
	mt, err := load(ctx, pending.MatchID)
	if err != nil {
		return nil, err
	}
	if pending.RequestedTurn != mt.Turn {
		return nil, fmt.Errorf("%w: result for turn %d, match %s is at turn %d",
			core.ErrStaleComputation, pending.RequestedTurn, mt.ID, mt.Turn)
	}
	if mt.Pending == nil || mt.Pending.ComputationID != pending.ComputationID {
		return nil, fmt.Errorf("%w: computation %s is not outstanding for match %s",
			core.ErrStaleComputation, pending.ComputationID, mt.ID)
	}
	if !out.Valid() {
		return nil, fmt.Errorf("%w: invalid outcome %+v", core.ErrAbortedComputation, out)
	}

	round := &core.Round{
		MatchID:       mt.ID,
		Turn:          mt.Turn,
		Winner:        out.Winner,
		Damage:        out.Damage,
		ComputationID: pending.ComputationID,
		ResolvedAt:    ctx.Timestamp,
	}
	mt.CommitmentA, mt.CommitmentB = nil, nil
	mt.CommittedA, mt.CommittedB = false, false
	mt.Pending = nil
	mt.Turn++
	mt.Phase = core.PhaseAwaitingMoves
	if err := save(ctx, mt); err != nil {
		return nil, err
	}
	ctx.Emit(events.EventRoundEnd, map[string]any{
		"match_id":       round.MatchID,
		"winner_id":      uint8(round.Winner),
		"damage":         round.Damage,
		"turn":           round.Turn,
		"computation_id": round.ComputationID,
		"resolved_at":    round.ResolvedAt,
	})
	return round, nil
}

// AbandonResolution drops an outstanding computation that has been pending
// longer than the resolution timeout. Commitments are kept, so the turn can
// be requested again straight away.
func (m *Machine) AbandonResolution(ctx *vm.Context, id, signer string) (*core.PendingComputation, error) {
	mt, err := load(ctx, id)
	if err != nil {
		return nil, err
	}
	if mt.Side(signer) == core.WinnerNone {
		return nil, fmt.Errorf("match %s: %w", id, core.ErrNotAPlayer)
	}
	if mt.Pending == nil {
		return nil, fmt.Errorf("match %s: %w", id, core.ErrNoOutstandingComputation)
	}
	age := time.Duration(ctx.Timestamp - mt.Pending.RequestedAt)
	if age < m.resolutionTimeout {
		return nil, fmt.Errorf("%w: pending for %s of %s", core.ErrResolutionNotExpired, age, m.resolutionTimeout)
	}

	abandoned := mt.Pending
	mt.Pending = nil
	mt.Phase = core.PhaseAwaitingMoves
	if err := save(ctx, mt); err != nil {
		return nil, err
	}
	ctx.Emit(events.EventResolutionAbandoned, map[string]any{
		"match_id":       id,
		"computation_id": abandoned.ComputationID,
		"turn":           abandoned.RequestedTurn,
	})
	return abandoned, nil
}
