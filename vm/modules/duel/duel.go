// Package duel wires the match state machine and the resolution coordinator
// into the transaction VM.
package duel

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tolelom/shadowduel/coordinator"
	"github.com/tolelom/shadowduel/core"
	"github.com/tolelom/shadowduel/crypto"
	"github.com/tolelom/shadowduel/events"
	"github.com/tolelom/shadowduel/match"
	"github.com/tolelom/shadowduel/vm"
)

// Module holds the dependencies of the duel transaction handlers.
type Module struct {
	machine     *match.Machine
	coord       *coordinator.Coordinator
	authorities map[string]bool
}

// New returns a Module. authorities lists the pubkeys allowed to register
// computation definitions; an empty list lets any account do it.
func New(m *match.Machine, c *coordinator.Coordinator, authorities []string) *Module {
	auth := make(map[string]bool, len(authorities))
	for _, a := range authorities {
		auth[a] = true
	}
	return &Module{machine: m, coord: c, authorities: auth}
}

// Register installs every duel handler into r.
func (mod *Module) Register(r *vm.Registry) {
	r.Register(core.TxRegisterCircuit, mod.handleRegisterCircuit)
	r.Register(core.TxCreateMatch, mod.handleCreateMatch)
	r.Register(core.TxJoinMatch, mod.handleJoinMatch)
	r.Register(core.TxCommitMove, mod.handleCommitMove)
	r.Register(core.TxRequestResolution, mod.handleRequestResolution)
	r.Register(core.TxResolutionCallback, mod.handleResolutionCallback)
	r.Register(core.TxAbandonResolution, mod.handleAbandonResolution)
}

func decode(payload json.RawMessage, typ core.TxType, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", typ, err)
	}
	return nil
}

func (mod *Module) handleRegisterCircuit(ctx *vm.Context, payload json.RawMessage) error {
	var p core.RegisterCircuitPayload
	if err := decode(payload, core.TxRegisterCircuit, &p); err != nil {
		return err
	}
	if len(mod.authorities) > 0 && !mod.authorities[ctx.Tx.From] {
		return fmt.Errorf("register circuit: %w", core.ErrUnauthorized)
	}
	if !p.Variant.Valid() {
		return fmt.Errorf("%w: %q", core.ErrUnknownVariant, p.Variant)
	}
	if p.Name != p.Variant.Circuit() {
		return fmt.Errorf("circuit %q does not resolve variant %s", p.Name, p.Variant)
	}
	if p.Digest == "" {
		return errors.New("digest required")
	}
	if _, err := crypto.PubKeyFromHex(p.Cluster); err != nil {
		return fmt.Errorf("cluster key: %w", err)
	}

	def := &core.CircuitDefinition{
		Name:         p.Name,
		Variant:      p.Variant,
		Digest:       p.Digest,
		Cluster:      p.Cluster,
		RegisteredAt: ctx.Timestamp,
	}
	existing, err := ctx.State.GetCircuit(p.Name)
	switch {
	case err == nil && existing.Equivalent(def):
		return nil // idempotent re-registration
	case err == nil:
		return fmt.Errorf("circuit %s: %w with a different definition", p.Name, core.ErrAlreadyExists)
	case !errors.Is(err, core.ErrNotFound):
		return fmt.Errorf("checking circuit %s: %w", p.Name, err)
	}
	if err := ctx.State.SetCircuit(def); err != nil {
		return err
	}
	ctx.Emit(events.EventCircuitRegistered, map[string]any{
		"name":    def.Name,
		"variant": string(def.Variant),
		"digest":  def.Digest,
	})
	return nil
}

func (mod *Module) handleCreateMatch(ctx *vm.Context, payload json.RawMessage) error {
	var p core.CreateMatchPayload
	if err := decode(payload, core.TxCreateMatch, &p); err != nil {
		return err
	}
	id := p.MatchID
	if id == "" {
		id = DeriveMatchID(ctx.Tx)
	}
	_, err := mod.machine.Create(ctx, id, ctx.Tx.From, p.Variant)
	return err
}

// DeriveMatchID names a match created without an explicit id.
func DeriveMatchID(tx *core.Transaction) string {
	return "m-" + tx.ID[:16]
}

func (mod *Module) handleJoinMatch(ctx *vm.Context, payload json.RawMessage) error {
	var p core.JoinMatchPayload
	if err := decode(payload, core.TxJoinMatch, &p); err != nil {
		return err
	}
	_, err := mod.machine.Join(ctx, p.MatchID, ctx.Tx.From)
	return err
}

func (mod *Module) handleCommitMove(ctx *vm.Context, payload json.RawMessage) error {
	var p core.CommitMovePayload
	if err := decode(payload, core.TxCommitMove, &p); err != nil {
		return err
	}
	_, err := mod.machine.Commit(ctx, p.MatchID, ctx.Tx.From, p.Commitment)
	return err
}

func (mod *Module) handleRequestResolution(ctx *vm.Context, payload json.RawMessage) error {
	var p core.RequestResolutionPayload
	if err := decode(payload, core.TxRequestResolution, &p); err != nil {
		return err
	}
	_, err := mod.machine.RequestResolution(ctx, p.MatchID, p.ResultKey, p.Nonce, mod.coord)
	return err
}

func (mod *Module) handleResolutionCallback(ctx *vm.Context, payload json.RawMessage) error {
	var p core.ResolutionCallbackPayload
	if err := decode(payload, core.TxResolutionCallback, &p); err != nil {
		return err
	}
	_, err := mod.coord.OnCallback(ctx, coordinator.Ticket(&p.Output), &p.Output)
	return err
}

func (mod *Module) handleAbandonResolution(ctx *vm.Context, payload json.RawMessage) error {
	var p core.AbandonResolutionPayload
	if err := decode(payload, core.TxAbandonResolution, &p); err != nil {
		return err
	}
	_, err := mod.machine.AbandonResolution(ctx, p.MatchID, ctx.Tx.From)
	return err
}
