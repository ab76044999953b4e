// Package outcome holds the outcome functions the computation cluster
// evaluates over decrypted moves. Both functions are branch-free: every
// candidate result is computed and the answer is picked with masked
// selection, so nothing about the inputs leaks through control flow.
package outcome

import (
	"fmt"

	"github.com/tolelom/shadowduel/core"
)

// ActionType is the kind of move in the dominance variant.
type ActionType uint64

const (
	Attack ActionType = 1
	Defend ActionType = 2
	Break  ActionType = 3
)

func (a ActionType) String() string {
	switch a {
	case Attack:
		return "attack"
	case Defend:
		return "defend"
	case Break:
		return "break"
	default:
		return fmt.Sprintf("action(%d)", uint64(a))
	}
}

// ParseActionType maps a move name to its action type.
func ParseActionType(s string) (ActionType, error) {
	switch s {
	case "attack":
		return Attack, nil
	case "defend":
		return Defend, nil
	case "break":
		return Break, nil
	}
	return 0, fmt.Errorf("unknown action %q", s)
}

// Move is one player's dominance-variant input.
type Move struct {
	Action ActionType
	Power  uint64
}

// Card is one player's card-variant input.
type Card struct {
	Value uint64
}

// dominates returns 1 when type x beats type y:
// attack beats break, break beats defend, defend beats attack.
func dominates(x, y uint64) uint64 {
	return (eq(x, uint64(Attack)) & eq(y, uint64(Break))) |
		(eq(x, uint64(Break)) & eq(y, uint64(Defend))) |
		(eq(x, uint64(Defend)) & eq(y, uint64(Attack)))
}

// compare resolves two magnitudes: the larger wins and deals the difference.
func compare(a, b uint64) (winner, damage uint64) {
	aGt := mask(gt(a, b))
	bGt := mask(gt(b, a))
	winner = mux(aGt, uint64(core.WinnerA), mux(bGt, uint64(core.WinnerB), uint64(core.WinnerNone)))
	// Both differences wrap on underflow; only the non-negative one is selected.
	damage = mux(aGt, a-b, mux(bGt, b-a, 0))
	return winner, damage
}

// ResolveDuel resolves one dominance-variant turn.
//
// A dominating type wins outright and deals its own power. With identical
// types the higher power wins and deals the difference. Any other pairing,
// including unknown types, is a draw.
func ResolveDuel(a, b Move) core.Outcome {
	ta, tb := uint64(a.Action), uint64(b.Action)
	pa, pb := a.Power, b.Power

	aDom := mask(dominates(ta, tb))
	bDom := mask(dominates(tb, ta))
	same := mask(eq(ta, tb))

	cw, cd := compare(pa, pb)
	sameWinner := mux(same, cw, uint64(core.WinnerNone))
	sameDamage := mux(same, cd, 0)

	winner := mux(aDom, uint64(core.WinnerA), mux(bDom, uint64(core.WinnerB), sameWinner))
	damage := mux(aDom, pa, mux(bDom, pb, sameDamage))
	return core.Outcome{Winner: core.Winner(winner), Damage: damage}
}

// ResolveCard resolves one card-variant turn: the higher card wins and deals
// the difference, equal cards draw.
func ResolveCard(a, b Card) core.Outcome {
	w, d := compare(a.Value, b.Value)
	return core.Outcome{Winner: core.Winner(w), Damage: d}
}

// Evaluate runs the outcome function for variant over decrypted operands in
// seat order. Each operand must carry exactly variant.Width() values.
func Evaluate(variant core.Variant, a, b []uint64) (core.Outcome, error) {
	w := variant.Width()
	if w == 0 {
		return core.Outcome{}, fmt.Errorf("%w: %q", core.ErrUnknownVariant, variant)
	}
	if len(a) != w || len(b) != w {
		return core.Outcome{}, fmt.Errorf("operand width: want %d, got %d and %d", w, len(a), len(b))
	}
	switch variant {
	case core.VariantDominance:
		return ResolveDuel(Move{ActionType(a[0]), a[1]}, Move{ActionType(b[0]), b[1]}), nil
	default:
		return ResolveCard(Card{a[0]}, Card{b[0]}), nil
	}
}
