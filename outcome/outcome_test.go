package outcome

import (
	"math"
	"testing"

	"github.com/tolelom/shadowduel/core"
)

// referenceDuel is the obvious branching rendition of the decision table,
// used only to cross-check the branch-free one.
func referenceDuel(a, b Move) core.Outcome {
	beats := map[ActionType]ActionType{Attack: Break, Break: Defend, Defend: Attack}
	if t, ok := beats[a.Action]; ok && t == b.Action {
		return core.Outcome{Winner: core.WinnerA, Damage: a.Power}
	}
	if t, ok := beats[b.Action]; ok && t == a.Action {
		return core.Outcome{Winner: core.WinnerB, Damage: b.Power}
	}
	if a.Action != b.Action {
		return core.Outcome{}
	}
	switch {
	case a.Power > b.Power:
		return core.Outcome{Winner: core.WinnerA, Damage: a.Power - b.Power}
	case b.Power > a.Power:
		return core.Outcome{Winner: core.WinnerB, Damage: b.Power - a.Power}
	}
	return core.Outcome{}
}

var samplePowers = []uint64{0, 1, 2, 29, 30, 50, 90, 1 << 32, math.MaxUint64 - 1, math.MaxUint64}

func TestGates(t *testing.T) {
	for _, x := range samplePowers {
		for _, y := range samplePowers {
			wantGt := uint64(0)
			if x > y {
				wantGt = 1
			}
			if got := gt(x, y); got != wantGt {
				t.Errorf("gt(%d, %d): got %d want %d", x, y, got, wantGt)
			}
			wantEq := uint64(0)
			if x == y {
				wantEq = 1
			}
			if got := eq(x, y); got != wantEq {
				t.Errorf("eq(%d, %d): got %d want %d", x, y, got, wantEq)
			}
		}
	}
	if mux(mask(1), 7, 9) != 7 || mux(mask(0), 7, 9) != 9 {
		t.Error("mux does not select by mask")
	}
}

func TestResolveDuelMatchesReference(t *testing.T) {
	types := []ActionType{0, Attack, Defend, Break, 4, 1 << 40}
	for _, ta := range types {
		for _, tb := range types {
			for _, pa := range samplePowers {
				for _, pb := range samplePowers {
					a, b := Move{ta, pa}, Move{tb, pb}
					got, want := ResolveDuel(a, b), referenceDuel(a, b)
					if got != want {
						t.Fatalf("ResolveDuel(%v, %v): got %+v want %+v", a, b, got, want)
					}
				}
			}
		}
	}
}

// A dominating type wins with its full power whatever the other power is.
func TestDominanceDealsFullPower(t *testing.T) {
	pairs := [][2]ActionType{{Attack, Break}, {Break, Defend}, {Defend, Attack}}
	for _, p := range pairs {
		for _, pa := range samplePowers {
			for _, pb := range samplePowers {
				got := ResolveDuel(Move{p[0], pa}, Move{p[1], pb})
				if got.Winner != core.WinnerA || got.Damage != pa {
					t.Errorf("%v(%d) vs %v(%d): got %+v", p[0], pa, p[1], pb, got)
				}
				got = ResolveDuel(Move{p[1], pb}, Move{p[0], pa})
				if got.Winner != core.WinnerB || got.Damage != pa {
					t.Errorf("%v(%d) vs %v(%d): got %+v", p[1], pb, p[0], pa, got)
				}
			}
		}
	}
}

func TestResolveDuelScenarios(t *testing.T) {
	tests := []struct {
		name string
		a, b Move
		want core.Outcome
	}{
		{"attack beats break", Move{Attack, 50}, Move{Break, 30}, core.Outcome{Winner: core.WinnerA, Damage: 50}},
		{"defend mirror", Move{Defend, 10}, Move{Defend, 90}, core.Outcome{Winner: core.WinnerB, Damage: 80}},
		{"equal everything", Move{Break, 40}, Move{Break, 40}, core.Outcome{}},
		{"zero powers", Move{Attack, 0}, Move{Attack, 0}, core.Outcome{}},
		{"max powers", Move{Attack, math.MaxUint64}, Move{Attack, math.MaxUint64}, core.Outcome{}},
		{"max vs zero", Move{Defend, 0}, Move{Defend, math.MaxUint64}, core.Outcome{Winner: core.WinnerB, Damage: math.MaxUint64}},
		{"unknown types draw", Move{7, 5}, Move{Attack, 1}, core.Outcome{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveDuel(tt.a, tt.b)
			if got != tt.want {
				t.Errorf("got %+v want %+v", got, tt.want)
			}
			if !got.Valid() {
				t.Errorf("outcome %+v violates invariants", got)
			}
		})
	}
}

func TestResolveCard(t *testing.T) {
	for _, a := range samplePowers {
		for _, b := range samplePowers {
			got := ResolveCard(Card{a}, Card{b})
			switch {
			case a > b:
				if got.Winner != core.WinnerA || got.Damage != a-b {
					t.Errorf("card %d vs %d: got %+v", a, b, got)
				}
			case b > a:
				if got.Winner != core.WinnerB || got.Damage != b-a {
					t.Errorf("card %d vs %d: got %+v", a, b, got)
				}
			default:
				if got != (core.Outcome{}) {
					t.Errorf("card %d vs %d: got %+v want draw", a, b, got)
				}
			}
		}
	}
}

func TestEvaluate(t *testing.T) {
	got, err := Evaluate(core.VariantDominance, []uint64{uint64(Attack), 50}, []uint64{uint64(Break), 30})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if got != (core.Outcome{Winner: core.WinnerA, Damage: 50}) {
		t.Errorf("dominance: got %+v", got)
	}
	got, err = Evaluate(core.VariantCard, []uint64{7}, []uint64{7})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if got != (core.Outcome{}) {
		t.Errorf("card: got %+v want draw", got)
	}
	if _, err := Evaluate(core.VariantCard, []uint64{1, 2}, []uint64{3}); err == nil {
		t.Error("wrong operand width should fail")
	}
	if _, err := Evaluate("poker", []uint64{1}, []uint64{2}); err == nil {
		t.Error("unknown variant should fail")
	}
}

func TestCircuitDigestsDistinct(t *testing.T) {
	seen := map[string]string{}
	for _, c := range Circuits() {
		d := c.Digest()
		if d == "" {
			t.Fatalf("%s: empty digest", c.Name)
		}
		if other, ok := seen[d]; ok {
			t.Errorf("%s and %s share digest", c.Name, other)
		}
		seen[d] = c.Name
	}
	c, err := CircuitFor(core.VariantCard)
	if err != nil {
		t.Fatal(err)
	}
	if c.Name != core.VariantCard.Circuit() {
		t.Errorf("circuit name: got %s want %s", c.Name, core.VariantCard.Circuit())
	}
}
