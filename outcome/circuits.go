package outcome

import (
	"fmt"

	"github.com/tolelom/shadowduel/core"
	"github.com/tolelom/shadowduel/crypto"
)

// Version is bumped whenever an outcome function changes behaviour, which
// changes every definition digest and forces re-registration.
const Version = 1

// Circuit describes the interface of one outcome function as registered with
// the computation cluster.
type Circuit struct {
	Name    string       `json:"name"`
	Variant core.Variant `json:"variant"`
	Version int          `json:"version"`
	Inputs  []string     `json:"inputs"`  // per player, in field order
	Outputs []string     `json:"outputs"` // revealed result fields
}

// Digest identifies the circuit interface and version.
func (c Circuit) Digest() string {
	d, _ := crypto.HashJSON(c)
	return d
}

// Definition builds the ledger registration of c attested by cluster.
func (c Circuit) Definition(cluster string) core.CircuitDefinition {
	return core.CircuitDefinition{
		Name:    c.Name,
		Variant: c.Variant,
		Digest:  c.Digest(),
		Cluster: cluster,
	}
}

var circuits = map[core.Variant]Circuit{
	core.VariantDominance: {
		Name:    core.VariantDominance.Circuit(),
		Variant: core.VariantDominance,
		Version: Version,
		Inputs:  []string{"action_type", "power"},
		Outputs: []string{"winner", "damage"},
	},
	core.VariantCard: {
		Name:    core.VariantCard.Circuit(),
		Variant: core.VariantCard,
		Version: Version,
		Inputs:  []string{"value"},
		Outputs: []string{"winner", "damage"},
	},
}

// CircuitFor returns the circuit that resolves variant.
func CircuitFor(variant core.Variant) (Circuit, error) {
	c, ok := circuits[variant]
	if !ok {
		return Circuit{}, fmt.Errorf("%w: %q", core.ErrUnknownVariant, variant)
	}
	return c, nil
}

// Circuits returns every known circuit in a stable order.
func Circuits() []Circuit {
	return []Circuit{circuits[core.VariantDominance], circuits[core.VariantCard]}
}
