package core

import "fmt"

// Account holds a participant's replay-protection nonce.
// Address is the hex-encoded ed25519 public key.
type Account struct {
	Address string `json:"address"` // pubkey hex
	Nonce   uint64 `json:"nonce"`
}

// Variant selects which outcome function resolves a match.
type Variant string

const (
	// VariantDominance: each move is an action type plus a power value.
	VariantDominance Variant = "dominance"
	// VariantCard: each move is a single hidden card value.
	VariantCard Variant = "card"
)

// Valid reports whether v is a known variant.
func (v Variant) Valid() bool {
	return v == VariantDominance || v == VariantCard
}

// Width returns the number of ciphertext fields one committed move carries.
func (v Variant) Width() int {
	switch v {
	case VariantDominance:
		return 2
	case VariantCard:
		return 1
	default:
		return 0
	}
}

// Circuit returns the name of the computation definition that resolves v.
func (v Variant) Circuit() string {
	switch v {
	case VariantDominance:
		return "resolve_duel"
	case VariantCard:
		return "resolve_card"
	default:
		return ""
	}
}

// Phase is the coarse lifecycle state of a match.
type Phase string

const (
	PhaseLobby         Phase = "lobby"
	PhaseAwaitingMoves Phase = "awaiting_moves"
	PhaseResolving     Phase = "resolving"
)

// Winner identifies the side that won a turn.
type Winner uint8

const (
	WinnerNone Winner = 0
	WinnerA    Winner = 1
	WinnerB    Winner = 2
)

func (w Winner) String() string {
	switch w {
	case WinnerNone:
		return "none"
	case WinnerA:
		return "player_a"
	case WinnerB:
		return "player_b"
	default:
		return "invalid"
	}
}

// Outcome is the result of one resolved turn.
type Outcome struct {
	Winner Winner `json:"winner"`
	Damage uint64 `json:"damage"`
}

// Valid reports whether o satisfies the outcome invariants: a known winner
// and no damage on a draw.
func (o Outcome) Valid() bool {
	if o.Winner > WinnerB {
		return false
	}
	return o.Winner != WinnerNone || o.Damage == 0
}

// Commitment is the opaque ciphertext bundle a player stores for the current
// turn. EncPubKey and Nonce let the computation cluster derive the key the
// fields were sealed under; nothing outside the cluster can open Fields.
type Commitment struct {
	EncPubKey Key     `json:"enc_pubkey"`
	Nonce     Nonce   `json:"nonce"`
	Fields    []Field `json:"fields"`
}

// Clone returns a deep copy of c.
func (c *Commitment) Clone() *Commitment {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Fields = append([]Field(nil), c.Fields...)
	return &cp
}

// Seat names the operand slot a sealed move is made for. Its binding is the
// associated data every field of the move is sealed under, so a bundle only
// opens for the match, turn and side it was committed to.
type Seat struct {
	MatchID string
	Turn    uint64
	Side    Winner
}

// Binding returns the associated data for s.
func (s Seat) Binding() []byte {
	return fmt.Appendf(nil, "shadowduel/move:%d:%s:%d:%d", len(s.MatchID), s.MatchID, s.Turn, s.Side)
}

// ResultBinding is the associated data the sealed copy of a result is
// sealed under.
func ResultBinding(computationID string) []byte {
	return fmt.Appendf(nil, "shadowduel/result:%s", computationID)
}

// PendingComputation correlates an outstanding secure computation with the
// match and turn it was issued for. ResultKey and Nonce are the requester's
// key-exchange parameter; they are kept so the identical request can be
// dispatched again.
type PendingComputation struct {
	ComputationID string `json:"computation_id"`
	MatchID       string `json:"match_id"`
	RequestedTurn uint64 `json:"requested_turn"`
	Circuit       string `json:"circuit"`
	ResultKey     Key    `json:"result_key"`
	Nonce         Nonce  `json:"nonce"`
	RequestedAt   int64  `json:"requested_at"`
}

// Match is one two-player game. All mutation goes through the match state
// machine; Revision is the compare-and-set token checked by the store.
type Match struct {
	ID          string              `json:"id"`
	Variant     Variant             `json:"variant"`
	PlayerA     string              `json:"player_a"`           // pubkey hex of the creator
	PlayerB     string              `json:"player_b,omitempty"` // empty until joined
	CommitmentA *Commitment         `json:"commitment_a,omitempty"`
	CommitmentB *Commitment         `json:"commitment_b,omitempty"`
	CommittedA  bool                `json:"committed_a"`
	CommittedB  bool                `json:"committed_b"`
	Turn        uint64              `json:"turn"`
	Phase       Phase               `json:"phase"`
	Pending     *PendingComputation `json:"pending,omitempty"`
	Revision    uint64              `json:"revision"`
	CreatedAt   int64               `json:"created_at"`
	UpdatedAt   int64               `json:"updated_at"`
}

// Side reports which seat address occupies, or WinnerNone if it is not a
// player of m.
func (m *Match) Side(address string) Winner {
	switch {
	case address == "":
		return WinnerNone
	case address == m.PlayerA:
		return WinnerA
	case address == m.PlayerB:
		return WinnerB
	default:
		return WinnerNone
	}
}

// SeatOf returns the seat address plays in the current turn.
func (m *Match) SeatOf(address string) Seat {
	return Seat{MatchID: m.ID, Turn: m.Turn, Side: m.Side(address)}
}

// Round is the externally visible record of one applied resolution.
type Round struct {
	MatchID       string `json:"match_id"`
	Turn          uint64 `json:"turn"`
	Winner        Winner `json:"winner"`
	Damage        uint64 `json:"damage"`
	ComputationID string `json:"computation_id"`
	ResolvedAt    int64  `json:"resolved_at"`
}

// CircuitDefinition registers a compiled outcome function with the
// computation cluster. Cluster is the hex ed25519 key that signs its outputs.
type CircuitDefinition struct {
	Name         string  `json:"name"`
	Variant      Variant `json:"variant"`
	Digest       string  `json:"digest"`
	Cluster      string  `json:"cluster"`
	RegisteredAt int64   `json:"registered_at"`
}

// Equivalent reports whether d and o describe the same registration,
// ignoring when it happened.
func (d *CircuitDefinition) Equivalent(o *CircuitDefinition) bool {
	return d.Name == o.Name && d.Variant == o.Variant && d.Digest == o.Digest && d.Cluster == o.Cluster
}

// State is the ledger state interface. Implementations must be
// snapshot-able so the executor can roll back failed transactions.
type State interface {
	// Accounts
	GetAccount(address string) (*Account, error)
	SetAccount(account *Account) error

	// Matches. SetMatch is a compare-and-set on m.Revision: it fails with
	// ErrConflict unless the stored revision equals m.Revision (0 for a new
	// match), and increments m.Revision on success.
	GetMatch(id string) (*Match, error)
	SetMatch(m *Match) error

	// Computation definitions
	GetCircuit(name string) (*CircuitDefinition, error)
	SetCircuit(def *CircuitDefinition) error

	// Ledger height
	GetHeight() (uint64, error)
	SetHeight(h uint64) error

	// Snapshot / rollback / commit
	Snapshot() (int, error)
	RevertToSnapshot(id int) error
	// ComputeRoot returns the deterministic state root from the current write
	// buffer without flushing.
	ComputeRoot() string
	// Commit flushes the write buffer to the underlying DB and clears it.
	Commit() error
}
