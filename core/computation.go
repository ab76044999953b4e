package core

import (
	"encoding/binary"
	"fmt"

	"github.com/tolelom/shadowduel/crypto"
)

// ComputationRequest is what the coordinator hands to the cluster: the
// sealed operands of both players in seat order plus the requester's
// key-exchange parameter for the sealed copy of the result.
type ComputationRequest struct {
	ComputationID string       `json:"computation_id"`
	MatchID       string       `json:"match_id"`
	Turn          uint64       `json:"turn"`
	Circuit       string       `json:"circuit"`
	ResultKey     Key          `json:"result_key"`
	Nonce         Nonce        `json:"nonce"`
	Operands      []Commitment `json:"operands"`
}

// SignedOutput is the cluster's attested answer to a ComputationRequest.
// Fields holds the public result (winner, damage) as little-endian u64
// values; Sealed holds the same values encrypted to the requester.
type SignedOutput struct {
	ComputationID string   `json:"computation_id"`
	MatchID       string   `json:"match_id"`
	Turn          uint64   `json:"turn"`
	Circuit       string   `json:"circuit"`
	Aborted       bool     `json:"aborted"`
	Reason        string   `json:"reason,omitempty"`
	Fields        [2]Field `json:"fields"`
	Sealed        [2]Field `json:"sealed"`
	Signature     string   `json:"signature"`
}

type outputBody struct {
	ComputationID string   `json:"computation_id"`
	MatchID       string   `json:"match_id"`
	Turn          uint64   `json:"turn"`
	Circuit       string   `json:"circuit"`
	Aborted       bool     `json:"aborted"`
	Reason        string   `json:"reason"`
	Fields        [2]Field `json:"fields"`
	Sealed        [2]Field `json:"sealed"`
}

// Hash returns the digest the cluster signs.
func (o *SignedOutput) Hash() string {
	h, err := crypto.HashJSON(outputBody{
		ComputationID: o.ComputationID,
		MatchID:       o.MatchID,
		Turn:          o.Turn,
		Circuit:       o.Circuit,
		Aborted:       o.Aborted,
		Reason:        o.Reason,
		Fields:        o.Fields,
		Sealed:        o.Sealed,
	})
	if err != nil {
		return ""
	}
	return h
}

// Sign attests the output with the cluster key.
func (o *SignedOutput) Sign(priv crypto.PrivateKey) {
	o.Signature = crypto.Sign(priv, []byte(o.Hash()))
}

// Verify checks the attestation against the cluster key.
func (o *SignedOutput) Verify(pub crypto.PublicKey) error {
	return crypto.Verify(pub, []byte(o.Hash()), o.Signature)
}

// EncodeU64 places v little-endian in the first eight bytes of a field.
func EncodeU64(v uint64) Field {
	var f Field
	binary.LittleEndian.PutUint64(f[:8], v)
	return f
}

// DecodeU64 reads a field written by EncodeU64. Non-zero padding is rejected.
func DecodeU64(f Field) (uint64, error) {
	for _, b := range f[8:] {
		if b != 0 {
			return 0, fmt.Errorf("field padding is not zero")
		}
	}
	return binary.LittleEndian.Uint64(f[:8]), nil
}

// EncodeOutcome lays an outcome out as [winner, damage].
func EncodeOutcome(o Outcome) [2]Field {
	return [2]Field{EncodeU64(uint64(o.Winner)), EncodeU64(o.Damage)}
}

// DecodeOutcome is the inverse of EncodeOutcome. It fails on malformed
// fields or on values that violate the outcome invariants.
func DecodeOutcome(fields [2]Field) (Outcome, error) {
	w, err := DecodeU64(fields[0])
	if err != nil {
		return Outcome{}, fmt.Errorf("winner: %w", err)
	}
	d, err := DecodeU64(fields[1])
	if err != nil {
		return Outcome{}, fmt.Errorf("damage: %w", err)
	}
	if w > uint64(WinnerB) {
		return Outcome{}, fmt.Errorf("winner %d out of range", w)
	}
	o := Outcome{Winner: Winner(w), Damage: d}
	if !o.Valid() {
		return Outcome{}, fmt.Errorf("draw with non-zero damage %d", d)
	}
	return o, nil
}
