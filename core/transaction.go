package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tolelom/shadowduel/crypto"
)

type TxType string

const (
	TxRegisterCircuit    TxType = "register_circuit"
	TxCreateMatch        TxType = "create_match"
	TxJoinMatch          TxType = "join_match"
	TxCommitMove         TxType = "commit_move"
	TxRequestResolution  TxType = "request_resolution"
	TxResolutionCallback TxType = "resolution_callback"
	TxAbandonResolution  TxType = "abandon_resolution"
)

// Transaction is one signed ledger operation. From is the sender's ed25519
// public key in hex; ID is the hash of every field but ID and Signature, and
// Signature signs that hash.
type Transaction struct {
	ID        string          `json:"id"`
	ChainID   string          `json:"chain_id"`
	Type      TxType          `json:"type"`
	From      string          `json:"from"`
	Nonce     uint64          `json:"nonce"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

var (
	ErrMissingSender = errors.New("transaction has no sender")
	ErrTxIDMismatch  = errors.New("transaction id does not match its contents")
)

// Hash returns the id the transaction should carry. The marshal of a fixed
// struct of strings and integers cannot fail, so an error yields "".
func (tx *Transaction) Hash() string {
	h, err := crypto.HashJSON(struct {
		ChainID   string          `json:"chain_id"`
		Type      TxType          `json:"type"`
		From      string          `json:"from"`
		Nonce     uint64          `json:"nonce"`
		Timestamp int64           `json:"timestamp"`
		Payload   json.RawMessage `json:"payload"`
	}{tx.ChainID, tx.Type, tx.From, tx.Nonce, tx.Timestamp, tx.Payload})
	if err != nil {
		return ""
	}
	return h
}

// Sign sets ID and Signature for priv.
func (tx *Transaction) Sign(priv crypto.PrivateKey) {
	tx.ID = tx.Hash()
	tx.Signature = crypto.Sign(priv, []byte(tx.ID))
}

// Verify checks that ID covers the contents and that From signed it.
func (tx *Transaction) Verify() error {
	if tx.From == "" {
		return ErrMissingSender
	}
	pub, err := crypto.PubKeyFromHex(tx.From)
	if err != nil {
		return fmt.Errorf("from: %w", err)
	}
	if want := tx.Hash(); tx.ID != want {
		return fmt.Errorf("%w: %s, contents hash to %s", ErrTxIDMismatch, tx.ID, want)
	}
	return crypto.Verify(pub, []byte(tx.ID), tx.Signature)
}

// NewTransaction builds an unsigned transaction stamped with the local clock.
// The ledger restamps execution time; Timestamp only makes ids unique.
func NewTransaction(chainID string, typ TxType, from string, nonce uint64, payload any) (*Transaction, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s payload: %w", typ, err)
	}
	return &Transaction{
		ChainID:   chainID,
		Type:      typ,
		From:      from,
		Nonce:     nonce,
		Timestamp: time.Now().UnixNano(),
		Payload:   raw,
	}, nil
}
