package wallet

import (
	"fmt"

	"github.com/tolelom/shadowduel/core"
	"github.com/tolelom/shadowduel/crypto"
	"github.com/tolelom/shadowduel/outcome"
)

// Wallet holds a signing key pair plus the key-exchange pair derived from
// it, and provides transaction-building and move-sealing helpers.
type Wallet struct {
	priv    crypto.PrivateKey
	pub     crypto.PublicKey
	encPriv [32]byte
	encPub  [32]byte
}

// New creates a Wallet from an existing private key.
func New(priv crypto.PrivateKey) (*Wallet, error) {
	encPriv, encPub, err := crypto.DeriveX25519(priv)
	if err != nil {
		return nil, fmt.Errorf("derive encryption key: %w", err)
	}
	return &Wallet{priv: priv, pub: priv.Public(), encPriv: encPriv, encPub: encPub}, nil
}

// Generate creates a Wallet with a freshly generated key pair.
func Generate() (*Wallet, error) {
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return New(priv)
}

// PrivKey returns the raw private key (handle with care).
func (w *Wallet) PrivKey() crypto.PrivateKey {
	return w.priv
}

// PubKey returns the hex-encoded ed25519 public key (used as "from" address).
func (w *Wallet) PubKey() string {
	return w.pub.Hex()
}

// Address returns the short human-readable address (first 20 bytes of SHA-256(pubkey)).
func (w *Wallet) Address() string {
	return w.pub.Address()
}

// EncryptionKey returns the x25519 public key results are sealed to.
func (w *Wallet) EncryptionKey() core.Key {
	return core.Key(w.encPub)
}

// NewTx creates a signed transaction. chainID must match the target ledger
// and nonce the account's current nonce.
func (w *Wallet) NewTx(chainID string, typ core.TxType, nonce uint64, payload any) (*core.Transaction, error) {
	tx, err := core.NewTransaction(chainID, typ, w.pub.Hex(), nonce, payload)
	if err != nil {
		return nil, err
	}
	tx.Sign(w.priv)
	return tx, nil
}

// SealMove encrypts values to the cluster key with a fresh ephemeral key
// pair, producing a commitment the ledger can store but not read. The
// commitment only opens as the move for seat.
func SealMove(cluster core.Key, seat core.Seat, values ...uint64) (core.Commitment, error) {
	ephPriv, ephPub, err := crypto.GenerateX25519()
	if err != nil {
		return core.Commitment{}, err
	}
	nonce, err := crypto.RandomNonce()
	if err != nil {
		return core.Commitment{}, err
	}
	key, err := crypto.SharedKey(ephPriv, cluster)
	if err != nil {
		return core.Commitment{}, err
	}
	sealed, err := crypto.SealFields(key, nonce, crypto.DomainOperand, seat.Binding(), values)
	if err != nil {
		return core.Commitment{}, err
	}
	c := core.Commitment{EncPubKey: core.Key(ephPub), Nonce: core.Nonce(nonce)}
	for _, f := range sealed {
		c.Fields = append(c.Fields, core.Field(f))
	}
	return c, nil
}

// SealDuelMove seals a dominance-variant move.
func SealDuelMove(cluster core.Key, seat core.Seat, m outcome.Move) (core.Commitment, error) {
	if m.Action < outcome.Attack || m.Action > outcome.Break {
		return core.Commitment{}, fmt.Errorf("%w: action type %d", core.ErrInvalidCommitment, m.Action)
	}
	return SealMove(cluster, seat, uint64(m.Action), m.Power)
}

// SealCard seals a card-variant move.
func SealCard(cluster core.Key, seat core.Seat, c outcome.Card) (core.Commitment, error) {
	return SealMove(cluster, seat, c.Value)
}

// OpenResult decrypts the sealed copy of a result addressed to this wallet's
// encryption key. nonce is the one sent with the resolution request.
func (w *Wallet) OpenResult(cluster core.Key, computationID string, nonce core.Nonce, sealed [2]core.Field) (core.Outcome, error) {
	key, err := crypto.SharedKey(w.encPriv, cluster)
	if err != nil {
		return core.Outcome{}, err
	}
	vals, err := crypto.OpenFields(key, nonce, crypto.DomainResult, core.ResultBinding(computationID),
		[][crypto.FieldSize]byte{sealed[0], sealed[1]})
	if err != nil {
		return core.Outcome{}, fmt.Errorf("open result: %w", err)
	}
	o := core.Outcome{Winner: core.Winner(vals[0]), Damage: vals[1]}
	if !o.Valid() {
		return core.Outcome{}, fmt.Errorf("opened result %+v is not a valid outcome", o)
	}
	return o, nil
}
