package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// FieldSize is the width of one sealed field: eight bytes of ciphertext for
// a little-endian u64, its sixteen-byte Poly1305 tag, then zero padding.
const FieldSize = 32

const (
	valueSize = 8
	tagEnd    = valueSize + chacha20poly1305.Overhead
)

// Sealing domains keep the client→cluster and cluster→client keystreams
// apart even when both sides reuse a nonce.
const (
	DomainOperand byte = 0
	DomainResult  byte = 1
)

const sharedKeyInfo = "shadowduel/field-cipher/v1"

var (
	// ErrBadPadding is returned for a field whose trailing padding is not zero.
	ErrBadPadding = errors.New("sealed field has non-zero padding")
	// ErrFieldAuth is returned when a field does not authenticate under the
	// key, nonce and associated data it is opened with.
	ErrFieldAuth = errors.New("sealed field failed authentication")
)

// GenerateX25519 returns a fresh key-exchange key pair.
func GenerateX25519() (priv, pub [32]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, priv[:]); err != nil {
		return priv, pub, fmt.Errorf("read random: %w", err)
	}
	pub, err = X25519Public(priv)
	return priv, pub, err
}

// DeriveX25519 deterministically derives a key-exchange key pair from an
// ed25519 signing key, so one keystore file carries both.
func DeriveX25519(signing PrivateKey) (priv, pub [32]byte, err error) {
	if len(signing) < 32 {
		return priv, pub, errors.New("signing key too short")
	}
	kdf := hkdf.New(sha256.New, signing[:32], nil, []byte("shadowduel/x25519-from-ed25519"))
	if _, err = io.ReadFull(kdf, priv[:]); err != nil {
		return priv, pub, err
	}
	pub, err = X25519Public(priv)
	return priv, pub, err
}

// X25519Public computes the public half of priv.
func X25519Public(priv [32]byte) ([32]byte, error) {
	var pub [32]byte
	out, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return pub, err
	}
	copy(pub[:], out)
	return pub, nil
}

// SharedKey derives the symmetric field key for priv and a peer's public key.
// Both ends of the exchange arrive at the same key.
func SharedKey(priv, peer [32]byte) ([32]byte, error) {
	var key [32]byte
	secret, err := curve25519.X25519(priv[:], peer[:])
	if err != nil {
		return key, fmt.Errorf("key exchange: %w", err)
	}
	kdf := hkdf.New(sha256.New, secret, nil, []byte(sharedKeyInfo))
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return key, err
	}
	return key, nil
}

// RandomNonce returns a fresh 16-byte nonce.
func RandomNonce() ([16]byte, error) {
	var n [16]byte
	_, err := io.ReadFull(rand.Reader, n[:])
	return n, err
}

// SealFields encrypts each value into its own 32-byte field. ad is bound to
// every field; a field also binds its position, so fields cannot be reordered
// or moved between bundles.
func SealFields(key [32]byte, nonce [16]byte, domain byte, ad []byte, values []uint64) ([][FieldSize]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	out := make([][FieldSize]byte, len(values))
	var plain [valueSize]byte
	for i, v := range values {
		xn, err := fieldNonce(nonce, domain, i)
		if err != nil {
			return nil, err
		}
		binary.LittleEndian.PutUint64(plain[:], v)
		aead.Seal(out[i][:0], xn[:], plain[:], ad)
	}
	return out, nil
}

// OpenFields decrypts fields sealed by SealFields under the same ad.
func OpenFields(key [32]byte, nonce [16]byte, domain byte, ad []byte, fields [][FieldSize]byte) ([]uint64, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	values := make([]uint64, len(fields))
	for i, f := range fields {
		for _, b := range f[tagEnd:] {
			if b != 0 {
				return nil, fmt.Errorf("field %d: %w", i, ErrBadPadding)
			}
		}
		xn, err := fieldNonce(nonce, domain, i)
		if err != nil {
			return nil, err
		}
		plain, err := aead.Open(nil, xn[:], f[:tagEnd], ad)
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", i, ErrFieldAuth)
		}
		values[i] = binary.LittleEndian.Uint64(plain)
	}
	return values, nil
}

// fieldNonce lays out nonce ‖ domain ‖ index as an XChaCha20 nonce.
func fieldNonce(nonce [16]byte, domain byte, index int) ([chacha20poly1305.NonceSizeX]byte, error) {
	var xn [chacha20poly1305.NonceSizeX]byte
	if index > 0xff {
		return xn, fmt.Errorf("too many fields: %d", index+1)
	}
	copy(xn[:], nonce[:])
	xn[len(nonce)] = domain
	xn[len(nonce)+1] = byte(index)
	return xn, nil
}
