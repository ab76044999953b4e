package core

import (
	"encoding/hex"
	"fmt"
)

// FieldSize is the width of one ciphertext or result field.
const FieldSize = 32

// Key is a 32-byte x25519 public key.
type Key [32]byte

// Nonce is the 16-byte nonce a bundle of fields was sealed with.
type Nonce [16]byte

// Field is one fixed-width ciphertext or result slot.
type Field [FieldSize]byte

func (k Key) MarshalText() ([]byte, error)    { return hexText(k[:]), nil }
func (k *Key) UnmarshalText(b []byte) error   { return decodeFixed("key", k[:], b) }
func (k Key) IsZero() bool                    { return k == Key{} }
func (n Nonce) MarshalText() ([]byte, error)  { return hexText(n[:]), nil }
func (n *Nonce) UnmarshalText(b []byte) error { return decodeFixed("nonce", n[:], b) }
func (n Nonce) IsZero() bool                  { return n == Nonce{} }
func (f Field) MarshalText() ([]byte, error)  { return hexText(f[:]), nil }
func (f *Field) UnmarshalText(b []byte) error { return decodeFixed("field", f[:], b) }

// KeyFromHex decodes a hex-encoded 32-byte key.
func KeyFromHex(s string) (Key, error) {
	var k Key
	err := k.UnmarshalText([]byte(s))
	return k, err
}

func hexText(b []byte) []byte {
	out := make([]byte, hex.EncodedLen(len(b)))
	hex.Encode(out, b)
	return out
}

func decodeFixed(what string, dst, src []byte) error {
	if len(src) != hex.EncodedLen(len(dst)) {
		return fmt.Errorf("%s must be %d hex chars, got %d", what, hex.EncodedLen(len(dst)), len(src))
	}
	if _, err := hex.Decode(dst, src); err != nil {
		return fmt.Errorf("invalid %s hex: %w", what, err)
	}
	return nil
}
