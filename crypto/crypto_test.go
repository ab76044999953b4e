package crypto

import (
	"errors"
	"math"
	"testing"
)

// TestKeyGenAndAddress verifies that key generation and address derivation work.
func TestKeyGenAndAddress(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	if len(pub.Hex()) != 64 {
		t.Errorf("pubkey hex length: got %d want 64", len(pub.Hex()))
	}
	if len(pub.Address()) != 40 {
		t.Errorf("address length: got %d want 40", len(pub.Address()))
	}
	if priv.Public().Hex() != pub.Hex() {
		t.Error("derived public key does not match")
	}
}

func TestSignVerify(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	data := []byte("hello shadowduel")
	sig := Sign(priv, data)
	if err := Verify(pub, data, sig); err != nil {
		t.Errorf("valid signature failed: %v", err)
	}
	if err := Verify(pub, []byte("tampered"), sig); !errors.Is(err, ErrBadSignature) {
		t.Errorf("tampered data: want ErrBadSignature, got %v", err)
	}
	if err := Verify(pub, data, sig[:10]); !errors.Is(err, ErrBadSignature) {
		t.Errorf("truncated signature: want ErrBadSignature, got %v", err)
	}
}

func TestHashJSONStable(t *testing.T) {
	type body struct {
		A string `json:"a"`
		B uint64 `json:"b"`
	}
	h1, err := HashJSON(body{A: "x", B: 1})
	if err != nil {
		t.Fatal(err)
	}
	h2, _ := HashJSON(body{A: "x", B: 1})
	h3, _ := HashJSON(body{A: "x", B: 2})
	if h1 != h2 || h1 == h3 || len(h1) != 64 {
		t.Errorf("digests: %s %s %s", h1, h2, h3)
	}
	if _, err := HashJSON(math.Inf(1)); err == nil {
		t.Error("unencodable value should fail")
	}
}

func TestSharedKeyAgrees(t *testing.T) {
	aPriv, aPub, err := GenerateX25519()
	if err != nil {
		t.Fatal(err)
	}
	bPriv, bPub, err := GenerateX25519()
	if err != nil {
		t.Fatal(err)
	}
	k1, err := SharedKey(aPriv, bPub)
	if err != nil {
		t.Fatal(err)
	}
	k2, err := SharedKey(bPriv, aPub)
	if err != nil {
		t.Fatal(err)
	}
	if k1 != k2 {
		t.Error("both sides should derive the same key")
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	var key [32]byte
	key[0] = 9
	nonce, err := RandomNonce()
	if err != nil {
		t.Fatal(err)
	}
	values := []uint64{0, 3, math.MaxUint64}
	ad := []byte("seat")
	fields, err := SealFields(key, nonce, DomainOperand, ad, values)
	if err != nil {
		t.Fatalf("SealFields: %v", err)
	}
	if len(fields) != len(values) {
		t.Fatalf("field count: got %d want %d", len(fields), len(values))
	}
	got, err := OpenFields(key, nonce, DomainOperand, ad, fields)
	if err != nil {
		t.Fatalf("OpenFields: %v", err)
	}
	for i := range values {
		if got[i] != values[i] {
			t.Errorf("value %d: got %d want %d", i, got[i], values[i])
		}
	}
}

func TestOpenRejectsWrongContext(t *testing.T) {
	var key, other [32]byte
	key[0], other[0] = 1, 2
	var nonce [16]byte
	ad := []byte("m1/1/A")
	fields, err := SealFields(key, nonce, DomainOperand, ad, []uint64{1, 42})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := OpenFields(other, nonce, DomainOperand, ad, fields); !errors.Is(err, ErrFieldAuth) {
		t.Errorf("wrong key: got %v want ErrFieldAuth", err)
	}
	if _, err := OpenFields(key, nonce, DomainResult, ad, fields); !errors.Is(err, ErrFieldAuth) {
		t.Errorf("wrong domain: got %v want ErrFieldAuth", err)
	}
	if _, err := OpenFields(key, nonce, DomainOperand, []byte("m1/1/B"), fields); !errors.Is(err, ErrFieldAuth) {
		t.Errorf("wrong associated data: got %v want ErrFieldAuth", err)
	}

	swapped := [][FieldSize]byte{fields[1], fields[0]}
	if _, err := OpenFields(key, nonce, DomainOperand, ad, swapped); !errors.Is(err, ErrFieldAuth) {
		t.Errorf("reordered fields: got %v want ErrFieldAuth", err)
	}

	// Flipping the top bit of a sealed value must not yield a larger value.
	flipped := [][FieldSize]byte{fields[0], fields[1]}
	flipped[1][7] ^= 0x80
	if _, err := OpenFields(key, nonce, DomainOperand, ad, flipped); !errors.Is(err, ErrFieldAuth) {
		t.Errorf("bit flip: got %v want ErrFieldAuth", err)
	}

	padded := [][FieldSize]byte{fields[0], fields[1]}
	padded[0][FieldSize-1] = 1
	if _, err := OpenFields(key, nonce, DomainOperand, ad, padded); !errors.Is(err, ErrBadPadding) {
		t.Errorf("non-zero padding: got %v want ErrBadPadding", err)
	}
}

func TestDeriveX25519Deterministic(t *testing.T) {
	priv, _, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	p1, pub1, err := DeriveX25519(priv)
	if err != nil {
		t.Fatal(err)
	}
	p2, pub2, err := DeriveX25519(priv)
	if err != nil {
		t.Fatal(err)
	}
	if p1 != p2 || pub1 != pub2 {
		t.Error("derivation should be deterministic")
	}
}
