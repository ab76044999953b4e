package wallet

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/tolelom/shadowduel/crypto"
)

// ErrWrongPassword means the keystore could not be decrypted.
var ErrWrongPassword = errors.New("wrong password or corrupted keystore")

const keystoreVersion = 2

// kdfParams are the argon2id cost settings stored alongside each key.
type kdfParams struct {
	Time    uint32 `json:"time"`
	Memory  uint32 `json:"memory_kib"`
	Threads uint8  `json:"threads"`
	Salt    string `json:"salt"`
}

var defaultKDF = kdfParams{Time: 3, Memory: 64 * 1024, Threads: 2}

type keystore struct {
	Version int       `json:"version"`
	Address string    `json:"address"`
	PubKey  string    `json:"pub_key"`
	EncKey  string    `json:"enc_key"` // x25519 key results are sealed to
	KDF     kdfParams `json:"kdf"`
	Nonce   string    `json:"nonce"`
	Sealed  string    `json:"sealed"`
}

func (p kdfParams) key(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, chacha20poly1305.KeySize)
}

// SaveKey writes priv to path, encrypted under password, readable only by
// the owner.
func SaveKey(path, password string, priv crypto.PrivateKey) error {
	if password == "" {
		return errors.New("keystore: empty password")
	}
	_, encPub, err := crypto.DeriveX25519(priv)
	if err != nil {
		return err
	}
	salt := make([]byte, 16)
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	if _, err := rand.Read(nonce); err != nil {
		return err
	}

	kdf := defaultKDF
	kdf.Salt = hex.EncodeToString(salt)
	aead, err := chacha20poly1305.NewX(kdf.key(password, salt))
	if err != nil {
		return err
	}
	pub := priv.Public()
	ks := keystore{
		Version: keystoreVersion,
		Address: pub.Address(),
		PubKey:  pub.Hex(),
		EncKey:  hex.EncodeToString(encPub[:]),
		KDF:     kdf,
		Nonce:   hex.EncodeToString(nonce),
		// The public key is authenticated data so a swapped header fails to open.
		Sealed: hex.EncodeToString(aead.Seal(nil, nonce, priv, []byte(pub.Hex()))),
	}
	data, err := json.MarshalIndent(&ks, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// LoadKey decrypts the keystore at path.
func LoadKey(path, password string) (crypto.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ks keystore
	if err := json.Unmarshal(data, &ks); err != nil {
		return nil, fmt.Errorf("keystore %s: %w", path, err)
	}
	if ks.Version != keystoreVersion {
		return nil, fmt.Errorf("keystore %s: version %d not supported", path, ks.Version)
	}
	if ks.KDF.Time == 0 || ks.KDF.Memory == 0 || ks.KDF.Threads == 0 {
		return nil, fmt.Errorf("keystore %s: bad kdf parameters", path)
	}

	var salt, nonce, sealed []byte
	for _, f := range []struct {
		dst *[]byte
		src string
	}{{&salt, ks.KDF.Salt}, {&nonce, ks.Nonce}, {&sealed, ks.Sealed}} {
		if *f.dst, err = hex.DecodeString(f.src); err != nil {
			return nil, fmt.Errorf("keystore %s: %w", path, err)
		}
	}
	if len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("keystore %s: nonce is %d bytes", path, len(nonce))
	}

	aead, err := chacha20poly1305.NewX(ks.KDF.key(password, salt))
	if err != nil {
		return nil, err
	}
	raw, err := aead.Open(nil, nonce, sealed, []byte(ks.PubKey))
	if err != nil {
		return nil, ErrWrongPassword
	}
	priv := crypto.PrivateKey(raw)
	if priv.Public().Hex() != ks.PubKey {
		return nil, fmt.Errorf("keystore %s: key does not match %s", path, ks.PubKey)
	}
	return priv, nil
}
