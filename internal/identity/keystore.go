package identity

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Argon2id parameters (OWASP recommendations)
const (
	keySize        = 32
	nonceSize      = 24 // XChaCha20 nonce size
	saltSize       = 16
	argonTime      = 3
	argonMemoryKiB = 64 * 1024
	argonThreads   = 2
)

// ErrDecrypt is returned for a wrong passphrase or a corrupted key blob
var ErrDecrypt = errors.New("identity key decryption failed")

// EncryptedKey is the passphrase-protected private key as persisted in
// the identity document. KDF parameters are stored alongside so they
// can be raised later without breaking existing documents.
type EncryptedKey struct {
	KDF       string `json:"kdf"`
	Salt      string `json:"salt"`
	Time      uint32 `json:"time"`
	MemoryKiB uint32 `json:"memory_kib"`
	Threads   uint8  `json:"threads"`
	Cipher    string `json:"cipher"`
	Data      string `json:"data"` // base64(nonce || ciphertext)
}

// sealPrivateKey encrypts the private key with a key derived from the
// passphrase. The node id is bound in as associated data so a blob
// cannot be transplanted into another node's identity document.
func sealPrivateKey(priv []byte, nodeID, passphrase string) (*EncryptedKey, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemoryKiB, argonThreads, keySize)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create AEAD: %w", err)
	}

	nonce := make([]byte, nonceSize, nonceSize+len(priv)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, priv, []byte(nodeID))

	return &EncryptedKey{
		KDF:       "argon2id",
		Salt:      base64.StdEncoding.EncodeToString(salt),
		Time:      argonTime,
		MemoryKiB: argonMemoryKiB,
		Threads:   argonThreads,
		Cipher:    "xchacha20poly1305",
		Data:      base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

// openPrivateKey decrypts the key blob using the stored KDF parameters
func openPrivateKey(enc *EncryptedKey, nodeID, passphrase string) ([]byte, error) {
	if enc.KDF != "argon2id" || enc.Cipher != "xchacha20poly1305" {
		return nil, fmt.Errorf("unsupported keystore format %s/%s", enc.KDF, enc.Cipher)
	}
	salt, err := base64.StdEncoding.DecodeString(enc.Salt)
	if err != nil {
		return nil, ErrDecrypt
	}
	sealed, err := base64.StdEncoding.DecodeString(enc.Data)
	if err != nil || len(sealed) < nonceSize {
		return nil, ErrDecrypt
	}

	key := argon2.IDKey([]byte(passphrase), salt, enc.Time, enc.MemoryKiB, enc.Threads, keySize)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create AEAD: %w", err)
	}

	plain, err := aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], []byte(nodeID))
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}
