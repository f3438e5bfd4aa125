package tabular

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/braidhq/braid/internal/storage"
)

// Credential is the plaintext connection secret for a binding. It is
// serialized to JSON before sealing so new fields can be added without a
// re-encryption migration.
type Credential struct {
	DSN string `json:"dsn"`
}

// Sealer encrypts binding credentials with the process master key. Sealed
// blobs are what lands in the database; the plaintext DSN only exists in
// memory while a connection is being opened.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer builds a Sealer from a 32-byte master key.
func NewSealer(masterKey []byte) (*Sealer, error) {
	if len(masterKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("tabular: master key must be %d bytes, got %d", chacha20poly1305.KeySize, len(masterKey))
	}
	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return nil, fmt.Errorf("tabular: init cipher: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts cred under a fresh random nonce.
func (s *Sealer) Seal(cred Credential) (storage.SealedCredential, error) {
	plain, err := json.Marshal(cred)
	if err != nil {
		return storage.SealedCredential{}, fmt.Errorf("tabular: encode credential: %w", err)
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return storage.SealedCredential{}, fmt.Errorf("tabular: generate nonce: %w", err)
	}
	return storage.SealedCredential{
		Ciphertext: s.aead.Seal(nil, nonce, plain, nil),
		Nonce:      nonce,
	}, nil
}

// Open decrypts a sealed credential. It fails if the blob was sealed under a
// different key or has been tampered with.
func (s *Sealer) Open(sealed storage.SealedCredential) (Credential, error) {
	if len(sealed.Nonce) != s.aead.NonceSize() {
		return Credential{}, fmt.Errorf("tabular: bad nonce length %d", len(sealed.Nonce))
	}
	plain, err := s.aead.Open(nil, sealed.Nonce, sealed.Ciphertext, nil)
	if err != nil {
		return Credential{}, fmt.Errorf("tabular: open credential: %w", err)
	}
	var cred Credential
	if err := json.Unmarshal(plain, &cred); err != nil {
		return Credential{}, fmt.Errorf("tabular: decode credential: %w", err)
	}
	return cred, nil
}
