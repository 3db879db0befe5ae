// Package vault encrypts account credentials at rest.
//
// Ciphertexts are self-describing: "enc:v1:" followed by the URL-safe
// base64 of nonce||sealed, sealed with XChaCha20-Poly1305.
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const Prefix = "enc:v1:"

var ErrMissingKey = errors.New("vault: VAULT_KEY is not set")

var hkdfInfo = []byte("whatsapp-inbox credential vault v1")

type Vault struct {
	key []byte
}

// New derives the AEAD key from secret. An empty secret is an error in
// production; elsewhere an ephemeral random key is used so development
// instances still start.
func New(secret string, production bool) (*Vault, error) {
	if secret == "" {
		if production {
			return nil, ErrMissingKey
		}
		log.Warn("[VAULT] VAULT_KEY not set, using an ephemeral key; stored credentials will not survive a restart")
		ephemeral := make([]byte, 32)
		if _, err := rand.Read(ephemeral); err != nil {
			return nil, fmt.Errorf("vault: generate ephemeral key: %w", err)
		}
		secret = string(ephemeral)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	return &Vault{key: key}, nil
}

// Encrypt seals plaintext with a fresh random nonce.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), []byte(Prefix))
	return Prefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. Values that are not vault
// ciphertexts, or that fail authentication, are returned unchanged.
func (v *Vault) Decrypt(value string) string {
	if !IsCiphertext(value) {
		if value != "" {
			log.Warn("[VAULT] value is not encrypted, returning it as stored")
		}
		return value
	}

	plaintext, err := v.open(value)
	if err != nil {
		log.WithError(err).Warn("[VAULT] decryption failed, returning value as stored")
		return value
	}
	return plaintext
}

func (v *Vault) open(value string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(value, Prefix))
	if err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", errors.New("ciphertext too short")
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, []byte(Prefix))
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func IsCiphertext(value string) bool {
	return strings.HasPrefix(value, Prefix)
}
