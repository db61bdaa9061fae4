package store

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// sealVersion prefixes every sealed value and is authenticated with it.
const sealVersion byte = 0x01

var errSealedValue = errors.New("malformed sealed value")

// Key seals backend passwords at rest.
type Key struct {
	b [chacha20poly1305.KeySize]byte
}

// ParseKey decodes a 32 byte key given as hex or base64.
func ParseKey(s string) (*Key, error) {
	var raw []byte
	if b, err := hex.DecodeString(s); err == nil {
		raw = b
	} else if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		raw = b
	} else {
		return nil, errors.New("sealing key is neither hex nor base64")
	}
	if len(raw) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("sealing key must be %d bytes, got %d", chacha20poly1305.KeySize, len(raw))
	}
	k := &Key{}
	copy(k.b[:], raw)
	return k, nil
}

// GenerateKey returns a random key in hex, suitable for ParseKey.
func GenerateKey() (string, error) {
	b := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Seal encrypts plaintext with XChaCha20-Poly1305 and returns
// base64(version || nonce || ciphertext).
func (k *Key) Seal(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(k.b[:])
	if err != nil {
		return "", err
	}
	out := make([]byte, 1+chacha20poly1305.NonceSizeX, 1+chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	out[0] = sealVersion
	nonce := out[1:]
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out = aead.Seal(out, nonce, []byte(plaintext), out[:1])
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func (k *Key) Open(sealed string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errSealedValue, err)
	}
	if len(data) < 1+chacha20poly1305.NonceSizeX || data[0] != sealVersion {
		return "", errSealedValue
	}
	aead, err := chacha20poly1305.NewX(k.b[:])
	if err != nil {
		return "", err
	}
	nonce := data[1 : 1+chacha20poly1305.NonceSizeX]
	plain, err := aead.Open(nil, nonce, data[1+chacha20poly1305.NonceSizeX:], data[:1])
	if err != nil {
		return "", fmt.Errorf("%w: %w", errSealedValue, err)
	}
	return string(plain), nil
}
