package dkim

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrNoEncryptionKey = errors.New("dkim: encryption key not configured")
	ErrKeyDecode       = errors.New("dkim: unable to decode private key")
)

const keyInfo = "mailcore dkim private key"

// KeyDecoder turns stored private keys into signers. Keys may be stored as
// PEM, as raw base64 DER, or encrypted with AES-256-GCM under the
// configured secret.
type KeyDecoder struct {
	aead cipher.AEAD
}

// NewKeyDecoder derives the encryption key from secret. A secret that is
// valid base64 of exactly 32 bytes is used as is, anything else is
// stretched with HKDF-SHA256. An empty secret disables decryption.
func NewKeyDecoder(secret string) (*KeyDecoder, error) {
	if secret == "" {
		return &KeyDecoder{}, nil
	}

	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil || len(key) != 32 {
		key = make([]byte, 32)
		if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo)), key); err != nil {
			return nil, fmt.Errorf("dkim: derive encryption key: %w", err)
		}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("dkim: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("dkim: create gcm: %w", err)
	}
	return &KeyDecoder{aead: aead}, nil
}

// Encrypt seals a PEM private key for storage as base64(nonce||ciphertext)
func (d *KeyDecoder) Encrypt(pemKey []byte) (string, error) {
	if d.aead == nil {
		return "", ErrNoEncryptionKey
	}
	nonce := make([]byte, d.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("dkim: generate nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(d.aead.Seal(nonce, nonce, pemKey, nil)), nil
}

func (d *KeyDecoder) decrypt(raw []byte) ([]byte, error) {
	if d.aead == nil {
		return nil, ErrNoEncryptionKey
	}
	n := d.aead.NonceSize()
	if len(raw) < n+d.aead.Overhead() {
		return nil, errors.New("dkim: ciphertext too short")
	}
	return d.aead.Open(nil, raw[:n], raw[n:], nil)
}

// Decode parses a stored private key
func (d *KeyDecoder) Decode(stored string) (crypto.Signer, error) {
	stored = strings.TrimSpace(stored)
	if stored == "" {
		return nil, fmt.Errorf("%w: empty key", ErrKeyDecode)
	}

	if strings.HasPrefix(stored, "-----BEGIN") {
		return parsePEM([]byte(stored))
	}

	raw, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyDecode, err)
	}

	if d.aead != nil {
		if plain, err := d.decrypt(raw); err == nil {
			return parsePEM(plain)
		}
	}

	if signer, err := parseDER(raw); err == nil {
		return signer, nil
	}
	if d.aead == nil {
		return nil, fmt.Errorf("%w: not DER and no encryption key configured", ErrKeyDecode)
	}
	return nil, fmt.Errorf("%w: not DER and decryption failed", ErrKeyDecode)
}

func parsePEM(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrKeyDecode)
	}
	switch block.Type {
	case "RSA PRIVATE KEY", "PRIVATE KEY":
		return parseDER(block.Bytes)
	default:
		return nil, fmt.Errorf("%w: unsupported PEM type %q", ErrKeyDecode, block.Type)
	}
}

func parseDER(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyDecode, err)
	}
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case ed25519.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("%w: unsupported key type %T", ErrKeyDecode, key)
	}
}
