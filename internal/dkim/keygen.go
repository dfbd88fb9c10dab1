package dkim

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"sort"
	"time"

	"github.com/busybox42/mailcore/internal/domain"
)

// KeyPair is a freshly generated signing key in storable form
type KeyPair struct {
	Algorithm     string
	KeySize       int
	PrivateKeyPEM []byte
	PublicKey     string // base64 SubjectPublicKeyInfo, or raw key for ed25519
}

// GenerateKey creates a key for algorithm. bits applies to RSA only and
// defaults to 2048.
func GenerateKey(algorithm string, bits int) (*KeyPair, error) {
	switch algorithm {
	case "", domain.AlgorithmRSASHA256:
		if bits == 0 {
			bits = 2048
		}
		if bits < 1024 {
			return nil, fmt.Errorf("dkim: RSA keys shorter than 1024 bits are not accepted")
		}
		key, err := rsa.GenerateKey(rand.Reader, bits)
		if err != nil {
			return nil, fmt.Errorf("dkim: generate RSA key: %w", err)
		}
		pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
		if err != nil {
			return nil, err
		}
		return &KeyPair{
			Algorithm:     domain.AlgorithmRSASHA256,
			KeySize:       bits,
			PrivateKeyPEM: pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}),
			PublicKey:     base64.StdEncoding.EncodeToString(pub),
		}, nil

	case domain.AlgorithmEd25519SHA256:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("dkim: generate ed25519 key: %w", err)
		}
		der, err := x509.MarshalPKCS8PrivateKey(priv)
		if err != nil {
			return nil, err
		}
		return &KeyPair{
			Algorithm:     domain.AlgorithmEd25519SHA256,
			KeySize:       256,
			PrivateKeyPEM: pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}),
			PublicKey:     base64.StdEncoding.EncodeToString(pub),
		}, nil

	default:
		return nil, fmt.Errorf("dkim: unsupported algorithm %q", algorithm)
	}
}

// DNSRecord returns the TXT value to publish at <selector>._domainkey.<domain>
func DNSRecord(algorithm, publicKey string) string {
	k := "rsa"
	if algorithm == domain.AlgorithmEd25519SHA256 {
		k = "ed25519"
	}
	return "v=DKIM1; k=" + k + "; p=" + publicKey
}

// RecordName returns the owner name of a key's TXT record
func RecordName(selector, domainName string) string {
	return selector + "._domainkey." + domainName
}

// RotationCandidates returns active keys older than maxAge or expiring
// within a week, oldest first
func RotationCandidates(keys []*domain.DKIMKey, maxAge time.Duration, now time.Time) []*domain.DKIMKey {
	var out []*domain.DKIMKey
	for _, k := range keys {
		if !k.IsActive {
			continue
		}
		old := maxAge > 0 && now.Sub(k.CreatedAt) > maxAge
		expiring := k.ExpiresAt != nil && k.ExpiresAt.Sub(now) < 7*24*time.Hour
		if old || expiring {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
