package metrics

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selfSigned(t *testing.T, notBefore, notAfter time.Time) *tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "Test CA"},
		DNSNames:     []string{"mx.example.com"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return &tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func TestObserveCertificate(t *testing.T) {
	m := NewRegistry()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	leaf, err := m.ObserveCertificate(selfSigned(t, now.Add(-time.Hour), now.Add(48*time.Hour)), now)
	require.NoError(t, err)
	assert.Equal(t, "mx.example.com", leaf.DNSNames[0])
	assert.InDelta(t, (48 * time.Hour).Seconds(), testutil.ToFloat64(m.TLSCertificateExpiry.WithLabelValues("mx.example.com", "Test CA")), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TLSCertificateValid.WithLabelValues("mx.example.com", "Test CA")))

	_, err = m.ObserveCertificate(selfSigned(t, now.Add(-48*time.Hour), now.Add(-time.Hour)), now)
	require.NoError(t, err)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.TLSCertificateValid.WithLabelValues("mx.example.com", "Test CA")))

	_, err = m.ObserveCertificate(&tls.Certificate{}, now)
	assert.Error(t, err)
}
