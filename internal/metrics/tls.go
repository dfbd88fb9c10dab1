package metrics

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"time"
)

// ObserveCertificate sets the expiry and validity gauges for the leaf of
// cert. The domain label is the first DNS name, or the subject CN.
func (m *Metrics) ObserveCertificate(cert *tls.Certificate, now time.Time) (*x509.Certificate, error) {
	leaf := cert.Leaf
	if leaf == nil {
		if len(cert.Certificate) == 0 {
			return nil, errors.New("metrics: certificate chain is empty")
		}
		var err error
		if leaf, err = x509.ParseCertificate(cert.Certificate[0]); err != nil {
			return nil, err
		}
	}

	domain := leaf.Subject.CommonName
	if len(leaf.DNSNames) > 0 {
		domain = leaf.DNSNames[0]
	}
	issuer := leaf.Issuer.CommonName

	m.TLSCertificateExpiry.WithLabelValues(domain, issuer).Set(leaf.NotAfter.Sub(now).Seconds())
	valid := 0.0
	if now.After(leaf.NotBefore) && now.Before(leaf.NotAfter) {
		valid = 1
	}
	m.TLSCertificateValid.WithLabelValues(domain, issuer).Set(valid)
	return leaf, nil
}
