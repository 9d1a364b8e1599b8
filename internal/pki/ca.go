// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"

	"github.com/juju/errors"
)

const (
	// DefaultValidity is how long signed leaf certificates are valid for.
	DefaultValidity = 365 * 24 * time.Hour

	caValidity = 10 * 365 * 24 * time.Hour
)

// CertificateRequestSigner signs certificate requests.
type CertificateRequestSigner interface {
	SignCSR(*x509.CertificateRequest) (*x509.Certificate, []*x509.Certificate, error)
}

// NewCA creates a self-signed certificate authority certificate.
func NewCA(commonName string, signer crypto.Signer) (*x509.Certificate, error) {
	serial, err := newSerialNumber()
	if err != nil {
		return nil, errors.Trace(err)
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(caValidity),
		BasicConstraintsValid: true,
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature | x509.KeyUsageCRLSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, signer.Public(), signer)
	if err != nil {
		return nil, errors.Annotate(err, "creating ca certificate")
	}
	cert, err := x509.ParseCertificate(der)
	return cert, errors.Trace(err)
}

// Authority signs certificate requests with a CA certificate and key.
type Authority struct {
	cert     *x509.Certificate
	signer   crypto.Signer
	validity time.Duration
}

// NewAuthority returns an Authority for the CA certificate and its key.
func NewAuthority(cert *x509.Certificate, signer crypto.Signer) (*Authority, error) {
	if !cert.IsCA {
		return nil, errors.NotValidf("certificate %q is not a ca", cert.Subject.CommonName)
	}
	if !PublicKeysEqual(signer.Public(), cert.PublicKey) {
		return nil, errors.New("ca certificate and key do not match")
	}
	return &Authority{cert: cert, signer: signer, validity: DefaultValidity}, nil
}

// Certificate returns the CA certificate.
func (a *Authority) Certificate() *x509.Certificate {
	return a.cert
}

// SignCSR implements CertificateRequestSigner.
func (a *Authority) SignCSR(csr *x509.CertificateRequest) (*x509.Certificate, []*x509.Certificate, error) {
	serial, err := newSerialNumber()
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      csr.Subject,
		DNSNames:     csr.DNSNames,
		IPAddresses:  csr.IPAddresses,
		NotBefore:    now.Add(-5 * time.Minute),
		NotAfter:     now.Add(a.validity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, a.cert, csr.PublicKey, a.signer)
	if err != nil {
		return nil, nil, errors.Annotate(err, "signing certificate request")
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	return cert, []*x509.Certificate{a.cert}, nil
}

func newSerialNumber() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	return serial, errors.Annotate(err, "generating serial number")
}
