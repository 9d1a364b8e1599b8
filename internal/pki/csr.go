// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"net"
	"sort"

	"github.com/juju/errors"
)

// CSRRequest describes a certificate signing request.
type CSRRequest struct {
	CommonName  string
	DNSNames    []string
	IPAddresses []net.IP
}

// NewCSR creates a PEM encoded certificate signing request signed by
// signer.
func NewCSR(req CSRRequest, signer crypto.Signer) ([]byte, error) {
	dnsNames := append([]string(nil), req.DNSNames...)
	sort.Strings(dnsNames)
	template := &x509.CertificateRequest{
		Subject:     pkix.Name{CommonName: req.CommonName},
		DNSNames:    dnsNames,
		IPAddresses: req.IPAddresses,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, signer)
	if err != nil {
		return nil, errors.Annotate(err, "creating certificate request")
	}
	return pem.EncodeToMemory(&pem.Block{Type: PEMTypeCSR, Bytes: der}), nil
}

// ParseCSR decodes a PEM encoded certificate signing request and checks
// its signature.
func ParseCSR(data []byte) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != PEMTypeCSR {
		return nil, errors.NotValidf("certificate request pem")
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, errors.Annotate(err, "parsing certificate request")
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, errors.Annotate(err, "checking certificate request signature")
	}
	return csr, nil
}

// Fingerprint returns the hex encoded sha256 of the DER content of the
// first PEM block in data, or of data itself when it is not PEM.
func Fingerprint(data []byte) string {
	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
