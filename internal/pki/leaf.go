// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package pki

import (
	"crypto"
	"crypto/x509"
	"net"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
)

// Leaf is an issued certificate together with its chain and the private
// key it was requested with.
type Leaf struct {
	certificate *x509.Certificate
	chain       []*x509.Certificate
	signer      crypto.Signer
}

// NewLeaf checks that the certificate belongs to the signer and returns the
// resulting Leaf.
func NewLeaf(cert *x509.Certificate, chain []*x509.Certificate, signer crypto.Signer) (*Leaf, error) {
	if cert == nil {
		return nil, errors.NotValidf("nil certificate")
	}
	if !PublicKeysEqual(signer.Public(), cert.PublicKey) {
		return nil, errors.New("public keys of certificate and key do not match")
	}
	return &Leaf{certificate: cert, chain: chain, signer: signer}, nil
}

// NewLeafPem constructs a Leaf from a PEM bundle holding the certificate
// followed by its chain, and a PEM encoded key.
func NewLeafPem(certPem, keyPem []byte) (*Leaf, error) {
	certs, _, err := UnmarshalPemData(certPem)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(certs) == 0 {
		return nil, errors.New("found zero certificates in pem bundle")
	}
	_, signers, err := UnmarshalPemData(keyPem)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(signers) != 1 {
		return nil, errors.Errorf("expected exactly one private key, found %d", len(signers))
	}
	return NewLeaf(certs[0], certs[1:], signers[0])
}

// Certificate returns the x509 certificate of this leaf.
func (l *Leaf) Certificate() *x509.Certificate {
	return l.certificate
}

// Chain is the certificate signing chain for this leaf.
func (l *Leaf) Chain() []*x509.Certificate {
	return l.chain
}

// Signer is the private key of this leaf.
func (l *Leaf) Signer() crypto.Signer {
	return l.signer
}

// ToPemParts converts the leaf to the pem encoded certificate followed by
// its chain, and the pem encoded private key.
func (l *Leaf) ToPemParts() ([]byte, []byte, error) {
	certs := append([]*x509.Certificate{l.certificate}, l.chain...)
	cert, err := CertificateToPem(certs...)
	if err != nil {
		return nil, nil, errors.Annotate(err, "turning leaf certificate to pem")
	}
	key, err := SignerToPem(l.signer)
	if err != nil {
		return nil, nil, errors.Annotate(err, "turning leaf key to pem")
	}
	return cert, key, nil
}

// LeafHasDNSNames tests a given Leaf to see if it contains the supplied DNS
// names.
func LeafHasDNSNames(leaf *Leaf, dnsNames []string) bool {
	have := set.NewStrings(leaf.Certificate().DNSNames...)
	return set.NewStrings(dnsNames...).Difference(have).IsEmpty()
}

// LeafHasIPAddresses tests a given Leaf to see if it contains the supplied
// IP addresses.
func LeafHasIPAddresses(leaf *Leaf, ips []net.IP) bool {
	have := set.NewStrings()
	for _, ip := range leaf.Certificate().IPAddresses {
		have.Add(ip.String())
	}
	for _, ip := range ips {
		if !have.Contains(ip.String()) {
			return false
		}
	}
	return true
}
