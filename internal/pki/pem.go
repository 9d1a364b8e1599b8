// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package pki

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"

	"github.com/juju/errors"
)

const (
	PEMTypeCertificate = "CERTIFICATE"
	PEMTypeCSR         = "CERTIFICATE REQUEST"
	PEMTypePKCS1       = "RSA PRIVATE KEY"
	PEMTypePKCS8       = "PRIVATE KEY"
	PEMTypeEC          = "EC PRIVATE KEY"
)

// CertificateToPem encodes the certificates in order as a PEM bundle.
func CertificateToPem(certs ...*x509.Certificate) ([]byte, error) {
	var buf bytes.Buffer
	for _, cert := range certs {
		if err := pem.Encode(&buf, &pem.Block{
			Type:  PEMTypeCertificate,
			Bytes: cert.Raw,
		}); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return buf.Bytes(), nil
}

// SignerToPem encodes the private key as PKCS8 PEM.
func SignerToPem(signer crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(signer)
	if err != nil {
		return nil, errors.Annotate(err, "marshalling private key")
	}
	return pem.EncodeToMemory(&pem.Block{Type: PEMTypePKCS8, Bytes: der}), nil
}

// UnmarshalPemData splits a PEM bundle into its certificates and private
// keys. Blocks of other types are ignored.
func UnmarshalPemData(data []byte) ([]*x509.Certificate, []crypto.Signer, error) {
	var (
		certs   []*x509.Certificate
		signers []crypto.Signer
	)
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		switch block.Type {
		case PEMTypeCertificate:
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, nil, errors.Annotate(err, "parsing pem certificate")
			}
			certs = append(certs, cert)
		case PEMTypePKCS1:
			key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, nil, errors.Annotate(err, "parsing pkcs1 private key")
			}
			signers = append(signers, key)
		case PEMTypeEC:
			key, err := x509.ParseECPrivateKey(block.Bytes)
			if err != nil {
				return nil, nil, errors.Annotate(err, "parsing ec private key")
			}
			signers = append(signers, key)
		case PEMTypePKCS8:
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, nil, errors.Annotate(err, "parsing pkcs8 private key")
			}
			switch k := key.(type) {
			case *rsa.PrivateKey:
				signers = append(signers, k)
			case *ecdsa.PrivateKey:
				signers = append(signers, k)
			default:
				return nil, nil, errors.NotSupportedf("private key type %T", key)
			}
		}
	}
	return certs, signers, nil
}
