// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
)

// KeyProfile is a convenient way of getting a crypto private key with a
// default set of attributes.
type KeyProfile func() (crypto.Signer, error)

// DefaultKeyProfile is the key profile used for certificate requests.
var DefaultKeyProfile KeyProfile = RSA2048

// ECDSAP256 returns a ECDSA 256 private key.
func ECDSAP256() (crypto.Signer, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// ECDSAP384 returns a ECDSA 384 private key.
func ECDSAP384() (crypto.Signer, error) {
	return ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
}

// RSA2048 returns a RSA 2048 private key.
func RSA2048() (crypto.Signer, error) {
	return rsa.GenerateKey(rand.Reader, 2048)
}

// RSA3072 returns a RSA 3072 private key.
func RSA3072() (crypto.Signer, error) {
	return rsa.GenerateKey(rand.Reader, 3072)
}

// PublicKeysEqual reports whether the two public keys are the same key.
func PublicKeysEqual(key1, key2 crypto.PublicKey) bool {
	k, ok := key1.(interface {
		Equal(crypto.PublicKey) bool
	})
	if !ok {
		return false
	}
	return k.Equal(key2)
}
