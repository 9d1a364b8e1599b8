// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package certificates tracks the TLS certificate of every exposed route
// through request, issuance and removal.
package certificates

import (
	"context"
	"sort"
	"strings"

	"github.com/juju/loggo"
)

// State is the issuance state of a certificate identity.
type State string

const (
	// Unrequested identities have a key and CSR which has not been
	// accepted by the authority yet.
	Unrequested State = "unrequested"

	// Pending identities have an outstanding CSR.
	Pending State = "pending"

	// Active identities have an issued certificate matching their current
	// SAN set.
	Active State = "active"
)

// Spec is the desired certificate of one identity.
type Spec struct {
	// Name is the identity, the identifier of the route served with the
	// certificate.
	Name string

	DNSNames    []string
	IPAddresses []string
}

// sans returns a canonical representation of the SAN set.
func (s Spec) sans() string {
	dns := append([]string(nil), s.DNSNames...)
	ips := append([]string(nil), s.IPAddresses...)
	sort.Strings(dns)
	sort.Strings(ips)
	return strings.Join(dns, ",") + "|" + strings.Join(ips, ",")
}

// Material is an issued certificate ready to be served.
type Material struct {
	// Certificate is the PEM encoded certificate followed by its chain.
	Certificate []byte
	// Key is the PEM encoded private key.
	Key []byte
	// CA is the PEM encoded certificate of the issuing authority.
	CA []byte
}

// Issued is a certificate issued by an Authority for a CSR.
type Issued struct {
	CSR         []byte
	Certificate []byte
	CA          []byte
	Chain       []byte
}

// Authority is the certificate authority collaborator.
type Authority interface {
	// Submit hands a PEM encoded CSR to the authority.
	Submit(ctx context.Context, csr []byte) error

	// Issued lists the certificates issued so far.
	Issued(ctx context.Context) ([]Issued, error)
}

// Withdrawer is implemented by authorities that can forget about a CSR
// whose identity is gone.
type Withdrawer interface {
	Withdraw(ctx context.Context, csr []byte) error
}

// Result is the outcome of one reconciliation of the ledger.
type Result struct {
	// Active holds the material of every identity whose certificate can be
	// served, keyed by identity name.
	Active map[string]Material

	// Pending lists identities waiting for issuance.
	Pending []string

	// Dropped lists identities removed from the ledger by this call.
	Dropped []string

	// Submitted lists identities whose CSR was handed to the authority by
	// this call.
	Submitted []string

	// Errors holds per identity failures. Failed identities are served
	// over http only.
	Errors map[string]error
}

// Entry is a read-only view of a ledger entry.
type Entry struct {
	Name        string
	State       State
	DNSNames    []string
	IPAddresses []string
	Fingerprint string
	Failures    int
}

var logger = loggo.GetLogger("ingress.certificates")
