// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package certificates

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/utils/v4"
	"gopkg.in/yaml.v3"

	"github.com/juju/ingress-reconciler/internal/pki"
)

const (
	requestsDir = "requests"

	// IssuedDir is the directory of a FileAuthority holding issued
	// certificates.
	IssuedDir = "issued"
)

// FileAuthority exchanges CSRs and certificates with the certificate
// authority relation through a directory. CSRs are written to
// requests/<fingerprint>.csr; the transport writes issued certificates as
// YAML documents into issued/.
type FileAuthority struct {
	dir string
}

// NewFileAuthority returns a FileAuthority rooted at dir.
func NewFileAuthority(dir string) *FileAuthority {
	return &FileAuthority{dir: dir}
}

func (a *FileAuthority) requestPath(fingerprint string) string {
	return filepath.Join(a.dir, requestsDir, fingerprint+".csr")
}

// Submit implements Authority.
func (a *FileAuthority) Submit(ctx context.Context, csr []byte) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	if _, err := pki.ParseCSR(csr); err != nil {
		return errors.Trace(err)
	}
	if err := os.MkdirAll(filepath.Join(a.dir, requestsDir), 0755); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(utils.AtomicWriteFile(a.requestPath(pki.Fingerprint(csr)), csr, 0644))
}

// Withdraw implements Withdrawer.
func (a *FileAuthority) Withdraw(ctx context.Context, csr []byte) error {
	return a.WithdrawFingerprint(ctx, pki.Fingerprint(csr))
}

// WithdrawFingerprint implements Outstanding.
func (a *FileAuthority) WithdrawFingerprint(ctx context.Context, fingerprint string) error {
	err := os.Remove(a.requestPath(fingerprint))
	if err != nil && !os.IsNotExist(err) {
		return errors.Trace(err)
	}
	return nil
}

// Requests implements Outstanding.
func (a *FileAuthority) Requests() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(a.dir, requestsDir))
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	var result []string
	for _, entry := range entries {
		if name := entry.Name(); strings.HasSuffix(name, ".csr") {
			result = append(result, strings.TrimSuffix(name, ".csr"))
		}
	}
	sort.Strings(result)
	return result, nil
}

// Issued implements Authority. Documents that cannot be parsed are skipped.
func (a *FileAuthority) Issued(ctx context.Context) ([]Issued, error) {
	dir := filepath.Join(a.dir, IssuedDir)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Annotatef(err, "reading issued certificates")
	}
	var result []Issued
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, errors.Trace(err)
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, errors.Trace(err)
		}
		var doc struct {
			CSR         string `yaml:"csr"`
			Certificate string `yaml:"certificate"`
			CA          string `yaml:"ca"`
			Chain       string `yaml:"chain"`
		}
		if err := yaml.Unmarshal(raw, &doc); err != nil || doc.CSR == "" || doc.Certificate == "" {
			logger.Warningf("skipping issued certificate document %q", entry.Name())
			continue
		}
		result = append(result, Issued{
			CSR:         []byte(doc.CSR),
			Certificate: []byte(doc.Certificate),
			CA:          []byte(doc.CA),
			Chain:       []byte(doc.Chain),
		})
	}
	return result, nil
}

// LocalAuthority is an in-process certificate authority signing every CSR
// on submission.
type LocalAuthority struct {
	authority *pki.Authority
	caPem     []byte

	mu     sync.Mutex
	issued []Issued
}

// NewLocalAuthority creates a self-signed CA with the given common name.
func NewLocalAuthority(commonName string, profile pki.KeyProfile) (*LocalAuthority, error) {
	if profile == nil {
		profile = pki.DefaultKeyProfile
	}
	signer, err := profile()
	if err != nil {
		return nil, errors.Trace(err)
	}
	ca, err := pki.NewCA(commonName, signer)
	if err != nil {
		return nil, errors.Trace(err)
	}
	authority, err := pki.NewAuthority(ca, signer)
	if err != nil {
		return nil, errors.Trace(err)
	}
	caPem, err := pki.CertificateToPem(ca)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &LocalAuthority{authority: authority, caPem: caPem}, nil
}

// CACertificate returns the PEM encoded CA certificate.
func (a *LocalAuthority) CACertificate() []byte {
	return a.caPem
}

// Submit implements Authority.
func (a *LocalAuthority) Submit(ctx context.Context, csrPem []byte) error {
	csr, err := pki.ParseCSR(csrPem)
	if err != nil {
		return errors.Trace(err)
	}
	cert, _, err := a.authority.SignCSR(csr)
	if err != nil {
		return errors.Trace(err)
	}
	certPem, err := pki.CertificateToPem(cert)
	if err != nil {
		return errors.Trace(err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.issued = append(a.issued, Issued{
		CSR:         csrPem,
		Certificate: certPem,
		CA:          a.caPem,
		Chain:       a.caPem,
	})
	return nil
}

// Withdraw implements Withdrawer.
func (a *LocalAuthority) Withdraw(ctx context.Context, csrPem []byte) error {
	fingerprint := pki.Fingerprint(csrPem)
	a.mu.Lock()
	defer a.mu.Unlock()
	kept := a.issued[:0]
	for _, issued := range a.issued {
		if pki.Fingerprint(issued.CSR) != fingerprint {
			kept = append(kept, issued)
		}
	}
	a.issued = kept
	return nil
}

// Issued implements Authority.
func (a *LocalAuthority) Issued(ctx context.Context) ([]Issued, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Issued(nil), a.issued...), nil
}
