// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package certificates

import (
	"bytes"
	"context"
	"os"
	"path/filepath"

	"github.com/juju/errors"
	"github.com/juju/utils/v4"
	"gopkg.in/yaml.v3"

	"github.com/juju/ingress-reconciler/internal/pki"
)

// Outstanding is implemented by authorities which hold on to submitted
// requests until they are withdrawn.
type Outstanding interface {
	// Requests returns the fingerprints of the outstanding requests.
	Requests() ([]string, error)

	// WithdrawFingerprint forgets the request with the given fingerprint.
	WithdrawFingerprint(ctx context.Context, fingerprint string) error
}

type ledgerDoc struct {
	Entries []ledgerRecord `yaml:"entries"`
}

type ledgerRecord struct {
	Name        string   `yaml:"name"`
	DNSNames    []string `yaml:"dns-names,omitempty"`
	IPAddresses []string `yaml:"ip-addresses,omitempty"`
	State       State    `yaml:"state"`
	Key         string   `yaml:"key"`
	CSR         string   `yaml:"csr"`
	Certificate string   `yaml:"certificate,omitempty"`
	CA          string   `yaml:"ca,omitempty"`
}

// load restores the ledger written by a previous process. Active entries
// whose material no longer matches their key fall back to pending.
func (m *Manager) load() error {
	raw, err := os.ReadFile(m.cfg.LedgerPath)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return errors.Trace(err)
	}
	var doc ledgerDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return errors.Annotatef(err, "parsing certificate ledger %q", m.cfg.LedgerPath)
	}
	for _, record := range doc.Entries {
		if record.Name == "" || record.Key == "" || record.CSR == "" {
			m.cfg.Logger.Warningf("skipping incomplete ledger entry %q", record.Name)
			continue
		}
		e := &entry{
			spec: Spec{
				Name:        record.Name,
				DNSNames:    record.DNSNames,
				IPAddresses: record.IPAddresses,
			},
			state:       record.State,
			keyPem:      []byte(record.Key),
			csr:         []byte(record.CSR),
			fingerprint: pki.Fingerprint([]byte(record.CSR)),
		}
		switch e.state {
		case Unrequested, Pending:
		case Active:
			if _, err := pki.NewLeafPem([]byte(record.Certificate), e.keyPem); err != nil {
				m.cfg.Logger.Warningf("stored certificate for %q unusable, waiting for issuance: %v", record.Name, err)
				e.state = Pending
				break
			}
			e.material = Material{
				Certificate: []byte(record.Certificate),
				Key:         e.keyPem,
				CA:          []byte(record.CA),
			}
		default:
			m.cfg.Logger.Warningf("skipping ledger entry %q in unknown state %q", record.Name, record.State)
			continue
		}
		m.ledger[record.Name] = e
	}
	m.saved = raw
	m.cfg.Logger.Infof("restored %d certificate ledger entries", len(m.ledger))
	return nil
}

// save writes the ledger when it changed since the last write.
func (m *Manager) save() error {
	if m.cfg.LedgerPath == "" {
		return nil
	}
	var doc ledgerDoc
	for _, name := range m.sortedNames() {
		e := m.ledger[name]
		doc.Entries = append(doc.Entries, ledgerRecord{
			Name:        name,
			DNSNames:    e.spec.DNSNames,
			IPAddresses: e.spec.IPAddresses,
			State:       e.state,
			Key:         string(e.keyPem),
			CSR:         string(e.csr),
			Certificate: string(e.material.Certificate),
			CA:          string(e.material.CA),
		})
	}
	raw, err := yaml.Marshal(doc)
	if err != nil {
		return errors.Trace(err)
	}
	if bytes.Equal(raw, m.saved) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(m.cfg.LedgerPath), 0700); err != nil {
		return errors.Trace(err)
	}
	// The ledger holds private keys.
	if err := utils.AtomicWriteFile(m.cfg.LedgerPath, raw, 0600); err != nil {
		return errors.Annotatef(err, "writing certificate ledger")
	}
	m.saved = raw
	return nil
}

// sweep withdraws requests left at the authority which no ledger entry
// accounts for.
func (m *Manager) sweep(ctx context.Context) {
	outstanding, ok := m.cfg.Authority.(Outstanding)
	if !ok {
		return
	}
	requests, err := outstanding.Requests()
	if err != nil {
		m.cfg.Logger.Warningf("listing outstanding certificate requests: %v", err)
		return
	}
	known := make(map[string]bool, len(m.ledger))
	for _, e := range m.ledger {
		known[e.fingerprint] = true
	}
	for _, fingerprint := range requests {
		if known[fingerprint] {
			continue
		}
		m.cfg.Logger.Infof("withdrawing orphaned certificate request %s", fingerprint)
		if err := outstanding.WithdrawFingerprint(ctx, fingerprint); err != nil {
			m.cfg.Logger.Warningf("withdrawing certificate request %s: %v", fingerprint, err)
		}
	}
}
