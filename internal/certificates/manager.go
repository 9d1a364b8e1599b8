// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package certificates

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"

	"github.com/juju/ingress-reconciler/internal/pki"
)

const (
	// DefaultMinBackoff is the delay before the first resubmission of a
	// CSR the authority failed to accept.
	DefaultMinBackoff = time.Second

	// DefaultMaxBackoff caps the resubmission delay.
	DefaultMaxBackoff = 10 * time.Minute
)

// Logger represents the logging methods called.
type Logger interface {
	Debugf(message string, args ...interface{})
	Infof(message string, args ...interface{})
	Warningf(message string, args ...interface{})
}

// ManagerConfig holds the dependencies of a Manager.
type ManagerConfig struct {
	Authority  Authority
	Clock      clock.Clock
	Logger     Logger
	KeyProfile pki.KeyProfile

	// LedgerPath is where the ledger is kept across restarts. The
	// ledger lives in memory only when it is empty.
	LedgerPath string

	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Validate ensures that the config values are valid.
func (c ManagerConfig) Validate() error {
	if c.Authority == nil {
		return errors.NotValidf("nil Authority")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if c.MinBackoff < 0 || c.MaxBackoff < 0 || c.MinBackoff > c.MaxBackoff {
		return errors.NotValidf("backoff %v to %v", c.MinBackoff, c.MaxBackoff)
	}
	return nil
}

type entry struct {
	spec        Spec
	state       State
	keyPem      []byte
	csr         []byte
	fingerprint string

	failures int
	retryAt  time.Time

	material Material
}

// Manager owns the certificate ledger. It is the only state carried from
// one reconciliation to the next.
type Manager struct {
	cfg     ManagerConfig
	backoff func(time.Duration, int) time.Duration

	mu     sync.Mutex
	ledger map[string]*entry
	saved  []byte
	swept  bool
}

// NewManager returns a Manager with the ledger stored at LedgerPath, or an
// empty one.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.KeyProfile == nil {
		cfg.KeyProfile = pki.DefaultKeyProfile
	}
	if cfg.MinBackoff == 0 && cfg.MaxBackoff == 0 {
		cfg.MinBackoff, cfg.MaxBackoff = DefaultMinBackoff, DefaultMaxBackoff
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	m := &Manager{
		cfg:     cfg,
		backoff: retry.ExpBackoff(cfg.MinBackoff, cfg.MaxBackoff, 2, true),
		ledger:  make(map[string]*entry),
	}
	if cfg.LedgerPath != "" {
		if err := m.load(); err != nil {
			cfg.Logger.Warningf("starting with an empty certificate ledger: %v", err)
			m.ledger = make(map[string]*entry)
		}
	}
	return m, nil
}

// Reconcile drives every identity in specs towards an active certificate
// and drops the identities no longer named. Failures never abort the call;
// they are reported per identity in the result.
func (m *Manager) Reconcile(ctx context.Context, specs []Spec) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := Result{
		Active: make(map[string]Material),
		Errors: make(map[string]error),
	}
	desired := make(map[string]Spec, len(specs))
	for _, spec := range specs {
		desired[spec.Name] = spec
	}
	if !m.swept {
		m.sweep(ctx)
		m.swept = true
	}

	for _, name := range m.sortedNames() {
		if _, ok := desired[name]; ok {
			continue
		}
		m.drop(ctx, name)
		result.Dropped = append(result.Dropped, name)
	}

	names := make([]string, 0, len(desired))
	for name := range desired {
		names = append(names, name)
	}
	sort.Strings(names)

	now := m.cfg.Clock.Now()
	for _, name := range names {
		spec := desired[name]
		e, ok := m.ledger[name]
		if ok && e.spec.sans() != spec.sans() {
			m.cfg.Logger.Infof("SANs of %q changed, requesting a new certificate", name)
			m.drop(ctx, name)
			ok = false
		}
		if !ok {
			var err error
			if e, err = m.newEntry(spec); err != nil {
				result.Errors[name] = errors.Annotatef(err, "preparing certificate request for %q", name)
				continue
			}
			m.ledger[name] = e
		}
		if e.state != Unrequested || now.Before(e.retryAt) {
			continue
		}
		if err := m.cfg.Authority.Submit(ctx, e.csr); err != nil {
			e.failures++
			delay := m.backoff(0, e.failures)
			e.retryAt = now.Add(delay)
			m.cfg.Logger.Warningf("submitting certificate request for %q failed (attempt %d, retry in %v): %v",
				name, e.failures, delay, err)
			result.Errors[name] = errors.Annotatef(err, "submitting certificate request for %q", name)
			continue
		}
		e.state = Pending
		e.failures = 0
		e.retryAt = time.Time{}
		result.Submitted = append(result.Submitted, name)
	}

	m.collect(ctx, names, result.Errors)

	for _, name := range names {
		e, ok := m.ledger[name]
		if !ok {
			continue
		}
		switch e.state {
		case Active:
			result.Active[name] = e.material
		default:
			result.Pending = append(result.Pending, name)
		}
	}
	if err := m.save(); err != nil {
		m.cfg.Logger.Warningf("%v", err)
	}
	return result
}

func (m *Manager) sortedNames() []string {
	names := make([]string, 0, len(m.ledger))
	for name := range m.ledger {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) newEntry(spec Spec) (*entry, error) {
	key, err := m.cfg.KeyProfile()
	if err != nil {
		return nil, errors.Annotate(err, "generating key")
	}
	keyPem, err := pki.SignerToPem(key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	req := pki.CSRRequest{
		CommonName: commonName(spec),
		DNSNames:   spec.DNSNames,
	}
	for _, addr := range spec.IPAddresses {
		ip := net.ParseIP(addr)
		if ip == nil {
			return nil, errors.NotValidf("IP address %q", addr)
		}
		req.IPAddresses = append(req.IPAddresses, ip)
	}
	csr, err := pki.NewCSR(req, key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &entry{
		spec:        spec,
		state:       Unrequested,
		keyPem:      keyPem,
		csr:         csr,
		fingerprint: pki.Fingerprint(csr),
	}, nil
}

// maxCommonNameLength is the upper bound on the subject common name.
const maxCommonNameLength = 64

// commonName picks the subject common name of the CSR. The SANs carry
// the names which matter, so a name too long for the subject is left out.
func commonName(spec Spec) string {
	for _, candidate := range append(append([]string(nil), spec.DNSNames...), spec.Name) {
		if candidate != "" && len(candidate) <= maxCommonNameLength {
			return candidate
		}
	}
	return ""
}

func (m *Manager) drop(ctx context.Context, name string) {
	e := m.ledger[name]
	delete(m.ledger, name)
	if e == nil || e.state == Unrequested {
		return
	}
	if w, ok := m.cfg.Authority.(Withdrawer); ok {
		if err := w.Withdraw(ctx, e.csr); err != nil {
			m.cfg.Logger.Warningf("withdrawing certificate request for %q: %v", name, err)
		}
	}
}

// collect matches issued certificates to pending entries.
func (m *Manager) collect(ctx context.Context, names []string, errs map[string]error) {
	byFingerprint := make(map[string]*entry)
	for _, name := range names {
		if e, ok := m.ledger[name]; ok && e.state == Pending {
			byFingerprint[e.fingerprint] = e
		}
	}
	if len(byFingerprint) == 0 {
		return
	}
	issued, err := m.cfg.Authority.Issued(ctx)
	if err != nil {
		m.cfg.Logger.Warningf("listing issued certificates: %v", err)
		return
	}
	for _, cert := range issued {
		e, ok := byFingerprint[pki.Fingerprint(cert.CSR)]
		if !ok {
			continue
		}
		material, err := m.verify(e, cert)
		if err != nil {
			errs[e.spec.Name] = errors.Annotatef(err, "issued certificate for %q", e.spec.Name)
			continue
		}
		m.cfg.Logger.Infof("certificate for %q is active", e.spec.Name)
		e.state = Active
		e.material = material
	}
}

func (m *Manager) verify(e *entry, issued Issued) (Material, error) {
	bundle := append(append([]byte(nil), issued.Certificate...), issued.Chain...)
	leaf, err := pki.NewLeafPem(bundle, e.keyPem)
	if err != nil {
		return Material{}, errors.Trace(err)
	}
	if !pki.LeafHasDNSNames(leaf, e.spec.DNSNames) {
		return Material{}, errors.NotValidf("certificate without DNS names %v", e.spec.DNSNames)
	}
	var ips []net.IP
	for _, addr := range e.spec.IPAddresses {
		ips = append(ips, net.ParseIP(addr))
	}
	if !pki.LeafHasIPAddresses(leaf, ips) {
		return Material{}, errors.NotValidf("certificate without IP addresses %v", e.spec.IPAddresses)
	}
	return Material{
		Certificate: bundle,
		Key:         e.keyPem,
		CA:          issued.CA,
	}, nil
}

// Ledger returns the current ledger ordered by identity name.
func (m *Manager) Ledger() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []Entry
	for _, name := range m.sortedNames() {
		e := m.ledger[name]
		result = append(result, Entry{
			Name:        name,
			State:       e.state,
			DNSNames:    e.spec.DNSNames,
			IPAddresses: e.spec.IPAddresses,
			Fingerprint: e.fingerprint,
			Failures:    e.failures,
		})
	}
	return result
}
