// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package certificates_test

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/loggo"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"
	"gopkg.in/yaml.v3"

	"github.com/juju/ingress-reconciler/internal/certificates"
	"github.com/juju/ingress-reconciler/internal/pki"
)

type fileAuthoritySuite struct {
	testing.IsolationSuite
	dir string
}

var _ = gc.Suite(&fileAuthoritySuite{})

func (s *fileAuthoritySuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.dir = c.MkDir()
}

func newCSR(c *gc.C, dnsNames ...string) []byte {
	key, err := pki.ECDSAP256()
	c.Assert(err, jc.ErrorIsNil)
	csr, err := pki.NewCSR(pki.CSRRequest{CommonName: "test", DNSNames: dnsNames}, key)
	c.Assert(err, jc.ErrorIsNil)
	return csr
}

func (s *fileAuthoritySuite) TestSubmitAndWithdraw(c *gc.C) {
	authority := certificates.NewFileAuthority(s.dir)
	csr := newCSR(c, "a.demo.local")

	err := authority.Submit(context.Background(), csr)
	c.Assert(err, jc.ErrorIsNil)
	requests, err := authority.Requests()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(requests, jc.DeepEquals, []string{pki.Fingerprint(csr)})

	content, err := os.ReadFile(filepath.Join(s.dir, "requests", pki.Fingerprint(csr)+".csr"))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(content, jc.DeepEquals, csr)

	err = authority.Withdraw(context.Background(), csr)
	c.Assert(err, jc.ErrorIsNil)
	requests, err = authority.Requests()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(requests, gc.HasLen, 0)

	// Withdrawing twice is fine.
	err = authority.Withdraw(context.Background(), csr)
	c.Assert(err, jc.ErrorIsNil)
}

func (s *fileAuthoritySuite) TestSubmitRejectsGarbage(c *gc.C) {
	err := certificates.NewFileAuthority(s.dir).Submit(context.Background(), []byte("nope"))
	c.Assert(err, gc.ErrorMatches, "certificate request pem not valid")
}

func (s *fileAuthoritySuite) TestIssuedNothingYet(c *gc.C) {
	issued, err := certificates.NewFileAuthority(s.dir).Issued(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(issued, gc.HasLen, 0)
}

// issue signs every outstanding request the way the transport would, and
// writes the result into issued/.
func (s *fileAuthoritySuite) issue(c *gc.C, local *certificates.LocalAuthority) {
	authority := certificates.NewFileAuthority(s.dir)
	requests, err := authority.Requests()
	c.Assert(err, jc.ErrorIsNil)
	err = os.MkdirAll(filepath.Join(s.dir, "issued"), 0755)
	c.Assert(err, jc.ErrorIsNil)
	for _, fingerprint := range requests {
		csr, err := os.ReadFile(filepath.Join(s.dir, "requests", fingerprint+".csr"))
		c.Assert(err, jc.ErrorIsNil)
		err = local.Submit(context.Background(), csr)
		c.Assert(err, jc.ErrorIsNil)
	}
	issued, err := local.Issued(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	for _, cert := range issued {
		doc, err := yaml.Marshal(map[string]string{
			"csr":         string(cert.CSR),
			"certificate": string(cert.Certificate),
			"ca":          string(cert.CA),
			"chain":       string(cert.Chain),
		})
		c.Assert(err, jc.ErrorIsNil)
		path := filepath.Join(s.dir, "issued", pki.Fingerprint(cert.CSR)+".yaml")
		err = os.WriteFile(path, doc, 0644)
		c.Assert(err, jc.ErrorIsNil)
	}
}

func (s *fileAuthoritySuite) TestManagerThroughFiles(c *gc.C) {
	local, err := certificates.NewLocalAuthority("relation-ca", pki.ECDSAP256)
	c.Assert(err, jc.ErrorIsNil)
	manager, err := certificates.NewManager(certificates.ManagerConfig{
		Authority:  certificates.NewFileAuthority(s.dir),
		Clock:      testclock.NewClock(time.Now()),
		Logger:     loggo.GetLogger("test"),
		KeyProfile: pki.ECDSAP256,
	})
	c.Assert(err, jc.ErrorIsNil)

	specs := []certificates.Spec{{Name: "cos-grafana", DNSNames: []string{"cos-grafana.demo.local"}}}
	result := manager.Reconcile(context.Background(), specs)
	c.Check(result.Submitted, jc.DeepEquals, []string{"cos-grafana"})
	c.Check(result.Pending, jc.DeepEquals, []string{"cos-grafana"})

	// Garbage in the issued directory is skipped.
	err = os.MkdirAll(filepath.Join(s.dir, "issued"), 0755)
	c.Assert(err, jc.ErrorIsNil)
	err = os.WriteFile(filepath.Join(s.dir, "issued", "junk.yaml"), []byte("csr: ["), 0644)
	c.Assert(err, jc.ErrorIsNil)

	s.issue(c, local)
	result = manager.Reconcile(context.Background(), specs)
	c.Check(result.Errors, gc.HasLen, 0)
	c.Check(result.Pending, gc.HasLen, 0)
	c.Check(result.Active, gc.HasLen, 1)
	c.Check(result.Active["cos-grafana"].CA, jc.DeepEquals, local.CACertificate())

	result = manager.Reconcile(context.Background(), nil)
	c.Check(result.Dropped, jc.DeepEquals, []string{"cos-grafana"})
	requests, err := certificates.NewFileAuthority(s.dir).Requests()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(requests, gc.HasLen, 0)
}

func (s *fileAuthoritySuite) newManager(c *gc.C, ledgerPath string) *certificates.Manager {
	manager, err := certificates.NewManager(certificates.ManagerConfig{
		Authority:  certificates.NewFileAuthority(s.dir),
		Clock:      testclock.NewClock(time.Now()),
		Logger:     loggo.GetLogger("test"),
		KeyProfile: pki.ECDSAP256,
		LedgerPath: ledgerPath,
	})
	c.Assert(err, jc.ErrorIsNil)
	return manager
}

func (s *fileAuthoritySuite) TestLedgerSurvivesRestart(c *gc.C) {
	local, err := certificates.NewLocalAuthority("relation-ca", pki.ECDSAP256)
	c.Assert(err, jc.ErrorIsNil)
	ledgerPath := filepath.Join(c.MkDir(), "state", "ledger.yaml")
	specs := []certificates.Spec{{Name: "cos-grafana", DNSNames: []string{"cos-grafana.demo.local"}}}

	result := s.newManager(c, ledgerPath).Reconcile(context.Background(), specs)
	c.Check(result.Submitted, jc.DeepEquals, []string{"cos-grafana"})
	info, err := os.Stat(ledgerPath)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(info.Mode().Perm(), gc.Equals, os.FileMode(0600))

	// A new process picks up the pending request instead of issuing
	// another one.
	restarted := s.newManager(c, ledgerPath)
	c.Assert(restarted.Ledger(), gc.HasLen, 1)
	c.Check(restarted.Ledger()[0].State, gc.Equals, certificates.Pending)
	result = restarted.Reconcile(context.Background(), specs)
	c.Check(result.Submitted, gc.HasLen, 0)
	c.Check(result.Pending, jc.DeepEquals, []string{"cos-grafana"})
	requests, err := certificates.NewFileAuthority(s.dir).Requests()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(requests, jc.DeepEquals, []string{restarted.Ledger()[0].Fingerprint})

	s.issue(c, local)
	result = restarted.Reconcile(context.Background(), specs)
	c.Check(result.Errors, gc.HasLen, 0)
	c.Check(result.Active, gc.HasLen, 1)
	c.Check(result.Active["cos-grafana"].CA, jc.DeepEquals, local.CACertificate())
}

func (s *fileAuthoritySuite) TestOrphanedRequestsWithdrawn(c *gc.C) {
	authority := certificates.NewFileAuthority(s.dir)
	orphan := newCSR(c, "gone.demo.local")
	err := authority.Submit(context.Background(), orphan)
	c.Assert(err, jc.ErrorIsNil)

	manager := s.newManager(c, filepath.Join(c.MkDir(), "ledger.yaml"))
	result := manager.Reconcile(context.Background(), []certificates.Spec{
		{Name: "cos-grafana", DNSNames: []string{"cos-grafana.demo.local"}},
	})
	c.Check(result.Submitted, jc.DeepEquals, []string{"cos-grafana"})

	requests, err := authority.Requests()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(requests, jc.DeepEquals, []string{manager.Ledger()[0].Fingerprint})
}

func (s *fileAuthoritySuite) TestCorruptLedgerStartsEmpty(c *gc.C) {
	ledgerPath := filepath.Join(c.MkDir(), "ledger.yaml")
	err := os.WriteFile(ledgerPath, []byte("entries: ["), 0600)
	c.Assert(err, jc.ErrorIsNil)

	manager := s.newManager(c, ledgerPath)
	c.Check(manager.Ledger(), gc.HasLen, 0)
}
