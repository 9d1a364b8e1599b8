// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package certificates_test

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/ingress-reconciler/internal/certificates"
	"github.com/juju/ingress-reconciler/internal/pki"
)

type fakeAuthority struct {
	testing.Stub
	local *certificates.LocalAuthority
}

func (f *fakeAuthority) Submit(ctx context.Context, csr []byte) error {
	f.MethodCall(f, "Submit", csr)
	if err := f.NextErr(); err != nil {
		return err
	}
	return f.local.Submit(ctx, csr)
}

func (f *fakeAuthority) Issued(ctx context.Context) ([]certificates.Issued, error) {
	f.MethodCall(f, "Issued")
	if err := f.NextErr(); err != nil {
		return nil, err
	}
	return f.local.Issued(ctx)
}

func (f *fakeAuthority) Withdraw(ctx context.Context, csr []byte) error {
	f.MethodCall(f, "Withdraw", csr)
	return f.local.Withdraw(ctx, csr)
}

func (f *fakeAuthority) submits() int {
	var n int
	for _, call := range f.Calls() {
		if call.FuncName == "Submit" {
			n++
		}
	}
	return n
}

type managerSuite struct {
	testing.IsolationSuite

	clock     *testclock.Clock
	authority *fakeAuthority
	manager   *certificates.Manager
}

var _ = gc.Suite(&managerSuite{})

func (s *managerSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	local, err := certificates.NewLocalAuthority("test-ca", pki.ECDSAP256)
	c.Assert(err, jc.ErrorIsNil)
	s.clock = testclock.NewClock(time.Now())
	s.authority = &fakeAuthority{local: local}
	s.manager, err = certificates.NewManager(certificates.ManagerConfig{
		Authority:  s.authority,
		Clock:      s.clock,
		Logger:     loggo.GetLogger("test"),
		KeyProfile: pki.ECDSAP256,
	})
	c.Assert(err, jc.ErrorIsNil)
}

func grafana(dnsNames ...string) certificates.Spec {
	return certificates.Spec{Name: "cos-grafana", DNSNames: dnsNames}
}

func (s *managerSuite) TestValidate(c *gc.C) {
	_, err := certificates.NewManager(certificates.ManagerConfig{
		Clock:  s.clock,
		Logger: loggo.GetLogger("test"),
	})
	c.Check(err, jc.Satisfies, errors.IsNotValid)

	_, err = certificates.NewManager(certificates.ManagerConfig{
		Authority:  s.authority,
		Clock:      s.clock,
		Logger:     loggo.GetLogger("test"),
		MinBackoff: time.Minute,
		MaxBackoff: time.Second,
	})
	c.Check(err, gc.ErrorMatches, "backoff 1m0s to 1s not valid")
}

func (s *managerSuite) TestIssuedBecomesActive(c *gc.C) {
	result := s.manager.Reconcile(context.Background(), []certificates.Spec{
		grafana("cos-grafana.demo.local"),
	})
	c.Check(result.Errors, gc.HasLen, 0)
	c.Check(result.Submitted, jc.DeepEquals, []string{"cos-grafana"})
	c.Check(result.Pending, gc.HasLen, 0)
	material, ok := result.Active["cos-grafana"]
	c.Assert(ok, jc.IsTrue)

	leaf, err := pki.NewLeafPem(material.Certificate, material.Key)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(leaf.Certificate().DNSNames, jc.DeepEquals, []string{"cos-grafana.demo.local"})
	c.Check(material.CA, jc.DeepEquals, s.authority.local.CACertificate())

	ledger := s.manager.Ledger()
	c.Assert(ledger, gc.HasLen, 1)
	c.Check(ledger[0].State, gc.Equals, certificates.Active)
}

func (s *managerSuite) TestIPAddressSANs(c *gc.C) {
	result := s.manager.Reconcile(context.Background(), []certificates.Spec{{
		Name:        "cos-grafana",
		IPAddresses: []string{"10.0.0.1"},
	}})
	c.Check(result.Errors, gc.HasLen, 0)
	material, ok := result.Active["cos-grafana"]
	c.Assert(ok, jc.IsTrue)
	leaf, err := pki.NewLeafPem(material.Certificate, material.Key)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(leaf.Certificate().IPAddresses[0].String(), gc.Equals, "10.0.0.1")
}

func (s *managerSuite) TestUnchangedSANsSubmitNothing(c *gc.C) {
	specs := []certificates.Spec{grafana("cos-grafana.demo.local")}
	s.manager.Reconcile(context.Background(), specs)
	c.Assert(s.authority.submits(), gc.Equals, 1)

	for i := 0; i < 3; i++ {
		result := s.manager.Reconcile(context.Background(), specs)
		c.Check(result.Submitted, gc.HasLen, 0)
		c.Check(result.Active, gc.HasLen, 1)
	}
	c.Check(s.authority.submits(), gc.Equals, 1)
}

func (s *managerSuite) TestSANChangeSubmitsExactlyOneCSR(c *gc.C) {
	s.manager.Reconcile(context.Background(), []certificates.Spec{grafana("cos-grafana.demo.local")})
	before := s.manager.Ledger()[0].Fingerprint

	changed := []certificates.Spec{grafana("cos-grafana.example.com")}
	result := s.manager.Reconcile(context.Background(), changed)
	c.Check(result.Submitted, jc.DeepEquals, []string{"cos-grafana"})
	result = s.manager.Reconcile(context.Background(), changed)
	c.Check(result.Submitted, gc.HasLen, 0)

	c.Check(s.authority.submits(), gc.Equals, 2)
	after := s.manager.Ledger()[0].Fingerprint
	c.Check(after, gc.Not(gc.Equals), before)

	leaf, err := pki.NewLeafPem(result.Active["cos-grafana"].Certificate, result.Active["cos-grafana"].Key)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(leaf.Certificate().DNSNames, jc.DeepEquals, []string{"cos-grafana.example.com"})
}

func (s *managerSuite) TestSANOrderIsIrrelevant(c *gc.C) {
	s.manager.Reconcile(context.Background(), []certificates.Spec{grafana("a.demo.local", "b.demo.local")})
	s.manager.Reconcile(context.Background(), []certificates.Spec{grafana("b.demo.local", "a.demo.local")})
	c.Check(s.authority.submits(), gc.Equals, 1)
}

func (s *managerSuite) TestDroppedWhenNoLongerNamed(c *gc.C) {
	loki := certificates.Spec{Name: "cos-loki", DNSNames: []string{"cos-loki.demo.local"}}
	s.manager.Reconcile(context.Background(), []certificates.Spec{grafana("cos-grafana.demo.local"), loki})
	c.Assert(s.manager.Ledger(), gc.HasLen, 2)

	result := s.manager.Reconcile(context.Background(), []certificates.Spec{loki})
	c.Check(result.Dropped, jc.DeepEquals, []string{"cos-grafana"})
	c.Check(result.Active, gc.HasLen, 1)
	ledger := s.manager.Ledger()
	c.Assert(ledger, gc.HasLen, 1)
	c.Check(ledger[0].Name, gc.Equals, "cos-loki")

	issued, err := s.authority.local.Issued(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(issued, gc.HasLen, 1)

	result = s.manager.Reconcile(context.Background(), nil)
	c.Check(result.Dropped, jc.DeepEquals, []string{"cos-loki"})
	c.Check(s.manager.Ledger(), gc.HasLen, 0)
}

func (s *managerSuite) TestSubmitFailureBacksOff(c *gc.C) {
	specs := []certificates.Spec{grafana("cos-grafana.demo.local")}
	s.authority.SetErrors(errors.New("ca unavailable"))

	result := s.manager.Reconcile(context.Background(), specs)
	c.Check(result.Errors["cos-grafana"], gc.ErrorMatches, `submitting certificate request for "cos-grafana": ca unavailable`)
	c.Check(result.Pending, jc.DeepEquals, []string{"cos-grafana"})
	c.Check(result.Active, gc.HasLen, 0)
	firstCSR := s.authority.Calls()[0].Args[0]

	// Still backing off.
	result = s.manager.Reconcile(context.Background(), specs)
	c.Check(result.Submitted, gc.HasLen, 0)
	c.Check(s.authority.submits(), gc.Equals, 1)

	s.clock.Advance(2 * certificates.DefaultMaxBackoff)
	result = s.manager.Reconcile(context.Background(), specs)
	c.Check(result.Submitted, jc.DeepEquals, []string{"cos-grafana"})
	c.Check(result.Active, gc.HasLen, 1)

	// The retry resubmits the very same CSR.
	var submitted [][]byte
	for _, call := range s.authority.Calls() {
		if call.FuncName == "Submit" {
			submitted = append(submitted, call.Args[0].([]byte))
		}
	}
	c.Assert(submitted, gc.HasLen, 2)
	c.Check(submitted[1], jc.DeepEquals, firstCSR)
}

func (s *managerSuite) TestIssuedUnavailableStaysPending(c *gc.C) {
	specs := []certificates.Spec{grafana("cos-grafana.demo.local")}
	s.authority.SetErrors(nil, errors.New("relation gone"))

	result := s.manager.Reconcile(context.Background(), specs)
	s.authority.CheckCallNames(c, "Submit", "Issued")
	c.Check(result.Errors, gc.HasLen, 0)
	c.Check(result.Pending, jc.DeepEquals, []string{"cos-grafana"})

	result = s.manager.Reconcile(context.Background(), specs)
	c.Check(result.Active, gc.HasLen, 1)
	c.Check(s.authority.submits(), gc.Equals, 1)
}

func (s *managerSuite) TestInvalidIPAddress(c *gc.C) {
	result := s.manager.Reconcile(context.Background(), []certificates.Spec{{
		Name:        "cos-grafana",
		IPAddresses: []string{"not-an-ip"},
	}})
	c.Check(result.Errors["cos-grafana"], jc.Satisfies, errors.IsNotValid)
	c.Check(s.manager.Ledger(), gc.HasLen, 0)
}

func (s *managerSuite) TestRestoredActiveKeepsMaterial(c *gc.C) {
	ledgerPath := filepath.Join(c.MkDir(), "ledger.yaml")
	newManager := func(authority certificates.Authority) *certificates.Manager {
		manager, err := certificates.NewManager(certificates.ManagerConfig{
			Authority:  authority,
			Clock:      s.clock,
			Logger:     loggo.GetLogger("test"),
			KeyProfile: pki.ECDSAP256,
			LedgerPath: ledgerPath,
		})
		c.Assert(err, jc.ErrorIsNil)
		return manager
	}
	specs := []certificates.Spec{grafana("cos-grafana.demo.local")}
	first := newManager(s.authority).Reconcile(context.Background(), specs)
	c.Assert(first.Active, gc.HasLen, 1)

	local, err := certificates.NewLocalAuthority("test-ca", pki.ECDSAP256)
	c.Assert(err, jc.ErrorIsNil)
	fresh := &fakeAuthority{local: local}
	result := newManager(fresh).Reconcile(context.Background(), specs)
	c.Check(result.Submitted, gc.HasLen, 0)
	c.Check(result.Active, jc.DeepEquals, first.Active)
	c.Check(fresh.submits(), gc.Equals, 0)
}

func (s *managerSuite) TestCommonNameFitsSubject(c *gc.C) {
	long := strings.Repeat("a", 60) + ".demo.local"
	s.manager.Reconcile(context.Background(), []certificates.Spec{grafana(long)})
	call := s.authority.Calls()[0]
	c.Assert(call.FuncName, gc.Equals, "Submit")
	csr, err := pki.ParseCSR(call.Args[0].([]byte))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(csr.Subject.CommonName, gc.Equals, "cos-grafana")
	c.Check(csr.DNSNames, jc.DeepEquals, []string{long})

	ledger := s.manager.Ledger()
	c.Assert(ledger, gc.HasLen, 1)
	c.Check(ledger[0].State, gc.Equals, certificates.Active)
}

func (s *managerSuite) TestCommonNameOmittedWhenEverythingIsLong(c *gc.C) {
	s.manager.Reconcile(context.Background(), []certificates.Spec{{
		Name:     strings.Repeat("b", 70),
		DNSNames: []string{strings.Repeat("b", 60) + ".demo.local"},
	}})
	csr, err := pki.ParseCSR(s.authority.Calls()[0].Args[0].([]byte))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(csr.Subject.CommonName, gc.Equals, "")
}
