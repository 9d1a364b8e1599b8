// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package reconciler_test

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/ingress-reconciler/core/status"
	"github.com/juju/ingress-reconciler/internal/certificates"
	"github.com/juju/ingress-reconciler/internal/config"
	"github.com/juju/ingress-reconciler/internal/configwriter"
	"github.com/juju/ingress-reconciler/internal/pki"
	"github.com/juju/ingress-reconciler/internal/publisher"
	"github.com/juju/ingress-reconciler/internal/reconciler"
	"github.com/juju/ingress-reconciler/internal/relation"
	"github.com/juju/ingress-reconciler/internal/topology"
)

type memorySource struct {
	data []relation.Data
}

func (m *memorySource) Relations(context.Context) ([]relation.Data, error) {
	return m.data, nil
}

type leadership bool

func (l *leadership) IsLeader() bool {
	return bool(*l)
}

type fakeLoadBalancer struct {
	testing.Stub
	address string
}

func (f *fakeLoadBalancer) Ensure(ctx context.Context, annotations map[string]string) error {
	f.MethodCall(f, "Ensure", annotations)
	return f.NextErr()
}

func (f *fakeLoadBalancer) Address(ctx context.Context) (string, error) {
	f.MethodCall(f, "Address")
	return f.address, f.NextErr()
}

type pipelineSuite struct {
	testing.IsolationSuite

	source    *memorySource
	leader    leadership
	attrs     map[string]interface{}
	dir       string
	outbox    *relation.FileOutbox
	manager   *certificates.Manager
	publisher *publisher.Publisher
	static    *configwriter.StaticWriter
	pipeline  *reconciler.Pipeline
}

var _ = gc.Suite(&pipelineSuite{})

func (s *pipelineSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.source = &memorySource{}
	s.leader = true
	s.attrs = map[string]interface{}{"external_hostname": "demo.local"}
	s.dir = c.MkDir()
	s.outbox = relation.NewFileOutbox(filepath.Join(s.dir, "outbox"))

	authority, err := certificates.NewLocalAuthority("test-ca", pki.ECDSAP256)
	c.Assert(err, jc.ErrorIsNil)
	s.manager, err = certificates.NewManager(certificates.ManagerConfig{
		Authority:  authority,
		Clock:      testclock.NewClock(time.Now()),
		Logger:     loggo.GetLogger("test"),
		KeyProfile: pki.ECDSAP256,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.publisher = publisher.New(s.outbox)
	s.static = configwriter.NewStaticWriter(filepath.Join(s.dir, "traefik.yaml"), filepath.Join(s.dir, "dynamic"), "INFO")
	s.pipeline = s.newPipeline(c, nil)
}

func (s *pipelineSuite) newPipeline(c *gc.C, lb reconciler.LoadBalancer) *reconciler.Pipeline {
	cfg := reconciler.PipelineConfig{
		Config:       func() (*config.Config, error) { return config.New(s.attrs) },
		Topology:     topology.NewStore(s.source),
		Certificates: s.manager,
		Writer:       configwriter.New(filepath.Join(s.dir, "dynamic")),
		Publisher:    s.publisher,
		Leadership:   &s.leader,
		Static:       s.static,
		Logger:       loggo.GetLogger("test"),
	}
	if lb != nil {
		cfg.LoadBalancer = lb
	}
	pipeline, err := reconciler.NewPipeline(cfg)
	c.Assert(err, jc.ErrorIsNil)
	return pipeline
}

func grafanaRelation() relation.Data {
	return relation.Data{
		Endpoint:    relation.IngressEndpoint,
		ID:          1,
		Application: "grafana",
		AppData:     relation.Settings{"model": "cos", "name": "grafana", "port": "3000"},
		Units: map[string]relation.Settings{
			"grafana/0": {"host": "10.1.1.1"},
		},
	}
}

func certificatesRelation() relation.Data {
	return relation.Data{
		Endpoint:    relation.CertificatesEndpoint,
		ID:          2,
		Application: "ca",
	}
}

func (s *pipelineSuite) snapshotDir(c *gc.C) map[string]string {
	result := make(map[string]string)
	root := filepath.Join(s.dir, "dynamic")
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return result
	}
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		result[rel] = string(data)
		return nil
	})
	c.Assert(err, jc.ErrorIsNil)
	return result
}

func keys(m map[string]string) []string {
	var result []string
	for k := range m {
		result = append(result, k)
	}
	sort.Strings(result)
	return result
}

func (s *pipelineSuite) TestValidate(c *gc.C) {
	_, err := reconciler.NewPipeline(reconciler.PipelineConfig{})
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
}

func (s *pipelineSuite) TestPlainHTTP(c *gc.C) {
	s.source.data = []relation.Data{grafanaRelation()}
	outcome, err := s.pipeline.Run(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(outcome.Status, jc.DeepEquals, status.StatusInfo{Status: status.Active, Message: "Serving at demo.local"})
	c.Check(outcome.Routes, gc.Equals, 1)
	c.Check(outcome.Publication, gc.Equals, publisher.Published)
	c.Check(outcome.URLs, jc.DeepEquals, publisher.URLs{"ingress:1": "http://demo.local/cos-grafana"})

	c.Check(keys(s.snapshotDir(c)), jc.DeepEquals, []string{"juju_ingress_ingress_1_grafana.yaml"})
	urls, err := s.outbox.ReadURLs()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(urls, jc.DeepEquals, map[string]string{"ingress:1": "http://demo.local/cos-grafana"})
}

func (s *pipelineSuite) TestIdempotent(c *gc.C) {
	s.source.data = []relation.Data{grafanaRelation(), certificatesRelation()}
	_, err := s.pipeline.Run(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	first := s.snapshotDir(c)

	outcome, err := s.pipeline.Run(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.snapshotDir(c), jc.DeepEquals, first)
	c.Check(outcome.Publication, gc.Equals, publisher.Unchanged)
}

func (s *pipelineSuite) TestTLS(c *gc.C) {
	s.source.data = []relation.Data{grafanaRelation(), certificatesRelation()}
	outcome, err := s.pipeline.Run(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(outcome.ActiveCertificates, gc.Equals, 1)
	c.Check(outcome.URLs, jc.DeepEquals, publisher.URLs{"ingress:1": "https://demo.local/cos-grafana"})
	c.Check(keys(s.snapshotDir(c)), jc.DeepEquals, []string{
		"certificates.yaml",
		"certs/cos-grafana.crt",
		"certs/cos-grafana.key",
		"juju_ingress_ingress_1_grafana.yaml",
	})
}

func (s *pipelineSuite) TestAddThenRemoveLeavesNoResidue(c *gc.C) {
	s.source.data = nil
	_, err := s.pipeline.Run(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	before := s.snapshotDir(c)
	c.Check(s.manager.Ledger(), gc.HasLen, 0)

	s.source.data = []relation.Data{grafanaRelation(), certificatesRelation()}
	_, err = s.pipeline.Run(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.manager.Ledger(), gc.HasLen, 1)

	s.source.data = nil
	outcome, err := s.pipeline.Run(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(outcome.Routes, gc.Equals, 0)
	c.Check(s.manager.Ledger(), gc.HasLen, 0)
	c.Check(s.snapshotDir(c), jc.DeepEquals, before)
	urls, err := s.outbox.ReadURLs()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(urls, gc.HasLen, 0)
}

func (s *pipelineSuite) TestCertificateRelationRemovedFallsBackToHTTP(c *gc.C) {
	s.source.data = []relation.Data{grafanaRelation(), certificatesRelation()}
	_, err := s.pipeline.Run(context.Background())
	c.Assert(err, jc.ErrorIsNil)

	s.source.data = []relation.Data{grafanaRelation()}
	outcome, err := s.pipeline.Run(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(outcome.ActiveCertificates, gc.Equals, 0)
	c.Check(outcome.URLs["ingress:1"], gc.Equals, "http://demo.local/cos-grafana")
	c.Check(keys(s.snapshotDir(c)), jc.DeepEquals, []string{"juju_ingress_ingress_1_grafana.yaml"})
}

func (s *pipelineSuite) TestNonLeaderServesButDoesNotPublish(c *gc.C) {
	s.leader = false
	s.source.data = []relation.Data{grafanaRelation()}
	outcome, err := s.pipeline.Run(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(outcome.Publication, gc.Equals, publisher.NotLeader)
	c.Check(outcome.URLs, gc.HasLen, 1)
	c.Check(keys(s.snapshotDir(c)), jc.DeepEquals, []string{"juju_ingress_ingress_1_grafana.yaml"})

	_, err = os.Stat(filepath.Join(s.dir, "outbox", relation.URLsFileName))
	c.Check(os.IsNotExist(err), jc.IsTrue)
}

func (s *pipelineSuite) TestInvalidConfigBlocks(c *gc.C) {
	s.attrs = map[string]interface{}{"routing_mode": "subdomain"}
	s.source.data = []relation.Data{grafanaRelation()}
	outcome, err := s.pipeline.Run(context.Background())
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
	c.Check(outcome.Status.Status, gc.Equals, status.Blocked)
	c.Check(s.snapshotDir(c), gc.HasLen, 0)
}

func (s *pipelineSuite) TestMalformedRequesterIsolated(c *gc.C) {
	bad := grafanaRelation()
	bad.ID = 3
	bad.AppData = relation.Settings{"model": "cos", "name": "loki", "port": "many"}
	s.source.data = []relation.Data{grafanaRelation(), bad}
	outcome, err := s.pipeline.Run(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(outcome.Status.Status, gc.Equals, status.Active)
	c.Check(outcome.Routes, gc.Equals, 1)
	c.Check(outcome.RequesterErrors["ingress:3"], jc.Satisfies, topology.IsPayloadError)
}

func (s *pipelineSuite) TestGatewayAddressFromLoadBalancer(c *gc.C) {
	lb := &fakeLoadBalancer{}
	pipeline := s.newPipeline(c, lb)
	s.attrs = map[string]interface{}{"loadbalancer_annotations": "foo=bar"}
	s.source.data = []relation.Data{grafanaRelation()}

	outcome, err := pipeline.Run(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(outcome.Status, jc.DeepEquals, status.StatusInfo{Status: status.Waiting, Message: "gateway address unavailable"})
	c.Check(outcome.URLs, gc.HasLen, 0)
	c.Check(keys(s.snapshotDir(c)), jc.DeepEquals, []string{"juju_ingress_ingress_1_grafana.yaml"})
	lb.CheckCall(c, 0, "Ensure", map[string]string{"foo": "bar"})

	lb.address = "10.43.0.5"
	outcome, err = pipeline.Run(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(outcome.Status.Status, gc.Equals, status.Active)
	c.Check(outcome.URLs, jc.DeepEquals, publisher.URLs{"ingress:1": "http://10.43.0.5/cos-grafana"})
}

func (s *pipelineSuite) TestLoadBalancerOnlyManagedByLeader(c *gc.C) {
	s.leader = false
	lb := &fakeLoadBalancer{address: "10.43.0.5"}
	pipeline := s.newPipeline(c, lb)
	s.attrs = map[string]interface{}{}
	_, err := pipeline.Run(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	lb.CheckCallNames(c, "Address")
}

func (s *pipelineSuite) TestPerUnitTCP(c *gc.C) {
	s.source.data = []relation.Data{certificatesRelation(), {
		Endpoint:    relation.IngressPerUnitEndpoint,
		ID:          3,
		Application: "kafka",
		Units: map[string]relation.Settings{
			"kafka/0": {"model": "cos", "name": "kafka/0", "host": "10.2.0.1", "port": "9092", "mode": "tcp"},
		},
	}}
	outcome, err := s.pipeline.Run(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(outcome.RequesterErrors, gc.HasLen, 0)
	c.Check(outcome.URLs, jc.DeepEquals, publisher.URLs{"ingress-per-unit:3/kafka/0": "demo.local:9092"})
	c.Check(outcome.ActiveCertificates, gc.Equals, 0)

	files := s.snapshotDir(c)
	c.Check(keys(files), jc.DeepEquals, []string{"juju_ingress_ingress-per-unit_3_kafka.yaml"})
	c.Check(files["juju_ingress_ingress-per-unit_3_kafka.yaml"], jc.Contains, "juju-cos-kafka-0-tcp-router")

	static, err := os.ReadFile(filepath.Join(s.dir, "traefik.yaml"))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(static), jc.Contains, "cos-kafka-0:")

	// The entry point goes away with the requester.
	s.source.data = nil
	_, err = s.pipeline.Run(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	static, err = os.ReadFile(filepath.Join(s.dir, "traefik.yaml"))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(static), gc.Not(jc.Contains), "cos-kafka-0")
}
