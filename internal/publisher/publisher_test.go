// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package publisher_test

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/ingress-reconciler/core/ingress"
	"github.com/juju/ingress-reconciler/internal/certificates"
	"github.com/juju/ingress-reconciler/internal/publisher"
	"github.com/juju/ingress-reconciler/internal/routes"
)

type fakeWriter struct {
	testing.Stub
}

func (f *fakeWriter) WriteURLs(ctx context.Context, urls map[string]string) error {
	f.MethodCall(f, "WriteURLs", urls)
	return f.NextErr()
}

type publisherSuite struct {
	testing.IsolationSuite
	writer *fakeWriter
}

var _ = gc.Suite(&publisherSuite{})

func (s *publisherSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.writer = &fakeWriter{}
}

func (s *publisherSuite) TestNonLeaderNeverPublishes(c *gc.C) {
	p := publisher.New(s.writer)
	urls := publisher.URLs{"ingress:1": "http://demo.local/cos-grafana"}
	for i := 0; i < 3; i++ {
		status, err := p.Publish(context.Background(), false, urls)
		c.Assert(err, jc.ErrorIsNil)
		c.Check(status, gc.Equals, publisher.NotLeader)
	}
	s.writer.CheckNoCalls(c)

	// Nothing was cached while not leader.
	status, err := p.Publish(context.Background(), true, urls)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(status, gc.Equals, publisher.Published)
}

func (s *publisherSuite) TestLeaderPublishesOnceUntilChanged(c *gc.C) {
	p := publisher.New(s.writer)
	urls := publisher.URLs{"ingress:1": "http://demo.local/cos-grafana"}

	status, err := p.Publish(context.Background(), true, urls)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(status, gc.Equals, publisher.Published)

	status, err = p.Publish(context.Background(), true, publisher.URLs{"ingress:1": "http://demo.local/cos-grafana"})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(status, gc.Equals, publisher.Unchanged)

	urls["ingress:1"] = "https://demo.local/cos-grafana"
	status, err = p.Publish(context.Background(), true, urls)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(status, gc.Equals, publisher.Published)

	s.writer.CheckCallNames(c, "WriteURLs", "WriteURLs")
	s.writer.CheckCall(c, 1, "WriteURLs", map[string]string{"ingress:1": "https://demo.local/cos-grafana"})
}

func (s *publisherSuite) TestEmptyPublicationWritten(c *gc.C) {
	p := publisher.New(s.writer)
	status, err := p.Publish(context.Background(), true, nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(status, gc.Equals, publisher.Published)
	s.writer.CheckCall(c, 0, "WriteURLs", map[string]string{})
}

func (s *publisherSuite) TestWriteFailureRetried(c *gc.C) {
	p := publisher.New(s.writer)
	s.writer.SetErrors(errors.New("relation broken"))
	urls := publisher.URLs{"ingress:1": "http://demo.local/cos-grafana"}

	_, err := p.Publish(context.Background(), true, urls)
	c.Assert(err, gc.ErrorMatches, "publishing urls: relation broken")

	status, err := p.Publish(context.Background(), true, urls)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(status, gc.Equals, publisher.Published)
}

func (s *publisherSuite) TestForget(c *gc.C) {
	p := publisher.New(s.writer)
	urls := publisher.URLs{"ingress:1": "http://demo.local/cos-grafana"}
	_, err := p.Publish(context.Background(), true, urls)
	c.Assert(err, jc.ErrorIsNil)
	p.Forget()
	status, err := p.Publish(context.Background(), true, urls)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(status, gc.Equals, publisher.Published)
}

func (s *publisherSuite) TestURLsFor(c *gc.C) {
	result, err := routes.Compile([]ingress.Requester{{
		Identity: ingress.AppIdentity("cos", "grafana"),
		Mode:     ingress.PerApp,
		Relation: ingress.RelationKey{Endpoint: "ingress", ID: 1},
	}, {
		Identity: ingress.UnitIdentity("cos", "prometheus", 0),
		Mode:     ingress.PerUnit,
		Relation: ingress.RelationKey{Endpoint: "ingress-per-unit", ID: 2},
	}, {
		Identity: ingress.AppIdentity("", "kratos"),
		Mode:     ingress.CustomRoute,
		Relation: ingress.RelationKey{Endpoint: "traefik-route", ID: 3},
		Custom:   map[string]interface{}{"http": map[string]interface{}{}},
	}}, routes.Config{ExternalHost: "demo.local", RoutingMode: ingress.PathRouting})
	c.Assert(err, jc.ErrorIsNil)

	urls := publisher.URLsFor(result, map[string]certificates.Material{"cos-grafana": {}}, "demo.local")
	c.Check(urls, jc.DeepEquals, publisher.URLs{
		"ingress:1":                       "https://demo.local/cos-grafana",
		"ingress-per-unit:2/prometheus/0": "http://demo.local/cos-prometheus-0",
		"traefik-route:3":                 "http://demo.local",
	})

	c.Check(publisher.URLsFor(routes.Result{}, nil, ""), gc.HasLen, 0)
}
