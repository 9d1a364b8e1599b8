// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package reconciler runs one complete reconciliation: topology, routes,
// certificates, configuration and publication.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/errors"

	"github.com/juju/ingress-reconciler/core/ingress"
	"github.com/juju/ingress-reconciler/core/status"
	"github.com/juju/ingress-reconciler/internal/certificates"
	"github.com/juju/ingress-reconciler/internal/config"
	"github.com/juju/ingress-reconciler/internal/configwriter"
	"github.com/juju/ingress-reconciler/internal/publisher"
	"github.com/juju/ingress-reconciler/internal/routes"
	"github.com/juju/ingress-reconciler/internal/topology"
)

// DefaultCallTimeout bounds every call to a collaborator.
const DefaultCallTimeout = 30 * time.Second

// Logger represents the logging methods called.
type Logger interface {
	Debugf(message string, args ...interface{})
	Infof(message string, args ...interface{})
	Warningf(message string, args ...interface{})
}

// Leadership tells whether this unit is the leader. It is supplied by the
// environment; there is no election here.
type Leadership interface {
	IsLeader() bool
}

// TopologySource provides validated topology snapshots.
type TopologySource interface {
	Snapshot(ctx context.Context) (topology.Snapshot, error)
}

// CertificateManager reconciles the certificate ledger.
type CertificateManager interface {
	Reconcile(ctx context.Context, specs []certificates.Spec) certificates.Result
}

// ConfigWriter commits rendered configuration.
type ConfigWriter interface {
	Write(ctx context.Context, b configwriter.Bundle) error
	CertificateDir() string
}

// StaticWriter writes the proxy's static configuration with the entry
// points of the tcp routes, reporting whether it changed.
type StaticWriter interface {
	Write(ctx context.Context, tcpEntryPoints map[string]int) (bool, error)
}

// URLPublisher publishes URLs when leader.
type URLPublisher interface {
	Publish(ctx context.Context, leader bool, urls publisher.URLs) (publisher.Status, error)
}

// LoadBalancer maintains the service in front of the proxy.
type LoadBalancer interface {
	Ensure(ctx context.Context, annotations map[string]string) error
	Address(ctx context.Context) (string, error)
}

// PipelineConfig holds the collaborators of a Pipeline.
type PipelineConfig struct {
	// Config returns the current static configuration. It returns an
	// error satisfying errors.IsNotValid for invalid configuration.
	Config func() (*config.Config, error)

	Topology     TopologySource
	Certificates CertificateManager
	Writer       ConfigWriter
	Publisher    URLPublisher
	Leadership   Leadership

	// LoadBalancer is optional.
	LoadBalancer LoadBalancer

	// Static is optional.
	Static StaticWriter

	Logger      Logger
	CallTimeout time.Duration
}

// Validate ensures that the config values are valid.
func (c PipelineConfig) Validate() error {
	if c.Config == nil {
		return errors.NotValidf("nil Config")
	}
	if c.Topology == nil {
		return errors.NotValidf("nil Topology")
	}
	if c.Certificates == nil {
		return errors.NotValidf("nil Certificates")
	}
	if c.Writer == nil {
		return errors.NotValidf("nil Writer")
	}
	if c.Publisher == nil {
		return errors.NotValidf("nil Publisher")
	}
	if c.Leadership == nil {
		return errors.NotValidf("nil Leadership")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if c.CallTimeout < 0 {
		return errors.NotValidf("negative CallTimeout")
	}
	return nil
}

// Outcome describes a completed reconciliation.
type Outcome struct {
	Status status.StatusInfo

	Leader bool

	// ExternalHost is the host routes were compiled for, possibly the
	// address of the load balancer.
	ExternalHost string

	Routes       int
	CustomRoutes int

	// URLs are the computed URLs; they were only published when leader.
	URLs        publisher.URLs
	Publication publisher.Status

	ActiveCertificates  int
	PendingCertificates int

	// RequesterErrors holds excluded requesters, by requester key.
	RequesterErrors map[string]error

	// CertificateErrors holds certificate failures, by route identifier.
	CertificateErrors map[string]error
}

// Pipeline runs reconciliations. It is not safe for concurrent use; the
// driver serialises runs.
type Pipeline struct {
	cfg       PipelineConfig
	wasLeader bool
	forgetter interface{ Forget() }
}

// NewPipeline returns a Pipeline for the collaborators.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	p := &Pipeline{cfg: cfg}
	p.forgetter, _ = cfg.Publisher.(interface{ Forget() })
	return p, nil
}

func (p *Pipeline) call(ctx context.Context, f func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()
	return f(ctx)
}

// Run performs one reconciliation. Running it twice over unchanged inputs
// produces identical configuration. An error satisfying errors.IsNotValid
// means the static configuration is invalid and the outcome is Blocked.
func (p *Pipeline) Run(ctx context.Context) (Outcome, error) {
	cfg, err := p.cfg.Config()
	if err != nil {
		return blocked(err), errors.Trace(err)
	}

	outcome := Outcome{Leader: p.cfg.Leadership.IsLeader()}
	if outcome.Leader && !p.wasLeader && p.forgetter != nil {
		p.forgetter.Forget()
	}
	p.wasLeader = outcome.Leader

	outcome.ExternalHost = cfg.ExternalHostname
	if lb := p.cfg.LoadBalancer; lb != nil {
		if outcome.Leader {
			err := p.call(ctx, func(ctx context.Context) error {
				return lb.Ensure(ctx, cfg.LoadBalancerAnnotations)
			})
			if err != nil {
				p.cfg.Logger.Warningf("load balancer not updated: %v", err)
			}
		}
		if outcome.ExternalHost == "" {
			err := p.call(ctx, func(ctx context.Context) (err error) {
				outcome.ExternalHost, err = lb.Address(ctx)
				return err
			})
			if err != nil {
				p.cfg.Logger.Warningf("load balancer address unavailable: %v", err)
			}
		}
	}

	var snapshot topology.Snapshot
	err = p.call(ctx, func(ctx context.Context) (err error) {
		snapshot, err = p.cfg.Topology.Snapshot(ctx)
		return err
	})
	if err != nil {
		return failed(err), errors.Trace(err)
	}

	result, err := routes.Compile(snapshot.Requesters, routes.Config{
		ExternalHost:       outcome.ExternalHost,
		RoutingMode:        cfg.RoutingMode,
		BasicAuthUser:      cfg.BasicAuthUser,
		ForwardAuthEnabled: cfg.ForwardAuthEnabled,
		ForwardAuth:        snapshot.ForwardAuth,
		CertificateDir:     p.cfg.Writer.CertificateDir(),
	})
	if err != nil {
		return blocked(err), errors.Trace(err)
	}
	outcome.Routes = len(result.Routes)
	outcome.CustomRoutes = len(result.Custom)
	outcome.RequesterErrors = make(map[string]error)
	for key, err := range snapshot.Errors {
		outcome.RequesterErrors[key] = err
	}
	for key, err := range result.Errors {
		outcome.RequesterErrors[key] = err
	}

	if static := p.cfg.Static; static != nil {
		var changed bool
		err := p.call(ctx, func(ctx context.Context) (err error) {
			changed, err = static.Write(ctx, result.EntryPoints())
			return err
		})
		if err != nil {
			return failed(err), errors.Annotate(err, "writing static configuration")
		}
		if changed {
			p.cfg.Logger.Infof("static configuration updated; the proxy must restart to pick up new entry points")
		}
	}

	// Without a certificate authority every identity is dropped and
	// routes are served over http.
	var specs []certificates.Spec
	if snapshot.TLS != nil {
		specs = routes.CertificateSpecs(result)
	}
	var certs certificates.Result
	_ = p.call(ctx, func(ctx context.Context) error {
		certs = p.cfg.Certificates.Reconcile(ctx, specs)
		return nil
	})
	outcome.ActiveCertificates = len(certs.Active)
	outcome.PendingCertificates = len(certs.Pending)
	outcome.CertificateErrors = certs.Errors

	docs, err := routes.Render(result, certs.Active)
	if err != nil {
		return failed(err), errors.Trace(err)
	}
	bundle := configwriter.Bundle{
		Documents:    docs,
		Certificates: make(map[string]configwriter.KeyPair, len(certs.Active)),
	}
	for name, material := range certs.Active {
		bundle.Certificates[name] = configwriter.KeyPair{
			Certificate: material.Certificate,
			Key:         material.Key,
		}
	}
	err = p.call(ctx, func(ctx context.Context) error {
		return p.cfg.Writer.Write(ctx, bundle)
	})
	if err != nil {
		return failed(err), errors.Annotate(err, "writing configuration")
	}

	outcome.URLs = publisher.URLsFor(result, certs.Active, outcome.ExternalHost)
	err = p.call(ctx, func(ctx context.Context) (err error) {
		outcome.Publication, err = p.cfg.Publisher.Publish(ctx, outcome.Leader, outcome.URLs)
		return err
	})
	if err != nil {
		outcome.Status = status.StatusInfo{Status: status.Error, Message: err.Error()}
		return outcome, errors.Trace(err)
	}

	outcome.Status = p.status(outcome, cfg)
	return outcome, nil
}

func (p *Pipeline) status(outcome Outcome, cfg *config.Config) status.StatusInfo {
	if outcome.ExternalHost == "" {
		return status.StatusInfo{
			Status:  status.Waiting,
			Message: "gateway address unavailable",
		}
	}
	if cfg.RoutingMode == ingress.SubdomainRouting {
		return status.StatusInfo{
			Status:  status.Active,
			Message: fmt.Sprintf("Serving at *.%s", outcome.ExternalHost),
		}
	}
	return status.StatusInfo{
		Status:  status.Active,
		Message: fmt.Sprintf("Serving at %s", outcome.ExternalHost),
	}
}

func blocked(err error) Outcome {
	return Outcome{Status: status.StatusInfo{Status: status.Blocked, Message: err.Error()}}
}

func failed(err error) Outcome {
	return Outcome{Status: status.StatusInfo{Status: status.Error, Message: err.Error()}}
}
