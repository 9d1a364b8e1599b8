// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package ingress provides the worker that drives reconciliation of the
// proxy configuration. Runs are serialised in the worker loop; triggers
// arriving while a run is in flight coalesce into a single pending run.
package ingress

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	"github.com/juju/ingress-reconciler/internal/reconciler"
	"github.com/juju/ingress-reconciler/internal/relation"
)

// DefaultSafetyInterval is the longest time between two runs.
const DefaultSafetyInterval = 5 * time.Minute

// Reason names what caused a run.
type Reason string

const (
	Startup                    Reason = "startup"
	RelationChanged            Reason = "relation-changed"
	RelationDeparted           Reason = "relation-departed"
	LeaderElected              Reason = "leader-elected"
	ConfigChanged              Reason = "config-changed"
	CertificateRelationChanged Reason = "certificate-relation-changed"
	SafetyTick                 Reason = "safety-tick"
)

// Logger represents the logging methods called.
type Logger interface {
	Debugf(message string, args ...interface{})
	Infof(message string, args ...interface{})
	Warningf(message string, args ...interface{})
	Errorf(message string, args ...interface{})
}

// Pipeline runs one reconciliation.
type Pipeline interface {
	Run(ctx context.Context) (reconciler.Outcome, error)
}

// Watcher reports changes to relation documents.
type Watcher interface {
	worker.Worker
	Changes() <-chan []relation.Change
}

// Config holds the dependencies of the worker.
type Config struct {
	Pipeline Pipeline
	Clock    clock.Clock
	Logger   Logger

	// SafetyInterval defaults to DefaultSafetyInterval.
	SafetyInterval time.Duration

	// Watcher is optional. The worker takes ownership of it.
	Watcher Watcher

	// CertificateWatcher reports documents written by the certificate
	// authority. Every batch triggers CertificateRelationChanged. It is
	// optional and the worker takes ownership of it.
	CertificateWatcher Watcher

	// Metrics is optional.
	Metrics *Collector
}

// Validate ensures that the config values are valid.
func (config Config) Validate() error {
	if config.Pipeline == nil {
		return errors.NotValidf("nil Pipeline")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if config.SafetyInterval < 0 {
		return errors.NotValidf("negative SafetyInterval")
	}
	return nil
}

// Worker drives reconciliation runs.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config

	trigger chan struct{}

	mu      sync.Mutex
	reasons set.Strings
	report  report
}

type report struct {
	runs    int
	lastRun time.Time
	reasons []string
	outcome reconciler.Outcome
	err     error
}

// NewWorker starts a worker that runs the pipeline once at startup and
// then on every trigger.
func NewWorker(config Config) (*Worker, error) {
	if config.SafetyInterval == 0 {
		config.SafetyInterval = DefaultSafetyInterval
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Worker{
		config:  config,
		trigger: make(chan struct{}, 1),
		reasons: set.NewStrings(),
	}
	var init []worker.Worker
	if config.Watcher != nil {
		init = append(init, config.Watcher)
	}
	if config.CertificateWatcher != nil {
		init = append(init, config.CertificateWatcher)
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
		Init: init,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	w.Trigger(Startup)
	return w, nil
}

// Trigger requests a run. It never blocks; a request made while another is
// pending is merged into it.
func (w *Worker) Trigger(reason Reason) {
	w.mu.Lock()
	w.reasons.Add(string(reason))
	w.mu.Unlock()
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Kill is part of the worker.Worker interface.
func (w *Worker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.catacomb.Wait()
}

func (w *Worker) loop() error {
	var changes, issued <-chan []relation.Change
	if w.config.Watcher != nil {
		changes = w.config.Watcher.Changes()
	}
	if w.config.CertificateWatcher != nil {
		issued = w.config.CertificateWatcher.Changes()
	}

	ctx := w.catacomb.Context(context.Background())

	timer := w.config.Clock.NewTimer(w.config.SafetyInterval)
	defer timer.Stop()

	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case batch, ok := <-changes:
			if !ok {
				return errors.New("relation watcher closed channel")
			}
			for _, reason := range reasonsFor(batch) {
				w.Trigger(reason)
			}
		case _, ok := <-issued:
			if !ok {
				return errors.New("certificate watcher closed channel")
			}
			w.Trigger(CertificateRelationChanged)
		case <-w.trigger:
			w.run(ctx)
			timer.Reset(w.config.SafetyInterval)
		case <-timer.Chan():
			w.Trigger(SafetyTick)
			timer.Reset(w.config.SafetyInterval)
		}
	}
}

func (w *Worker) run(ctx context.Context) {
	w.mu.Lock()
	reasons := w.reasons.SortedValues()
	w.reasons = set.NewStrings()
	w.report.reasons = reasons
	w.mu.Unlock()

	w.config.Logger.Debugf("reconciling (%s)", strings.Join(reasons, ", "))
	start := w.config.Clock.Now()
	outcome, err := w.config.Pipeline.Run(ctx)
	elapsed := w.config.Clock.Now().Sub(start)

	switch {
	case err == nil:
	case errors.Is(err, errors.NotValid):
		w.config.Logger.Errorf("configuration blocks reconciliation: %v", err)
	default:
		w.config.Logger.Warningf("reconciliation failed, will retry: %v", err)
	}
	for key, err := range outcome.RequesterErrors {
		w.config.Logger.Warningf("requester %s excluded: %v", key, err)
	}
	for name, err := range outcome.CertificateErrors {
		w.config.Logger.Warningf("certificate for %s unavailable: %v", name, err)
	}
	if m := w.config.Metrics; m != nil {
		m.observe(outcome, err, elapsed)
	}

	w.mu.Lock()
	w.report.runs++
	w.report.lastRun = start
	w.report.outcome = outcome
	w.report.err = err
	w.mu.Unlock()
}

// Report returns the state of the last run. It is part of the
// worker.Reporter interface.
func (w *Worker) Report() map[string]interface{} {
	w.mu.Lock()
	defer w.mu.Unlock()

	result := map[string]interface{}{
		"runs":   w.report.runs,
		"status": string(w.report.outcome.Status.Status),
	}
	if w.report.runs == 0 {
		return result
	}
	result["message"] = w.report.outcome.Status.Message
	result["last-run"] = w.report.lastRun.Format(time.RFC3339)
	result["reasons"] = w.report.reasons
	result["leader"] = w.report.outcome.Leader
	result["routes"] = w.report.outcome.Routes
	if w.report.outcome.Publication != "" {
		result["publication"] = string(w.report.outcome.Publication)
	}
	urls := make(map[string]string, len(w.report.outcome.URLs))
	for k, v := range w.report.outcome.URLs {
		urls[k] = v
	}
	result["urls"] = urls
	if w.report.err != nil {
		result["error"] = w.report.err.Error()
	}
	return result
}

// reasonsFor classifies a batch of relation document changes.
func reasonsFor(batch []relation.Change) []Reason {
	reasons := set.NewStrings()
	for _, change := range batch {
		switch {
		case change.Name == relation.LeaderFileName:
			reasons.Add(string(LeaderElected))
		case change.Removed:
			reasons.Add(string(RelationDeparted))
		case strings.HasPrefix(change.Name, relation.CertificatesEndpoint):
			reasons.Add(string(CertificateRelationChanged))
		default:
			reasons.Add(string(RelationChanged))
		}
	}
	if reasons.IsEmpty() {
		reasons.Add(string(RelationChanged))
	}
	values := reasons.Values()
	sort.Strings(values)
	result := make([]Reason, len(values))
	for i, v := range values {
		result[i] = Reason(v)
	}
	return result
}
