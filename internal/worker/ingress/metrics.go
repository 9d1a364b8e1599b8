// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package ingress

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/juju/ingress-reconciler/internal/reconciler"
)

const metricsNamespace = "ingress_reconciler"

// Collector is a prometheus.Collector that collects metrics about
// reconciliation runs.
type Collector struct {
	runs               prometheus.Counter
	failures           prometheus.Counter
	duration           prometheus.Histogram
	routes             *prometheus.GaugeVec
	certificates       *prometheus.GaugeVec
	excludedRequesters prometheus.Gauge
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		runs: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "runs_total",
				Help:      "The number of reconciliation runs.",
			},
		),
		failures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "failures_total",
				Help:      "The number of reconciliation runs that returned an error.",
			},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "run_duration_seconds",
				Help:      "The time taken by a reconciliation run.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
		),
		routes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "routes",
				Help:      "The number of routes served, by kind.",
			}, []string{"kind"},
		),
		certificates: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "certificates",
				Help:      "The number of certificates, by state.",
			}, []string{"state"},
		),
		excludedRequesters: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "excluded_requesters",
				Help:      "The number of requesters excluded by the last run.",
			},
		),
	}
}

func (c *Collector) observe(outcome reconciler.Outcome, err error, elapsed time.Duration) {
	c.runs.Inc()
	if err != nil {
		c.failures.Inc()
	}
	c.duration.Observe(elapsed.Seconds())
	c.routes.WithLabelValues("generated").Set(float64(outcome.Routes))
	c.routes.WithLabelValues("custom").Set(float64(outcome.CustomRoutes))
	c.certificates.WithLabelValues("active").Set(float64(outcome.ActiveCertificates))
	c.certificates.WithLabelValues("pending").Set(float64(outcome.PendingCertificates))
	c.excludedRequesters.Set(float64(len(outcome.RequesterErrors)))
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.runs.Describe(ch)
	c.failures.Describe(ch)
	c.duration.Describe(ch)
	c.routes.Describe(ch)
	c.certificates.Describe(ch)
	c.excludedRequesters.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.runs.Collect(ch)
	c.failures.Collect(ch)
	c.duration.Collect(ch)
	c.routes.Collect(ch)
	c.certificates.Collect(ch)
	c.excludedRequesters.Collect(ch)
}
