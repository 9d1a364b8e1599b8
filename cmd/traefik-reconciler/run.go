// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo"
	"github.com/juju/worker/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/juju/ingress-reconciler/cmd"
	"github.com/juju/ingress-reconciler/internal/certificates"
	"github.com/juju/ingress-reconciler/internal/config"
	"github.com/juju/ingress-reconciler/internal/configwriter"
	"github.com/juju/ingress-reconciler/internal/loadbalancer"
	"github.com/juju/ingress-reconciler/internal/pki"
	"github.com/juju/ingress-reconciler/internal/publisher"
	"github.com/juju/ingress-reconciler/internal/reconciler"
	"github.com/juju/ingress-reconciler/internal/relation"
	"github.com/juju/ingress-reconciler/internal/topology"
	"github.com/juju/ingress-reconciler/internal/worker/ingress"
)

var logger = loggo.GetLogger("ingress.cmd.traefik-reconciler")

const (
	fileAuthority  = "file"
	localAuthority = "local"

	localCACommonName = "ingress-reconciler local CA"

	ledgerFileName = "ledger.yaml"
)

const runDoc = `
Runs the reconciler until interrupted. Relation data is read from
--relations-dir, which also holds the "leader" file; Traefik dynamic
configuration is written to --dynamic-dir and published URLs to
--outbox-dir.

The static configuration is re-read from --config on every run; send
SIGHUP to apply an edit immediately.

The Traefik static configuration at --static-config is rewritten whenever
tcp routes add or remove entry points. Traefik only reads it at startup.

With --ca=file certificate requests are written to the requests directory
of --ca-dir and issued certificates are read from its issued directory,
which is watched for new documents. Keys and requests are kept in
ledger.yaml in --ca-dir so a restart does not request new certificates.
With --ca=local a throwaway authority signs every request in process.

When --namespace and --service are given, the Kubernetes LoadBalancer
service in front of Traefik is maintained (leader only) and its address is
used when no external hostname is configured.
`

// runCommand runs the reconciliation daemon.
type runCommand struct {
	relationsDir   string
	outboxDir      string
	dynamicDir     string
	staticConfig   string
	configFile     cmd.FileVar
	caMode         string
	caDir          string
	namespace      string
	service        string
	application    string
	metricsAddress string
	traefikLog     string
	safetyInterval time.Duration

	notify        func(c chan<- os.Signal, sig ...os.Signal)
	newKubeClient func() (kubernetes.Interface, error)
}

func newRunCommand() *runCommand {
	return &runCommand{
		notify:        signal.Notify,
		newKubeClient: inClusterClient,
	}
}

func inClusterClient() (kubernetes.Interface, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, errors.Annotate(err, "loading in-cluster kubernetes config")
	}
	client, err := kubernetes.NewForConfig(cfg)
	return client, errors.Trace(err)
}

// Info is part of the cmd.Command interface.
func (c *runCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "run",
		Purpose: "Run the ingress reconciler.",
		Doc:     runDoc,
	}
}

// SetFlags is part of the cmd.Command interface.
func (c *runCommand) SetFlags(f *gnuflag.FlagSet) {
	f.StringVar(&c.relationsDir, "relations-dir", "", "directory of relation documents")
	f.StringVar(&c.outboxDir, "outbox-dir", "", "directory for published relation data")
	f.StringVar(&c.dynamicDir, "dynamic-dir", "", "directory for Traefik dynamic configuration")
	f.StringVar(&c.staticConfig, "static-config", "", "path to write the Traefik static configuration to")
	f.Var(&c.configFile, "config", "path to the YAML configuration")
	f.StringVar(&c.caMode, "ca", fileAuthority, "certificate authority: file or local")
	f.StringVar(&c.caDir, "ca-dir", "", "directory exchanged with the certificate authority (default <outbox-dir>/certificates)")
	f.StringVar(&c.namespace, "namespace", "", "kubernetes namespace of the load balancer service")
	f.StringVar(&c.service, "service", "", "name of the load balancer service")
	f.StringVar(&c.application, "application", "traefik", "application name used for service labels")
	f.StringVar(&c.metricsAddress, "metrics-address", "", "address to serve prometheus metrics on")
	f.StringVar(&c.traefikLog, "traefik-log-level", "INFO", "Traefik log level in the static configuration")
	f.DurationVar(&c.safetyInterval, "safety-interval", ingress.DefaultSafetyInterval, "longest time between reconciliations")
}

// Init is part of the cmd.Command interface.
func (c *runCommand) Init(args []string) error {
	if c.relationsDir == "" {
		return errors.New("--relations-dir is required")
	}
	if c.outboxDir == "" {
		return errors.New("--outbox-dir is required")
	}
	if c.dynamicDir == "" {
		return errors.New("--dynamic-dir is required")
	}
	switch c.caMode {
	case fileAuthority, localAuthority:
	default:
		return errors.NotValidf("--ca %q", c.caMode)
	}
	if (c.namespace == "") != (c.service == "") {
		return errors.New("--namespace and --service must be given together")
	}
	if c.safetyInterval <= 0 {
		return errors.NotValidf("--safety-interval %v", c.safetyInterval)
	}
	return cmd.CheckEmpty(args)
}

func (c *runCommand) loadConfig(ctx *cmd.Context) func() (*config.Config, error) {
	path := c.configFile.Abs(ctx)
	return func() (*config.Config, error) {
		if path == "" {
			return config.New(nil)
		}
		return config.Load(path)
	}
}

// authority returns the certificate authority and, for the file
// authority, the directory exchanged with it.
func (c *runCommand) authority(ctx *cmd.Context) (certificates.Authority, string, error) {
	if c.caMode == localAuthority {
		logger.Warningf("using a local certificate authority, certificates will not be trusted")
		a, err := certificates.NewLocalAuthority(localCACommonName, pki.DefaultKeyProfile)
		return a, "", errors.Trace(err)
	}
	dir := c.caDir
	if dir == "" {
		dir = filepath.Join(c.outboxDir, "certificates")
	}
	dir = ctx.AbsPath(dir)
	return certificates.NewFileAuthority(dir), dir, nil
}

func (c *runCommand) loadBalancer() (reconciler.LoadBalancer, error) {
	if c.namespace == "" {
		return nil, nil
	}
	client, err := c.newKubeClient()
	if err != nil {
		return nil, errors.Trace(err)
	}
	lb, err := loadbalancer.New(loadbalancer.Config{
		Client:      client,
		Namespace:   c.namespace,
		ServiceName: c.service,
		Application: c.application,
	})
	return lb, errors.Trace(err)
}

// Run is part of the cmd.Command interface.
func (c *runCommand) Run(ctx *cmd.Context) error {
	relationsDir := ctx.AbsPath(c.relationsDir)
	dynamicDir := ctx.AbsPath(c.dynamicDir)

	authority, caDir, err := c.authority(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	managerConfig := certificates.ManagerConfig{
		Authority: authority,
		Clock:     clock.WallClock,
		Logger:    loggo.GetLogger("ingress.certificates"),
	}
	if caDir != "" {
		managerConfig.LedgerPath = filepath.Join(caDir, ledgerFileName)
	}
	manager, err := certificates.NewManager(managerConfig)
	if err != nil {
		return errors.Trace(err)
	}

	source := relation.NewDirSource(relationsDir)
	pipelineConfig := reconciler.PipelineConfig{
		Config:       c.loadConfig(ctx),
		Topology:     topology.NewStore(source),
		Certificates: manager,
		Writer:       configwriter.New(dynamicDir),
		Publisher:    publisher.New(relation.NewFileOutbox(ctx.AbsPath(c.outboxDir))),
		Leadership:   source,
		Logger:       loggo.GetLogger("ingress.reconciler"),
	}
	if c.staticConfig != "" {
		pipelineConfig.Static = configwriter.NewStaticWriter(ctx.AbsPath(c.staticConfig), dynamicDir, c.traefikLog)
	}
	lb, err := c.loadBalancer()
	if err != nil {
		return errors.Trace(err)
	}
	if lb != nil {
		pipelineConfig.LoadBalancer = lb
	}
	pipeline, err := reconciler.NewPipeline(pipelineConfig)
	if err != nil {
		return errors.Trace(err)
	}

	collector := ingress.NewMetricsCollector()
	if c.metricsAddress != "" {
		stop, err := serveMetrics(c.metricsAddress, collector)
		if err != nil {
			return errors.Trace(err)
		}
		defer stop()
	}

	watcher, err := relation.NewDirWatcher(source.Dir())
	if err != nil {
		return errors.Trace(err)
	}
	workerConfig := ingress.Config{
		Pipeline:       pipeline,
		Clock:          clock.WallClock,
		Logger:         loggo.GetLogger("ingress.worker"),
		SafetyInterval: c.safetyInterval,
		Watcher:        watcher,
		Metrics:        collector,
	}
	if caDir != "" {
		issued, err := relation.NewDirWatcher(filepath.Join(caDir, certificates.IssuedDir))
		if err != nil {
			_ = worker.Stop(watcher)
			return errors.Trace(err)
		}
		workerConfig.CertificateWatcher = issued
	}
	w, err := ingress.NewWorker(workerConfig)
	if err != nil {
		_ = worker.Stop(watcher)
		if workerConfig.CertificateWatcher != nil {
			_ = worker.Stop(workerConfig.CertificateWatcher)
		}
		return errors.Trace(err)
	}
	ctx.Infof("reconciling %s into %s", relationsDir, dynamicDir)

	signals := make(chan os.Signal, 1)
	c.notify(signals, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	dead := make(chan struct{})
	go func() {
		_ = w.Wait()
		close(dead)
	}()
	for {
		select {
		case sig := <-signals:
			if sig == syscall.SIGHUP {
				logger.Infof("configuration reload requested")
				w.Trigger(ingress.ConfigChanged)
				continue
			}
			logger.Infof("stopping on %v", sig)
			w.Kill()
			return errors.Trace(w.Wait())
		case <-dead:
			return errors.Annotate(w.Wait(), "reconciler stopped")
		}
	}
}

func serveMetrics(address string, collector prometheus.Collector) (func(), error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(collector); err != nil {
		return nil, errors.Trace(err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, errors.Annotatef(err, "listening on %q", address)
	}
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Errorf("metrics server: %v", err)
		}
	}()
	logger.Infof("serving metrics on %s", listener.Addr())
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}, nil
}
