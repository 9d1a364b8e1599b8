// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package loadbalancer maintains the Kubernetes LoadBalancer service in
// front of the proxy and reports the address it was given.
package loadbalancer

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	core "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	meta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"

	"github.com/juju/ingress-reconciler/internal/traefik"
)

var logger = loggo.GetLogger("ingress.loadbalancer")

const (
	labelName      = "app.kubernetes.io/name"
	labelManagedBy = "app.kubernetes.io/managed-by"
	managedBy      = "ingress-reconciler"
)

// Config identifies the service to maintain.
type Config struct {
	Client      kubernetes.Interface
	Namespace   string
	ServiceName string

	// Application is the name of the proxy application; its pods are
	// selected by the service.
	Application string
}

// Validate ensures that the config values are valid.
func (c Config) Validate() error {
	if c.Client == nil {
		return errors.NotValidf("nil Client")
	}
	if c.Namespace == "" {
		return errors.NotValidf("empty Namespace")
	}
	if c.ServiceName == "" {
		return errors.NotValidf("empty ServiceName")
	}
	if c.Application == "" {
		return errors.NotValidf("empty Application")
	}
	return nil
}

// Service maintains the load balancer service.
type Service struct {
	cfg Config
}

// New returns a Service for the config.
func New(cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Service{cfg: cfg}, nil
}

func (s *Service) spec(annotations map[string]string) *core.Service {
	labels := map[string]string{
		labelName:      s.cfg.Application,
		labelManagedBy: managedBy,
	}
	return &core.Service{
		ObjectMeta: meta.ObjectMeta{
			Name:        s.cfg.ServiceName,
			Namespace:   s.cfg.Namespace,
			Labels:      labels,
			Annotations: annotations,
		},
		Spec: core.ServiceSpec{
			Type:     core.ServiceTypeLoadBalancer,
			Selector: map[string]string{labelName: s.cfg.Application},
			Ports: []core.ServicePort{{
				Name:       traefik.EntryPointWeb,
				Protocol:   core.ProtocolTCP,
				Port:       traefik.WebPort,
				TargetPort: intstr.FromInt(traefik.WebPort),
			}, {
				Name:       traefik.EntryPointWebSecure,
				Protocol:   core.ProtocolTCP,
				Port:       traefik.WebSecurePort,
				TargetPort: intstr.FromInt(traefik.WebSecurePort),
			}},
		},
	}
}

// Ensure creates or updates the service so that its annotations are
// exactly the given ones.
func (s *Service) Ensure(ctx context.Context, annotations map[string]string) error {
	spec := s.spec(annotations)
	api := s.cfg.Client.CoreV1().Services(s.cfg.Namespace)
	// Set any immutable fields if the service already exists.
	existing, err := api.Get(ctx, spec.Name, meta.GetOptions{})
	if err == nil {
		spec.Spec.ClusterIP = existing.Spec.ClusterIP
		spec.ObjectMeta.ResourceVersion = existing.ObjectMeta.ResourceVersion
	}
	_, err = api.Update(ctx, spec, meta.UpdateOptions{})
	if k8serrors.IsNotFound(err) {
		logger.Infof("creating load balancer service %q", spec.Name)
		_, err = api.Create(ctx, spec, meta.CreateOptions{})
	}
	return errors.Annotatef(err, "ensuring load balancer service %q", spec.Name)
}

// Address returns the hostname, or failing that the IP, the load balancer
// was given. It returns "" when no address was assigned yet.
func (s *Service) Address(ctx context.Context) (string, error) {
	svc, err := s.cfg.Client.CoreV1().Services(s.cfg.Namespace).Get(ctx, s.cfg.ServiceName, meta.GetOptions{})
	if k8serrors.IsNotFound(err) {
		return "", nil
	} else if err != nil {
		return "", errors.Annotatef(err, "getting load balancer service %q", s.cfg.ServiceName)
	}
	for _, ingress := range svc.Status.LoadBalancer.Ingress {
		if ingress.Hostname != "" {
			return ingress.Hostname, nil
		}
	}
	for _, ingress := range svc.Status.LoadBalancer.Ingress {
		if ingress.IP != "" {
			return ingress.IP, nil
		}
	}
	return "", nil
}
