// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package traefik models the subset of Traefik's file provider
// configuration that the reconciler emits.
package traefik

import (
	"bytes"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

// Entry points defined by the static configuration.
const (
	EntryPointWeb         = "web"
	EntryPointWebSecure   = "websecure"
	EntryPointDiagnostics = "diagnostics"
)

// Servers transports used for backends speaking https.
const (
	// ReverseTerminationTransport is used when the proxy receives plain
	// http and forwards to an https backend.
	ReverseTerminationTransport = "reverseTerminationTransport"

	// EndToEndTLSTransport is used when TLS is terminated at the proxy and
	// re-established to the backend.
	EndToEndTLSTransport = "endToEndTLS"
)

// Dynamic is a dynamic configuration document.
type Dynamic struct {
	HTTP *HTTP `yaml:"http,omitempty"`
	TCP  *TCP  `yaml:"tcp,omitempty"`
	TLS  *TLS  `yaml:"tls,omitempty"`
}

// HTTP holds the http section of a dynamic configuration document.
type HTTP struct {
	Routers           map[string]Router           `yaml:"routers,omitempty"`
	Services          map[string]Service          `yaml:"services,omitempty"`
	Middlewares       map[string]Middleware       `yaml:"middlewares,omitempty"`
	ServersTransports map[string]ServersTransport `yaml:"serversTransports,omitempty"`
}

// Router matches requests and hands them to a service.
type Router struct {
	Rule        string     `yaml:"rule"`
	EntryPoints []string   `yaml:"entryPoints"`
	Service     string     `yaml:"service"`
	Middlewares []string   `yaml:"middlewares,omitempty"`
	TLS         *RouterTLS `yaml:"tls,omitempty"`
}

// RouterTLS enables TLS on a router. An empty value renders as "tls: {}".
type RouterTLS struct {
	Domains []Domain `yaml:"domains,omitempty"`
}

// Domain is a TLS domain of a router.
type Domain struct {
	Main string   `yaml:"main"`
	SANs []string `yaml:"sans,omitempty"`
}

// Service is a load balanced service.
type Service struct {
	LoadBalancer LoadBalancer `yaml:"loadBalancer"`
}

// LoadBalancer lists the backend servers of a service.
type LoadBalancer struct {
	Servers          []Server `yaml:"servers"`
	ServersTransport string   `yaml:"serversTransport,omitempty"`
}

// Server is one backend of a service.
type Server struct {
	URL string `yaml:"url"`
}

// TCP holds the tcp section of a dynamic configuration document.
type TCP struct {
	Routers  map[string]TCPRouter  `yaml:"routers,omitempty"`
	Services map[string]TCPService `yaml:"services,omitempty"`
}

// TCPRouter matches connections and hands them to a tcp service.
type TCPRouter struct {
	Rule        string   `yaml:"rule"`
	EntryPoints []string `yaml:"entryPoints"`
	Service     string   `yaml:"service"`
}

// TCPService is a load balanced tcp service.
type TCPService struct {
	LoadBalancer TCPLoadBalancer `yaml:"loadBalancer"`
}

// TCPLoadBalancer lists the backend servers of a tcp service.
type TCPLoadBalancer struct {
	Servers []TCPServer `yaml:"servers"`
}

// TCPServer is one backend of a tcp service.
type TCPServer struct {
	Address string `yaml:"address"`
}

// Middleware is exactly one of the supported middleware kinds.
type Middleware struct {
	BasicAuth      *BasicAuth      `yaml:"basicAuth,omitempty"`
	ForwardAuth    *ForwardAuth    `yaml:"forwardAuth,omitempty"`
	StripPrefix    *StripPrefix    `yaml:"stripPrefix,omitempty"`
	RedirectScheme *RedirectScheme `yaml:"redirectScheme,omitempty"`
}

// BasicAuth protects a router with static credentials.
type BasicAuth struct {
	Users []string `yaml:"users"`
}

// ForwardAuth delegates authentication to an external service.
type ForwardAuth struct {
	Address             string   `yaml:"address"`
	AuthResponseHeaders []string `yaml:"authResponseHeaders,omitempty"`
	TrustForwardHeader  bool     `yaml:"trustForwardHeader,omitempty"`
}

// StripPrefix removes path prefixes before forwarding.
type StripPrefix struct {
	Prefixes   []string `yaml:"prefixes"`
	ForceSlash bool     `yaml:"forceSlash"`
}

// RedirectScheme redirects clients to another scheme.
type RedirectScheme struct {
	Scheme    string `yaml:"scheme"`
	Port      string `yaml:"port,omitempty"`
	Permanent bool   `yaml:"permanent"`
}

// ServersTransport configures how the proxy talks to backends.
type ServersTransport struct {
	InsecureSkipVerify bool     `yaml:"insecureSkipVerify"`
	RootCAs            []string `yaml:"rootCAs,omitempty"`
}

// TLS holds certificates and stores.
type TLS struct {
	Certificates []Certificate    `yaml:"certificates,omitempty"`
	Stores       map[string]Store `yaml:"stores,omitempty"`
}

// Certificate references a certificate and key on disk.
type Certificate struct {
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

// Store is a TLS store.
type Store struct {
	DefaultCertificate *Certificate `yaml:"defaultCertificate,omitempty"`
}

// Marshal renders v as YAML. Map keys are sorted, so equal values always
// produce identical bytes.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return nil, errors.Trace(err)
	}
	if err := enc.Close(); err != nil {
		return nil, errors.Trace(err)
	}
	return buf.Bytes(), nil
}
