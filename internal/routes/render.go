// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package routes

import (
	"fmt"
	"net"
	"path/filepath"
	"sort"

	"github.com/juju/errors"

	"github.com/juju/ingress-reconciler/core/ingress"
	"github.com/juju/ingress-reconciler/internal/certificates"
	"github.com/juju/ingress-reconciler/internal/traefik"
)

const (
	// GlobalDocument holds the middlewares and transports shared by
	// every route.
	GlobalDocument = "juju_global.yaml"

	// CertificatesDocument holds the TLS certificates and stores.
	CertificatesDocument = "certificates.yaml"
)

// DocumentName returns the name of the document holding the routes of the
// relation the requester belongs to.
func DocumentName(r ingress.Requester) string {
	return fmt.Sprintf("juju_ingress_%s_%d_%s.yaml", r.Relation.Endpoint, r.Relation.ID, r.Application)
}

// CertificatePaths returns the certificate and key file of an identity
// within dir.
func CertificatePaths(dir, name string) (string, string) {
	return filepath.Join(dir, name+".crt"), filepath.Join(dir, name+".key")
}

// Render produces the dynamic configuration documents, keyed by file name,
// for the compiled result. Routes with an entry in active are also served
// over https.
func Render(result Result, active map[string]certificates.Material) (map[string][]byte, error) {
	docs := make(map[string]*traefik.Dynamic)
	usedTransports := make(map[string]bool)
	for _, route := range result.Routes {
		name := DocumentName(route.Requester)
		doc, ok := docs[name]
		if !ok {
			doc = &traefik.Dynamic{}
			docs[name] = doc
		}
		if route.Requester.TCP {
			if doc.TCP == nil {
				doc.TCP = &traefik.TCP{
					Routers:  make(map[string]traefik.TCPRouter),
					Services: make(map[string]traefik.TCPService),
				}
			}
			renderTCPRoute(doc.TCP, route)
			continue
		}
		if doc.HTTP == nil {
			doc.HTTP = &traefik.HTTP{}
		}
		_, secure := active[route.ID]
		if transport := renderRoute(doc.HTTP, route, secure); transport != "" {
			usedTransports[transport] = true
		}
	}

	out := make(map[string][]byte)
	for name, doc := range docs {
		data, err := traefik.Marshal(doc)
		if err != nil {
			return nil, errors.Annotatef(err, "rendering %q", name)
		}
		out[name] = data
	}
	for _, r := range result.Custom {
		name := DocumentName(r)
		data, err := traefik.Marshal(r.Custom)
		if err != nil {
			return nil, errors.Annotatef(err, "rendering %q", name)
		}
		out[name] = data
	}

	if global := renderGlobal(result.Config, usedTransports); global != nil {
		data, err := traefik.Marshal(global)
		if err != nil {
			return nil, errors.Annotatef(err, "rendering %q", GlobalDocument)
		}
		out[GlobalDocument] = data
	}
	if tls := renderTLS(result, active); tls != nil {
		data, err := traefik.Marshal(tls)
		if err != nil {
			return nil, errors.Annotatef(err, "rendering %q", CertificatesDocument)
		}
		out[CertificatesDocument] = data
	}
	return out, nil
}

// renderRoute adds the route to the http section and returns the servers
// transport it uses, if any.
func renderRoute(http *traefik.HTTP, route Route, secure bool) string {
	if http.Routers == nil {
		http.Routers = make(map[string]traefik.Router)
		http.Services = make(map[string]traefik.Service)
	}
	r := route.Requester

	plainMiddlewares := route.Middlewares
	if secure && r.RedirectHTTPS {
		plainMiddlewares = append([]string{route.RedirectName()}, route.Middlewares...)
		setMiddleware(http, route.RedirectName(), traefik.Middleware{
			RedirectScheme: &traefik.RedirectScheme{
				Scheme:    ingress.SchemeHTTPS,
				Port:      fmt.Sprint(traefik.WebSecurePort),
				Permanent: true,
			},
		})
	}
	http.Routers[route.RouterName()] = traefik.Router{
		Rule:        route.Rule,
		EntryPoints: []string{traefik.EntryPointWeb},
		Service:     route.ServiceName(),
		Middlewares: plainMiddlewares,
	}
	if secure {
		routerTLS := &traefik.RouterTLS{}
		if ingress.IsHostname(route.Host) {
			routerTLS.Domains = []traefik.Domain{{Main: route.Host}}
		}
		http.Routers[route.TLSRouterName()] = traefik.Router{
			Rule:        route.Rule,
			EntryPoints: []string{traefik.EntryPointWebSecure},
			Service:     route.ServiceName(),
			Middlewares: route.Middlewares,
			TLS:         routerTLS,
		}
	}

	for _, name := range route.Middlewares {
		switch name {
		case route.ForwardAuthName():
			auth := route.forwardAuth
			setMiddleware(http, name, traefik.Middleware{
				ForwardAuth: &traefik.ForwardAuth{
					Address:             auth.Address,
					AuthResponseHeaders: auth.Headers,
				},
			})
		case route.StripPrefixName():
			setMiddleware(http, name, traefik.Middleware{
				StripPrefix: &traefik.StripPrefix{
					Prefixes:   []string{route.Path},
					ForceSlash: false,
				},
			})
		}
	}

	var transport string
	if r.Scheme == ingress.SchemeHTTPS {
		transport = traefik.ReverseTerminationTransport
		if secure {
			transport = traefik.EndToEndTLSTransport
		}
	}
	service := traefik.Service{LoadBalancer: traefik.LoadBalancer{ServersTransport: transport}}
	for _, backend := range r.Backends {
		scheme := r.Scheme
		if scheme == "" {
			scheme = ingress.SchemeHTTP
		}
		service.LoadBalancer.Servers = append(service.LoadBalancer.Servers, traefik.Server{
			URL: fmt.Sprintf("%s://%s", scheme, backend.Address()),
		})
	}
	http.Services[route.ServiceName()] = service
	return transport
}

func renderTCPRoute(tcp *traefik.TCP, route Route) {
	tcp.Routers[route.TCPRouterName()] = traefik.TCPRouter{
		Rule:        route.Rule,
		EntryPoints: []string{route.EntryPoint()},
		Service:     route.TCPServiceName(),
	}
	var service traefik.TCPService
	for _, backend := range route.Requester.Backends {
		service.LoadBalancer.Servers = append(service.LoadBalancer.Servers, traefik.TCPServer{
			Address: backend.Address(),
		})
	}
	tcp.Services[route.TCPServiceName()] = service
}

func setMiddleware(http *traefik.HTTP, name string, m traefik.Middleware) {
	if http.Middlewares == nil {
		http.Middlewares = make(map[string]traefik.Middleware)
	}
	http.Middlewares[name] = m
}

func renderGlobal(cfg Config, transports map[string]bool) *traefik.Dynamic {
	http := &traefik.HTTP{}
	if cfg.BasicAuthUser != "" {
		setMiddleware(http, BasicAuthMiddleware, traefik.Middleware{
			BasicAuth: &traefik.BasicAuth{Users: []string{cfg.BasicAuthUser}},
		})
	}
	for name := range transports {
		if http.ServersTransports == nil {
			http.ServersTransports = make(map[string]traefik.ServersTransport)
		}
		http.ServersTransports[name] = traefik.ServersTransport{InsecureSkipVerify: false}
	}
	if http.Middlewares == nil && http.ServersTransports == nil {
		return nil
	}
	return &traefik.Dynamic{HTTP: http}
}

func renderTLS(result Result, active map[string]certificates.Material) *traefik.Dynamic {
	var names []string
	for _, route := range result.Routes {
		if _, ok := active[route.ID]; ok {
			names = append(names, route.ID)
		}
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)
	tls := &traefik.TLS{}
	for _, name := range names {
		certFile, keyFile := CertificatePaths(result.Config.CertificateDir, name)
		tls.Certificates = append(tls.Certificates, traefik.Certificate{CertFile: certFile, KeyFile: keyFile})
	}
	// Clients reaching a bare IP send no SNI, so they get the default
	// certificate.
	if host := result.Config.ExternalHost; host != "" && net.ParseIP(host) != nil {
		def := tls.Certificates[0]
		tls.Stores = map[string]traefik.Store{"default": {DefaultCertificate: &def}}
	}
	return &traefik.Dynamic{TLS: tls}
}

// CertificateSpecs returns the certificate every compiled route needs to
// be served over https. Only http routes with an external host get one.
func CertificateSpecs(result Result) []certificates.Spec {
	var specs []certificates.Spec
	for _, route := range result.Routes {
		if route.Host == "" || route.Requester.TCP {
			continue
		}
		spec := certificates.Spec{Name: route.ID}
		if net.ParseIP(route.Host) != nil {
			spec.IPAddresses = []string{route.Host}
		} else {
			spec.DNSNames = []string{route.Host}
		}
		specs = append(specs, spec)
	}
	return specs
}
