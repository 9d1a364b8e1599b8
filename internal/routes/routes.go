// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package routes compiles ingress requesters into Traefik routing
// configuration.
package routes

import (
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/juju/ingress-reconciler/core/ingress"
	"github.com/juju/ingress-reconciler/internal/traefik"
)

var logger = loggo.GetLogger("ingress.routes")

// BasicAuthMiddleware is the name of the global basic auth middleware.
const BasicAuthMiddleware = "juju-basic-auth"

// Config holds the settings that apply to every compiled route.
type Config struct {
	// ExternalHost is the host requesters are exposed on. It may be empty
	// in path routing mode, in which case routes are served but have no
	// URL.
	ExternalHost string

	RoutingMode ingress.RoutingMode

	// BasicAuthUser is a "user:hashed-password" credential protecting
	// every compiled route when set.
	BasicAuthUser string

	ForwardAuthEnabled bool
	ForwardAuth        *ingress.ForwardAuth

	// CertificateDir is where the proxy finds certificate material.
	CertificateDir string
}

// Validate checks that routes can be compiled with the config.
func (c Config) Validate() error {
	return errors.Trace(ingress.ValidateExternalHost(c.RoutingMode, c.ExternalHost))
}

// Route is a compiled route of a per-app or per-unit requester.
type Route struct {
	// ID is the route identifier, "{model}-{app}" or "{model}-{app}-{unit}".
	ID        string
	Requester ingress.Requester

	// Rule is the Traefik matching rule.
	Rule string

	// Host and Path make up the external URL of the route. Host is empty
	// when no external host is known.
	Host string
	Path string

	// Middlewares are applied on every router of the route.
	Middlewares []string

	forwardAuth *ingress.ForwardAuth
}

// RouterName returns the name of the plain http router.
func (r Route) RouterName() string {
	return fmt.Sprintf("juju-%s-router", r.ID)
}

// TLSRouterName returns the name of the https router.
func (r Route) TLSRouterName() string {
	return fmt.Sprintf("juju-%s-router-tls", r.ID)
}

// ServiceName returns the name of the load balancer service.
func (r Route) ServiceName() string {
	return fmt.Sprintf("juju-%s-service", r.ID)
}

// ForwardAuthName returns the name of the route's forward auth middleware.
func (r Route) ForwardAuthName() string {
	return fmt.Sprintf("juju-sidecar-forward-auth-%s", r.ID)
}

// StripPrefixName returns the name of the route's strip prefix middleware.
func (r Route) StripPrefixName() string {
	return fmt.Sprintf("juju-sidecar-noprefix-%s", r.ID)
}

// RedirectName returns the name of the route's https redirect middleware.
func (r Route) RedirectName() string {
	return fmt.Sprintf("juju-sidecar-redir-https-%s", r.ID)
}

// TCPRouterName returns the name of the tcp router of a tcp route.
func (r Route) TCPRouterName() string {
	return fmt.Sprintf("juju-%s-tcp-router", r.ID)
}

// TCPServiceName returns the name of the tcp service of a tcp route.
func (r Route) TCPServiceName() string {
	return fmt.Sprintf("juju-%s-tcp-service", r.ID)
}

// EntryPoint returns the name of the dedicated entry point of a tcp route.
func (r Route) EntryPoint() string {
	return r.ID
}

// Port returns the port the proxy listens on for a tcp route.
func (r Route) Port() int {
	if len(r.Requester.Backends) == 0 {
		return 0
	}
	return r.Requester.Backends[0].Port
}

// URL returns the external URL of the route, or "" if no external host is
// known. The scheme is https only when secure is true. A tcp route is
// reachable at host:port.
func (r Route) URL(secure bool) string {
	if r.Host == "" {
		return ""
	}
	if r.Requester.TCP {
		return net.JoinHostPort(r.Host, fmt.Sprint(r.Port()))
	}
	scheme := ingress.SchemeHTTP
	if secure {
		scheme = ingress.SchemeHTTPS
	}
	return fmt.Sprintf("%s://%s%s", scheme, urlHost(r.Host), r.Path)
}

func urlHost(host string) string {
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		return "[" + host + "]"
	}
	return host
}

// Result is the output of Compile.
type Result struct {
	Config Config

	// Routes are ordered by ID.
	Routes []Route

	// Custom holds the custom-route requesters that passed collision
	// detection, ordered by relation key.
	Custom []ingress.Requester

	// Errors holds the requesters that got no route, keyed by
	// ingress.Requester.Key.
	Errors map[string]error
}

// EntryPoints returns the port of the dedicated entry point of every tcp
// route, keyed by entry point name.
func (r Result) EntryPoints() map[string]int {
	result := make(map[string]int)
	for _, route := range r.Routes {
		if route.Requester.TCP {
			result[route.EntryPoint()] = route.Port()
		}
	}
	return result
}

// CollisionError is returned for requesters whose configuration would
// emit a name also emitted by another requester.
type CollisionError struct {
	Requester string
	Name      string
	With      []string
}

// Error implements error.
func (e *CollisionError) Error() string {
	return fmt.Sprintf("%s of %s collides with %s", e.Name, e.Requester, strings.Join(e.With, ", "))
}

// IsCollisionError reports whether err is a *CollisionError.
func IsCollisionError(err error) bool {
	_, ok := errors.Cause(err).(*CollisionError)
	return ok
}

// globalOwner is the owner of names emitted independently of requesters.
const globalOwner = "global configuration"

// Compile turns the requesters into routes. A configuration that cannot
// produce safe routing is rejected as a whole; requesters in conflict
// with each other are excluded individually and reported in the result.
func Compile(requesters []ingress.Requester, cfg Config) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, errors.Trace(err)
	}
	result := Result{
		Config: cfg,
		Errors: make(map[string]error),
	}

	owners := newNameOwners()
	owners.claim(globalOwner, httpName("middlewares", BasicAuthMiddleware))
	owners.claim(globalOwner, httpName("serversTransports", traefik.ReverseTerminationTransport))
	owners.claim(globalOwner, httpName("serversTransports", traefik.EndToEndTLSTransport))
	for name, port := range map[string]int{
		traefik.EntryPointWeb:         traefik.WebPort,
		traefik.EntryPointWebSecure:   traefik.WebSecurePort,
		traefik.EntryPointDiagnostics: traefik.DiagnosticsPort,
	} {
		owners.claim(globalOwner, entryPointName(name))
		owners.claim(globalOwner, portName(port))
	}

	var (
		compiled []Route
		custom   []ingress.Requester
	)
	for _, r := range requesters {
		key := r.Key()
		if r.Mode == ingress.CustomRoute {
			for _, name := range customNames(r.Custom) {
				owners.claim(key, name)
			}
			custom = append(custom, r)
			continue
		}
		route := compile(r, cfg)
		for _, name := range route.names() {
			owners.claim(key, name)
		}
		compiled = append(compiled, route)
	}

	for key, err := range owners.collisions() {
		logger.Warningf("excluding requester %s: %v", key, err)
		result.Errors[key] = err
	}
	for _, route := range compiled {
		if _, failed := result.Errors[route.Requester.Key()]; !failed {
			result.Routes = append(result.Routes, route)
		}
	}
	for _, r := range custom {
		if _, failed := result.Errors[r.Key()]; !failed {
			result.Custom = append(result.Custom, r)
		}
	}
	sort.Slice(result.Routes, func(i, j int) bool {
		return result.Routes[i].ID < result.Routes[j].ID
	})
	sort.Slice(result.Custom, func(i, j int) bool {
		return result.Custom[i].Key() < result.Custom[j].Key()
	})
	return result, nil
}

func compile(r ingress.Requester, cfg Config) Route {
	id := r.Prefix()
	route := Route{ID: id, Requester: r}
	if r.TCP {
		route.Host = cfg.ExternalHost
		route.Rule = "HostSNI(`*`)"
		return route
	}
	switch cfg.RoutingMode {
	case ingress.SubdomainRouting:
		route.Host = fmt.Sprintf("%s.%s", id, cfg.ExternalHost)
		route.Path = "/"
		route.Rule = fmt.Sprintf("Host(`%s`)", route.Host)
	default:
		route.Host = cfg.ExternalHost
		route.Path = "/" + id
		route.Rule = fmt.Sprintf("PathPrefix(`/%s`)", id)
	}
	if cfg.ForwardAuthEnabled && cfg.ForwardAuth.Covers(r.Application) {
		route.Middlewares = append(route.Middlewares, route.ForwardAuthName())
		route.forwardAuth = cfg.ForwardAuth
	}
	if cfg.BasicAuthUser != "" {
		route.Middlewares = append(route.Middlewares, BasicAuthMiddleware)
	}
	if r.StripPrefix && cfg.RoutingMode == ingress.PathRouting {
		route.Middlewares = append(route.Middlewares, route.StripPrefixName())
	}
	return route
}

// names returns every name the route may emit, whether or not it is used
// in a particular rendering.
func (r Route) names() []string {
	if r.Requester.TCP {
		return []string{
			qualifiedName("tcp", "routers", r.TCPRouterName()),
			qualifiedName("tcp", "services", r.TCPServiceName()),
			entryPointName(r.EntryPoint()),
			portName(r.Port()),
		}
	}
	return []string{
		httpName("routers", r.RouterName()),
		httpName("routers", r.TLSRouterName()),
		httpName("services", r.ServiceName()),
		httpName("middlewares", r.ForwardAuthName()),
		httpName("middlewares", r.StripPrefixName()),
		httpName("middlewares", r.RedirectName()),
	}
}

func httpName(kind, name string) string {
	return qualifiedName("http", kind, name)
}

func entryPointName(name string) string {
	return qualifiedName("static", "entryPoints", name)
}

func portName(port int) string {
	return qualifiedName("static", "ports", fmt.Sprint(port))
}

func qualifiedName(section, kind, name string) string {
	return fmt.Sprintf("%s %s %q", section, kind, name)
}

// customNames returns the names defined by a custom route payload.
func customNames(payload map[string]interface{}) []string {
	var result []string
	for _, section := range []string{"http", "tcp", "udp"} {
		content, _ := payload[section].(map[string]interface{})
		for kind, defs := range content {
			named, ok := defs.(map[string]interface{})
			if !ok {
				continue
			}
			for name := range named {
				result = append(result, qualifiedName(section, kind, name))
			}
		}
	}
	sort.Strings(result)
	return result
}

type nameOwners struct {
	owners map[string]set.Strings
}

func newNameOwners() *nameOwners {
	return &nameOwners{owners: make(map[string]set.Strings)}
}

func (n *nameOwners) claim(owner, name string) {
	if _, ok := n.owners[name]; !ok {
		n.owners[name] = set.NewStrings()
	}
	n.owners[name].Add(owner)
}

// collisions returns a CollisionError for every requester owning a name
// together with another owner. Only the first colliding name (in sorted
// order) of a requester is reported.
func (n *nameOwners) collisions() map[string]error {
	names := make([]string, 0, len(n.owners))
	for name := range n.owners {
		names = append(names, name)
	}
	sort.Strings(names)

	result := make(map[string]error)
	for _, name := range names {
		owners := n.owners[name]
		if owners.Size() < 2 {
			continue
		}
		for _, owner := range owners.SortedValues() {
			if owner == globalOwner {
				continue
			}
			if _, seen := result[owner]; seen {
				continue
			}
			others := owners.Difference(set.NewStrings(owner))
			result[owner] = &CollisionError{
				Requester: owner,
				Name:      name,
				With:      others.SortedValues(),
			}
		}
	}
	return result
}
