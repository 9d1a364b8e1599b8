// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package ingress holds the domain types shared by the ingress
// reconciliation pipeline: who is asking to be exposed, and how.
package ingress

import (
	"fmt"
	"net"
	"strings"

	"github.com/juju/errors"
)

// Mode is the kind of ingress a requester asked for.
type Mode string

const (
	// PerApp exposes a whole application behind one route, load
	// balancing over all of its units.
	PerApp Mode = "per-app"

	// PerUnit exposes every unit behind its own route.
	PerUnit Mode = "per-unit"

	// CustomRoute carries proxy-native configuration supplied verbatim by
	// the requester.
	CustomRoute Mode = "custom-route"
)

// RoutingMode determines how a route identifier is mapped onto the
// external address space.
type RoutingMode string

const (
	// PathRouting exposes routes as path prefixes of the external host.
	PathRouting RoutingMode = "path"

	// SubdomainRouting exposes routes as subdomains of the external host.
	SubdomainRouting RoutingMode = "subdomain"
)

// Validate returns an error if the routing mode is not known.
func (m RoutingMode) Validate() error {
	switch m {
	case PathRouting, SubdomainRouting:
		return nil
	}
	return errors.NotValidf("routing mode %q", string(m))
}

const (
	// SchemeHTTP is the plain text scheme.
	SchemeHTTP = "http"
	// SchemeHTTPS is the TLS scheme.
	SchemeHTTPS = "https"
)

// Identity identifies a requester within a reconciliation tick.
type Identity struct {
	// Model is the name of the model the requester lives in.
	Model string

	// Application is the requesting application.
	Application string

	// Unit is the unit number, only meaningful when HasUnit is set.
	Unit    int
	HasUnit bool
}

// AppIdentity returns the identity of a whole application.
func AppIdentity(model, application string) Identity {
	return Identity{Model: model, Application: application}
}

// UnitIdentity returns the identity of a single unit.
func UnitIdentity(model, application string, unit int) Identity {
	return Identity{Model: model, Application: application, Unit: unit, HasUnit: true}
}

// String returns the juju style name of the requester: "app" or "app/0".
func (id Identity) String() string {
	if id.HasUnit {
		return fmt.Sprintf("%s/%d", id.Application, id.Unit)
	}
	return id.Application
}

// Prefix returns the canonical route identifier of the requester:
// "{model}-{app}" or "{model}-{app}-{unit}".
func (id Identity) Prefix() string {
	if id.HasUnit {
		return fmt.Sprintf("%s-%s-%d", id.Model, id.Application, id.Unit)
	}
	return fmt.Sprintf("%s-%s", id.Model, id.Application)
}

// Less orders identities by model, application and unit.
func (id Identity) Less(other Identity) bool {
	if id.Model != other.Model {
		return id.Model < other.Model
	}
	if id.Application != other.Application {
		return id.Application < other.Application
	}
	if id.HasUnit != other.HasUnit {
		return !id.HasUnit
	}
	return id.Unit < other.Unit
}

// Backend is a network address a route forwards to.
type Backend struct {
	Host string
	Port int
}

// Address returns host:port.
func (b Backend) Address() string {
	return net.JoinHostPort(b.Host, fmt.Sprint(b.Port))
}

// RelationKey locates the relation a requester came from.
type RelationKey struct {
	Endpoint string
	ID       int
}

// String returns "endpoint:id", the way juju prints relation keys.
func (k RelationKey) String() string {
	return fmt.Sprintf("%s:%d", k.Endpoint, k.ID)
}

// Requester is one ingress request, materialised fresh on every tick from
// relation data.
type Requester struct {
	Identity
	Mode     Mode
	Relation RelationKey

	// Backends are the addresses to forward to; one per unit for per-app
	// requesters, exactly one for per-unit requesters.
	Backends []Backend

	// Scheme is the scheme the backends themselves speak.
	Scheme string

	StripPrefix   bool
	RedirectHTTPS bool

	// TCP is set for per-unit requesters routed at the transport layer.
	// The proxy listens on the backend port on an entry point of its own.
	TCP bool

	// Custom is the validated proxy-native payload of a custom-route
	// requester, keyed by top-level section (http, tcp, udp, tls).
	Custom map[string]interface{}
}

// Key returns the relation coordinates of the requester: "endpoint:id" for
// application requesters, "endpoint:id/app/N" for unit requesters.
func (r Requester) Key() string {
	if r.HasUnit {
		return fmt.Sprintf("%s/%s", r.Relation, r.Identity)
	}
	return r.Relation.String()
}

// ForwardAuth is the configuration published by an identity and access
// proxy over the forward-auth relation.
type ForwardAuth struct {
	Address  string
	Headers  []string
	AppNames []string
}

// Covers reports whether the forward auth provider protects the given
// application. An empty application list protects everything.
func (f *ForwardAuth) Covers(application string) bool {
	if f == nil {
		return false
	}
	if len(f.AppNames) == 0 {
		return true
	}
	for _, name := range f.AppNames {
		if name == application {
			return true
		}
	}
	return false
}

// IsHostname returns false if the value is empty or an IP address.
func IsHostname(value string) bool {
	if value == "" {
		return false
	}
	return net.ParseIP(value) == nil
}

// ValidateExternalHost checks that the external host can be used with the
// routing mode. Subdomains are undefined for bare IPs, so subdomain routing
// requires a real hostname.
func ValidateExternalHost(mode RoutingMode, host string) error {
	if err := mode.Validate(); err != nil {
		return errors.Trace(err)
	}
	if strings.Contains(host, "://") {
		return errors.NotValidf("external hostname %q with scheme", host)
	}
	if strings.ContainsAny(host, "/ ") {
		return errors.NotValidf("external hostname %q", host)
	}
	if net.ParseIP(host) == nil && strings.Contains(host, ":") {
		return errors.NotValidf("external hostname %q with port", host)
	}
	if mode == SubdomainRouting {
		if host == "" {
			return errors.NotValidf("subdomain routing mode without external hostname")
		}
		if !IsHostname(host) {
			return errors.NotValidf("subdomain routing mode with IP address %q as external hostname", host)
		}
	}
	return nil
}
