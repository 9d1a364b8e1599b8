// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package topology turns raw relation data into the validated set of
// ingress requesters for one reconciliation tick.
package topology

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/names/v5"
	"github.com/juju/schema"
	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/util/validation"

	"github.com/juju/ingress-reconciler/core/ingress"
	"github.com/juju/ingress-reconciler/internal/relation"
)

var logger = loggo.GetLogger("ingress.topology")

// PayloadError describes a relation payload that failed validation. Only
// the requester it belongs to is excluded from the snapshot.
type PayloadError struct {
	// Key is "endpoint:id" or "endpoint:id/unit".
	Key string
	Err error
}

// Error implements error.
func (e *PayloadError) Error() string {
	return fmt.Sprintf("invalid payload on %s: %v", e.Key, e.Err)
}

// Unwrap returns the underlying validation error.
func (e *PayloadError) Unwrap() error {
	return e.Err
}

// IsPayloadError reports whether err is a *PayloadError.
func IsPayloadError(err error) bool {
	_, ok := errors.Cause(err).(*PayloadError)
	return ok
}

// TLSProvider describes the certificate authority relation.
type TLSProvider struct {
	Relation      ingress.RelationKey
	CACertificate string
}

// Snapshot is the validated view of the topology at one instant.
type Snapshot struct {
	// Requesters are ordered by identity.
	Requesters []ingress.Requester

	// Errors holds the validation failure of every excluded requester.
	Errors map[string]error

	// NotReady lists relations whose remote side has not yet published
	// enough data to be routed. They are not errors.
	NotReady []string

	// TLS is nil when no certificate authority is related.
	TLS *TLSProvider

	// ForwardAuth is nil when no forward auth provider is related or it
	// has not published its endpoint yet.
	ForwardAuth *ingress.ForwardAuth
}

// Store materialises snapshots from a relation source.
type Store struct {
	source relation.Source
}

// NewStore returns a Store reading from source.
func NewStore(source relation.Source) *Store {
	return &Store{source: source}
}

// Snapshot reads the relation data and validates it. Only a failure to read
// the data at all is returned as an error.
func (s *Store) Snapshot(ctx context.Context) (Snapshot, error) {
	data, err := s.source.Relations(ctx)
	if err != nil {
		return Snapshot{}, errors.Annotate(err, "reading relations")
	}
	return Build(data), nil
}

// Build validates the relation data and returns the resulting snapshot.
func Build(data []relation.Data) Snapshot {
	b := &builder{
		snapshot: Snapshot{Errors: make(map[string]error)},
		owners:   make(map[ingress.Identity][]string),
	}
	for _, rel := range data {
		switch rel.Endpoint {
		case relation.IngressEndpoint:
			b.ingress(rel)
		case relation.IngressPerUnitEndpoint:
			b.ingressPerUnit(rel)
		case relation.TraefikRouteEndpoint:
			b.traefikRoute(rel)
		case relation.CertificatesEndpoint:
			b.certificates(rel)
		case relation.ForwardAuthEndpoint:
			b.forwardAuth(rel)
		default:
			logger.Debugf("ignoring relation %s on unknown endpoint", rel.Key())
		}
	}
	b.dropDuplicates()
	sort.SliceStable(b.snapshot.Requesters, func(i, j int) bool {
		return b.snapshot.Requesters[i].Identity.Less(b.snapshot.Requesters[j].Identity)
	})
	sort.Strings(b.snapshot.NotReady)
	return b.snapshot
}

type builder struct {
	snapshot Snapshot
	// owners records the error keys of every requester claiming an identity.
	owners map[ingress.Identity][]string
}

func (b *builder) reject(key string, err error) {
	logger.Warningf("excluding requester %s: %v", key, err)
	b.snapshot.Errors[key] = &PayloadError{Key: key, Err: err}
}

func (b *builder) add(key string, r ingress.Requester) {
	b.owners[r.Identity] = append(b.owners[r.Identity], key)
	b.snapshot.Requesters = append(b.snapshot.Requesters, r)
}

func (b *builder) dropDuplicates() {
	duplicated := set.NewStrings()
	for id, keys := range b.owners {
		if len(keys) < 2 {
			continue
		}
		for _, key := range keys {
			duplicated.Add(key)
			others := set.NewStrings(keys...)
			others.Remove(key)
			b.reject(key, errors.Errorf("duplicate requester %q also requested by %s",
				id.String(), strings.Join(others.SortedValues(), ", ")))
		}
	}
	if duplicated.IsEmpty() {
		return
	}
	kept := b.snapshot.Requesters[:0]
	for _, r := range b.snapshot.Requesters {
		if len(b.owners[r.Identity]) < 2 {
			kept = append(kept, r)
		}
	}
	b.snapshot.Requesters = kept
}

func coerce(checker schema.Checker, settings relation.Settings) (map[string]interface{}, error) {
	attrs := make(map[string]interface{}, len(settings))
	for k, v := range settings {
		attrs[k] = v
	}
	out, err := checker.Coerce(attrs, nil)
	if err != nil {
		return nil, errors.NewNotValid(err, "relation data")
	}
	return out.(map[string]interface{}), nil
}

func validateModel(model string) error {
	if msgs := validation.IsDNS1123Label(model); len(msgs) > 0 {
		return errors.NotValidf("model name %q: %s", model, strings.Join(msgs, "; "))
	}
	return nil
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return errors.NotValidf("port %d", port)
	}
	return nil
}

func validateBackend(host string, port int) error {
	if host == "" || strings.ContainsAny(host, " /") {
		return errors.NotValidf("host %q", host)
	}
	return validatePort(port)
}

func (b *builder) ingress(rel relation.Data) {
	key := rel.Key()
	if len(rel.AppData) == 0 {
		b.snapshot.NotReady = append(b.snapshot.NotReady, key)
		return
	}
	attrs, err := coerce(ingressAppChecker, rel.AppData)
	if err != nil {
		b.reject(key, err)
		return
	}
	model, app := attrs[modelKey].(string), attrs[nameKey].(string)
	if err := validateModel(model); err != nil {
		b.reject(key, err)
		return
	}
	if !names.IsValidApplication(app) {
		b.reject(key, errors.NotValidf("application name %q", app))
		return
	}
	port := attrs[portKey].(int)
	if err := validatePort(port); err != nil {
		b.reject(key, err)
		return
	}
	r := ingress.Requester{
		Identity:      ingress.AppIdentity(model, app),
		Mode:          ingress.PerApp,
		Relation:      ingress.RelationKey{Endpoint: rel.Endpoint, ID: rel.ID},
		Scheme:        attrs[schemeKey].(string),
		StripPrefix:   attrs[stripPrefixKey].(bool),
		RedirectHTTPS: attrs[redirectHTTPSKey].(bool),
	}
	for _, unit := range rel.UnitNames() {
		settings := rel.Units[unit]
		if len(settings) == 0 {
			continue
		}
		unitAttrs, err := coerce(ingressUnitChecker, settings)
		if err != nil {
			logger.Warningf("ignoring unit %s on %s: %v", unit, key, err)
			continue
		}
		host := unitAttrs[hostKey].(string)
		if err := validateBackend(host, port); err != nil {
			b.reject(key, err)
			return
		}
		r.Backends = append(r.Backends, ingress.Backend{Host: host, Port: port})
	}
	if len(r.Backends) == 0 {
		b.snapshot.NotReady = append(b.snapshot.NotReady, key)
		return
	}
	b.add(key, r)
}

func (b *builder) ingressPerUnit(rel relation.Data) {
	for _, unit := range rel.UnitNames() {
		key := fmt.Sprintf("%s/%s", rel.Key(), unit)
		settings := rel.Units[unit]
		if len(settings) == 0 {
			b.snapshot.NotReady = append(b.snapshot.NotReady, key)
			continue
		}
		r, err := perUnitRequester(rel, settings)
		if err != nil {
			b.reject(key, err)
			continue
		}
		b.add(key, r)
	}
}

func perUnitRequester(rel relation.Data, settings relation.Settings) (ingress.Requester, error) {
	attrs, err := coerce(ingressPerUnitChecker, settings)
	if err != nil {
		return ingress.Requester{}, errors.Trace(err)
	}
	model, unit := attrs[modelKey].(string), attrs[nameKey].(string)
	if err := validateModel(model); err != nil {
		return ingress.Requester{}, errors.Trace(err)
	}
	if !names.IsValidUnit(unit) {
		return ingress.Requester{}, errors.NotValidf("unit name %q", unit)
	}
	host, port := attrs[hostKey].(string), attrs[portKey].(int)
	if err := validateBackend(host, port); err != nil {
		return ingress.Requester{}, errors.Trace(err)
	}
	app, _ := names.UnitApplication(unit)
	number := names.NewUnitTag(unit).Number()
	return ingress.Requester{
		Identity:      ingress.UnitIdentity(model, app, number),
		Mode:          ingress.PerUnit,
		Relation:      ingress.RelationKey{Endpoint: rel.Endpoint, ID: rel.ID},
		Backends:      []ingress.Backend{{Host: host, Port: port}},
		Scheme:        attrs[schemeKey].(string),
		StripPrefix:   attrs[stripPrefixKey].(bool),
		RedirectHTTPS: attrs[redirectHTTPSKey].(bool),
		TCP:           attrs[modeKey] == "tcp",
	}, nil
}

func (b *builder) traefikRoute(rel relation.Data) {
	key := rel.Key()
	if len(rel.AppData) == 0 {
		b.snapshot.NotReady = append(b.snapshot.NotReady, key)
		return
	}
	attrs, err := coerce(traefikRouteChecker, rel.AppData)
	if err != nil {
		b.reject(key, err)
		return
	}
	custom, err := parseCustomConfig(attrs[configKey].(string))
	if err != nil {
		b.reject(key, err)
		return
	}
	model, _ := attrs[modelKey].(string)
	if model != "" {
		if err := validateModel(model); err != nil {
			b.reject(key, err)
			return
		}
	}
	if !names.IsValidApplication(rel.Application) {
		b.reject(key, errors.NotValidf("application name %q", rel.Application))
		return
	}
	b.add(key, ingress.Requester{
		Identity: ingress.AppIdentity(model, rel.Application),
		Mode:     ingress.CustomRoute,
		Relation: ingress.RelationKey{Endpoint: rel.Endpoint, ID: rel.ID},
		Custom:   custom,
	})
}

func parseCustomConfig(raw string) (map[string]interface{}, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, errors.NewNotValid(err, "route config")
	}
	if len(doc) == 0 {
		return nil, errors.NotValidf("empty route config")
	}
	allowed := set.NewStrings(customSections...)
	for section, content := range doc {
		if !allowed.Contains(section) {
			return nil, errors.NotValidf("route config section %q", section)
		}
		if _, ok := content.(map[string]interface{}); !ok {
			return nil, errors.NotValidf("route config section %q (not a mapping)", section)
		}
	}
	return doc, nil
}

func (b *builder) certificates(rel relation.Data) {
	if b.snapshot.TLS != nil {
		logger.Warningf("ignoring second certificate authority relation %s", rel.Key())
		return
	}
	b.snapshot.TLS = &TLSProvider{
		Relation:      ingress.RelationKey{Endpoint: rel.Endpoint, ID: rel.ID},
		CACertificate: rel.AppData[caCertificateKey],
	}
}

func (b *builder) forwardAuth(rel relation.Data) {
	key := rel.Key()
	if b.snapshot.ForwardAuth != nil {
		logger.Warningf("ignoring second forward auth relation %s", key)
		return
	}
	if len(rel.AppData) == 0 {
		b.snapshot.NotReady = append(b.snapshot.NotReady, key)
		return
	}
	attrs, err := coerce(forwardAuthChecker, rel.AppData)
	if err != nil {
		b.reject(key, err)
		return
	}
	auth := &ingress.ForwardAuth{Address: attrs[authEndpointKey].(string)}
	if raw, ok := attrs[headersKey].(string); ok {
		if auth.Headers, err = parseList(raw); err != nil {
			b.reject(key, errors.Annotate(err, headersKey))
			return
		}
	}
	if raw, ok := attrs[appNamesKey].(string); ok {
		if auth.AppNames, err = parseList(raw); err != nil {
			b.reject(key, errors.Annotate(err, appNamesKey))
			return
		}
	}
	b.snapshot.ForwardAuth = auth
}

// parseList accepts a JSON or YAML list of strings.
func parseList(raw string) ([]string, error) {
	var list []string
	if err := yaml.Unmarshal([]byte(raw), &list); err != nil {
		return nil, errors.NewNotValid(err, "list of strings")
	}
	return list, nil
}
