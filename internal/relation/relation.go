// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package relation is the boundary between the reconciler and the relation
// transport. Relation settings arrive as untyped string databags; they are
// only given meaning, and validated, by the topology store.
package relation

import (
	"context"
	"fmt"

	"github.com/juju/naturalsort"
)

// Endpoint names served by the proxy.
const (
	IngressEndpoint        = "ingress"
	IngressPerUnitEndpoint = "ingress-per-unit"
	TraefikRouteEndpoint   = "traefik-route"
	CertificatesEndpoint   = "certificates"
	ForwardAuthEndpoint    = "experimental-forward-auth"
)

// Settings is a relation databag.
type Settings map[string]string

// Data is the current content of one relation: the remote application's
// databag and one databag per remote unit.
type Data struct {
	Endpoint    string              `yaml:"endpoint"`
	ID          int                 `yaml:"id"`
	Application string              `yaml:"application"`
	AppData     Settings            `yaml:"app-data,omitempty"`
	Units       map[string]Settings `yaml:"units,omitempty"`
}

// Key returns the "endpoint:id" key of the relation.
func (d Data) Key() string {
	return fmt.Sprintf("%s:%d", d.Endpoint, d.ID)
}

// UnitNames returns the names of the remote units in natural order, so
// "app/2" sorts before "app/10".
func (d Data) UnitNames() []string {
	result := make([]string, 0, len(d.Units))
	for name := range d.Units {
		result = append(result, name)
	}
	return naturalsort.Sort(result)
}

// Source supplies the current relation data. Implementations must return a
// consistent view; a relation that is gone is simply absent.
type Source interface {
	Relations(ctx context.Context) ([]Data, error)
}
