// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package topology

import (
	"github.com/juju/schema"
)

// Keys of the ingress relation databags.
const (
	modelKey         = "model"
	nameKey          = "name"
	hostKey          = "host"
	portKey          = "port"
	modeKey          = "mode"
	stripPrefixKey   = "strip-prefix"
	redirectHTTPSKey = "redirect-https"
	schemeKey        = "scheme"

	configKey = "config"

	caCertificateKey = "ca_certificate"

	authEndpointKey = "auth_endpoint"
	headersKey      = "headers"
	appNamesKey     = "app_names"
)

var schemeChecker = schema.OneOf(schema.Const("http"), schema.Const("https"))

var ingressAppChecker = schema.FieldMap(
	schema.Fields{
		modelKey:         schema.String(),
		nameKey:          schema.String(),
		portKey:          schema.ForceInt(),
		stripPrefixKey:   schema.Bool(),
		redirectHTTPSKey: schema.Bool(),
		schemeKey:        schemeChecker,
	},
	schema.Defaults{
		stripPrefixKey:   false,
		redirectHTTPSKey: false,
		schemeKey:        "http",
	},
)

var ingressUnitChecker = schema.FieldMap(
	schema.Fields{
		hostKey: schema.String(),
	},
	schema.Defaults{},
)

var ingressPerUnitChecker = schema.FieldMap(
	schema.Fields{
		modelKey:         schema.String(),
		nameKey:          schema.String(),
		hostKey:          schema.String(),
		portKey:          schema.ForceInt(),
		modeKey:          schema.OneOf(schema.Const("http"), schema.Const("tcp")),
		stripPrefixKey:   schema.Bool(),
		redirectHTTPSKey: schema.Bool(),
		schemeKey:        schemeChecker,
	},
	schema.Defaults{
		modeKey:          "http",
		stripPrefixKey:   false,
		redirectHTTPSKey: false,
		schemeKey:        "http",
	},
)

var traefikRouteChecker = schema.FieldMap(
	schema.Fields{
		modelKey:  schema.String(),
		configKey: schema.String(),
	},
	schema.Defaults{
		modelKey: schema.Omit,
	},
)

var forwardAuthChecker = schema.FieldMap(
	schema.Fields{
		authEndpointKey: schema.String(),
		headersKey:      schema.String(),
		appNamesKey:     schema.String(),
	},
	schema.Defaults{
		headersKey:  schema.Omit,
		appNamesKey: schema.Omit,
	},
)

// customSections are the top-level keys a custom route may carry.
var customSections = []string{"http", "tcp", "udp", "tls"}
