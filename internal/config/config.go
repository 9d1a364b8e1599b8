// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config holds the static, operator supplied configuration of the
// ingress reconciler.
package config

import (
	"os"
	"regexp"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/schema"
	"gopkg.in/juju/environschema.v1"
	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/util/validation"

	"github.com/juju/ingress-reconciler/core/ingress"
)

const (
	ExternalHostnameKey        = "external_hostname"
	RoutingModeKey             = "routing_mode"
	BasicAuthUserKey           = "basic_auth_user"
	ForwardAuthKey             = "enable_experimental_forward_auth"
	LoadBalancerAnnotationsKey = "loadbalancer_annotations"
)

var configSchema = environschema.Fields{
	ExternalHostnameKey: {
		Description: "The bare DNS name (no scheme, no port) under which requesters are exposed.",
		Type:        environschema.Tstring,
	},
	RoutingModeKey: {
		Description: "How routes are mapped onto the external host: path or subdomain.",
		Type:        environschema.Tstring,
		Values:      []interface{}{string(ingress.PathRouting), string(ingress.SubdomainRouting)},
	},
	BasicAuthUserKey: {
		Description: "A single user:hashed-password pair enabling basic auth on every route.",
		Type:        environschema.Tstring,
		Secret:      true,
	},
	ForwardAuthKey: {
		Description: "Enable forward auth middlewares when an auth provider is related.",
		Type:        environschema.Tbool,
	},
	LoadBalancerAnnotationsKey: {
		Description: "Comma separated key=value annotations for the load balancer service.",
		Type:        environschema.Tstring,
	},
}

var configDefaults = schema.Defaults{
	ExternalHostnameKey:        "",
	RoutingModeKey:             string(ingress.PathRouting),
	BasicAuthUserKey:           "",
	ForwardAuthKey:             false,
	LoadBalancerAnnotationsKey: "",
}

// Config is the validated static configuration.
type Config struct {
	ExternalHostname        string
	RoutingMode             ingress.RoutingMode
	BasicAuthUser           string
	ForwardAuthEnabled      bool
	LoadBalancerAnnotations map[string]string
}

// annotationValue matches the annotation values the load balancer accepts.
var annotationValue = regexp.MustCompile(`^[\w.\-]+$`)

var reservedAnnotationPrefixes = []string{"kubernetes.io/", "k8s.io/"}

// New coerces the raw attributes and returns a validated Config.
func New(attrs map[string]interface{}) (*Config, error) {
	fields, defaults, err := configSchema.ValidationSchema()
	if err != nil {
		return nil, errors.Trace(err)
	}
	for k, v := range configDefaults {
		defaults[k] = v
	}
	if attrs == nil {
		attrs = map[string]interface{}{}
	}
	coerced, err := schema.FieldMap(fields, defaults).Coerce(attrs, nil)
	if err != nil {
		return nil, errors.NewNotValid(err, "invalid configuration")
	}
	valid := coerced.(map[string]interface{})

	cfg := &Config{
		ExternalHostname:   strings.TrimSpace(valid[ExternalHostnameKey].(string)),
		RoutingMode:        ingress.RoutingMode(valid[RoutingModeKey].(string)),
		BasicAuthUser:      strings.TrimSpace(valid[BasicAuthUserKey].(string)),
		ForwardAuthEnabled: valid[ForwardAuthKey].(bool),
	}
	cfg.LoadBalancerAnnotations, err = ParseAnnotations(valid[LoadBalancerAnnotationsKey].(string))
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return cfg, nil
}

// Load reads a YAML document of configuration attributes from path.
// A missing file yields the default configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return New(nil)
	} else if err != nil {
		return nil, errors.Annotatef(err, "reading config %q", path)
	}
	var attrs map[string]interface{}
	if err := yaml.Unmarshal(data, &attrs); err != nil {
		return nil, errors.NewNotValid(err, "parsing config "+path)
	}
	return New(attrs)
}

// Validate returns an error satisfying errors.IsNotValid when the
// configuration cannot produce a safe routing configuration.
func (c *Config) Validate() error {
	if err := ingress.ValidateExternalHost(c.RoutingMode, c.ExternalHostname); err != nil {
		return errors.Trace(err)
	}
	if c.BasicAuthUser != "" {
		name, hash, ok := strings.Cut(c.BasicAuthUser, ":")
		if !ok || name == "" || hash == "" {
			return errors.NotValidf("basic_auth_user, expected user:hashed-password")
		}
	}
	return nil
}

// ParseAnnotations parses "key1=value1,key2=value2". Keys must be valid
// Kubernetes qualified names outside the prefixes reserved for Kubernetes
// itself.
func ParseAnnotations(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	result := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, errors.NotValidf("annotation %q, expected key=value", pair)
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if msgs := validation.IsQualifiedName(key); len(msgs) > 0 {
			return nil, errors.NotValidf("annotation key %q: %s", key, strings.Join(msgs, "; "))
		}
		for _, prefix := range reservedAnnotationPrefixes {
			if strings.HasPrefix(key, prefix) {
				return nil, errors.NotValidf("annotation key %q with reserved prefix %q", key, prefix)
			}
		}
		if !annotationValue.MatchString(value) {
			return nil, errors.NotValidf("annotation value %q for key %q", value, key)
		}
		result[key] = value
	}
	return result, nil
}
