// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package traefik

import "fmt"

// Static is Traefik's static configuration.
type Static struct {
	Global      Global                `yaml:"global"`
	Log         Log                   `yaml:"log"`
	EntryPoints map[string]EntryPoint `yaml:"entryPoints"`
	Metrics     Metrics               `yaml:"metrics"`
	Ping        Ping                  `yaml:"ping"`
	Providers   Providers             `yaml:"providers"`
}

// Global disables phoning home.
type Global struct {
	CheckNewVersion    bool `yaml:"checkNewVersion"`
	SendAnonymousUsage bool `yaml:"sendAnonymousUsage"`
}

// Log sets the proxy log level.
type Log struct {
	Level string `yaml:"level"`
}

// EntryPoint is a listening address.
type EntryPoint struct {
	Address string `yaml:"address"`
}

// Metrics configures the metrics exporters.
type Metrics struct {
	Prometheus Prometheus `yaml:"prometheus"`
}

// Prometheus configures the prometheus exporter.
type Prometheus struct {
	AddRoutersLabels  bool   `yaml:"addRoutersLabels"`
	AddServicesLabels bool   `yaml:"addServicesLabels"`
	EntryPoint        string `yaml:"entryPoint"`
}

// Ping enables the health check endpoint.
type Ping struct {
	EntryPoint string `yaml:"entryPoint"`
}

// Providers lists the dynamic configuration providers.
type Providers struct {
	File FileProvider `yaml:"file"`
}

// FileProvider polls a directory for dynamic configuration.
type FileProvider struct {
	Directory string `yaml:"directory"`
	Watch     bool   `yaml:"watch"`
}

// Ports of the default entry points.
const (
	DiagnosticsPort = 8082
	WebPort         = 80
	WebSecurePort   = 443
)

// NewStatic returns the static configuration watching dir for dynamic
// configuration. tcpEntryPoints maps the names of additional entry points
// to the port they listen on.
func NewStatic(dir, logLevel string, tcpEntryPoints map[string]int) Static {
	if logLevel == "" {
		logLevel = "INFO"
	}
	static := Static{
		Log: Log{Level: logLevel},
		EntryPoints: map[string]EntryPoint{
			EntryPointDiagnostics: {Address: fmt.Sprintf(":%d", DiagnosticsPort)},
			EntryPointWeb:         {Address: fmt.Sprintf(":%d", WebPort)},
			EntryPointWebSecure:   {Address: fmt.Sprintf(":%d", WebSecurePort)},
		},
		Metrics: Metrics{Prometheus: Prometheus{
			AddRoutersLabels:  true,
			AddServicesLabels: true,
			EntryPoint:        EntryPointDiagnostics,
		}},
		Ping:      Ping{EntryPoint: EntryPointDiagnostics},
		Providers: Providers{File: FileProvider{Directory: dir, Watch: true}},
	}
	for name, port := range tcpEntryPoints {
		static.EntryPoints[name] = EntryPoint{Address: fmt.Sprintf(":%d", port)}
	}
	return static
}
