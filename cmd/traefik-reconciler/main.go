// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"fmt"
	"os"

	"github.com/juju/ingress-reconciler/cmd"
)

// version is set at build time.
var version = "dev"

// NewSuperCommand returns the traefik-reconciler command with all its
// subcommands registered.
func NewSuperCommand() *cmd.SuperCommand {
	super := cmd.NewSuperCommand(cmd.SuperCommandParams{
		Name:    "traefik-reconciler",
		Purpose: "Reconcile Traefik routing configuration from ingress relations.",
		Doc: `
traefik-reconciler turns the relation data of ingress requesters into Traefik
dynamic configuration, manages the certificates of the routes and publishes
the resulting URLs back to the requesters.
`,
		Version: version,
		Log: &cmd.Log{
			DefaultConfig: os.Getenv("INGRESS_RECONCILER_LOGGING_CONFIG"),
		},
	})
	super.Register(newRunCommand())
	super.Register(&showCommand{})
	return super
}

func main() {
	ctx, err := cmd.DefaultContext()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR %v\n", err)
		os.Exit(2)
	}
	os.Exit(cmd.Main(NewSuperCommand(), ctx, os.Args[1:]))
}
