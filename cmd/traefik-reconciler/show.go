// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"github.com/juju/errors"
	"github.com/juju/gnuflag"

	"github.com/juju/ingress-reconciler/cmd"
	"github.com/juju/ingress-reconciler/internal/relation"
)

const showDoc = `
Prints the URL published for every requester, keyed by the relation
(and unit, for per-unit requesters) that asked for it.

Examples:

    traefik-reconciler show-proxied-endpoints --outbox-dir /var/lib/ingress/outbox
    traefik-reconciler show-proxied-endpoints --outbox-dir outbox --format json
`

// showCommand prints the proxied endpoints from the outbox.
type showCommand struct {
	outboxDir string
	out       cmd.Output
}

// Info is part of the cmd.Command interface.
func (c *showCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "show-proxied-endpoints",
		Purpose: "Show the URLs published to requesters.",
		Doc:     showDoc,
	}
}

// SetFlags is part of the cmd.Command interface.
func (c *showCommand) SetFlags(f *gnuflag.FlagSet) {
	f.StringVar(&c.outboxDir, "outbox-dir", "", "directory holding published relation data")
	c.out.AddFlags(f, "yaml", cmd.DefaultFormatters)
}

// Init is part of the cmd.Command interface.
func (c *showCommand) Init(args []string) error {
	if c.outboxDir == "" {
		return errors.New("--outbox-dir is required")
	}
	return cmd.CheckEmpty(args)
}

// Run is part of the cmd.Command interface.
func (c *showCommand) Run(ctx *cmd.Context) error {
	urls, err := relation.NewFileOutbox(ctx.AbsPath(c.outboxDir)).ReadURLs()
	if err != nil {
		return errors.Trace(err)
	}
	result := make(map[string]map[string]string, len(urls))
	for key, url := range urls {
		result[key] = map[string]string{"url": url}
	}
	return c.out.Write(ctx, result)
}
