// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package cmd

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo"
)

// StartupLoggingConfigEnvKey names the environment variable holding the
// logging configuration applied before flags are parsed.
const StartupLoggingConfigEnvKey = "INGRESS_RECONCILER_STARTUP_LOGGING_CONFIG"

func init() {
	// If the environment key is empty, ConfigureLoggers returns nil and does
	// nothing.
	err := loggo.ConfigureLoggers(os.Getenv(StartupLoggingConfigEnvKey))
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR parsing %s: %s\n\n", StartupLoggingConfigEnvKey, err)
	}
}

var logger = loggo.GetLogger("ingress.cmd")

// Log holds the logging flags of a SuperCommand.
type Log struct {
	// DefaultConfig is used when no --logging-config is given.
	DefaultConfig string

	Config string
	Debug  bool
}

// AddFlags adds the logging flags to f.
func (l *Log) AddFlags(f *gnuflag.FlagSet) {
	f.StringVar(&l.Config, "logging-config", l.DefaultConfig, "specify log levels for modules")
	f.BoolVar(&l.Debug, "debug", false, "equivalent to --logging-config=<root>=DEBUG")
}

// Start configures loggo to write to ctx.Stderr at the requested levels.
func (l *Log) Start(ctx *Context) error {
	if _, err := loggo.ReplaceDefaultWriter(loggo.NewSimpleWriter(ctx.Stderr, loggo.DefaultFormatter)); err != nil {
		return errors.Trace(err)
	}
	config := l.Config
	if l.Debug {
		if config == "" {
			config = "<root>=DEBUG"
		} else {
			config = "<root>=DEBUG;" + config
		}
	}
	if err := loggo.ConfigureLoggers(config); err != nil {
		return errors.Annotate(err, "configuring loggers")
	}
	return nil
}

// SuperCommandParams provides a way to have default parameter to the
// NewSuperCommand call.
type SuperCommandParams struct {
	Name    string
	Purpose string
	Doc     string
	Version string
	Log     *Log
}

// SuperCommand is a Command that selects a subcommand and assumes its
// properties.
type SuperCommand struct {
	params  SuperCommandParams
	subcmds map[string]Command
	action  Command
	args    []string
	version bool
}

// NewSuperCommand creates and initializes a new SuperCommand.
func NewSuperCommand(p SuperCommandParams) *SuperCommand {
	if p.Log == nil {
		p.Log = &Log{}
	}
	return &SuperCommand{
		params:  p,
		subcmds: make(map[string]Command),
	}
}

// Register makes a subcommand available for use on the command line. It
// panics on duplicate names.
func (c *SuperCommand) Register(subcmd Command) {
	name := subcmd.Info().Name
	if _, found := c.subcmds[name]; found {
		panic(fmt.Sprintf("command already registered: %q", name))
	}
	c.subcmds[name] = subcmd
}

// Info is part of the Command interface.
func (c *SuperCommand) Info() *Info {
	var names []string
	for name := range c.subcmds {
		names = append(names, name)
	}
	sort.Strings(names)
	doc := strings.TrimSpace(c.params.Doc)
	if len(names) > 0 {
		var lines []string
		for _, name := range names {
			lines = append(lines, fmt.Sprintf("    %-24s %s", name, c.subcmds[name].Info().Purpose))
		}
		doc = strings.TrimSpace(doc + "\n\nCommands:\n" + strings.Join(lines, "\n"))
	}
	return &Info{
		Name:    c.params.Name,
		Args:    "<command> ...",
		Purpose: c.params.Purpose,
		Doc:     doc,
	}
}

// SetFlags is part of the Command interface.
func (c *SuperCommand) SetFlags(f *gnuflag.FlagSet) {
	c.params.Log.AddFlags(f)
	if c.params.Version != "" {
		f.BoolVar(&c.version, "version", false, "show the version")
	}
}

// Init is part of the Command interface. It selects the subcommand and
// parses the remaining arguments with the subcommand's flags.
func (c *SuperCommand) Init(args []string) error {
	if c.version {
		return nil
	}
	if len(args) == 0 {
		return errors.New("no command specified")
	}
	name, rest := args[0], args[1:]
	action, found := c.subcmds[name]
	if !found {
		return errors.Errorf("unrecognized command: %s %s", c.params.Name, name)
	}
	c.action = action
	f := NewFlagSet(action)
	if err := f.Parse(true, rest); err != nil {
		return errors.Trace(err)
	}
	c.args = f.Args()
	return action.Init(c.args)
}

// Run is part of the Command interface.
func (c *SuperCommand) Run(ctx *Context) error {
	if c.version {
		fmt.Fprintln(ctx.Stdout, c.params.Version)
		return nil
	}
	if c.action == nil {
		return errors.New("no command specified")
	}
	if err := c.params.Log.Start(ctx); err != nil {
		return errors.Trace(err)
	}
	logger.Infof("running %s %s [%s %s]", c.params.Name, c.action.Info().Name, runtime.Compiler, runtime.Version())
	return c.action.Run(ctx)
}
