// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package cmd holds the small command framework shared by the reconciler
// binaries.
package cmd

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/gnuflag"
)

// ErrSilent can be returned from Run to signal that Main should exit with
// code 1 without producing error output.
var ErrSilent = errors.New("cmd: error out silently")

// Info holds everything necessary to describe a Command's intent and usage.
type Info struct {
	// Name is the Command's name.
	Name string

	// Args describes the command's expected arguments.
	Args string

	// Purpose is a short explanation of the Command's purpose.
	Purpose string

	// Doc is the long documentation for the Command.
	Doc string
}

// Usage combines Name and Args to describe the Command's intended usage.
func (i *Info) Usage() string {
	if i.Args == "" {
		return i.Name + " [options]"
	}
	return fmt.Sprintf("%s [options] %s", i.Name, i.Args)
}

// Command is implemented by the commands of a SuperCommand.
type Command interface {
	// Info returns information about the command.
	Info() *Info

	// SetFlags adds command specific flags to the flag set.
	SetFlags(f *gnuflag.FlagSet)

	// Init initializes the command from the positional arguments left
	// after flag parsing.
	Init(args []string) error

	// Run executes the command.
	Run(ctx *Context) error
}

// Context represents the run context of a command.
type Context struct {
	Dir    string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// DefaultContext returns a Context on the process' standard streams and
// working directory.
func DefaultContext() (*Context, error) {
	dir, err := os.Getwd()
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Context{
		Dir:    dir,
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}, nil
}

// AbsPath returns an absolute representation of path relative to the
// context directory.
func (ctx *Context) AbsPath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(ctx.Dir, path)
}

// Infof writes a line to the context's stderr.
func (ctx *Context) Infof(format string, params ...interface{}) {
	fmt.Fprintf(ctx.Stderr, format+"\n", params...)
}

// CheckEmpty is a utility function that returns an error if args is not empty.
func CheckEmpty(args []string) error {
	if len(args) != 0 {
		return errors.Errorf("unrecognized args: %q", args)
	}
	return nil
}

// NewFlagSet returns a FlagSet initialized for use with c.
func NewFlagSet(c Command) *gnuflag.FlagSet {
	f := gnuflag.NewFlagSet(c.Info().Name, gnuflag.ContinueOnError)
	f.SetOutput(io.Discard)
	c.SetFlags(f)
	return f
}

// Help returns the usage text of c.
func Help(c Command) string {
	var buf bytes.Buffer
	i := c.Info()
	fmt.Fprintf(&buf, "Usage: %s\n", i.Usage())
	if i.Purpose != "" {
		fmt.Fprintf(&buf, "\nSummary:\n%s\n", i.Purpose)
	}
	f := NewFlagSet(c)
	f.SetOutput(&buf)
	fmt.Fprintf(&buf, "\nOptions:\n")
	f.PrintDefaults()
	if i.Doc != "" {
		fmt.Fprintf(&buf, "\nDetails:\n%s\n", strings.TrimSpace(i.Doc))
	}
	return buf.String()
}

// Main parses args for c, runs it in ctx and returns the process exit
// code.
func Main(c Command, ctx *Context, args []string) int {
	f := NewFlagSet(c)
	if err := f.Parse(false, args); err != nil {
		if err == gnuflag.ErrHelp {
			fmt.Fprint(ctx.Stdout, Help(c))
			return 0
		}
		fmt.Fprintf(ctx.Stderr, "ERROR %v\n", err)
		return 2
	}
	if err := c.Init(f.Args()); err != nil {
		if errors.Cause(err) == gnuflag.ErrHelp {
			target := c
			if super, ok := c.(*SuperCommand); ok && super.action != nil {
				target = super.action
			}
			fmt.Fprint(ctx.Stdout, Help(target))
			return 0
		}
		fmt.Fprintf(ctx.Stderr, "ERROR %v\n", err)
		return 2
	}
	if err := c.Run(ctx); err != nil {
		if errors.Cause(err) != ErrSilent {
			logger.Debugf("%s command failed: %s", c.Info().Name, errors.ErrorStack(err))
			fmt.Fprintf(ctx.Stderr, "ERROR %v\n", err)
		}
		return 1
	}
	return 0
}
