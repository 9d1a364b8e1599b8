// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package cmd_test

import (
	"bytes"
	"fmt"
	"io"

	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	gc "gopkg.in/check.v1"

	"github.com/juju/ingress-reconciler/cmd"
)

func dummyContext(c *gc.C) *cmd.Context {
	return &cmd.Context{
		Dir:    c.MkDir(),
		Stdin:  &bytes.Buffer{},
		Stdout: &bytes.Buffer{},
		Stderr: &bytes.Buffer{},
	}
}

func bufferString(stream io.Writer) string {
	return stream.(*bytes.Buffer).String()
}

// TestCommand is used by several different tests.
type TestCommand struct {
	Name   string
	Option string
	Value  interface{}
	out    cmd.Output
}

func (c *TestCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    c.Name,
		Args:    "<something>",
		Purpose: c.Name + " the ingress",
		Doc:     c.Name + "-doc",
	}
}

func (c *TestCommand) SetFlags(f *gnuflag.FlagSet) {
	f.StringVar(&c.Option, "option", "", "option-doc")
	c.out.AddFlags(f, "yaml", cmd.DefaultFormatters)
}

func (c *TestCommand) Init(args []string) error {
	return cmd.CheckEmpty(args)
}

func (c *TestCommand) Run(ctx *cmd.Context) error {
	switch c.Option {
	case "error":
		return errors.New("BAM!")
	case "silent-error":
		return cmd.ErrSilent
	case "value":
		return c.out.Write(ctx, c.Value)
	default:
		fmt.Fprintln(ctx.Stdout, c.Option)
	}
	return nil
}
