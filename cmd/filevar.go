// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package cmd

import (
	"os"

	"github.com/juju/errors"
)

// FileVar represents a path to a file. It implements gnuflag.Value.
type FileVar struct {
	Path string
}

// Set stores the path.
func (f *FileVar) Set(v string) error {
	f.Path = v
	return nil
}

// String returns the path to the file.
func (f *FileVar) String() string {
	return f.Path
}

// Abs returns the path relative to the context.
func (f *FileVar) Abs(ctx *Context) string {
	if f.Path == "" {
		return ""
	}
	return ctx.AbsPath(f.Path)
}

// Read returns the content of the file relative to the context.
func (f *FileVar) Read(ctx *Context) ([]byte, error) {
	if f.Path == "" {
		return nil, errors.NotValidf("empty path")
	}
	data, err := os.ReadFile(f.Abs(ctx))
	return data, errors.Trace(err)
}
