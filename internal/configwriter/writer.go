// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package configwriter commits rendered configuration to the directory
// watched by the proxy's file provider.
package configwriter

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/utils/v4"

	"github.com/juju/ingress-reconciler/internal/routes"
	"github.com/juju/ingress-reconciler/internal/traefik"
)

var logger = loggo.GetLogger("ingress.configwriter")

// CertificateDirName is the directory, relative to the dynamic
// configuration directory, holding certificate material.
const CertificateDirName = "certs"

// KeyPair is the PEM encoded certificate and key of an identity.
type KeyPair struct {
	Certificate []byte
	Key         []byte
}

// Bundle is the complete desired content of the configuration directory.
type Bundle struct {
	// Documents are keyed by file name.
	Documents map[string][]byte

	// Certificates are keyed by identity name.
	Certificates map[string]KeyPair
}

// Writer writes bundles into a directory.
type Writer struct {
	dir string
}

// New returns a Writer for the directory.
func New(dir string) *Writer {
	return &Writer{dir: dir}
}

// CertificateDir returns the directory certificate material is written to.
func (w *Writer) CertificateDir() string {
	return filepath.Join(w.dir, CertificateDirName)
}

// IsManaged reports whether a file in the configuration directory is owned
// by the writer.
func IsManaged(name string) bool {
	if name == routes.CertificatesDocument {
		return true
	}
	return strings.HasPrefix(name, "juju_") && strings.HasSuffix(name, ".yaml")
}

// Write commits the bundle. Certificate material is written before the
// documents referring to it, and stale files are only removed once every
// write succeeded, so a failure leaves the previous configuration in
// place.
func (w *Writer) Write(ctx context.Context, b Bundle) error {
	for name := range b.Documents {
		if !IsManaged(name) || filepath.Base(name) != name {
			return errors.NotValidf("document name %q", name)
		}
	}
	for name := range b.Certificates {
		if name == "" || filepath.Base(name) != name {
			return errors.NotValidf("certificate name %q", name)
		}
	}
	if err := os.MkdirAll(w.CertificateDir(), 0755); err != nil {
		return errors.Trace(err)
	}

	var written int
	for _, name := range sortedKeys(b.Certificates) {
		if err := ctx.Err(); err != nil {
			return errors.Trace(err)
		}
		pair := b.Certificates[name]
		certFile, keyFile := routes.CertificatePaths(w.CertificateDir(), name)
		n, err := writeIfChanged(certFile, pair.Certificate, 0644)
		if err != nil {
			return errors.Annotatef(err, "writing certificate %q", name)
		}
		written += n
		if n, err = writeIfChanged(keyFile, pair.Key, 0600); err != nil {
			return errors.Annotatef(err, "writing key %q", name)
		}
		written += n
	}
	for _, name := range sortedKeys(b.Documents) {
		if err := ctx.Err(); err != nil {
			return errors.Trace(err)
		}
		n, err := writeIfChanged(filepath.Join(w.dir, name), b.Documents[name], 0644)
		if err != nil {
			return errors.Annotatef(err, "writing %q", name)
		}
		written += n
	}

	removed, err := w.removeStale(b)
	if err != nil {
		return errors.Trace(err)
	}
	if written > 0 || removed > 0 {
		logger.Infof("configuration updated: %d files written, %d removed", written, removed)
	}
	return nil
}

func (w *Writer) removeStale(b Bundle) (int, error) {
	var removed int
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, errors.Trace(err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !IsManaged(name) {
			continue
		}
		if _, ok := b.Documents[name]; ok {
			continue
		}
		logger.Debugf("removing stale %q", name)
		if err := os.Remove(filepath.Join(w.dir, name)); err != nil && !os.IsNotExist(err) {
			return removed, errors.Trace(err)
		}
		removed++
	}

	keep := set.NewStrings()
	for name := range b.Certificates {
		certFile, keyFile := routes.CertificatePaths(w.CertificateDir(), name)
		keep.Add(filepath.Base(certFile))
		keep.Add(filepath.Base(keyFile))
	}
	entries, err = os.ReadDir(w.CertificateDir())
	if err != nil {
		return removed, errors.Trace(err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || keep.Contains(name) {
			continue
		}
		if ext := filepath.Ext(name); ext != ".crt" && ext != ".key" {
			continue
		}
		logger.Debugf("removing stale certificate file %q", name)
		if err := os.Remove(filepath.Join(w.CertificateDir(), name)); err != nil && !os.IsNotExist(err) {
			return removed, errors.Trace(err)
		}
		removed++
	}
	return removed, nil
}

// writeIfChanged atomically replaces the file unless it already has the
// content and permissions. It returns the number of files written.
func writeIfChanged(path string, data []byte, perm os.FileMode) (int, error) {
	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, data) {
		if info, err := os.Stat(path); err == nil && info.Mode().Perm() == perm {
			return 0, nil
		}
	}
	if err := utils.AtomicWriteFile(path, data, perm); err != nil {
		return 0, errors.Trace(err)
	}
	return 1, nil
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// StaticConfig renders the proxy's static configuration for a dynamic
// configuration directory.
func StaticConfig(dynamicDir, logLevel string, tcpEntryPoints map[string]int) ([]byte, error) {
	data, err := traefik.Marshal(traefik.NewStatic(dynamicDir, logLevel, tcpEntryPoints))
	return data, errors.Annotate(err, "rendering static configuration")
}

// StaticWriter keeps the proxy's static configuration file in line with
// the entry points the routes need.
type StaticWriter struct {
	path       string
	dynamicDir string
	logLevel   string
}

// NewStaticWriter returns a StaticWriter for the file at path.
func NewStaticWriter(path, dynamicDir, logLevel string) *StaticWriter {
	return &StaticWriter{path: path, dynamicDir: dynamicDir, logLevel: logLevel}
}

// Write renders the static configuration with the given tcp entry points
// and reports whether the file changed.
func (w *StaticWriter) Write(ctx context.Context, tcpEntryPoints map[string]int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, errors.Trace(err)
	}
	data, err := StaticConfig(w.dynamicDir, w.logLevel, tcpEntryPoints)
	if err != nil {
		return false, errors.Trace(err)
	}
	if err := os.MkdirAll(filepath.Dir(w.path), 0755); err != nil {
		return false, errors.Trace(err)
	}
	n, err := writeIfChanged(w.path, data, 0644)
	if err != nil {
		return false, errors.Annotatef(err, "writing static configuration %q", w.path)
	}
	return n > 0, nil
}
