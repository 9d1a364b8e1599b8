// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package relation

import (
	"context"
	"os"
	"path/filepath"

	"github.com/juju/errors"
	"github.com/juju/utils/v4"
	"gopkg.in/yaml.v3"
)

// URLsFileName is the name of the outbox document holding the URLs
// published to requesters.
const URLsFileName = "ingress-urls.yaml"

// FileOutbox writes the facts this unit shares with the remote side of its
// relations into a directory picked up by the transport.
type FileOutbox struct {
	dir string
}

// NewFileOutbox returns an outbox writing into dir.
func NewFileOutbox(dir string) *FileOutbox {
	return &FileOutbox{dir: dir}
}

// WriteURLs atomically replaces the published URL document.
func (o *FileOutbox) WriteURLs(ctx context.Context, urls map[string]string) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	if err := os.MkdirAll(o.dir, 0755); err != nil {
		return errors.Trace(err)
	}
	if urls == nil {
		urls = map[string]string{}
	}
	data, err := yaml.Marshal(urls)
	if err != nil {
		return errors.Trace(err)
	}
	path := filepath.Join(o.dir, URLsFileName)
	return errors.Annotatef(utils.AtomicWriteFile(path, data, 0644), "writing %q", path)
}

// ReadURLs returns the last published URLs. A missing document means
// nothing was published yet.
func (o *FileOutbox) ReadURLs() (map[string]string, error) {
	data, err := os.ReadFile(filepath.Join(o.dir, URLsFileName))
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	urls := map[string]string{}
	if err := yaml.Unmarshal(data, &urls); err != nil {
		return nil, errors.Annotate(err, "parsing published urls")
	}
	return urls, nil
}
