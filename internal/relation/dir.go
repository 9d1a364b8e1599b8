// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package relation

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"gopkg.in/yaml.v3"
)

var logger = loggo.GetLogger("ingress.relation")

// LeaderFileName is the name of the file in the relations directory whose
// content ("true" or "false") tells this unit whether it is the leader.
const LeaderFileName = "leader"

// DirSource reads relation data from a directory in which the transport
// keeps one YAML document per relation. File names are irrelevant except
// that only *.yaml files are considered.
type DirSource struct {
	dir string
}

// NewDirSource returns a Source reading from dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

// Dir returns the watched directory.
func (s *DirSource) Dir() string {
	return s.dir
}

// Relations implements Source. Unreadable or unparseable documents are
// logged and skipped, so one corrupt document cannot hide the others.
func (s *DirSource) Relations(ctx context.Context) ([]Data, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Annotatef(err, "reading relations from %q", s.dir)
	}
	var result []Data
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, errors.Trace(err)
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		data, err := readRelation(filepath.Join(s.dir, name))
		if err != nil {
			logger.Warningf("skipping relation document %q: %v", name, err)
			continue
		}
		result = append(result, data)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Endpoint != result[j].Endpoint {
			return result[i].Endpoint < result[j].Endpoint
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func readRelation(path string) (Data, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Data{}, errors.Trace(err)
	}
	var data Data
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return Data{}, errors.Trace(err)
	}
	if data.Endpoint == "" {
		return Data{}, errors.NotValidf("relation without endpoint")
	}
	if data.Application == "" {
		return Data{}, errors.NotValidf("relation %s without application", data.Key())
	}
	return data, nil
}

// IsLeader reports whether the leader file in the directory says this unit
// holds leadership. Any read problem means not leader.
func (s *DirSource) IsLeader() bool {
	raw, err := os.ReadFile(filepath.Join(s.dir, LeaderFileName))
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warningf("reading leadership: %v", err)
		}
		return false
	}
	return strings.TrimSpace(string(raw)) == "true"
}
