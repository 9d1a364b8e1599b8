// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package relation

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"
)

// Change describes a changed document in the relations directory.
type Change struct {
	// Name is the base name of the changed file.
	Name string

	// Removed is true when the file went away, i.e. the relation departed.
	Removed bool
}

// DirWatcher reports changes to the relations directory. The first event is
// an empty batch signalling that the watch is active; subsequent batches
// coalesce every change seen since the previous batch was consumed.
type DirWatcher struct {
	tomb    tomb.Tomb
	watcher *fsnotify.Watcher
	out     chan []Change
}

// NewDirWatcher starts watching dir, creating it if necessary.
func NewDirWatcher(dir string) (*DirWatcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Trace(err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Annotate(err, "creating fsnotify watcher")
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, errors.Annotatef(err, "watching %q", dir)
	}
	w := &DirWatcher{
		watcher: fw,
		out:     make(chan []Change),
	}
	w.tomb.Go(w.loop)
	return w, nil
}

// Changes returns the channel of change batches.
func (w *DirWatcher) Changes() <-chan []Change {
	return w.out
}

// Kill is part of the worker.Worker interface.
func (w *DirWatcher) Kill() {
	w.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *DirWatcher) Wait() error {
	return w.tomb.Wait()
}

func (w *DirWatcher) loop() error {
	defer func() { _ = w.watcher.Close() }()

	pending := []Change{}
	out := w.out
	for {
		select {
		case <-w.tomb.Dying():
			return tomb.ErrDying
		case event, ok := <-w.watcher.Events:
			if !ok {
				return errors.New("fsnotify event channel closed")
			}
			name := filepath.Base(event.Name)
			if !relevant(name) {
				continue
			}
			removed := event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
			logger.Tracef("relation document %q changed (removed: %v)", name, removed)
			pending = append(pending, Change{Name: name, Removed: removed})
			out = w.out
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return errors.New("fsnotify error channel closed")
			}
			return errors.Annotate(err, "watching relations")
		case out <- pending:
			pending = []Change{}
			out = nil
		}
	}
}

func relevant(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	return name == LeaderFileName || strings.HasSuffix(name, ".yaml")
}
