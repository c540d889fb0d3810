// Package configstore enumerates and resolves wireproxy configuration
// files. The supervisor core only asks two questions of it: does a
// config name resolve to an existing file, and what names are
// available.
package configstore

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const configSuffix = ".conf"

// Store resolves config names against a single directory of *.conf
// files. When Watch has been started, listings come from an
// fsnotify-maintained cache; otherwise each List reads the directory.
type Store struct {
	dir string

	mu      sync.Mutex
	cache   []string
	cached  bool
	watcher *fsnotify.Watcher
}

// New returns a store over the given configs directory.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the configs directory.
func (s *Store) Dir() string {
	return s.dir
}

// NormalizeName appends the .conf suffix when absent. A name with and
// without the suffix refer to the same file.
func NormalizeName(name string) string {
	if strings.HasSuffix(name, configSuffix) {
		return name
	}
	return name + configSuffix
}

// Resolve normalizes name and reports the absolute path and whether it
// is a regular file under the configs directory.
func (s *Store) Resolve(name string) (normalized string, path string, exists bool) {
	normalized = NormalizeName(name)
	path = filepath.Join(s.dir, normalized)

	info, err := os.Stat(path)
	if err != nil {
		return normalized, path, false
	}
	return normalized, path, info.Mode().IsRegular()
}

// List returns the available config names, sorted ascending.
func (s *Store) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached {
		return append([]string(nil), s.cache...), nil
	}
	return s.readDir()
}

func (s *Store) readDir() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}

	configs := []string{}
	for _, entry := range entries {
		if entry.Type().IsRegular() && strings.HasSuffix(entry.Name(), configSuffix) {
			configs = append(configs, entry.Name())
		}
	}
	sort.Strings(configs)
	return configs, nil
}

// Watch starts an fsnotify watcher over the configs directory and
// primes the listing cache. Additions and removals refresh the cache
// and are logged. Failure to watch is non-fatal: List falls back to
// reading the directory.
func (s *Store) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return err
	}

	s.mu.Lock()
	s.watcher = watcher
	if configs, err := s.readDir(); err == nil {
		s.cache = configs
		s.cached = true
	}
	s.mu.Unlock()

	go s.watchLoop(watcher)
	return nil
}

func (s *Store) watchLoop(watcher *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, configSuffix) {
				continue
			}
			switch {
			case event.Has(fsnotify.Create):
				slog.Info("Configuration added", "config", filepath.Base(event.Name))
			case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
				slog.Info("Configuration removed", "config", filepath.Base(event.Name))
			}
			s.refresh()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Config watcher error", "error", err)
		}
	}
}

func (s *Store) refresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if configs, err := s.readDir(); err == nil {
		s.cache = configs
		s.cached = true
	} else {
		s.cached = false
	}
}

// Close stops the watcher, if running.
func (s *Store) Close() {
	s.mu.Lock()
	watcher := s.watcher
	s.watcher = nil
	s.cached = false
	s.mu.Unlock()
	if watcher != nil {
		watcher.Close()
	}
}
