// Package config implements the YAML-backed key/value store holding the
// persisted keys spec.md §6 names (wifi SSIDs and passwords, scan and
// signal-quality tuning, auto-start modes). It hot-reloads the backing
// file with fsnotify and signals per-key changes on the event bus so the
// Wi-Fi controller and modem FSM can react without polling.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"ovms.dev/core/internal/errs"
	"ovms.dev/core/internal/eventbus"
)

// Store is a flat string-keyed configuration store backed by a YAML
// file on disk, e.g.:
//
//	wifi.ssid.home: secretpw
//	wifi.ap.ovms: apsecret1
//	auto.wifi.mode: client
type Store struct {
	mu      sync.RWMutex
	values  map[string]string
	path    string
	bus     *eventbus.Bus
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New returns an empty Store; call Load to populate it from disk.
func New(bus *eventbus.Bus) *Store {
	return &Store{values: make(map[string]string), bus: bus}
}

// Load reads and parses the YAML file at path, replacing the store's
// contents. Per-key validation (e.g. AP password length) happens where
// the value is consumed, not here: a malformed single key must not fail
// the whole store load.
func (s *Store) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errs.New(errs.ConfigInvalid, "config.Load", err)
	}
	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return errs.New(errs.ConfigInvalid, "config.Load", err)
	}

	s.mu.Lock()
	s.path = path
	old := s.values
	s.values = raw
	s.mu.Unlock()

	s.signalChanges(old, raw)
	return nil
}

func (s *Store) signalChanges(old, next map[string]string) {
	if s.bus == nil {
		return
	}
	for k, v := range next {
		if old[k] != v {
			s.bus.Signal("config.changed."+k, v)
		}
	}
	for k := range old {
		if _, ok := next[k]; !ok {
			s.bus.Signal("config.changed."+k, nil)
		}
	}
}

// Watch starts watching the loaded file's directory and reloads on
// write events, emitting config.changed.<key> for every key whose value
// differs from before the reload.
func (s *Store) Watch() error {
	s.mu.RLock()
	path := s.path
	s.mu.RUnlock()
	if path == "" {
		return errs.New(errs.ConfigInvalid, "config.Watch", fmt.Errorf("Load must be called before Watch"))
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errs.New(errs.TransientIO, "config.Watch", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return errs.New(errs.TransientIO, "config.Watch", err)
	}
	s.watcher = w
	s.done = make(chan struct{})
	go s.watchLoop(path)
	return nil
}

func (s *Store) watchLoop(path string) {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != path || ev.Op&fsnotify.Write == 0 {
				continue
			}
			s.Load(path)
		case _, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
		case <-s.done:
			return
		}
	}
}

// Close stops the file watcher, if one was started.
func (s *Store) Close() error {
	if s.watcher == nil {
		return nil
	}
	close(s.done)
	return s.watcher.Close()
}

// GetString returns the raw string value for key.
func (s *Store) GetString(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// GetInt parses key's value as a base-10 integer.
func (s *Store) GetInt(key string) (int, bool) {
	v, ok := s.GetString(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// GetBool parses key's value with strconv.ParseBool.
func (s *Store) GetBool(key string) (bool, bool) {
	v, ok := s.GetString(key)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// Set assigns key's value and persists the store to disk, signalling
// config.changed.<key> if the value actually changed.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	changed := s.values[key] != value
	s.values[key] = value
	snapshot := make(map[string]string, len(s.values))
	for k, v := range s.values {
		snapshot[k] = v
	}
	path := s.path
	s.mu.Unlock()

	if path != "" {
		data, err := yaml.Marshal(snapshot)
		if err != nil {
			return errs.New(errs.ConfigInvalid, "config.Set", err)
		}
		if err := os.WriteFile(path, data, 0o640); err != nil {
			return errs.New(errs.TransientIO, "config.Set", err)
		}
	}
	if changed && s.bus != nil {
		s.bus.Signal("config.changed."+key, value)
	}
	return nil
}

// KeysWithPrefix returns every key with the given prefix.
func (s *Store) KeysWithPrefix(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys
}
