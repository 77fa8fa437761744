// Package settings is a small key-value store for application state such
// as the boot cache. Reads come from an in-memory mirror; writes update the
// mirror at once and reach the backend on the background queue.
package settings

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/kittclouds/kittgraph/internal/background"
)

// Backend persists settings.
type Backend interface {
	Load() (map[string]json.RawMessage, error)
	Put(key string, value json.RawMessage) error
	Delete(key string) error
	Close() error
}

// Store is the settings facade.
type Store struct {
	mu      sync.RWMutex
	values  map[string]json.RawMessage
	backend Backend
	queue   *background.Queue
	logger  *slog.Logger
}

// Open loads every key from backend into memory.
func Open(backend Backend, queue *background.Queue, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	values, err := backend.Load()
	if err != nil {
		return nil, fmt.Errorf("settings: failed to load: %w", err)
	}
	if values == nil {
		values = make(map[string]json.RawMessage)
	}
	return &Store{
		values:  values,
		backend: backend,
		queue:   queue,
		logger:  logger.With("component", "settings"),
	}, nil
}

// Get decodes key into dst. It reports false when the key is missing or
// does not decode.
func (s *Store) Get(key string, dst any) bool {
	s.mu.RLock()
	raw, ok := s.values[key]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		s.logger.Warn("undecodable setting", "key", key, "error", err)
		return false
	}
	return true
}

// GetString returns the string under key, or def.
func (s *Store) GetString(key, def string) string {
	var v string
	if !s.Get(key, &v) {
		return def
	}
	return v
}

// Set stores value under key.
func (s *Store) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("settings: failed to encode %s: %w", key, err)
	}

	s.mu.Lock()
	s.values[key] = raw
	s.mu.Unlock()

	s.write("settings:set", func() error { return s.backend.Put(key, raw) })
	return nil
}

// Remove deletes key.
func (s *Store) Remove(key string) {
	s.mu.Lock()
	_, ok := s.values[key]
	delete(s.values, key)
	s.mu.Unlock()

	if ok {
		s.write("settings:remove", func() error { return s.backend.Delete(key) })
	}
}

// Keys lists the stored keys in order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// write runs fn on the queue, or inline when the store has no queue.
func (s *Store) write(name string, fn func() error) {
	if s.queue != nil {
		s.queue.Submit(name, fn)
		return
	}
	if err := fn(); err != nil {
		s.logger.Warn("settings write failed", "task", name, "error", err)
	}
}
