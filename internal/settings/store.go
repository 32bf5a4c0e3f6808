// Package settings persists the handful of runtime settings that survive
// restarts (max queue size, default quantization, proxy bind host,
// completed-download pruning age) in the settings_kv table.
package settings

import (
	"context"
	"database/sql"
	"strconv"
	"sync"

	"github.com/forgeserve/forge/internal/domain"
)

// Well-known keys. Values are stored as strings; typed accessors parse.
const (
	KeyMaxQueueSize   = "max_queue_size"
	KeyDefaultQuant   = "default_quantization"
	KeyProxyBindHost  = "proxy_bind_host"
	KeyPruneAfterDays = "prune_completed_after_days"
)

// Store is a write-through cache over settings_kv: reads hit the map,
// writes go to the database first and the map second.
type Store struct {
	db *sql.DB

	mu    sync.RWMutex
	cache map[string]string
}

// New loads every existing row into the cache and returns the Store.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	s := &Store{db: db, cache: make(map[string]string)}

	rows, err := db.QueryContext(ctx, `SELECT key, value FROM settings_kv`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		s.cache[k] = v
	}
	return s, rows.Err()
}

// Get returns the stored value for key, or "" and false when unset.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.cache[key]
	return v, ok
}

// GetInt parses the stored value as an int, falling back to def when the
// key is unset or unparseable.
func (s *Store) GetInt(key string, def int) int {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Set writes key=value through to settings_kv.
func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings_kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, domain.Now().Unix())
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.cache[key] = value
	s.mu.Unlock()
	return nil
}

// SetInt is Set for integer values.
func (s *Store) SetInt(ctx context.Context, key string, value int) error {
	return s.Set(ctx, key, strconv.Itoa(value))
}

// All returns a copy of every stored key/value pair.
func (s *Store) All() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.cache))
	for k, v := range s.cache {
		out[k] = v
	}
	return out
}
