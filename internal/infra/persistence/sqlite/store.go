// Package sqlite provides a SQLite-backed persistent studycore store. It
// snapshots the in-memory state after every committed mutation and reloads
// it at open, so a single worker survives restarts without a schema.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"studycore/internal/infra/persistence/memory"
	"studycore/pkg/domain"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// Compile-time contract assertions.
var _ domain.Backend = (*Store)(nil)

// Store persists the in-memory state to a single SQLite table as JSON
// buckets. Every successful mutation flushes a fresh snapshot.
type Store struct {
	*memory.Store
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewStore opens (or creates) a SQLite-backed store at path. An empty path
// defaults to studycore.db in the working directory.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "studycore.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create state table: %w", err)
	}
	ms := memory.NewStore()
	s := &Store{Store: ms, db: db, path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	ms.SetCommitHook(s.persist)
	return s, nil
}

const snapshotBucket = "storage_state"

func (s *Store) load() error {
	var payload []byte
	err := s.db.QueryRow(`SELECT payload FROM state WHERE bucket = ?`, snapshotBucket).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	var snapshot memory.Snapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return fmt.Errorf("decode state: %w", err)
	}
	s.Store.ImportState(snapshot)
	return nil
}

// persist runs as the memory store's commit hook: the snapshot already
// reflects the mutation and the store lock is held, so flushes are ordered.
func (s *Store) persist(snapshot memory.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if _, err := s.db.Exec(
		`INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`,
		snapshotBucket, payload,
	); err != nil {
		return fmt.Errorf("upsert %s: %w", snapshotBucket, err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
