// Package postgres provides a Postgres-backed persistent studycore store
// mirroring the SQLite snapshotting semantics for shared-database
// deployments.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"studycore/internal/infra/persistence/memory"
	"studycore/pkg/domain"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

// Compile-time contract assertion.
var _ domain.Backend = (*Store)(nil)

const (
	defaultDriver = "pgx"
	// Default DSN matches local development defaults; deployments override
	// via the dsn argument or STUDYCORE_POSTGRES_DSN.
	defaultDSN = "postgres://localhost/studycore?sslmode=disable"

	snapshotBucket = "storage_state"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// OverrideSQLOpen swaps the sql.Open hook for tests and returns a restore
// function.
func OverrideSQLOpen(fn func(driver, dsn string) (*sql.DB, error)) func() {
	openMu.Lock()
	prev := sqlOpen
	sqlOpen = fn
	openMu.Unlock()
	return func() {
		openMu.Lock()
		sqlOpen = prev
		openMu.Unlock()
	}
}

// Store persists state to Postgres while reusing the in-memory store for
// contract semantics.
type Store struct {
	*memory.Store
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back
// to defaultDSN). It ensures the snapshot table exists and hydrates the
// in-memory store from any existing snapshot.
func NewStore(dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	open := sqlOpen
	openMu.Unlock()
	db, err := open(defaultDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BYTEA NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create state table: %w", err)
	}
	ms := memory.NewStore()
	s := &Store{Store: ms, db: db}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	ms.SetCommitHook(s.persist)
	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM state WHERE bucket = $1`, snapshotBucket).Scan(&payload)
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

func (s *Store) persist(snapshot memory.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if _, err := s.db.Exec(
		`INSERT INTO state(bucket,payload) VALUES($1,$2) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`,
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
