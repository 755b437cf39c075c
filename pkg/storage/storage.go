// Package storage is the public entry point for opening a study storage.
// It wraps the backend implementations behind the domain.Storage interface
// so callers never import the persistence packages directly.
package storage

import (
	"context"

	"studycore/internal/cached"
	"studycore/internal/infra/persistence/memory"
	"studycore/internal/infra/persistence/postgres"
	"studycore/internal/infra/persistence/sqlite"
	"studycore/internal/journal"
	"studycore/internal/metrics"
	"studycore/pkg/domain"
)

// Driver identifies a concrete storage backend implementation.
type Driver string

const (
	DriverMemory    Driver = "memory"     // in-memory (default, tests)
	DriverSQLite    Driver = "sqlite"     // SQLite-backed snapshots
	DriverPostgres  Driver = "postgres"   // PostgreSQL-backed snapshots
	DriverJournalFS Driver = "journal"    // journal replicated through a shared file
	DriverJournalS3 Driver = "journal-s3" // journal replicated through an S3 bucket
)

// Storage is the operation surface every backend exposes.
type Storage = domain.Storage

// Backend extends Storage with the write-back cache primitives.
type Backend = domain.Backend

// NewMemory returns a process-local in-memory storage.
func NewMemory() Backend {
	return memory.NewStore()
}

// OpenSQLite returns a storage persisting snapshots to the SQLite database
// at path.
func OpenSQLite(path string) (Backend, error) {
	return sqlite.NewStore(path)
}

// OpenPostgres returns a storage persisting snapshots to the PostgreSQL
// database at dsn (an empty dsn falls back to the driver default).
func OpenPostgres(dsn string) (Backend, error) {
	return postgres.NewStore(dsn)
}

// NewJournalFile returns a storage replicated through a journal file shared
// between processes.
func NewJournalFile(path string) Storage {
	return journal.NewStorage(journal.NewFileLog(path))
}

// OpenJournalS3 returns a storage replicated through an S3 bucket
// configured from the environment (see STUDYCORE_JOURNAL_S3_*).
func OpenJournalS3(ctx context.Context) (Storage, error) {
	log, err := journal.OpenS3LogFromEnv(ctx)
	if err != nil {
		return nil, err
	}
	return journal.NewStorage(log), nil
}

// NewCached wraps a durable backend with the write-back trial cache so hot
// trial reads and writes skip the backend until the flush point.
func NewCached(backend Backend) Storage {
	return cached.New(backend)
}

// WithMetrics wraps a storage so every operation is timed and reported to
// the recorders.
func WithMetrics(inner Storage, recorders ...metrics.Recorder) Storage {
	return metrics.NewStorage(inner, recorders...)
}

// NewExpvarRecorder returns a process-local metrics recorder published
// under name via expvar.
func NewExpvarRecorder(name string) metrics.Recorder {
	return metrics.NewExpvarRecorder(name)
}
