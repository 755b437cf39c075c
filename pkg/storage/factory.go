package storage

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Open selects a Storage implementation using environment variables.
//
//	STUDYCORE_STORAGE_DRIVER: memory|sqlite|postgres|journal|journal-s3 (default memory)
//	STUDYCORE_STORAGE_SQLITE_PATH: database file when driver=sqlite (default ./studycore.db)
//	STUDYCORE_STORAGE_POSTGRES_DSN: connection string when driver=postgres
//	STUDYCORE_STORAGE_JOURNAL_PATH: journal file when driver=journal (default ./studycore.journal)
//	STUDYCORE_STORAGE_CACHE: true|false wraps sql-backed drivers in the write-back cache
//	(S3 specific variables documented in the journal package)
func Open(ctx context.Context) (Storage, error) {
	driver := os.Getenv("STUDYCORE_STORAGE_DRIVER")
	if driver == "" {
		driver = string(DriverMemory)
	}
	cache := strings.EqualFold(os.Getenv("STUDYCORE_STORAGE_CACHE"), "true")
	switch Driver(driver) {
	case DriverMemory:
		return maybeCached(NewMemory(), cache), nil
	case DriverSQLite:
		path := os.Getenv("STUDYCORE_STORAGE_SQLITE_PATH")
		if path == "" {
			path = "./studycore.db"
		}
		backend, err := OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		return maybeCached(backend, cache), nil
	case DriverPostgres:
		backend, err := OpenPostgres(os.Getenv("STUDYCORE_STORAGE_POSTGRES_DSN"))
		if err != nil {
			return nil, err
		}
		return maybeCached(backend, cache), nil
	case DriverJournalFS:
		path := os.Getenv("STUDYCORE_STORAGE_JOURNAL_PATH")
		if path == "" {
			path = "./studycore.journal"
		}
		return NewJournalFile(path), nil
	case DriverJournalS3:
		return OpenJournalS3(ctx)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}

func maybeCached(backend Backend, cache bool) Storage {
	if cache {
		return NewCached(backend)
	}
	return backend
}
