// Package store persists small blobs, chiefly the serialised session credential, keyed by
// name. The backend is picked from a DSN so deployments can keep credentials on disk next to
// the engine's cache, in a bbolt file, or in PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// SessionKey is the well-known key of the serialised credential.
const SessionKey = "session.json"

var ErrNotFound = errors.New("store: key not found")

type Store interface {
	// Get returns ErrNotFound if nothing is stored under key.
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	// Delete is a no-op for a missing key.
	Delete(ctx context.Context, key string) error
	Close() error
}

// Open picks a backend from dsn:
//
//	""                     -> files under storagePath
//	file:///some/dir       -> files under /some/dir
//	bolt:///some/file.db   -> a bbolt database
//	postgres://...         -> a PostgreSQL table; values are encrypted with secret
func Open(dsn, storagePath, secret string) (Store, error) {
	switch {
	case dsn == "":
		return NewFileStore(storagePath)
	case strings.HasPrefix(dsn, "file://"):
		return NewFileStore(strings.TrimPrefix(dsn, "file://"))
	case strings.HasPrefix(dsn, "bolt://"):
		return NewBoltStore(strings.TrimPrefix(dsn, "bolt://"))
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"), strings.Contains(dsn, "dbname="):
		if secret == "" {
			return nil, fmt.Errorf("store: a secret is required to encrypt values in postgres")
		}
		return NewPostgresStore(dsn, secret)
	}
	return nil, fmt.Errorf("store: unrecognised dsn %q", dsn)
}

func validateKey(key string) error {
	if key == "" || strings.ContainsAny(key, "/\\") || key == "." || key == ".." {
		return fmt.Errorf("store: invalid key %q", key)
	}
	return nil
}
