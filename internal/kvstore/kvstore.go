// Package kvstore provides the client-local durable key/value area that the
// credential store persists into. Three backends share one interface: a
// SQLite database, a JSON file written atomically, and an in-memory map used
// when durable storage is unavailable.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Well-known keys written by the credential store.
const (
	KeyAccessToken  = "accessToken"
	KeyRefreshToken = "refreshToken"
	KeyUser         = "user"
)

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendFile   = "file"
	BackendMemory = "memory"
)

// ErrClosed is returned by operations on a store after Close.
var ErrClosed = errors.New("kvstore: store closed")

// Store is a string key/value area. Get reports ok=false for missing keys
// rather than returning an error.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Open returns the backend named by backend, rooted at path. The memory
// backend ignores path.
func Open(ctx context.Context, backend, path string, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch backend {
	case BackendSQLite:
		return OpenSQLite(ctx, path, logger)
	case BackendFile:
		return OpenFile(path)
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("kvstore: unknown backend %q", backend)
	}
}
