// Package archive records license codes that have been consumed by an
// activation so they cannot be activated again on the same client.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrAlreadyArchived = errors.New("license code is already archived")

// Entry is one archived license code.
type Entry struct {
	LicenseCode string    `json:"license_code"`
	TokenID     string    `json:"token_id"`
	AppID       string    `json:"app_id"`
	ArchivedAt  time.Time `json:"archived_at"`
}

// Archive stores used license codes.
type Archive interface {
	IsArchived(ctx context.Context, licenseCode string) (bool, error)
	// Archive fails with ErrAlreadyArchived when the code is present.
	Archive(ctx context.Context, entry Entry) error
	List(ctx context.Context) ([]Entry, error)
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Open returns the archive for backend. path is ignored for memory.
func Open(backend, path string) (Archive, error) {
	switch backend {
	case "", BackendMemory:
		return NewMemoryArchive(), nil
	case BackendFile:
		return NewFileArchive(path)
	case BackendSQLite:
		return NewSQLiteArchive(path)
	default:
		return nil, fmt.Errorf("unknown archive backend %q", backend)
	}
}
