package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// FileArchive keeps entries in memory and rewrites a JSON file on every
// change.
type FileArchive struct {
	path string

	mu      sync.RWMutex
	entries map[string]Entry
}

func NewFileArchive(path string) (*FileArchive, error) {
	if path == "" {
		return nil, errors.New("archive file path is required")
	}
	f := &FileArchive{path: path, entries: make(map[string]Entry)}
	if err := f.load(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *FileArchive) load() error {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read archive: %w", err)
	}

	var list []Entry
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("parse archive: %w", err)
	}
	for _, e := range list {
		f.entries[e.LicenseCode] = e
	}
	return nil
}

func (f *FileArchive) save() error {
	data, err := json.MarshalIndent(sortedEntries(f.entries), "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write archive: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace archive: %w", err)
	}
	return nil
}

func (f *FileArchive) IsArchived(_ context.Context, licenseCode string) (bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.entries[licenseCode]
	return ok, nil
}

func (f *FileArchive) Archive(_ context.Context, entry Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[entry.LicenseCode]; ok {
		return ErrAlreadyArchived
	}
	f.entries[entry.LicenseCode] = entry
	if err := f.save(); err != nil {
		delete(f.entries, entry.LicenseCode)
		return err
	}
	return nil
}

func (f *FileArchive) List(_ context.Context) ([]Entry, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return sortedEntries(f.entries), nil
}

func (f *FileArchive) Close() error {
	return nil
}
