package archive

import (
	"context"
	"sort"
	"sync"
)

type MemoryArchive struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{entries: make(map[string]Entry)}
}

func (m *MemoryArchive) IsArchived(_ context.Context, licenseCode string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[licenseCode]
	return ok, nil
}

func (m *MemoryArchive) Archive(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[entry.LicenseCode]; ok {
		return ErrAlreadyArchived
	}
	m.entries[entry.LicenseCode] = entry
	return nil
}

func (m *MemoryArchive) List(_ context.Context) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedEntries(m.entries), nil
}

func (m *MemoryArchive) Close() error {
	return nil
}

func sortedEntries(entries map[string]Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ArchivedAt.Equal(out[j].ArchivedAt) {
			return out[i].ArchivedAt.Before(out[j].ArchivedAt)
		}
		return out[i].LicenseCode < out[j].LicenseCode
	})
	return out
}
