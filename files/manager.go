// vidnet/files/manager.go
package files

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	ErrNotFound = errors.New("file not registered")
	ErrExpired  = errors.New("file has expired")
)

// Entry is one tracked output file.
type Entry struct {
	FileID    string
	Path      string
	SizeBytes int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Manager owns every file produced by completed tasks. Files are only ever
// served through Resolve, which looks identifiers up in the registry; no
// path is ever built from request input.
type Manager struct {
	sweepInterval time.Duration

	mu      sync.Mutex
	entries map[string]Entry
	now     func() time.Time
}

func NewManager(sweepInterval time.Duration) *Manager {
	return &Manager{
		sweepInterval: sweepInterval,
		entries:       make(map[string]Entry),
		now:           time.Now,
	}
}

// Start runs the periodic sweep until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Println("File sweep loop shutting down.")
				return
			case <-ticker.C:
				if n := m.Sweep(); n > 0 {
					log.Printf("Swept %d expired file(s)", n)
				}
			}
		}
	}()
}

// Register takes ownership of path and returns the entry it is tracked
// under. The entry carries the identifier the file is served by along with
// the authoritative expiry time.
func (m *Manager) Register(path string, ttl time.Duration) (Entry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Entry{}, fmt.Errorf("cannot register %s: %w", path, err)
	}

	now := m.now()
	entry := Entry{
		FileID:    filepath.Base(path),
		Path:      path,
		SizeBytes: info.Size(),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.FileID] = entry
	return entry, nil
}

// Resolve returns the entry for fileID. Identifiers that are not plain base
// names, are unregistered, or whose TTL has passed are rejected.
func (m *Manager) Resolve(fileID string) (Entry, error) {
	if fileID == "" || filepath.Base(fileID) != fileID {
		return Entry{}, ErrNotFound
	}

	m.mu.Lock()
	entry, ok := m.entries[fileID]
	m.mu.Unlock()
	if !ok {
		return Entry{}, ErrNotFound
	}
	if !m.now().Before(entry.ExpiresAt) {
		return Entry{}, ErrExpired
	}
	if _, err := os.Stat(entry.Path); err != nil {
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

// Remove deletes the file and its bookkeeping entry immediately.
func (m *Manager) Remove(fileID string) {
	m.mu.Lock()
	entry, ok := m.entries[fileID]
	delete(m.entries, fileID)
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := os.Remove(entry.Path); err != nil && !os.IsNotExist(err) {
		log.Printf("Failed to remove file %s: %v", entry.Path, err)
	}
}

// Sweep deletes every expired file and returns how many entries it removed.
// A file already missing on disk counts as cleaned.
func (m *Manager) Sweep() int {
	now := m.now()

	m.mu.Lock()
	var expired []Entry
	for id, entry := range m.entries {
		if !now.Before(entry.ExpiresAt) {
			expired = append(expired, entry)
			delete(m.entries, id)
		}
	}
	m.mu.Unlock()

	for _, entry := range expired {
		if err := os.Remove(entry.Path); err != nil && !os.IsNotExist(err) {
			log.Printf("Failed to remove expired file %s: %v", entry.Path, err)
		}
	}
	return len(expired)
}

// Count returns the number of tracked files.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
