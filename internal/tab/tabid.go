package tab

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// IDStore persists a tab's identity across reloads of that single tab,
// standing in for sessionStorage. When the file store is unavailable a
// random fallback id is generated, per the data model's fallback rule.
type IDStore interface {
	Load() (string, bool)
	Save(id string) error
}

// FileIDStore persists the id at path, analogous to a per-tab
// session-scoped storage entry that survives a reload of that tab.
type FileIDStore struct {
	Path string
}

// NewFileIDStore builds a store rooted under the user cache directory,
// one file per simulated tab process.
func NewFileIDStore(appName, tabName string) *FileIDStore {
	dir, err := os.UserCacheDir()
	if err != nil || dir == "" {
		dir = os.TempDir()
	}
	return &FileIDStore{Path: filepath.Join(dir, appName, "tab_id_"+tabName)}
}

// Load implements IDStore.
func (s *FileIDStore) Load() (string, bool) {
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return "", false
	}
	id := strings.TrimSpace(string(raw))
	if id == "" {
		return "", false
	}
	return id, true
}

// Save implements IDStore.
func (s *FileIDStore) Save(id string) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.Path, []byte(id), 0o644)
}

// MemoryIDStore is the in-memory fallback used when the file store is
// unavailable; it never survives past the process.
type MemoryIDStore struct {
	id string
	ok bool
}

// Load implements IDStore.
func (s *MemoryIDStore) Load() (string, bool) { return s.id, s.ok }

// Save implements IDStore.
func (s *MemoryIDStore) Save(id string) error {
	s.id, s.ok = id, true
	return nil
}

// ResolveID loads a persisted id from store, or mints and saves a fresh
// v4 UUID when none is found or the store itself fails.
func ResolveID(store IDStore) string {
	if id, ok := store.Load(); ok && id != "" {
		return id
	}
	id := uuid.NewString()
	_ = store.Save(id)
	return id
}
