package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/haasonsaas/conduit/pkg/models"
)

// jsonDocumentVersion is the on-disk format version of JSONFileStore.
const jsonDocumentVersion = 1

type jsonDocument struct {
	Version  int                       `json:"version"`
	SavedAt  time.Time                 `json:"savedAt"`
	Sessions []models.PersistedSession `json:"sessions"`
}

// JSONFileStore persists sessions as a single JSON document. Every save
// writes a temporary file in the same directory and renames it over the
// previous document, so readers never observe a partial write.
type JSONFileStore struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewJSONFileStore creates a store backed by the document at path.
func NewJSONFileStore(path string) *JSONFileStore {
	return &JSONFileStore{path: path, now: time.Now}
}

// Path returns the document location.
func (s *JSONFileStore) Path() string {
	return s.path
}

// Save atomically replaces the document.
func (s *JSONFileStore) Save(ctx context.Context, sessions []models.PersistedSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sessions == nil {
		sessions = []models.PersistedSession{}
	}
	data, err := json.MarshalIndent(jsonDocument{
		Version:  jsonDocumentVersion,
		SavedAt:  s.now().UTC(),
		Sessions: sessions,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sessions: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("replace store document: %w", err)
	}
	return nil
}

// Load reads the document. A missing document is an empty store.
func (s *JSONFileStore) Load(ctx context.Context) ([]models.PersistedSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	data, err := os.ReadFile(s.path)
	s.mu.Unlock()
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store document: %w", err)
	}

	var doc jsonDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode store document: %w", err)
	}
	if doc.Version != jsonDocumentVersion {
		return nil, fmt.Errorf("unsupported store document version %d (expected %d)", doc.Version, jsonDocumentVersion)
	}
	return dropRunning(doc.Sessions), nil
}
