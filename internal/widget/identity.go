// ABOUTME: Visitor and session identity for the widget client
// ABOUTME: Session IDs live as long as the client; visitor IDs persist through a VisitorStore

package widget

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// VisitorStore persists the visitor ID across client instances
type VisitorStore interface {
	LoadVisitorID() (string, error)
	SaveVisitorID(id string) error
}

// FileVisitorStore keeps the visitor ID in a single file.
type FileVisitorStore struct {
	path string
}

// NewFileVisitorStore stores the visitor ID at path.
func NewFileVisitorStore(path string) *FileVisitorStore {
	return &FileVisitorStore{path: path}
}

// LoadVisitorID returns the stored ID, or "" if none has been saved.
func (s *FileVisitorStore) LoadVisitorID() (string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading visitor id: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// SaveVisitorID writes id, creating parent directories as needed.
func (s *FileVisitorStore) SaveVisitorID(id string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("creating visitor id directory: %w", err)
	}
	if err := os.WriteFile(s.path, []byte(id+"\n"), 0600); err != nil {
		return fmt.Errorf("writing visitor id: %w", err)
	}
	return nil
}

// MemoryVisitorStore keeps the visitor ID in memory.
type MemoryVisitorStore struct {
	mu sync.Mutex
	id string
}

func (s *MemoryVisitorStore) LoadVisitorID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id, nil
}

func (s *MemoryVisitorStore) SaveVisitorID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
	return nil
}

// Identity hands out the session and visitor IDs, creating each on first use.
type Identity struct {
	mu        sync.Mutex
	store     VisitorStore
	sessionID string
	visitorID string
}

// NewIdentity creates an identity backed by store. A nil store keeps the
// visitor ID in memory only.
func NewIdentity(store VisitorStore) *Identity {
	if store == nil {
		store = &MemoryVisitorStore{}
	}
	return &Identity{store: store}
}

// SessionID returns this client's session ID.
func (i *Identity) SessionID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.sessionID == "" {
		i.sessionID = uuid.New().String()
	}
	return i.sessionID
}

// VisitorID returns the persisted visitor ID, creating and saving one if
// needed. When saving fails the new ID is still returned along with the error.
func (i *Identity) VisitorID() (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.visitorID != "" {
		return i.visitorID, nil
	}

	id, err := i.store.LoadVisitorID()
	if err != nil {
		return "", err
	}
	if id != "" {
		i.visitorID = id
		return id, nil
	}

	i.visitorID = uuid.New().String()
	return i.visitorID, i.store.SaveVisitorID(i.visitorID)
}
