package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/joescharf/docgen/internal/models"
)

// MemoryStore keeps versions in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	versions map[string][]models.Version
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{versions: make(map[string][]models.Version)}
}

// AppendVersion implements Store.
func (s *MemoryStore) AppendVersion(_ context.Context, v *models.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v.Version = len(s.versions[v.SessionID]) + 1
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	s.versions[v.SessionID] = append(s.versions[v.SessionID], *v)
	return nil
}

// GetVersion implements Store.
func (s *MemoryStore) GetVersion(_ context.Context, sessionID string, version int) (*models.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.versions[sessionID]
	if version < 1 || version > len(list) {
		return nil, fmt.Errorf("%w: %s v%d", models.ErrVersionNotFound, sessionID, version)
	}
	v := list[version-1]
	return &v, nil
}

// LatestVersion implements Store.
func (s *MemoryStore) LatestVersion(_ context.Context, sessionID string) (*models.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.versions[sessionID]
	if len(list) == 0 {
		return nil, nil
	}
	v := list[len(list)-1]
	return &v, nil
}

// ListVersions implements Store.
func (s *MemoryStore) ListVersions(_ context.Context, sessionID string) ([]*models.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.versions[sessionID]
	out := make([]*models.Version, len(list))
	for i := range list {
		v := list[i]
		out[i] = &v
	}
	return out, nil
}
