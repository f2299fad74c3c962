// Package ledger is the append-only version history of session documents.
package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/joescharf/docgen/internal/models"
)

// Store persists version snapshots. AppendVersion must assign
// v.Version = max existing + 1 (1 when empty) atomically and never overwrite.
// GetVersion returns models.ErrVersionNotFound when absent; LatestVersion
// returns nil, nil for a session without versions.
type Store interface {
	AppendVersion(ctx context.Context, v *models.Version) error
	GetVersion(ctx context.Context, sessionID string, version int) (*models.Version, error)
	LatestVersion(ctx context.Context, sessionID string) (*models.Version, error)
	ListVersions(ctx context.Context, sessionID string) ([]*models.Version, error)
}

// Ledger serializes appends per session on top of a Store.
type Ledger struct {
	store Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Ledger backed by s.
func New(s Store) *Ledger {
	return &Ledger{store: s, locks: make(map[string]*sync.Mutex)}
}

func (l *Ledger) lock(sessionID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[sessionID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[sessionID] = m
	}
	return m
}

// Append stores a new snapshot and returns the version number it was given.
func (l *Ledger) Append(ctx context.Context, sessionID, content string, changeType models.ChangeType, description string) (int, error) {
	if sessionID == "" {
		return 0, fmt.Errorf("append version: session id is required")
	}
	if !changeType.Valid() {
		return 0, fmt.Errorf("append version: unknown change type %q", changeType)
	}

	m := l.lock(sessionID)
	m.Lock()
	defer m.Unlock()

	v := &models.Version{
		SessionID:         sessionID,
		Content:           content,
		ChangeType:        changeType,
		ChangeDescription: description,
	}
	if err := l.store.AppendVersion(ctx, v); err != nil {
		return 0, fmt.Errorf("append version: %w", err)
	}
	return v.Version, nil
}

// Get returns one version; the error wraps models.ErrVersionNotFound if absent.
func (l *Ledger) Get(ctx context.Context, sessionID string, version int) (*models.Version, error) {
	if version < 1 {
		return nil, fmt.Errorf("%w: %s v%d", models.ErrVersionNotFound, sessionID, version)
	}
	return l.store.GetVersion(ctx, sessionID, version)
}

// Latest returns the newest version, or nil when the session has none.
func (l *Ledger) Latest(ctx context.Context, sessionID string) (*models.Version, error) {
	return l.store.LatestVersion(ctx, sessionID)
}

// List returns every version of a session in ascending order.
func (l *Ledger) List(ctx context.Context, sessionID string) ([]*models.Version, error) {
	return l.store.ListVersions(ctx, sessionID)
}
