package store

import (
	"context"

	"github.com/joescharf/docgen/internal/models"
)

// Store defines the persistence interface for docgen.
// The version methods satisfy ledger.Store.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, s *models.DocumentSession) error
	GetSession(ctx context.Context, id string) (*models.DocumentSession, error)
	ListSessions(ctx context.Context, kind string, limit int) ([]*models.DocumentSession, error)
	UpdateSession(ctx context.Context, s *models.DocumentSession) error
	ClaimGeneration(ctx context.Context, id string, from ...models.SessionStatus) (bool, error)

	// Versions
	AppendVersion(ctx context.Context, v *models.Version) error
	GetVersion(ctx context.Context, sessionID string, version int) (*models.Version, error)
	LatestVersion(ctx context.Context, sessionID string) (*models.Version, error)
	ListVersions(ctx context.Context, sessionID string) ([]*models.Version, error)

	// Chat
	AddChatMessage(ctx context.Context, m *models.ChatMessage) error
	ListChatMessages(ctx context.Context, sessionID string) ([]models.ChatMessage, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
