// Package backend is the client side of the document generation service
// contract.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/joescharf/docgen/internal/models"
)

// ActionType selects how the service treats a refinement message.
type ActionType string

const (
	// ActionRefine asks the agent to revise the document.
	ActionRefine ActionType = "refine"
	// ActionChat discusses the document; the agent may or may not revise it.
	ActionChat ActionType = "chat"
)

// Valid reports whether a is a known action.
func (a ActionType) Valid() bool {
	return a == ActionRefine || a == ActionChat
}

// CreateRequest starts a session from upstream artifact references.
type CreateRequest struct {
	Inputs  map[string]string `json:"inputs"`
	Options map[string]any    `json:"options,omitempty"`
}

// CreateResponse is the service's answer to CreateSession.
type CreateResponse struct {
	SessionID string               `json:"sessionId"`
	Status    models.SessionStatus `json:"status"`
}

// SessionStatus is one status check. Content and Version are set once the
// session completed.
type SessionStatus struct {
	Status  models.SessionStatus `json:"status"`
	Content string               `json:"content,omitempty"`
	Version int                  `json:"version,omitempty"`
	Error   string               `json:"error,omitempty"`
}

// RefineRequest triggers a new generating phase.
type RefineRequest struct {
	Message    string     `json:"message"`
	ActionType ActionType `json:"actionType"`
}

// ReviewResult is the synchronous review payload.
type ReviewResult struct {
	Suggestions     string `json:"suggestions"`
	ReviewMessageID string `json:"reviewMessageId"`
}

// Client is the generation service contract, bound to one document kind.
type Client interface {
	CreateSession(ctx context.Context, req CreateRequest) (*CreateResponse, error)
	GetSessionStatus(ctx context.Context, sessionID string) (*SessionStatus, error)
	RefineSession(ctx context.Context, sessionID string, req RefineRequest) error
	ReviewSession(ctx context.Context, sessionID string) (*ReviewResult, error)
	ListVersions(ctx context.Context, sessionID string) ([]*models.Version, error)
	GetVersion(ctx context.Context, sessionID string, version int) (*models.Version, error)
	GetChatHistory(ctx context.Context, sessionID string) ([]models.ChatMessage, error)
}

var (
	// ErrUnavailable matches network failures and 5xx responses.
	ErrUnavailable = errors.New("backend unavailable")
	// ErrConflict matches 409 responses, e.g. a generation already running.
	ErrConflict = errors.New("backend conflict")
	// ErrRejected matches other 4xx responses.
	ErrRejected = errors.New("backend rejected request")
)

// UnavailableError describes a transport or server failure.
type UnavailableError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *UnavailableError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: backend unavailable: %v", e.Op, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: backend unavailable: HTTP %d: %s", e.Op, e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("%s: backend unavailable: HTTP %d", e.Op, e.StatusCode)
	}
}

// Is makes errors.Is(err, ErrUnavailable) match.
func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}
