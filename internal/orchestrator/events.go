package orchestrator

import (
	"github.com/joescharf/docgen/internal/diff"
	"github.com/joescharf/docgen/internal/models"
)

// EventType names a session transition.
type EventType string

const (
	EventStartAccepted  EventType = "start_accepted"
	EventRefineAccepted EventType = "refine_accepted"
	EventCompleted      EventType = "completed"
	EventFailed         EventType = "failed"
	EventVersionLoaded  EventType = "version_loaded"
)

// Event is emitted exactly once per transition.
type Event struct {
	Type      EventType
	SessionID string
	Status    models.SessionStatus
	Version   int
	Diff      diff.Result
	// ViewDiff is set when a diff is pending and worth offering to the user.
	ViewDiff bool
	Err      error
}

// Notifier receives session events. Notify may be called from the polling
// goroutine; it is never called with the orchestrator's lock held.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

// Notify implements Notifier.
func (f NotifierFunc) Notify(e Event) { f(e) }

type nopNotifier struct{}

func (nopNotifier) Notify(Event) {}
