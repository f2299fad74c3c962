package orchestrator

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrSessionBusy is returned when a generation is already in flight.
	ErrSessionBusy = errors.New("session busy")
	// ErrNoActiveSession is returned for an empty or unknown session id.
	ErrNoActiveSession = errors.New("no active session")
	// ErrNotRefinable is returned when refining a draft or failed session.
	ErrNotRefinable = errors.New("session not refinable")
	// ErrReview is returned when reviewing a session without content.
	ErrReview = errors.New("nothing to review")
)

// ValidationError reports input problems found before any backend call.
type ValidationError struct {
	Kind    string
	Missing []string
	Reason  string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: validation failed", e.Kind)
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, ": missing required inputs: %s", strings.Join(e.Missing, ", "))
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	return b.String()
}

// Is makes errors.Is(err, ErrValidation) match.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
