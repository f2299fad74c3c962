package models

import "time"

// ChangeType records why a new document version was produced.
type ChangeType string

const (
	ChangeInitialGeneration     ChangeType = "initial_generation"
	ChangeAIRefinement          ChangeType = "ai_refinement"
	ChangeManualEdit            ChangeType = "manual_edit"
	ChangeApprovalRevision      ChangeType = "approval_revision"
	ChangeFeedbackIncorporation ChangeType = "feedback_incorporation"
)

// Valid reports whether c is a known change type.
func (c ChangeType) Valid() bool {
	switch c {
	case ChangeInitialGeneration, ChangeAIRefinement, ChangeManualEdit,
		ChangeApprovalRevision, ChangeFeedbackIncorporation:
		return true
	}
	return false
}

// Version is an immutable full snapshot of a session's document.
type Version struct {
	SessionID         string     `json:"sessionId"`
	Version           int        `json:"version"`
	Content           string     `json:"content"`
	ChangeType        ChangeType `json:"changeType"`
	ChangeDescription string     `json:"changeDescription,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
}
