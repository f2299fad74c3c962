package models

import "time"

// SessionStatus represents the state of a document generation session.
type SessionStatus string

const (
	SessionStatusDraft      SessionStatus = "draft"
	SessionStatusGenerating SessionStatus = "generating"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusFailed     SessionStatus = "failed"
)

// Terminal reports whether polling stops at this status.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed
}

// DocumentSession is one generation effort for a single document.
type DocumentSession struct {
	ID             string            `json:"id"`
	Kind           string            `json:"kind"`
	Status         SessionStatus     `json:"status"`
	Content        string            `json:"content"`
	CurrentVersion int               `json:"currentVersion"`
	Inputs         map[string]string `json:"inputs,omitempty"`
	LastError      string            `json:"lastError,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}
