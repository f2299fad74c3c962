package models

import "errors"

// Lookup errors shared by the ledger drivers, the store and the backend client.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrVersionNotFound = errors.New("version not found")
)
