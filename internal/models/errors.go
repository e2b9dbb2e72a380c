package models

import "errors"

// Sentinel errors shared by stores, services and handlers. Handlers map these
// onto the structured API error envelope.
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrRateLimited = errors.New("rate limited")
)
