// Package repository defines error types that are reused across multiple
// repositories. These sentinel values allow higher layers such as the
// reservation manager, the reconciliation engine and the handlers to
// distinguish between different failure scenarios.
package repository

import "errors"

// ErrNotFound is returned when a campaign, square or transaction does
// not exist. Handlers should translate this into an HTTP 404 response.
var ErrNotFound = errors.New("not found")

// ErrAlreadyClaimed is returned when a conditional update on a square
// matched zero rows because another claimant won the race. It must never
// be retried against the same or a different square automatically.
var ErrAlreadyClaimed = errors.New("already claimed")

// ErrForbidden is returned when the caller attempts an operation
// it is not authorized for. Handlers should translate this into an
// HTTP 403 response.
var ErrForbidden = errors.New("forbidden")

// ErrConflict is returned when an update cannot be performed because
// of conflicting state, such as a transaction whose status moved on
// underneath the caller. Handlers should translate this into an HTTP
// 409 response.
var ErrConflict = errors.New("conflict")
