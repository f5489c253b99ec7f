package shared

import "errors"

// Error taxonomy shared by every domain package. Call sites wrap these with
// the cohort, year or account that triggered them so callers can act.
var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation marks a user-correctable input problem.
	ErrValidation = errors.New("validation failed")
	// ErrImbalancedEntry marks a journal whose debits and credits differ.
	ErrImbalancedEntry = errors.New("imbalanced entry")
	// ErrStateTransition marks an operation not allowed in the current lifecycle state.
	ErrStateTransition = errors.New("invalid state transition")
	// ErrConcurrencyConflict marks a tripped duplicate guard.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrUnauthenticated indicates the tenant context is missing.
	ErrUnauthenticated = errors.New("tenant context missing")
)
