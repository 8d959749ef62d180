package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores, storage adapters and the
// lease lock return these (optionally wrapped) so services can translate them
// into domain errors.
//
// For validation errors (bad input, missing fields), use pkg/domain-errors directly.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
	// ErrLeaseHeld means another holder owns the lease for the key.
	ErrLeaseHeld = errors.New("lease held")
)
