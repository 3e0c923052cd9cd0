package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores, brokers and storage
// backends return these (optionally wrapped) so services can translate them
// into domain errors:
// - ErrNotFound: entity does not exist in the store
// - ErrConflict: a uniqueness or conditional-update guard rejected the write
// - ErrUnavailable: the backing service is temporarily unreachable
//
// For validation errors (bad input, missing fields), use pkg/domain-errors directly.
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrUnavailable = errors.New("unavailable")
)
