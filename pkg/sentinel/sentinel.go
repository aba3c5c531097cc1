package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and infrastructure layers
// return these (optionally wrapped) so services can translate them into the
// failure taxonomy producers handle.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: entity does not exist in store
// - ErrImmutable: an update or delete was attempted against a committed record
// - ErrStoreUnavailable: the store cannot accept a write right now
// - ErrSigningUnavailable: key provider unreachable or the key is missing
// - ErrVerificationMismatch: signature no longer validates against recomputed
//   content; distinct from ErrNotFound because it implies tampering or a
//   key-rotation handling bug
// - ErrInvalidState: entity in wrong state for requested transition
// - ErrReportTimeout: a reduction run exceeded its budget
var (
	ErrValidation           = errors.New("validation failed")
	ErrNotFound             = errors.New("not found")
	ErrImmutable            = errors.New("record is immutable")
	ErrStoreUnavailable     = errors.New("audit store unavailable")
	ErrSigningUnavailable   = errors.New("signing unavailable")
	ErrVerificationMismatch = errors.New("verification mismatch")
	ErrInvalidState         = errors.New("invalid state")
	ErrReportTimeout        = errors.New("report budget exceeded")
)
