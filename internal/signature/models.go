// Package signature provides non-repudiation records: digital signatures
// binding an actor to an action and the hash of its content. Records
// reference audit events by id and never duplicate their content.
package signature

import (
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a signature record.
type State string

const (
	// StatePending indicates the record was persisted before the key
	// provider produced a signature (high-criticality degraded path).
	StatePending State = "pending"
	// StateValid indicates the signature bytes are present but have not
	// been independently verified since signing.
	StateValid State = "valid"
	// StateVerified indicates the last verification succeeded.
	StateVerified State = "verified"
	// StateExpired indicates the record passed its expiry before
	// verification.
	StateExpired State = "expired"
	// StateRevoked indicates the signature was explicitly marked
	// untrusted. Terminal.
	StateRevoked State = "revoked"
)

func (s State) Valid() bool {
	switch s {
	case StatePending, StateValid, StateVerified, StateExpired, StateRevoked:
		return true
	}
	return false
}

// Record is a persisted signature. ContentHash, Signature, Algorithm and
// KeyID are write-once; only state and its timestamps change afterwards.
type Record struct {
	ID               uuid.UUID
	TenantID         uuid.UUID
	EventID          uuid.UUID
	ResourceType     string
	ResourceID       string
	Action           string
	Criticality      string
	ContentHash      string
	Signature        []byte
	Algorithm        string
	KeyID            string
	SignerID         uuid.UUID
	State            State
	CreatedAt        time.Time
	ExpiresAt        *time.Time
	RevokedAt        *time.Time
	LastVerifiedAt   *time.Time
	RevocationReason string
}

// VerificationResult reports the outcome of a verification pass.
type VerificationResult struct {
	SignatureID uuid.UUID `json:"signature_id"`
	Valid       bool      `json:"valid"`
	State       State     `json:"state"`
	KeyID       string    `json:"key_id,omitempty"`
	VerifiedAt  time.Time `json:"verified_at"`
	Reason      string    `json:"reason,omitempty"`
}
