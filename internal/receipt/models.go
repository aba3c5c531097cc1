// Package receipt tracks proof of delivery for critical communications: a
// confirmation records what was sent, to whom, and walks a one-way state
// machine from dispatch to acknowledgement.
package receipt

import (
	"time"

	"github.com/google/uuid"
)

// State is the confirmation lifecycle. The only legal transitions are
// pending → received → acknowledged and pending|received → expired;
// acknowledged and expired are final.
type State string

const (
	StatePending      State = "pending"
	StateReceived     State = "received"
	StateAcknowledged State = "acknowledged"
	StateExpired      State = "expired"
)

func (s State) Valid() bool {
	switch s {
	case StatePending, StateReceived, StateAcknowledged, StateExpired:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == StateAcknowledged || s == StateExpired
}

// Confirmation is one tracked communication. ContentHash fixes what was
// sent at dispatch time; ReceiptHash and SignatureID are filled at
// acknowledgement when a signed receipt was requested.
type Confirmation struct {
	ID               uuid.UUID  `json:"id"`
	TenantID         uuid.UUID  `json:"tenant_id"`
	CommunicationRef string     `json:"communication_ref"`
	SenderID         uuid.UUID  `json:"sender_id"`
	RecipientID      uuid.UUID  `json:"recipient_id"`
	ContentHash      string     `json:"content_hash"`
	ReceiptHash      string     `json:"receipt_hash,omitempty"`
	SignatureID      *uuid.UUID `json:"signature_id,omitempty"`
	State            State      `json:"state"`
	SentAt           time.Time  `json:"sent_at"`
	ReceivedAt       *time.Time `json:"received_at,omitempty"`
	AcknowledgedAt   *time.Time `json:"acknowledged_at,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
}
