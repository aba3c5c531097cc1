// Package session captures fine-grained, session-scoped activity. Every
// event lands on the session timeline for fast session queries; the
// privileged subset is additionally forwarded into the main audit trail.
package session

import (
	"time"

	"github.com/google/uuid"
)

// EventType classifies session activity. The privileged types also commit
// an audit event so session activity of consequence is visible in the
// primary compliance stream without duplicating every minor tick there.
type EventType string

const (
	EventTypeNavigation   EventType = "navigation"
	EventTypeDataView     EventType = "data_view"
	EventTypeHeartbeat    EventType = "heartbeat"
	EventTypePrivilegeUse EventType = "privilege_use"
	EventTypeConfigChange EventType = "configuration_change"
	EventTypeSecurity     EventType = "security_event"
)

func (t EventType) Valid() bool {
	switch t {
	case EventTypeNavigation, EventTypeDataView, EventTypeHeartbeat,
		EventTypePrivilegeUse, EventTypeConfigChange, EventTypeSecurity:
		return true
	}
	return false
}

// Privileged reports whether events of this type must reach the main
// audit trail.
func (t EventType) Privileged() bool {
	switch t {
	case EventTypePrivilegeUse, EventTypeConfigChange, EventTypeSecurity:
		return true
	}
	return false
}

// ClientContext is the normalized client fingerprint parsed from the raw
// user agent at write time.
type ClientContext struct {
	Browser        string `json:"browser,omitempty"`
	BrowserVersion string `json:"browser_version,omitempty"`
	OS             string `json:"os,omitempty"`
	Mobile         bool   `json:"mobile,omitempty"`
	Bot            bool   `json:"bot,omitempty"`
}

// Event is one session-scoped activity record, keyed by session for
// timeline queries. AuditEventID is set when the event was privileged and
// committed to the main trail.
type Event struct {
	ID        uuid.UUID  `json:"id"`
	TenantID  uuid.UUID  `json:"tenant_id"`
	SessionID string     `json:"session_id"`
	ActorID   *uuid.UUID `json:"actor_id,omitempty"`
	Type      EventType  `json:"type"`
	Action    string     `json:"action"`
	Outcome   string     `json:"outcome"`
	Duration  int64      `json:"duration_ms,omitempty"`

	IP        string        `json:"ip,omitempty"`
	UserAgent string        `json:"user_agent,omitempty"`
	Client    ClientContext `json:"client,omitempty"`
	Path      string        `json:"path,omitempty"`

	Timestamp    time.Time  `json:"timestamp"`
	AuditEventID *uuid.UUID `json:"audit_event_id,omitempty"`
}
