package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
)

// canonicalEvent is the hashing view of an Event. All fields are scalars or
// ordered slices (no maps) to guarantee deterministic json.Marshal field
// order for reproducible hashing. The hash and chain fields themselves are
// excluded.
type canonicalEvent struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	Timestamp    string         `json:"ts"`
	ActorID      string         `json:"actor_id"`
	ActorEmail   string         `json:"actor_email"`
	ActorRole    string         `json:"actor_role"`
	Category     string         `json:"category"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Outcome      string         `json:"outcome"`
	IP           string         `json:"ip"`
	UserAgent    string         `json:"user_agent"`
	SessionID    string         `json:"session_id"`
	DeviceID     string         `json:"device_id"`
	RequestPath  string         `json:"request_path"`
	RequestID    string         `json:"request_id"`
	Before       string         `json:"before"`
	After        string         `json:"after"`
	Metadata     []metadataPair `json:"metadata"`
	ReasonCode   string         `json:"reason_code"`
	Criticality  string         `json:"criticality"`
}

type metadataPair struct {
	Key   string `json:"k"`
	Value string `json:"v"`
}

// CanonicalPayload serializes the event into its deterministic hashing form.
// Metadata keys are sorted; timestamps use RFC3339Nano in UTC.
func (e Event) CanonicalPayload() []byte {
	actorID := ""
	if e.ActorID != nil && *e.ActorID != uuid.Nil {
		actorID = e.ActorID.String()
	}

	pairs := make([]metadataPair, 0, len(e.Metadata))
	for k, v := range e.Metadata {
		pairs = append(pairs, metadataPair{Key: k, Value: v})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Key < pairs[j].Key })

	payload, _ := json.Marshal(canonicalEvent{
		ID:           e.ID.String(),
		TenantID:     e.TenantID.String(),
		Timestamp:    e.Timestamp.UTC().Format(time.RFC3339Nano),
		ActorID:      actorID,
		ActorEmail:   e.ActorEmail,
		ActorRole:    e.ActorRole,
		Category:     string(e.Category),
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Outcome:      string(e.Outcome),
		IP:           e.IP,
		UserAgent:    e.UserAgent,
		SessionID:    e.SessionID,
		DeviceID:     e.DeviceID,
		RequestPath:  e.RequestPath,
		RequestID:    e.RequestID,
		Before:       string(e.Before),
		After:        string(e.After),
		Metadata:     pairs,
		ReasonCode:   e.ReasonCode,
		Criticality:  string(e.Criticality),
	})
	return payload
}

// ComputeContentHash returns the hex SHA-256 digest of the canonical payload.
func (e Event) ComputeContentHash() string {
	sum := sha256.Sum256(e.CanonicalPayload())
	return hex.EncodeToString(sum[:])
}

// ChainHash links an event into the per-tenant hash chain: the digest covers
// the previous head and this event's content hash.
func ChainHash(prevHash, contentHash string) string {
	sum := sha256.Sum256([]byte(prevHash + ":" + contentHash))
	return hex.EncodeToString(sum[:])
}
