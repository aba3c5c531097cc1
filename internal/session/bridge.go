package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mssola/useragent"

	"custos/internal/audit"
	"custos/pkg/sentinel"
)

// Submitter forwards privileged session activity into the main audit
// trail. Satisfied by the ingest gateway.
type Submitter interface {
	Submit(ctx context.Context, input audit.Input) (uuid.UUID, error)
}

// Input carries the request-side context of one session event.
type Input struct {
	ActorID   *uuid.UUID
	IP        string
	UserAgent string
	Path      string
	Duration  time.Duration
}

// Bridge writes session activity. The timeline write is the primary
// record for session queries; forwarding a privileged event to the trail
// must also succeed for the call to succeed.
type Bridge struct {
	timeline  Timeline
	submitter Submitter
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Bridge.
type Option func(*Bridge)

func WithLogger(l *slog.Logger) Option { return func(b *Bridge) { b.logger = l } }

func New(timeline Timeline, submitter Submitter, opts ...Option) *Bridge {
	b := &Bridge{
		timeline:  timeline,
		submitter: submitter,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// LogSessionEvent records one session event. Every event lands on the
// session timeline in commit order; privileged types additionally commit
// an audit event and carry its id.
func (b *Bridge) LogSessionEvent(ctx context.Context, tenantID uuid.UUID, sessionID string, eventType EventType, action string, outcome audit.Outcome, input Input) (Event, error) {
	if sessionID == "" {
		return Event{}, fmt.Errorf("session id is required: %w", sentinel.ErrValidation)
	}
	if !eventType.Valid() {
		return Event{}, fmt.Errorf("unknown event type %q: %w", eventType, sentinel.ErrValidation)
	}
	if action == "" {
		return Event{}, fmt.Errorf("action is required: %w", sentinel.ErrValidation)
	}
	if !outcome.Valid() {
		return Event{}, fmt.Errorf("unknown outcome %q: %w", outcome, sentinel.ErrValidation)
	}

	event := Event{
		ID:        uuid.New(),
		TenantID:  tenantID,
		SessionID: sessionID,
		ActorID:   input.ActorID,
		Type:      eventType,
		Action:    action,
		Outcome:   string(outcome),
		Duration:  input.Duration.Milliseconds(),
		IP:        input.IP,
		UserAgent: input.UserAgent,
		Client:    parseClient(input.UserAgent),
		Path:      input.Path,
		Timestamp: b.now().UTC(),
	}

	if eventType.Privileged() && b.submitter != nil {
		auditID, err := b.forward(ctx, event)
		if err != nil {
			// Privileged activity must be visible in the compliance
			// stream; a session-only record would understate it.
			return Event{}, fmt.Errorf("forwarding privileged session event: %w", err)
		}
		event.AuditEventID = &auditID
	}

	if err := b.timeline.Append(ctx, event); err != nil {
		return Event{}, fmt.Errorf("writing session timeline: %w", err)
	}
	b.logger.InfoContext(ctx, "session event recorded",
		"session_id", sessionID, "type", eventType, "action", action,
		"forwarded", event.AuditEventID != nil)
	return event, nil
}

// SessionTimeline returns the session's events in commit order.
func (b *Bridge) SessionTimeline(ctx context.Context, tenantID uuid.UUID, sessionID string, limit int) ([]Event, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required: %w", sentinel.ErrValidation)
	}
	return b.timeline.List(ctx, tenantID, sessionID, limit)
}

func (b *Bridge) forward(ctx context.Context, event Event) (uuid.UUID, error) {
	return b.submitter.Submit(ctx, audit.Input{
		TenantID:    event.TenantID,
		ActorID:     event.ActorID,
		Category:    audit.CategorySession,
		Action:      event.Action,
		Outcome:     audit.Outcome(event.Outcome),
		IP:          event.IP,
		UserAgent:   event.UserAgent,
		SessionID:   event.SessionID,
		RequestPath: event.Path,
		Criticality: audit.CriticalityHigh,
		Metadata: map[string]string{
			"session_event_type": string(event.Type),
			"session_event_id":   event.ID.String(),
		},
		IdempotencyKey: "session-" + event.ID.String(),
	})
}

// parseClient normalizes the raw user agent once at write time so readers
// never re-parse it.
func parseClient(raw string) ClientContext {
	if raw == "" {
		return ClientContext{}
	}
	ua := useragent.New(raw)
	browser, version := ua.Browser()
	return ClientContext{
		Browser:        browser,
		BrowserVersion: version,
		OS:             ua.OS(),
		Mobile:         ua.Mobile(),
		Bot:            ua.Bot(),
	}
}
