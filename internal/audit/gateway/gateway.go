// Package gateway implements the single synchronous entry point producers
// call to record an audit event.
//
// Submission is fail-closed: the caller blocks until the event is committed
// or receives a classified error it must handle. Write failures are never
// retried silently past the configured bound and always escalate to the
// capacity monitor. While the store is refusing writes, only system events
// recording the outage itself are accepted; they ride an in-memory buffer
// so the failure record does not depend on the failed medium.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"custos/internal/audit"
	"custos/pkg/sentinel"
)

// FailureReporter receives escalations when the gateway observes a write
// failure. Implemented by the capacity monitor; kept as a local interface so
// the gateway does not depend on the monitor package.
type FailureReporter interface {
	ReportFailure(ctx context.Context, tenantID uuid.UUID, kind, severity, message string, details map[string]string)
}

// Mirror receives committed events for best-effort fan-out (SIEM topic).
// Mirroring never gates ingestion.
type Mirror interface {
	Mirror(ctx context.Context, event audit.Event)
}

// EventSigner produces a non-repudiation record for a committed event.
// Implemented by the signature service; kept as a local interface so the
// gateway does not depend on the signature package.
type EventSigner interface {
	SignEvent(ctx context.Context, tenantID, eventID, actorID uuid.UUID, action string, criticality audit.Criticality) error
}

// tenantState serializes chain updates within one tenant. Unrelated tenants
// never contend on it.
type tenantState struct {
	mu     sync.Mutex
	loaded bool
	head   string    // hash chain head
	lastTS time.Time // high-water mark: no new event may precede it
}

// Gateway validates, normalizes, and commits audit events.
type Gateway struct {
	store    audit.Store
	validate *validator.Validate
	logger   *slog.Logger
	metrics  *Metrics
	breaker  *CircuitBreaker
	buffer   *RingBuffer
	reporter FailureReporter
	mirror   Mirror
	signer   EventSigner
	tracer   trace.Tracer

	timeout    time.Duration
	maxRetries int

	mu      sync.Mutex
	tenants map[uuid.UUID]*tenantState
}

// Option configures the Gateway.
type Option func(*Gateway)

// WithLogger sets a logger for error reporting.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithFailureReporter wires escalation to the capacity monitor.
func WithFailureReporter(r FailureReporter) Option {
	return func(g *Gateway) { g.reporter = r }
}

// WithMirror wires best-effort fan-out of committed events.
func WithMirror(m Mirror) Option {
	return func(g *Gateway) { g.mirror = m }
}

// WithSigner wires non-repudiation signing of high and critical events
// after commit.
func WithSigner(s EventSigner) Option {
	return func(g *Gateway) { g.signer = s }
}

// WithTimeout bounds the store I/O for a single submission.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.timeout = d }
}

// WithMaxRetries bounds silent retries on a transiently unavailable store.
func WithMaxRetries(n int) Option {
	return func(g *Gateway) { g.maxRetries = n }
}

// WithCircuitBreaker replaces the default breaker.
func WithCircuitBreaker(cb *CircuitBreaker) Option {
	return func(g *Gateway) { g.breaker = cb }
}

// New creates an ingest gateway over the given store.
func New(store audit.Store, opts ...Option) *Gateway {
	g := &Gateway{
		store:      store,
		validate:   validator.New(),
		breaker:    NewCircuitBreaker(5, time.Minute),
		buffer:     NewRingBuffer(10000),
		tracer:     otel.Tracer("custos/audit/gateway"),
		timeout:    5 * time.Second,
		maxRetries: 2,
		tenants:    make(map[uuid.UUID]*tenantState),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Submit validates and commits one audit event, returning the assigned id.
//
// Errors are classified: sentinel.ErrValidation for malformed input
// (rejected before any write), sentinel.ErrStoreUnavailable when the medium
// cannot accept the write after bounded retries. The latter has already been
// escalated to the failure reporter by the time the caller sees it.
func (g *Gateway) Submit(ctx context.Context, input audit.Input) (uuid.UUID, error) {
	ctx, span := g.tracer.Start(ctx, "audit.submit")
	defer span.End()

	event, err := g.normalize(input)
	if err != nil {
		if g.metrics != nil {
			g.metrics.Rejected.Inc()
		}
		return uuid.Nil, err
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	committedID, fresh, err := g.commit(ctx, &event)
	if err != nil || !fresh {
		return committedID, err
	}

	if g.mirror != nil {
		g.mirror.Mirror(ctx, event)
	}

	if g.signer != nil && event.Criticality != audit.CriticalityRoutine {
		actorID := uuid.Nil
		if event.ActorID != nil {
			actorID = *event.ActorID
		}
		if err := g.signer.SignEvent(ctx, event.TenantID, event.ID, actorID, event.Action, event.Criticality); err != nil {
			// The event itself stays committed: the trail never un-records
			// an action. A critical action without its signature still
			// fails for the caller; high actions only error here when the
			// pending record could not be persisted either.
			if g.logger != nil {
				g.logger.ErrorContext(ctx, "committed event could not be signed",
					"tenant_id", event.TenantID,
					"event_id", event.ID,
					"criticality", string(event.Criticality),
					"error", err,
				)
			}
			return uuid.Nil, err
		}
	}

	return committedID, nil
}

// commit serializes the chain update for the tenant and appends the event,
// filling in the server-assigned timestamp and hashes. fresh is false when
// an idempotency key collapsed the write into a prior commit or outage
// policy buffered the event instead.
func (g *Gateway) commit(ctx context.Context, event *audit.Event) (uuid.UUID, bool, error) {
	state := g.tenantState(event.TenantID)
	state.mu.Lock()
	defer state.mu.Unlock()

	if err := g.loadState(ctx, state, event.TenantID); err != nil {
		id, ferr := g.refuseOrFail(ctx, *event, fmt.Errorf("load chain head: %w", err))
		return id, false, ferr
	}

	// Server-assigned commit time; clamped forward so no event precedes a
	// prior commit for the tenant.
	now := time.Now().UTC()
	if now.Before(state.lastTS) {
		now = state.lastTS
	}
	event.Timestamp = now
	event.PrevHash = state.head
	event.ContentHash = event.ComputeContentHash()

	if !g.breaker.Allow() {
		if g.metrics != nil {
			g.metrics.CircuitBreakerState.Set(1)
		}
		id, err := g.refuse(ctx, *event)
		return id, false, err
	}

	start := time.Now()
	committedID, err := g.appendWithRetry(ctx, *event)
	if err != nil {
		id, ferr := g.refuseOrFail(ctx, *event, err)
		return id, false, ferr
	}

	g.breaker.RecordSuccess()
	if g.metrics != nil {
		g.metrics.CircuitBreakerState.Set(0)
		g.metrics.PersistDuration.Observe(time.Since(start).Seconds())
		g.metrics.Submitted.Inc()
	}

	if committedID != event.ID {
		// Idempotent replay: the prior id is returned and the head stays put.
		return committedID, false, nil
	}
	state.head = audit.ChainHash(event.PrevHash, event.ContentHash)
	state.lastTS = event.Timestamp
	return committedID, true, nil
}

// loadState fills the cached chain head from the store on first use. Caller
// holds state.mu.
func (g *Gateway) loadState(ctx context.Context, state *tenantState, tenantID uuid.UUID) error {
	if state.loaded {
		return nil
	}
	head, lastTS, err := g.store.ChainHead(ctx, tenantID)
	if err != nil {
		return err
	}
	state.head = head
	state.lastTS = lastTS
	state.loaded = true
	return nil
}

// normalize validates the input and builds the unhashed event.
func (g *Gateway) normalize(input audit.Input) (audit.Event, error) {
	if err := g.validate.Struct(input); err != nil {
		return audit.Event{}, fmt.Errorf("%w: %v", sentinel.ErrValidation, err)
	}
	if !input.Category.Valid() {
		return audit.Event{}, fmt.Errorf("%w: unknown category %q", sentinel.ErrValidation, input.Category)
	}
	if !input.Outcome.Valid() {
		return audit.Event{}, fmt.Errorf("%w: unknown outcome %q", sentinel.ErrValidation, input.Outcome)
	}
	criticality := input.Criticality
	if criticality == "" {
		criticality = audit.CriticalityRoutine
	}
	if !criticality.Valid() {
		return audit.Event{}, fmt.Errorf("%w: unknown criticality %q", sentinel.ErrValidation, input.Criticality)
	}

	return audit.Event{
		ID:             uuid.New(),
		TenantID:       input.TenantID,
		ActorID:        input.ActorID,
		ActorEmail:     input.ActorEmail,
		ActorRole:      input.ActorRole,
		Category:       input.Category,
		Action:         input.Action,
		ResourceType:   input.ResourceType,
		ResourceID:     input.ResourceID,
		Outcome:        input.Outcome,
		IP:             input.IP,
		UserAgent:      input.UserAgent,
		SessionID:      input.SessionID,
		DeviceID:       input.DeviceID,
		RequestPath:    input.RequestPath,
		Before:         input.Before,
		After:          input.After,
		Metadata:       input.Metadata,
		ReasonCode:     input.ReasonCode,
		Criticality:    criticality,
		IdempotencyKey: input.IdempotencyKey,
	}, nil
}

// appendWithRetry commits with bounded retries on transient unavailability.
func (g *Gateway) appendWithRetry(ctx context.Context, event audit.Event) (uuid.UUID, error) {
	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			if g.metrics != nil {
				g.metrics.Retries.Inc()
			}
			select {
			case <-ctx.Done():
				return uuid.Nil, fmt.Errorf("%w: %v", sentinel.ErrStoreUnavailable, ctx.Err())
			case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
			}
		}

		id, err := g.store.Append(ctx, event)
		if err == nil {
			return id, nil
		}
		lastErr = err
		if !errors.Is(err, sentinel.ErrStoreUnavailable) {
			return uuid.Nil, err
		}
	}
	return uuid.Nil, lastErr
}

// refuseOrFail handles a terminal append failure: escalate, trip the
// breaker, and either buffer (system events) or fail the caller.
func (g *Gateway) refuseOrFail(ctx context.Context, event audit.Event, err error) (uuid.UUID, error) {
	g.breaker.RecordFailure()
	if g.metrics != nil {
		g.metrics.PersistFailures.Inc()
		g.metrics.CircuitBreakerState.Set(1)
	}
	if g.logger != nil {
		g.logger.ErrorContext(ctx, "CRITICAL: audit persistence failed",
			"tenant_id", event.TenantID,
			"action", event.Action,
			"error", err,
		)
	}
	if g.reporter != nil {
		g.reporter.ReportFailure(ctx, event.TenantID, "write_failure", "critical",
			"audit event could not be committed", map[string]string{
				"action": event.Action,
				"error":  err.Error(),
			})
	}
	if errors.Is(err, sentinel.ErrStoreUnavailable) {
		return g.refuse(ctx, event)
	}
	return uuid.Nil, err
}

// refuse applies outage policy: system events recording the failure itself
// are buffered and acknowledged; everything else is an explicit failure the
// producer must handle.
func (g *Gateway) refuse(ctx context.Context, event audit.Event) (uuid.UUID, error) {
	if event.Category == audit.CategorySystemEvent {
		if event.Timestamp.IsZero() {
			event.Timestamp = time.Now().UTC()
		}
		if event.ContentHash == "" {
			event.ContentHash = event.ComputeContentHash()
		}
		before := g.buffer.Dropped()
		g.buffer.Enqueue(event)
		if g.metrics != nil {
			g.metrics.Buffered.Inc()
			if d := g.buffer.Dropped() - before; d > 0 {
				g.metrics.BufferDropped.Add(float64(d))
			}
		}
		if g.logger != nil {
			g.logger.WarnContext(ctx, "audit store unavailable, system event buffered",
				"tenant_id", event.TenantID,
				"action", event.Action,
				"buffered", g.buffer.Len(),
			)
		}
		return event.ID, nil
	}
	return uuid.Nil, fmt.Errorf("%w: store refusing writes", sentinel.ErrStoreUnavailable)
}

// FlushBuffered re-commits emergency-buffered events once the store is
// healthy again. Returns the number recovered. Called by the capacity
// monitor on resolution; safe to call concurrently with Submit.
func (g *Gateway) FlushBuffered(ctx context.Context) (int, error) {
	recovered := 0
	for {
		batch := g.buffer.DequeueBatch(100)
		if len(batch) == 0 {
			return recovered, nil
		}
		for i, event := range batch {
			if err := g.commitBuffered(ctx, event); err != nil {
				// Put the rest back for the next flush.
				for _, remaining := range batch[i:] {
					g.buffer.Enqueue(remaining)
				}
				return recovered, fmt.Errorf("flush buffered events: %w", err)
			}
			recovered++
		}
	}
}

// commitBuffered re-chains one buffered event onto the tenant's current
// head before appending. The hashes captured at buffering time predate the
// outage and any events committed since, so they are recomputed here under
// the tenant lock.
func (g *Gateway) commitBuffered(ctx context.Context, event audit.Event) error {
	state := g.tenantState(event.TenantID)
	state.mu.Lock()
	defer state.mu.Unlock()

	if err := g.loadState(ctx, state, event.TenantID); err != nil {
		return fmt.Errorf("load chain head: %w", err)
	}

	if event.Timestamp.Before(state.lastTS) {
		event.Timestamp = state.lastTS
	}
	event.PrevHash = state.head
	event.ContentHash = event.ComputeContentHash()

	committedID, err := g.store.Append(ctx, event)
	if err != nil {
		return err
	}
	if committedID == event.ID {
		state.head = audit.ChainHash(event.PrevHash, event.ContentHash)
		state.lastTS = event.Timestamp
	}
	return nil
}

// BufferedCount reports the emergency buffer depth (capacity monitor input).
func (g *Gateway) BufferedCount() int {
	return g.buffer.Len()
}

// BufferedDropped reports events lost to emergency buffer overflow.
func (g *Gateway) BufferedDropped() int64 {
	return g.buffer.Dropped()
}

func (g *Gateway) tenantState(tenantID uuid.UUID) *tenantState {
	g.mu.Lock()
	defer g.mu.Unlock()
	state, ok := g.tenants[tenantID]
	if !ok {
		state = &tenantState{}
		g.tenants[tenantID] = state
	}
	return state
}
