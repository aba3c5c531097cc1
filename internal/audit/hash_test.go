package audit_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"custos/internal/audit"
)

func baseEvent() audit.Event {
	actorID := uuid.MustParse("f2d9a3f0-6d3c-4a5b-9a1e-000000000001")
	return audit.Event{
		ID:        uuid.MustParse("0b9c6a1e-0000-4000-8000-000000000002"),
		TenantID:  uuid.MustParse("0b9c6a1e-0000-4000-8000-000000000003"),
		Timestamp: time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC),
		ActorID:   &actorID,
		Category:  audit.CategoryDataAccess,
		Action:    "record.view",
		Outcome:   audit.OutcomeSuccess,
		Metadata:  map[string]string{"b": "2", "a": "1", "c": "3"},
	}
}

func TestContentHashIsDeterministic(t *testing.T) {
	first := baseEvent().ComputeContentHash()
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, baseEvent().ComputeContentHash(),
			"same event must always hash identically despite map iteration order")
	}
	assert.Len(t, first, 64)
}

func TestContentHashCoversEveryField(t *testing.T) {
	base := baseEvent().ComputeContentHash()

	mutations := map[string]func(*audit.Event){
		"action":    func(e *audit.Event) { e.Action = "record.export" },
		"outcome":   func(e *audit.Event) { e.Outcome = audit.OutcomeDenied },
		"timestamp": func(e *audit.Event) { e.Timestamp = e.Timestamp.Add(time.Nanosecond) },
		"metadata":  func(e *audit.Event) { e.Metadata["a"] = "changed" },
		"actor":     func(e *audit.Event) { e.ActorID = nil },
		"before":    func(e *audit.Event) { e.Before = []byte(`{"x":1}`) },
		"reason":    func(e *audit.Event) { e.ReasonCode = "automated-decision" },
	}
	for name, mutate := range mutations {
		event := baseEvent()
		mutate(&event)
		assert.NotEqual(t, base, event.ComputeContentHash(), "mutating %s must change the hash", name)
	}
}

func TestContentHashIgnoresChainFields(t *testing.T) {
	event := baseEvent()
	base := event.ComputeContentHash()

	event.ContentHash = "bogus"
	event.PrevHash = "bogus"
	assert.Equal(t, base, event.ComputeContentHash())
}

func TestTimestampNormalizedToUTC(t *testing.T) {
	event := baseEvent()
	base := event.ComputeContentHash()

	event.Timestamp = event.Timestamp.In(time.FixedZone("UTC+5", 5*3600))
	assert.Equal(t, base, event.ComputeContentHash(),
		"wall-clock representation must not affect the hash")
}

func TestNilAndEmptyMetadataHashAlike(t *testing.T) {
	withNil := baseEvent()
	withNil.Metadata = nil
	withEmpty := baseEvent()
	withEmpty.Metadata = map[string]string{}

	assert.Equal(t, withNil.ComputeContentHash(), withEmpty.ComputeContentHash())
}

func TestChainHash(t *testing.T) {
	genesis := audit.ChainHash("", "aaaa")
	assert.Len(t, genesis, 64)
	assert.NotEqual(t, genesis, audit.ChainHash("", "aaab"))
	assert.NotEqual(t, genesis, audit.ChainHash("bbbb", "aaaa"))
	assert.Equal(t, genesis, audit.ChainHash("", "aaaa"))
}
