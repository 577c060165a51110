// Package events carries the notification events emitted by every successful
// mutating operation. Emission is best-effort: a failed publish is logged and
// counted but never fails the operation that produced it.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"carbonledger/internal/platform/metrics"
)

// Type names a notification event. Values match the original event names so
// downstream indexers keep working.
type Type string

const (
	TypeRegistryInitialized           Type = "RegistryInitialized"
	TypeProjectRegistered             Type = "ProjectRegistered"
	TypeCreditsIssued                 Type = "CreditsIssued"
	TypeCreditsTransferred            Type = "CreditsTransferred"
	TypeCreditsRetired                Type = "CreditsRetired"
	TypeBatchCreated                  Type = "BatchCreated"
	TypeProjectStatusUpdated          Type = "ProjectStatusUpdated"
	TypeProjectMetadataAdded          Type = "ProjectMetadataAdded"
	TypeVerifierInitialized           Type = "VerifierInitialized"
	TypeVerificationRequestSubmitted  Type = "VerificationRequestSubmitted"
	TypeVerificationCompleted         Type = "VerificationCompleted"
	TypeVerificationChallenged        Type = "VerificationChallenged"
	TypeChallengeResolved             Type = "ChallengeResolved"
	TypeVerifierStatusUpdated         Type = "VerifierStatusUpdated"
	TypeVerificationReportCreated     Type = "VerificationReportCreated"
	TypeMarketplaceInitialized        Type = "MarketplaceInitialized"
	TypeCarbonProjectCreated          Type = "CarbonProjectCreated"
	TypeMarketplaceProjectVerified    Type = "CarbonProjectVerified"
	TypeCreditsListed                 Type = "CreditsListed"
	TypeListingCancelled              Type = "ListingCancelled"
	TypeCreditsPurchased              Type = "CreditsPurchased"
	TypeMarketplaceCreditsRetired     Type = "MarketplaceCreditsRetired"
)

// Event is the transport-agnostic notification payload: the identifiers and
// quantities involved in one mutation.
type Event struct {
	Type      Type              `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Fields    map[string]string `json:"fields"`
}

// New builds an event stamped with the current time.
func New(t Type, fields map[string]string) Event {
	return Event{Type: t, Timestamp: time.Now(), Fields: fields}
}

// Publisher is the sink interface services emit through.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Emitter wraps a Publisher with the best-effort contract: failures are
// logged and counted, never returned.
type Emitter struct {
	publisher Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

func NewEmitter(publisher Publisher, logger *slog.Logger, m *metrics.Metrics) *Emitter {
	return &Emitter{publisher: publisher, logger: logger, metrics: m}
}

// Emit publishes the event, swallowing errors. Event delivery is not part of
// the correctness contract.
func (e *Emitter) Emit(ctx context.Context, event Event) {
	if e == nil || e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, event); err != nil {
		if e.metrics != nil {
			e.metrics.EventPublishFailures.Inc()
		}
		if e.logger != nil {
			e.logger.WarnContext(ctx, "event publish failed",
				"event_type", string(event.Type),
				"error", err,
			)
		}
	}
}

// MemorySink records events in memory for tests and no-broker deployments.
type MemorySink struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Publish(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of everything published so far.
func (s *MemorySink) Events() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Event{}, s.events...)
}

// ByType filters recorded events.
func (s *MemorySink) ByType(t Type) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
