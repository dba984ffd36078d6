package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"researchdesk/internal/config"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

// Event types published on the events topic.
const (
	EventEntryCreated           = "entry.created"
	EventContentCompleted       = "content.completed"
	EventSubscriptionReconciled = "subscription.reconciled"
)

// Event is the envelope of every domain event.
type Event struct {
	Type       string         `json:"type"`
	UserID     string         `json:"user_id"`
	TaskID     string         `json:"task_id,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Publisher defines an interface for publishing messages.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) (string, error)
}

// PubSubPublisher is an implementation of Publisher using Google Pub/Sub.
type PubSubPublisher struct {
	client *pubsub.Client
}

// NewPublisher creates a new PubSubPublisher using the GCP project from config.
// PUBSUB_EMULATOR_HOST is honored by the client library.
func NewPublisher(ctx context.Context, cfg *config.Config) (*PubSubPublisher, error) {
	client, err := pubsub.NewClient(ctx, cfg.GCPProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Pub/Sub client: %w", err)
	}
	return &PubSubPublisher{client: client}, nil
}

// Publish sends the payload to the given Pub/Sub topic and returns the message ID.
func (p *PubSubPublisher) Publish(ctx context.Context, topic string, payload []byte) (string, error) {
	t := p.client.Topic(topic)
	result := t.Publish(ctx, &pubsub.Message{Data: payload})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to publish message to topic %s: %w", topic, err)
	}
	return id, nil
}

func (p *PubSubPublisher) Close() error {
	return p.client.Close()
}

// EventSink publishes domain events. Publishing is best-effort: failures are logged and
// never change the outcome of the operation that produced the event.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}

// publishTimeout bounds how long Emit holds up the operation that produced the event.
const publishTimeout = 3 * time.Second

type eventSink struct {
	pub     Publisher
	topic   string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewEventSink returns an EventSink that publishes to topic. A nil publisher yields a
// sink that drops every event.
func NewEventSink(pub Publisher, topic string, logger zerolog.Logger) EventSink {
	if pub == nil {
		return NopSink{}
	}
	return &eventSink{
		pub:     pub,
		topic:   topic,
		timeout: publishTimeout,
		logger:  logger.With().Str("service", "EventSink").Logger(),
	}
}

func (s *eventSink) Emit(ctx context.Context, ev Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error().Err(err).Str("event_type", ev.Type).Msg("Failed to marshal event")
		return
	}
	// The event outlives a cancelled request but not the publish deadline.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	id, err := s.pub.Publish(pctx, s.topic, payload)
	if err != nil {
		s.logger.Warn().Err(err).Str("event_type", ev.Type).Str("user_id", ev.UserID).Msg("Failed to publish event")
		return
	}
	s.logger.Debug().Str("event_type", ev.Type).Str("message_id", id).Msg("Published event")
}

// NopSink drops every event.
type NopSink struct{}

func (NopSink) Emit(context.Context, Event) {}
