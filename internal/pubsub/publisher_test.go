package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"researchdesk/internal/config"

	ps "cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

func TestNewPublisherInvalidProject(t *testing.T) {
	cfg := &config.Config{GCPProjectID: ""}
	if _, err := NewPublisher(context.Background(), cfg); err == nil {
		t.Fatal("expected error when project ID is empty")
	}
}

type recordingPublisher struct {
	topic    string
	payloads [][]byte
	err      error
}

func (r *recordingPublisher) Publish(_ context.Context, topic string, payload []byte) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	r.topic = topic
	r.payloads = append(r.payloads, payload)
	return "msg-1", nil
}

func TestEventSinkPublishesEnvelope(t *testing.T) {
	rec := &recordingPublisher{}
	sink := NewEventSink(rec, "events", zerolog.Nop())

	sink.Emit(context.Background(), Event{Type: EventEntryCreated, UserID: "u1", TaskID: "task-1"})

	if rec.topic != "events" {
		t.Fatalf("expected topic 'events', got %q", rec.topic)
	}
	if len(rec.payloads) != 1 {
		t.Fatalf("expected 1 payload, got %d", len(rec.payloads))
	}
	var ev Event
	if err := json.Unmarshal(rec.payloads[0], &ev); err != nil {
		t.Fatalf("payload is not an event: %v", err)
	}
	if ev.Type != EventEntryCreated || ev.UserID != "u1" || ev.TaskID != "task-1" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.OccurredAt.IsZero() {
		t.Fatal("expected occurred_at to be stamped")
	}
}

func TestEventSinkSwallowsPublishErrors(t *testing.T) {
	sink := NewEventSink(&recordingPublisher{err: errors.New("unavailable")}, "events", zerolog.Nop())
	// Must not panic or block.
	sink.Emit(context.Background(), Event{Type: EventContentCompleted, UserID: "u1"})
}

// blockingPublisher never completes on its own.
type blockingPublisher struct{}

func (blockingPublisher) Publish(ctx context.Context, _ string, _ []byte) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestEventSinkBoundsSlowPublish(t *testing.T) {
	sink := NewEventSink(blockingPublisher{}, "events", zerolog.Nop()).(*eventSink)
	sink.timeout = 20 * time.Millisecond

	done := make(chan struct{})
	go func() {
		sink.Emit(context.Background(), Event{Type: EventEntryCreated, UserID: "u1"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked past the publish timeout")
	}
}

func TestEventSinkPublishesAfterCallerCancels(t *testing.T) {
	rec := &recordingPublisher{}
	sink := NewEventSink(rec, "events", zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sink.Emit(ctx, Event{Type: EventSubscriptionReconciled, UserID: "u1"})
	if len(rec.payloads) != 1 {
		t.Fatalf("expected the event to be published, got %d payloads", len(rec.payloads))
	}
}

func TestNilPublisherDropsEvents(t *testing.T) {
	if _, ok := NewEventSink(nil, "events", zerolog.Nop()).(NopSink); !ok {
		t.Fatal("expected NopSink for nil publisher")
	}
}

func TestPublishWithEmulator(t *testing.T) {
	emulator := os.Getenv("PUBSUB_EMULATOR_HOST")
	if emulator == "" {
		t.Skip("PUBSUB_EMULATOR_HOST is not set, skip emulator integration test")
	}

	ctx := context.Background()
	cfg := &config.Config{GCPProjectID: "test-project"}
	pub, err := NewPublisher(ctx, cfg)
	if err != nil {
		t.Fatalf("failed to create PubSubPublisher: %v", err)
	}
	defer pub.Close()

	// Use underlying client to create topic and subscription
	topicName := "researchdesk-events-test"
	topic, err := pub.client.CreateTopic(ctx, topicName)
	if err != nil {
		t.Fatalf("failed to create topic: %v", err)
	}
	sub, err := pub.client.CreateSubscription(ctx, "researchdesk-events-sub", ps.SubscriptionConfig{Topic: topic})
	if err != nil {
		t.Fatalf("failed to create subscription: %v", err)
	}

	sink := NewEventSink(pub, topicName, zerolog.Nop())
	sink.Emit(ctx, Event{Type: EventSubscriptionReconciled, UserID: "u1"})

	recvCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	c := make(chan []byte, 1)
	go func() {
		sub.Receive(recvCtx, func(ctx context.Context, m *ps.Message) {
			c <- m.Data
			m.Ack()
			cancel()
		})
	}()

	select {
	case data := <-c:
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("failed to decode event: %v", err)
		}
		if ev.Type != EventSubscriptionReconciled {
			t.Fatalf("expected %s, got %s", EventSubscriptionReconciled, ev.Type)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message from emulator subscription")
	}
}
