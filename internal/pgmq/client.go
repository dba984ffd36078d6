// Package pgmq publishes and drains domain events through a pgmq queue in the
// application database. It is the event transport used when Pub/Sub is not configured.
package pgmq

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"researchdesk/internal/pubsub"
)

// pollIntervalMs is how often read_with_poll re-checks an empty queue.
const pollIntervalMs = 100

// Client wraps a Postgres DB for pgmq queue operations.
type Client struct {
	db *sql.DB
}

// New returns a new PGMQ client backed by the given DB connection.
func New(db *sql.DB) *Client {
	return &Client{db: db}
}

// Message is one queued domain event.
type Message struct {
	ID         int64
	ReadCount  int
	EnqueuedAt time.Time
	Event      pubsub.Event
}

// CreateQueue creates queue if it does not exist yet.
func (c *Client) CreateQueue(ctx context.Context, queue string) error {
	if _, err := c.db.ExecContext(ctx, "SELECT pgmq.create($1)", queue); err != nil {
		return fmt.Errorf("pgmq create %s failed: %w", queue, err)
	}
	return nil
}

// Publish pushes a JSON payload into queue and returns the message id. It satisfies
// pubsub.Publisher so the event sink can use either transport.
func (c *Client) Publish(ctx context.Context, queue string, payload []byte) (string, error) {
	var id int64
	err := c.db.QueryRowContext(ctx, "SELECT * FROM pgmq.send($1, $2::jsonb)", queue, string(payload)).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("pgmq send to %s failed: %w", queue, err)
	}
	return strconv.FormatInt(id, 10), nil
}

// ReadWithPoll reads up to maxMessages from the queue, waiting up to wait for the first
// one. Only messages whose JSON body contains every key/value in match are read, so other
// consumers' messages keep their visibility. Read messages stay invisible for visibility
// before they can be read again; a zero visibility leaves them readable.
func (c *Client) ReadWithPoll(ctx context.Context, queue string, match map[string]string, visibility, wait time.Duration, maxMessages int) ([]Message, error) {
	if match == nil {
		match = map[string]string{}
	}
	conditional, err := json.Marshal(match)
	if err != nil {
		return nil, fmt.Errorf("pgmq read filter: %w", err)
	}
	query := "SELECT msg_id, read_ct, enqueued_at, message FROM pgmq.read_with_poll($1, $2, $3, $4, $5, $6::jsonb)"
	rows, err := c.db.QueryContext(ctx, query, queue, int(visibility.Seconds()), maxMessages, int(wait.Seconds()), pollIntervalMs, string(conditional))
	if err != nil {
		return nil, fmt.Errorf("pgmq read_with_poll failed: %w", err)
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var (
			m    Message
			data []byte
		)
		if err := rows.Scan(&m.ID, &m.ReadCount, &m.EnqueuedAt, &data); err != nil {
			return nil, fmt.Errorf("pgmq read scan failed: %w", err)
		}
		if err := json.Unmarshal(data, &m.Event); err != nil {
			return nil, fmt.Errorf("pgmq message %d is not an event: %w", m.ID, err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgmq read rows error: %w", err)
	}
	return msgs, nil
}

// Archive moves a consumed message to the queue's archive table.
func (c *Client) Archive(ctx context.Context, queue string, msgID int64) error {
	var ok bool
	if err := c.db.QueryRowContext(ctx, "SELECT pgmq.archive($1, $2::bigint)", queue, msgID).Scan(&ok); err != nil {
		return fmt.Errorf("pgmq archive failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("pgmq archive: message %d not found in %s", msgID, queue)
	}
	return nil
}
