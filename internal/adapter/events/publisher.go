// Package events publishes one record per completed execution to Kafka.
// Delivery is fire-and-forget; the execution path never waits on the broker.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"log/slog"

	"github.com/oklog/ulid/v2"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/agent-gateway/internal/domain"
)

// Topic executions are published to.
const TopicExecutions = "agent-executions"

// Publisher emits execution events via a franz-go producer.
type Publisher struct {
	client *kgo.Client
	topic  string
	// entropy feeds ULID generation; math/rand is fine, keys only need to
	// be unique-ish and sortable, not unpredictable. Guarded by mu: the
	// monotonic reader is not safe for concurrent use.
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// executionEvent is the wire shape of one published record.
type executionEvent struct {
	EventID        string            `json:"event_id"`
	Timestamp      time.Time         `json:"timestamp"`
	UserID         string            `json:"user_id"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Agent          string            `json:"agent"`
	Provider       string            `json:"provider"`
	Action         string            `json:"action"`
	Status         string            `json:"status"`
	LatencyMS      int64             `json:"latency_ms"`
	TokensIn       int               `json:"tokens_in"`
	TokensOut      int               `json:"tokens_out"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	RequestID      string            `json:"request_id"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// NewPublisher connects a producer to the brokers.
func NewPublisher(brokers []string) (*Publisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProduceRequestTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("op=events.NewPublisher: %w", err)
	}
	return &Publisher{
		client:  client,
		topic:   TopicExecutions,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}, nil
}

// PublishExecution produces one event keyed by agent so per-agent ordering
// holds within a partition. The produce is async; errors are logged.
func (p *Publisher) PublishExecution(ctx context.Context, rec domain.AuditRecord) error {
	p.mu.Lock()
	eventID := ulid.MustNew(ulid.Timestamp(rec.Timestamp), p.entropy).String()
	p.mu.Unlock()

	evt := executionEvent{
		EventID:        eventID,
		Timestamp:      rec.Timestamp,
		UserID:         rec.UserID,
		ConversationID: rec.ConversationID,
		Agent:          rec.Agent,
		Provider:       rec.Provider,
		Action:         rec.Action,
		Status:         rec.Status,
		LatencyMS:      rec.LatencyMS,
		TokensIn:       rec.TokensIn,
		TokensOut:      rec.TokensOut,
		ErrorMessage:   rec.ErrorMessage,
		RequestID:      rec.RequestID,
		Metadata:       rec.Metadata,
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("op=events.PublishExecution: %w", err)
	}

	p.client.Produce(ctx, &kgo.Record{
		Topic: p.topic,
		Key:   []byte(rec.Agent),
		Value: b,
	}, func(r *kgo.Record, err error) {
		if err != nil {
			slog.Warn("execution event produce failed",
				slog.String("topic", r.Topic),
				slog.String("agent", rec.Agent),
				slog.Any("error", err))
		}
	})
	return nil
}

// Close flushes pending records and shuts the producer down.
func (p *Publisher) Close(ctx context.Context) error {
	if err := p.client.Flush(ctx); err != nil {
		return fmt.Errorf("op=events.Close: %w", err)
	}
	p.client.Close()
	return nil
}

var _ domain.EventPublisher = (*Publisher)(nil)
