// Package events publishes domain events for downstream consumers (analytics dashboards)
// over NATS JetStream.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

const (
	StreamName        = "EVENTS"
	TypeTurnCompleted = "turn.completed"
)

type Event interface {
	EventType() string
	OccurredAt() time.Time
}

// TurnCompleted is emitted once per finalized turn.
type TurnCompleted struct {
	TenantID           string    `json:"tenant_id"`
	UserID             string    `json:"user_id"`
	ConversationID     string    `json:"conversation_id"`
	ChatbotID          string    `json:"chatbot_id,omitempty"`
	AssistantMessageID string    `json:"assistant_message_id"`
	Model              string    `json:"model"`
	PromptTokens       int       `json:"prompt_tokens"`
	CompletionTokens   int       `json:"completion_tokens"`
	EstimatedCost      float64   `json:"estimated_cost"`
	LatencyMs          int64     `json:"latency_ms"`
	At                 time.Time `json:"at"`
}

func (TurnCompleted) EventType() string       { return TypeTurnCompleted }
func (e TurnCompleted) OccurredAt() time.Time { return e.At }

// Subject is the JetStream subject an event is published on.
func Subject(e Event) string { return "events." + e.EventType() }

type Publisher struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	log *zap.Logger
}

func NewPublisher(url string, log *zap.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{"events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
	}); err != nil {
		// the stream may be managed elsewhere; publishing still works if it exists
		log.Warn("ensure nats stream failed", zap.String("stream", StreamName), zap.Error(err))
	}

	return &Publisher{nc: nc, js: js, log: log}, nil
}

func (p *Publisher) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", e.EventType(), err)
	}
	subject := Subject(e)
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
