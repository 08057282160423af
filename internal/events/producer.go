// Package events is the fanout edge: derived events are published to Kafka
// for asynchronous consumers (notification routing, search indexing).
// Publication is decoupled from the delivery path; a slow or down broker
// never blocks or fails a messaging operation. Delivery to consumers is
// at-least-once; they dedupe by event id.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	TypeMessageCreated = "message.created"
	TypeMessageSent    = "chat.message.sent"
	TypeMessageRead    = "chat.message.read"
	TypeMessageEdited  = "chat.message.edited"
	TypeMessageDeleted = "chat.message.deleted"
)

// Event is the published envelope. Content is ciphertext; the broker and
// its consumers never see plaintext.
type Event struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	SenderID  string    `json:"senderId"`
	ChatID    string    `json:"chatId"`
	Content   string    `json:"content,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

var publishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fanout_publish_failures_total",
	Help: "Event publications that failed after all retry attempts.",
}, []string{"type"})

var publishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fanout_publish_total",
	Help: "Event publications attempted.",
}, []string{"type"})

type Producer struct {
	writer  *kafkago.Writer
	breaker *gobreaker.CircuitBreaker
	logger  *zap.SugaredLogger
	retries int
	backoff time.Duration
}

func NewProducer(brokers []string, topic string, logger *zap.SugaredLogger) *Producer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		Async:        false,
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "kafka-fanout",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnw("fanout breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &Producer{writer: w, breaker: cb, logger: logger, retries: 3, backoff: 500 * time.Millisecond}
}

// Publish fires the event asynchronously. Failures are retried a few times,
// then logged and counted; they are never surfaced to the interactive
// caller, whose operation has already completed.
func (p *Producer) Publish(ev Event) {
	publishTotal.WithLabelValues(ev.Type).Inc()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := p.publishWithRetry(ctx, ev); err != nil {
			publishFailures.WithLabelValues(ev.Type).Inc()
			p.logger.Errorw("fanout publish failed",
				"type", ev.Type, "id", ev.ID, "chat_id", ev.ChatID, "err", err)
		}
	}()
}

func (p *Producer) publishWithRetry(ctx context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := kafkago.Message{
		// keyed by conversation so consumers see a conversation's events in
		// partition order
		Key:   []byte(ev.ChatID),
		Value: b,
		Time:  ev.CreatedAt,
	}
	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(p.backoff << (attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		_, lastErr = p.breaker.Execute(func() (interface{}, error) {
			return nil, p.writer.WriteMessages(ctx, msg)
		})
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
