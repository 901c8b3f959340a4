package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/homewatch/homewatch/internal/bus"
)

// Mirror publishes lifecycle notices as JSON to a Kafka topic. A nil
// Mirror is valid and publishes nothing, so callers never branch on
// whether Kafka is configured.
type Mirror struct {
	writer *kafka.Writer
}

// NewMirror returns nil when no brokers are configured.
func NewMirror(brokers []string, topic string) *Mirror {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	return &Mirror{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			Async:        false,
		},
	}
}

func (m *Mirror) Publish(ctx context.Context, notice *bus.Notice) error {
	if m == nil {
		return nil
	}
	raw, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("notify: encode notice: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(notice.Kind),
		Value: raw,
		Time:  notice.At,
	}
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}
	if err := m.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("notify: kafka publish: %w", err)
	}
	return nil
}

func (m *Mirror) Close() error {
	if m == nil {
		return nil
	}
	return m.writer.Close()
}
