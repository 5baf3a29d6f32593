package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/orientinsight/bookingmail/internal/model"
)

// KafkaNotifier publishes outcome events keyed by discriminator, so all
// events of one artifact land on one partition in order.
type KafkaNotifier struct {
	writer *kafka.Writer
	topic  string
}

// NewKafkaNotifier creates a KafkaNotifier.
func NewKafkaNotifier(cfg model.KafkaNotifyConfig) *KafkaNotifier {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return &KafkaNotifier{writer: writer, topic: cfg.Topic}
}

// Name implements Notifier.
func (k *KafkaNotifier) Name() string { return "kafka" }

// Notify implements Notifier.
func (k *KafkaNotifier) Notify(ctx context.Context, o OutcomeSummary) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshaling outcome: %w", err)
	}

	msg := kafka.Message{
		Topic: k.topic,
		Key:   []byte(o.Discriminator),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(o.EventID)},
			{Key: "status", Value: []byte(o.Status)},
			{Key: "artifact_kind", Value: []byte(o.Kind)},
		},
	}

	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publishing outcome: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}
