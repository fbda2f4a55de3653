// Package events publishes indexer notifications to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/listener"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Producer writes one message to the change topic.
type Producer interface {
	Publish(ctx context.Context, key string, value []byte, headers ...kafka.Header) error
}

// Publisher is an indexer listener that writes each notification to Kafka.
type Publisher struct {
	listener.TypeFilter
	producer Producer
	logger   ectologger.Logger
}

// NewPublisher creates a new Publisher
func NewPublisher(producer Producer, filter listener.TypeFilter, logger ectologger.Logger) *Publisher {
	return &Publisher{TypeFilter: filter, producer: producer, logger: logger}
}

func (p *Publisher) Name() string {
	return "kafka"
}

// OnIndexerEvent publishes the notification. Errors are returned so the dispatcher retries.
func (p *Publisher) OnIndexerEvent(ctx context.Context, event *models.IndexerEvent) error {
	ctx, span := tracing.StartSpan(ctx, "events.Publisher.OnIndexerEvent")
	defer span.End()

	msg := NewChangeMessage(event)
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification %s: %w", event.ID, err)
	}

	headers := []kafka.Header{
		{Key: kafka.NotificationIDHeader, Value: event.ID},
		{Key: kafka.SchemaVersionHeader, Value: SchemaVersion},
	}
	for _, changeType := range msg.ChangeTypes {
		headers = append(headers, kafka.Header{Key: kafka.ChangeTypeHeader, Value: string(changeType)})
	}

	if err := p.producer.Publish(ctx, msg.Key(), value, headers...); err != nil {
		return fmt.Errorf("publish notification %s: %w", event.ID, err)
	}

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"notification_id": event.ID,
		"event_id":        msg.EventID,
		"changes":         msg.ChangeTypes,
	}).Debug("Published notification")
	return nil
}
