package kafka

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	DefaultMaxAttempts  = 3
	DefaultRetryBackoff = time.Second
)

// MessageHandler processes a parsed product message
type MessageHandler func(ctx context.Context, msg *IncomingMessage) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConsumerConfig holds Kafka consumer configuration
type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
	// MaxAttempts is how often the handler runs for one message before it is left uncommitted.
	MaxAttempts  int
	RetryBackoff time.Duration
}

// Consumer reads products from the feed topic. Offsets are committed after the handler succeeds or the
// message is found to be unprocessable.
type Consumer struct {
	reader  messageReader
	topic   string
	config  ConsumerConfig
	logger  ectologger.Logger
	handler MessageHandler
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg ConsumerConfig, logger ectologger.Logger, handler MessageHandler) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.ConsumerGroup,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        500 * time.Millisecond,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: 0, // synchronous commits
	})
	return newConsumer(reader, cfg, logger, handler)
}

func newConsumer(reader messageReader, cfg ConsumerConfig, logger ectologger.Logger, handler MessageHandler) *Consumer {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	return &Consumer{
		reader:  reader,
		topic:   cfg.Topic,
		config:  cfg,
		logger:  logger,
		handler: handler,
	}
}

// Start begins consuming messages
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.consumeLoop(ctx)

	c.logger.WithContext(ctx).WithFields(map[string]any{
		"topic": c.topic,
		"group": c.config.ConsumerGroup,
	}).Info("Kafka consumer started")
	return nil
}

// Stop cancels the loop, waits for the in-flight message and closes the reader.
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return c.reader.Close()
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				c.logger.WithContext(ctx).Info("Consumer loop stopping")
				return
			}
			c.logger.WithContext(ctx).WithError(err).Error("Failed to fetch message")
			if !sleep(ctx, c.config.RetryBackoff) {
				return
			}
			continue
		}

		c.processMessage(ctx, msg)
	}
}

func (c *Consumer) processMessage(ctx context.Context, msg kafka.Message) {
	ctx, span := tracing.StartSpan(ctx, "kafka.Consumer.processMessage")
	defer span.End()

	log := c.logger.WithContext(ctx).WithFields(map[string]any{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})

	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}

	incoming := &IncomingMessage{
		Key:       string(msg.Key),
		Value:     msg.Value,
		Headers:   headers,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Timestamp: msg.Time,
		Topic:     msg.Topic,
	}

	if err := incoming.ParseProduct(); err != nil {
		log.WithError(err).Error("Dropping unprocessable message")
		metrics.RecordKafkaMessage(c.topic, "in", "invalid")
		c.commit(ctx, log, msg)
		return
	}
	log = log.WithField("product_id", incoming.Product.ID.String())

	var err error
	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		if err = c.handler(ctx, incoming); err == nil {
			break
		}
		if errors.Is(err, ErrInvalidMessage) {
			log.WithError(err).Error("Dropping unprocessable message")
			metrics.RecordKafkaMessage(c.topic, "in", "invalid")
			c.commit(ctx, log, msg)
			return
		}
		log.WithError(err).Warnf("Processing attempt %d of %d failed", attempt, c.config.MaxAttempts)
		if attempt < c.config.MaxAttempts && !sleep(ctx, c.config.RetryBackoff) {
			return
		}
	}
	if err != nil {
		// left uncommitted so a restart redelivers it
		tracing.RecordError(ctx, err)
		log.WithError(err).Error("Failed to process message (not committing)")
		metrics.RecordKafkaMessage(c.topic, "in", "failed")
		return
	}

	metrics.RecordKafkaMessage(c.topic, "in", "processed")
	c.commit(ctx, log, msg)
}

func (c *Consumer) commit(ctx context.Context, log ectologger.Logger, msg kafka.Message) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		log.WithError(err).Error("Failed to commit message")
	}
}

// Health returns the consumer health status
func (c *Consumer) Health() bool {
	return c.reader != nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
