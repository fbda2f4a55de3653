package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Ramsey-B/fern/pkg/models"
)

const (
	// ForceHeader set to a true value reprocesses a product that was already indexed.
	ForceHeader = "force"
	// ChangeTypeHeader carries one change type of a published notification. It repeats once per change.
	ChangeTypeHeader = "change-type"
	// NotificationIDHeader carries the notification id.
	NotificationIDHeader = "notification-id"
	// SchemaVersionHeader carries the message schema version.
	SchemaVersionHeader = "schema-version"
)

// ErrInvalidMessage marks messages that can never be processed. They are committed and dropped.
var ErrInvalidMessage = errors.New("invalid message")

var validate = validator.New()

// IncomingMessage wraps a raw Kafka message with parsed headers
type IncomingMessage struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Timestamp time.Time
	Topic     string

	Product *models.Product
}

// ParseProduct decodes and validates the message value as a product.
func (m *IncomingMessage) ParseProduct() error {
	var product models.Product
	if err := json.Unmarshal(m.Value, &product); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := validate.Struct(&product); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	product.ID = models.NewProductID(product.ID.Source, product.ID.Type, product.ID.Code, product.ID.UpdateTime)
	m.Product = &product
	return nil
}

// Force reports whether the force header is set to a true value.
func (m *IncomingMessage) Force() bool {
	force, err := strconv.ParseBool(m.Headers[ForceHeader])
	return err == nil && force
}
