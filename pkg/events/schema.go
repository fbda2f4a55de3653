package events

import (
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// SchemaVersion is the current change message schema version
const SchemaVersion = "1.0"

// ChangeMessage is the value of one published notification.
type ChangeMessage struct {
	SchemaVersion  string                     `json:"schema_version"`
	NotificationID string                     `json:"notification_id"`
	Timestamp      time.Time                  `json:"timestamp"`
	EventID        string                     `json:"event_id,omitempty"`
	ProductID      string                     `json:"product_id,omitempty"`
	ChangeTypes    []models.ChangeType        `json:"change_types"`
	Summary        *models.ProductSummary     `json:"summary,omitempty"`
	Changes        []models.IndexerChangeView `json:"changes"`
}

// NewChangeMessage builds the message for a notification.
func NewChangeMessage(event *models.IndexerEvent) *ChangeMessage {
	view := event.View()
	msg := &ChangeMessage{
		SchemaVersion:  SchemaVersion,
		NotificationID: event.ID,
		Timestamp:      event.CreatedAt,
		EventID:        eventID(event),
		ChangeTypes:    event.ChangeTypes(),
		Summary:        event.Summary,
		Changes:        view.Changes,
	}
	if event.Summary != nil {
		msg.ProductID = event.Summary.ID.String()
	}
	return msg
}

// Key is the partition key: the preferred event id, falling back to the product id.
func (m *ChangeMessage) Key() string {
	if m.EventID != "" {
		return m.EventID
	}
	return m.ProductID
}

// eventID is the id of the first event a change touched, preferring new events over originals.
func eventID(event *models.IndexerEvent) string {
	for _, change := range event.Changes {
		if change.NewEvent != nil {
			if id := change.NewEvent.EventID(); id != "" {
				return id
			}
		}
	}
	for _, change := range event.Changes {
		if change.OriginalEvent != nil {
			if id := change.OriginalEvent.EventID(); id != "" {
				return id
			}
		}
	}
	return ""
}
