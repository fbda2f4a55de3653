package models

import (
	"time"

	"github.com/google/uuid"
)

// ChangeType describes what an indexer change did.
type ChangeType string

const (
	EventAdded      ChangeType = "EVENT_ADDED"
	EventUpdated    ChangeType = "EVENT_UPDATED"
	EventDeleted    ChangeType = "EVENT_DELETED"
	EventArchived   ChangeType = "EVENT_ARCHIVED"
	EventMerged     ChangeType = "EVENT_MERGED"
	EventSplit      ChangeType = "EVENT_SPLIT"
	ProductAdded    ChangeType = "PRODUCT_ADDED"
	ProductUpdated  ChangeType = "PRODUCT_UPDATED"
	ProductDeleted  ChangeType = "PRODUCT_DELETED"
	ProductArchived ChangeType = "PRODUCT_ARCHIVED"
)

// IndexerChange records one event transition. Either event may be nil.
type IndexerChange struct {
	Type          ChangeType
	OriginalEvent *Event
	NewEvent      *Event
}

func NewIndexerChange(changeType ChangeType, originalEvent, newEvent *Event) *IndexerChange {
	return &IndexerChange{Type: changeType, OriginalEvent: originalEvent, NewEvent: newEvent}
}

// IndexerEvent is the notification sent to listeners after a product is indexed or archived.
type IndexerEvent struct {
	ID        string
	CreatedAt time.Time
	Summary   *ProductSummary
	Changes   []*IndexerChange
}

func NewIndexerEvent(summary *ProductSummary) *IndexerEvent {
	return &IndexerEvent{
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UTC(),
		Summary:   summary,
	}
}

func (e *IndexerEvent) AddChange(change *IndexerChange) {
	e.Changes = append(e.Changes, change)
}

// Events returns the latest new event for each index id touched by the changes, in first-seen order.
func (e *IndexerEvent) Events() []*Event {
	latest := map[int64]*Event{}
	var order []int64
	for _, change := range e.Changes {
		if change.NewEvent == nil || change.NewEvent.IndexID == nil {
			continue
		}
		id := *change.NewEvent.IndexID
		if _, ok := latest[id]; !ok {
			order = append(order, id)
		}
		latest[id] = change.NewEvent
	}

	events := make([]*Event, 0, len(order))
	for _, id := range order {
		events = append(events, latest[id])
	}
	return events
}

// ReplaceNewEvent points every change whose new event has the same index id at event.
func (e *IndexerEvent) ReplaceNewEvent(event *Event) {
	if event == nil || event.IndexID == nil {
		return
	}
	for _, change := range e.Changes {
		if change.NewEvent != nil && change.NewEvent.IndexID != nil && *change.NewEvent.IndexID == *event.IndexID {
			change.NewEvent = event
		}
	}
}

// ChangeTypes lists the change types in order.
func (e *IndexerEvent) ChangeTypes() []ChangeType {
	types := make([]ChangeType, 0, len(e.Changes))
	for _, change := range e.Changes {
		types = append(types, change.Type)
	}
	return types
}

// View converts the notification into its wire form.
func (e *IndexerEvent) View() IndexerEventView {
	view := IndexerEventView{ID: e.ID, CreatedAt: e.CreatedAt, Summary: e.Summary}
	for _, change := range e.Changes {
		view.Changes = append(view.Changes, IndexerChangeView{
			Type:          change.Type,
			OriginalEvent: DetailOf(change.OriginalEvent),
			NewEvent:      DetailOf(change.NewEvent),
		})
	}
	return view
}

// IndexerEventView is the serialized notification.
type IndexerEventView struct {
	ID        string              `json:"id"`
	CreatedAt time.Time           `json:"created_at"`
	Summary   *ProductSummary     `json:"summary,omitempty"`
	Changes   []IndexerChangeView `json:"changes"`
}

type IndexerChangeView struct {
	Type          ChangeType   `json:"type"`
	OriginalEvent *EventDetail `json:"original_event,omitempty"`
	NewEvent      *EventDetail `json:"new_event,omitempty"`
}
