package listener

import (
	"context"
	"time"

	"github.com/Gobusters/ectolinq"

	"github.com/Ramsey-B/fern/pkg/models"
)

// DefaultMaxTries is used when Options.MaxTries is not set.
const DefaultMaxTries = 1

// Listener receives indexer notifications after the index transaction commits.
type Listener interface {
	Name() string
	// Accept reports whether the listener wants the notification at all.
	Accept(event *models.IndexerEvent) bool
	OnIndexerEvent(ctx context.Context, event *models.IndexerEvent) error
}

// Options controls how a listener is retried.
type Options struct {
	// MaxTries is the number of attempts per notification. Values below 1 mean one attempt.
	MaxTries int
	// Timeout bounds each attempt. Zero means no limit.
	Timeout time.Duration
}

// TypeFilter accepts notifications by the product type of their summary. Notifications without a summary,
// such as event archive notifications, are always accepted.
type TypeFilter struct {
	IncludeTypes []string
	ExcludeTypes []string
}

func (f TypeFilter) Accept(event *models.IndexerEvent) bool {
	if event == nil || event.Summary == nil {
		return true
	}
	productType := event.Summary.Type()
	if len(f.IncludeTypes) > 0 && !ectolinq.Contains(f.IncludeTypes, productType) {
		return false
	}
	return !ectolinq.Contains(f.ExcludeTypes, productType)
}

// Func adapts a function into a Listener that accepts everything.
type Func struct {
	ListenerName string
	Handler      func(ctx context.Context, event *models.IndexerEvent) error
}

func (f Func) Name() string { return f.ListenerName }

func (f Func) Accept(_ *models.IndexerEvent) bool { return true }

func (f Func) OnIndexerEvent(ctx context.Context, event *models.IndexerEvent) error {
	return f.Handler(ctx, event)
}
