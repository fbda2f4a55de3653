package listener

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func notification(productType string, changes ...models.ChangeType) *models.IndexerEvent {
	summary := &models.ProductSummary{
		ID:     models.NewProductID("us", productType, "us1", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		Status: models.StatusUpdate,
	}
	event := models.NewIndexerEvent(summary)
	for _, c := range changes {
		event.AddChange(models.NewIndexerChange(c, nil, nil))
	}
	return event
}

func stopDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))
}

func TestDispatcher_DeliversInOrderPerListener(t *testing.T) {
	d := NewDispatcher(testLogger())
	ctx := context.Background()

	var mu sync.Mutex
	var received []string
	require.NoError(t, d.Register(ctx, Func{ListenerName: "ordered", Handler: func(_ context.Context, e *models.IndexerEvent) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, e.ID)
		return nil
	}}, Options{}))

	var sent []string
	for i := 0; i < 20; i++ {
		e := notification("origin", models.EventAdded)
		sent = append(sent, e.ID)
		require.NoError(t, d.Notify(ctx, e))
	}
	stopDispatcher(t, d)

	assert.Equal(t, sent, received)
}

func TestDispatcher_Retries(t *testing.T) {
	tests := []struct {
		name          string
		maxTries      int
		failures      int32
		expectedCalls int32
	}{
		{name: "succeeds after retry", maxTries: 3, failures: 2, expectedCalls: 3},
		{name: "abandons after max tries", maxTries: 2, failures: 5, expectedCalls: 2},
		{name: "single attempt by default", maxTries: 0, failures: 5, expectedCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDispatcher(testLogger())
			var calls atomic.Int32
			require.NoError(t, d.Register(context.Background(), Func{ListenerName: "retry-" + tt.name, Handler: func(_ context.Context, _ *models.IndexerEvent) error {
				if calls.Add(1) <= tt.failures {
					return errors.New("boom")
				}
				return nil
			}}, Options{MaxTries: tt.maxTries}))

			require.NoError(t, d.Notify(context.Background(), notification("origin", models.EventAdded)))
			stopDispatcher(t, d)

			assert.Equal(t, tt.expectedCalls, calls.Load())
		})
	}
}

func TestDispatcher_TimeoutCountsAsFailure(t *testing.T) {
	d := NewDispatcher(testLogger())
	var calls atomic.Int32
	require.NoError(t, d.Register(context.Background(), Func{ListenerName: "slow", Handler: func(ctx context.Context, _ *models.IndexerEvent) error {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}}, Options{MaxTries: 2, Timeout: 20 * time.Millisecond}))

	require.NoError(t, d.Notify(context.Background(), notification("origin", models.EventAdded)))
	stopDispatcher(t, d)

	assert.Equal(t, int32(2), calls.Load())
}

func TestDispatcher_TimedOutAttemptFinishesBeforeRetry(t *testing.T) {
	d := NewDispatcher(testLogger())
	var calls, active, overlaps atomic.Int32
	require.NoError(t, d.Register(context.Background(), Func{ListenerName: "stubborn", Handler: func(_ context.Context, _ *models.IndexerEvent) error {
		if active.Add(1) > 1 {
			overlaps.Add(1)
		}
		defer active.Add(-1)
		// ignores cancellation and outlives the timeout
		if calls.Add(1) == 1 {
			time.Sleep(100 * time.Millisecond)
		}
		return nil
	}}, Options{MaxTries: 2, Timeout: 10 * time.Millisecond}))

	require.NoError(t, d.Notify(context.Background(), notification("origin", models.EventAdded)))
	require.NoError(t, d.Notify(context.Background(), notification("origin", models.EventAdded)))
	stopDispatcher(t, d)

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int32(0), overlaps.Load())
}

func TestDispatcher_SlowListenerDoesNotBlockOthers(t *testing.T) {
	d := NewDispatcher(testLogger())
	release := make(chan struct{})
	fast := make(chan struct{}, 1)

	require.NoError(t, d.Register(context.Background(), Func{ListenerName: "blocked", Handler: func(_ context.Context, _ *models.IndexerEvent) error {
		<-release
		return nil
	}}, Options{}))
	require.NoError(t, d.Register(context.Background(), Func{ListenerName: "fast", Handler: func(_ context.Context, _ *models.IndexerEvent) error {
		fast <- struct{}{}
		return nil
	}}, Options{}))

	require.NoError(t, d.Notify(context.Background(), notification("origin", models.EventAdded)))
	select {
	case <-fast:
	case <-time.After(2 * time.Second):
		t.Fatal("fast listener was blocked")
	}
	close(release)
	stopDispatcher(t, d)

	assert.Equal(t, []string{"blocked", "fast"}, d.Listeners())
	assert.ErrorIs(t, d.Notify(context.Background(), notification("origin")), ErrDispatcherStopped)
}

func TestTypeFilter(t *testing.T) {
	tests := []struct {
		name     string
		filter   TypeFilter
		event    *models.IndexerEvent
		expected bool
	}{
		{name: "no filter", filter: TypeFilter{}, event: notification("origin"), expected: true},
		{name: "included", filter: TypeFilter{IncludeTypes: []string{"origin"}}, event: notification("origin"), expected: true},
		{name: "not included", filter: TypeFilter{IncludeTypes: []string{"origin"}}, event: notification("shakemap"), expected: false},
		{name: "excluded", filter: TypeFilter{ExcludeTypes: []string{"shakemap"}}, event: notification("shakemap"), expected: false},
		{name: "archive without summary", filter: TypeFilter{IncludeTypes: []string{"origin"}}, event: models.NewIndexerEvent(nil), expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.filter.Accept(tt.event))
		})
	}
}

func TestExpressionFilter(t *testing.T) {
	filter, err := NewExpressionFilter("length(changes[?type=='EVENT_ADDED']) > `0`")
	require.NoError(t, err)

	ok, err := filter.Matches(notification("origin", models.EventAdded))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = filter.Matches(notification("origin", models.EventUpdated))
	require.NoError(t, err)
	assert.False(t, ok)

	bySource, err := NewExpressionFilter("summary.id.source == 'us'")
	require.NoError(t, err)
	wrapped := NewFiltered(Func{ListenerName: "filtered", Handler: func(context.Context, *models.IndexerEvent) error { return nil }}, bySource)
	assert.True(t, wrapped.Accept(notification("origin")))
	assert.Equal(t, "filtered", wrapped.Name())

	_, err = NewExpressionFilter("changes[?")
	assert.Error(t, err)
}
