package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// ErrDispatcherStopped is returned when registering with or notifying a stopped dispatcher.
var ErrDispatcherStopped = errors.New("dispatcher stopped")

// Dispatcher delivers notifications to each registered listener on its own queue. Deliveries to one listener
// are serial; different listeners run concurrently. Failures are retried and then dropped, they never reach
// the caller of Notify.
type Dispatcher struct {
	logger ectologger.Logger

	mu      sync.Mutex
	queues  []*queue
	stopped bool
	wg      sync.WaitGroup
}

type queue struct {
	listener Listener
	options  Options

	mu      sync.Mutex
	pending []*models.IndexerEvent
	signal  chan struct{}
	done    chan struct{}
}

// NewDispatcher creates a new Dispatcher
func NewDispatcher(logger ectologger.Logger) *Dispatcher {
	return &Dispatcher{logger: logger}
}

// Register adds a listener and starts its worker.
func (d *Dispatcher) Register(ctx context.Context, l Listener, opts Options) error {
	if opts.MaxTries < 1 {
		opts.MaxTries = DefaultMaxTries
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrDispatcherStopped
	}

	q := &queue{
		listener: l,
		options:  opts,
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	d.queues = append(d.queues, q)

	d.wg.Add(1)
	go d.work(context.WithoutCancel(ctx), q)

	d.logger.WithContext(ctx).WithFields(map[string]any{
		"listener":  l.Name(),
		"max_tries": opts.MaxTries,
		"timeout":   opts.Timeout.String(),
	}).Info("registered indexer listener")
	return nil
}

// Listeners returns the names of registered listeners in registration order.
func (d *Dispatcher) Listeners() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, len(d.queues))
	for i, q := range d.queues {
		names[i] = q.listener.Name()
	}
	return names
}

// Notify queues the notification for every listener that accepts it.
func (d *Dispatcher) Notify(ctx context.Context, event *models.IndexerEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrDispatcherStopped
	}

	for _, q := range d.queues {
		if !q.listener.Accept(event) {
			continue
		}
		q.mu.Lock()
		q.pending = append(q.pending, event)
		depth := len(q.pending)
		q.mu.Unlock()
		metrics.ListenerQueueDepth.WithLabelValues(q.listener.Name()).Set(float64(depth))

		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
	return nil
}

// Stop stops accepting notifications and waits for queued deliveries to finish or ctx to end.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	for _, q := range d.queues {
		close(q.done)
	}
	d.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		d.logger.WithContext(ctx).Info("listener dispatcher stopped")
		return nil
	case <-ctx.Done():
		d.logger.WithContext(ctx).Warn("listener dispatcher shutdown timed out")
		return ctx.Err()
	}
}

func (d *Dispatcher) work(ctx context.Context, q *queue) {
	defer d.wg.Done()

	for {
		event, ok := q.next()
		if ok {
			d.deliver(ctx, q, event)
			continue
		}
		select {
		case <-q.signal:
		case <-q.done:
			// drain what was queued before stopping
			for {
				event, ok := q.next()
				if !ok {
					return
				}
				d.deliver(ctx, q, event)
			}
		}
	}
}

func (q *queue) next() (*models.IndexerEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, false
	}
	event := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	metrics.ListenerQueueDepth.WithLabelValues(q.listener.Name()).Set(float64(len(q.pending)))
	return event, true
}

func (d *Dispatcher) deliver(ctx context.Context, q *queue, event *models.IndexerEvent) {
	name := q.listener.Name()
	ctx, span := tracing.StartSpan(ctx, "listener.Dispatcher.deliver")
	defer span.End()

	log := d.logger.WithContext(ctx).WithFields(map[string]any{
		"listener":        name,
		"notification_id": event.ID,
	})

	var lastErr error
	for attempt := 1; attempt <= q.options.MaxTries; attempt++ {
		start := time.Now()
		lastErr = d.attempt(ctx, q, event)
		if lastErr == nil {
			metrics.RecordListenerAttempt(name, "success", time.Since(start).Seconds())
			return
		}
		metrics.RecordListenerAttempt(name, "failure", time.Since(start).Seconds())
		log.WithError(lastErr).Warnf("listener attempt %d of %d failed", attempt, q.options.MaxTries)
	}

	metrics.ListenerDeliveriesTotal.WithLabelValues(name, "abandoned").Inc()
	tracing.RecordError(ctx, lastErr)
	log.WithError(lastErr).Error("abandoning notification after max tries")
}

// attempt runs one delivery. A timed out attempt fails with the context error, but only after the listener
// returns: its context is cancelled and the next attempt waits for it, so attempts never overlap. A listener
// that ignores cancellation stalls its own queue.
func (d *Dispatcher) attempt(ctx context.Context, q *queue, event *models.IndexerEvent) error {
	attemptCtx, cancel := ctx, context.CancelFunc(func() {})
	if q.options.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, q.options.Timeout)
	}
	defer cancel()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("listener panicked: %v", r)
			}
		}()
		result <- q.listener.OnIndexerEvent(attemptCtx, event)
	}()

	select {
	case err := <-result:
		return err
	case <-attemptCtx.Done():
		<-result
		return fmt.Errorf("listener %s: %w", q.listener.Name(), attemptCtx.Err())
	}
}
