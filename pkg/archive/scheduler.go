package archive

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var (
	// ErrSchedulerAlreadyRunning is returned when Start is called twice.
	ErrSchedulerAlreadyRunning = errors.New("archive scheduler already running")
)

const (
	// DefaultInterval is the time between archive passes.
	DefaultInterval = 5 * time.Minute
	// DefaultLockTTL bounds how long one replica may hold the archive lock.
	DefaultLockTTL = 10 * time.Minute

	lockKey = "archive:pass"
)

// Archiver runs the removal primitives for a policy.
type Archiver interface {
	ArchiveEvents(ctx context.Context, policy string, query *models.ProductIndexQuery) (int, error)
	ArchiveProducts(ctx context.Context, policy string, query *models.ProductIndexQuery, onlyUnassociated bool) (int, error)
}

// Locker serializes passes across replicas. Nil runs every pass.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func() error) error
}

// Config holds configuration for the scheduler
type Config struct {
	Interval time.Duration
	LockTTL  time.Duration
}

// Result counts what one pass archived, per policy name.
type Result struct {
	Events   map[string]int
	Products map[string]int
	Failed   []string
}

// Scheduler runs every policy immediately and then on each interval.
type Scheduler struct {
	archiver Archiver
	policies []Policy
	locker   Locker
	config   Config
	logger   ectologger.Logger
	now      func() time.Time

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	stoppedC chan struct{}
}

// NewScheduler creates a new Scheduler. locker may be nil.
func NewScheduler(archiver Archiver, policies []Policy, locker Locker, config Config, logger ectologger.Logger) *Scheduler {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.LockTTL <= 0 {
		config.LockTTL = DefaultLockTTL
	}
	return &Scheduler{
		archiver: archiver,
		policies: policies,
		locker:   locker,
		config:   config,
		logger:   logger,
		now:      time.Now,
	}
}

// Start launches the loop in the background.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.stoppedC = make(chan struct{})

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"interval": s.config.Interval.String(),
		"policies": len(s.policies),
	}).Info("starting archive scheduler")

	go s.loop(context.WithoutCancel(ctx), s.stopCh, s.stoppedC)
	return nil
}

// Stop waits for the running pass to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	stopped := s.stoppedC
	s.mu.Unlock()

	select {
	case <-stopped:
		s.logger.WithContext(ctx).Info("archive scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.WithContext(ctx).Warn("archive scheduler shutdown timed out")
		return ctx.Err()
	}
}

func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.runLocked(ctx)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.runLocked(ctx)
		}
	}
}

// runLocked runs a pass when this replica holds the archive lock.
func (s *Scheduler) runLocked(ctx context.Context) {
	if s.locker == nil {
		s.RunOnce(ctx)
		return
	}
	err := s.locker.WithLock(ctx, lockKey, s.config.LockTTL, func() error {
		s.RunOnce(ctx)
		return nil
	})
	switch {
	case errors.Is(err, redis.ErrLockNotAcquired):
		s.logger.WithContext(ctx).Debug("archive pass running elsewhere, skipping")
	case err != nil:
		s.logger.WithContext(ctx).WithError(err).Error("archive lock failed")
	}
}

// RunOnce applies every policy once. Policy failures are logged and reported in the result.
func (s *Scheduler) RunOnce(ctx context.Context) *Result {
	ctx, span := tracing.StartSpan(ctx, "archive.Scheduler.RunOnce")
	defer span.End()

	start := s.now()
	result := &Result{Events: map[string]int{}, Products: map[string]int{}}
	for i := range s.policies {
		p := &s.policies[i]
		log := s.logger.WithContext(ctx).WithField("policy", p.Name)
		query := p.Query(start)

		var count int
		var err error
		if p.Kind == KindProduct {
			count, err = s.archiver.ArchiveProducts(ctx, p.Name, query, p.OnlyUnassociated)
			result.Products[p.Name] = count
		} else {
			count, err = s.archiver.ArchiveEvents(ctx, p.Name, query)
			result.Events[p.Name] = count
		}
		if err != nil {
			tracing.RecordError(ctx, err)
			log.WithError(err).Error("archive policy failed")
			result.Failed = append(result.Failed, p.Name)
		}
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"events":   result.Events,
		"products": result.Products,
		"failed":   len(result.Failed),
		"duration": time.Since(start).String(),
	}).Info("archive pass complete")
	return result
}
