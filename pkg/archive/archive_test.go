package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redis"
)

var now = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func dur(d time.Duration) *time.Duration { return &d }
func ts(t time.Time) *time.Time { return &t }
func fl(v float64) *float64 { return &v }
func bl(v bool) *bool { return &v }

func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{
			name:   "event age",
			policy: Policy{Name: "old", Kind: KindEvent, MaxEventAge: dur(24 * time.Hour)},
		},
		{
			name:   "legacy ages",
			policy: Policy{Name: "old", Kind: KindEvent, MinAge: dur(time.Hour), MaxAge: dur(2 * time.Hour)},
		},
		{
			name:   "product criteria only",
			policy: Policy{Name: "dyfi", Kind: KindProduct, ProductType: "dyfi"},
		},
		{
			name:    "product criteria on event policy",
			policy:  Policy{Name: "dyfi", Kind: KindEvent, ProductType: "dyfi"},
			wantErr: true,
		},
		{
			name:    "no criteria",
			policy:  Policy{Name: "empty", Kind: KindEvent},
			wantErr: true,
		},
		{
			name:    "missing name",
			policy:  Policy{Kind: KindEvent, MaxEventAge: dur(time.Hour)},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			policy:  Policy{Name: "x", Kind: "origin", MaxEventAge: dur(time.Hour)},
			wantErr: true,
		},
		{
			name:    "legacy mixed with event age",
			policy:  Policy{Name: "x", Kind: KindEvent, MinAge: dur(time.Hour), MaxEventAge: dur(2 * time.Hour)},
			wantErr: true,
		},
		{
			name:    "legacy mixed with product time",
			policy:  Policy{Name: "x", Kind: KindProduct, MaxAge: dur(time.Hour), MinProductTime: ts(now)},
			wantErr: true,
		},
		{
			name:    "inverted event ages",
			policy:  Policy{Name: "x", Kind: KindEvent, MinEventAge: dur(2 * time.Hour), MaxEventAge: dur(time.Hour)},
			wantErr: true,
		},
		{
			name:    "inverted event times",
			policy:  Policy{Name: "x", Kind: KindEvent, MinEventTime: ts(now), MaxEventTime: ts(now.Add(-time.Hour))},
			wantErr: true,
		},
		{
			name:    "inverted product ages",
			policy:  Policy{Name: "x", Kind: KindProduct, MinProductAge: dur(2 * time.Hour), MaxProductAge: dur(time.Hour)},
			wantErr: true,
		},
		{
			name:    "latitude out of range",
			policy:  Policy{Name: "x", Kind: KindEvent, MinLatitude: fl(-91)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPolicy)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPolicy_EventQuery(t *testing.T) {
	t.Run("ages map to event time bounds", func(t *testing.T) {
		p := Policy{Name: "old", Kind: KindEvent, MinEventAge: dur(time.Hour), MaxEventAge: dur(48 * time.Hour), EventSource: "US"}
		q := p.Query(now)

		assert.Equal(t, models.SearchEventPreferred, q.EventSearchType)
		assert.Equal(t, models.ResultAll, q.ResultType)
		assert.Equal(t, now.Add(-48*time.Hour), *q.MinEventTime)
		assert.Equal(t, now.Add(-time.Hour), *q.MaxEventTime)
		assert.Equal(t, "us", q.EventSource)
	})

	t.Run("explicit times win over ages", func(t *testing.T) {
		minTime := now.Add(-10 * time.Hour)
		p := Policy{Name: "old", Kind: KindEvent, MaxEventAge: dur(48 * time.Hour), MinEventTime: &minTime}
		q := p.Query(now)
		assert.Equal(t, minTime, *q.MinEventTime)
		assert.Nil(t, q.MaxEventTime)
	})

	t.Run("geographic bounds", func(t *testing.T) {
		p := Policy{Name: "small", Kind: KindEvent, MaxMagnitude: fl(2.5), MinLongitude: fl(190), MaxLongitude: fl(-170)}
		q := p.Query(now)
		assert.Equal(t, 2.5, *q.MaxEventMagnitude)
		assert.Equal(t, -170.0, *q.MinEventLongitude)
		assert.Equal(t, -170.0, *q.MaxEventLongitude)
	})
}

func TestPolicy_ProductQuery(t *testing.T) {
	tests := []struct {
		name       string
		policy     Policy
		wantResult models.ResultType
		wantMin    *time.Time
		wantMax    *time.Time
	}{
		{
			name:       "superseded by default",
			policy:     Policy{Name: "p", Kind: KindProduct, MinProductAge: dur(time.Hour)},
			wantResult: models.ResultSuperseded,
			wantMax:    ts(now.Add(-time.Hour)),
		},
		{
			name:       "all versions",
			policy:     Policy{Name: "p", Kind: KindProduct, MaxProductAge: dur(time.Hour), OnlySuperseded: bl(false)},
			wantResult: models.ResultAll,
			wantMin:    ts(now.Add(-time.Hour)),
		},
		{
			name:       "legacy ages bound update time",
			policy:     Policy{Name: "p", Kind: KindProduct, MinAge: dur(time.Hour), MaxAge: dur(2 * time.Hour)},
			wantResult: models.ResultSuperseded,
			wantMin:    ts(now.Add(-2 * time.Hour)),
			wantMax:    ts(now.Add(-time.Hour)),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := tt.policy.Query(now)
			assert.Equal(t, models.SearchEventProducts, q.EventSearchType)
			assert.Equal(t, tt.wantResult, q.ResultType)
			assert.Equal(t, tt.wantMin, q.MinProductUpdateTime)
			assert.Equal(t, tt.wantMax, q.MaxProductUpdateTime)
			assert.Nil(t, q.MinEventTime)
			assert.Nil(t, q.MaxEventTime)
		})
	}
}

func TestLoadPolicies(t *testing.T) {
	dir := t.TempDir()

	t.Run("valid file", func(t *testing.T) {
		path := filepath.Join(dir, "policies.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
policies:
  - name: old-events
    kind: event
    max_event_age: 8760h
  - name: superseded-products
    kind: product
    min_product_age: 720h
    product_type: origin
    only_unassociated: true
`), 0o600))

		policies, err := LoadPolicies(path)
		require.NoError(t, err)
		require.Len(t, policies, 2)
		assert.Equal(t, 8760*time.Hour, *policies[0].MaxEventAge)
		assert.Equal(t, KindProduct, policies[1].Kind)
		assert.True(t, policies[1].OnlySupersededVersions())
		assert.True(t, policies[1].OnlyUnassociated)
	})

	t.Run("duplicate names", func(t *testing.T) {
		path := filepath.Join(dir, "dupes.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
policies:
  - {name: a, kind: event, min_magnitude: 1}
  - {name: a, kind: event, max_magnitude: 2}
`), 0o600))
		_, err := LoadPolicies(path)
		assert.ErrorIs(t, err, ErrInvalidPolicy)
	})

	t.Run("invalid policy", func(t *testing.T) {
		path := filepath.Join(dir, "invalid.yaml")
		require.NoError(t, os.WriteFile(path, []byte("policies:\n  - {name: a, kind: event}\n"), 0o600))
		_, err := LoadPolicies(path)
		assert.ErrorIs(t, err, ErrInvalidPolicy)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadPolicies(filepath.Join(dir, "missing.yaml"))
		assert.Error(t, err)
	})
}

type archiveCall struct {
	policy           string
	query            *models.ProductIndexQuery
	onlyUnassociated bool
	products         bool
}

type fakeArchiver struct {
	mu    sync.Mutex
	calls []archiveCall
	err   error
}

func (f *fakeArchiver) ArchiveEvents(_ context.Context, policy string, query *models.ProductIndexQuery) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, archiveCall{policy: policy, query: query})
	return 2, f.err
}

func (f *fakeArchiver) ArchiveProducts(_ context.Context, policy string, query *models.ProductIndexQuery, onlyUnassociated bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, archiveCall{policy: policy, query: query, onlyUnassociated: onlyUnassociated, products: true})
	return 3, nil
}

func (f *fakeArchiver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeLocker struct {
	err error
}

func (l fakeLocker) WithLock(_ context.Context, _ string, _ time.Duration, fn func() error) error {
	if l.err != nil {
		return l.err
	}
	return fn()
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

var testPolicies = []Policy{
	{Name: "events", Kind: KindEvent, MaxEventAge: dur(time.Hour)},
	{Name: "products", Kind: KindProduct, ProductType: "dyfi", OnlyUnassociated: true},
}

func TestScheduler_RunOnce(t *testing.T) {
	archiver := &fakeArchiver{}
	s := NewScheduler(archiver, testPolicies, nil, Config{}, testLogger())
	s.now = func() time.Time { return now }

	result := s.RunOnce(context.Background())
	assert.Equal(t, map[string]int{"events": 2}, result.Events)
	assert.Equal(t, map[string]int{"products": 3}, result.Products)
	assert.Empty(t, result.Failed)

	require.Len(t, archiver.calls, 2)
	assert.False(t, archiver.calls[0].products)
	assert.Equal(t, now.Add(-time.Hour), *archiver.calls[0].query.MinEventTime)
	assert.True(t, archiver.calls[1].products)
	assert.True(t, archiver.calls[1].onlyUnassociated)
	assert.Equal(t, "dyfi", archiver.calls[1].query.ProductType)

	t.Run("failures are reported", func(t *testing.T) {
		archiver := &fakeArchiver{err: errors.New("index down")}
		s := NewScheduler(archiver, testPolicies, nil, Config{}, testLogger())
		result := s.RunOnce(context.Background())
		assert.Equal(t, []string{"events"}, result.Failed)
		assert.Equal(t, 2, archiver.callCount(), "later policies still run")
	})
}

func TestScheduler_StartStop(t *testing.T) {
	tests := []struct {
		name      string
		locker    Locker
		wantCalls bool
	}{
		{name: "no locker", locker: nil, wantCalls: true},
		{name: "lock held", locker: fakeLocker{}, wantCalls: true},
		{name: "lock taken elsewhere", locker: fakeLocker{err: redis.ErrLockNotAcquired}, wantCalls: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			archiver := &fakeArchiver{}
			s := NewScheduler(archiver, testPolicies, tt.locker, Config{Interval: time.Hour}, testLogger())
			ctx := context.Background()

			require.NoError(t, s.Start(ctx))
			assert.ErrorIs(t, s.Start(ctx), ErrSchedulerAlreadyRunning)

			if tt.wantCalls {
				assert.Eventually(t, func() bool { return archiver.callCount() == 2 }, time.Second, 10*time.Millisecond)
			}

			stopCtx, cancel := context.WithTimeout(ctx, time.Second)
			defer cancel()
			require.NoError(t, s.Stop(stopCtx))
			if !tt.wantCalls {
				assert.Zero(t, archiver.callCount())
			}
			assert.NoError(t, s.Stop(stopCtx), "stopping twice is a no-op")
		})
	}
}
