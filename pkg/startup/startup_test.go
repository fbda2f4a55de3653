package startup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getTestLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func recorder(name string, log *[]string, requires ...string) *Func {
	return &Func{
		Name:     name,
		Requires: requires,
		StartFunc: func(ctx context.Context) error {
			*log = append(*log, "start:"+name)
			return nil
		},
		StopFunc: func(ctx context.Context) error {
			*log = append(*log, "stop:"+name)
			return nil
		},
	}
}

func TestStartup_StartsDependenciesFirstAndStopsInReverse(t *testing.T) {
	var log []string
	s := NewStartup(getTestLogger(), 1)
	s.AddDependency(recorder("indexer", &log, "database", "storage"))
	s.AddDependency(recorder("database", &log))
	s.AddDependency(recorder("storage", &log))

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, []string{"start:database", "start:storage", "start:indexer"}, log)
	assert.Equal(t, StartupStatusStarted, s.Status("indexer"))

	log = nil
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, []string{"stop:indexer", "stop:storage", "stop:database"}, log)
	assert.Equal(t, StartupStatusStopped, s.Status("database"))
}

func TestStartup_RetriesUntilDependencyStarts(t *testing.T) {
	calls := 0
	s := NewStartup(getTestLogger(), 3)
	s.backoffUnit = time.Millisecond
	s.AddDependency(&Func{
		Name: "flaky",
		StartFunc: func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("not yet")
			}
			return nil
		},
	})

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 3, calls)
}

func TestStartup_FailsAfterMaxAttempts(t *testing.T) {
	s := NewStartup(getTestLogger(), 2)
	s.backoffUnit = time.Millisecond
	s.AddDependency(&Func{
		Name:      "broken",
		StartFunc: func(ctx context.Context) error { return errors.New("boom") },
	})

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Equal(t, StartupStatusFailed, s.Status("broken"))
}

func TestStartup_UnknownDependency(t *testing.T) {
	s := NewStartup(getTestLogger(), 1)
	s.AddDependency(&Func{Name: "api", Requires: []string{"missing"}})

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown startup dependency 'missing'")
}
