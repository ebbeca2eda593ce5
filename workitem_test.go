package jobsched_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	js "github.com/azargarov/jobsched"
)

// -----------------------------------------------------------------------------
// Options defaults
// -----------------------------------------------------------------------------

func TestFillDefaults(t *testing.T) {
	var o js.EngineOptions
	o.FillDefaults()
	require.Equal(t, js.DefaultWorkers, o.Workers)
	require.Equal(t, js.DefaultHeartbeatTimeout, o.HeartbeatTimeout)
	require.NotNil(t, o.Scopes)
	require.Positive(t, o.LoopBackoffInitial)
	require.GreaterOrEqual(t, o.LoopBackoffMax, o.LoopBackoffInitial)

	m := js.DefaultManagerOptions()
	m.SampleInterval = -1
	m.FillDefaults()
	require.Equal(t, js.DefaultSampleInterval, m.SampleInterval)
	require.True(t, m.ContinueOnError)
}

// -----------------------------------------------------------------------------
// WorkItem
// -----------------------------------------------------------------------------

func TestNewWorkItemDefaults(t *testing.T) {
	it := js.NewWorkItem("cleanup", "tokens", noop)
	require.NotEmpty(t, it.ID)
	require.Equal(t, "cleanup", it.Name)
	require.Equal(t, "tokens", it.Type)
	require.Zero(t, it.Priority)
	require.Equal(t, js.DefaultMaxRetries, it.MaxRetries)
	require.Equal(t, js.DefaultRetryDelay, it.RetryDelay)
	require.NotNil(t, it.Parameters)
	require.Empty(t, it.Status())
	require.Zero(t, it.RetryCount())
	require.True(t, it.ScheduledFor().IsZero())

	other := js.NewWorkItem("cleanup", "tokens", noop)
	require.NotEqual(t, it.ID, other.ID)
}

func TestWorkItemOptions(t *testing.T) {
	params := map[string]any{"provider": "m3u"}
	at := time.Now().Add(time.Minute)
	it := js.NewWorkItem("refresh", "cache", noop,
		js.WithID("fixed"),
		js.WithPriority(7),
		js.WithParameters(params),
		js.WithRetry(js.RetryPolicy{MaxRetries: -2, Delay: -time.Second}),
		js.WithScheduledFor(at),
	)
	params["provider"] = "changed"

	require.Equal(t, "fixed", it.ID)
	require.Equal(t, 7, it.Priority)
	require.Equal(t, "m3u", it.Parameters["provider"])
	require.Zero(t, it.MaxRetries)
	require.Zero(t, it.RetryDelay)
	require.True(t, it.ScheduledFor().Equal(at))

	rp := js.GetDefaultRP()
	require.Equal(t, js.DefaultMaxRetries, rp.MaxRetries)
	require.Equal(t, js.DefaultRetryDelay, rp.Delay)
}

func TestWorkItemInfoIsSnapshot(t *testing.T) {
	q := js.NewPriorityWorkQueue(2)
	it := js.NewWorkItem("snap", "test", noop, js.WithParameters(map[string]any{"k": 1}))
	require.NoError(t, q.Enqueue(it))

	info := it.Info()
	require.Equal(t, js.StatusQueued, info.Status)
	require.Equal(t, it.ID, info.ID)
	info.Parameters["k"] = 2
	require.Equal(t, 1, it.Parameters["k"])
}

func TestStatusTerminal(t *testing.T) {
	tests := []struct {
		s    js.Status
		want bool
	}{
		{js.StatusQueued, false},
		{js.StatusRunning, false},
		{js.StatusRetrying, false},
		{js.StatusCompleted, true},
		{js.StatusFailed, true},
		{js.StatusCanceled, true},
	}
	for _, tc := range tests {
		t.Run(string(tc.s), func(t *testing.T) {
			require.Equal(t, tc.want, tc.s.Terminal())
		})
	}
}

// -----------------------------------------------------------------------------
// Scope
// -----------------------------------------------------------------------------

func TestContainerScope(t *testing.T) {
	c := js.NewContainer()
	var order []string
	for _, name := range []string{"db", "cache"} {
		c.Provide(name, func(context.Context) (any, func() error, error) {
			return name + "-conn", func() error {
				order = append(order, name)
				if name == "db" {
					return errors.New("db close failed")
				}
				return nil
			}, nil
		})
	}
	c.ProvideValue("clock", "static")
	c.Provide("broken", func(context.Context) (any, func() error, error) {
		return nil, nil, errors.New("no credentials")
	})

	s, err := c.NewScope(context.Background())
	require.NoError(t, err)

	v, err := js.ResolveAs[string](s, "db")
	require.NoError(t, err)
	require.Equal(t, "db-conn", v)
	_, err = js.ResolveAs[string](s, "cache")
	require.NoError(t, err)

	clock, err := js.ResolveAs[string](s, "clock")
	require.NoError(t, err)
	require.Equal(t, "static", clock)

	_, err = js.ResolveAs[int](s, "clock")
	require.Error(t, err)
	_, err = s.Resolve("missing")
	require.ErrorIs(t, err, js.ErrUnknownDependency)
	_, err = s.Resolve("broken")
	require.ErrorContains(t, err, "no credentials")

	err = s.Close()
	require.ErrorContains(t, err, "db close failed")
	require.Equal(t, []string{"cache", "db"}, order)

	require.NoError(t, s.Close())
	_, err = s.Resolve("db")
	require.Error(t, err)
}

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

func TestMetrics(t *testing.T) {
	m := js.NewMetrics()
	_, ok := m.Get("missing")
	require.False(t, ok)
	require.Zero(t, m.Counter("missing"))

	m.Set("gauge", "up")
	v, ok := m.Get("gauge")
	require.True(t, ok)
	require.Equal(t, "up", v)

	require.EqualValues(t, 1, m.Add("hits", 1))
	require.EqualValues(t, 3, m.Add("hits", 2))
	require.EqualValues(t, 3, m.Counter("hits"))

	m.ObserveDuration("email", 10*time.Millisecond)
	avg := m.ObserveDuration("email", 30*time.Millisecond)
	require.Equal(t, 20*time.Millisecond, avg)
	require.Equal(t, 20*time.Millisecond, m.AverageDuration("email"))
	require.Zero(t, m.AverageDuration("sms"))

	snap := m.Snapshot()
	require.Equal(t, 20*time.Millisecond, snap["avg_duration.email"])
	snap["hits"] = int64(100)
	require.EqualValues(t, 3, m.Counter("hits"))
}
