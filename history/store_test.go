package history_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/azargarov/jobsched"
	"github.com/azargarov/jobsched/history"
)

// ----------------------------------------------------------------------------
// helpers
// ----------------------------------------------------------------------------

func openSQLite(t *testing.T) *history.Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "history.db")
	s, err := history.Open(context.Background(), "sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func finished(typ string, status jobsched.Status, completed time.Time) jobsched.ItemInfo {
	return jobsched.ItemInfo{
		ID:          uuid.NewString(),
		Name:        "job-" + typ,
		Type:        typ,
		Priority:    1,
		Status:      status,
		CreatedAt:   completed.Add(-time.Second),
		StartedAt:   completed.Add(-time.Millisecond),
		CompletedAt: completed,
		MaxRetries:  3,
	}
}

// ----------------------------------------------------------------------------
// sqlite
// ----------------------------------------------------------------------------

func TestRecordAndGet(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	now := time.Now()
	info := finished("email", jobsched.StatusFailed, now)
	info.Parameters = map[string]any{"to": "ops@example.com"}
	info.RetryCount = 2
	info.ErrorMessage = "smtp down"
	info.Exceptions = []jobsched.AttemptError{
		{Attempt: 1, Message: "smtp down", At: now.Add(-2 * time.Second)},
		{Attempt: 2, Message: "smtp down", At: now.Add(-time.Second)},
	}
	require.NoError(t, s.Record(ctx, info))

	got, err := s.Get(ctx, info.ID)
	require.NoError(t, err)
	require.Equal(t, info.Name, got.Name)
	require.Equal(t, jobsched.StatusFailed, got.Status)
	require.Equal(t, 2, got.RetryCount)
	require.Equal(t, "smtp down", got.ErrorMessage)
	require.Len(t, got.Exceptions, 2)
	require.Equal(t, 2, got.Exceptions[1].Attempt)
	require.Equal(t, "ops@example.com", got.Parameters["to"])
	require.Equal(t, now.UnixNano(), got.CompletedAt.UnixNano())
}

func TestRecordUpserts(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	info := finished("report", jobsched.StatusFailed, time.Now())
	require.NoError(t, s.Record(ctx, info))

	info.Status = jobsched.StatusCompleted
	info.ErrorMessage = ""
	require.NoError(t, s.Record(ctx, info))

	got, err := s.Get(ctx, info.ID)
	require.NoError(t, err)
	require.Equal(t, jobsched.StatusCompleted, got.Status)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts[jobsched.StatusCompleted])
	require.Zero(t, counts[jobsched.StatusFailed])
}

func TestGetUnknown(t *testing.T) {
	s := openSQLite(t)
	_, err := s.Get(context.Background(), "missing")
	require.True(t, errors.Is(err, history.ErrNotFound))
}

func TestListFilters(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	base := time.Now()
	records := []jobsched.ItemInfo{
		finished("email", jobsched.StatusCompleted, base.Add(1*time.Second)),
		finished("email", jobsched.StatusFailed, base.Add(2*time.Second)),
		finished("report", jobsched.StatusCompleted, base.Add(3*time.Second)),
		finished("email", jobsched.StatusCompleted, base.Add(4*time.Second)),
	}
	for _, r := range records {
		require.NoError(t, s.Record(ctx, r))
	}

	tests := []struct {
		name   string
		filter history.Filter
		want   []string
	}{
		{"all newest first", history.Filter{}, []string{records[3].ID, records[2].ID, records[1].ID, records[0].ID}},
		{"by type", history.Filter{Type: "email"}, []string{records[3].ID, records[1].ID, records[0].ID}},
		{"by status", history.Filter{Status: jobsched.StatusCompleted}, []string{records[3].ID, records[2].ID, records[0].ID}},
		{"type and status", history.Filter{Type: "email", Status: jobsched.StatusFailed}, []string{records[1].ID}},
		{"limit", history.Filter{Limit: 2}, []string{records[3].ID, records[2].ID}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := s.List(ctx, tc.filter)
			require.NoError(t, err)
			ids := make([]string, 0, len(got))
			for _, g := range got {
				ids = append(ids, g.ID)
			}
			require.Equal(t, tc.want, ids)
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := history.Open(context.Background(), "mongo", "")
	require.Error(t, err)
}

func TestEngineRecordsFinalizedItems(t *testing.T) {
	s := openSQLite(t)

	q := jobsched.NewPriorityWorkQueue(10)
	opts := jobsched.DefaultEngineOptions()
	opts.Recorder = s
	e := jobsched.NewEngine(q, nil, opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))
	defer func() { _ = e.Stop(context.Background()) }()

	item := jobsched.NewWorkItem("ping", "probe", func(context.Context, jobsched.Scope) error { return nil })
	require.NoError(t, q.Enqueue(item))

	require.Eventually(t, func() bool {
		got, err := s.Get(context.Background(), item.ID)
		return err == nil && got.Status == jobsched.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

// ----------------------------------------------------------------------------
// postgres
// ----------------------------------------------------------------------------

func TestPostgresRoundTrip(t *testing.T) {
	dsn := os.Getenv("JOBSCHED_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("JOBSCHED_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := history.Open(ctx, "postgres", dsn)
	require.NoError(t, err)
	defer s.Close()

	info := finished("pg", jobsched.StatusCompleted, time.Now())
	require.NoError(t, s.Record(ctx, info))

	got, err := s.Get(ctx, info.ID)
	require.NoError(t, err)
	require.Equal(t, info.Type, got.Type)

	list, err := s.List(ctx, history.Filter{Type: "pg", Limit: 1})
	require.NoError(t, err)
	require.Len(t, list, 1)
}
