package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// ─── Baselines ────────────────────────────────────────────────────────────────

func TestBaselineSaveLoadUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.LoadBaseline(ctx, "checkout")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, s.SaveBaseline(ctx, "checkout", `{"version":1,"metrics":{}}`))
	got, err := s.LoadBaseline(ctx, "checkout")
	require.NoError(t, err)
	assert.Equal(t, "checkout", got.Key)
	assert.Equal(t, `{"version":1,"metrics":{}}`, got.Blob)
	assert.False(t, got.UpdatedAt.IsZero())

	require.NoError(t, s.SaveBaseline(ctx, "checkout", `{"version":1,"metrics":{"fps":{}}}`))
	got, err = s.LoadBaseline(ctx, "checkout")
	require.NoError(t, err)
	assert.Equal(t, `{"version":1,"metrics":{"fps":{}}}`, got.Blob)

	require.NoError(t, s.SaveBaseline(ctx, "landing", "{}"))
	all, err := s.ListBaselines(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestBaselineSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "perf.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveBaseline(ctx, "default", "blob-1"))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	got, err := s.LoadBaseline(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, "blob-1", got.Blob)
}

// ─── Anomaly events ───────────────────────────────────────────────────────────

func TestAnomalyAppendQueryGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	recs := []*AnomalyRecord{
		{SessionID: "s1", Metric: "fps", Value: 12, AnomalyType: "spike", Severity: "critical", Score: 1, DetectedAt: base},
		{SessionID: "s1", Metric: "heap_mb", Value: 900, AnomalyType: "drift", Severity: "warning", Score: 0.6, DetectedAt: base.Add(time.Minute)},
		{SessionID: "s2", Metric: "fps", Value: 20, AnomalyType: "spike", Severity: "warning", Score: 0.7, DetectedAt: base.Add(2 * time.Minute)},
	}
	for _, r := range recs {
		require.NoError(t, s.AppendAnomaly(ctx, r))
		assert.NotZero(t, r.ID)
	}

	all, err := s.QueryAnomalies(ctx, AnomalyQuery{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, recs[2].ID, all[0].ID, "newest first")
	assert.Equal(t, "{}", all[0].Context)

	byMetric, err := s.QueryAnomalies(ctx, AnomalyQuery{Metric: "fps"})
	require.NoError(t, err)
	assert.Len(t, byMetric, 2)

	bySession, err := s.QueryAnomalies(ctx, AnomalyQuery{SessionID: "s1", Severity: "warning"})
	require.NoError(t, err)
	require.Len(t, bySession, 1)
	assert.Equal(t, "heap_mb", bySession[0].Metric)

	windowed, err := s.QueryAnomalies(ctx, AnomalyQuery{From: base.Add(30 * time.Second), To: base.Add(90 * time.Second)})
	require.NoError(t, err)
	require.Len(t, windowed, 1)
	assert.Equal(t, "drift", windowed[0].AnomalyType)

	limited, err := s.QueryAnomalies(ctx, AnomalyQuery{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, recs[1].ID, limited[0].ID)

	got, err := s.GetAnomaly(ctx, recs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "fps", got.Metric)
	assert.Equal(t, 12.0, got.Value)
	assert.True(t, base.Equal(got.DetectedAt))

	_, err = s.GetAnomaly(ctx, 9999)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestAnomalySummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	for i, sev := range []string{"warning", "warning", "critical", "info"} {
		require.NoError(t, s.AppendAnomaly(ctx, &AnomalyRecord{
			Metric: "fps", Severity: sev, DetectedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	summary, err := s.AnomalySummary(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"warning": 2, "critical": 1, "info": 1}, summary)

	summary, err = s.AnomalySummary(ctx, base.Add(90*time.Minute), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"critical": 1, "info": 1}, summary)
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}
