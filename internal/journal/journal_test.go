package journal

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func record(t *testing.T, j *Journal, label, event string, startedAt time.Time) {
	t.Helper()
	err := j.Record(context.Background(), Invocation{
		ID:          fmt.Sprintf("%s-%s-%d", label, event, startedAt.UnixMilli()),
		Label:       label,
		Fingerprint: "sha256:0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
		Event:       event,
		ExitCode:    0,
		Duration:    42 * time.Millisecond,
		StartedAt:   startedAt,
	})
	require.NoError(t, err)
}

func TestOpen_CreatesParentDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "journal.db")

	j, err := Open(path)
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.Record(context.Background(), Invocation{
		ID:          "a",
		Label:       "thermal",
		Fingerprint: "sha256:00",
		Event:       EventMiss,
		StartedAt:   time.Now(),
	}))
}

func TestRecordAndRecent_RoundTrip(t *testing.T) {
	j := openTestJournal(t)

	started := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	inv := Invocation{
		ID:          "inv-1",
		Label:       "thermal",
		Fingerprint: "sha256:deadbeef",
		Event:       EventHit,
		ExitCode:    2,
		Duration:    1500 * time.Millisecond,
		StartedAt:   started,
	}
	require.NoError(t, j.Record(context.Background(), inv))

	got, err := j.Recent(context.Background(), "", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, inv, got[0])
}

func TestRecord_DuplicateIDRejected(t *testing.T) {
	j := openTestJournal(t)

	inv := Invocation{ID: "dup", Label: "thermal", Fingerprint: "sha256:00",
		Event: EventMiss, StartedAt: time.Now()}
	require.NoError(t, j.Record(context.Background(), inv))
	assert.Error(t, j.Record(context.Background(), inv))
}

func TestRecent_NewestFirstWithLimit(t *testing.T) {
	j := openTestJournal(t)

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		record(t, j, "thermal", EventMiss, base.Add(time.Duration(i)*time.Minute))
	}

	got, err := j.Recent(context.Background(), "", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, base.Add(4*time.Minute), got[0].StartedAt)
	assert.Equal(t, base.Add(3*time.Minute), got[1].StartedAt)
	assert.Equal(t, base.Add(2*time.Minute), got[2].StartedAt)
}

func TestRecent_FiltersByLabel(t *testing.T) {
	j := openTestJournal(t)

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	record(t, j, "thermal", EventHit, base)
	record(t, j, "fluids", EventMiss, base.Add(time.Minute))
	record(t, j, "thermal", EventMiss, base.Add(2*time.Minute))

	got, err := j.Recent(context.Background(), "thermal", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, inv := range got {
		assert.Equal(t, "thermal", inv.Label)
	}

	got, err = j.Recent(context.Background(), "structures", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStats_AggregatesPerLabel(t *testing.T) {
	j := openTestJournal(t)

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	events := []struct {
		label string
		event string
	}{
		{"thermal", EventHit},
		{"thermal", EventHit},
		{"thermal", EventMiss},
		{"thermal", EventConflict},
		{"fluids", EventMiss},
		{"fluids", EventError},
	}
	for i, e := range events {
		record(t, j, e.label, e.event, base.Add(time.Duration(i)*time.Second))
	}

	stats, err := j.Stats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 2)

	assert.Equal(t, LabelStats{Label: "fluids", Hits: 0, Misses: 1, Conflicts: 0, Errors: 1}, stats[0])
	assert.Equal(t, LabelStats{Label: "thermal", Hits: 2, Misses: 1, Conflicts: 1, Errors: 0}, stats[1])
}

func TestDeleteBefore(t *testing.T) {
	j := openTestJournal(t)

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		record(t, j, "thermal", EventMiss, base.Add(time.Duration(i)*time.Hour))
	}

	deleted, err := j.DeleteBefore(context.Background(), base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 2, deleted)

	remaining, err := j.Recent(context.Background(), "", 10)
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	for _, inv := range remaining {
		assert.False(t, inv.StartedAt.Before(base.Add(2*time.Hour)))
	}
}

func TestDeleteBefore_NothingOld(t *testing.T) {
	j := openTestJournal(t)
	record(t, j, "thermal", EventMiss, time.Now())

	deleted, err := j.DeleteBefore(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, deleted)
}
