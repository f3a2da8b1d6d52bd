package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "autoposter/pkg/logx"
)

func openAll(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	stores := map[string]Store{}
	for _, cfg := range []Config{
		{Driver: "memory"},
		{Driver: "file", Path: filepath.Join(dir, "file", "autoposter.db")},
		{Driver: "sqlite", Path: filepath.Join(dir, "sqlite", "autoposter.db")},
	} {
		st, err := Open(cfg, logx.Nop())
		require.NoError(t, err, cfg.Driver)
		t.Cleanup(func() { _ = st.Close() })
		stores[cfg.Driver] = st
	}
	return stores
}

func TestMarkersRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, st := range openAll(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := st.GetMarker(ctx, "style.last")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, st.PutMarker(ctx, "style.last", "funny"))
			require.NoError(t, st.PutMarker(ctx, "style.last", "serious"))
			v, ok, err := st.GetMarker(ctx, "style.last")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "serious", v)
		})
	}
}

func TestDedupRoundTrip(t *testing.T) {
	ctx := context.Background()
	until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	for name, st := range openAll(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.PutDedup(ctx, "alert:x", until))
			got, ok, err := st.GetDedup(ctx, "alert:x")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.True(t, until.Equal(got))
		})
	}
}

func TestFileActivityLineFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autoposter.db")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)

	at := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)
	require.NoError(t, st.AppendActivity(context.Background(), ActivityEntry{At: at, JobID: "j1", Channel: "page", Outcome: "posted", Detail: "id=1"}))
	require.NoError(t, st.AppendActivity(context.Background(), ActivityEntry{At: at, JobID: "j2", Channel: "page", Outcome: "failed", Detail: "bad\tthing\nhappened"}))
	require.NoError(t, st.Close())

	b, err := os.ReadFile(filepath.Join(filepath.Dir(path), "autoposter.activity.log"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "2026-03-10T09:30:00Z\tj1\tpage\tposted\tid=1", lines[0])
	assert.Len(t, strings.Split(lines[1], "\t"), 5)
}

func TestFileMarkersSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autoposter.db")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.PutMarker(context.Background(), "style.last", "funny"))
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	v, ok, err := st.GetMarker(context.Background(), "style.last")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "funny", v)
}

func TestMemoryKeepsActivityOrder(t *testing.T) {
	m := NewMemory()
	for _, o := range []string{"scheduled", "posted"} {
		require.NoError(t, m.AppendActivity(context.Background(), ActivityEntry{Outcome: o}))
	}
	got := m.Activity()
	require.Len(t, got, 2)
	assert.Equal(t, "scheduled", got[0].Outcome)
	assert.False(t, got[0].At.IsZero())
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "redis"}, logx.Nop())
	assert.ErrorIs(t, err, ErrUnknownDriver)
}
