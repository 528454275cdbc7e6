package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-go-golems/sidekick/pkg/contextsnap"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T, limit int) *SQLiteStore {
	t.Helper()
	dsn, err := SQLiteDSNForFile(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	s, err := NewSQLiteStore(dsn, limit)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStoreRoundTripsExchanges(t *testing.T) {
	s := newSQLiteStore(t, 10)
	ctx := context.Background()
	created := time.UnixMilli(1_773_150_000_000)

	global := s.Session("global")
	require.NoError(t, global.Append(ctx, Exchange{
		ID:     "x1",
		Query:  "Summarize this channel",
		Answer: "Team shipped v2.",
		Context: contextsnap.Summary{
			ChannelNames: []string{"#eng"},
			MessageCount: 42,
		},
		CreatedAt: created,
		Duration:  1500 * time.Millisecond,
	}))

	h, err := global.History(ctx)
	require.NoError(t, err)
	require.Len(t, h, 1)
	require.Equal(t, "Team shipped v2.", h[0].Answer)
	require.Equal(t, []string{"#eng"}, h[0].Context.ChannelNames)
	require.Equal(t, 42, h[0].Context.MessageCount)
	require.True(t, created.Equal(h[0].CreatedAt))
	require.Equal(t, 1500*time.Millisecond, h[0].Duration)

	other, err := s.Session("other").History(ctx)
	require.NoError(t, err)
	require.Empty(t, other)
}

func TestSQLiteStoreEvictsOldestPerSession(t *testing.T) {
	s := newSQLiteStore(t, 2)
	ctx := context.Background()
	a, b := s.Session("a"), s.Session("b")
	for i := 0; i < 4; i++ {
		require.NoError(t, a.Append(ctx, ex(i)))
	}
	require.NoError(t, b.Append(ctx, ex(9)))

	h, err := a.History(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"x2", "x3"}, []string{h[0].ID, h[1].ID})

	hb, err := b.History(ctx)
	require.NoError(t, err)
	require.Len(t, hb, 1)
}

func TestSQLiteStoreClearAndListSessions(t *testing.T) {
	s := newSQLiteStore(t, 0)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.Session("old").Append(ctx, Exchange{ID: "1", CreatedAt: now.Add(-time.Hour)}))
	require.NoError(t, s.Session("new").Append(ctx, Exchange{ID: "2", CreatedAt: now}))
	require.NoError(t, s.Session("new").Append(ctx, Exchange{ID: "3", CreatedAt: now}))

	sessions, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	require.Equal(t, "new", sessions[0].SessionID)
	require.Equal(t, 2, sessions[0].Exchanges)

	require.NoError(t, s.Session("new").Clear(ctx))
	sessions, err = s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, "old", sessions[0].SessionID)
}

func TestSQLiteStoreRejectsEmptyInputs(t *testing.T) {
	_, err := NewSQLiteStore("", 0)
	require.Error(t, err)
	_, err = SQLiteDSNForFile("")
	require.Error(t, err)

	s := newSQLiteStore(t, 0)
	require.Error(t, s.Session("  ").Append(context.Background(), ex(1)))
}
