package webassist

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/sidekick/pkg/client/scripted"
	"github.com/go-go-golems/sidekick/pkg/contextsnap"
)

func TestSessionManagerEvictIdleOnce(t *testing.T) {
	mgr := newTestManager(t, scripted.Echo(0))
	mgr.SetEvictionConfig(10*time.Second, time.Second)

	_, err := mgr.GetOrCreate("s1", KindGeneral)
	require.NoError(t, err)

	require.Equal(t, 0, mgr.evictIdleOnce(time.Now()))
	require.Equal(t, 1, mgr.evictIdleOnce(time.Now().Add(time.Hour)))

	_, ok := mgr.Get("s1")
	require.False(t, ok)
}

func TestSessionManagerEvictIdleOnce_SkipsBusy(t *testing.T) {
	m := scripted.NewManual()
	mgr := newTestManager(t, m)
	mgr.SetEvictionConfig(10*time.Second, time.Second)

	s, err := mgr.GetOrCreate("s1", KindGeneral)
	require.NoError(t, err)
	_, err = s.Engine.Ask(context.Background(), "hi", contextsnap.Hint{})
	require.NoError(t, err)
	h, err := m.Await(waitFor)
	require.NoError(t, err)

	require.Equal(t, 0, mgr.evictIdleOnce(time.Now().Add(time.Hour)))
	_, ok := mgr.Get("s1")
	require.True(t, ok)
	require.True(t, h.Done())
}

func TestSessionManagerEvictIdleOnce_SkipsAttached(t *testing.T) {
	mgr := newTestManager(t, scripted.Echo(0))
	mgr.SetEvictionConfig(10*time.Second, time.Second)

	s, err := mgr.GetOrCreate("s1", KindGeneral)
	require.NoError(t, err)
	conn := newStubConn(false)
	require.NoError(t, mgr.Attach(context.Background(), s, conn))

	require.Equal(t, 0, mgr.evictIdleOnce(time.Now().Add(time.Hour)))
	s.pool.Remove(conn)
	require.Equal(t, 1, mgr.evictIdleOnce(time.Now().Add(time.Hour)))
	require.True(t, conn.closed())
}

func TestSessionManagerKeepsKindAndRejectsAfterClose(t *testing.T) {
	mgr := newTestManager(t, scripted.Echo(0))
	s, err := mgr.GetOrCreate("s1", KindChannel)
	require.NoError(t, err)
	again, err := mgr.GetOrCreate("s1", KindGeneral)
	require.NoError(t, err)
	require.Same(t, s, again)
	require.Equal(t, KindChannel, again.Kind)

	_, err = mgr.GetOrCreate(" ", KindGeneral)
	require.Error(t, err)

	mgr.Close()
	_, err = mgr.GetOrCreate("s2", KindGeneral)
	require.ErrorIs(t, err, ErrManagerClosed)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("")
	require.NoError(t, err)
	require.Equal(t, KindGeneral, k)
	k, err = ParseKind("Channel")
	require.NoError(t, err)
	require.Equal(t, KindChannel, k)
	_, err = ParseKind("dm")
	require.Error(t, err)
}
