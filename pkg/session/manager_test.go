package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibetunnel/vibetunnel-server/pkg/config"
	"github.com/vibetunnel/vibetunnel-server/pkg/pty"
)

func newTestManager(t *testing.T) *Manager {
	cfg := config.DefaultConfig()
	cfg.ControlDir = t.TempDir()
	ptyMgr := pty.NewManager(cfg)
	return NewManager(cfg, ptyMgr)
}

func TestCreateAndGetSession(t *testing.T) {
	m := newTestManager(t)

	info, err := m.CreateSession([]string{"/bin/echo", "hi"}, pty.CreateSessionOptions{})
	require.NoError(t, err)

	sess, err := m.GetSession(info.ID)
	require.NoError(t, err)
	assert.Equal(t, info.ID, sess.ID)
	assert.False(t, sess.Waiting)
}

func TestListSessionsSortedNewestFirst(t *testing.T) {
	m := newTestManager(t)

	first, err := m.CreateSession([]string{"/bin/sleep", "5"}, pty.CreateSessionOptions{})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	second, err := m.CreateSession([]string{"/bin/sleep", "5"}, pty.CreateSessionOptions{})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = m.KillSession(first.ID)
		_ = m.KillSession(second.ID)
	})

	sessions, err := m.ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, second.ID, sessions[0].ID)
	assert.Equal(t, first.ID, sessions[1].ID)
}

func TestCleanupExitedSessionsDoesNotDeleteFiles(t *testing.T) {
	m := newTestManager(t)

	info, err := m.CreateSession([]string{"/bin/echo", "hi"}, pty.CreateSessionOptions{})
	require.NoError(t, err)

	// Give the process time to exit and be reaped as a zombie on listing.
	assert.Eventually(t, func() bool {
		sess, err := m.GetSession(info.ID)
		return err == nil && sess != nil
	}, time.Second, 10*time.Millisecond)

	count, err := m.CleanupExitedSessions()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, 0)

	// Session directory must still exist; this call is non-destructive.
	_, err = m.GetSession(info.ID)
	assert.NoError(t, err)
}

func TestRemoveExitedSessionsDeletesDirectories(t *testing.T) {
	m := newTestManager(t)

	info, err := m.CreateSession([]string{"/bin/echo", "hi"}, pty.CreateSessionOptions{})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		sessions, err := m.ListSessions()
		if err != nil {
			return false
		}
		for _, s := range sessions {
			if s.ID == info.ID && s.Status == "exited" {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)

	removed, err := m.RemoveExitedSessions()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = m.GetSession(info.ID)
	assert.Error(t, err)
}

func TestSendKeyMapsNamedKeys(t *testing.T) {
	m := newTestManager(t)
	info, err := m.CreateSession([]string{"/bin/cat"}, pty.CreateSessionOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.KillSession(info.ID) })

	assert.NoError(t, m.SendKey(info.ID, "enter"))
	assert.NoError(t, m.SendKey(info.ID, "ctrl+c"))
	assert.Error(t, m.SendKey(info.ID, "not-a-real-key"))
}

func TestSendKeyAcceptsArrowAliases(t *testing.T) {
	m := newTestManager(t)
	info, err := m.CreateSession([]string{"/bin/cat"}, pty.CreateSessionOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.KillSession(info.ID) })

	for _, key := range []string{"arrow_up", "arrow_down", "arrow_left", "arrow_right"} {
		assert.NoError(t, m.SendKey(info.ID, key))
	}
}

func TestIsReservedKeyName(t *testing.T) {
	for _, name := range []string{"arrow_up", "arrow_down", "arrow_left", "arrow_right", "escape", "enter"} {
		assert.True(t, IsReservedKeyName(name), "%s should be reserved", name)
	}
	assert.False(t, IsReservedKeyName("hello"))
	assert.False(t, IsReservedKeyName("ctrl+c"))
}

func TestFindExternalSessionByControlPath(t *testing.T) {
	m := newTestManager(t)
	_, err := m.FindExternalSession("/no/such/path")
	assert.Error(t, err)
}
