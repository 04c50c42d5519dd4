package server

import (
	"io"
	"net"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T, notifyBuffer int) *SessionManager {
	t.Helper()
	metrics := NewMetrics(prometheus.NewRegistry())
	return NewSessionManager(notifyBuffer, metrics, zap.NewNop())
}

// pipeSession creates a session over a net.Pipe with the peer side
// drained, so the writer goroutine never wedges on an unread pipe.
func pipeSession(t *testing.T, sm *SessionManager) *Session {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	go io.Copy(io.Discard, clientSide)
	t.Cleanup(func() { clientSide.Close() })
	return sm.CreateSession(serverSide)
}

func TestSessionLifecycle(t *testing.T) {
	sm := newTestManager(t, 4)

	sess := pipeSession(t, sm)
	assert.Equal(t, 1, sm.CountSessions())
	assert.Equal(t, StateUnauthenticated, sess.State())
	assert.False(t, sess.Authenticated())
	assert.Equal(t, "", sess.Username())

	sess.setAuthenticated("alice")
	assert.True(t, sess.Authenticated())
	assert.Equal(t, "alice", sess.Username())

	sess.clearAuthenticated()
	assert.False(t, sess.Authenticated())
	assert.Equal(t, "", sess.Username())

	sm.RemoveSession(sess)
	assert.Equal(t, 0, sm.CountSessions())

	// Removing twice is a no-op.
	sm.RemoveSession(sess)
	assert.Equal(t, 0, sm.CountSessions())
}

func TestBindUserSupersedes(t *testing.T) {
	sm := newTestManager(t, 4)

	first := pipeSession(t, sm)
	first.setAuthenticated("alice")
	previous := sm.BindUser("alice", first)
	assert.Nil(t, previous)
	assert.Equal(t, 1, sm.CountOnlineUsers())

	second := pipeSession(t, sm)
	second.setAuthenticated("alice")
	previous = sm.BindUser("alice", second)
	assert.Same(t, first, previous)

	// Still one online user; lookups resolve to the new session.
	assert.Equal(t, 1, sm.CountOnlineUsers())
	live, ok := sm.LookupUser("alice")
	require.True(t, ok)
	assert.Same(t, second, live)

	// Rebinding the same session supersedes nothing.
	assert.Nil(t, sm.BindUser("alice", second))
}

func TestRemoveSupersededSessionKeepsPresence(t *testing.T) {
	sm := newTestManager(t, 4)

	first := pipeSession(t, sm)
	first.setAuthenticated("alice")
	sm.BindUser("alice", first)

	second := pipeSession(t, sm)
	second.setAuthenticated("alice")
	sm.BindUser("alice", second)

	// The kicked session's cleanup must not evict the new session.
	sm.RemoveSession(first)
	live, ok := sm.LookupUser("alice")
	require.True(t, ok)
	assert.Same(t, second, live)
}

func TestUnbindUserSelfGuard(t *testing.T) {
	sm := newTestManager(t, 4)

	first := pipeSession(t, sm)
	first.setAuthenticated("alice")
	sm.BindUser("alice", first)

	second := pipeSession(t, sm)
	second.setAuthenticated("alice")
	sm.BindUser("alice", second)

	sm.UnbindUser(first)
	_, ok := sm.LookupUser("alice")
	assert.True(t, ok, "stale unbind must not remove the live session")

	sm.UnbindUser(second)
	_, ok = sm.LookupUser("alice")
	assert.False(t, ok)
}

func TestTryNotifyDropsWhenFull(t *testing.T) {
	// No writer goroutine: the outbound buffer fills and stays full.
	sess := &Session{
		ID:         1,
		out:        make(chan []byte, 2),
		writerDone: make(chan struct{}),
	}

	assert.True(t, sess.TryNotify([]byte("one\n")))
	assert.True(t, sess.TryNotify([]byte("two\n")))
	assert.False(t, sess.TryNotify([]byte("three\n")), "full buffer must drop, not block")
}

func TestTryNotifyAfterClose(t *testing.T) {
	sess := &Session{
		ID:         1,
		out:        make(chan []byte, 2),
		writerDone: make(chan struct{}),
	}

	sess.closeOutput()
	assert.False(t, sess.TryNotify([]byte("late\n")))

	// Closing again is safe.
	sess.closeOutput()
}

func TestRespondReachesConnection(t *testing.T) {
	sm := newTestManager(t, 4)
	serverSide, clientSide := net.Pipe()
	sess := sm.CreateSession(serverSide)

	go func() {
		sess.Respond(map[string]string{"status": "GOODBYE"})
		sm.RemoveSession(sess)
	}()

	buf := make([]byte, 256)
	n, err := clientSide.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "{\"status\":\"GOODBYE\"}\n", string(buf[:n]))
	clientSide.Close()
}
