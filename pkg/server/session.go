package server

import (
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/quillmail/quillmail/pkg/protocol"
)

// SessionState is the authentication state of a connection.
type SessionState int

const (
	StateUnauthenticated SessionState = iota
	StateAuthenticated
	StateTerminated
)

// Session represents one client connection. All responses and
// notifications are funneled through the outbound channel and written by
// a single writer goroutine, so a sender pushing a notification never
// blocks on a slow or dead peer.
type Session struct {
	ID   uint64
	conn net.Conn

	out        chan []byte
	writerDone chan struct{}

	mu       sync.RWMutex // protects state and username
	state    SessionState
	username string

	notifyMu  sync.Mutex // protects outClosed against concurrent TryNotify
	outClosed bool
}

// Username returns the authenticated username, or "" if unauthenticated.
func (sess *Session) Username() string {
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	return sess.username
}

// Authenticated reports whether the session is in the authenticated state.
func (sess *Session) Authenticated() bool {
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	return sess.state == StateAuthenticated
}

// State returns the current session state.
func (sess *Session) State() SessionState {
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	return sess.state
}

func (sess *Session) setAuthenticated(username string) {
	sess.mu.Lock()
	sess.state = StateAuthenticated
	sess.username = username
	sess.mu.Unlock()
}

func (sess *Session) clearAuthenticated() {
	sess.mu.Lock()
	sess.state = StateUnauthenticated
	sess.username = ""
	sess.mu.Unlock()
}

func (sess *Session) terminate() {
	sess.mu.Lock()
	sess.state = StateTerminated
	sess.mu.Unlock()
}

// Respond queues a response for writing. Only the session's own request
// loop may call this; the outbound channel stays open until that loop
// has returned.
func (sess *Session) Respond(v interface{}) error {
	line, err := protocol.EncodeLine(v)
	if err != nil {
		return err
	}
	sess.out <- line
	return nil
}

// TryNotify queues an already-encoded line if the session is still open
// and its outbound buffer has room. Never blocks; returns false when the
// notification was dropped.
func (sess *Session) TryNotify(line []byte) bool {
	sess.notifyMu.Lock()
	defer sess.notifyMu.Unlock()

	if sess.outClosed {
		return false
	}
	select {
	case sess.out <- line:
		return true
	default:
		return false
	}
}

// Disconnect forcibly closes the connection. The session's own loop
// observes the read failure and runs its normal cleanup.
func (sess *Session) Disconnect() {
	sess.conn.Close()
}

// closeOutput closes the outbound channel exactly once. No Respond may
// be in flight when this is called.
func (sess *Session) closeOutput() {
	sess.notifyMu.Lock()
	defer sess.notifyMu.Unlock()

	if !sess.outClosed {
		sess.outClosed = true
		close(sess.out)
	}
}

// writeLoop drains the outbound channel onto the connection. After a
// write failure it keeps draining (so queued Responds never block) and
// closes the connection to unblock the read loop.
func (sess *Session) writeLoop() {
	defer close(sess.writerDone)

	failed := false
	for line := range sess.out {
		if failed {
			continue
		}
		if _, err := sess.conn.Write(line); err != nil {
			failed = true
			sess.conn.Close()
		}
	}
	sess.conn.Close()
}

// SessionManager tracks all live sessions and doubles as the presence
// registry: at most one live session per authenticated username.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
	online   map[string]*Session
	nextID   uint64

	notifyBuffer int
	metrics      *Metrics
	logger       *zap.Logger
}

// NewSessionManager creates a new session manager.
func NewSessionManager(notifyBuffer int, metrics *Metrics, logger *zap.Logger) *SessionManager {
	if notifyBuffer <= 0 {
		notifyBuffer = 32
	}
	return &SessionManager{
		sessions:     make(map[uint64]*Session),
		online:       make(map[string]*Session),
		nextID:       1,
		notifyBuffer: notifyBuffer,
		metrics:      metrics,
		logger:       logger,
	}
}

// CreateSession registers a new unauthenticated session for conn and
// starts its writer goroutine.
func (sm *SessionManager) CreateSession(conn net.Conn) *Session {
	sm.mu.Lock()
	id := sm.nextID
	sm.nextID++

	sess := &Session{
		ID:         id,
		conn:       conn,
		out:        make(chan []byte, sm.notifyBuffer),
		writerDone: make(chan struct{}),
	}
	sm.sessions[id] = sess
	count := len(sm.sessions)
	sm.mu.Unlock()

	go sess.writeLoop()

	sm.metrics.RecordActiveSessions(count)
	sm.metrics.RecordSessionCreated()
	return sess
}

// RemoveSession tears a session down: presence entry (if still owned by
// this session), outbound channel, connection. Safe to call exactly once
// from the session's own loop.
func (sm *SessionManager) RemoveSession(sess *Session) {
	sm.mu.Lock()
	if _, ok := sm.sessions[sess.ID]; !ok {
		sm.mu.Unlock()
		return
	}
	delete(sm.sessions, sess.ID)
	if username := sess.Username(); username != "" && sm.online[username] == sess {
		delete(sm.online, username)
	}
	count := len(sm.sessions)
	online := len(sm.online)
	sm.mu.Unlock()

	sess.closeOutput()
	<-sess.writerDone

	sm.metrics.RecordActiveSessions(count)
	sm.metrics.RecordOnlineUsers(online)
	sm.metrics.RecordSessionDisconnected()
}

// BindUser records sess as the live session for username and returns the
// superseded session, if any. The caller decides what to do with it.
func (sm *SessionManager) BindUser(username string, sess *Session) *Session {
	sm.mu.Lock()
	previous := sm.online[username]
	sm.online[username] = sess
	online := len(sm.online)
	sm.mu.Unlock()

	sm.metrics.RecordOnlineUsers(online)
	if previous == sess {
		return nil
	}
	return previous
}

// UnbindUser removes the presence entry for sess's username, but only if
// it still points at sess (a newer login may have replaced it).
func (sm *SessionManager) UnbindUser(sess *Session) {
	username := sess.Username()
	if username == "" {
		return
	}

	sm.mu.Lock()
	if sm.online[username] == sess {
		delete(sm.online, username)
	}
	online := len(sm.online)
	sm.mu.Unlock()

	sm.metrics.RecordOnlineUsers(online)
}

// LookupUser returns the live session for username, if any.
func (sm *SessionManager) LookupUser(username string) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	sess, ok := sm.online[username]
	return sess, ok
}

// GetAllSessions returns all live sessions.
func (sm *SessionManager) GetAllSessions() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// CountOnlineUsers returns the number of authenticated usernames with a
// live session.
func (sm *SessionManager) CountOnlineUsers() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.online)
}

// CountSessions returns the number of live sessions.
func (sm *SessionManager) CountSessions() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CloseAll closes every live connection. Each session runs its own
// cleanup when its read loop observes the closed connection.
func (sm *SessionManager) CloseAll() {
	for _, sess := range sm.GetAllSessions() {
		sess.Disconnect()
	}
}
