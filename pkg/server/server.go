package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/quillmail/quillmail/pkg/protocol"
	"github.com/quillmail/quillmail/pkg/store"
)

// Server accepts client connections and runs one session per connection
// against the shared mailbox store.
type Server struct {
	store    *store.Store
	sessions *SessionManager
	config   ServerConfig
	logger   *zap.Logger
	metrics  *Metrics
	registry *prometheus.Registry

	listener     net.Listener
	httpListener net.Listener
	httpServer   *http.Server

	// pool bounds concurrent sessions; the accept loop blocks on a free
	// slot rather than dropping connections.
	pool chan struct{}

	shutdown  chan struct{}
	wg        sync.WaitGroup
	startTime time.Time
}

// NewServer creates a server bound to an already-opened store. The
// caller keeps ownership of the store and closes it after Stop.
func NewServer(st *store.Store, config ServerConfig, logger *zap.Logger) *Server {
	if config.MaxSessions <= 0 {
		config.MaxSessions = DefaultConfig().MaxSessions
	}

	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	return &Server{
		store:    st,
		sessions: NewSessionManager(config.NotifyBuffer, metrics, logger),
		config:   config,
		logger:   logger,
		metrics:  metrics,
		registry: registry,
		pool:     make(chan struct{}, config.MaxSessions),
		shutdown: make(chan struct{}),
	}
}

// Start begins listening for TCP connections and, unless disabled,
// serves the HTTP endpoints (/ws, /metrics, /healthz).
func (s *Server) Start() error {
	s.startTime = time.Now()

	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.logger.Info("TCP server listening", zap.String("addr", listener.Addr().String()))

	if s.config.HTTPPort >= 0 {
		httpAddr := fmt.Sprintf(":%d", s.config.HTTPPort)
		httpListener, err := net.Listen("tcp", httpAddr)
		if err != nil {
			s.listener.Close()
			return fmt.Errorf("failed to listen on %s: %w", httpAddr, err)
		}
		s.httpListener = httpListener

		mux := http.NewServeMux()
		mux.HandleFunc("/ws", s.HandleWebSocket)
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
		mux.HandleFunc("/healthz", s.HealthHandler)
		s.httpServer = &http.Server{Handler: mux}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.httpServer.Serve(httpListener); err != nil && err != http.ErrServerClosed {
				s.logger.Error("HTTP server error", zap.Error(err))
			}
		}()
		s.logger.Info("HTTP server listening", zap.String("addr", httpListener.Addr().String()))
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the TCP listener address, for tests binding port 0.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// HTTPAddr returns the HTTP listener address, or nil if disabled.
func (s *Server) HTTPAddr() net.Addr {
	if s.httpListener == nil {
		return nil
	}
	return s.httpListener.Addr()
}

// Stop gracefully stops the server: no new connections are accepted,
// live sessions are closed and their cleanup completes before return.
func (s *Server) Stop() error {
	close(s.shutdown)

	if s.listener != nil {
		s.listener.Close()
	}
	if s.httpServer != nil {
		s.httpServer.Close()
	}

	s.sessions.CloseAll()
	s.wg.Wait()
	return nil
}

// acceptLoop accepts incoming connections and hands each one to a
// session goroutine, bounded by the worker pool.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				s.logger.Warn("accept error", zap.Error(err))
				continue
			}
		}

		// Blocking acquisition: pool exhaustion delays the accept loop
		// instead of silently dropping the connection.
		select {
		case s.pool <- struct{}{}:
		case <-s.shutdown:
			conn.Close()
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.pool }()
			s.handleSession(conn)
		}()
	}
}

// handleSession runs the blocking read/dispatch/write loop for one
// connection until the client exits, disconnects, or the transport
// fails.
func (s *Server) handleSession(conn net.Conn) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	sess := s.sessions.CreateSession(conn)
	defer s.sessions.RemoveSession(sess)

	s.logger.Debug("client connected",
		zap.Uint64("session", sess.ID),
		zap.String("remote", conn.RemoteAddr().String()))

	reader := protocol.NewLineReader(conn)
	for {
		line, err := reader.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Debug("client disconnected", zap.Uint64("session", sess.ID))
			} else {
				s.logger.Debug("read error", zap.Uint64("session", sess.ID), zap.Error(err))
			}
			return
		}

		if s.dispatch(sess, line) {
			s.logger.Debug("client exited", zap.Uint64("session", sess.ID))
			return
		}
	}
}

// dispatch handles one request line. Returns true when the session asked
// to terminate. Every failure mode short of a transport error is
// answered with a response; a bad request never kills the session.
func (s *Server) dispatch(sess *Session, line []byte) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in command handler",
				zap.Uint64("session", sess.ID),
				zap.Any("panic", r))
			s.sendError(sess, "Internal server error")
		}
	}()

	req, err := protocol.ParseRequest(line)
	if err != nil {
		if errors.Is(err, protocol.ErrMissingCommand) {
			s.sendError(sess, "Missing command field")
		} else {
			s.sendError(sess, "Invalid JSON format")
		}
		return false
	}

	s.metrics.RecordRequest(req.Command)

	// LOGIN, REGISTER and EXIT are the only commands valid before
	// authentication; the first two are invalid after it.
	switch req.Command {
	case protocol.CmdLogin:
		if sess.Authenticated() {
			s.sendError(sess, "Already logged in")
		} else {
			s.handleLogin(sess, req)
		}
		return false
	case protocol.CmdRegister:
		if sess.Authenticated() {
			s.sendError(sess, "Already logged in")
		} else {
			s.handleRegister(sess, req)
		}
		return false
	case protocol.CmdExit:
		s.handleExit(sess)
		return true
	}

	if !sess.Authenticated() {
		s.sendError(sess, "Authentication required")
		return false
	}

	switch req.Command {
	case protocol.CmdLogout:
		s.handleLogout(sess)
	case protocol.CmdSend:
		s.handleSend(sess, req)
	case protocol.CmdListInbox:
		s.handleListInbox(sess)
	case protocol.CmdSearchInbox:
		s.handleSearchInbox(sess, req)
	case protocol.CmdListSent:
		s.handleListSent(sess)
	case protocol.CmdSearchSent:
		s.handleSearchSent(sess, req)
	case protocol.CmdRead:
		s.handleRead(sess, req)
	default:
		s.sendError(sess, "Unknown command: "+req.Command)
	}
	return false
}

// HealthHandler serves health check status.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":          "healthy",
		"uptime_seconds":  int64(time.Since(s.startTime).Seconds()),
		"active_sessions": s.sessions.CountSessions(),
		"online_users":    s.sessions.CountOnlineUsers(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		s.logger.Warn("failed to encode health response", zap.Error(err))
	}
}
