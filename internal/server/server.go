// Package server carries simulator frames over websockets. Every connection
// is one vehicle session with its own pilot; frames are handled strictly in
// order, one to completion before the next is read.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"tailscale.com/tsweb"

	"github.com/banshee-data/velocity.pilot/internal/httputil"
	"github.com/banshee-data/velocity.pilot/internal/monitoring"
	"github.com/banshee-data/velocity.pilot/internal/pilot"
	"github.com/banshee-data/velocity.pilot/internal/timeutil"
)

// DefaultAddr is the simulator's default endpoint.
const DefaultAddr = ":4567"

const socketBufferSize = 4096

// DefaultDrainTimeout bounds how long shutdown waits for sessions to end
// after asking them to close, and again after force-closing stragglers.
const DefaultDrainTimeout = 2 * time.Second

var logf = monitoring.Prefixed("server")

// SessionInfo describes a live session.
type SessionInfo struct {
	ID         string    `json:"id"`
	RemoteAddr string    `json:"remote_addr"`
	Started    time.Time `json:"started"`
	Frames     uint64    `json:"frames"`
	Replies    uint64    `json:"replies"`
	Errors     uint64    `json:"errors"`
}

type session struct {
	conn *websocket.Conn

	mu   sync.Mutex
	info SessionInfo
}

func (s *session) count(replied bool, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info.Frames++
	if replied {
		s.info.Replies++
	}
	if failed {
		s.info.Errors++
	}
}

// Server upgrades every request to a websocket vehicle session.
type Server struct {
	cfg       pilot.Config
	clock     timeutil.Clock
	observers []pilot.Observer
	upgrader  websocket.Upgrader
	drain     time.Duration

	// handlers counts running ServeHTTP calls; http.Server.Shutdown does
	// not wait for hijacked connections.
	handlers sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session
}

// Option customises a Server.
type Option func(*Server)

// WithObservers registers tick observers on every session's pilot.
func WithObservers(obs ...pilot.Observer) Option {
	return func(s *Server) { s.observers = append(s.observers, obs...) }
}

// WithClock sets the clock handed to each pilot.
func WithClock(c timeutil.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithDrainTimeout overrides DefaultDrainTimeout.
func WithDrainTimeout(d time.Duration) Option {
	return func(s *Server) { s.drain = d }
}

// New returns a Server that builds one pilot per connection from cfg.
func New(cfg pilot.Config, opts ...Option) *Server {
	s := &Server{
		cfg:   cfg,
		clock: timeutil.RealClock{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  socketBufferSize,
			WriteBufferSize: socketBufferSize,
			// The simulator connects from a local page with no useful origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		drain:    DefaultDrainTimeout,
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP upgrades the request and runs the session until the channel
// closes. Any path is accepted.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handlers.Add(1)
	defer s.handlers.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		logf("upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	defer conn.Close()

	id := uuid.NewString()
	p, err := pilot.New(s.cfg,
		pilot.WithSession(id),
		pilot.WithClock(s.clock),
		pilot.WithObserver(s.observers...),
	)
	if err != nil {
		logf("session %s: %v", id, err)
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "controller unavailable"))
		return
	}
	defer p.Close()

	sess := &session{conn: conn, info: SessionInfo{ID: id, RemoteAddr: r.RemoteAddr, Started: s.clock.Now()}}
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
	}()

	logf("session %s connected from %s", id, r.RemoteAddr)
	s.run(r.Context(), conn, p, sess)
	logf("session %s disconnected", id)
}

func (s *Server) run(ctx context.Context, conn *websocket.Conn, p *pilot.Pilot, sess *session) {
	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logf("session %s: read: %v", sess.info.ID, err)
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}

		reply, err := p.HandleFrame(ctx, string(msg))
		if err != nil {
			sess.count(false, true)
			if errors.Is(err, pilot.ErrClosed) || ctx.Err() != nil {
				return
			}
			logf("session %s: %v", sess.info.ID, err)
			continue
		}
		sess.count(reply != "", false)
		if reply == "" {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
			logf("session %s: write: %v", sess.info.ID, err)
			return
		}
	}
}

// Sessions returns a snapshot of the live sessions, oldest first.
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sess.mu.Lock()
		out = append(out, sess.info)
		sess.mu.Unlock()
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Started.Equal(out[j].Started) {
			return out[i].ID < out[j].ID
		}
		return out[i].Started.Before(out[j].Started)
	})
	return out
}

// closeSessions asks every live session to close. Hijacked websocket
// connections are not closed by http.Server.Shutdown.
func (s *Server) closeSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline := time.Now().Add(time.Second)
	for _, sess := range s.sessions {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		if err := sess.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			sess.conn.Close()
		}
	}
}

// AttachAdminRoutes mounts the session listing on the debug handler.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.Handle("sessions", "Live vehicle sessions", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		httputil.WriteJSONOK(w, s.Sessions())
	}))
}

// ListenAndServe serves vehicle sessions on addr until ctx is done, then
// shuts the listener down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, lis)
}

// Serve serves vehicle sessions on lis until ctx is done. It returns once
// the listener is shut down and every session handler has finished, so
// observers see no events after Serve returns.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	server := &http.Server{Handler: s}
	server.RegisterOnShutdown(s.closeSessions)

	errc := make(chan error, 1)
	go func() {
		if err := server.Serve(lis); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logf("shutting down vehicle listener on %s", lis.Addr())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logf("shutdown error: %v", err)
		if err := server.Close(); err != nil {
			logf("force close error: %v", err)
		}
	}

	if !s.waitHandlers(s.drain) {
		logf("sessions still open after %v, closing connections", s.drain)
		s.dropConnections()
		if !s.waitHandlers(s.drain) {
			logf("session handlers did not exit")
		}
	}
	return nil
}

// waitHandlers reports whether every session handler returned within d.
func (s *Server) waitHandlers(d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}

// dropConnections closes every live session's connection without a close
// handshake, unblocking their reads.
func (s *Server) dropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		sess.conn.Close()
	}
}
