package ipc

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/srg/ble-orchestratord/internal/groutine"
	"github.com/srg/ble-orchestratord/internal/notify"
	"github.com/srg/ble-orchestratord/internal/request"
)

// Dispatch is how the Server hands a decoded Request to the rest of the
// orchestrator and blocks until it reaches a terminal state.
type Dispatch func(ctx context.Context, req *request.Request) *request.Request

// Server accepts client connections on a Unix domain socket (if
// socketPath is non-empty) or loopback TCP, bounding the number of
// concurrently open sessions per §4.8.
type Server struct {
	socketPath  string
	host        string
	port        int
	maxSessions int

	dispatch Dispatch
	status   func() StatusSnapshot
	notifier *notify.Manager
	registry *Registry
	log      *logrus.Logger

	listener net.Listener
	sessions int32
	nextID   uint64
}

// New constructs a Server. If socketPath is empty, the server listens on
// host:port instead (§6's two supported transports).
func New(socketPath, host string, port, maxSessions int, dispatch Dispatch, status func() StatusSnapshot, notifier *notify.Manager, registry *Registry, log *logrus.Logger) *Server {
	return &Server{
		socketPath:  socketPath,
		host:        host,
		port:        port,
		maxSessions: maxSessions,
		dispatch:    dispatch,
		status:      status,
		notifier:    notifier,
		registry:    registry,
		log:         log,
	}
}

// Listen opens the configured transport. Call before Serve.
func (s *Server) Listen() error {
	if s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("ipc: removing stale socket %s: %w", s.socketPath, err)
		}
		l, err := net.Listen("unix", s.socketPath)
		if err != nil {
			return fmt.Errorf("ipc: listen unix %s: %w", s.socketPath, err)
		}
		s.listener = l
		s.log.WithField("socket", s.socketPath).Info("ipc: listening on unix socket")
		return nil
	}

	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("ipc: listen tcp %s: %w", addr, err)
	}
	s.listener = l
	s.log.WithField("addr", addr).Info("ipc: listening on tcp")
	return nil
}

// Serve accepts connections until ctx is cancelled or the listener
// closes. Each accepted connection becomes one Session running in its
// own named goroutine; a full session table causes the new connection
// to be closed immediately rather than queued, matching §4.8's "no
// connection backlog beyond the OS accept queue".
func (s *Server) Serve(ctx context.Context) error {
	defer s.listener.Close()

	groutine.Go(ctx, "ipc-accept-closer", func(ctx context.Context) {
		<-ctx.Done()
		s.listener.Close()
	})

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("ipc: accept: %w", err)
		}

		if atomic.AddInt32(&s.sessions, 1) > int32(s.maxSessions) {
			atomic.AddInt32(&s.sessions, -1)
			s.log.WithField("max_sessions", s.maxSessions).Warn("ipc: session limit reached, rejecting connection")
			conn.Close()
			continue
		}

		id := fmt.Sprintf("sess-%d", atomic.AddUint64(&s.nextID, 1))
		sess := newSession(id, conn, s.dispatch, s.status, s.notifier, s.registry, s.log)
		groutine.Go(ctx, "ipc-session-"+id, func(ctx context.Context) {
			defer atomic.AddInt32(&s.sessions, -1)
			sess.run(ctx)
		})
	}
}

// sessionCount reports the number of currently open sessions, for tests.
func (s *Server) sessionCount() int {
	return int(atomic.LoadInt32(&s.sessions))
}

// Addr returns the listener's bound address, valid after Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
