package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"

	"github.com/srg/ble-orchestratord/internal/bleerr"
	"github.com/srg/ble-orchestratord/internal/groutine"
	"github.com/srg/ble-orchestratord/internal/notify"
	"github.com/srg/ble-orchestratord/internal/request"
)

// outboundQueueSize bounds each session's pending write buffer. Once
// full, the oldest unsent frame is overwritten — acceptable per §4.7
// ("notifications may be lost across the gap; the service does not
// replay") and, for response frames, rare enough in practice that
// losing one just means the client's own read times out.
const outboundQueueSize = 256

// maxLineBytes bounds one incoming frame, defending the reader loop
// against a client that never sends a newline.
const maxLineBytes = 1 << 20

// Session is one client connection to the IPC Server: a reader goroutine
// decoding request frames and a writer goroutine draining outbound
// frames over a bounded ring buffer, since a session has many
// independent producers writing to it (response completion, notification
// pushes) instead of one.
type Session struct {
	id   string
	conn net.Conn
	log  *logrus.Logger

	dispatch func(ctx context.Context, req *request.Request) *request.Request
	status   func() StatusSnapshot
	notifier *notify.Manager
	registry *Registry

	outbound mpmc.RichOverlappedRingBuffer[[]byte]
	wake     chan struct{}

	ownedMu sync.Mutex
	owned   []string // callback_ids registered through this session, for Registry cleanup
}

func newSession(id string, conn net.Conn, dispatch func(ctx context.Context, req *request.Request) *request.Request, status func() StatusSnapshot, notifier *notify.Manager, registry *Registry, log *logrus.Logger) *Session {
	return &Session{
		id:       id,
		conn:     conn,
		log:      log,
		dispatch: dispatch,
		status:   status,
		notifier: notifier,
		registry: registry,
		outbound: mpmc.NewOverlappedRingBuffer[[]byte](outboundQueueSize),
		wake:     make(chan struct{}, 1),
	}
}

// deliver renders a pushed characteristic value as a notification frame
// onto this session's outbound queue. Called by Registry.Push, which
// looks up the owning session for a notify.Value's callback_id.
func (s *Session) deliver(v notify.Value) {
	_, charUUID := splitCharKey(v.CharUUID)
	s.enqueue(notificationFrame{
		Type:       "notification",
		CallbackID: v.CallbackID,
		MAC:        v.MAC,
		CharUUID:   charUUID,
		Value:      bytesToInts(v.Data),
		Timestamp:  float64(v.ObservedAt.UnixNano()) / float64(time.Second),
	})
}

func (s *Session) enqueue(frame interface{}) {
	line, err := json.Marshal(frame)
	if err != nil {
		s.log.WithError(err).Error("ipc: failed to marshal outbound frame")
		return
	}
	line = append(line, '\n')
	if _, err := s.outbound.EnqueueM(line); err != nil {
		s.log.WithError(err).Warn("ipc: outbound queue enqueue failed")
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run drives the session until ctx is cancelled or the connection
// closes, serving both the reader and writer halves as named goroutines.
func (s *Session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.conn.Close()

	done := make(chan struct{})
	groutine.Go(ctx, "ipc-session-writer-"+s.id, func(ctx context.Context) {
		defer close(done)
		s.writeLoop(ctx)
	})

	s.readLoop(ctx, cancel)
	<-done

	if s.notifier != nil {
		s.notifier.SweepSession(s)
	}
	if s.registry != nil {
		s.ownedMu.Lock()
		owned := s.owned
		s.ownedMu.Unlock()
		s.registry.UnbindAll(owned)
	}
}

func (s *Session) readLoop(ctx context.Context, cancel context.CancelFunc) {
	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 4096), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if !s.handleLine(ctx, line) {
			cancel()
			return
		}
	}
	cancel()
}

// handleLine decodes and dispatches one frame. It returns false when the
// frame was malformed and carried no request_id, per §4.8's "otherwise
// the server closes the session after one such error".
func (s *Session) handleLine(ctx context.Context, line []byte) bool {
	var f inFrame
	if err := json.Unmarshal(line, &f); err != nil {
		s.enqueue(errorFrame{Status: "error", Error: string(bleerr.ReasonInvalidRequest)})
		return false
	}

	if Command(f.Command) == CommandServiceStatus {
		s.enqueue(successFrame{Status: "success", RequestID: f.RequestID, Result: s.status()})
		return true
	}

	req, err := f.toRequest(time.Now())
	if err != nil {
		if f.RequestID != "" {
			s.enqueue(errorFrame{Status: "error", RequestID: f.RequestID, Error: errorReason(err)})
			return true
		}
		s.enqueue(errorFrame{Status: "error", Error: errorReason(err)})
		return false
	}

	completed := s.dispatch(ctx, req)
	result, resultErr := completed.Result()
	if resultErr != nil {
		s.enqueue(errorFrame{Status: "error", RequestID: req.ID, Error: errorReason(resultErr)})
		return true
	}

	switch req.Kind {
	case request.KindSubscribe:
		if s.notifier != nil {
			s.notifier.BindSession(req.CallbackID, s)
		}
		if s.registry != nil {
			s.registry.Bind(req.CallbackID, s)
			s.ownedMu.Lock()
			s.owned = append(s.owned, req.CallbackID)
			s.ownedMu.Unlock()
		}
	case request.KindUnsubscribe:
		if s.registry != nil {
			s.registry.Unbind(req.CallbackID)
		}
	}
	s.enqueue(successFrame{Status: "success", RequestID: req.ID, Result: decodeResult(req, result)})
	return true
}

func (s *Session) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		s.drain()
		select {
		case <-ctx.Done():
			s.drain()
			return
		case <-s.wake:
		case <-ticker.C:
		}
	}
}

func (s *Session) drain() {
	for !s.outbound.IsEmpty() {
		line, err := s.outbound.Dequeue()
		if err != nil {
			return
		}
		if _, err := s.conn.Write(line); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.WithError(err).WithField("session", s.id).Debug("ipc: write failed, session likely closed")
			}
			return
		}
	}
}

// errorReason renders err as the exact §7 taxonomy string the client
// expects in a response frame's "error" field — never a free-form
// message; the full cause is only ever logged, not sent over IPC.
func errorReason(err error) string {
	return string(bleerr.ReasonOf(err))
}

func splitCharKey(key string) (string, string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:]
		}
	}
	return "", key
}
