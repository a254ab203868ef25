// Package session implements the protocol session multiplexer: it wraps one
// reliable byte-stream connection, reassembles inbound bytes into typed
// packets, correlates responses to in-flight requests by packet id, and
// surfaces packet and termination events to a registered handler.
//
// A session owns a single polling goroutine that drives the chunk buffer
// and the streaming decoder. The in-flight table is the only cross-task
// state and is a concurrent map keyed by request id.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/dantte-lp/gokvd/internal/wire"
)

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

const (
	// DefaultChunkSize bounds a single transport read.
	DefaultChunkSize = 1024

	// DefaultMaxBuffer caps the per-session receive buffer. A peer that
	// pushes more unconsumed bytes than this has the session closed with
	// ErrBufferOverflow.
	DefaultMaxBuffer = 64 << 20 // 64 MiB
)

// -------------------------------------------------------------------------
// Session Errors
// -------------------------------------------------------------------------

// Sentinel errors for session operations.
var (
	// ErrSessionEnded indicates the session terminated; every pending
	// request fails with this error exactly once.
	ErrSessionEnded = errors.New("session ended")

	// ErrIDCollision indicates a freshly allocated request id was already
	// in flight. This is a programmer error and fails fast.
	ErrIDCollision = errors.New("request id already in flight")

	// ErrBufferOverflow indicates the peer overran the receive buffer cap.
	ErrBufferOverflow = errors.New("receive buffer overflow")

	// ErrPeerClosed indicates the remote side closed the transport.
	ErrPeerClosed = errors.New("transport closed by peer")
)

// -------------------------------------------------------------------------
// Options
// -------------------------------------------------------------------------

// Option configures optional Session parameters.
type Option func(*Session)

// WithLogger attaches a logger to the session.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithChunkSize overrides the transport read size.
func WithChunkSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

// WithMaxBuffer overrides the receive buffer cap.
func WithMaxBuffer(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.maxBuffer = n
		}
	}
}

// WithPacketHandler registers the handler fired for every inbound packet.
// For a response packet the matching in-flight call is completed first, so
// the handler always observes request completion before the notification.
func WithPacketHandler(fn func(pkt wire.Packet)) Option {
	return func(s *Session) {
		s.onPacket = fn
	}
}

// WithDecodeErrorHandler registers the handler fired for every decode
// failure. Decode failures do not tear the session down.
func WithDecodeErrorHandler(fn func(err error)) Option {
	return func(s *Session) {
		s.onDecodeError = fn
	}
}

// WithEndedHandler registers the handler fired exactly once when the
// session terminates. The error carries the termination reason; nil means
// a clean local End.
func WithEndedHandler(fn func(err error)) Option {
	return func(s *Session) {
		s.onEnded = fn
	}
}

// -------------------------------------------------------------------------
// Call — in-flight request completion handle
// -------------------------------------------------------------------------

// Call is the completion handle returned by SendRequest. It completes with
// the correlated response, or fails when the session ends or the awaiting
// context is cancelled first. A call reaches exactly one terminal outcome.
type Call struct {
	session *Session
	id      uint32

	once sync.Once
	done chan struct{}
	resp wire.Packet
	err  error
}

// ID returns the request id this call is waiting on.
func (c *Call) ID() uint32 {
	return c.id
}

// Done returns a channel closed once the call has its terminal outcome.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Response returns the terminal outcome. It must only be called after Done
// is closed.
func (c *Call) Response() (wire.Packet, error) {
	return c.resp, c.err
}

// Await blocks until the call completes or ctx is cancelled. Cancellation
// removes the id from the in-flight table and fails the call.
func (c *Call) Await(ctx context.Context) (wire.Packet, error) {
	select {
	case <-c.done:
		return c.resp, c.err
	case <-ctx.Done():
		c.session.inflight.Delete(c.id)
		c.complete(nil, ctx.Err())
		// A response may have raced the cancellation; the first completion
		// wins and is what the caller observes.
		<-c.done
		return c.resp, c.err
	}
}

// complete records the terminal outcome. Only the first caller wins.
func (c *Call) complete(resp wire.Packet, err error) {
	c.once.Do(func() {
		c.resp = resp
		c.err = err
		close(c.done)
	})
}

// -------------------------------------------------------------------------
// Session
// -------------------------------------------------------------------------

// Session multiplexes one transport connection.
type Session struct {
	conn      net.Conn
	logger    *slog.Logger
	chunkSize int
	maxBuffer int

	// buf and latched are owned by the polling goroutine.
	buf     *wire.ChunkBuffer
	latched *wire.Header

	// inflight maps request id -> *Call.
	inflight sync.Map
	nextID   atomic.Uint32

	writeMu sync.Mutex

	ended   atomic.Bool
	endOnce sync.Once

	onPacket      func(pkt wire.Packet)
	onDecodeError func(err error)
	onEnded       func(err error)

	pollOnce sync.Once
	pollDone chan struct{}
}

// New wraps conn in a session. The session is inert until StartPolling;
// packets arriving before polling starts may be lost.
func New(conn net.Conn, opts ...Option) *Session {
	s := &Session{
		conn:      conn,
		logger:    slog.Default(),
		chunkSize: DefaultChunkSize,
		maxBuffer: DefaultMaxBuffer,
		buf:       wire.NewChunkBuffer(),
		pollDone:  make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("remote", conn.RemoteAddr().String()))

	return s
}

// RemoteAddr returns the peer address of the underlying transport.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Ended reports whether the session has terminated.
func (s *Session) Ended() bool {
	return s.ended.Load()
}

// -------------------------------------------------------------------------
// Sending
// -------------------------------------------------------------------------

// SendPacket encodes p and transmits it without waiting for anything to
// come back. Fails if the session has ended or the transport write fails;
// a write failure terminates the session.
func (s *Session) SendPacket(p wire.Packet) error {
	if s.ended.Load() {
		return ErrSessionEnded
	}

	raw := wire.Marshal(p)

	s.writeMu.Lock()
	_, err := s.conn.Write(raw)
	s.writeMu.Unlock()

	if err != nil {
		s.end(fmt.Errorf("write %s: %w", p.Kind(), err))
		return fmt.Errorf("send %s: %w", p.Kind(), err)
	}

	return nil
}

// SendResponse stamps the original request's id onto resp and transmits it.
func (s *Session) SendResponse(req wire.Packet, resp wire.Packet) error {
	resp.SetID(req.ID())
	return s.SendPacket(resp)
}

// SendRequest allocates a fresh nonzero request id, registers a completion
// under it, stamps the id onto p and transmits it. The returned call
// completes when the correlated response arrives, or fails when the session
// ends first. StartPolling must have been called for completions to ever
// fire.
func (s *Session) SendRequest(p wire.Packet) (*Call, error) {
	if s.ended.Load() {
		return nil, ErrSessionEnded
	}

	id := s.nextID.Add(1)
	for id == wire.NoResponseID {
		id = s.nextID.Add(1)
	}

	call := &Call{
		session: s,
		id:      id,
		done:    make(chan struct{}),
	}

	if _, loaded := s.inflight.LoadOrStore(id, call); loaded {
		return nil, fmt.Errorf("send request: id %d: %w", id, ErrIDCollision)
	}

	// The session may have ended between the check above and the insert;
	// the terminator has already swept the table, so sweep ourselves.
	if s.ended.Load() {
		s.inflight.Delete(id)
		call.complete(nil, ErrSessionEnded)
		return nil, ErrSessionEnded
	}

	p.SetID(id)
	if err := s.SendPacket(p); err != nil {
		s.inflight.Delete(id)
		call.complete(nil, err)
		return nil, err
	}

	return call, nil
}

// Request is the convenience form of SendRequest + Await.
func (s *Session) Request(ctx context.Context, p wire.Packet) (wire.Packet, error) {
	call, err := s.SendRequest(p)
	if err != nil {
		return nil, err
	}
	return call.Await(ctx)
}

// -------------------------------------------------------------------------
// Polling
// -------------------------------------------------------------------------

// StartPolling launches the goroutine that consumes the transport. It is
// idempotent; only the first call starts the loop.
func (s *Session) StartPolling() {
	s.pollOnce.Do(func() {
		go s.pollLoop()
	})
}

// pollLoop reads transport chunks, feeds the chunk buffer, and drives the
// streaming decoder until the session ends. The loop owns the chunk buffer
// and the header latch; they are discarded on exit.
func (s *Session) pollLoop() {
	defer func() {
		s.buf.Reset()
		s.latched = nil
		close(s.pollDone)
	}()

	for {
		chunk := make([]byte, s.chunkSize)
		n, err := s.conn.Read(chunk)
		if n > 0 {
			s.buf.Append(chunk[:n])

			if s.buf.Len() > s.maxBuffer {
				s.logger.Warn("receive buffer overflow",
					slog.Int("buffered", s.buf.Len()),
					slog.Int("cap", s.maxBuffer),
				)
				s.end(ErrBufferOverflow)
				return
			}

			s.drainBuffer()
		}
		if err != nil {
			if s.ended.Load() {
				// Local End closed the conn out from under the read.
				s.end(nil)
				return
			}
			if errors.Is(err, io.EOF) {
				s.end(ErrPeerClosed)
			} else {
				s.end(fmt.Errorf("transport read: %w", err))
			}
			return
		}
	}
}

// drainBuffer decodes as many packets as the buffered bytes allow. A decode
// failure clears the header latch and is surfaced through the decode-error
// handler; the session keeps running.
func (s *Session) drainBuffer() {
	for {
		if s.latched == nil {
			if s.buf.Len() < wire.HeaderSize {
				return
			}
			raw, err := s.buf.RemoveFirst(wire.HeaderSize)
			if err != nil {
				return
			}

			hdr, err := wire.DecodeHeader(raw)
			if err != nil {
				s.decodeError(err)
				continue
			}
			if int64(hdr.PayloadLen) > int64(s.maxBuffer) {
				// The payload can never fit under the buffer cap.
				s.decodeError(fmt.Errorf("declared payload of %d bytes: %w",
					hdr.PayloadLen, ErrBufferOverflow))
				s.end(ErrBufferOverflow)
				return
			}
			s.latched = &hdr
		}

		if s.buf.Len() < int(s.latched.PayloadLen) {
			return
		}

		var payload []byte
		if s.latched.PayloadLen > 0 {
			var err error
			payload, err = s.buf.RemoveFirst(int(s.latched.PayloadLen))
			if err != nil {
				return
			}
		}

		hdr := *s.latched
		s.latched = nil

		pkt, err := wire.Unmarshal(hdr, payload)
		if err != nil {
			s.decodeError(err)
			continue
		}

		s.dispatch(pkt)
	}
}

// dispatch routes one decoded packet: responses complete their in-flight
// call first, then the packet event fires. A response with no matching
// request is logged and dropped.
func (s *Session) dispatch(pkt wire.Packet) {
	if pkt.Kind().IsResponse() && pkt.ID() != wire.NoResponseID {
		entry, ok := s.inflight.LoadAndDelete(pkt.ID())
		if !ok {
			s.logger.Warn("response without in-flight request",
				slog.String("type", pkt.Kind().String()),
				slog.Uint64("id", uint64(pkt.ID())),
			)
			return
		}
		entry.(*Call).complete(pkt, nil)
	}

	if s.onPacket != nil {
		s.onPacket(pkt)
	}
}

// decodeError surfaces one malformed-input event.
func (s *Session) decodeError(err error) {
	s.logger.Warn("decode error", slog.String("error", err.Error()))
	if s.onDecodeError != nil {
		s.onDecodeError(err)
	}
}

// -------------------------------------------------------------------------
// Termination
// -------------------------------------------------------------------------

// End terminates the session: the transport is closed, buffers are
// discarded, and every pending call fails with ErrSessionEnded. End is
// idempotent.
func (s *Session) End() {
	s.end(nil)
}

// end performs the one-shot teardown. reason nil means a clean local End.
func (s *Session) end(reason error) {
	s.endOnce.Do(func() {
		s.ended.Store(true)
		// Closing the transport unblocks the polling goroutine, which then
		// discards the chunk buffer it owns.
		_ = s.conn.Close()

		s.inflight.Range(func(key, value any) bool {
			s.inflight.Delete(key)
			value.(*Call).complete(nil, ErrSessionEnded)
			return true
		})

		if reason != nil {
			s.logger.Info("session ended", slog.String("reason", reason.Error()))
		} else {
			s.logger.Debug("session ended")
		}

		if s.onEnded != nil {
			s.onEnded(reason)
		}
	})
}
