// Package server implements the protocol orchestrator: it accepts
// connections, tracks per-session authentication, routes request packets to
// the store, and answers through the session layer.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	kvmetrics "github.com/dantte-lp/gokvd/internal/metrics"
	"github.com/dantte-lp/gokvd/internal/netio"
	"github.com/dantte-lp/gokvd/internal/session"
	"github.com/dantte-lp/gokvd/internal/store"
	"github.com/dantte-lp/gokvd/internal/wire"
)

// -------------------------------------------------------------------------
// Options
// -------------------------------------------------------------------------

// Option configures optional Server parameters.
type Option func(*Server)

// WithMetrics attaches a metrics collector. Without it the server runs
// unobserved.
func WithMetrics(c *kvmetrics.Collector) Option {
	return func(s *Server) {
		if c != nil {
			s.metrics = c
		}
	}
}

// WithMaxSessionBuffer overrides the per-session receive buffer cap.
func WithMaxSessionBuffer(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBuffer = n
		}
	}
}

// -------------------------------------------------------------------------
// Server
// -------------------------------------------------------------------------

// sessionState is the per-session protocol state owned by the server.
type sessionState struct {
	authenticated atomic.Bool
}

// Server owns the listener-facing side of the daemon: the shared secret,
// the concurrent store, and the table of live sessions.
type Server struct {
	secret  string
	store   *store.Store
	logger  *slog.Logger
	metrics *kvmetrics.Collector

	maxBuffer int

	// sessions maps *session.Session -> *sessionState. Packet handlers for
	// one session may run concurrently, so the table is a concurrent map.
	sessions sync.Map
}

// New constructs a Server over the given store and shared secret.
func New(st *store.Store, secret string, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		secret:    secret,
		store:     st,
		logger:    logger.With(slog.String("component", "server")),
		maxBuffer: session.DefaultMaxBuffer,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Serve accepts sessions on ln until ctx is cancelled, then ends every
// live session and returns. Transport failures terminate their session,
// never the server.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	// Cancellation unblocks Accept by closing the listener.
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.logger.Info("accepting sessions", slog.String("addr", ln.Addr().String()))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			s.endAll()
			return err
		}

		s.accept(ctx, netio.Tune(conn))
	}

	s.endAll()
	return nil
}

// accept wires one fresh connection into a polling session.
func (s *Server) accept(ctx context.Context, conn net.Conn) {
	state := &sessionState{}

	var sess *session.Session
	sess = session.New(conn,
		session.WithLogger(s.logger),
		session.WithMaxBuffer(s.maxBuffer),
		session.WithPacketHandler(func(pkt wire.Packet) {
			// Requests are served off the polling goroutine so a slow
			// store operation cannot stall decoding, and responses may
			// legitimately leave out of order.
			go s.handlePacket(ctx, sess, state, pkt)
		}),
		session.WithDecodeErrorHandler(func(err error) {
			if s.metrics != nil {
				s.metrics.DecodeErrors.Inc()
			}
		}),
		session.WithEndedHandler(func(err error) {
			s.sessions.Delete(sess)
			if s.metrics != nil {
				s.metrics.Sessions.Dec()
			}
		}),
	)

	s.sessions.Store(sess, state)
	if s.metrics != nil {
		s.metrics.Sessions.Inc()
	}
	s.logger.Info("session accepted", slog.String("remote", conn.RemoteAddr().String()))

	sess.StartPolling()
}

// endAll terminates every live session; their in-flight requests fail with
// session-ended on the client side.
func (s *Server) endAll() {
	s.sessions.Range(func(key, _ any) bool {
		key.(*session.Session).End()
		return true
	})
}

// -------------------------------------------------------------------------
// Dispatch
// -------------------------------------------------------------------------

// handlePacket routes one inbound packet for an accepted session.
func (s *Server) handlePacket(ctx context.Context, sess *session.Session, state *sessionState, pkt wire.Packet) {
	if s.metrics != nil {
		s.metrics.PacketsReceived.WithLabelValues(pkt.Kind().String()).Inc()
	}

	switch req := pkt.(type) {
	case *wire.AuthRequest:
		s.handleAuth(sess, state, req)
	case *wire.DataRequest:
		s.handleFind(ctx, sess, state, req)
	case *wire.DataAdditionRequest:
		s.handleAdd(ctx, sess, state, req)
	case *wire.DataRemovalRequest:
		s.handleRemove(ctx, sess, state, req)
	default:
		// A client pushing response packets at the server is out of
		// protocol; drop with a diagnostic.
		s.logger.Warn("unexpected packet",
			slog.String("type", pkt.Kind().String()),
			slog.String("remote", sess.RemoteAddr().String()),
		)
	}
}

// handleAuth checks the presented key against the shared secret.
func (s *Server) handleAuth(sess *session.Session, state *sessionState, req *wire.AuthRequest) {
	if subtle.ConstantTimeCompare([]byte(req.APIKey), []byte(s.secret)) == 1 {
		state.authenticated.Store(true)
		s.respond(sess, req, &wire.AuthResponse{Status: wire.StatusSuccess})
		return
	}

	if s.metrics != nil {
		s.metrics.AuthFailures.Inc()
	}
	s.logger.Warn("authentication rejected", slog.String("remote", sess.RemoteAddr().String()))
	s.respond(sess, req, &wire.AuthResponse{
		Status: wire.StatusFailure,
		Err:    wire.ErrCodeAuthRequired,
	})
}

// handleFind serves a lookup.
func (s *Server) handleFind(ctx context.Context, sess *session.Session, state *sessionState, req *wire.DataRequest) {
	if !state.authenticated.Load() {
		s.countOp(kvmetrics.OpFind, kvmetrics.OutcomeAuthRequired)
		s.respond(sess, req, &wire.DataResponse{
			Status: wire.StatusFailure,
			Err:    wire.ErrCodeAuthRequired,
		})
		return
	}

	start := time.Now()
	val, found, err := s.store.Find(ctx, req.Key)
	s.observeOp(kvmetrics.OpFind, start)

	switch {
	case err != nil:
		s.countOp(kvmetrics.OpFind, kvmetrics.OutcomeError)
		s.logger.Error("find failed", slog.String("key", req.Key), slog.String("error", err.Error()))
		s.respond(sess, req, &wire.DataResponse{
			Status: wire.StatusFailure,
			Err:    wire.ErrCodeUnexpected,
		})
	case !found:
		s.countOp(kvmetrics.OpFind, kvmetrics.OutcomeNotFound)
		s.respond(sess, req, &wire.DataResponse{
			Status: wire.StatusFailure,
			Err:    wire.ErrCodeKeyNotFound,
		})
	default:
		s.countOp(kvmetrics.OpFind, kvmetrics.OutcomeSuccess)
		s.respond(sess, req, &wire.DataResponse{
			Status: wire.StatusSuccess,
			Value:  val,
		})
	}
}

// handleAdd serves an insert-or-replace.
func (s *Server) handleAdd(ctx context.Context, sess *session.Session, state *sessionState, req *wire.DataAdditionRequest) {
	if !state.authenticated.Load() {
		s.countOp(kvmetrics.OpAdd, kvmetrics.OutcomeAuthRequired)
		s.respond(sess, req, &wire.DataAdditionResponse{
			Status: wire.StatusFailure,
			Err:    wire.ErrCodeAuthRequired,
		})
		return
	}

	start := time.Now()
	err := s.store.Add(ctx, req.Key, req.Value)
	s.observeOp(kvmetrics.OpAdd, start)

	if err != nil {
		s.countOp(kvmetrics.OpAdd, kvmetrics.OutcomeError)
		s.logger.Error("add failed", slog.String("key", req.Key), slog.String("error", err.Error()))
		s.respond(sess, req, &wire.DataAdditionResponse{
			Status: wire.StatusFailure,
			Err:    wire.ErrCodeUnexpected,
		})
		return
	}

	s.countOp(kvmetrics.OpAdd, kvmetrics.OutcomeSuccess)
	s.trackKeys()
	s.respond(sess, req, &wire.DataAdditionResponse{Status: wire.StatusSuccess})
}

// handleRemove serves a removal. Removing an absent key succeeds.
func (s *Server) handleRemove(ctx context.Context, sess *session.Session, state *sessionState, req *wire.DataRemovalRequest) {
	if !state.authenticated.Load() {
		s.countOp(kvmetrics.OpRemove, kvmetrics.OutcomeAuthRequired)
		s.respond(sess, req, &wire.DataRemovalResponse{
			Status: wire.StatusFailure,
			Err:    wire.ErrCodeAuthRequired,
		})
		return
	}

	start := time.Now()
	err := s.store.Remove(ctx, req.Key)
	s.observeOp(kvmetrics.OpRemove, start)

	if err != nil {
		s.countOp(kvmetrics.OpRemove, kvmetrics.OutcomeError)
		s.logger.Error("remove failed", slog.String("key", req.Key), slog.String("error", err.Error()))
		s.respond(sess, req, &wire.DataRemovalResponse{
			Status: wire.StatusFailure,
			Err:    wire.ErrCodeUnexpected,
		})
		return
	}

	s.countOp(kvmetrics.OpRemove, kvmetrics.OutcomeSuccess)
	s.trackKeys()
	s.respond(sess, req, &wire.DataRemovalResponse{Status: wire.StatusSuccess})
}

// respond sends resp correlated to req. A failed write has already ended
// the session; nothing to do beyond the diagnostic.
func (s *Server) respond(sess *session.Session, req wire.Packet, resp wire.Packet) {
	if err := sess.SendResponse(req, resp); err != nil {
		s.logger.Debug("response not delivered",
			slog.String("type", resp.Kind().String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if s.metrics != nil {
		s.metrics.PacketsSent.WithLabelValues(resp.Kind().String()).Inc()
	}
}

// countOp bumps the operation counter.
func (s *Server) countOp(op, outcome string) {
	if s.metrics != nil {
		s.metrics.Operations.WithLabelValues(op, outcome).Inc()
	}
}

// observeOp records the operation latency.
func (s *Server) observeOp(op string, start time.Time) {
	if s.metrics != nil {
		s.metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// trackKeys refreshes the stored-keys gauge after a mutation.
func (s *Server) trackKeys() {
	if s.metrics != nil {
		s.metrics.StoredKeys.Set(float64(s.store.Len()))
	}
}
