// Package client is the library side of the protocol: it dials the daemon,
// performs the authentication handshake, and wraps the three store
// operations in typed calls.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dantte-lp/gokvd/internal/netio"
	"github.com/dantte-lp/gokvd/internal/session"
	"github.com/dantte-lp/gokvd/internal/wire"
)

// -------------------------------------------------------------------------
// Client Errors
// -------------------------------------------------------------------------

// Sentinel errors for client operations.
var (
	// ErrAuthRequired indicates the daemon rejected the operation or the
	// handshake for missing or wrong credentials.
	ErrAuthRequired = errors.New("authentication required")

	// ErrKeyNotFound indicates a lookup missed.
	ErrKeyNotFound = errors.New("key not found")

	// ErrServerFault indicates the daemon answered with an unexpected
	// error; this signals a server-side bug.
	ErrServerFault = errors.New("server reported an unexpected error")

	// ErrBadResponse indicates the daemon answered a request with a
	// response of the wrong kind.
	ErrBadResponse = errors.New("response kind does not match request")
)

// respErr maps a wire error code onto the matching sentinel.
func respErr(code wire.ErrorCode) error {
	switch code {
	case wire.ErrCodeAuthRequired:
		return ErrAuthRequired
	case wire.ErrCodeKeyNotFound:
		return ErrKeyNotFound
	default:
		return fmt.Errorf("%w (code %s)", ErrServerFault, code)
	}
}

// -------------------------------------------------------------------------
// Options
// -------------------------------------------------------------------------

// dialMaxElapsed bounds the exponential dial retry by default.
const dialMaxElapsed = 10 * time.Second

// Option configures optional Client parameters.
type Option func(*options)

type options struct {
	logger      *slog.Logger
	dialElapsed time.Duration
}

// WithLogger attaches a logger to the client and its session.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithDialRetryWindow overrides how long Connect keeps retrying the dial.
func WithDialRetryWindow(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.dialElapsed = d
		}
	}
}

// -------------------------------------------------------------------------
// Client
// -------------------------------------------------------------------------

// Client is an authenticated connection to the daemon. It is safe for
// concurrent use; requests are correlated by id, not by ordering.
type Client struct {
	sess   *session.Session
	logger *slog.Logger
}

// Connect dials addr (host:port) with exponential retry, starts the
// session, and authenticates with apiKey. A failed handshake closes the
// connection and reports why.
func Connect(ctx context.Context, addr, apiKey string, opts ...Option) (*Client, error) {
	o := &options{
		logger:      slog.Default(),
		dialElapsed: dialMaxElapsed,
	}
	for _, opt := range opts {
		opt(o)
	}

	conn, err := dial(ctx, addr, o.dialElapsed)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}

	c := &Client{
		sess:   session.New(netio.Tune(conn), session.WithLogger(o.logger)),
		logger: o.logger.With(slog.String("component", "client")),
	}
	c.sess.StartPolling()

	if err := c.authenticate(ctx, apiKey); err != nil {
		c.sess.End()
		return nil, err
	}

	c.logger.Debug("connected", slog.String("addr", addr))
	return c, nil
}

// dial resolves and connects with exponential backoff so a daemon still
// coming up does not fail the first CLI command.
func dial(ctx context.Context, addr string, maxElapsed time.Duration) (net.Conn, error) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxElapsed

	var dialer net.Dialer
	return backoff.RetryWithData(func() (net.Conn, error) {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, err
		}
		return conn, nil
	}, backoff.WithContext(bo, ctx))
}

// authenticate runs the handshake.
func (c *Client) authenticate(ctx context.Context, apiKey string) error {
	pkt, err := c.sess.Request(ctx, &wire.AuthRequest{APIKey: apiKey})
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	resp, ok := pkt.(*wire.AuthResponse)
	if !ok {
		return fmt.Errorf("authenticate: got %s: %w", pkt.Kind(), ErrBadResponse)
	}
	if !resp.Status.OK() {
		return fmt.Errorf("authenticate: %w", respErr(resp.Err))
	}

	return nil
}

// Close ends the underlying session. Pending requests fail with a
// session-ended error. Close is idempotent.
func (c *Client) Close() {
	c.sess.End()
}

// -------------------------------------------------------------------------
// Operations
// -------------------------------------------------------------------------

// Add stores value under key, replacing any existing value.
func (c *Client) Add(ctx context.Context, key string, value wire.Value) error {
	pkt, err := c.sess.Request(ctx, &wire.DataAdditionRequest{Key: key, Value: value})
	if err != nil {
		return fmt.Errorf("add %q: %w", key, err)
	}

	resp, ok := pkt.(*wire.DataAdditionResponse)
	if !ok {
		return fmt.Errorf("add %q: got %s: %w", key, pkt.Kind(), ErrBadResponse)
	}
	if !resp.Status.OK() {
		return fmt.Errorf("add %q: %w", key, respErr(resp.Err))
	}

	return nil
}

// Find looks key up. A miss reports ErrKeyNotFound.
func (c *Client) Find(ctx context.Context, key string) (wire.Value, error) {
	pkt, err := c.sess.Request(ctx, &wire.DataRequest{Key: key})
	if err != nil {
		return wire.Value{}, fmt.Errorf("find %q: %w", key, err)
	}

	resp, ok := pkt.(*wire.DataResponse)
	if !ok {
		return wire.Value{}, fmt.Errorf("find %q: got %s: %w", key, pkt.Kind(), ErrBadResponse)
	}
	if !resp.Status.OK() {
		return wire.Value{}, fmt.Errorf("find %q: %w", key, respErr(resp.Err))
	}

	return resp.Value, nil
}

// Remove deletes key. Removing an absent key succeeds.
func (c *Client) Remove(ctx context.Context, key string) error {
	pkt, err := c.sess.Request(ctx, &wire.DataRemovalRequest{Key: key})
	if err != nil {
		return fmt.Errorf("remove %q: %w", key, err)
	}

	resp, ok := pkt.(*wire.DataRemovalResponse)
	if !ok {
		return fmt.Errorf("remove %q: got %s: %w", key, pkt.Kind(), ErrBadResponse)
	}
	if !resp.Status.OK() {
		return fmt.Errorf("remove %q: %w", key, respErr(resp.Err))
	}

	return nil
}
