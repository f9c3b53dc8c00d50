package client

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luma/knownothing/protocol"
)

// MaxResponseSize bounds the bytes read for a single response.
const MaxResponseSize = 64 << 20

var ErrNotConnected = errors.New("Client is not connected")

// Conn is a blocking Know Nothing client. Requests on one Conn are
// serialised, the protocol has no request ids so responses are matched to
// requests by order.
type Conn struct {
	mu   sync.Mutex
	conn net.Conn

	log *zap.Logger
}

func New(log *zap.Logger) *Conn {
	if log == nil {
		log = zap.NewNop()
	}

	return &Conn{log: log}
}

func (c *Conn) Connect(ctx context.Context, addr string) error {
	var dialer net.Dialer

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.log.Debug("Connected", zap.String("addr", addr))

	return nil
}

func (c *Conn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	err := c.conn.Close()
	c.conn = nil

	return err
}

// Get returns the value of key. A missing key is a *protocol.StatusError with
// a CLIENT_ERROR status.
func (c *Conn) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := c.Do(ctx, protocol.NewReadRequest(key))
	if err != nil {
		return nil, err
	}

	if err := resp.ErrorOrNil(); err != nil {
		return nil, err
	}

	return resp.Payload, nil
}

func (c *Conn) Set(ctx context.Context, key string, value []byte) error {
	resp, err := c.Do(ctx, protocol.NewWriteRequest(key, value))
	if err != nil {
		return err
	}

	return resp.ErrorOrNil()
}

// Do sends req and waits for its response. Non-OK responses are returned as
// is, err is only set when the exchange itself failed. Cancelling ctx aborts
// the exchange and leaves the connection unusable.
func (c *Conn) Do(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	if err := protocol.ValidateKey(req.Key); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, ErrNotConnected
	}

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := protocol.WriteRequest(c.conn, req); err != nil {
		return nil, c.contextErr(ctx, err)
	}

	resp, err := protocol.ReadResponse(io.LimitReader(c.conn, MaxResponseSize))
	if err != nil {
		return nil, c.contextErr(ctx, err)
	}

	c.log.Debug("Exchanged",
		zap.Stringer("request", req),
		zap.Stringer("status", resp.Status))

	return resp, nil
}

// contextErr prefers the context error when the deadline was ours.
func (c *Conn) contextErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	// The socket deadline can fire just before the context timer does
	if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
		return context.DeadlineExceeded
	}

	return err
}
