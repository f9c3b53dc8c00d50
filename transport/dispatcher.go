//go:build linux

package transport

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/luma/knownothing/protocol"
	"github.com/luma/knownothing/storage"
)

// Dispatcher is the Handler that executes requests against a Store.
type Dispatcher struct {
	store storage.Store
	log   *zap.Logger
}

func NewDispatcher(store storage.Store, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}

	return &Dispatcher{store: store, log: log}
}

// Exchange answers every complete request buffered in `in`, in order. A
// request that cannot be parsed gets a CLIENT_ERROR and the rest of the
// buffer is discarded, the connection stays usable for the next request.
func (d *Dispatcher) Exchange(c *Conn, in *protocol.Assembler) []byte {
	var out []byte

	for in.HasRemaining() {
		resp, ok := d.next(c, in)
		out = resp.AppendTo(out)

		if !ok {
			in.Reset()
			break
		}
	}

	return out
}

func (d *Dispatcher) next(c *Conn, in *protocol.Assembler) (resp *protocol.Response, ok bool) {
	defer func() {
		if p := recover(); p != nil {
			d.log.Error("Recovered from panic while handling a request",
				zap.Stringer("conn", c),
				zap.Any("panic", p),
				zap.Stack("stack"))

			resp, ok = protocol.ServerError(fmt.Sprintf("Internal error: %v", p)), false
		}
	}()

	req, err := protocol.ParseRequest(in)
	if err != nil {
		d.log.Debug("Rejected malformed request",
			zap.Stringer("conn", c),
			zap.Error(err))

		return protocol.ClientError(err.Error()), false
	}

	return d.Execute(c.Context(), req), true
}

// Execute runs a single parsed request against the store.
func (d *Dispatcher) Execute(ctx context.Context, req *protocol.Request) *protocol.Response {
	switch req.Operation() {
	case protocol.OpWrite:
		if err := d.store.Write(ctx, req.Key, req.Value); err != nil {
			d.log.Warn("Failed to write",
				zap.String("key", req.Key),
				zap.Error(err))

			return protocol.ServerError(fmt.Sprintf("Failed to write key %q: %s", req.Key, err))
		}

		d.log.Debug("Wrote key",
			zap.String("key", req.Key),
			zap.Int("size", len(req.Value)))

		return protocol.OK(protocol.AckPayload)

	default:
		if !d.store.Exists(ctx, req.Key) {
			return protocol.NotFound(req.Key)
		}

		value, err := d.store.Read(ctx, req.Key)
		if errors.Is(err, storage.ErrNotFound) {
			return protocol.NotFound(req.Key)
		}

		if err != nil {
			d.log.Warn("Failed to read",
				zap.String("key", req.Key),
				zap.Error(err))

			return protocol.ServerError(fmt.Sprintf("Failed to read key %q: %s", req.Key, err))
		}

		d.log.Debug("Read key",
			zap.String("key", req.Key),
			zap.Int("size", len(value)))

		return protocol.OK(value)
	}
}

var _ Handler = (*Dispatcher)(nil)
