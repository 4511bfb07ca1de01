package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	hostchannel "github.com/ggoodman/hostchannel-go"
	"github.com/ggoodman/hostchannel-go/internal/jsonrpc"
	"github.com/ggoodman/hostchannel-go/internal/logctx"
)

const defaultMaxMessageSize = 4 << 20

// ErrAlreadyServed is returned by a second call to Serve.
var ErrAlreadyServed = errors.New("stdio: handler already served")

var (
	errMissingParams    = errors.New("missing params")
	errWaitNotification = errors.New("event/wait must be a request")
)

// Handler is a single-connection transport that reads JSON-RPC requests from
// an io.Reader and writes responses to an io.Writer. By default, it uses
// os.Stdin and os.Stdout. The peer is connected to the broker as one guest
// client for the lifetime of Serve.
type Handler struct {
	b        *hostchannel.Broker
	clientID uint32

	r              io.Reader
	w              io.Writer
	l              *slog.Logger
	maxMessageSize int

	served atomic.Bool

	wmu    sync.Mutex
	closed bool // guarded by wmu; set once the client is gone
}

// NewHandler constructs a Handler that connects to b as clientID.
func NewHandler(b *hostchannel.Broker, clientID uint32, opts ...Option) *Handler {
	h := &Handler{
		b:              b,
		clientID:       clientID,
		r:              os.Stdin,
		w:              os.Stdout,
		l:              slog.Default(),
		maxMessageSize: defaultMaxMessageSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Serve runs the read-dispatch loop until EOF on the reader or the context is
// canceled. EOF returns nil. Either way the guest client is disconnected
// before Serve returns, which answers a pending event/wait with
// EventCancelled. Serve may be called at most once per Handler.
func (h *Handler) Serve(ctx context.Context) error {
	if !h.served.CompareAndSwap(false, true) {
		return ErrAlreadyServed
	}

	c, err := h.b.Connect(ctx, h.clientID)
	if err != nil {
		return fmt.Errorf("stdio connect: %w", err)
	}
	defer func() {
		c.Disconnect(context.WithoutCancel(ctx))
		h.wmu.Lock()
		h.closed = true
		h.wmu.Unlock()
	}()

	done := make(chan struct{})
	defer close(done)
	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(h.r)
		sc.Buffer(make([]byte, 0, 64<<10), h.maxMessageSize)
		for sc.Scan() {
			line := bytes.Clone(sc.Bytes())
			select {
			case lines <- line:
			case <-done:
				return
			}
		}
		readErr <- sc.Err()
	}()

	h.l.InfoContext(ctx, "stdio.serve.start", slog.Uint64("client_id", uint64(h.clientID)))
	for {
		select {
		case <-ctx.Done():
			h.l.InfoContext(ctx, "stdio.serve.cancelled")
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				if err := <-readErr; err != nil {
					h.l.ErrorContext(ctx, "stdio.read.fail", slog.String("err", err.Error()))
					return fmt.Errorf("stdio read: %w", err)
				}
				h.l.InfoContext(ctx, "stdio.serve.eof")
				return nil
			}
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			h.handleLine(ctx, c, line)
		}
	}
}

func (h *Handler) handleLine(ctx context.Context, c *hostchannel.Client, line []byte) {
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		h.l.WarnContext(ctx, "stdio.message.invalid", slog.String("err", err.Error()))
		h.write(ctx, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, err.Error(), nil))
		return
	}

	typ := msg.Type()
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String(), Type: typ})
	if typ == "response" {
		h.l.DebugContext(ctx, "stdio.response.ignored")
		return
	}

	req := msg.AsRequest()
	res, err := h.dispatch(ctx, c, req)
	if req.ID.IsNil() {
		// Notifications get no response, not even an error.
		if err != nil {
			h.l.InfoContext(ctx, "stdio.notification.fail", slog.String("err", err.Error()))
		}
		return
	}
	if err != nil {
		h.writeError(ctx, req.ID, err)
		return
	}
	if res == nil {
		// Answered later from a wait completion.
		return
	}
	h.writeResult(ctx, req.ID, res)
}

func (h *Handler) writeResult(ctx context.Context, id *jsonrpc.RequestID, res any) {
	resp, err := jsonrpc.NewResultResponse(id, res)
	if err != nil {
		h.l.ErrorContext(ctx, "stdio.result.marshal_fail", slog.String("err", err.Error()))
		resp = jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	h.write(ctx, resp)
}

func (h *Handler) writeError(ctx context.Context, id *jsonrpc.RequestID, err error) {
	code := errorCode(err)
	h.l.InfoContext(ctx, "stdio.request.fail", slog.Int("code", int(code)), slog.String("err", err.Error()))
	h.write(ctx, jsonrpc.NewErrorResponse(id, code, err.Error(), nil))
}

// write serializes one message per line. Wait completions call it from
// provider goroutines, hence the mutex.
func (h *Handler) write(ctx context.Context, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		h.l.ErrorContext(ctx, "stdio.write.marshal_fail", slog.String("err", err.Error()))
		return
	}
	b = append(b, '\n')

	h.wmu.Lock()
	defer h.wmu.Unlock()
	if h.closed {
		h.l.DebugContext(ctx, "stdio.write.dropped")
		return
	}
	if _, err := h.w.Write(b); err != nil {
		h.l.WarnContext(ctx, "stdio.write.fail", slog.String("err", err.Error()))
	}
}

// errInvalidParams marks malformed request parameters.
type errInvalidParams struct{ err error }

func (e errInvalidParams) Error() string { return "invalid params: " + e.err.Error() }
func (e errInvalidParams) Unwrap() error { return e.err }

// errMethodNotFound is returned for unknown methods.
type errMethodNotFound string

func (e errMethodNotFound) Error() string { return fmt.Sprintf("method not found: %s", string(e)) }

func errorCode(err error) jsonrpc.ErrorCode {
	var ip errInvalidParams
	var mnf errMethodNotFound
	switch {
	case errors.As(err, &ip), errors.Is(err, hostchannel.ErrInvalidArgument):
		return jsonrpc.ErrorCodeInvalidParams
	case errors.As(err, &mnf):
		return jsonrpc.ErrorCodeMethodNotFound
	case errors.Is(err, hostchannel.ErrProviderNotFound):
		return jsonrpc.ErrorCodeProviderNotFound
	case errors.Is(err, hostchannel.ErrInvalidHandle):
		return jsonrpc.ErrorCodeInvalidHandle
	case errors.Is(err, hostchannel.ErrResourceExhausted):
		return jsonrpc.ErrorCodeResourceExhausted
	case errors.Is(err, hostchannel.ErrBufferTooLarge):
		return jsonrpc.ErrorCodeBufferTooLarge
	case errors.Is(err, hostchannel.ErrDisconnected), errors.Is(err, hostchannel.ErrClosed):
		return jsonrpc.ErrorCodeDisconnected
	default:
		return jsonrpc.ErrorCodeProviderError
	}
}
