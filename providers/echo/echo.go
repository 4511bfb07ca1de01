// Package echo implements an in-memory loopback channel provider. Bytes sent
// on a channel are queued for Recv on the same channel and announced to the
// guest with an EventRecv.
//
// Example:
//
//	b := hostchannel.New()
//	_ = b.Register("echo", echo.New())
package echo

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"sync"

	hostchannel "github.com/ggoodman/hostchannel-go"
)

// ControlPending reports the number of queued bytes as a little-endian uint32.
const ControlPending = hostchannel.ControlUser

// ErrDetached is returned by Send on a channel that has been detached.
var ErrDetached = errors.New("echo: channel detached")

// Provider is the echo channel provider.
type Provider struct {
	log *slog.Logger

	mu       sync.Mutex
	channels map[*Channel]struct{}
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the provider logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.log = l
		}
	}
}

// New creates an echo provider.
func New(opts ...Option) *Provider {
	p := &Provider{log: slog.Default(), channels: make(map[*Channel]struct{})}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var _ hostchannel.Provider = (*Provider)(nil)

// Attach opens a new loopback channel.
func (p *Provider) Attach(ctx context.Context, flags uint32, cb hostchannel.Callbacks) (hostchannel.Channel, error) {
	ch := &Channel{p: p, cb: cb}
	p.mu.Lock()
	p.channels[ch] = struct{}{}
	n := len(p.channels)
	p.mu.Unlock()
	p.log.DebugContext(ctx, "echo.attach.ok", slog.Int("channels", n))
	return ch, nil
}

// Control answers ControlExists with a single byte 1 and ControlPending with
// the number of open channels.
func (p *Provider) Control(ctx context.Context, code uint32, parm []byte, out []byte) (int, error) {
	switch code {
	case hostchannel.ControlExists:
		return putByte(out, 1), nil
	case ControlPending:
		p.mu.Lock()
		n := len(p.channels)
		p.mu.Unlock()
		return putUint32(out, uint32(n)), nil
	}
	return 0, nil
}

// Channel is one loopback channel.
type Channel struct {
	p  *Provider
	cb hostchannel.Callbacks

	mu       sync.Mutex
	buf      []byte
	detached bool
}

var _ hostchannel.Channel = (*Channel)(nil)

// Detach drops queued data and releases the callbacks.
func (c *Channel) Detach(ctx context.Context) {
	c.mu.Lock()
	if c.detached {
		c.mu.Unlock()
		return
	}
	c.detached = true
	dropped := len(c.buf)
	c.buf = nil
	c.mu.Unlock()

	c.p.mu.Lock()
	delete(c.p.channels, c)
	c.p.mu.Unlock()

	c.cb.Deleted(c)
	c.p.log.DebugContext(ctx, "echo.detach.ok", slog.Int("dropped_bytes", dropped))
}

// Send queues data and reports EventRecv with the total queued length.
func (c *Channel) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	if c.detached {
		c.mu.Unlock()
		return ErrDetached
	}
	c.buf = append(c.buf, data...)
	avail := uint32(len(c.buf))
	c.mu.Unlock()

	c.cb.Event(c, hostchannel.EventRecv, hostchannel.RecvEventPayload(avail))
	return nil
}

// Recv drains up to len(buf) queued bytes.
func (c *Channel) Recv(ctx context.Context, buf []byte) (int, uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := copy(buf, c.buf)
	c.buf = c.buf[n:]
	if len(c.buf) == 0 {
		c.buf = nil
	}
	return n, uint32(len(c.buf)), nil
}

// Control answers ControlExists with a single byte 1 and ControlPending with
// the number of queued bytes.
func (c *Channel) Control(ctx context.Context, code uint32, parm []byte, out []byte) (int, error) {
	switch code {
	case hostchannel.ControlExists:
		return putByte(out, 1), nil
	case ControlPending:
		c.mu.Lock()
		n := len(c.buf)
		c.mu.Unlock()
		return putUint32(out, uint32(n)), nil
	}
	return 0, nil
}

func putByte(out []byte, v byte) int {
	if len(out) == 0 {
		return 0
	}
	out[0] = v
	return 1
}

func putUint32(out []byte, v uint32) int {
	if len(out) < 4 {
		return 0
	}
	binary.LittleEndian.PutUint32(out, v)
	return 4
}
