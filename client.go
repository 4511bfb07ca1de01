package hostchannel

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ggoodman/hostchannel-go/internal/logctx"
)

// Client is the session of one connected guest. Its methods are meant to be
// called from the guest dispatch goroutine; provider callbacks may run
// concurrently with any of them.
type Client struct {
	b         *Broker
	id        uint32
	handleSrc atomic.Uint32

	// guarded by b.mu
	channels     map[uint32]*instance
	contexts     map[*callbackContext]struct{}
	events       []Event
	wait         Completion
	disconnected bool
}

// ID returns the client id given to Connect.
func (c *Client) ID() uint32 { return c.id }

func (c *Client) logCtx(ctx context.Context) context.Context {
	return clientLogCtx(ctx, c.b.id, c.id)
}

// Attach opens a channel to the named provider and returns its handle.
func (c *Client) Attach(ctx context.Context, name string, flags uint32) (uint32, error) {
	start := time.Now()
	ctx = c.logCtx(ctx)
	log := c.b.log.With(slog.String("provider", name))

	prov, err := c.b.find(name)
	if err != nil {
		log.InfoContext(ctx, "hostchannel.attach.not_found")
		return 0, err
	}
	defer prov.release()

	c.b.mu.Lock()
	if c.disconnected {
		c.b.mu.Unlock()
		return 0, ErrDisconnected
	}
	inst, err := c.createInstanceLocked()
	if err != nil {
		c.b.mu.Unlock()
		log.WarnContext(ctx, "hostchannel.attach.fail", slog.String("err", err.Error()))
		return 0, fmt.Errorf("attach %q: %w", name, err)
	}
	cb := &callbackContext{b: c.b, client: c}
	c.contexts[cb] = struct{}{}
	c.b.mu.Unlock()
	defer inst.release()

	ch, err := prov.impl.Attach(ctx, flags, cb)
	if err != nil {
		cb.remove()
		c.b.detach(ctx, inst)
		log.InfoContext(ctx, "hostchannel.attach.provider_fail", slog.String("err", err.Error()))
		return 0, fmt.Errorf("attach %q: %w", name, err)
	}
	if ch == nil {
		cb.remove()
		c.b.detach(ctx, inst)
		return 0, fmt.Errorf("attach %q: provider returned no channel: %w", name, ErrInvalidArgument)
	}

	c.b.mu.Lock()
	switch {
	case c.disconnected || inst.client == nil:
		err = ErrDisconnected
	case !prov.registered:
		err = fmt.Errorf("%q: %w", name, ErrProviderNotFound)
	}
	if err != nil {
		c.b.mu.Unlock()
		// The provider handed out a channel nobody will own; it is told to
		// drop it and keeps responsibility for its callbacks.
		ch.Detach(ctx)
		c.b.detach(ctx, inst)
		log.InfoContext(ctx, "hostchannel.attach.abandoned", slog.String("err", err.Error()))
		return 0, fmt.Errorf("attach %q: %w", name, err)
	}
	prov.addRef()
	inst.provider = prov
	inst.channel = ch
	inst.active = true
	inst.addRef() // provider set membership
	prov.channels[inst] = struct{}{}
	handle := inst.handle
	c.b.mu.Unlock()

	log.InfoContext(ctx, "hostchannel.attach.ok", slog.Uint64("handle", uint64(handle)), slog.Uint64("flags", uint64(flags)), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return handle, nil
}

// Detach closes the channel identified by handle.
func (c *Client) Detach(ctx context.Context, handle uint32) error {
	ctx = c.logCtx(ctx)
	inst, err := c.acquire(handle)
	if err != nil {
		return err
	}
	c.b.detach(ctx, inst)
	inst.release()
	c.b.log.InfoContext(ctx, "hostchannel.detach.ok", slog.Uint64("handle", uint64(handle)))
	return nil
}

// Send forwards data to the channel's provider. If the provider has been
// unregistered the data is discarded and Send succeeds.
func (c *Client) Send(ctx context.Context, handle uint32, data []byte) error {
	ctx = c.logCtx(ctx)
	ctx, ch, done, err := c.channelFor(ctx, handle)
	if err != nil {
		return err
	}
	defer done()
	if ch == nil {
		c.b.log.DebugContext(ctx, "hostchannel.send.provider_gone", slog.Int("bytes", len(data)))
		return nil
	}
	if err := ch.Send(ctx, data); err != nil {
		return fmt.Errorf("send on channel %d: %w", handle, err)
	}
	return nil
}

// Recv reads up to size bytes from the channel. It returns the bytes read
// and the number of bytes the provider still holds.
func (c *Client) Recv(ctx context.Context, handle uint32, size uint32) ([]byte, uint32, error) {
	ctx = c.logCtx(ctx)
	if !c.b.bufferSizeOK(size) {
		return nil, 0, fmt.Errorf("recv on channel %d: %d bytes: %w", handle, size, ErrBufferTooLarge)
	}
	ctx, ch, done, err := c.channelFor(ctx, handle)
	if err != nil {
		return nil, 0, err
	}
	defer done()
	if ch == nil {
		return []byte{}, 0, nil
	}
	buf := make([]byte, size)
	n, remaining, err := ch.Recv(ctx, buf)
	if err != nil {
		return nil, 0, fmt.Errorf("recv on channel %d: %w", handle, err)
	}
	n = clampLen(n, len(buf))
	c.b.log.DebugContext(ctx, "hostchannel.recv.ok", slog.Int("received", n), slog.Uint64("remaining", uint64(remaining)))
	return buf[:n], remaining, nil
}

// Control performs a provider specific exchange on the channel.
func (c *Client) Control(ctx context.Context, handle uint32, code uint32, parm []byte, size uint32) ([]byte, error) {
	ctx = c.logCtx(ctx)
	if !c.b.bufferSizeOK(size) {
		return nil, fmt.Errorf("control on channel %d: %d bytes: %w", handle, size, ErrBufferTooLarge)
	}
	ctx, ch, done, err := c.channelFor(ctx, handle)
	if err != nil {
		return nil, err
	}
	defer done()
	if ch == nil {
		return []byte{}, nil
	}
	out := make([]byte, size)
	n, err := ch.Control(ctx, code, parm, out)
	if err != nil {
		return nil, fmt.Errorf("control %d on channel %d: %w", code, handle, err)
	}
	return out[:clampLen(n, len(out))], nil
}

// Query is Broker.Query on behalf of this client.
func (c *Client) Query(ctx context.Context, name string, code uint32, parm []byte, size uint32) ([]byte, error) {
	c.b.mu.Lock()
	gone := c.disconnected
	c.b.mu.Unlock()
	if gone {
		return nil, ErrDisconnected
	}
	return c.b.Query(c.logCtx(ctx), name, code, parm, size)
}

// Disconnect tears the session down. Callback contexts are abandoned first so
// that a provider reporting concurrently drops its event instead of reaching
// the client; then every channel is detached. A pending wait completes with
// EventCancelled. Disconnect is idempotent.
func (c *Client) Disconnect(ctx context.Context) {
	ctx = c.logCtx(ctx)

	c.b.mu.Lock()
	if c.disconnected {
		c.b.mu.Unlock()
		return
	}
	c.disconnected = true
	for cb := range c.contexts {
		cb.client = nil
	}
	c.contexts = make(map[*callbackContext]struct{})
	wait := c.wait
	c.wait = nil
	dropped := len(c.events)
	c.events = nil
	if c.b.clients[c.id] == c {
		delete(c.b.clients, c.id)
	}
	insts := make([]*instance, 0, len(c.channels))
	for _, inst := range c.channels {
		insts = append(insts, inst)
	}
	c.b.mu.Unlock()

	for _, inst := range insts {
		c.b.detach(ctx, inst)
	}
	if wait != nil {
		wait(Event{ID: EventCancelled})
	}
	c.b.log.InfoContext(ctx, "hostchannel.client.disconnected", slog.Int("channels", len(insts)), slog.Int("dropped_events", dropped))
}

// acquire returns the active instance for handle with a reference the caller
// must release.
func (c *Client) acquire(handle uint32) (*instance, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.disconnected {
		return nil, ErrDisconnected
	}
	inst := c.lookupLocked(handle)
	if inst == nil {
		return nil, fmt.Errorf("handle %d: %w", handle, ErrInvalidHandle)
	}
	return inst, nil
}

// channelFor pins the instance and its provider for the duration of a call
// and tags ctx with the channel for logging. A nil channel means the provider
// is gone. done must always be called.
func (c *Client) channelFor(ctx context.Context, handle uint32) (context.Context, Channel, func(), error) {
	c.b.mu.Lock()
	if c.disconnected {
		c.b.mu.Unlock()
		return ctx, nil, nil, ErrDisconnected
	}
	inst := c.lookupLocked(handle)
	if inst == nil {
		c.b.mu.Unlock()
		return ctx, nil, nil, fmt.Errorf("handle %d: %w", handle, ErrInvalidHandle)
	}
	prov := inst.provider
	if prov == nil {
		c.b.mu.Unlock()
		return logctx.WithChannelData(ctx, &logctx.ChannelData{Handle: handle}), nil, inst.release, nil
	}
	prov.addRef()
	ch := inst.channel
	c.b.mu.Unlock()

	ctx = logctx.WithChannelData(ctx, &logctx.ChannelData{Handle: handle, Provider: prov.name})
	return ctx, ch, func() {
		prov.release()
		inst.release()
	}, nil
}
