package providertest

import (
	"context"
	"sync"

	hostchannel "github.com/ggoodman/hostchannel-go"
)

// Fake is a scriptable provider that records every call. Tests drive events
// from any goroutine through the channels it hands out.
type Fake struct {
	mu        sync.Mutex
	attachErr error
	channels  []*FakeChannel
	queries   []uint32
	closes    int

	// OnAttach, when set, runs inside Attach after the channel is created and
	// before it is returned to the broker.
	OnAttach func(ch *FakeChannel)
}

// NewFake returns an empty fake provider.
func NewFake() *Fake { return &Fake{} }

// FailAttach makes subsequent Attach calls fail with err (nil restores success).
func (p *Fake) FailAttach(err error) {
	p.mu.Lock()
	p.attachErr = err
	p.mu.Unlock()
}

// Attach implements hostchannel.Provider.
func (p *Fake) Attach(ctx context.Context, flags uint32, cb hostchannel.Callbacks) (hostchannel.Channel, error) {
	p.mu.Lock()
	if err := p.attachErr; err != nil {
		p.mu.Unlock()
		return nil, err
	}
	ch := &FakeChannel{p: p, Flags: flags, cb: cb}
	p.channels = append(p.channels, ch)
	hook := p.OnAttach
	p.mu.Unlock()

	if hook != nil {
		hook(ch)
	}
	return ch, nil
}

// Control implements the provider-level control. ControlExists answers a
// single byte 1; any other code echoes parm.
func (p *Fake) Control(ctx context.Context, code uint32, parm []byte, out []byte) (int, error) {
	p.mu.Lock()
	p.queries = append(p.queries, code)
	p.mu.Unlock()
	return control(code, parm, out), nil
}

// Close counts destructions; the broker must call it exactly once.
func (p *Fake) Close() error {
	p.mu.Lock()
	p.closes++
	p.mu.Unlock()
	return nil
}

// Closes returns how many times Close was called.
func (p *Fake) Closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

// Queries returns the codes passed to the provider-level Control.
func (p *Fake) Queries() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uint32(nil), p.queries...)
}

// Channels returns every channel handed out so far.
func (p *Fake) Channels() []*FakeChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*FakeChannel(nil), p.channels...)
}

// Last returns the most recently attached channel, or nil.
func (p *Fake) Last() *FakeChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.channels) == 0 {
		return nil
	}
	return p.channels[len(p.channels)-1]
}

// FakeChannel is a channel of a Fake provider.
type FakeChannel struct {
	p     *Fake
	Flags uint32
	cb    hostchannel.Callbacks

	mu       sync.Mutex
	sent     [][]byte
	inbox    []byte
	detaches int
	sendErr  error
}

var _ hostchannel.Channel = (*FakeChannel)(nil)

// Report delivers an event through the broker callbacks, as a provider
// goroutine would.
func (c *FakeChannel) Report(id uint32, payload []byte) {
	c.cb.Event(c, id, payload)
}

// Delete tells the broker the callbacks will not be used again.
func (c *FakeChannel) Delete() {
	c.cb.Deleted(c)
}

// Callbacks exposes the callbacks the broker handed to Attach.
func (c *FakeChannel) Callbacks() hostchannel.Callbacks { return c.cb }

// Queue makes data available to Recv.
func (c *FakeChannel) Queue(data []byte) {
	c.mu.Lock()
	c.inbox = append(c.inbox, data...)
	c.mu.Unlock()
}

// FailSend makes Send return err.
func (c *FakeChannel) FailSend(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

// Sent returns the payloads passed to Send, in order.
func (c *FakeChannel) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

// Detaches returns how many times the broker detached the channel.
func (c *FakeChannel) Detaches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.detaches
}

// Detach implements hostchannel.Channel.
func (c *FakeChannel) Detach(ctx context.Context) {
	c.mu.Lock()
	c.detaches++
	c.mu.Unlock()
}

// Send implements hostchannel.Channel.
func (c *FakeChannel) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

// Recv implements hostchannel.Channel.
func (c *FakeChannel) Recv(ctx context.Context, buf []byte) (int, uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := copy(buf, c.inbox)
	c.inbox = c.inbox[n:]
	return n, uint32(len(c.inbox)), nil
}

// Control implements hostchannel.Channel with the same rules as Fake.Control.
func (c *FakeChannel) Control(ctx context.Context, code uint32, parm []byte, out []byte) (int, error) {
	return control(code, parm, out), nil
}

func control(code uint32, parm []byte, out []byte) int {
	if code == hostchannel.ControlExists {
		if len(out) == 0 {
			return 0
		}
		out[0] = 1
		return 1
	}
	return copy(out, parm)
}
