package hostchannel

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"
)

// handleLimit is the largest handle a client may be given. Tests lower it to
// exercise wraparound.
var handleLimit uint32 = math.MaxUint32

// instance is one channel between a client and a provider.
//
// References: one for membership in the client's channel map, one for
// membership in the provider's channel set, one per call in flight. The
// instance is destroyed when the last one is released.
type instance struct {
	b      *Broker
	handle uint32
	refs   atomic.Int32

	// guarded by b.mu
	client   *Client        // nil once removed from the client's map
	provider *providerEntry // nil until attached and again once unlinked
	channel  Channel
	active   bool // provider attach completed; visible to handle lookups
}

func (i *instance) addRef() { i.refs.Add(1) }

func (i *instance) release() {
	c := i.refs.Add(-1)
	if c < 0 {
		i.b.log.Error("hostchannel.instance.refcount_underflow", slog.Uint64("handle", uint64(i.handle)), slog.Int("refs", int(c)))
		return
	}
	if c == 0 {
		i.b.liveInstances.Add(-1)
		i.b.log.Debug("hostchannel.instance.destroyed", slog.Uint64("handle", uint64(i.handle)))
	}
}

// createInstanceLocked allocates a handle and inserts a new, not yet active,
// instance into the client's map. The returned instance carries a reference
// for the caller in addition to the map's.
func (c *Client) createInstanceLocked() (*instance, error) {
	h, err := c.allocHandleLocked()
	if err != nil {
		return nil, err
	}
	inst := &instance{b: c.b, handle: h, client: c}
	inst.refs.Store(2)
	c.channels[h] = inst
	c.b.liveInstances.Add(1)
	return inst, nil
}

// allocHandleLocked returns a non-zero handle that no channel of the client
// currently uses. The counter may wrap once; a second wrap means every handle
// is taken.
func (c *Client) allocHandleLocked() (uint32, error) {
	wrapped := false
	for {
		h := c.handleSrc.Add(1)
		if h > handleLimit {
			c.handleSrc.Store(0)
			h = 0
		}
		if h == 0 {
			if wrapped {
				return 0, ErrResourceExhausted
			}
			wrapped = true
			continue
		}
		if _, taken := c.channels[h]; !taken {
			return h, nil
		}
	}
}

// lookupLocked returns the active instance for handle with an added reference.
func (c *Client) lookupLocked(handle uint32) *instance {
	inst, ok := c.channels[handle]
	if !ok || !inst.active {
		return nil
	}
	inst.addRef()
	return inst
}

// lookupChannelLocked resolves a provider channel back to the client's instance.
func (c *Client) lookupChannelLocked(ch Channel) *instance {
	if ch == nil {
		return nil
	}
	for _, inst := range c.channels {
		if inst.active && inst.channel == ch {
			return inst
		}
	}
	return nil
}

// detach unlinks the instance from its provider and its client. The provider
// side Detach runs only if this call removed the provider link, so it happens
// at most once however detach, disconnect and unregister interleave.
func (b *Broker) detach(ctx context.Context, inst *instance) {
	b.mu.Lock()
	prov := inst.provider
	ch := inst.channel
	if prov != nil {
		delete(prov.channels, inst)
		inst.provider = nil
	}
	c := inst.client
	if c != nil {
		if c.channels[inst.handle] == inst {
			delete(c.channels, inst.handle)
		}
		inst.client = nil
		inst.active = false
	}
	b.mu.Unlock()

	if prov != nil {
		ch.Detach(ctx)
		prov.release()
		inst.release() // provider set membership
	}
	if c != nil {
		inst.release() // client map membership
	}
	b.log.DebugContext(ctx, "hostchannel.instance.detached", slog.Uint64("handle", uint64(inst.handle)), slog.Bool("provider_detached", prov != nil))
}
