package hostchannel

import (
	"io"
	"log/slog"
	"sync/atomic"
)

// providerEntry is a registered provider. It is referenced by the registry
// while registered, by every instance linked to it, and transiently by calls
// in flight. The last release destroys it.
type providerEntry struct {
	b    *Broker
	name string
	impl Provider
	refs atomic.Int32

	// guarded by b.mu
	registered bool
	channels   map[*instance]struct{}
}

func (p *providerEntry) addRef() { p.refs.Add(1) }

// release must not be called with b.mu held: destruction may run provider code.
func (p *providerEntry) release() {
	c := p.refs.Add(-1)
	if c < 0 {
		p.b.log.Error("hostchannel.provider.refcount_underflow", slog.String("provider", p.name), slog.Int("refs", int(c)))
		return
	}
	if c == 0 {
		p.destroy()
	}
}

func (p *providerEntry) destroy() {
	p.b.liveProviders.Add(-1)
	if closer, ok := p.impl.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			p.b.log.Warn("hostchannel.provider.close_fail", slog.String("provider", p.name), slog.String("err", err.Error()))
		}
	}
	p.b.log.Debug("hostchannel.provider.destroyed", slog.String("provider", p.name))
}
