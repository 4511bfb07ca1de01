package hostchannel

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/hostchannel-go/internal/logctx"
	"github.com/google/uuid"
)

const defaultMaxBufferSize = 1 << 20

// Broker ties guest clients to registered channel providers. A single mutex
// guards the provider registry and every client's channels, callback
// contexts, event queue and wait state. Provider code and wait completions
// are always invoked with the mutex released.
type Broker struct {
	mu        sync.Mutex
	providers []*providerEntry // registration order
	clients   map[uint32]*Client
	closed    bool

	log *slog.Logger
	id  string

	allowDuplicates bool
	maxBufferSize   uint32
	maxQueued       int

	liveProviders atomic.Int64
	liveInstances atomic.Int64
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the logger used by the broker.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.log = l
		}
	}
}

// WithDuplicateProviders allows several providers to be registered under the
// same name. The most recent registration wins lookups; Unregister removes
// the most recent one. Duplicates are rejected with ErrAlreadyExists by default.
func WithDuplicateProviders(allow bool) Option {
	return func(b *Broker) { b.allowDuplicates = allow }
}

// WithMaxBufferSize bounds the output buffer a guest may request from Recv,
// Control and Query. Default is 1 MiB.
func WithMaxBufferSize(n uint32) Option {
	return func(b *Broker) {
		if n > 0 {
			b.maxBufferSize = n
		}
	}
}

// WithMaxQueuedEvents bounds the per-client event queue (0 = unbounded).
// Events that arrive while the queue is full are dropped.
func WithMaxQueuedEvents(n int) Option {
	return func(b *Broker) {
		if n >= 0 {
			b.maxQueued = n
		}
	}
}

// New creates an empty broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		clients:       make(map[uint32]*Client),
		log:           slog.Default(),
		id:            uuid.NewString(),
		maxBufferSize: defaultMaxBufferSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.log = b.log.With(slog.String("broker_id", b.id))
	return b
}

// ID returns the process-unique broker id used in logs.
func (b *Broker) ID() string { return b.id }

// Register adds a provider under name.
func (b *Broker) Register(name string, p Provider) error {
	if name == "" || p == nil {
		return fmt.Errorf("register %q: %w", name, ErrInvalidArgument)
	}

	entry := &providerEntry{
		b:        b,
		name:     name,
		impl:     p,
		channels: make(map[*instance]struct{}),
	}
	entry.refs.Store(1) // held by the registry

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if !b.allowDuplicates && b.lookupLocked(name) >= 0 {
		b.mu.Unlock()
		return fmt.Errorf("register %q: %w", name, ErrAlreadyExists)
	}
	entry.registered = true
	b.liveProviders.Add(1)
	b.providers = append(b.providers, entry)
	b.mu.Unlock()

	b.log.Info("hostchannel.provider.registered", slog.String("provider", name))
	return nil
}

// Unregister removes the provider registered under name. Channels still
// attached to it are unlinked: the provider's channel Detach runs once for
// each, and the owning guests receive EventUnregistered. The guest handles
// stay valid until the guest detaches them; calls on them become no-ops.
func (b *Broker) Unregister(ctx context.Context, name string) error {
	b.mu.Lock()
	idx := b.lookupLocked(name)
	if idx < 0 {
		b.mu.Unlock()
		return fmt.Errorf("unregister %q: %w", name, ErrNotFound)
	}
	entry := b.providers[idx]
	b.providers = append(b.providers[:idx], b.providers[idx+1:]...)
	entry.registered = false

	orphans := make([]*instance, 0, len(entry.channels))
	var done []completion
	for inst := range entry.channels {
		delete(entry.channels, inst)
		inst.provider = nil
		orphans = append(orphans, inst)
		if c := inst.client; c != nil && inst.active {
			if cp := c.deliverLocked(Event{Handle: inst.handle, ID: EventUnregistered}); cp.fn != nil {
				done = append(done, cp)
			}
		}
	}
	b.mu.Unlock()

	for _, inst := range orphans {
		inst.channel.Detach(ctx)
		entry.release() // instance's provider reference
		inst.release()  // provider list membership
	}
	for _, cp := range done {
		cp.run()
	}
	entry.release() // registry reference

	b.log.InfoContext(ctx, "hostchannel.provider.unregistered", slog.String("provider", name), slog.Int("orphaned_channels", len(orphans)))
	return nil
}

// Providers returns the names of the registered providers, sorted.
func (b *Broker) Providers() []string {
	b.mu.Lock()
	names := make([]string, 0, len(b.providers))
	for _, p := range b.providers {
		names = append(names, p.name)
	}
	b.mu.Unlock()
	sort.Strings(names)
	return names
}

// Query invokes the provider-level control entry point of the named provider.
func (b *Broker) Query(ctx context.Context, name string, code uint32, parm []byte, size uint32) ([]byte, error) {
	if size > b.maxBufferSize {
		return nil, fmt.Errorf("query %q: %d bytes: %w", name, size, ErrBufferTooLarge)
	}
	entry, err := b.find(name)
	if err != nil {
		return nil, err
	}
	defer entry.release()

	out := make([]byte, size)
	n, err := entry.impl.Control(ctx, code, parm, out)
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", name, err)
	}
	return out[:clampLen(n, len(out))], nil
}

// Connect creates the session for a newly connected guest client.
func (b *Broker) Connect(ctx context.Context, clientID uint32) (*Client, error) {
	c := &Client{
		b:        b,
		id:       clientID,
		channels: make(map[uint32]*instance),
		contexts: make(map[*callbackContext]struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if _, exists := b.clients[clientID]; exists {
		b.mu.Unlock()
		return nil, fmt.Errorf("connect client %d: %w", clientID, ErrClientExists)
	}
	b.clients[clientID] = c
	b.mu.Unlock()

	b.log.InfoContext(c.logCtx(ctx), "hostchannel.client.connected")
	return c, nil
}

// Close disconnects every client and unregisters every provider. Further
// Register and Connect calls fail with ErrClosed.
func (b *Broker) Close(ctx context.Context) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	clients := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	for _, c := range clients {
		c.Disconnect(ctx)
	}

	for {
		b.mu.Lock()
		if len(b.providers) == 0 {
			b.mu.Unlock()
			break
		}
		name := b.providers[len(b.providers)-1].name
		b.mu.Unlock()
		if err := b.Unregister(ctx, name); err != nil {
			b.log.ErrorContext(ctx, "hostchannel.close.unregister_fail", slog.String("provider", name), slog.String("err", err.Error()))
		}
	}
	b.log.InfoContext(ctx, "hostchannel.closed")
}

// Stats is a point-in-time snapshot of broker bookkeeping.
type Stats struct {
	// Clients is the number of connected clients.
	Clients int
	// Providers is the number of registered providers.
	Providers int
	// LiveProviders also counts unregistered providers still referenced by channels.
	LiveProviders int
	// Instances is the number of channel instances not yet destroyed.
	Instances int
	// QueuedEvents is the total of undelivered events over all clients.
	QueuedEvents int
}

// Stats returns current bookkeeping counters.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Stats{
		Clients:       len(b.clients),
		Providers:     len(b.providers),
		LiveProviders: int(b.liveProviders.Load()),
		Instances:     int(b.liveInstances.Load()),
	}
	for _, c := range b.clients {
		s.QueuedEvents += len(c.events)
	}
	return s
}

// find returns a referenced provider; the caller must release it.
func (b *Broker) find(name string) (*providerEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	idx := b.lookupLocked(name)
	if idx < 0 {
		return nil, fmt.Errorf("%q: %w", name, ErrProviderNotFound)
	}
	entry := b.providers[idx]
	entry.addRef()
	return entry, nil
}

// lookupLocked scans newest first so a duplicate registration shadows older ones.
func (b *Broker) lookupLocked(name string) int {
	for i := len(b.providers) - 1; i >= 0; i-- {
		if b.providers[i].name == name {
			return i
		}
	}
	return -1
}

func (b *Broker) bufferSizeOK(size uint32) bool { return size <= b.maxBufferSize }

func clampLen(n, limit int) int {
	if n < 0 {
		return 0
	}
	if n > limit {
		return limit
	}
	return n
}

func clientLogCtx(ctx context.Context, brokerID string, clientID uint32) context.Context {
	return logctx.WithClientData(ctx, &logctx.ClientData{BrokerID: brokerID, ClientID: clientID})
}
