package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	hostchannel "github.com/ggoodman/hostchannel-go"
	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// ControlStreams returns the channel's stream keys as a JSON Streams object.
const ControlStreams = hostchannel.ControlUser

// ErrDetached is returned by Send on a detached channel.
var ErrDetached = errors.New("redisstream: channel detached")

// Config for the Redis-backed provider. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: HOSTCHANNEL_REDIS_PREFIX
	KeyPrefix string `env:"HOSTCHANNEL_REDIS_PREFIX,default=hostchannel:"`
	// MaxLen approximately trims the out stream. ENV: HOSTCHANNEL_REDIS_MAXLEN
	MaxLen int64 `env:"HOSTCHANNEL_REDIS_MAXLEN,default=1000"`
}

// Streams names the two streams of a channel.
type Streams struct {
	In  string `json:"in"`
	Out string `json:"out"`
}

// Provider attaches channels to Redis Streams.
type Provider struct {
	client    *redis.Client
	keyPrefix string
	maxLen    int64
	block     time.Duration
	log       *slog.Logger
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

// WithBlock sets how long one XREAD blocks before the tail loop re-checks for
// cancellation. Default is 500ms.
func WithBlock(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.block = d
		}
	}
}

// New connects to Redis and verifies the connection with PING.
func New(cfg Config, opts ...Option) (*Provider, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "hostchannel:"
	}
	p := &Provider{
		client:    cl,
		keyPrefix: prefix,
		maxLen:    cfg.MaxLen,
		block:     500 * time.Millisecond,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// NewFromEnv builds a Provider using envdecode to populate Config.
func NewFromEnv(opts ...Option) (*Provider, error) {
	var cfg Config
	// Defaults are provided via struct tags.
	_ = envdecode.Decode(&cfg)
	return New(cfg, opts...)
}

// Close closes the Redis client. The broker calls it once the provider is
// unregistered and its last channel released.
func (p *Provider) Close() error { return p.client.Close() }

// Client exposes the underlying Redis client to host side producers.
func (p *Provider) Client() *redis.Client { return p.client }

func (p *Provider) streams(id string) Streams {
	base := p.keyPrefix + "chan:" + id
	return Streams{In: base + ":in", Out: base + ":out"}
}

var _ hostchannel.Provider = (*Provider)(nil)

// Attach creates the stream pair for a new channel and starts tailing the in
// stream.
func (p *Provider) Attach(ctx context.Context, flags uint32, cb hostchannel.Callbacks) (hostchannel.Channel, error) {
	id := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ch := &Channel{
		p:       p,
		id:      id,
		streams: p.streams(id),
		cb:      cb,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go ch.tail(runCtx)

	p.log.DebugContext(ctx, "redisstream.attach.ok", slog.String("channel_id", id))
	return ch, nil
}

// Control answers ControlExists with 1 when Redis responds to PING and 0
// otherwise.
func (p *Provider) Control(ctx context.Context, code uint32, parm []byte, out []byte) (int, error) {
	if code != hostchannel.ControlExists || len(out) == 0 {
		return 0, nil
	}
	out[0] = 1
	if err := p.client.Ping(ctx).Err(); err != nil {
		out[0] = 0
	}
	return 1, nil
}

// Channel is one stream-backed channel.
type Channel struct {
	p       *Provider
	id      string
	streams Streams
	cb      hostchannel.Callbacks
	cancel  context.CancelFunc
	done    chan struct{}

	once     sync.Once
	mu       sync.Mutex
	buf      []byte
	detached bool
}

var _ hostchannel.Channel = (*Channel)(nil)

// ID returns the uuid naming the channel's streams.
func (c *Channel) ID() string { return c.id }

func (c *Channel) tail(ctx context.Context) {
	defer close(c.done)
	start := "0-0" // the stream is new; read it from the beginning
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := c.p.client.XRead(ctx, &redis.XReadArgs{Streams: []string{c.streams.In, start}, Count: 64, Block: c.p.block}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			c.p.log.Warn("redisstream.tail.fail", slog.String("channel_id", c.id), slog.String("err", err.Error()))
			select {
			case <-ctx.Done():
				return
			case <-time.After(250 * time.Millisecond):
			}
			continue
		}
		for _, s := range res {
			for _, msg := range s.Messages {
				start = msg.ID
				c.push(msg.Values["d"])
			}
		}
	}
}

func (c *Channel) push(v interface{}) {
	var data []byte
	switch d := v.(type) {
	case string:
		data = []byte(d)
	case []byte:
		data = d
	default:
		return
	}
	if len(data) == 0 {
		return
	}

	c.mu.Lock()
	if c.detached {
		c.mu.Unlock()
		return
	}
	c.buf = append(c.buf, data...)
	avail := uint32(len(c.buf))
	c.mu.Unlock()

	c.cb.Event(c, hostchannel.EventRecv, hostchannel.RecvEventPayload(avail))
}

// Detach stops tailing, deletes both streams and releases the callbacks.
func (c *Channel) Detach(ctx context.Context) {
	c.once.Do(func() {
		c.mu.Lock()
		c.detached = true
		c.buf = nil
		c.mu.Unlock()

		c.cancel()
		<-c.done

		// Best-effort delete; the streams are private to this channel.
		_, _ = c.p.client.Del(context.WithoutCancel(ctx), c.streams.In, c.streams.Out).Result()
		c.cb.Deleted(c)
		c.p.log.DebugContext(ctx, "redisstream.detach.ok", slog.String("channel_id", c.id))
	})
}

// Send appends data to the out stream.
func (c *Channel) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	detached := c.detached
	c.mu.Unlock()
	if detached {
		return ErrDetached
	}
	args := &redis.XAddArgs{Stream: c.streams.Out, Values: map[string]interface{}{"d": data}}
	if c.p.maxLen > 0 {
		args.MaxLen = c.p.maxLen
		args.Approx = true
	}
	if err := c.p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redisstream xadd: %w", err)
	}
	return nil
}

// Recv drains buffered inbound data.
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

// Control answers ControlExists with a single byte 1 and ControlStreams with
// the JSON encoded stream keys.
func (c *Channel) Control(ctx context.Context, code uint32, parm []byte, out []byte) (int, error) {
	switch code {
	case hostchannel.ControlExists:
		if len(out) == 0 {
			return 0, nil
		}
		out[0] = 1
		return 1, nil
	case ControlStreams:
		b, err := json.Marshal(c.streams)
		if err != nil {
			return 0, err
		}
		if len(b) > len(out) {
			return 0, fmt.Errorf("redisstream: need %d bytes for stream keys, have %d", len(b), len(out))
		}
		return copy(out, b), nil
	}
	return 0, nil
}
