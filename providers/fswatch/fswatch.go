// Package fswatch implements a channel provider that streams file system
// change records for a directory tree. Each attached channel owns an fsnotify
// watcher; every change is appended to the channel's buffer as one JSON line
// and announced with EventRecv.
//
// Example:
//
//	p, err := fswatch.New("/srv/shared")
//	if err != nil { ... }
//	_ = b.Register("fswatch", p)
//
// Channels are read-only: Send fails with ErrReadOnly.
package fswatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	hostchannel "github.com/ggoodman/hostchannel-go"
)

const (
	// FlagRecursive on Attach watches every directory below the root, including
	// ones created later. Without it only the root directory is watched.
	FlagRecursive uint32 = 1 << 0

	// ControlRoot returns the watched root directory.
	ControlRoot = hostchannel.ControlUser
)

const defaultMaxBuffered = 64 << 10

var (
	// ErrReadOnly is returned by Send.
	ErrReadOnly = errors.New("fswatch: channel is read-only")
	// ErrNotDir is returned by New when the root is not a directory.
	ErrNotDir = errors.New("fswatch: root is not a directory")
)

// Record is one change, encoded as a JSON line in the channel stream.
type Record struct {
	Op   string    `json:"op"`
	Path string    `json:"path"`
	Time time.Time `json:"time"`
}

// Provider watches a fixed root directory.
type Provider struct {
	root        string
	log         *slog.Logger
	maxBuffered int
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

// WithMaxBuffered bounds the unread bytes held per channel. Records that do
// not fit are dropped. Default is 64 KiB.
func WithMaxBuffered(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.maxBuffered = n
		}
	}
}

// New creates a provider for root. The root is made absolute and its
// symlinks resolved; it must be an existing directory.
func New(root string, opts ...Option) (*Provider, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("fswatch root %q: %w", root, err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("fswatch root %q: %w", root, err)
	}
	fi, err := os.Stat(real)
	if err != nil {
		return nil, fmt.Errorf("fswatch root %q: %w", root, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("fswatch root %q: %w", root, ErrNotDir)
	}

	p := &Provider{root: real, log: slog.Default(), maxBuffered: defaultMaxBuffered}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Root returns the resolved root directory.
func (p *Provider) Root() string { return p.root }

var _ hostchannel.Provider = (*Provider)(nil)

// Attach starts a watcher for the new channel.
func (p *Provider) Attach(ctx context.Context, flags uint32, cb hostchannel.Callbacks) (hostchannel.Channel, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fswatch: new watcher: %w", err)
	}
	recursive := flags&FlagRecursive != 0
	if err := addDirs(w, p.root, recursive); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("fswatch: watch %q: %w", p.root, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ch := &Channel{
		p:         p,
		cb:        cb,
		w:         w,
		recursive: recursive,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go ch.run(runCtx)

	p.log.DebugContext(ctx, "fswatch.attach.ok", slog.String("root", p.root), slog.Bool("recursive", recursive))
	return ch, nil
}

// Control answers ControlExists with a single byte 1 and ControlRoot with the
// root path.
func (p *Provider) Control(ctx context.Context, code uint32, parm []byte, out []byte) (int, error) {
	return p.control(code, out), nil
}

func (p *Provider) control(code uint32, out []byte) int {
	switch code {
	case hostchannel.ControlExists:
		if len(out) == 0 {
			return 0
		}
		out[0] = 1
		return 1
	case ControlRoot:
		return copy(out, p.root)
	}
	return 0
}

// Channel is one watching channel.
type Channel struct {
	p         *Provider
	cb        hostchannel.Callbacks
	w         *fsnotify.Watcher
	recursive bool
	cancel    context.CancelFunc
	done      chan struct{}
	stopOnce  sync.Once

	mu      sync.Mutex
	buf     []byte
	dropped int
}

var _ hostchannel.Channel = (*Channel)(nil)

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.w.Events:
			if !ok {
				return
			}
			if c.recursive && ev.Op&fsnotify.Create == fsnotify.Create {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = addDirs(c.w, ev.Name, true)
				}
			}
			c.record(ev)
		case err, ok := <-c.w.Errors:
			if !ok {
				return
			}
			c.p.log.Debug("fswatch.watch.error", slog.String("err", err.Error()))
		}
	}
}

func (c *Channel) record(ev fsnotify.Event) {
	rel, err := filepath.Rel(c.p.root, ev.Name)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return
	}
	line, err := json.Marshal(Record{Op: ev.Op.String(), Path: filepath.ToSlash(rel), Time: time.Now().UTC()})
	if err != nil {
		return
	}
	line = append(line, '\n')

	c.mu.Lock()
	if len(c.buf)+len(line) > c.p.maxBuffered {
		c.dropped++
		n := c.dropped
		c.mu.Unlock()
		c.p.log.Warn("fswatch.record.dropped", slog.String("path", rel), slog.Int("dropped", n))
		return
	}
	c.buf = append(c.buf, line...)
	avail := uint32(len(c.buf))
	c.mu.Unlock()

	c.cb.Event(c, hostchannel.EventRecv, hostchannel.RecvEventPayload(avail))
}

// Detach stops the watcher and releases the callbacks once the watcher
// goroutine has exited.
func (c *Channel) Detach(ctx context.Context) {
	c.stopOnce.Do(func() {
		c.cancel()
		_ = c.w.Close()
		<-c.done
		c.cb.Deleted(c)
		c.p.log.DebugContext(ctx, "fswatch.detach.ok", slog.String("root", c.p.root))
	})
}

// Send always fails with ErrReadOnly.
func (c *Channel) Send(ctx context.Context, data []byte) error {
	return ErrReadOnly
}

// Recv drains buffered records. Records may be split across calls.
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

// Control answers like Provider.Control.
func (c *Channel) Control(ctx context.Context, code uint32, parm []byte, out []byte) (int, error) {
	return c.p.control(code, out), nil
}

func addDirs(w *fsnotify.Watcher, root string, recursive bool) error {
	if !recursive {
		return w.Add(root)
	}
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		return w.Add(p)
	})
}
