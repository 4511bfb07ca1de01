// Package providertest contains a scriptable fake provider and a conformance
// suite that every hostchannel.Provider implementation should pass.
package providertest

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	hostchannel "github.com/ggoodman/hostchannel-go"
)

// ProviderFactory creates a fresh provider for one test.
type ProviderFactory func(t *testing.T) hostchannel.Provider

// Options describes what a provider supports.
type Options struct {
	// Loopback providers announce data written with Send as EventRecv and
	// return it from Recv.
	Loopback bool
	// SendUnsupported providers reject Send with an error.
	SendUnsupported bool
}

const providerName = "under-test"

// RunProviderTests runs the provider conformance suite.
func RunProviderTests(t *testing.T, factory ProviderFactory, opts Options) {
	t.Run("AttachDetach", func(t *testing.T) { testAttachDetach(t, factory) })
	t.Run("QueryExists", func(t *testing.T) { testQueryExists(t, factory) })
	t.Run("ChannelControlExists", func(t *testing.T) { testChannelControlExists(t, factory) })
	t.Run("Send", func(t *testing.T) { testSend(t, factory, opts) })
	if opts.Loopback {
		t.Run("Loopback", func(t *testing.T) { testLoopback(t, factory) })
	}
	t.Run("UnregisterWithLiveChannel", func(t *testing.T) { testUnregisterWithLiveChannel(t, factory) })
	t.Run("DisconnectWithLiveChannel", func(t *testing.T) { testDisconnectWithLiveChannel(t, factory) })
}

func setup(t *testing.T, factory ProviderFactory) (context.Context, *hostchannel.Broker, *hostchannel.Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	b := hostchannel.New()
	t.Cleanup(func() { b.Close(context.Background()) })
	if err := b.Register(providerName, factory(t)); err != nil {
		t.Fatalf("register: %v", err)
	}
	c, err := b.Connect(ctx, 1)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	return ctx, b, c
}

func attach(t *testing.T, ctx context.Context, c *hostchannel.Client) uint32 {
	t.Helper()
	h, err := c.Attach(ctx, providerName, 0)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if h == 0 {
		t.Fatalf("attach returned the reserved handle 0")
	}
	return h
}

func testAttachDetach(t *testing.T, factory ProviderFactory) {
	ctx, b, c := setup(t, factory)

	h := attach(t, ctx, c)
	if got := b.Stats().Instances; got != 1 {
		t.Fatalf("expected 1 live instance, got %d", got)
	}
	if err := c.Detach(ctx, h); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if got := b.Stats().Instances; got != 0 {
		t.Fatalf("expected instance destroyed after detach, %d live", got)
	}
	if err := c.Detach(ctx, h); !errors.Is(err, hostchannel.ErrInvalidHandle) {
		t.Fatalf("second detach: expected ErrInvalidHandle, got %v", err)
	}
}

func testQueryExists(t *testing.T, factory ProviderFactory) {
	ctx, _, c := setup(t, factory)

	if _, err := c.Query(ctx, providerName, hostchannel.ControlExists, nil, 16); err != nil {
		t.Fatalf("query exists: %v", err)
	}
}

func testChannelControlExists(t *testing.T, factory ProviderFactory) {
	ctx, _, c := setup(t, factory)

	h := attach(t, ctx, c)
	if _, err := c.Control(ctx, h, hostchannel.ControlExists, nil, 16); err != nil {
		t.Fatalf("control exists: %v", err)
	}
}

func testSend(t *testing.T, factory ProviderFactory, opts Options) {
	ctx, _, c := setup(t, factory)

	h := attach(t, ctx, c)
	err := c.Send(ctx, h, []byte("hello"))
	if opts.SendUnsupported {
		if err == nil {
			t.Fatalf("expected send to be rejected")
		}
		return
	}
	if err != nil {
		t.Fatalf("send: %v", err)
	}
}

func testLoopback(t *testing.T, factory ProviderFactory) {
	ctx, _, c := setup(t, factory)

	h := attach(t, ctx, c)
	if err := c.Send(ctx, h, []byte("ping")); err != nil {
		t.Fatalf("send: %v", err)
	}

	ev, err := c.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if ev.Handle != h || ev.ID != hostchannel.EventRecv {
		t.Fatalf("expected EventRecv on %d, got id %d on %d", h, ev.ID, ev.Handle)
	}
	if n, ok := hostchannel.ParseRecvEvent(ev.Payload); !ok || n != 4 {
		t.Fatalf("expected 4 bytes available, got %d (ok=%v)", n, ok)
	}

	data, remaining, err := c.Recv(ctx, h, 64)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if !bytes.Equal(data, []byte("ping")) || remaining != 0 {
		t.Fatalf("expected ping with nothing remaining, got %q remaining %d", data, remaining)
	}
}

func testUnregisterWithLiveChannel(t *testing.T, factory ProviderFactory) {
	ctx, b, c := setup(t, factory)

	h := attach(t, ctx, c)
	if err := b.Unregister(ctx, providerName); err != nil {
		t.Fatalf("unregister: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	for {
		ev, err := c.Wait(waitCtx)
		if err != nil {
			t.Fatalf("wait for unregistered event: %v", err)
		}
		if ev.ID == hostchannel.EventUnregistered {
			if ev.Handle != h {
				t.Fatalf("unregistered event for handle %d, want %d", ev.Handle, h)
			}
			break
		}
	}

	if err := c.Send(ctx, h, []byte("late")); err != nil {
		t.Fatalf("send after unregister should be a no-op, got %v", err)
	}
	if err := c.Detach(ctx, h); err != nil {
		t.Fatalf("detach after unregister: %v", err)
	}
	if st := b.Stats(); st.Instances != 0 || st.LiveProviders != 0 {
		t.Fatalf("expected everything released, got %+v", st)
	}
}

func testDisconnectWithLiveChannel(t *testing.T, factory ProviderFactory) {
	ctx, b, c := setup(t, factory)

	attach(t, ctx, c)
	attach(t, ctx, c)
	c.Disconnect(ctx)

	if st := b.Stats(); st.Instances != 0 || st.Clients != 0 {
		t.Fatalf("expected no clients or instances after disconnect, got %+v", st)
	}
	if _, err := c.Attach(ctx, providerName, 0); !errors.Is(err, hostchannel.ErrDisconnected) {
		t.Fatalf("attach after disconnect: expected ErrDisconnected, got %v", err)
	}
}
