// Package hostchannel implements a host channel broker: guest clients attach
// to named channel providers, exchange data with them through per-client
// handles, and receive provider events through a single outstanding wait.
//
// Layers & Roles
//
//	Broker    -> provider registry, client registry, the single lock
//	Client    -> one connected guest: handles, event queue, pending wait
//	Provider  -> pluggable backend registered under a name (see providers/)
//	Callbacks -> handed to the provider on Attach; routes events back to the
//	             client, or drops them once the client is gone
//
// # Threading
//
// Client methods are called from the guest dispatch goroutine. Providers call
// Callbacks from any goroutine at any time. Provider methods and wait
// completions never run under the broker lock, so a provider may call back
// into the broker from within Send, Recv or Control.
//
// # Events
//
// EventWait either returns a queued event immediately or parks a Completion.
// A parked completion is invoked exactly once: with the next provider event,
// or with EventCancelled when the wait is cancelled, superseded by another
// EventWait, or the client disconnects. Events for one client are delivered
// in the order the providers reported them.
//
// Example:
//
//	b := hostchannel.New(hostchannel.WithLogger(logger))
//	_ = b.Register("echo", echo.New())
//	c, _ := b.Connect(ctx, 1)
//	h, _ := c.Attach(ctx, "echo", 0)
//	_ = c.Send(ctx, h, []byte("ping"))
//	ev, _ := c.Wait(ctx) // EventRecv for h
//	data, _, _ := c.Recv(ctx, h, 64)
package hostchannel
