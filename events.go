package hostchannel

import (
	"bytes"
	"context"
	"log/slog"
)

// Event is a host to guest notification for one channel.
type Event struct {
	// Handle is the guest handle of the channel; 0 for EventCancelled.
	Handle uint32
	// ID is one of the Event* constants or a provider specific id.
	ID uint32
	// Payload is owned by the receiver.
	Payload []byte
}

// Completion finishes a wait that EventWait left pending. It is invoked
// exactly once, never with the broker lock held, possibly from a provider
// goroutine.
type Completion func(Event)

type completion struct {
	fn Completion
	ev Event
}

func (c completion) run() {
	if c.fn != nil {
		c.fn(c.ev)
	}
}

// EventWait returns the oldest queued event, or parks complete until one
// arrives and reports false. A wait already parked for this client is first
// completed with EventCancelled, so at most one wait is ever outstanding.
func (c *Client) EventWait(ctx context.Context, complete Completion) (Event, bool, error) {
	if complete == nil {
		return Event{}, false, ErrInvalidArgument
	}
	ctx = c.logCtx(ctx)

	c.b.mu.Lock()
	if c.disconnected {
		c.b.mu.Unlock()
		return Event{}, false, ErrDisconnected
	}
	prev := c.wait
	c.wait = nil
	c.b.mu.Unlock()

	if prev != nil {
		c.b.log.DebugContext(ctx, "hostchannel.event_wait.superseded")
		prev(Event{ID: EventCancelled})
	}

	c.b.mu.Lock()
	if c.disconnected {
		c.b.mu.Unlock()
		return Event{}, false, ErrDisconnected
	}
	if len(c.events) > 0 {
		ev := c.events[0]
		c.events[0] = Event{}
		c.events = c.events[1:]
		c.b.mu.Unlock()
		return ev, true, nil
	}
	// Another EventWait may have parked in between; it loses like any older wait.
	raced := c.wait
	c.wait = complete
	c.b.mu.Unlock()

	if raced != nil {
		raced(Event{ID: EventCancelled})
	}
	return Event{}, false, nil
}

// EventCancel completes the pending wait, if any, with EventCancelled.
func (c *Client) EventCancel(ctx context.Context) error {
	c.b.mu.Lock()
	if c.disconnected {
		c.b.mu.Unlock()
		return ErrDisconnected
	}
	wait := c.wait
	c.wait = nil
	c.b.mu.Unlock()

	if wait != nil {
		c.b.log.DebugContext(c.logCtx(ctx), "hostchannel.event_cancel.ok")
		wait(Event{ID: EventCancelled})
	}
	return nil
}

// Wait blocks until an event is available or ctx ends. It is EventWait with
// a channel as the completion. When ctx ends the wait is cancelled; an event
// that won the race against the cancellation is still returned.
func (c *Client) Wait(ctx context.Context) (Event, error) {
	ch := make(chan Event, 1)
	ev, ok, err := c.EventWait(ctx, func(ev Event) { ch <- ev })
	if err != nil {
		return Event{}, err
	}
	if ok {
		return ev, nil
	}

	select {
	case ev := <-ch:
		return ev, nil
	case <-ctx.Done():
	}

	if err := c.EventCancel(context.WithoutCancel(ctx)); err != nil {
		// Disconnect completes the parked wait itself.
		<-ch
		return Event{}, err
	}
	ev = <-ch
	if ev.ID == EventCancelled && ev.Handle == 0 {
		return Event{}, ctx.Err()
	}
	return ev, nil
}

// deliverLocked hands ev to the parked wait, or queues a private copy of it.
// The returned completion must be run after b.mu is released.
func (c *Client) deliverLocked(ev Event) completion {
	ev.Payload = bytes.Clone(ev.Payload)
	if c.wait != nil {
		fn := c.wait
		c.wait = nil
		return completion{fn: fn, ev: ev}
	}
	if c.b.maxQueued > 0 && len(c.events) >= c.b.maxQueued {
		c.b.log.Warn("hostchannel.event.queue_full", slog.Uint64("client_id", uint64(c.id)), slog.Uint64("handle", uint64(ev.Handle)), slog.Uint64("event_id", uint64(ev.ID)))
		return completion{}
	}
	c.events = append(c.events, ev)
	return completion{}
}

// callbackContext routes provider callbacks back to the client that attached
// the channel. client is nulled when the client disconnects; from then on
// events are dropped.
type callbackContext struct {
	b      *Broker
	client *Client // guarded by b.mu
}

var _ Callbacks = (*callbackContext)(nil)

// Event implements Callbacks.
func (cb *callbackContext) Event(ch Channel, id uint32, payload []byte) {
	b := cb.b
	b.mu.Lock()
	c := cb.client
	if c == nil {
		b.mu.Unlock()
		b.log.Debug("hostchannel.event.dropped", slog.String("reason", "client gone"), slog.Uint64("event_id", uint64(id)))
		return
	}
	if _, ok := c.contexts[cb]; !ok {
		b.mu.Unlock()
		b.log.Warn("hostchannel.event.dropped", slog.String("reason", "unknown callback context"), slog.Uint64("client_id", uint64(c.id)))
		return
	}
	inst := c.lookupChannelLocked(ch)
	if inst == nil {
		b.mu.Unlock()
		b.log.Debug("hostchannel.event.dropped", slog.String("reason", "channel detached"), slog.Uint64("client_id", uint64(c.id)), slog.Uint64("event_id", uint64(id)))
		return
	}
	done := c.deliverLocked(Event{Handle: inst.handle, ID: id, Payload: payload})
	b.mu.Unlock()

	done.run()
}

// Deleted implements Callbacks.
func (cb *callbackContext) Deleted(ch Channel) {
	cb.remove()
}

func (cb *callbackContext) remove() {
	b := cb.b
	b.mu.Lock()
	defer b.mu.Unlock()
	c := cb.client
	if c == nil {
		return
	}
	if _, ok := c.contexts[cb]; ok {
		delete(c.contexts, cb)
	} else {
		b.log.Warn("hostchannel.callbacks.unknown", slog.Uint64("client_id", uint64(c.id)))
	}
	cb.client = nil
}
