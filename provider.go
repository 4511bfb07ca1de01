package hostchannel

import (
	"context"
	"encoding/binary"
)

// Event ids reported to guests. Provider specific events start at EventUser.
const (
	// EventCancelled completes a wait that was cancelled by EventCancel or
	// superseded by a newer EventWait. It carries no payload and handle 0.
	EventCancelled uint32 = 0
	// EventUnregistered tells the guest that the provider behind a channel
	// was unregistered on the host. The handle stays valid until detached.
	EventUnregistered uint32 = 1
	// EventRecv announces data available for Recv. See RecvEventPayload.
	EventRecv uint32 = 2
	// EventUser is the base of provider specific event ids.
	EventUser uint32 = 1000
)

// Control codes understood by convention by all providers.
const (
	// ControlExists asks whether the channel instance or provider exists.
	ControlExists uint32 = 0
	// ControlUser is the base of provider specific control codes.
	ControlUser uint32 = 1000
)

// Provider is a pluggable channel backend registered under a name.
//
// Attach is called once per guest attach request. The provider keeps cb and
// uses it to report events for the returned channel from any goroutine. When
// the provider will no longer touch cb it must call cb.Deleted.
//
// Control with no channel is the provider-level entry point used by Query.
//
// If a Provider also implements io.Closer, Close is called exactly once after
// the provider has been unregistered and its last channel released.
type Provider interface {
	Attach(ctx context.Context, flags uint32, cb Callbacks) (Channel, error)
	Control(ctx context.Context, code uint32, parm []byte, out []byte) (int, error)
}

// Channel is one provider-side channel instance. Implementations must be
// comparable (pointer types in practice): callbacks are resolved by identity.
type Channel interface {
	// Detach closes the channel. The broker calls it at most once.
	Detach(ctx context.Context)
	Send(ctx context.Context, data []byte) error
	// Recv copies pending data into buf and reports how much is still queued.
	Recv(ctx context.Context, buf []byte) (received int, remaining uint32, err error)
	Control(ctx context.Context, code uint32, parm []byte, out []byte) (int, error)
}

// Callbacks is handed to a provider on Attach. Both methods are safe to call
// from any goroutine, including after the guest client has disconnected, in
// which case events are silently dropped.
type Callbacks interface {
	// Event reports an event for ch. The payload is copied before Event returns.
	Event(ch Channel, id uint32, payload []byte)
	// Deleted promises that the provider will not use the callbacks again.
	Deleted(ch Channel)
}

// RecvEventPayload encodes the EventRecv parameter: the number of bytes that
// can be read from the channel, as a little-endian uint32.
func RecvEventPayload(available uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, available)
}

// ParseRecvEvent decodes an EventRecv payload.
func ParseRecvEvent(payload []byte) (available uint32, ok bool) {
	if len(payload) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(payload), true
}
