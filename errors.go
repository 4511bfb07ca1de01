package hostchannel

import "errors"

var (
	// ErrProviderNotFound is returned by Attach and Query when no provider is
	// registered under the requested name.
	ErrProviderNotFound = errors.New("channel provider not found")
	// ErrInvalidHandle is returned when a channel handle is not attached for the client.
	ErrInvalidHandle = errors.New("invalid channel handle")
	// ErrAlreadyExists is returned by Register for a duplicate provider name.
	ErrAlreadyExists = errors.New("channel provider already registered")
	// ErrNotFound is returned by Unregister for an unknown provider name.
	ErrNotFound = errors.New("channel provider not registered")
	// ErrResourceExhausted indicates the client's handle space is exhausted.
	ErrResourceExhausted = errors.New("channel handle space exhausted")
	// ErrBufferTooLarge is returned when a requested output buffer exceeds the
	// broker's configured limit.
	ErrBufferTooLarge = errors.New("requested buffer too large")
	// ErrInvalidArgument reports a malformed call (empty name, nil provider).
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrClientExists is returned by Connect for a client id that is already connected.
	ErrClientExists = errors.New("client already connected")
	// ErrDisconnected is returned by operations on a client after Disconnect.
	ErrDisconnected = errors.New("client disconnected")
	// ErrClosed is returned by operations on a broker after Close.
	ErrClosed = errors.New("broker closed")
)
