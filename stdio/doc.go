// Package stdio exposes a hostchannel.Broker to a single guest over a line
// oriented JSON-RPC 2.0 stream, by default stdin/stdout. It stands in for the
// guest transport when the broker is embedded as a subprocess, in local
// development and in tests.
//
// Characteristics
//
//	Connection model : 1 stream <-> 1 guest client
//	Dispatch         : sequential, one request at a time
//	Events           : event/wait may be answered after later requests
//	Transport        : newline delimited JSON-RPC, binary fields base64
//
// Methods
//
//	channel/attach  {name, flags}             -> {handle}
//	channel/detach  {handle}                  -> {}
//	channel/send    {handle, data}            -> {}
//	channel/recv    {handle, size}            -> {data, remaining}
//	channel/control {handle, code, parm, size} -> {data}
//	event/wait                                -> {handle, id, payload}
//	event/cancel                              -> {}
//	provider/query  {name, code, parm, size}  -> {data}
//
// Example:
//
//	b := hostchannel.New()
//	_ = b.Register("echo", echo.New())
//	h := stdio.NewHandler(b, 1)
//	if err := h.Serve(context.Background()); err != nil { log.Fatal(err) }
//
// EOF on the reader or cancellation of the context disconnects the guest.
package stdio
