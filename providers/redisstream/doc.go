// Package redisstream implements a channel provider backed by Redis Streams.
// Every attached channel gets a pair of streams named after a fresh uuid:
//
//	<prefix>chan:<id>:out  guest Send appends here (XADD, field "d")
//	<prefix>chan:<id>:in   tailed by the channel; entries are buffered for Recv
//
// Host side programs exchange data with the guest by reading the out stream
// and appending to the in stream. ControlStreams returns both keys as JSON.
// Both streams are deleted when the channel is detached.
//
// Example:
//
//	p, err := redisstream.NewFromEnv()
//	if err != nil { ... }
//	_ = b.Register("redis", p)
package redisstream
