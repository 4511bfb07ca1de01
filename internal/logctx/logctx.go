package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with the client, channel and rpc data carried on
// the context before passing them to the wrapped handler.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if cd, ok := ctx.Value(clientDataKey{}).(*ClientData); ok {
		r.AddAttrs(slog.Group("client",
			slog.String("broker_id", cd.BrokerID),
			slog.Uint64("id", uint64(cd.ClientID)),
		))
	}

	if ch, ok := ctx.Value(channelDataKey{}).(*ChannelData); ok {
		r.AddAttrs(slog.Group("channel",
			slog.Uint64("handle", uint64(ch.Handle)),
			slog.String("provider", ch.Provider),
		))
	}

	if msg, ok := ctx.Value(rpcMsg{}).(*RPCMessage); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("method", msg.Method),
			slog.String("id", msg.ID),
			slog.String("type", msg.Type),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type rpcMsg struct{}

type RPCMessage struct {
	Method string
	ID     string
	Type   string
}

func WithRPCMessage(ctx context.Context, msg *RPCMessage) context.Context {
	return context.WithValue(ctx, rpcMsg{}, msg)
}

type clientDataKey struct{}

type ClientData struct {
	BrokerID string
	ClientID uint32
}

func WithClientData(ctx context.Context, data *ClientData) context.Context {
	return context.WithValue(ctx, clientDataKey{}, data)
}

type channelDataKey struct{}

type ChannelData struct {
	Handle   uint32
	Provider string
}

func WithChannelData(ctx context.Context, data *ChannelData) context.Context {
	return context.WithValue(ctx, channelDataKey{}, data)
}
