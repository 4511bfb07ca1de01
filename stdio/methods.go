package stdio

import (
	"context"
	"encoding/json"
	"log/slog"

	hostchannel "github.com/ggoodman/hostchannel-go"
	"github.com/ggoodman/hostchannel-go/internal/jsonrpc"
)

const (
	MethodAttach  = "channel/attach"
	MethodDetach  = "channel/detach"
	MethodSend    = "channel/send"
	MethodRecv    = "channel/recv"
	MethodControl = "channel/control"
	MethodWait    = "event/wait"
	MethodCancel  = "event/cancel"
	MethodQuery   = "provider/query"
)

type AttachParams struct {
	Name  string `json:"name"`
	Flags uint32 `json:"flags,omitempty"`
}

type AttachResult struct {
	Handle uint32 `json:"handle"`
}

type HandleParams struct {
	Handle uint32 `json:"handle"`
}

type SendParams struct {
	Handle uint32 `json:"handle"`
	Data   []byte `json:"data"`
}

type RecvParams struct {
	Handle uint32 `json:"handle"`
	Size   uint32 `json:"size"`
}

type RecvResult struct {
	Data      []byte `json:"data"`
	Remaining uint32 `json:"remaining"`
}

type ControlParams struct {
	Handle uint32 `json:"handle"`
	Code   uint32 `json:"code"`
	Parm   []byte `json:"parm,omitempty"`
	Size   uint32 `json:"size"`
}

type QueryParams struct {
	Name string `json:"name"`
	Code uint32 `json:"code"`
	Parm []byte `json:"parm,omitempty"`
	Size uint32 `json:"size"`
}

type DataResult struct {
	Data []byte `json:"data"`
}

// EventResult answers event/wait. ID 0 means the wait was cancelled.
type EventResult struct {
	Handle  uint32 `json:"handle"`
	ID      uint32 `json:"id"`
	Payload []byte `json:"payload,omitempty"`
}

type emptyResult struct{}

func decodeParams(req *jsonrpc.Request, v any) error {
	if len(req.Params) == 0 {
		return errInvalidParams{err: errMissingParams}
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		return errInvalidParams{err: err}
	}
	return nil
}

// dispatch runs one request. A nil result with a nil error means the
// response will be written later by a wait completion.
func (h *Handler) dispatch(ctx context.Context, c *hostchannel.Client, req *jsonrpc.Request) (any, error) {
	switch req.Method {
	case MethodAttach:
		var p AttachParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		handle, err := c.Attach(ctx, p.Name, p.Flags)
		if err != nil {
			return nil, err
		}
		return AttachResult{Handle: handle}, nil

	case MethodDetach:
		var p HandleParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		if err := c.Detach(ctx, p.Handle); err != nil {
			return nil, err
		}
		return emptyResult{}, nil

	case MethodSend:
		var p SendParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		if err := c.Send(ctx, p.Handle, p.Data); err != nil {
			return nil, err
		}
		return emptyResult{}, nil

	case MethodRecv:
		var p RecvParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		data, remaining, err := c.Recv(ctx, p.Handle, p.Size)
		if err != nil {
			return nil, err
		}
		return RecvResult{Data: data, Remaining: remaining}, nil

	case MethodControl:
		var p ControlParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		data, err := c.Control(ctx, p.Handle, p.Code, p.Parm, p.Size)
		if err != nil {
			return nil, err
		}
		return DataResult{Data: data}, nil

	case MethodQuery:
		var p QueryParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		data, err := c.Query(ctx, p.Name, p.Code, p.Parm, p.Size)
		if err != nil {
			return nil, err
		}
		return DataResult{Data: data}, nil

	case MethodWait:
		return h.eventWait(ctx, c, req.ID)

	case MethodCancel:
		if err := c.EventCancel(ctx); err != nil {
			return nil, err
		}
		return emptyResult{}, nil
	}
	return nil, errMethodNotFound(req.Method)
}

func (h *Handler) eventWait(ctx context.Context, c *hostchannel.Client, id *jsonrpc.RequestID) (any, error) {
	if id.IsNil() {
		return nil, errInvalidParams{err: errWaitNotification}
	}
	// The completion outlives this request; keep the logging values but not
	// the cancellation.
	wctx := context.WithoutCancel(ctx)
	ev, ok, err := c.EventWait(ctx, func(ev hostchannel.Event) {
		h.l.DebugContext(wctx, "stdio.event_wait.complete", slog.Uint64("handle", uint64(ev.Handle)), slog.Uint64("event_id", uint64(ev.ID)))
		h.writeResult(wctx, id, eventResult(ev))
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		h.l.DebugContext(ctx, "stdio.event_wait.pending")
		return nil, nil
	}
	return eventResult(ev), nil
}

func eventResult(ev hostchannel.Event) EventResult {
	return EventResult{Handle: ev.Handle, ID: ev.ID, Payload: ev.Payload}
}
