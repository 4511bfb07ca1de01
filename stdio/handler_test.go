package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	hostchannel "github.com/ggoodman/hostchannel-go"
	"github.com/ggoodman/hostchannel-go/internal/jsonrpc"
	"github.com/ggoodman/hostchannel-go/providers/echo"
)

// testHarness encapsulates pipes and collected output for stdio handler tests.
type testHarness struct {
	t       *testing.T
	b       *hostchannel.Broker
	ctx     context.Context
	cancel  context.CancelFunc
	stdinW  *io.PipeWriter
	stdoutR *bufio.Scanner
	served  chan error
	outMu   sync.Mutex
	lines   []string
	nextID  int
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	b := hostchannel.New()
	if err := b.Register("echo", echo.New()); err != nil {
		t.Fatalf("register: %v", err)
	}

	// wire stdio via io.Pipe
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	h := NewHandler(b, 1, WithIO(inR, outW), WithLogger(slog.Default()))

	ctx, cancel := context.WithCancel(context.Background())
	th := &testHarness{t: t, b: b, ctx: ctx, cancel: cancel, stdinW: inW, stdoutR: bufio.NewScanner(outR), served: make(chan error, 1)}

	go func() {
		th.served <- h.Serve(ctx)
	}()

	// start stdout collector
	go func() {
		for th.stdoutR.Scan() {
			line := strings.TrimSpace(th.stdoutR.Text())
			th.t.Logf("OUT: %s", line)
			th.outMu.Lock()
			th.lines = append(th.lines, line)
			th.outMu.Unlock()
		}
	}()

	t.Cleanup(func() {
		cancel()
		_ = inW.Close()
		select {
		case <-th.served:
		case <-time.After(2 * time.Second):
		}
		_ = outW.Close()
		b.Close(context.Background())
	})
	return th
}

// call writes a request with a fresh numeric id and returns that id.
func (th *testHarness) call(method string, params any) string {
	th.t.Helper()
	th.nextID++
	req := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: method, ID: jsonrpc.NewRequestID(th.nextID)}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			th.t.Fatalf("marshal params: %v", err)
		}
		req.Params = b
	}
	th.writeLine(req)
	return fmt.Sprint(th.nextID)
}

func (th *testHarness) writeLine(v any) {
	th.t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		th.t.Fatalf("marshal: %v", err)
	}
	th.writeRaw(append(b, '\n'))
}

func (th *testHarness) writeRaw(b []byte) {
	th.t.Helper()
	if _, err := th.stdinW.Write(b); err != nil {
		th.t.Fatalf("write stdin: %v", err)
	}
}

func (th *testHarness) nextLine(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		th.outMu.Lock()
		if len(th.lines) > 0 {
			s := th.lines[0]
			th.lines = th.lines[1:]
			th.outMu.Unlock()
			return s, nil
		}
		th.outMu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	return "", fmt.Errorf("timeout waiting for output line")
}

func (th *testHarness) expectResponse(timeout time.Duration) *jsonrpc.Response {
	th.t.Helper()
	line, err := th.nextLine(timeout)
	if err != nil {
		th.t.Fatalf("%v", err)
	}
	var any jsonrpc.AnyMessage
	if err := json.Unmarshal([]byte(line), &any); err != nil {
		th.t.Fatalf("decode %q: %v", line, err)
	}
	if any.Type() != "response" {
		th.t.Fatalf("expected response, got %s", any.Type())
	}
	return any.AsResponse()
}

// expectResult reads the next response, checks its id and decodes its result.
func (th *testHarness) expectResult(id string, out any) {
	th.t.Helper()
	resp := th.expectResponse(time.Second)
	if resp.ID.String() != id {
		th.t.Fatalf("expected response for id %s, got %s", id, resp.ID.String())
	}
	if resp.Error != nil {
		th.t.Fatalf("unexpected error response: %+v", resp.Error)
	}
	if out != nil {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			th.t.Fatalf("decode result: %v", err)
		}
	}
}

func (th *testHarness) expectError(id string, code jsonrpc.ErrorCode) {
	th.t.Helper()
	resp := th.expectResponse(time.Second)
	if resp.ID.String() != id {
		th.t.Fatalf("expected response for id %s, got %s", id, resp.ID.String())
	}
	if resp.Error == nil || resp.Error.Code != code {
		th.t.Fatalf("expected error code %d, got %+v", code, resp.Error)
	}
}

func (th *testHarness) expectNoLine(d time.Duration) {
	th.t.Helper()
	if line, err := th.nextLine(d); err == nil {
		th.t.Fatalf("expected no output, got %s", line)
	}
}

func (th *testHarness) attachEcho() uint32 {
	th.t.Helper()
	id := th.call(MethodAttach, AttachParams{Name: "echo"})
	var res AttachResult
	th.expectResult(id, &res)
	if res.Handle == 0 {
		th.t.Fatalf("expected non-zero handle")
	}
	return res.Handle
}

func TestStdio_EchoRoundTrip(t *testing.T) {
	th := newHarness(t)
	h := th.attachEcho()

	id := th.call(MethodSend, SendParams{Handle: h, Data: []byte("ping")})
	th.expectResult(id, nil)

	id = th.call(MethodWait, nil)
	var ev EventResult
	th.expectResult(id, &ev)
	if ev.Handle != h || ev.ID != hostchannel.EventRecv {
		t.Fatalf("unexpected event %+v", ev)
	}
	if n, ok := hostchannel.ParseRecvEvent(ev.Payload); !ok || n != 4 {
		t.Fatalf("expected 4 bytes available, got %d (ok=%v)", n, ok)
	}

	id = th.call(MethodRecv, RecvParams{Handle: h, Size: 64})
	var rr RecvResult
	th.expectResult(id, &rr)
	if string(rr.Data) != "ping" || rr.Remaining != 0 {
		t.Fatalf("unexpected recv result %+v", rr)
	}

	id = th.call(MethodControl, ControlParams{Handle: h, Code: hostchannel.ControlExists, Size: 4})
	var dr DataResult
	th.expectResult(id, &dr)
	if len(dr.Data) != 1 || dr.Data[0] != 1 {
		t.Fatalf("unexpected control result %+v", dr)
	}

	id = th.call(MethodDetach, HandleParams{Handle: h})
	th.expectResult(id, nil)

	id = th.call(MethodSend, SendParams{Handle: h, Data: []byte("late")})
	th.expectError(id, jsonrpc.ErrorCodeInvalidHandle)
}

func TestStdio_WaitAnsweredAsynchronously(t *testing.T) {
	th := newHarness(t)
	h := th.attachEcho()

	waitID := th.call(MethodWait, nil)
	th.expectNoLine(20 * time.Millisecond)

	sendID := th.call(MethodSend, SendParams{Handle: h, Data: []byte("abc")})

	got := map[string]*jsonrpc.Response{}
	for i := 0; i < 2; i++ {
		resp := th.expectResponse(time.Second)
		got[resp.ID.String()] = resp
	}
	if got[sendID] == nil || got[sendID].Error != nil {
		t.Fatalf("expected successful send response, got %+v", got[sendID])
	}
	wr := got[waitID]
	if wr == nil || wr.Error != nil {
		t.Fatalf("expected successful wait response, got %+v", wr)
	}
	var ev EventResult
	if err := json.Unmarshal(wr.Result, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Handle != h || ev.ID != hostchannel.EventRecv {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestStdio_CancelAnswersPendingWait(t *testing.T) {
	th := newHarness(t)

	waitID := th.call(MethodWait, nil)
	th.expectNoLine(20 * time.Millisecond)
	cancelID := th.call(MethodCancel, nil)

	var ev EventResult
	th.expectResult(waitID, &ev)
	if ev.ID != hostchannel.EventCancelled || ev.Handle != 0 {
		t.Fatalf("expected cancellation, got %+v", ev)
	}
	th.expectResult(cancelID, nil)
}

func TestStdio_SecondWaitSupersedesFirst(t *testing.T) {
	th := newHarness(t)

	first := th.call(MethodWait, nil)
	th.expectNoLine(20 * time.Millisecond)
	th.call(MethodWait, nil)

	var ev EventResult
	th.expectResult(first, &ev)
	if ev.ID != hostchannel.EventCancelled {
		t.Fatalf("expected first wait cancelled, got %+v", ev)
	}
}

func TestStdio_Errors(t *testing.T) {
	th := newHarness(t)

	id := th.call(MethodAttach, AttachParams{Name: "missing"})
	th.expectError(id, jsonrpc.ErrorCodeProviderNotFound)

	id = th.call("channel/teleport", nil)
	th.expectError(id, jsonrpc.ErrorCodeMethodNotFound)

	id = th.call(MethodRecv, nil)
	th.expectError(id, jsonrpc.ErrorCodeInvalidParams)

	id = th.call(MethodRecv, RecvParams{Handle: 42, Size: 8})
	th.expectError(id, jsonrpc.ErrorCodeInvalidHandle)

	h := th.attachEcho()
	id = th.call(MethodRecv, RecvParams{Handle: h, Size: 1 << 30})
	th.expectError(id, jsonrpc.ErrorCodeBufferTooLarge)

	th.writeRaw([]byte("{not json\n"))
	resp := th.expectResponse(time.Second)
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeParseError {
		t.Fatalf("expected parse error, got %+v", resp.Error)
	}
}

func TestStdio_QueryProvider(t *testing.T) {
	th := newHarness(t)

	id := th.call(MethodQuery, QueryParams{Name: "echo", Code: hostchannel.ControlExists, Size: 1})
	var dr DataResult
	th.expectResult(id, &dr)
	if len(dr.Data) != 1 || dr.Data[0] != 1 {
		t.Fatalf("unexpected query result %+v", dr)
	}
}

func TestStdio_EOFDisconnects(t *testing.T) {
	th := newHarness(t)
	th.attachEcho()
	waitID := th.call(MethodWait, nil)
	th.expectNoLine(20 * time.Millisecond)

	_ = th.stdinW.Close()

	var ev EventResult
	th.expectResult(waitID, &ev)
	if ev.ID != hostchannel.EventCancelled {
		t.Fatalf("expected pending wait cancelled on disconnect, got %+v", ev)
	}

	select {
	case err := <-th.served:
		th.served <- err
		if err != nil {
			t.Fatalf("expected nil error on EOF, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("serve did not return after EOF")
	}
	if st := th.b.Stats(); st.Clients != 0 || st.Instances != 0 {
		t.Fatalf("expected client torn down, got %+v", st)
	}
}

func TestStdio_ServeTwice(t *testing.T) {
	b := hostchannel.New()
	defer b.Close(context.Background())
	h := NewHandler(b, 9, WithIO(strings.NewReader(""), io.Discard))
	if err := h.Serve(context.Background()); err != nil {
		t.Fatalf("first serve: %v", err)
	}
	if err := h.Serve(context.Background()); !errors.Is(err, ErrAlreadyServed) {
		t.Fatalf("expected ErrAlreadyServed, got %v", err)
	}
}
