package jsonrpc

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestAnyMessage_Type(t *testing.T) {
	cases := map[string]string{
		`{"jsonrpc":"2.0","method":"channel/attach","id":1,"params":{}}`: "request",
		`{"jsonrpc":"2.0","method":"event/cancel"}`:                      "notification",
		`{"jsonrpc":"2.0","result":{},"id":"abc"}`:                       "response",
		`{"jsonrpc":"2.0","error":{"code":-32601,"message":"x"},"id":2}`: "response",
	}
	for in, want := range cases {
		var m AnyMessage
		if err := json.Unmarshal([]byte(in), &m); err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if got := m.Type(); got != want {
			t.Fatalf("%s: expected %s, got %s", in, want, got)
		}
	}
}

func TestAnyMessage_Invalid(t *testing.T) {
	for _, in := range []string{
		`{"jsonrpc":"1.0","method":"x","id":1}`,
		`{"jsonrpc":"2.0","method":"x","result":{},"id":1}`,
		`{"jsonrpc":"2.0","id":1}`,
		`{"jsonrpc":"2.0","result":{},"error":{"code":1,"message":"m"},"id":1}`,
	} {
		var m AnyMessage
		if err := json.Unmarshal([]byte(in), &m); err == nil {
			t.Fatalf("%s: expected error", in)
		}
	}
}

func TestRequestID_RoundTrip(t *testing.T) {
	var m AnyMessage
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"x","id":"123"}`), &m); err != nil {
		t.Fatal(err)
	}
	resp, err := NewResultResponse(m.ID, map[string]int{"handle": 1})
	if err != nil {
		t.Fatal(err)
	}
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"id":"123"`) {
		t.Fatalf("string id must stay a string, got %s", b)
	}

	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"x","id":7}`), &m); err != nil {
		t.Fatal(err)
	}
	if m.ID.String() != "7" {
		t.Fatalf("expected id 7, got %q", m.ID.String())
	}
}

func TestNewErrorResponse_NullID(t *testing.T) {
	b, err := json.Marshal(NewErrorResponse(nil, ErrorCodeParseError, "bad", nil))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"id":null`) {
		t.Fatalf("expected null id, got %s", b)
	}
}
