package jsonrpc

import (
	"encoding/json"
	"testing"
)

func TestRequestIDNullMeansAbsent(t *testing.T) {
	var id RequestID
	if err := json.Unmarshal([]byte(`null`), &id); err != nil {
		t.Fatalf("unmarshal null: %v", err)
	}
	if !id.IsNil() {
		t.Errorf("null ID must be absent, got %q", id.String())
	}

	// A message carrying "id":null is a notification, not request zero.
	var msg AnyMessage
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"m","id":null}`), &msg); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	if got := msg.Type(); got != "notification" {
		t.Errorf("Type() = %q, want notification", got)
	}
}

func TestRequestIDValues(t *testing.T) {
	var num RequestID
	if err := json.Unmarshal([]byte(`7`), &num); err != nil {
		t.Fatalf("unmarshal number: %v", err)
	}
	if num.IsNil() || num.String() != "7" {
		t.Errorf("numeric ID = %q (nil=%v), want 7", num.String(), num.IsNil())
	}

	var str RequestID
	if err := json.Unmarshal([]byte(`"abc"`), &str); err != nil {
		t.Fatalf("unmarshal string: %v", err)
	}
	if str.String() != "abc" {
		t.Errorf("string ID = %q, want abc", str.String())
	}

	var bad RequestID
	if err := json.Unmarshal([]byte(`{"nested":1}`), &bad); err == nil {
		t.Errorf("object ID must be rejected")
	}
}
