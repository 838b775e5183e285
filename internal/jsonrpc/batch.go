package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// DecodeInbound parses one inbound HTTP body, which may be a single JSON-RPC
// message or a JSON array of them. It reports whether the payload was an
// array so the caller can mirror the shape in its reply (one object for a
// single request, an array otherwise). An empty array is a parse error: the
// JSON-RPC 2.0 spec treats it as an invalid request.
func DecodeInbound(raw []byte) (msgs []*AnyMessage, batched bool, err error) {
	trimmed := firstNonSpace(raw)
	if trimmed == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(raw, &arr); err != nil {
			return nil, true, fmt.Errorf("invalid JSON batch: %w", err)
		}
		if len(arr) == 0 {
			return nil, true, fmt.Errorf("empty batch")
		}
		msgs = make([]*AnyMessage, 0, len(arr))
		for i, el := range arr {
			var m AnyMessage
			if err := json.Unmarshal(el, &m); err != nil {
				return nil, true, fmt.Errorf("invalid message at index %d: %w", i, err)
			}
			msgs = append(msgs, &m)
		}
		return msgs, true, nil
	}

	var m AnyMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false, err
	}
	return []*AnyMessage{&m}, false, nil
}

func firstNonSpace(b []byte) byte {
	for _, c := range b {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return c
	}
	return 0
}
