package streamhttp

import (
	"fmt"
	"testing"
)

func msg(token string, kind msgKind, payload string) outMessage {
	return outMessage{token: token, kind: kind, payload: []byte(payload)}
}

func TestCoalesceSingleMessagePassesThrough(t *testing.T) {
	frames := coalesce([]outMessage{msg("1", kindResponse, `{"id":1}`)}, 0, 0)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0].token != "1" {
		t.Errorf("token = %q, want %q", frames[0].token, "1")
	}
	if string(frames[0].data) != `{"id":1}` {
		t.Errorf("single-message frame must not be wrapped in an array, got %s", frames[0].data)
	}
}

func TestCoalesceGroupsSameKind(t *testing.T) {
	frames := coalesce([]outMessage{
		msg("1", kindResponse, `{"id":1}`),
		msg("2", kindResponse, `{"id":2}`),
		msg("3", kindResponse, `{"id":3}`),
	}, 0, 0)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	want := `[{"id":1},{"id":2},{"id":3}]`
	if string(frames[0].data) != want {
		t.Errorf("frame data = %s, want %s", frames[0].data, want)
	}
	if frames[0].token != "3" {
		t.Errorf("frame token = %q, want the last member's token %q", frames[0].token, "3")
	}
}

func TestCoalesceKindChangeSplitsFrames(t *testing.T) {
	frames := coalesce([]outMessage{
		msg("1", kindResponse, `{"id":1}`),
		msg("2", kindNotification, `{"method":"a"}`),
		msg("3", kindResponse, `{"id":3}`),
	}, 0, 0)
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	for i, want := range []string{`{"id":1}`, `{"method":"a"}`, `{"id":3}`} {
		if string(frames[i].data) != want {
			t.Errorf("frame %d = %s, want %s", i, frames[i].data, want)
		}
	}
}

func TestCoalesceItemCap(t *testing.T) {
	var in []outMessage
	for i := 1; i <= 7; i++ {
		in = append(in, msg(fmt.Sprint(i), kindNotification, fmt.Sprintf(`{"n":%d}`, i)))
	}
	frames := coalesce(in, 0, 5)
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[0].token != "5" || frames[1].token != "7" {
		t.Errorf("tokens = %q, %q, want 5, 7", frames[0].token, frames[1].token)
	}
}

func TestCoalesceByteCeiling(t *testing.T) {
	big := make([]byte, 40)
	for i := range big {
		big[i] = 'x'
	}
	payload := fmt.Sprintf(`{"x":"%s"}`, big)
	in := []outMessage{
		msg("1", kindResponse, payload),
		msg("2", kindResponse, payload),
	}
	// Ceiling fits exactly one payload plus its comma cost.
	frames := coalesce(in, len(payload)+1, 5)
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2 (ceiling must split the group)", len(frames))
	}
	if string(frames[0].data) != payload {
		t.Errorf("oversized groups must still emit each message, got %s", frames[0].data)
	}
}

func TestCoalescePreservesOrderAcrossFrames(t *testing.T) {
	var in []outMessage
	for i := 1; i <= 12; i++ {
		in = append(in, msg(fmt.Sprint(i), kindResponse, fmt.Sprintf(`{"n":%d}`, i)))
	}
	frames := coalesce(in, 0, 5)

	var tokens []string
	for _, f := range frames {
		tokens = append(tokens, f.token)
	}
	// 12 messages at 5 per frame: last members are 5, 10, 12.
	want := []string{"5", "10", "12"}
	if len(tokens) != len(want) {
		t.Fatalf("got tokens %v, want %v", tokens, want)
	}
	for i := range want {
		if tokens[i] != want[i] {
			t.Errorf("frame %d token = %q, want %q", i, tokens[i], want[i])
		}
	}
}
