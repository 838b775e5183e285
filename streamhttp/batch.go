package streamhttp

// Frame coalescing for the streaming delivery path. When several same-kind
// messages (all responses, or all notifications) are ready at the end of one
// dispatch cycle, they may share a single SSE frame as a JSON array, provided
// the group stays under both the byte ceiling and the item cap. Coalescing
// exists purely to reduce framing overhead: it never reorders messages and
// never holds one back for a later cycle.

const (
	defaultFrameByteLimit = 32 * 1024
	defaultFrameItemLimit = 5
)

type msgKind int

const (
	kindResponse msgKind = iota
	kindNotification
)

// outMessage is one serialized message awaiting transmission. token is its
// event-log sequence token ("" for messages that were not logged).
type outMessage struct {
	token   string
	kind    msgKind
	payload []byte
}

// frame is one SSE frame ready to push. Its token is the last member's, so a
// client resuming from the frame's id skips every message it contained.
type frame struct {
	token string
	data  []byte
}

// coalesce groups consecutive same-kind messages into frames under the given
// limits. Order is preserved exactly; a kind change, the item cap, or the
// byte ceiling all close the current group.
func coalesce(msgs []outMessage, maxBytes, maxItems int) []frame {
	if maxBytes <= 0 {
		maxBytes = defaultFrameByteLimit
	}
	if maxItems <= 0 {
		maxItems = defaultFrameItemLimit
	}

	var frames []frame
	var group []outMessage
	var groupBytes int

	flush := func() {
		if len(group) == 0 {
			return
		}
		frames = append(frames, buildFrame(group))
		group = group[:0]
		groupBytes = 0
	}

	for _, m := range msgs {
		// Cost inside a JSON array: payload plus a separating comma.
		cost := len(m.payload) + 1
		if len(group) > 0 {
			if group[0].kind != m.kind || len(group) >= maxItems || groupBytes+cost > maxBytes {
				flush()
			}
		}
		group = append(group, m)
		groupBytes += cost
	}
	flush()

	return frames
}

func buildFrame(group []outMessage) frame {
	if len(group) == 1 {
		return frame{token: group[0].token, data: group[0].payload}
	}

	size := 2 // brackets
	for _, m := range group {
		size += len(m.payload) + 1
	}
	data := make([]byte, 0, size)
	data = append(data, '[')
	for i, m := range group {
		if i > 0 {
			data = append(data, ',')
		}
		data = append(data, m.payload...)
	}
	data = append(data, ']')

	return frame{token: group[len(group)-1].token, data: data}
}
