package handlers

import (
	"fmt"
	"io"

	"github.com/tdaira/blerpc/dispatch"
)

// MaxCounterStreamCount bounds a counter_stream request, matching
// handlers.c's MAX_COUNTER_STREAM_COUNT.
const MaxCounterStreamCount = 10000

// CounterStream is the server-push stream example handler: it emits
// count RESPONSE payloads {seq, value: seq*10}, each under its own
// transaction ID, then a CONTROL/STREAM_END_P2C frame on the original
// transaction. Request layout: count (u32 LE). Per spec.md §8
// scenario (f) and handlers.c's handle_counter_stream, the dispatcher
// must not send a normal response for this transaction: CounterStream
// always reports Skipped.
func CounterStream(req []byte, out io.Writer, ctx *dispatch.Context) (dispatch.Outcome, error) {
	if len(req) != 4 {
		return dispatch.Skipped, fmt.Errorf("handlers: counter_stream: request must be 4 bytes, got %d", len(req))
	}
	count := getU32(req)
	if count > MaxCounterStreamCount {
		return dispatch.Skipped, fmt.Errorf("handlers: counter_stream: count %d exceeds max %d", count, MaxCounterStreamCount)
	}

	body := make([]byte, 8)
	for i := uint32(0); i < count; i++ {
		putU32(body[0:4], i)
		putI32(body[4:8], int32(i*10))
		if err := ctx.PushResponse(body); err != nil {
			return dispatch.Skipped, fmt.Errorf("handlers: counter_stream: pushing item %d: %w", i, err)
		}
	}
	if err := ctx.EndPushStream(); err != nil {
		return dispatch.Skipped, fmt.Errorf("handlers: counter_stream: ending stream: %w", err)
	}
	return dispatch.Skipped, nil
}
