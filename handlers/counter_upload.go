package handlers

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/op/go-logging"

	"github.com/tdaira/blerpc/dispatch"
)

var log = logging.MustGetLogger("handlers")

// CounterUpload is the client-push stream example handler: each
// counter_upload REQUEST just increments a counter and reports
// Skipped (handlers.c's handle_counter_upload sends no per-message
// response); the CONTROL/STREAM_END_C2P terminator, registered via
// Context.OnUploadStreamEnd, replies once with the accumulated total
// and resets the counter, matching handlers.c's
// send_upload_response/atomic_set(&upload_count, 0).
//
// Per spec.md §5, the counter must be atomic since the terminator's
// read-and-reset runs on the receive path while the increment runs on
// the worker.
type CounterUpload struct {
	count uint32
}

// NewCounterUpload returns a fresh CounterUpload handler.
func NewCounterUpload() *CounterUpload {
	return &CounterUpload{}
}

// Handle is a dispatch.HandlerFunc bound to this instance's counter.
// Request layout: seq (u32 LE), value (i32 LE) — unused beyond
// validating the frame shape, matching handlers.c's handle_counter_upload
// which logs them at debug level and otherwise ignores the values.
func (h *CounterUpload) Handle(req []byte, out io.Writer, ctx *dispatch.Context) (dispatch.Outcome, error) {
	if len(req) != 8 {
		return dispatch.Skipped, fmt.Errorf("handlers: counter_upload: request must be 8 bytes, got %d", len(req))
	}
	atomic.AddUint32(&h.count, 1)

	ctx.OnUploadStreamEnd(func(tid uint8) {
		count := atomic.SwapUint32(&h.count, 0)
		log.Info("counter_upload: received_count=", count)
		body := make([]byte, 4)
		putU32(body, count)
		if err := ctx.RespondTo(tid, body); err != nil {
			log.Error("counter_upload: sending summary response:", err)
		}
	})
	return dispatch.Skipped, nil
}
