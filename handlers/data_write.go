package handlers

import (
	"io"

	"github.com/tdaira/blerpc/dispatch"
)

// DataWrite is the data_write example handler: the request body is an
// arbitrary upload the peripheral has no further use for, so the
// handler reports only how many bytes it received. Response layout:
// length (u32 LE).
//
// Unlike handlers.c's handle_data_write, which streams the decode of
// a length-prefixed protobuf field through a callback to avoid
// buffering the whole body, this handler doesn't need a streaming
// decode step: the container/command layers below it have already
// reassembled req as one contiguous slice by the time a handler runs,
// so there is nothing left to stream-decode. It still counts len(req)
// rather than copying it anywhere, matching the no-buffering intent.
func DataWrite(req []byte, out io.Writer, ctx *dispatch.Context) (dispatch.Outcome, error) {
	body := make([]byte, 4)
	putU32(body, uint32(len(req)))
	if _, err := out.Write(body); err != nil {
		return dispatch.Completed, err
	}
	return dispatch.Completed, nil
}
