package handlers

import (
	"io"

	"github.com/tdaira/blerpc/dispatch"
)

// Echo returns req unchanged as the response body, grounded on
// handlers.c's handle_echo (which copies req.message into
// resp.message verbatim; the message is the entire body here, so the
// copy degenerates to an identity write).
func Echo(req []byte, out io.Writer, ctx *dispatch.Context) (dispatch.Outcome, error) {
	if _, err := out.Write(req); err != nil {
		return dispatch.Completed, err
	}
	return dispatch.Completed, nil
}
