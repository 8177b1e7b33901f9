// Package handlers implements the example RPC methods spec.md §9 and
// original_source/peripheral_fw/src/handlers.c describe: echo,
// flash_read, counter_stream, counter_upload, and data_write. Message
// bodies are opaque to the core protocol (spec.md §1's "Out of
// scope"), so each handler here defines its own minimal, fixed-layout
// binary encoding rather than pulling in a schema compiler the rest of
// the module has no other use for.
package handlers

import (
	"encoding/binary"
)

func putU32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func getU32(b []byte) uint32    { return binary.LittleEndian.Uint32(b) }
func putI32(b []byte, v int32)  { binary.LittleEndian.PutUint32(b, uint32(v)) }
