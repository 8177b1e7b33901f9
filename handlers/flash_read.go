package handlers

import (
	"fmt"
	"io"

	"github.com/tdaira/blerpc/dispatch"
)

// MaxFlashReadSize bounds a single flash_read request regardless of
// config.MaxFlashReadAddress, matching handlers.c's MAX_FLASH_READ_SIZE.
const MaxFlashReadSize = 8192

// flashReadChunkSize is the read buffer size used when streaming flash
// contents into the response, matching handlers.c's 256-byte chunk.
const flashReadChunkSize = 256

// FlashReader abstracts the flash/device driver handle_flash_read
// reads through (out of scope per spec.md §1: "flash/device drivers
// used by example handlers"). ReadAt must behave like io.ReaderAt:
// fill buf completely or return a non-nil error.
type FlashReader interface {
	ReadAt(buf []byte, address uint32) error
	// Size reports the addressable flash size, used for the same
	// out-of-bounds check handlers.c runs against the device's last
	// flash page. A zero Size means the bound is unknown and only
	// FlashRead's maxReadAddress (if nonzero) bounds the address range;
	// MaxFlashReadSize still bounds the length.
	Size() uint32
}

// FlashRead is the flash_read handler, bounded by maxReadAddress (0
// means unbounded, mirroring config.Config.MaxFlashReadAddress) and by
// the reader's own reported Size. Request layout: address (u32 LE),
// length (u32 LE). Response layout: address (u32 LE), data (rest).
//
// Grounded on handlers.c's handle_flash_read/flash_data_encode_cb: the
// data is streamed out of flash in fixed-size chunks directly into the
// pass-2 encoder rather than staged in a response-sized buffer.
func FlashRead(dev FlashReader, maxReadAddress uint32) dispatch.HandlerFunc {
	return func(req []byte, out io.Writer, ctx *dispatch.Context) (dispatch.Outcome, error) {
		if len(req) != 8 {
			return dispatch.Completed, fmt.Errorf("handlers: flash_read: request must be 8 bytes, got %d", len(req))
		}
		address := getU32(req[0:4])
		length := getU32(req[4:8])

		if length > MaxFlashReadSize {
			return dispatch.Completed, fmt.Errorf("handlers: flash_read: length %d exceeds max %d", length, MaxFlashReadSize)
		}
		end := uint64(address) + uint64(length)
		if length > 0 {
			if maxReadAddress > 0 && end > uint64(maxReadAddress) {
				return dispatch.Completed, fmt.Errorf("handlers: flash_read: address 0x%x + length %d exceeds max allowed address 0x%x", address, length, maxReadAddress)
			}
			if size := dev.Size(); size > 0 && end > uint64(size) {
				return dispatch.Completed, fmt.Errorf("handlers: flash_read: address 0x%x + length %d out of bounds (flash_size=%d)", address, length, size)
			}
		}

		hdr := make([]byte, 4)
		putU32(hdr, address)
		if _, err := out.Write(hdr); err != nil {
			return dispatch.Completed, err
		}

		var chunk [flashReadChunkSize]byte
		addr := address
		remaining := length
		for remaining > 0 {
			n := uint32(flashReadChunkSize)
			if remaining < n {
				n = remaining
			}
			if err := dev.ReadAt(chunk[:n], addr); err != nil {
				return dispatch.Completed, fmt.Errorf("handlers: flash_read: reading flash at 0x%x: %w", addr, err)
			}
			if _, err := out.Write(chunk[:n]); err != nil {
				return dispatch.Completed, err
			}
			addr += n
			remaining -= n
		}
		return dispatch.Completed, nil
	}
}
