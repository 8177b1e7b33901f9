package container

// SendHook delivers one fully-serialized container to the transport.
type SendHook func(frame []byte) error

// SendError reports that the send hook failed partway through a split,
// identifying which sequence number failed.
type SendError struct {
	Sequence uint8
	Err      error
}

func (e *SendError) Error() string {
	return "container: send failed at sequence " + itoa(e.Sequence) + ": " + e.Err.Error()
}

func (e *SendError) Unwrap() error { return e.Err }

func itoa(n uint8) string {
	if n == 0 {
		return "0"
	}
	var buf [3]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// effectiveCaps bounds per-frame payload capacity by both the MTU and
// the u8 payload_len field: at large MTUs the 255-byte field limit is
// the binding constraint, not the transport.
func effectiveCaps(mtu int) (firstCap, subCap int) {
	firstCap = mtu - ATTOverhead - FirstHeaderSize
	if firstCap > MaxPayloadLen {
		firstCap = MaxPayloadLen
	}
	subCap = mtu - ATTOverhead - SubsequentHeaderSize
	if subCap > MaxPayloadLen {
		subCap = MaxPayloadLen
	}
	return
}

// SplitAndSend fragments payload into FIRST/SUBSEQUENT containers sized
// to fit mtu and invokes send for each, in order. transactionID is
// opaque to the splitter. Per spec.md §4.3, a send failure short-
// circuits and is reported with the sequence number that failed.
func SplitAndSend(transactionID uint8, payload []byte, mtu int, send SendHook) error {
	firstCap, subCap := effectiveCaps(mtu)
	if firstCap <= 0 || subCap <= 0 {
		return protoErr("mtu too small to carry any payload")
	}

	total := len(payload)
	firstLen := total
	if firstLen > firstCap {
		firstLen = firstCap
	}

	frame := make([]byte, FirstHeaderSize+firstLen)
	if _, err := Serialize(Header{
		TransactionID: transactionID,
		Type:          TypeFirst,
		TotalLength:   uint16(total),
		Payload:       payload[:firstLen],
	}, frame); err != nil {
		return err
	}
	if err := send(frame); err != nil {
		return &SendError{Sequence: 0, Err: err}
	}

	remaining := payload[firstLen:]
	seq := uint8(1)
	for len(remaining) > 0 {
		n := len(remaining)
		if n > subCap {
			n = subCap
		}
		sub := make([]byte, SubsequentHeaderSize+n)
		if _, err := Serialize(Header{
			TransactionID:  transactionID,
			SequenceNumber: seq,
			Type:           TypeSubsequent,
			Payload:        remaining[:n],
		}, sub); err != nil {
			return err
		}
		if err := send(sub); err != nil {
			return &SendError{Sequence: seq, Err: err}
		}
		remaining = remaining[n:]
		seq++
	}

	return nil
}

// StreamingSplitter is the server-side incremental variant required by
// spec.md §4.3: it accepts byte writes as they are produced by a
// two-pass encoder and buffers/flushes containers as capacity fills,
// emitting a trailing partial container on Finish.
type StreamingSplitter struct {
	transactionID uint8
	mtu           int
	totalLength   uint16
	send          SendHook

	seq        uint8
	firstSent  bool
	payloadBuf []byte
	used       int
	err        error
}

// NewStreamingSplitter begins a streaming send for a logical payload of
// totalLength bytes (known up front from the sizing pass).
func NewStreamingSplitter(transactionID uint8, totalLength uint16, mtu int, send SendHook) *StreamingSplitter {
	return &StreamingSplitter{
		transactionID: transactionID,
		mtu:           mtu,
		totalLength:   totalLength,
		send:          send,
		payloadBuf:    make([]byte, MaxPayloadLen),
	}
}

func (s *StreamingSplitter) headerSize() int {
	if s.firstSent {
		return SubsequentHeaderSize
	}
	return FirstHeaderSize
}

func (s *StreamingSplitter) maxPayload() int {
	firstCap, subCap := effectiveCaps(s.mtu)
	if s.firstSent {
		return subCap
	}
	return firstCap
}

// Write buffers data into the current container, flushing whenever it
// fills. It is safe to call repeatedly as the encoder produces bytes.
func (s *StreamingSplitter) Write(data []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	written := 0
	for len(data) > 0 {
		maxPayload := s.maxPayload()
		space := maxPayload - s.used
		n := len(data)
		if n > space {
			n = space
		}
		copy(s.payloadBuf[s.used:], data[:n])
		s.used += n
		data = data[n:]
		written += n

		if s.used >= maxPayload {
			if err := s.flush(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

func (s *StreamingSplitter) flush() error {
	if s.used == 0 {
		return nil
	}
	hdrSize := s.headerSize()
	frame := make([]byte, hdrSize+s.used)

	h := Header{
		TransactionID:  s.transactionID,
		SequenceNumber: s.seq,
		Payload:        s.payloadBuf[:s.used],
	}
	if s.firstSent {
		h.Type = TypeSubsequent
	} else {
		h.Type = TypeFirst
		h.TotalLength = s.totalLength
	}

	if _, err := Serialize(h, frame); err != nil {
		s.err = err
		return err
	}
	if err := s.send(frame); err != nil {
		s.err = &SendError{Sequence: s.seq, Err: err}
		return s.err
	}

	s.seq++
	s.firstSent = true
	s.used = 0
	return nil
}

// Finish flushes any trailing partial container. It must be called
// exactly once after the encoder has produced all bytes.
func (s *StreamingSplitter) Finish() error {
	if s.err != nil {
		return s.err
	}
	return s.flush()
}
