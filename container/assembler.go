package container

// FeedResult reports the outcome of feeding one header into an Assembler.
type FeedResult int

const (
	Incomplete FeedResult = iota
	Complete
)

// Assembler is a single-slot reassembler for one multi-frame logical
// payload, per spec.md §3-4.2. It is not concurrency-safe; a single
// owner (the transport's receive callback) must feed it.
type Assembler struct {
	cap            int
	active         bool
	transactionID  uint8
	expectedSeq    uint8
	totalLength    uint16
	written        uint16
	buf            []byte

	// Buf and TotalLength expose the reassembled payload after Feed
	// returns Complete. Valid only until the next Init/Feed call.
	Buf         []byte
	TotalLength uint16
}

// NewAssembler creates an Assembler with a fixed reassembly capacity.
// CAP must be large enough to hold the largest logical payload the
// caller expects to receive (ASSEMBLER_BUF_SIZE in spec.md §6).
func NewAssembler(capacity int) *Assembler {
	a := &Assembler{cap: capacity, buf: make([]byte, capacity)}
	a.Init()
	return a
}

// Init resets the assembler to Idle, discarding any in-progress
// transaction. Called on construction, on Error, and on session
// teardown. Complete does not call it: it clears the transaction state
// itself and keeps Buf and TotalLength readable.
func (a *Assembler) Init() {
	a.active = false
	a.transactionID = 0
	a.expectedSeq = 0
	a.totalLength = 0
	a.written = 0
	a.Buf = nil
	a.TotalLength = 0
}

// Feed advances the assembler state machine with one parsed container
// header. Per spec.md §4.2, any error resets the assembler to Idle
// before returning.
func (a *Assembler) Feed(h Header) (FeedResult, error) {
	switch h.Type {
	case TypeFirst:
		return a.feedFirst(h)
	case TypeSubsequent:
		return a.feedSubsequent(h)
	default:
		a.Init()
		return Incomplete, protoErr("control frame fed to assembler")
	}
}

func (a *Assembler) feedFirst(h Header) (FeedResult, error) {
	if a.active {
		a.Init()
		return Incomplete, protoErr("FIRST received while a transaction is in progress (overlap)")
	}
	if int(h.TotalLength) > a.cap {
		a.Init()
		return Incomplete, protoErr("total_length exceeds assembler capacity")
	}

	a.active = true
	a.transactionID = h.TransactionID
	a.totalLength = h.TotalLength
	a.expectedSeq = 1
	a.written = 0
	n := copy(a.buf, h.Payload)
	a.written = uint16(n)

	if a.written == a.totalLength {
		return a.complete()
	}
	return Incomplete, nil
}

func (a *Assembler) feedSubsequent(h Header) (FeedResult, error) {
	if !a.active {
		return Incomplete, protoErr("SUBSEQUENT received with no active FIRST")
	}
	if h.TransactionID != a.transactionID || h.SequenceNumber != a.expectedSeq {
		a.Init()
		return Incomplete, protoErr("SUBSEQUENT has wrong transaction_id or sequence_number")
	}

	if int(a.written)+len(h.Payload) > a.cap {
		a.Init()
		return Incomplete, protoErr("assembled payload would exceed assembler capacity")
	}

	n := copy(a.buf[a.written:], h.Payload)
	a.written += uint16(n)
	a.expectedSeq++

	switch {
	case a.written == a.totalLength:
		return a.complete()
	case a.written > a.totalLength:
		a.Init()
		return Incomplete, protoErr("assembled payload exceeds declared total_length")
	default:
		return Incomplete, nil
	}
}

func (a *Assembler) complete() (FeedResult, error) {
	a.Buf = a.buf[:a.written]
	a.TotalLength = a.totalLength
	a.active = false
	a.transactionID = 0
	a.expectedSeq = 0
	return Complete, nil
}

// Active reports whether a transaction is currently being assembled.
func (a *Assembler) Active() bool {
	return a.active
}
