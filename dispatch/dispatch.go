// Package dispatch implements the server-side request-dispatch engine
// described in spec.md §4.6: a control-frame fast path handled inline
// on the receive callback, and a two-pass handler invocation (sizing,
// then encode) run on a dedicated worker goroutine, grounded on the
// teacher's agent/control_server.go request-handling loop and
// krd/enclave_client.go's callback-correlation style.
package dispatch

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/op/go-logging"

	"github.com/tdaira/blerpc/command"
	"github.com/tdaira/blerpc/config"
	"github.com/tdaira/blerpc/container"
	"github.com/tdaira/blerpc/crypto"
	"github.com/tdaira/blerpc/peers"
	"github.com/tdaira/blerpc/transport"
)

var log = logging.MustGetLogger("dispatch")

// Error codes for CONTROL/ERROR payloads, per spec.md §6.
const (
	ErrCodeResponseTooLarge         byte = 0x01
	ErrCodeUnknownCommand           byte = 0x02
	ErrCodeDecodeFailed             byte = 0x03
	ErrCodeHandlerFailed            byte = 0x04
	ErrCodeNotEncryptedWhenRequired byte = 0x05
	// ErrCodeKeyExchangeRefused is drawn from the reserved code space:
	// sent when a KEY_EXCHANGE arrives while encryption is already
	// active on the session.
	ErrCodeKeyExchangeRefused byte = 0x06
)

// Outcome is a handler's report of how it concluded.
type Outcome int

const (
	// Completed means the dispatcher should encode and send the
	// handler's output as the single response to this request.
	Completed Outcome = iota
	// Skipped means the handler has produced its own replies (e.g. a
	// server-push stream) and the dispatcher must not send anything
	// further for this transaction.
	Skipped
)

// HandlerFunc is the (req_bytes, out_stream) -> Ok | SkipResponse |
// Error contract of spec.md §4.6/§9: it is invoked twice with
// identical req — once against a discard sink to size the response,
// once against the real frame-filling sink to encode it — and must
// write byte-for-byte the same output both times. A handler that
// returns an error or reports Skipped on the sizing pass is not
// invoked a second time.
type HandlerFunc func(req []byte, out io.Writer, ctx *Context) (Outcome, error)

// Context is handed to a handler so it can drive server-push streaming
// responses and register a client-push stream terminator, without
// reaching into the Dispatcher's internals.
type Context struct {
	d       *Dispatcher
	tid     uint8
	cmdName []byte
}

// PushResponse sends body as one RESPONSE command under cmdName, in a
// fresh transaction, per spec.md §4.6/§8 scenario (f). Used by
// server-push stream handlers (counter_stream) to emit each element.
func (c *Context) PushResponse(body []byte) error {
	return c.d.sendCommand(c.d.nextPushTransactionID(), command.Response, c.cmdName, body)
}

// EndPushStream sends the CONTROL/STREAM_END_P2C frame that terminates
// a server-push stream, carrying the original request's transaction ID.
func (c *Context) EndPushStream() error {
	return c.d.sendControl(c.tid, container.ControlStreamEndP2C, nil)
}

// OnUploadStreamEnd registers fn to run when a CONTROL/STREAM_END_C2P
// frame arrives, per spec.md §4.6's upload-stream terminator callback.
// fn receives the transaction ID the STREAM_END_C2P frame carried,
// which the client is blocking on (client.Session.StreamUploadEnd) and
// which fn should pass to RespondTo for its summary reply. Only one
// registration is live at a time, matching the single-slot assembly
// model: a second registration replaces the first.
func (c *Context) OnUploadStreamEnd(fn func(tid uint8)) {
	c.d.mu.Lock()
	c.d.uploadTerminator = fn
	c.d.mu.Unlock()
}

// RespondTo sends body as one RESPONSE command under cmdName, in the
// given transaction. Used by an upload-stream terminator (registered
// via OnUploadStreamEnd) to answer the CONTROL/STREAM_END_C2P's
// transaction with its summary response.
func (c *Context) RespondTo(tid uint8, body []byte) error {
	return c.d.sendCommand(tid, command.Response, c.cmdName, body)
}

// TransactionID returns the transaction ID of the request this Context
// was created for.
func (c *Context) TransactionID() uint8 { return c.tid }

type job struct {
	tid     uint8
	payload []byte
	// barrier jobs carry no payload; the worker discards them. Sending
	// one through the unbuffered jobs channel returns only once the
	// worker has finished everything enqueued before it, which is how
	// the receive path waits out an in-flight request without watching
	// worker state directly.
	barrier bool
}

// Dispatcher is the server-side engine. One Dispatcher owns one
// transport.Link, one Assembler, and (if encryption is configured) one
// crypto session plus its handshake state machine.
type Dispatcher struct {
	cfg      config.Config
	link     transport.Link
	identity *crypto.PeripheralIdentity

	assembler *container.Assembler

	mu               sync.Mutex
	handlers         map[string]HandlerFunc
	session          *crypto.Session
	handshake        *crypto.PeripheralHandshake
	uploadTerminator func(tid uint8)

	pushTxCounter uint32

	jobs chan job
}

// New constructs a Dispatcher. identity may be nil when cfg.Encryption
// is false.
func New(cfg config.Config, link transport.Link, identity *crypto.PeripheralIdentity) *Dispatcher {
	return &Dispatcher{
		cfg:       cfg,
		link:      link,
		identity:  identity,
		assembler: container.NewAssembler(cfg.AssemblerBufSize),
		handlers:  make(map[string]HandlerFunc),
		jobs:      make(chan job),
	}
}

// Register installs a handler for method name. Per spec.md §4.6/§9,
// lookup is a static table; Register is expected to be called during
// setup, not concurrently with Serve.
func (d *Dispatcher) Register(name string, h HandlerFunc) {
	d.handlers[name] = h
}

// Serve runs the receive loop until the link's Frames channel closes.
// It spawns one worker goroutine internally, per spec.md §5's
// cooperative-receive-plus-dedicated-worker scheduling model.
func (d *Dispatcher) Serve() error {
	go d.worker()
	defer close(d.jobs)
	for frame := range d.link.Frames() {
		d.handleFrame(frame)
	}
	return nil
}

// Close tears down the crypto session (zeroising key material) and
// resets the assembler, per spec.md §4.5/§5's disconnect semantics.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session != nil {
		d.session.Zero()
		d.session = nil
	}
	d.handshake = nil
	d.uploadTerminator = nil
	d.assembler.Init()
}

func (d *Dispatcher) nextPushTransactionID() uint8 {
	return uint8(atomic.AddUint32(&d.pushTxCounter, 1))
}

// handleFrame runs on the receive path. Per spec.md §4.6/§5 it must
// only ever do constant-time work: parse, handle control frames
// inline, or feed the assembler and hand a completed payload to the
// worker.
func (d *Dispatcher) handleFrame(frame []byte) {
	h, err := container.ParseHeader(frame)
	if err != nil {
		log.Debug("dropping malformed frame:", err)
		return
	}

	if h.Type == container.TypeControl {
		d.handleControl(h)
		return
	}

	result, err := d.assembler.Feed(h)
	if err != nil {
		// Framing errors are silent to the peer per spec.md §7(a); the
		// assembler has already reset itself.
		log.Debug("assembler error:", err)
		return
	}
	if result != container.Complete {
		return
	}

	payload := append([]byte(nil), d.assembler.Buf...)
	d.jobs <- job{tid: h.TransactionID, payload: payload}
}

func (d *Dispatcher) handleControl(h container.Header) {
	switch h.ControlCmd {
	case container.ControlCapabilities:
		d.sendCapabilities(h.TransactionID)
	case container.ControlTimeout:
		d.sendTimeoutEcho(h.TransactionID)
	case container.ControlStreamEndC2P:
		// The terminator summarizes state the last upload request's
		// handler may still be mutating on the worker. Frames arrive in
		// order, so draining the worker with a barrier here guarantees
		// that handler has finished before the terminator reads it.
		d.jobs <- job{barrier: true}
		d.mu.Lock()
		fn := d.uploadTerminator
		d.uploadTerminator = nil
		d.mu.Unlock()
		if fn != nil {
			fn(h.TransactionID)
		}
	case container.ControlKeyExchange:
		d.handleKeyExchange(h)
	default:
		log.Debug("ignoring reserved control command", h.ControlCmd)
	}
}

func (d *Dispatcher) sendCapabilities(tid uint8) {
	var flags uint16
	if d.cfg.Encryption {
		flags |= 0x0001
	}
	payload := make([]byte, 6)
	binary.LittleEndian.PutUint16(payload[0:2], uint16(d.cfg.AssemblerBufSize))
	binary.LittleEndian.PutUint16(payload[2:4], uint16(d.cfg.MaxResponsePayloadSize))
	binary.LittleEndian.PutUint16(payload[4:6], flags)
	if err := d.sendControl(tid, container.ControlCapabilities, payload); err != nil {
		log.Error("sending capabilities:", err)
	}
}

func (d *Dispatcher) sendTimeoutEcho(tid uint8) {
	payload := make([]byte, 2)
	binary.LittleEndian.PutUint16(payload, uint16(d.cfg.TimeoutMS))
	if err := d.sendControl(tid, container.ControlTimeout, payload); err != nil {
		log.Error("sending timeout echo:", err)
	}
}

func (d *Dispatcher) handleKeyExchange(h container.Header) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.session != nil {
		// Per spec.md §4.5: the peripheral refuses a fresh KEY_EXCHANGE
		// while encryption is already active.
		d.sendControlLocked(h.TransactionID, container.ControlError, []byte{ErrCodeKeyExchangeRefused})
		return
	}
	if d.identity == nil {
		d.sendControlLocked(h.TransactionID, container.ControlError, []byte{ErrCodeHandlerFailed})
		return
	}

	switch len(h.Payload) {
	case crypto.Step1Size:
		d.handshake = crypto.NewPeripheralHandshake(*d.identity)
		step2, err := d.handshake.HandleStep1(h.Payload)
		if err != nil {
			log.Error("handshake step1 failed:", err)
			d.handshake = nil
			return
		}
		d.sendControlLocked(h.TransactionID, container.ControlKeyExchange, step2)

	case crypto.Step3Size:
		if d.handshake == nil {
			log.Debug("step3 with no handshake in progress")
			return
		}
		step4, session, err := d.handshake.HandleStep3(h.Payload)
		if err != nil {
			// Crypto errors are fatal per spec.md §7(c).
			log.Error("handshake step3 failed, aborting session:", err)
			d.handshake = nil
			return
		}
		d.handshake = nil
		d.session = session
		if sessionID, err := peers.SessionID(d.identity.Public); err == nil {
			log.Notice("key exchange complete, session", sessionID.String())
		}
		d.sendControlLocked(h.TransactionID, container.ControlKeyExchange, step4)

	default:
		log.Debug("key exchange payload has unrecognized length", len(h.Payload))
	}
}

func (d *Dispatcher) sendControl(tid uint8, cmd container.ControlCommand, payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sendControlLocked(tid, cmd, payload)
}

func (d *Dispatcher) sendControlLocked(tid uint8, cmd container.ControlCommand, payload []byte) error {
	frame := make([]byte, container.ControlHeaderSize+len(payload))
	if _, err := container.Serialize(container.Header{
		TransactionID: tid,
		Type:          container.TypeControl,
		ControlCmd:    cmd,
		Payload:       payload,
	}, frame); err != nil {
		return err
	}
	return transport.SendWithBackpressure(d.link, frame)
}

func (d *Dispatcher) sendControlError(tid uint8, code byte) {
	if err := d.sendControl(tid, container.ControlError, []byte{code}); err != nil {
		log.Error("sending control error:", err)
	}
}

// worker runs pass-1/pass-2 dispatch for each assembled request. Only
// one job is outstanding at a time: the receive loop blocks on d.jobs
// until this goroutine is ready for the next one, matching spec.md
// §5's "server processes requests strictly serially".
func (d *Dispatcher) worker() {
	for j := range d.jobs {
		if j.barrier {
			continue
		}
		d.process(j)
	}
}

func (d *Dispatcher) process(j job) {
	plain := j.payload

	d.mu.Lock()
	session := d.session
	d.mu.Unlock()

	if session == nil && d.cfg.RequireEncryption {
		d.sendControlError(j.tid, ErrCodeNotEncryptedWhenRequired)
		return
	}

	if session != nil {
		var err error
		plain, err = session.Decrypt(j.payload)
		if err != nil {
			// Crypto errors are fatal per spec.md §7(c): tear the
			// session down. The caller owns actual disconnect.
			log.Error("decrypt failed, terminating session:", err)
			d.Close()
			return
		}
	}

	pkt, err := command.Parse(plain)
	if err != nil {
		d.sendControlError(j.tid, ErrCodeDecodeFailed)
		return
	}
	if pkt.Type != command.Request {
		d.sendControlError(j.tid, ErrCodeDecodeFailed)
		return
	}

	handler, ok := d.handlers[string(pkt.Name)]
	if !ok {
		d.sendControlError(j.tid, ErrCodeUnknownCommand)
		return
	}
	name := append([]byte(nil), pkt.Name...)
	req := append([]byte(nil), pkt.Data...)
	ctx := &Context{d: d, tid: j.tid, cmdName: name}

	var sizer countingWriter
	outcome, err := handler(req, &sizer, ctx)
	if err != nil {
		d.sendControlError(j.tid, ErrCodeHandlerFailed)
		return
	}
	if outcome == Skipped {
		return
	}

	bodySize := sizer.n
	totalLength := command.HeaderSize + len(name) + bodySize
	if totalLength > d.cfg.MaxResponsePayloadSize {
		d.sendControlError(j.tid, ErrCodeResponseTooLarge)
		return
	}

	if session == nil {
		d.encodeUnencrypted(j.tid, name, bodySize, req, handler, ctx)
	} else {
		d.encodeEncrypted(j.tid, session, name, bodySize, req, handler, ctx)
	}
}

// countingWriter is the pass-1 sizing sink: it discards bytes and
// counts them, per spec.md §4.6.
type countingWriter struct{ n int }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += len(p)
	return len(p), nil
}

// encodeUnencrypted runs the handler's second (encoding) pass directly
// into a StreamingSplitter, per spec.md §4.3/§4.6: frames are flushed
// as the handler produces bytes, with no intermediate buffering of the
// whole response.
func (d *Dispatcher) encodeUnencrypted(tid uint8, name []byte, bodySize int, req []byte, handler HandlerFunc, ctx *Context) {
	totalLength := command.HeaderSize + len(name) + bodySize
	splitter := container.NewStreamingSplitter(tid, uint16(totalLength), d.link.MTU(), func(frame []byte) error {
		return transport.SendWithBackpressure(d.link, frame)
	})

	hdr := make([]byte, command.HeaderSize+len(name))
	n, err := command.SerializeHeader(command.Response, name, bodySize, hdr)
	if err != nil {
		log.Error("serializing response header:", err)
		return
	}
	if _, err := splitter.Write(hdr[:n]); err != nil {
		log.Error("streaming response header:", err)
		return
	}

	if _, err := handler(req, splitter, ctx); err != nil {
		log.Error("handler failed on encode pass (sizing pass must be idempotent):", err)
		return
	}
	if err := splitter.Finish(); err != nil {
		log.Error("finishing streaming response:", err)
	}
}

// encodeEncrypted stages the full response plaintext, AEAD-encrypts it
// whole, and sends the ciphertext through the one-shot splitter, per
// spec.md §4.6: "AEAD requires the full plaintext at encrypt time".
func (d *Dispatcher) encodeEncrypted(tid uint8, session *crypto.Session, name []byte, bodySize int, req []byte, handler HandlerFunc, ctx *Context) {
	staging := bytes.NewBuffer(make([]byte, 0, d.cfg.AssemblerBufSize+crypto.WireOverhead))

	hdr := make([]byte, command.HeaderSize+len(name))
	n, err := command.SerializeHeader(command.Response, name, bodySize, hdr)
	if err != nil {
		log.Error("serializing response header:", err)
		return
	}
	staging.Write(hdr[:n])

	if _, err := handler(req, staging, ctx); err != nil {
		log.Error("handler failed on encode pass (sizing pass must be idempotent):", err)
		return
	}

	ciphertext, err := session.Encrypt(staging.Bytes())
	if err != nil {
		log.Error("encrypting response, terminating session:", err)
		d.Close()
		return
	}
	if err := container.SplitAndSend(tid, ciphertext, d.link.MTU(), func(frame []byte) error {
		return transport.SendWithBackpressure(d.link, frame)
	}); err != nil {
		log.Error("sending encrypted response:", err)
	}
}

// sendCommand builds and sends a complete one-shot command envelope,
// used for small server-push responses (Context.PushResponse) and the
// client-push stream's final summary response. Unlike process's main
// path there is no sizing pass: the body is already fully materialized
// by the caller.
func (d *Dispatcher) sendCommand(tid uint8, t command.Type, name []byte, body []byte) error {
	buf := make([]byte, command.HeaderSize+len(name)+len(body))
	n, err := command.Serialize(t, name, body, buf)
	if err != nil {
		return err
	}
	buf = buf[:n]

	d.mu.Lock()
	session := d.session
	d.mu.Unlock()

	send := func(frame []byte) error {
		return transport.SendWithBackpressure(d.link, frame)
	}

	if session == nil {
		return container.SplitAndSend(tid, buf, d.link.MTU(), send)
	}
	ciphertext, err := session.Encrypt(buf)
	if err != nil {
		d.Close()
		return fmt.Errorf("dispatch: encrypting pushed command: %w", err)
	}
	return container.SplitAndSend(tid, ciphertext, d.link.MTU(), send)
}
