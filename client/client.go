// Package client implements the client-side RPC session described in
// spec.md §4.7: transaction ID allocation, capability negotiation, the
// key-exchange driver, Call/stream helpers, and response delivery.
// Grounded on the teacher's agent/enclave_client.go request/response
// correlation (an *lru.Cache of pending callbacks keyed by request ID,
// fed by a single reader goroutine) adapted from JSON-over-Bluetooth to
// this module's container/command wire format.
package client

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	lru "github.com/golang/groupcache/lru"
	"github.com/op/go-logging"

	"github.com/tdaira/blerpc/command"
	"github.com/tdaira/blerpc/config"
	"github.com/tdaira/blerpc/container"
	"github.com/tdaira/blerpc/crypto"
	"github.com/tdaira/blerpc/peers"
	"github.com/tdaira/blerpc/transport"
)

var log = logging.MustGetLogger("client")

// ErrTimedOut is returned when a bounded wait (spec.md §5's suspension
// points) expires before a reply arrives.
var ErrTimedOut = fmt.Errorf("client: request timed out")

// ErrTransportLost is returned to in-flight calls when the link closes.
var ErrTransportLost = fmt.Errorf("client: transport lost")

// ErrMethodMismatch is returned by Call if the response's echoed
// cmd_name does not match the request's, per spec.md §4.7.
var ErrMethodMismatch = fmt.Errorf("client: response method name did not match request")

// RpcError wraps a CONTROL/ERROR response to a Call, per spec.md §7(b).
type RpcError struct {
	Code byte
}

func (e *RpcError) Error() string {
	switch e.Code {
	case 0x01:
		return "client: ResponseTooLarge"
	case 0x02:
		return "client: UnknownCommand"
	case 0x03:
		return "client: DecodeFailed"
	case 0x04:
		return "client: HandlerFailed"
	case 0x05:
		return "client: NotEncryptedWhenRequired"
	case 0x06:
		return "client: KeyExchangeRefused"
	default:
		return fmt.Sprintf("client: rpc error code %#x", e.Code)
	}
}

// pendingCacheCap bounds how many request waiters can be outstanding
// per kind; adding beyond it evicts (and thereby fails) the oldest
// waiter, so this is the hard cap on concurrent calls.
const pendingCacheCap = 128

// pendingCall is the wait-slot for one outstanding Call or handshake
// control round trip.
type pendingCall struct {
	ch chan pendingResult
}

// pendingResult carries exactly one kind of reply: a command payload,
// a control payload, or an RpcError.
type pendingResult struct {
	// commandPayload is the assembled, decrypted command-envelope
	// bytes for a normal RESPONSE.
	commandPayload []byte
	// controlPayload is the payload of a matching non-error control
	// reply (capabilities, timeout echo, handshake step).
	controlPayload []byte
	isControl      bool
	// rpcErr is set when a CONTROL/ERROR frame answered this tid.
	rpcErr *RpcError
}

// Capabilities mirrors spec.md §3's Capabilities record.
type Capabilities struct {
	MaxRequestPayloadSize  uint16
	MaxResponsePayloadSize uint16
	Flags                  uint16
}

// EncryptionSupported reports Flags bit 0.
func (c Capabilities) EncryptionSupported() bool { return c.Flags&0x0001 != 0 }

// Session is the client side of one connected (possibly encrypted)
// session, across which it allocates many transaction IDs. One Session
// owns one transport.Link.
type Session struct {
	link     transport.Link
	timeouts config.Timeouts
	peers    *peers.Store
	peerAddr string

	mu       sync.Mutex
	nextTxID uint8
	// pendingCmd and pendingCtl hold *pendingCall waiters keyed by
	// transaction ID. Eviction closes the waiter's channel, failing
	// its caller with ErrTransportLost; Close uses the same mechanism
	// via Clear to fail everything in flight.
	pendingCmd *lru.Cache
	pendingCtl *lru.Cache
	streamDone map[uint8]chan struct{}
	streamCB   map[string]func([]byte)
	assembler  *container.Assembler
	session    *crypto.Session
	caps       *Capabilities
	recvExit   chan struct{}
}

// New constructs a Session bound to link. peerAddr identifies the
// physical peripheral for trust-on-first-use lookups in store (see
// peers.Store); store may be nil to disable identity caching.
func New(link transport.Link, assemblerCap int, timeouts config.Timeouts, store *peers.Store, peerAddr string) *Session {
	s := newUnbound(assemblerCap, timeouts, store, peerAddr)
	s.link = link
	go s.recvLoop()
	return s
}

// NewUnconnected builds a Session with no Link attached yet. It is
// meant for callers that will establish the link by calling Connect,
// which drives a transport.Connector's connection sequence before
// attaching the resulting Link and starting the receive loop.
func NewUnconnected(assemblerCap int, timeouts config.Timeouts, store *peers.Store, peerAddr string) *Session {
	return newUnbound(assemblerCap, timeouts, store, peerAddr)
}

func newUnbound(assemblerCap int, timeouts config.Timeouts, store *peers.Store, peerAddr string) *Session {
	s := &Session{
		timeouts:   timeouts,
		peers:      store,
		peerAddr:   peerAddr,
		pendingCmd: lru.New(pendingCacheCap),
		pendingCtl: lru.New(pendingCacheCap),
		streamDone: make(map[uint8]chan struct{}),
		streamCB:   make(map[string]func([]byte)),
		assembler:  container.NewAssembler(assemblerCap),
		recvExit:   make(chan struct{}),
	}
	evict := func(_ lru.Key, v interface{}) { close(v.(*pendingCall).ch) }
	s.pendingCmd.OnEvicted = evict
	s.pendingCtl.OnEvicted = evict
	return s
}

// Connect drives connector's BLE central-side connection sequence —
// connect -> data-length update -> MTU exchange -> GATT discovery ->
// subscribe, per original_source/central_fw/src/ble_central.c's
// observed ordering — attaches the resulting Link, and starts the
// receive loop. It then performs spec.md §4.7's capabilities-then-
// handshake ordering: CONTROL/CAPABILITIES is requested first, and
// only if the peripheral reports ENCRYPTION_SUPPORTED is a handshake
// attempted, against trustedIdentity if non-nil or else whatever
// identity key was last remembered for peerAddr in store (trust on
// first use otherwise). Matching original_source/central_fw/src/
// main.c, a failed or unsupported handshake degrades to plaintext
// rather than aborting the connection; call Encrypted after Connect
// returns to learn whether the upgrade actually succeeded.
func (s *Session) Connect(ctx context.Context, connector transport.Connector, trustedIdentity ed25519.PublicKey) (Capabilities, error) {
	if err := connector.Connect(ctx); err != nil {
		return Capabilities{}, fmt.Errorf("client: connect: %w", err)
	}
	if err := connector.UpdateDataLength(ctx); err != nil {
		return Capabilities{}, fmt.Errorf("client: data length update: %w", err)
	}
	if _, err := connector.ExchangeMTU(ctx); err != nil {
		return Capabilities{}, fmt.Errorf("client: mtu exchange: %w", err)
	}
	if err := connector.DiscoverServices(ctx); err != nil {
		return Capabilities{}, fmt.Errorf("client: service discovery: %w", err)
	}
	link, err := connector.Subscribe(ctx)
	if err != nil {
		return Capabilities{}, fmt.Errorf("client: subscribe: %w", err)
	}

	s.link = link
	go s.recvLoop()

	caps, err := s.RequestCapabilities(ctx)
	if err != nil {
		return Capabilities{}, err
	}
	if !caps.EncryptionSupported() {
		return caps, nil
	}

	identity := trustedIdentity
	if identity == nil && s.peers != nil && s.peerAddr != "" {
		if known, ok := s.peers.Lookup(s.peerAddr); ok {
			identity = ed25519.PublicKey(known)
		}
	}
	if err := s.PerformKeyExchange(ctx, identity); err != nil {
		log.Warning("key exchange failed, continuing unencrypted:", err)
	}
	return caps, nil
}

// Encrypted reports whether a crypto session is currently active.
func (s *Session) Encrypted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session != nil
}

func (s *Session) nextTransactionID() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	tid := s.nextTxID
	s.nextTxID++
	return tid
}

// Close tears down the crypto session and unblocks any in-flight call
// with ErrTransportLost, per spec.md §5's disconnect semantics.
// Clearing the pending caches fires their eviction hook for every
// waiter still registered.
func (s *Session) Close() {
	s.mu.Lock()
	if s.session != nil {
		s.session.Zero()
		s.session = nil
	}
	s.assembler.Init()
	s.pendingCmd.Clear()
	s.pendingCtl.Clear()
	s.mu.Unlock()

	if s.link != nil {
		s.link.Close()
	}
}

// recvLoop is the single reader goroutine: it owns the assembler and
// routes every assembled payload or control frame to whichever waiter
// or stream callback is registered, per spec.md §5's single-owner rule.
func (s *Session) recvLoop() {
	defer close(s.recvExit)
	for frame := range s.link.Frames() {
		s.handleFrame(frame)
	}
}

func (s *Session) handleFrame(frame []byte) {
	h, err := container.ParseHeader(frame)
	if err != nil {
		log.Debug("dropping malformed frame:", err)
		return
	}

	if h.Type == container.TypeControl {
		s.handleControl(h)
		return
	}

	result, err := s.assembler.Feed(h)
	if err != nil {
		log.Debug("assembler error:", err)
		return
	}
	if result != container.Complete {
		return
	}

	payload := append([]byte(nil), s.assembler.Buf...)
	s.handleAssembled(h.TransactionID, payload)
}

func (s *Session) handleControl(h container.Header) {
	switch h.ControlCmd {
	case container.ControlError:
		if len(h.Payload) == 0 {
			log.Debug("empty CONTROL/ERROR")
			return
		}
		res := pendingResult{rpcErr: &RpcError{Code: h.Payload[0]}}
		s.mu.Lock()
		if !s.deliverLocked(s.pendingCmd, h.TransactionID, res) &&
			!s.deliverLocked(s.pendingCtl, h.TransactionID, res) {
			log.Debug("unmatched CONTROL/ERROR")
		}
		s.mu.Unlock()

	case container.ControlStreamEndP2C:
		s.mu.Lock()
		done, ok := s.streamDone[h.TransactionID]
		if ok {
			delete(s.streamDone, h.TransactionID)
		}
		s.mu.Unlock()
		if ok {
			close(done)
		}

	default:
		res := pendingResult{controlPayload: append([]byte(nil), h.Payload...), isControl: true}
		s.mu.Lock()
		if !s.deliverLocked(s.pendingCtl, h.TransactionID, res) {
			log.Debug("unmatched control reply", h.ControlCmd)
		}
		s.mu.Unlock()
	}
}

// deliverLocked hands res to the waiter registered for tid in cache,
// if any, then retires the entry (the eviction hook closes the
// waiter's channel after the buffered send). Caller holds s.mu.
func (s *Session) deliverLocked(cache *lru.Cache, tid uint8, res pendingResult) bool {
	v, ok := cache.Get(tid)
	if !ok {
		return false
	}
	v.(*pendingCall).ch <- res
	cache.Remove(tid)
	return true
}

// removePending retires tid's waiter without a result, closing its
// channel via the eviction hook. Used on send failure and timeout.
func (s *Session) removePending(cache *lru.Cache, tid uint8) {
	s.mu.Lock()
	cache.Remove(tid)
	s.mu.Unlock()
}

func (s *Session) handleAssembled(tid uint8, payload []byte) {
	plain := payload
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()
	if session != nil {
		var err error
		plain, err = session.Decrypt(payload)
		if err != nil {
			log.Error("decrypt failed, terminating session:", err)
			s.Close()
			return
		}
	}

	pkt, err := command.Parse(plain)
	if err != nil {
		log.Debug("malformed response command:", err)
		return
	}
	if pkt.Type != command.Response {
		log.Debug("dropping non-RESPONSE payload on client")
		return
	}

	s.mu.Lock()
	delivered := s.deliverLocked(s.pendingCmd, tid, pendingResult{commandPayload: plain})
	cb, hasCB := s.streamCB[string(pkt.Name)]
	s.mu.Unlock()

	if delivered {
		return
	}
	if hasCB {
		cb(append([]byte(nil), pkt.Data...))
		return
	}
	log.Debug("unmatched RESPONSE for tid", tid)
}

func (s *Session) send(tid uint8, t command.Type, method string, body []byte) error {
	buf := make([]byte, command.HeaderSize+len(method)+len(body))
	n, err := command.Serialize(t, []byte(method), body, buf)
	if err != nil {
		return err
	}
	buf = buf[:n]

	s.mu.Lock()
	session := s.session
	caps := s.caps
	s.mu.Unlock()

	if caps != nil && t == command.Request && len(body) > int(caps.MaxRequestPayloadSize) {
		return fmt.Errorf("client: request body %d exceeds negotiated max %d", len(body), caps.MaxRequestPayloadSize)
	}

	send := func(frame []byte) error {
		return transport.SendWithBackpressure(s.link, frame)
	}
	if session != nil {
		ciphertext, err := session.Encrypt(buf)
		if err != nil {
			s.Close()
			return err
		}
		return container.SplitAndSend(tid, ciphertext, s.link.MTU(), send)
	}
	return container.SplitAndSend(tid, buf, s.link.MTU(), send)
}

func (s *Session) sendControl(tid uint8, cmd container.ControlCommand, payload []byte) error {
	frame := make([]byte, container.ControlHeaderSize+len(payload))
	if _, err := container.Serialize(container.Header{
		TransactionID: tid,
		Type:          container.TypeControl,
		ControlCmd:    cmd,
		Payload:       payload,
	}, frame); err != nil {
		return err
	}
	return transport.SendWithBackpressure(s.link, frame)
}

// Call issues method with req as its body and waits for the matching
// response, per spec.md §4.7. It enforces the negotiated request-size
// cap when known, encrypts if a crypto session is active, and verifies
// the echoed method name.
func (s *Session) Call(ctx context.Context, method string, req []byte) ([]byte, error) {
	tid := s.nextTransactionID()
	waiter := &pendingCall{ch: make(chan pendingResult, 1)}
	s.mu.Lock()
	s.pendingCmd.Add(tid, waiter)
	s.mu.Unlock()

	if err := s.send(tid, command.Request, method, req); err != nil {
		s.removePending(s.pendingCmd, tid)
		return nil, err
	}

	timeout := s.timeouts.Call.Fail
	select {
	case res, ok := <-waiter.ch:
		if !ok {
			return nil, ErrTransportLost
		}
		if res.rpcErr != nil {
			return nil, res.rpcErr
		}
		pkt, err := command.Parse(res.commandPayload)
		if err != nil {
			return nil, err
		}
		if string(pkt.Name) != method {
			return nil, ErrMethodMismatch
		}
		return append([]byte(nil), pkt.Data...), nil
	case <-time.After(timeout):
		s.removePending(s.pendingCmd, tid)
		return nil, ErrTimedOut
	case <-ctx.Done():
		s.removePending(s.pendingCmd, tid)
		return nil, ctx.Err()
	}
}

// RequestCapabilities sends a CONTROL/CAPABILITIES query and parses the
// 6-byte reply. Per spec.md §9, a 4-byte reply (an older variant with
// no flags field) is rejected as "encryption unknown -> off" rather
// than parsed.
func (s *Session) RequestCapabilities(ctx context.Context) (Capabilities, error) {
	tid := s.nextTransactionID()
	payload, err := s.controlRoundTrip(ctx, tid, container.ControlCapabilities, nil, s.timeouts.Call.Fail)
	if err != nil {
		return Capabilities{}, err
	}
	if len(payload) != 6 {
		return Capabilities{}, fmt.Errorf("client: rejecting %d-byte capabilities reply, encryption unknown -> off", len(payload))
	}
	caps := Capabilities{
		MaxRequestPayloadSize:  binary.LittleEndian.Uint16(payload[0:2]),
		MaxResponsePayloadSize: binary.LittleEndian.Uint16(payload[2:4]),
		Flags:                  binary.LittleEndian.Uint16(payload[4:6]),
	}
	s.mu.Lock()
	s.caps = &caps
	s.mu.Unlock()
	return caps, nil
}

// RequestTimeout sends a CONTROL/TIMEOUT query and returns the
// peripheral's configured timeout in milliseconds.
func (s *Session) RequestTimeout(ctx context.Context) (uint16, error) {
	tid := s.nextTransactionID()
	payload, err := s.controlRoundTrip(ctx, tid, container.ControlTimeout, nil, s.timeouts.Call.Fail)
	if err != nil {
		return 0, err
	}
	if len(payload) != 2 {
		return 0, fmt.Errorf("client: malformed timeout reply")
	}
	return binary.LittleEndian.Uint16(payload), nil
}

func (s *Session) controlRoundTrip(ctx context.Context, tid uint8, cmd container.ControlCommand, payload []byte, timeout time.Duration) ([]byte, error) {
	waiter := &pendingCall{ch: make(chan pendingResult, 1)}
	s.mu.Lock()
	s.pendingCtl.Add(tid, waiter)
	s.mu.Unlock()

	if err := s.sendControl(tid, cmd, payload); err != nil {
		s.removePending(s.pendingCtl, tid)
		return nil, err
	}

	select {
	case res, ok := <-waiter.ch:
		if !ok {
			return nil, ErrTransportLost
		}
		if res.rpcErr != nil {
			return nil, res.rpcErr
		}
		return res.controlPayload, nil
	case <-time.After(timeout):
		s.removePending(s.pendingCtl, tid)
		return nil, ErrTimedOut
	case <-ctx.Done():
		s.removePending(s.pendingCtl, tid)
		return nil, ctx.Err()
	}
}

// PerformKeyExchange drives the three client-sent rounds of the
// handshake in spec.md §4.5 over CONTROL/KEY_EXCHANGE frames, and
// installs the resulting crypto.Session on success. trustedIdentity, if
// non-nil, pins the expected peripheral identity key (fed from
// peers.Store on a repeat connection).
func (s *Session) PerformKeyExchange(ctx context.Context, trustedIdentity ed25519.PublicKey) error {
	hs := crypto.NewClientHandshake(trustedIdentity)
	tid := s.nextTransactionID()

	step1, err := hs.BuildStep1()
	if err != nil {
		return err
	}
	step2, err := s.controlRoundTrip(ctx, tid, container.ControlKeyExchange, step1, s.timeouts.Handshake.Fail)
	if err != nil {
		return err
	}
	step3, err := hs.HandleStep2(step2)
	if err != nil {
		return err
	}
	step4, err := s.controlRoundTrip(ctx, tid, container.ControlKeyExchange, step3, s.timeouts.Handshake.Fail)
	if err != nil {
		return err
	}
	session, identity, err := hs.HandleStep4(step4)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.session = session
	s.mu.Unlock()

	if sessionID, err := peers.SessionID(identity); err == nil {
		log.Notice("key exchange complete, session", sessionID.String())
	}

	if s.peers != nil && s.peerAddr != "" {
		s.peers.Remember(s.peerAddr, identity)
	}
	return nil
}

// RegisterServerStreamHandler installs cb to receive every pushed
// RESPONSE body for method, until the caller's CallStream returns.
func (s *Session) RegisterServerStreamHandler(method string, cb func(body []byte)) {
	s.mu.Lock()
	s.streamCB[method] = cb
	s.mu.Unlock()
}

// CallStream issues a server-push stream request and blocks until the
// CONTROL/STREAM_END_P2C frame for it arrives, per spec.md §4.7/§8
// scenario (f). Each pushed item is delivered to the handler registered
// via RegisterServerStreamHandler before CallStream is invoked; that
// registration is removed when CallStream returns.
func (s *Session) CallStream(ctx context.Context, method string, req []byte) error {
	tid := s.nextTransactionID()
	done := make(chan struct{})
	s.mu.Lock()
	s.streamDone[tid] = done
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.streamDone, tid)
		delete(s.streamCB, method)
		s.mu.Unlock()
	}()

	if err := s.send(tid, command.Request, method, req); err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-time.After(s.timeouts.Stream.Fail):
		return ErrTimedOut
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Upload is the client half of one client-push stream, created by
// StreamUploadBegin. It is not safe for concurrent use; a stream has a
// single producer by construction.
type Upload struct {
	s      *Session
	method string
	sent   int
}

// StreamUploadBegin opens a client-push stream for method. Nothing is
// sent on the wire: the container protocol has no stream-begin signal,
// a stream exists once its first item request goes out. The returned
// Upload tracks the stream's bookkeeping until End.
func (s *Session) StreamUploadBegin(method string) *Upload {
	return &Upload{s: s, method: method}
}

// Send transmits one stream item.
func (u *Upload) Send(body []byte) error {
	if err := u.s.StreamUploadSend(u.method, body); err != nil {
		return err
	}
	u.sent++
	return nil
}

// Sent reports how many items have been sent so far.
func (u *Upload) Sent() int { return u.sent }

// End terminates the stream and returns the server's summary response.
func (u *Upload) End(ctx context.Context) ([]byte, error) {
	return u.s.StreamUploadEnd(ctx, u.method)
}

// StreamUploadSend sends one client-push item. The server is expected
// to respond SkipResponse to every individual item, per spec.md §4.6.
func (s *Session) StreamUploadSend(method string, body []byte) error {
	tid := s.nextTransactionID()
	return s.send(tid, command.Request, method, body)
}

// StreamUploadEnd sends the CONTROL/STREAM_END_C2P frame and waits for
// the single summary RESPONSE the server sends back correlated to this
// same transaction ID, per spec.md §4.6/§8 scenario (g).
func (s *Session) StreamUploadEnd(ctx context.Context, method string) ([]byte, error) {
	tid := s.nextTransactionID()
	waiter := &pendingCall{ch: make(chan pendingResult, 1)}
	s.mu.Lock()
	s.pendingCmd.Add(tid, waiter)
	s.mu.Unlock()

	if err := s.sendControl(tid, container.ControlStreamEndC2P, nil); err != nil {
		s.removePending(s.pendingCmd, tid)
		return nil, err
	}

	select {
	case res, ok := <-waiter.ch:
		if !ok {
			return nil, ErrTransportLost
		}
		if res.rpcErr != nil {
			return nil, res.rpcErr
		}
		pkt, err := command.Parse(res.commandPayload)
		if err != nil {
			return nil, err
		}
		if string(pkt.Name) != method {
			return nil, ErrMethodMismatch
		}
		return append([]byte(nil), pkt.Data...), nil
	case <-time.After(s.timeouts.Call.Fail):
		s.removePending(s.pendingCmd, tid)
		return nil, ErrTimedOut
	case <-ctx.Done():
		s.removePending(s.pendingCmd, tid)
		return nil, ctx.Err()
	}
}
