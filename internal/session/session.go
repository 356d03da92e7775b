// Package session implements the per-connection socket state machine
// described in spec.md §4.5: connect, 3-step key negotiation (3.4+),
// serialized request/response, error recovery, close. It owns the TCP
// socket, receive buffer, sequence counter, and session key for one
// device handle.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tuyalan/tuyalan-go/internal/catalog"
	"github.com/tuyalan/tuyalan-go/internal/cryptowrap"
	"github.com/tuyalan/tuyalan-go/internal/logging"
	"github.com/tuyalan/tuyalan-go/internal/protocol"
)

// State names a node in the state machine of spec.md §4.5.
type State int

const (
	StateCold State = iota
	StateConnecting
	StateRaw
	StateReady
)

func (s State) String() string {
	switch s {
	case StateCold:
		return "COLD"
	case StateConnecting:
		return "CONNECTING"
	case StateRaw:
		return "RAW"
	case StateReady:
		return "READY"
	default:
		return "UNKNOWN"
	}
}

// Kind names an error category from spec.md's taxonomy (§7).
type Kind string

const (
	KindConfig      Kind = "configuration"
	KindConnect     Kind = "connect"
	KindFrame       Kind = "frame"
	KindCrypto      Kind = "crypto"
	KindNegotiation Kind = "negotiation"
	KindDecode      Kind = "decode"
	KindTimeout     Kind = "timeout"
)

// Error is the error category wrapper every public operation returns.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("session: %s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// dialFunc is swappable in tests so a fake listener can stand in for a
// real device without touching the network.
type dialFunc func(ctx context.Context, network, address string, timeout time.Duration) (net.Conn, error)

func defaultDial(ctx context.Context, network, address string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	return d.DialContext(ctx, network, address)
}

// Config configures one Engine. It corresponds to spec.md §3's "Device
// handle" configuration fields.
type Config struct {
	DeviceID       string
	Address        string
	Port           int
	LocalKey       []byte // already prepared to exactly 16 bytes
	Version        string // "3.1", "3.3", "3.4", "3.5"
	Profile        string // catalog device-profile tag
	// ConnectTimeout bounds both the initial TCP dial and every
	// subsequent frame read — the engine has one socket-wide deadline,
	// not a separate per-phase one.
	ConnectTimeout time.Duration
	RetryLimit     int
	RetryDelay     time.Duration
	NoDelay        bool
	Persistent     bool
	Logger         *slog.Logger

	dial dialFunc // test hook; nil means defaultDial
}

// flushCount/flushGap/emptyPayloadRetries/emptyPayloadSleep tunables from
// spec.md §4.5 step 4/5.
func (c Config) flushCount() int {
	if c.Version == "3.5" {
		return 3
	}
	return 1
}

func (c Config) flushGap() time.Duration { return 30 * time.Millisecond }

func (c Config) emptyPayloadRetries() int {
	if c.Version == "3.5" {
		return 4
	}
	return 2
}

func (c Config) emptyPayloadSleep() time.Duration {
	if c.Version == "3.5" {
		return 100 * time.Millisecond
	}
	return 50 * time.Millisecond
}

// Engine is the per-connection session engine of spec.md §4.5.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	opMu sync.Mutex // serializes public operations; at most one in flight

	stateMu    sync.Mutex
	state      State
	conn       net.Conn
	negotiated bool
	sessionKey []byte

	seq atomic.Uint32

	recvMu  sync.Mutex
	recvBuf bytes.Buffer
	pumpErr error
	pumpGen int // bumped on every fresh connection so a stale pump exits

	lastStatusMu sync.Mutex
	lastStatus   map[string]any
	lastErr      error
}

// New creates a cold Engine (no socket) for cfg.
func New(cfg Config) *Engine {
	if cfg.dial == nil {
		cfg.dial = defaultDial
	}
	return &Engine{
		cfg:        cfg,
		logger:     logging.Or(cfg.Logger),
		state:      StateCold,
		sessionKey: append([]byte(nil), cfg.LocalKey...),
	}
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.state
}

// CachedStatus returns the last observed status without any I/O,
// spec.md §6 "cachedStatus()".
func (e *Engine) CachedStatus() map[string]any {
	e.lastStatusMu.Lock()
	defer e.lastStatusMu.Unlock()
	return e.lastStatus
}

// LastError returns the most recent operation error, or nil.
func (e *Engine) LastError() error {
	e.lastStatusMu.Lock()
	defer e.lastStatusMu.Unlock()
	return e.lastErr
}

func (e *Engine) setLastStatus(status map[string]any, err error) {
	e.lastStatusMu.Lock()
	defer e.lastStatusMu.Unlock()
	if status != nil {
		e.lastStatus = status
	}
	e.lastErr = err
}

// Result is the normalized response of spec.md §4.5 "Response
// normalization" / §7 "User-visible failure".
type Result struct {
	Success bool
	Error   string
	Data    map[string]any
	Retcode uint32
}

// Do runs one request/response operation: ensures the socket is open and
// negotiated, encodes cmd+data via the catalog, writes it, optionally
// reads and decodes the reply, and tears the socket down on any error or
// (if the handle is non-persistent) on any completion.
//
// nowait mirrors spec.md §6: when true, Do returns immediately after the
// write with {Success:true} and never reads a response.
func (e *Engine) Do(ctx context.Context, cmd catalog.Command, dps map[string]any, dpIDs []int, clusterID *int, nowait bool) (Result, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	result, err := e.doLocked(ctx, cmd, dps, dpIDs, clusterID, nowait)
	if err != nil {
		e.closeLocked()
		e.setLastStatus(nil, err)
		return Result{Success: false, Error: err.Error()}, err
	}

	e.setLastStatus(result.Data, nil)
	if !e.cfg.Persistent {
		e.closeLocked()
	}
	return result, nil
}

func (e *Engine) doLocked(ctx context.Context, cmd catalog.Command, dps map[string]any, dpIDs []int, clusterID *int, nowait bool) (Result, error) {
	if err := e.ensureOpen(ctx); err != nil {
		return Result{}, err
	}

	effCmd, payload, err := catalog.Build(catalog.Params{
		Profile:   e.cfg.Profile,
		Version:   e.cfg.Version,
		Command:   cmd,
		DeviceID:  e.cfg.DeviceID,
		Dps:       dps,
		DpIDs:     dpIDs,
		ClusterID: clusterID,
	})
	if err != nil {
		return Result{}, &Error{Kind: KindDecode, Err: err}
	}

	seq := e.nextSeq()
	if err := e.writeFrame(seq, uint32(effCmd), payload); err != nil {
		return Result{}, err
	}
	if nowait {
		return Result{Success: true}, nil
	}

	e.flushStray()

	frame, err := e.readResponseWithRetries(ctx)
	if err != nil {
		return Result{}, err
	}

	jsonBytes, err := e.decryptResponsePayload(frame)
	if err != nil {
		return Result{}, &Error{Kind: KindCrypto, Err: err}
	}

	data, err := decodeJSON(jsonBytes)
	if err != nil {
		return Result{}, &Error{Kind: KindDecode, Err: err}
	}
	liftNestedDps(data)

	success := frame.TrailerValid && (!frame.HasRetcode || frame.Retcode == 0)
	return Result{Success: success, Data: data, Retcode: frame.Retcode}, nil
}

// decryptResponsePayload turns a raw decoded Frame's payload into JSON
// bytes. 6699 frames are already GCM-decrypted by internal/protocol; only
// the version-header/retcode peel remains. 55AA frames still carry
// ECB ciphertext that internal/protocol never touches.
func (e *Engine) decryptResponsePayload(frame *protocol.Frame) ([]byte, error) {
	if e.cfg.Version == "3.5" {
		return cryptowrap.DecodePlaintext6699(frame.Payload), nil
	}
	return cryptowrap.DecodePlaintext55AA(e.cfg.Version, frame.Command, e.sessionKeyBytes(), frame.Payload)
}

func decodeJSON(payload []byte) (map[string]any, error) {
	trimmed := bytes.TrimRight(payload, "\x00")
	if len(bytes.TrimSpace(trimmed)) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// liftNestedDps implements spec.md §9's open-question decision: if
// top-level "dps" is absent and nested "data.dps" is present, copy it up.
func liftNestedDps(data map[string]any) {
	if data == nil {
		return
	}
	if _, hasTop := data["dps"]; hasTop {
		return
	}
	nested, ok := data["data"].(map[string]any)
	if !ok {
		return
	}
	if dps, ok := nested["dps"]; ok {
		data["dps"] = dps
	}
}

func (e *Engine) nextSeq() uint32 { return e.seq.Add(1) }

// Close tears the socket down per spec.md §4.5 "Close": revert the
// session key to the local key and mark the engine COLD, settle, close
// the TCP socket, then clear the receive buffer. Close never fails
// (spec.md §7).
func (e *Engine) Close() error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	e.closeLocked()
	return nil
}

func (e *Engine) closeLocked() {
	e.stateMu.Lock()
	conn := e.conn
	e.conn = nil
	e.negotiated = false
	e.sessionKey = append([]byte(nil), e.cfg.LocalKey...)
	e.state = StateCold
	e.pumpGen++
	e.stateMu.Unlock()

	if conn == nil {
		return
	}

	// Settle briefly so in-flight bytes from the device are absorbed by
	// the pump before we cut it loose — the pump exits on its own once
	// the socket closes below, so there is nothing further to cancel
	// explicitly (spec.md §4.5's "pause, then cancel the pump" collapses
	// to "pause, then close" when the pump's only job is draining reads).
	time.Sleep(50 * time.Millisecond)

	_ = conn.Close()

	e.recvMu.Lock()
	e.recvBuf.Reset()
	e.pumpErr = nil
	e.recvMu.Unlock()
}

// ensureOpen opens the socket (with retry) and, for 3.4+, performs the
// session-key negotiation, unless both are already done.
func (e *Engine) ensureOpen(ctx context.Context) error {
	e.stateMu.Lock()
	ready := e.state == StateReady
	e.stateMu.Unlock()
	if ready {
		return nil
	}

	if err := e.open(ctx); err != nil {
		return err
	}

	if needsNegotiation(e.cfg.Version) {
		if err := e.negotiate(ctx); err != nil {
			e.closeLocked()
			return err
		}
	}

	e.stateMu.Lock()
	e.state = StateReady
	e.stateMu.Unlock()
	return nil
}

func needsNegotiation(version string) bool {
	return version == "3.4" || version == "3.5"
}

func (e *Engine) open(ctx context.Context) error {
	e.stateMu.Lock()
	e.state = StateConnecting
	e.stateMu.Unlock()

	addr := net.JoinHostPort(e.cfg.Address, portString(e.cfg.Port))

	var lastErr error
	attempts := e.cfg.RetryLimit
	if attempts < 1 {
		attempts = 1
	}
	var conn net.Conn
	for i := 0; i < attempts; i++ {
		c, err := e.cfg.dial(ctx, "tcp", addr, e.cfg.ConnectTimeout)
		if err == nil {
			conn = c
			break
		}
		lastErr = err
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return &Error{Kind: KindConnect, Err: ctx.Err()}
			case <-time.After(e.cfg.RetryDelay):
			}
		}
	}
	if conn == nil {
		return &Error{Kind: KindConnect, Err: fmt.Errorf("connect to %s failed after %d attempts: %w", addr, attempts, lastErr)}
	}

	if e.cfg.NoDelay {
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(true)
		}
	}

	e.stateMu.Lock()
	e.conn = conn
	e.state = StateRaw
	e.pumpGen++
	gen := e.pumpGen
	e.stateMu.Unlock()

	e.recvMu.Lock()
	e.recvBuf.Reset()
	e.pumpErr = nil
	e.recvMu.Unlock()

	go e.pump(conn, gen)
	return nil
}

// pump continuously reads from conn into the shared receive buffer until
// the connection errors or closes. It is the only goroutine that calls
// conn.Read.
func (e *Engine) pump(conn net.Conn, gen int) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			e.recvMu.Lock()
			if e.currentGen() == gen {
				e.recvBuf.Write(buf[:n])
			}
			e.recvMu.Unlock()
		}
		if err != nil {
			e.recvMu.Lock()
			if e.currentGen() == gen {
				e.pumpErr = err
			}
			e.recvMu.Unlock()
			return
		}
	}
}

func (e *Engine) currentGen() int {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.pumpGen
}

func portString(p int) string {
	if p == 0 {
		p = 6668
	}
	return fmt.Sprintf("%d", p)
}

// writeFrame encodes and writes one application frame for the engine's
// current version and session key.
func (e *Engine) writeFrame(seq, cmd uint32, jsonPayload []byte) error {
	e.stateMu.Lock()
	conn := e.conn
	key := append([]byte(nil), e.sessionKey...)
	version := e.cfg.Version
	e.stateMu.Unlock()

	if conn == nil {
		return &Error{Kind: KindConnect, Err: errors.New("socket not open")}
	}

	var wire []byte
	if version == "3.5" {
		plain := cryptowrap.EncodePlaintext6699(cmd, jsonPayload)
		nonce := cryptowrap.NextNonce()
		f, err := protocol.PackFrame6699(seq, cmd, plain, protocol.Pack6699Options{Key: key, Nonce: nonce})
		if err != nil {
			return &Error{Kind: KindCrypto, Err: err}
		}
		wire = f
	} else {
		ct, err := cryptowrap.EncodePlaintext55AA(version, cmd, key, jsonPayload)
		if err != nil {
			return &Error{Kind: KindCrypto, Err: err}
		}
		opts := protocol.Pack55AAOptions{}
		if needsNegotiation(version) {
			opts.HMACKey = key
		}
		wire = protocol.PackFrame55AA(seq, cmd, ct, opts)
	}

	if _, err := conn.Write(wire); err != nil {
		return &Error{Kind: KindConnect, Err: err}
	}
	return nil
}

// flushStray discards bytes already sitting in the receive buffer before
// reading the real response, per spec.md §4.5 step 4.
func (e *Engine) flushStray() {
	n := e.cfg.flushCount()
	for i := 0; i < n; i++ {
		e.recvMu.Lock()
		e.recvBuf.Reset()
		e.recvMu.Unlock()
		if i < n-1 {
			time.Sleep(e.cfg.flushGap())
		}
	}
}

// readResponseWithRetries reads one frame, retrying while the payload is
// empty (device "ack" frames), per spec.md §4.5 step 5.
func (e *Engine) readResponseWithRetries(ctx context.Context) (*protocol.Frame, error) {
	attempts := e.cfg.emptyPayloadRetries() + 1
	var last *protocol.Frame
	for i := 0; i < attempts; i++ {
		frame, err := e.readFrame(ctx)
		if err != nil {
			return nil, err
		}
		if !isEmptyPayload(frame.Payload) {
			return frame, nil
		}
		last = frame
		if i < attempts-1 {
			time.Sleep(e.cfg.emptyPayloadSleep())
		}
	}
	return last, nil
}

func isEmptyPayload(p []byte) bool {
	if len(p) == 0 {
		return true
	}
	for _, b := range p {
		if b != 0 {
			return false
		}
	}
	return true
}

// readFrame blocks until a complete frame is assembled in the receive
// buffer, the connect timeout elapses, or the pump reports an error.
func (e *Engine) readFrame(ctx context.Context) (*protocol.Frame, error) {
	deadline := time.Now().Add(e.cfg.ConnectTimeout)

	e.stateMu.Lock()
	version := e.cfg.Version
	key := append([]byte(nil), e.sessionKey...)
	e.stateMu.Unlock()

	var hmacKey []byte
	if needsNegotiation(version) && version != "3.5" {
		hmacKey = key
	}

	for {
		select {
		case <-ctx.Done():
			return nil, &Error{Kind: KindTimeout, Err: ctx.Err()}
		default:
		}

		e.recvMu.Lock()
		data := e.recvBuf.Bytes()
		scan := protocol.Scan(data)
		if !scan.Found {
			pumpErr := e.pumpErr
			e.recvMu.Unlock()
			if pumpErr != nil {
				return nil, &Error{Kind: KindConnect, Err: pumpErr}
			}
			if time.Now().After(deadline) {
				return nil, &Error{Kind: KindTimeout, Err: errors.New("no frame prefix within connect timeout")}
			}
			time.Sleep(2 * time.Millisecond)
			continue
		}
		if scan.Offset > 0 {
			e.recvBuf.Next(scan.Offset)
			data = e.recvBuf.Bytes()
		}

		var frame *protocol.Frame
		var consumed int
		var err error
		if scan.Prefix == protocol.Prefix6699 {
			frame, consumed, err = protocol.UnpackFrame6699(data, key, false)
		} else {
			frame, consumed, err = protocol.UnpackFrame55AA(data, hmacKey, nil)
		}

		if err == nil {
			e.recvBuf.Next(consumed)
			e.recvMu.Unlock()
			return frame, nil
		}

		var perr *protocol.Error
		if errors.As(err, &perr) && perr.Kind == protocol.KindShort {
			pumpErr := e.pumpErr
			e.recvMu.Unlock()
			if pumpErr != nil {
				return nil, &Error{Kind: KindConnect, Err: pumpErr}
			}
			if time.Now().After(deadline) {
				return nil, &Error{Kind: KindTimeout, Err: errors.New("incomplete frame within connect timeout")}
			}
			time.Sleep(2 * time.Millisecond)
			continue
		}

		e.recvMu.Unlock()
		return nil, &Error{Kind: KindFrame, Err: err}
	}
}

func (e *Engine) localKey() []byte {
	return append([]byte(nil), e.cfg.LocalKey...)
}

func (e *Engine) sessionKeyBytes() []byte {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return append([]byte(nil), e.sessionKey...)
}

func (e *Engine) setSessionKey(k []byte) {
	e.stateMu.Lock()
	e.sessionKey = append([]byte(nil), k...)
	e.negotiated = true
	e.stateMu.Unlock()
}

// Negotiated reports whether the 3.4+ session-key handshake has
// completed on the current connection.
func (e *Engine) Negotiated() bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.negotiated
}
