// Package discovery implements the UDP broadcast listener of spec.md
// §4.7: devices announce themselves on ports 6666 (3.1-3.3 unencrypted
// or ECB), 6667 (3.3 ECB), and 7000 (3.4/3.5, ECB or GCM), all under the
// fixed broadcast key. An optional active solicitation nudges devices
// that only announce periodically.
package discovery

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/mitchellh/mapstructure"
	"golang.org/x/sync/errgroup"

	"github.com/tuyalan/tuyalan-go/internal/blockcipher"
	"github.com/tuyalan/tuyalan-go/internal/cryptowrap"
	"github.com/tuyalan/tuyalan-go/internal/logging"
	"github.com/tuyalan/tuyalan-go/internal/protocol"
)

// ports devices broadcast discovery frames on, per spec.md §4.7.
var ports = []int{6666, 6667, 7000}

// solicitationAddr is where an active scan sends its "from":"app" probe.
const solicitationAddr = "255.255.255.255:7000"

// Announcement is one decoded device broadcast. Field tags let
// mapstructure decode the raw JSON object straight into typed fields,
// alongside the untouched map for anything the struct doesn't name.
type Announcement struct {
	IP         string `mapstructure:"-"`
	DeviceID   string `mapstructure:"gwId"`
	ProductKey string `mapstructure:"productKey"`
	Version    string `mapstructure:"version"`
	Raw        map[string]any
}

// Options configures a Scan.
type Options struct {
	// ScanWindow bounds how long Scan listens before returning whatever
	// it has accumulated.
	ScanWindow time.Duration
	// Active, when true, sends a solicitation broadcast on :7000 once the
	// port listeners have been started, per spec.md §4.7's "active
	// discovery" variant.
	Active bool
	Logger *slog.Logger
}

// Scan listens on the discovery ports for Options.ScanWindow and returns
// every distinct device seen, deduplicated by source IP.
func Scan(ctx context.Context, opts Options) ([]Announcement, error) {
	logger := logging.Or(opts.Logger)
	window := opts.ScanWindow
	if window <= 0 {
		window = 5 * time.Second
	}

	scanCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	var mu sync.Mutex
	seen := map[string]Announcement{}

	g, gctx := errgroup.WithContext(scanCtx)
	for _, port := range ports {
		port := port
		g.Go(func() error {
			return listenPort(gctx, port, logger, func(a Announcement) {
				mu.Lock()
				seen[a.IP] = a
				mu.Unlock()
			})
		})
	}

	if opts.Active {
		if err := solicit(); err != nil {
			logger.Warn("discovery: active solicitation failed", "error", err)
		}
	}

	// Each listener absorbs its own bind/read errors (a busy port should
	// not sink the whole scan), so Wait only blocks until every port
	// listener has exited.
	_ = g.Wait()

	out := make([]Announcement, 0, len(seen))
	for _, a := range seen {
		out = append(out, a)
	}
	return out, nil
}

// listenPort binds one UDP port and feeds every decodable packet to
// emit, until ctx is done. A read timeout/deadline error at context
// cancellation is the expected exit path, not a failure.
func listenPort(ctx context.Context, port int, logger *slog.Logger, emit func(Announcement)) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		// Binding a discovery port can legitimately fail when another
		// process (or another Scan) already owns it; treat it as an
		// empty contribution rather than aborting the whole scan.
		logger.Debug("discovery: port unavailable", "port", port, "error", err)
		return nil
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	buf := make([]byte, 2048)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			// Closed by the ctx.Done() goroutine above, or a transient
			// read error; either way this listener's contribution ends.
			return nil
		}
		announcement, ok := decode(buf[:n])
		if !ok {
			continue
		}
		announcement.IP = addr.IP.String()
		emit(announcement)
	}
}

// solicit broadcasts the active-discovery probe of spec.md §4.7.
func solicit() error {
	conn, err := net.Dial("udp4", solicitationAddr)
	if err != nil {
		return err
	}
	defer conn.Close()

	body, err := json.Marshal(map[string]any{"from": "app", "t": time.Now().Unix()})
	if err != nil {
		return err
	}
	_, err = conn.Write(body)
	return err
}

// decode tries both wire layouts against a discovery datagram, falling
// back to a raw ECB decrypt of the whole datagram under the broadcast
// key when framing fails — some devices announce as bare ciphertext
// with no 55AA/6699 prefix at all (spec.md §4.7 step 2).
func decode(buf []byte) (Announcement, bool) {
	if scan := protocol.Scan(buf); scan.Found {
		var a Announcement
		var ok bool
		if scan.Prefix == protocol.Prefix6699 {
			a, ok = decode6699(buf[scan.Offset:])
		} else {
			a, ok = decode55AA(buf[scan.Offset:])
		}
		if ok {
			return a, true
		}
	}
	return decodeRawECB(buf)
}

// decodeRawECB handles the unframed fallback: the whole datagram is ECB
// ciphertext under the UDP broadcast key, no frame header at all.
func decodeRawECB(buf []byte) (Announcement, bool) {
	plain, err := blockcipher.Decrypt(cryptowrap.UDPBroadcastKey(), buf, false)
	if err != nil {
		return Announcement{}, false
	}
	return parseAnnouncement(plain)
}

func decode55AA(buf []byte) (Announcement, bool) {
	frame, _, err := protocol.UnpackFrame55AA(buf, nil, boolPtr(false))
	if err != nil {
		return Announcement{}, false
	}

	var plain []byte
	if cryptowrap.LooksLikePlainJSON(frame.Payload) {
		plain = frame.Payload
	} else {
		p, err := blockcipher.Decrypt(cryptowrap.UDPBroadcastKey(), frame.Payload, false)
		if err != nil {
			return Announcement{}, false
		}
		plain = p
	}
	return parseAnnouncement(plain)
}

func decode6699(buf []byte) (Announcement, bool) {
	frame, _, err := protocol.UnpackFrame6699(buf, cryptowrap.UDPBroadcastKey(), false)
	if err != nil || !frame.TrailerValid {
		return Announcement{}, false
	}
	return parseAnnouncement(frame.Payload)
}

func parseAnnouncement(plain []byte) (Announcement, bool) {
	var raw map[string]any
	if err := json.Unmarshal(plain, &raw); err != nil {
		return Announcement{}, false
	}
	a := Announcement{Raw: raw}
	if err := mapstructure.Decode(raw, &a); err != nil {
		return Announcement{}, false
	}
	return a, true
}

func boolPtr(b bool) *bool { return &b }
