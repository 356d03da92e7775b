// Package cryptowrap sits between the frame codec (internal/protocol) and
// the raw cipher primitives (internal/blockcipher, internal/aead). It
// applies the per-version-header rules of spec.md §4.4, generates GCM
// nonces, and holds the fixed UDP-discovery broadcast key.
package cryptowrap

import (
	"crypto/md5"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/tuyalan/tuyalan-go/internal/blockcipher"
	"github.com/tuyalan/tuyalan-go/internal/protocol"
)

// udpBroadcastSecret is the fixed ASCII literal whose MD5 digest is the
// shared key used to decrypt UDP discovery announcements (spec.md §4.2).
const udpBroadcastSecret = "yGAdlopoPVldABfn"

// UDPBroadcastKey returns the 16-byte key used to decrypt device
// discovery broadcasts. It is a process-wide constant (spec.md §9
// "Global state").
func UDPBroadcastKey() []byte {
	sum := md5.Sum([]byte(udpBroadcastSecret))
	return sum[:]
}

// nonceCounter backs NextNonce. spec.md §9's open question recommends a
// monotonic counter over the source's timestamp-derived nonce, since a
// timestamp only changes every 10ms and can collide under high send
// rates; a counter never repeats for the process lifetime.
var nonceCounter atomic.Uint64

// NextNonce returns a fresh 12-byte ASCII nonce for GCM framing. It is
// the decimal rendering of a 64-bit monotonic counter, right-justified
// and left-padded with '0' to exactly 12 bytes — never reused within a
// process, per spec.md §3's invariant that no two 3.5 frames under the
// same key share a nonce.
func NextNonce() []byte {
	n := nonceCounter.Add(1)
	s := strconv.FormatUint(n, 10)
	if len(s) > 12 {
		// 64-bit counters never produce more than 20 digits; this
		// module's lifetime will exhaust long before 10^12 frames, but
		// keep the low 12 digits rather than emit an over-length nonce.
		s = s[len(s)-12:]
	}
	out := make([]byte, 12)
	pad := 12 - len(s)
	for i := 0; i < pad; i++ {
		out[i] = '0'
	}
	copy(out[pad:], s)
	return out
}

// EncodePlaintext55AA applies spec.md §4.3/§4.4's version-header and ECB
// encryption rules for the 55AA layout, producing the bytes that become
// the frame's payload.
//
//   - version-header-exempt commands (dp-query, dp-query-new,
//     update-dps, heartbeat, the 3 negotiation commands, lan-ext-stream):
//     plain ECB encrypt, no header, at every version.
//   - "3.1": plain ECB encrypt, no header (header only applies 3.2+).
//   - "3.3": ECB-encrypt first, then prepend the version header to the
//     ciphertext.
//   - "3.4": prepend the version header to the plaintext, then
//     ECB-encrypt the whole thing.
func EncodePlaintext55AA(version string, cmd uint32, key, plaintext []byte) ([]byte, error) {
	if protocol.IsVersionHeaderExempt(cmd) || version == "3.1" {
		return blockcipher.Encrypt(key, plaintext)
	}
	switch version {
	case "3.3":
		ct, err := blockcipher.Encrypt(key, plaintext)
		if err != nil {
			return nil, err
		}
		return append(protocol.VersionHeader(version), ct...), nil
	case "3.4":
		withHeader := append(protocol.VersionHeader(version), plaintext...)
		return blockcipher.Encrypt(key, withHeader)
	default:
		return nil, fmt.Errorf("cryptowrap: unsupported version %q for 55AA encode", version)
	}
}

// DecodePlaintext55AA reverses EncodePlaintext55AA.
func DecodePlaintext55AA(version string, cmd uint32, key, body []byte) ([]byte, error) {
	if protocol.IsVersionHeaderExempt(cmd) || version == "3.1" {
		return blockcipher.Decrypt(key, body, false)
	}
	switch version {
	case "3.3":
		stripped := protocol.StripVersionHeader(body, version)
		return blockcipher.Decrypt(key, stripped, false)
	case "3.4":
		plain, err := blockcipher.Decrypt(key, body, false)
		if err != nil {
			return nil, err
		}
		return protocol.StripVersionHeader(plain, version), nil
	default:
		return nil, fmt.Errorf("cryptowrap: unsupported version %q for 55AA decode", version)
	}
}

// EncodePlaintext6699 prepends the version header to plaintext for the
// 3.5 GCM layout, unless cmd is header-exempt.
func EncodePlaintext6699(cmd uint32, plaintext []byte) []byte {
	if protocol.IsVersionHeaderExempt(cmd) {
		return plaintext
	}
	return append(protocol.VersionHeader("3.5"), plaintext...)
}

// DecodePlaintext6699 reverses EncodePlaintext6699. Per spec.md §4.4, an
// inbound 3.5 plaintext may additionally carry a leading 4-byte retcode
// ahead of the version string; it is present iff the bytes immediately
// following those 4 spell the ASCII version string.
func DecodePlaintext6699(plain []byte) []byte {
	const version = "3.5"
	body := plain
	if len(body) >= 4+len(version) && string(body[4:4+len(version)]) == version {
		body = body[4:]
	}
	return protocol.StripVersionHeader(body, version)
}

// LooksLikePlainJSON reports whether body appears to already be a JSON
// object rather than ciphertext — spec.md §4.4's note that "control
// responses on 3.5 may arrive as plain JSON without GCM encryption".
func LooksLikePlainJSON(body []byte) bool {
	for _, b := range body {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}
