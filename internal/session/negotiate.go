package session

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/tuyalan/tuyalan-go/internal/aead"
	"github.com/tuyalan/tuyalan-go/internal/blockcipher"
	"github.com/tuyalan/tuyalan-go/internal/catalog"
	"github.com/tuyalan/tuyalan-go/internal/cryptowrap"
	"github.com/tuyalan/tuyalan-go/internal/protocol"
)

const nonceLen = 16

// negotiate runs the 3-step session-key handshake of spec.md §4.6 over an
// already-open RAW socket: client nonce out, device nonce + HMAC in
// (verified against the local key), client HMAC confirmation out, then
// derive and install the session key.
func (e *Engine) negotiate(ctx context.Context) error {
	clientNonce := make([]byte, nonceLen)
	if _, err := rand.Read(clientNonce); err != nil {
		return &Error{Kind: KindNegotiation, Err: fmt.Errorf("generate client nonce: %w", err)}
	}

	seq1 := e.nextSeq()
	if err := e.writeFrame(seq1, uint32(catalog.CmdSessionKeyNegStart), clientNonce); err != nil {
		return err
	}

	frame, err := e.readFrame(ctx)
	if err != nil {
		return err
	}
	if frame.Command != uint32(catalog.CmdSessionKeyNegResponse) {
		return &Error{Kind: KindNegotiation, Err: fmt.Errorf("expected session-key-neg-response, got command %d", frame.Command)}
	}
	if !frame.TrailerValid {
		return &Error{Kind: KindNegotiation, Err: errors.New("negotiation response failed trailer verification")}
	}

	respPayload, err := e.decodeNegotiationPayload(frame)
	if err != nil {
		return &Error{Kind: KindNegotiation, Err: err}
	}
	if len(respPayload) < nonceLen+sha256.Size {
		return &Error{Kind: KindNegotiation, Err: fmt.Errorf("negotiation response too short: %d bytes", len(respPayload))}
	}
	deviceNonce := respPayload[:nonceLen]
	deviceHMAC := respPayload[nonceLen : nonceLen+sha256.Size]

	expected := hmacSHA256(e.localKey(), clientNonce)
	if !hmac.Equal(expected, deviceHMAC) {
		return &Error{Kind: KindNegotiation, Err: errors.New("device HMAC over client nonce did not verify")}
	}

	seq2 := e.nextSeq()
	confirm := hmacSHA256(e.localKey(), deviceNonce)
	if err := e.writeFrame(seq2, uint32(catalog.CmdSessionKeyNegFinish), confirm); err != nil {
		return err
	}

	sessionKey, err := deriveSessionKey(e.cfg.Version, e.localKey(), clientNonce, deviceNonce)
	if err != nil {
		return &Error{Kind: KindNegotiation, Err: err}
	}
	e.setSessionKey(sessionKey)
	return nil
}

// decodeNegotiationPayload returns the raw (non-JSON) bytes carried by a
// negotiation frame. 6699 frames are already GCM-decrypted by
// internal/protocol, but per spec.md §4.6 step 2 still carry a leading
// 4-byte retcode ahead of the device nonce/HMAC that internal/protocol
// never strips (negotiation unpacks with retcode splitting disabled, since
// that switch is keyed to the outer frame layout, not this payload); this
// peels it before the nonce/HMAC slicing in negotiate. 55AA frames still
// need their ECB layer peeled, which cryptowrap does as a no-header plain
// decrypt since negotiation commands are always version-header-exempt.
func (e *Engine) decodeNegotiationPayload(frame *protocol.Frame) ([]byte, error) {
	if e.cfg.Version == "3.5" {
		if len(frame.Payload) < 4 {
			return nil, fmt.Errorf("negotiation payload too short to carry a retcode: %d bytes", len(frame.Payload))
		}
		return frame.Payload[4:], nil
	}
	return cryptowrap.DecodePlaintext55AA(e.cfg.Version, frame.Command, e.localKey(), frame.Payload)
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// deriveSessionKey implements spec.md §4.6's key schedule: 3.4 derives the
// session key by ECB-encrypting (local key) the XOR of the two nonces in
// a single block; 3.5 GCM-encrypts the same XOR under the local key using
// the first 12 bytes of the client nonce as the GCM nonce, and the
// session key is the leading 16 bytes of the sealed output.
func deriveSessionKey(version string, localKey, clientNonce, deviceNonce []byte) ([]byte, error) {
	x := xorBytes(clientNonce, deviceNonce)
	switch version {
	case "3.4":
		return blockcipher.EncryptBlock(localKey, x)
	case "3.5":
		sealed, err := aead.Seal(localKey, clientNonce[:12], nil, x)
		if err != nil {
			return nil, err
		}
		return sealed[:blockcipher.KeySize], nil
	default:
		return nil, fmt.Errorf("session: no key schedule for version %q", version)
	}
}
