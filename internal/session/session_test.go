package session

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuyalan/tuyalan-go/internal/aead"
	"github.com/tuyalan/tuyalan-go/internal/blockcipher"
	"github.com/tuyalan/tuyalan-go/internal/catalog"
	"github.com/tuyalan/tuyalan-go/internal/cryptowrap"
	"github.com/tuyalan/tuyalan-go/internal/protocol"
)

const testLocalKey = "0123456789abcdef"

func pipeDial(serverConn net.Conn) dialFunc {
	return func(ctx context.Context, network, address string, timeout time.Duration) (net.Conn, error) {
		return serverConn, nil
	}
}

func newPipeEngine(t *testing.T, version string, persistent bool) (*Engine, net.Conn) {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	cfg := Config{
		DeviceID:       "dev1",
		Address:        "127.0.0.1",
		Port:           6668,
		LocalKey:       blockcipher.PrepareKey(testLocalKey),
		Version:        version,
		ConnectTimeout: 2 * time.Second,
		RetryLimit:     1,
		RetryDelay:     time.Millisecond,
		Persistent:     persistent,
		dial:           pipeDial(clientSide),
	}
	return New(cfg), serverSide
}

// readRawFrame does the server-side equivalent of Engine.readFrame: block
// until one full frame is readable on conn, with no decryption.
func readRawFrame(t *testing.T, conn net.Conn, hmacKey []byte) *protocol.Frame {
	t.Helper()
	var buf []byte
	tmp := make([]byte, 4096)
	deadline := time.Now().Add(2 * time.Second)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, err := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		scan := protocol.Scan(buf)
		if scan.Found {
			if scan.Prefix == protocol.Prefix6699 {
				frame, _, perr := protocol.UnpackFrame6699(buf[scan.Offset:], hmacKey, false)
				if perr == nil {
					return frame
				}
			} else {
				// Client requests never carry a return code, so
				// DetectRetcode's guess is overridden.
				noRetcode := false
				frame, _, perr := protocol.UnpackFrame55AA(buf[scan.Offset:], hmacKey, &noRetcode)
				if perr == nil {
					return frame
				}
			}
		}
		if err != nil && time.Now().After(deadline) {
			require.NoError(t, err, "timed out waiting for frame")
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for frame")
		}
	}
}

func TestDo_33_ControlRoundTrip(t *testing.T) {
	engine, server := newPipeEngine(t, "3.3", true)
	defer engine.Close()
	defer server.Close()

	key := blockcipher.PrepareKey(testLocalKey)
	done := make(chan struct{})
	go func() {
		defer close(done)
		frame := readRawFrame(t, server, nil)
		assert.Equal(t, uint32(catalog.CmdControl), frame.Command)

		plain, err := cryptowrap.DecodePlaintext55AA("3.3", frame.Command, key, frame.Payload)
		require.NoError(t, err)
		assert.Contains(t, string(plain), `"dps":{"1":true}`)

		respPlain := []byte(`{"dps":{"1":true}}`)
		ct, err := cryptowrap.EncodePlaintext55AA("3.3", uint32(catalog.CmdControl), key, respPlain)
		require.NoError(t, err)
		wire := protocol.PackFrame55AA(frame.Sequence, uint32(catalog.CmdControl), ct, protocol.Pack55AAOptions{IncludeRetcode: true})
		_, err = server.Write(wire)
		require.NoError(t, err)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := engine.Do(ctx, catalog.CmdControl, map[string]any{"1": true}, nil, nil, false)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, map[string]any{"1": true}, result.Data["dps"])

	<-done
}

func TestDo_Nowait_SkipsResponseRead(t *testing.T) {
	engine, server := newPipeEngine(t, "3.3", true)
	defer engine.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		readRawFrame(t, server, nil)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := engine.Do(ctx, catalog.CmdControl, map[string]any{"1": true}, nil, nil, true)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Nil(t, result.Data)

	<-done
}

// runFakeDevice34 drives the 3.4 handshake then answers one dpQueryNew
// with a fixed dps payload, validating the HMAC confirmation client sends
// back in step 3.
func runFakeDevice34(t *testing.T, server net.Conn, localKey []byte) {
	t.Helper()

	step1 := readRawFrame(t, server, localKey)
	require.Equal(t, uint32(catalog.CmdSessionKeyNegStart), step1.Command)
	clientNonce, err := cryptowrap.DecodePlaintext55AA("3.4", step1.Command, localKey, step1.Payload)
	require.NoError(t, err)
	require.Len(t, clientNonce, 16)

	deviceNonce := []byte("fedcba9876543210")
	mac := hmac.New(sha256.New, localKey)
	mac.Write(clientNonce)
	respPayload := append(append([]byte(nil), deviceNonce...), mac.Sum(nil)...)
	ct, err := cryptowrap.EncodePlaintext55AA("3.4", uint32(catalog.CmdSessionKeyNegResponse), localKey, respPayload)
	require.NoError(t, err)
	wire := protocol.PackFrame55AA(step1.Sequence+1, uint32(catalog.CmdSessionKeyNegResponse), ct, protocol.Pack55AAOptions{HMACKey: localKey})
	_, err = server.Write(wire)
	require.NoError(t, err)

	step3 := readRawFrame(t, server, localKey)
	require.Equal(t, uint32(catalog.CmdSessionKeyNegFinish), step3.Command)
	confirm, err := cryptowrap.DecodePlaintext55AA("3.4", step3.Command, localKey, step3.Payload)
	require.NoError(t, err)
	expected := hmacSHA256(localKey, deviceNonce)
	assert.True(t, hmac.Equal(expected, confirm))

	x := xorBytes(clientNonce, deviceNonce)
	sessionKey, err := blockcipher.EncryptBlock(localKey, x)
	require.NoError(t, err)

	dpFrame := readRawFrame(t, server, sessionKey)
	assert.Equal(t, uint32(catalog.CmdDpQueryNew), dpFrame.Command)

	respPlain := []byte(`{"dps":{"1":false}}`)
	ct2, err := cryptowrap.EncodePlaintext55AA("3.4", uint32(catalog.CmdDpQueryNew), sessionKey, respPlain)
	require.NoError(t, err)
	wire2 := protocol.PackFrame55AA(dpFrame.Sequence+1, uint32(catalog.CmdDpQueryNew), ct2, protocol.Pack55AAOptions{HMACKey: sessionKey, IncludeRetcode: true})
	_, err = server.Write(wire2)
	require.NoError(t, err)
}

func TestDo_34_NegotiatesThenQueries(t *testing.T) {
	engine, server := newPipeEngine(t, "3.4", true)
	defer engine.Close()
	defer server.Close()

	localKey := blockcipher.PrepareKey(testLocalKey)
	done := make(chan struct{})
	go func() {
		defer close(done)
		runFakeDevice34(t, server, localKey)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	result, err := engine.Do(ctx, catalog.CmdDpQuery, nil, nil, nil, false)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, map[string]any{"1": false}, result.Data["dps"])
	assert.True(t, engine.Negotiated())

	<-done
}

func TestDo_34_BadDeviceHMAC_FailsNegotiation(t *testing.T) {
	engine, server := newPipeEngine(t, "3.4", true)
	defer engine.Close()
	defer server.Close()

	localKey := blockcipher.PrepareKey(testLocalKey)
	done := make(chan struct{})
	go func() {
		defer close(done)
		step1 := readRawFrame(t, server, localKey)
		deviceNonce := []byte("fedcba9876543210")
		badMAC := make([]byte, sha256.Size) // all-zero, will never match
		respPayload := append(append([]byte(nil), deviceNonce...), badMAC...)
		ct, err := cryptowrap.EncodePlaintext55AA("3.4", uint32(catalog.CmdSessionKeyNegResponse), localKey, respPayload)
		require.NoError(t, err)
		wire := protocol.PackFrame55AA(step1.Sequence+1, uint32(catalog.CmdSessionKeyNegResponse), ct, protocol.Pack55AAOptions{HMACKey: localKey, IncludeRetcode: true})
		_, _ = server.Write(wire)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := engine.Do(ctx, catalog.CmdDpQuery, nil, nil, nil, false)
	require.Error(t, err)
	var sessErr *Error
	require.ErrorAs(t, err, &sessErr)
	assert.Equal(t, KindNegotiation, sessErr.Kind)

	<-done
}

func TestDo_35_GCMRoundTrip(t *testing.T) {
	engine, server := newPipeEngine(t, "3.5", true)
	defer engine.Close()
	defer server.Close()

	localKey := blockcipher.PrepareKey(testLocalKey)
	done := make(chan struct{})
	go func() {
		defer close(done)

		step1 := readRawFrame(t, server, localKey)
		require.Equal(t, uint32(catalog.CmdSessionKeyNegStart), step1.Command)
		clientNonce := step1.Payload
		require.Len(t, clientNonce, 16)

		deviceNonce := []byte("fedcba9876543210")
		mac := hmac.New(sha256.New, localKey)
		mac.Write(clientNonce)
		// Real 3.5 devices prepend a 4-byte retcode ahead of the device
		// nonce/HMAC on this response, per spec.md §4.6 step 2.
		retcode := []byte{0, 0, 0, 0}
		respPayload := append(append(append([]byte(nil), retcode...), deviceNonce...), mac.Sum(nil)...)
		nonce := cryptowrap.NextNonce()
		wire, err := protocol.PackFrame6699(step1.Sequence+1, uint32(catalog.CmdSessionKeyNegResponse), respPayload, protocol.Pack6699Options{Key: localKey, Nonce: nonce})
		require.NoError(t, err)
		_, err = server.Write(wire)
		require.NoError(t, err)

		step3 := readRawFrame(t, server, localKey)
		require.Equal(t, uint32(catalog.CmdSessionKeyNegFinish), step3.Command)
		expected := hmacSHA256(localKey, deviceNonce)
		assert.True(t, hmac.Equal(expected, step3.Payload))

		x := xorBytes(clientNonce, deviceNonce)
		sealed, err := aead.Seal(localKey, clientNonce[:12], nil, x)
		require.NoError(t, err)
		sessionKey := sealed[:blockcipher.KeySize]

		ctrlFrame := readRawFrame(t, server, sessionKey)
		assert.Equal(t, uint32(catalog.CmdControlNew), ctrlFrame.Command)

		// Reply only after the engine's 3.5 stray-byte flush (three
		// passes 30ms apart) is over, or the flush discards the reply.
		time.Sleep(150 * time.Millisecond)

		respPlain := cryptowrap.EncodePlaintext6699(uint32(catalog.CmdControlNew), []byte(`{"protocol":5,"data":{"dps":{"1":true}}}`))
		nonce2 := cryptowrap.NextNonce()
		wire2, err := protocol.PackFrame6699(ctrlFrame.Sequence+1, uint32(catalog.CmdControlNew), respPlain, protocol.Pack6699Options{Key: sessionKey, Nonce: nonce2})
		require.NoError(t, err)
		_, err = server.Write(wire2)
		require.NoError(t, err)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	result, err := engine.Do(ctx, catalog.CmdControl, map[string]any{"1": true}, nil, nil, false)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, map[string]any{"1": true}, result.Data["dps"])

	<-done
}

// TestNegotiate_35_StripsLeadingRetcode pins spec.md §4.6 step 2's "after
// 4-byte retcode strip for 3.5" requirement: the fake device prepends a
// non-zero retcode ahead of the device nonce/HMAC, which would shift
// every subsequent byte (and so fail the HMAC check) if negotiate ever
// stopped stripping it.
func TestNegotiate_35_StripsLeadingRetcode(t *testing.T) {
	engine, server := newPipeEngine(t, "3.5", true)
	defer engine.Close()
	defer server.Close()

	localKey := blockcipher.PrepareKey(testLocalKey)
	done := make(chan struct{})
	go func() {
		defer close(done)

		step1 := readRawFrame(t, server, localKey)
		clientNonce := step1.Payload

		deviceNonce := []byte("fedcba9876543210")
		mac := hmac.New(sha256.New, localKey)
		mac.Write(clientNonce)
		retcode := []byte{0x00, 0x00, 0x01, 0x2c}
		respPayload := append(append(append([]byte(nil), retcode...), deviceNonce...), mac.Sum(nil)...)
		nonce := cryptowrap.NextNonce()
		wire, err := protocol.PackFrame6699(step1.Sequence+1, uint32(catalog.CmdSessionKeyNegResponse), respPayload, protocol.Pack6699Options{Key: localKey, Nonce: nonce})
		require.NoError(t, err)
		_, err = server.Write(wire)
		require.NoError(t, err)

		step3 := readRawFrame(t, server, localKey)
		expected := hmacSHA256(localKey, deviceNonce)
		assert.True(t, hmac.Equal(expected, step3.Payload))

		x := xorBytes(clientNonce, deviceNonce)
		sealed, err := aead.Seal(localKey, clientNonce[:12], nil, x)
		require.NoError(t, err)
		sessionKey := sealed[:blockcipher.KeySize]

		// nowait skips the response read on the client, but the write
		// still lands on the wire and must be drained so it isn't left
		// blocked on the pipe.
		readRawFrame(t, server, sessionKey)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := engine.Do(ctx, catalog.CmdDpQuery, nil, nil, nil, true)
	require.NoError(t, err)
	assert.True(t, engine.Negotiated())

	<-done
}

func TestClose_RevertsToColdAndLocalKey(t *testing.T) {
	engine, server := newPipeEngine(t, "3.3", false)
	defer server.Close()

	key := blockcipher.PrepareKey(testLocalKey)
	done := make(chan struct{})
	go func() {
		defer close(done)
		frame := readRawFrame(t, server, nil)
		ct, err := cryptowrap.EncodePlaintext55AA("3.3", uint32(catalog.CmdControl), key, []byte(`{"dps":{}}`))
		require.NoError(t, err)
		wire := protocol.PackFrame55AA(frame.Sequence, uint32(catalog.CmdControl), ct, protocol.Pack55AAOptions{IncludeRetcode: true})
		_, _ = server.Write(wire)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := engine.Do(ctx, catalog.CmdControl, map[string]any{}, nil, nil, false)
	require.NoError(t, err)

	assert.Equal(t, StateCold, engine.State())
	assert.Equal(t, key, engine.sessionKeyBytes())
	<-done
}
