// Package aead implements the AES-128-GCM primitives used by protocol
// generation 3.5: a 12-byte nonce, a 16-byte authentication tag, and
// optional additional authenticated data.
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

const (
	// NonceSize is the GCM nonce length the Tuya 3.5 wire format uses.
	NonceSize = 12
	// TagSize is the GCM authentication tag length.
	TagSize = 16
)

// Kind names an error category from spec.md's taxonomy (§7, category 5).
type Kind string

const KindTagInvalid Kind = "gcm_tag_invalid"

// Error wraps a GCM failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("aead: %s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &Error{Kind: KindTagInvalid, Err: err}
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, &Error{Kind: KindTagInvalid, Err: err}
	}
	return gcm, nil
}

// Seal encrypts plaintext under key with the given 12-byte nonce and aad,
// returning ciphertext||tag (i.e. it does NOT prepend the nonce — callers
// that want nonce||ciphertext||tag prepend it themselves, since the
// codec layer owns where the nonce sits in the frame).
func Seal(key, nonce, aad, plaintext []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, &Error{Kind: KindTagInvalid, Err: fmt.Errorf("nonce must be %d bytes, got %d", NonceSize, len(nonce))}
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, aad), nil
}

// Open decrypts ciphertext||tag under key with the given nonce and aad.
// A tag mismatch (or any tampering) returns an Error of KindTagInvalid.
func Open(key, nonce, aad, ciphertextAndTag []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, &Error{Kind: KindTagInvalid, Err: fmt.Errorf("nonce must be %d bytes, got %d", NonceSize, len(nonce))}
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	pt, err := gcm.Open(nil, nonce, ciphertextAndTag, aad)
	if err != nil {
		return nil, &Error{Kind: KindTagInvalid, Err: err}
	}
	return pt, nil
}

// SealWithPrefix is the convenience form of spec.md §4.2's GCM encrypt:
// it generates output as nonce||ciphertext||tag when the caller hasn't
// already chosen to manage the nonce separately.
func SealWithPrefix(key, nonce, aad, plaintext []byte) ([]byte, error) {
	sealed, err := Seal(key, nonce, aad, plaintext)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// OpenWithPrefix accepts nonce||ciphertext||tag, extracting the nonce
// from the leading NonceSize bytes.
func OpenWithPrefix(key, aad, data []byte) ([]byte, error) {
	if len(data) < NonceSize+TagSize {
		return nil, &Error{Kind: KindTagInvalid, Err: fmt.Errorf("ciphertext too short: %d bytes", len(data))}
	}
	nonce := data[:NonceSize]
	rest := data[NonceSize:]
	return Open(key, nonce, aad, rest)
}
