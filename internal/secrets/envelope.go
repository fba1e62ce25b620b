// Package secrets implements envelope encryption for credential columns:
// every ciphertext carries its own random DEK wrapped by a versioned KEK,
// so rotating the passphrase only rewraps DEKs and never rewrites payloads.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Envelope layout, in order:
//
//	1  byte  format version (0x01)
//	4  bytes big-endian KEK version
//	12 bytes KEK nonce
//	48 bytes wrapped DEK (AES-256-GCM of the 32-byte DEK under the KEK)
//	12 bytes data nonce
//	n  bytes AES-256-GCM ciphertext of the payload under the DEK
const (
	envelopeVersion = 0x01

	kekNonceSize   = 12
	dekSize        = 32
	gcmTagSize     = 16
	wrappedDEKSize = dekSize + gcmTagSize
	dataNonceSize  = 12

	headerSize = 1 + 4 + kekNonceSize + wrappedDEKSize + dataNonceSize
)

// ErrDecrypt indicates an envelope that did not authenticate: wrong key,
// truncated data, or tampering. Callers must treat the row as unreadable,
// never as empty.
var ErrDecrypt = errors.New("envelope did not authenticate")

// seal encrypts payload under a fresh DEK and wraps the DEK under kek,
// stamping the envelope with keyVersion.
func seal(kek []byte, keyVersion uint32, payload []byte) ([]byte, error) {
	dek := make([]byte, dekSize)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return nil, fmt.Errorf("generate dek: %w", err)
	}

	kekGCM, err := newGCM(kek)
	if err != nil {
		return nil, err
	}
	kekNonce := make([]byte, kekNonceSize)
	if _, err := io.ReadFull(rand.Reader, kekNonce); err != nil {
		return nil, fmt.Errorf("generate kek nonce: %w", err)
	}
	wrapped := kekGCM.Seal(nil, kekNonce, dek, nil)

	dekGCM, err := newGCM(dek)
	if err != nil {
		return nil, err
	}
	dataNonce := make([]byte, dataNonceSize)
	if _, err := io.ReadFull(rand.Reader, dataNonce); err != nil {
		return nil, fmt.Errorf("generate data nonce: %w", err)
	}
	sealed := dekGCM.Seal(nil, dataNonce, payload, nil)

	out := make([]byte, 0, headerSize+len(sealed))
	out = append(out, envelopeVersion)
	out = binary.BigEndian.AppendUint32(out, keyVersion)
	out = append(out, kekNonce...)
	out = append(out, wrapped...)
	out = append(out, dataNonce...)
	out = append(out, sealed...)
	return out, nil
}

// open decrypts an envelope with the kek matching its header version.
func open(kek []byte, envelope []byte) ([]byte, error) {
	p, err := parseEnvelope(envelope)
	if err != nil {
		return nil, err
	}

	kekGCM, err := newGCM(kek)
	if err != nil {
		return nil, err
	}
	dek, err := kekGCM.Open(nil, p.kekNonce, p.wrappedDEK, nil)
	if err != nil {
		return nil, ErrDecrypt
	}

	dekGCM, err := newGCM(dek)
	if err != nil {
		return nil, err
	}
	payload, err := dekGCM.Open(nil, p.dataNonce, p.sealed, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return payload, nil
}

// rewrap unwraps the DEK under oldKEK and wraps it again under newKEK with
// a fresh nonce. The payload ciphertext is carried over untouched.
func rewrap(oldKEK, newKEK []byte, newVersion uint32, envelope []byte) ([]byte, error) {
	p, err := parseEnvelope(envelope)
	if err != nil {
		return nil, err
	}

	oldGCM, err := newGCM(oldKEK)
	if err != nil {
		return nil, err
	}
	dek, err := oldGCM.Open(nil, p.kekNonce, p.wrappedDEK, nil)
	if err != nil {
		return nil, ErrDecrypt
	}

	newGCMCipher, err := newGCM(newKEK)
	if err != nil {
		return nil, err
	}
	kekNonce := make([]byte, kekNonceSize)
	if _, err := io.ReadFull(rand.Reader, kekNonce); err != nil {
		return nil, fmt.Errorf("generate kek nonce: %w", err)
	}
	wrapped := newGCMCipher.Seal(nil, kekNonce, dek, nil)

	out := make([]byte, 0, headerSize+len(p.sealed))
	out = append(out, envelopeVersion)
	out = binary.BigEndian.AppendUint32(out, newVersion)
	out = append(out, kekNonce...)
	out = append(out, wrapped...)
	out = append(out, p.dataNonce...)
	out = append(out, p.sealed...)
	return out, nil
}

// envelopeKeyVersion reads the KEK version an envelope was sealed under.
func envelopeKeyVersion(envelope []byte) (uint32, error) {
	p, err := parseEnvelope(envelope)
	if err != nil {
		return 0, err
	}
	return p.keyVersion, nil
}

type parsedEnvelope struct {
	keyVersion uint32
	kekNonce   []byte
	wrappedDEK []byte
	dataNonce  []byte
	sealed     []byte
}

func parseEnvelope(envelope []byte) (*parsedEnvelope, error) {
	if len(envelope) < headerSize+gcmTagSize {
		return nil, fmt.Errorf("envelope too short (%d bytes): %w", len(envelope), ErrDecrypt)
	}
	if envelope[0] != envelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version 0x%02x: %w", envelope[0], ErrDecrypt)
	}
	off := 1
	keyVersion := binary.BigEndian.Uint32(envelope[off : off+4])
	off += 4
	p := &parsedEnvelope{keyVersion: keyVersion}
	p.kekNonce = envelope[off : off+kekNonceSize]
	off += kekNonceSize
	p.wrappedDEK = envelope[off : off+wrappedDEKSize]
	off += wrappedDEKSize
	p.dataNonce = envelope[off : off+dataNonceSize]
	off += dataNonceSize
	p.sealed = envelope[off:]
	return p, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != dekSize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", dekSize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}
