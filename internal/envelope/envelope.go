// Package envelope implements the trusted boundary described in
// SPEC_FULL.md §6: AES-256-GCM confidentiality for round-call and response
// payloads, and Ed25519 signature verification of the inner Signed<> call
// against a peer's attested key. The outer RSA-OAEP/shard-lookup/MRENCLAVE
// attestation transport is an external collaborator (§1 non-goals, §6); this
// package only implements the boundary that begins at the decrypted
// Signed<DirectCall | CeremonyRoundCall> envelope.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/klingon-exchange/musig2-ceremony/internal/ceremony"
)

// MrenclaveResolver resolves a signer id to the Ed25519 public key the
// external attestation pipeline has already bound to that enclave's
// MRENCLAVE measurement. A lookup failure means the caller cannot be
// verified and maps to ErrMrenclaveQueryFailed.
type MrenclaveResolver interface {
	ResolvePubKey(signer ceremony.SignerId) (ed25519.PublicKey, error)
}

// Signed is the inner envelope signed by the sending enclave. Signature
// covers Payload exactly as received; the MRENCLAVE||shard prefix named in
// SPEC_FULL.md §6 is applied and stripped by the external transport before
// Payload ever reaches this package.
type Signed struct {
	Signer    ceremony.SignerId
	Payload   []byte
	Signature [ed25519.SignatureSize]byte
}

// Sign wraps payload in a Signed envelope using priv.
func Sign(signer ceremony.SignerId, priv ed25519.PrivateKey, payload []byte) Signed {
	sig := ed25519.Sign(priv, payload)
	s := Signed{Signer: signer, Payload: payload}
	copy(s.Signature[:], sig)
	return s
}

// VerifySigned resolves the sender's attested public key and checks the
// signature, returning the verified payload. Errors are always one of the
// envelope sentinels in internal/ceremony/errors.go, never touching any
// ceremony state (SPEC_FULL.md §7).
func VerifySigned(s Signed, resolver MrenclaveResolver) ([]byte, error) {
	pub, err := resolver.ResolvePubKey(s.Signer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ceremony.ErrMrenclaveQueryFailed, err)
	}
	if !ed25519.Verify(pub, s.Payload, s.Signature[:]) {
		return nil, ceremony.ErrSignatureInvalid
	}
	return s.Payload, nil
}

// EncryptGCM seals plaintext under key with AES-256-GCM, prefixing the
// random nonce to the returned ciphertext (SPEC_FULL.md §4.5/§6: every
// response to the requester is sealed this way; round-calls to peers are
// signed, not sealed, see internal/peerclient).
func EncryptGCM(key ceremony.AesKey, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("envelope: nonce generation failed: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// DecryptGCM opens a ciphertext produced by EncryptGCM. Any failure
// (truncated input, wrong key, tampered tag) maps to ErrDecryptFailed.
func DecryptGCM(key ceremony.AesKey, data []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(data) < gcm.NonceSize() {
		return nil, ceremony.ErrDecryptFailed
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ceremony.ErrDecryptFailed, err)
	}
	return plaintext, nil
}

func newGCM(key ceremony.AesKey) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("envelope: cipher init failed: %w", err)
	}
	return cipher.NewGCM(block)
}

// EncodeErrorCode returns the single-byte wire form of an ErrorCode, used
// to build the "AES-256-GCM(aes_key, encoded(ErrorCode))" response named in
// SPEC_FULL.md §6.
func EncodeErrorCode(code ceremony.ErrorCode) []byte {
	return []byte{byte(code)}
}

// DecodeErrorCode is the inverse of EncodeErrorCode, used by test and
// client-side tooling that needs to interpret an error response.
func DecodeErrorCode(data []byte) (ceremony.ErrorCode, error) {
	if len(data) != 1 {
		return ceremony.ErrCodeUnknown, ceremony.ErrDecodeFailed
	}
	return ceremony.ErrorCode(data[0]), nil
}
