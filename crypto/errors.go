package crypto

import "errors"

// Errors returned by Session operations.
var (
	// ErrNotInitialized indicates Encrypt or Decrypt was called before
	// Derive succeeded.
	ErrNotInitialized = errors.New("session keys not derived")

	// ErrAlreadyDerived indicates Derive was called twice on one session.
	ErrAlreadyDerived = errors.New("session keys already derived")

	// ErrBadPeerKey indicates the peer's public key blob is malformed or
	// not a valid point on the curve.
	ErrBadPeerKey = errors.New("invalid peer public key")

	// ErrIntegrityFailed indicates the authentication tag did not match.
	ErrIntegrityFailed = errors.New("message authentication failed")

	// ErrMalformedCiphertext indicates the ciphertext is too short, not
	// block-aligned, incorrectly padded, or does not decode as UTF-8.
	ErrMalformedCiphertext = errors.New("malformed ciphertext")
)
