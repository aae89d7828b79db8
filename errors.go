package torchat

import "errors"

// Common errors for endpoint operations.
var (
	// ErrNotConnected indicates a send was issued with no live session.
	ErrNotConnected = errors.New("no live session")

	// ErrSessionActive indicates Connect or ConnectStream was called on an
	// endpoint that is not idle: a session is in progress or the endpoint
	// is closed.
	ErrSessionActive = errors.New("endpoint already has an active session")

	// ErrHandshakeTimeout indicates the handshake deadline elapsed.
	ErrHandshakeTimeout = errors.New("handshake timed out")

	// ErrHandshakeProtocol indicates the peer sent the wrong frame kind
	// during the handshake.
	ErrHandshakeProtocol = errors.New("unexpected handshake frame")

	// ErrInvalidAddress indicates a hidden-service address failed
	// validation.
	ErrInvalidAddress = errors.New("invalid onion address")
)
