package protocol

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/torchat/crypto"
	"github.com/opd-ai/torchat/transport"
)

// ErrUnexpectedFrame indicates a frame kind the protocol does not define.
var ErrUnexpectedFrame = errors.New("unexpected frame kind")

// Session couples a frame codec with the ephemeral crypto session for one
// connection. It owns the crypto material: closing the session wipes it.
//
// A Session is not safe for concurrent use; the endpoint serializes sends
// and runs a single receive loop.
type Session struct {
	codec     *transport.FrameCodec
	crypto    *crypto.Session
	closeOnce sync.Once
}

// NewSession creates a protocol session over a duplex byte stream with a
// fresh ephemeral key pair.
func NewSession(rw io.ReadWriter) (*Session, error) {
	cryptoSession, err := crypto.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create crypto session: %w", err)
	}

	return &Session{
		codec:  transport.NewFrameCodec(rw),
		crypto: cryptoSession,
	}, nil
}

// IsInitialized reports whether the peer's key exchange has been processed.
func (s *Session) IsInitialized() bool {
	return s.crypto.IsInitialized()
}

// SendKeyExchange sends the local public key blob to the peer.
func (s *Session) SendKeyExchange() error {
	return s.codec.WriteFrame(transport.FrameKeyExchange, s.crypto.PublicKeyBlob())
}

// SendAck sends an empty connection acknowledgement.
func (s *Session) SendAck() error {
	return s.codec.WriteFrame(transport.FrameConnectionAck, nil)
}

// SendMessage encrypts text and sends it as an encrypted-message frame.
// The key exchange must have completed first.
func (s *Session) SendMessage(text string) error {
	sealed, err := s.crypto.Encrypt(text)
	if err != nil {
		return err
	}
	return s.codec.WriteFrame(transport.FrameEncryptedMessage, sealed)
}

// SendTyping sends an empty typing-indicator frame.
func (s *Session) SendTyping() error {
	return s.codec.WriteFrame(transport.FrameTypingIndicator, nil)
}

// SendReadReceipt sends an empty read-receipt frame.
func (s *Session) SendReadReceipt() error {
	return s.codec.WriteFrame(transport.FrameReadReceipt, nil)
}

// Receive reads the next frame and applies its protocol semantics.
//
// A KeyExchange frame derives the session keys and returns no text. An
// EncryptedMessage frame is decrypted and returns the plaintext. Typing,
// read-receipt, and acknowledgement frames return only their kind. Any
// other kind is an ErrUnexpectedFrame.
func (s *Session) Receive() (transport.FrameKind, string, error) {
	kind, payload, err := s.codec.ReadFrame()
	if err != nil {
		return 0, "", err
	}

	switch kind {
	case transport.FrameKeyExchange:
		if err := s.crypto.Derive(payload); err != nil {
			return 0, "", err
		}
		return kind, "", nil

	case transport.FrameEncryptedMessage:
		text, err := s.crypto.Decrypt(payload)
		if err != nil {
			return 0, "", err
		}
		return kind, text, nil

	case transport.FrameTypingIndicator, transport.FrameReadReceipt, transport.FrameConnectionAck:
		return kind, "", nil

	default:
		logrus.WithFields(logrus.Fields{
			"function":   "Session.Receive",
			"frame_kind": kind.String(),
		}).Error("Unknown frame kind on the wire")
		return 0, "", fmt.Errorf("%w: %s", ErrUnexpectedFrame, kind)
	}
}

// Close wipes the session's crypto material. It is safe to call more than
// once. The underlying stream is owned and closed by the endpoint, not by
// the session.
func (s *Session) Close() {
	s.closeOnce.Do(s.crypto.Close)
}
