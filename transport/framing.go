package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// FrameKind identifies the type of a protocol frame.
type FrameKind byte

const (
	// FrameKeyExchange carries an ECDH public key blob.
	FrameKeyExchange FrameKind = 0x01
	// FrameEncryptedMessage carries IV || ciphertext || tag.
	FrameEncryptedMessage FrameKind = 0x02
	// FrameTypingIndicator signals the peer is typing. Empty payload.
	FrameTypingIndicator FrameKind = 0x03
	// FrameReadReceipt acknowledges a delivered message. Empty payload.
	FrameReadReceipt FrameKind = 0x04
	// FrameConnectionAck completes the mutual handshake. Empty payload.
	FrameConnectionAck FrameKind = 0x05
)

// MaxPayloadSize is the hard cap on a frame payload: 10 MiB.
const MaxPayloadSize = 10 * 1024 * 1024

// frameHeaderSize is one kind byte plus a uint32 little-endian length.
const frameHeaderSize = 5

// Valid reports whether k is a kind this protocol defines.
func (k FrameKind) Valid() bool {
	return k >= FrameKeyExchange && k <= FrameConnectionAck
}

// String returns a human-readable frame kind name for logging.
func (k FrameKind) String() string {
	switch k {
	case FrameKeyExchange:
		return "KeyExchange"
	case FrameEncryptedMessage:
		return "EncryptedMessage"
	case FrameTypingIndicator:
		return "TypingIndicator"
	case FrameReadReceipt:
		return "ReadReceipt"
	case FrameConnectionAck:
		return "ConnectionAck"
	default:
		return fmt.Sprintf("Unknown(%#02x)", byte(k))
	}
}

// FrameCodec reads and writes length-prefixed typed frames over a duplex
// byte stream. It buffers nothing beyond the frame in flight; callers
// serialize access.
type FrameCodec struct {
	rw io.ReadWriter
}

// NewFrameCodec wraps a duplex byte stream.
func NewFrameCodec(rw io.ReadWriter) *FrameCodec {
	return &FrameCodec{rw: rw}
}

// WriteFrame writes a complete frame (header plus payload) as a single
// write, retrying until every byte is on the wire.
func (c *FrameCodec) WriteFrame(kind FrameKind, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	buf := make([]byte, frameHeaderSize+len(payload))
	buf[0] = byte(kind)
	binary.LittleEndian.PutUint32(buf[1:frameHeaderSize], uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)

	for written := 0; written < len(buf); {
		n, err := c.rw.Write(buf[written:])
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "FrameCodec.WriteFrame",
				"frame_kind": kind.String(),
				"written":    written + n,
				"error":      err.Error(),
			}).Error("Frame write failed")
			return fmt.Errorf("frame write failed: %w", err)
		}
		written += n
	}

	logrus.WithFields(logrus.Fields{
		"function":     "FrameCodec.WriteFrame",
		"frame_kind":   kind.String(),
		"payload_size": len(payload),
	}).Debug("Frame written")

	return nil
}

// ReadFrame reads the next frame from the stream. The declared length is
// validated against MaxPayloadSize before any payload storage is allocated.
// EOF mid-frame or before a header is reported as ErrConnectionClosed.
// Unknown kinds are returned to the caller undisturbed.
func (c *FrameCodec) ReadFrame() (FrameKind, []byte, error) {
	var header [frameHeaderSize]byte
	if err := c.readFull(header[:]); err != nil {
		return 0, nil, err
	}

	kind := FrameKind(header[0])
	length := binary.LittleEndian.Uint32(header[1:])
	if length > MaxPayloadSize {
		logrus.WithFields(logrus.Fields{
			"function":        "FrameCodec.ReadFrame",
			"frame_kind":      kind.String(),
			"declared_length": length,
		}).Error("Oversized frame rejected")
		return 0, nil, fmt.Errorf("%w: declared %d bytes", ErrFrameTooLarge, length)
	}

	if length == 0 {
		return kind, nil, nil
	}

	payload := make([]byte, length)
	if err := c.readFull(payload); err != nil {
		return 0, nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":     "FrameCodec.ReadFrame",
		"frame_kind":   kind.String(),
		"payload_size": length,
	}).Debug("Frame read")

	return kind, payload, nil
}

// readFull loops until buf is filled, mapping stream end to
// ErrConnectionClosed.
func (c *FrameCodec) readFull(buf []byte) error {
	if _, err := io.ReadFull(c.rw, buf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return ErrConnectionClosed
		}
		return fmt.Errorf("frame read failed: %w", err)
	}
	return nil
}
