package protocol

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/torchat/crypto"
	"github.com/opd-ai/torchat/transport"
)

// newSessionPair returns two protocol sessions joined by an in-memory
// duplex pipe.
func newSessionPair(t *testing.T) (*Session, *Session) {
	t.Helper()

	left, right := net.Pipe()
	t.Cleanup(func() {
		left.Close()
		right.Close()
	})

	a, err := NewSession(left)
	require.NoError(t, err)
	b, err := NewSession(right)
	require.NoError(t, err)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	return a, b
}

// exchangeKeys completes the key exchange in both directions. net.Pipe is
// unbuffered, so each send pairs with a concurrent receive.
func exchangeKeys(t *testing.T, a, b *Session) {
	t.Helper()

	done := make(chan error, 1)
	go func() {
		if err := a.SendKeyExchange(); err != nil {
			done <- err
			return
		}
		_, _, err := a.Receive()
		done <- err
	}()

	kind, text, err := b.Receive()
	require.NoError(t, err)
	require.Equal(t, transport.FrameKeyExchange, kind)
	require.Empty(t, text)
	require.NoError(t, b.SendKeyExchange())

	require.NoError(t, <-done)
	require.True(t, a.IsInitialized())
	require.True(t, b.IsInitialized())
}

func TestKeyExchangeInitializesBothSides(t *testing.T) {
	a, b := newSessionPair(t)

	assert.False(t, a.IsInitialized())
	assert.False(t, b.IsInitialized())

	exchangeKeys(t, a, b)
}

func TestMessageRoundTrip(t *testing.T) {
	a, b := newSessionPair(t)
	exchangeKeys(t, a, b)

	go func() {
		a.SendMessage("hello over the wire")
	}()

	kind, text, err := b.Receive()
	require.NoError(t, err)
	assert.Equal(t, transport.FrameEncryptedMessage, kind)
	assert.Equal(t, "hello over the wire", text)
}

func TestSendMessageBeforeKeyExchange(t *testing.T) {
	a, _ := newSessionPair(t)

	err := a.SendMessage("too early")
	assert.ErrorIs(t, err, crypto.ErrNotInitialized)
}

func TestControlFramesCarryNoText(t *testing.T) {
	cases := []struct {
		name string
		send func(s *Session) error
		want transport.FrameKind
	}{
		{"ack", (*Session).SendAck, transport.FrameConnectionAck},
		{"typing", (*Session).SendTyping, transport.FrameTypingIndicator},
		{"read receipt", (*Session).SendReadReceipt, transport.FrameReadReceipt},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, b := newSessionPair(t)

			go func() {
				tc.send(a)
			}()

			kind, text, err := b.Receive()
			require.NoError(t, err)
			assert.Equal(t, tc.want, kind)
			assert.Empty(t, text)
		})
	}
}

func TestAckDoesNotTouchCryptoState(t *testing.T) {
	a, b := newSessionPair(t)

	go func() {
		a.SendAck()
	}()

	_, _, err := b.Receive()
	require.NoError(t, err)
	assert.False(t, b.IsInitialized())
}

func TestReceiveRejectsUnknownKind(t *testing.T) {
	left, right := net.Pipe()
	defer left.Close()
	defer right.Close()

	session, err := NewSession(right)
	require.NoError(t, err)
	defer session.Close()

	go func() {
		transport.NewFrameCodec(left).WriteFrame(transport.FrameKind(0x7F), []byte{0x00})
	}()

	_, _, err = session.Receive()
	assert.ErrorIs(t, err, ErrUnexpectedFrame)
}

func TestReceiveTamperedMessageFailsIntegrity(t *testing.T) {
	a, b := newSessionPair(t)
	exchangeKeys(t, a, b)

	// Build a valid sealed message, flip one ciphertext bit, and inject it
	// as a raw frame.
	left, right := net.Pipe()
	defer left.Close()
	defer right.Close()

	sealed, err := a.crypto.Encrypt("secret")
	require.NoError(t, err)
	sealed[crypto.IVSize] ^= 0x01

	victim := &Session{
		codec:  transport.NewFrameCodec(right),
		crypto: b.crypto,
	}

	go func() {
		transport.NewFrameCodec(left).WriteFrame(transport.FrameEncryptedMessage, sealed)
	}()

	_, _, err = victim.Receive()
	assert.ErrorIs(t, err, crypto.ErrIntegrityFailed)
}

func TestReceiveSurfacesConnectionClosed(t *testing.T) {
	left, right := net.Pipe()
	defer right.Close()

	session, err := NewSession(right)
	require.NoError(t, err)
	defer session.Close()

	left.Close()

	_, _, err = session.Receive()
	assert.ErrorIs(t, err, transport.ErrConnectionClosed)
}

func TestSecondKeyExchangeRejected(t *testing.T) {
	a, b := newSessionPair(t)
	exchangeKeys(t, a, b)

	done := make(chan error, 1)
	go func() {
		done <- a.SendKeyExchange()
	}()

	_, _, err := b.Receive()
	assert.ErrorIs(t, err, crypto.ErrAlreadyDerived)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sender did not finish")
	}
}
