package torchat

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/torchat/protocol"
)

// Phase describes the connection state of an endpoint.
type Phase uint8

const (
	// PhaseIdle means no session exists. A listener endpoint keeps
	// accepting while idle.
	PhaseIdle Phase = iota
	// PhaseDialing means a SOCKS5 dial is in flight.
	PhaseDialing
	// PhaseHandshaking means a stream exists and the handshake is running.
	PhaseHandshaking
	// PhaseLive means the mutual handshake completed and messages flow.
	PhaseLive
	// PhaseClosing means Stop is tearing the endpoint down.
	PhaseClosing
	// PhaseClosed means the endpoint is stopped for good.
	PhaseClosed
)

// String returns a human-readable phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseDialing:
		return "Dialing"
	case PhaseHandshaking:
		return "Handshaking"
	case PhaseLive:
		return "Live"
	case PhaseClosing:
		return "Closing"
	case PhaseClosed:
		return "Closed"
	default:
		return fmt.Sprintf("Phase(%d)", uint8(p))
	}
}

// Role describes which side of the connection an endpoint plays.
type Role uint8

const (
	// RoleListener accepts the inbound hidden-service connection.
	RoleListener Role = iota
	// RoleConnector dials out through the SOCKS5 proxy.
	RoleConnector
)

// String returns a human-readable role name.
func (r Role) String() string {
	if r == RoleConnector {
		return "connector"
	}
	return "listener"
}

// MessageCallback is called when a chat message arrives from the peer.
type MessageCallback func(text string)

// EventCallback is called when a connection event or control frame occurs.
type EventCallback func()

// Options contains configuration for creating an endpoint.
type Options struct {
	// SocksHost and SocksPort locate the running local SOCKS5 proxy.
	SocksHost string
	SocksPort uint16

	// ListenPort is the loopback TCP port a listener endpoint accepts on.
	// The hidden service forwards inbound rendezvous traffic here.
	ListenPort uint16

	// RemotePort is the hidden-service rendezvous port dialed on the
	// peer's address.
	RemotePort uint16

	// HandshakeTimeout bounds the whole handshake, first frame to last.
	HandshakeTimeout time.Duration
}

// NewOptions creates Options with the conventional defaults.
func NewOptions() *Options {
	return &Options{
		SocksHost:        "127.0.0.1",
		RemotePort:       9999,
		HandshakeTimeout: 60 * time.Second,
	}
}

// Endpoint is one side of an anonymous two-party chat connection. It holds
// at most one live session at a time; on the listener side a new inbound
// connection replaces the previous session.
type Endpoint struct {
	options *Options
	role    Role

	// mu guards phase, conn, and proto. proto is set only while the session
	// is live; during the handshake conn is set and proto is nil.
	mu       sync.Mutex
	phase    Phase
	conn     net.Conn
	proto    *protocol.Session
	listener net.Listener

	// sendMu serializes writes so concurrent sends never interleave
	// frame bytes on the stream.
	sendMu sync.Mutex

	messageCallback          MessageCallback
	peerConnectingCallback   EventCallback
	peerConnectedCallback    EventCallback
	peerDisconnectedCallback EventCallback
	typingCallback           EventCallback
	readReceiptCallback      EventCallback

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an endpoint. Callbacks should be installed before Listen or
// Connect is called.
func New(options *Options) *Endpoint {
	if options == nil {
		options = NewOptions()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Endpoint{
		options: options,
		phase:   PhaseIdle,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// OnMessage sets the callback invoked with each decrypted chat message.
func (e *Endpoint) OnMessage(callback MessageCallback) {
	e.messageCallback = callback
}

// OnPeerConnecting sets the callback invoked when a transport connection
// exists but the handshake has not completed yet.
func (e *Endpoint) OnPeerConnecting(callback EventCallback) {
	e.peerConnectingCallback = callback
}

// OnPeerConnected sets the callback invoked when the mutual handshake
// completes.
func (e *Endpoint) OnPeerConnected(callback EventCallback) {
	e.peerConnectedCallback = callback
}

// OnPeerDisconnected sets the callback invoked when a live session ends
// unexpectedly. It does not fire for a local Stop or when a replaced
// session winds down.
func (e *Endpoint) OnPeerDisconnected(callback EventCallback) {
	e.peerDisconnectedCallback = callback
}

// OnTypingIndicator sets the callback invoked when the peer signals typing.
func (e *Endpoint) OnTypingIndicator(callback EventCallback) {
	e.typingCallback = callback
}

// OnReadReceipt sets the callback invoked when the peer confirms reading.
func (e *Endpoint) OnReadReceipt(callback EventCallback) {
	e.readReceiptCallback = callback
}

// Phase returns the endpoint's current connection phase.
func (e *Endpoint) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// SendMessage encrypts and sends a chat message to the peer.
func (e *Endpoint) SendMessage(text string) error {
	return e.send(func(session *protocol.Session) error {
		return session.SendMessage(text)
	})
}

// SendTyping tells the peer a message is being composed.
func (e *Endpoint) SendTyping() error {
	return e.send((*protocol.Session).SendTyping)
}

// SendReadReceipt confirms to the peer that its message was read.
func (e *Endpoint) SendReadReceipt() error {
	return e.send((*protocol.Session).SendReadReceipt)
}

// send runs op against the live session under the write serializer.
func (e *Endpoint) send(op func(*protocol.Session) error) error {
	e.mu.Lock()
	if e.phase != PhaseLive || e.proto == nil {
		e.mu.Unlock()
		return ErrNotConnected
	}
	session := e.proto
	e.mu.Unlock()

	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	return op(session)
}

// Stop shuts the endpoint down: the listener stops accepting, the live
// session is closed, and crypto material is wiped. Stop does not fire the
// peer-disconnected callback.
func (e *Endpoint) Stop() {
	logrus.WithFields(logrus.Fields{
		"function": "Endpoint.Stop",
		"role":     e.role.String(),
	}).Info("Stopping endpoint")

	e.cancel()

	e.mu.Lock()
	e.phase = PhaseClosing
	conn := e.conn
	listener := e.listener
	e.conn = nil
	e.proto = nil
	e.listener = nil
	e.phase = PhaseClosed
	e.mu.Unlock()

	// The dispatch loop owns the session teardown: closing the stream
	// unblocks its read and it wipes the crypto material on exit.
	if conn != nil {
		conn.Close()
	}
	if listener != nil {
		listener.Close()
	}
}

// ValidateOnionAddress checks that addr is a v3 hidden-service address:
// 56 lowercase base32 characters followed by ".onion".
func ValidateOnionAddress(addr string) error {
	const suffix = ".onion"
	if !strings.HasSuffix(addr, suffix) {
		return fmt.Errorf("%w: missing %s suffix", ErrInvalidAddress, suffix)
	}

	host := strings.TrimSuffix(addr, suffix)
	if len(host) != 56 {
		return fmt.Errorf("%w: host is %d characters, want 56", ErrInvalidAddress, len(host))
	}

	for _, c := range host {
		if (c < 'a' || c > 'z') && (c < '2' || c > '7') {
			return fmt.Errorf("%w: invalid character %q", ErrInvalidAddress, c)
		}
	}

	return nil
}
