package torchat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/torchat/protocol"
	"github.com/opd-ai/torchat/transport"
)

// Listen starts accepting inbound connections on the loopback listen port.
// The hidden-service side of the Tor daemon forwards rendezvous traffic to
// this port. Listen returns once the listener is bound; handshakes run on
// the accept goroutine.
//
// Cancelling ctx closes the listener and any session it produced.
func (e *Endpoint) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", e.options.ListenPort))
	if err != nil {
		return fmt.Errorf("failed to bind listen port: %w", err)
	}

	e.mu.Lock()
	e.role = RoleListener
	e.listener = listener
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "Endpoint.Listen",
		"listen_addr": listener.Addr().String(),
	}).Info("Listener endpoint accepting connections")

	lctx, lcancel := e.linkContext(ctx)
	go func() {
		defer lcancel()
		e.acceptLoop(lctx, listener)
	}()

	return nil
}

// LocalAddr returns the listener's bound address, or nil for a connector
// endpoint.
func (e *Endpoint) LocalAddr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

// Connect dials the peer's hidden address through the SOCKS5 proxy and runs
// the connector-side handshake. It returns once the session is live or the
// attempt failed.
func (e *Endpoint) Connect(ctx context.Context, remoteAddress string) error {
	if len(remoteAddress) == 0 || len(remoteAddress) > 255 {
		return fmt.Errorf("%w: address length %d", ErrInvalidAddress, len(remoteAddress))
	}
	if err := ValidateOnionAddress(remoteAddress); err != nil {
		// Arbitrary domains are tolerated; the proxy resolves them.
		logrus.WithFields(logrus.Fields{
			"function": "Endpoint.Connect",
			"address":  remoteAddress,
		}).Warn("Remote address is not a v3 onion address")
	}

	e.mu.Lock()
	if e.phase != PhaseIdle {
		e.mu.Unlock()
		return ErrSessionActive
	}
	e.role = RoleConnector
	e.phase = PhaseDialing
	e.mu.Unlock()

	conn, err := transport.DialSocks5(ctx, e.options.SocksHost, e.options.SocksPort,
		remoteAddress, e.options.RemotePort)
	if err != nil {
		e.mu.Lock()
		e.phase = PhaseIdle
		e.mu.Unlock()
		return err
	}

	return e.connectStream(ctx, conn)
}

// ConnectStream runs the connector-side handshake over an already
// established duplex stream, bypassing the SOCKS5 dial. This is how a
// direct (non-anonymous) connection or a test harness attaches.
func (e *Endpoint) ConnectStream(ctx context.Context, conn net.Conn) error {
	e.mu.Lock()
	if e.phase != PhaseIdle {
		e.mu.Unlock()
		return ErrSessionActive
	}
	e.role = RoleConnector
	e.phase = PhaseDialing
	e.mu.Unlock()

	return e.connectStream(ctx, conn)
}

// connectStream completes a connector attempt on conn: handshake, session
// installation, dispatch startup. The endpoint phase must be Dialing.
func (e *Endpoint) connectStream(ctx context.Context, conn net.Conn) error {
	e.fireEvent(e.peerConnectingCallback)

	e.mu.Lock()
	e.conn = conn
	e.phase = PhaseHandshaking
	e.mu.Unlock()

	lctx, lcancel := e.linkContext(ctx)

	session, err := e.runHandshake(lctx, conn, RoleConnector)
	if err != nil {
		lcancel()
		conn.Close()
		e.mu.Lock()
		if e.conn == conn {
			e.conn = nil
			e.phase = PhaseIdle
		}
		e.mu.Unlock()
		return err
	}

	e.mu.Lock()
	e.proto = session
	e.phase = PhaseLive
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Endpoint.connectStream",
		"role":     "connector",
	}).Info("Session live")

	e.fireEvent(e.peerConnectedCallback)

	go func() {
		defer lcancel()
		e.dispatchLoop(lctx, conn, session)
	}()

	return nil
}

// acceptLoop accepts inbound connections until the listener closes. Each
// accepted connection replaces whatever session existed before it.
func (e *Endpoint) acceptLoop(ctx context.Context, listener net.Listener) {
	stopWatch := context.AfterFunc(ctx, func() { listener.Close() })
	defer stopWatch()

	for {
		conn, err := listener.Accept()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Endpoint.acceptLoop",
				"error":    err.Error(),
			}).Debug("Accept loop exiting")
			return
		}

		logrus.WithFields(logrus.Fields{
			"function":    "Endpoint.acceptLoop",
			"remote_addr": conn.RemoteAddr().String(),
		}).Info("Inbound connection accepted")

		e.fireEvent(e.peerConnectingCallback)

		// At-most-one session: tear down the previous one before the
		// replacement handshakes. Closing the old stream unblocks its
		// dispatch loop, which wipes the old session and, no longer
		// owning the current stream, exits quietly.
		e.mu.Lock()
		oldConn := e.conn
		e.conn = conn
		e.proto = nil
		e.phase = PhaseHandshaking
		e.mu.Unlock()

		if oldConn != nil {
			oldConn.Close()
		}

		session, err := e.runHandshake(ctx, conn, RoleListener)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "Endpoint.acceptLoop",
				"remote_addr": conn.RemoteAddr().String(),
				"error":       err.Error(),
			}).Warn("Inbound handshake failed, resuming accept")

			conn.Close()
			e.mu.Lock()
			if e.conn == conn {
				e.conn = nil
				e.phase = PhaseIdle
			}
			e.mu.Unlock()
			continue
		}

		e.mu.Lock()
		e.proto = session
		e.phase = PhaseLive
		e.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "Endpoint.acceptLoop",
			"role":     "listener",
		}).Info("Session live")

		// Only after the connector's final acknowledgement arrived is
		// mutual readiness observable.
		e.fireEvent(e.peerConnectedCallback)

		go e.dispatchLoop(ctx, conn, session)
	}
}

// runHandshake executes the four-step mutual-acknowledgement handshake on
// conn. The whole exchange shares one deadline linked to ctx.
//
// Frame order is fixed per role:
//
//	listener:  send KeyExchange, receive KeyExchange, send Ack, receive Ack
//	connector: receive KeyExchange, send KeyExchange, receive Ack, send Ack
//
// The second round guarantees both sides finished deriving keys before
// either sends encrypted traffic.
func (e *Endpoint) runHandshake(ctx context.Context, conn net.Conn, role Role) (*protocol.Session, error) {
	hsCtx, cancel := context.WithTimeout(ctx, e.options.HandshakeTimeout)
	defer cancel()

	// Interrupt any blocked read or write the moment the deadline or the
	// caller's cancellation fires.
	stopWatch := context.AfterFunc(hsCtx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stopWatch()

	session, err := protocol.NewSession(conn)
	if err != nil {
		return nil, err
	}

	if role == RoleListener {
		err = e.listenerHandshake(session)
	} else {
		err = e.connectorHandshake(session)
	}

	if err != nil {
		session.Close()
		return nil, e.handshakeError(hsCtx, ctx, err)
	}

	if !stopWatch() {
		// The watcher already fired; the deadline landed between the last
		// frame and here.
		session.Close()
		return nil, ErrHandshakeTimeout
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to clear deadline: %w", err)
	}

	return session, nil
}

// listenerHandshake sends first: the listener's key offer opens the
// exchange.
func (e *Endpoint) listenerHandshake(session *protocol.Session) error {
	if err := session.SendKeyExchange(); err != nil {
		return err
	}
	if err := requireFrame(session, transport.FrameKeyExchange); err != nil {
		return err
	}
	if err := session.SendAck(); err != nil {
		return err
	}
	return requireFrame(session, transport.FrameConnectionAck)
}

// connectorHandshake receives first and answers each round.
func (e *Endpoint) connectorHandshake(session *protocol.Session) error {
	if err := requireFrame(session, transport.FrameKeyExchange); err != nil {
		return err
	}
	if err := session.SendKeyExchange(); err != nil {
		return err
	}
	if err := requireFrame(session, transport.FrameConnectionAck); err != nil {
		return err
	}
	return session.SendAck()
}

// requireFrame receives one frame and demands the given kind.
func requireFrame(session *protocol.Session, want transport.FrameKind) error {
	kind, _, err := session.Receive()
	if err != nil {
		return err
	}
	if kind != want {
		return fmt.Errorf("%w: got %s, want %s", ErrHandshakeProtocol, kind, want)
	}
	return nil
}

// handshakeError maps a failed handshake to its cause: deadline, caller
// cancellation, or the underlying protocol failure.
func (e *Endpoint) handshakeError(hsCtx, ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(hsCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
	}
	return err
}
