package torchat

import (
	"context"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/torchat/protocol"
	"github.com/opd-ai/torchat/transport"
)

// dispatchLoop reads frames from a live session and routes them to the
// application callbacks. One dispatch goroutine exists per session; it owns
// the session teardown when the loop ends.
func (e *Endpoint) dispatchLoop(ctx context.Context, conn net.Conn, session *protocol.Session) {
	// Cooperative cancellation releases stream ownership before closing,
	// so the exit path below does not report it as a peer disconnect.
	stopWatch := context.AfterFunc(ctx, func() {
		e.mu.Lock()
		if e.conn == conn {
			e.conn = nil
			e.proto = nil
			e.phase = PhaseClosed
		}
		e.mu.Unlock()
		conn.Close()
	})
	defer stopWatch()

	for {
		kind, text, err := session.Receive()
		if err != nil {
			e.terminate(conn, session, err)
			return
		}

		switch kind {
		case transport.FrameEncryptedMessage:
			if e.messageCallback != nil {
				e.messageCallback(text)
			}
			if err := e.acknowledgeRead(session); err != nil {
				e.terminate(conn, session, err)
				return
			}

		case transport.FrameTypingIndicator:
			e.fireEvent(e.typingCallback)

		case transport.FrameReadReceipt:
			e.fireEvent(e.readReceiptCallback)

		default:
			e.terminate(conn, session,
				fmt.Errorf("%w: %s during live session", protocol.ErrUnexpectedFrame, kind))
			return
		}
	}
}

// acknowledgeRead sends the automatic read receipt for a delivered message
// under the endpoint's write serializer.
func (e *Endpoint) acknowledgeRead(session *protocol.Session) error {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	return session.SendReadReceipt()
}

// terminate winds a session down after its receive loop ended. The
// peer-disconnected callback fires only if this loop's stream is still the
// endpoint's current stream; a replaced or locally stopped session exits
// quietly.
func (e *Endpoint) terminate(conn net.Conn, session *protocol.Session, cause error) {
	e.mu.Lock()
	owns := e.conn == conn
	if owns {
		e.conn = nil
		e.proto = nil
		if e.role == RoleListener {
			e.phase = PhaseIdle
		} else {
			e.phase = PhaseClosed
		}
	}
	e.mu.Unlock()

	session.Close()

	if !owns {
		logrus.WithFields(logrus.Fields{
			"function": "Endpoint.terminate",
			"cause":    cause.Error(),
		}).Debug("Stale session wound down")
		return
	}

	conn.Close()

	logrus.WithFields(logrus.Fields{
		"function": "Endpoint.terminate",
		"role":     e.role.String(),
		"cause":    cause.Error(),
	}).Info("Live session ended")

	e.fireEvent(e.peerDisconnectedCallback)
}

// fireEvent invokes an event callback when one is installed.
func (e *Endpoint) fireEvent(callback EventCallback) {
	if callback != nil {
		callback()
	}
}

// linkContext derives a context cancelled by either the caller's ctx or
// the endpoint's Stop.
func (e *Endpoint) linkContext(ctx context.Context) (context.Context, context.CancelFunc) {
	linked, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(e.ctx, cancel)
	return linked, func() {
		stop()
		cancel()
	}
}
