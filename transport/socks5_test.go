package transport

import (
	"context"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProxy runs a single-connection SOCKS5 server stand-in driven by a
// script function, and reports the port it listens on.
func fakeProxy(t *testing.T, script func(conn net.Conn)) uint16 {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn)
	}()

	return uint16(listener.Addr().(*net.TCPAddr).Port)
}

// expectGreeting consumes the client greeting and answers with the given
// method selection.
func expectGreeting(t *testing.T, conn net.Conn, method byte) {
	t.Helper()

	greeting := make([]byte, 3)
	_, err := io.ReadFull(conn, greeting)
	require.NoError(t, err)
	require.Equal(t, []byte{0x05, 0x01, 0x00}, greeting)

	_, err = conn.Write([]byte{0x05, method})
	require.NoError(t, err)
}

// expectConnect consumes a CONNECT request and verifies its target.
func expectConnect(t *testing.T, conn net.Conn, wantDomain string, wantPort uint16) {
	t.Helper()

	header := make([]byte, 5)
	_, err := io.ReadFull(conn, header)
	require.NoError(t, err)
	require.Equal(t, []byte{0x05, 0x01, 0x00, 0x03}, header[:4])
	require.Equal(t, len(wantDomain), int(header[4]))

	rest := make([]byte, int(header[4])+2)
	_, err = io.ReadFull(conn, rest)
	require.NoError(t, err)
	require.Equal(t, wantDomain, string(rest[:len(rest)-2]))
	require.Equal(t, wantPort, uint16(rest[len(rest)-2])<<8|uint16(rest[len(rest)-1]))
}

func TestDialSocks5Success(t *testing.T) {
	const target = "exampleonionaddressexampleonionaddressexampleonionaddree.onion"

	port := fakeProxy(t, func(conn net.Conn) {
		expectGreeting(t, conn, 0x00)
		expectConnect(t, conn, target, 9999)

		// Success reply with IPv4 bind address, then tunneled data.
		conn.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
		conn.Write([]byte("tunneled"))
	})

	conn, err := DialSocks5(context.Background(), "127.0.0.1", port, target, 9999)
	require.NoError(t, err)
	defer conn.Close()

	data := make([]byte, 8)
	_, err = io.ReadFull(conn, data)
	require.NoError(t, err)
	assert.Equal(t, "tunneled", string(data))
}

func TestDialSocks5DrainsBindAddressVariants(t *testing.T) {
	cases := []struct {
		name  string
		reply []byte
	}{
		{"ipv6 bind address", append([]byte{0x05, 0x00, 0x00, 0x04}, make([]byte, 18)...)},
		{"domain bind address", append(append([]byte{0x05, 0x00, 0x00, 0x03, 0x07}, []byte("example")...), 0x00, 0x50)},
		{"max length domain bind address", append(append([]byte{0x05, 0x00, 0x00, 0x03, 0xFF}, make([]byte, 255)...), 0x00, 0x50)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			port := fakeProxy(t, func(conn net.Conn) {
				expectGreeting(t, conn, 0x00)
				expectConnect(t, conn, "peer.onion", 9999)
				conn.Write(tc.reply)
				// First tunneled byte directly after the reply; the dialer
				// must have drained exactly the bind address and port.
				conn.Write([]byte{0x42})
			})

			conn, err := DialSocks5(context.Background(), "127.0.0.1", port, "peer.onion", 9999)
			require.NoError(t, err)
			defer conn.Close()

			first := make([]byte, 1)
			_, err = io.ReadFull(conn, first)
			require.NoError(t, err)
			assert.Equal(t, byte(0x42), first[0])
		})
	}
}

func TestDialSocks5NegotiationRejected(t *testing.T) {
	port := fakeProxy(t, func(conn net.Conn) {
		greeting := make([]byte, 3)
		io.ReadFull(conn, greeting)
		conn.Write([]byte{0x05, 0xFF})
	})

	_, err := DialSocks5(context.Background(), "127.0.0.1", port, "peer.onion", 9999)
	assert.ErrorIs(t, err, ErrSocksNegotiation)
}

func TestDialSocks5ConnectRefused(t *testing.T) {
	port := fakeProxy(t, func(conn net.Conn) {
		expectGreeting(t, conn, 0x00)
		expectConnect(t, conn, "peer.onion", 9999)
		conn.Write([]byte{0x05, 0x05, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	})

	_, err := DialSocks5(context.Background(), "127.0.0.1", port, "peer.onion", 9999)

	var connectErr *SocksConnectError
	require.ErrorAs(t, err, &connectErr)
	assert.Equal(t, byte(0x05), connectErr.Code)
	assert.Contains(t, connectErr.Error(), "connection refused")
}

func TestDialSocks5TruncatedReply(t *testing.T) {
	port := fakeProxy(t, func(conn net.Conn) {
		expectGreeting(t, conn, 0x00)
		expectConnect(t, conn, "peer.onion", 9999)
		conn.Write([]byte{0x05, 0x00})
		// Proxy hangs up mid-reply.
	})

	_, err := DialSocks5(context.Background(), "127.0.0.1", port, "peer.onion", 9999)
	assert.ErrorIs(t, err, ErrSocksProtocol)
}

func TestDialSocks5BadAddressType(t *testing.T) {
	port := fakeProxy(t, func(conn net.Conn) {
		expectGreeting(t, conn, 0x00)
		expectConnect(t, conn, "peer.onion", 9999)
		conn.Write([]byte{0x05, 0x00, 0x00, 0x09, 0, 0})
	})

	_, err := DialSocks5(context.Background(), "127.0.0.1", port, "peer.onion", 9999)
	assert.ErrorIs(t, err, ErrSocksProtocol)
}

func TestDialSocks5DomainLengthValidation(t *testing.T) {
	longDomain := string(make([]byte, 256))

	_, err := DialSocks5(context.Background(), "127.0.0.1", 1080, longDomain, 9999)
	assert.Error(t, err)

	_, err = DialSocks5(context.Background(), "127.0.0.1", 1080, "", 9999)
	assert.Error(t, err)
}

func TestDialSocks5ProxyUnreachable(t *testing.T) {
	// Grab a port and close it again so nothing listens there.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(listener.Addr().(*net.TCPAddr).Port)
	listener.Close()

	_, err = DialSocks5(context.Background(), "127.0.0.1", port, "peer.onion", 9999)
	assert.Error(t, err)
}
