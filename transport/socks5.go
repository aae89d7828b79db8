package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// SocksIOTimeout bounds every read and write against the proxy during the
// CONNECT exchange.
const SocksIOTimeout = 120 * time.Second

const (
	socksVersion  = 0x05
	methodNoAuth  = 0x00
	cmdConnect    = 0x01
	atypIPv4      = 0x01
	atypDomain    = 0x03
	atypIPv6      = 0x04
	replySuccess  = 0x00
	maxDomainSize = 255
)

// DialSocks5 establishes a TCP connection to targetDomain:targetPort through
// the SOCKS5 proxy at proxyHost:proxyPort using the RFC 1928 no-auth CONNECT
// exchange. Name resolution happens on the proxy side, which is what lets a
// hidden-service address be dialed at all.
//
// The returned connection has no deadline set; the caller owns it.
func DialSocks5(ctx context.Context, proxyHost string, proxyPort uint16, targetDomain string, targetPort uint16) (net.Conn, error) {
	if len(targetDomain) == 0 || len(targetDomain) > maxDomainSize {
		return nil, fmt.Errorf("target domain length %d out of range [1,%d]", len(targetDomain), maxDomainSize)
	}

	proxyAddr := net.JoinHostPort(proxyHost, strconv.Itoa(int(proxyPort)))

	logrus.WithFields(logrus.Fields{
		"function":    "DialSocks5",
		"proxy_addr":  proxyAddr,
		"target":      targetDomain,
		"target_port": targetPort,
	}).Info("Dialing target via SOCKS5 proxy")

	dialer := net.Dialer{Timeout: SocksIOTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to proxy %s: %w", proxyAddr, err)
	}

	if err := connectThroughProxy(conn, targetDomain, targetPort); err != nil {
		conn.Close()
		logrus.WithFields(logrus.Fields{
			"function":   "DialSocks5",
			"proxy_addr": proxyAddr,
			"target":     targetDomain,
			"error":      err.Error(),
		}).Error("SOCKS5 CONNECT failed")
		return nil, err
	}

	// The exchange deadlines must not outlive the handshake.
	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to clear deadline: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "DialSocks5",
		"proxy_addr": proxyAddr,
		"target":     targetDomain,
		"local_addr": conn.LocalAddr().String(),
	}).Info("SOCKS5 tunnel established")

	return conn, nil
}

// connectThroughProxy runs the method negotiation and CONNECT request on an
// already-open proxy connection.
func connectThroughProxy(conn net.Conn, targetDomain string, targetPort uint16) error {
	if err := negotiateNoAuth(conn); err != nil {
		return err
	}
	if err := sendConnectRequest(conn, targetDomain, targetPort); err != nil {
		return err
	}
	return readConnectReply(conn)
}

// negotiateNoAuth offers exactly the no-authentication method and requires
// the proxy to select it.
func negotiateNoAuth(conn net.Conn) error {
	if err := writeExact(conn, []byte{socksVersion, 0x01, methodNoAuth}); err != nil {
		return err
	}

	var resp [2]byte
	if err := readExact(conn, resp[:]); err != nil {
		return err
	}

	if resp[0] != socksVersion || resp[1] != methodNoAuth {
		return fmt.Errorf("%w: server offered version %#02x method %#02x",
			ErrSocksNegotiation, resp[0], resp[1])
	}

	return nil
}

// sendConnectRequest issues CONNECT for a domain-name target. The proxy
// resolves the name.
func sendConnectRequest(conn net.Conn, targetDomain string, targetPort uint16) error {
	req := make([]byte, 0, 7+len(targetDomain))
	req = append(req, socksVersion, cmdConnect, 0x00, atypDomain, byte(len(targetDomain)))
	req = append(req, targetDomain...)
	req = append(req, byte(targetPort>>8), byte(targetPort))

	return writeExact(conn, req)
}

// readConnectReply parses the CONNECT reply and drains BND.ADDR and
// BND.PORT so the stream is positioned at the first tunneled byte.
func readConnectReply(conn net.Conn) error {
	var header [4]byte
	if err := readExact(conn, header[:]); err != nil {
		return err
	}

	if header[0] != socksVersion {
		return fmt.Errorf("%w: reply version %#02x", ErrSocksProtocol, header[0])
	}
	if header[1] != replySuccess {
		return &SocksConnectError{Code: header[1]}
	}

	var bindAddrLen int
	switch header[3] {
	case atypIPv4:
		bindAddrLen = 4
	case atypIPv6:
		bindAddrLen = 16
	case atypDomain:
		var domainLen [1]byte
		if err := readExact(conn, domainLen[:]); err != nil {
			return err
		}
		bindAddrLen = int(domainLen[0])
	default:
		return fmt.Errorf("%w: reply address type %#02x", ErrSocksProtocol, header[3])
	}

	// BND.ADDR then BND.PORT.
	discard := make([]byte, bindAddrLen+2)
	return readExact(conn, discard)
}

// readExact fills buf completely, treating stream end as a protocol
// violation by the proxy.
func readExact(conn net.Conn, buf []byte) error {
	if err := conn.SetReadDeadline(time.Now().Add(SocksIOTimeout)); err != nil {
		return fmt.Errorf("failed to set read deadline: %w", err)
	}

	if _, err := io.ReadFull(conn, buf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return fmt.Errorf("%w: proxy closed connection mid-reply", ErrSocksProtocol)
		}
		return fmt.Errorf("proxy read failed: %w", err)
	}
	return nil
}

// writeExact writes buf completely under the exchange deadline.
func writeExact(conn net.Conn, buf []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(SocksIOTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}

	for written := 0; written < len(buf); {
		n, err := conn.Write(buf[written:])
		if err != nil {
			return fmt.Errorf("proxy write failed: %w", err)
		}
		written += n
	}
	return nil
}
