// Package torchat implements an anonymous two-party chat endpoint that
// reaches its peer over a Tor hidden service and speaks an end-to-end
// encrypted, framed binary protocol.
//
// An Endpoint plays one of two roles. The listener side accepts a single
// inbound TCP connection on a loopback port (the local end of a hidden
// service); the connector side tunnels out through a local SOCKS5 proxy to
// the peer's hidden address. Both sides then run the same four-step
// handshake: each sends an ephemeral public key, each acknowledges, and
// only after the mutual acknowledgement does either side treat the channel
// as live.
//
// Example:
//
//	endpoint := torchat.New(torchat.NewOptions())
//
//	endpoint.OnMessage(func(text string) {
//	    fmt.Println("peer:", text)
//	})
//	endpoint.OnPeerConnected(func() {
//	    fmt.Println("peer connected")
//	})
//
//	err := endpoint.Connect(ctx, "exampleonionaddress.onion")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	err = endpoint.SendMessage("hello")
//
// The session provides confidentiality, integrity, and forward secrecy,
// but no peer identity binding: the key exchange is opportunistic, and an
// attacker controlling the transport can man-in-the-middle it. The hidden
// service address proves control of that address only.
package torchat
