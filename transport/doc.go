// Package transport implements the byte-level transport for the chat
// protocol: a SOCKS5 client for dialing hidden-service addresses through a
// local proxy, and a length-prefixed frame codec carried over the resulting
// stream.
//
// Example:
//
//	conn, err := transport.DialSocks5(ctx, "127.0.0.1", 9050,
//	    "exampleonionaddress.onion", 9999)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	codec := transport.NewFrameCodec(conn)
//	err = codec.WriteFrame(transport.FrameKeyExchange, publicKeyBlob)
package transport
