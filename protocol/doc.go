// Package protocol binds the frame codec to a cryptographic session and
// exposes the semantic operations of the chat protocol: key exchange,
// encrypted messages, typing indicators, read receipts, and connection
// acknowledgements.
//
// Example:
//
//	session, err := protocol.NewSession(conn)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer session.Close()
//
//	if err := session.SendKeyExchange(); err != nil {
//	    log.Fatal(err)
//	}
//
//	kind, text, err := session.Receive()
package protocol
