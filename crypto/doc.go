// Package crypto implements the ephemeral cryptographic session used to
// protect a single peer-to-peer chat connection.
//
// Each Session owns a fresh NIST P-256 ECDH key pair. After the peer's
// public key blob arrives, Derive computes the shared secret and splits
// SHA-512 of it into an AES-256 key and an HMAC-SHA256 key. Messages are
// protected with Encrypt-then-MAC: AES-256-CBC with PKCS#7 padding and a
// fresh random IV, authenticated by HMAC-SHA256 over IV || ciphertext.
//
// Key pairs are never reused across sessions, so compromise of one session
// does not expose earlier ones. The session provides confidentiality and
// integrity only; it does not authenticate the peer's identity, and an
// attacker controlling the transport can man-in-the-middle the exchange.
//
// Example:
//
//	local, err := crypto.NewSession()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer local.Close()
//
//	// exchange public key blobs with the peer, then:
//	if err := local.Derive(peerBlob); err != nil {
//	    log.Fatal(err)
//	}
//
//	sealed, _ := local.Encrypt("hello")
//	// send sealed to the peer
package crypto
