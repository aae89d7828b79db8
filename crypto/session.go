package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
)

const (
	// IVSize is the AES-CBC initialization vector length in bytes.
	IVSize = aes.BlockSize

	// TagSize is the HMAC-SHA256 authentication tag length in bytes.
	TagSize = sha256.Size

	// KeySize is the length of each derived subkey in bytes.
	KeySize = 32

	// minSealedSize is the shortest input Decrypt will MAC-check:
	// IV plus authentication tag. Anything shorter cannot even be
	// MAC-checked. Encrypt output is always at least one block longer.
	minSealedSize = IVSize + TagSize
)

// Session holds the ephemeral key material for one encrypted connection.
//
// A Session is created with a fresh P-256 key pair, initialized exactly once
// by Derive, and must be closed with Close to wipe its secrets. A Session is
// not safe for concurrent use; the owning endpoint serializes access.
type Session struct {
	privateKey  *ecdh.PrivateKey
	publicBlob  []byte
	aesKey      []byte
	macKey      []byte
	initialized bool
}

// NewSession generates a fresh ephemeral P-256 key pair.
func NewSession() (*Session, error) {
	privateKey, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewSession",
		"curve":    "P-256",
	}).Debug("Ephemeral session key pair generated")

	return &Session{
		privateKey: privateKey,
		publicBlob: privateKey.PublicKey().Bytes(),
	}, nil
}

// PublicKeyBlob returns the local public key in the encoding the peer's
// Derive consumes (uncompressed point).
func (s *Session) PublicKeyBlob() []byte {
	blob := make([]byte, len(s.publicBlob))
	copy(blob, s.publicBlob)
	return blob
}

// IsInitialized reports whether Derive has completed successfully.
func (s *Session) IsInitialized() bool {
	return s.initialized
}

// Derive computes the ECDH shared secret with the peer's public key and
// splits SHA-512 of it into the AES and MAC subkeys. It must be called at
// most once per session.
func (s *Session) Derive(peerPublicKeyBlob []byte) error {
	if s.initialized {
		return ErrAlreadyDerived
	}

	peerKey, err := ecdh.P256().NewPublicKey(peerPublicKeyBlob)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "Session.Derive",
			"blob_size": len(peerPublicKeyBlob),
			"error":     err.Error(),
		}).Error("Peer public key rejected")
		return fmt.Errorf("%w: %v", ErrBadPeerKey, err)
	}

	sharedSecret, err := s.privateKey.ECDH(peerKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadPeerKey, err)
	}

	digest := sha512.Sum512(sharedSecret)
	ZeroBytes(sharedSecret)

	s.aesKey = make([]byte, KeySize)
	s.macKey = make([]byte, KeySize)
	copy(s.aesKey, digest[:KeySize])
	copy(s.macKey, digest[KeySize:])
	ZeroBytes(digest[:])

	s.initialized = true

	logrus.WithFields(logrus.Fields{
		"function": "Session.Derive",
	}).Info("Session keys derived, shared secret wiped")

	return nil
}

// Encrypt seals a UTF-8 plaintext as IV || AES-256-CBC ciphertext ||
// HMAC-SHA256 tag. A fresh random IV is drawn for every call.
func (s *Session) Encrypt(plaintext string) ([]byte, error) {
	if !s.initialized {
		return nil, ErrNotInitialized
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)

	sealed := make([]byte, IVSize+len(padded)+TagSize)
	iv := sealed[:IVSize]
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	block, err := aes.NewCipher(s.aesKey)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(sealed[IVSize:IVSize+len(padded)], padded)

	tag := s.computeTag(sealed[:IVSize+len(padded)])
	copy(sealed[IVSize+len(padded):], tag)

	logrus.WithFields(logrus.Fields{
		"function":    "Session.Encrypt",
		"sealed_size": len(sealed),
	}).Debug("Plaintext sealed")

	return sealed, nil
}

// Decrypt verifies and opens output produced by the peer's Encrypt. The tag
// is checked in constant time before any decryption is attempted; a tag
// mismatch means a tampered or out-of-sync channel.
func (s *Session) Decrypt(sealed []byte) (string, error) {
	if !s.initialized {
		return "", ErrNotInitialized
	}

	if len(sealed) < minSealedSize {
		return "", fmt.Errorf("%w: %d bytes", ErrMalformedCiphertext, len(sealed))
	}

	iv := sealed[:IVSize]
	ciphertext := sealed[IVSize : len(sealed)-TagSize]
	tag := sealed[len(sealed)-TagSize:]

	expected := s.computeTag(sealed[:len(sealed)-TagSize])
	if !hmac.Equal(tag, expected) {
		logrus.WithFields(logrus.Fields{
			"function":    "Session.Decrypt",
			"sealed_size": len(sealed),
		}).Error("Authentication tag mismatch")
		return "", ErrIntegrityFailed
	}

	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: ciphertext not block-aligned", ErrMalformedCiphertext)
	}

	block, err := aes.NewCipher(s.aesKey)
	if err != nil {
		return "", fmt.Errorf("failed to initialize cipher: %w", err)
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	plaintext, err := pkcs7Unpad(padded, aes.BlockSize)
	if err != nil {
		ZeroBytes(padded)
		return "", fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}

	if !utf8.Valid(plaintext) {
		ZeroBytes(padded)
		return "", fmt.Errorf("%w: plaintext is not valid UTF-8", ErrMalformedCiphertext)
	}

	return string(plaintext), nil
}

// Close wipes the derived subkeys and drops the key pair. The session is
// unusable afterwards.
func (s *Session) Close() {
	if s.aesKey != nil {
		ZeroBytes(s.aesKey)
	}
	if s.macKey != nil {
		ZeroBytes(s.macKey)
	}
	s.aesKey = nil
	s.macKey = nil
	s.privateKey = nil
	s.initialized = false

	logrus.WithFields(logrus.Fields{
		"function": "Session.Close",
	}).Debug("Session key material wiped")
}

// computeTag returns HMAC-SHA256(macKey, data) where data is IV || ciphertext.
func (s *Session) computeTag(data []byte) []byte {
	mac := hmac.New(sha256.New, s.macKey)
	mac.Write(data)
	return mac.Sum(nil)
}

// pkcs7Pad appends PKCS#7 padding up to the next block boundary. A full
// padding block is added when the input is already aligned.
func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

// pkcs7Unpad validates and strips PKCS#7 padding.
func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(data))
	}

	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize {
		return nil, fmt.Errorf("invalid padding byte %d", padLen)
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("inconsistent padding")
		}
	}

	return data[:len(data)-padLen], nil
}
