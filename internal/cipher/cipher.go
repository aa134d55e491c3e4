package cipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/muurk/tuyalink/internal/protocol"
)

// Key and block constants (fixed wire contract)
const (
	// KeySize is the size of the static local key and all derived keys
	KeySize = 16

	// NonceSize is the size of each handshake nonce
	NonceSize = 6

	// BlockSize is the cipher block size plaintext is padded to
	BlockSize = aes.BlockSize

	// gcmNonceSize is the per-message nonce prefixed to every ciphertext
	gcmNonceSize = 12
)

// Key derivation tag bytes. The derivation input is a single cipher block:
// tag(1) | host nonce(6) | device nonce(6) | zero pad(3), encrypted under the
// static local key. The auth key uses the tag alone with a zero remainder.
const (
	tagSessionKey = 0x01
	tagAuthKey    = 0x02
)

// Key is ephemeral session key material. Wiped on session teardown.
type Key [KeySize]byte

// Nonce is one side's handshake nonce
type Nonce [NonceSize]byte

// NewNonce generates a fresh random handshake nonce
func NewNonce() (Nonce, error) {
	var n Nonce
	if _, err := io.ReadFull(rand.Reader, n[:]); err != nil {
		return Nonce{}, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return n, nil
}

// DeriveSessionKey derives the per-session key from the device's static local
// key and both handshake nonces. Deterministic: both sides derive the same key
// from identical inputs.
func DeriveSessionKey(localKey Key, hostNonce, deviceNonce Nonce) (Key, error) {
	msg := make([]byte, BlockSize)
	msg[0] = tagSessionKey
	copy(msg[1:1+NonceSize], hostNonce[:])
	copy(msg[1+NonceSize:1+2*NonceSize], deviceNonce[:])

	return deriveKey(localKey, msg)
}

// DeriveAuthKey derives the handshake-protection key from the static local key
// alone. The device encrypts its handshake reply under this key before a
// session key exists.
func DeriveAuthKey(localKey Key) (Key, error) {
	msg := make([]byte, BlockSize)
	msg[0] = tagAuthKey

	return deriveKey(localKey, msg)
}

func deriveKey(localKey Key, msg []byte) (Key, error) {
	block, err := aes.NewCipher(localKey[:])
	if err != nil {
		return Key{}, fmt.Errorf("failed to initialize key derivation: %w", err)
	}

	var derived Key
	block.Encrypt(derived[:], msg)
	return derived, nil
}

// Encrypt pads plaintext to the protocol block size and seals it under key.
// The output is a random per-message nonce followed by the sealed ciphertext
// and integrity tag.
func Encrypt(key Key, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate message nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, pad(plaintext), nil), nil
}

// Decrypt authenticates and opens ciphertext produced by Encrypt. Any
// integrity or padding failure returns an AuthenticationError and no
// partially-decrypted data.
func Decrypt(key Key, ciphertext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcmNonceSize {
		return nil, protocol.NewAuthenticationError("ciphertext shorter than message nonce", nil)
	}

	nonce, sealed := ciphertext[:gcmNonceSize], ciphertext[gcmNonceSize:]
	padded, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, protocol.NewAuthenticationError("payload integrity check failed", err)
	}

	plaintext, err := unpad(padded)
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

func newAEAD(key Key) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize AEAD: %w", err)
	}
	return aead, nil
}

// pad applies PKCS#7 padding to the protocol block size
func pad(plaintext []byte) []byte {
	n := BlockSize - len(plaintext)%BlockSize
	padded := make([]byte, len(plaintext)+n)
	copy(padded, plaintext)
	for i := len(plaintext); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

// unpad strips PKCS#7 padding, rejecting malformed pad bytes
func unpad(padded []byte) ([]byte, error) {
	if len(padded) == 0 || len(padded)%BlockSize != 0 {
		return nil, protocol.NewAuthenticationError("decrypted payload is not block-aligned", nil)
	}
	n := int(padded[len(padded)-1])
	if n == 0 || n > BlockSize || n > len(padded) {
		return nil, protocol.NewAuthenticationError("invalid padding length", nil)
	}
	for _, b := range padded[len(padded)-n:] {
		if int(b) != n {
			return nil, protocol.NewAuthenticationError("inconsistent padding bytes", nil)
		}
	}
	return padded[:len(padded)-n], nil
}
