package crypto

import (
	"crypto/cipher"
	"errors"

	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/box"
	"golang.org/x/crypto/chacha20poly1305"
)

var errKeySize = errors.New("crypto: key must be 32 bytes")

// Every content key and every ephemeral DH key encrypts exactly one payload, so the nonce is fixed.
var zeroNonce = make([]byte, chacha20poly1305.NonceSize)

func aead(key []byte) (cipher.AEAD, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, errKeySize
	}
	return chacha20poly1305.New(key)
}

func encryptBody(key, msg []byte) ([]byte, error) {
	c, err := aead(key)
	if err != nil {
		return nil, err
	}
	return c.Seal(nil, zeroNonce, msg, nil), nil
}

func decryptBody(key, enc []byte) ([]byte, error) {
	c, err := aead(key)
	if err != nil {
		return nil, err
	}
	return c.Open(nil, zeroNonce, enc, nil)
}

// wrapKey encrypts contentKey to recipient using the ephemeral secret. The recipient's box key is
// bound as additional data so a wrapped key cannot be moved to another recipient entry.
func wrapKey(recipient [32]byte, ephemeral nacl.Key, contentKey []byte) ([]byte, error) {
	shared := box.Precompute(nacl.Key(recipient[:]), ephemeral)
	c, err := aead(shared[:])
	if err != nil {
		return nil, err
	}
	return c.Seal(nil, zeroNonce, contentKey, recipient[:]), nil
}

func unwrapKey(ephemeral [32]byte, secret [32]byte, recipient [32]byte, wrapped []byte) ([]byte, error) {
	shared := box.Precompute(nacl.Key(ephemeral[:]), nacl.Key(secret[:]))
	c, err := aead(shared[:])
	if err != nil {
		return nil, err
	}
	return c.Open(nil, zeroNonce, wrapped, recipient[:])
}
