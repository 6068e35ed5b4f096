// Package crypto implements the encrypt and decrypt-and-verify capability used for message bodies.
// Bodies are signed with Ed25519, sealed with ChaCha20-Poly1305 under a fresh content key, and the
// content key is wrapped for each recipient with a NaCl box derived from an ephemeral key.
package crypto

import (
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/kevinburke/nacl/box"
	"github.com/meow-io/go-chatmail/bencode"
	"golang.org/x/crypto/curve25519"
)

var (
	ErrDecrypt      = errors.New("crypto: unable to decrypt")
	ErrNotRecipient = errors.New("crypto: not addressed to this key")
	ErrBadSignature = errors.New("crypto: bad signature")
	ErrBadKeyData   = errors.New("crypto: bad key data")
)

// PublicKey is what peers learn about each other through Autocrypt headers and SecureJoin.
type PublicKey struct {
	Sign [32]byte `bencode:"s"`
	Box  [32]byte `bencode:"b"`
}

func (p *PublicKey) Fingerprint() string {
	return Fingerprint(p.Sign[:])
}

// KeyData is the base64 encoding carried in the keydata= attribute.
func (p *PublicKey) KeyData() (string, error) {
	b, err := bencode.Serialize(p)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func ParseKeyData(s string) (*PublicKey, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadKeyData, err)
	}
	p := &PublicKey{}
	if err := bencode.Deserialize(b, p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadKeyData, err)
	}
	return p, nil
}

type KeyPair struct {
	Public     PublicKey
	SignSecret ed25519.PrivateKey
	BoxSecret  [32]byte
}

func GenerateKeyPair() (*KeyPair, error) {
	signPub, signPriv, err := ed25519.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}
	boxPub, boxPriv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}
	kp := &KeyPair{SignSecret: signPriv}
	copy(kp.Public.Sign[:], signPub)
	copy(kp.Public.Box[:], boxPub[:])
	copy(kp.BoxSecret[:], boxPriv[:])
	return kp, nil
}

// KeyPairFromSecrets rebuilds a key pair from its persisted secret halves.
func KeyPairFromSecrets(signSeed, boxSecret []byte) (*KeyPair, error) {
	if len(signSeed) != ed25519.SeedSize || len(boxSecret) != 32 {
		return nil, ErrBadKeyData
	}
	priv := ed25519.NewKeyFromSeed(signSeed)
	kp := &KeyPair{SignSecret: priv}
	copy(kp.Public.Sign[:], priv.Public().(ed25519.PublicKey))
	copy(kp.BoxSecret[:], boxSecret)
	boxPub, err := curve25519.X25519(kp.BoxSecret[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadKeyData, err)
	}
	copy(kp.Public.Box[:], boxPub)
	return kp, nil
}

func (kp *KeyPair) Fingerprint() string {
	return kp.Public.Fingerprint()
}

func (kp *KeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(kp.SignSecret, msg)
}

func Verify(signer [32]byte, msg, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(signer[:]), msg, sig)
}

func Fingerprint(signPublic []byte) string {
	sum := sha256.Sum256(signPublic)
	return hex.EncodeToString(sum[:])
}
