package crypto

import (
	crypto_rand "crypto/rand"
	"fmt"
	"io"

	"github.com/kevinburke/nacl/box"
	"github.com/meow-io/go-chatmail/bencode"
)

const sealVersion = 1

type wrappedKey struct {
	Recipient [32]byte `bencode:"r"`
	Key       []byte   `bencode:"k"`
}

type sealed struct {
	Version   uint8        `bencode:"v"`
	Ephemeral [32]byte     `bencode:"e"`
	Keys      []wrappedKey `bencode:"k"`
	Body      []byte       `bencode:"b"`
}

type signed struct {
	Signer    PublicKey `bencode:"s"`
	Payload   []byte    `bencode:"p"`
	Signature []byte    `bencode:"g"`
}

// Seal signs plaintext with sender and encrypts it so each recipient (and the sender, so other devices
// of the same account can read it) can open it.
func Seal(plaintext []byte, sender *KeyPair, recipients []*PublicKey) ([]byte, error) {
	inner, err := bencode.Serialize(&signed{
		Signer:    sender.Public,
		Payload:   plaintext,
		Signature: sender.Sign(plaintext),
	})
	if err != nil {
		return nil, err
	}

	var contentKey [32]byte
	if _, err := io.ReadFull(crypto_rand.Reader, contentKey[:]); err != nil {
		return nil, err
	}
	body, err := encryptBody(contentKey[:], inner)
	if err != nil {
		return nil, err
	}

	ephPub, ephPriv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}
	s := &sealed{Version: sealVersion, Body: body}
	copy(s.Ephemeral[:], ephPub[:])

	seen := make(map[[32]byte]struct{})
	for _, r := range append([]*PublicKey{&sender.Public}, recipients...) {
		if _, ok := seen[r.Box]; ok {
			continue
		}
		seen[r.Box] = struct{}{}
		wrapped, err := wrapKey(r.Box, ephPriv, contentKey[:])
		if err != nil {
			return nil, err
		}
		s.Keys = append(s.Keys, wrappedKey{Recipient: r.Box, Key: wrapped})
	}
	return bencode.Serialize(s)
}

// Open decrypts ciphertext with kp and checks the inner signature. It returns the plaintext and
// the signer's public key. Whether that signer is trusted is up to the caller.
func Open(ciphertext []byte, kp *KeyPair) ([]byte, *PublicKey, error) {
	s := &sealed{}
	if err := bencode.Deserialize(ciphertext, s); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	if s.Version != sealVersion {
		return nil, nil, fmt.Errorf("%w: unknown version %d", ErrDecrypt, s.Version)
	}

	var contentKey []byte
	for _, k := range s.Keys {
		if k.Recipient != kp.Public.Box {
			continue
		}
		key, err := unwrapKey(s.Ephemeral, kp.BoxSecret, k.Recipient, k.Key)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrDecrypt, err)
		}
		contentKey = key
		break
	}
	if contentKey == nil {
		return nil, nil, ErrNotRecipient
	}
	if len(contentKey) != 32 {
		return nil, nil, ErrDecrypt
	}

	inner, err := decryptBody(contentKey, s.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	sig := &signed{}
	if err := bencode.Deserialize(inner, sig); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	if !Verify(sig.Signer.Sign, sig.Payload, sig.Signature) {
		return nil, nil, ErrBadSignature
	}
	return sig.Payload, &sig.Signer, nil
}

// IsSealed reports whether b looks like something Seal produced.
func IsSealed(b []byte) bool {
	s := &sealed{}
	return bencode.Deserialize(b, s) == nil && s.Version == sealVersion
}

