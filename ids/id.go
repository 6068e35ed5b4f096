// This package defines the id types used throughout chatmail: random 16 byte values for local
// records and 32 byte content digests for anything that must be derived identically on every device.
package ids

import (
	"bytes"
	crypto_rand "crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

type ID [16]byte

func IDFromBytes(b []byte) ID {
	return [16]byte(b)
}

func NewID() ID {
	var id [16]byte
	_, err := io.ReadFull(crypto_rand.Reader, id[:])
	if err != nil {
		panic("short read from random source")
	}
	return id
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

func Compare(a, b ID) int {
	return bytes.Compare(a[:], b[:])
}

type ByLexicographical []ID

func (s ByLexicographical) Len() int           { return len(s) }
func (s ByLexicographical) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
func (s ByLexicographical) Less(i, j int) bool { return bytes.Compare(s[i][:], s[j][:]) == -1 }

// Digest is a SHA-256 content address.
type Digest [32]byte

func DigestOf(parts ...[]byte) Digest {
	h := sha256.New()
	for _, p := range parts {
		// length prefix keeps ("ab","c") and ("a","bc") apart
		fmt.Fprintf(h, "%d:", len(p))
		h.Write(p)
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

func DigestFromBytes(b []byte) (Digest, error) {
	var d Digest
	if len(b) != len(d) {
		return d, fmt.Errorf("ids: expected %d bytes, got %d", len(d), len(b))
	}
	copy(d[:], b)
	return d, nil
}

func ParseDigest(s string) (Digest, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Digest{}, fmt.Errorf("ids: error decoding digest: %w", err)
	}
	return DigestFromBytes(b)
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

func CompareDigests(a, b Digest) int {
	return bytes.Compare(a[:], b[:])
}
