package membership

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/meow-io/go-chatmail/bencode"
	"github.com/meow-io/go-chatmail/ids"
	"golang.org/x/exp/slices"
)

type Kind int

const (
	Add Kind = iota + 1
	Remove
	Rename
)

func (k Kind) String() string {
	switch k {
	case Add:
		return "add"
	case Remove:
		return "remove"
	case Rename:
		return "rename"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is one membership operation. Deps names the events its author had applied when creating
// it, which is what orders events causally; Timestamp is informational only.
type Event struct {
	GroupID   string       `bencode:"g"`
	Actor     string       `bencode:"a"`
	Kind      Kind         `bencode:"k"`
	Member    string       `bencode:"m"`
	Name      string       `bencode:"n"`
	Deps      []ids.Digest `bencode:"d"`
	Timestamp int64        `bencode:"t"`
}

type batch struct {
	Events []*Event `bencode:"e"`
}

func (e *Event) normalize() {
	e.Member = strings.ToLower(strings.TrimSpace(e.Member))
	e.Actor = strings.ToLower(strings.TrimSpace(e.Actor))
	if e.Deps == nil {
		e.Deps = []ids.Digest{}
	}
	slices.SortFunc(e.Deps, ids.CompareDigests)
	e.Deps = slices.Compact(e.Deps)
}

func (e *Event) validate() error {
	if e.GroupID == "" {
		return fmt.Errorf("membership: event without group")
	}
	switch e.Kind {
	case Add, Remove:
		if e.Member == "" {
			return fmt.Errorf("membership: %s without member", e.Kind)
		}
	case Rename:
	default:
		return fmt.Errorf("membership: unknown kind %d", e.Kind)
	}
	return nil
}

// ID is the SHA-256 of the canonical encoding of the event.
func (e *Event) ID() (ids.Digest, error) {
	e.normalize()
	b, err := bencode.Serialize(e)
	if err != nil {
		return ids.Digest{}, err
	}
	return ids.Digest(sha256.Sum256(b)), nil
}

// Encode renders events for an application/x-chatmail-membership part.
func Encode(evs []*Event) ([]byte, error) {
	for _, e := range evs {
		e.normalize()
	}
	return bencode.Serialize(&batch{Events: evs})
}

func Decode(data []byte) ([]*Event, error) {
	b := &batch{}
	if err := bencode.Deserialize(data, b); err != nil {
		return nil, fmt.Errorf("membership: error decoding events: %w", err)
	}
	for _, e := range b.Events {
		e.normalize()
	}
	return b.Events, nil
}
