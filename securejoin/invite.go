package securejoin

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/meow-io/go-chatmail/bencode"
)

const InviteScheme = "chatmail-join:"

// Invite is what the inviter shows out of band, typically as a QR code.
type Invite struct {
	Fingerprint  string `bencode:"f"`
	Addr         string `bencode:"a"`
	Name         string `bencode:"n"`
	InviteNumber string `bencode:"i"`
	AuthCode     string `bencode:"s"`
}

func (i *Invite) URI() (string, error) {
	b, err := bencode.Serialize(i)
	if err != nil {
		return "", err
	}
	return InviteScheme + base64.RawURLEncoding.EncodeToString(b), nil
}

func ParseInvite(uri string) (*Invite, error) {
	if !strings.HasPrefix(uri, InviteScheme) {
		return nil, fmt.Errorf("securejoin: expected scheme %s", InviteScheme)
	}
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(uri, InviteScheme))
	if err != nil {
		return nil, fmt.Errorf("securejoin: error decoding invite: %w", err)
	}
	i := &Invite{}
	if err := bencode.Deserialize(b, i); err != nil {
		return nil, fmt.Errorf("securejoin: error decoding invite: %w", err)
	}
	if i.Fingerprint == "" || i.Addr == "" || i.InviteNumber == "" || i.AuthCode == "" {
		return nil, fmt.Errorf("securejoin: incomplete invite")
	}
	return i, nil
}
