package envelope

import (
	"errors"
	"fmt"

	"github.com/emersion/go-message/mail"
	"github.com/meow-io/go-chatmail/bencode"
	"github.com/meow-io/go-chatmail/crypto"
	"github.com/meow-io/go-chatmail/ids"
)

const (
	PacketMessage    uint8 = 1
	PacketMembership uint8 = 2
)

// Packet is the unit exchanged over the gossip transport. Message packets carry a complete RFC 5322
// message (usually encrypted) so that the same message sent over e-mail and gossip dedups to one
// logical id. Membership packets carry encoded membership events.
type Packet struct {
	Topic     string   `bencode:"t"`
	Sender    string   `bencode:"f"`
	SignKey   [32]byte `bencode:"k"`
	Kind      uint8    `bencode:"y"`
	Body      []byte   `bencode:"b"`
	Timestamp int64    `bencode:"ts"`
	Signature []byte   `bencode:"s"`
}

func (p *Packet) signedBytes() ([]byte, error) {
	cp := *p
	cp.Signature = []byte{}
	return bencode.Serialize(&cp)
}

// Sign fills in SignKey and Signature.
func (p *Packet) Sign(kp *crypto.KeyPair) error {
	p.SignKey = kp.Public.Sign
	b, err := p.signedBytes()
	if err != nil {
		return err
	}
	p.Signature = kp.Sign(b)
	return nil
}

func (p *Packet) Verify() bool {
	b, err := p.signedBytes()
	if err != nil {
		return false
	}
	return crypto.Verify(p.SignKey, b, p.Signature)
}

func (p *Packet) Encode() ([]byte, error) {
	return bencode.Serialize(p)
}

func DecodePacket(b []byte) (*Packet, error) {
	p := &Packet{}
	if err := bencode.Deserialize(b, p); err != nil {
		return nil, err
	}
	return p, nil
}

// PacketID is the content hash of an encoded packet.
func PacketID(raw []byte) string {
	return ids.DigestOf(raw).String()
}

func (n *Normalizer) normalizeGossip(transportID string, raw []byte) *Envelope {
	p, err := DecodePacket(raw)
	if err != nil {
		env := n.newEnvelope(TransportGossip, transportID, raw)
		return n.malformed(env, fmt.Errorf("undecodable packet: %w", err))
	}
	if transportID == "" {
		transportID = PacketID(raw)
	}
	if !p.Verify() {
		env := n.newEnvelope(TransportGossip, transportID, raw)
		return n.malformed(env, errors.New("bad packet signature"))
	}

	var env *Envelope
	switch p.Kind {
	case PacketMessage:
		env = n.normalizeMIME(TransportGossip, transportID, p.Body)
		if env.Malformed {
			return env
		}
	case PacketMembership:
		env = n.newEnvelope(TransportGossip, transportID, raw)
		env.Header = mail.Header{}
		env.Header.SetAddressList("From", []*mail.Address{{Address: p.Sender}})
		env.Parts = []Part{{ContentType: MembershipContentType, Data: p.Body, Size: int64(len(p.Body))}}
	default:
		env := n.newEnvelope(TransportGossip, transportID, raw)
		return n.malformed(env, fmt.Errorf("unknown packet kind %d", p.Kind))
	}

	if env.Header.Get("Message-Id") == "" {
		env.Header.Set("Message-Id", fmt.Sprintf("<%s@gossip>", ids.DigestOf(p.Body).String()))
	}
	if env.Header.Get(HeaderGroupID) == "" && env.Header.Get(HeaderBroadcastID) == "" && env.Header.Get(HeaderListID) == "" && p.Topic != "" {
		env.Header.Set(HeaderGroupID, p.Topic)
	}
	env.Header.Set(HeaderGossipSigner, crypto.Fingerprint(p.SignKey[:]))
	return env
}
