package chatmail

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/meow-io/go-chatmail/crypto"
	"github.com/meow-io/go-chatmail/envelope"
	"github.com/meow-io/go-chatmail/internal/db"
	"github.com/meow-io/go-chatmail/membership"
	"github.com/meow-io/go-chatmail/resolver"
	"github.com/meow-io/go-chatmail/scheduler"
	"github.com/meow-io/go-chatmail/securejoin"
)

const encryptedSubject = "[...]"

// draft is one outgoing message before it is rendered.
type draft struct {
	id         string
	to         []string
	subject    string
	parent     string
	header     map[string]string
	text       string
	membership []byte
}

// newMessageID returns a fresh Message-ID without brackets. It is already canonical, so it doubles
// as the logical id.
func (a *Account) newMessageID() string {
	addr := a.keys.SelfAddr()
	domain := "localhost"
	if i := strings.LastIndexByte(addr, '@'); i != -1 && i+1 < len(addr) {
		domain = addr[i+1:]
	}
	return uuid.NewString() + "@" + domain
}

// render composes d as an RFC 5322 message. With keys the visible message only carries the
// addressing headers and everything else travels sealed inside.
func (a *Account) render(d *draft, keys []*crypto.PublicKey) ([]byte, error) {
	var outer mail.Header
	outer.SetDate(a.clock.Now())
	outer.SetAddressList("From", []*mail.Address{{Name: a.config.Email.DisplayName, Address: a.keys.SelfAddr()}})
	to := make([]*mail.Address, len(d.to))
	for i, addr := range d.to {
		to[i] = &mail.Address{Address: addr}
	}
	outer.SetAddressList("To", to)
	outer.SetMessageID(d.id)
	if d.parent != "" {
		outer.SetMsgIDList("In-Reply-To", []string{d.parent})
		outer.SetMsgIDList("References", []string{d.parent})
	}

	inner := mail.Header{Header: outer.Header.Copy()}
	inner.SetSubject(d.subject)
	for k, v := range d.header {
		inner.Set(k, v)
	}
	ac, err := a.gate.Autocrypt()
	if err != nil {
		return nil, err
	}
	inner.Set(envelope.HeaderAutocrypt, ac)
	if url := a.GossipURL(); url != "" {
		inner.Set(envelope.HeaderGossipURL, url)
	}

	body, err := renderBody(inner, d)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return body, nil
	}
	outer.SetSubject(encryptedSubject)
	return a.gate.Seal(outer, body, keys)
}

func renderBody(h mail.Header, d *draft) ([]byte, error) {
	var buf bytes.Buffer
	if d.membership == nil {
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, err
		}
		if _, err := io.WriteString(w, d.text); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if d.text != "" {
		var th mail.InlineHeader
		th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		w, err := mw.CreateSingleInline(th)
		if err != nil {
			return nil, err
		}
		if _, err := io.WriteString(w, d.text); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	}
	var ah mail.AttachmentHeader
	ah.SetContentType(envelope.MembershipContentType, nil)
	ah.SetFilename("membership.bin")
	ah.Set("Content-Transfer-Encoding", "base64")
	w, err := mw.CreateAttachment(ah)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(d.membership); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// recipientKeys returns the key to encrypt to for every member. Key contacts use their own key,
// address contacts the latest key announced for the address.
func (a *Account) recipientKeys(members []*resolver.Contact) ([]*crypto.PublicKey, error) {
	keys := make([]*crypto.PublicKey, 0, len(members))
	addrs := make([]string, 0, len(members))
	for _, c := range members {
		if c.Fingerprint == "" {
			addrs = append(addrs, c.Addr)
			continue
		}
		p, ok := a.keys.Peer(c.Fingerprint)
		if !ok {
			addrs = append(addrs, c.Addr)
			continue
		}
		keys = append(keys, p.PublicKey())
	}
	rest, err := a.gate.RecipientKeys(addrs)
	if err != nil {
		return nil, err
	}
	return append(keys, rest...), nil
}

// sends lists the deliveries of payload to members: always e-mail, plus gossip when it is running
// and every member has a peer URL that is believed reachable.
func (a *Account) sends(members []*resolver.Contact, topic string, payload []byte) ([]scheduler.Send, error) {
	self := a.keys.SelfAddr()
	addrs := make([]string, len(members))
	for i, c := range members {
		addrs[i] = c.Addr
	}
	out := []scheduler.Send{{Transport: envelope.TransportEmail, From: self, Recipients: addrs, Payload: payload}}
	if a.gossip == nil || !a.transport.Available(envelope.TransportGossip) {
		return out, nil
	}

	urls := make([]string, 0, len(members))
	for _, c := range members {
		p, ok := a.keys.PeerForAddr(c.Addr)
		if !ok || p.GossipURL == "" {
			return out, nil
		}
		urls = append(urls, p.GossipURL)
	}
	for _, ok := range a.transport.Preflight(urls) {
		if !ok {
			return out, nil
		}
	}
	kp, err := a.keys.Self()
	if err != nil {
		return nil, err
	}
	p := &envelope.Packet{Topic: topic, Sender: self, Kind: envelope.PacketMessage, Body: payload, Timestamp: a.clock.Now().UnixMilli()}
	if err := p.Sign(kp); err != nil {
		return nil, err
	}
	packet, err := p.Encode()
	if err != nil {
		return nil, err
	}
	return append(out, scheduler.Send{Transport: envelope.TransportGossip, From: self, Recipients: urls, Payload: packet}), nil
}

// gossipTopic is the packet topic for chat. Only groups have one; a broadcast id must not turn into
// a group id on the receiving side.
func gossipTopic(chat *resolver.Chat) string {
	if chat.Kind != resolver.Group {
		return ""
	}
	return chat.GroupID
}

// others drops the local user from members.
func others(members []*resolver.Contact) []*resolver.Contact {
	out := make([]*resolver.Contact, 0, len(members))
	for _, c := range members {
		if c.ID != resolver.SelfContactID {
			out = append(out, c)
		}
	}
	return out
}

// sealFor picks the keys for chat. A protected or encryption-required chat refuses to fall back
// to plaintext.
func (a *Account) sealFor(chat *resolver.Chat, members []*resolver.Contact) ([]*crypto.PublicKey, error) {
	if len(members) == 0 {
		return nil, nil
	}
	keys, err := a.recipientKeys(members)
	if err == nil {
		return keys, nil
	}
	if chat.Protected || chat.EncryptionRequired {
		return nil, fmt.Errorf("chatmail: chat %d requires encryption: %w", chat.ID, err)
	}
	a.log.Debugf("sending to chat %d in the clear: %v", chat.ID, err)
	return nil, nil
}

// sendMembership sends evs as a control message to members of chat.
func (a *Account) sendMembership(tx *db.Tx, chat *resolver.Chat, evs []*membership.Event, members []*resolver.Contact) error {
	members = others(members)
	if len(members) == 0 || len(evs) == 0 {
		return nil
	}
	data, err := membership.Encode(evs)
	if err != nil {
		return err
	}
	keys, err := a.sealFor(chat, members)
	if err != nil {
		return err
	}
	d := &draft{
		id:         a.newMessageID(),
		subject:    chat.Name,
		header:     map[string]string{envelope.HeaderGroupID: chat.GroupID, envelope.HeaderGroupName: chat.Name},
		membership: data,
	}
	for _, c := range members {
		d.to = append(d.to, c.Addr)
	}
	payload, err := a.render(d, keys)
	if err != nil {
		return err
	}
	sends, err := a.sends(members, gossipTopic(chat), payload)
	if err != nil {
		return err
	}
	if err := a.dedup.Record(tx, d.id, ""); err != nil {
		return err
	}
	return a.scheduler.Enqueue(tx, d.id, sends)
}

// sendHandshake queues one SecureJoin message. It only ever goes out by e-mail, the transport the
// invite names.
func (a *Account) sendHandshake(tx *db.Tx, out *securejoin.Outgoing) error {
	d := &draft{
		id:      a.newMessageID(),
		to:      []string{out.To},
		subject: "Secure-Join",
		header:  out.Header,
		text:    "Secure-Join: " + out.Header[securejoin.HeaderStep],
	}
	var keys []*crypto.PublicKey
	if out.Key != nil {
		keys = []*crypto.PublicKey{out.Key}
	}
	payload, err := a.render(d, keys)
	if err != nil {
		return err
	}
	if err := a.dedup.Record(tx, d.id, ""); err != nil {
		return err
	}
	return a.scheduler.Enqueue(tx, d.id, []scheduler.Send{{
		Transport:  envelope.TransportEmail,
		From:       a.keys.SelfAddr(),
		Recipients: []string{out.To},
		Payload:    payload,
	}})
}
