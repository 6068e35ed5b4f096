// Package resolver owns contacts and chats. It decides, for every incoming message, who sent it and
// which chat it belongs to, creating either on first sight. Chats are found by a resolution key
// derived from the message alone, so lookup-or-create is repeatable.
package resolver

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/meow-io/go-chatmail/clock"
	"github.com/meow-io/go-chatmail/config"
	"github.com/meow-io/go-chatmail/envelope"
	"github.com/meow-io/go-chatmail/events"
	"github.com/meow-io/go-chatmail/gate"
	"github.com/meow-io/go-chatmail/ids"
	"github.com/meow-io/go-chatmail/internal/db"
	"github.com/meow-io/go-chatmail/keyring"
	"github.com/meow-io/go-chatmail/migration"
	"go.uber.org/zap"
)

const (
	groupKeyPrefix     = "group:"
	listKeyPrefix      = "list:"
	broadcastKeyPrefix = "broadcast:"
	adhocKeyPrefix     = "adhoc:"
	singleKeyPrefix    = "single:key:"
	singleAddrPrefix   = "single:addr:"

	// DeviceChatKey is the chat of messages without a usable sender, such as unreadable input.
	DeviceChatKey = "device"
)

var ErrNotVerified = errors.New("resolver: member is not verified")

type Resolver struct {
	log   *zap.SugaredLogger
	keys  *keyring.Keyring
	clock clock.Clock
	sink  events.Sink
}

func New(c *config.Config, d *db.Database, keys *keyring.Keyring, cl clock.Clock, sink events.Sink) (*Resolver, error) {
	if err := d.Migrate("_resolver", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
	CREATE TABLE _contacts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		identity_key TEXT NOT NULL UNIQUE,
		addr TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		name TEXT NOT NULL,
		blocked INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX _contacts_addr ON _contacts (addr);
	CREATE TABLE _chats (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind INTEGER NOT NULL,
		name TEXT NOT NULL,
		resolution_key TEXT NOT NULL UNIQUE,
		group_id TEXT NOT NULL,
		protected BOOLEAN NOT NULL,
		encryption_required BOOLEAN NOT NULL,
		membership_stale BOOLEAN NOT NULL,
		created_at INTEGER NOT NULL,
		last_activity INTEGER NOT NULL
	);
	CREATE TABLE _chat_members (
		chat_id INTEGER NOT NULL,
		contact_id INTEGER NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (chat_id, contact_id)
	);
	`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = events.Discard{}
	}
	r := &Resolver{
		log:   c.Logger("resolver"),
		keys:  keys,
		clock: cl,
		sink:  sink,
	}
	if err := d.Run("ensure self contact", r.ensureSelf); err != nil {
		return nil, err
	}
	return r, nil
}

// ChatKey derives the resolution key of the chat env belongs to. verifiedFpr is the verified
// fingerprint currently bound to the peer's address, if any; self is the local address.
func ChatKey(env *envelope.Envelope, state gate.EncryptionState, signer, verifiedFpr, self string) string {
	if env.FromAddr() == "" {
		return DeviceChatKey
	}
	if gid := env.GroupID(); gid != "" {
		return groupKeyPrefix + gid
	}
	if list := ListID(env.Header.Get(envelope.HeaderListID)); list != "" {
		return listKeyPrefix + list
	}
	if bid := strings.TrimSpace(env.Header.Get(envelope.HeaderBroadcastID)); bid != "" {
		return broadcastKeyPrefix + bid
	}

	from := env.FromAddr()
	participants := map[string]struct{}{from: {}}
	for _, r := range env.Recipients() {
		participants[r] = struct{}{}
	}
	delete(participants, self)
	if len(participants) > 1 {
		addrs := make([]string, 0, len(participants))
		for a := range participants {
			addrs = append(addrs, a)
		}
		sort.Strings(addrs)
		return adhocKeyPrefix + ids.DigestOf([]byte(strings.Join(addrs, "\n"))).String()
	}

	if state == gate.EncryptedVerified && signer != "" {
		return singleKeyPrefix + signer
	}
	if verifiedFpr != "" {
		return singleKeyPrefix + verifiedFpr
	}
	return singleAddrPrefix + peerAddr(env, self)
}

// peerAddr is the other party of a one to one message; for a copy of our own message that is the
// recipient.
func peerAddr(env *envelope.Envelope, self string) string {
	from := env.FromAddr()
	if from == self {
		for _, r := range env.Recipients() {
			if r != self {
				return r
			}
		}
	}
	return from
}

// ListID extracts the identifier from a List-Id header value.
func ListID(v string) string {
	v = strings.TrimSpace(v)
	if i := strings.LastIndex(v, "<"); i >= 0 {
		if j := strings.Index(v[i:], ">"); j > 0 {
			v = v[i+1 : i+j]
		}
	}
	return strings.ToLower(strings.TrimSpace(v))
}

func listName(v string) string {
	if i := strings.LastIndex(v, "<"); i > 0 {
		if n := strings.Trim(strings.TrimSpace(v[:i]), `"`); n != "" {
			return n
		}
	}
	return ListID(v)
}

// Key returns the resolution key for an incoming message, consulting the keyring for the peer's
// verified identity.
func (r *Resolver) Key(res *gate.Result) string {
	self := r.keys.SelfAddr()
	verified, _ := r.keys.VerifiedForAddr(peerAddr(res.Envelope, self))
	return ChatKey(res.Envelope, res.State, res.Signer, verified, self)
}

type Resolution struct {
	Chat    *Chat
	Sender  *Contact
	Created bool
	// Downgraded is set when this message removed the chat's protection.
	Downgraded bool
}

// ResolveChat finds or creates the sender and chat of an incoming message. The caller holds the
// key lock for key, which must be r.Key(res).
func (r *Resolver) ResolveChat(tx *db.Tx, res *gate.Result, key string) (*Resolution, error) {
	env := res.Envelope
	self := r.keys.SelfAddr()
	from := env.FromAddr()

	var sender *Contact
	var err error
	switch {
	case key == DeviceChatKey:
		sender, err = r.Contact(tx, DeviceContactID)
	case from == self:
		sender, err = r.Contact(tx, SelfContactID)
	case res.State == gate.EncryptedVerified && res.Signer != "":
		sender, err = r.EnsureContact(tx, KeyIdentity{Fingerprint: res.Signer, Addr: from}, env.FromName())
	default:
		sender, err = r.EnsureContact(tx, AddressIdentity{Addr: from}, env.FromName())
	}
	if err != nil {
		return nil, err
	}

	nc := &newChat{key: key}
	switch {
	case key == DeviceChatKey:
		nc.kind = Single
		nc.name = "Device messages"
	case strings.HasPrefix(key, groupKeyPrefix):
		nc.kind = Group
		nc.groupID = strings.TrimPrefix(key, groupKeyPrefix)
		nc.name = firstNonEmpty(env.Header.Get(envelope.HeaderGroupName), env.Subject(), "Group")
	case strings.HasPrefix(key, listKeyPrefix):
		nc.kind = Mailinglist
		nc.name = listName(env.Header.Get(envelope.HeaderListID))
	case strings.HasPrefix(key, broadcastKeyPrefix):
		nc.kind = InBroadcast
		if sender.ID == SelfContactID {
			nc.kind = OutBroadcast
		}
		nc.groupID = strings.TrimPrefix(key, broadcastKeyPrefix)
		nc.name = firstNonEmpty(env.Header.Get(envelope.HeaderGroupName), env.Subject(), "Broadcast")
	case strings.HasPrefix(key, adhocKeyPrefix):
		nc.kind = Group
		nc.name = firstNonEmpty(env.Subject(), "Group")
	default:
		nc.kind = Single
	}

	switch {
	case key == DeviceChatKey, nc.kind == Mailinglist:
		nc.members = []int64{SelfContactID}
	case nc.kind == Single:
		peer := sender
		if sender.ID == SelfContactID || (strings.HasPrefix(key, singleKeyPrefix) && peer.Fingerprint == "") {
			if peer, err = r.singlePeer(tx, key, peerAddr(env, self)); err != nil {
				return nil, err
			}
		}
		nc.name = firstNonEmpty(peer.Name, peer.Addr)
		nc.members = []int64{SelfContactID, peer.ID}
	default:
		nc.members = []int64{SelfContactID}
		if sender.ID != SelfContactID {
			nc.members = append(nc.members, sender.ID)
		}
		for _, addr := range env.Recipients() {
			c, err := r.EnsureContact(tx, AddressIdentity{Addr: addr}, "")
			if err != nil {
				return nil, err
			}
			if c.ID != SelfContactID {
				nc.members = append(nc.members, c.ID)
			}
		}
	}

	chat, created, err := r.ensureChat(tx, nc)
	if err != nil {
		return nil, err
	}
	out := &Resolution{Chat: chat, Sender: sender, Created: created}
	if chat.Protected && res.State != gate.EncryptedVerified && sender.ID != SelfContactID {
		if err := r.Downgrade(tx, chat.ID, fmt.Sprintf("%s message from %s", res.State, from)); err != nil {
			return nil, err
		}
		chat.Protected = false
		out.Downgraded = true
	}
	return out, nil
}

func (r *Resolver) singlePeer(tx *db.Tx, key, addr string) (*Contact, error) {
	if strings.HasPrefix(key, singleKeyPrefix) {
		return r.EnsureContact(tx, KeyIdentity{Fingerprint: strings.TrimPrefix(key, singleKeyPrefix), Addr: addr}, "")
	}
	return r.EnsureContact(tx, AddressIdentity{Addr: addr}, "")
}

// SingleChatKey is the resolution key of the one to one chat with c.
func SingleChatKey(c *Contact) string {
	switch v := c.Identity().(type) {
	case KeyIdentity:
		return singleKeyPrefix + v.Fingerprint
	case AddressIdentity:
		return singleAddrPrefix + v.Addr
	default:
		panic(fmt.Sprintf("resolver: unknown identity %T", v))
	}
}

// EnsureSingleChat returns the one to one chat with contactID. Protection is only granted when the
// chat is created by a completed verification; the caller holds the key lock for SingleChatKey.
func (r *Resolver) EnsureSingleChat(tx *db.Tx, contactID int64, protected bool) (*Chat, error) {
	c, err := r.Contact(tx, contactID)
	if err != nil {
		return nil, err
	}
	if protected && !c.Verified {
		return nil, fmt.Errorf("%w: %s", ErrNotVerified, c.Addr)
	}
	chat, _, err := r.ensureChat(tx, &newChat{
		kind:      Single,
		key:       SingleChatKey(c),
		name:      firstNonEmpty(c.Name, c.Addr),
		protected: protected,
		members:   []int64{SelfContactID, c.ID},
	})
	return chat, err
}

// CreateGroup creates a group chat owned by the local user. A protected group requires every
// member to be verified.
func (r *Resolver) CreateGroup(tx *db.Tx, groupID, name string, members []int64, protected bool) (*Chat, error) {
	all := append([]int64{SelfContactID}, members...)
	if protected {
		for _, id := range members {
			c, err := r.Contact(tx, id)
			if err != nil {
				return nil, err
			}
			if !c.Verified {
				return nil, fmt.Errorf("%w: %s", ErrNotVerified, c.Addr)
			}
		}
	}
	chat, created, err := r.ensureChat(tx, &newChat{
		kind:      Group,
		key:       groupKeyPrefix + groupID,
		name:      name,
		groupID:   groupID,
		protected: protected,
		members:   all,
	})
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, fmt.Errorf("resolver: group %s already exists", groupID)
	}
	return chat, nil
}

func GroupKey(groupID string) string {
	return groupKeyPrefix + groupID
}

func (r *Resolver) chatModified(chatID int64) func() {
	return func() {
		r.sink.Emit(events.Event{Kind: events.ChatModified, ChatID: chatID})
	}
}

func (r *Resolver) contactsChanged(contactID int64) func() {
	return func() {
		r.sink.Emit(events.Event{Kind: events.ContactsChanged, ContactID: contactID})
	}
}

func firstNonEmpty(s ...string) string {
	for _, v := range s {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
