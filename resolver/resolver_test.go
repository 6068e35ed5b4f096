package resolver

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/meow-io/go-chatmail/clock"
	"github.com/meow-io/go-chatmail/config"
	"github.com/meow-io/go-chatmail/crypto"
	"github.com/meow-io/go-chatmail/envelope"
	"github.com/meow-io/go-chatmail/events"
	"github.com/meow-io/go-chatmail/gate"
	"github.com/meow-io/go-chatmail/internal/db"
	"github.com/meow-io/go-chatmail/internal/test"
	"github.com/meow-io/go-chatmail/keyring"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type fixture struct {
	db     *db.Database
	keys   *keyring.Keyring
	r      *Resolver
	events *events.Emitter
	norm   *envelope.Normalizer
}

func newFixture(t *testing.T) *fixture {
	c := config.NewConfig()
	d := test.NewTestDatabase(c)
	cl := clock.NewManual(time.Unix(1700000000, 0))
	k, err := keyring.New(c, d, cl)
	require.Nil(t, err)
	_, err = k.EnsureIdentity("bob@example.org")
	require.Nil(t, err)
	e := events.NewEmitter(64)
	r, err := New(c, d, k, cl, e)
	require.Nil(t, err)
	return &fixture{db: d, keys: k, r: r, events: e, norm: envelope.NewNormalizer(c, cl)}
}

func (f *fixture) env(headers ...string) *envelope.Envelope {
	raw := strings.Join(append([]string{"Content-Type: text/plain"}, headers...), "\r\n") + "\r\n\r\nhi\r\n"
	return f.norm.Normalize(envelope.TransportEmail, "", []byte(raw))
}

func (f *fixture) resolve(t *testing.T, res *gate.Result) *Resolution {
	var out *Resolution
	require.Nil(t, f.db.Run("resolve", func(tx *db.Tx) (err error) {
		out, err = f.r.ResolveChat(tx, res, f.r.Key(res))
		return
	}))
	return out
}

func (f *fixture) drain() []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-f.events.Updates():
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestChatKey(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	self := "bob@example.org"

	require.Equal("group:g1", ChatKey(f.env("From: a@x", "Chat-Group-ID: g1", "List-Id: <l.x>"), gate.Plaintext, "", "", self))
	require.Equal("list:news.example.org", ChatKey(f.env("From: a@x", "List-Id: \"News\" <News.Example.org>"), gate.Plaintext, "", "", self))
	require.Equal("broadcast:b1", ChatKey(f.env("From: a@x", "Chat-Broadcast-ID: b1"), gate.Plaintext, "", "", self))

	one := ChatKey(f.env("From: a@x", "To: bob@example.org, c@x"), gate.Plaintext, "", "", self)
	two := ChatKey(f.env("From: c@x", "To: a@x", "Cc: Bob <BOB@example.org>"), gate.Plaintext, "", "", self)
	require.True(strings.HasPrefix(one, "adhoc:"))
	require.Equal(one, two)

	require.Equal("single:addr:a@x", ChatKey(f.env("From: A <A@x>", "To: bob@example.org"), gate.Plaintext, "", "", self))
	require.Equal("single:addr:a@x", ChatKey(f.env("From: a@x", "To: bob@example.org"), gate.EncryptedUnverified, "fpr", "", self))
	require.Equal("single:key:fpr", ChatKey(f.env("From: a@x", "To: bob@example.org"), gate.EncryptedVerified, "fpr", "fpr", self))
	require.Equal("single:key:fpr", ChatKey(f.env("From: a@x", "To: bob@example.org"), gate.Plaintext, "", "fpr", self))
	require.Equal("single:addr:a@x", ChatKey(f.env("From: bob@example.org", "To: a@x"), gate.Plaintext, "", "", self))
}

func TestResolveIsIdempotent(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	res := &gate.Result{Envelope: f.env("From: Alice <alice@example.org>", "To: bob@example.org")}

	first := f.resolve(t, res)
	require.True(first.Created)
	require.Equal(Single, first.Chat.Kind)
	require.Equal("Alice", first.Chat.Name)
	second := f.resolve(t, res)
	require.False(second.Created)
	require.Equal(first.Chat.ID, second.Chat.ID)
	require.Equal(first.Sender.ID, second.Sender.ID)

	require.Nil(f.db.RunReadOnly("members", func(tx *db.Tx) error {
		members, err := f.r.Members(tx, first.Chat.ID)
		require.Nil(err)
		require.Len(members, 2)
		require.Equal(SelfContactID, members[0].ID)
		require.Equal(AddressIdentity{Addr: "alice@example.org"}, members[1].Identity())
		return nil
	}))

	group := f.resolve(t, &gate.Result{Envelope: f.env("From: alice@example.org", "To: bob@example.org, carol@example.org", "Chat-Group-ID: g1", "Chat-Group-Name: Friends")})
	require.Equal(Group, group.Chat.Kind)
	require.Equal("Friends", group.Chat.Name)
	require.Nil(f.db.RunReadOnly("members", func(tx *db.Tx) error {
		members, err := f.r.Members(tx, group.Chat.ID)
		require.Nil(err)
		require.Len(members, 3)
		return nil
	}))
}

func TestUnverifiedMessageDowngradesProtectedChat(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	alice, err := crypto.GenerateKeyPair()
	require.Nil(err)

	var chat *Chat
	require.Nil(f.db.Run("verify", func(tx *db.Tx) error {
		if err := f.keys.MarkVerified(tx, &alice.Public, "alice@example.org"); err != nil {
			return err
		}
		return nil
	}))
	require.Nil(f.db.Run("create", func(tx *db.Tx) error {
		c, err := f.r.EnsureContact(tx, KeyIdentity{Fingerprint: alice.Fingerprint(), Addr: "alice@example.org"}, "Alice")
		if err != nil {
			return err
		}
		chat, err = f.r.EnsureSingleChat(tx, c.ID, true)
		return err
	}))
	require.True(chat.Protected)
	f.drain()

	verified := f.resolve(t, &gate.Result{
		Envelope: f.env("From: alice@example.org", "To: bob@example.org"),
		State:    gate.EncryptedVerified,
		Signer:   alice.Fingerprint(),
	})
	require.Equal(chat.ID, verified.Chat.ID)
	require.False(verified.Downgraded)
	require.True(verified.Chat.Protected)
	require.True(verified.Sender.Verified)

	plain := f.resolve(t, &gate.Result{Envelope: f.env("From: alice@example.org", "To: bob@example.org")})
	require.Equal(chat.ID, plain.Chat.ID)
	require.True(plain.Downgraded)
	require.False(plain.Chat.Protected)
	evs := f.drain()
	require.NotEmpty(evs)
	found := false
	for _, e := range evs {
		if e.Kind == events.ChatModified && e.ChatID == chat.ID {
			found = true
		}
	}
	require.True(found)

	again := f.resolve(t, &gate.Result{
		Envelope: f.env("From: alice@example.org", "To: bob@example.org"),
		State:    gate.EncryptedVerified,
		Signer:   alice.Fingerprint(),
	})
	require.False(again.Chat.Protected)
}

func TestProtectedGroupMembers(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	alice, err := crypto.GenerateKeyPair()
	require.Nil(err)

	require.Nil(f.db.Run("verify", func(tx *db.Tx) error {
		return f.keys.MarkVerified(tx, &alice.Public, "alice@example.org")
	}))
	require.Nil(f.db.Run("group", func(tx *db.Tx) error {
		a, err := f.r.EnsureContact(tx, KeyIdentity{Fingerprint: alice.Fingerprint(), Addr: "alice@example.org"}, "")
		require.Nil(err)
		carol, err := f.r.EnsureContact(tx, AddressIdentity{Addr: "carol@example.org"}, "")
		require.Nil(err)

		_, err = f.r.CreateGroup(tx, "g-bad", "Bad", []int64{a.ID, carol.ID}, true)
		require.ErrorIs(err, ErrNotVerified)

		chat, err := f.r.CreateGroup(tx, "g1", "Good", []int64{a.ID}, true)
		require.Nil(err)
		require.True(chat.Protected)

		require.Nil(f.r.AddMember(tx, chat.ID, carol.ID))
		chat, err = f.r.Chat(tx, chat.ID)
		require.Nil(err)
		require.False(chat.Protected)
		return nil
	}))
}

func TestBlockContact(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	res := f.resolve(t, &gate.Result{Envelope: f.env("From: spam@example.org", "To: bob@example.org")})
	require.Nil(f.db.Run("block", func(tx *db.Tx) error {
		return f.r.SetBlocked(tx, res.Sender.ID, BlockedYes)
	}))
	require.Nil(f.db.RunReadOnly("contacts", func(tx *db.Tx) error {
		cs, err := f.r.Contacts(tx)
		require.Nil(err)
		require.Len(cs, 1)
		require.Equal(BlockedYes, cs[0].Blocked)
		require.Error(f.r.SetBlocked(tx, SelfContactID, BlockedYes))
		return nil
	}))
}
