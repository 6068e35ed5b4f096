package messages

import (
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/meow-io/go-chatmail/clock"
	"github.com/meow-io/go-chatmail/config"
	"github.com/meow-io/go-chatmail/envelope"
	"github.com/meow-io/go-chatmail/events"
	"github.com/meow-io/go-chatmail/internal/db"
	"github.com/meow-io/go-chatmail/internal/test"
	"github.com/meow-io/go-chatmail/keyring"
	"github.com/meow-io/go-chatmail/resolver"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type fixture struct {
	db     *db.Database
	store  *Store
	r      *resolver.Resolver
	events *events.Emitter
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
	r, err := resolver.New(c, d, k, cl, nil)
	require.Nil(t, err)
	s, err := New(c, d, cl, e)
	require.Nil(t, err)
	return &fixture{db: d, store: s, r: r, events: e}
}

func (f *fixture) insert(t *testing.T, m *Message) *Message {
	require.Nil(t, f.db.Run("insert", func(tx *db.Tx) (err error) {
		m, err = f.store.Insert(tx, m, []envelope.Part{{ContentType: "text/plain", Data: []byte(m.Text), Size: int64(len(m.Text))}})
		return
	}))
	return m
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

func TestPreviewAndClamp(t *testing.T) {
	require := require.New(t)
	require.Equal("short", Preview("short"))
	long := strings.Repeat("é", DesiredTextLen+10)
	p := Preview(long)
	require.True(strings.HasSuffix(p, " [...]"))
	require.Equal(DesiredTextLen, len([]rune(strings.TrimSuffix(p, " [...]"))))

	now := time.Unix(1000, 0)
	require.Equal(now.Add(TimestampTolerance), ClampSent(now.Add(time.Hour), now))
	require.Equal(now.Add(-time.Hour), ClampSent(now.Add(-time.Hour), now))
}

func TestCausalOrder(t *testing.T) {
	require := require.New(t)
	ms := []*Message{
		{LogicalID: "reply", Parent: "root", SentAt: 5},
		{LogicalID: "root", SentAt: 10},
		{LogicalID: "other", SentAt: 7},
		{LogicalID: "nested", Parent: "reply", SentAt: 6},
		{LogicalID: "orphan", Parent: "missing", SentAt: 1},
		{LogicalID: "x", Parent: "y", SentAt: 2},
		{LogicalID: "y", Parent: "x", SentAt: 3},
	}
	var order []string
	for _, m := range CausalOrder(ms) {
		order = append(order, m.LogicalID)
	}
	require.Equal([]string{"orphan", "other", "root", "reply", "nested", "x", "y"}, order)
}

func TestDeliveryStates(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	m := f.insert(t, &Message{LogicalID: "out1@example.org", ChatID: 1, FromContactID: resolver.SelfContactID, State: OutPending, Text: "hi"})
	f.drain()

	require.Nil(f.db.Run("fail", func(tx *db.Tx) error {
		changed, err := f.store.MarkFailed(tx, m.LogicalID, "smtp: 550")
		require.Nil(err)
		require.True(changed)
		changed, err = f.store.MarkFailed(tx, m.LogicalID, "again")
		require.Nil(err)
		require.False(changed)
		changed, err = f.store.MarkSent(tx, m.LogicalID)
		require.Nil(err)
		require.False(changed)
		return nil
	}))
	evs := f.drain()
	require.Len(evs, 1)
	require.Equal(events.MsgFailed, evs[0].Kind)

	require.Nil(f.db.Run("retry", func(tx *db.Tx) error {
		changed, err := f.store.Retry(tx, m.LogicalID)
		require.Nil(err)
		require.True(changed)
		for _, step := range []func(*db.Tx, string) (bool, error){f.store.MarkSent, f.store.MarkDelivered, f.store.MarkRead} {
			changed, err := step(tx, m.LogicalID)
			require.Nil(err)
			require.True(changed)
		}
		changed, err = f.store.MarkDelivered(tx, m.LogicalID)
		require.Nil(err)
		require.False(changed)
		return nil
	}))
	require.Nil(f.db.RunReadOnly("read", func(tx *db.Tx) error {
		got, err := f.store.Message(tx, m.ID)
		require.Nil(err)
		require.Equal(OutRead, got.State)
		require.Equal("smtp: 550", got.Error)
		return nil
	}))
}

func TestFreshSearchAndSeen(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	var alice, spam *resolver.Contact
	require.Nil(f.db.Run("contacts", func(tx *db.Tx) (err error) {
		if alice, err = f.r.EnsureContact(tx, resolver.AddressIdentity{Addr: "alice@example.org"}, ""); err != nil {
			return
		}
		if spam, err = f.r.EnsureContact(tx, resolver.AddressIdentity{Addr: "spam@example.org"}, ""); err != nil {
			return
		}
		return f.r.SetBlocked(tx, spam.ID, resolver.BlockedYes)
	}))
	for i := 0; i < 3; i++ {
		f.insert(t, &Message{LogicalID: fmt.Sprintf("a%d@x", i), ChatID: 2, FromContactID: alice.ID, Incoming: true, State: InFresh, Text: fmt.Sprintf("Hello Number %d", i), SentAt: int64(i)})
	}
	f.insert(t, &Message{LogicalID: "s@x", ChatID: 3, FromContactID: spam.ID, Incoming: true, State: InFresh, Text: "hello spam", Hidden: true})
	f.insert(t, &Message{LogicalID: "p@x", ChatID: 3, FromContactID: alice.ID, Incoming: true, State: InFresh, Text: "100% done"})

	require.Nil(f.db.Run("query", func(tx *db.Tx) error {
		fresh, err := f.store.Fresh(tx)
		require.Nil(err)
		require.Len(fresh, 4)
		require.Equal("a2@x", fresh[0].LogicalID)

		found, err := f.store.Search(tx, 0, "HELLO")
		require.Nil(err)
		require.Len(found, 3)
		found, err = f.store.Search(tx, 3, "hello")
		require.Nil(err)
		require.Empty(found)
		found, err = f.store.Search(tx, 0, "0%")
		require.Nil(err)
		require.Len(found, 1)

		require.Nil(f.store.MarkSeen(tx, []int64{fresh[0].ID, fresh[1].ID}))
		fresh, err = f.store.Fresh(tx)
		require.Nil(err)
		require.Len(fresh, 2)
		return nil
	}))
}

func TestSearchSeesPastPreview(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	text := strings.Repeat("filler ", DesiredTextLen) + "needle at the end"
	m := f.insert(t, &Message{LogicalID: "long@x", ChatID: 2, FromContactID: resolver.SelfContactID, State: OutSent, Text: text})
	require.True(strings.HasSuffix(m.Text, ellipsis))
	require.NotContains(m.Text, "needle")

	require.Nil(f.db.RunReadOnly("search", func(tx *db.Tx) error {
		found, err := f.store.Search(tx, 0, "NEEDLE")
		require.Nil(err)
		require.Len(found, 1)
		require.Equal("long@x", found[0].LogicalID)
		require.Equal(m.Text, found[0].Text)
		found, err = f.store.Search(tx, 2, "filler")
		require.Nil(err)
		require.Len(found, 1)
		return nil
	}))
}

func TestMergeDuplicate(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	m := f.insert(t, &Message{LogicalID: "m@x", ChatID: 1, FromContactID: 2, Incoming: true, State: InFresh, Recipients: "bob@example.org"})
	require.Nil(f.db.Run("merge", func(tx *db.Tx) error {
		require.Nil(f.store.MergeDuplicate(tx, "m@x", []string{"bob@example.org", "carol@example.org"}))
		got, err := f.store.Message(tx, m.ID)
		require.Nil(err)
		require.Equal("bob@example.org,carol@example.org", got.Recipients)
		return nil
	}))
}

func TestParseDisposition(t *testing.T) {
	require := require.New(t)
	d, err := ParseDisposition([]byte("Reporting-UA: x\r\nOriginal-Recipient: rfc822;bob@example.org\r\nOriginal-Message-ID: <m1@example.org>\r\nDisposition: manual-action/MDN-sent-manually; displayed\r\n"))
	require.Nil(err)
	require.Equal("<m1@example.org>", d.OriginalMessageID)
	require.True(d.Read)

	d, err = ParseDisposition([]byte("Original-Message-ID: <m2@example.org>\nDisposition: automatic-action/MDN-sent-automatically; processed\n"))
	require.Nil(err)
	require.False(d.Read)

	_, err = ParseDisposition([]byte("Disposition: x; displayed"))
	require.Error(err)
}
