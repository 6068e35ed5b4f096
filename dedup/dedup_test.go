package dedup

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/meow-io/go-chatmail/clock"
	"github.com/meow-io/go-chatmail/config"
	"github.com/meow-io/go-chatmail/envelope"
	"github.com/meow-io/go-chatmail/internal/db"
	"github.com/meow-io/go-chatmail/internal/test"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

var normalizer = envelope.NewNormalizer(config.NewConfig(), clock.NewManual(time.Unix(1700000000, 0)))

func email(uid string, headers ...string) *envelope.Envelope {
	raw := strings.Join(append([]string{
		"From: Alice <alice@example.org>",
		"To: bob@example.org",
		"Date: Tue, 14 Nov 2023 22:13:20 +0000",
		"Content-Type: text/plain",
	}, headers...), "\r\n") + "\r\n\r\nhello\r\n"
	return normalizer.Normalize(envelope.TransportEmail, uid, []byte(raw))
}

func newIndex(t *testing.T) (*Index, *db.Database) {
	c := config.NewConfig()
	d := test.NewTestDatabase(c)
	i, err := New(c, d)
	require.Nil(t, err)
	return i, d
}

func resolve(t *testing.T, i *Index, d *db.Database, env *envelope.Envelope) *Resolution {
	var res *Resolution
	require.Nil(t, d.Run("resolve", func(tx *db.Tx) (err error) {
		res, err = i.Resolve(tx, env)
		return
	}))
	return res
}

func TestCanonicalMessageID(t *testing.T) {
	require := require.New(t)
	id, ok := CanonicalMessageID(" <Abc@Example.ORG>")
	require.True(ok)
	require.Equal("abc@example.org", id)
	_, ok = CanonicalMessageID("abc@example.org")
	require.False(ok)
	_, ok = CanonicalMessageID("<>")
	require.False(ok)
}

func TestReferencedIDs(t *testing.T) {
	require := require.New(t)
	require.Equal([]string{"a@x", "b@x"}, ReferencedIDs([]string{"<A@x> <b@\r\n x>"}, []string{"<c@x>"}))
	require.Equal([]string{"c@x"}, ReferencedIDs(nil, []string{"<c@x>"}))
	require.Equal([]string{"d@x"}, ReferencedIDs([]string{"<trunc <d@x>"}, nil))
}

func TestNormalizeSubject(t *testing.T) {
	require := require.New(t)
	require.Equal("hello world", NormalizeSubject("Re: [team] Fwd:  Hello   World"))
	require.Equal("café", NormalizeSubject("RE: Café"))
}

func TestFallbackIDIgnoresCopy(t *testing.T) {
	require := require.New(t)
	a := email("INBOX/1/1", "Subject: Re: Lunch")
	b := normalizer.Normalize(envelope.TransportEmail, "Archive/3/9", []byte(strings.Join([]string{
		"From: alice@example.org",
		"To: bob@example.org",
		"Date: Tue, 14 Nov 2023 22:13:50 +0000",
		"Subject: lunch",
		"Content-Type: text/plain",
	}, "\r\n")+"\r\n\r\nhello\r\n"))
	require.True(strings.HasPrefix(LogicalID(a), fallbackPrefix))
	require.Equal(LogicalID(a), LogicalID(b))

	c := email("INBOX/1/2", "Subject: Lunch", "Message-Id: <m1@example.org>")
	require.Equal("m1@example.org", LogicalID(c))
}

func TestDuplicateRecordsTransportID(t *testing.T) {
	require := require.New(t)
	i, d := newIndex(t)

	first := resolve(t, i, d, email("INBOX/7/10", "Message-Id: <m1@example.org>"))
	require.True(first.IsNew)
	second := resolve(t, i, d, email("INBOX/7/11", "Message-Id: <M1@example.org>"))
	require.False(second.IsNew)
	require.Equal(first.LogicalID, second.LogicalID)
	again := resolve(t, i, d, email("INBOX/7/11", "Message-Id: <m1@example.org>"))
	require.False(again.IsNew)

	require.Nil(d.RunReadOnly("list", func(tx *db.Tx) error {
		refs, err := i.TransportIDs(tx, "m1@example.org")
		require.Nil(err)
		require.Len(refs, 2)
		require.Equal("INBOX/7/10", refs[0].TransportID)
		require.False(refs[0].Duplicate)
		require.Equal("INBOX/7/11", refs[1].TransportID)
		require.True(refs[1].Duplicate)
		return nil
	}))
}

func TestThreadingConvergesInAnyOrder(t *testing.T) {
	root := func() *envelope.Envelope { return email("1", "Message-Id: <a@x>") }
	reply := func() *envelope.Envelope { return email("2", "Message-Id: <b@x>", "In-Reply-To: <a@x>") }
	nested := func() *envelope.Envelope {
		return email("3", "Message-Id: <c@x>", "References: <a@x> <b@x>", "In-Reply-To: <b@x>")
	}
	orders := [][]func() *envelope.Envelope{
		{root, reply, nested},
		{root, nested, reply},
		{reply, root, nested},
		{reply, nested, root},
		{nested, root, reply},
		{nested, reply, root},
	}
	for _, order := range orders {
		i, d := newIndex(t)
		for _, env := range order {
			resolve(t, i, d, env())
		}
		require.Nil(t, d.RunReadOnly("parents", func(tx *db.Tx) error {
			for id, want := range map[string]string{"a@x": "", "b@x": "a@x", "c@x": "b@x"} {
				got, err := i.Parent(tx, id)
				require.Nil(t, err)
				require.Equal(t, want, got, id)
			}
			return nil
		}))
	}
}
