package gate

import (
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/meow-io/go-chatmail/clock"
	"github.com/meow-io/go-chatmail/config"
	"github.com/meow-io/go-chatmail/crypto"
	"github.com/meow-io/go-chatmail/envelope"
	"github.com/meow-io/go-chatmail/internal/db"
	"github.com/meow-io/go-chatmail/internal/test"
	"github.com/meow-io/go-chatmail/keyring"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type party struct {
	addr  string
	keys  *keyring.Keyring
	db    *db.Database
	gate  *Gate
	norm  *envelope.Normalizer
	self  *crypto.KeyPair
	clock clock.Clock
}

func newParty(t *testing.T, addr string) *party {
	c := config.NewConfig()
	d := test.NewTestDatabase(c)
	cl := clock.NewManual(time.Unix(1700000000, 0))
	k, err := keyring.New(c, d, cl)
	require.Nil(t, err)
	self, err := k.EnsureIdentity(addr)
	require.Nil(t, err)
	n := envelope.NewNormalizer(c, cl)
	return &party{addr: addr, keys: k, db: d, gate: New(c, k, n), norm: n, self: self, clock: cl}
}

func (p *party) learn(t *testing.T, other *party, verified bool) {
	require.Nil(t, p.db.Run("learn", func(tx *db.Tx) error {
		if verified {
			return p.keys.MarkVerified(tx, &other.self.Public, other.addr)
		}
		return p.keys.ApplyUpdate(tx, &keyring.PeerKeyUpdate{Addr: other.addr, Key: other.self.Public, Timestamp: 1})
	}))
}

func (p *party) sealTo(t *testing.T, to *party, body string) []byte {
	var outer mail.Header
	outer.SetAddressList("From", []*mail.Address{{Address: p.addr}})
	outer.SetAddressList("To", []*mail.Address{{Address: to.addr}})
	outer.Set("Message-Id", "<sealed@example.org>")

	ac, err := p.gate.Autocrypt()
	require.Nil(t, err)
	inner := fmt.Sprintf("From: %s\r\nTo: %s\r\nAutocrypt: %s\r\nSubject: secret\r\nContent-Type: text/plain\r\n\r\n%s\r\n", p.addr, to.addr, ac, body)
	raw, err := p.gate.Seal(outer, []byte(inner), []*crypto.PublicKey{&to.self.Public})
	require.Nil(t, err)
	return raw
}

func TestPlaintextWithAutocrypt(t *testing.T) {
	require := require.New(t)
	alice := newParty(t, "alice@example.org")
	bob := newParty(t, "bob@example.org")

	ac, err := alice.gate.Autocrypt()
	require.Nil(err)
	raw := "From: alice@example.org\r\nTo: bob@example.org\r\nAutocrypt: " + ac + "\r\nMessage-ID: <p1@example.org>\r\n\r\nhello\r\n"

	r := bob.gate.Process(bob.norm.Normalize(envelope.TransportEmail, "1", []byte(raw)))
	require.Nil(r.CryptoErr)
	require.Equal(Plaintext, r.State)
	require.NotNil(r.KeyUpdate)
	require.Equal(alice.self.Fingerprint(), r.KeyUpdate.Key.Fingerprint())
	require.Equal("alice@example.org", r.KeyUpdate.Addr)
}

func TestAutocryptForOtherAddressIgnored(t *testing.T) {
	require := require.New(t)
	alice := newParty(t, "alice@example.org")
	bob := newParty(t, "bob@example.org")

	ac, err := alice.gate.Autocrypt()
	require.Nil(err)
	raw := "From: mallory@example.org\r\nAutocrypt: " + ac + "\r\n\r\nhello\r\n"
	r := bob.gate.Process(bob.norm.Normalize(envelope.TransportEmail, "1", []byte(raw)))
	require.Nil(r.KeyUpdate)
}

func TestEncryptedUnverifiedThenVerified(t *testing.T) {
	require := require.New(t)
	alice := newParty(t, "alice@example.org")
	bob := newParty(t, "bob@example.org")
	alice.learn(t, bob, false)

	raw := alice.sealTo(t, bob, "for your eyes only")
	r := bob.gate.Process(bob.norm.Normalize(envelope.TransportEmail, "1", raw))
	require.Nil(r.CryptoErr)
	require.Equal(EncryptedUnverified, r.State)
	require.Equal(alice.self.Fingerprint(), r.Signer)
	require.Equal("for your eyes only", strings.TrimSpace(r.Envelope.Text()))
	require.Equal("<sealed@example.org>", r.Envelope.MessageID())
	require.NotNil(r.KeyUpdate)

	bob.learn(t, alice, true)
	r = bob.gate.Process(bob.norm.Normalize(envelope.TransportEmail, "2", raw))
	require.Equal(EncryptedVerified, r.State)
}

func TestUndecryptableBecomesPlaceholder(t *testing.T) {
	require := require.New(t)
	alice := newParty(t, "alice@example.org")
	bob := newParty(t, "bob@example.org")
	carol := newParty(t, "carol@example.org")

	raw := alice.sealTo(t, bob, "not for carol")
	r := carol.gate.Process(carol.norm.Normalize(envelope.TransportEmail, "1", raw))
	require.ErrorIs(r.CryptoErr, crypto.ErrNotRecipient)
	require.Len(r.Envelope.Parts, 1)
	require.Equal(envelope.UndecryptableContentType, r.Envelope.Parts[0].ContentType)
	require.Equal("<sealed@example.org>", r.Envelope.MessageID())
}

func TestParseAutocrypt(t *testing.T) {
	require := require.New(t)
	kp, err := crypto.GenerateKeyPair()
	require.Nil(err)
	kd, err := kp.Public.KeyData()
	require.Nil(err)

	ac, err := ParseAutocrypt("addr=Bob@Example.org; prefer-encrypt=mutual; keydata=" + kd[:10] + "\r\n " + kd[10:])
	require.Nil(err)
	require.Equal("bob@example.org", ac.Addr)
	require.True(ac.PreferEncrypt)
	require.Equal(kp.Public, *ac.Key)

	_, err = ParseAutocrypt("addr=bob@example.org; keydata=" + kd + "; unknown=1")
	require.Error(err)
	_, err = ParseAutocrypt("addr=bob@example.org; _ignored=1; keydata=" + kd)
	require.Nil(err)
	_, err = ParseAutocrypt("prefer-encrypt=mutual")
	require.Error(err)
}

func TestMergeOuterHeaderKeepsBroadcast(t *testing.T) {
	require := require.New(t)
	outer := &envelope.Envelope{Header: mail.Header{}}
	outer.Header.Set("From", "alice@example.org")
	outer.Header.Set(envelope.HeaderGroupID, "bc1")

	inner := &envelope.Envelope{Header: mail.Header{}}
	inner.Header.Set(envelope.HeaderBroadcastID, "bc1")
	mergeOuterHeader(inner, outer)
	require.Equal("alice@example.org", inner.Header.Get("From"))
	require.Equal("", inner.GroupID())

	group := &envelope.Envelope{Header: mail.Header{}}
	mergeOuterHeader(group, outer)
	require.Equal("bc1", group.GroupID())
}
