package securejoin

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/meow-io/go-chatmail/clock"
	"github.com/meow-io/go-chatmail/config"
	"github.com/meow-io/go-chatmail/crypto"
	"github.com/meow-io/go-chatmail/internal/db"
	"github.com/meow-io/go-chatmail/internal/test"
	"github.com/meow-io/go-chatmail/keyring"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type side struct {
	addr  string
	db    *db.Database
	keys  *keyring.Keyring
	self  *crypto.KeyPair
	sj    *Manager
	seen  []State
	clock *clock.Manual
}

func newSide(t *testing.T, addr string, cl *clock.Manual) *side {
	c := config.NewConfig()
	d := test.NewTestDatabase(c)
	k, err := keyring.New(c, d, cl)
	require.Nil(t, err)
	kp, err := k.EnsureIdentity(addr)
	require.Nil(t, err)
	s := &side{addr: addr, db: d, keys: k, self: kp, clock: cl}
	s.sj = NewManager(c, k, cl, func(sess Session) { s.seen = append(s.seen, sess.State) })
	return s
}

func (s *side) handle(t *testing.T, in *Incoming) (*Session, []*Outgoing, error) {
	var sess *Session
	var out []*Outgoing
	var herr error
	require.Nil(t, s.db.Run("handle", func(tx *db.Tx) error {
		sess, out, herr = s.sj.Handle(tx, in)
		return nil
	}))
	return sess, out, herr
}

// deliver turns an outgoing message into what the receiving side sees after the gate.
func deliver(from *side, o *Outgoing) *Incoming {
	in := &Incoming{
		Step:         o.Header[HeaderStep],
		From:         from.addr,
		InviteNumber: o.Header[HeaderInviteNumber],
		Auth:         o.Header[HeaderAuth],
		Fingerprint:  o.Header[HeaderFingerprint],
		AnnouncedKey: &from.self.Public,
	}
	if o.Key != nil {
		in.Signer = from.self.Fingerprint()
		in.SignerKey = &from.self.Public
	}
	return in
}

func TestHandshake(t *testing.T) {
	require := require.New(t)
	cl := clock.NewManual(time.Unix(1700000000, 0))
	alice := newSide(t, "alice@example.org", cl)
	bob := newSide(t, "bob@example.org", cl)

	invite, err := alice.sj.NewInvite("Alice")
	require.Nil(err)
	uri, err := invite.URI()
	require.Nil(err)
	parsed, err := ParseInvite(uri)
	require.Nil(err)
	require.Equal(invite, parsed)

	js, out, err := bob.sj.Join(parsed)
	require.Nil(err)
	require.Equal(AwaitingSecret, js.State)
	require.Nil(out.Key)

	is, outs, err := alice.handle(t, deliver(bob, out))
	require.Nil(err)
	require.Equal(AwaitingSecret, is.State)
	require.Len(outs, 1)
	require.Equal(StepAuthRequired, outs[0].Header[HeaderStep])

	js, outs, err = bob.handle(t, deliver(alice, outs[0]))
	require.Nil(err)
	require.Equal(Verified, js.State)
	require.Len(outs, 1)
	require.Equal(alice.self.Fingerprint(), outs[0].Key.Fingerprint())
	require.False(bob.keys.IsVerified(alice.self.Fingerprint()))

	is, outs, err = alice.handle(t, deliver(bob, outs[0]))
	require.Nil(err)
	require.Equal(Done, is.State)
	require.True(alice.keys.IsVerified(bob.self.Fingerprint()))
	require.Len(outs, 1)
	require.Equal(StepContactConfirm, outs[0].Header[HeaderStep])

	js, outs, err = bob.handle(t, deliver(alice, outs[0]))
	require.Nil(err)
	require.Equal(Done, js.State)
	require.Empty(outs)
	require.True(bob.keys.IsVerified(alice.self.Fingerprint()))
	require.Equal([]State{AwaitingSecret, Verified, Done}, bob.seen)
	require.Equal([]State{New, AwaitingSecret, Verified, Done}, alice.seen)
}

func TestWrongAuthCodeFails(t *testing.T) {
	require := require.New(t)
	cl := clock.NewManual(time.Unix(1700000000, 0))
	alice := newSide(t, "alice@example.org", cl)
	bob := newSide(t, "bob@example.org", cl)

	invite, err := alice.sj.NewInvite("")
	require.Nil(err)
	forged := *invite
	forged.AuthCode = "guess"

	_, out, err := bob.sj.Join(&forged)
	require.Nil(err)
	_, outs, err := alice.handle(t, deliver(bob, out))
	require.Nil(err)
	_, outs, err = bob.handle(t, deliver(alice, outs[0]))
	require.Nil(err)

	is, outs, err := alice.handle(t, deliver(bob, outs[0]))
	require.ErrorIs(err, ErrProtocolViolation)
	require.Equal(Failed, is.State)
	require.Empty(outs)
	require.False(alice.keys.IsVerified(bob.self.Fingerprint()))

	// a replay after failure does not revive the session
	is, _, err = alice.handle(t, deliver(bob, &Outgoing{Key: &alice.self.Public, Header: map[string]string{
		HeaderStep:         StepRequestWithAuth,
		HeaderInviteNumber: invite.InviteNumber,
		HeaderAuth:         invite.AuthCode,
		HeaderFingerprint:  bob.self.Fingerprint(),
	}}))
	require.ErrorIs(err, ErrProtocolViolation)
	require.Equal(Failed, is.State)
	require.False(alice.keys.IsVerified(bob.self.Fingerprint()))
}

func TestOutOfOrderStepFails(t *testing.T) {
	require := require.New(t)
	cl := clock.NewManual(time.Unix(1700000000, 0))
	alice := newSide(t, "alice@example.org", cl)
	bob := newSide(t, "bob@example.org", cl)

	invite, err := alice.sj.NewInvite("")
	require.Nil(err)
	_, _, err = bob.sj.Join(invite)
	require.Nil(err)

	js, _, err := bob.handle(t, deliver(alice, &Outgoing{Key: &bob.self.Public, Header: map[string]string{
		HeaderStep:         StepContactConfirm,
		HeaderInviteNumber: invite.InviteNumber,
		HeaderFingerprint:  bob.self.Fingerprint(),
	}}))
	require.ErrorIs(err, ErrProtocolViolation)
	require.Equal(Failed, js.State)
	require.False(bob.keys.IsVerified(alice.self.Fingerprint()))
}

func TestMismatchedInviterKeyFails(t *testing.T) {
	require := require.New(t)
	cl := clock.NewManual(time.Unix(1700000000, 0))
	alice := newSide(t, "alice@example.org", cl)
	bob := newSide(t, "bob@example.org", cl)
	mallory := newSide(t, "alice@example.org", cl)

	invite, err := alice.sj.NewInvite("")
	require.Nil(err)
	_, _, err = bob.sj.Join(invite)
	require.Nil(err)

	js, outs, err := bob.handle(t, deliver(mallory, &Outgoing{Header: map[string]string{
		HeaderStep:         StepAuthRequired,
		HeaderInviteNumber: invite.InviteNumber,
	}}))
	require.ErrorIs(err, ErrProtocolViolation)
	require.Equal(Failed, js.State)
	require.Empty(outs)
}

func TestSessionsExpire(t *testing.T) {
	require := require.New(t)
	cl := clock.NewManual(time.Unix(1700000000, 0))
	alice := newSide(t, "alice@example.org", cl)
	bob := newSide(t, "bob@example.org", cl)

	invite, err := alice.sj.NewInvite("")
	require.Nil(err)
	_, out, err := bob.sj.Join(invite)
	require.Nil(err)
	_, outs, err := alice.handle(t, deliver(bob, out))
	require.Nil(err)

	cl.Advance(time.Duration(config.NewConfig().SecureJoinTimeoutMs+1) * time.Millisecond)
	expired := bob.sj.Expire()
	require.Len(expired, 1)
	require.Equal(Expired, expired[0].State)

	js, _, err := bob.handle(t, deliver(alice, outs[0]))
	require.ErrorIs(err, ErrProtocolViolation)
	require.Equal(Expired, js.State)
	require.False(bob.keys.IsVerified(alice.self.Fingerprint()))

	require.Nil(alice.sj.Cancel(alice.sessionIDFor(invite, bob)))
	s, ok := alice.sj.Session(alice.sessionIDFor(invite, bob))
	require.True(ok)
	require.Equal(Expired, s.State)
}

func TestRolledBackHandshakeLeavesSessionUntouched(t *testing.T) {
	require := require.New(t)
	cl := clock.NewManual(time.Unix(1700000000, 0))
	alice := newSide(t, "alice@example.org", cl)
	bob := newSide(t, "bob@example.org", cl)

	invite, err := alice.sj.NewInvite("")
	require.Nil(err)
	_, out, err := bob.sj.Join(invite)
	require.Nil(err)
	_, outs, err := alice.handle(t, deliver(bob, out))
	require.Nil(err)
	_, outs, err = bob.handle(t, deliver(alice, outs[0]))
	require.Nil(err)
	confirm := deliver(bob, outs[0])
	id := alice.sessionIDFor(invite, bob)
	seen := len(alice.seen)

	failed := errors.New("disk full")
	err = alice.db.Run("handle", func(tx *db.Tx) error {
		is, _, herr := alice.sj.Handle(tx, confirm)
		require.Nil(herr)
		require.Equal(Done, is.State)
		require.Len(alice.seen, seen)
		return failed
	})
	require.ErrorIs(err, failed)

	s, ok := alice.sj.Session(id)
	require.True(ok)
	require.Equal(AwaitingSecret, s.State)
	require.Nil(s.PeerKey)
	require.Len(alice.seen, seen)
	require.False(alice.keys.IsVerified(bob.self.Fingerprint()))

	is, outs, err := alice.handle(t, confirm)
	require.Nil(err)
	require.Equal(Done, is.State)
	require.Len(outs, 1)
	require.True(alice.keys.IsVerified(bob.self.Fingerprint()))
	require.Equal([]State{Verified, Done}, alice.seen[seen:])
	s, ok = alice.sj.Session(id)
	require.True(ok)
	require.Equal(Done, s.State)
}

func TestCancelBeforeCommitWins(t *testing.T) {
	require := require.New(t)
	cl := clock.NewManual(time.Unix(1700000000, 0))
	alice := newSide(t, "alice@example.org", cl)
	bob := newSide(t, "bob@example.org", cl)

	invite, err := alice.sj.NewInvite("")
	require.Nil(err)
	_, out, err := bob.sj.Join(invite)
	require.Nil(err)
	_, outs, err := alice.handle(t, deliver(bob, out))
	require.Nil(err)

	require.Nil(bob.db.Run("handle", func(tx *db.Tx) error {
		js, _, herr := bob.sj.Handle(tx, deliver(alice, outs[0]))
		require.Nil(herr)
		require.Equal(Verified, js.State)
		require.Nil(bob.sj.Cancel(invite.InviteNumber))
		return nil
	}))

	s, ok := bob.sj.Session(invite.InviteNumber)
	require.True(ok)
	require.Equal(Failed, s.State)
	require.Equal([]State{AwaitingSecret, Failed}, bob.seen)
}

func (s *side) sessionIDFor(invite *Invite, peer *side) string {
	return invite.InviteNumber + "/" + peer.addr
}
