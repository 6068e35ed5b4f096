// Package securejoin runs the four step out-of-band verification handshake. An inviter publishes an
// Invite; a joiner who scanned it proves knowledge of the auth code over an encrypted channel and
// both sides end up holding a verified key for the other.
//
//	joiner                            inviter
//	vc-request (invite number)   ->
//	                             <-   vc-auth-required (autocrypt key)
//	vc-request-with-auth         ->   (encrypted, auth code + fingerprint)
//	                             <-   vc-contact-confirm (encrypted)
//
// Sessions live in memory only and expire after a configured timeout.
package securejoin

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meow-io/go-chatmail/clock"
	"github.com/meow-io/go-chatmail/config"
	"github.com/meow-io/go-chatmail/crypto"
	"github.com/meow-io/go-chatmail/internal/db"
	"github.com/meow-io/go-chatmail/keyring"
	"go.uber.org/zap"
)

const (
	StepRequest         = "vc-request"
	StepAuthRequired    = "vc-auth-required"
	StepRequestWithAuth = "vc-request-with-auth"
	StepContactConfirm  = "vc-contact-confirm"
)

const (
	HeaderStep         = "Secure-Join"
	HeaderInviteNumber = "Secure-Join-Invitenumber"
	HeaderAuth         = "Secure-Join-Auth"
	HeaderFingerprint  = "Secure-Join-Fingerprint"
)

var (
	ErrProtocolViolation = errors.New("securejoin: protocol violation")
	ErrUnknownSession    = errors.New("securejoin: unknown session")
)

type Role int

const (
	Inviter Role = iota + 1
	Joiner
)

func (r Role) String() string {
	if r == Inviter {
		return "inviter"
	}
	return "joiner"
}

type State int

const (
	New State = iota
	AwaitingSecret
	Verified
	Done
	Expired
	Failed
)

func (s State) String() string {
	return [...]string{"new", "awaiting-secret", "verified", "done", "expired", "failed"}[s]
}

func (s State) Terminal() bool {
	return s == Done || s == Expired || s == Failed
}

type Session struct {
	ID        string
	Role      Role
	State     State
	Invite    Invite
	PeerAddr  string
	PeerKey   *crypto.PublicKey
	CreatedAt time.Time
	Err       error
}

// Incoming is a handshake message after it passed the gate.
type Incoming struct {
	Step         string
	From         string
	InviteNumber string
	Auth         string
	Fingerprint  string
	// Signer is set only when the message was encrypted and its signature checked.
	Signer    string
	SignerKey *crypto.PublicKey
	// AnnouncedKey is the Autocrypt key carried by the message, if any.
	AnnouncedKey *crypto.PublicKey
}

// Outgoing is a handshake message the caller must send. A nil Key means send in the clear.
type Outgoing struct {
	To     string
	Key    *crypto.PublicKey
	Header map[string]string
}

type Manager struct {
	log     *zap.SugaredLogger
	keys    *keyring.Keyring
	clock   clock.Clock
	timeout time.Duration
	notify  func(Session)

	lock     sync.Mutex
	invites  map[string]*Invite
	sessions map[string]*Session
}

func NewManager(c *config.Config, keys *keyring.Keyring, cl clock.Clock, notify func(Session)) *Manager {
	if notify == nil {
		notify = func(Session) {}
	}
	return &Manager{
		log:      c.Logger("securejoin"),
		keys:     keys,
		clock:    cl,
		timeout:  time.Duration(c.SecureJoinTimeoutMs) * time.Millisecond,
		notify:   notify,
		invites:  make(map[string]*Invite),
		sessions: make(map[string]*Session),
	}
}

// NewInvite creates an invite for the local identity.
func (m *Manager) NewInvite(name string) (*Invite, error) {
	self, err := m.keys.Self()
	if err != nil {
		return nil, err
	}
	i := &Invite{
		Fingerprint:  self.Fingerprint(),
		Addr:         m.keys.SelfAddr(),
		Name:         name,
		InviteNumber: uuid.NewString(),
		AuthCode:     uuid.NewString(),
	}
	m.lock.Lock()
	m.invites[i.InviteNumber] = i
	m.lock.Unlock()
	return i, nil
}

// Join starts a joiner session for invite and returns the first message to send.
func (m *Manager) Join(invite *Invite) (*Session, *Outgoing, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if s, ok := m.sessions[invite.InviteNumber]; ok && !s.State.Terminal() {
		return nil, nil, fmt.Errorf("%w: already joining %s", ErrProtocolViolation, invite.Addr)
	}
	s := &Session{
		ID:        invite.InviteNumber,
		Role:      Joiner,
		State:     New,
		Invite:    *invite,
		PeerAddr:  keyring.NormalizeAddr(invite.Addr),
		CreatedAt: m.clock.Now(),
	}
	m.sessions[s.ID] = s
	out := &Outgoing{
		To: s.PeerAddr,
		Header: map[string]string{
			HeaderStep:         StepRequest,
			HeaderInviteNumber: invite.InviteNumber,
		},
	}
	m.transition(s, AwaitingSecret, nil)
	return s.copy(), out, nil
}

// Cancel aborts a session at once.
func (m *Manager) Cancel(id string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrUnknownSession
	}
	m.expireLocked(s)
	if !s.State.Terminal() {
		m.transition(s, Failed, errors.New("securejoin: cancelled"))
	}
	return nil
}

func (m *Manager) Session(id string) (*Session, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	m.expireLocked(s)
	return s.copy(), true
}

// Expire moves stale sessions to Expired and forgets terminal sessions older than twice the timeout.
func (m *Manager) Expire() []Session {
	m.lock.Lock()
	defer m.lock.Unlock()
	var expired []Session
	for id, s := range m.sessions {
		if m.expireLocked(s) {
			expired = append(expired, *s)
		}
		if s.State.Terminal() && m.clock.Now().Sub(s.CreatedAt) > 2*m.timeout {
			delete(m.sessions, id)
		}
	}
	return expired
}

func (m *Manager) expireLocked(s *Session) bool {
	if s.State.Terminal() || m.clock.Now().Sub(s.CreatedAt) <= m.timeout {
		return false
	}
	m.transition(s, Expired, errors.New("securejoin: timed out"))
	return true
}

// Handle advances the session a handshake message belongs to. Any message that does not fit the
// session's current state fails the session. The new state becomes visible once tx commits.
func (m *Manager) Handle(tx *db.Tx, in *Incoming) (*Session, []*Outgoing, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	var st *staged
	var outs []*Outgoing
	var err error
	switch in.Step {
	case StepRequest, StepRequestWithAuth:
		st, outs, err = m.handleInviter(tx, in)
	case StepAuthRequired, StepContactConfirm:
		st, outs, err = m.handleJoiner(tx, in)
	default:
		return nil, nil, fmt.Errorf("%w: unknown step %q", ErrProtocolViolation, in.Step)
	}
	if st == nil {
		return nil, outs, err
	}
	if len(st.notes) > 0 {
		tx.AfterCommit(func() { m.apply(st) })
	}
	return st.s.copy(), outs, err
}

func (m *Manager) handleInviter(tx *db.Tx, in *Incoming) (*staged, []*Outgoing, error) {
	invite, ok := m.invites[in.InviteNumber]
	if !ok {
		return nil, nil, fmt.Errorf("%w: unknown invite number", ErrProtocolViolation)
	}
	from := keyring.NormalizeAddr(in.From)
	id := in.InviteNumber + "/" + from
	s, exists := m.sessions[id]
	if exists {
		m.expireLocked(s)
		if s.State.Terminal() {
			return stage(s), nil, fmt.Errorf("%w: session already %s", ErrProtocolViolation, s.State)
		}
	}

	switch in.Step {
	case StepRequest:
		if exists {
			return m.fail(stage(s), "replayed %s", in.Step)
		}
		st := &staged{s: &Session{ID: id, Role: Inviter, State: New, Invite: *invite, PeerAddr: from, CreatedAt: m.clock.Now()}}
		st.notes = append(st.notes, *st.s)
		m.step(st, AwaitingSecret, nil)
		return st, []*Outgoing{{
			To: from,
			Header: map[string]string{
				HeaderStep:         StepAuthRequired,
				HeaderInviteNumber: invite.InviteNumber,
			},
		}}, nil

	default: // StepRequestWithAuth
		if !exists {
			return nil, nil, fmt.Errorf("%w: %s without request", ErrProtocolViolation, in.Step)
		}
		st := stage(s)
		if s.State != AwaitingSecret {
			return m.fail(st, "%s in state %s", in.Step, s.State)
		}
		if in.Signer == "" || in.SignerKey == nil {
			return m.fail(st, "%s was not encrypted and signed", in.Step)
		}
		if !equal(in.Fingerprint, in.Signer) {
			return m.fail(st, "fingerprint does not match signer")
		}
		if !equal(in.Auth, invite.AuthCode) {
			return m.fail(st, "auth code mismatch")
		}
		if err := m.keys.MarkVerified(tx, in.SignerKey, from); err != nil {
			return nil, nil, err
		}
		st.s.PeerKey = in.SignerKey
		m.step(st, Verified, nil)
		out := &Outgoing{
			To:  from,
			Key: in.SignerKey,
			Header: map[string]string{
				HeaderStep:         StepContactConfirm,
				HeaderInviteNumber: invite.InviteNumber,
				HeaderFingerprint:  in.Signer,
			},
		}
		m.step(st, Done, nil)
		return st, []*Outgoing{out}, nil
	}
}

func (m *Manager) handleJoiner(tx *db.Tx, in *Incoming) (*staged, []*Outgoing, error) {
	s, ok := m.sessions[in.InviteNumber]
	if !ok || s.Role != Joiner {
		return nil, nil, fmt.Errorf("%w: no joiner session for %s", ErrProtocolViolation, in.Step)
	}
	m.expireLocked(s)
	st := stage(s)
	if s.State.Terminal() {
		return st, nil, fmt.Errorf("%w: session already %s", ErrProtocolViolation, s.State)
	}
	if keyring.NormalizeAddr(in.From) != s.PeerAddr {
		return m.fail(st, "%s from unexpected sender", in.Step)
	}

	switch in.Step {
	case StepAuthRequired:
		if s.State != AwaitingSecret {
			return m.fail(st, "%s in state %s", in.Step, s.State)
		}
		key := in.AnnouncedKey
		if key == nil {
			key = in.SignerKey
		}
		if key == nil || !equal(key.Fingerprint(), s.Invite.Fingerprint) {
			return m.fail(st, "inviter key does not match invite fingerprint")
		}
		self, err := m.keys.Self()
		if err != nil {
			return nil, nil, err
		}
		st.s.PeerKey = key
		m.step(st, Verified, nil)
		return st, []*Outgoing{{
			To:  s.PeerAddr,
			Key: key,
			Header: map[string]string{
				HeaderStep:         StepRequestWithAuth,
				HeaderInviteNumber: s.Invite.InviteNumber,
				HeaderAuth:         s.Invite.AuthCode,
				HeaderFingerprint:  self.Fingerprint(),
			},
		}}, nil

	default: // StepContactConfirm
		if s.State != Verified {
			return m.fail(st, "%s in state %s", in.Step, s.State)
		}
		if in.Signer == "" || !equal(in.Signer, s.Invite.Fingerprint) {
			return m.fail(st, "confirmation not signed by inviter")
		}
		self, err := m.keys.Self()
		if err != nil {
			return nil, nil, err
		}
		if !equal(in.Fingerprint, self.Fingerprint()) {
			return m.fail(st, "confirmation names another fingerprint")
		}
		if err := m.keys.MarkVerified(tx, s.PeerKey, s.PeerAddr); err != nil {
			return nil, nil, err
		}
		m.step(st, Done, nil)
		return st, nil, nil
	}
}

// staged is a session's progress inside a transaction. base is the stored session it started from,
// nil for a new one.
type staged struct {
	base  *Session
	s     *Session
	notes []Session
}

func stage(s *Session) *staged {
	return &staged{base: s, s: s.copy()}
}

// apply stores staged progress and reports it. A session that was cancelled or expired in the
// meantime keeps its terminal state.
func (m *Manager) apply(st *staged) {
	m.lock.Lock()
	cur, ok := m.sessions[st.s.ID]
	if ok && (cur != st.base || cur.State.Terminal()) {
		m.lock.Unlock()
		m.log.Debugf("%s session %s changed before commit, dropping %s", st.s.Role, st.s.ID, st.s.State)
		return
	}
	m.sessions[st.s.ID] = st.s
	m.lock.Unlock()
	for _, s := range st.notes {
		m.notify(s)
	}
}

func (m *Manager) fail(st *staged, format string, args ...interface{}) (*staged, []*Outgoing, error) {
	err := fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
	m.step(st, Failed, err)
	return st, nil, err
}

func (m *Manager) step(st *staged, to State, err error) {
	m.move(st.s, to, err)
	st.notes = append(st.notes, *st.s)
}

func (m *Manager) transition(s *Session, to State, err error) {
	m.move(s, to, err)
	m.notify(*s)
}

func (m *Manager) move(s *Session, to State, err error) {
	m.log.Debugf("%s session %s: %s -> %s", s.Role, s.ID, s.State, to)
	if err != nil {
		m.log.Warnf("%s session %s failed: %v", s.Role, s.ID, err)
	}
	s.State = to
	s.Err = err
}

func (s *Session) copy() *Session {
	cp := *s
	return &cp
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
