package chatmail

import (
	"errors"
	"fmt"
	"strings"

	"github.com/meow-io/go-chatmail/dedup"
	"github.com/meow-io/go-chatmail/envelope"
	"github.com/meow-io/go-chatmail/events"
	"github.com/meow-io/go-chatmail/gate"
	"github.com/meow-io/go-chatmail/internal/db"
	"github.com/meow-io/go-chatmail/keyring"
	"github.com/meow-io/go-chatmail/membership"
	"github.com/meow-io/go-chatmail/messages"
	"github.com/meow-io/go-chatmail/metrics"
	"github.com/meow-io/go-chatmail/resolver"
	"github.com/meow-io/go-chatmail/securejoin"
	"github.com/meow-io/go-chatmail/transport"
)

// Outcomes of ingesting one envelope, used as the metrics result label.
const (
	outcomeStored     = "stored"
	outcomeDuplicate  = "duplicate"
	outcomeMalformed  = "malformed"
	outcomeControl    = "control"
	outcomeSecureJoin = "securejoin"
	outcomeError      = "error"
)

// ingest normalizes and opens in, then stores what it means in one transaction. The key locks for
// the logical id and the chat are taken, in that order, before the transaction opens.
func (a *Account) ingest(in *transport.Inbound) error {
	env := a.normalizer.Normalize(in.Transport, in.TransportID, in.Raw)
	res := a.gate.Process(env)
	env = res.Envelope

	logicalID := dedup.LogicalID(env)
	chatKey := a.resolver.Key(res)
	unlock := a.locks.Lock(logicalID, chatKey)
	defer unlock()

	outcome := outcomeStored
	var done *securejoin.Session
	err := a.run(fmt.Sprintf("ingest %s %s", in.Transport, in.TransportID), func(tx *db.Tx) error {
		outcome = outcomeStored
		done = nil
		if err := a.keys.ApplyUpdate(tx, res.KeyUpdate); err != nil {
			return err
		}
		d, err := a.dedup.Resolve(tx, env)
		if err != nil {
			return err
		}
		if !d.IsNew {
			outcome = outcomeDuplicate
			if env.Malformed {
				return nil
			}
			if err := a.messages.MergeDuplicate(tx, d.LogicalID, env.Recipients()); err != nil && !errors.Is(err, messages.ErrNotFound) {
				return err
			}
			return nil
		}
		for _, l := range d.Relinked {
			if err := a.messages.SetParent(tx, l.LogicalID, l.ParentLogicalID); err != nil {
				return err
			}
		}

		if env.Malformed {
			outcome = outcomeMalformed
			tx.AfterCommit(func() {
				a.emitter.Emit(events.Event{Kind: events.Warning, Text: fmt.Sprintf("unreadable %s message %s: %v", in.Transport, in.TransportID, env.Err)})
			})
			return a.store(tx, res, d, chatKey)
		}
		if step := env.Header.Get(securejoin.HeaderStep); step != "" {
			outcome = outcomeSecureJoin
			done, err = a.handleSecureJoin(tx, res, step)
			return err
		}

		if !isControl(env) {
			if err := a.store(tx, res, d, chatKey); err != nil {
				return err
			}
		} else {
			outcome = outcomeControl
		}
		if err := a.applyMembership(tx, env); err != nil {
			return err
		}
		return a.applyDispositions(tx, env)
	})
	if err != nil {
		metrics.Ingested(in.Transport.String(), outcomeError)
		a.log.Warnf("error ingesting %s %s: %v", in.Transport, in.TransportID, err)
		return err
	}
	metrics.Ingested(in.Transport.String(), outcome)
	a.log.Debugf("ingested %s %s as %s (%s)", in.Transport, in.TransportID, logicalID, outcome)

	if done != nil {
		if err := a.completeSecureJoin(done); err != nil {
			a.log.Warnf("error protecting chat with %s: %v", done.PeerAddr, err)
			a.emitter.Emit(events.Event{Kind: events.Error, Text: err.Error()})
		}
	}
	return nil
}

// isControl reports whether env carries only protocol parts and nothing to show.
func isControl(env *envelope.Envelope) bool {
	if strings.TrimSpace(env.Text()) != "" {
		return false
	}
	control := false
	for _, p := range env.Parts {
		switch p.ContentType {
		case envelope.MembershipContentType, envelope.DispositionContentType:
			control = true
		case "text/plain", "text/html":
		default:
			return false
		}
	}
	return control
}

func (a *Account) store(tx *db.Tx, res *gate.Result, d *dedup.Resolution, chatKey string) error {
	env := res.Envelope
	r, err := a.resolver.ResolveChat(tx, res, chatKey)
	if err != nil {
		return err
	}
	now := a.clock.Now()
	m := &messages.Message{
		LogicalID:     d.LogicalID,
		ChatID:        r.Chat.ID,
		FromContactID: r.Sender.ID,
		Parent:        d.ParentLogicalID,
		Incoming:      r.Sender.ID != resolver.SelfContactID,
		State:         messages.InFresh,
		Encryption:    res.State,
		Subject:       env.Subject(),
		Text:          strings.TrimRight(env.Text(), "\r\n"),
		Recipients:    messages.JoinRecipients(env.Recipients()),
		SentAt:        messages.ClampSent(env.SentAt(), now).UnixMilli(),
		ReceivedAt:    env.ReceivedAt.UnixMilli(),
		Hidden:        r.Sender.Blocked == resolver.BlockedYes,
	}
	if !m.Incoming {
		m.State = messages.OutSent
	}
	if env.Malformed {
		m.Error = env.Err.Error()
	}
	if res.CryptoErr != nil {
		m.Error = res.CryptoErr.Error()
		tx.AfterCommit(func() {
			a.emitter.Emit(events.Event{Kind: events.Warning, ChatID: r.Chat.ID, Text: fmt.Sprintf("could not decrypt %s: %v", d.LogicalID, res.CryptoErr)})
		})
	}
	if _, err := a.messages.Insert(tx, m, env.Parts); err != nil {
		return err
	}
	if m.Hidden {
		return nil
	}
	return a.resolver.Touch(tx, r.Chat.ID, m.SentAt)
}

func (a *Account) applyMembership(tx *db.Tx, env *envelope.Envelope) error {
	for _, p := range env.PartsOfType(envelope.MembershipContentType) {
		evs, err := membership.Decode(p.Data)
		if err != nil {
			a.log.Warnf("ignoring membership part of %s: %v", env.TransportID, err)
			metrics.Membership("invalid")
			continue
		}
		for _, ev := range evs {
			if _, err := a.membership.Apply(tx, ev); err != nil {
				if db.IsConflict(err) {
					return err
				}
				a.log.Warnf("ignoring membership event from %s: %v", env.FromAddr(), err)
			}
		}
	}
	return nil
}

func (a *Account) applyDispositions(tx *db.Tx, env *envelope.Envelope) error {
	for _, p := range env.PartsOfType(envelope.DispositionContentType) {
		disp, err := messages.ParseDisposition(p.Data)
		if err != nil {
			a.log.Debugf("ignoring disposition in %s: %v", env.TransportID, err)
			continue
		}
		id, ok := dedup.CanonicalMessageID(disp.OriginalMessageID)
		if !ok {
			continue
		}
		if disp.Read {
			_, err = a.messages.MarkRead(tx, id)
		} else {
			_, err = a.messages.MarkDelivered(tx, id)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// handleSecureJoin advances the handshake a message belongs to and queues the replies. Protocol
// violations fail the session but still commit, so the message is not processed again.
func (a *Account) handleSecureJoin(tx *db.Tx, res *gate.Result, step string) (*securejoin.Session, error) {
	env := res.Envelope
	in := &securejoin.Incoming{
		Step:         step,
		From:         env.FromAddr(),
		InviteNumber: env.Header.Get(securejoin.HeaderInviteNumber),
		Auth:         env.Header.Get(securejoin.HeaderAuth),
		Fingerprint:  env.Header.Get(securejoin.HeaderFingerprint),
	}
	if res.State != gate.Plaintext && res.CryptoErr == nil {
		in.Signer = res.Signer
		in.SignerKey = res.SignerKey
	}
	if res.KeyUpdate != nil {
		key := res.KeyUpdate.Key
		in.AnnouncedKey = &key
	}

	s, outs, err := a.securejoin.Handle(tx, in)
	if err != nil {
		if errors.Is(err, securejoin.ErrProtocolViolation) {
			a.log.Warnf("securejoin %s from %s rejected: %v", step, in.From, err)
			return nil, nil
		}
		return nil, err
	}
	for _, out := range outs {
		if err := a.sendHandshake(tx, out); err != nil {
			return nil, err
		}
	}
	if s != nil && s.State == securejoin.Done {
		return s, nil
	}
	return nil, nil
}

// completeSecureJoin protects the one to one chat with a peer that was just verified. It runs
// after the handshake committed, once the keyring knows the peer as verified.
func (a *Account) completeSecureJoin(s *securejoin.Session) error {
	if s.PeerKey == nil {
		return nil
	}
	id := resolver.KeyIdentity{Fingerprint: s.PeerKey.Fingerprint(), Addr: keyring.NormalizeAddr(s.PeerAddr), Verified: true}
	chatKey := resolver.SingleChatKey(&resolver.Contact{Fingerprint: id.Fingerprint, Addr: id.Addr})
	name := ""
	if s.Role == securejoin.Joiner {
		name = s.Invite.Name
	}
	unlock := a.locks.Lock(chatKey)
	defer unlock()
	return a.run("complete securejoin", func(tx *db.Tx) error {
		c, err := a.resolver.EnsureContact(tx, id, name)
		if err != nil {
			return err
		}
		chat, err := a.resolver.EnsureSingleChat(tx, c.ID, true)
		if err != nil {
			return err
		}
		if !chat.Protected {
			if err := a.resolver.Protect(tx, chat.ID); err != nil {
				return err
			}
		}
		a.log.Infof("verified %s (%s), chat %d", c.Addr, c.Fingerprint, chat.ID)
		return nil
	})
}

type membershipHook struct {
	a *Account
}

// MembershipChanged mirrors the folded member list and name onto the group chat, creating the
// chat on first sight of the group.
func (h *membershipHook) MembershipChanged(tx *db.Tx, groupID string, members []string, name string) error {
	a := h.a
	ids := make([]int64, 0, len(members))
	for _, addr := range members {
		c, err := a.contactForAddr(tx, addr)
		if err != nil {
			return err
		}
		ids = append(ids, c.ID)
	}

	chat, err := a.resolver.ChatByGroupID(tx, groupID)
	if errors.Is(err, resolver.ErrNotFound) {
		others := make([]int64, 0, len(ids))
		for _, id := range ids {
			if id != resolver.SelfContactID {
				others = append(others, id)
			}
		}
		if name == "" {
			name = "Group"
		}
		chat, err := a.resolver.CreateGroup(tx, groupID, name, others, false)
		if err != nil {
			return err
		}
		stale, err := a.membership.Stale(tx, groupID)
		if err != nil || !stale {
			return err
		}
		return a.resolver.SetMembershipStale(tx, chat.ID, true)
	}
	if err != nil {
		return err
	}
	if err := a.resolver.SetMembers(tx, chat.ID, ids); err != nil {
		return err
	}
	if name != "" {
		return a.resolver.SetName(tx, chat.ID, name)
	}
	return nil
}

func (h *membershipHook) MembershipStale(tx *db.Tx, groupID string, stale bool) error {
	chat, err := h.a.resolver.ChatByGroupID(tx, groupID)
	if errors.Is(err, resolver.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return h.a.resolver.SetMembershipStale(tx, chat.ID, stale)
}

// contactForAddr prefers a key contact already known for addr over a bare address.
func (a *Account) contactForAddr(tx *db.Tx, addr string) (*resolver.Contact, error) {
	cs, err := a.resolver.ContactsForAddr(tx, addr)
	if err != nil {
		return nil, err
	}
	for _, c := range cs {
		if c.Verified {
			return c, nil
		}
	}
	if len(cs) != 0 {
		return cs[0], nil
	}
	return a.resolver.EnsureContact(tx, resolver.AddressIdentity{Addr: addr}, "")
}
