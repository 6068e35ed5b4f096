package resolver

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/go-chatmail/events"
	"github.com/meow-io/go-chatmail/internal/db"
)

type Kind int

const (
	Single       Kind = 100
	Group        Kind = 120
	Mailinglist  Kind = 140
	OutBroadcast Kind = 160
	InBroadcast  Kind = 165
)

func (k Kind) String() string {
	switch k {
	case Single:
		return "single"
	case Group:
		return "group"
	case Mailinglist:
		return "mailinglist"
	case OutBroadcast:
		return "out-broadcast"
	case InBroadcast:
		return "in-broadcast"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type Chat struct {
	ID                 int64  `db:"id"`
	Kind               Kind   `db:"kind"`
	Name               string `db:"name"`
	Key                string `db:"resolution_key"`
	GroupID            string `db:"group_id"`
	Protected          bool   `db:"protected"`
	EncryptionRequired bool   `db:"encryption_required"`
	MembershipStale    bool   `db:"membership_stale"`
	CreatedAt          int64  `db:"created_at"`
	LastActivity       int64  `db:"last_activity"`
}

const chatColumns = "id, kind, name, resolution_key, group_id, protected, encryption_required, membership_stale, created_at, last_activity"

type newChat struct {
	kind      Kind
	key       string
	name      string
	groupID   string
	protected bool
	members   []int64
}

// ensureChat looks the chat up by its resolution key and creates it when absent. The caller holds
// the key lock for key.
func (r *Resolver) ensureChat(tx *db.Tx, nc *newChat) (*Chat, bool, error) {
	c, err := r.ChatByKey(tx, nc.key)
	if err == nil {
		return c, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	now := r.clock.CurrentTimeMs()
	if _, err := tx.Exec(`
	INSERT INTO _chats (kind, name, resolution_key, group_id, protected, encryption_required, membership_stale, created_at, last_activity)
	VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
	ON CONFLICT (resolution_key) DO NOTHING`,
		nc.kind, nc.name, nc.key, nc.groupID, nc.protected, nc.protected, now, now); err != nil {
		return nil, false, fmt.Errorf("resolver: error creating chat %s: %w", nc.key, err)
	}
	c, err = r.ChatByKey(tx, nc.key)
	if err != nil {
		return nil, false, err
	}
	for _, m := range nc.members {
		if err := r.insertMember(tx, c.ID, m); err != nil {
			return nil, false, err
		}
	}
	r.log.Debugf("created %s chat %d for %s", c.Kind, c.ID, c.Key)
	tx.AfterCommit(r.chatModified(c.ID))
	return c, true, nil
}

func (r *Resolver) Chat(tx *db.Tx, id int64) (*Chat, error) {
	c := &Chat{}
	err := tx.Get(c, "SELECT "+chatColumns+" FROM _chats WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: chat %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("resolver: error reading chat %d: %w", id, err)
	}
	return c, nil
}

func (r *Resolver) ChatByKey(tx *db.Tx, key string) (*Chat, error) {
	c := &Chat{}
	err := tx.Get(c, "SELECT "+chatColumns+" FROM _chats WHERE resolution_key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: chat %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("resolver: error reading chat %s: %w", key, err)
	}
	return c, nil
}

func (r *Resolver) ChatByGroupID(tx *db.Tx, groupID string) (*Chat, error) {
	return r.ChatByKey(tx, groupKeyPrefix+groupID)
}

// Chats lists all chats, most recently active first.
func (r *Resolver) Chats(tx *db.Tx) ([]*Chat, error) {
	var cs []*Chat
	if err := tx.Select(&cs, "SELECT "+chatColumns+" FROM _chats ORDER BY last_activity DESC, id DESC"); err != nil {
		return nil, fmt.Errorf("resolver: error listing chats: %w", err)
	}
	return cs, nil
}

// Members returns the chat's members in the order they joined.
func (r *Resolver) Members(tx *db.Tx, chatID int64) ([]*Contact, error) {
	var cs []*Contact
	if err := tx.Select(&cs, `
	SELECT c.id, c.identity_key, c.addr, c.fingerprint, c.name, c.blocked, c.created_at
	FROM _chat_members m JOIN _contacts c ON c.id = m.contact_id
	WHERE m.chat_id = ? ORDER BY m.position, c.id`, chatID); err != nil {
		return nil, fmt.Errorf("resolver: error listing members of %d: %w", chatID, err)
	}
	for _, c := range cs {
		r.fill(c)
	}
	return cs, nil
}

// AddMember adds contactID to the chat. Adding a contact that is not verified to a protected chat
// removes the protection.
func (r *Resolver) AddMember(tx *db.Tx, chatID, contactID int64) error {
	chat, err := r.Chat(tx, chatID)
	if err != nil {
		return err
	}
	contact, err := r.Contact(tx, contactID)
	if err != nil {
		return err
	}
	if chat.Protected && contactID != SelfContactID && !contact.Verified {
		if err := r.Downgrade(tx, chatID, fmt.Sprintf("unverified member %s added", contact.Addr)); err != nil {
			return err
		}
	}
	if err := r.insertMember(tx, chatID, contactID); err != nil {
		return err
	}
	tx.AfterCommit(r.chatModified(chatID))
	return nil
}

func (r *Resolver) RemoveMember(tx *db.Tx, chatID, contactID int64) error {
	if _, err := tx.Exec("DELETE FROM _chat_members WHERE chat_id = ? AND contact_id = ?", chatID, contactID); err != nil {
		return fmt.Errorf("resolver: error removing member: %w", err)
	}
	tx.AfterCommit(r.chatModified(chatID))
	return nil
}

// SetMembers replaces the member set. Existing members keep their position.
func (r *Resolver) SetMembers(tx *db.Tx, chatID int64, contactIDs []int64) error {
	current, err := r.Members(tx, chatID)
	if err != nil {
		return err
	}
	want := make(map[int64]bool, len(contactIDs))
	for _, id := range contactIDs {
		want[id] = true
	}
	have := make(map[int64]bool, len(current))
	changed := false
	for _, c := range current {
		have[c.ID] = true
		if !want[c.ID] {
			changed = true
			if _, err := tx.Exec("DELETE FROM _chat_members WHERE chat_id = ? AND contact_id = ?", chatID, c.ID); err != nil {
				return fmt.Errorf("resolver: error removing member: %w", err)
			}
		}
	}
	for _, id := range contactIDs {
		if have[id] {
			continue
		}
		changed = true
		if err := r.AddMember(tx, chatID, id); err != nil {
			return err
		}
	}
	if changed {
		tx.AfterCommit(r.chatModified(chatID))
	}
	return nil
}

func (r *Resolver) IsMember(tx *db.Tx, chatID, contactID int64) (bool, error) {
	var n int
	if err := tx.Get(&n, "SELECT COUNT(*) FROM _chat_members WHERE chat_id = ? AND contact_id = ?", chatID, contactID); err != nil {
		return false, fmt.Errorf("resolver: error checking membership: %w", err)
	}
	return n > 0, nil
}

func (r *Resolver) insertMember(tx *db.Tx, chatID, contactID int64) error {
	if _, err := tx.Exec(`
	INSERT INTO _chat_members (chat_id, contact_id, position)
	VALUES (?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM _chat_members WHERE chat_id = ?))
	ON CONFLICT (chat_id, contact_id) DO NOTHING`, chatID, contactID, chatID); err != nil {
		return fmt.Errorf("resolver: error adding member: %w", err)
	}
	return nil
}

func (r *Resolver) SetName(tx *db.Tx, chatID int64, name string) error {
	res, err := tx.Exec("UPDATE _chats SET name = ? WHERE id = ? AND name != ?", name, chatID, name)
	if err != nil {
		return fmt.Errorf("resolver: error renaming chat %d: %w", chatID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		tx.AfterCommit(r.chatModified(chatID))
	}
	return nil
}

func (r *Resolver) SetMembershipStale(tx *db.Tx, chatID int64, stale bool) error {
	if _, err := tx.Exec("UPDATE _chats SET membership_stale = ? WHERE id = ?", stale, chatID); err != nil {
		return fmt.Errorf("resolver: error flagging chat %d: %w", chatID, err)
	}
	return nil
}

// Touch records activity in the chat at ts, used for chat list ordering.
func (r *Resolver) Touch(tx *db.Tx, chatID int64, ts int64) error {
	if _, err := tx.Exec("UPDATE _chats SET last_activity = MAX(last_activity, ?) WHERE id = ?", ts, chatID); err != nil {
		return fmt.Errorf("resolver: error touching chat %d: %w", chatID, err)
	}
	return nil
}

// Protect marks a one to one chat as protected. Only a completed verification may call it.
func (r *Resolver) Protect(tx *db.Tx, chatID int64) error {
	res, err := tx.Exec("UPDATE _chats SET protected = 1, encryption_required = 1 WHERE id = ? AND kind = ? AND protected = 0", chatID, Single)
	if err != nil {
		return fmt.Errorf("resolver: error protecting chat %d: %w", chatID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		tx.AfterCommit(r.chatModified(chatID))
	}
	return nil
}

// Downgrade clears protection. It is a no-op for chats that are not protected.
func (r *Resolver) Downgrade(tx *db.Tx, chatID int64, reason string) error {
	res, err := tx.Exec("UPDATE _chats SET protected = 0 WHERE id = ? AND protected = 1", chatID)
	if err != nil {
		return fmt.Errorf("resolver: error downgrading chat %d: %w", chatID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		r.log.Infof("chat %d is no longer protected: %s", chatID, reason)
		tx.AfterCommit(func() {
			r.sink.Emit(events.Event{Kind: events.ChatModified, ChatID: chatID, Text: reason})
		})
	}
	return nil
}
