package chatmail

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/meow-io/go-chatmail/envelope"
	"github.com/meow-io/go-chatmail/gate"
	"github.com/meow-io/go-chatmail/internal/db"
	"github.com/meow-io/go-chatmail/membership"
	"github.com/meow-io/go-chatmail/messages"
	"github.com/meow-io/go-chatmail/resolver"
	"github.com/meow-io/go-chatmail/securejoin"
)

var (
	// ErrCannotSend is returned for chats the local user cannot write to.
	ErrCannotSend = errors.New("chatmail: cannot send to this chat")
	// ErrNotGroup is returned for membership changes on chats that are not groups with an id.
	ErrNotGroup = errors.New("chatmail: not a group chat")
)

// SendText sends text to chatID and returns the stored message. The message is pending until a
// transport accepts it.
func (a *Account) SendText(chatID int64, text string) (*messages.Message, error) {
	chat, err := a.Chat(chatID)
	if err != nil {
		return nil, err
	}
	if chat.Kind == resolver.Mailinglist || chat.Kind == resolver.InBroadcast || chat.Key == resolver.DeviceChatKey {
		return nil, fmt.Errorf("%w: %s chat %d", ErrCannotSend, chat.Kind, chatID)
	}

	id := a.newMessageID()
	unlock := a.locks.Lock(id, chat.Key)
	defer unlock()

	var m *messages.Message
	err = a.run("send text", func(tx *db.Tx) error {
		chat, err := a.resolver.Chat(tx, chatID)
		if err != nil {
			return err
		}
		members, err := a.resolver.Members(tx, chatID)
		if err != nil {
			return err
		}
		members = others(members)
		keys, err := a.sealFor(chat, members)
		if err != nil {
			return err
		}

		parent := ""
		history, err := a.messages.ChatMessages(tx, chatID)
		if err != nil {
			return err
		}
		if len(history) != 0 {
			parent = history[len(history)-1].LogicalID
		}

		d := &draft{id: id, subject: chat.Name, parent: parent, text: text, header: map[string]string{}}
		switch chat.Kind {
		case resolver.Group:
			if chat.GroupID != "" {
				d.header[envelope.HeaderGroupID] = chat.GroupID
				d.header[envelope.HeaderGroupName] = chat.Name
			}
		case resolver.OutBroadcast:
			d.header[envelope.HeaderBroadcastID] = chat.GroupID
			d.header[envelope.HeaderGroupName] = chat.Name
		default:
			d.subject = "Chat message"
		}
		for _, c := range members {
			d.to = append(d.to, c.Addr)
		}

		now := a.clock.Now().UnixMilli()
		m = &messages.Message{
			LogicalID:     id,
			ChatID:        chatID,
			FromContactID: resolver.SelfContactID,
			Parent:        parent,
			State:         messages.OutPending,
			Encryption:    gate.Plaintext,
			Subject:       d.subject,
			Text:          text,
			Recipients:    messages.JoinRecipients(d.to),
			SentAt:        now,
			ReceivedAt:    now,
		}
		if len(keys) != 0 {
			m.Encryption = gate.EncryptedUnverified
			if chat.Protected {
				m.Encryption = gate.EncryptedVerified
			}
		}
		if len(members) == 0 {
			m.State = messages.OutSent
		}

		if err := a.dedup.Record(tx, id, parent); err != nil {
			return err
		}
		if m, err = a.messages.Insert(tx, m, []envelope.Part{{ContentType: "text/plain", Data: []byte(text), Size: int64(len(text))}}); err != nil {
			return err
		}
		if err := a.resolver.Touch(tx, chatID, now); err != nil {
			return err
		}
		if len(members) == 0 {
			return nil
		}

		payload, err := a.render(d, keys)
		if err != nil {
			return err
		}
		sends, err := a.sends(members, gossipTopic(chat), payload)
		if err != nil {
			return err
		}
		return a.scheduler.Enqueue(tx, id, sends)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// RetryMessage puts a failed outgoing message back into the delivery queue.
func (a *Account) RetryMessage(msgID int64) error {
	return a.run("retry message", func(tx *db.Tx) error {
		m, err := a.messages.Message(tx, msgID)
		if err != nil {
			return err
		}
		return a.scheduler.Retry(tx, m.LogicalID)
	})
}

// CreateChatByAddress returns the one to one chat with addr, creating the contact and chat as
// needed. A verified key contact for addr is preferred.
func (a *Account) CreateChatByAddress(addr, name string) (*resolver.Chat, error) {
	var c *resolver.Contact
	if err := a.run("ensure contact", func(tx *db.Tx) error {
		var err error
		if c, err = a.contactForAddr(tx, addr); err != nil {
			return err
		}
		if name != "" && c.Name == "" {
			c, err = a.resolver.EnsureContact(tx, c.Identity(), name)
		}
		return err
	}); err != nil {
		return nil, err
	}

	unlock := a.locks.Lock(resolver.SingleChatKey(c))
	defer unlock()
	var chat *resolver.Chat
	err := a.run("create chat", func(tx *db.Tx) error {
		var err error
		chat, err = a.resolver.EnsureSingleChat(tx, c.ID, false)
		return err
	})
	return chat, err
}

// CreateGroup creates a group owned by the local user and announces it to memberIDs. A protected
// group only accepts verified members.
func (a *Account) CreateGroup(name string, memberIDs []int64, protected bool) (*resolver.Chat, error) {
	groupID := uuid.NewString()
	unlock := a.locks.Lock(resolver.GroupKey(groupID))
	defer unlock()

	self := a.keys.SelfAddr()
	var chat *resolver.Chat
	err := a.run("create group", func(tx *db.Tx) error {
		var err error
		if chat, err = a.resolver.CreateGroup(tx, groupID, name, memberIDs, protected); err != nil {
			return err
		}
		if _, err := a.membership.NewEvent(tx, groupID, self, membership.Add, self, ""); err != nil {
			return err
		}
		for _, id := range memberIDs {
			c, err := a.resolver.Contact(tx, id)
			if err != nil {
				return err
			}
			if _, err := a.membership.NewEvent(tx, groupID, self, membership.Add, c.Addr, ""); err != nil {
				return err
			}
		}
		if _, err := a.membership.NewEvent(tx, groupID, self, membership.Rename, "", name); err != nil {
			return err
		}
		return a.announce(tx, chat.ID, nil)
	})
	if err != nil {
		return nil, err
	}
	return chat, nil
}

// AddMember adds contactID to a group and sends the group's history to everyone.
func (a *Account) AddMember(chatID, contactID int64) error {
	return a.editGroup(chatID, "add member", func(tx *db.Tx, chat *resolver.Chat) ([]*resolver.Contact, error) {
		c, err := a.resolver.Contact(tx, contactID)
		if err != nil {
			return nil, err
		}
		if chat.Protected && !c.Verified {
			return nil, fmt.Errorf("%w: %s", resolver.ErrNotVerified, c.Addr)
		}
		_, err = a.membership.NewEvent(tx, chat.GroupID, a.keys.SelfAddr(), membership.Add, c.Addr, "")
		return nil, err
	})
}

// RemoveMember removes contactID from a group. The removed member is told as well.
func (a *Account) RemoveMember(chatID, contactID int64) error {
	return a.editGroup(chatID, "remove member", func(tx *db.Tx, chat *resolver.Chat) ([]*resolver.Contact, error) {
		c, err := a.resolver.Contact(tx, contactID)
		if err != nil {
			return nil, err
		}
		_, err = a.membership.NewEvent(tx, chat.GroupID, a.keys.SelfAddr(), membership.Remove, c.Addr, "")
		return []*resolver.Contact{c}, err
	})
}

func (a *Account) RenameGroup(chatID int64, name string) error {
	return a.editGroup(chatID, "rename group", func(tx *db.Tx, chat *resolver.Chat) ([]*resolver.Contact, error) {
		_, err := a.membership.NewEvent(tx, chat.GroupID, a.keys.SelfAddr(), membership.Rename, "", name)
		return nil, err
	})
}

// editGroup applies one local membership change under the group's key lock and announces the
// result. f returns contacts that must hear about the change without being members afterwards.
func (a *Account) editGroup(chatID int64, label string, f func(tx *db.Tx, chat *resolver.Chat) ([]*resolver.Contact, error)) error {
	chat, err := a.Chat(chatID)
	if err != nil {
		return err
	}
	if chat.Kind != resolver.Group || chat.GroupID == "" {
		return fmt.Errorf("%w: %d", ErrNotGroup, chatID)
	}
	unlock := a.locks.Lock(chat.Key)
	defer unlock()
	return a.run(label, func(tx *db.Tx) error {
		chat, err := a.resolver.Chat(tx, chatID)
		if err != nil {
			return err
		}
		extra, err := f(tx, chat)
		if err != nil {
			return err
		}
		return a.announce(tx, chatID, extra)
	})
}

// announce sends the full membership history of a group to its members and extra.
func (a *Account) announce(tx *db.Tx, chatID int64, extra []*resolver.Contact) error {
	chat, err := a.resolver.Chat(tx, chatID)
	if err != nil {
		return err
	}
	evs, err := a.membership.History(tx, chat.GroupID)
	if err != nil {
		return err
	}
	members, err := a.resolver.Members(tx, chatID)
	if err != nil {
		return err
	}
	return a.sendMembership(tx, chat, evs, append(members, extra...))
}

func (a *Account) Chats() ([]*resolver.Chat, error) {
	var cs []*resolver.Chat
	err := a.DB.RunReadOnly("chats", func(tx *db.Tx) error {
		var err error
		cs, err = a.resolver.Chats(tx)
		return err
	})
	return cs, err
}

func (a *Account) Chat(chatID int64) (*resolver.Chat, error) {
	var c *resolver.Chat
	err := a.DB.RunReadOnly("chat", func(tx *db.Tx) error {
		var err error
		c, err = a.resolver.Chat(tx, chatID)
		return err
	})
	return c, err
}

func (a *Account) Members(chatID int64) ([]*resolver.Contact, error) {
	var cs []*resolver.Contact
	err := a.DB.RunReadOnly("members", func(tx *db.Tx) error {
		var err error
		cs, err = a.resolver.Members(tx, chatID)
		return err
	})
	return cs, err
}

// Messages lists the visible messages of a chat in causal order.
func (a *Account) Messages(chatID int64) ([]*messages.Message, error) {
	var ms []*messages.Message
	err := a.DB.RunReadOnly("messages", func(tx *db.Tx) error {
		var err error
		ms, err = a.messages.ChatMessages(tx, chatID)
		return err
	})
	return ms, err
}

func (a *Account) Message(msgID int64) (*messages.Message, error) {
	var m *messages.Message
	err := a.DB.RunReadOnly("message", func(tx *db.Tx) error {
		var err error
		m, err = a.messages.Message(tx, msgID)
		return err
	})
	return m, err
}

func (a *Account) MessageParts(msgID int64) ([]*messages.Part, error) {
	var ps []*messages.Part
	err := a.DB.RunReadOnly("message parts", func(tx *db.Tx) error {
		var err error
		ps, err = a.messages.Parts(tx, msgID)
		return err
	})
	return ps, err
}

// FreshMessages lists unseen incoming messages from contacts that are not blocked, newest first.
func (a *Account) FreshMessages() ([]*messages.Message, error) {
	var ms []*messages.Message
	err := a.DB.RunReadOnly("fresh messages", func(tx *db.Tx) error {
		var err error
		ms, err = a.messages.Fresh(tx)
		return err
	})
	return ms, err
}

// SearchMessages searches chatID, or every chat when chatID is 0.
func (a *Account) SearchMessages(chatID int64, query string) ([]*messages.Message, error) {
	var ms []*messages.Message
	err := a.DB.RunReadOnly("search messages", func(tx *db.Tx) error {
		var err error
		ms, err = a.messages.Search(tx, chatID, query)
		return err
	})
	return ms, err
}

func (a *Account) MarkSeen(msgIDs []int64) error {
	return a.run("mark seen", func(tx *db.Tx) error {
		return a.messages.MarkSeen(tx, msgIDs)
	})
}

func (a *Account) Contacts() ([]*resolver.Contact, error) {
	var cs []*resolver.Contact
	err := a.DB.RunReadOnly("contacts", func(tx *db.Tx) error {
		var err error
		cs, err = a.resolver.Contacts(tx)
		return err
	})
	return cs, err
}

func (a *Account) Contact(contactID int64) (*resolver.Contact, error) {
	var c *resolver.Contact
	err := a.DB.RunReadOnly("contact", func(tx *db.Tx) error {
		var err error
		c, err = a.resolver.Contact(tx, contactID)
		return err
	})
	return c, err
}

// BlockContact hides future messages from contactID. Messages already stored stay visible.
func (a *Account) BlockContact(contactID int64, blocked bool) error {
	b := resolver.NotBlocked
	if blocked {
		b = resolver.BlockedYes
	}
	return a.run("block contact", func(tx *db.Tx) error {
		return a.resolver.SetBlocked(tx, contactID, b)
	})
}

// NewSecureJoinInvite returns an invite URI for name to hand to a peer out of band.
func (a *Account) NewSecureJoinInvite(name string) (string, error) {
	inv, err := a.securejoin.NewInvite(name)
	if err != nil {
		return "", err
	}
	return inv.URI()
}

// JoinSecureJoin starts verifying the inviter named by uri and returns the session id. Progress is
// reported through events.
func (a *Account) JoinSecureJoin(uri string) (string, error) {
	inv, err := securejoin.ParseInvite(uri)
	if err != nil {
		return "", err
	}
	s, out, err := a.securejoin.Join(inv)
	if err != nil {
		return "", err
	}
	if err := a.run("securejoin request", func(tx *db.Tx) error {
		return a.sendHandshake(tx, out)
	}); err != nil {
		if cancelErr := a.securejoin.Cancel(s.ID); cancelErr != nil {
			a.log.Warnf("error cancelling securejoin %s: %v", s.ID, cancelErr)
		}
		return "", err
	}
	return s.ID, nil
}

func (a *Account) SecureJoinSession(id string) (*securejoin.Session, bool) {
	return a.securejoin.Session(id)
}

func (a *Account) CancelSecureJoin(id string) error {
	return a.securejoin.Cancel(id)
}
