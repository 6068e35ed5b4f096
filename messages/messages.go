// Package messages stores chat messages and their delivery state. Each logical message is stored
// once; outgoing messages move Pending, Sent, Delivered, Read and may end in Failed, which nothing
// but an explicit retry leaves.
package messages

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/meow-io/go-chatmail/clock"
	"github.com/meow-io/go-chatmail/config"
	"github.com/meow-io/go-chatmail/envelope"
	"github.com/meow-io/go-chatmail/events"
	"github.com/meow-io/go-chatmail/gate"
	"github.com/meow-io/go-chatmail/internal/db"
	"github.com/meow-io/go-chatmail/migration"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

const (
	DesiredTextLen     = 3800
	TimestampTolerance = 60 * time.Second
	ellipsis           = "[...]"
)

var ErrNotFound = errors.New("messages: not found")

type State int

const (
	InFresh      State = 10
	InNoticed    State = 13
	InSeen       State = 16
	OutPending   State = 20
	OutFailed    State = 24
	OutSent      State = 26
	OutDelivered State = 27
	OutRead      State = 28
)

func (s State) String() string {
	switch s {
	case InFresh:
		return "fresh"
	case InNoticed:
		return "noticed"
	case InSeen:
		return "seen"
	case OutPending:
		return "pending"
	case OutFailed:
		return "failed"
	case OutSent:
		return "sent"
	case OutDelivered:
		return "delivered"
	case OutRead:
		return "read"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Message struct {
	ID            int64                `db:"id"`
	LogicalID     string               `db:"logical_id"`
	ChatID        int64                `db:"chat_id"`
	FromContactID int64                `db:"from_contact_id"`
	Parent        string               `db:"parent"`
	Incoming      bool                 `db:"incoming"`
	State         State                `db:"state"`
	Encryption    gate.EncryptionState `db:"encryption"`
	Subject       string               `db:"subject"`
	Text          string               `db:"text"`
	Recipients    string               `db:"recipients"`
	SentAt        int64                `db:"sent_at"`
	ReceivedAt    int64                `db:"received_at"`
	Hidden        bool                 `db:"hidden"`
	Error         string               `db:"error"`
}

type Part struct {
	MessageID   int64  `db:"message_id"`
	Position    int    `db:"position"`
	ContentType string `db:"content_type"`
	Filename    string `db:"filename"`
	Size        int64  `db:"size"`
	Truncated   bool   `db:"truncated"`
	Data        []byte `db:"data"`
}

const messageColumns = "id, logical_id, chat_id, from_contact_id, parent, incoming, state, encryption, subject, text, recipients, sent_at, received_at, hidden, error"

type Store struct {
	log   *zap.SugaredLogger
	clock clock.Clock
	sink  events.Sink
}

func New(c *config.Config, d *db.Database, cl clock.Clock, sink events.Sink) (*Store, error) {
	if err := d.Migrate("_messages", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
	CREATE TABLE _messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		logical_id TEXT NOT NULL UNIQUE,
		chat_id INTEGER NOT NULL,
		from_contact_id INTEGER NOT NULL,
		parent TEXT NOT NULL,
		incoming BOOLEAN NOT NULL,
		state INTEGER NOT NULL,
		encryption INTEGER NOT NULL,
		subject TEXT NOT NULL,
		text TEXT NOT NULL,
		recipients TEXT NOT NULL,
		sent_at INTEGER NOT NULL,
		received_at INTEGER NOT NULL,
		hidden BOOLEAN NOT NULL,
		error TEXT NOT NULL
	);
	CREATE INDEX _messages_chat ON _messages (chat_id, sent_at);
	CREATE INDEX _messages_state ON _messages (state);
	CREATE TABLE _message_parts (
		message_id INTEGER NOT NULL,
		position INTEGER NOT NULL,
		content_type TEXT NOT NULL,
		filename TEXT NOT NULL,
		size INTEGER NOT NULL,
		truncated BOOLEAN NOT NULL,
		data BLOB,
		PRIMARY KEY (message_id, position)
	);
	`)
				return err
			},
		},
		{
			Name: "Keep full text of long messages",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec("ALTER TABLE _messages ADD COLUMN body TEXT NOT NULL DEFAULT ''")
				return err
			},
		},
	}); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = events.Discard{}
	}
	return &Store{log: c.Logger("messages"), clock: cl, sink: sink}, nil
}

// Preview shortens text to DesiredTextLen runes, marking the cut.
func Preview(text string) string {
	if utf8.RuneCountInString(text) <= DesiredTextLen {
		return text
	}
	n := 0
	for i := range text {
		if n == DesiredTextLen {
			return strings.TrimRight(text[:i], " \t\r\n") + " " + ellipsis
		}
		n++
	}
	return text
}

// ClampSent keeps sender supplied timestamps from lying too far in the future.
func ClampSent(sent, now time.Time) time.Time {
	if limit := now.Add(TimestampTolerance); sent.After(limit) {
		return limit
	}
	return sent
}

// Insert stores a new message with its parts. Text is reduced to a preview; the full text is kept
// for search and the parts keep the full content.
func (s *Store) Insert(tx *db.Tx, m *Message, parts []envelope.Part) (*Message, error) {
	full := m.Text
	m.Text = Preview(full)
	if m.ReceivedAt == 0 {
		m.ReceivedAt = int64(s.clock.CurrentTimeMs())
	}
	res, err := tx.NamedExec(`
	INSERT INTO _messages (logical_id, chat_id, from_contact_id, parent, incoming, state, encryption, subject, text, recipients, sent_at, received_at, hidden, error)
	VALUES (:logical_id, :chat_id, :from_contact_id, :parent, :incoming, :state, :encryption, :subject, :text, :recipients, :sent_at, :received_at, :hidden, :error)`, m)
	if err != nil {
		return nil, fmt.Errorf("messages: error inserting %s: %w", m.LogicalID, err)
	}
	if m.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("messages: error reading id: %w", err)
	}
	if full != m.Text {
		if _, err := tx.Exec("UPDATE _messages SET body = ? WHERE id = ?", full, m.ID); err != nil {
			return nil, fmt.Errorf("messages: error storing text of %s: %w", m.LogicalID, err)
		}
	}
	for i, p := range parts {
		if _, err := tx.Exec(`
		INSERT INTO _message_parts (message_id, position, content_type, filename, size, truncated, data) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.ID, i, p.ContentType, p.Filename, p.Size, p.Truncated, p.Data); err != nil {
			return nil, fmt.Errorf("messages: error inserting part: %w", err)
		}
	}
	ev := events.Event{Kind: events.MsgsChanged, ChatID: m.ChatID, MsgID: m.ID}
	if m.Incoming && !m.Hidden {
		ev.Kind = events.IncomingMsg
	}
	tx.AfterCommit(func() { s.sink.Emit(ev) })
	return m, nil
}

// MergeDuplicate folds metadata from another copy of a stored message into it.
func (s *Store) MergeDuplicate(tx *db.Tx, logicalID string, recipients []string) error {
	m, err := s.ByLogicalID(tx, logicalID)
	if err != nil {
		return err
	}
	merged := splitRecipients(m.Recipients)
	for _, r := range recipients {
		if !slices.Contains(merged, r) {
			merged = append(merged, r)
		}
	}
	joined := strings.Join(merged, ",")
	if joined == m.Recipients {
		return nil
	}
	if _, err := tx.Exec("UPDATE _messages SET recipients = ? WHERE id = ?", joined, m.ID); err != nil {
		return fmt.Errorf("messages: error merging %s: %w", logicalID, err)
	}
	return nil
}

func (s *Store) Message(tx *db.Tx, id int64) (*Message, error) {
	return s.get(tx, "id = ?", id)
}

func (s *Store) ByLogicalID(tx *db.Tx, logicalID string) (*Message, error) {
	return s.get(tx, "logical_id = ?", logicalID)
}

func (s *Store) get(tx *db.Tx, where string, arg interface{}) (*Message, error) {
	m := &Message{}
	err := tx.Get(m, "SELECT "+messageColumns+" FROM _messages WHERE "+where, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, arg)
	}
	if err != nil {
		return nil, fmt.Errorf("messages: error reading message: %w", err)
	}
	return m, nil
}

func (s *Store) Parts(tx *db.Tx, id int64) ([]*Part, error) {
	var ps []*Part
	if err := tx.Select(&ps, "SELECT message_id, position, content_type, filename, size, truncated, data FROM _message_parts WHERE message_id = ? ORDER BY position", id); err != nil {
		return nil, fmt.Errorf("messages: error reading parts of %d: %w", id, err)
	}
	return ps, nil
}

// SetParent moves a message under a newly known thread parent.
func (s *Store) SetParent(tx *db.Tx, logicalID, parent string) error {
	res, err := tx.Exec("UPDATE _messages SET parent = ? WHERE logical_id = ? AND parent != ?", parent, logicalID, parent)
	if err != nil {
		return fmt.Errorf("messages: error relinking %s: %w", logicalID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		m, err := s.ByLogicalID(tx, logicalID)
		if err != nil {
			return err
		}
		tx.AfterCommit(func() { s.sink.Emit(events.Event{Kind: events.MsgsChanged, ChatID: m.ChatID, MsgID: m.ID}) })
	}
	return nil
}

// ChatMessages returns the visible messages of a chat in causal order: a reply always follows
// its parent, and otherwise messages are ordered by send time, then logical id.
func (s *Store) ChatMessages(tx *db.Tx, chatID int64) ([]*Message, error) {
	var ms []*Message
	if err := tx.Select(&ms, "SELECT "+messageColumns+" FROM _messages WHERE chat_id = ? AND hidden = 0", chatID); err != nil {
		return nil, fmt.Errorf("messages: error listing chat %d: %w", chatID, err)
	}
	return CausalOrder(ms), nil
}

func compare(a, b *Message) int {
	switch {
	case a.SentAt < b.SentAt:
		return -1
	case a.SentAt > b.SentAt:
		return 1
	default:
		return strings.Compare(a.LogicalID, b.LogicalID)
	}
}

// CausalOrder sorts ms topologically by parent, breaking ties by (SentAt, LogicalID). Messages
// caught in a reference cycle go last.
func CausalOrder(ms []*Message) []*Message {
	byID := make(map[string]*Message, len(ms))
	for _, m := range ms {
		byID[m.LogicalID] = m
	}
	children := make(map[string][]*Message)
	var ready []*Message
	for _, m := range ms {
		if _, ok := byID[m.Parent]; ok && m.Parent != m.LogicalID {
			children[m.Parent] = append(children[m.Parent], m)
		} else {
			ready = append(ready, m)
		}
	}
	slices.SortFunc(ready, compare)

	out := make([]*Message, 0, len(ms))
	done := make(map[string]bool, len(ms))
	for len(ready) > 0 {
		m := ready[0]
		ready = ready[1:]
		out = append(out, m)
		done[m.LogicalID] = true
		for _, c := range children[m.LogicalID] {
			i, _ := slices.BinarySearchFunc(ready, c, compare)
			ready = slices.Insert(ready, i, c)
		}
	}
	if len(out) < len(ms) {
		var rest []*Message
		for _, m := range ms {
			if !done[m.LogicalID] {
				rest = append(rest, m)
			}
		}
		slices.SortFunc(rest, compare)
		out = append(out, rest...)
	}
	return out
}

// Fresh lists unseen incoming messages from contacts that are not blocked, newest first.
func (s *Store) Fresh(tx *db.Tx) ([]*Message, error) {
	var ms []*Message
	if err := tx.Select(&ms, `
	SELECT `+prefixed("m.", messageColumns)+` FROM _messages m
	JOIN _contacts c ON c.id = m.from_contact_id
	WHERE m.incoming = 1 AND m.state = ? AND m.hidden = 0 AND c.blocked = 0
	ORDER BY m.sent_at DESC, m.id DESC`, InFresh); err != nil {
		return nil, fmt.Errorf("messages: error listing fresh messages: %w", err)
	}
	return ms, nil
}

// body is only set when text holds a shortened preview.
const matchText = `(lower(text) LIKE ? ESCAPE '\' OR lower(body) LIKE ? ESCAPE '\')`

// Search finds visible messages whose full text contains query, ignoring case. chatID 0 searches every
// chat.
func (s *Store) Search(tx *db.Tx, chatID int64, query string) ([]*Message, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	pattern := "%" + strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(strings.ToLower(query)) + "%"
	var ms []*Message
	var err error
	if chatID == 0 {
		err = tx.Select(&ms, "SELECT "+messageColumns+` FROM _messages WHERE hidden = 0 AND `+matchText+` ORDER BY sent_at DESC, id DESC`, pattern, pattern)
	} else {
		err = tx.Select(&ms, "SELECT "+messageColumns+` FROM _messages WHERE hidden = 0 AND chat_id = ? AND `+matchText+` ORDER BY sent_at DESC, id DESC`, chatID, pattern, pattern)
	}
	if err != nil {
		return nil, fmt.Errorf("messages: error searching: %w", err)
	}
	return ms, nil
}

// MarkSeen moves incoming messages to Seen.
func (s *Store) MarkSeen(tx *db.Tx, ids []int64) error {
	for _, id := range ids {
		res, err := tx.Exec("UPDATE _messages SET state = ? WHERE id = ? AND incoming = 1 AND state IN (?, ?)", InSeen, id, InFresh, InNoticed)
		if err != nil {
			return fmt.Errorf("messages: error marking %d seen: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			id := id
			tx.AfterCommit(func() { s.sink.Emit(events.Event{Kind: events.MsgsChanged, MsgID: id}) })
		}
	}
	return nil
}

func splitRecipients(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func JoinRecipients(addrs []string) string {
	return strings.Join(addrs, ",")
}

func prefixed(p, columns string) string {
	cols := strings.Split(columns, ", ")
	for i := range cols {
		cols[i] = p + cols[i]
	}
	return strings.Join(cols, ", ")
}
