package messages

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"github.com/emersion/go-message/textproto"
	"github.com/meow-io/go-chatmail/events"
	"github.com/meow-io/go-chatmail/internal/db"
)

// transition moves logicalID to state to when it is currently in one of from. It reports whether
// a row changed, so every transition happens, and is announced, at most once.
func (s *Store) transition(tx *db.Tx, logicalID string, to State, reason string, from ...State) (bool, error) {
	q := "UPDATE _messages SET state = ?, error = CASE WHEN ? = '' THEN error ELSE ? END WHERE logical_id = ? AND incoming = 0 AND state IN (?" + strings.Repeat(", ?", len(from)-1) + ")"
	args := []interface{}{to, reason, reason, logicalID}
	for _, f := range from {
		args = append(args, f)
	}
	res, err := tx.Exec(q, args...)
	if err != nil {
		return false, fmt.Errorf("messages: error moving %s to %s: %w", logicalID, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return false, err
	}
	m, err := s.ByLogicalID(tx, logicalID)
	if err != nil {
		return false, err
	}
	s.log.Debugf("message %s is now %s", logicalID, to)
	kind := events.MsgsChanged
	switch to {
	case OutDelivered:
		kind = events.MsgDelivered
	case OutRead:
		kind = events.MsgRead
	case OutFailed:
		kind = events.MsgFailed
	}
	ev := events.Event{Kind: kind, ChatID: m.ChatID, MsgID: m.ID, Text: reason}
	tx.AfterCommit(func() { s.sink.Emit(ev) })
	return true, nil
}

// MarkSent records the first transport acknowledgement.
func (s *Store) MarkSent(tx *db.Tx, logicalID string) (bool, error) {
	return s.transition(tx, logicalID, OutSent, "", OutPending)
}

func (s *Store) MarkDelivered(tx *db.Tx, logicalID string) (bool, error) {
	return s.transition(tx, logicalID, OutDelivered, "", OutPending, OutSent)
}

func (s *Store) MarkRead(tx *db.Tx, logicalID string) (bool, error) {
	return s.transition(tx, logicalID, OutRead, "", OutPending, OutSent, OutDelivered)
}

// MarkFailed fails a pending message. It returns false if the message was already acknowledged
// or failed.
func (s *Store) MarkFailed(tx *db.Tx, logicalID, reason string) (bool, error) {
	return s.transition(tx, logicalID, OutFailed, reason, OutPending)
}

// Retry puts a failed message back to pending.
func (s *Store) Retry(tx *db.Tx, logicalID string) (bool, error) {
	return s.transition(tx, logicalID, OutPending, "", OutFailed)
}

type Disposition struct {
	OriginalMessageID string
	Read              bool
}

// ParseDisposition reads a message/disposition-notification part.
func ParseDisposition(data []byte) (*Disposition, error) {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(append(bytes.TrimSpace(data), '\r', '\n', '\r', '\n'))))
	if err != nil {
		return nil, fmt.Errorf("messages: error reading disposition: %w", err)
	}
	orig := strings.TrimSpace(h.Get("Original-Message-ID"))
	if orig == "" {
		return nil, fmt.Errorf("messages: disposition without Original-Message-ID")
	}
	disp := strings.ToLower(h.Get("Disposition"))
	_, kind, _ := strings.Cut(disp, ";")
	return &Disposition{
		OriginalMessageID: orig,
		Read:              strings.TrimSpace(kind) == "displayed",
	}, nil
}
