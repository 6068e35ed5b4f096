// Package dedup maps transport-level message identities onto logical message ids and keeps the
// reply graph between them. A logical id is created at most once; every later copy of the same
// message, from any transport, resolves to the existing id.
package dedup

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/go-chatmail/config"
	"github.com/meow-io/go-chatmail/envelope"
	"github.com/meow-io/go-chatmail/internal/db"
	"github.com/meow-io/go-chatmail/migration"
	"go.uber.org/zap"
)

type Resolution struct {
	LogicalID       string
	IsNew           bool
	ParentLogicalID string
	// Relinked lists earlier messages whose parent changed because this message arrived.
	Relinked []Link
}

type Link struct {
	LogicalID       string `db:"logical_id"`
	ParentLogicalID string `db:"parent"`
}

type TransportRef struct {
	Transport   envelope.Transport `db:"transport"`
	TransportID string             `db:"transport_id"`
	LogicalID   string             `db:"logical_id"`
	Duplicate   bool               `db:"duplicate"`
}

type Index struct {
	log *zap.SugaredLogger
}

func New(c *config.Config, d *db.Database) (*Index, error) {
	if err := d.Migrate("_dedup", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
	CREATE TABLE _logical_ids (
		logical_id TEXT PRIMARY KEY
	);
	CREATE TABLE _transport_ids (
		transport INTEGER NOT NULL,
		transport_id TEXT NOT NULL,
		logical_id TEXT NOT NULL,
		duplicate BOOLEAN NOT NULL,
		PRIMARY KEY (transport, transport_id)
	);
	CREATE INDEX _transport_ids_logical ON _transport_ids (logical_id);
	CREATE TABLE _message_references (
		logical_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		ref_id TEXT NOT NULL,
		PRIMARY KEY (logical_id, position)
	);
	CREATE INDEX _message_references_ref ON _message_references (ref_id);
	CREATE TABLE _thread_links (
		logical_id TEXT PRIMARY KEY,
		parent TEXT NOT NULL
	);
	`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}
	return &Index{log: c.Logger("dedup")}, nil
}

// Resolve assigns env its logical id. The caller must hold the key lock for LogicalID(env).
func (i *Index) Resolve(tx *db.Tx, env *envelope.Envelope) (*Resolution, error) {
	id := LogicalID(env)
	known, err := i.known(tx, id)
	if err != nil {
		return nil, err
	}

	if env.TransportID != "" {
		if _, err := tx.Exec(`
		INSERT INTO _transport_ids (transport, transport_id, logical_id, duplicate) VALUES (?, ?, ?, ?)
		ON CONFLICT (transport, transport_id) DO NOTHING`, env.Transport, env.TransportID, id, known); err != nil {
			return nil, fmt.Errorf("dedup: error recording transport id: %w", err)
		}
	}

	if known {
		parent, err := i.Parent(tx, id)
		if err != nil {
			return nil, err
		}
		i.log.Debugf("duplicate %s via %s %s", id, env.Transport, env.TransportID)
		return &Resolution{LogicalID: id, ParentLogicalID: parent}, nil
	}

	if _, err := tx.Exec("INSERT INTO _logical_ids (logical_id) VALUES (?)", id); err != nil {
		return nil, fmt.Errorf("dedup: error inserting logical id: %w", err)
	}
	pos := 0
	for _, ref := range ReferencedIDs(env.References(), env.InReplyTo()) {
		if ref == id {
			continue
		}
		if _, err := tx.Exec("INSERT INTO _message_references (logical_id, position, ref_id) VALUES (?, ?, ?)", id, pos, ref); err != nil {
			return nil, fmt.Errorf("dedup: error inserting reference: %w", err)
		}
		pos++
	}
	parent, err := i.lastKnownReference(tx, id)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec("INSERT INTO _thread_links (logical_id, parent) VALUES (?, ?)", id, parent); err != nil {
		return nil, fmt.Errorf("dedup: error inserting thread link: %w", err)
	}

	relinked, err := i.relink(tx, id)
	if err != nil {
		return nil, err
	}
	return &Resolution{LogicalID: id, IsNew: true, ParentLogicalID: parent, Relinked: relinked}, nil
}

// relink recomputes the parent of every message that references id. A reply that arrived before
// its parent ends up linked exactly as if the parent had come first.
func (i *Index) relink(tx *db.Tx, id string) ([]Link, error) {
	var children []string
	if err := tx.Select(&children, "SELECT DISTINCT logical_id FROM _message_references WHERE ref_id = ? AND logical_id != ?", id, id); err != nil {
		return nil, fmt.Errorf("dedup: error finding children: %w", err)
	}
	var out []Link
	for _, child := range children {
		parent, err := i.lastKnownReference(tx, child)
		if err != nil {
			return nil, err
		}
		res, err := tx.Exec("UPDATE _thread_links SET parent = ? WHERE logical_id = ? AND parent != ?", parent, child, parent)
		if err != nil {
			return nil, fmt.Errorf("dedup: error relinking %s: %w", child, err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			out = append(out, Link{LogicalID: child, ParentLogicalID: parent})
		}
	}
	return out, nil
}

func (i *Index) lastKnownReference(tx *db.Tx, id string) (string, error) {
	var parent string
	err := tx.Get(&parent, `
	SELECT r.ref_id FROM _message_references r
	JOIN _logical_ids l ON l.logical_id = r.ref_id
	WHERE r.logical_id = ?
	ORDER BY r.position DESC LIMIT 1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("dedup: error finding parent of %s: %w", id, err)
	}
	return parent, nil
}

func (i *Index) known(tx *db.Tx, id string) (bool, error) {
	var n int
	if err := tx.Get(&n, "SELECT COUNT(*) FROM _logical_ids WHERE logical_id = ?", id); err != nil {
		return false, fmt.Errorf("dedup: error looking up %s: %w", id, err)
	}
	return n > 0, nil
}

// Parent returns the thread parent of id, empty for a thread root.
func (i *Index) Parent(tx *db.Tx, id string) (string, error) {
	var parent string
	err := tx.Get(&parent, "SELECT parent FROM _thread_links WHERE logical_id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("dedup: error reading parent of %s: %w", id, err)
	}
	return parent, nil
}

// TransportIDs lists every transport copy seen for id, first one first.
func (i *Index) TransportIDs(tx *db.Tx, id string) ([]TransportRef, error) {
	var refs []TransportRef
	if err := tx.Select(&refs, "SELECT transport, transport_id, logical_id, duplicate FROM _transport_ids WHERE logical_id = ? ORDER BY rowid", id); err != nil {
		return nil, fmt.Errorf("dedup: error listing transport ids: %w", err)
	}
	return refs, nil
}

// Record binds an outgoing message's transport id to its logical id so the copy coming back from
// the server is recognised as a duplicate.
func (i *Index) Record(tx *db.Tx, id, parent string) error {
	if _, err := tx.Exec("INSERT INTO _logical_ids (logical_id) VALUES (?) ON CONFLICT DO NOTHING", id); err != nil {
		return fmt.Errorf("dedup: error recording %s: %w", id, err)
	}
	if parent != "" {
		if _, err := tx.Exec("INSERT INTO _message_references (logical_id, position, ref_id) VALUES (?, 0, ?) ON CONFLICT DO NOTHING", id, parent); err != nil {
			return fmt.Errorf("dedup: error recording %s: %w", id, err)
		}
	}
	if _, err := tx.Exec("INSERT INTO _thread_links (logical_id, parent) VALUES (?, ?) ON CONFLICT DO NOTHING", id, parent); err != nil {
		return fmt.Errorf("dedup: error recording %s: %w", id, err)
	}
	return nil
}
