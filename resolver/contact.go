package resolver

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/go-chatmail/internal/db"
	"github.com/meow-io/go-chatmail/keyring"
)

const (
	SelfContactID int64 = 1
	// DeviceContactID is the sender of messages that name no sender at all.
	DeviceContactID int64 = 2
)

var ErrNotFound = errors.New("resolver: not found")

type Blocked int

const (
	NotBlocked Blocked = iota
	BlockedYes
	BlockedRequest
)

// ContactIdentity is either a KeyIdentity or an AddressIdentity.
type ContactIdentity interface {
	Address() string
	identity()
}

// KeyIdentity is a contact known by the fingerprint of its key.
type KeyIdentity struct {
	Fingerprint string
	Addr        string
	Verified    bool
}

// AddressIdentity is a contact known only by an e-mail address.
type AddressIdentity struct {
	Addr string
}

func (k KeyIdentity) Address() string     { return k.Addr }
func (a AddressIdentity) Address() string { return a.Addr }
func (KeyIdentity) identity()             {}
func (AddressIdentity) identity()         {}

type Contact struct {
	ID          int64   `db:"id"`
	IdentityKey string  `db:"identity_key"`
	Addr        string  `db:"addr"`
	Fingerprint string  `db:"fingerprint"`
	Name        string  `db:"name"`
	Blocked     Blocked `db:"blocked"`
	CreatedAt   int64   `db:"created_at"`

	Verified bool `db:"-"`
}

func (c *Contact) Identity() ContactIdentity {
	if c.Fingerprint != "" {
		return KeyIdentity{Fingerprint: c.Fingerprint, Addr: c.Addr, Verified: c.Verified}
	}
	return AddressIdentity{Addr: c.Addr}
}

func identityKey(id ContactIdentity) string {
	switch v := id.(type) {
	case KeyIdentity:
		return "key:" + v.Fingerprint
	case AddressIdentity:
		return "addr:" + keyring.NormalizeAddr(v.Addr)
	default:
		panic(fmt.Sprintf("resolver: unknown identity %T", id))
	}
}

const contactColumns = "id, identity_key, addr, fingerprint, name, blocked, created_at"

// EnsureContact returns the contact for id, creating it on first sight. A non-empty name
// replaces the stored one.
func (r *Resolver) EnsureContact(tx *db.Tx, id ContactIdentity, name string) (*Contact, error) {
	var fpr string
	switch v := id.(type) {
	case KeyIdentity:
		fpr = v.Fingerprint
	case AddressIdentity:
	default:
		panic(fmt.Sprintf("resolver: unknown identity %T", id))
	}
	addr := keyring.NormalizeAddr(id.Address())
	if addr != "" && addr == r.keys.SelfAddr() {
		return r.Contact(tx, SelfContactID)
	}
	key := identityKey(id)
	res, err := tx.Exec(`
	INSERT INTO _contacts (identity_key, addr, fingerprint, name, blocked, created_at) VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (identity_key) DO UPDATE SET
		addr = excluded.addr,
		name = CASE WHEN excluded.name = '' THEN _contacts.name ELSE excluded.name END
	WHERE excluded.addr != _contacts.addr OR (excluded.name != '' AND excluded.name != _contacts.name)`,
		key, addr, fpr, name, NotBlocked, r.clock.CurrentTimeMs())
	if err != nil {
		return nil, fmt.Errorf("resolver: error upserting contact: %w", err)
	}
	c := &Contact{}
	if err := tx.Get(c, "SELECT "+contactColumns+" FROM _contacts WHERE identity_key = ?", key); err != nil {
		return nil, fmt.Errorf("resolver: error reading contact: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		tx.AfterCommit(r.contactsChanged(c.ID))
	}
	r.fill(c)
	return c, nil
}

func (r *Resolver) Contact(tx *db.Tx, id int64) (*Contact, error) {
	c := &Contact{}
	err := tx.Get(c, "SELECT "+contactColumns+" FROM _contacts WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: contact %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("resolver: error reading contact %d: %w", id, err)
	}
	r.fill(c)
	return c, nil
}

// Contacts lists every known contact except the local and the device one.
func (r *Resolver) Contacts(tx *db.Tx) ([]*Contact, error) {
	var cs []*Contact
	if err := tx.Select(&cs, "SELECT "+contactColumns+" FROM _contacts WHERE id NOT IN (?, ?) ORDER BY addr, id", SelfContactID, DeviceContactID); err != nil {
		return nil, fmt.Errorf("resolver: error listing contacts: %w", err)
	}
	for _, c := range cs {
		r.fill(c)
	}
	return cs, nil
}

// ContactsForAddr returns all contacts that use addr, key contacts first.
func (r *Resolver) ContactsForAddr(tx *db.Tx, addr string) ([]*Contact, error) {
	var cs []*Contact
	if err := tx.Select(&cs, "SELECT "+contactColumns+" FROM _contacts WHERE addr = ? ORDER BY fingerprint = '', id", keyring.NormalizeAddr(addr)); err != nil {
		return nil, fmt.Errorf("resolver: error looking up %s: %w", addr, err)
	}
	for _, c := range cs {
		r.fill(c)
	}
	return cs, nil
}

func (r *Resolver) SetBlocked(tx *db.Tx, id int64, b Blocked) error {
	if id == SelfContactID || id == DeviceContactID {
		return fmt.Errorf("resolver: cannot block contact %d", id)
	}
	res, err := tx.Exec("UPDATE _contacts SET blocked = ? WHERE id = ?", b, id)
	if err != nil {
		return fmt.Errorf("resolver: error blocking contact %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: contact %d", ErrNotFound, id)
	}
	tx.AfterCommit(r.contactsChanged(id))
	return nil
}

func (r *Resolver) fill(c *Contact) {
	if c.Fingerprint != "" {
		c.Verified = r.keys.IsVerified(c.Fingerprint)
	}
}

func (r *Resolver) ensureSelf(tx *db.Tx) error {
	_, err := tx.Exec(`
	INSERT INTO _contacts (id, identity_key, addr, fingerprint, name, blocked, created_at) VALUES (?, 'self', ?, '', '', 0, ?)
	ON CONFLICT (id) DO UPDATE SET addr = excluded.addr`, SelfContactID, r.keys.SelfAddr(), r.clock.CurrentTimeMs())
	if err != nil {
		return fmt.Errorf("resolver: error writing self contact: %w", err)
	}
	_, err = tx.Exec(`
	INSERT INTO _contacts (id, identity_key, addr, fingerprint, name, blocked, created_at) VALUES (?, 'device', '', '', 'Device', 0, ?)
	ON CONFLICT DO NOTHING`, DeviceContactID, r.clock.CurrentTimeMs())
	if err != nil {
		return fmt.Errorf("resolver: error writing device contact: %w", err)
	}
	return nil
}
