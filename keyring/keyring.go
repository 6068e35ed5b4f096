// Package keyring stores the local identity and what has been learned about peer keys. Reads are served
// from an in-memory cache guarded by a RWMutex; writes go through the caller's transaction and reach the
// cache only after commit.
package keyring

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/meow-io/go-chatmail/clock"
	"github.com/meow-io/go-chatmail/config"
	"github.com/meow-io/go-chatmail/crypto"
	"github.com/meow-io/go-chatmail/internal/db"
	"github.com/meow-io/go-chatmail/migration"
	"go.uber.org/zap"
)

var ErrNoIdentity = errors.New("keyring: no local identity")

// Peer is a peer key as currently known.
type Peer struct {
	Fingerprint   string `db:"fingerprint"`
	Addr          string `db:"addr"`
	Sign          []byte `db:"sign"`
	Box           []byte `db:"box"`
	Verified      bool   `db:"verified"`
	PreferEncrypt bool   `db:"prefer_encrypt"`
	GossipURL     string `db:"gossip_url"`
	UpdatedAt     int64  `db:"updated_at"`
}

func (p *Peer) PublicKey() *crypto.PublicKey {
	pk := &crypto.PublicKey{}
	copy(pk.Sign[:], p.Sign)
	copy(pk.Box[:], p.Box)
	return pk
}

// PeerKeyUpdate is produced by the gate from an Autocrypt header or a signed message. It is only ever
// used for future encryption and never changes the trust of a key.
type PeerKeyUpdate struct {
	Addr          string
	Key           crypto.PublicKey
	PreferEncrypt bool
	GossipURL     string
	Timestamp     int64
}

type identity struct {
	Addr      string `db:"addr"`
	SignSeed  []byte `db:"sign_seed"`
	BoxSecret []byte `db:"box_secret"`
}

type Keyring struct {
	log   *zap.SugaredLogger
	db    *db.Database
	clock clock.Clock

	lock     sync.RWMutex
	self     *crypto.KeyPair
	selfAddr string
	peers    map[string]*Peer
	byAddr   map[string]string
}

func NormalizeAddr(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

func New(c *config.Config, d *db.Database, cl clock.Clock) (*Keyring, error) {
	if err := d.Migrate("_keyring", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
	CREATE TABLE _identity (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		addr TEXT NOT NULL,
		sign_seed BLOB NOT NULL,
		box_secret BLOB NOT NULL
	);
	CREATE TABLE _peer_keys (
		fingerprint TEXT PRIMARY KEY,
		addr TEXT NOT NULL,
		sign BLOB NOT NULL,
		box BLOB NOT NULL,
		verified BOOLEAN NOT NULL DEFAULT 0,
		prefer_encrypt BOOLEAN NOT NULL DEFAULT 0,
		gossip_url TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX _peer_keys_addr ON _peer_keys (addr, updated_at);
	`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}

	k := &Keyring{
		log:    c.Logger("keyring"),
		db:     d,
		clock:  cl,
		peers:  make(map[string]*Peer),
		byAddr: make(map[string]string),
	}
	if err := k.load(); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *Keyring) load() error {
	return k.db.RunReadOnly("load keyring", func(tx *db.Tx) error {
		id := &identity{}
		if err := tx.Get(id, "SELECT addr, sign_seed, box_secret FROM _identity WHERE id = 1"); err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("keyring: error loading identity: %w", err)
			}
		} else {
			kp, err := crypto.KeyPairFromSecrets(id.SignSeed, id.BoxSecret)
			if err != nil {
				return err
			}
			k.self = kp
			k.selfAddr = id.Addr
		}

		var peers []*Peer
		if err := tx.Select(&peers, "SELECT * FROM _peer_keys ORDER BY updated_at"); err != nil {
			return fmt.Errorf("keyring: error loading peers: %w", err)
		}
		for _, p := range peers {
			k.remember(p)
		}
		return nil
	})
}

// EnsureIdentity returns the local key pair, generating and persisting one bound to addr if needed.
func (k *Keyring) EnsureIdentity(addr string) (*crypto.KeyPair, error) {
	k.lock.RLock()
	self := k.self
	k.lock.RUnlock()
	if self != nil {
		return self, nil
	}

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	addr = NormalizeAddr(addr)
	if err := k.db.Run("create identity", func(tx *db.Tx) error {
		if _, err := tx.Exec("INSERT INTO _identity (id, addr, sign_seed, box_secret) VALUES (1, ?, ?, ?)", addr, kp.SignSecret.Seed(), kp.BoxSecret[:]); err != nil {
			return fmt.Errorf("keyring: error inserting identity: %w", err)
		}
		tx.AfterCommit(func() {
			k.lock.Lock()
			k.self = kp
			k.selfAddr = addr
			k.lock.Unlock()
		})
		return nil
	}); err != nil {
		return nil, err
	}
	k.log.Infof("created identity %s for %s", kp.Fingerprint(), addr)
	return kp, nil
}

func (k *Keyring) Self() (*crypto.KeyPair, error) {
	k.lock.RLock()
	defer k.lock.RUnlock()
	if k.self == nil {
		return nil, ErrNoIdentity
	}
	return k.self, nil
}

func (k *Keyring) SelfAddr() string {
	k.lock.RLock()
	defer k.lock.RUnlock()
	return k.selfAddr
}

func (k *Keyring) Peer(fingerprint string) (*Peer, bool) {
	k.lock.RLock()
	defer k.lock.RUnlock()
	p, ok := k.peers[fingerprint]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// PeerForAddr returns the most recently announced key for addr.
func (k *Keyring) PeerForAddr(addr string) (*Peer, bool) {
	k.lock.RLock()
	fpr, ok := k.byAddr[NormalizeAddr(addr)]
	k.lock.RUnlock()
	if !ok {
		return nil, false
	}
	return k.Peer(fpr)
}

// VerifiedForAddr returns the fingerprint of the single verified identity bound to addr, if any.
func (k *Keyring) VerifiedForAddr(addr string) (string, bool) {
	addr = NormalizeAddr(addr)
	k.lock.RLock()
	defer k.lock.RUnlock()
	for fpr, p := range k.peers {
		if p.Verified && p.Addr == addr {
			return fpr, true
		}
	}
	return "", false
}

func (k *Keyring) IsVerified(fingerprint string) bool {
	p, ok := k.Peer(fingerprint)
	return ok && p.Verified
}

// ApplyUpdate records a peer key. Trust is left untouched; an older announcement for an address
// never replaces a newer one.
func (k *Keyring) ApplyUpdate(tx *db.Tx, u *PeerKeyUpdate) error {
	if u == nil {
		return nil
	}
	self, err := k.Self()
	if err == nil && self.Fingerprint() == u.Key.Fingerprint() {
		return nil
	}

	p := &Peer{
		Fingerprint:   u.Key.Fingerprint(),
		Addr:          NormalizeAddr(u.Addr),
		Sign:          u.Key.Sign[:],
		Box:           u.Key.Box[:],
		PreferEncrypt: u.PreferEncrypt,
		GossipURL:     u.GossipURL,
		UpdatedAt:     u.Timestamp,
	}
	if p.UpdatedAt == 0 {
		p.UpdatedAt = int64(k.clock.CurrentTimeMs())
	}
	if _, err := tx.NamedExec(`
	INSERT INTO _peer_keys (fingerprint, addr, sign, box, prefer_encrypt, gossip_url, updated_at)
	VALUES (:fingerprint, :addr, :sign, :box, :prefer_encrypt, :gossip_url, :updated_at)
	ON CONFLICT (fingerprint) DO UPDATE SET
		addr = excluded.addr,
		prefer_encrypt = excluded.prefer_encrypt,
		gossip_url = CASE WHEN excluded.gossip_url = '' THEN _peer_keys.gossip_url ELSE excluded.gossip_url END,
		updated_at = excluded.updated_at
	WHERE excluded.updated_at >= _peer_keys.updated_at`, p); err != nil {
		return fmt.Errorf("keyring: error upserting peer key: %w", err)
	}
	tx.AfterCommit(func() {
		k.lock.Lock()
		defer k.lock.Unlock()
		if existing, ok := k.peers[p.Fingerprint]; ok {
			if existing.UpdatedAt > p.UpdatedAt {
				return
			}
			p.Verified = existing.Verified
			if p.GossipURL == "" {
				p.GossipURL = existing.GossipURL
			}
		}
		k.rememberLocked(p)
	})
	return nil
}

// MarkVerified flags fingerprint as verified for addr and clears the flag from any other identity
// bound to the same address. Only SecureJoin calls this.
func (k *Keyring) MarkVerified(tx *db.Tx, key *crypto.PublicKey, addr string) error {
	addr = NormalizeAddr(addr)
	fpr := key.Fingerprint()
	now := int64(k.clock.CurrentTimeMs())
	if _, err := tx.Exec(`
	INSERT INTO _peer_keys (fingerprint, addr, sign, box, verified, updated_at) VALUES (?, ?, ?, ?, 1, ?)
	ON CONFLICT (fingerprint) DO UPDATE SET verified = 1, addr = excluded.addr`, fpr, addr, key.Sign[:], key.Box[:], now); err != nil {
		return fmt.Errorf("keyring: error marking %s verified: %w", fpr, err)
	}
	if _, err := tx.Exec("UPDATE _peer_keys SET verified = 0 WHERE addr = ? AND fingerprint != ?", addr, fpr); err != nil {
		return fmt.Errorf("keyring: error clearing stale verifications: %w", err)
	}
	tx.AfterCommit(func() {
		k.lock.Lock()
		defer k.lock.Unlock()
		for _, p := range k.peers {
			if p.Addr == addr {
				p.Verified = false
			}
		}
		p, ok := k.peers[fpr]
		if !ok {
			p = &Peer{Fingerprint: fpr, Sign: key.Sign[:], Box: key.Box[:], UpdatedAt: now}
		}
		p.Addr = addr
		p.Verified = true
		k.rememberLocked(p)
	})
	return nil
}

func (k *Keyring) remember(p *Peer) {
	k.lock.Lock()
	defer k.lock.Unlock()
	k.rememberLocked(p)
}

func (k *Keyring) rememberLocked(p *Peer) {
	k.peers[p.Fingerprint] = p
	if cur, ok := k.byAddr[p.Addr]; ok && cur != p.Fingerprint {
		if existing, ok := k.peers[cur]; ok && existing.UpdatedAt > p.UpdatedAt {
			return
		}
	}
	k.byAddr[p.Addr] = p.Fingerprint
}
