// Package email carries messages over an ordinary mail account: a polling IMAP listener for
// inbound mail and an SMTP sender for outbound mail.
package email

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/meow-io/go-chatmail/config"
	"github.com/meow-io/go-chatmail/envelope"
	db "github.com/meow-io/go-chatmail/internal/db"
	"github.com/meow-io/go-chatmail/migration"
	"github.com/meow-io/go-chatmail/transport"
	"go.uber.org/zap"
)

const fetchBatch = 50

// Mailbox is the part of an IMAP session the poller needs.
type Mailbox interface {
	// Select opens name and returns its UIDVALIDITY.
	Select(name string) (uint32, error)
	UIDs() ([]uint32, error)
	Fetch(uids []uint32) (map[uint32][]byte, error)
	Close() error
}

type Dialer func(ctx context.Context) (Mailbox, error)

// TransportID identifies a message in a mailbox across sessions.
func TransportID(mailbox string, uidValidity, uid uint32) string {
	return fmt.Sprintf("%s/%d/%d", mailbox, uidValidity, uid)
}

type imapMailbox struct {
	client *imapclient.Client
}

// DialIMAP connects and logs in to the account described by e.
func DialIMAP(e config.Email) Dialer {
	return func(_ context.Context) (Mailbox, error) {
		addr := net.JoinHostPort(e.IMAPHost, strconv.Itoa(e.IMAPPort))

		var client *imapclient.Client
		var err error
		if e.StartTLS {
			client, err = imapclient.DialStartTLS(addr, nil)
		} else {
			client, err = imapclient.DialTLS(addr, nil)
		}
		if err != nil {
			return nil, fmt.Errorf("email: error connecting to %s: %w", addr, err)
		}
		if err := client.Login(e.Username, e.Password).Wait(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("email: login failed for %s: %w", e.Username, err)
		}
		return &imapMailbox{client: client}, nil
	}
}

func (m *imapMailbox) Select(name string) (uint32, error) {
	data, err := m.client.Select(name, nil).Wait()
	if err != nil {
		return 0, fmt.Errorf("email: error selecting %s: %w", name, err)
	}
	return data.UIDValidity, nil
}

func (m *imapMailbox) UIDs() ([]uint32, error) {
	data, err := m.client.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("email: error searching: %w", err)
	}
	all := data.AllUIDs()
	uids := make([]uint32, len(all))
	for i, u := range all {
		uids[i] = uint32(u)
	}
	return uids, nil
}

func (m *imapMailbox) Fetch(uids []uint32) (map[uint32][]byte, error) {
	set := make([]imap.UID, len(uids))
	for i, u := range uids {
		set[i] = imap.UID(u)
	}
	section := &imap.FetchItemBodySection{Peek: true}
	cmd := m.client.Fetch(imap.UIDSetNum(set...), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	})
	defer cmd.Close()

	out := make(map[uint32][]byte, len(uids))
	for {
		msg := cmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			return nil, fmt.Errorf("email: error collecting message: %w", err)
		}
		if raw := buf.FindBodySection(section); raw != nil {
			out[uint32(buf.UID)] = raw
		}
	}
	if err := cmd.Close(); err != nil {
		return nil, fmt.Errorf("email: error fetching: %w", err)
	}
	return out, nil
}

func (m *imapMailbox) Close() error {
	_ = m.client.Logout().Wait()
	return m.client.Close()
}

type mailboxState struct {
	Mailbox     string `db:"mailbox"`
	UIDValidity uint32 `db:"uid_validity"`
	LastUID     uint32 `db:"last_uid"`
}

// Poller fetches new mail on an interval. It remembers the highest UID whose processing was
// acknowledged; a UIDVALIDITY change restarts from the beginning of the mailbox.
type Poller struct {
	config     *config.Config
	db         *db.Database
	log        *zap.SugaredLogger
	dial       Dialer
	receiver   transport.Receiver
	cancelFunc context.CancelFunc
	finished   sync.WaitGroup
	pollLock   sync.Mutex
}

func NewPoller(c *config.Config, d *db.Database, dial Dialer, receiver transport.Receiver) (*Poller, error) {
	if err := d.Migrate("_transport_email", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
	CREATE TABLE _imap_state (
		mailbox TEXT PRIMARY KEY,
		uid_validity INTEGER NOT NULL,
		last_uid INTEGER NOT NULL
	);
	`)
				return err
			},
		},
		{
			Name: "Track failing messages",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
	CREATE TABLE _imap_failures (
		mailbox TEXT NOT NULL,
		uid_validity INTEGER NOT NULL,
		uid INTEGER NOT NULL,
		failures INTEGER NOT NULL,
		PRIMARY KEY (mailbox, uid_validity, uid)
	);
	`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}
	if dial == nil {
		dial = DialIMAP(c.Email)
	}
	return &Poller{
		config:   c,
		db:       d,
		log:      c.Logger("transport/email/imap"),
		dial:     dial,
		receiver: receiver,
	}, nil
}

func (p *Poller) Start() error {
	ctx, cancelFunc := context.WithCancel(context.Background())
	p.cancelFunc = cancelFunc
	p.finished.Add(1)
	go func() {
		defer p.finished.Done()
		interval := time.Duration(p.config.IMAPPollIntervalMs) * time.Millisecond
		for {
			if n, err := p.Poll(ctx); err != nil {
				p.log.Warnf("error polling %s: %v", p.config.Email.Mailbox, err)
			} else if n != 0 {
				p.log.Debugf("received %d messages", n)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
		}
	}()
	return nil
}

func (p *Poller) Shutdown() error {
	if p.cancelFunc != nil {
		p.cancelFunc()
		p.finished.Wait()
	}
	return nil
}

// Poll runs one fetch cycle and returns how many messages were acknowledged.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	p.pollLock.Lock()
	defer p.pollLock.Unlock()

	name := p.config.Email.Mailbox
	mb, err := p.dial(ctx)
	if err != nil {
		return 0, err
	}
	defer mb.Close()

	validity, err := mb.Select(name)
	if err != nil {
		return 0, err
	}
	st, err := p.state(name)
	if err != nil {
		return 0, err
	}
	if st.UIDValidity != validity {
		if st.UIDValidity != 0 {
			p.log.Infof("uidvalidity of %s changed from %d to %d, resyncing", name, st.UIDValidity, validity)
		}
		st = &mailboxState{Mailbox: name, UIDValidity: validity}
	}

	uids, err := mb.UIDs()
	if err != nil {
		return 0, err
	}
	pending := make([]uint32, 0, len(uids))
	for _, u := range uids {
		if u > st.LastUID {
			pending = append(pending, u)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i] < pending[j] })

	total := 0
	for start := 0; start < len(pending); start += fetchBatch {
		end := start + fetchBatch
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]
		raws, err := mb.Fetch(batch)
		if err != nil {
			return total, err
		}
		acked, failed, err := p.deliver(ctx, name, validity, batch, raws)
		total += acked
		if acked > 0 {
			st.LastUID = batch[acked-1]
		}
		if failed {
			skip, ferr := p.recordFailure(st, batch[acked])
			if ferr != nil {
				return total, ferr
			}
			if skip {
				p.log.Errorf("giving up on %s uid %d after %d failures: %v", name, batch[acked], p.config.IMAPMaxFailures, err)
				st.LastUID = batch[acked]
				err = nil
			}
		}
		if err := p.saveState(st); err != nil {
			return total, err
		}
		if err != nil || failed {
			return total, err
		}
	}
	if len(pending) == 0 {
		if err := p.saveState(st); err != nil {
			return total, err
		}
	}
	return total, nil
}

// deliver hands a batch to the receiver and waits for acknowledgements. It returns the length of
// the acknowledged prefix of batch, and whether it ends because the message after it failed.
func (p *Poller) deliver(ctx context.Context, name string, validity uint32, batch []uint32, raws map[uint32][]byte) (int, bool, error) {
	results := make([]error, len(batch))
	var wg sync.WaitGroup
	var sendErr error
	sent := 0
	for i, uid := range batch {
		raw, ok := raws[uid]
		if !ok {
			// expunged between search and fetch
			sent++
			continue
		}
		wg.Add(1)
		in := &transport.Inbound{
			Transport:   envelope.TransportEmail,
			TransportID: TransportID(name, validity, uid),
			Raw:         raw,
			Ack: func(err error) {
				results[i] = err
				wg.Done()
			},
		}
		if err := p.receiver(ctx, in); err != nil {
			wg.Done()
			sendErr = err
			break
		}
		sent++
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return 0, false, ctx.Err()
	case <-done:
	}

	for i := 0; i < sent; i++ {
		if results[i] != nil {
			return i, true, results[i]
		}
	}
	return sent, false, sendErr
}

// recordFailure counts a failed delivery of uid and reports whether the poller should move past it.
func (p *Poller) recordFailure(st *mailboxState, uid uint32) (bool, error) {
	var failures int
	err := p.db.Run("record imap failure", func(tx *db.Tx) error {
		if _, err := tx.Exec(`
	INSERT INTO _imap_failures (mailbox, uid_validity, uid, failures) VALUES (?, ?, ?, 1)
	ON CONFLICT (mailbox, uid_validity, uid) DO UPDATE SET failures = failures + 1`, st.Mailbox, st.UIDValidity, uid); err != nil {
			return fmt.Errorf("email: error recording failure of uid %d: %w", uid, err)
		}
		return tx.Get(&failures, "SELECT failures FROM _imap_failures WHERE mailbox = ? AND uid_validity = ? AND uid = ?", st.Mailbox, st.UIDValidity, uid)
	})
	if err != nil {
		return false, err
	}
	return p.config.IMAPMaxFailures > 0 && failures >= p.config.IMAPMaxFailures, nil
}

func (p *Poller) state(name string) (*mailboxState, error) {
	st := &mailboxState{Mailbox: name}
	err := p.db.RunReadOnly("load imap state", func(tx *db.Tx) error {
		if err := tx.Get(st, "SELECT * FROM _imap_state WHERE mailbox = ?", name); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("email: error loading state for %s: %w", name, err)
		}
		return nil
	})
	return st, err
}

func (p *Poller) saveState(st *mailboxState) error {
	return p.db.Run("save imap state", func(tx *db.Tx) error {
		if _, err := tx.NamedExec(`
	INSERT INTO _imap_state (mailbox, uid_validity, last_uid) VALUES (:mailbox, :uid_validity, :last_uid)
	ON CONFLICT (mailbox) DO UPDATE SET uid_validity = excluded.uid_validity, last_uid = excluded.last_uid`, st); err != nil {
			return fmt.Errorf("email: error saving state for %s: %w", st.Mailbox, err)
		}
		if _, err := tx.Exec("DELETE FROM _imap_failures WHERE mailbox = ? AND (uid_validity != ? OR uid <= ?)", st.Mailbox, st.UIDValidity, st.LastUID); err != nil {
			return fmt.Errorf("email: error clearing failures for %s: %w", st.Mailbox, err)
		}
		return nil
	})
}
