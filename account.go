// This package provides a chat account on top of e-mail and local gossip transports. It ingests
// raw messages, decides what they mean cryptographically, deduplicates and threads them, resolves
// contacts and chats, keeps group membership consistent and schedules outgoing deliveries.
package chatmail

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meow-io/go-chatmail/clock"
	"github.com/meow-io/go-chatmail/config"
	"github.com/meow-io/go-chatmail/dedup"
	"github.com/meow-io/go-chatmail/envelope"
	"github.com/meow-io/go-chatmail/events"
	"github.com/meow-io/go-chatmail/gate"
	"github.com/meow-io/go-chatmail/internal/db"
	"github.com/meow-io/go-chatmail/internal/keylock"
	"github.com/meow-io/go-chatmail/keyring"
	"github.com/meow-io/go-chatmail/membership"
	"github.com/meow-io/go-chatmail/messages"
	"github.com/meow-io/go-chatmail/metrics"
	"github.com/meow-io/go-chatmail/resolver"
	"github.com/meow-io/go-chatmail/scheduler"
	"github.com/meow-io/go-chatmail/securejoin"
	"github.com/meow-io/go-chatmail/transport"
	"github.com/meow-io/go-chatmail/transport/email"
	"github.com/meow-io/go-chatmail/transport/gossip"
	"go.uber.org/zap"
)

const (
	// Constants for account state.
	StateInitialized = iota + 1
	StateRunning
)

const sweepInterval = 30 * time.Second

var (
	// ErrPaused is returned while the store is unavailable.
	ErrPaused = errors.New("chatmail: account paused")
	// ErrNotRunning is returned for ingestion after Shutdown.
	ErrNotRunning = errors.New("chatmail: account not running")
)

// Option customises an account before it is opened.
type Option func(*options)

type options struct {
	clock   clock.Clock
	senders map[envelope.Transport]transport.Sender
}

// WithClock replaces the system clock.
func WithClock(cl clock.Clock) Option {
	return func(o *options) {
		o.clock = cl
	}
}

// WithSender routes outgoing deliveries for t to s instead of the configured transport.
func WithSender(t envelope.Transport, s transport.Sender) Option {
	return func(o *options) {
		o.senders[t] = s
	}
}

// Account is one local identity with its store and subsystems.
type Account struct {
	DB *db.Database

	config     *config.Config
	log        *zap.SugaredLogger
	clock      clock.Clock
	state      int
	emitter    *events.Emitter
	locks      *keylock.KeyLock
	keys       *keyring.Keyring
	normalizer *envelope.Normalizer
	gate       *gate.Gate
	dedup      *dedup.Index
	resolver   *resolver.Resolver
	messages   *messages.Store
	membership *membership.Synchronizer
	securejoin *securejoin.Manager
	transport  *transport.Manager
	gossip     *gossip.Manager
	scheduler  *scheduler.Scheduler

	queue      chan *transport.Inbound
	paused     atomic.Bool
	stateLock  sync.RWMutex
	cancelFunc context.CancelFunc
	finished   sync.WaitGroup
}

// Open opens the account stored under c.RootDir with key, creating it when it does not exist yet.
// The account is not receiving or sending until Start is called.
func Open(c *config.Config, key []byte, opts ...Option) (*Account, error) {
	o := &options{clock: clock.NewSystemClock(), senders: make(map[envelope.Transport]transport.Sender)}
	for _, opt := range opts {
		opt(o)
	}

	log := c.Logger("")
	if c.Email.Addr == "" {
		return nil, errors.New("chatmail: no account address configured")
	}
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("opening account %s, using root path of %s", c.Email.Addr, c.RootDir)
	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}

	d, err := db.NewDatabase(c, filepath.Join(c.RootDir, "chatmail.db"))
	if err != nil {
		return nil, err
	}
	if !d.Initialized() {
		if err := d.Initialize(key); err != nil {
			return nil, err
		}
	}
	if err := d.Open(key); err != nil {
		return nil, err
	}

	a := &Account{
		DB:      d,
		config:  c,
		log:     log,
		clock:   o.clock,
		state:   StateInitialized,
		emitter: events.NewEmitter(c.EventQueueSize),
		locks:   keylock.New(0),
		queue:   make(chan *transport.Inbound, c.IngestQueueSize),
	}
	if err := a.initialize(o); err != nil {
		if shutdownErr := d.Shutdown(); shutdownErr != nil {
			log.Warnf("error closing database: %v", shutdownErr)
		}
		return nil, err
	}
	return a, nil
}

func (a *Account) initialize(o *options) error {
	var err error
	if a.keys, err = keyring.New(a.config, a.DB, a.clock); err != nil {
		return err
	}
	if _, err := a.keys.EnsureIdentity(a.config.Email.Addr); err != nil {
		return err
	}
	a.normalizer = envelope.NewNormalizer(a.config, a.clock)
	a.gate = gate.New(a.config, a.keys, a.normalizer)
	if a.dedup, err = dedup.New(a.config, a.DB); err != nil {
		return err
	}
	if a.resolver, err = resolver.New(a.config, a.DB, a.keys, a.clock, a.emitter); err != nil {
		return err
	}
	if a.messages, err = messages.New(a.config, a.DB, a.clock, a.emitter); err != nil {
		return err
	}
	if a.membership, err = membership.New(a.config, a.DB, a.clock, a.emitter, &membershipHook{a: a}); err != nil {
		return err
	}
	a.securejoin = securejoin.NewManager(a.config, a.keys, a.clock, a.securejoinProgress)

	a.transport = transport.NewManager(a.config, a.clock)
	if a.config.Email.SMTPHost != "" {
		a.transport.Register(envelope.TransportEmail, email.NewSender(a.config, nil))
	}
	if a.config.Email.IMAPHost != "" {
		poller, err := email.NewPoller(a.config, a.DB, nil, a.Ingest)
		if err != nil {
			return err
		}
		a.transport.AddListener(poller)
	}
	if a.config.GossipEnabled {
		if a.gossip, err = gossip.NewManager(a.config, a.DB, a.Ingest); err != nil {
			return err
		}
		a.transport.Register(envelope.TransportGossip, a.gossip)
		a.transport.AddListener(a.gossip)
		a.transport.SetScanner(a.gossip)
	}
	for t, s := range o.senders {
		a.transport.Register(t, s)
	}

	if a.scheduler, err = scheduler.New(a.config, a.DB, a.clock, a.transport, a.messages); err != nil {
		return err
	}
	return nil
}

// Start begins receiving, processing and delivering.
func (a *Account) Start() error {
	a.stateLock.Lock()
	defer a.stateLock.Unlock()
	if a.state != StateInitialized {
		return fmt.Errorf("chatmail: expected state %d, was %d", StateInitialized, a.state)
	}

	ctx, cancelFunc := context.WithCancel(context.Background())
	a.cancelFunc = cancelFunc
	workers := a.config.Workers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i != workers; i++ {
		a.startWorker(ctx, i)
	}
	a.startSweeper(ctx)

	if err := a.scheduler.Start(); err != nil {
		return err
	}
	if err := a.transport.Start(); err != nil {
		return err
	}
	a.state = StateRunning
	return nil
}

// Shutdown stops the listeners first so nothing new arrives, then the workers, then delivery, and
// closes the store once every running transaction is done.
func (a *Account) Shutdown() error {
	a.stateLock.Lock()
	defer a.stateLock.Unlock()
	// try to clean up memory after a shutdown
	defer runtime.GC()

	errs := make([]string, 0)
	if a.state == StateRunning {
		if err := a.transport.Shutdown(); err != nil {
			errs = append(errs, err.Error())
		}
		a.cancelFunc()
		a.finished.Wait()
		a.drain()
		if err := a.scheduler.Shutdown(); err != nil {
			errs = append(errs, err.Error())
		}
		a.cancelFunc = nil
	}
	if err := a.DB.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	a.state = 0

	if len(errs) != 0 {
		return fmt.Errorf("error during shutdown: %s", strings.Join(errs, ", "))
	}
	return nil
}

// Running returns true when the account has been started.
func (a *Account) Running() bool {
	a.stateLock.RLock()
	defer a.stateLock.RUnlock()
	return a.state == StateRunning
}

// Paused returns true after the store failed persistently. Ingestion is refused until Resume.
func (a *Account) Paused() bool {
	return a.paused.Load()
}

func (a *Account) Resume() {
	if a.paused.CompareAndSwap(true, false) {
		a.log.Infof("resuming account")
	}
}

// Events returns the channel state changes are delivered on.
func (a *Account) Events() <-chan events.Event {
	return a.emitter.Updates()
}

// MissedEvents is the number of events dropped because Events was not read fast enough.
func (a *Account) MissedEvents() uint64 {
	return a.emitter.Missed()
}

// Addr is the account's own address.
func (a *Account) Addr() string {
	return a.keys.SelfAddr()
}

// Fingerprint is the fingerprint of the account's key.
func (a *Account) Fingerprint() string {
	self, err := a.keys.Self()
	if err != nil {
		return ""
	}
	return self.Fingerprint()
}

// GossipURL is the address peers on the local network reach this account at, empty without
// gossip.
func (a *Account) GossipURL() string {
	if a.gossip == nil {
		return ""
	}
	return a.gossip.URL()
}

// Ingest queues in for processing. It blocks while the queue is full, which pushes back on the
// listener. in.Done is called once processing finished.
func (a *Account) Ingest(ctx context.Context, in *transport.Inbound) error {
	if a.Paused() {
		return ErrPaused
	}
	if !a.Running() {
		return ErrNotRunning
	}
	select {
	case a.queue <- in:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IngestNow processes in on the calling goroutine.
func (a *Account) IngestNow(in *transport.Inbound) error {
	if a.Paused() {
		return ErrPaused
	}
	err := a.process(in)
	in.Done(err)
	return err
}

func (a *Account) startWorker(ctx context.Context, n int) {
	a.finished.Add(1)
	go func() {
		defer a.finished.Done()
		a.log.Debugf("worker %d started", n)
		for {
			select {
			case <-ctx.Done():
				return
			case in := <-a.queue:
				in.Done(a.process(in))
			}
		}
	}()
}

// drain fails whatever is left in the queue so listeners are not left waiting.
func (a *Account) drain() {
	for {
		select {
		case in := <-a.queue:
			in.Done(ErrNotRunning)
		default:
			return
		}
	}
}

// process runs one inbound message through the pipeline. A panic is confined to the message that
// caused it.
func (a *Account) process(in *transport.Inbound) (err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PanicInc("chatmail")
			metrics.Ingested(in.Transport.String(), "panic")
			a.log.Errorf("panic while processing %s %s: %v\n%s", in.Transport, in.TransportID, r, debug.Stack())
			a.emitter.Emit(events.Event{Kind: events.Error, Text: fmt.Sprintf("error processing %s: %v", in.TransportID, r)})
			err = fmt.Errorf("chatmail: panic processing %s: %v", in.TransportID, r)
		}
	}()
	return a.ingest(in)
}

func (a *Account) startSweeper(ctx context.Context) {
	a.finished.Add(1)
	go func() {
		defer a.finished.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(sweepInterval):
			}
			if err := a.Sweep(); err != nil {
				a.log.Warnf("error sweeping: %v", err)
			}
		}
	}()
}

// Sweep expires SecureJoin sessions and membership events that waited too long for their
// dependencies.
func (a *Account) Sweep() error {
	a.securejoin.Expire()
	return a.run("expire membership", func(tx *db.Tx) error {
		_, err := a.membership.Expire(tx, a.clock.Now())
		return err
	})
}

// run is DB.Run that pauses the account once the store gives up.
func (a *Account) run(label string, f db.RunnerFunc) error {
	err := a.DB.Run(label, f)
	if errors.Is(err, db.ErrFatal) && a.paused.CompareAndSwap(false, true) {
		a.log.Errorf("pausing account: %v", err)
		a.emitter.Emit(events.Event{Kind: events.Error, Text: err.Error()})
	}
	return err
}

func (a *Account) securejoinProgress(s securejoin.Session) {
	kind := events.SecurejoinJoinerProgress
	if s.Role == securejoin.Inviter {
		kind = events.SecurejoinInviterProgress
	}
	ev := events.Event{Kind: kind, Progress: progressOf(s), Text: s.PeerAddr}
	if s.Err != nil {
		ev.Text = s.Err.Error()
	}
	a.emitter.Emit(ev)
}

func progressOf(s securejoin.Session) int {
	switch s.State {
	case securejoin.New:
		return 100
	case securejoin.AwaitingSecret:
		return 300
	case securejoin.Verified:
		return 600
	case securejoin.Done:
		return 1000
	default:
		return 0
	}
}
