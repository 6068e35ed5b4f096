// Package scheduler delivers outgoing messages over one or more transports with persistent retry
// state. Every queued delivery is tagged with the logical id of its message: the first transport to
// be acknowledged wins and cancels the others, and a message fails once every transport has given up.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meow-io/go-chatmail/clock"
	"github.com/meow-io/go-chatmail/config"
	"github.com/meow-io/go-chatmail/envelope"
	db "github.com/meow-io/go-chatmail/internal/db"
	"github.com/meow-io/go-chatmail/migration"
	"github.com/meow-io/go-chatmail/transport"
	"go.uber.org/zap"
)

var (
	// ErrTransient wraps a failed attempt that will be retried.
	ErrTransient    = errors.New("scheduler: transient failure")
	ErrNotRetryable = errors.New("scheduler: message has not failed")
)

type State uint8

const (
	StateQueued State = iota + 1
	StateAcked
	StateExhausted
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateAcked:
		return "acked"
	case StateExhausted:
		return "exhausted"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Send describes one transport a message should go out on.
type Send struct {
	Transport  envelope.Transport
	From       string
	Recipients []string
	Payload    []byte
}

// Tracker owns the user visible delivery state of a message.
type Tracker interface {
	MarkSent(tx *db.Tx, logicalID string) (bool, error)
	MarkFailed(tx *db.Tx, logicalID, reason string) (bool, error)
	Retry(tx *db.Tx, logicalID string) (bool, error)
}

type Delivery struct {
	ID            string             `db:"id"`
	LogicalID     string             `db:"logical_id"`
	Transport     envelope.Transport `db:"transport"`
	From          string             `db:"from_addr"`
	Recipients    string             `db:"recipients"`
	Payload       []byte             `db:"payload"`
	Attempts      int                `db:"attempts"`
	NextAttemptAt int64              `db:"next_attempt_at_ms"`
	State         State              `db:"state"`
	LastError     string             `db:"last_error"`
	CreatedAt     int64              `db:"created_at"`
}

func (d *Delivery) outbound() *transport.Outbound {
	var rcpts []string
	if d.Recipients != "" {
		rcpts = strings.Split(d.Recipients, "\n")
	}
	return &transport.Outbound{
		LogicalID:  d.LogicalID,
		Transport:  d.Transport,
		From:       d.From,
		Recipients: rcpts,
		Payload:    d.Payload,
	}
}

type Scheduler struct {
	config       *config.Config
	db           *db.Database
	clock        clock.Clock
	log          *zap.SugaredLogger
	sender       transport.Sender
	tracker      Tracker
	ready        chan struct{}
	runLock      sync.Mutex
	inflightLock sync.Mutex
	inflight     map[string]map[string]context.CancelFunc
	cancelFunc   context.CancelFunc
	finished     sync.WaitGroup
}

func New(c *config.Config, d *db.Database, cl clock.Clock, sender transport.Sender, tracker Tracker) (*Scheduler, error) {
	if err := d.Migrate("_scheduler", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
	CREATE TABLE _outbox (
		id TEXT PRIMARY KEY,
		logical_id TEXT NOT NULL,
		transport INTEGER NOT NULL,
		from_addr TEXT NOT NULL,
		recipients TEXT NOT NULL,
		payload BLOB NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_attempt_at_ms INTEGER NOT NULL,
		state INTEGER NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX _outbox_due ON _outbox (state, next_attempt_at_ms);
	CREATE INDEX _outbox_logical_id ON _outbox (logical_id);
	`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}

	return &Scheduler{
		config:   c,
		db:       d,
		clock:    cl,
		log:      c.Logger("scheduler"),
		sender:   sender,
		tracker:  tracker,
		ready:    make(chan struct{}, 1),
		inflight: make(map[string]map[string]context.CancelFunc),
	}, nil
}

// Backoff is the wait before the next attempt once attempts have failed.
func (s *Scheduler) Backoff(attempts int) time.Duration {
	maxDelay := time.Duration(s.config.MaxRetryDelayMs) * time.Millisecond
	if attempts > 30 {
		return maxDelay
	}
	t := time.Duration(s.config.RetryBaseMs) * time.Millisecond << attempts
	if t > maxDelay {
		t = maxDelay
	}
	return t
}

// Enqueue queues sends for logicalID inside tx. Delivery starts after commit.
func (s *Scheduler) Enqueue(tx *db.Tx, logicalID string, sends []Send) error {
	now := int64(s.clock.CurrentTimeMs())
	for _, send := range sends {
		d := &Delivery{
			ID:            uuid.NewString(),
			LogicalID:     logicalID,
			Transport:     send.Transport,
			From:          send.From,
			Recipients:    strings.Join(send.Recipients, "\n"),
			Payload:       send.Payload,
			NextAttemptAt: now,
			State:         StateQueued,
			CreatedAt:     now,
		}
		if _, err := tx.NamedExec(`
	INSERT INTO _outbox (id, logical_id, transport, from_addr, recipients, payload, attempts, next_attempt_at_ms, state, last_error, created_at)
	VALUES (:id, :logical_id, :transport, :from_addr, :recipients, :payload, :attempts, :next_attempt_at_ms, :state, :last_error, :created_at)`, d); err != nil {
			return fmt.Errorf("scheduler: error queueing %s over %s: %w", logicalID, send.Transport, err)
		}
	}
	tx.AfterCommit(s.signal)
	return nil
}

func (s *Scheduler) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Deliveries lists every queued or finished delivery of logicalID.
func (s *Scheduler) Deliveries(tx *db.Tx, logicalID string) ([]*Delivery, error) {
	var ds []*Delivery
	if err := tx.Select(&ds, "SELECT * FROM _outbox WHERE logical_id = ? ORDER BY created_at, id", logicalID); err != nil {
		return nil, fmt.Errorf("scheduler: error getting deliveries for %s: %w", logicalID, err)
	}
	return ds, nil
}

func (s *Scheduler) Start() error {
	ctx, cancelFunc := context.WithCancel(context.Background())
	s.cancelFunc = cancelFunc
	s.finished.Add(1)
	go func() {
		defer s.finished.Done()
		tick := time.NewTicker(time.Duration(s.config.SchedulerTickMs) * time.Millisecond)
		defer tick.Stop()
		for {
			if _, err := s.RunDue(ctx); err != nil {
				s.log.Warnf("error running due deliveries: %v", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-s.ready:
			case <-tick.C:
			}
		}
	}()
	s.signal()
	return nil
}

func (s *Scheduler) Shutdown() error {
	if s.cancelFunc != nil {
		s.cancelFunc()
		s.finished.Wait()
	}
	return nil
}

// RunDue attempts every delivery whose next attempt is due and waits for the attempts to finish.
// It returns the number of attempts made.
func (s *Scheduler) RunDue(ctx context.Context) (int, error) {
	s.runLock.Lock()
	defer s.runLock.Unlock()

	var due []*Delivery
	if err := s.db.RunReadOnly("due deliveries", func(tx *db.Tx) error {
		if err := tx.Select(&due, "SELECT * FROM _outbox WHERE state = ? AND next_attempt_at_ms <= ? ORDER BY next_attempt_at_ms, created_at", StateQueued, s.clock.CurrentTimeMs()); err != nil {
			return fmt.Errorf("scheduler: error getting due deliveries: %w", err)
		}
		return nil
	}); err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	s.log.Debugf("attempting %d deliveries", len(due))
	var wg sync.WaitGroup
	errs := make([]error, len(due))
	for i, d := range due {
		attemptCtx, cancel := context.WithCancel(ctx)
		s.track(d, cancel)
		wg.Add(1)
		go func(i int, d *Delivery) {
			defer wg.Done()
			defer s.untrack(d)
			sendErr := s.sender.Send(attemptCtx, d.outbound())
			if ctx.Err() != nil {
				// shutting down; the attempt is not counted
				return
			}
			errs[i] = s.complete(d, sendErr)
		}(i, d)
	}
	wg.Wait()
	return len(due), errors.Join(errs...)
}

func (s *Scheduler) track(d *Delivery, cancel context.CancelFunc) {
	s.inflightLock.Lock()
	defer s.inflightLock.Unlock()
	m, ok := s.inflight[d.LogicalID]
	if !ok {
		m = make(map[string]context.CancelFunc)
		s.inflight[d.LogicalID] = m
	}
	m[d.ID] = cancel
}

func (s *Scheduler) untrack(d *Delivery) {
	s.inflightLock.Lock()
	defer s.inflightLock.Unlock()
	if m, ok := s.inflight[d.LogicalID]; ok {
		if cancel, ok := m[d.ID]; ok {
			cancel()
			delete(m, d.ID)
		}
		if len(m) == 0 {
			delete(s.inflight, d.LogicalID)
		}
	}
}

// abort cancels in-flight attempts of logicalID other than except.
func (s *Scheduler) abort(logicalID, except string) {
	s.inflightLock.Lock()
	defer s.inflightLock.Unlock()
	for id, cancel := range s.inflight[logicalID] {
		if id != except {
			cancel()
		}
	}
}

func (s *Scheduler) complete(d *Delivery, sendErr error) error {
	return s.db.Run("complete delivery", func(tx *db.Tx) error {
		if sendErr == nil {
			return s.acked(tx, d)
		}
		return s.failed(tx, d, sendErr)
	})
}

func (s *Scheduler) acked(tx *db.Tx, d *Delivery) error {
	res, err := tx.Exec("UPDATE _outbox SET state = ?, attempts = attempts + 1, last_error = '' WHERE id = ? AND state = ?", StateAcked, d.ID, StateQueued)
	if err != nil {
		return fmt.Errorf("scheduler: error acking %s: %w", d.ID, err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return err
	}
	if _, err := tx.Exec("UPDATE _outbox SET state = ? WHERE logical_id = ? AND state = ?", StateCancelled, d.LogicalID, StateQueued); err != nil {
		return fmt.Errorf("scheduler: error cancelling other deliveries of %s: %w", d.LogicalID, err)
	}
	if _, err := s.tracker.MarkSent(tx, d.LogicalID); err != nil {
		return err
	}
	s.log.Debugf("%s acknowledged over %s", d.LogicalID, d.Transport)
	tx.AfterCommit(func() { s.abort(d.LogicalID, d.ID) })
	return nil
}

func (s *Scheduler) failed(tx *db.Tx, d *Delivery, sendErr error) error {
	attempts := d.Attempts + 1
	permanent := errors.Is(sendErr, transport.ErrPermanent)
	if permanent || attempts >= s.config.MaxDeliveryAttempts {
		res, err := tx.Exec("UPDATE _outbox SET state = ?, attempts = ?, last_error = ? WHERE id = ? AND state = ?", StateExhausted, attempts, sendErr.Error(), d.ID, StateQueued)
		if err != nil {
			return fmt.Errorf("scheduler: error exhausting %s: %w", d.ID, err)
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return err
		}
		s.log.Infof("%s gave up on %s after %d attempts: %v", d.Transport, d.LogicalID, attempts, sendErr)
		return s.failIfExhausted(tx, d.LogicalID, sendErr.Error())
	}

	delay := s.Backoff(attempts)
	next := int64(s.clock.CurrentTimeMs()) + delay.Milliseconds()
	retryErr := fmt.Errorf("%w: %w", ErrTransient, sendErr)
	if _, err := tx.Exec("UPDATE _outbox SET attempts = ?, next_attempt_at_ms = ?, last_error = ? WHERE id = ? AND state = ?", attempts, next, retryErr.Error(), d.ID, StateQueued); err != nil {
		return fmt.Errorf("scheduler: error rescheduling %s: %w", d.ID, err)
	}
	s.log.Debugf("%s attempt %d over %s failed, retrying in %s: %v", d.LogicalID, attempts, d.Transport, delay, sendErr)
	return nil
}

// failIfExhausted fails logicalID once no delivery is queued or acknowledged.
func (s *Scheduler) failIfExhausted(tx *db.Tx, logicalID, reason string) error {
	var live int
	if err := tx.Get(&live, "SELECT COUNT(*) FROM _outbox WHERE logical_id = ? AND state IN (?, ?)", logicalID, StateQueued, StateAcked); err != nil {
		return fmt.Errorf("scheduler: error counting deliveries of %s: %w", logicalID, err)
	}
	if live != 0 {
		return nil
	}
	_, err := s.tracker.MarkFailed(tx, logicalID, reason)
	return err
}

// Cancel stops every queued delivery of logicalID.
func (s *Scheduler) Cancel(logicalID string) error {
	return s.db.Run("cancel deliveries", func(tx *db.Tx) error {
		if _, err := tx.Exec("UPDATE _outbox SET state = ? WHERE logical_id = ? AND state = ?", StateCancelled, logicalID, StateQueued); err != nil {
			return fmt.Errorf("scheduler: error cancelling %s: %w", logicalID, err)
		}
		tx.AfterCommit(func() { s.abort(logicalID, "") })
		return nil
	})
}

// Retry requeues a failed message on every transport that gave up.
func (s *Scheduler) Retry(tx *db.Tx, logicalID string) error {
	ok, err := s.tracker.Retry(tx, logicalID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRetryable, logicalID)
	}
	if _, err := tx.Exec("UPDATE _outbox SET state = ?, attempts = 0, next_attempt_at_ms = ?, last_error = '' WHERE logical_id = ? AND state = ?", StateQueued, s.clock.CurrentTimeMs(), logicalID, StateExhausted); err != nil {
		return fmt.Errorf("scheduler: error requeueing %s: %w", logicalID, err)
	}
	tx.AfterCommit(s.signal)
	return nil
}
