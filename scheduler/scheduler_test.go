package scheduler

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/meow-io/go-chatmail/clock"
	"github.com/meow-io/go-chatmail/config"
	"github.com/meow-io/go-chatmail/envelope"
	"github.com/meow-io/go-chatmail/internal/db"
	"github.com/meow-io/go-chatmail/internal/test"
	"github.com/meow-io/go-chatmail/transport"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type tracker struct {
	lock   sync.Mutex
	state  map[string]string
	failed int
}

func (t *tracker) move(id, to string, from ...string) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	cur, ok := t.state[id]
	if !ok {
		cur = "pending"
	}
	for _, f := range from {
		if cur == f {
			t.state[id] = to
			return true
		}
	}
	return false
}

func (t *tracker) MarkSent(_ *db.Tx, id string) (bool, error) {
	return t.move(id, "sent", "pending"), nil
}

func (t *tracker) MarkFailed(_ *db.Tx, id, _ string) (bool, error) {
	ok := t.move(id, "failed", "pending")
	if ok {
		t.lock.Lock()
		t.failed++
		t.lock.Unlock()
	}
	return ok, nil
}

func (t *tracker) Retry(_ *db.Tx, id string) (bool, error) {
	return t.move(id, "pending", "failed"), nil
}

func (t *tracker) get(id string) string {
	t.lock.Lock()
	defer t.lock.Unlock()
	if s, ok := t.state[id]; ok {
		return s
	}
	return "pending"
}

type sender struct {
	lock     sync.Mutex
	attempts map[envelope.Transport]int
	behavior map[envelope.Transport]func(ctx context.Context) error
}

func (s *sender) Send(ctx context.Context, out *transport.Outbound) error {
	s.lock.Lock()
	s.attempts[out.Transport]++
	f := s.behavior[out.Transport]
	s.lock.Unlock()
	if f == nil {
		return nil
	}
	return f(ctx)
}

type fixture struct {
	d       *db.Database
	clock   *clock.Manual
	tracker *tracker
	sender  *sender
	s       *Scheduler
}

func newFixture(t *testing.T, opts ...config.Option) *fixture {
	c := config.NewConfig(opts...)
	f := &fixture{
		d:       test.NewTestDatabase(c),
		clock:   clock.NewManual(time.Unix(1_700_000_000, 0)),
		tracker: &tracker{state: make(map[string]string)},
		sender:  &sender{attempts: make(map[envelope.Transport]int), behavior: make(map[envelope.Transport]func(context.Context) error)},
	}
	s, err := New(c, f.d, f.clock, f.sender, f.tracker)
	require.Nil(t, err)
	f.s = s
	return f
}

func (f *fixture) enqueue(t *testing.T, id string, ts ...envelope.Transport) {
	sends := make([]Send, len(ts))
	for i, tr := range ts {
		sends[i] = Send{Transport: tr, Recipients: []string{"bob@example.org"}, Payload: []byte("body")}
	}
	require.Nil(t, f.d.Run("enqueue", func(tx *db.Tx) error {
		return f.s.Enqueue(tx, id, sends)
	}))
}

func (f *fixture) deliveries(t *testing.T, id string) []*Delivery {
	var ds []*Delivery
	require.Nil(t, f.d.RunReadOnly("deliveries", func(tx *db.Tx) error {
		var err error
		ds, err = f.s.Deliveries(tx, id)
		return err
	}))
	return ds
}

func TestBackoff(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, config.WithRetryBaseMs(100), config.WithMaxRetryDelayMs(1000))
	require.Equal(200*time.Millisecond, f.s.Backoff(1))
	require.Equal(800*time.Millisecond, f.s.Backoff(3))
	require.Equal(time.Second, f.s.Backoff(4))
	require.Equal(time.Second, f.s.Backoff(64))
}

func TestAckMarksSent(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	f.enqueue(t, "m1", envelope.TransportEmail)

	n, err := f.s.RunDue(context.Background())
	require.Nil(err)
	require.Equal(1, n)
	require.Equal("sent", f.tracker.get("m1"))
	ds := f.deliveries(t, "m1")
	require.Len(ds, 1)
	require.Equal(StateAcked, ds[0].State)
	require.Equal(1, ds[0].Attempts)

	n, err = f.s.RunDue(context.Background())
	require.Nil(err)
	require.Equal(0, n)
}

func TestFirstAckCancelsOtherTransports(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	f.sender.behavior[envelope.TransportEmail] = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	f.enqueue(t, "m1", envelope.TransportEmail, envelope.TransportGossip)

	_, err := f.s.RunDue(context.Background())
	require.Nil(err)
	require.Equal("sent", f.tracker.get("m1"))

	states := map[envelope.Transport]State{}
	for _, d := range f.deliveries(t, "m1") {
		states[d.Transport] = d.State
	}
	require.Equal(StateAcked, states[envelope.TransportGossip])
	require.Equal(StateCancelled, states[envelope.TransportEmail])

	f.clock.Advance(time.Hour)
	n, err := f.s.RunDue(context.Background())
	require.Nil(err)
	require.Equal(0, n)
}

func TestRetriesAreBoundedAndFailOnce(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, config.WithMaxDeliveryAttempts(3), config.WithRetryBaseMs(100), config.WithMaxRetryDelayMs(1000))
	down := errors.New("connection refused")
	f.sender.behavior[envelope.TransportEmail] = func(context.Context) error { return down }
	f.sender.behavior[envelope.TransportGossip] = func(context.Context) error { return down }
	f.enqueue(t, "m1", envelope.TransportEmail, envelope.TransportGossip)

	for i := 0; i < 10; i++ {
		_, err := f.s.RunDue(context.Background())
		require.Nil(err)
		f.clock.Advance(time.Second)
	}
	require.Equal(3, f.sender.attempts[envelope.TransportEmail])
	require.Equal(3, f.sender.attempts[envelope.TransportGossip])
	require.Equal("failed", f.tracker.get("m1"))
	require.Equal(1, f.tracker.failed)
	for _, d := range f.deliveries(t, "m1") {
		require.Equal(StateExhausted, d.State)
		require.Contains(d.LastError, "connection refused")
	}

	require.Nil(f.d.Run("retry", func(tx *db.Tx) error {
		return f.s.Retry(tx, "m1")
	}))
	f.sender.behavior[envelope.TransportEmail] = nil
	_, err := f.s.RunDue(context.Background())
	require.Nil(err)
	require.Equal("sent", f.tracker.get("m1"))

	err = f.d.Run("retry sent", func(tx *db.Tx) error {
		return f.s.Retry(tx, "m1")
	})
	require.ErrorIs(err, ErrNotRetryable)
}

func TestPermanentErrorExhaustsImmediately(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	f.sender.behavior[envelope.TransportEmail] = func(context.Context) error {
		return errors.Join(transport.ErrPermanent, errors.New("550 no such user"))
	}
	f.enqueue(t, "m1", envelope.TransportEmail)

	_, err := f.s.RunDue(context.Background())
	require.Nil(err)
	require.Equal(1, f.sender.attempts[envelope.TransportEmail])
	require.Equal("failed", f.tracker.get("m1"))
}

func TestFailureWaitsForOtherTransports(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, config.WithRetryBaseMs(100))
	f.sender.behavior[envelope.TransportEmail] = func(context.Context) error { return transport.ErrPermanent }
	f.sender.behavior[envelope.TransportGossip] = func(context.Context) error { return errors.New("peer away") }
	f.enqueue(t, "m1", envelope.TransportEmail, envelope.TransportGossip)

	_, err := f.s.RunDue(context.Background())
	require.Nil(err)
	require.Equal("pending", f.tracker.get("m1"))

	f.sender.behavior[envelope.TransportGossip] = nil
	f.clock.Advance(time.Second)
	_, err = f.s.RunDue(context.Background())
	require.Nil(err)
	require.Equal("sent", f.tracker.get("m1"))
	require.Equal(0, f.tracker.failed)
}

func TestCancel(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)
	f.enqueue(t, "m1", envelope.TransportEmail)
	require.Nil(f.s.Cancel("m1"))

	n, err := f.s.RunDue(context.Background())
	require.Nil(err)
	require.Equal(0, n)
	require.Equal(StateCancelled, f.deliveries(t, "m1")[0].State)
}
