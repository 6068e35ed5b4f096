package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/meow-io/go-chatmail/clock"
	"github.com/meow-io/go-chatmail/config"
	"github.com/meow-io/go-chatmail/envelope"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	sent []*Outbound
	err  error
}

func (r *recordingSender) Send(_ context.Context, out *Outbound) error {
	r.sent = append(r.sent, out)
	return r.err
}

type recordingListener struct {
	started, stopped bool
}

func (l *recordingListener) Start() error {
	l.started = true
	return nil
}

func (l *recordingListener) Shutdown() error {
	l.stopped = true
	return nil
}

func TestSendRoutesByTransport(t *testing.T) {
	require := require.New(t)
	m := NewManager(config.NewConfig(), clock.NewSystemClock())
	email := &recordingSender{}
	m.Register(envelope.TransportEmail, email)

	require.True(m.Available(envelope.TransportEmail))
	require.False(m.Available(envelope.TransportGossip))

	require.Nil(m.Send(context.Background(), &Outbound{LogicalID: "a", Transport: envelope.TransportEmail}))
	require.Len(email.sent, 1)

	err := m.Send(context.Background(), &Outbound{LogicalID: "a", Transport: envelope.TransportGossip})
	require.ErrorIs(err, ErrUnavailable)

	email.err = ErrPermanent
	require.True(errors.Is(m.Send(context.Background(), &Outbound{Transport: envelope.TransportEmail}), ErrPermanent))
}

func TestListenersStartAndStop(t *testing.T) {
	require := require.New(t)
	m := NewManager(config.NewConfig(), clock.NewSystemClock())
	l := &recordingListener{}
	m.AddListener(l)
	require.Nil(m.Start())
	require.True(l.started)
	require.Nil(m.Shutdown())
	require.True(l.stopped)
}

func TestPreflight(t *testing.T) {
	require := require.New(t)
	cl := clock.NewManual(time.Unix(1000, 0))
	m := NewManager(config.NewConfig(), cl)

	require.Equal([]bool{true}, m.Preflight([]string{"id:peer"}))
	cl.Advance(preflightInterval * 3 * time.Second)
	require.Equal([]bool{false, true}, m.Preflight([]string{"id:peer", "id:other"}))

	m.seen([]string{"id:peer", "id:unknown"})
	require.Equal([]bool{true}, m.Preflight([]string{"id:peer"}))
	m.preflightLock.RLock()
	_, ok := m.preflightStatus["id:unknown"]
	m.preflightLock.RUnlock()
	require.False(ok)
}
