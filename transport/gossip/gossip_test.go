package gossip

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/meow-io/go-chatmail/config"
	"github.com/meow-io/go-chatmail/envelope"
	"github.com/meow-io/go-chatmail/internal/test"
	"github.com/meow-io/go-chatmail/transport"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type inbox struct {
	lock     sync.Mutex
	received []*transport.Inbound
	fail     error
}

func (i *inbox) receive(_ context.Context, in *transport.Inbound) error {
	i.lock.Lock()
	defer i.lock.Unlock()
	i.received = append(i.received, in)
	in.Done(i.fail)
	return nil
}

func newManager(t *testing.T, i *inbox) *Manager {
	c := config.NewConfig()
	m, err := NewManager(c, test.NewTestDatabase(c), i.receive)
	require.Nil(t, err)
	return m
}

func TestURLRoundTrip(t *testing.T) {
	require := require.New(t)
	var digest [32]byte
	digest[0] = 9
	parsed, err := ParseURL(NewURL(digest))
	require.Nil(err)
	require.Equal(digest, parsed)

	_, err = ParseURL("mailto:someone@example.org")
	require.Error(err)
}

func TestEndpointPersists(t *testing.T) {
	require := require.New(t)
	c := config.NewConfig()
	d := test.NewTestDatabase(c)
	first, err := NewManager(c, d, (&inbox{}).receive)
	require.Nil(err)
	second, err := NewManager(c, d, (&inbox{}).receive)
	require.Nil(err)
	require.Equal(first.URL(), second.URL())
}

func TestSendIsAcknowledgedAfterProcessing(t *testing.T) {
	require := require.New(t)
	aliceInbox, bobInbox := &inbox{}, &inbox{}
	alice := newManager(t, aliceInbox)
	bob := newManager(t, bobInbox)
	_, err := bob.serve("127.0.0.1:0")
	require.Nil(err)
	defer bob.Shutdown()

	alice.locate = func(_ context.Context, to string) ([]string, error) {
		if to != bob.URL() {
			return nil, nil
		}
		return []string{"https://" + bob.addr}, nil
	}

	payload := []byte("packet")
	require.Nil(alice.Send(context.Background(), &transport.Outbound{
		LogicalID:  "m1",
		Transport:  envelope.TransportGossip,
		Recipients: []string{bob.URL()},
		Payload:    payload,
	}))
	require.Len(bobInbox.received, 1)
	require.Equal(envelope.TransportGossip, bobInbox.received[0].Transport)
	require.Equal(envelope.PacketID(payload), bobInbox.received[0].TransportID)
	require.Equal(payload, bobInbox.received[0].Raw)

	bobInbox.lock.Lock()
	bobInbox.fail = errors.New("store unavailable")
	bobInbox.lock.Unlock()
	err = alice.Send(context.Background(), &transport.Outbound{LogicalID: "m2", Recipients: []string{bob.URL()}, Payload: payload})
	require.Error(err)
	require.False(errors.Is(err, transport.ErrPermanent))

	err = alice.Send(context.Background(), &transport.Outbound{LogicalID: "m3", Recipients: []string{alice.URL()}, Payload: payload})
	require.ErrorIs(err, ErrNotFound)

	err = alice.Send(context.Background(), &transport.Outbound{LogicalID: "m4", Recipients: []string{"bob@example.org"}, Payload: payload})
	require.ErrorIs(err, transport.ErrPermanent)
}
