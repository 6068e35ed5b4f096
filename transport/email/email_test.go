package email

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"

	"github.com/emersion/go-smtp"
	"github.com/meow-io/go-chatmail/config"
	"github.com/meow-io/go-chatmail/internal/test"
	"github.com/meow-io/go-chatmail/transport"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type fakeMailbox struct {
	lock     sync.Mutex
	validity uint32
	messages map[uint32][]byte
}

func (f *fakeMailbox) Select(name string) (uint32, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.validity, nil
}

func (f *fakeMailbox) UIDs() ([]uint32, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	uids := make([]uint32, 0, len(f.messages))
	for u := range f.messages {
		uids = append(uids, u)
	}
	return uids, nil
}

func (f *fakeMailbox) Fetch(uids []uint32) (map[uint32][]byte, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	out := make(map[uint32][]byte)
	for _, u := range uids {
		if raw, ok := f.messages[u]; ok {
			out[u] = raw
		}
	}
	return out, nil
}

func (f *fakeMailbox) Close() error { return nil }

type collector struct {
	lock   sync.Mutex
	ids    []string
	failOn string
}

func (c *collector) receive(_ context.Context, in *transport.Inbound) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if in.TransportID == c.failOn {
		go in.Done(errors.New("store unavailable"))
		return nil
	}
	c.ids = append(c.ids, in.TransportID)
	go in.Done(nil)
	return nil
}

func newPoller(t *testing.T, mb *fakeMailbox, c *collector) *Poller {
	cfg := config.NewConfig()
	d := test.NewTestDatabase(cfg)
	p, err := NewPoller(cfg, d, func(context.Context) (Mailbox, error) { return mb, nil }, c.receive)
	require.Nil(t, err)
	return p
}

func TestPollDeliversNewMessagesOnce(t *testing.T) {
	require := require.New(t)
	mb := &fakeMailbox{validity: 7, messages: map[uint32][]byte{3: []byte("c"), 1: []byte("a"), 2: []byte("b")}}
	c := &collector{}
	p := newPoller(t, mb, c)

	n, err := p.Poll(context.Background())
	require.Nil(err)
	require.Equal(3, n)
	require.Equal([]string{"INBOX/7/1", "INBOX/7/2", "INBOX/7/3"}, c.ids)

	n, err = p.Poll(context.Background())
	require.Nil(err)
	require.Equal(0, n)

	mb.lock.Lock()
	mb.messages[4] = []byte("d")
	mb.lock.Unlock()
	n, err = p.Poll(context.Background())
	require.Nil(err)
	require.Equal(1, n)
	require.Equal("INBOX/7/4", c.ids[3])
}

func TestUIDValidityChangeResyncs(t *testing.T) {
	require := require.New(t)
	mb := &fakeMailbox{validity: 1, messages: map[uint32][]byte{1: []byte("a"), 2: []byte("b")}}
	c := &collector{}
	p := newPoller(t, mb, c)

	_, err := p.Poll(context.Background())
	require.Nil(err)

	mb.lock.Lock()
	mb.validity = 2
	mb.lock.Unlock()
	n, err := p.Poll(context.Background())
	require.Nil(err)
	require.Equal(2, n)
	require.Equal([]string{"INBOX/1/1", "INBOX/1/2", "INBOX/2/1", "INBOX/2/2"}, c.ids)
}

func TestFailedAckIsRetried(t *testing.T) {
	require := require.New(t)
	mb := &fakeMailbox{validity: 1, messages: map[uint32][]byte{1: []byte("a"), 2: []byte("b"), 3: []byte("c")}}
	c := &collector{failOn: "INBOX/1/2"}
	p := newPoller(t, mb, c)

	n, err := p.Poll(context.Background())
	require.Error(err)
	require.Equal(1, n)

	c.lock.Lock()
	c.failOn = ""
	c.lock.Unlock()
	n, err = p.Poll(context.Background())
	require.Nil(err)
	require.Equal(2, n)
	require.Equal([]string{"INBOX/1/1", "INBOX/1/3", "INBOX/1/2", "INBOX/1/3"}, c.ids)
}

func TestFailingMessageIsSkipped(t *testing.T) {
	require := require.New(t)
	mb := &fakeMailbox{validity: 1, messages: map[uint32][]byte{1: []byte("a"), 2: []byte("b"), 3: []byte("c")}}
	c := &collector{failOn: "INBOX/1/2"}
	p := newPoller(t, mb, c)
	require.Equal(3, p.config.IMAPMaxFailures)

	n, err := p.Poll(context.Background())
	require.Error(err)
	require.Equal(1, n)
	n, err = p.Poll(context.Background())
	require.Error(err)
	require.Equal(0, n)

	// the third failure moves the high-water mark past the message
	n, err = p.Poll(context.Background())
	require.Nil(err)
	require.Equal(0, n)
	st, err := p.state("INBOX")
	require.Nil(err)
	require.Equal(uint32(2), st.LastUID)

	n, err = p.Poll(context.Background())
	require.Nil(err)
	require.Equal(1, n)
	n, err = p.Poll(context.Background())
	require.Nil(err)
	require.Equal(0, n)
	require.NotContains(c.ids, "INBOX/1/2")
	require.Equal("INBOX/1/3", c.ids[len(c.ids)-1])
}

type fakeClient struct {
	calls [][]string
	err   error
}

func (f *fakeClient) SendMail(from string, to []string, r io.Reader) error {
	if f.err != nil {
		return f.err
	}
	if _, err := io.ReadAll(r); err != nil {
		return err
	}
	f.calls = append(f.calls, to)
	return nil
}

func (f *fakeClient) Close() error { return nil }

func newSender(fc *fakeClient) *Sender {
	return NewSender(config.NewConfig(), func(context.Context) (Client, error) { return fc, nil })
}

func TestSendChunksRecipients(t *testing.T) {
	require := require.New(t)
	fc := &fakeClient{}
	s := newSender(fc)
	rcpts := make([]string, 120)
	for i := range rcpts {
		rcpts[i] = fmt.Sprintf("r%d@example.org", i)
	}
	require.Nil(s.Send(context.Background(), &transport.Outbound{LogicalID: "x", From: "a@example.org", Recipients: rcpts, Payload: []byte("hi")}))
	require.Len(fc.calls, 3)
	require.Len(fc.calls[0], 50)
	require.Len(fc.calls[1], 50)
	require.Len(fc.calls[2], 20)
}

func TestSendClassifiesReplies(t *testing.T) {
	require := require.New(t)
	out := &transport.Outbound{LogicalID: "x", Recipients: []string{"b@example.org"}, Payload: []byte("hi")}

	err := newSender(&fakeClient{err: &smtp.SMTPError{Code: 550, Message: "no such user"}}).Send(context.Background(), out)
	require.ErrorIs(err, transport.ErrPermanent)

	err = newSender(&fakeClient{err: &smtp.SMTPError{Code: 421, Message: "try later"}}).Send(context.Background(), out)
	require.Error(err)
	require.False(errors.Is(err, transport.ErrPermanent))

	err = newSender(&fakeClient{}).Send(context.Background(), &transport.Outbound{LogicalID: "y"})
	require.ErrorIs(err, transport.ErrPermanent)
}

func TestChunk(t *testing.T) {
	require := require.New(t)
	require.Len(Chunk(nil, 50), 0)
	require.Equal([][]string{{"a", "b"}, {"c"}}, Chunk([]string{"a", "b", "c"}, 2))
}
