package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/meow-io/go-chatmail/config"
	"github.com/meow-io/go-chatmail/transport"
	"go.uber.org/zap"
)

// MaxRcptTo is the most recipients put on a single SMTP transaction.
const MaxRcptTo = 50

// Client is the part of an SMTP session the sender needs.
type Client interface {
	SendMail(from string, to []string, r io.Reader) error
	Close() error
}

type SMTPDialer func(ctx context.Context) (Client, error)

type smtpClient struct {
	*smtp.Client
}

func (c *smtpClient) Close() error {
	_ = c.Client.Quit()
	return c.Client.Close()
}

// DialSMTP connects and authenticates to the submission server described by e.
func DialSMTP(e config.Email) SMTPDialer {
	return func(_ context.Context) (Client, error) {
		addr := net.JoinHostPort(e.SMTPHost, strconv.Itoa(e.SMTPPort))

		var c *smtp.Client
		var err error
		if e.StartTLS {
			c, err = smtp.DialStartTLS(addr, nil)
		} else {
			c, err = smtp.DialTLS(addr, nil)
		}
		if err != nil {
			return nil, fmt.Errorf("email: error connecting to %s: %w", addr, err)
		}
		if err := c.Auth(sasl.NewPlainClient("", e.Username, e.Password)); err != nil {
			_ = c.Close()
			return nil, classify(fmt.Errorf("email: auth failed for %s: %w", e.Username, err))
		}
		return &smtpClient{c}, nil
	}
}

type Sender struct {
	config *config.Config
	log    *zap.SugaredLogger
	dial   SMTPDialer
}

func NewSender(c *config.Config, dial SMTPDialer) *Sender {
	if dial == nil {
		dial = DialSMTP(c.Email)
	}
	return &Sender{
		config: c,
		log:    c.Logger("transport/email/smtp"),
		dial:   dial,
	}
}

// Send submits out to its recipients, MaxRcptTo at a time. A 5xx reply makes the error permanent.
func (s *Sender) Send(ctx context.Context, out *transport.Outbound) error {
	if len(out.Recipients) == 0 {
		return fmt.Errorf("email: %s has no recipients: %w", out.LogicalID, transport.ErrPermanent)
	}
	from := out.From
	if from == "" {
		from = s.config.Email.Addr
	}

	c, err := s.dial(ctx)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer func() {
		if stop() {
			_ = c.Close()
		}
	}()

	for _, chunk := range Chunk(out.Recipients, MaxRcptTo) {
		s.log.Debugf("submitting %s to %d recipients", out.LogicalID, len(chunk))
		if err := c.SendMail(from, chunk, bytes.NewReader(out.Payload)); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return classify(fmt.Errorf("email: error submitting %s: %w", out.LogicalID, err))
		}
	}
	return nil
}

// Chunk splits addrs into slices of at most n.
func Chunk(addrs []string, n int) [][]string {
	chunks := make([][]string, 0, (len(addrs)+n-1)/n)
	for len(addrs) > n {
		chunks = append(chunks, addrs[:n])
		addrs = addrs[n:]
	}
	if len(addrs) != 0 {
		chunks = append(chunks, addrs)
	}
	return chunks
}

func classify(err error) error {
	var se *smtp.SMTPError
	if errors.As(err, &se) && se.Code >= 500 && se.Code < 600 {
		return fmt.Errorf("%w: %w", transport.ErrPermanent, err)
	}
	return err
}
