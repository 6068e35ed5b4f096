// Package envelope turns raw inbound bytes from any transport into a single Envelope shape: a header,
// an ordered list of content parts and some provenance. Normalization never fails; input that cannot be
// parsed still yields an Envelope carrying a synthetic error part.
package envelope

import (
	"errors"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/meow-io/go-chatmail/ids"
)

type Transport int

const (
	TransportEmail Transport = iota + 1
	TransportGossip
)

func (t Transport) String() string {
	switch t {
	case TransportEmail:
		return "email"
	case TransportGossip:
		return "gossip"
	default:
		return "unknown"
	}
}

func ParseTransport(s string) Transport {
	switch s {
	case "email":
		return TransportEmail
	case "gossip":
		return TransportGossip
	default:
		return 0
	}
}

const (
	ErrorContentType         = "text/x-chatmail-error"
	UndecryptableContentType = "text/x-chatmail-undecryptable"
	EncryptedContentType     = "application/x-chatmail-encrypted"
	MembershipContentType    = "application/x-chatmail-membership"
	DispositionContentType   = "message/disposition-notification"
)

// Headers used by chatmail peers on top of RFC 5322.
const (
	HeaderGroupID      = "Chat-Group-ID"
	HeaderGroupName    = "Chat-Group-Name"
	HeaderBroadcastID  = "Chat-Broadcast-ID"
	HeaderListID       = "List-Id"
	HeaderAutocrypt    = "Autocrypt"
	HeaderSecureJoin   = "Secure-Join"
	HeaderGossipSigner = "Chat-Gossip-Signer"
	HeaderGossipURL    = "Chat-Gossip-URL"
)

var ErrMalformed = errors.New("envelope: malformed input")

type Part struct {
	ContentType string
	Params      map[string]string
	Filename    string
	Data        []byte
	Size        int64
	Truncated   bool
}

func (p *Part) IsText() bool {
	return p.ContentType == "text/plain" || p.ContentType == "text/html"
}

type Envelope struct {
	Transport   Transport
	TransportID string
	Header      mail.Header
	Parts       []Part
	ReceivedAt  time.Time
	Digest      ids.Digest
	// Malformed is set when nothing could be parsed; Degraded when the MIME structure was broken
	// and the body was kept as a single text part.
	Malformed bool
	Degraded  bool
	Err       error
}

func (e *Envelope) FromAddr() string {
	list, err := e.Header.AddressList("From")
	if err != nil || len(list) == 0 {
		return normalizeAddr(e.Header.Get("From"))
	}
	return normalizeAddr(list[0].Address)
}

func (e *Envelope) FromName() string {
	list, err := e.Header.AddressList("From")
	if err != nil || len(list) == 0 {
		return ""
	}
	return list[0].Name
}

// Recipients returns the normalized To and Cc addresses in header order without duplicates.
func (e *Envelope) Recipients() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, k := range []string{"To", "Cc"} {
		list, err := e.Header.AddressList(k)
		if err != nil {
			continue
		}
		for _, a := range list {
			addr := normalizeAddr(a.Address)
			if _, ok := seen[addr]; ok || addr == "" {
				continue
			}
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	return out
}

func (e *Envelope) MessageID() string {
	return e.Header.Get("Message-Id")
}

func (e *Envelope) References() []string {
	return e.values("References")
}

func (e *Envelope) InReplyTo() []string {
	return e.values("In-Reply-To")
}

func (e *Envelope) values(key string) []string {
	var out []string
	fields := e.Header.FieldsByKey(key)
	for fields.Next() {
		out = append(out, fields.Value())
	}
	return out
}

func (e *Envelope) Subject() string {
	s, err := e.Header.Subject()
	if err != nil {
		return e.Header.Get("Subject")
	}
	return s
}

// SentAt is the Date header, or the receive time when absent or unparsable.
func (e *Envelope) SentAt() time.Time {
	if d, err := e.Header.Date(); err == nil && !d.IsZero() {
		return d
	}
	return e.ReceivedAt
}

func (e *Envelope) GroupID() string {
	return strings.TrimSpace(e.Header.Get(HeaderGroupID))
}

// Text returns the first text/plain part, falling back to the first text/html part.
func (e *Envelope) Text() string {
	for _, p := range e.Parts {
		if p.ContentType == "text/plain" {
			return string(p.Data)
		}
	}
	for _, p := range e.Parts {
		if p.ContentType == "text/html" {
			return string(p.Data)
		}
	}
	return ""
}

func (e *Envelope) PartsOfType(contentType string) []Part {
	var out []Part
	for _, p := range e.Parts {
		if p.ContentType == contentType {
			out = append(out, p)
		}
	}
	return out
}

func normalizeAddr(a string) string {
	a = strings.TrimSpace(a)
	if i := strings.LastIndex(a, "<"); i >= 0 {
		if j := strings.Index(a[i:], ">"); j > 0 {
			a = a[i+1 : i+j]
		}
	}
	return strings.ToLower(a)
}
