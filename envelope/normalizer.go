package envelope

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	// registers the charsets go-message can decode
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/meow-io/go-chatmail/clock"
	"github.com/meow-io/go-chatmail/config"
	"github.com/meow-io/go-chatmail/ids"
	"go.uber.org/zap"
)

const maxDepth = 16

var errStructure = errors.New("envelope: broken multipart structure")

type Normalizer struct {
	log           *zap.SugaredLogger
	clock         clock.Clock
	maxAttachment int64
}

func NewNormalizer(c *config.Config, cl clock.Clock) *Normalizer {
	return &Normalizer{
		log:           c.Logger("envelope"),
		clock:         cl,
		maxAttachment: c.MaxAttachmentBytes,
	}
}

// Normalize parses raw bytes received over t. It never returns nil.
func (n *Normalizer) Normalize(t Transport, transportID string, raw []byte) *Envelope {
	switch t {
	case TransportGossip:
		return n.normalizeGossip(transportID, raw)
	default:
		return n.normalizeMIME(t, transportID, raw)
	}
}

func (n *Normalizer) newEnvelope(t Transport, transportID string, raw []byte) *Envelope {
	return &Envelope{
		Transport:   t,
		TransportID: transportID,
		ReceivedAt:  n.clock.Now(),
		Digest:      ids.DigestOf(raw),
	}
}

func (n *Normalizer) malformed(env *Envelope, err error) *Envelope {
	n.log.Warnf("malformed %s input %s: %v", env.Transport, env.TransportID, err)
	env.Malformed = true
	env.Err = fmt.Errorf("%w: %w", ErrMalformed, err)
	env.Parts = []Part{{
		ContentType: ErrorContentType,
		Data:        []byte(err.Error()),
		Size:        int64(len(err.Error())),
	}}
	return env
}

func (n *Normalizer) normalizeMIME(t Transport, transportID string, raw []byte) *Envelope {
	env := n.newEnvelope(t, transportID, raw)
	if len(bytes.TrimSpace(raw)) == 0 {
		return n.malformed(env, errors.New("empty input"))
	}

	e, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return n.malformed(env, err)
	}
	env.Header = mail.Header{Header: e.Header}

	if err := n.walk(env, e, 0); err != nil {
		n.log.Debugf("degrading %s: %v", transportID, err)
		env.Degraded = true
		env.Err = err
		env.Parts = []Part{n.rawBodyPart(raw)}
	}
	if len(env.Parts) == 0 {
		env.Parts = []Part{{ContentType: "text/plain", Data: []byte{}}}
	}
	return env
}

func (n *Normalizer) walk(env *Envelope, e *message.Entity, depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("%w: nested deeper than %d", errStructure, maxDepth)
	}
	if mr := e.MultipartReader(); mr != nil {
		for {
			p, err := mr.NextPart()
			if err == io.EOF {
				return nil
			}
			if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
				return fmt.Errorf("%w: %w", errStructure, err)
			}
			if err := n.walk(env, p, depth+1); err != nil {
				return err
			}
		}
	}

	ct, params, err := e.Header.ContentType()
	if err != nil || ct == "" {
		ct = "text/plain"
	}
	part := Part{ContentType: strings.ToLower(ct), Params: params}
	if _, dparams, err := e.Header.ContentDisposition(); err == nil {
		part.Filename = dparams["filename"]
	}
	if part.Filename == "" && params != nil {
		part.Filename = params["name"]
	}

	data, size, truncated, err := n.read(e.Body)
	if err != nil {
		return fmt.Errorf("%w: %w", errStructure, err)
	}
	part.Data = data
	part.Size = size
	part.Truncated = truncated
	if truncated {
		n.log.Debugf("replacing %s part of %d bytes with a placeholder", part.ContentType, size)
	}
	env.Parts = append(env.Parts, part)
	return nil
}

// read keeps at most maxAttachment bytes. Larger bodies are counted and dropped.
func (n *Normalizer) read(r io.Reader) ([]byte, int64, bool, error) {
	limit := n.maxAttachment
	if limit <= 0 {
		b, err := io.ReadAll(r)
		return b, int64(len(b)), false, err
	}
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, 0, false, err
	}
	if int64(len(b)) <= limit {
		return b, int64(len(b)), false, nil
	}
	rest, err := io.Copy(io.Discard, r)
	if err != nil {
		return nil, 0, false, err
	}
	return nil, int64(len(b)) + rest, true, nil
}

func (n *Normalizer) rawBodyPart(raw []byte) Part {
	body := raw
	for _, sep := range [][]byte{[]byte("\r\n\r\n"), []byte("\n\n")} {
		if i := bytes.Index(raw, sep); i >= 0 {
			body = raw[i+len(sep):]
			break
		}
	}
	if n.maxAttachment > 0 && int64(len(body)) > n.maxAttachment {
		return Part{ContentType: "text/plain", Size: int64(len(body)), Truncated: true}
	}
	return Part{ContentType: "text/plain", Data: body, Size: int64(len(body))}
}
