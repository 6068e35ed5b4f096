// Package gate decides what an inbound envelope means cryptographically: it decrypts, checks who signed,
// classifies the result and extracts key announcements. It also seals outbound bodies.
package gate

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/meow-io/go-chatmail/config"
	"github.com/meow-io/go-chatmail/crypto"
	"github.com/meow-io/go-chatmail/envelope"
	"github.com/meow-io/go-chatmail/keyring"
	"github.com/meow-io/go-chatmail/metrics"
	"go.uber.org/zap"
)

type EncryptionState int

const (
	Plaintext EncryptionState = iota
	EncryptedUnverified
	EncryptedVerified
)

func (s EncryptionState) String() string {
	switch s {
	case EncryptedUnverified:
		return "encrypted-unverified"
	case EncryptedVerified:
		return "encrypted-verified"
	default:
		return "plaintext"
	}
}

var ErrMissingKey = errors.New("gate: no key for recipient")

type Result struct {
	Envelope  *envelope.Envelope
	State     EncryptionState
	KeyUpdate *keyring.PeerKeyUpdate
	// Signer is the fingerprint of the key that signed an encrypted body.
	Signer    string
	SignerKey *crypto.PublicKey
	CryptoErr error
}

type Gate struct {
	log        *zap.SugaredLogger
	keys       *keyring.Keyring
	normalizer *envelope.Normalizer
}

func New(c *config.Config, keys *keyring.Keyring, normalizer *envelope.Normalizer) *Gate {
	return &Gate{
		log:        c.Logger("gate"),
		keys:       keys,
		normalizer: normalizer,
	}
}

// Process never rejects an envelope. Crypto problems are reported in Result.CryptoErr and the
// envelope body is replaced with a placeholder.
func (g *Gate) Process(env *envelope.Envelope) *Result {
	if env.Malformed {
		return &Result{Envelope: env, State: Plaintext}
	}

	ciphertext, encrypted := encryptedPayload(env)
	if !encrypted {
		return &Result{Envelope: env, State: Plaintext, KeyUpdate: g.keyUpdate(env)}
	}

	self, err := g.keys.Self()
	if err != nil {
		return g.undecryptable(env, err)
	}
	plaintext, signer, err := crypto.Open(ciphertext, self)
	if err != nil {
		return g.undecryptable(env, err)
	}

	inner := g.normalizer.Normalize(env.Transport, env.TransportID, plaintext)
	if inner.Malformed {
		return g.undecryptable(env, inner.Err)
	}
	mergeOuterHeader(inner, env)
	inner.ReceivedAt = env.ReceivedAt
	inner.Digest = env.Digest

	fpr := signer.Fingerprint()
	r := &Result{
		Envelope:  inner,
		State:     EncryptedUnverified,
		Signer:    fpr,
		SignerKey: signer,
		KeyUpdate: g.keyUpdate(inner),
	}
	if g.keys.IsVerified(fpr) {
		r.State = EncryptedVerified
	}
	// an announced key only counts when it is the key that signed
	if r.KeyUpdate != nil && r.KeyUpdate.Key.Fingerprint() != fpr {
		g.log.Warnf("ignoring autocrypt key for %s that did not sign %s", r.KeyUpdate.Addr, env.TransportID)
		r.KeyUpdate = nil
	}
	g.log.Debugf("opened %s signed by %s (%s)", env.TransportID, fpr, r.State)
	return r
}

func (g *Gate) undecryptable(env *envelope.Envelope, err error) *Result {
	metrics.CryptoFailure(env.Transport.String())
	g.log.Warnf("unable to open %s %s: %v", env.Transport, env.TransportID, err)
	out := *env
	out.Parts = []envelope.Part{{
		ContentType: envelope.UndecryptableContentType,
		Data:        []byte(err.Error()),
		Size:        int64(len(err.Error())),
	}}
	return &Result{Envelope: &out, State: EncryptedUnverified, CryptoErr: err}
}

func (g *Gate) keyUpdate(env *envelope.Envelope) *keyring.PeerKeyUpdate {
	v := env.Header.Get(envelope.HeaderAutocrypt)
	if v == "" {
		return nil
	}
	ac, err := ParseAutocrypt(v)
	if err != nil {
		g.log.Debugf("ignoring autocrypt header on %s: %v", env.TransportID, err)
		return nil
	}
	if ac.Addr != env.FromAddr() {
		g.log.Debugf("ignoring autocrypt header for %s on mail from %s", ac.Addr, env.FromAddr())
		return nil
	}
	return &keyring.PeerKeyUpdate{
		Addr:          ac.Addr,
		Key:           *ac.Key,
		PreferEncrypt: ac.PreferEncrypt,
		GossipURL:     env.Header.Get(envelope.HeaderGossipURL),
		Timestamp:     env.SentAt().UnixMilli(),
	}
}

func encryptedPayload(env *envelope.Envelope) ([]byte, bool) {
	ct, params, err := env.Header.ContentType()
	if err != nil || !strings.EqualFold(ct, "multipart/encrypted") || !strings.EqualFold(params["protocol"], envelope.EncryptedContentType) {
		return nil, false
	}
	for _, p := range env.Parts {
		if p.ContentType == "application/octet-stream" && !p.Truncated {
			return p.Data, true
		}
	}
	return []byte{}, true
}

// mergeOuterHeader fills transport level fields the inner message left out.
func mergeOuterHeader(inner, outer *envelope.Envelope) {
	for _, k := range []string{"From", "To", "Cc", "Date", "Message-Id", envelope.HeaderGroupID, envelope.HeaderGossipSigner} {
		if k == envelope.HeaderGroupID && (inner.Header.Get(envelope.HeaderBroadcastID) != "" || inner.Header.Get(envelope.HeaderListID) != "") {
			continue
		}
		if inner.Header.Get(k) == "" && outer.Header.Get(k) != "" {
			inner.Header.Set(k, outer.Header.Get(k))
		}
	}
}

// Autocrypt renders the header announcing the local key.
func (g *Gate) Autocrypt() (string, error) {
	self, err := g.keys.Self()
	if err != nil {
		return "", err
	}
	ac := &Autocrypt{Addr: g.keys.SelfAddr(), PreferEncrypt: true, Key: &self.Public}
	return ac.String()
}

// RecipientKeys returns the current key of every address, or ErrMissingKey naming the first
// address without one.
func (g *Gate) RecipientKeys(addrs []string) ([]*crypto.PublicKey, error) {
	keys := make([]*crypto.PublicKey, 0, len(addrs))
	for _, a := range addrs {
		p, ok := g.keys.PeerForAddr(a)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingKey, a)
		}
		keys = append(keys, p.PublicKey())
	}
	return keys, nil
}

// Seal wraps inner, a complete RFC 5322 message, into a multipart/encrypted message addressed with outer.
func (g *Gate) Seal(outer mail.Header, inner []byte, recipients []*crypto.PublicKey) ([]byte, error) {
	self, err := g.keys.Self()
	if err != nil {
		return nil, err
	}
	ciphertext, err := crypto.Seal(inner, self, recipients)
	if err != nil {
		return nil, err
	}

	h := message.Header{Header: outer.Header.Copy()}
	h.SetContentType("multipart/encrypted", map[string]string{"protocol": envelope.EncryptedContentType})
	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, h)
	if err != nil {
		return nil, err
	}

	var vh message.Header
	vh.SetContentType(envelope.EncryptedContentType, nil)
	pw, err := w.CreatePart(vh)
	if err != nil {
		return nil, err
	}
	if _, err := pw.Write([]byte("Version: 1\r\n")); err != nil {
		return nil, err
	}
	if err := pw.Close(); err != nil {
		return nil, err
	}

	var bh message.Header
	bh.SetContentType("application/octet-stream", nil)
	bh.Set("Content-Transfer-Encoding", "base64")
	pw, err = w.CreatePart(bh)
	if err != nil {
		return nil, err
	}
	if _, err := pw.Write(ciphertext); err != nil {
		return nil, err
	}
	if err := pw.Close(); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
