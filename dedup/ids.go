package dedup

import (
	"strconv"
	"strings"
	"time"

	"github.com/meow-io/go-chatmail/envelope"
	"github.com/meow-io/go-chatmail/ids"
	"golang.org/x/text/unicode/norm"
)

const fallbackPrefix = "fallback:"

// LogicalID returns the identity of the message carried by env. It is the canonical Message-ID
// when there is a usable one, otherwise a content hash that is the same for every copy of the
// message no matter which transport delivered it.
func LogicalID(env *envelope.Envelope) string {
	if id, ok := CanonicalMessageID(env.MessageID()); ok {
		return id
	}
	var content []byte
	switch {
	case env.Malformed:
		content = env.Digest[:]
	case len(env.Parts) > 0:
		p := env.Parts[0]
		if p.Truncated {
			content = []byte(p.ContentType + "/" + p.Filename + "/" + strconv.FormatInt(p.Size, 10))
		} else {
			content = p.Data
		}
	}
	sent := env.SentAt().UTC().Truncate(time.Minute).Unix()
	d := ids.DigestOf(
		[]byte(env.FromAddr()),
		[]byte(NormalizeSubject(env.Subject())),
		[]byte(strconv.FormatInt(sent, 10)),
		content,
	)
	return fallbackPrefix + d.String()
}

// CanonicalMessageID lower-cases a Message-ID and strips the angle brackets and any folding
// whitespace. Values without brackets are rejected.
func CanonicalMessageID(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "<") {
		return "", false
	}
	s, _, found := strings.Cut(s[1:], ">")
	if !found {
		return "", false
	}
	s = strings.ToLower(stripSpace(s))
	return s, s != ""
}

// ReferencedIDs parses References, falling back to In-Reply-To when References names nothing.
// Ids come back canonical and oldest first; truncated entries are skipped.
func ReferencedIDs(references, inReplyTo []string) []string {
	var out []string
	parse := func(refs string) {
		for refs != "" {
			refs = strings.TrimLeft(refs, " \t\r\n,")
			if !strings.HasPrefix(refs, "<") {
				i := strings.IndexAny(refs, " >")
				if i < 0 {
					return
				}
				refs = refs[i+1:]
				continue
			}
			refs = refs[1:]
			i := strings.IndexAny(refs, "<>")
			if i < 0 {
				return
			}
			if refs[i] == '<' {
				refs = refs[i:]
				continue
			}
			if ref := strings.ToLower(stripSpace(refs[:i])); ref != "" {
				out = append(out, ref)
			}
			refs = refs[i+1:]
		}
	}
	for _, r := range references {
		parse(r)
	}
	if len(out) == 0 {
		for _, r := range inReplyTo {
			parse(r)
		}
	}
	return out
}

// NormalizeSubject reduces a subject to its thread base: NFC, lower case, single spaces, without
// leading list tags and reply or forward markers.
func NormalizeSubject(s string) string {
	s = strings.ToLower(norm.NFC.String(s))
	s = strings.Join(strings.Fields(s), " ")
	for {
		prev := s
		if strings.HasPrefix(s, "[") {
			if i := strings.Index(s, "]"); i > 0 {
				s = strings.TrimSpace(s[i+1:])
			}
		}
		for _, p := range []string{"re:", "fwd:", "fw:", "aw:", "wg:"} {
			if strings.HasPrefix(s, p) {
				s = strings.TrimSpace(s[len(p):])
				break
			}
		}
		s = strings.TrimSpace(strings.TrimSuffix(s, "(fwd)"))
		if s == prev {
			return s
		}
	}
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' || r == '\r' || r == '\n' {
			return -1
		}
		return r
	}, s)
}
