package gate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/meow-io/go-chatmail/crypto"
	"github.com/meow-io/go-chatmail/keyring"
)

var errBadAutocrypt = errors.New("gate: bad autocrypt header")

type Autocrypt struct {
	Addr          string
	PreferEncrypt bool
	Key           *crypto.PublicKey
}

func ParseAutocrypt(v string) (*Autocrypt, error) {
	ac := &Autocrypt{}
	var keydata string
	for _, attr := range strings.Split(v, ";") {
		k, val, ok := strings.Cut(strings.TrimSpace(attr), "=")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "addr":
			ac.Addr = keyring.NormalizeAddr(val)
		case "prefer-encrypt":
			ac.PreferEncrypt = strings.TrimSpace(val) == "mutual"
		case "keydata":
			keydata = strings.Join(strings.Fields(val), "")
		default:
			// unknown critical attributes invalidate the header
			if !strings.HasPrefix(strings.TrimSpace(k), "_") {
				return nil, fmt.Errorf("%w: unknown attribute %s", errBadAutocrypt, k)
			}
		}
	}
	if ac.Addr == "" || keydata == "" {
		return nil, fmt.Errorf("%w: missing addr or keydata", errBadAutocrypt)
	}
	key, err := crypto.ParseKeyData(keydata)
	if err != nil {
		return nil, err
	}
	ac.Key = key
	return ac, nil
}

func (ac *Autocrypt) String() (string, error) {
	kd, err := ac.Key.KeyData()
	if err != nil {
		return "", err
	}
	pe := "nopreference"
	if ac.PreferEncrypt {
		pe = "mutual"
	}
	return fmt.Sprintf("addr=%s; prefer-encrypt=%s; keydata=%s", ac.Addr, pe, kd), nil
}
