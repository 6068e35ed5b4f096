package chatmail

import (
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	syskeyring "github.com/99designs/keyring"
	"github.com/meow-io/go-chatmail/config"
	"golang.org/x/crypto/argon2"
)

const (
	saltName       = "salt"
	keyringService = "chatmail"
	keySize        = 32
)

// KeyFromPassword derives the store key from password and a salt kept next to the store.
func KeyFromPassword(c *config.Config, password string) ([]byte, error) {
	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	return newKey(password, c.RootDir, saltName)
}

// OpenKeyring opens the platform keyring, falling back to an encrypted file under the account's
// root directory.
func OpenKeyring(c *config.Config, filePassword string) (syskeyring.Keyring, error) {
	ring, err := syskeyring.Open(syskeyring.Config{
		ServiceName: keyringService,
		AllowedBackends: []syskeyring.BackendType{
			syskeyring.KeychainBackend,
			syskeyring.SecretServiceBackend,
			syskeyring.WinCredBackend,
			syskeyring.FileBackend,
		},
		FileDir:                  filepath.Join(c.RootDir, "keyring"),
		FilePasswordFunc:         syskeyring.FixedStringPrompt(filePassword),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// KeyFromKeyring returns the store key kept in ring for addr, generating and storing a random one
// on first use.
func KeyFromKeyring(ring syskeyring.Keyring, addr string) ([]byte, error) {
	item, err := ring.Get(addr)
	if err == nil {
		if len(item.Data) != keySize {
			return nil, fmt.Errorf("stored key for %s has %d bytes", addr, len(item.Data))
		}
		return item.Data, nil
	}
	if !errors.Is(err, syskeyring.ErrKeyNotFound) {
		return nil, fmt.Errorf("getting key for %s: %w", addr, err)
	}
	key := make([]byte, keySize)
	if _, err := crypto_rand.Read(key); err != nil {
		return nil, err
	}
	if err := ring.Set(syskeyring.Item{Key: addr, Data: key, Label: "chatmail store key for " + addr}); err != nil {
		return nil, fmt.Errorf("setting key for %s: %w", addr, err)
	}
	return key, nil
}

func newKey(password, root, saltName string) ([]byte, error) {
	var salt [16]byte
	saltPath := filepath.Join(root, saltName)
	if _, err := os.Stat(saltPath); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		if _, err := crypto_rand.Read(salt[:]); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(saltPath, os.O_WRONLY|os.O_CREATE|os.O_SYNC, 0o400) // #nosec G304
		if err != nil {
			return nil, err
		}
		if _, err := f.Write(salt[:]); err != nil {
			if err := f.Close(); err != nil {
				fmt.Printf("error while closing %#v", err)
			}
			return nil, err
		}
		if err := f.Close(); err != nil {
			return nil, err
		}
	} else {
		f, err := os.OpenFile(saltPath, os.O_RDONLY, 0o400) // #nosec G304
		if err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(f, salt[:]); err != nil {
			if err := f.Close(); err != nil {
				fmt.Printf("error while closing %#v", err)
			}
			return nil, err
		}
		if err := f.Close(); err != nil {
			return nil, err
		}
	}
	return argon2.IDKey([]byte(password), salt[:], 1, 64*1024, 4, keySize), nil
}
