package chatmail

import (
	"os"
	"testing"

	syskeyring "github.com/99designs/keyring"
	"github.com/meow-io/go-chatmail/config"
	"github.com/stretchr/testify/require"
)

func TestMakePassword(t *testing.T) {
	require := require.New(t)
	tmp := t.TempDir()
	key1, err := newKey("some password", tmp, "salt")
	require.Nil(err)
	key2, err := newKey("some password", tmp, "salt")
	require.Nil(err)
	require.Equal(key1, key2)
	require.Equal(32, len(key1))
}

func TestMakePasswordDifferentSalt(t *testing.T) {
	require := require.New(t)
	tmp := os.TempDir()
	key1, err := newKey("some password", tmp, "salt1")
	require.Nil(err)
	key2, err := newKey("some password", tmp, "salt2")
	require.Nil(err)
	require.NotEqual(key1, key2)
}

func TestKeyFromPasswordCreatesRoot(t *testing.T) {
	require := require.New(t)
	c := config.NewConfig(config.WithRootDir(t.TempDir() + "/nested"))
	key, err := KeyFromPassword(c, "pw")
	require.Nil(err)
	require.Len(key, 32)
	_, err = os.Stat(c.RootDir + "/salt")
	require.Nil(err)
}

func TestKeyFromKeyring(t *testing.T) {
	require := require.New(t)
	ring := syskeyring.NewArrayKeyring(nil)
	key1, err := KeyFromKeyring(ring, "alice@example.org")
	require.Nil(err)
	require.Len(key1, 32)
	key2, err := KeyFromKeyring(ring, "alice@example.org")
	require.Nil(err)
	require.Equal(key1, key2)
	other, err := KeyFromKeyring(ring, "bob@example.org")
	require.Nil(err)
	require.NotEqual(key1, other)

	require.Nil(ring.Set(syskeyring.Item{Key: "short@example.org", Data: []byte("x")}))
	_, err = KeyFromKeyring(ring, "short@example.org")
	require.NotNil(err)
}
