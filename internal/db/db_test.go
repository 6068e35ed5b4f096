package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/meow-io/go-chatmail/config"
	"github.com/meow-io/go-chatmail/migration"
	sqlite3 "github.com/meow-io/go-sqlcipher"
	"github.com/stretchr/testify/require"
)

var key = []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31}

func newTestDB(t *testing.T) *Database {
	dir := t.TempDir()
	c := config.NewConfig(config.WithRootDir(dir), config.WithStoreRetryAttempts(3))
	d, err := NewDatabase(c, filepath.Join(dir, "test.db"))
	require.Nil(t, err)
	require.Nil(t, d.Initialize(key))
	require.Nil(t, d.Open(key))
	t.Cleanup(func() { _ = d.Shutdown() })
	return d
}

func TestMigrateAndAfterCommit(t *testing.T) {
	require := require.New(t)
	d := newTestDB(t)

	migrations := []*migration.Migration{
		{
			Name: "Create widgets",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec("CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT NOT NULL)")
				return err
			},
		},
	}
	require.Nil(d.Migrate("_widgets", migrations))
	// running twice is a no-op
	require.Nil(d.Migrate("_widgets", migrations))

	committed := false
	require.Nil(d.Run("insert", func(tx *Tx) error {
		tx.AfterCommit(func() { committed = true })
		_, err := tx.Exec("INSERT INTO widgets (name) VALUES ('a')")
		return err
	}))
	require.True(committed)

	rolledBack := false
	err := d.Run("failing insert", func(tx *Tx) error {
		tx.AfterCommit(func() { rolledBack = true })
		if _, err := tx.Exec("INSERT INTO widgets (name) VALUES ('b')"); err != nil {
			return err
		}
		return errors.New("nope")
	})
	require.Error(err)
	require.False(rolledBack)

	var count int
	require.Nil(d.RunReadOnly("count", func(tx *Tx) error {
		return tx.Get(&count, "SELECT count(*) FROM widgets")
	}))
	require.Equal(1, count)
}

func TestConflictsAreRetriedThenFatal(t *testing.T) {
	require := require.New(t)
	d := newTestDB(t)
	d.backoff = 0

	calls := 0
	err := d.Run("always busy", func(tx *Tx) error {
		calls++
		return sqlite3.Error{Code: sqlite3.ErrBusy}
	})
	require.ErrorIs(err, ErrFatal)
	require.Equal(3, calls)

	calls = 0
	require.Nil(d.Run("busy once", func(tx *Tx) error {
		calls++
		if calls == 1 {
			return fmt.Errorf("wrapped: %w", ErrConflict)
		}
		return nil
	}))
	require.Equal(2, calls)
}

func TestReopen(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()
	c := config.NewConfig(config.WithRootDir(dir))
	path := filepath.Join(dir, "test.db")
	d, err := NewDatabase(c, path)
	require.Nil(err)
	require.False(d.Initialized())
	require.Nil(d.Initialize(key))
	_, err = os.Stat(path)
	require.Nil(err)

	d2, err := NewDatabase(c, path)
	require.Nil(err)
	require.True(d2.Initialized())
	require.Nil(d2.Open(key))
	require.Nil(d2.Shutdown())
}
