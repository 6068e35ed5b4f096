// Package test holds helpers shared by the package tests. Everything a test creates lives under
// the working directory with a test- prefix and is removed by DBCleanup.
package test

import (
	crypto_rand "crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/meow-io/go-chatmail/config"
	db "github.com/meow-io/go-chatmail/internal/db"
)

// Key is the store key every test database is opened with.
var Key = []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31}

var cleanupGlobs = []string{"*-journal", "*-wal", "*-shm", "test-*", "out.log"}

// DeleteAll removes every file and directory matching glob.
func DeleteAll(glob string) {
	matches, err := filepath.Glob(glob)
	if err != nil {
		panic(err)
	}
	for _, m := range matches {
		if err := os.RemoveAll(m); err != nil {
			panic(err)
		}
	}
}

// DBCleanup runs the tests and removes what they left behind. It is meant for TestMain.
func DBCleanup(run func() int) int {
	code := run()
	for _, g := range cleanupGlobs {
		DeleteAll(g)
	}
	return code
}

func randomName() string {
	var b [8]byte
	if _, err := crypto_rand.Read(b[:]); err != nil {
		panic("short read from random source")
	}
	return hex.EncodeToString(b[:])
}

// NewTestDatabase creates, initializes and opens a fresh database.
func NewTestDatabase(c *config.Config) *db.Database {
	d, err := db.NewDatabase(c, fmt.Sprintf("test-%s", randomName()))
	if err != nil {
		panic(err)
	}
	if err := d.Initialize(Key); err != nil {
		panic(err)
	}
	if err := d.Open(Key); err != nil {
		panic(err)
	}
	return d
}
