// This package defines a SQLCipher database. It provides some default setup options, explicit transactions
// with after-commit hooks, and bounded retry of transactions that lose to a concurrent writer.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/meow-io/go-chatmail/config"
	"github.com/meow-io/go-chatmail/migration"
	sqlite3 "github.com/meow-io/go-sqlcipher"
	"go.uber.org/zap"
)

const (
	stateNew = iota
	stateInitialized
	stateRunning
)

const driverName = "sqlite3_chatmail"

var (
	// ErrConflict marks a transaction that lost to another writer. It is retried internally.
	ErrConflict = errors.New("db: transaction conflict")
	// ErrFatal is returned once conflicts persist past the configured number of attempts.
	ErrFatal = errors.New("db: store unavailable")
)

type RunnerFunc func(tx *Tx) error

// Tx is a running transaction. Callbacks registered with AfterCommit run, in order, once the
// transaction commits and never if it rolls back.
type Tx struct {
	*sqlx.Tx
	afterCommit  []func()
	beforeCommit []func() error
}

func (tx *Tx) AfterCommit(f func()) {
	tx.afterCommit = append(tx.afterCommit, f)
}

func (tx *Tx) BeforeCommit(f func() error) {
	tx.beforeCommit = append(tx.beforeCommit, f)
}

type Database struct {
	Log  *zap.SugaredLogger
	Conn *sqlx.DB

	config   *config.Config
	state    int
	lock     sync.Mutex
	path     string
	ctx      context.Context
	cancelFn context.CancelFunc
	backoff  time.Duration
}

func NewDatabase(c *config.Config, path string) (*Database, error) {
	log := c.Logger("db")
	log.Debugf("making database at %s", path)

	var state int
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			state = stateNew
		} else {
			return nil, err
		}
	} else {
		state = stateInitialized
	}

	ctx, cancelFn := context.WithCancel(context.Background())
	db := &Database{
		Log:      log,
		config:   c,
		path:     path,
		state:    state,
		ctx:      ctx,
		cancelFn: cancelFn,
		backoff:  10 * time.Millisecond,
	}
	registerDriver()
	return db, nil
}

func (db *Database) Initialize(key []byte) error {
	if db.state != stateNew {
		return fmt.Errorf("db: wrong state, expected %d got %d", stateNew, db.state)
	}
	if len(key) != 32 {
		return fmt.Errorf("db: expected key of length 32, got %d", len(key))
	}

	conn, err := db.setupConnection(key)
	if err != nil {
		return err
	}
	if err := conn.Close(); err != nil {
		return err
	}
	db.state = stateInitialized
	return nil
}

func (db *Database) Initialized() bool {
	return db.state != stateNew
}

func (db *Database) Open(key []byte) error {
	if db.state != stateInitialized {
		return fmt.Errorf("db: wrong state, expected %d got %d", stateInitialized, db.state)
	}
	if len(key) != 32 {
		return fmt.Errorf("db: expected key of length 32, got %d", len(key))
	}

	conn, err := db.setupConnection(key)
	if err != nil {
		return err
	}
	db.Conn = conn
	db.state = stateRunning
	return nil
}

// Shutdown waits for any running transaction before closing the connection.
func (db *Database) Shutdown() error {
	db.lock.Lock()
	defer db.lock.Unlock()
	db.cancelFn()
	if db.Conn == nil {
		return nil
	}
	if err := db.Conn.Close(); err != nil {
		return err
	}
	db.Conn = nil
	ctx, cancelFn := context.WithCancel(context.Background())
	db.ctx = ctx
	db.cancelFn = cancelFn
	db.state = stateInitialized
	return nil
}

func (db *Database) Vacuum() error {
	db.lock.Lock()
	defer db.lock.Unlock()
	_, err := db.Conn.Exec("VACUUM")
	return err
}

// Migrate applies any migrations of the named set which have not yet run.
func (db *Database) Migrate(name string, migrations []*migration.Migration) error {
	return newMigrator(db.config, db, name, migrations).migrate()
}

// Run executes runner inside a read-write transaction. Conflicts are retried up to
// StoreRetryAttempts times, after which ErrFatal is returned.
func (db *Database) Run(label string, runner RunnerFunc) error {
	return db.run(label, &sql.TxOptions{Isolation: sql.LevelDefault, ReadOnly: false}, runner)
}

func (db *Database) RunReadOnly(label string, runner RunnerFunc) error {
	return db.run(label, &sql.TxOptions{Isolation: sql.LevelDefault, ReadOnly: true}, runner)
}

func (db *Database) run(label string, opts *sql.TxOptions, runner RunnerFunc) error {
	attempts := db.config.StoreRetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i != attempts; i++ {
		err = db.lockAndRun(label, opts, runner)
		if !IsConflict(err) {
			return err
		}
		db.Log.Warnf("conflict during %s, attempt %d of %d", label, i+1, attempts)
		time.Sleep(db.backoff << i)
	}
	return fmt.Errorf("%w: %s failed after %d attempts: %w", ErrFatal, label, attempts, err)
}

func (db *Database) lockAndRun(label string, opts *sql.TxOptions, runner RunnerFunc) error {
	start := time.Now()
	db.lock.Lock()
	obtained := time.Now()
	defer func() {
		db.Log.Debugf("completed %s wait=%s exec=%s", label, obtained.Sub(start), time.Since(obtained))
		db.lock.Unlock()
	}()
	if db.Conn == nil {
		return fmt.Errorf("db: %s attempted on a closed database", label)
	}

	sqlTx, err := db.Conn.BeginTxx(db.ctx, opts)
	if err != nil {
		return fmt.Errorf("db: error starting transaction for %s: %w", label, err)
	}
	tx := &Tx{Tx: sqlTx}
	if !opts.ReadOnly {
		if _, err := tx.Exec("PRAGMA defer_foreign_keys = ON"); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("db: error enabling defer_foreign_keys: %w", err)
		}
	}

	runerr := runner(tx)
	if runerr == nil {
		for _, c := range tx.beforeCommit {
			if runerr = c(); runerr != nil {
				break
			}
		}
	}
	if runerr != nil {
		db.Log.Debugf("rolling back %s due to %v", label, runerr)
		if err := tx.Rollback(); err != nil {
			db.Log.Warnf("error while rolling back %s with %v", label, err)
		}
		return fmt.Errorf("error during %s: %w", label, runerr)
	}
	if err := tx.Commit(); err != nil {
		db.Log.Warnf("error while committing %s: %v", label, err)
		return fmt.Errorf("db: error committing %s: %w", label, err)
	}
	for _, f := range tx.afterCommit {
		f()
	}
	return nil
}

// IsConflict reports whether err came from a busy or locked database.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConflict) {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

func (db *Database) setupConnection(key []byte) (*sqlx.DB, error) {
	formattedPath := fmt.Sprintf("file:%s?_locking_mode=EXCLUSIVE&_busy_timeout=100&_secure_delete=on&_journal_mode=WAL&_auto_vacuum=2&_synchronous=3&cache=private&mode=rwc&_pragma_key=x'%x'", url.PathEscape(db.path), key)
	conn, err := sqlx.Open(driverName, formattedPath)
	if err != nil {
		return nil, fmt.Errorf("db: error opening %s %w", db.path, err)
	}

	conn.DB.SetMaxOpenConns(1)

	if _, err := conn.Exec("SELECT name FROM sqlite_master limit 1"); err != nil {
		return nil, fmt.Errorf("db: unable to read from database: %w", err)
	}
	if _, err := conn.Exec("pragma busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("db: error setting busy_timeout: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("db: error setting foreign_keys to ON: %w", err)
	}
	if _, err := conn.Exec("PRAGMA temp_store = 2"); err != nil {
		return nil, fmt.Errorf("db: error setting temp_store: %w", err)
	}
	return conn, nil
}

var registerOnce sync.Once

func registerDriver() {
	registerOnce.Do(func() {
		for _, d := range sql.Drivers() {
			if d == driverName {
				return
			}
		}
		sql.Register(driverName, &sqlite3.SQLiteDriver{})
	})
}
