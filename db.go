package recdb

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"os"
)

// DefaultCacheSize is the page cache budget used by DefaultOptions, in bytes.
const DefaultCacheSize = 4 << 20

// Options represents the options that can be set when opening a database.
type Options struct {
	// When enabled, CreateTable on a database that already has a table fails
	// with ErrTableAlreadyExists instead of succeeding as a no-op, and the
	// whole tree is checked after every mutation. Checking reads every page,
	// so it should only be used for debugging and tests.
	StrictMode bool

	// Skip fdatasync after each header flush. A crash may then lose
	// acknowledged statements.
	NoSync bool

	// Open database in read-only mode. Mutations fail with
	// ErrDatabaseReadOnly and the file is never written.
	ReadOnly bool

	// Byte budget of the page cache. 0 disables caching and every page
	// access goes to the file.
	CacheSize int64

	// Logger receives debug and warning output. When nil the logrus
	// standard logger is used.
	Logger *log.Logger
}

var DefaultOptions = &Options{
	CacheSize: DefaultCacheSize,
}

// DB is a connection to a single database file holding one table.
//
// A DB is not safe for concurrent use. Statements are executed one at a
// time, in call order, and each is durable once it returns without error
// unless NoSync is set.
type DB struct {
	StrictMode bool

	path   string
	fm     *file
	tree   *btree
	opened bool
	logger *log.Entry

	// first storage error seen; every later statement returns it
	failure error
}

// Open opens the database file at path, creating and initializing it when
// it does not exist or is empty. Options may be nil to use DefaultOptions.
func Open(path string, mode os.FileMode, options *Options) (*DB, error) {
	if options == nil {
		options = DefaultOptions
	}
	logger := options.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	entry := logger.WithField("db", path)

	fm, err := openFile(path, mode, options, entry)
	if err != nil {
		entry.WithError(err).Debug("open failed")
		return nil, err
	}

	db := &DB{
		StrictMode: options.StrictMode,
		path:       path,
		fm:         fm,
		tree:       newBTree(fm, entry),
		opened:     true,
		logger:     entry,
	}
	entry.WithFields(log.Fields{
		"pages": fm.header.pageCount,
		"root":  fm.header.root,
		"rows":  fm.header.rowCount,
	}).Debug("opened")
	return db, nil
}

// Path returns the path of the database file.
func (db *DB) Path() string { return db.path }

// Close releases the file. Calling Close on a closed DB is a no-op.
//
// A connection that failed with a storage error closes without flushing the
// header, so the file keeps the state of the last successful statement.
func (db *DB) Close() error {
	if !db.opened {
		return nil
	}
	db.opened = false
	err := db.fm.close(db.failure == nil)
	if err != nil {
		db.logger.WithError(err).Warn("close")
		return err
	}
	db.logger.Debug("closed")
	return nil
}

// begin reports why no statement may run right now, if anything.
func (db *DB) begin() error {
	if !db.opened {
		return ErrConnectionClosed
	}
	return db.failure
}

// fail records err as the connection failure when it is a storage error.
func (db *DB) fail(err error) error {
	if IsStorageError(err) && db.failure == nil {
		db.failure = err
		db.logger.WithError(err).Warn("storage failure, connection unusable")
	}
	return err
}

// Check verifies the structure of the whole tree: key order, separator
// bounds, equal leaf depth, the leaf chain and the stored row count.
func (db *DB) Check() error {
	if err := db.begin(); err != nil {
		return err
	}
	if !db.tree.exists() {
		return nil
	}
	if err := db.tree.check(); err != nil {
		return db.fail(errors.WithMessage(err, "check"))
	}
	return nil
}
