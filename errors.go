package recdb

import (
	"github.com/pkg/errors"
)

var (
	// storage errors, unrecoverable for the connection that hit them
	ErrCannotOpenDatabase = errors.New("cannot open database")
	ErrIncompatibleFormat = errors.New("incompatible database format")
	ErrCorruptPage        = errors.New("corrupt page")

	// statement outcomes, the connection stays usable
	ErrDuplicateKey       = errors.New("duplicate primary key")
	ErrKeyNotFound        = errors.New("key not found")
	ErrTableNotFound      = errors.New("no such table")
	ErrTableAlreadyExists = errors.New("table already exists")
	ErrInvalidRecord      = errors.New("invalid record")
	ErrUnknownStatement   = errors.New("unknown statement")
	ErrDatabaseReadOnly   = errors.New("database is in read-only mode")

	ErrConnectionClosed  = errors.New("connection closed")
	ErrCursorInvalidated = errors.New("cursor invalidated by a concurrent mutation")
	ErrCorruptDump       = errors.New("corrupt dump stream")
)

// IsStorageError reports whether err is a storage-layer failure after which
// the connection must be re-opened or abandoned. Plain I/O errors count as
// storage errors.
func IsStorageError(err error) bool {
	return err != nil && !isStatementError(err)
}

func isStatementError(err error) bool {
	for _, target := range []error{
		ErrDuplicateKey,
		ErrKeyNotFound,
		ErrTableNotFound,
		ErrTableAlreadyExists,
		ErrInvalidRecord,
		ErrUnknownStatement,
		ErrDatabaseReadOnly,
		ErrConnectionClosed,
		ErrCursorInvalidated,
		ErrCorruptDump,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
