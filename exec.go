package recdb

import (
	"github.com/orsinium-labs/enum"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Op names the kind of a Statement.
type Op enum.Member[string]

var (
	OpCreateTable = Op{Value: "create_table"}
	OpInsert      = Op{Value: "insert"}
	OpFindByID    = Op{Value: "find_by_id"}
	OpListAll     = Op{Value: "list_all"}
	OpUpdate      = Op{Value: "update"}
	OpDeleteByID  = Op{Value: "delete_by_id"}

	Ops = enum.New(OpCreateTable, OpInsert, OpFindByID, OpListAll, OpUpdate, OpDeleteByID)
)

func (op Op) String() string { return op.Value }

// ParseOp returns the Op named s.
func ParseOp(s string) (Op, error) {
	op := Ops.Parse(s)
	if op == nil {
		return Op{}, errors.Wrapf(ErrUnknownStatement, "%q", s)
	}
	return *op, nil
}

// Statement is one request against the table. ID and Name are used by the
// operations that need them and ignored otherwise.
type Statement struct {
	Op   Op
	ID   int32
	Name string
}

// Result is the outcome of a successful Statement.
type Result struct {
	Op Op
	// FindByID: at most one record. ListAll: every record in ID order.
	Records []Record
	// FindByID only.
	Found bool
	// 1 for a successful Insert, Update or DeleteByID.
	RowsAffected int
}

// Exec runs stmt to completion. Statement errors such as ErrDuplicateKey
// leave the table unchanged and the connection usable. Any storage error is
// returned from this and every later call.
func (db *DB) Exec(stmt Statement) (Result, error) {
	res := Result{Op: stmt.Op}
	if err := db.begin(); err != nil {
		return res, err
	}
	if !Ops.Contains(stmt.Op) {
		return res, errors.Wrapf(ErrUnknownStatement, "%q", stmt.Op.Value)
	}

	var err error
	switch stmt.Op {
	case OpCreateTable:
		err = db.createTable()
	case OpInsert:
		var rec Record
		if rec, err = NewRecord(stmt.ID, stmt.Name); err == nil {
			err = db.mutate(func() error { return db.tree.insert(rec) })
		}
		res.RowsAffected = 1
	case OpUpdate:
		var rec Record
		if rec, err = NewRecord(stmt.ID, stmt.Name); err == nil {
			err = db.mutate(func() error { return db.tree.update(rec) })
		}
		res.RowsAffected = 1
	case OpDeleteByID:
		err = db.mutate(func() error { return db.tree.delete(stmt.ID) })
		res.RowsAffected = 1
	case OpFindByID:
		var rec Record
		if err = db.requireTable(); err == nil {
			rec, res.Found, err = db.tree.lookup(stmt.ID)
			if res.Found {
				res.Records = []Record{rec}
			}
		}
	case OpListAll:
		res.Records, err = db.listAll()
	}

	if err != nil {
		db.logger.WithFields(log.Fields{"op": stmt.Op.Value, "id": stmt.ID}).WithError(err).Debug("statement failed")
		return Result{Op: stmt.Op}, db.fail(err)
	}
	db.logger.WithFields(log.Fields{"op": stmt.Op.Value, "id": stmt.ID}).Trace("statement done")
	return res, nil
}

func (db *DB) requireTable() error {
	if !db.tree.exists() {
		return ErrTableNotFound
	}
	return nil
}

func (db *DB) createTable() error {
	if db.fm.readOnly {
		return ErrDatabaseReadOnly
	}
	created, err := db.tree.create()
	if err != nil {
		return err
	}
	if !created {
		if db.StrictMode {
			return ErrTableAlreadyExists
		}
		return nil
	}
	return db.fm.flushHeader()
}

// mutate runs fn against an existing table, then makes the result durable by
// flushing the header.
func (db *DB) mutate(fn func() error) error {
	if err := db.requireTable(); err != nil {
		return err
	}
	if db.fm.readOnly {
		return ErrDatabaseReadOnly
	}
	if err := fn(); err != nil {
		return err
	}
	if db.StrictMode {
		if err := db.tree.check(); err != nil {
			return err
		}
	}
	return db.fm.flushHeader()
}

func (db *DB) listAll() ([]Record, error) {
	if err := db.requireTable(); err != nil {
		return nil, err
	}
	records := make([]Record, 0, db.fm.header.rowCount)
	c := &Cursor{db: db}
	c.Reset()
	for c.Next() {
		records = append(records, c.Record())
	}
	return records, c.Err()
}

// CreateTable creates the table. On a database that already has one it is a
// no-op, or ErrTableAlreadyExists in strict mode.
func (db *DB) CreateTable() error {
	_, err := db.Exec(Statement{Op: OpCreateTable})
	return err
}

// Insert adds a record. It fails with ErrDuplicateKey when id is taken.
func (db *DB) Insert(id int32, name string) error {
	_, err := db.Exec(Statement{Op: OpInsert, ID: id, Name: name})
	return err
}

// FindByID returns the record with the given id. found is false when there
// is none.
func (db *DB) FindByID(id int32) (rec Record, found bool, err error) {
	res, err := db.Exec(Statement{Op: OpFindByID, ID: id})
	if err != nil || !res.Found {
		return Record{}, false, err
	}
	return res.Records[0], true, nil
}

// ListAllOrdered returns every record in ascending ID order.
func (db *DB) ListAllOrdered() ([]Record, error) {
	res, err := db.Exec(Statement{Op: OpListAll})
	return res.Records, err
}

// Update replaces the name stored under id. It fails with ErrKeyNotFound
// when there is no such record.
func (db *DB) Update(id int32, name string) error {
	_, err := db.Exec(Statement{Op: OpUpdate, ID: id, Name: name})
	return err
}

// DeleteByID removes the record with the given id. It fails with
// ErrKeyNotFound when there is no such record.
func (db *DB) DeleteByID(id int32) error {
	_, err := db.Exec(Statement{Op: OpDeleteByID, ID: id})
	return err
}

// Count returns the number of records without scanning the table.
func (db *DB) Count() (int, error) {
	if err := db.begin(); err != nil {
		return 0, err
	}
	if err := db.requireTable(); err != nil {
		return 0, err
	}
	return int(db.fm.header.rowCount), nil
}
