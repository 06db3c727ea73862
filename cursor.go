package recdb

import (
	"github.com/pkg/errors"
)

// Cursor walks the table in ascending ID order by following the leaf chain.
//
//	c, err := db.Cursor()
//	for c.Next() {
//		r := c.Record()
//	}
//	if err := c.Err(); err != nil { ... }
//
// A cursor is bound to the state of the table when it was created or last
// reset. Any later mutation invalidates it and Next fails with
// ErrCursorInvalidated.
type Cursor struct {
	db  *DB
	gen uint64

	leaf *node
	slot int
	// first key to return once positioned
	seek    int32
	seeking bool
	done    bool

	// guards against a cycle in a corrupt leaf chain
	hops    uint32
	started bool

	rec Record
	err error
}

// Cursor returns a cursor positioned before the smallest record.
func (db *DB) Cursor() (*Cursor, error) {
	if err := db.begin(); err != nil {
		return nil, err
	}
	if !db.tree.exists() {
		return nil, ErrTableNotFound
	}
	c := &Cursor{db: db}
	c.Reset()
	return c, nil
}

// Reset rewinds the cursor to before the smallest record and rebinds it to
// the current table state.
func (c *Cursor) Reset() {
	*c = Cursor{db: c.db, gen: c.db.tree.gen}
}

// Seek rewinds the cursor so that the next call to Next returns the first
// record with ID >= id.
func (c *Cursor) Seek(id int32) {
	c.Reset()
	c.seek, c.seeking = id, true
}

// Next advances to the next record and reports whether there is one.
func (c *Cursor) Next() bool {
	if c.err != nil || c.done {
		return false
	}
	if c.gen != c.db.tree.gen {
		c.err = ErrCursorInvalidated
		return false
	}
	if err := c.db.begin(); err != nil {
		c.err = err
		return false
	}

	if c.leaf == nil {
		if err := c.position(); err != nil {
			c.err = c.db.fail(err)
			return false
		}
	} else {
		c.slot++
	}

	// empty leaves left behind by deletes are skipped
	for c.slot >= len(c.leaf.records) {
		if c.leaf.next == 0 {
			c.done = true
			return false
		}
		// a chain can never hold more leaves than the file has pages
		if c.hops++; c.hops >= c.db.fm.header.pageCount {
			c.err = c.db.fail(errors.Wrapf(ErrCorruptPage, "leaf chain longer than %d pages", c.db.fm.header.pageCount))
			return false
		}
		n, err := c.db.tree.load(c.leaf.next)
		if err != nil {
			c.err = c.db.fail(err)
			return false
		}
		if !n.isLeaf() {
			c.err = c.db.fail(errors.Wrapf(ErrCorruptPage, "leaf chain reaches %s page %d", n.typ, n.pgno))
			return false
		}
		c.leaf, c.slot = n, 0
	}
	rec := c.leaf.records[c.slot]
	if c.started && rec.ID <= c.rec.ID {
		c.err = c.db.fail(errors.Wrapf(ErrCorruptPage, "leaf chain goes back from id %d to %d at page %d", c.rec.ID, rec.ID, c.leaf.pgno))
		return false
	}
	c.rec, c.started = rec, true
	return true
}

// position loads the first leaf to scan and the slot within it.
func (c *Cursor) position() error {
	t := c.db.tree
	if c.seeking {
		leaf, err := t.findLeaf(c.seek)
		if err != nil {
			return err
		}
		c.leaf = leaf
		c.slot, _ = searchRecords(leaf.records, c.seek)
		return nil
	}

	pgno := t.root()
	for depth := 0; depth < maxDepth; depth++ {
		n, err := t.load(pgno)
		if err != nil {
			return err
		}
		if n.isLeaf() {
			c.leaf, c.slot = n, 0
			return nil
		}
		pgno = n.children[0]
	}
	return errors.Wrapf(ErrCorruptPage, "tree deeper than %d levels", maxDepth)
}

// Record returns the record at the current position.
func (c *Cursor) Record() Record { return c.rec }

// Err returns the error that stopped the scan, if any.
func (c *Cursor) Err() error { return c.err }
