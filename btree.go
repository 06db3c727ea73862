package recdb

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"math"
)

// maxDepth bounds every descent so a cycle in a corrupt file cannot loop forever.
const maxDepth = 32

// btree is a B+tree over the int32 primary key. Records live in the leaves,
// internal nodes hold separators only. Nodes are addressed by page number and
// read and written whole through the file manager.
//
// Leaves that empty out on delete are kept in place; search only depends on
// key order and equal leaf depth, both of which delete preserves.
type btree struct {
	fm *file

	// split thresholds, lowered by tests to build deep trees cheaply
	maxLeaf     int
	maxInternal int

	// bumped by every mutation; open cursors compare against it
	gen uint64

	logger *log.Entry
}

func newBTree(fm *file, logger *log.Entry) *btree {
	return &btree{
		fm:          fm,
		maxLeaf:     MaxLeafEntries,
		maxInternal: MaxInternalEntries,
		logger:      logger,
	}
}

func (t *btree) root() uint32 { return t.fm.header.root }

func (t *btree) exists() bool { return t.fm.header.root != 0 }

func (t *btree) load(pgno uint32) (*node, error) {
	page, err := t.fm.readPage(pgno)
	if err != nil {
		return nil, err
	}
	return decodeNode(pgno, page)
}

func (t *btree) store(n *node) error {
	page, err := encodeNode(n)
	if err != nil {
		return err
	}
	return t.fm.writePage(n.pgno, page)
}

// create allocates an empty root leaf. It reports false when the tree
// already has a root.
func (t *btree) create() (bool, error) {
	if t.exists() {
		return false, nil
	}
	pgno, err := t.fm.allocatePage()
	if err != nil {
		return false, err
	}
	if err := t.store(newLeaf(pgno)); err != nil {
		return false, err
	}
	t.fm.header.root = pgno
	t.gen++
	t.logger.WithField("root", pgno).Debug("table created")
	return true, nil
}

// findLeaf descends from the root to the leaf that holds, or would hold, key.
func (t *btree) findLeaf(key int32) (*node, error) {
	pgno := t.root()
	for depth := 0; depth < maxDepth; depth++ {
		n, err := t.load(pgno)
		if err != nil {
			return nil, err
		}
		if n.isLeaf() {
			return n, nil
		}
		pgno = n.children[childIndex(n.keys, key)]
	}
	return nil, errors.Wrapf(ErrCorruptPage, "tree deeper than %d levels", maxDepth)
}

// lookup returns the record stored under key. A missing key is not an error.
func (t *btree) lookup(key int32) (Record, bool, error) {
	leaf, err := t.findLeaf(key)
	if err != nil {
		return Record{}, false, err
	}
	i, found := searchRecords(leaf.records, key)
	if !found {
		return Record{}, false, nil
	}
	return leaf.records[i], true, nil
}

// insert adds rec, splitting full nodes on the way back up. A duplicate key
// is detected at the leaf before anything is written.
func (t *btree) insert(rec Record) error {
	oldRoot := t.root()
	sep, right, err := t.insertInto(oldRoot, rec, 0)
	if err != nil {
		return err
	}
	if right != 0 {
		pgno, err := t.fm.allocatePage()
		if err != nil {
			return err
		}
		root := newInternal(pgno)
		root.keys = append(root.keys, sep)
		root.children = append(root.children, oldRoot, right)
		if err := t.store(root); err != nil {
			return err
		}
		t.fm.header.root = pgno
		t.logger.WithFields(log.Fields{"root": pgno, "separator": sep}).Debug("root split")
	}
	t.fm.header.rowCount++
	t.gen++
	return nil
}

// insertInto inserts rec below page pgno. When the node splits it returns the
// promoted separator and the page number of the new right sibling.
func (t *btree) insertInto(pgno uint32, rec Record, depth int) (int32, uint32, error) {
	if depth >= maxDepth {
		return 0, 0, errors.Wrapf(ErrCorruptPage, "tree deeper than %d levels", maxDepth)
	}
	n, err := t.load(pgno)
	if err != nil {
		return 0, 0, err
	}

	if n.isLeaf() {
		i, found := searchRecords(n.records, rec.ID)
		if found {
			return 0, 0, errors.Wrapf(ErrDuplicateKey, "id %d", rec.ID)
		}
		n.records = append(n.records, Record{})
		copy(n.records[i+1:], n.records[i:])
		n.records[i] = rec
		if len(n.records) > t.maxLeaf {
			return t.splitLeaf(n)
		}
		return 0, 0, t.store(n)
	}

	ci := childIndex(n.keys, rec.ID)
	sep, right, err := t.insertInto(n.children[ci], rec, depth+1)
	if err != nil || right == 0 {
		return 0, 0, err
	}
	n.keys = append(n.keys, 0)
	copy(n.keys[ci+1:], n.keys[ci:])
	n.keys[ci] = sep
	n.children = append(n.children, 0)
	copy(n.children[ci+2:], n.children[ci+1:])
	n.children[ci+1] = right
	if len(n.keys) > t.maxInternal {
		return t.splitInternal(n)
	}
	return 0, 0, t.store(n)
}

// splitLeaf moves records[N/2:] to a new leaf linked after n and promotes the
// first key of the upper half.
func (t *btree) splitLeaf(n *node) (int32, uint32, error) {
	pgno, err := t.fm.allocatePage()
	if err != nil {
		return 0, 0, err
	}
	mid := len(n.records) / 2
	right := newLeaf(pgno)
	right.records = append(right.records, n.records[mid:]...)
	right.next = n.next
	n.records = append(make([]Record, 0, MaxLeafEntries+1), n.records[:mid]...)
	n.next = right.pgno

	if err := t.store(right); err != nil {
		return 0, 0, err
	}
	if err := t.store(n); err != nil {
		return 0, 0, err
	}
	t.logger.WithFields(log.Fields{"left": n.pgno, "right": right.pgno}).Debug("leaf split")
	return right.records[0].ID, right.pgno, nil
}

// splitInternal keeps keys[:mid] and children[:mid+1] in n, promotes
// keys[mid] and moves the rest to a new node.
func (t *btree) splitInternal(n *node) (int32, uint32, error) {
	pgno, err := t.fm.allocatePage()
	if err != nil {
		return 0, 0, err
	}
	mid := len(n.keys) / 2
	promote := n.keys[mid]
	right := newInternal(pgno)
	right.keys = append(right.keys, n.keys[mid+1:]...)
	right.children = append(right.children, n.children[mid+1:]...)
	n.keys = append(make([]int32, 0, MaxInternalEntries+1), n.keys[:mid]...)
	n.children = append(make([]uint32, 0, MaxInternalEntries+2), n.children[:mid+1]...)

	if err := t.store(right); err != nil {
		return 0, 0, err
	}
	if err := t.store(n); err != nil {
		return 0, 0, err
	}
	t.logger.WithFields(log.Fields{"left": n.pgno, "right": right.pgno, "separator": promote}).Debug("internal split")
	return promote, right.pgno, nil
}

// update replaces the record stored under rec.ID in place.
func (t *btree) update(rec Record) error {
	leaf, err := t.findLeaf(rec.ID)
	if err != nil {
		return err
	}
	i, found := searchRecords(leaf.records, rec.ID)
	if !found {
		return errors.Wrapf(ErrKeyNotFound, "id %d", rec.ID)
	}
	leaf.records[i] = rec
	if err := t.store(leaf); err != nil {
		return err
	}
	t.gen++
	return nil
}

// delete removes key from its leaf. Underfull leaves are not merged.
func (t *btree) delete(key int32) error {
	leaf, err := t.findLeaf(key)
	if err != nil {
		return err
	}
	i, found := searchRecords(leaf.records, key)
	if !found {
		return errors.Wrapf(ErrKeyNotFound, "id %d", key)
	}
	leaf.records = append(leaf.records[:i], leaf.records[i+1:]...)
	if err := t.store(leaf); err != nil {
		return err
	}
	t.fm.header.rowCount--
	t.gen++
	return nil
}

// depth returns the number of levels, 1 for a lone root leaf.
func (t *btree) depth() (int, error) {
	pgno := t.root()
	for depth := 1; depth <= maxDepth; depth++ {
		n, err := t.load(pgno)
		if err != nil {
			return 0, err
		}
		if n.isLeaf() {
			return depth, nil
		}
		pgno = n.children[0]
	}
	return 0, errors.Wrapf(ErrCorruptPage, "tree deeper than %d levels", maxDepth)
}

type checkState struct {
	leafDepth int
	leaves    []uint32
	rows      uint32
	lastKey   int64
}

// check walks the whole tree and verifies key order, uniqueness, separator
// bounds, equal leaf depth, the leaf chain and the header row count.
func (t *btree) check() error {
	st := &checkState{leafDepth: -1, lastKey: math.MinInt32 - 1}
	if err := t.checkNode(t.root(), math.MinInt32, math.MaxInt32+1, 0, st); err != nil {
		return err
	}
	if st.rows != t.fm.header.rowCount {
		return errors.Wrapf(ErrCorruptPage, "tree holds %d rows, header says %d", st.rows, t.fm.header.rowCount)
	}

	// the chain must visit exactly the leaves found by the walk, in order
	pgno := st.leaves[0]
	for i, want := range st.leaves {
		if pgno != want {
			return errors.Wrapf(ErrCorruptPage, "leaf chain reaches page %d at position %d, want %d", pgno, i, want)
		}
		n, err := t.load(pgno)
		if err != nil {
			return err
		}
		pgno = n.next
	}
	if pgno != 0 {
		return errors.Wrapf(ErrCorruptPage, "leaf chain continues past last leaf to page %d", pgno)
	}
	return nil
}

// checkNode verifies the subtree at pgno holds keys in [lo, hi).
func (t *btree) checkNode(pgno uint32, lo, hi int64, depth int, st *checkState) error {
	if depth >= maxDepth {
		return errors.Wrapf(ErrCorruptPage, "tree deeper than %d levels", maxDepth)
	}
	n, err := t.load(pgno)
	if err != nil {
		return err
	}

	if n.isLeaf() {
		if st.leafDepth == -1 {
			st.leafDepth = depth
		} else if st.leafDepth != depth {
			return errors.Wrapf(ErrCorruptPage, "leaf %d at depth %d, others at %d", pgno, depth, st.leafDepth)
		}
		for _, r := range n.records {
			k := int64(r.ID)
			if k < lo || k >= hi {
				return errors.Wrapf(ErrCorruptPage, "leaf %d key %d outside [%d, %d)", pgno, k, lo, hi)
			}
			if k <= st.lastKey {
				return errors.Wrapf(ErrCorruptPage, "leaf %d key %d not above previous key %d", pgno, k, st.lastKey)
			}
			st.lastKey = k
		}
		st.leaves = append(st.leaves, pgno)
		st.rows += uint32(len(n.records))
		return nil
	}

	for i, child := range n.children {
		clo, chi := lo, hi
		if i > 0 {
			clo = int64(n.keys[i-1])
		}
		if i < len(n.keys) {
			chi = int64(n.keys[i])
		}
		if clo < lo || chi > hi {
			return errors.Wrapf(ErrCorruptPage, "node %d separators escape [%d, %d)", pgno, lo, hi)
		}
		if err := t.checkNode(child, clo, chi, depth+1, st); err != nil {
			return err
		}
	}
	return nil
}
