package recdb

import (
	"github.com/pkg/errors"
)

// HeaderInfo is the decoded header page.
type HeaderInfo struct {
	Magic     uint32
	Version   uint16
	PageSize  uint32
	Root      uint32
	NextFree  uint32
	PageCount uint32
	RowCount  uint32
}

// Header returns the header as currently held by the connection.
func (db *DB) Header() (HeaderInfo, error) {
	if !db.opened {
		return HeaderInfo{}, ErrConnectionClosed
	}
	h := db.fm.header
	return HeaderInfo{
		Magic:     h.magic,
		Version:   h.version,
		PageSize:  h.pageSize,
		Root:      h.root,
		NextFree:  h.nextFree,
		PageCount: h.pageCount,
		RowCount:  h.rowCount,
	}, nil
}

// PageInfo describes one tree page.
type PageInfo struct {
	Number uint32
	Type   PageType
	// 0 for the root
	Level int
	Count int
	// first and last key held, records for leaves and separators for
	// internal pages; zero when Count is 0
	MinKey, MaxKey int32
	Children       []uint32
	// next leaf, 0 for the last one and for internal pages
	Next uint32
}

// Pages walks the tree breadth first from the root and describes every page
// reached, level by level.
func (db *DB) Pages() ([]PageInfo, error) {
	if err := db.begin(); err != nil {
		return nil, err
	}
	if !db.tree.exists() {
		return nil, nil
	}

	type item struct {
		pgno  uint32
		level int
	}
	var pages []PageInfo
	seen := map[uint32]bool{}
	queue := []item{{db.tree.root(), 0}}
	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]
		if seen[it.pgno] {
			return nil, db.fail(errors.Wrapf(ErrCorruptPage, "page %d reached twice", it.pgno))
		}
		seen[it.pgno] = true

		n, err := db.tree.load(it.pgno)
		if err != nil {
			return nil, db.fail(err)
		}
		info := PageInfo{Number: n.pgno, Type: n.typ, Level: it.level, Count: n.count(), Next: n.next}
		if n.isLeaf() {
			if len(n.records) > 0 {
				info.MinKey, info.MaxKey = n.records[0].ID, n.records[len(n.records)-1].ID
			}
		} else {
			if len(n.keys) > 0 {
				info.MinKey, info.MaxKey = n.keys[0], n.keys[len(n.keys)-1]
			}
			info.Children = append(info.Children, n.children...)
			for _, child := range n.children {
				queue = append(queue, item{child, it.level + 1})
			}
		}
		pages = append(pages, info)
	}
	return pages, nil
}
