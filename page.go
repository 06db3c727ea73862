package recdb

import (
	"encoding/binary"
	"fmt"
	"github.com/pkg/errors"
	"hash/crc32"
)

// PageSize is the size of every page in the file, the header page included.
const PageSize = 4096

type PageType uint8

const (
	// allocated but never written by the tree
	PageFree PageType = iota
	// sorted records
	PageLeaf
	// separator keys and child page numbers
	PageInternal
)

func (t PageType) String() string {
	switch t {
	case PageFree:
		return "free"
	case PageLeaf:
		return "leaf"
	case PageInternal:
		return "internal"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// page header layout, size: 12
//
//	checksum uint32 | type uint8 | reserved uint8 | count uint16 | next uint32
const (
	checksumOffset = 0
	typeOffset     = 4
	countOffset    = 6
	nextOffset     = 8
	pageHeaderSize = 12
)

const (
	// MaxLeafEntries is the number of records a leaf holds before it splits.
	// Any MaxLeafEntries records of maximal size fit in one page.
	MaxLeafEntries = (PageSize - pageHeaderSize) / maxLeafEntrySize
	// MaxInternalEntries is the number of separators an internal node holds
	// before it splits.
	MaxInternalEntries = (PageSize - pageHeaderSize - childSize) / internalEntrySize
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// pageChecksum covers everything after the checksum field.
func pageChecksum(page []byte) uint32 {
	return crc32.Checksum(page[checksumOffset+4:], castagnoli)
}

func stampChecksum(page []byte) {
	binary.BigEndian.PutUint32(page[checksumOffset:], pageChecksum(page))
}

func validChecksum(page []byte) bool {
	return binary.BigEndian.Uint32(page[checksumOffset:]) == pageChecksum(page)
}

// node is the decoded form of a leaf or internal page.
type node struct {
	pgno uint32
	typ  PageType
	// right sibling, leaves only, 0 at the rightmost leaf
	next uint32

	records []Record

	// len(children) == len(keys)+1
	keys     []int32
	children []uint32
}

func newLeaf(pgno uint32) *node {
	return &node{pgno: pgno, typ: PageLeaf, records: make([]Record, 0, MaxLeafEntries+1)}
}

func newInternal(pgno uint32) *node {
	return &node{
		pgno:     pgno,
		typ:      PageInternal,
		keys:     make([]int32, 0, MaxInternalEntries+1),
		children: make([]uint32, 0, MaxInternalEntries+2),
	}
}

func (n *node) isLeaf() bool { return n.typ == PageLeaf }

func (n *node) count() int {
	if n.isLeaf() {
		return len(n.records)
	}
	return len(n.keys)
}

// encodeNode lays n out in a fresh page. The checksum is stamped by the file
// manager when the page is written.
func encodeNode(n *node) ([]byte, error) {
	page := make([]byte, PageSize)
	page[typeOffset] = byte(n.typ)
	binary.BigEndian.PutUint16(page[countOffset:], uint16(n.count()))
	binary.BigEndian.PutUint32(page[nextOffset:], n.next)

	off := pageHeaderSize
	switch n.typ {
	case PageLeaf:
		if len(n.records) > MaxLeafEntries {
			return nil, errors.Errorf("leaf %d holds %d records, max %d", n.pgno, len(n.records), MaxLeafEntries)
		}
		for _, r := range n.records {
			off += encodeLeafEntry(page[off:], r)
		}
	case PageInternal:
		if len(n.keys) > MaxInternalEntries || len(n.children) != len(n.keys)+1 {
			return nil, errors.Errorf("internal node %d has %d keys and %d children", n.pgno, len(n.keys), len(n.children))
		}
		binary.BigEndian.PutUint32(page[off:], n.children[0])
		off += childSize
		for i, k := range n.keys {
			off += encodeInternalEntry(page[off:], k, n.children[i+1])
		}
	default:
		return nil, errors.Errorf("cannot encode page %d of type %s", n.pgno, n.typ)
	}
	return page, nil
}

// decodeNode parses a page read from disk. Any structural problem is reported
// as ErrCorruptPage.
func decodeNode(pgno uint32, page []byte) (*node, error) {
	if len(page) != PageSize {
		return nil, errors.Wrapf(ErrCorruptPage, "page %d is %d bytes", pgno, len(page))
	}
	typ := PageType(page[typeOffset])
	count := int(binary.BigEndian.Uint16(page[countOffset:]))
	body := page[pageHeaderSize:]

	switch typ {
	case PageLeaf:
		if count > MaxLeafEntries {
			return nil, errors.Wrapf(ErrCorruptPage, "leaf %d declares %d entries, max %d", pgno, count, MaxLeafEntries)
		}
		n := newLeaf(pgno)
		n.next = binary.BigEndian.Uint32(page[nextOffset:])
		for i := 0; i < count; i++ {
			r, size, err := decodeLeafEntry(body)
			if err != nil {
				return nil, errors.WithMessagef(err, "leaf %d entry %d", pgno, i)
			}
			if i > 0 && r.ID <= n.records[i-1].ID {
				return nil, errors.Wrapf(ErrCorruptPage, "leaf %d keys out of order at entry %d", pgno, i)
			}
			n.records = append(n.records, r)
			body = body[size:]
		}
		return n, nil

	case PageInternal:
		if count > MaxInternalEntries {
			return nil, errors.Wrapf(ErrCorruptPage, "internal node %d declares %d entries, max %d", pgno, count, MaxInternalEntries)
		}
		n := newInternal(pgno)
		n.children = append(n.children, binary.BigEndian.Uint32(body))
		body = body[childSize:]
		for i := 0; i < count; i++ {
			k, child, err := decodeInternalEntry(body)
			if err != nil {
				return nil, errors.WithMessagef(err, "internal node %d entry %d", pgno, i)
			}
			if i > 0 && k <= n.keys[i-1] {
				return nil, errors.Wrapf(ErrCorruptPage, "internal node %d keys out of order at entry %d", pgno, i)
			}
			n.keys = append(n.keys, k)
			n.children = append(n.children, child)
			body = body[internalEntrySize:]
		}
		return n, nil

	default:
		return nil, errors.Wrapf(ErrCorruptPage, "page %d has type %s where a tree node was expected", pgno, typ)
	}
}
