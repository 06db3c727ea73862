package recdb

import (
	"encoding/binary"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"io"
	"math"
	"os"
)

const (
	// Magic is "RCDB" read as a big-endian uint32.
	Magic   uint32 = 0x52434442
	Version uint16 = 1
)

// header page layout (page 0), size: 32, zero padded to PageSize
//
//	checksum uint32 | magic uint32 | version uint16 | reserved uint16 |
//	pageSize uint32 | root uint32 | nextFree uint32 | pageCount uint32 | rowCount uint32
const (
	hdrMagicOffset     = 4
	hdrVersionOffset   = 8
	hdrPageSizeOffset  = 12
	hdrRootOffset      = 16
	hdrNextFreeOffset  = 20
	hdrPageCountOffset = 24
	hdrRowCountOffset  = 28
)

type fileHeader struct {
	magic    uint32
	version  uint16
	pageSize uint32
	// 0 until the table is created
	root      uint32
	nextFree  uint32
	pageCount uint32
	rowCount  uint32
}

func (h *fileHeader) encode() []byte {
	page := make([]byte, PageSize)
	binary.BigEndian.PutUint32(page[hdrMagicOffset:], h.magic)
	binary.BigEndian.PutUint16(page[hdrVersionOffset:], h.version)
	binary.BigEndian.PutUint32(page[hdrPageSizeOffset:], h.pageSize)
	binary.BigEndian.PutUint32(page[hdrRootOffset:], h.root)
	binary.BigEndian.PutUint32(page[hdrNextFreeOffset:], h.nextFree)
	binary.BigEndian.PutUint32(page[hdrPageCountOffset:], h.pageCount)
	binary.BigEndian.PutUint32(page[hdrRowCountOffset:], h.rowCount)
	stampChecksum(page)
	return page
}

// checkFormat validates magic, version and page size from the start of the
// file, which may be shorter than a page. A file written with a different
// page size cannot be sized or checksummed with ours.
func (h *fileHeader) checkFormat(prefix []byte) error {
	if len(prefix) < hdrMagicOffset+4 {
		return errors.Wrapf(ErrIncompatibleFormat, "%d byte file is not a database", len(prefix))
	}
	h.magic = binary.BigEndian.Uint32(prefix[hdrMagicOffset:])
	if h.magic != Magic {
		return errors.Wrapf(ErrIncompatibleFormat, "bad magic 0x%08x", h.magic)
	}
	if len(prefix) < hdrPageSizeOffset+4 {
		return errors.Wrap(ErrCorruptPage, "short header page")
	}
	h.version = binary.BigEndian.Uint16(prefix[hdrVersionOffset:])
	if h.version != Version {
		return errors.Wrapf(ErrIncompatibleFormat, "format version %d, want %d", h.version, Version)
	}
	h.pageSize = binary.BigEndian.Uint32(prefix[hdrPageSizeOffset:])
	if h.pageSize != PageSize {
		return errors.Wrapf(ErrIncompatibleFormat, "page size %d, want %d", h.pageSize, PageSize)
	}
	return nil
}

// decode parses a whole header page after checkFormat has accepted it.
func (h *fileHeader) decode(page []byte) error {
	if err := h.checkFormat(page); err != nil {
		return err
	}
	if !validChecksum(page) {
		return errors.Wrap(ErrCorruptPage, "header page checksum mismatch")
	}
	h.root = binary.BigEndian.Uint32(page[hdrRootOffset:])
	h.nextFree = binary.BigEndian.Uint32(page[hdrNextFreeOffset:])
	h.pageCount = binary.BigEndian.Uint32(page[hdrPageCountOffset:])
	h.rowCount = binary.BigEndian.Uint32(page[hdrRowCountOffset:])
	if h.nextFree == 0 || h.pageCount != h.nextFree || h.root >= h.nextFree {
		return errors.Wrapf(ErrCorruptPage, "inconsistent header: root %d, next free %d, page count %d",
			h.root, h.nextFree, h.pageCount)
	}
	return nil
}

type fileStats struct {
	reads, writes, allocs, flushes uint64
	cacheHits, cacheMisses         uint64
}

// file is the storage file manager: the only owner of the OS handle and the
// only code that turns page numbers into byte offsets.
type file struct {
	path     string
	f        *os.File
	header   fileHeader
	noSync   bool
	readOnly bool
	closed   bool

	// nil when Options.CacheSize is 0
	cache *ristretto.Cache[uint32, []byte]

	stats  fileStats
	logger *log.Entry

	ops struct {
		writeAt func(b []byte, off int64) (n int, err error)
	}
}

func openFile(path string, mode os.FileMode, options *Options, logger *log.Entry) (_ *file, err error) {
	flag := os.O_RDWR | os.O_CREATE
	if options.ReadOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, mode)
	if err != nil {
		return nil, errors.Wrapf(ErrCannotOpenDatabase, "%v", err)
	}
	fm := &file{path: path, f: f, noSync: options.NoSync, readOnly: options.ReadOnly, logger: logger}
	fm.ops.writeAt = f.WriteAt

	// The handle is released on every failing path below.
	defer func() {
		if err != nil {
			fm.releaseCache()
			_ = f.Close()
		}
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(ErrCannotOpenDatabase, "stat: %v", err)
	}

	switch size := info.Size(); {
	case size == 0 && fm.readOnly:
		return nil, errors.Wrap(ErrIncompatibleFormat, "empty file")
	case size == 0:
		if err := fm.init(); err != nil {
			return nil, errors.Wrapf(ErrCannotOpenDatabase, "initialize: %v", err)
		}
		logger.Debug("created database file")
	default:
		if err := fm.readHeader(size); err != nil {
			return nil, err
		}
		if int64(fm.header.pageCount)*PageSize > size {
			return nil, errors.Wrapf(ErrCorruptPage, "header declares %d pages, file holds %d", fm.header.pageCount, size/PageSize)
		}
	}

	if options.CacheSize > 0 {
		fm.cache, err = ristretto.NewCache(&ristretto.Config[uint32, []byte]{
			NumCounters: 10 * (options.CacheSize/PageSize + 1),
			MaxCost:     options.CacheSize,
			BufferItems: 64,
		})
		if err != nil {
			return nil, errors.Wrap(err, "page cache")
		}
	}
	return fm, nil
}

// init writes the header page of an empty file.
func (fm *file) init() error {
	fm.header = fileHeader{
		magic:     Magic,
		version:   Version,
		pageSize:  PageSize,
		root:      0,
		nextFree:  1,
		pageCount: 1,
	}
	return fm.flushHeader()
}

// readHeader validates the format before the file size, so a foreign or
// differently sized file is reported as incompatible rather than corrupt.
func (fm *file) readHeader(size int64) error {
	page := make([]byte, PageSize)
	n, err := fm.f.ReadAt(page, 0)
	if n < PageSize && err != nil && err != io.EOF {
		return errors.Wrap(err, "read header page")
	}
	if err := fm.header.checkFormat(page[:n]); err != nil {
		return err
	}
	if size%PageSize != 0 {
		return errors.Wrapf(ErrCorruptPage, "file size %d is not a whole number of %d byte pages", size, PageSize)
	}
	if n < PageSize {
		return errors.Wrap(ErrCorruptPage, "short header page")
	}
	return fm.header.decode(page)
}

func (fm *file) checkRange(pgno uint32) error {
	if fm.closed {
		return ErrConnectionClosed
	}
	if pgno == 0 || pgno >= fm.header.nextFree {
		return errors.Wrapf(ErrCorruptPage, "page %d out of range [1, %d)", pgno, fm.header.nextFree)
	}
	return nil
}

// readPage returns a private copy of page pgno after verifying its checksum.
func (fm *file) readPage(pgno uint32) ([]byte, error) {
	if err := fm.checkRange(pgno); err != nil {
		return nil, err
	}
	if fm.cache != nil {
		if cached, ok := fm.cache.Get(pgno); ok {
			fm.stats.cacheHits++
			return append([]byte(nil), cached...), nil
		}
		fm.stats.cacheMisses++
	}

	page := make([]byte, PageSize)
	n, err := fm.f.ReadAt(page, int64(pgno)*PageSize)
	fm.stats.reads++
	if n < PageSize {
		if err == nil || err == io.EOF {
			return nil, errors.Wrapf(ErrCorruptPage, "page %d: read %d of %d bytes", pgno, n, PageSize)
		}
		return nil, errors.Wrapf(err, "read page %d", pgno)
	}
	if !validChecksum(page) {
		fm.logger.WithField("page", pgno).Warn("page checksum mismatch")
		return nil, errors.Wrapf(ErrCorruptPage, "page %d checksum mismatch", pgno)
	}

	if fm.cache != nil {
		fm.cache.Set(pgno, append([]byte(nil), page...), PageSize)
	}
	return page, nil
}

// writePage stamps the checksum into page and writes it whole.
func (fm *file) writePage(pgno uint32, page []byte) error {
	if err := fm.checkRange(pgno); err != nil {
		return err
	}
	if fm.readOnly {
		return ErrDatabaseReadOnly
	}
	if len(page) != PageSize {
		return errors.Errorf("page %d: write of %d bytes, pages are %d", pgno, len(page), PageSize)
	}
	stampChecksum(page)
	if err := fm.writeAt(page, int64(pgno)*PageSize); err != nil {
		return errors.Wrapf(err, "write page %d", pgno)
	}
	fm.stats.writes++

	if fm.cache != nil {
		fm.cache.Del(pgno)
		fm.cache.Set(pgno, append([]byte(nil), page...), PageSize)
		fm.cache.Wait()
	}
	return nil
}

func (fm *file) writeAt(b []byte, off int64) error {
	n, err := fm.ops.writeAt(b, off)
	if err != nil {
		return err
	}
	if n != len(b) {
		return io.ErrShortWrite
	}
	return nil
}

// allocatePage extends the file by one empty page and returns its number.
// Page 0 is never returned. The header is not flushed here.
func (fm *file) allocatePage() (uint32, error) {
	if fm.closed {
		return 0, ErrConnectionClosed
	}
	if fm.readOnly {
		return 0, ErrDatabaseReadOnly
	}
	pgno := fm.header.nextFree
	if pgno == math.MaxUint32 {
		return 0, errors.New("database file is full")
	}

	page := make([]byte, PageSize)
	page[typeOffset] = byte(PageFree)
	stampChecksum(page)
	if err := fm.writeAt(page, int64(pgno)*PageSize); err != nil {
		return 0, errors.Wrapf(err, "extend file for page %d", pgno)
	}

	fm.header.nextFree++
	fm.header.pageCount = fm.header.nextFree
	fm.stats.allocs++
	return pgno, nil
}

// flushHeader writes page 0 and syncs the file.
func (fm *file) flushHeader() error {
	if fm.readOnly {
		return ErrDatabaseReadOnly
	}
	if err := fm.writeAt(fm.header.encode(), 0); err != nil {
		return errors.Wrap(err, "write header page")
	}
	fm.stats.flushes++
	if fm.noSync {
		return nil
	}
	if err := fdatasync(fm.f); err != nil {
		return errors.Wrap(err, "sync")
	}
	return nil
}

func (fm *file) releaseCache() {
	if fm.cache != nil {
		fm.cache.Close()
		fm.cache = nil
	}
}

// close releases the handle, flushing the header first when flush is set
// and the file is writable. Only the first call does any work.
func (fm *file) close(flush bool) error {
	if fm.closed {
		return nil
	}
	var err error
	if flush && !fm.readOnly {
		err = fm.flushHeader()
	}
	fm.closed = true
	fm.releaseCache()
	if cerr := fm.f.Close(); cerr != nil && err == nil {
		err = errors.Wrap(cerr, "close file")
	}
	fm.f = nil
	return err
}
