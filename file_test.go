package recdb

import (
	"encoding/binary"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	assertion "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func openTestFile(t *testing.T, path string, options *Options) (*file, error) {
	t.Helper()
	if options == nil {
		options = &Options{NoSync: true}
	}
	return openFile(path, 0600, options, log.WithField("db", path))
}

func TestFileInit(t *testing.T) {
	assert := assertion.New(t)
	path := filepath.Join(t.TempDir(), "init.rdb")
	fm, err := openTestFile(t, path, nil)
	require.NoError(t, err)

	assert.Equal(Magic, fm.header.magic)
	assert.Equal(Version, fm.header.version)
	assert.Equal(uint32(PageSize), fm.header.pageSize)
	assert.Equal(uint32(0), fm.header.root)
	assert.Equal(uint32(1), fm.header.nextFree)
	assert.Equal(uint32(1), fm.header.pageCount)
	assert.NoError(fm.close(true))
	assert.NoError(fm.close(true))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(int64(PageSize), info.Size())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal([]byte("RCDB"), raw[hdrMagicOffset:hdrMagicOffset+4])
}

func TestFileAllocateAndReopen(t *testing.T) {
	assert := assertion.New(t)
	path := filepath.Join(t.TempDir(), "alloc.rdb")
	fm, err := openTestFile(t, path, nil)
	require.NoError(t, err)

	for want := uint32(1); want <= 3; want++ {
		pgno, err := fm.allocatePage()
		require.NoError(t, err)
		assert.Equal(want, pgno)
	}
	// freshly allocated pages are valid but not tree nodes
	page, err := fm.readPage(2)
	require.NoError(t, err)
	assert.Equal(byte(PageFree), page[typeOffset])

	page = make([]byte, PageSize)
	copy(page[100:], "hello")
	require.NoError(t, fm.writePage(2, page))
	fm.header.root = 2
	require.NoError(t, fm.close(true))

	fm, err = openTestFile(t, path, nil)
	require.NoError(t, err)
	defer fm.close(true)
	assert.Equal(uint32(4), fm.header.nextFree)
	assert.Equal(uint32(4), fm.header.pageCount)
	assert.Equal(uint32(2), fm.header.root)
	page, err = fm.readPage(2)
	require.NoError(t, err)
	assert.Equal([]byte("hello"), page[100:105])

	_, err = fm.readPage(0)
	assert.True(errors.Is(err, ErrCorruptPage))
	_, err = fm.readPage(4)
	assert.True(errors.Is(err, ErrCorruptPage))
	assert.Error(fm.writePage(1, make([]byte, 10)))
}

func TestFileCannotOpen(t *testing.T) {
	_, err := openTestFile(t, filepath.Join(t.TempDir(), "missing", "dir", "x.rdb"), nil)
	assertion.True(t, errors.Is(err, ErrCannotOpenDatabase))

	_, err = openTestFile(t, filepath.Join(t.TempDir(), "absent.rdb"), &Options{ReadOnly: true})
	assertion.True(t, errors.Is(err, ErrCannotOpenDatabase))
}

func writeHeaderField(t *testing.T, path string, off int64, b []byte) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	require.NoError(t, err)
	_, err = f.WriteAt(b, off)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestFileHeaderValidation(t *testing.T) {
	newFile := func(t *testing.T) string {
		path := filepath.Join(t.TempDir(), "hdr.rdb")
		fm, err := openTestFile(t, path, nil)
		require.NoError(t, err)
		require.NoError(t, fm.close(true))
		return path
	}
	u16 := func(v uint16) []byte { b := make([]byte, 2); binary.BigEndian.PutUint16(b, v); return b }
	u32 := func(v uint32) []byte { b := make([]byte, 4); binary.BigEndian.PutUint32(b, v); return b }

	cases := []struct {
		name string
		off  int64
		data []byte
		want error
	}{
		{"magic", hdrMagicOffset, []byte("SIDB"), ErrIncompatibleFormat},
		{"version", hdrVersionOffset, u16(2), ErrIncompatibleFormat},
		{"page size", hdrPageSizeOffset, u32(8192), ErrIncompatibleFormat},
		{"padding", 2000, []byte{1}, ErrCorruptPage},
		{"root", hdrRootOffset, u32(9), ErrCorruptPage},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			path := newFile(t)
			writeHeaderField(t, path, c.off, c.data)
			_, err := openTestFile(t, path, nil)
			assertion.True(t, errors.Is(err, c.want), "%v", err)
		})
	}

	// a file written with smaller pages is not a whole number of our pages
	t.Run("smaller pages", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "small.rdb")
		hdr := make([]byte, 3*1024)
		binary.BigEndian.PutUint32(hdr[hdrMagicOffset:], Magic)
		binary.BigEndian.PutUint16(hdr[hdrVersionOffset:], Version)
		binary.BigEndian.PutUint32(hdr[hdrPageSizeOffset:], 1024)
		binary.BigEndian.PutUint32(hdr[hdrNextFreeOffset:], 3)
		binary.BigEndian.PutUint32(hdr[hdrPageCountOffset:], 3)
		binary.BigEndian.PutUint32(hdr[checksumOffset:], crc32.Checksum(hdr[4:1024], castagnoli))
		require.NoError(t, os.WriteFile(path, hdr, 0600))
		_, err := openTestFile(t, path, nil)
		assertion.True(t, errors.Is(err, ErrIncompatibleFormat), "%v", err)
	})

	t.Run("short foreign file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "notes.txt")
		require.NoError(t, os.WriteFile(path, []byte("hello"), 0600))
		_, err := openTestFile(t, path, nil)
		assertion.True(t, errors.Is(err, ErrIncompatibleFormat), "%v", err)
	})

	// a consistent header claiming more pages than the file holds
	t.Run("page count", func(t *testing.T) {
		path := newFile(t)
		fm, err := openTestFile(t, path, nil)
		require.NoError(t, err)
		fm.header.nextFree, fm.header.pageCount = 5, 5
		require.NoError(t, fm.close(true))
		_, err = openTestFile(t, path, nil)
		assertion.True(t, errors.Is(err, ErrCorruptPage), "%v", err)
	})
}

func TestFileTruncatedMidPage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trunc.rdb")
	fm, err := openTestFile(t, path, nil)
	require.NoError(t, err)
	_, err = fm.allocatePage()
	require.NoError(t, err)
	require.NoError(t, fm.close(true))

	require.NoError(t, os.Truncate(path, PageSize+100))
	_, err = openTestFile(t, path, nil)
	assertion.True(t, errors.Is(err, ErrCorruptPage))
}

func TestFileChecksumMismatch(t *testing.T) {
	assert := assertion.New(t)
	path := filepath.Join(t.TempDir(), "sum.rdb")
	fm, err := openTestFile(t, path, nil)
	require.NoError(t, err)
	pgno, err := fm.allocatePage()
	require.NoError(t, err)
	require.NoError(t, fm.close(true))

	writeHeaderField(t, path, int64(pgno)*PageSize+500, []byte{0xaa})
	fm, err = openTestFile(t, path, nil)
	require.NoError(t, err)
	defer fm.close(true)
	_, err = fm.readPage(pgno)
	assert.True(errors.Is(err, ErrCorruptPage))
	assert.True(IsStorageError(err))
}

func TestFileShortWrite(t *testing.T) {
	assert := assertion.New(t)
	path := filepath.Join(t.TempDir(), "short.rdb")
	fm, err := openTestFile(t, path, nil)
	require.NoError(t, err)
	defer fm.close(false)
	pgno, err := fm.allocatePage()
	require.NoError(t, err)

	fm.ops.writeAt = func(b []byte, off int64) (int, error) {
		return len(b) / 2, nil
	}
	err = fm.writePage(pgno, make([]byte, PageSize))
	assert.True(errors.Is(err, io.ErrShortWrite))
	_, err = fm.allocatePage()
	assert.True(errors.Is(err, io.ErrShortWrite))
	assert.Equal(uint32(2), fm.header.nextFree)
}

func TestFileCache(t *testing.T) {
	assert := assertion.New(t)
	path := filepath.Join(t.TempDir(), "cache.rdb")
	fm, err := openTestFile(t, path, &Options{NoSync: true, CacheSize: 64 * PageSize})
	require.NoError(t, err)
	defer fm.close(true)
	require.NotNil(t, fm.cache)

	pgno, err := fm.allocatePage()
	require.NoError(t, err)
	page := make([]byte, PageSize)
	page[200] = 7
	require.NoError(t, fm.writePage(pgno, page))

	got, err := fm.readPage(pgno)
	require.NoError(t, err)
	assert.Equal(byte(7), got[200])
	assert.Equal(uint64(1), fm.stats.cacheHits)
	assert.Equal(uint64(0), fm.stats.reads)

	// callers get private copies
	got[200] = 9
	again, err := fm.readPage(pgno)
	require.NoError(t, err)
	assert.Equal(byte(7), again[200])

	page[200] = 8
	require.NoError(t, fm.writePage(pgno, page))
	got, err = fm.readPage(pgno)
	require.NoError(t, err)
	assert.Equal(byte(8), got[200])
}

func TestFileClosed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "closed.rdb")
	fm, err := openTestFile(t, path, nil)
	require.NoError(t, err)
	require.NoError(t, fm.close(true))
	_, err = fm.readPage(1)
	assertion.True(t, errors.Is(err, ErrConnectionClosed))
	_, err = fm.allocatePage()
	assertion.True(t, errors.Is(err, ErrConnectionClosed))
}
