package recdb

import (
	"bytes"
	"fmt"
	"github.com/pkg/errors"
	assertion "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"strings"
	"testing"
)

func TestCompressors(t *testing.T) {
	assert := assertion.New(t)
	in := []byte(strings.Repeat("recdb page payload ", 200))
	for _, algo := range []CompressAlgorithm{CompSnappy, CompNone, CompLz4} {
		compress, decompress, err := algo.codec()
		require.NoError(t, err)
		out, err := compress(in)
		require.NoError(t, err)
		if algo != CompNone {
			assert.Less(len(out), len(in), algo.String())
		}
		back, err := decompress(out)
		require.NoError(t, err)
		assert.Equal(in, back, algo.String())
	}
	_, _, err := CompressAlgorithm(9).codec()
	assert.Error(err)
	assert.Equal("unknown", CompressAlgorithm(9).String())
}

func filledDB(t *testing.T, rows int) *DB {
	t.Helper()
	db := openTestDB(t, nil)
	require.NoError(t, db.CreateTable())
	for i := 0; i < rows; i++ {
		id := int32(i*37%rows - rows/2)
		require.NoError(t, db.Insert(id, fmt.Sprintf("name %d ✓", id)))
	}
	return db
}

func TestDumpLoad(t *testing.T) {
	for _, algo := range []CompressAlgorithm{CompSnappy, CompNone, CompLz4} {
		t.Run(algo.String(), func(t *testing.T) {
			assert := assertion.New(t)
			src := filledDB(t, 300)
			buf := &bytes.Buffer{}
			require.NoError(t, src.Dump(buf, algo))

			dst := openTestDB(t, nil)
			n, err := dst.Load(buf)
			require.NoError(t, err)
			assert.Equal(300, n)

			want, err := src.ListAllOrdered()
			require.NoError(t, err)
			got, err := dst.ListAllOrdered()
			require.NoError(t, err)
			assert.Equal(want, got)
			assert.NoError(dst.Check())
		})
	}
}

func TestDumpEmptyTable(t *testing.T) {
	db := openTestDB(t, nil)
	buf := &bytes.Buffer{}
	assertion.True(t, errors.Is(db.Dump(buf, CompNone), ErrTableNotFound))

	require.NoError(t, db.CreateTable())
	require.NoError(t, db.Dump(buf, CompSnappy))
	n, err := openTestDB(t, nil).Load(buf)
	require.NoError(t, err)
	assertion.Equal(t, 0, n)
}

func TestLoadCorrupt(t *testing.T) {
	src := filledDB(t, 50)
	buf := &bytes.Buffer{}
	require.NoError(t, src.Dump(buf, CompSnappy))
	good := buf.Bytes()

	cases := map[string][]byte{
		"empty":     {},
		"short":     good[:10],
		"magic":     append([]byte("XXXX"), good[4:]...),
		"truncated": good[:len(good)-3],
		"payload":   flipByte(good, dumpHeaderSize+3),
		"checksum":  flipByte(good, len(good)-1),
		"algorithm": setByte(good, 5, 77),
		"version":   setByte(good, 4, 2),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			dst := openTestDB(t, nil)
			n, err := dst.Load(bytes.NewReader(data))
			assertion.True(t, errors.Is(err, ErrCorruptDump), "%v", err)
			assertion.Equal(t, 0, n)
			assertion.False(t, IsStorageError(err))

			// nothing was created
			_, err = dst.Count()
			assertion.True(t, errors.Is(err, ErrTableNotFound))
		})
	}
}

func flipByte(b []byte, i int) []byte {
	out := append([]byte(nil), b...)
	out[i] ^= 0xff
	return out
}

func setByte(b []byte, i int, v byte) []byte {
	out := append([]byte(nil), b...)
	out[i] = v
	return out
}

func TestLoadDuplicateIsPartial(t *testing.T) {
	assert := assertion.New(t)
	src := openTestDB(t, nil)
	require.NoError(t, src.CreateTable())
	for id := int32(1); id <= 5; id++ {
		require.NoError(t, src.Insert(id, "src"))
	}
	buf := &bytes.Buffer{}
	require.NoError(t, src.Dump(buf, CompLz4))

	dst := openTestDB(t, nil)
	require.NoError(t, dst.CreateTable())
	require.NoError(t, dst.Insert(4, "dst"))
	n, err := dst.Load(buf)
	assert.True(errors.Is(err, ErrDuplicateKey))
	assert.Equal(3, n)

	all, err := dst.ListAllOrdered()
	require.NoError(t, err)
	assert.Equal([]Record{{1, "src"}, {2, "src"}, {3, "src"}, {4, "dst"}}, all)
	cnt, err := dst.Count()
	require.NoError(t, err)
	assert.Equal(4, cnt)
}

func TestDumpReadOnly(t *testing.T) {
	src := filledDB(t, 20)
	path := src.Path()
	require.NoError(t, src.Close())

	db, err := Open(path, 0600, &Options{ReadOnly: true})
	require.NoError(t, err)
	defer db.Close()
	buf := &bytes.Buffer{}
	require.NoError(t, db.Dump(buf, CompSnappy))

	_, err = db.Load(bytes.NewReader(buf.Bytes()))
	assertion.True(t, errors.Is(err, ErrDatabaseReadOnly))
}
