package recdb

import (
	"bytes"
	"github.com/golang/snappy"
	"github.com/pierrec/lz4"
	"github.com/pkg/errors"
)

// CompressAlgorithm selects how a dump payload is compressed.
type CompressAlgorithm uint8

const (
	CompSnappy CompressAlgorithm = iota // default
	CompNone
	CompLz4
)

func (a CompressAlgorithm) String() string {
	switch a {
	case CompSnappy:
		return "snappy"
	case CompNone:
		return "none"
	case CompLz4:
		return "lz4"
	}
	return "unknown"
}

type Compressor func([]byte) ([]byte, error)
type DeCompressor func([]byte) ([]byte, error)

var (
	SnappyCompress Compressor = func(in []byte) ([]byte, error) {
		return snappy.Encode(nil, in), nil
	}
	SnappyDeCompress DeCompressor = func(in []byte) ([]byte, error) {
		return snappy.Decode(nil, in)
	}
)

var (
	Lz4Compress Compressor = func(in []byte) ([]byte, error) {
		buf := &bytes.Buffer{}
		writer := lz4.NewWriter(buf)
		// the dump carries its own checksum
		writer.NoChecksum = true
		if _, err := writer.Write(in); err != nil {
			return nil, err
		}
		if err := writer.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	Lz4DeCompress DeCompressor = func(in []byte) ([]byte, error) {
		buf := &bytes.Buffer{}
		reader := lz4.NewReader(bytes.NewReader(in))
		_, err := buf.ReadFrom(reader)
		return buf.Bytes(), err
	}
)

func identity(in []byte) ([]byte, error) { return in, nil }

func (a CompressAlgorithm) codec() (Compressor, DeCompressor, error) {
	switch a {
	case CompSnappy:
		return SnappyCompress, SnappyDeCompress, nil
	case CompNone:
		return identity, identity, nil
	case CompLz4:
		return Lz4Compress, Lz4DeCompress, nil
	}
	return nil, nil, errors.Errorf("unknown compression algorithm %d", uint8(a))
}
