package recdb

import (
	"encoding/binary"
	"github.com/pkg/errors"
	"unicode/utf8"
)

const (
	// MaxNameLen is the largest name, in bytes, a record may carry.
	MaxNameLen = 255

	keySize     = 4
	nameLenSize = 2
	childSize   = 4

	// size: 4 + 2 + 255 = 261
	maxLeafEntrySize = keySize + nameLenSize + MaxNameLen
	// size: 8
	internalEntrySize = keySize + childSize
)

// Record is one row of the table: an integer primary key and a name.
// Records are values; an update replaces the whole record.
type Record struct {
	ID   int32
	Name string
}

// NewRecord returns a validated record.
func NewRecord(id int32, name string) (Record, error) {
	r := Record{ID: id, Name: name}
	if err := r.validate(); err != nil {
		return Record{}, err
	}
	return r, nil
}

func (r Record) validate() error {
	if len(r.Name) > MaxNameLen {
		return errors.Wrapf(ErrInvalidRecord, "name is %d bytes, max %d", len(r.Name), MaxNameLen)
	}
	if !utf8.ValidString(r.Name) {
		return errors.Wrap(ErrInvalidRecord, "name is not valid utf-8")
	}
	return nil
}

func (r Record) size() int {
	return keySize + nameLenSize + len(r.Name)
}

// Marshal encodes the record as id(4) | nameLen(2) | name, big-endian.
func (r Record) Marshal() []byte {
	buf := make([]byte, r.size())
	encodeLeafEntry(buf, r)
	return buf
}

// Unmarshal decodes data produced by Marshal. data must hold exactly one record.
func (r *Record) Unmarshal(data []byte) error {
	rec, n, err := decodeLeafEntry(data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return errors.Wrapf(ErrCorruptPage, "%d trailing bytes after record", len(data)-n)
	}
	*r = rec
	return nil
}

// encodeLeafEntry writes r at the start of buf and returns the bytes written.
// buf must have room for r.size() bytes.
func encodeLeafEntry(buf []byte, r Record) int {
	binary.BigEndian.PutUint32(buf[0:], uint32(r.ID))
	binary.BigEndian.PutUint16(buf[keySize:], uint16(len(r.Name)))
	return keySize + nameLenSize + copy(buf[keySize+nameLenSize:], r.Name)
}

// decodeLeafEntry reads one entry from the start of buf. The end of buf is
// treated as the page boundary.
func decodeLeafEntry(buf []byte) (Record, int, error) {
	if len(buf) < keySize+nameLenSize {
		return Record{}, 0, errors.Wrap(ErrCorruptPage, "leaf entry header past page boundary")
	}
	id := int32(binary.BigEndian.Uint32(buf[0:]))
	nameLen := int(binary.BigEndian.Uint16(buf[keySize:]))
	if nameLen > MaxNameLen {
		return Record{}, 0, errors.Wrapf(ErrCorruptPage, "name length %d exceeds %d", nameLen, MaxNameLen)
	}
	end := keySize + nameLenSize + nameLen
	if end > len(buf) {
		return Record{}, 0, errors.Wrapf(ErrCorruptPage, "name of %d bytes past page boundary", nameLen)
	}
	return Record{ID: id, Name: string(buf[keySize+nameLenSize : end])}, end, nil
}

// encodeInternalEntry writes a separator key followed by the page number of
// the child holding keys >= separator.
func encodeInternalEntry(buf []byte, sep int32, child uint32) int {
	binary.BigEndian.PutUint32(buf[0:], uint32(sep))
	binary.BigEndian.PutUint32(buf[keySize:], child)
	return internalEntrySize
}

func decodeInternalEntry(buf []byte) (int32, uint32, error) {
	if len(buf) < internalEntrySize {
		return 0, 0, errors.Wrap(ErrCorruptPage, "internal entry past page boundary")
	}
	return int32(binary.BigEndian.Uint32(buf[0:])), binary.BigEndian.Uint32(buf[keySize:]), nil
}
