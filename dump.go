package recdb

import (
	"bytes"
	"encoding/binary"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"hash/crc32"
	"io"
)

const (
	// dumpMagic is "RCDP" read as a big-endian uint32.
	dumpMagic   uint32 = 0x52434450
	dumpVersion uint8  = 1

	// size: 4 + 1 + 1 + 4 + 4 = 14
	dumpHeaderSize = 14
	// the payload of a full table: 2^31 records of at most 261 bytes is far
	// beyond this, but no real dump comes near it
	maxDumpPayload = 1 << 30
)

// dump stream layout, big-endian
//
//	magic uint32 | version uint8 | algorithm uint8 | rows uint32 | payloadLen uint32 |
//	payload [payloadLen]byte | crc32c(payload) uint32
//
// The uncompressed payload is the records in ID order, each encoded as by
// Record.Marshal.

// Dump writes every record to w as a portable stream compressed with algo.
func (db *DB) Dump(w io.Writer, algo CompressAlgorithm) error {
	if err := db.begin(); err != nil {
		return err
	}
	if err := db.requireTable(); err != nil {
		return err
	}
	compress, _, err := algo.codec()
	if err != nil {
		return err
	}

	raw := &bytes.Buffer{}
	var rows uint32
	c := &Cursor{db: db}
	c.Reset()
	for c.Next() {
		raw.Write(c.Record().Marshal())
		rows++
	}
	if err := c.Err(); err != nil {
		return err
	}

	payload, err := compress(raw.Bytes())
	if err != nil {
		return errors.Wrapf(err, "compress %s", algo)
	}
	if len(payload) > maxDumpPayload {
		return errors.Errorf("dump payload of %d bytes exceeds %d", len(payload), maxDumpPayload)
	}

	hdr := make([]byte, dumpHeaderSize)
	binary.BigEndian.PutUint32(hdr[0:], dumpMagic)
	hdr[4] = dumpVersion
	hdr[5] = byte(algo)
	binary.BigEndian.PutUint32(hdr[6:], rows)
	binary.BigEndian.PutUint32(hdr[10:], uint32(len(payload)))
	sum := make([]byte, 4)
	binary.BigEndian.PutUint32(sum, crc32.Checksum(payload, castagnoli))

	for _, b := range [][]byte{hdr, payload, sum} {
		if _, err := w.Write(b); err != nil {
			return errors.Wrap(err, "write dump")
		}
	}
	db.logger.WithFields(log.Fields{"rows": rows, "algorithm": algo.String(), "bytes": len(payload)}).Debug("dumped")
	return nil
}

// readDump validates a dump stream and returns the records it holds.
func readDump(r io.Reader) ([]Record, error) {
	hdr := make([]byte, dumpHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, errors.Wrapf(ErrCorruptDump, "header: %v", err)
	}
	if magic := binary.BigEndian.Uint32(hdr[0:]); magic != dumpMagic {
		return nil, errors.Wrapf(ErrCorruptDump, "bad magic 0x%08x", magic)
	}
	if hdr[4] != dumpVersion {
		return nil, errors.Wrapf(ErrCorruptDump, "version %d, want %d", hdr[4], dumpVersion)
	}
	algo := CompressAlgorithm(hdr[5])
	_, decompress, err := algo.codec()
	if err != nil {
		return nil, errors.Wrapf(ErrCorruptDump, "%v", err)
	}
	rows := binary.BigEndian.Uint32(hdr[6:])
	size := binary.BigEndian.Uint32(hdr[10:])
	if size > maxDumpPayload {
		return nil, errors.Wrapf(ErrCorruptDump, "payload of %d bytes exceeds %d", size, maxDumpPayload)
	}

	body := make([]byte, int(size)+4)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errors.Wrapf(ErrCorruptDump, "payload: %v", err)
	}
	payload := body[:size]
	if binary.BigEndian.Uint32(body[size:]) != crc32.Checksum(payload, castagnoli) {
		return nil, errors.Wrap(ErrCorruptDump, "payload checksum mismatch")
	}
	raw, err := decompress(payload)
	if err != nil {
		return nil, errors.Wrapf(ErrCorruptDump, "decompress %s: %v", algo, err)
	}

	// every record takes at least 6 bytes, so the raw size bounds the count
	records := make([]Record, 0, min(int(rows), len(raw)/(keySize+nameLenSize)))
	for off := 0; off < len(raw); {
		rec, n, err := decodeLeafEntry(raw[off:])
		if err != nil {
			return nil, errors.Wrapf(ErrCorruptDump, "record %d: %v", len(records), err)
		}
		if err := rec.validate(); err != nil {
			return nil, errors.Wrapf(ErrCorruptDump, "record %d: %v", len(records), err)
		}
		if k := len(records); k > 0 && records[k-1].ID >= rec.ID {
			return nil, errors.Wrapf(ErrCorruptDump, "record %d: id %d out of order", k, rec.ID)
		}
		records = append(records, rec)
		off += n
	}
	if uint32(len(records)) != rows {
		return nil, errors.Wrapf(ErrCorruptDump, "holds %d records, header says %d", len(records), rows)
	}
	return records, nil
}

// Load reads a stream written by Dump and inserts its records, creating the
// table first if needed. The stream is validated completely before anything
// is inserted. Loading is not atomic: when a record collides with an
// existing id, the records before it stay inserted and the count of those
// is returned with ErrDuplicateKey.
func (db *DB) Load(r io.Reader) (int, error) {
	if err := db.begin(); err != nil {
		return 0, err
	}
	if db.fm.readOnly {
		return 0, ErrDatabaseReadOnly
	}
	records, err := readDump(r)
	if err != nil {
		return 0, err
	}
	if err := db.createTable(); err != nil && !errors.Is(err, ErrTableAlreadyExists) {
		return 0, db.fail(err)
	}

	loaded := 0
	err = db.mutate(func() error {
		for _, rec := range records {
			if err := db.tree.insert(rec); err != nil {
				return err
			}
			loaded++
		}
		return nil
	})
	if err != nil && loaded > 0 && !IsStorageError(err) {
		// keep what went in durable
		if ferr := db.fm.flushHeader(); ferr != nil {
			return loaded, db.fail(ferr)
		}
	}
	if err != nil {
		return loaded, db.fail(err)
	}
	db.logger.WithField("rows", loaded).Debug("loaded")
	return loaded, nil
}
