package shmcache

import (
	"encoding/binary"
	"fmt"
)

// Blob pool: an append-only arena at [poolStart, poolStart+poolSize).
//
// A blob is a self-describing record: 1-byte type tag, 4-byte big-endian
// length, then the raw payload, padded to 8-byte alignment. Blobs are
// immutable once written; updates append a new blob and leave the old one
// as garbage until compaction. The header's next-free pointer and
// used-byte counter advance together on every allocation.

// allocBlob appends a new blob record and returns its absolute address.
//
// Fails with ErrInvalidInput for payloads past the 4-byte length field,
// and with ErrPoolFull if the aligned record would cross the pool
// boundary. Both are fatal for the operation and not retried; a full
// pool needs Compact (or an operator) to make progress.
func (s *segment) allocBlob(tag byte, payload []byte) (uint64, error) {
	length, err := intToUint32Checked(len(payload))
	if err != nil {
		return 0, err
	}

	recSize := blobRecordSize(uint64(length))

	next := s.u64(offPoolNext)
	poolEnd := s.geo.poolStart + s.geo.poolSize

	if recSize > poolEnd-next {
		return 0, fmt.Errorf("blob of %d bytes needs %d pool bytes, %d free: %w",
			len(payload), recSize, poolEnd-next, ErrPoolFull)
	}

	rec := s.data[next : next+recSize]
	rec[0] = tag
	binary.BigEndian.PutUint32(rec[1:5], length)
	copy(rec[blobHeaderSize:], payload)

	s.putU64(offPoolNext, next+recSize)
	s.putU64(offPoolUsed, s.u64(offPoolUsed)+recSize)

	return next, nil
}

// readBlob decodes the record at addr and returns its tag and payload.
// The payload aliases the segment; callers copy before handing bytes out.
//
// Addresses are only ever supplied by the hash tables, which only ever
// hold addresses returned by allocBlob, so a failed decode means the
// segment is corrupt.
func (s *segment) readBlob(addr uint64) (byte, []byte, error) {
	hdr, err := s.poolRecordHeader(addr)
	if err != nil {
		return 0, nil, err
	}

	length := binary.BigEndian.Uint32(hdr[1:5])

	payload, err := s.bytesAt(addr+blobHeaderSize, uint64(length))
	if err != nil {
		return 0, nil, fmt.Errorf("blob at %d: %w", addr, err)
	}

	if addr+blobRecordSize(uint64(length)) > s.geo.poolStart+s.geo.poolSize {
		return 0, nil, fmt.Errorf("blob at %d overruns pool: %w", addr, ErrCorrupt)
	}

	return hdr[0], payload, nil
}

// poolRecordHeader bounds-checks addr and returns the 5-byte blob header.
func (s *segment) poolRecordHeader(addr uint64) ([]byte, error) {
	if addr < s.geo.poolStart || addr >= s.geo.poolStart+s.geo.poolSize || addr%8 != 0 {
		return nil, fmt.Errorf("blob address %d outside pool [%d, %d): %w",
			addr, s.geo.poolStart, s.geo.poolStart+s.geo.poolSize, ErrCorrupt)
	}

	return s.bytesAt(addr, blobHeaderSize)
}

// resetPool rewinds the allocator to an empty pool. Used by Clear.
func (s *segment) resetPool() {
	s.zeroRange(s.geo.poolStart, s.u64(offPoolNext)-s.geo.poolStart)
	s.putU64(offPoolNext, s.geo.poolStart)
	s.putU64(offPoolUsed, 0)
}
