package shmcache

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"

	"github.com/spaolacci/murmur3"
)

// SHM1 segment format constants.
//
// All multi-byte integers in the segment are big-endian ("network order")
// so the raw bytes can be inspected by any external tool without knowing
// the host byte order.
const (
	// Fixed header size in bytes. The header occupies the first 512 bytes
	// of the segment; bytes past the last defined field are reserved and
	// MUST be zero.
	headerSize = 512

	// magicBase is the fixed 48-bit base constant ("SHMKVC" in ASCII).
	// The on-segment magic word is magicBase<<16 | formatVersion.
	magicBase uint64 = 0x53484D4B5643

	// Segment format version.
	formatVersion = 1
)

// magicWord is the 8-byte value stored big-endian at offset 0.
const magicWord = magicBase<<16 | formatVersion

// Header field offsets (bytes from segment start).
const (
	offMagic             = 0  // uint64: magicBase<<16 | format version
	offFormatVersion     = 8  // uint32
	offSegmentVersion    = 12 // uint32: bumped on Clear
	offSegmentSize       = 16 // uint64: total segment size
	offPoolStart         = 24 // uint64
	offPoolSize          = 32 // uint64
	offPoolUsed          = 40 // uint64
	offPoolNext          = 48 // uint64: next-free pointer (absolute)
	offKeyTableStart     = 56 // uint64
	offKeyTableCap       = 64 // uint64: slots
	offContentTableStart = 72 // uint64
	offContentTableCap   = 80 // uint64: slots
	offMaxItems          = 88 // uint64: configured max item count
	offLiveItems         = 96 // uint64: current live item count
)

// Record shapes.
const (
	// keyEntrySize is the fixed size of one key table slot:
	// key hash (16) + key blob address (8) + content fingerprint (16) +
	// last-access timestamp in nanoseconds (8).
	keyEntrySize = 48

	// contentEntrySize is the fixed size of one content table slot:
	// content fingerprint (16) + content blob address (8).
	contentEntrySize = 24

	// blobHeaderSize is the per-blob overhead: 1-byte type tag plus a
	// 4-byte big-endian length. The whole record is padded to 8 bytes.
	blobHeaderSize = 5
)

// Blob type tags.
const (
	blobTagKey     byte = 1
	blobTagContent byte = 2
)

// DigestSize is the width of key hashes and content fingerprints in bytes.
const DigestSize = 16

// Digest is a 128-bit key hash or content fingerprint, stored byte-for-byte
// in the segment. The all-zero and all-0xFF values are slot state sentinels
// and are never produced by [normalizeDigest]d hash output.
type Digest [DigestSize]byte

// isZero reports whether d is the "never occupied" sentinel.
func (d Digest) isZero() bool {
	return d == Digest{}
}

// tombstoneDigest is the "previously occupied, now deleted" slot marker.
var tombstoneDigest = Digest{
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
}

// isTombstone reports whether d is the tombstone sentinel.
func (d Digest) isTombstone() bool {
	return d == tombstoneDigest
}

// slot computes the home slot for d in a table of the given capacity:
// the 128-bit digest interpreted as a big-endian integer, mod capacity.
func (d Digest) slot(capacity uint64) uint64 {
	hi := binary.BigEndian.Uint64(d[0:8])
	lo := binary.BigEndian.Uint64(d[8:16])

	return bits.Rem64(hi, lo, capacity)
}

// String renders the digest as lowercase hex.
func (d Digest) String() string {
	return fmt.Sprintf("%x", d[:])
}

// normalizeDigest remaps hash output that collides with a slot state
// sentinel. murmur3 of the empty byte string is all-zero, which would be
// indistinguishable from a never-occupied slot.
func normalizeDigest(d Digest) Digest {
	if d.isZero() {
		d[DigestSize-1] = 0x01
	} else if d.isTombstone() {
		d[DigestSize-1] = 0xFE
	}

	return d
}

// Murmur3 is the default hash function: murmur3 x64 128-bit, rendered
// big-endian. Fast and non-cryptographic; replace via [Options.Hash] if
// adversarial keys are a concern.
func Murmur3(b []byte) Digest {
	h1, h2 := murmur3.Sum128(b)

	var d Digest

	binary.BigEndian.PutUint64(d[0:8], h1)
	binary.BigEndian.PutUint64(d[8:16], h2)

	return d
}

// align8 rounds x up to the next multiple of 8. Every blob record and
// region boundary is 8-byte aligned so any address can be read as the
// start of a fixed-width integer field.
func align8(x uint64) uint64 {
	return (x + 7) &^ 7
}

// blobRecordSize returns the aligned on-segment size of a blob holding
// length payload bytes.
func blobRecordSize(length uint64) uint64 {
	return align8(blobHeaderSize + length)
}

// Safe integer conversion limits.
const (
	maxInt = int(^uint(0) >> 1)
)

// uint64ToIntChecked converts uint64 to int.
// Returns ErrInvalidInput if the value exceeds the platform int max.
func uint64ToIntChecked(v uint64) (int, error) {
	if v > uint64(maxInt) {
		return 0, fmt.Errorf("uint64 %d exceeds int max: %w", v, ErrInvalidInput)
	}

	return int(v), nil
}

// intToUint32Checked converts a payload length to the blob header's
// 4-byte length field. Exists to avoid unsafe silent truncation: a
// payload past 4 GiB would otherwise reserve its full record size but
// store len mod 2^32 as the length.
func intToUint32Checked(v int) (uint32, error) {
	if v < 0 || uint64(v) > math.MaxUint32 {
		return 0, fmt.Errorf("length %d does not fit in uint32: %w", v, ErrInvalidInput)
	}

	return uint32(v), nil
}
