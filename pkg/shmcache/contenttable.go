package shmcache

import (
	"encoding/binary"
	"fmt"
)

// Content table: the deduplication index. Structurally the same open
// addressing discipline as the key table, keyed by the 128-bit content
// fingerprint, mapping to the content blob's address.
//
// Two deliberate asymmetries with the key table:
//
//   - Fingerprint equality is treated as content equality with no
//     secondary byte compare. A 128-bit collision between two different
//     values would silently conflate them; this is a documented precision
//     trade-off given the fingerprint width, not a safety property.
//
//   - No tombstones. A content entry may be shared by many keys and has
//     no single deletion trigger, so entries are only reclaimed when
//     compaction rebuilds the table from scratch.

func (s *segment) contentSlotOff(slot uint64) uint64 {
	return s.geo.contentStart + slot*contentEntrySize
}

func (s *segment) contentSlotFingerprint(slot uint64) Digest {
	var d Digest

	copy(d[:], s.data[s.contentSlotOff(slot):])

	return d
}

func (s *segment) contentSlotAddr(slot uint64) uint64 {
	off := s.contentSlotOff(slot)

	return binary.BigEndian.Uint64(s.data[off+16 : off+24])
}

func (s *segment) writeContentEntry(slot uint64, fp Digest, addr uint64) {
	off := s.contentSlotOff(slot)
	buf := s.data[off : off+contentEntrySize]

	copy(buf[0:16], fp[:])
	binary.BigEndian.PutUint64(buf[16:24], addr)
}

// lookupContent returns the blob address for fp, probing linearly from
// the fingerprint's home slot and stopping at the first empty slot.
func (s *segment) lookupContent(fp Digest) (uint64, bool) {
	capacity := s.geo.contentCap
	home := fp.slot(capacity)

	for i := uint64(0); i < capacity; i++ {
		slot := (home + i) % capacity
		stored := s.contentSlotFingerprint(slot)

		if stored.isZero() {
			return 0, false
		}

		if stored == fp {
			return s.contentSlotAddr(slot), true
		}
	}

	return 0, false
}

// insertContent records fp -> addr in the first empty slot on the probe
// chain. Fails with ErrContentTableFull after a full wrap.
func (s *segment) insertContent(fp Digest, addr uint64) error {
	capacity := s.geo.contentCap
	home := fp.slot(capacity)

	for i := uint64(0); i < capacity; i++ {
		slot := (home + i) % capacity

		if s.contentSlotFingerprint(slot).isZero() {
			s.writeContentEntry(slot, fp, addr)

			return nil
		}
	}

	return fmt.Errorf("no empty slot for fingerprint %s: %w", fp, ErrContentTableFull)
}

// forEachContentEntry calls fn for every occupied content slot until fn
// returns false.
func (s *segment) forEachContentEntry(fn func(slot uint64, fp Digest, addr uint64) bool) {
	for slot := uint64(0); slot < s.geo.contentCap; slot++ {
		fp := s.contentSlotFingerprint(slot)
		if fp.isZero() {
			continue
		}

		if !fn(slot, fp, s.contentSlotAddr(slot)) {
			return
		}
	}
}
