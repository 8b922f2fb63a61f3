package shmcache

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Key table: open addressing with linear probing over fixed 48-byte slots.
//
// Slot states are encoded in the stored hash: all-zero means never
// occupied (a true gap that terminates probe chains), all-0xFF is a
// tombstone (deleted but probed through), anything else is occupied.
// Tombstones keep lookups correct for keys whose probe chain passed
// through a deleted slot, and are reused on insert so deletions do not
// grow the table.

// keyEntry is the decoded form of one occupied key table slot.
type keyEntry struct {
	hash        Digest
	keyAddr     uint64
	fingerprint Digest
	accessedAt  int64
}

func (s *segment) keySlotOff(slot uint64) uint64 {
	return s.geo.keyStart + slot*keyEntrySize
}

// keySlotHash reads only the hash field of a slot.
func (s *segment) keySlotHash(slot uint64) Digest {
	var d Digest

	copy(d[:], s.data[s.keySlotOff(slot):])

	return d
}

func (s *segment) readKeyEntry(slot uint64) keyEntry {
	off := s.keySlotOff(slot)
	buf := s.data[off : off+keyEntrySize]

	var e keyEntry

	copy(e.hash[:], buf[0:16])
	e.keyAddr = binary.BigEndian.Uint64(buf[16:24])
	copy(e.fingerprint[:], buf[24:40])
	e.accessedAt = int64(binary.BigEndian.Uint64(buf[40:48]))

	return e
}

func (s *segment) writeKeyEntry(slot uint64, e keyEntry) {
	off := s.keySlotOff(slot)
	buf := s.data[off : off+keyEntrySize]

	copy(buf[0:16], e.hash[:])
	binary.BigEndian.PutUint64(buf[16:24], e.keyAddr)
	copy(buf[24:40], e.fingerprint[:])
	binary.BigEndian.PutUint64(buf[40:48], uint64(e.accessedAt))
}

// setKeyFingerprint updates the content fingerprint and timestamp of an
// occupied slot in place (value overwrite for an existing key).
func (s *segment) setKeyFingerprint(slot uint64, fp Digest, now int64) {
	off := s.keySlotOff(slot)

	copy(s.data[off+24:off+40], fp[:])
	binary.BigEndian.PutUint64(s.data[off+40:off+48], uint64(now))
}

// touchKeySlot refreshes the last-access timestamp of an occupied slot.
func (s *segment) touchKeySlot(slot uint64, now int64) {
	off := s.keySlotOff(slot)

	binary.BigEndian.PutUint64(s.data[off+40:off+48], uint64(now))
}

// tombstoneKeySlot marks a slot deleted. The hash becomes the tombstone
// marker and the remaining fields are zeroed. It must NOT be cleared to
// all-zero: that is the never-occupied sentinel, and using it here would
// break lookups for keys that probed past this slot.
func (s *segment) tombstoneKeySlot(slot uint64) {
	off := s.keySlotOff(slot)
	buf := s.data[off : off+keyEntrySize]

	copy(buf[0:16], tombstoneDigest[:])

	for i := 16; i < keyEntrySize; i++ {
		buf[i] = 0
	}
}

// findKey probes for the slot holding key.
//
// The probe starts at the hash's home slot and walks linearly, skipping
// tombstones, stopping at an empty slot or after a full wrap. A stored
// hash match is necessary but not sufficient: the stored key blob is
// compared byte-for-byte before declaring a match.
func (s *segment) findKey(hash Digest, key []byte) (uint64, bool, error) {
	capacity := s.geo.keyCap
	home := hash.slot(capacity)

	for i := uint64(0); i < capacity; i++ {
		slot := (home + i) % capacity
		stored := s.keySlotHash(slot)

		if stored.isZero() {
			return 0, false, nil
		}

		if stored.isTombstone() {
			continue
		}

		if stored != hash {
			continue
		}

		e := s.readKeyEntry(slot)

		tag, storedKey, err := s.readBlob(e.keyAddr)
		if err != nil {
			return 0, false, fmt.Errorf("key blob for slot %d: %w", slot, err)
		}

		if tag != blobTagKey {
			return 0, false, fmt.Errorf("slot %d points at blob tag %d, want key tag: %w", slot, tag, ErrCorrupt)
		}

		if bytes.Equal(storedKey, key) {
			return slot, true, nil
		}
	}

	// Wrapped back to the home slot: table is full of occupied and
	// tombstoned slots and the key is not among them.
	return 0, false, nil
}

// findKeyInsertSlot returns the first empty or tombstoned slot on the
// probe chain, enabling tombstone reuse. Returns false when the probe
// wraps without finding either (table full).
//
// Callers must have established via findKey that the key is absent,
// otherwise inserting here would shadow the existing entry.
func (s *segment) findKeyInsertSlot(hash Digest) (uint64, bool) {
	capacity := s.geo.keyCap
	home := hash.slot(capacity)

	for i := uint64(0); i < capacity; i++ {
		slot := (home + i) % capacity
		stored := s.keySlotHash(slot)

		if stored.isZero() || stored.isTombstone() {
			return slot, true
		}
	}

	return 0, false
}

// forEachOccupiedKeySlot calls fn for every occupied slot until fn
// returns false.
func (s *segment) forEachOccupiedKeySlot(fn func(slot uint64, e keyEntry) bool) {
	for slot := uint64(0); slot < s.geo.keyCap; slot++ {
		stored := s.keySlotHash(slot)
		if stored.isZero() || stored.isTombstone() {
			continue
		}

		if !fn(slot, s.readKeyEntry(slot)) {
			return
		}
	}
}
