package shmcache

import (
	"encoding/binary"
	"sort"
)

// Mark-and-copy compaction of the blob pool.
//
// Compaction is explicit, caller-invoked, and stop-the-world within the
// lock. It walks both tables to find reachable blobs, copies them in
// ascending address order to the front of the pool, rewrites every table
// address through the old->new mapping, rebuilds the content table from
// scratch (dropping entries no key references), and zeroes the reclaimed
// tail. Running it twice without intervening mutation is a no-op on the
// second run.

// blobSpan validates the record at addr and returns its aligned size.
func (s *segment) blobSpan(addr uint64) (uint64, error) {
	hdr, err := s.poolRecordHeader(addr)
	if err != nil {
		return 0, err
	}

	length := binary.BigEndian.Uint32(hdr[1:5])

	size := blobRecordSize(uint64(length))
	if addr+size > s.geo.poolStart+s.geo.poolSize {
		return 0, ErrCorrupt
	}

	return size, nil
}

func (c *Cache) compactLocked() error {
	seg := c.seg

	// Mark phase: referenced key blob addresses and content fingerprints
	// from the key table, then content blob addresses whose fingerprint
	// is referenced.
	//
	// An individually invalid reference is logged and excluded rather than
	// aborting the whole compaction: losing one corrupt entry beats
	// halting the cache. A key entry whose key blob is undecodable is
	// tombstoned; a content entry with a bad address is dropped.
	referencedFPs := make(map[Digest]struct{})
	spans := make(map[uint64]uint64) // addr -> aligned record size

	var badKeySlots []uint64

	seg.forEachOccupiedKeySlot(func(slot uint64, e keyEntry) bool {
		size, err := seg.blobSpan(e.keyAddr)
		if err != nil {
			c.logf("shmcache: compact: dropping key slot %d with invalid key blob address %d: %v", slot, e.keyAddr, err)
			badKeySlots = append(badKeySlots, slot)

			return true
		}

		spans[e.keyAddr] = size
		referencedFPs[e.fingerprint] = struct{}{}

		return true
	})

	for _, slot := range badKeySlots {
		seg.tombstoneKeySlot(slot)
		seg.setLiveItems(seg.liveItems() - 1)
	}

	type contentRef struct {
		fp   Digest
		addr uint64
	}

	var contents []contentRef

	seg.forEachContentEntry(func(slot uint64, fp Digest, addr uint64) bool {
		if _, ok := referencedFPs[fp]; !ok {
			return true // garbage: no live key references this value
		}

		size, err := seg.blobSpan(addr)
		if err != nil {
			c.logf("shmcache: compact: dropping content entry %s with invalid blob address %d: %v", fp, addr, err)

			return true
		}

		spans[addr] = size
		contents = append(contents, contentRef{fp: fp, addr: addr})

		return true
	})

	// Copy phase: ascending address order guarantees a blob's new location
	// is <= its old location, so each copy cannot clobber bytes not yet
	// read (and copy itself is overlap-safe).
	addrs := make([]uint64, 0, len(spans))
	for addr := range spans {
		addrs = append(addrs, addr)
	}

	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	remap := make(map[uint64]uint64, len(addrs))
	newPtr := seg.geo.poolStart

	for _, addr := range addrs {
		size := spans[addr]

		if newPtr != addr {
			copy(seg.data[newPtr:newPtr+size], seg.data[addr:addr+size])
		}

		remap[addr] = newPtr
		newPtr += size
	}

	// Rewrite phase: key entry addresses in place, content table rebuilt
	// from scratch with only the referenced fingerprints.
	seg.forEachOccupiedKeySlot(func(slot uint64, e keyEntry) bool {
		if newAddr, ok := remap[e.keyAddr]; ok && newAddr != e.keyAddr {
			e.keyAddr = newAddr
			seg.writeKeyEntry(slot, e)
		}

		return true
	})

	seg.zeroRange(seg.geo.contentStart, seg.geo.contentCap*contentEntrySize)

	for _, ref := range contents {
		if err := seg.insertContent(ref.fp, remap[ref.addr]); err != nil {
			// Cannot happen: the rebuilt table holds at most as many
			// entries as the old one.
			return err
		}
	}

	// Reclaim phase: zero the tail in bounded chunks and rewind the
	// allocator. used now equals the span of live blobs exactly.
	oldNext := seg.u64(offPoolNext)
	if oldNext > newPtr {
		seg.zeroRange(newPtr, oldNext-newPtr)
	}

	seg.putU64(offPoolNext, newPtr)
	seg.putU64(offPoolUsed, newPtr-seg.geo.poolStart)

	return nil
}
