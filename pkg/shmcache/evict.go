package shmcache

// Approximate LRU eviction, Redis style: sample a bounded number of
// occupied key slots and evict the one with the oldest last-access
// timestamp. Cost is independent of table size; the trade-off is that the
// victim is the least recently used of the sample, not of the whole
// table.

// evictionBudget is the number of distinct slot draws per eviction:
// 2*samples/loadFactor. The load factor is not stored in the header, so
// it is recovered from the header-fixed geometry as maxItems/keyCap;
// every attached handle therefore computes the same budget regardless
// of the options it passed.
func evictionBudget(samples int, keyCap, maxItems uint64) uint64 {
	budget := 2 * uint64(samples) * keyCap / maxItems
	if budget > keyCap {
		budget = keyCap
	}

	return budget
}

// evictOneLocked frees one key slot. Called by Set, under the lock, when
// the live item count has reached max items and a new key is about to be
// inserted.
//
// Up to evictionBudget distinct random slot indices are drawn; empty and
// tombstoned slots are skipped; sampling stops once samples occupied
// slots have been seen or the candidate budget is exhausted.
// If the sample happens to contain no occupied slot (possible but
// vanishingly rare while the table is at capacity), the scan falls back
// to the first occupied slot after a random start so that eviction always
// frees a slot while live entries exist. This keeps the capacity bound
// len() <= maxItems unconditional.
func (c *Cache) evictOneLocked() {
	capacity := c.seg.geo.keyCap

	budget := evictionBudget(c.samples, capacity, c.seg.geo.maxItems)

	var (
		victim     uint64
		victimSeen bool
		oldest     int64
		found      int
	)

	seen := make(map[uint64]struct{}, budget)

	// Distinct draws with rejection; the attempt cap bounds the loop when
	// the budget approaches the table capacity.
	maxAttempts := 8 * budget

	for attempt := uint64(0); attempt < maxAttempts && uint64(len(seen)) < budget && found < c.samples; attempt++ {
		slot := c.rnd.Uint64N(capacity)
		if _, dup := seen[slot]; dup {
			continue
		}

		seen[slot] = struct{}{}

		stored := c.seg.keySlotHash(slot)
		if stored.isZero() || stored.isTombstone() {
			continue
		}

		found++

		ts := c.seg.readKeyEntry(slot).accessedAt
		if !victimSeen || ts < oldest {
			victim = slot
			oldest = ts
			victimSeen = true
		}
	}

	if !victimSeen {
		victim, victimSeen = c.firstOccupiedFrom(c.rnd.Uint64N(capacity))
	}

	if !victimSeen {
		// No occupied slot in the whole table: nothing to evict.
		return
	}

	c.seg.tombstoneKeySlot(victim)
	c.seg.setLiveItems(c.seg.liveItems() - 1)
}

// firstOccupiedFrom scans forward (wrapping) from start and returns the
// first occupied slot.
func (c *Cache) firstOccupiedFrom(start uint64) (uint64, bool) {
	capacity := c.seg.geo.keyCap

	for i := uint64(0); i < capacity; i++ {
		slot := (start + i) % capacity

		stored := c.seg.keySlotHash(slot)
		if !stored.isZero() && !stored.isTombstone() {
			return slot, true
		}
	}

	return 0, false
}
