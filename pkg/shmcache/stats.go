package shmcache

// Stats is a point-in-time snapshot of segment occupancy, read in one
// critical section.
type Stats struct {
	// Items is the current live key count; MaxItems the configured cap.
	Items    int
	MaxItems int

	// SegmentVersion increments on Clear.
	SegmentVersion uint32

	SegmentSize uint64

	// Blob pool occupancy. PoolUsed counts allocated record bytes
	// including garbage; Compact makes it equal the live span again.
	PoolSize uint64
	PoolUsed uint64
	PoolFree uint64

	// Key table slot states.
	KeySlots           uint64
	KeySlotsOccupied   uint64
	KeySlotsTombstoned uint64

	// Content table occupancy (distinct stored values, including garbage
	// values awaiting compaction).
	ContentSlots         uint64
	ContentSlotsOccupied uint64
}

// Stats scans both tables and returns a snapshot. Cost is linear in
// table capacity.
func (c *Cache) Stats() (Stats, error) {
	var st Stats

	err := c.withLock(func() error {
		seg := c.seg

		items, err := uint64ToIntChecked(seg.liveItems())
		if err != nil {
			return err
		}

		maxItems, err := uint64ToIntChecked(seg.geo.maxItems)
		if err != nil {
			return err
		}

		st = Stats{
			Items:          items,
			MaxItems:       maxItems,
			SegmentVersion: seg.u32(offSegmentVersion),
			SegmentSize:    seg.geo.segmentSize,
			PoolSize:       seg.geo.poolSize,
			PoolUsed:       seg.u64(offPoolUsed),
			KeySlots:       seg.geo.keyCap,
			ContentSlots:   seg.geo.contentCap,
		}

		st.PoolFree = seg.geo.poolStart + seg.geo.poolSize - seg.u64(offPoolNext)

		for slot := uint64(0); slot < seg.geo.keyCap; slot++ {
			h := seg.keySlotHash(slot)

			switch {
			case h.isZero():
			case h.isTombstone():
				st.KeySlotsTombstoned++
			default:
				st.KeySlotsOccupied++
			}
		}

		for slot := uint64(0); slot < seg.geo.contentCap; slot++ {
			if !seg.contentSlotFingerprint(slot).isZero() {
				st.ContentSlotsOccupied++
			}
		}

		return nil
	})

	return st, err
}
