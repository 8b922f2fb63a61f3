package shmcache

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// segment is one process's mapping of the shared memory region.
//
// The mapping itself is the only raw-pointer aliasing in the package;
// every component above operates on offsets into data with bounds checks
// at the narrow waist (bytesAt). Geometry is re-derived from the header
// on attach, never assumed from options.
type segment struct {
	data []byte
	fd   int
	path string

	// owner is set only by create. The owning handle unlinks the backing
	// file on close; attachers merely unmap. There is no way to obtain an
	// owning segment other than creating one.
	owner bool

	geo geometry
}

// createSegment creates and maps a new segment file of the computed size.
// O_EXCL guarantees a single owner; a concurrent create loses with EEXIST.
//
// The header is written geometry-first, magic last, so an attacher racing
// the creator sees either an invalid magic (and rejects) or a complete
// header.
func createSegment(path string, geo geometry) (*segment, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create segment %s: %w", path, err)
	}

	size := int64(geo.segmentSize)

	if err := unix.Ftruncate(fd, size); err != nil {
		_ = unix.Close(fd)
		_ = unix.Unlink(path)

		return nil, fmt.Errorf("ftruncate segment to %d: %w", size, err)
	}

	data, err := unix.Mmap(fd, 0, int(geo.segmentSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		_ = unix.Unlink(path)

		return nil, fmt.Errorf("mmap segment: %w", err)
	}

	s := &segment{
		data:  data,
		fd:    fd,
		path:  path,
		owner: true,
		geo:   geo,
	}

	s.putU32(offFormatVersion, formatVersion)
	s.putU32(offSegmentVersion, 1)
	s.putU64(offSegmentSize, geo.segmentSize)
	s.putU64(offPoolStart, geo.poolStart)
	s.putU64(offPoolSize, geo.poolSize)
	s.putU64(offPoolUsed, 0)
	s.putU64(offPoolNext, geo.poolStart)
	s.putU64(offKeyTableStart, geo.keyStart)
	s.putU64(offKeyTableCap, geo.keyCap)
	s.putU64(offContentTableStart, geo.contentStart)
	s.putU64(offContentTableCap, geo.contentCap)
	s.putU64(offMaxItems, geo.maxItems)
	s.putU64(offLiveItems, 0)

	// Magic last: marks the header complete.
	s.putU64(offMagic, magicWord)

	return s, nil
}

// attachSegment maps an existing segment and validates its header.
//
// Possible errors:
//   - ErrIncompatible: magic or format version mismatch
//   - ErrCorrupt: header geometry inconsistent with the file size
//   - unix errors: open, fstat, mmap failures
func attachSegment(path string) (*segment, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", path, err)
	}

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		_ = unix.Close(fd)

		return nil, fmt.Errorf("stat segment: %w", err)
	}

	size := stat.Size
	if size < headerSize {
		_ = unix.Close(fd)

		return nil, fmt.Errorf("segment size %d is less than header size %d: %w", size, headerSize, ErrIncompatible)
	}

	if size > int64(maxInt) {
		_ = unix.Close(fd)

		return nil, fmt.Errorf("segment size %d exceeds max int: %w", size, ErrInvalidInput)
	}

	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)

		return nil, fmt.Errorf("mmap segment: %w", err)
	}

	s := &segment{
		data: data,
		fd:   fd,
		path: path,
	}

	if err := s.validateHeader(uint64(size)); err != nil {
		_ = unix.Munmap(data)
		_ = unix.Close(fd)

		return nil, err
	}

	return s, nil
}

// validateHeader checks the magic and re-derives geometry from the header.
func (s *segment) validateHeader(fileSize uint64) error {
	magic := s.u64(offMagic)
	if magic>>16 != magicBase {
		return fmt.Errorf("invalid magic 0x%016x: %w", magic, ErrIncompatible)
	}

	if magic&0xFFFF != formatVersion {
		return fmt.Errorf("unsupported format version %d in magic, expected %d: %w", magic&0xFFFF, formatVersion, ErrIncompatible)
	}

	if v := s.u32(offFormatVersion); v != formatVersion {
		return fmt.Errorf("unsupported format version %d, expected %d: %w", v, formatVersion, ErrIncompatible)
	}

	geo := geometry{
		segmentSize:  s.u64(offSegmentSize),
		poolStart:    s.u64(offPoolStart),
		poolSize:     s.u64(offPoolSize),
		keyStart:     s.u64(offKeyTableStart),
		keyCap:       s.u64(offKeyTableCap),
		contentStart: s.u64(offContentTableStart),
		contentCap:   s.u64(offContentTableCap),
		maxItems:     s.u64(offMaxItems),
	}

	if geo.segmentSize != fileSize {
		return fmt.Errorf("header segment size %d != file size %d: %w", geo.segmentSize, fileSize, ErrCorrupt)
	}

	if geo.poolStart != headerSize || geo.poolStart%8 != 0 {
		return fmt.Errorf("pool start %d != header size %d: %w", geo.poolStart, headerSize, ErrCorrupt)
	}

	if geo.keyStart != geo.poolStart+geo.poolSize {
		return fmt.Errorf("key table start %d != pool end %d: %w", geo.keyStart, geo.poolStart+geo.poolSize, ErrCorrupt)
	}

	if geo.keyCap == 0 || geo.contentCap == 0 {
		return fmt.Errorf("zero table capacity: %w", ErrCorrupt)
	}

	if geo.contentStart != geo.keyStart+geo.keyCap*keyEntrySize {
		return fmt.Errorf("content table start %d != key table end %d: %w", geo.contentStart, geo.keyStart+geo.keyCap*keyEntrySize, ErrCorrupt)
	}

	if geo.contentStart+geo.contentCap*contentEntrySize != geo.segmentSize {
		return fmt.Errorf("content table end %d != segment size %d: %w", geo.contentStart+geo.contentCap*contentEntrySize, geo.segmentSize, ErrCorrupt)
	}

	if geo.maxItems == 0 || geo.maxItems >= geo.keyCap {
		return fmt.Errorf("max items %d inconsistent with key capacity %d: %w", geo.maxItems, geo.keyCap, ErrCorrupt)
	}

	used := s.u64(offPoolUsed)
	next := s.u64(offPoolNext)

	if used > geo.poolSize {
		return fmt.Errorf("pool used %d > pool size %d: %w", used, geo.poolSize, ErrCorrupt)
	}

	if next < geo.poolStart || next > geo.poolStart+geo.poolSize || next%8 != 0 {
		return fmt.Errorf("pool next-free %d outside pool [%d, %d]: %w", next, geo.poolStart, geo.poolStart+geo.poolSize, ErrCorrupt)
	}

	if live := s.u64(offLiveItems); live > geo.maxItems {
		return fmt.Errorf("live items %d > max items %d: %w", live, geo.maxItems, ErrCorrupt)
	}

	s.geo = geo

	return nil
}

// close unmaps the segment. The owner also unlinks the backing file,
// destroying the segment for every process.
func (s *segment) close() error {
	var errs []error

	if s.data != nil {
		if err := unix.Munmap(s.data); err != nil {
			errs = append(errs, fmt.Errorf("munmap: %w", err))
		}

		s.data = nil
	}

	if s.fd >= 0 {
		if err := unix.Close(s.fd); err != nil {
			errs = append(errs, fmt.Errorf("close fd: %w", err))
		}

		s.fd = -1
	}

	if s.owner {
		if err := unix.Unlink(s.path); err != nil && !errors.Is(err, unix.ENOENT) {
			errs = append(errs, fmt.Errorf("unlink segment: %w", err))
		}
	}

	return errors.Join(errs...)
}

// --- narrow-waist accessors ---
//
// Header and table offsets are validated once (at create/attach); these
// direct accessors trust them. Pool addresses come from the tables and are
// additionally range-checked through bytesAt before any decode.

func (s *segment) u32(off uint64) uint32 {
	return binary.BigEndian.Uint32(s.data[off : off+4])
}

func (s *segment) putU32(off uint64, v uint32) {
	binary.BigEndian.PutUint32(s.data[off:off+4], v)
}

func (s *segment) u64(off uint64) uint64 {
	return binary.BigEndian.Uint64(s.data[off : off+8])
}

func (s *segment) putU64(off uint64, v uint64) {
	binary.BigEndian.PutUint64(s.data[off:off+8], v)
}

// bytesAt returns the n bytes at off after checking the range lies inside
// the segment.
func (s *segment) bytesAt(off, n uint64) ([]byte, error) {
	if off > s.geo.segmentSize || n > s.geo.segmentSize-off {
		return nil, fmt.Errorf("range [%d, %d) outside segment of %d bytes: %w", off, off+n, s.geo.segmentSize, ErrCorrupt)
	}

	return s.data[off : off+n], nil
}

// zeroRange zeroes [off, off+n) in bounded chunks, never materializing one
// giant zero buffer.
func (s *segment) zeroRange(off, n uint64) {
	const chunk = 64 * 1024

	var zeros [chunk]byte

	for n > 0 {
		step := n
		if step > chunk {
			step = chunk
		}

		copy(s.data[off:off+step], zeros[:step])
		off += step
		n -= step
	}
}

// liveItems returns the current live item counter.
func (s *segment) liveItems() uint64 {
	return s.u64(offLiveItems)
}

func (s *segment) setLiveItems(n uint64) {
	s.putU64(offLiveItems, n)
}

// bumpSegmentVersion marks a wipe (Clear) so attached processes that cache
// derived state can detect it.
func (s *segment) bumpSegmentVersion() {
	s.putU32(offSegmentVersion, s.u32(offSegmentVersion)+1)
}
