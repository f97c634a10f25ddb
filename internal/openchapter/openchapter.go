// Package openchapter implements the per-zone hash-table accumulator
// that holds records for the chapter currently being filled (spec.md
// §4.5): a flat record table with a parallel hash slot array, probed
// quadratically and closed over to the volume on chapter close.
package openchapter

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/zeebo/xxh3"
)

// ErrInvalidInput flags a malformed Config or a name/metadata argument
// of the wrong length.
var ErrInvalidInput = errors.New("openchapter: invalid input")

// Config parameterizes one zone's record table.
type Config struct {
	// NameSize is the length, in bytes, of a record name.
	NameSize int

	// MetadataSize is the length, in bytes, of a record's metadata.
	MetadataSize int

	// RecordsPerZone is the logical capacity target: the number of
	// live records a zone accepts before Put starts rejecting.
	RecordsPerZone int
}

// Record is one (name, metadata) pair, as returned by LiveRecords for
// the chapter writer to serialize.
type Record struct {
	Name     []byte
	Metadata []byte
}

// Zone is one zone's open-chapter record table. It is not safe for
// concurrent use; per spec.md §4.9 each zone is owned by exactly one
// consumer goroutine.
type Zone struct {
	cfg Config

	slotCount int // next power of two >= 2*RecordsPerZone
	mask      uint64

	names    [][]byte
	metadata [][]byte
	occupied []bool
	deleted  []bool

	size      int // occupied slots (live + tombstoned)
	deletions int // tombstoned slots
}

// NewZone constructs an empty zone sized for cfg.RecordsPerZone live
// records at a 50% maximum load factor.
func NewZone(cfg Config) (*Zone, error) {
	if cfg.NameSize <= 0 || cfg.MetadataSize <= 0 {
		return nil, fmt.Errorf("name_size and metadata_size must be > 0: %w", ErrInvalidInput)
	}
	if cfg.RecordsPerZone <= 0 {
		return nil, fmt.Errorf("records_per_zone must be > 0: %w", ErrInvalidInput)
	}

	slotCount := nextPow2(2 * cfg.RecordsPerZone)
	z := &Zone{
		cfg:       cfg,
		slotCount: slotCount,
		mask:      uint64(slotCount - 1),
		names:     make([][]byte, slotCount),
		metadata:  make([][]byte, slotCount),
		occupied:  make([]bool, slotCount),
		deleted:   make([]bool, slotCount),
	}
	return z, nil
}

func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

func (z *Zone) start(name []byte) uint64 {
	return xxh3.Hash(name) & z.mask
}

// probe walks the quadratic sequence h, h+1, h+3, h+6, ... (triangular
// number offsets) over the slot table.
func (z *Zone) probe(start uint64, i int) uint64 {
	triangular := uint64(i) * uint64(i+1) / 2
	return (start + triangular) & z.mask
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// liveCount returns the number of slots holding a live (non-tombstoned)
// record.
func (z *Zone) liveCount() int {
	return z.size - z.deletions
}

// Put inserts or updates a record. It returns the zone's remaining
// capacity (records_per_zone minus the live count) after the call.
//
// If the zone is already at capacity and name is not already present,
// Put silently does nothing and returns 0 — spec.md §4.5: "when full
// returns 0 and rejects further puts silently for put". Callers that
// need to distinguish "inserted" from "rejected, already full" should
// compare the live count before and after, or (as internal/uds's Index
// does) treat a 0 return together with an unchanged Search result as an
// explicit full condition.
func (z *Zone) Put(name, metadata []byte) (int, error) {
	if len(name) != z.cfg.NameSize {
		return 0, fmt.Errorf("name length %d != name_size %d: %w", len(name), z.cfg.NameSize, ErrInvalidInput)
	}
	if len(metadata) != z.cfg.MetadataSize {
		return 0, fmt.Errorf("metadata length %d != metadata_size %d: %w", len(metadata), z.cfg.MetadataSize, ErrInvalidInput)
	}

	start := z.start(name)
	firstTombstone := -1
	firstEmpty := -1
	found := -1

	for i := 0; i < z.slotCount; i++ {
		idx := z.probe(start, i)
		if !z.occupied[idx] {
			firstEmpty = int(idx)
			break
		}
		if z.deleted[idx] {
			if firstTombstone < 0 {
				firstTombstone = int(idx)
			}
			continue
		}
		if bytesEqual(z.names[idx], name) {
			found = int(idx)
			break
		}
	}

	if found >= 0 {
		z.metadata[found] = append([]byte(nil), metadata...)
		return z.cfg.RecordsPerZone - z.liveCount(), nil
	}

	if z.liveCount() >= z.cfg.RecordsPerZone {
		return 0, nil
	}

	target := firstTombstone
	if target < 0 {
		target = firstEmpty
	}
	if target < 0 {
		// Slot table itself is saturated (shouldn't happen given the
		// 2x load-factor headroom, but never write out of bounds).
		return 0, nil
	}

	wasTombstone := z.occupied[target] && z.deleted[target]
	z.names[target] = append([]byte(nil), name...)
	z.metadata[target] = append([]byte(nil), metadata...)
	z.occupied[target] = true
	if wasTombstone {
		z.deleted[target] = false
		z.deletions--
	} else {
		z.size++
	}

	return z.cfg.RecordsPerZone - z.liveCount(), nil
}

// Search looks up name and returns its metadata and whether it was
// found.
func (z *Zone) Search(name []byte) ([]byte, bool, error) {
	if len(name) != z.cfg.NameSize {
		return nil, false, fmt.Errorf("name length %d != name_size %d: %w", len(name), z.cfg.NameSize, ErrInvalidInput)
	}

	start := z.start(name)
	for i := 0; i < z.slotCount; i++ {
		idx := z.probe(start, i)
		if !z.occupied[idx] {
			return nil, false, nil
		}
		if z.deleted[idx] {
			continue
		}
		if bytesEqual(z.names[idx], name) {
			return z.metadata[idx], true, nil
		}
	}
	return nil, false, nil
}

// Remove marks name's slot as deleted (a tombstone): the live count
// decreases but the slot stays occupied so later probes still walk
// through it.
func (z *Zone) Remove(name []byte) (bool, error) {
	if len(name) != z.cfg.NameSize {
		return false, fmt.Errorf("name length %d != name_size %d: %w", len(name), z.cfg.NameSize, ErrInvalidInput)
	}

	start := z.start(name)
	for i := 0; i < z.slotCount; i++ {
		idx := z.probe(start, i)
		if !z.occupied[idx] {
			return false, nil
		}
		if z.deleted[idx] {
			continue
		}
		if bytesEqual(z.names[idx], name) {
			z.deleted[idx] = true
			z.deletions++
			return true, nil
		}
	}
	return false, nil
}

// Reset clears every slot without shrinking the underlying table.
func (z *Zone) Reset() {
	for i := range z.occupied {
		z.occupied[i] = false
		z.deleted[i] = false
		z.names[i] = nil
		z.metadata[i] = nil
	}
	z.size = 0
	z.deletions = 0
}

// LiveRecords returns every non-tombstoned record, for the chapter
// writer to serialize when the chapter closes. The slice is a snapshot;
// mutating the zone afterward does not affect it.
func (z *Zone) LiveRecords() []Record {
	records := make([]Record, 0, z.liveCount())
	for i := range z.occupied {
		if z.occupied[i] && !z.deleted[i] {
			records = append(records, Record{Name: z.names[i], Metadata: z.metadata[i]})
		}
	}
	return records
}

// Size returns the number of live records currently held.
func (z *Zone) Size() int {
	return z.liveCount()
}

// Capacity returns the configured records_per_zone target.
func (z *Zone) Capacity() int {
	return z.cfg.RecordsPerZone
}

// Deletions returns the number of tombstoned slots since the last
// Reset.
func (z *Zone) Deletions() int {
	return z.deletions
}
