// Package volumeindex implements the global "which chapter holds name
// N?" structure (spec.md §4.6): a dense delta index sharded into zones
// by a deterministic hash of the name, plus an optional sparse
// sub-index that receives only sampled names to extend retention for
// older, sparsely-indexed chapters.
package volumeindex

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/brinkwell/uds/internal/deltaindex"
	"github.com/zeebo/xxh3"
)

// NoChapter is the sentinel virtual chapter number meaning "no record",
// returned by LookupName for both a genuine miss and a sparse name that
// hasn't been sampled into the sparse sub-index yet.
const NoChapter = ^uint64(0)

// Domain-separation seeds for the four independent hashes this package
// derives from one name: which zone, which list within the zone, the
// delta-coded key within that list, and sparse-sample membership
// (IsSample). Using distinct seeds (rather than splitting one hash's
// bits several ways) keeps zone and list
// selection uncorrelated, which is what lets get_volume_index_zone
// redistribute cleanly across a different zone count on restore.
const (
	zoneSeed   = 0xD0E1
	listSeed   = 0xD0E2
	keySeed    = 0xD0E3
	sampleSeed = 0xD0E4
)

var (
	// ErrInvalidInput flags a malformed Config or name/vcn argument.
	ErrInvalidInput = errors.New("volumeindex: invalid input")
)

// Config parameterizes the index.
type Config struct {
	ZoneCount    int
	ListsPerZone int
	MeanDelta    uint32
	PayloadBits  uint8
	NameSize     int

	// WindowChapters bounds how far a list's oldest entry may lag the
	// zone's open chapter before PutRecord/SetZoneOpenChapter evicts it
	// ("early flush", spec.md §4.6). Must be representable in
	// PayloadBits: 1<<PayloadBits must exceed WindowChapters.
	WindowChapters uint64

	// SampleRate, if nonzero, routes every name for which
	// is_sample(name) holds (a 1-in-SampleRate hash test) to a separate
	// sparse sub-index instead of the dense one.
	SampleRate uint32

	// MemoryBudgetBitsPerList caps the encoded size of any single delta
	// list. A PutRecord that would exceed it triggers an early flush
	// (prune entries outside WindowChapters, or else evict the single
	// oldest entry) before retrying the insert. Zero means unbounded.
	MemoryBudgetBitsPerList uint64
}

// Record is the result of GetRecord.
type Record struct {
	Found          bool
	VirtualChapter uint64
	IsCollision    bool
}

// Stats mirrors spec.md §4.6's required statistics set.
type Stats struct {
	RecordCount     uint64
	CollisionCount  uint64
	MemoryAllocated uint64 // bits
	RebalanceCount  uint64
	EarlyFlushes    uint64
}

// Index is the volume index: a dense delta index (and, if configured, a
// sparse one) sharded by zone.
//
// PutRecord/GetRecord/SetZoneOpenChapter on distinct zones are safe to
// call concurrently from each zone's own consumer goroutine (spec.md
// §5: "VolumeIndex.zones[z] — mutated only by zone z's consumer
// thread"): deltaindex.Index itself partitions storage per zone, and
// the counters below are atomic words rather than plain fields so a
// Stats() snapshot never races with another zone's concurrent
// increment.
type Index struct {
	cfg Config

	dense  *deltaindex.Index
	sparse *deltaindex.Index // nil when SampleRate == 0

	zoneOpenChapter []uint64
	listLastTouched [][]uint64 // dense only; sparse lists age out the same way but are rarely written
	listTouched     [][]bool   // parallel to listLastTouched: true once that list has ever been written

	recordCount     atomic.Int64
	collisionCount  atomic.Uint64
	rebalanceCount  atomic.Uint64
	earlyFlushes    atomic.Uint64
}

// New constructs an empty Index.
func New(cfg Config) (*Index, error) {
	if cfg.WindowChapters != 0 && cfg.PayloadBits < 1 {
		return nil, fmt.Errorf("payload_bits must be set when window_chapters is set: %w", ErrInvalidInput)
	}
	if cfg.WindowChapters != 0 && uint64(1)<<cfg.PayloadBits <= cfg.WindowChapters {
		return nil, fmt.Errorf("payload_bits (%d) too small to represent window_chapters (%d): %w",
			cfg.PayloadBits, cfg.WindowChapters, ErrInvalidInput)
	}

	dense, err := deltaindex.New(deltaindex.Config{
		ZoneCount:        cfg.ZoneCount,
		ListsPerZone:     cfg.ListsPerZone,
		MeanDelta:        cfg.MeanDelta,
		PayloadBits:      cfg.PayloadBits,
		NameSize:         cfg.NameSize,
		MemoryBudgetBits: cfg.MemoryBudgetBitsPerList,
	})
	if err != nil {
		return nil, fmt.Errorf("dense index: %w", err)
	}

	ix := &Index{
		cfg:             cfg,
		dense:           dense,
		zoneOpenChapter: make([]uint64, cfg.ZoneCount),
		listLastTouched: make([][]uint64, cfg.ZoneCount),
		listTouched:     make([][]bool, cfg.ZoneCount),
	}
	for z := range ix.listLastTouched {
		ix.listLastTouched[z] = make([]uint64, cfg.ListsPerZone)
		ix.listTouched[z] = make([]bool, cfg.ListsPerZone)
	}

	if cfg.SampleRate != 0 {
		sparse, err := deltaindex.New(deltaindex.Config{
			ZoneCount:        cfg.ZoneCount,
			ListsPerZone:     cfg.ListsPerZone,
			MeanDelta:        cfg.MeanDelta,
			PayloadBits:      cfg.PayloadBits,
			NameSize:         cfg.NameSize,
			MemoryBudgetBits: cfg.MemoryBudgetBitsPerList,
		})
		if err != nil {
			return nil, fmt.Errorf("sparse index: %w", err)
		}
		ix.sparse = sparse
	}

	return ix, nil
}

// IsSample reports whether name belongs to the sparse sampling subset
// (always false when SampleRate is 0).
func (ix *Index) IsSample(name []byte) bool {
	if ix.cfg.SampleRate == 0 {
		return false
	}
	return xxh3.HashSeed(name, sampleSeed)%uint64(ix.cfg.SampleRate) == 0
}

// GetVolumeIndexZone returns the zone name routes to under the index's
// current zone count. It is a pure function of name and zoneCount, so a
// restore into a different zone count redistributes lists
// deterministically without needing any stored mapping (spec.md §4.6).
func GetVolumeIndexZone(name []byte, zoneCount int) int {
	return int(xxh3.HashSeed(name, zoneSeed) % uint64(zoneCount))
}

func listFor(name []byte, listsPerZone int) int {
	return int(xxh3.HashSeed(name, listSeed) % uint64(listsPerZone))
}

func keyFor(name []byte) uint64 {
	return xxh3.HashSeed(name, keySeed)
}

func (ix *Index) route(name []byte) (idx *deltaindex.Index, zone, list int, key uint64) {
	idx = ix.dense
	if ix.sparse != nil && ix.IsSample(name) {
		idx = ix.sparse
	}
	zone = GetVolumeIndexZone(name, ix.cfg.ZoneCount)
	list = listFor(name, ix.cfg.ListsPerZone)
	key = keyFor(name)
	return idx, zone, list, key
}

// GetRecord looks up name and reports whether it is live, and if so,
// which virtual chapter holds it.
func (ix *Index) GetRecord(name []byte) (Record, error) {
	if len(name) != ix.cfg.NameSize {
		return Record{}, fmt.Errorf("name length %d != %d: %w", len(name), ix.cfg.NameSize, ErrInvalidInput)
	}

	idx, zone, list, key := ix.route(name)

	mine, err := idx.GetEntry(zone, list, key, name)
	if err != nil {
		return Record{}, err
	}
	if mine.AtEnd {
		return Record{Found: false}, nil
	}

	return Record{
		Found:          true,
		VirtualChapter: uint64(mine.Value),
		IsCollision:    mine.IsCollision,
	}, nil
}

// LookupName is the read-only form of GetRecord: it returns NoChapter
// both for a genuine miss and for a sparse name that hasn't been
// sampled into the sparse sub-index yet (spec.md §4.6).
func (ix *Index) LookupName(name []byte) (uint64, error) {
	rec, err := ix.GetRecord(name)
	if err != nil {
		return NoChapter, err
	}
	if !rec.Found {
		return NoChapter, nil
	}
	return rec.VirtualChapter, nil
}

// RemoveRecord marks name's entry obsolete by deleting it from whichever
// sub-index (dense or sparse) currently holds it. It reports whether an
// entry was found and removed (spec.md §4.9's DELETE row: "remove from
// open chapter or mark the volume-index entry as obsolete").
func (ix *Index) RemoveRecord(name []byte) (removed bool, err error) {
	if len(name) != ix.cfg.NameSize {
		return false, fmt.Errorf("name length %d != %d: %w", len(name), ix.cfg.NameSize, ErrInvalidInput)
	}

	idx, zone, list, key := ix.route(name)
	mine, err := idx.GetEntry(zone, list, key, name)
	if err != nil {
		return false, err
	}
	if mine.AtEnd {
		return false, nil
	}
	if err := idx.RemoveEntry(mine); err != nil {
		return false, err
	}
	if idx == ix.dense {
		ix.recordCount.Add(-1)
	}
	return true, nil
}

// PutRecord inserts or updates name's virtual chapter. It returns
// whether name's delta-index key already held a different name (a
// detected hash collision at the (zone, list, key) coordinate,
// independent of whether the two names are the same record).
func (ix *Index) PutRecord(name []byte, virtualChapter uint64) (collided bool, err error) {
	if len(name) != ix.cfg.NameSize {
		return false, fmt.Errorf("name length %d != %d: %w", len(name), ix.cfg.NameSize, ErrInvalidInput)
	}
	if virtualChapter >= uint64(1)<<ix.cfg.PayloadBits {
		return false, fmt.Errorf("virtual chapter %d does not fit in %d payload bits: %w", virtualChapter, ix.cfg.PayloadBits, ErrInvalidInput)
	}

	idx, zone, list, key := ix.route(name)
	value := uint32(virtualChapter)

	occupant, err := idx.GetEntry(zone, list, key, nil)
	if err != nil {
		return false, err
	}
	mine, err := idx.GetEntry(zone, list, key, name)
	if err != nil {
		return false, err
	}

	collided = !occupant.AtEnd && mine.AtEnd

	if !mine.AtEnd {
		if err := idx.SetValue(mine, value); err != nil {
			return collided, err
		}
	} else {
		if err := idx.PutEntry(mine, key, value, name); err != nil {
			if !errors.Is(err, deltaindex.ErrOverflow) {
				return collided, err
			}
			flushed, flushErr := ix.earlyFlush(idx, zone, list, virtualChapter)
			if flushErr != nil {
				return collided, flushErr
			}
			if idx == ix.dense {
				ix.recordCount.Add(-int64(flushed))
			}
			// earlyFlush mutated the list, invalidating mine's cursor
			// position; re-locate the insertion point before retrying.
			retry, err := idx.GetEntry(zone, list, key, name)
			if err != nil {
				return collided, err
			}
			if err := idx.PutEntry(retry, key, value, name); err != nil {
				return collided, err
			}
		}
		ix.recordCount.Add(1)
		if collided {
			ix.collisionCount.Add(1)
		}
	}

	if idx == ix.dense {
		ix.listLastTouched[zone][list] = virtualChapter
		ix.listTouched[zone][list] = true
	}

	return collided, nil
}

// earlyFlush drops entries from (zone, list) that are more than
// WindowChapters older than currentVCN; if that frees nothing (every
// entry is still within the window, yet the list is full), it forces
// room by evicting the single oldest entry.
func (ix *Index) earlyFlush(idx *deltaindex.Index, zone, list int, currentVCN uint64) (removed int, err error) {
	removed, err = idx.PruneList(zone, list, func(_ uint64, value uint32) bool {
		age := currentVCN - uint64(value)
		return ix.cfg.WindowChapters == 0 || age <= ix.cfg.WindowChapters
	})
	if err != nil {
		return 0, err
	}
	if removed == 0 {
		if _, err := idx.RemoveMinValueEntry(zone, list); err != nil {
			return 0, err
		}
		removed = 1
	}
	ix.earlyFlushes.Add(1)
	return removed, nil
}

// SetZoneOpenChapter advances zone's open-chapter watermark to vcn and
// evicts any list entries that have fallen outside the retention
// window as a result.
func (ix *Index) SetZoneOpenChapter(zone int, vcn uint64) error {
	if zone < 0 || zone >= ix.cfg.ZoneCount {
		return fmt.Errorf("zone %d out of range: %w", zone, ErrInvalidInput)
	}
	ix.zoneOpenChapter[zone] = vcn

	if ix.cfg.WindowChapters == 0 {
		return nil
	}

	for list := 0; list < ix.cfg.ListsPerZone; list++ {
		if !ix.listTouched[zone][list] {
			continue
		}
		last := ix.listLastTouched[zone][list]
		if vcn-last <= ix.cfg.WindowChapters {
			continue
		}
		removed, err := ix.dense.PruneList(zone, list, func(_ uint64, value uint32) bool {
			return vcn-uint64(value) <= ix.cfg.WindowChapters
		})
		if err != nil {
			return err
		}
		if removed > 0 {
			ix.earlyFlushes.Add(1)
			ix.recordCount.Add(-int64(removed))
		}
	}
	return nil
}

// SetOpenChapter advances every zone's open-chapter watermark to vcn.
func (ix *Index) SetOpenChapter(vcn uint64) error {
	for z := 0; z < ix.cfg.ZoneCount; z++ {
		if err := ix.SetZoneOpenChapter(z, vcn); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns a snapshot of the index's aggregate statistics.
func (ix *Index) Stats() Stats {
	s := Stats{
		RecordCount:    uint64(ix.recordCount.Load()),
		CollisionCount: ix.collisionCount.Load(),
		RebalanceCount: ix.rebalanceCount.Load(),
		EarlyFlushes:   ix.earlyFlushes.Load(),
	}
	s.MemoryAllocated = ix.dense.Stats().SizeBits
	if ix.sparse != nil {
		s.MemoryAllocated += ix.sparse.Stats().SizeBits
	}
	return s
}

// --- Save / restore ---

// Save writes the dense sub-index's zone zoneNum, followed by the
// sparse sub-index's zone zoneNum if sampling is enabled.
func (ix *Index) Save(zoneNum int, w io.Writer) error {
	if err := ix.dense.SaveZone(zoneNum, w); err != nil {
		return fmt.Errorf("save dense zone %d: %w", zoneNum, err)
	}
	if ix.sparse != nil {
		if err := ix.sparse.SaveZone(zoneNum, w); err != nil {
			return fmt.Errorf("save sparse zone %d: %w", zoneNum, err)
		}
	}
	return nil
}

// Restore replaces zoneNum's contents from a stream written by Save.
// The target Index may have a different ZoneCount/ListsPerZone than the
// one that wrote the stream; callers that rebalance across a different
// zone count should instead read every saved zone and re-PutRecord each
// live entry, since GetVolumeIndexZone/listFor depend only on name and
// the *current* shape (spec.md §4.6: "restore accepts the same or a
// different zone count, redistributing lists by deterministic hash").
func (ix *Index) Restore(zoneNum int, r io.Reader) error {
	if err := ix.dense.RestoreZone(zoneNum, r); err != nil {
		return fmt.Errorf("restore dense zone %d: %w", zoneNum, err)
	}
	if ix.sparse != nil {
		if err := ix.sparse.RestoreZone(zoneNum, r); err != nil {
			return fmt.Errorf("restore sparse zone %d: %w", zoneNum, err)
		}
	}
	ix.rebalanceCount.Add(1)
	return nil
}
