package uds

import (
	"bytes"
	"errors"
	"fmt"
	"math/bits"
	"os"
	"sync"
	"sync/atomic"

	natomic "github.com/natefinch/atomic"

	"github.com/brinkwell/uds/internal/config"
	"github.com/brinkwell/uds/internal/deltaindex"
	"github.com/brinkwell/uds/internal/geometry"
	"github.com/brinkwell/uds/internal/indexpagemap"
	"github.com/brinkwell/uds/internal/layout"
	"github.com/brinkwell/uds/internal/openchapter"
	"github.com/brinkwell/uds/internal/scrubber"
	"github.com/brinkwell/uds/internal/stats"
	"github.com/brinkwell/uds/internal/volume"
	"github.com/brinkwell/uds/internal/volumeindex"
	"github.com/brinkwell/uds/pkg/ioblock"
)

// Mode selects how OpenIndex treats an existing volume (spec.md §6
// "open_index(mode, params, session)").
type Mode int

const (
	// ModeCreate formats a fresh volume, overwriting any existing
	// checkpoint.
	ModeCreate Mode = iota
	// ModeLoad opens an existing volume, clean or dirty; the scrubber
	// rebuild runs on every load.
	ModeLoad
	// ModeNoRebuild opens an existing volume but fails with
	// ErrIndexNotSavedCleanly rather than scrubbing a dirty one.
	ModeNoRebuild
)

func (m Mode) String() string {
	switch m {
	case ModeCreate:
		return "CREATE"
	case ModeLoad:
		return "LOAD"
	case ModeNoRebuild:
		return "NO_REBUILD"
	default:
		return "UNKNOWN"
	}
}

const (
	// defaultVolumeIndexLists is the total number of delta lists the
	// volume index's dense sub-index is divided into, split evenly
	// across zones.
	defaultVolumeIndexLists = 1 << 14
	// defaultSampleRate samples one name in every 64 into the sparse
	// sub-index when a volume has sparse chapters configured.
	defaultSampleRate = 64
	// volumeCacheCapacityPages bounds the Volume's shared page cache.
	volumeCacheCapacityPages = 256
)

// Index is the top-level orchestrator: it exclusively owns the Volume,
// VolumeIndex, one OpenChapterZone per zone, the IndexPageMap, and the
// ChapterWriter (spec.md §3 "Ownership"), and implements the
// POST/QUERY/UPDATE/DELETE/QUERY_NO_UPDATE semantics of spec.md §4.9's
// table.
//
// Per-zone state (OpenChapterZone, the volume index's own per-zone
// shards) is meant to be touched only by that zone's own consumer
// goroutine (spec.md §5); the quiesce lock below exists solely for the
// chapter-close path, which needs a consistent snapshot across every
// zone at once ("a short global quiesce of puts, readers continue",
// spec.md §5). Every other Index method takes quiesce for reading,
// so zones run concurrently with each other and only block during the
// (comparatively rare) chapter-close exclusive section.
type Index struct {
	quiesce sync.RWMutex

	geo      *geometry.Geometry
	dev      ioblock.Device
	vol      *volume.Volume
	volIndex *volumeindex.Index
	zones    []*openchapter.Zone
	pageMap  *indexpagemap.Map
	writer   *layout.ChapterWriter
	stats    *stats.Stats

	volPath             string
	sbPath              string
	checkpointing       bool
	queryUpdatesRecency bool
	compressSaves       bool

	openChapterVCN uint64
	readOnly       atomic.Bool

	logger config.Logger
}

// OpenIndex validates p, builds the geometry-derived structures, and
// opens or formats the backing volume according to mode.
func OpenIndex(mode Mode, p config.Params) (*Index, error) {
	resolved, err := config.Validate(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	geo := resolved.Geometry

	blockCount := int64(geo.PagesPerVolume()) + int64(geometry.HeaderPages)
	dev, err := ioblock.OpenMmapDevice(resolved.Path, blockCount)
	if err != nil {
		return nil, fmt.Errorf("open device: %w", err)
	}

	ix, err := newIndex(geo, dev, resolved)
	if err != nil {
		dev.Close()
		return nil, err
	}

	switch mode {
	case ModeCreate:
		ix.openChapterVCN = 0
		if ix.checkpointing {
			// Clean=false from the first byte: a crash before the next
			// chapter close (or a graceful Close) loses the in-memory
			// open chapter, so the volume is never "clean" while it
			// might still hold unflushed writes.
			sb := ix.buildSuperBlock(layout.Checkpoint{}, false)
			if err := layout.WriteCheckpoint(ix.sbPath, sb); err != nil {
				dev.Close()
				return nil, fmt.Errorf("write initial checkpoint: %w", err)
			}
		}
	case ModeLoad, ModeNoRebuild:
		sb, err := ix.readSuperBlock()
		if err != nil {
			dev.Close()
			return nil, err
		}
		if !sb.Clean && mode == ModeNoRebuild {
			dev.Close()
			return nil, ErrIndexNotSavedCleanly
		}
		ix.openChapterVCN = sb.Checkpoint.OpenChapterVCN
		// The volume index and open-chapter zones are in-memory-only;
		// every open (clean or not) reconstructs the volume index from
		// durable chapters and restores whatever open-chapter sidecar
		// the last Close saved, regardless of the Clean bit. Clean only
		// gates whether ModeNoRebuild is willing to proceed at all.
		if err := ix.rebuild(sb); err != nil {
			dev.Close()
			return nil, err
		}
	default:
		dev.Close()
		return nil, fmt.Errorf("mode %d: %w", int(mode), ErrInvalidArgument)
	}

	ix.logger.Printf("uds: index opened mode=%s zones=%d chapters=%d path=%s",
		mode, len(ix.zones), geo.ChaptersPerVolume(), resolved.Path)
	return ix, nil
}

func newIndex(geo *geometry.Geometry, dev ioblock.Device, resolved config.Resolved) (*Index, error) {
	pageMap, err := indexpagemap.New(geo.ChaptersPerVolume(), int(geo.IndexPagesPerChapter()), geo.DeltaListsPerChapter())
	if err != nil {
		return nil, fmt.Errorf("build index page map: %w", err)
	}

	vol := volume.New(geo, dev, volumeCacheCapacityPages, pageMap)

	windowChapters := uint64(geo.ChaptersPerVolume())
	payloadBits := bitsFor(windowChapters)

	listsPerZone := defaultVolumeIndexLists / resolved.NumZones
	if listsPerZone < 1 {
		listsPerZone = 1
	}

	sampleRate := uint32(0)
	if geo.SparseChaptersPerVolume() > 0 {
		sampleRate = defaultSampleRate
	}

	volIndex, err := volumeindex.New(volumeindex.Config{
		ZoneCount:      resolved.NumZones,
		ListsPerZone:   listsPerZone,
		MeanDelta:      geo.ChapterMeanDelta(),
		PayloadBits:    payloadBits,
		NameSize:       geometry.NameSize,
		WindowChapters: windowChapters,
		SampleRate:     sampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("build volume index: %w", err)
	}

	recordsPerZone := int(geo.RecordsPerChapter()) / resolved.NumZones
	if recordsPerZone < 1 {
		recordsPerZone = 1
	}
	zones := make([]*openchapter.Zone, resolved.NumZones)
	for i := range zones {
		z, err := openchapter.NewZone(openchapter.Config{
			NameSize:       geometry.NameSize,
			MetadataSize:   geometry.MetadataSize,
			RecordsPerZone: recordsPerZone,
		})
		if err != nil {
			return nil, fmt.Errorf("build open chapter zone %d: %w", i, err)
		}
		zones[i] = z
	}

	writer := layout.NewChapterWriter(geo, vol, pageMap, windowChapters)

	return &Index{
		geo:                 geo,
		dev:                 dev,
		vol:                 vol,
		volIndex:            volIndex,
		zones:               zones,
		pageMap:             pageMap,
		writer:              writer,
		stats:               stats.New(),
		volPath:             resolved.Path,
		sbPath:              resolved.Path + ".superblock",
		checkpointing:       resolved.Checkpointing,
		queryUpdatesRecency: resolved.QueryUpdatesRecency,
		compressSaves:       resolved.CompressSaves,
		logger:              resolved.Logger,
	}, nil
}

// bitsFor returns the number of bits needed to represent values in
// [0, n], at least 1.
func bitsFor(n uint64) uint8 {
	b := bits.Len64(n)
	if b == 0 {
		b = 1
	}
	return uint8(b)
}

// Geometry returns the index's immutable geometry.
func (ix *Index) Geometry() *geometry.Geometry { return ix.geo }

// NumZones returns the number of request-pipeline zones.
func (ix *Index) NumZones() int { return len(ix.zones) }

// ZoneFor returns which zone owns name, per spec.md §3's "Zone" and
// §4.6's get_volume_index_zone.
func (ix *Index) ZoneFor(name []byte) int {
	return volumeindex.GetVolumeIndexZone(name, len(ix.zones))
}

// IsReadOnly reports whether the index has latched into the read-only
// state spec.md §7 describes for a metadata write failure.
func (ix *Index) IsReadOnly() bool { return ix.readOnly.Load() }

// Stats returns a snapshot of the request counters (spec.md §5 "Stats
// counters").
func (ix *Index) Stats() stats.Counters { return ix.stats.Snapshot() }

// lookupExisting returns name's current metadata if it is live anywhere
// the index can see it: first the zone's own open-chapter accumulator
// (the most recent writes), then the volume index + durable volume.
func (ix *Index) lookupExisting(zone int, name []byte) ([]byte, bool, error) {
	if md, ok, err := ix.zones[zone].Search(name); err != nil {
		return nil, false, err
	} else if ok {
		return md, true, nil
	}

	vcn, err := ix.volIndex.LookupName(name)
	if err != nil {
		return nil, false, err
	}
	if vcn == volumeindex.NoChapter {
		return nil, false, nil
	}

	md, err := ix.vol.LookupInChapter(name, vcn)
	if errors.Is(err, volume.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return md, true, nil
}

type requestKind int

const (
	kindPost requestKind = iota
	kindUpdate
)

// Post implements spec.md §4.9's POST row.
func (ix *Index) Post(zone int, name, metadataNew []byte) (found bool, metadataOld []byte, err error) {
	ix.quiesce.RLock()
	defer ix.quiesce.RUnlock()
	return ix.upsertLocked(zone, name, metadataNew, kindPost)
}

// Update implements spec.md §4.9's UPDATE row.
func (ix *Index) Update(zone int, name, metadataNew []byte) (found bool, metadataOld []byte, err error) {
	ix.quiesce.RLock()
	defer ix.quiesce.RUnlock()
	return ix.upsertLocked(zone, name, metadataNew, kindUpdate)
}

func (ix *Index) upsertLocked(zone int, name, metadataNew []byte, kind requestKind) (bool, []byte, error) {
	if ix.readOnly.Load() {
		return false, nil, ErrReadOnly
	}
	if zone < 0 || zone >= len(ix.zones) {
		return false, nil, fmt.Errorf("zone %d: %w", zone, ErrInvalidArgument)
	}

	old, found, err := ix.lookupExisting(zone, name)
	if err != nil {
		return false, nil, err
	}

	if _, err := ix.zones[zone].Put(name, metadataNew); err != nil {
		return false, nil, err
	}
	if _, ok, err := ix.zones[zone].Search(name); err != nil {
		return false, nil, err
	} else if !ok {
		// Zone.Put silently rejects when full and name wasn't already
		// present (spec.md §4.5); the caller should have triggered a
		// chapter close before this happened, but correctness here
		// doesn't depend on that: report the discard and leave the
		// volume index untouched for a name that was never stored.
		ix.stats.AddEntryDiscarded()
		ix.stats.AddRequest()
		return false, nil, fmt.Errorf("zone %d full: %w", zone, ErrNoSpace)
	}

	if _, err := ix.volIndex.PutRecord(name, ix.openChapterVCN); err != nil {
		if errors.Is(err, deltaindex.ErrOverflow) {
			return false, nil, fmt.Errorf("%w", ErrOverflow)
		}
		return false, nil, err
	}

	ix.stats.AddRequest()
	switch kind {
	case kindPost:
		if found {
			ix.stats.AddPostFound()
		} else {
			ix.stats.AddPostNotFound()
		}
	case kindUpdate:
		if found {
			ix.stats.AddUpdateFound()
		} else {
			ix.stats.AddUpdateNotFound()
		}
	}
	return found, old, nil
}

// Query implements spec.md §4.9's QUERY row: read-only unless the
// caller opted into QueryUpdatesRecency (spec.md §9's open question,
// resolved in SPEC_FULL.md §9 to default off).
func (ix *Index) Query(zone int, name []byte) (found bool, metadata []byte, err error) {
	ix.quiesce.RLock()
	defer ix.quiesce.RUnlock()
	return ix.queryLocked(zone, name, false)
}

// QueryNoUpdate implements spec.md §4.9's QUERY_NO_UPDATE row: never
// mutates, regardless of QueryUpdatesRecency.
func (ix *Index) QueryNoUpdate(zone int, name []byte) (found bool, metadata []byte, err error) {
	ix.quiesce.RLock()
	defer ix.quiesce.RUnlock()
	return ix.queryLocked(zone, name, true)
}

func (ix *Index) queryLocked(zone int, name []byte, forceNoUpdate bool) (bool, []byte, error) {
	if zone < 0 || zone >= len(ix.zones) {
		return false, nil, fmt.Errorf("zone %d: %w", zone, ErrInvalidArgument)
	}

	md, found, err := ix.lookupExisting(zone, name)
	if err != nil {
		return false, nil, err
	}

	ix.stats.AddRequest()
	if !found {
		ix.stats.AddQueryNotFound()
		return false, nil, nil
	}
	ix.stats.AddQueryFound()
	if !forceNoUpdate && ix.queryUpdatesRecency && !ix.readOnly.Load() {
		if _, err := ix.volIndex.PutRecord(name, ix.openChapterVCN); err != nil {
			return true, md, err
		}
	}
	return true, md, nil
}

// Delete implements spec.md §4.9's DELETE row. A delete on an absent
// name is not an error (spec.md §7): it reports found=false.
func (ix *Index) Delete(zone int, name []byte) (found bool, err error) {
	ix.quiesce.RLock()
	defer ix.quiesce.RUnlock()
	if ix.readOnly.Load() {
		return false, ErrReadOnly
	}
	if zone < 0 || zone >= len(ix.zones) {
		return false, fmt.Errorf("zone %d: %w", zone, ErrInvalidArgument)
	}

	ix.stats.AddRequest()

	if removed, err := ix.zones[zone].Remove(name); err != nil {
		return false, err
	} else if removed {
		ix.stats.AddDeletionFound()
		return true, nil
	}

	vcn, err := ix.volIndex.LookupName(name)
	if err != nil {
		return false, err
	}
	if vcn == volumeindex.NoChapter {
		ix.stats.AddDeletionNotFound()
		return false, nil
	}
	if _, err := ix.volIndex.RemoveRecord(name); err != nil {
		return false, err
	}
	ix.stats.AddDeletionFound()
	return true, nil
}

// MaybeCloseChapter closes the current open chapter if any zone has
// reached its configured capacity. Call it after each mutating request;
// it is a no-op (and cheap) when no zone is full.
func (ix *Index) MaybeCloseChapter() (closed bool, err error) {
	ix.quiesce.Lock()
	defer ix.quiesce.Unlock()

	full := false
	for _, z := range ix.zones {
		if z.Size() >= z.Capacity() {
			full = true
			break
		}
	}
	if !full {
		return false, nil
	}
	return ix.closeChapterLocked()
}

func (ix *Index) closeChapterLocked() (bool, error) {
	if ix.readOnly.Load() {
		return false, ErrReadOnly
	}

	var records []layout.ChapterRecord
	for _, z := range ix.zones {
		for _, r := range z.LiveRecords() {
			records = append(records, layout.ChapterRecord{Name: r.Name, Metadata: r.Metadata})
		}
	}

	vcn := ix.openChapterVCN
	checkpoint, err := ix.writer.CloseChapter(vcn, records)
	if err != nil {
		return false, fmt.Errorf("close chapter %d: %w", vcn, err)
	}

	for _, z := range ix.zones {
		z.Reset()
	}
	ix.openChapterVCN = vcn + 1
	if err := ix.volIndex.SetOpenChapter(ix.openChapterVCN); err != nil {
		return false, err
	}
	for range records {
		ix.stats.AddEntryIndexed()
	}

	if ix.checkpointing {
		// Still Clean=false: the checkpoint now covers this chapter,
		// but the session keeps accepting writes into a fresh open
		// chapter that isn't durable until the next close or a
		// graceful Close.
		sb := ix.buildSuperBlock(checkpoint, false)
		if err := layout.WriteCheckpoint(ix.sbPath, sb); err != nil {
			ix.readOnly.Store(true)
			return false, fmt.Errorf("%w: %v", ErrReadOnly, err)
		}
	}
	ix.logger.Printf("uds: closed chapter %d records=%d", vcn, len(records))
	return true, nil
}

// Close saves each zone's open-chapter records to its sidecar file,
// flushes a final checkpoint (when checkpointing is enabled), and
// releases the backing device.
func (ix *Index) Close() error {
	ix.quiesce.Lock()
	defer ix.quiesce.Unlock()

	if !ix.readOnly.Load() {
		if err := ix.saveOpenChapters(); err != nil {
			return fmt.Errorf("save open chapters: %w", err)
		}
	}

	if ix.checkpointing && !ix.readOnly.Load() {
		sb := ix.buildSuperBlock(ix.writer.Checkpoint(), true)
		if err := layout.WriteCheckpoint(ix.sbPath, sb); err != nil {
			return fmt.Errorf("write final checkpoint: %w", err)
		}
	}
	if err := ix.dev.Sync(); err != nil {
		return fmt.Errorf("sync device: %w", err)
	}
	return ix.dev.Close()
}

// ocfmPath returns the sidecar file path a zone's saved open-chapter
// records are written to, alongside the volume file itself (mirrors
// sbPath's ".superblock" sibling-file convention).
func (ix *Index) ocfmPath(zone int) string {
	return fmt.Sprintf("%s.ocfm.%d", ix.volPath, zone)
}

// saveOpenChapters persists every zone's still-open (not yet
// chapter-closed) records to its own sidecar file in OCFM framing,
// zstd-compressed first when compressSaves is set (SPEC_FULL.md §5).
// rebuild reloads these on the next open so records posted after the
// last chapter close aren't lost to a clean shutdown, since the
// in-memory open-chapter zones otherwise hold the only copy.
func (ix *Index) saveOpenChapters() error {
	for i, z := range ix.zones {
		var buf bytes.Buffer
		if err := layout.SaveOpenChapter(&buf, z.LiveRecords()); err != nil {
			return fmt.Errorf("zone %d: %w", i, err)
		}
		data := buf.Bytes()
		if ix.compressSaves {
			compressed, err := compressSidecar(data)
			if err != nil {
				return fmt.Errorf("zone %d: %w", i, err)
			}
			data = compressed
		}
		if err := natomic.WriteFile(ix.ocfmPath(i), bytes.NewReader(data)); err != nil {
			return fmt.Errorf("zone %d: write sidecar: %w", i, err)
		}
	}
	return nil
}

// loadSavedOpenChapters reads back whatever saveOpenChapters wrote last.
// A missing sidecar (first-ever open, or a zone that never had live
// records) is not an error: its slot is left with a nil Data, which
// scrubber.Rebuild treats as an empty zone.
func (ix *Index) loadSavedOpenChapters() ([]scrubber.SavedOpenChapter, error) {
	saved := make([]scrubber.SavedOpenChapter, len(ix.zones))
	for i := range ix.zones {
		data, err := os.ReadFile(ix.ocfmPath(i))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("zone %d: read sidecar: %w", i, err)
		}
		if ix.compressSaves {
			decompressed, err := decompressSidecar(data)
			if err != nil {
				return nil, fmt.Errorf("zone %d: decompress sidecar: %w", i, err)
			}
			data = decompressed
		}
		saved[i] = scrubber.SavedOpenChapter{Data: data}
	}
	return saved, nil
}

func (ix *Index) buildSuperBlock(cp layout.Checkpoint, clean bool) layout.SuperBlock {
	return layout.SuperBlock{
		Version:     layout.Version5,
		IndexConfig: layout.IndexConfig{Sparse: ix.geo.SparseChaptersPerVolume() > 0},
		Clean:       clean,
		Checkpoint:  cp,
	}
}

func (ix *Index) readSuperBlock() (layout.SuperBlock, error) {
	data, err := os.ReadFile(ix.sbPath)
	if err != nil {
		if os.IsNotExist(err) {
			return layout.SuperBlock{}, fmt.Errorf("%s has no checkpoint: %w", ix.sbPath, ErrCorruptData)
		}
		return layout.SuperBlock{}, fmt.Errorf("read super-block: %w", err)
	}

	sb, err := layout.Decode(data)
	if err != nil {
		switch {
		case errors.Is(err, layout.ErrBadMagic):
			return layout.SuperBlock{}, fmt.Errorf("%w: %v", ErrBadMagic, err)
		case errors.Is(err, layout.ErrUnsupportedVersion):
			return layout.SuperBlock{}, fmt.Errorf("%w: %v", ErrUnsupportedVersion, err)
		case errors.Is(err, layout.ErrChecksumMismatch):
			return layout.SuperBlock{}, fmt.Errorf("%w: %v", ErrChecksumMismatch, err)
		default:
			return layout.SuperBlock{}, err
		}
	}
	return sb, nil
}

// rebuild runs the scrubber (spec.md §4.8) and latches the index
// read-only if the recovered checkpoint can't be persisted.
func (ix *Index) rebuild(sb layout.SuperBlock) error {
	saved, err := ix.loadSavedOpenChapters()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptData, err)
	}

	// oldestVCN/newestVCN bound the chapter-scan loop below. When no
	// chapter has ever closed (ChapterWriter.Checkpoint's zero value),
	// oldest=1,newest=0 makes that loop a no-op rather than scanning a
	// chapter 0 that was never written: the saved open-chapter sidecars
	// loaded above are still what needs replaying in that case.
	neverClosed := sb.Checkpoint.OpenChapterVCN == 0
	oldestVCN, newestVCN := sb.Checkpoint.OldestVCN, sb.Checkpoint.NewestVCN
	if neverClosed {
		oldestVCN, newestVCN = 1, 0
	}

	var writeCheckpoint func() error
	if ix.checkpointing {
		writeCheckpoint = func() error {
			cp := layout.Checkpoint{NewestVCN: newestVCN, OldestVCN: oldestVCN}
			if neverClosed {
				cp.OpenChapterVCN = 0
			} else {
				cp.OpenChapterVCN = newestVCN + 1
			}
			// Recovered, but not yet Clean: the index resumes taking
			// writes immediately and the same dirty-until-graceful-
			// Close rule applies.
			return layout.WriteCheckpoint(ix.sbPath, ix.buildSuperBlock(cp, false))
		}
	}

	rstats, err := scrubber.Rebuild(ix.vol, ix.volIndex, ix.zones, oldestVCN, newestVCN, saved, writeCheckpoint)
	if err != nil {
		if errors.Is(err, scrubber.ErrReadOnly) {
			ix.readOnly.Store(true)
			return nil
		}
		if errors.Is(err, scrubber.ErrCorruptData) {
			return fmt.Errorf("%w: %v", ErrCorruptData, err)
		}
		return err
	}

	if neverClosed {
		ix.openChapterVCN = 0
	} else {
		ix.openChapterVCN = newestVCN + 1
	}
	ix.logger.Printf("uds: rebuild complete chapters_scanned=%d records_replayed=%d kept=%d discarded=%d",
		rstats.ChaptersScanned, rstats.RecordsReplayed, rstats.OpenChapterRecordsKept, rstats.OpenChapterRecordsDiscarded)
	return nil
}
