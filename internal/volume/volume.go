// Package volume implements the on-disk circular array of chapters
// (spec.md §4.3): physical addressing, a shared page cache, and the
// read path that resolves a name to its stored metadata within a given
// virtual chapter. Only the chapter writer (internal/layout) issues
// writes; this package exposes the single batched write entry point it
// uses to do so.
package volume

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/brinkwell/uds/internal/deltaindex"
	"github.com/brinkwell/uds/internal/geometry"
	"github.com/brinkwell/uds/internal/indexpagemap"
	"github.com/brinkwell/uds/pkg/ioblock"
)

// ErrRecordNotFound is returned by LookupInChapter when no entry
// matches name in the given chapter.
var ErrRecordNotFound = errors.New("volume: record not found")

// ErrInvalidInput flags malformed arguments.
var ErrInvalidInput = errors.New("volume: invalid input")

// Volume is the on-disk record store: chapters laid out back to back on
// a circular device, each chapter split into index pages (a per-chapter
// delta index keyed by geometry.ChapterIndexKey) followed by record
// pages (fixed-size metadata slots).
type Volume struct {
	geo     *geometry.Geometry
	dev     ioblock.Device
	cache   *PageCache
	pageMap *indexpagemap.Map
}

// New constructs a Volume over dev, sharing pageMap (owned by the
// caller — typically the same Index that owns the chapter writer) to
// route names to index pages.
func New(geo *geometry.Geometry, dev ioblock.Device, cacheCapacityPages int, pageMap *indexpagemap.Map) *Volume {
	return &Volume{
		geo:     geo,
		dev:     dev,
		cache:   NewPageCache(dev, cacheCapacityPages),
		pageMap: pageMap,
	}
}

// PhysicalPage computes physical_page = header_pages + (vcn mod
// chapters_per_volume)*pages_per_chapter + page_in_chapter (spec.md
// §4.3).
func (v *Volume) PhysicalPage(vcn uint64, pageInChapter uint32) int64 {
	physChapter := v.geo.PhysicalChapter(vcn)
	return int64(geometry.HeaderPages) + int64(physChapter)*int64(v.geo.PagesPerChapter()) + int64(pageInChapter)
}

// chapterIndexConfig returns the deltaindex.Config for one chapter's
// packed index: a single-zone index over listCount lists (the share of
// delta_lists_per_chapter held by one index page),
// whose value encodes a record's (page_in_chapter, slot) position.
func (v *Volume) chapterIndexConfig(listCount int) deltaindex.Config {
	return deltaindex.Config{
		ZoneCount:    1,
		ListsPerZone: listCount,
		MeanDelta:    v.geo.ChapterMeanDelta(),
		PayloadBits:  v.geo.ChapterPayloadBits(),
		NameSize:     geometry.NameSize,
	}
}

// encodeRecordPointer packs a record's position within its chapter's
// record pages into a single chapter-index value.
func (v *Volume) encodeRecordPointer(recordPageInChapter, slot uint32) (uint32, error) {
	value := recordPageInChapter*v.geo.RecordsPerPage() + slot
	if value >= 1<<v.geo.ChapterPayloadBits() {
		return 0, fmt.Errorf("record pointer %d does not fit in %d payload bits: %w", value, v.geo.ChapterPayloadBits(), ErrInvalidInput)
	}
	return value, nil
}

func (v *Volume) decodeRecordPointer(value uint32) (recordPageInChapter, slot uint32) {
	perPage := v.geo.RecordsPerPage()
	return value / perPage, value % perPage
}

// firstDeltaListOnPage returns the lowest delta-list number stored on
// index page pageNum of physChapter, using the previous page's upper
// bound (0 for page 0).
func (v *Volume) firstDeltaListOnPage(physChapter uint32, pageNum int) (uint32, error) {
	if pageNum == 0 {
		return 0, nil
	}
	bound, err := v.pageMap.Bound(physChapter, pageNum-1)
	if err != nil {
		return 0, err
	}
	return bound + 1, nil
}

// VerifyChapterIndex restores every index page of the chapter
// identified by vcn, surfacing deltaindex.ErrCorrupt (bad magic, guard,
// or checksum) unchanged so the scrubber can distinguish a genuinely
// corrupt chapter from one that's merely unpopulated.
func (v *Volume) VerifyChapterIndex(vcn uint64) error {
	physChapter := v.geo.PhysicalChapter(vcn)
	pageCount := int(v.geo.IndexPagesPerChapter())

	for pageNum := 0; pageNum < pageCount; pageNum++ {
		firstList, err := v.firstDeltaListOnPage(physChapter, pageNum)
		if err != nil {
			return fmt.Errorf("first delta list on page %d: %w", pageNum, err)
		}
		lastList, err := v.pageMap.Bound(physChapter, pageNum)
		if err != nil {
			return fmt.Errorf("page %d bound: %w", pageNum, err)
		}
		listCount := int(lastList-firstList) + 1

		physPage := v.PhysicalPage(vcn, uint32(pageNum))
		page, err := v.cache.Pin(physPage)
		if err != nil {
			return fmt.Errorf("pin index page %d: %w", pageNum, err)
		}

		chapterIdx, err := deltaindex.New(v.chapterIndexConfig(listCount))
		if err != nil {
			v.cache.Unpin(physPage)
			return err
		}
		restoreErr := chapterIdx.RestoreZone(0, bytes.NewReader(page.Data))
		v.cache.Unpin(physPage)
		if restoreErr != nil {
			return fmt.Errorf("restore index page %d: %w", pageNum, restoreErr)
		}
	}
	return nil
}

// LookupInChapter resolves name within the chapter identified by vcn,
// returning its metadata. It pins exactly the index page and record
// page it needs, releasing both pins before returning (spec.md §4.3
// read path).
func (v *Volume) LookupInChapter(name []byte, vcn uint64) ([]byte, error) {
	if len(name) != geometry.NameSize {
		return nil, fmt.Errorf("name length %d != %d: %w", len(name), geometry.NameSize, ErrInvalidInput)
	}

	deltaList := v.geo.HashToChapterDeltaList(name)
	physChapter := v.geo.PhysicalChapter(vcn)

	pageNum, err := v.pageMap.FindIndexPageNumber(physChapter, deltaList)
	if err != nil {
		return nil, fmt.Errorf("find index page: %w", err)
	}
	firstList, err := v.firstDeltaListOnPage(physChapter, pageNum)
	if err != nil {
		return nil, fmt.Errorf("first delta list on page: %w", err)
	}
	lastList, err := v.pageMap.Bound(physChapter, pageNum)
	if err != nil {
		return nil, fmt.Errorf("page bound: %w", err)
	}
	listCount := int(lastList-firstList) + 1

	indexPhysPage := v.PhysicalPage(vcn, uint32(pageNum))
	page, err := v.cache.Pin(indexPhysPage)
	if err != nil {
		return nil, fmt.Errorf("pin index page: %w", err)
	}
	defer v.cache.Unpin(indexPhysPage)

	chapterIdx, err := deltaindex.New(v.chapterIndexConfig(listCount))
	if err != nil {
		return nil, err
	}
	if err := chapterIdx.RestoreZone(0, bytes.NewReader(page.Data)); err != nil {
		return nil, fmt.Errorf("restore index page: %w", err)
	}

	localList := int(deltaList - firstList)
	key := v.geo.ChapterIndexKey(name)
	entry, err := chapterIdx.GetEntry(0, localList, key, name)
	if err != nil {
		return nil, err
	}
	if entry.AtEnd {
		return nil, ErrRecordNotFound
	}

	recordPageInChapter, slot := v.decodeRecordPointer(entry.Value)
	recordPhysPage := int64(geometry.HeaderPages) +
		int64(physChapter)*int64(v.geo.PagesPerChapter()) +
		int64(v.geo.IndexPagesPerChapter()) +
		int64(recordPageInChapter)

	recordPage, err := v.cache.Pin(recordPhysPage)
	if err != nil {
		return nil, fmt.Errorf("pin record page: %w", err)
	}
	defer v.cache.Unpin(recordPhysPage)

	storedName, metadata, occupied, err := decodeRecordSlot(recordPage.Data, slot)
	if err != nil {
		return nil, err
	}
	// The chapter index key drops the leading bits the volume index
	// already selected on; two distinct names can collide on what's
	// left. The record page holds the real name, so confirm it here
	// rather than trusting the index match alone.
	if !occupied || !bytes.Equal(storedName, name) {
		return nil, ErrRecordNotFound
	}
	return metadata, nil
}

// recordSlotSize is geometry.NameSize + geometry.MetadataSize: a record
// page slot holds the full record, not just its metadata, so a
// key-collision in the chapter index's reduced key (see
// internal/geometry.ChapterIndexKey) can still be resolved by
// comparing the stored name, and so the scrubber can reconstruct the
// volume index's (name -> chapter) mapping directly from record pages.
func recordSlotSize() int {
	return geometry.NameSize + geometry.MetadataSize
}

// decodeRecordSlot reads the record stored at slot. occupied is false
// for a slot nothing was ever written to (an all-zero name — in
// practice indistinguishable from "never written" since stored names
// are content hashes).
func decodeRecordSlot(page []byte, slot uint32) (name, metadata []byte, occupied bool, err error) {
	sz := recordSlotSize()
	off := int(slot) * sz
	if off+sz > len(page) {
		return nil, nil, false, fmt.Errorf("slot %d out of range for page of %d bytes: %w", slot, len(page), ErrInvalidInput)
	}
	name = make([]byte, geometry.NameSize)
	copy(name, page[off:off+geometry.NameSize])
	metadata = make([]byte, geometry.MetadataSize)
	copy(metadata, page[off+geometry.NameSize:off+sz])
	return name, metadata, !isZero(name), nil
}

func encodeRecordSlot(page []byte, slot uint32, name, metadata []byte) error {
	sz := recordSlotSize()
	off := int(slot) * sz
	if off+sz > len(page) {
		return fmt.Errorf("slot %d out of range for page of %d bytes: %w", slot, len(page), ErrInvalidInput)
	}
	if len(name) != geometry.NameSize {
		return fmt.Errorf("name length %d != %d: %w", len(name), geometry.NameSize, ErrInvalidInput)
	}
	if len(metadata) != geometry.MetadataSize {
		return fmt.Errorf("metadata length %d != %d: %w", len(metadata), geometry.MetadataSize, ErrInvalidInput)
	}
	copy(page[off:off+geometry.NameSize], name)
	copy(page[off+geometry.NameSize:off+sz], metadata)
	return nil
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// WriteChapterPages overwrites all of physChapter's pages (index pages
// followed by record pages, in that order, as built by the caller) and
// issues a single fence (Sync) after the batch, per spec.md §4.3: "only
// the chapter writer issues writes; writes are batched per chapter and
// flushed with a fence." Any previously cached pages for this chapter
// are invalidated so later reads observe the new contents.
func (v *Volume) WriteChapterPages(physChapter uint32, pages [][]byte) error {
	want := int(v.geo.PagesPerChapter())
	if len(pages) != want {
		return fmt.Errorf("got %d pages, want %d (index+record pages per chapter): %w", len(pages), want, ErrInvalidInput)
	}

	base := int64(geometry.HeaderPages) + int64(physChapter)*int64(v.geo.PagesPerChapter())
	for i, p := range pages {
		blockNum := base + int64(i)
		if err := v.dev.WriteBlock(blockNum, p); err != nil {
			return fmt.Errorf("write block %d: %w", blockNum, err)
		}
		v.cache.Invalidate(blockNum)
	}

	return v.dev.Sync()
}

// Record is one name/metadata pair as stored in a record page slot.
type Record struct {
	Name     []byte
	Metadata []byte
}

// BuildRecordPage packs records (indexed by slot) into one record page
// buffer ready for WriteChapterPages.
func BuildRecordPage(records map[uint32]Record) []byte {
	page := ioblock.AllocateBuffer()
	for slot, rec := range records {
		_ = encodeRecordSlot(page, slot, rec.Name, rec.Metadata)
	}
	return page
}

// ReadChapterRecords scans every record page of the chapter identified
// by vcn and returns every occupied slot's full record, for the
// scrubber to replay into the volume index (spec.md §4.8: "for each
// reconstructs its delta index (already durable), replays its records
// into the volume index").
func (v *Volume) ReadChapterRecords(vcn uint64) ([]Record, error) {
	physChapter := v.geo.PhysicalChapter(vcn)
	recordsPerPage := v.geo.RecordsPerPage()

	var records []Record
	for p := uint32(0); p < v.geo.RecordPagesPerChapter(); p++ {
		physPage := int64(geometry.HeaderPages) +
			int64(physChapter)*int64(v.geo.PagesPerChapter()) +
			int64(v.geo.IndexPagesPerChapter()) +
			int64(p)

		page, err := v.cache.Pin(physPage)
		if err != nil {
			return nil, fmt.Errorf("pin record page %d: %w", p, err)
		}
		for slot := uint32(0); slot < recordsPerPage; slot++ {
			name, metadata, occupied, err := decodeRecordSlot(page.Data, slot)
			if err != nil {
				v.cache.Unpin(physPage)
				return nil, err
			}
			if occupied {
				records = append(records, Record{Name: name, Metadata: metadata})
			}
		}
		v.cache.Unpin(physPage)
	}
	return records, nil
}

// BuildIndexPage serializes a per-page chapter delta index (as built by
// internal/layout from the chapter's full delta index) into one 4 KiB
// index page buffer.
func BuildIndexPage(idx *deltaindex.Index) ([]byte, error) {
	var buf bytes.Buffer
	if err := idx.SaveZone(0, &buf); err != nil {
		return nil, err
	}
	page := make([]byte, geometry.BytesPerPage)
	if buf.Len() > len(page) {
		return nil, fmt.Errorf("encoded index page is %d bytes, exceeds page size %d: %w", buf.Len(), len(page), ErrInvalidInput)
	}
	copy(page, buf.Bytes())
	return page, nil
}
