package layout

import (
	"errors"
	"fmt"
	"sort"

	"github.com/brinkwell/uds/internal/deltaindex"
	"github.com/brinkwell/uds/internal/geometry"
	"github.com/brinkwell/uds/internal/indexpagemap"
	"github.com/brinkwell/uds/internal/volume"
)

// ChapterState is one state of the chapter writer's commit cycle
// (spec.md §4.7): EMPTY -> FULL -> WRITING -> SAVED -> EMPTY.
type ChapterState int

const (
	StateEmpty ChapterState = iota
	StateFull
	StateWriting
	StateSaved
)

func (s ChapterState) String() string {
	switch s {
	case StateEmpty:
		return "EMPTY"
	case StateFull:
		return "FULL"
	case StateWriting:
		return "WRITING"
	case StateSaved:
		return "SAVED"
	default:
		return "UNKNOWN"
	}
}

// ErrWrongState is returned when CloseChapter is invoked on a writer
// that is already mid-cycle.
var ErrWrongState = errors.New("layout: chapter writer in wrong state")

// ChapterRecord is one name/metadata pair destined for a chapter's
// record pages, collected from every open-chapter zone when a chapter
// closes.
type ChapterRecord struct {
	Name     []byte
	Metadata []byte
}

// ChapterWriter drives one volume's chapter-close cycle (spec.md
// §4.7): on FULL it merges a consistent snapshot of every open-chapter
// zone into the chapter's on-disk index and record pages, updates the
// index page map, writes the pages, and advances the checkpoint.
// Taking the zone snapshot is the caller's responsibility (it owns the
// per-zone locks); the writer only owns the on-disk side of the
// transition.
type ChapterWriter struct {
	geo     *geometry.Geometry
	vol     *volume.Volume
	pageMap *indexpagemap.Map

	windowChapters uint64

	state      ChapterState
	checkpoint Checkpoint
}

// NewChapterWriter constructs a writer over an already-open volume and
// its shared index page map, starting in state EMPTY.
func NewChapterWriter(geo *geometry.Geometry, vol *volume.Volume, pageMap *indexpagemap.Map, windowChapters uint64) *ChapterWriter {
	return &ChapterWriter{
		geo:            geo,
		vol:            vol,
		pageMap:        pageMap,
		windowChapters: windowChapters,
		state:          StateEmpty,
	}
}

// State returns the writer's current state.
func (cw *ChapterWriter) State() ChapterState { return cw.state }

// Checkpoint returns the checkpoint record as of the last successful
// CloseChapter.
func (cw *ChapterWriter) Checkpoint() Checkpoint { return cw.checkpoint }

// CloseChapter runs one EMPTY/SAVED -> FULL -> WRITING -> SAVED step
// for the chapter identified by vcn, merging records into the volume
// and returning the advanced checkpoint. It refuses to run from FULL
// or WRITING: those only exist transiently within a single call, so
// observing them from outside means a previous call is still in
// flight or panicked mid-write.
func (cw *ChapterWriter) CloseChapter(vcn uint64, records []ChapterRecord) (Checkpoint, error) {
	if cw.state != StateEmpty && cw.state != StateSaved {
		return Checkpoint{}, fmt.Errorf("close chapter %d: %w (state=%s)", vcn, ErrWrongState, cw.state)
	}

	cw.state = StateFull
	pages, err := cw.assembleChapter(vcn, records)
	if err != nil {
		cw.state = StateEmpty
		return Checkpoint{}, err
	}

	cw.state = StateWriting
	physChapter := cw.geo.PhysicalChapter(vcn)
	if err := cw.vol.WriteChapterPages(physChapter, pages); err != nil {
		cw.state = StateEmpty
		return Checkpoint{}, fmt.Errorf("write chapter %d pages: %w", vcn, err)
	}

	cw.checkpoint.NewestVCN = vcn
	cw.checkpoint.OpenChapterVCN = vcn + 1
	if cw.windowChapters > 0 && vcn+1 > cw.windowChapters {
		if oldest := vcn + 1 - cw.windowChapters; oldest > cw.checkpoint.OldestVCN {
			cw.checkpoint.OldestVCN = oldest
		}
	}

	cw.state = StateSaved
	return cw.checkpoint, nil
}

// Reset acknowledges a completed SAVED cycle, returning the writer to
// EMPTY so the next CloseChapter's state transition reads cleanly from
// outside. CloseChapter itself also accepts SAVED, so calling Reset
// between commits is optional bookkeeping, not a correctness
// requirement.
func (cw *ChapterWriter) Reset() {
	if cw.state == StateSaved {
		cw.state = StateEmpty
	}
}

// assembleChapter builds the full set of a chapter's on-disk pages
// (index pages, then record pages, matching WriteChapterPages's
// expected order) from records, and registers each index page's delta
// list bound with the page map.
func (cw *ChapterWriter) assembleChapter(vcn uint64, records []ChapterRecord) ([][]byte, error) {
	listCount := int(cw.geo.DeltaListsPerChapter())
	pageCount := int(cw.geo.IndexPagesPerChapter())
	if pageCount > listCount {
		return nil, fmt.Errorf("%d index pages exceeds %d delta lists: %w", pageCount, listCount, ErrInvalidInput)
	}

	recordsPerPage := int(cw.geo.RecordsPerPage())
	recordPageCount := int(cw.geo.RecordPagesPerChapter())
	if len(records) > recordPageCount*recordsPerPage {
		return nil, fmt.Errorf("chapter holds %d records, only %d fit in %d record pages: %w",
			len(records), recordPageCount*recordsPerPage, recordPageCount, ErrInvalidInput)
	}

	bounds := splitDeltaLists(listCount, pageCount)

	indexes := make([]*deltaindex.Index, pageCount)
	for p := range indexes {
		first := firstListOnPage(bounds, p)
		idx, err := deltaindex.New(deltaindex.Config{
			ZoneCount:    1,
			ListsPerZone: int(bounds[p]-first) + 1,
			MeanDelta:    cw.geo.ChapterMeanDelta(),
			PayloadBits:  cw.geo.ChapterPayloadBits(),
			NameSize:     geometry.NameSize,
		})
		if err != nil {
			return nil, err
		}
		indexes[p] = idx
	}

	recordPages := make([]map[uint32]volume.Record, recordPageCount)
	for i := range recordPages {
		recordPages[i] = make(map[uint32]volume.Record)
	}

	for i, rec := range records {
		recordPageInChapter := i / recordsPerPage
		slot := uint32(i % recordsPerPage)
		recordPages[recordPageInChapter][slot] = volume.Record{Name: rec.Name, Metadata: rec.Metadata}

		value := uint32(recordPageInChapter)*uint32(recordsPerPage) + slot
		if value >= 1<<cw.geo.ChapterPayloadBits() {
			return nil, fmt.Errorf("record pointer %d does not fit in %d payload bits: %w",
				value, cw.geo.ChapterPayloadBits(), ErrInvalidInput)
		}

		deltaList := cw.geo.HashToChapterDeltaList(rec.Name)
		page := pageForList(bounds, deltaList)
		localList := int(deltaList - firstListOnPage(bounds, page))
		key := cw.geo.ChapterIndexKey(rec.Name)

		entry, err := indexes[page].GetEntry(0, localList, key, rec.Name)
		if err != nil {
			return nil, err
		}
		if err := indexes[page].PutEntry(entry, key, value, rec.Name); err != nil {
			return nil, fmt.Errorf("insert record into chapter index: %w", err)
		}
	}

	physChapter := cw.geo.PhysicalChapter(vcn)
	pages := make([][]byte, 0, pageCount+recordPageCount)
	for p, idx := range indexes {
		page, err := volume.BuildIndexPage(idx)
		if err != nil {
			return nil, fmt.Errorf("build index page %d: %w", p, err)
		}
		pages = append(pages, page)
		// The final page's upper bound is always implicit
		// (delta_lists_per_chapter - 1); the map only stores bounds for
		// every page before it (internal/indexpagemap.Map.Update rejects
		// an explicit entry for the last page).
		if p < pageCount-1 {
			if err := cw.pageMap.Update(vcn, physChapter, p, bounds[p]); err != nil {
				return nil, fmt.Errorf("update index page map for page %d: %w", p, err)
			}
		}
	}
	for _, recs := range recordPages {
		pages = append(pages, volume.BuildRecordPage(recs))
	}

	return pages, nil
}

// splitDeltaLists divides listCount delta lists as evenly as possible
// across pageCount index pages, returning each page's last (inclusive)
// delta list number.
func splitDeltaLists(listCount, pageCount int) []uint32 {
	base, extra := listCount/pageCount, listCount%pageCount
	bounds := make([]uint32, pageCount)
	first := 0
	for p := 0; p < pageCount; p++ {
		count := base
		if p < extra {
			count++
		}
		first += count
		bounds[p] = uint32(first) - 1
	}
	return bounds
}

func firstListOnPage(bounds []uint32, page int) uint32 {
	if page == 0 {
		return 0
	}
	return bounds[page-1] + 1
}

func pageForList(bounds []uint32, list uint32) int {
	return sort.Search(len(bounds), func(i int) bool { return bounds[i] >= list })
}
