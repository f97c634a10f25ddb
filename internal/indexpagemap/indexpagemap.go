// Package indexpagemap implements the per-chapter table that routes a
// delta-list number directly to the index page holding it, without a
// linear scan of the chapter's index pages (spec.md §4.4).
package indexpagemap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"sort"
)

// ErrInvalidInput flags out-of-range chapter/page arguments.
var ErrInvalidInput = errors.New("indexpagemap: invalid input")

// ErrCorrupt flags a save stream that fails its magic/version/checksum
// checks on restore.
var ErrCorrupt = errors.New("indexpagemap: corrupt save data")

const (
	saveMagic   = "IPM1"
	saveVersion = uint32(1)
)

// Map holds, for every physical chapter, the last delta-list number
// stored on each of that chapter's index pages except the final one
// (whose upper bound is always implicitly delta_lists_per_chapter − 1).
type Map struct {
	chaptersPerVolume  uint32
	entriesPerChapter  int // index_pages_per_chapter - 1
	deltaListsPerChap  uint32
	lastDeltaListOnPage [][]uint16 // [chapter][page]

	lastUpdateVCN uint64
}

// New constructs an empty Map sized for chaptersPerVolume chapters, each
// with indexPagesPerChapter index pages covering deltaListsPerChapter
// delta lists.
func New(chaptersPerVolume uint32, indexPagesPerChapter int, deltaListsPerChapter uint32) (*Map, error) {
	if chaptersPerVolume == 0 {
		return nil, fmt.Errorf("chapters_per_volume must be > 0: %w", ErrInvalidInput)
	}
	if indexPagesPerChapter <= 0 {
		return nil, fmt.Errorf("index_pages_per_chapter must be > 0: %w", ErrInvalidInput)
	}
	if deltaListsPerChapter == 0 {
		return nil, fmt.Errorf("delta_lists_per_chapter must be > 0: %w", ErrInvalidInput)
	}

	m := &Map{
		chaptersPerVolume:   chaptersPerVolume,
		entriesPerChapter:   indexPagesPerChapter - 1,
		deltaListsPerChap:   deltaListsPerChapter,
		lastDeltaListOnPage: make([][]uint16, chaptersPerVolume),
	}
	for c := range m.lastDeltaListOnPage {
		m.lastDeltaListOnPage[c] = make([]uint16, m.entriesPerChapter)
	}
	return m, nil
}

// Update records that physicalChapter's index page pageInChapter is the
// last page holding delta lists up to and including lastDeltaList, and
// advances the map's last-update VCN to vcn.
func (m *Map) Update(vcn uint64, physicalChapter uint32, pageInChapter int, lastDeltaList uint32) error {
	if physicalChapter >= m.chaptersPerVolume {
		return fmt.Errorf("physical chapter %d out of range: %w", physicalChapter, ErrInvalidInput)
	}
	if pageInChapter < 0 || pageInChapter >= m.entriesPerChapter {
		return fmt.Errorf("page %d out of range [0, %d): %w", pageInChapter, m.entriesPerChapter, ErrInvalidInput)
	}
	if lastDeltaList >= m.deltaListsPerChap {
		return fmt.Errorf("delta list %d out of range: %w", lastDeltaList, ErrInvalidInput)
	}

	m.lastDeltaListOnPage[physicalChapter][pageInChapter] = uint16(lastDeltaList)
	m.lastUpdateVCN = vcn
	return nil
}

// FindIndexPageNumber returns the index page, within physicalChapter,
// whose delta-list range covers deltaListNumber: the smallest p such
// that deltaListNumber <= last_delta_list_on_page(physicalChapter, p).
// The lookup is a binary search, so it returns that page only when the
// chapter's recorded bounds are non-decreasing in page order, as the
// chapter writer records them.
func (m *Map) FindIndexPageNumber(physicalChapter uint32, deltaListNumber uint32) (int, error) {
	if physicalChapter >= m.chaptersPerVolume {
		return 0, fmt.Errorf("physical chapter %d out of range: %w", physicalChapter, ErrInvalidInput)
	}
	if deltaListNumber >= m.deltaListsPerChap {
		return 0, fmt.Errorf("delta list %d out of range: %w", deltaListNumber, ErrInvalidInput)
	}

	bounds := m.lastDeltaListOnPage[physicalChapter]
	p := sort.Search(len(bounds), func(i int) bool {
		return deltaListNumber <= uint32(bounds[i])
	})
	return p, nil
}

// Bound returns the last delta-list number covered by index page
// pageNum of physicalChapter: the recorded value for every page except
// the final one, whose upper bound is implicitly delta_lists_per_chapter
// − 1 (it is never itself recorded; see spec.md §4.4).
func (m *Map) Bound(physicalChapter uint32, pageNum int) (uint32, error) {
	if physicalChapter >= m.chaptersPerVolume {
		return 0, fmt.Errorf("physical chapter %d out of range: %w", physicalChapter, ErrInvalidInput)
	}
	if pageNum < 0 || pageNum > m.entriesPerChapter {
		return 0, fmt.Errorf("page %d out of range [0, %d]: %w", pageNum, m.entriesPerChapter, ErrInvalidInput)
	}
	if pageNum == m.entriesPerChapter {
		return m.deltaListsPerChap - 1, nil
	}
	return uint32(m.lastDeltaListOnPage[physicalChapter][pageNum]), nil
}

// LastUpdate returns the most recently recorded update VCN (or, after a
// Read, the value persisted by the matching Write — see Write's doc
// comment for the vcn + chapters_per_volume − 1 convention).
func (m *Map) LastUpdate() uint64 {
	return m.lastUpdateVCN
}

// Write serializes the map as a fixed-size header (magic, version,
// chapters_per_volume, entries_per_chapter, delta_lists_per_chapter, a
// last-update field encoded
// as last_update_vcn + chapters_per_volume − 1 per spec.md §4.4) followed
// by the raw bound table and a trailing CRC32.
func (m *Map) Write(w io.Writer) error {
	crc := crc32.NewIEEE()
	mw := io.MultiWriter(w, crc)

	if _, err := mw.Write([]byte(saveMagic)); err != nil {
		return err
	}
	for _, v := range []uint32{saveVersion, m.chaptersPerVolume, uint32(m.entriesPerChapter), m.deltaListsPerChap} {
		if err := binary.Write(mw, binary.LittleEndian, v); err != nil {
			return err
		}
	}

	encodedLastUpdate := m.lastUpdateVCN + uint64(m.chaptersPerVolume) - 1
	if err := binary.Write(mw, binary.LittleEndian, encodedLastUpdate); err != nil {
		return err
	}

	for _, bounds := range m.lastDeltaListOnPage {
		for _, v := range bounds {
			if err := binary.Write(mw, binary.LittleEndian, v); err != nil {
				return err
			}
		}
	}

	return binary.Write(w, binary.LittleEndian, crc.Sum32())
}

// Read replaces the map's contents with a stream previously written by
// Write. The map must already be sized (via New) to match the stream's
// chapters_per_volume/entries_per_chapter/delta_lists_per_chapter, or
// Read returns ErrCorrupt.
func (m *Map) Read(r io.Reader) error {
	crc := crc32.NewIEEE()
	tr := io.TeeReader(r, crc)

	magic := make([]byte, len(saveMagic))
	if _, err := io.ReadFull(tr, magic); err != nil {
		return fmt.Errorf("read magic: %w", err)
	}
	if string(magic) != saveMagic {
		return fmt.Errorf("bad magic %q: %w", magic, ErrCorrupt)
	}

	var version, chaptersPerVolume, entriesPerChapter, deltaListsPerChap uint32
	for _, v := range []*uint32{&version, &chaptersPerVolume, &entriesPerChapter, &deltaListsPerChap} {
		if err := binary.Read(tr, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	if version != saveVersion {
		return fmt.Errorf("unsupported version %d: %w", version, ErrCorrupt)
	}
	if chaptersPerVolume != m.chaptersPerVolume || int(entriesPerChapter) != m.entriesPerChapter || deltaListsPerChap != m.deltaListsPerChap {
		return fmt.Errorf("shape mismatch: %w", ErrCorrupt)
	}

	var encodedLastUpdate uint64
	if err := binary.Read(tr, binary.LittleEndian, &encodedLastUpdate); err != nil {
		return err
	}

	table := make([][]uint16, chaptersPerVolume)
	for c := range table {
		table[c] = make([]uint16, entriesPerChapter)
		for p := range table[c] {
			if err := binary.Read(tr, binary.LittleEndian, &table[c][p]); err != nil {
				return err
			}
		}
	}

	computed := crc.Sum32()
	var stored uint32
	if err := binary.Read(r, binary.LittleEndian, &stored); err != nil {
		return err
	}
	if stored != computed {
		return fmt.Errorf("checksum mismatch: %w", ErrCorrupt)
	}

	m.lastDeltaListOnPage = table
	m.lastUpdateVCN = encodedLastUpdate
	return nil
}
