// Package geometry implements the pure arithmetic that describes how a
// volume is laid out into chapters, pages, and delta lists, and how a
// record name's bits are partitioned across the volume index and the
// per-chapter index (spec.md §3 "Geometry").
//
// Every function here is a pure function of its inputs; none of them touch
// a Device or allocate a buffer. That keeps the formulas testable in
// isolation and reusable by internal/config's compute_index_size.
package geometry

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/zeebo/xxh3"
)

// NameSize is the fixed width, in bytes, of a record name (a content
// fingerprint). spec.md §3 calls this "32 bytes in the default
// configuration"; this core hardcodes the default since no caller in
// spec.md exercises a non-default width.
const NameSize = 32

// MetadataSize is the fixed width, in bytes, of the opaque metadata blob
// stored alongside a name.
const MetadataSize = 16

// BytesPerPage is the fixed page size used throughout the on-disk layout.
const BytesPerPage = 4096

// HeaderPages is the number of 4 KiB pages reserved at the start of the
// volume file ahead of chapter 0. Nothing is stored in them: the
// super-block and the saved open chapters live in sidecar files beside
// the volume (see internal/uds).
const HeaderPages = 1

var (
	// ErrInvalidGeometry is returned by New when the supplied parameters
	// violate one of the invariants in spec.md §3.
	ErrInvalidGeometry = errors.New("geometry: invalid parameters")
)

// Params are the caller-supplied geometry inputs. New applies no
// defaults: a zero RecordPagesPerChapter, ChaptersPerVolume,
// ChapterMeanDelta or ChapterPayloadBits is rejected.
type Params struct {
	// RecordPagesPerChapter is the number of 4 KiB pages of packed
	// records per chapter.
	RecordPagesPerChapter uint32

	// ChaptersPerVolume is the number of chapters on the circular volume.
	ChaptersPerVolume uint32

	// SparseChaptersPerVolume is the number of the oldest chapters (by
	// LRU window position) that are sampled rather than fully indexed.
	// Must be in [0, ChaptersPerVolume).
	SparseChaptersPerVolume uint32

	// ChapterMeanDelta is the expected gap between consecutive keys in a
	// chapter delta list, used by the delta index codec.
	ChapterMeanDelta uint32

	// ChapterPayloadBits is the number of bits used to store a delta
	// index value (the record's position within its chapter).
	ChapterPayloadBits uint8
}

// Geometry is the immutable, derived layout description for a volume.
type Geometry struct {
	bytesPerPage            uint32
	recordPagesPerChapter   uint32
	indexPagesPerChapter    uint32
	chaptersPerVolume       uint32
	sparseChaptersPerVolume uint32
	chapterMeanDelta        uint32
	chapterPayloadBits      uint8
	recordSize              uint32

	recordsPerPage    uint32
	recordsPerChapter uint32

	chapterDeltaListBits uint8 // log2(delta_lists_per_chapter)
	volumeIndexBits      uint8 // leading bits of the name selecting a volume-index list+address
	chapterIndexBits     uint8 // next bits of the name: the key within a chapter delta list
}

// New validates p and derives a Geometry, or returns ErrInvalidGeometry
// wrapped with the specific violation.
func New(p Params) (*Geometry, error) {
	if p.RecordPagesPerChapter == 0 {
		return nil, fmt.Errorf("record_pages_per_chapter must be > 0: %w", ErrInvalidGeometry)
	}
	if p.ChaptersPerVolume == 0 {
		return nil, fmt.Errorf("chapters_per_volume must be > 0: %w", ErrInvalidGeometry)
	}
	if p.SparseChaptersPerVolume >= p.ChaptersPerVolume {
		return nil, fmt.Errorf("sparse_chapters_per_volume (%d) must be < chapters_per_volume (%d): %w",
			p.SparseChaptersPerVolume, p.ChaptersPerVolume, ErrInvalidGeometry)
	}
	if p.ChapterMeanDelta == 0 {
		return nil, fmt.Errorf("chapter_mean_delta must be > 0: %w", ErrInvalidGeometry)
	}
	if p.ChapterPayloadBits == 0 || p.ChapterPayloadBits > 32 {
		return nil, fmt.Errorf("chapter_payload_bits must be in [1, 32]: %w", ErrInvalidGeometry)
	}

	recordSize := uint32(NameSize + MetadataSize)
	recordsPerPage := BytesPerPage / recordSize
	if recordsPerPage == 0 {
		return nil, fmt.Errorf("record_size %d exceeds bytes_per_page %d: %w", recordSize, BytesPerPage, ErrInvalidGeometry)
	}
	recordsPerChapter := p.RecordPagesPerChapter * recordsPerPage

	deltaListsPerChapter := deltaListCountFor(recordsPerChapter, p.ChapterMeanDelta)
	chapterDeltaListBits := uint8(bits.Len32(deltaListsPerChapter - 1))

	indexPagesPerChapter := estimateIndexPages(recordsPerChapter, deltaListsPerChapter, p.ChapterMeanDelta, p.ChapterPayloadBits)

	// Leading bits of the name select a volume-index delta list; this
	// core uses 23 bits there by default (covers up to ~8.3M lists,
	// matching typical default configurations), and the following
	// chapterDeltaListBits form a record's key within its chapter delta
	// list (ChapterIndexKey); the list itself is chosen by
	// HashToChapterDeltaList. Both counts must fit inside the name.
	volumeIndexBits := uint8(23)
	chapterIndexBits := chapterDeltaListBits
	if int(volumeIndexBits)+int(chapterIndexBits) > NameSize*8 {
		return nil, fmt.Errorf("volume_index_bits+chapter_index_bits exceeds name width: %w", ErrInvalidGeometry)
	}

	return &Geometry{
		bytesPerPage:            BytesPerPage,
		recordPagesPerChapter:   p.RecordPagesPerChapter,
		indexPagesPerChapter:    indexPagesPerChapter,
		chaptersPerVolume:       p.ChaptersPerVolume,
		sparseChaptersPerVolume: p.SparseChaptersPerVolume,
		chapterMeanDelta:        p.ChapterMeanDelta,
		chapterPayloadBits:      p.ChapterPayloadBits,
		recordSize:              recordSize,
		recordsPerPage:          recordsPerPage,
		recordsPerChapter:       recordsPerChapter,
		chapterDeltaListBits:    chapterDeltaListBits,
		volumeIndexBits:         volumeIndexBits,
		chapterIndexBits:        chapterIndexBits,
	}, nil
}

// deltaListCountFor picks delta_lists_per_chapter as the smallest power of
// two such that the average list holds roughly meanDelta entries.
func deltaListCountFor(recordsPerChapter, meanDelta uint32) uint32 {
	if recordsPerChapter == 0 {
		return 1
	}
	want := recordsPerChapter / meanDelta
	if want < 1 {
		want = 1
	}
	return 1 << bits.Len32(want-1)
}

// estimateIndexPages estimates how many 4 KiB pages a chapter's packed
// delta index occupies: each entry is counted as payloadBits +
// bits.Len32(meanDelta) + 2 bits (about one unary bit when the delta
// tracks the mean, plus the terminator), times the number of entries in
// a chapter, rounded up to whole pages. No per-page overhead is added,
// and deltaListsPerChapter does not enter the estimate.
func estimateIndexPages(recordsPerChapter, deltaListsPerChapter, meanDelta uint32, payloadBits uint8) uint32 {
	remainderBits := uint32(bits.Len32(meanDelta))
	bitsPerEntry := uint32(payloadBits) + remainderBits + 2
	totalBits := uint64(recordsPerChapter) * uint64(bitsPerEntry)
	totalBytes := (totalBits + 7) / 8
	pages := (totalBytes + BytesPerPage - 1) / BytesPerPage
	if pages == 0 {
		pages = 1
	}
	_ = deltaListsPerChapter
	return uint32(pages)
}

// BytesPerPage returns the fixed page size (4096).
func (g *Geometry) BytesPerPage() uint32 { return g.bytesPerPage }

// RecordPagesPerChapter returns the number of record pages per chapter.
func (g *Geometry) RecordPagesPerChapter() uint32 { return g.recordPagesPerChapter }

// IndexPagesPerChapter returns the derived number of index pages per
// chapter.
func (g *Geometry) IndexPagesPerChapter() uint32 { return g.indexPagesPerChapter }

// PagesPerChapter returns index_pages_per_chapter + record_pages_per_chapter.
func (g *Geometry) PagesPerChapter() uint32 {
	return g.indexPagesPerChapter + g.recordPagesPerChapter
}

// ChaptersPerVolume returns the number of chapters on the volume.
func (g *Geometry) ChaptersPerVolume() uint32 { return g.chaptersPerVolume }

// SparseChaptersPerVolume returns the number of sparse (sampled) chapters.
func (g *Geometry) SparseChaptersPerVolume() uint32 { return g.sparseChaptersPerVolume }

// DenseChaptersPerVolume returns chapters_per_volume - sparse_chapters_per_volume.
func (g *Geometry) DenseChaptersPerVolume() uint32 {
	return g.chaptersPerVolume - g.sparseChaptersPerVolume
}

// ChapterMeanDelta returns the expected inter-key gap used by the codec.
func (g *Geometry) ChapterMeanDelta() uint32 { return g.chapterMeanDelta }

// ChapterPayloadBits returns the number of bits used for a delta index value.
func (g *Geometry) ChapterPayloadBits() uint8 { return g.chapterPayloadBits }

// RecordSize returns the fixed on-disk size of a (name, metadata) record.
func (g *Geometry) RecordSize() uint32 { return g.recordSize }

// RecordsPerPage returns how many fixed-size records fit in one page.
func (g *Geometry) RecordsPerPage() uint32 { return g.recordsPerPage }

// RecordsPerChapter returns record_pages_per_chapter * records_per_page.
func (g *Geometry) RecordsPerChapter() uint32 { return g.recordsPerChapter }

// RecordsPerVolume returns records_per_chapter * chapters_per_volume.
func (g *Geometry) RecordsPerVolume() uint64 {
	return uint64(g.recordsPerChapter) * uint64(g.chaptersPerVolume)
}

// DeltaListsPerChapter returns 1 << chapter_delta_list_bits.
func (g *Geometry) DeltaListsPerChapter() uint32 {
	return 1 << g.chapterDeltaListBits
}

// ChapterDeltaListBits returns log2(delta_lists_per_chapter).
func (g *Geometry) ChapterDeltaListBits() uint8 { return g.chapterDeltaListBits }

// VolumeIndexBits returns the number of leading name bits that select a
// volume-index delta list and address.
func (g *Geometry) VolumeIndexBits() uint8 { return g.volumeIndexBits }

// ChapterIndexBits returns the number of name bits (following the
// volume-index bits) that form a record's key within its chapter delta
// list (see ChapterIndexKey).
func (g *Geometry) ChapterIndexBits() uint8 { return g.chapterIndexBits }

// PagesPerVolume returns the total number of pages across all chapters
// (excluding the header pages).
func (g *Geometry) PagesPerVolume() uint64 {
	return uint64(g.PagesPerChapter()) * uint64(g.chaptersPerVolume)
}

// BytesPerVolume returns bytes_per_page * (pages_per_volume + header_pages).
func (g *Geometry) BytesPerVolume() uint64 {
	return uint64(g.bytesPerPage) * (g.PagesPerVolume() + HeaderPages)
}

// PhysicalChapter maps a virtual chapter number to its physical slot.
func (g *Geometry) PhysicalChapter(vcn uint64) uint32 {
	return uint32(vcn % uint64(g.chaptersPerVolume))
}

// mixName returns the xxh3 hash of the whole name, used to decorrelate
// chapter bucket selection from volume-index bucket selection (see
// SPEC_FULL.md §5, xxh3 wiring).
func mixName(name []byte) uint64 {
	return xxh3.Hash(name)
}

// leadingBits returns the top n bits of name as a uint64 (n <= 64).
func leadingBits(name []byte, n uint8) uint64 {
	return bitsAt(name, 0, n)
}

// bitsAt returns the n bits of name starting at bit offset (0 = the most
// significant bit of name[0]), as a uint64 (n <= 64).
func bitsAt(name []byte, offset, n uint8) uint64 {
	var v uint64
	bit := int(offset)
	need := int(n)
	for need > 0 {
		byteIdx := bit / 8
		if byteIdx >= len(name) {
			v <<= uint(need)
			break
		}
		bitInByte := bit % 8
		avail := 8 - bitInByte
		take := need
		if take > avail {
			take = avail
		}
		shift := avail - take
		mask := byte(1<<uint(take)) - 1
		chunk := (name[byteIdx] >> uint(shift)) & mask
		v = (v << uint(take)) | uint64(chunk)
		bit += take
		need -= take
	}
	return v
}

// setLeadingBits returns a copy of name with its top n bits replaced by
// the low n bits of value.
func setLeadingBits(name []byte, n uint8, value uint64) []byte {
	out := make([]byte, len(name))
	copy(out, name)

	need := int(n)
	// Work from the most-significant chunk down, mirroring leadingBits.
	shift := need
	for i := 0; i < len(out) && need > 0; i++ {
		take := need
		if take > 8 {
			take = 8
		}
		shift -= take
		bitsChunk := byte((value >> uint(shift)) & ((1 << uint(take)) - 1))
		mask := byte(0xFF) >> uint(8-take)
		out[i] = (out[i] &^ (mask << uint(8-take))) | (bitsChunk << uint(8-take))
		need -= take
	}
	return out
}

// VolumeIndexAddress returns the leading volume_index_bits of name,
// selecting both a volume-index delta list and an address within it (the
// caller splits this value further between list-selector and
// address bits per its own zone/list count; geometry only guarantees the
// extraction is total and invertible via SetVolumeIndexBits).
func (g *Geometry) VolumeIndexAddress(name []byte) uint64 {
	return leadingBits(name, g.volumeIndexBits)
}

// SetVolumeIndexBits returns a copy of name with its leading
// volume_index_bits set to value (used by tests to construct names that
// hash to a specific list).
func (g *Geometry) SetVolumeIndexBits(name []byte, value uint64) []byte {
	return setLeadingBits(name, g.volumeIndexBits, value)
}

// ChapterIndexKey returns the chapter_index_bits of name immediately
// following the volume-index bits: the key a record occupies within
// whichever delta list HashToChapterDeltaList selects. Unlike the list
// selector itself (which is free to mix/hash, since a chapter's delta
// index doesn't need the key to be invertible), this value is extracted
// directly so that names with nearby keys land at nearby positions in
// their list, keeping delta-coded gaps small (spec.md §3: "the expected
// gap between successive keys... chapter_mean_delta").
func (g *Geometry) ChapterIndexKey(name []byte) uint64 {
	return bitsAt(name, g.volumeIndexBits, g.chapterIndexBits)
}

// HashToChapterDeltaList returns the delta-list number within a chapter
// that name hashes to: the low bits of the xxh3 hash of the whole name
// (mixName), which decorrelates it from the volume-index selection
// (SPEC_FULL.md §5).
func (g *Geometry) HashToChapterDeltaList(name []byte) uint32 {
	mixed := mixName(name)
	return uint32(mixed & uint64(g.DeltaListsPerChapter()-1))
}

// SetChapterDeltaListBits returns a copy of name such that
// HashToChapterDeltaList on the result equals list. It works by brute
// forcing the low bits of the name used as xxh3 input, which is the
// simplest invertible construction given that HashToChapterDeltaList goes
// through a one-way mix; this is only used by tests (see
// geometry_test.go), never by production code.
func (g *Geometry) SetChapterDeltaListBits(name []byte, list uint32) []byte {
	out := make([]byte, len(name))
	copy(out, name)
	list &= g.DeltaListsPerChapter() - 1

	for ctr := uint64(0); ctr < 1<<20; ctr++ {
		candidate := make([]byte, len(out))
		copy(candidate, out)
		for i := 0; i < 8 && i < len(candidate); i++ {
			candidate[len(candidate)-1-i] = byte(ctr >> (8 * uint(i)))
		}
		if g.HashToChapterDeltaList(candidate) == list {
			return candidate
		}
	}
	return out
}
