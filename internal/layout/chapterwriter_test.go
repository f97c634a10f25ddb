package layout

import (
	"errors"
	"testing"

	"github.com/brinkwell/uds/internal/geometry"
	"github.com/brinkwell/uds/internal/indexpagemap"
	"github.com/brinkwell/uds/internal/volume"
	"github.com/brinkwell/uds/pkg/ioblock"
)

// testChapterGeometry returns a small but multi-index-page geometry so
// CloseChapter's delta-list-splitting logic actually exercises more
// than one page.
func testChapterGeometry(t *testing.T) *geometry.Geometry {
	t.Helper()
	geo, err := geometry.New(geometry.Params{
		RecordPagesPerChapter:   50,
		ChaptersPerVolume:       4,
		SparseChaptersPerVolume: 0,
		ChapterMeanDelta:        16,
		ChapterPayloadBits:      24,
	})
	if err != nil {
		t.Fatalf("geometry.New: %v", err)
	}
	return geo
}

func testChapterWriter(t *testing.T) (*ChapterWriter, *volume.Volume) {
	t.Helper()
	geo := testChapterGeometry(t)

	blockCount := int64(geometry.HeaderPages) + int64(geo.ChaptersPerVolume())*int64(geo.PagesPerChapter())
	dev := ioblock.NewMemDevice(blockCount)

	pageMap, err := indexpagemap.New(geo.ChaptersPerVolume(), int(geo.IndexPagesPerChapter()), geo.DeltaListsPerChapter())
	if err != nil {
		t.Fatalf("indexpagemap.New: %v", err)
	}

	vol := volume.New(geo, dev, 32, pageMap)
	cw := NewChapterWriter(geo, vol, pageMap, 2)
	return cw, vol
}

func testChapterRecords(count int, salt byte) []ChapterRecord {
	records := make([]ChapterRecord, count)
	for i := range records {
		name := make([]byte, geometry.NameSize)
		name[0] = salt
		name[1] = byte(i)
		name[2] = byte(i >> 8)
		metadata := make([]byte, geometry.MetadataSize)
		metadata[0] = byte(i)
		records[i] = ChapterRecord{Name: name, Metadata: metadata}
	}
	return records
}

func TestCloseChapterRoundTrip(t *testing.T) {
	cw, vol := testChapterWriter(t)

	const count = 300
	records := testChapterRecords(count, 1)

	if cw.State() != StateEmpty {
		t.Fatalf("initial state = %s, want EMPTY", cw.State())
	}

	checkpoint, err := cw.CloseChapter(0, records)
	if err != nil {
		t.Fatalf("CloseChapter: %v", err)
	}
	if cw.State() != StateSaved {
		t.Fatalf("state after CloseChapter = %s, want SAVED", cw.State())
	}
	if checkpoint.NewestVCN != 0 || checkpoint.OpenChapterVCN != 1 {
		t.Fatalf("checkpoint = %+v, want NewestVCN=0 OpenChapterVCN=1", checkpoint)
	}

	for i, rec := range records {
		got, err := vol.LookupInChapter(rec.Name, 0)
		if err != nil {
			t.Fatalf("LookupInChapter(record %d): %v", i, err)
		}
		if string(got) != string(rec.Metadata) {
			t.Fatalf("LookupInChapter(record %d) = %x, want %x", i, got, rec.Metadata)
		}
	}
}

func TestCloseChapterRejectsWrongState(t *testing.T) {
	cw, _ := testChapterWriter(t)
	cw.state = StateFull

	if _, err := cw.CloseChapter(0, nil); !errors.Is(err, ErrWrongState) {
		t.Fatalf("CloseChapter err = %v, want ErrWrongState", err)
	}
}

func TestCloseChapterAdvancesOldestVCNWithWindow(t *testing.T) {
	cw, vol := testChapterWriter(t)

	var last Checkpoint
	for vcn := uint64(0); vcn < 4; vcn++ {
		records := testChapterRecords(10, byte(vcn))
		checkpoint, err := cw.CloseChapter(vcn, records)
		if err != nil {
			t.Fatalf("CloseChapter(%d): %v", vcn, err)
		}
		last = checkpoint
	}

	// windowChapters=2: after closing vcn=3, open_chapter_vcn=4, and
	// oldest should have advanced to 4-2=2.
	if last.OldestVCN != 2 {
		t.Fatalf("OldestVCN = %d, want 2", last.OldestVCN)
	}
	if last.NewestVCN != 3 || last.OpenChapterVCN != 4 {
		t.Fatalf("checkpoint = %+v, want NewestVCN=3 OpenChapterVCN=4", last)
	}

	// The most recently written chapter's records must still resolve.
	records := testChapterRecords(10, 3)
	if _, err := vol.LookupInChapter(records[0].Name, 3); err != nil {
		t.Fatalf("LookupInChapter after multiple closes: %v", err)
	}
}

func TestCloseChapterRejectsTooManyRecords(t *testing.T) {
	cw, _ := testChapterWriter(t)
	geo := testChapterGeometry(t)
	capacity := int(geo.RecordPagesPerChapter() * geo.RecordsPerPage())

	records := testChapterRecords(capacity+1, 9)
	if _, err := cw.CloseChapter(0, records); err == nil {
		t.Fatalf("CloseChapter accepted more records than the chapter's record pages can hold")
	}
}
