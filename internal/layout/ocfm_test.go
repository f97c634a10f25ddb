package layout

import (
	"bytes"
	"errors"
	"hash/crc32"
	"testing"

	"github.com/brinkwell/uds/internal/openchapter"
)

func testOCFMRecords() []openchapter.Record {
	records := make([]openchapter.Record, 0, 5)
	for i := 0; i < 5; i++ {
		name := make([]byte, 32)
		name[0] = byte(i)
		metadata := make([]byte, 16)
		metadata[1] = byte(i * 3)
		records = append(records, openchapter.Record{Name: name, Metadata: metadata})
	}
	return records
}

func TestSaveRestoreOpenChapterRoundTrip(t *testing.T) {
	records := testOCFMRecords()

	var buf bytes.Buffer
	if err := SaveOpenChapter(&buf, records); err != nil {
		t.Fatalf("SaveOpenChapter: %v", err)
	}

	got, err := RestoreOpenChapter(&buf)
	if err != nil {
		t.Fatalf("RestoreOpenChapter: %v", err)
	}
	if len(got) != len(records) {
		t.Fatalf("got %d records, want %d", len(got), len(records))
	}
	for i := range records {
		if !bytes.Equal(got[i].Name, records[i].Name) {
			t.Fatalf("record %d name = %x, want %x", i, got[i].Name, records[i].Name)
		}
		if !bytes.Equal(got[i].Metadata, records[i].Metadata) {
			t.Fatalf("record %d metadata = %x, want %x", i, got[i].Metadata, records[i].Metadata)
		}
	}
}

func TestSaveRestoreOpenChapterEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := SaveOpenChapter(&buf, nil); err != nil {
		t.Fatalf("SaveOpenChapter: %v", err)
	}
	got, err := RestoreOpenChapter(&buf)
	if err != nil {
		t.Fatalf("RestoreOpenChapter: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d records, want 0", len(got))
	}
}

func TestRestoreOpenChapterRejectsBadMagic(t *testing.T) {
	var buf bytes.Buffer
	if err := SaveOpenChapter(&buf, testOCFMRecords()); err != nil {
		t.Fatalf("SaveOpenChapter: %v", err)
	}
	corrupt := buf.Bytes()
	corrupt[0] = 'X'

	if _, err := RestoreOpenChapter(bytes.NewReader(corrupt)); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("RestoreOpenChapter err = %v, want ErrBadMagic", err)
	}
}

func TestRestoreOpenChapterRejectsBadVersion(t *testing.T) {
	var buf bytes.Buffer
	if err := SaveOpenChapter(&buf, testOCFMRecords()); err != nil {
		t.Fatalf("SaveOpenChapter: %v", err)
	}
	corrupt := buf.Bytes()
	// Version is the 4 bytes right after the magic; recompute the
	// trailing CRC so only the version check, not the checksum check,
	// is what fails.
	corrupt[len(OCFMMagic)] ^= 0xFF
	fixupTrailingCRC(corrupt)

	if _, err := RestoreOpenChapter(bytes.NewReader(corrupt)); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("RestoreOpenChapter err = %v, want ErrUnsupportedVersion", err)
	}
}

func TestRestoreOpenChapterRejectsChecksumMismatch(t *testing.T) {
	var buf bytes.Buffer
	if err := SaveOpenChapter(&buf, testOCFMRecords()); err != nil {
		t.Fatalf("SaveOpenChapter: %v", err)
	}
	corrupt := buf.Bytes()
	corrupt[len(corrupt)-1] ^= 0xFF

	if _, err := RestoreOpenChapter(bytes.NewReader(corrupt)); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("RestoreOpenChapter err = %v, want ErrChecksumMismatch", err)
	}
}

// fixupTrailingCRC recomputes and overwrites the last 4 bytes of an
// OCFM section so a test can corrupt an earlier field without also
// tripping the checksum check.
func fixupTrailingCRC(data []byte) {
	crc := crc32.ChecksumIEEE(data[:len(data)-4])
	data[len(data)-4] = byte(crc)
	data[len(data)-3] = byte(crc >> 8)
	data[len(data)-2] = byte(crc >> 16)
	data[len(data)-1] = byte(crc >> 24)
}
