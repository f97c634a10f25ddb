package openchapter

import (
	"testing"
)

func testConfig() Config {
	return Config{NameSize: 32, MetadataSize: 16, RecordsPerZone: 8}
}

func name(b byte) []byte {
	n := make([]byte, 32)
	n[0] = b
	n[1] = b / 2
	return n
}

func meta(b byte) []byte {
	m := make([]byte, 16)
	m[0] = b
	return m
}

func TestPutSearchRoundTrip(t *testing.T) {
	z, err := NewZone(testConfig())
	if err != nil {
		t.Fatalf("NewZone: %v", err)
	}

	for i := byte(0); i < 5; i++ {
		if _, err := z.Put(name(i), meta(i)); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}

	for i := byte(0); i < 5; i++ {
		got, found, err := z.Search(name(i))
		if err != nil {
			t.Fatalf("Search(%d): %v", i, err)
		}
		if !found {
			t.Fatalf("Search(%d) not found", i)
		}
		if got[0] != i {
			t.Fatalf("Search(%d).Metadata[0] = %d, want %d", i, got[0], i)
		}
	}

	if _, found, _ := z.Search(name(200)); found {
		t.Fatalf("Search of absent name returned found")
	}
}

func TestPutOverwritesExistingName(t *testing.T) {
	z, err := NewZone(testConfig())
	if err != nil {
		t.Fatalf("NewZone: %v", err)
	}

	if _, err := z.Put(name(1), meta(1)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := z.Put(name(1), meta(2)); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}

	if z.Size() != 1 {
		t.Fatalf("Size() = %d after overwrite, want 1", z.Size())
	}

	got, found, _ := z.Search(name(1))
	if !found || got[0] != 2 {
		t.Fatalf("Search after overwrite = %v, found=%v, want metadata[0]=2", got, found)
	}
}

func TestPutRejectsWhenFull(t *testing.T) {
	cfg := testConfig()
	cfg.RecordsPerZone = 3
	z, err := NewZone(cfg)
	if err != nil {
		t.Fatalf("NewZone: %v", err)
	}

	for i := byte(0); i < 3; i++ {
		remaining, err := z.Put(name(i), meta(i))
		if err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
		if remaining != 2-int(i) {
			t.Fatalf("Put(%d) remaining = %d, want %d", i, remaining, 2-int(i))
		}
	}

	remaining, err := z.Put(name(99), meta(99))
	if err != nil {
		t.Fatalf("Put when full: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("Put when full remaining = %d, want 0", remaining)
	}
	if _, found, _ := z.Search(name(99)); found {
		t.Fatalf("Put when full inserted a record anyway")
	}
	if z.Size() != 3 {
		t.Fatalf("Size() = %d, want 3 (unchanged by rejected put)", z.Size())
	}
}

func TestRemoveThenReinsert(t *testing.T) {
	z, err := NewZone(testConfig())
	if err != nil {
		t.Fatalf("NewZone: %v", err)
	}

	for i := byte(0); i < 4; i++ {
		if _, err := z.Put(name(i), meta(i)); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}

	removed, err := z.Remove(name(2))
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if !removed {
		t.Fatalf("Remove(2) = false, want true")
	}
	if z.Deletions() != 1 {
		t.Fatalf("Deletions() = %d, want 1", z.Deletions())
	}
	if z.Size() != 3 {
		t.Fatalf("Size() = %d, want 3 after remove", z.Size())
	}

	// Names that probed past the tombstone must still be findable.
	for _, i := range []byte{0, 1, 3} {
		if _, found, _ := z.Search(name(i)); !found {
			t.Fatalf("Search(%d) lost after removing an unrelated name", i)
		}
	}
	if _, found, _ := z.Search(name(2)); found {
		t.Fatalf("Search(2) still found after Remove")
	}

	removedAgain, err := z.Remove(name(2))
	if err != nil {
		t.Fatalf("Remove again: %v", err)
	}
	if removedAgain {
		t.Fatalf("Remove of already-removed name = true, want false")
	}

	// Reinserting should reuse the tombstone slot and restore the live
	// count without growing deletions.
	if _, err := z.Put(name(2), meta(55)); err != nil {
		t.Fatalf("Put reinsert: %v", err)
	}
	if z.Size() != 4 {
		t.Fatalf("Size() = %d after reinsert, want 4", z.Size())
	}
	got, found, _ := z.Search(name(2))
	if !found || got[0] != 55 {
		t.Fatalf("Search after reinsert = %v, found=%v", got, found)
	}
}

func TestResetClearsWithoutShrinking(t *testing.T) {
	z, err := NewZone(testConfig())
	if err != nil {
		t.Fatalf("NewZone: %v", err)
	}

	for i := byte(0); i < 5; i++ {
		if _, err := z.Put(name(i), meta(i)); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}
	if _, err := z.Remove(name(1)); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	z.Reset()

	if z.Size() != 0 {
		t.Fatalf("Size() after Reset = %d, want 0", z.Size())
	}
	if z.Deletions() != 0 {
		t.Fatalf("Deletions() after Reset = %d, want 0", z.Deletions())
	}
	if len(z.LiveRecords()) != 0 {
		t.Fatalf("LiveRecords() after Reset non-empty")
	}

	if _, err := z.Put(name(9), meta(9)); err != nil {
		t.Fatalf("Put after Reset: %v", err)
	}
	if got, found, _ := z.Search(name(9)); !found || got[0] != 9 {
		t.Fatalf("Search after Reset+Put = %v, found=%v", got, found)
	}
}

func TestLiveRecordsExcludesTombstones(t *testing.T) {
	z, err := NewZone(testConfig())
	if err != nil {
		t.Fatalf("NewZone: %v", err)
	}

	for i := byte(0); i < 4; i++ {
		if _, err := z.Put(name(i), meta(i)); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}
	if _, err := z.Remove(name(2)); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	records := z.LiveRecords()
	if len(records) != 3 {
		t.Fatalf("LiveRecords() len = %d, want 3", len(records))
	}
	for _, r := range records {
		if r.Name[0] == 2 {
			t.Fatalf("LiveRecords() included removed name")
		}
	}
}

func TestRejectsWrongLengthArguments(t *testing.T) {
	z, err := NewZone(testConfig())
	if err != nil {
		t.Fatalf("NewZone: %v", err)
	}

	if _, err := z.Put([]byte("short"), meta(1)); err == nil {
		t.Fatalf("Put with short name succeeded")
	}
	if _, err := z.Put(name(1), []byte("short")); err == nil {
		t.Fatalf("Put with short metadata succeeded")
	}
	if _, _, err := z.Search([]byte("short")); err == nil {
		t.Fatalf("Search with short name succeeded")
	}
}
