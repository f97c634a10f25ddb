package config

import (
	"os"
	"testing"
)

func TestValidateDefaults(t *testing.T) {
	resolved, err := Validate(Params{MemoryGB: 0.25})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if resolved.NumZones != 1 {
		t.Errorf("NumZones = %d, want 1", resolved.NumZones)
	}
	if resolved.Geometry == nil {
		t.Fatal("Geometry is nil")
	}
	if resolved.Logger == nil {
		t.Error("Logger defaulted to nil, want no-op logger")
	}
}

func TestValidateRejectsZeroMemory(t *testing.T) {
	if _, err := Validate(Params{MemoryGB: 0}); err == nil {
		t.Fatal("Validate(MemoryGB: 0) succeeded, want error")
	}
}

func TestComputeIndexSizeMonotonic(t *testing.T) {
	small, err := ComputeIndexSize(Params{MemoryGB: 0.25})
	if err != nil {
		t.Fatalf("ComputeIndexSize(small): %v", err)
	}
	large, err := ComputeIndexSize(Params{MemoryGB: 1})
	if err != nil {
		t.Fatalf("ComputeIndexSize(large): %v", err)
	}
	if large <= small {
		t.Errorf("ComputeIndexSize(1GB) = %d, want > ComputeIndexSize(0.25GB) = %d", large, small)
	}
}

func TestComputeIndexSizeSparseExceedsDense(t *testing.T) {
	dense, err := ComputeIndexSize(Params{MemoryGB: 0.25})
	if err != nil {
		t.Fatalf("ComputeIndexSize(dense): %v", err)
	}
	sparse, err := ComputeIndexSize(Params{MemoryGB: 0.25, Sparse: true})
	if err != nil {
		t.Fatalf("ComputeIndexSize(sparse): %v", err)
	}
	if sparse <= dense {
		t.Errorf("ComputeIndexSize(sparse) = %d, want > ComputeIndexSize(dense) = %d", sparse, dense)
	}
}

func TestLoadOverlayMissingFileIsNotError(t *testing.T) {
	base := Params{MemoryGB: 0.5}
	got, err := LoadOverlay("/nonexistent/uds.hujson", base)
	if err != nil {
		t.Fatalf("LoadOverlay: %v", err)
	}
	if got != base {
		t.Errorf("LoadOverlay with missing file = %+v, want unchanged %+v", got, base)
	}
}

func TestLoadOverlayAppliesFields(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/uds.hujson"
	writeFile(t, path, `{
		// local tuning overrides
		"num_zones": 4,
		"sparse": true,
	}`)

	got, err := LoadOverlay(path, Params{MemoryGB: 0.5})
	if err != nil {
		t.Fatalf("LoadOverlay: %v", err)
	}
	if got.NumZones != 4 {
		t.Errorf("NumZones = %d, want 4", got.NumZones)
	}
	if !got.Sparse {
		t.Error("Sparse = false, want true")
	}
	if got.MemoryGB != 0.5 {
		t.Errorf("MemoryGB = %v, want unchanged 0.5", got.MemoryGB)
	}
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
