package ioblock

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMemDeviceReadWriteRoundTrip(t *testing.T) {
	d := NewMemDevice(4)

	buf := AllocateBuffer()
	for i := range buf {
		buf[i] = byte(i)
	}

	if err := d.WriteBlock(2, buf); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	got, err := d.ReadBlock(2)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}

	if diff := cmp.Diff(buf, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}

	count, err := d.BlockCount()
	if err != nil || count != 4 {
		t.Fatalf("BlockCount() = %d, %v, want 4, nil", count, err)
	}
}

func TestMemDeviceOutOfRange(t *testing.T) {
	d := NewMemDevice(2)

	if _, err := d.ReadBlock(5); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("ReadBlock(5) err = %v, want ErrOutOfRange", err)
	}

	if err := d.WriteBlock(-1, AllocateBuffer()); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("WriteBlock(-1) err = %v, want ErrOutOfRange", err)
	}
}

func TestMemDeviceClosedRejectsAll(t *testing.T) {
	d := NewMemDevice(1)
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := d.ReadBlock(0); !errors.Is(err, ErrClosed) {
		t.Fatalf("ReadBlock after close = %v, want ErrClosed", err)
	}
	if err := d.WriteBlock(0, AllocateBuffer()); !errors.Is(err, ErrClosed) {
		t.Fatalf("WriteBlock after close = %v, want ErrClosed", err)
	}
	if err := d.Sync(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Sync after close = %v, want ErrClosed", err)
	}
}

func TestMemDeviceFailWriteAtFiresOnce(t *testing.T) {
	d := NewMemDevice(2)
	d.FailWriteAt = 1
	d.FailErr = errors.New("boom")

	if err := d.WriteBlock(1, AllocateBuffer()); err == nil || err.Error() != "boom" {
		t.Fatalf("first WriteBlock(1) err = %v, want boom", err)
	}

	if err := d.WriteBlock(1, AllocateBuffer()); err != nil {
		t.Fatalf("second WriteBlock(1) err = %v, want nil", err)
	}
}

func TestOpenMmapDeviceGrowsAndPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "volume.dat")

	dev, err := OpenMmapDevice(path, 3)
	if err != nil {
		t.Fatalf("OpenMmapDevice: %v", err)
	}

	buf := AllocateBuffer()
	buf[0] = 0xAB
	if err := dev.WriteBlock(1, buf); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	if err := dev.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := dev.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenMmapDevice(path, 3)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.ReadBlock(1)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if got[0] != 0xAB {
		t.Fatalf("got[0] = %x, want 0xAB", got[0])
	}
}
