package ioblock

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// MmapDevice is the production Device backed by a single file, mmap'd
// MAP_SHARED so writes are visible to the kernel page cache without an
// intervening copy.
type MmapDevice struct {
	mu     sync.RWMutex
	file   *os.File
	data   []byte
	closed bool
}

// OpenMmapDevice opens (creating if necessary) path as a block device with
// blockCount blocks. If the file already exists and is smaller than
// blockCount*BlockSize, it is grown (zero-filled); if it is larger, the
// existing size is kept and blockCount is ignored in favor of the file's
// actual block count.
func OpenMmapDevice(path string, blockCount int64) (*MmapDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("ioblock: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ioblock: stat %s: %w", path, err)
	}

	size := info.Size()
	wantSize := blockCount * BlockSize
	if size < wantSize {
		if err := f.Truncate(wantSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("ioblock: truncate %s: %w", path, err)
		}
		size = wantSize
	}

	if size == 0 {
		f.Close()
		return nil, fmt.Errorf("ioblock: %s: empty device", path)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ioblock: mmap %s: %w", path, err)
	}

	return &MmapDevice{file: f, data: data}, nil
}

func (d *MmapDevice) blockRange(blockNum int64) (int64, int64, error) {
	if blockNum < 0 || (blockNum+1)*BlockSize > int64(len(d.data)) {
		return 0, 0, ErrOutOfRange
	}
	start := blockNum * BlockSize
	return start, start + BlockSize, nil
}

// ReadBlock implements Device.
func (d *MmapDevice) ReadBlock(blockNum int64) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil, ErrClosed
	}

	start, end, err := d.blockRange(blockNum)
	if err != nil {
		return nil, err
	}

	out := make([]byte, BlockSize)
	copy(out, d.data[start:end])
	return out, nil
}

// WriteBlock implements Device.
func (d *MmapDevice) WriteBlock(blockNum int64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	if len(data) != BlockSize {
		return fmt.Errorf("ioblock: write block %d: data length %d != %d", blockNum, len(data), BlockSize)
	}

	start, end, err := d.blockRange(blockNum)
	if err != nil {
		return err
	}

	copy(d.data[start:end], data)
	return nil
}

// BlockCount implements Device.
func (d *MmapDevice) BlockCount() (int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return 0, ErrClosed
	}

	return int64(len(d.data)) / BlockSize, nil
}

// Sync implements Device. It issues msync(MS_SYNC) on the mapping followed
// by fsync on the file descriptor, matching the fence ordering the chapter
// writer relies on (see internal/layout).
func (d *MmapDevice) Sync() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrClosed
	}

	if err := unix.Msync(d.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("ioblock: msync: %w", err)
	}

	if err := d.file.Sync(); err != nil {
		return fmt.Errorf("ioblock: fsync: %w", err)
	}

	return nil
}

// Close implements Device.
func (d *MmapDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	var errs []error
	if d.data != nil {
		if err := unix.Munmap(d.data); err != nil {
			errs = append(errs, err)
		}
		d.data = nil
	}
	if err := d.file.Close(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
