package uds

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// compressSidecar zstd-compresses plain (OCFM-framed) bytes before they
// hit disk, when a Params.CompressSaves caller wants a smaller saved
// open-chapter file at the cost of a decode pass on the next load
// (SPEC_FULL.md §5).
func compressSidecar(plain []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("new zstd writer: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(plain, nil), nil
}

func decompressSidecar(compressed []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("new zstd reader: %w", err)
	}
	defer dec.Close()
	return dec.DecodeAll(compressed, nil)
}
