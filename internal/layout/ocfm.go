package layout

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/brinkwell/uds/internal/openchapter"
)

// OCFMMagic marks the per-zone saved open-chapter section that
// internal/uds writes when the index is closed (spec.md §4.7/§8: "per-zone saved
// open-chapter bytes with magic OCFM then a 4-byte version then the
// hash table contents").
const OCFMMagic = "OCFM"

const ocfmVersion = uint32(1)

// SaveOpenChapter writes records (normally Zone.LiveRecords() for one
// zone) in the OCFM wire format: magic, version, record count, then
// each record as a length-prefixed name and length-prefixed metadata,
// followed by a whole-section trailing CRC32.
func SaveOpenChapter(w io.Writer, records []openchapter.Record) error {
	var buf bytes.Buffer
	buf.WriteString(OCFMMagic)
	binary.Write(&buf, binary.LittleEndian, ocfmVersion)
	binary.Write(&buf, binary.LittleEndian, uint32(len(records)))

	for _, rec := range records {
		binary.Write(&buf, binary.LittleEndian, uint32(len(rec.Name)))
		buf.Write(rec.Name)
		binary.Write(&buf, binary.LittleEndian, uint32(len(rec.Metadata)))
		buf.Write(rec.Metadata)
	}

	crc := crc32.ChecksumIEEE(buf.Bytes())
	binary.Write(&buf, binary.LittleEndian, crc)

	_, err := w.Write(buf.Bytes())
	return err
}

// RestoreOpenChapter parses a section written by SaveOpenChapter,
// returning ErrBadMagic, ErrUnsupportedVersion, or ErrChecksumMismatch
// on the corresponding corruption.
func RestoreOpenChapter(r io.Reader) ([]openchapter.Record, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read ocfm section: %w", err)
	}
	if len(data) < len(OCFMMagic)+4+4+4 {
		return nil, fmt.Errorf("ocfm section too short (%d bytes): %w", len(data), ErrInvalidInput)
	}
	if string(data[:len(OCFMMagic)]) != OCFMMagic {
		return nil, fmt.Errorf("ocfm magic mismatch: %w", ErrBadMagic)
	}

	storedCRC := binary.LittleEndian.Uint32(data[len(data)-4:])
	computed := crc32.ChecksumIEEE(data[:len(data)-4])
	if storedCRC != computed {
		return nil, fmt.Errorf("ocfm trailing checksum %d != computed %d: %w", storedCRC, computed, ErrChecksumMismatch)
	}

	br := bytes.NewReader(data[len(OCFMMagic) : len(data)-4])

	var version uint32
	if err := binary.Read(br, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("read ocfm version: %w", err)
	}
	if version != ocfmVersion {
		return nil, fmt.Errorf("ocfm version %d: %w", version, ErrUnsupportedVersion)
	}

	var count uint32
	if err := binary.Read(br, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("read ocfm record count: %w", err)
	}

	records := make([]openchapter.Record, 0, count)
	for i := uint32(0); i < count; i++ {
		var nameLen uint32
		if err := binary.Read(br, binary.LittleEndian, &nameLen); err != nil {
			return nil, fmt.Errorf("read ocfm record %d name length: %w", i, err)
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(br, name); err != nil {
			return nil, fmt.Errorf("read ocfm record %d name: %w", i, err)
		}

		var metaLen uint32
		if err := binary.Read(br, binary.LittleEndian, &metaLen); err != nil {
			return nil, fmt.Errorf("read ocfm record %d metadata length: %w", i, err)
		}
		metadata := make([]byte, metaLen)
		if _, err := io.ReadFull(br, metadata); err != nil {
			return nil, fmt.Errorf("read ocfm record %d metadata: %w", i, err)
		}

		records = append(records, openchapter.Record{Name: name, Metadata: metadata})
	}

	return records, nil
}
