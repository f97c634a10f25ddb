// Package uds implements the top-level index: the Index type that owns a
// Volume, VolumeIndex, one OpenChapterZone per zone, an IndexPageMap, and
// a ChapterWriter (spec.md §3 "Ownership"), and drives the state
// transitions spec.md §4.7-§4.9 describe for POST/QUERY/UPDATE/DELETE and
// chapter close.
package uds

import "errors"

// Error taxonomy at the request boundary (spec.md §6). SUCCESS is the Go
// zero value (nil error); every other named status is a sentinel here,
// classified at call sites with errors.Is, in the teacher's errors.go
// sentinel-plus-wrap style.
var (
	ErrNoSpace              = errors.New("uds: no space")
	ErrOverflow             = errors.New("uds: overflow")
	ErrCorruptData          = errors.New("uds: corrupt data")
	ErrUnsupportedVersion   = errors.New("uds: unsupported version")
	ErrBadMagic             = errors.New("uds: bad magic")
	ErrBadNonce             = errors.New("uds: bad nonce")
	ErrChecksumMismatch     = errors.New("uds: checksum mismatch")
	ErrIncorrectComponent   = errors.New("uds: incorrect component")
	ErrIndexNotSavedCleanly = errors.New("uds: index not saved cleanly")
	ErrInvalidArgument      = errors.New("uds: invalid argument")
	ErrOutOfRange           = errors.New("uds: out of range")
	ErrReadOnly             = errors.New("uds: read-only")
	ErrDisabled             = errors.New("uds: disabled")
	ErrEndOfFile            = errors.New("uds: end of file")
)
