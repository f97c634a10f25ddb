// Package scrubber implements the rebuild path (spec.md §4.8), which
// internal/uds runs on every open of an existing volume, whether or not
// its super-block's clean flag is set:
// replaying every durable chapter's records into the volume index, then
// reloading the saved open chapter, redistributing its records if the
// current zone count differs from the one it was saved under.
package scrubber

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/brinkwell/uds/internal/deltaindex"
	"github.com/brinkwell/uds/internal/layout"
	"github.com/brinkwell/uds/internal/openchapter"
	"github.com/brinkwell/uds/internal/volume"
	"github.com/brinkwell/uds/internal/volumeindex"
)

var (
	// ErrCorruptData is returned when a chapter's index pages fail their
	// magic/guard/checksum checks during rebuild; the caller must abort
	// rather than index a chapter scrubber can't trust.
	ErrCorruptData = errors.New("scrubber: corrupt data")

	// ErrReadOnly is returned when the caller's checkpoint-write
	// callback fails while rebuild is committing its result; the volume
	// must be treated as read-only from this point until a later open
	// succeeds.
	ErrReadOnly = errors.New("scrubber: read-only (checkpoint write failed)")
)

// Stats summarizes one Rebuild run.
type Stats struct {
	ChaptersScanned             uint64
	RecordsReplayed             uint64
	OpenChapterRecordsKept      uint64
	OpenChapterRecordsDiscarded uint64
}

// SavedOpenChapter is one zone's saved open-chapter bytes as they were
// written at shutdown (OCFM framing, see internal/layout). A nil Data
// means that zone's saved page was missing or unreadable, which §4.8
// treats as acceptable: the zone reloads empty rather than aborting
// the whole rebuild.
type SavedOpenChapter struct {
	Data []byte
}

// Rebuild scans vol chapter-by-chapter from oldestVCN to newestVCN
// (inclusive), replaying every chapter's durable records into volIndex,
// then reloads saved, redistributing each record into whichever of
// zones its name now hashes to (zones may be a different count than
// the index was saved with). If writeCheckpoint is non-nil, it is
// called once after a successful rebuild to persist the recovered
// checkpoint; a failure there is surfaced as ErrReadOnly rather than
// losing the rebuild's work.
func Rebuild(
	vol *volume.Volume,
	volIndex *volumeindex.Index,
	zones []*openchapter.Zone,
	oldestVCN, newestVCN uint64,
	saved []SavedOpenChapter,
	writeCheckpoint func() error,
) (Stats, error) {
	var stats Stats

	for vcn := oldestVCN; vcn <= newestVCN; vcn++ {
		if err := vol.VerifyChapterIndex(vcn); err != nil {
			if errors.Is(err, deltaindex.ErrCorrupt) {
				return stats, fmt.Errorf("chapter %d index: %w: %v", vcn, ErrCorruptData, err)
			}
			return stats, fmt.Errorf("chapter %d index: %w", vcn, err)
		}

		records, err := vol.ReadChapterRecords(vcn)
		if err != nil {
			return stats, fmt.Errorf("chapter %d records: %w: %v", vcn, ErrCorruptData, err)
		}

		for _, rec := range records {
			if _, err := volIndex.PutRecord(rec.Name, vcn); err != nil {
				return stats, fmt.Errorf("replay chapter %d record: %w", vcn, err)
			}
		}
		stats.ChaptersScanned++
		stats.RecordsReplayed += uint64(len(records))

		if err := volIndex.SetOpenChapter(vcn + 1); err != nil {
			return stats, fmt.Errorf("advance volume index past chapter %d: %w", vcn, err)
		}
	}

	if err := reloadOpenChapter(zones, saved, &stats); err != nil {
		return stats, err
	}

	if writeCheckpoint != nil {
		if err := writeCheckpoint(); err != nil {
			return stats, fmt.Errorf("%w: %v", ErrReadOnly, err)
		}
	}

	return stats, nil
}

// reloadOpenChapter concatenates every saved zone's records (skipping
// missing pages) and redistributes them across zones by
// volumeindex.GetVolumeIndexZone, so a restore into a different zone
// count still lands each record where a fresh put_record would route
// it. Records are replayed in their original saved order, so
// Zone.Put's own silent-reject-when-full behavior deterministically
// keeps the first N that hash into an over-subscribed zone and drops
// the rest, per spec.md §4.8.
func reloadOpenChapter(zones []*openchapter.Zone, saved []SavedOpenChapter, stats *Stats) error {
	if len(zones) == 0 {
		return nil
	}

	for _, zoneSave := range saved {
		if zoneSave.Data == nil {
			continue // missing open-chapter page: treat as empty, continue.
		}

		records, err := layout.RestoreOpenChapter(bytes.NewReader(zoneSave.Data))
		if err != nil {
			return fmt.Errorf("restore saved open chapter: %w: %v", ErrCorruptData, err)
		}

		for _, rec := range records {
			target := volumeindex.GetVolumeIndexZone(rec.Name, len(zones))
			zone := zones[target]

			sizeBefore := zone.Size()
			_, existed, err := zone.Search(rec.Name)
			if err != nil {
				return fmt.Errorf("search reloaded zone %d: %w", target, err)
			}
			if _, err := zone.Put(rec.Name, rec.Metadata); err != nil {
				return fmt.Errorf("put into reloaded zone %d: %w", target, err)
			}

			if !existed && zone.Size() == sizeBefore {
				stats.OpenChapterRecordsDiscarded++
			} else {
				stats.OpenChapterRecordsKept++
			}
		}
	}

	return nil
}
