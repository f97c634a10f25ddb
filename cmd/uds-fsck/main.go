// Command uds-fsck inspects an index volume: it opens the volume in
// NO_REBUILD mode, which refuses a dirty super-block, and if the
// super-block is dirty, reopens it in LOAD mode. Both modes replay the
// volume's chapters on open (the replay's counts go to the logger). It
// then prints the geometry and the request counters.
//
// Usage:
//
//	uds-fsck <path> [--memory-gb=N] [--sparse] [--zones=N] [--repair]
package main

import (
	"errors"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/brinkwell/uds/internal/config"
	"github.com/brinkwell/uds/internal/uds"
)

type stdoutLogger struct{}

func (stdoutLogger) Printf(format string, args ...any) { fmt.Printf(format+"\n", args...) }

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flagSet := flag.NewFlagSet("uds-fsck", flag.ContinueOnError)
	memoryGB := flagSet.Float64("memory-gb", 0.25, "memory preset used when this volume was created")
	sparse := flagSet.Bool("sparse", false, "the volume uses the sparse-chapters preset variant")
	zones := flagSet.Int("zones", 1, "number of zones used when this volume was created")
	repair := flagSet.Bool("repair", false, "open in LOAD mode directly, accepting a dirty super-block")
	flagSet.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: uds-fsck <path> [flags]")
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if flagSet.NArg() != 1 {
		flagSet.Usage()
		return 2
	}
	path := flagSet.Arg(0)

	params := config.Params{
		Path:     path,
		MemoryGB: *memoryGB,
		Sparse:   *sparse,
		NumZones: *zones,
		Logger:   stdoutLogger{},
	}

	mode := uds.ModeNoRebuild
	if *repair {
		mode = uds.ModeLoad
	}

	ix, err := uds.OpenIndex(mode, params)
	if err != nil {
		if errors.Is(err, uds.ErrIndexNotSavedCleanly) {
			fmt.Println("volume is dirty, rebuilding...")
			ix, err = uds.OpenIndex(uds.ModeLoad, params)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "uds-fsck: %v\n", err)
			return 1
		}
	} else {
		fmt.Println("volume super-block is clean")
	}
	defer ix.Close()

	geo := ix.Geometry()
	fmt.Printf("chapters_per_volume=%d sparse_chapters_per_volume=%d records_per_chapter=%d zones=%d\n",
		geo.ChaptersPerVolume(), geo.SparseChaptersPerVolume(), geo.RecordsPerChapter(), ix.NumZones())
	if ix.IsReadOnly() {
		fmt.Println("index is READ-ONLY: a checkpoint write failed during recovery")
	}

	snap := ix.Stats()
	fmt.Printf("requests=%d posts_found=%d posts_not_found=%d updates_found=%d updates_not_found=%d\n",
		snap.Requests, snap.PostsFound, snap.PostsNotFound, snap.UpdatesFound, snap.UpdatesNotFound)
	fmt.Printf("queries_found=%d queries_not_found=%d deletions_found=%d deletions_not_found=%d\n",
		snap.QueriesFound, snap.QueriesNotFound, snap.DeletionsFound, snap.DeletionsNotFound)
	fmt.Printf("entries_indexed=%d entries_discarded=%d\n", snap.EntriesIndexed, snap.EntriesDiscarded)

	return 0
}
