// Package stats implements the index's counter set and the lock-free
// snapshot read spec.md §5 calls for: "Stats counters — updated from the
// owning zone; readers snapshot with a seq-lock style approach."
//
// Each counter is its own atomic word, incremented only by the zone that
// owns it (spec.md §5: "Stats counters — updated from the owning zone");
// Snapshot reads every word with Load, so a reader never blocks a zone's
// consumer loop and a zone's consumer loop never blocks another zone's.
// A snapshot can straddle two different requests' updates (one counter
// reflecting the request just before a concurrent increment, another
// reflecting the one just after), the same tradeoff the teacher's
// pkg/slotcache.Cache.Generation seqlock accepts for its own read path.
package stats

import "sync/atomic"

// Counters is the full set spec.md §3/§5 and SPEC_FULL.md §3 require, as
// returned by Snapshot.
type Counters struct {
	PostsFound      uint64
	PostsNotFound   uint64
	QueriesFound    uint64
	QueriesNotFound uint64
	UpdatesFound    uint64
	UpdatesNotFound uint64

	DeletionsFound    uint64
	DeletionsNotFound uint64

	EntriesIndexed   uint64
	EntriesDiscarded uint64
	Requests         uint64
	EarlyFlushes     uint64
	RebalanceCount   uint64
}

// Stats holds the live, independently-atomic counters.
type Stats struct {
	postsFound      atomic.Uint64
	postsNotFound   atomic.Uint64
	queriesFound    atomic.Uint64
	queriesNotFound atomic.Uint64
	updatesFound    atomic.Uint64
	updatesNotFound atomic.Uint64

	deletionsFound    atomic.Uint64
	deletionsNotFound atomic.Uint64

	entriesIndexed   atomic.Uint64
	entriesDiscarded atomic.Uint64
	requests         atomic.Uint64
	earlyFlushes     atomic.Uint64
	rebalanceCount   atomic.Uint64
}

// New returns a zeroed Stats.
func New() *Stats {
	return &Stats{}
}

func (s *Stats) AddPostFound()        { s.postsFound.Add(1) }
func (s *Stats) AddPostNotFound()     { s.postsNotFound.Add(1) }
func (s *Stats) AddQueryFound()       { s.queriesFound.Add(1) }
func (s *Stats) AddQueryNotFound()    { s.queriesNotFound.Add(1) }
func (s *Stats) AddUpdateFound()      { s.updatesFound.Add(1) }
func (s *Stats) AddUpdateNotFound()   { s.updatesNotFound.Add(1) }
func (s *Stats) AddDeletionFound()    { s.deletionsFound.Add(1) }
func (s *Stats) AddDeletionNotFound() { s.deletionsNotFound.Add(1) }
func (s *Stats) AddEntryIndexed()     { s.entriesIndexed.Add(1) }
func (s *Stats) AddEntryDiscarded()   { s.entriesDiscarded.Add(1) }
func (s *Stats) AddRequest()          { s.requests.Add(1) }
func (s *Stats) AddEarlyFlush()       { s.earlyFlushes.Add(1) }
func (s *Stats) AddRebalance()        { s.rebalanceCount.Add(1) }

// Snapshot returns the current value of every counter.
func (s *Stats) Snapshot() Counters {
	return Counters{
		PostsFound:        s.postsFound.Load(),
		PostsNotFound:     s.postsNotFound.Load(),
		QueriesFound:      s.queriesFound.Load(),
		QueriesNotFound:   s.queriesNotFound.Load(),
		UpdatesFound:      s.updatesFound.Load(),
		UpdatesNotFound:   s.updatesNotFound.Load(),
		DeletionsFound:    s.deletionsFound.Load(),
		DeletionsNotFound: s.deletionsNotFound.Load(),
		EntriesIndexed:    s.entriesIndexed.Load(),
		EntriesDiscarded:  s.entriesDiscarded.Load(),
		Requests:          s.requests.Load(),
		EarlyFlushes:      s.earlyFlushes.Load(),
		RebalanceCount:    s.rebalanceCount.Load(),
	}
}
