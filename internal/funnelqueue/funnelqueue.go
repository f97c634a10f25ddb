// Package funnelqueue implements a bounded-wait-free, multi-producer,
// single-consumer FIFO (spec.md §4.1).
//
// It is the classic Vyukov intrusive MPSC queue: producers publish by
// atomically exchanging the queue's "newest" pointer and linking the
// previous newest entry to the new one; the single consumer walks from
// "oldest" and only ever touches that field itself. A stub entry closes
// the transient gap a producer can leave between "swap newest" and
// "link previous.next" so Poll never spuriously loses entries.
package funnelqueue

import "sync/atomic"

// cacheLinePad is sized to keep newest and oldest off the same cache
// line on common 64-byte-line hardware (spec.md §4.1: "laid out on
// independent cache lines").
type cacheLinePad [64]byte

// Entry is a queue node. Callers embed or reference an Entry inside their
// own structure and use Value (or a type assertion on a wrapping type) to
// carry their payload; the queue never allocates an Entry itself and
// never frees one — per spec.md §4.1, "freeing entries is entirely the
// caller's responsibility".
type Entry struct {
	next  atomic.Pointer[Entry]
	Value any
}

// Queue is a multi-producer, single-consumer FIFO of *Entry.
//
// Put is safe to call from any number of goroutines concurrently. Poll
// must only ever be called from a single goroutine at a time (the zone's
// consumer loop, per spec.md §4.9).
type Queue struct {
	newest atomic.Pointer[Entry]
	_      cacheLinePad

	oldest *Entry
	_      cacheLinePad

	stub Entry
}

// New returns an empty queue.
func New() *Queue {
	q := &Queue{}
	q.oldest = &q.stub
	q.newest.Store(&q.stub)
	return q
}

// Put appends e to the queue. It never blocks and never fails.
//
// The contract is eventual, not immediate, visibility: once Put returns,
// the consumer's next Poll call after this call's linearization point
// must observe either e or an entry that was put before e — never one
// put strictly after it and never a permanent loss of e.
func (q *Queue) Put(e *Entry) {
	e.next.Store(nil)
	prev := q.newest.Swap(e)
	prev.next.Store(e)
}

// Poll removes and returns the oldest entry, or (nil, false) when the
// queue is provably empty (or when a producer has started but not yet
// finished a Put, in which case the caller should retry).
//
// Poll must only be called by a single consumer goroutine.
func (q *Queue) Poll() (*Entry, bool) {
	tail := q.oldest
	next := tail.next.Load()

	if tail == &q.stub {
		// The stub never carries a payload; skip over it.
		if next == nil {
			return nil, false
		}
		q.oldest = next
		tail = next
		next = next.next.Load()
	}

	if next != nil {
		q.oldest = next
		return tail, true
	}

	head := q.newest.Load()
	if tail != head {
		// A producer has swapped newest but not yet linked the
		// previous entry's next pointer. The entry is in flight,
		// not lost; the caller should retry.
		return nil, false
	}

	// tail is the last published entry. Push the stub so the next Put
	// relinks through it, then check once more: if a Put landed
	// between the head load above and this point, tail.next is now set.
	q.Put(&q.stub)
	next = tail.next.Load()
	if next != nil {
		q.oldest = next
		return tail, true
	}

	return nil, false
}

// Len returns an approximate count of entries currently queued, bounded
// by maxHops so a pathological producer storm can't make a diagnostic
// call block the caller indefinitely. It is never used for control flow
// (see SPEC_FULL.md §6 supplement) — only for reporting queue depth.
func (q *Queue) Len() int {
	const maxHops = 1 << 20

	n := 0
	cur := q.oldest
	for cur != nil && n < maxHops {
		next := cur.next.Load()
		if cur != &q.stub {
			n++
		}
		cur = next
	}
	return n
}
