// Package request implements the per-zone request pipeline spec.md §4.9
// and §5 describe: one funnelqueue.Queue and one consumer goroutine per
// zone, a Session that enqueues POST/QUERY/UPDATE/DELETE/QUERY_NO_UPDATE
// requests and waits for their result, and the DISABLED draining
// lifecycle spec.md §5 requires of Close.
package request

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brinkwell/uds/internal/funnelqueue"
	"github.com/brinkwell/uds/internal/uds"
)

// Type is one of spec.md §4.9's five request kinds.
type Type int

const (
	Post Type = iota
	Query
	Update
	Delete
	QueryNoUpdate
)

func (t Type) String() string {
	switch t {
	case Post:
		return "POST"
	case Query:
		return "QUERY"
	case Update:
		return "UPDATE"
	case Delete:
		return "DELETE"
	case QueryNoUpdate:
		return "QUERY_NO_UPDATE"
	default:
		return "UNKNOWN"
	}
}

// Result is what a request resolves to: Found/Metadata for POST, QUERY,
// UPDATE (metadata is the record's value *before* this request, per
// spec.md §4.9's "returns old metadata" column) and Delete (Metadata is
// always nil for Delete).
type Result struct {
	Found    bool
	Metadata []byte
	Err      error
}

// request is the funnelqueue payload: one in-flight call plus the
// channel its result is delivered on. Built and torn down entirely by
// the caller, per funnelqueue's "freeing entries is the caller's
// responsibility" contract.
type request struct {
	typ      Type
	name     []byte
	metadata []byte
	result   chan Result
}

// ErrSessionClosed is returned by StartOperation once Close or Destroy
// has begun draining the session.
var ErrSessionClosed = errors.New("request: session closed")

// pollBackoff bounds how long a zone's consumer goroutine sleeps between
// empty polls of its funnelqueue; funnelqueue.Poll never blocks, so the
// consumer loop must back off itself rather than spin the CPU.
const pollBackoff = 50 * time.Microsecond

// Session owns the per-zone queues and consumer goroutines fronting an
// *uds.Index. Callers never touch the Index's zone-dispatch methods
// directly; they call StartOperation (or its Post/Update/Query/Delete
// wrappers), which routes to the right zone by
// name and serializes every request for that zone through its single
// consumer goroutine (spec.md §5: "each zone is mutated only by its own
// consumer thread").
type Session struct {
	index  *uds.Index
	queues []*funnelqueue.Queue

	closing atomic.Bool
	wg      sync.WaitGroup
	done    chan struct{}

	opsSinceClose []atomic.Int64

	closeOnce sync.Once
	closeErr  error
}

// NewSession starts one consumer goroutine per zone of ix and returns a
// Session ready to accept requests.
func NewSession(ix *uds.Index) *Session {
	n := ix.NumZones()
	s := &Session{
		index:         ix,
		queues:        make([]*funnelqueue.Queue, n),
		done:          make(chan struct{}),
		opsSinceClose: make([]atomic.Int64, n),
	}
	for i := 0; i < n; i++ {
		s.queues[i] = funnelqueue.New()
	}
	s.wg.Add(n)
	for i := 0; i < n; i++ {
		go s.consume(i)
	}
	return s
}

func (s *Session) consume(zone int) {
	defer s.wg.Done()
	q := s.queues[zone]
	for {
		entry, ok := q.Poll()
		if !ok {
			select {
			case <-s.done:
				// Drain whatever remains before exiting: Close waits
				// on s.wg, so any request still in the queue at this
				// point would otherwise never get a result.
				if e, ok := q.Poll(); ok {
					s.handle(zone, e)
					continue
				}
				return
			default:
				runtime.Gosched()
				time.Sleep(pollBackoff)
				continue
			}
		}
		s.handle(zone, entry)
	}
}

func (s *Session) handle(zone int, entry *funnelqueue.Entry) {
	req := entry.Value.(*request)
	var res Result

	switch req.typ {
	case Post:
		res.Found, res.Metadata, res.Err = s.index.Post(zone, req.name, req.metadata)
	case Update:
		res.Found, res.Metadata, res.Err = s.index.Update(zone, req.name, req.metadata)
	case Query:
		res.Found, res.Metadata, res.Err = s.index.Query(zone, req.name)
	case QueryNoUpdate:
		res.Found, res.Metadata, res.Err = s.index.QueryNoUpdate(zone, req.name)
	case Delete:
		res.Found, res.Err = s.index.Delete(zone, req.name)
	default:
		res.Err = fmt.Errorf("request: unknown type %v", req.typ)
	}

	if res.Err == nil && (req.typ == Post || req.typ == Update || req.typ == Delete) {
		if s.opsSinceClose[zone].Add(1) >= chapterCloseCheckInterval {
			s.opsSinceClose[zone].Store(0)
			if _, err := s.index.MaybeCloseChapter(); err != nil && res.Err == nil {
				res.Err = err
			}
		}
	}

	req.result <- res
}

// chapterCloseCheckInterval bounds how often a zone's consumer goroutine
// asks the index whether the current chapter needs closing. Checking on
// every request would serialize every zone against MaybeCloseChapter's
// exclusive lock far more than necessary; spec.md §4.5 only requires
// that a chapter close happen before a zone's open-chapter table
// actually overflows; not after every single request.
const chapterCloseCheckInterval = 64

// StartOperation enqueues req on the zone that owns name and blocks
// until the zone's consumer goroutine has processed it or ctx is
// canceled.
func (s *Session) StartOperation(ctx context.Context, typ Type, name, metadata []byte) Result {
	if s.closing.Load() {
		return Result{Err: ErrSessionClosed}
	}

	zone := s.index.ZoneFor(name)
	req := &request{typ: typ, name: name, metadata: metadata, result: make(chan Result, 1)}
	entry := &funnelqueue.Entry{Value: req}
	s.queues[zone].Put(entry)

	select {
	case res := <-req.result:
		return res
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
}

// Post is a StartOperation convenience wrapper.
func (s *Session) Post(ctx context.Context, name, metadata []byte) Result {
	return s.StartOperation(ctx, Post, name, metadata)
}

// Query is a StartOperation convenience wrapper.
func (s *Session) Query(ctx context.Context, name []byte) Result {
	return s.StartOperation(ctx, Query, name, nil)
}

// QueryNoUpdate is a StartOperation convenience wrapper.
func (s *Session) QueryNoUpdate(ctx context.Context, name []byte) Result {
	return s.StartOperation(ctx, QueryNoUpdate, name, nil)
}

// Update is a StartOperation convenience wrapper.
func (s *Session) Update(ctx context.Context, name, metadata []byte) Result {
	return s.StartOperation(ctx, Update, name, metadata)
}

// Delete is a StartOperation convenience wrapper.
func (s *Session) Delete(ctx context.Context, name []byte) Result {
	return s.StartOperation(ctx, Delete, name, nil)
}

// FlushSession blocks until every zone's queue has drained at least
// once, matching spec.md §5's flush_session: a barrier for requests
// already submitted, not a guarantee against ones submitted
// concurrently with the call.
func (s *Session) FlushSession(ctx context.Context) error {
	for _, q := range s.queues {
		for q.Len() > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				runtime.Gosched()
				time.Sleep(pollBackoff)
			}
		}
	}
	return nil
}

// Close implements spec.md §5's DISABLED lifecycle: stop accepting new
// requests, let every zone's consumer goroutine drain its queue, then
// close the underlying index. Safe to call more than once; only the
// first call's error is returned.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		close(s.done)
		s.wg.Wait()
		s.closeErr = s.index.Close()
	})
	return s.closeErr
}
