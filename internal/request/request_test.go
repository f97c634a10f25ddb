package request

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/brinkwell/uds/internal/config"
	"github.com/brinkwell/uds/internal/uds"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	ix, err := uds.OpenIndex(uds.ModeCreate, config.Params{
		Path:     filepath.Join(t.TempDir(), "uds.vol"),
		MemoryGB: 0.0625,
		NumZones: 3,
	})
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	sess := NewSession(ix)
	t.Cleanup(func() { sess.Close() })
	return sess
}

func name(b byte) []byte {
	n := make([]byte, 32)
	for i := range n {
		n[i] = b
	}
	return n
}

func meta(b byte) []byte {
	m := make([]byte, 16)
	for i := range m {
		m[i] = b
	}
	return m
}

func TestSessionPostThenQuery(t *testing.T) {
	sess := newTestSession(t)
	ctx := context.Background()
	n := name(1)

	res := sess.Post(ctx, n, meta(0x11))
	if res.Err != nil {
		t.Fatalf("Post: %v", res.Err)
	}
	if res.Found {
		t.Error("Post on new name: Found = true, want false")
	}

	res = sess.Query(ctx, n)
	if res.Err != nil {
		t.Fatalf("Query: %v", res.Err)
	}
	if !res.Found {
		t.Fatal("Query after Post: Found = false, want true")
	}
	if !bytes.Equal(res.Metadata, meta(0x11)) {
		t.Errorf("Query metadata = %x, want %x", res.Metadata, meta(0x11))
	}
}

func TestSessionUpdateReturnsOldMetadata(t *testing.T) {
	sess := newTestSession(t)
	ctx := context.Background()
	n := name(2)

	if res := sess.Post(ctx, n, meta(1)); res.Err != nil {
		t.Fatalf("Post: %v", res.Err)
	}
	res := sess.Update(ctx, n, meta(2))
	if res.Err != nil {
		t.Fatalf("Update: %v", res.Err)
	}
	if !res.Found || !bytes.Equal(res.Metadata, meta(1)) {
		t.Errorf("Update = (found=%v, old=%x), want (true, %x)", res.Found, res.Metadata, meta(1))
	}
}

func TestSessionDeleteThenQueryMisses(t *testing.T) {
	sess := newTestSession(t)
	ctx := context.Background()
	n := name(3)

	sess.Post(ctx, n, meta(9))
	del := sess.Delete(ctx, n)
	if del.Err != nil {
		t.Fatalf("Delete: %v", del.Err)
	}
	if !del.Found {
		t.Fatal("Delete of posted name: Found = false, want true")
	}

	q := sess.Query(ctx, n)
	if q.Err != nil {
		t.Fatalf("Query: %v", q.Err)
	}
	if q.Found {
		t.Error("Query after Delete: Found = true, want false")
	}
}

func TestSessionConcurrentRequestsAcrossZones(t *testing.T) {
	sess := newTestSession(t)
	ctx := context.Background()

	const n = 500
	names := make([][]byte, n)
	for i := range names {
		b := make([]byte, 32)
		b[0] = byte(i)
		b[1] = byte(i >> 8)
		names[i] = b
	}

	done := make(chan error, n)
	for _, nm := range names {
		go func(nm []byte) {
			res := sess.Post(ctx, nm, meta(1))
			done <- res.Err
		}(nm)
	}
	for i := 0; i < n; i++ {
		if err := <-done; err != nil {
			t.Fatalf("Post: %v", err)
		}
	}

	if err := sess.FlushSession(ctx); err != nil {
		t.Fatalf("FlushSession: %v", err)
	}

	for _, nm := range names {
		res := sess.Query(ctx, nm)
		if res.Err != nil {
			t.Fatalf("Query: %v", res.Err)
		}
		if !res.Found {
			t.Errorf("Query(%x): Found = false, want true", nm)
		}
	}
}

func TestStartOperationRespectsContextCancellation(t *testing.T) {
	sess := newTestSession(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A canceled context should not be able to deliver a result (it may
	// still win the race against a fast consumer, so only assert that
	// no panic or deadlock occurs and the call returns promptly).
	done := make(chan struct{})
	go func() {
		sess.StartOperation(ctx, Query, name(4), nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("StartOperation with a canceled context did not return")
	}
}

func TestSessionCloseRejectsNewRequests(t *testing.T) {
	sess := newTestSession(t)
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	res := sess.Post(context.Background(), name(5), meta(1))
	if res.Err != ErrSessionClosed {
		t.Errorf("Post after Close: err = %v, want ErrSessionClosed", res.Err)
	}
}
