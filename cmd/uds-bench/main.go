// Command uds-bench drives a mix of POST and QUERY requests
// against a freshly created index and reports throughput and latency,
// the way tk-bench drives the ticket CLI's own mutations.
//
// Usage:
//
//	uds-bench [--path=...] [--memory-gb=N] [--zones=N] [--requests=N] [--read-fraction=0.5]
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/brinkwell/uds/internal/config"
	"github.com/brinkwell/uds/internal/request"
	"github.com/brinkwell/uds/internal/uds"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flagSet := flag.NewFlagSet("uds-bench", flag.ContinueOnError)
	path := flagSet.String("path", "", "backing file path; a temp file is used when empty")
	memoryGB := flagSet.Float64("memory-gb", 0.25, "memory preset")
	zones := flagSet.Int("zones", 4, "number of zones")
	requests := flagSet.Int("requests", 200000, "total number of requests to issue")
	readFraction := flagSet.Float64("read-fraction", 0.5, "fraction of requests that are QUERY rather than POST")
	flagSet.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: uds-bench [flags]")
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	benchPath := *path
	if benchPath == "" {
		f, err := os.CreateTemp("", "uds-bench-*.vol")
		if err != nil {
			fmt.Fprintf(os.Stderr, "uds-bench: %v\n", err)
			return 1
		}
		benchPath = f.Name()
		f.Close()
		defer os.Remove(benchPath)
	}

	ix, err := uds.OpenIndex(uds.ModeCreate, config.Params{
		Path:     benchPath,
		MemoryGB: *memoryGB,
		NumZones: *zones,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "uds-bench: open index: %v\n", err)
		return 1
	}

	sess := request.NewSession(ix)
	defer sess.Close()

	result := runMix(sess, *requests, *readFraction, *zones)
	result.print()
	return 0
}

type benchResult struct {
	requests  int
	elapsed   time.Duration
	latencies []time.Duration
}

func (r benchResult) print() {
	sort.Slice(r.latencies, func(i, j int) bool { return r.latencies[i] < r.latencies[j] })
	p50 := percentile(r.latencies, 0.50)
	p99 := percentile(r.latencies, 0.99)
	throughput := float64(r.requests) / r.elapsed.Seconds()

	fmt.Printf("requests=%d elapsed=%s throughput=%.0f req/s p50=%s p99=%s\n",
		r.requests, r.elapsed, throughput, p50, p99)
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

// runMix issues n requests, readFraction of them QUERY of an earlier name
// in the worker's range (which may itself have been a QUERY slot and so
// never posted) and the rest POST of fresh names, spread across a
// worker per zone the way the teacher's cache-stress benchmarks spread
// work across goroutines per dataset size class.
func runMix(sess *request.Session, n int, readFraction float64, workers int) benchResult {
	ctx := context.Background()
	names := make([][]byte, n)
	for i := range names {
		names[i] = randomName()
	}

	var mu sync.Mutex
	var latencies []time.Duration
	var wg sync.WaitGroup

	chunk := n / workers
	if chunk == 0 {
		chunk = n
		workers = 1
	}

	start := time.Now()
	for w := 0; w < workers; w++ {
		lo := w * chunk
		hi := lo + chunk
		if w == workers-1 {
			hi = n
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			var local []time.Duration
			for i := lo; i < hi; i++ {
				t0 := time.Now()
				if i > lo && readFraction > 0 && float64(i%100)/100 < readFraction {
					sess.Query(ctx, names[lo+(i-lo)/2])
				} else {
					sess.Post(ctx, names[i], make([]byte, 16))
				}
				local = append(local, time.Since(t0))
			}
			mu.Lock()
			latencies = append(latencies, local...)
			mu.Unlock()
		}(lo, hi)
	}
	wg.Wait()
	elapsed := time.Since(start)

	if err := sess.FlushSession(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "uds-bench: flush: %v\n", err)
	}

	return benchResult{requests: n, elapsed: elapsed, latencies: latencies}
}

func randomName() []byte {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return b
}
