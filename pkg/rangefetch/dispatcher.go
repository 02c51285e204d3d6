package rangefetch

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultBytesPerThread is the default threshold below which a
	// dispatched range is fetched on a single goroutine.
	DefaultBytesPerThread = 4 * 1024 * 1024

	// DefaultMaxThreads is the default cap on sub-range goroutines.
	DefaultMaxThreads = 3
)

// Dispatcher implements the Parallel Range Dispatcher: given a
// contiguous byte range, it decides whether to issue a single fetch or
// split the range across worker goroutines, and reassembles the result
// in range order regardless of completion order.
//
// Sub-ranges are fanned out over an errgroup and collected into a
// pre-sized slice indexed by sub-range position, so reassembly never
// depends on which goroutine finishes first.
type Dispatcher struct {
	Source Source

	BytesPerThread int64
	MaxThreads     int
}

// NewDispatcher builds a Dispatcher with the default thresholds.
func NewDispatcher(source Source) *Dispatcher {
	return &Dispatcher{
		Source:         source,
		BytesPerThread: DefaultBytesPerThread,
		MaxThreads:     DefaultMaxThreads,
	}
}

type subRange struct {
	start, end int64
}

// FetchRange returns the bytes of the inclusive range [start, end],
// splitting it across up to MaxThreads goroutines when it is large
// enough to benefit. See plan for the splitting policy.
func (d *Dispatcher) FetchRange(ctx context.Context, start, end int64) ([]byte, error) {
	if end < start {
		return nil, fmt.Errorf("invalid range [%d, %d]", start, end)
	}

	n := end - start + 1

	ranges := d.plan(start, end, n)
	if len(ranges) == 1 {
		return d.Source.Fetch(ctx, ranges[0].start, ranges[0].end)
	}

	results := make([][]byte, len(ranges))

	g, gctx := errgroup.WithContext(ctx)
	for i, r := range ranges {
		i, r := i, r

		g.Go(func() error {
			b, err := d.Source.Fetch(gctx, r.start, r.end)
			if err != nil {
				return fmt.Errorf("sub-range [%d, %d] failed: %w", r.start, r.end, err)
			}

			results[i] = b

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]byte, 0, n)
	for _, b := range results {
		out = append(out, b...)
	}

	return out, nil
}

// plan partitions [start, end] into contiguous sub-ranges: a single
// range below 2*BytesPerThread, otherwise T = min(n/BytesPerThread,
// MaxThreads) equal-sized sub-ranges with the remainder folded into the
// last one.
func (d *Dispatcher) plan(start, end, n int64) []subRange {
	bytesPerThread := d.BytesPerThread
	if bytesPerThread <= 0 {
		bytesPerThread = DefaultBytesPerThread
	}

	maxThreads := d.MaxThreads
	if maxThreads <= 0 {
		maxThreads = DefaultMaxThreads
	}

	if n < 2*bytesPerThread {
		return []subRange{{start, end}}
	}

	threads := int(n / bytesPerThread)
	if threads > maxThreads {
		threads = maxThreads
	}

	if threads < 1 {
		threads = 1
	}

	ranges := make([]subRange, threads)
	sub := n / int64(threads)
	a := start

	for i := 0; i < threads; i++ {
		var b int64
		if i == threads-1 {
			b = end
		} else {
			b = a + sub - 1
		}

		ranges[i] = subRange{a, b}
		a = b + 1
	}

	return ranges
}
