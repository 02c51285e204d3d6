package remfile

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/magland/remfile/pkg/diskcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newRangeServer serves data over HTTP(S) Range requests and counts GET
// requests, so tests can assert on cache behavior (e.g. "no network
// traffic on a repeat read").
func newRangeServer(t *testing.T, data []byte) (*httptest.Server, *int32) {
	t.Helper()

	var getCount int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			w.WriteHeader(http.StatusOK)

			return
		}

		atomic.AddInt32(&getCount, 1)

		var start, end int

		_, err := fmt.Sscanf(r.Header.Get("Range"), "bytes=%d-%d", &start, &end)
		require.NoError(t, err)

		if end >= len(data) {
			end = len(data) - 1
		}

		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[start : end+1])
	}))

	return srv, &getCount
}

func sequentialData(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 256)
	}

	return b
}

// Scenario 1: a small first read populates exactly one chunk.
func TestSmallFirstReadPopulatesOneChunk(t *testing.T) {
	data := sequentialData(1_000_000)
	srv, _ := newRangeServer(t, data)
	defer srv.Close()

	f, err := Open(srv.URL, WithMinChunkSize(1000))
	require.NoError(t, err)

	require.NoError(t, f.Seek(0, 0))
	got, err := f.Read(50)
	require.NoError(t, err)

	assert.Equal(t, data[:50], got)
	assert.Equal(t, 1, f.cache.Len())
	assert.True(t, f.cache.Has(0))
}

// Scenario 2: a large sequential read triggers prefetch window growth.
func TestLargeSequentialReadGrowsPrefetchWindow(t *testing.T) {
	data := sequentialData(1_000_000)
	srv, _ := newRangeServer(t, data)
	defer srv.Close()

	f, err := Open(srv.URL, WithMinChunkSize(1000))
	require.NoError(t, err)

	require.NoError(t, f.Seek(0, 0))
	got, err := f.Read(50_000)
	require.NoError(t, err)

	assert.Equal(t, data[:50_000], got)

	for c := int64(0); c < 50; c++ {
		assert.True(t, f.cache.Has(c), "expected chunk %d to be populated", c)
	}

	assert.Greater(t, f.controller.Window(), 1, "window should have grown past the cold-start value of 1")
}

// Scenario 3: bounded cache never exceeds its capacity and evicts FIFO.
func TestBoundedCacheNeverExceedsCapacity(t *testing.T) {
	chunkSize := 1000
	data := sequentialData(chunkSize * 25)
	srv, _ := newRangeServer(t, data)
	defer srv.Close()

	f, err := Open(srv.URL,
		WithMinChunkSize(chunkSize),
		WithMaxCacheSize(int64(10*chunkSize)),
		// Pin the prefetch window to a single chunk so this test isolates
		// eviction behavior from window-growth overshoot (a window fetch
		// larger than capacity/2 can transiently push the cache above
		// capacity until the next eviction pass; see DESIGN.md
		// "Eviction overshoot").
		WithMaxChunkSize(int64(chunkSize)),
	)
	require.NoError(t, err)

	for i := 0; i < 25; i++ {
		require.NoError(t, f.Seek(int64(i*chunkSize), 0))

		got, err := f.Read(chunkSize)
		require.NoError(t, err)
		assert.Equal(t, data[i*chunkSize:(i+1)*chunkSize], got)

		assert.LessOrEqual(t, f.cache.Len(), 10)
	}

	// The earliest chunks must have been evicted; the most recent ones
	// must still be resident.
	assert.False(t, f.cache.Has(0))
	assert.True(t, f.cache.Has(24))
}

// Scenario 4: every read completes correctly even when every first GET
// attempt is forced to fail.
func TestReadsSucceedDespiteForcedFirstAttemptFailures(t *testing.T) {
	data := sequentialData(10_000)
	srv, _ := newRangeServer(t, data)
	defer srv.Close()

	f, err := Open(srv.URL, WithMinChunkSize(1000), withDebugFailFirstAttempt())
	require.NoError(t, err)

	require.NoError(t, f.Seek(500, 0))
	got, err := f.Read(2000)
	require.NoError(t, err)

	assert.Equal(t, data[500:2500], got)
}

// Scenario 5: a persistent disk cache makes a second stream's read
// avoid the network entirely.
func TestDiskCacheAvoidsNetworkOnSecondOpen(t *testing.T) {
	data := sequentialData(10_000)
	srv, getCount := newRangeServer(t, data)
	defer srv.Close()

	store, err := diskcache.New(t.TempDir())
	require.NoError(t, err)

	f1, err := Open(srv.URL, WithMinChunkSize(1000), WithDiskCache(store))
	require.NoError(t, err)

	require.NoError(t, f1.Seek(0, 0))
	got1, err := f1.Read(500)
	require.NoError(t, err)
	assert.Equal(t, data[:500], got1)
	require.NoError(t, f1.Close())

	firstCount := atomic.LoadInt32(getCount)
	assert.Greater(t, firstCount, int32(0))

	f2, err := Open(srv.URL, WithMinChunkSize(1000), WithDiskCache(store))
	require.NoError(t, err)

	require.NoError(t, f2.Seek(0, 0))
	got2, err := f2.Read(500)
	require.NoError(t, err)
	assert.Equal(t, data[:500], got2)

	assert.Equal(t, firstCount, atomic.LoadInt32(getCount), "second stream must not issue any GET for already-cached bytes")
}

// Scenario 6: the final, possibly-short chunk is handled correctly.
func TestFinalShortChunkHandledCorrectly(t *testing.T) {
	length := 10_537 // not a multiple of min_chunk_size
	data := sequentialData(length)
	srv, _ := newRangeServer(t, data)
	defer srv.Close()

	f, err := Open(srv.URL, WithMinChunkSize(1000))
	require.NoError(t, err)

	require.NoError(t, f.Seek(int64(length-10), 0))
	got, err := f.Read(10)
	require.NoError(t, err)

	assert.Equal(t, data[length-10:], got)
}

func TestReadRequiresPositiveSize(t *testing.T) {
	data := sequentialData(100)
	srv, _ := newRangeServer(t, data)
	defer srv.Close()

	f, err := Open(srv.URL)
	require.NoError(t, err)

	_, err = f.Read(0)
	assert.Error(t, err)

	var argErr ArgumentError
	assert.ErrorAs(t, err, &argErr)
}

func TestSeekRejectsInvalidWhence(t *testing.T) {
	data := sequentialData(100)
	srv, _ := newRangeServer(t, data)
	defer srv.Close()

	f, err := Open(srv.URL)
	require.NoError(t, err)

	err = f.Seek(0, 3)
	assert.Error(t, err)
}

func TestSeekWhenceVariants(t *testing.T) {
	data := sequentialData(1000)
	srv, _ := newRangeServer(t, data)
	defer srv.Close()

	f, err := Open(srv.URL, WithMinChunkSize(100))
	require.NoError(t, err)

	require.NoError(t, f.Seek(10, 0))
	assert.EqualValues(t, 10, f.Tell())

	require.NoError(t, f.Seek(5, 1))
	assert.EqualValues(t, 15, f.Tell())

	require.NoError(t, f.Seek(-10, 2))
	assert.EqualValues(t, 990, f.Tell())
}

func TestIdempotentReadsHitCacheWithoutNetwork(t *testing.T) {
	data := sequentialData(10_000)
	srv, getCount := newRangeServer(t, data)
	defer srv.Close()

	f, err := Open(srv.URL, WithMinChunkSize(1000))
	require.NoError(t, err)

	require.NoError(t, f.Seek(0, 0))
	first, err := f.Read(100)
	require.NoError(t, err)

	afterFirst := atomic.LoadInt32(getCount)

	require.NoError(t, f.Seek(0, 0))
	second, err := f.Read(100)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, afterFirst, atomic.LoadInt32(getCount), "repeat read must be served entirely from cache")
}

func TestOpenFailsWithoutContentLength(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// No Content-Length header at all.
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := Open(srv.URL)
	require.Error(t, err)

	var openErr OpenError
	assert.ErrorAs(t, err, &openErr)
}

func TestMultiChunkReadAcrossBoundary(t *testing.T) {
	data := sequentialData(5000)
	srv, _ := newRangeServer(t, data)
	defer srv.Close()

	f, err := Open(srv.URL, WithMinChunkSize(1000))
	require.NoError(t, err)

	require.NoError(t, f.Seek(900, 0))
	got, err := f.Read(2200) // spans chunks 0, 1, 2, 3
	require.NoError(t, err)

	assert.Equal(t, data[900:900+2200], got)
}
