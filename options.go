package remfile

import "context"

const (
	// DefaultMinChunkSize is the default unit of caching and range
	// request granularity (100 KiB).
	DefaultMinChunkSize = 100 * 1024

	// DefaultMaxCacheSize is the default bound, in bytes, on the
	// in-memory cache (100 MB).
	DefaultMaxCacheSize = 100_000_000

	// DefaultChunkIncrementFactor is the default prefetch window growth
	// factor, alpha.
	DefaultChunkIncrementFactor = 1.7

	// DefaultBytesPerThread is the default threshold below which a
	// dispatched range is fetched on a single goroutine.
	DefaultBytesPerThread = 4 * 1024 * 1024

	// DefaultMaxThreads is the default cap on sub-range goroutines.
	DefaultMaxThreads = 3

	// DefaultMaxChunkSize is the default bound, in bytes, on one
	// dispatched prefetch window (100 MiB).
	DefaultMaxChunkSize = 100 * 1024 * 1024
)

// PersistentStore is the collaborator interface for the optional
// Persistent Chunk Store. *diskcache.Store satisfies it; callers may
// supply any implementation with the same crash-safety guarantee (a
// missing key is simply a miss).
type PersistentStore interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, data []byte) error
}

type options struct {
	ctx                   context.Context
	verbose               bool
	diskCache             PersistentStore
	minChunkSize          int
	maxCacheSize          int64
	chunkIncrementFactor  float64
	bytesPerThread        int64
	maxThreads            int
	maxChunkSize          int64
	debugFailFirstAttempt bool
}

func defaultOptions() options {
	return options{
		ctx:                  context.Background(),
		minChunkSize:         DefaultMinChunkSize,
		maxCacheSize:         DefaultMaxCacheSize,
		chunkIncrementFactor: DefaultChunkIncrementFactor,
		bytesPerThread:       DefaultBytesPerThread,
		maxThreads:           DefaultMaxThreads,
		maxChunkSize:         DefaultMaxChunkSize,
	}
}

// Option configures a stream at Open time.
type Option func(*options)

// WithContext sets the context used for the stream's HEAD request and
// every subsequent range fetch. Defaults to context.Background().
func WithContext(ctx context.Context) Option {
	return func(o *options) { o.ctx = ctx }
}

// WithVerbose emits diagnostic traces on prefetch decisions and
// retries.
func WithVerbose(verbose bool) Option {
	return func(o *options) { o.verbose = verbose }
}

// WithDiskCache attaches a Persistent Chunk Store, consulted on every
// cache miss before falling back to a range fetch.
func WithDiskCache(store PersistentStore) Option {
	return func(o *options) { o.diskCache = store }
}

// WithMinChunkSize sets the unit of caching and the granularity of
// range requests. Default 100 KiB.
func WithMinChunkSize(n int) Option {
	return func(o *options) { o.minChunkSize = n }
}

// WithMaxCacheSize bounds the in-memory cache's size in bytes; capacity
// in chunks is this divided by MinChunkSize. Default 100 MB.
func WithMaxCacheSize(n int64) Option {
	return func(o *options) { o.maxCacheSize = n }
}

// WithChunkIncrementFactor sets alpha, the prefetch window's growth
// factor on sequential access. Default 1.7.
func WithChunkIncrementFactor(alpha float64) Option {
	return func(o *options) { o.chunkIncrementFactor = alpha }
}

// WithBytesPerThread sets the threshold below which a dispatched range
// is fetched on a single goroutine. Default 4 MiB.
func WithBytesPerThread(n int64) Option {
	return func(o *options) { o.bytesPerThread = n }
}

// WithMaxThreads bounds the number of parallel sub-range fetches per
// dispatched range. Default 3.
func WithMaxThreads(n int) Option {
	return func(o *options) { o.maxThreads = n }
}

// WithMaxChunkSize bounds the byte size of one dispatched prefetch
// window. Default 100 MiB.
func WithMaxChunkSize(n int64) Option {
	return func(o *options) { o.maxChunkSize = n }
}

// withDebugFailFirstAttempt corrupts the outgoing URL on the first
// attempt of every HTTP fetch, to exercise the retry path. Unexported:
// it is for this module's own tests.
func withDebugFailFirstAttempt() Option {
	return func(o *options) { o.debugFailFirstAttempt = true }
}
