// Package remfile provides a seekable, read-only, file-like view over a
// remote object served by an HTTP(S) endpoint (or a GCS bucket object)
// that honors byte-range requests. It is built for consumers of
// hierarchical binary container formats that perform many small,
// seek-heavy reads scattered across a large file: an adaptive
// prefetch window, an in-memory chunk cache, and an optional on-disk
// cache make those reads behave as if the file were local, without
// ever downloading it in full.
package remfile

import (
	"context"
	"log"

	"github.com/magland/remfile/pkg/chunkcache"
	"github.com/magland/remfile/pkg/diskcache"
	"github.com/magland/remfile/pkg/prefetch"
	"github.com/magland/remfile/pkg/rangefetch"
)

// File is a seekable byte stream over a remote object. It exposes
// position, length, seek, and read; internally it translates
// read(offset, size) into chunk index ranges, drives the cache and
// prefetch controller, and assembles the final byte buffer. A File is
// not safe for concurrent use by multiple goroutines.
type File struct {
	// Length is the remote object's size in bytes, established once at
	// Open time by a HEAD request.
	Length int64

	url          string
	ctx          context.Context
	verbose      bool
	minChunkSize int

	dispatcher *rangefetch.Dispatcher
	cache      *chunkcache.Cache
	controller *prefetch.Controller
	diskCache  PersistentStore

	position int64
}

// Open issues a HEAD request against url to establish its length, then
// returns a ready-to-read stream. It fails with OpenError if the HEAD
// request fails or Content-Length is absent or invalid.
func Open(url string, opts ...Option) (*File, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	var source rangefetch.Source
	if o.debugFailFirstAttempt {
		source = rangefetch.NewHTTPSourceForTesting(url, o.verbose)
	} else {
		source = rangefetch.NewHTTPSource(url, o.verbose)
	}

	return open(o.ctx, url, source, o)
}

// OpenSource returns a stream reading from an arbitrary Source (for
// example a *rangefetch.GCSSource) rather than an HTTP(S) URL. name is
// used only to namespace persistent cache keys.
func OpenSource(name string, source rangefetch.Source, opts ...Option) (*File, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return open(o.ctx, name, source, o)
}

func open(ctx context.Context, name string, source rangefetch.Source, o options) (*File, error) {
	length, err := source.Size(ctx)
	if err != nil {
		return nil, OpenError{URL: name, Err: err}
	}

	dispatcher := rangefetch.NewDispatcher(source)
	dispatcher.BytesPerThread = o.bytesPerThread
	dispatcher.MaxThreads = o.maxThreads

	maxChunksInCache := int(o.maxCacheSize / int64(o.minChunkSize))
	maxWindow := int(o.maxChunkSize / int64(o.minChunkSize))

	return &File{
		Length:       length,
		url:          name,
		ctx:          ctx,
		verbose:      o.verbose,
		minChunkSize: o.minChunkSize,
		dispatcher:   dispatcher,
		cache:        chunkcache.New(maxChunksInCache),
		controller:   prefetch.New(o.chunkIncrementFactor, maxWindow),
		diskCache:    o.diskCache,
	}, nil
}

// Read returns exactly size bytes starting at the current position and
// advances the position by size. size must be greater than zero:
// unlike traditional byte streams, unbounded reads are not supported.
// A read that runs past Length fails rather than returning fewer bytes.
// Position is advanced only on a successful read.
func (f *File) Read(size int) ([]byte, error) {
	if size <= 0 {
		return nil, ArgumentError{Msg: "read size must be greater than zero"}
	}

	s := int64(f.minChunkSize)
	c0 := f.position / s
	c1 := (f.position + int64(size) - 1) / s

	for c := c0; c <= c1; c++ {
		if err := f.ensureChunk(c); err != nil {
			return nil, err
		}
	}

	buf := make([]byte, 0, size)
	remaining := size

	for c := c0; c <= c1; c++ {
		chunk, _ := f.cache.Get(c)

		start := 0
		if c == c0 {
			start = int(f.position % s)
		}

		length := len(chunk) - start
		if c == c1 && remaining < length {
			length = remaining
		}

		if start < 0 || length < 0 || start+length > len(chunk) {
			return nil, ArgumentError{Msg: "read extends past the end of the remote object"}
		}

		buf = append(buf, chunk[start:start+length]...)
		remaining -= length
	}

	if remaining > 0 {
		return nil, ArgumentError{Msg: "read extends past the end of the remote object"}
	}

	f.position += int64(size)
	f.cache.Evict()

	return buf, nil
}

// ensureChunk makes sure chunkIndex is present in the in-memory cache,
// consulting the disk cache and driving the prefetch controller on a
// miss.
func (f *File) ensureChunk(chunkIndex int64) error {
	if f.cache.Has(chunkIndex) {
		f.controller.OnHit(chunkIndex)
		return nil
	}

	if f.diskCache != nil {
		key := diskcache.Key(f.url, f.minChunkSize, chunkIndex)

		data, found, err := f.diskCache.Get(key)
		if err != nil {
			if f.verbose {
				log.Printf("remfile: treating as miss: %v", CacheError{Op: "get", Key: key, Err: err})
			}
		} else if found {
			f.cache.Put(chunkIndex, data)
			f.controller.OnHit(chunkIndex)

			return nil
		}
	}

	window := f.controller.OnMiss(chunkIndex, func(j int64) bool {
		return f.cache.Has(chunkIndex + j)
	})

	s := int64(f.minChunkSize)
	dataStart := chunkIndex * s
	dataEnd := dataStart + s*int64(window) - 1

	if dataEnd >= f.Length {
		dataEnd = f.Length - 1
	}

	if f.verbose {
		log.Printf("remfile: loading %d chunk(s) starting at %d (%d bytes)", window, chunkIndex, dataEnd-dataStart+1)
	}

	data, err := f.dispatcher.FetchRange(f.ctx, dataStart, dataEnd)
	if err != nil {
		return TransportError{URL: f.url, Start: dataStart, End: dataEnd, Err: err}
	}

	for i := 0; i < window; i++ {
		lo := int64(i) * s
		if lo >= int64(len(data)) {
			break
		}

		hi := lo + s
		if hi > int64(len(data)) {
			hi = int64(len(data))
		}

		idx := chunkIndex + int64(i)
		piece := data[lo:hi]

		f.cache.Put(idx, piece)

		if f.diskCache != nil {
			key := diskcache.Key(f.url, f.minChunkSize, idx)
			if putErr := f.diskCache.Put(key, piece); putErr != nil && f.verbose {
				log.Printf("remfile: non-fatal: %v", CacheError{Op: "put", Key: key, Err: putErr})
			}
		}
	}

	return nil
}

// Seek sets the position for the next Read. whence 0 is absolute, 1 is
// relative to the current position, and 2 is relative to Length. No
// bounds validation is performed; reads from an out-of-range position
// fail naturally when the underlying fetch does.
func (f *File) Seek(offset int64, whence int) error {
	switch whence {
	case 0:
		f.position = offset
	case 1:
		f.position += offset
	case 2:
		f.position = f.Length + offset
	default:
		return ArgumentError{Msg: "whence must be 0, 1, or 2"}
	}

	return nil
}

// Tell returns the current position.
func (f *File) Tell() int64 {
	return f.position
}

// Close releases the stream's in-memory resources. The Persistent
// Chunk Store, if any, is not touched: it is shared by reference and
// may outlive this stream.
func (f *File) Close() error {
	f.cache = chunkcache.New(1)
	return nil
}
