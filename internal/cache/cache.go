// Package cache implements AudioCache: a content-addressed, chunked
// on-disk cache for already-encrypted audio bytes (§4.10). Each file is
// split into fixed-size chunks that can be fetched, stored, and pruned
// independently, with a JSON metadata sidecar tracking which chunks are
// present and when the file was last touched.
package cache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"connectclient/internal/cryptoutil"
)

// DefaultChunkSize is the chunk size used when none is configured
// (§4.10: "default 128 KiB").
const DefaultChunkSize = 128 * 1024

// maxConcurrentIO bounds the number of chunk writes/prune sweeps the
// cache performs at once.
const maxConcurrentIO = 4

// metadataFlushInterval is how many newly written chunks accumulate
// before metadata is persisted (§4.10: "every 10 new chunks").
const metadataFlushInterval = 10

// ErrNotComplete is returned by OpenComplete when the file doesn't yet
// have every chunk cached.
var ErrNotComplete = errors.New("cache: file is not fully cached")

// ErrChunkMissing is returned by ReadChunk when the requested chunk
// isn't cached.
var ErrChunkMissing = errors.New("cache: chunk not cached")

// sidecar is the on-disk JSON shape for one cached file's metadata.
type sidecar struct {
	FileID       string `json:"fileId"`
	FileSize     int64  `json:"fileSize"`
	ChunkSize    int    `json:"chunkSize"`
	Format       string `json:"format"`
	CachedChunks []int  `json:"cachedChunks"`
	LastAccessed string `json:"lastAccessed"`
}

// entry is the in-memory state for one cached file, guarded by
// Cache.mu for map-level fields and its own writeMu for single-writer
// chunk writes.
type entry struct {
	fileSize     int64
	format       string
	chunks       map[int]bool
	lastAccessed time.Time
	sinceFlush   int

	writeMu sync.Mutex
}

// Cache is AudioCache: chunked content storage rooted at dir/audio,
// with background LRU pruning to stay under a configured byte budget.
type Cache struct {
	dir       string
	chunkSize int
	targetSz  int64

	mu      sync.Mutex
	entries map[string]*entry

	sem *semaphore.Weighted

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a Cache rooted at dir, using chunkSize (or
// DefaultChunkSize if zero), pruning in the background every
// pruneInterval to stay at or under targetBytes. It performs a startup
// integrity sweep, dropping any chunk whose backing file is missing or
// the wrong size.
func New(dir string, chunkSize int, targetBytes int64, pruneInterval time.Duration) (*Cache, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	root := filepath.Join(dir, "audio")
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("cache: create root: %w", err)
	}

	c := &Cache{
		dir:       root,
		chunkSize: chunkSize,
		targetSz:  targetBytes,
		entries:   make(map[string]*entry),
		sem:       semaphore.NewWeighted(maxConcurrentIO),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	c.sweep()

	if pruneInterval > 0 {
		go c.pruneLoop(pruneInterval)
	} else {
		close(c.doneCh)
	}
	return c, nil
}

// Close stops the background prune loop.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
}

func (c *Cache) pruneLoop(interval time.Duration) {
	defer close(c.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.PruneTo(context.Background(), c.targetSz); err != nil {
				slog.Warn("cache: background prune failed", "error", err)
			}
		}
	}
}

// chunkCount returns how many chunks a file of fileSize splits into
// under chunkSize.
func chunkCount(fileSize int64, chunkSize int) int {
	if fileSize <= 0 {
		return 0
	}
	return int((fileSize + int64(chunkSize) - 1) / int64(chunkSize))
}

// ChunkRange returns the half-open byte range [start, end) chunk i
// covers within a file of fileSize.
func ChunkRange(fileSize int64, chunkSize, i int) (start, end int64) {
	start = int64(i) * int64(chunkSize)
	end = start + int64(chunkSize)
	if end > fileSize {
		end = fileSize
	}
	return start, end
}

// dirFor returns the content-addressed directory name for fileID.
func dirFor(fileID string) string {
	return hex.EncodeToString(cryptoutil.SHA1([]byte(fileID)))
}

func (c *Cache) entryDir(fileID string) string { return filepath.Join(c.dir, dirFor(fileID)) }
func chunkPath(entryDir string, i int) string  { return filepath.Join(entryDir, fmt.Sprintf("%04d.chunk", i)) }
func metaPath(entryDir string) string          { return filepath.Join(entryDir, "metadata.json") }

// HasChunk reports whether chunk i of fileID is cached.
func (c *Cache) HasChunk(fileID string, i int) bool {
	c.mu.Lock()
	e, ok := c.entries[fileID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.chunks[i]
}

// ReadChunk returns chunk i's bytes, updating the file's last-accessed
// time. Returns ErrChunkMissing if the chunk isn't cached.
func (c *Cache) ReadChunk(fileID string, i int) ([]byte, error) {
	c.mu.Lock()
	e, ok := c.entries[fileID]
	c.mu.Unlock()
	if !ok || !e.chunks[i] {
		return nil, ErrChunkMissing
	}

	data, err := os.ReadFile(chunkPath(c.entryDir(fileID), i))
	if err != nil {
		return nil, fmt.Errorf("cache: read chunk %d of %s: %w", i, fileID, err)
	}

	e.writeMu.Lock()
	e.lastAccessed = time.Now().UTC()
	e.writeMu.Unlock()
	return data, nil
}

// WriteChunk stores chunk i of fileID (fileSize/format describe the
// whole file). Writes are single-writer per file and idempotent:
// calling WriteChunk for an already-cached chunk is a no-op. Metadata
// is persisted every metadataFlushInterval newly written chunks.
func (c *Cache) WriteChunk(ctx context.Context, fileID string, fileSize int64, format string, i int, data []byte) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.sem.Release(1)

	e := c.entryFor(fileID, fileSize, format)

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.chunks[i] {
		return nil
	}

	entryDir := c.entryDir(fileID)
	if err := os.MkdirAll(entryDir, 0o750); err != nil {
		return fmt.Errorf("cache: create entry dir: %w", err)
	}
	if err := writeFileAtomic(chunkPath(entryDir, i), data); err != nil {
		return fmt.Errorf("cache: write chunk %d of %s: %w", i, fileID, err)
	}

	e.chunks[i] = true
	e.lastAccessed = time.Now().UTC()
	e.sinceFlush++
	if e.sinceFlush >= metadataFlushInterval {
		e.sinceFlush = 0
		if err := c.persistMetadata(fileID, e); err != nil {
			slog.Warn("cache: persist metadata failed", "file_id", fileID, "error", err)
		}
	}
	return nil
}

func (c *Cache) entryFor(fileID string, fileSize int64, format string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[fileID]
	if !ok {
		e = &entry{fileSize: fileSize, format: format, chunks: make(map[int]bool)}
		c.entries[fileID] = e
	}
	return e
}

// IsComplete reports whether every chunk of fileID has been cached.
func (c *Cache) IsComplete(fileID string) bool {
	c.mu.Lock()
	e, ok := c.entries[fileID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return len(e.chunks) == chunkCount(e.fileSize, c.chunkSize) && e.fileSize > 0
}

// OpenComplete returns a sequential reader over every chunk of fileID,
// in order. It fails with ErrNotComplete unless the file is fully
// cached.
func (c *Cache) OpenComplete(fileID string) (*ChunkReader, error) {
	if !c.IsComplete(fileID) {
		return nil, ErrNotComplete
	}
	c.mu.Lock()
	e := c.entries[fileID]
	c.mu.Unlock()
	return &ChunkReader{cache: c, fileID: fileID, total: chunkCount(e.fileSize, c.chunkSize)}, nil
}

// ChunkReader sequentially reads every chunk of a fully-cached file.
type ChunkReader struct {
	cache  *Cache
	fileID string
	total  int

	idx int
	buf []byte
}

// Seek repositions the reader to byteOffset from the start of the
// file, discarding any buffered partial chunk and reading forward into
// the target chunk if the offset falls mid-chunk.
func (r *ChunkReader) Seek(byteOffset int64) error {
	if byteOffset < 0 {
		return fmt.Errorf("cache: negative seek offset")
	}
	chunkSize := r.cache.chunkSize
	idx := int(byteOffset / int64(chunkSize))
	within := int(byteOffset % int64(chunkSize))
	if idx >= r.total {
		r.idx = r.total
		r.buf = nil
		return nil
	}

	r.buf = nil
	r.idx = idx
	if within == 0 {
		return nil
	}
	chunk, err := r.cache.ReadChunk(r.fileID, idx)
	if err != nil {
		return err
	}
	if within > len(chunk) {
		within = len(chunk)
	}
	r.buf = chunk[within:]
	r.idx++
	return nil
}

func (r *ChunkReader) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if len(r.buf) == 0 {
			if r.idx >= r.total {
				if n > 0 {
					return n, nil
				}
				return 0, io.EOF
			}
			chunk, err := r.cache.ReadChunk(r.fileID, r.idx)
			if err != nil {
				return n, err
			}
			r.buf = chunk
			r.idx++
		}
		copied := copy(p[n:], r.buf)
		r.buf = r.buf[copied:]
		n += copied
	}
	return n, nil
}

// PruneTo evicts whole cached files, least-recently-accessed first,
// until the total on-disk size is at or below targetBytes.
func (c *Cache) PruneTo(ctx context.Context, targetBytes int64) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.sem.Release(1)

	type candidate struct {
		fileID string
		size   int64
		last   time.Time
	}

	c.mu.Lock()
	candidates := make([]candidate, 0, len(c.entries))
	var total int64
	for id, e := range c.entries {
		e.writeMu.Lock()
		size := int64(len(e.chunks)) * int64(c.chunkSize)
		candidates = append(candidates, candidate{id, size, e.lastAccessed})
		total += size
		e.writeMu.Unlock()
	}
	c.mu.Unlock()

	if total <= targetBytes {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].last.Before(candidates[j].last) })

	for _, cand := range candidates {
		if total <= targetBytes {
			break
		}
		if err := c.evict(cand.fileID); err != nil {
			slog.Warn("cache: evict failed during prune", "file_id", cand.fileID, "error", err)
			continue
		}
		total -= cand.size
	}
	return nil
}

func (c *Cache) evict(fileID string) error {
	c.mu.Lock()
	delete(c.entries, fileID)
	c.mu.Unlock()
	return os.RemoveAll(c.entryDir(fileID))
}

// Clear removes every cached file.
func (c *Cache) Clear() error {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.mu.Unlock()
	if err := os.RemoveAll(c.dir); err != nil {
		return fmt.Errorf("cache: clear: %w", err)
	}
	return os.MkdirAll(c.dir, 0o750)
}

// persistMetadata rewrites fileID's metadata.json in full (never
// appended), matching the teacher's temp-file-then-rename atomic write
// idiom.
func (c *Cache) persistMetadata(fileID string, e *entry) error {
	chunks := make([]int, 0, len(e.chunks))
	for i := range e.chunks {
		chunks = append(chunks, i)
	}
	sort.Ints(chunks)

	sc := sidecar{
		FileID:       fileID,
		FileSize:     e.fileSize,
		ChunkSize:    c.chunkSize,
		Format:       e.format,
		CachedChunks: chunks,
		LastAccessed: e.lastAccessed.Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return err
	}
	entryDir := c.entryDir(fileID)
	if err := os.MkdirAll(entryDir, 0o750); err != nil {
		return err
	}
	return writeFileAtomic(metaPath(entryDir), data)
}

// sweep reloads every on-disk entry's metadata at startup, dropping
// any chunk whose backing file is missing or the wrong size.
func (c *Cache) sweep() {
	dirEntries, err := os.ReadDir(c.dir)
	if err != nil {
		return
	}
	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		entryDir := filepath.Join(c.dir, de.Name())
		raw, err := os.ReadFile(metaPath(entryDir))
		if err != nil {
			continue
		}
		var sc sidecar
		if err := json.Unmarshal(raw, &sc); err != nil {
			slog.Warn("cache: dropping unreadable metadata", "dir", entryDir, "error", err)
			continue
		}

		e := &entry{fileSize: sc.FileSize, format: sc.Format, chunks: make(map[int]bool)}
		if t, err := time.Parse(time.RFC3339, sc.LastAccessed); err == nil {
			e.lastAccessed = t
		}

		changed := false
		for _, i := range sc.CachedChunks {
			start, end := ChunkRange(sc.FileSize, sc.ChunkSize, i)
			want := end - start
			info, err := os.Stat(chunkPath(entryDir, i))
			if err != nil || info.Size() != want {
				changed = true
				continue
			}
			e.chunks[i] = true
		}

		c.mu.Lock()
		c.entries[sc.FileID] = e
		c.mu.Unlock()

		if changed {
			if err := c.persistMetadata(sc.FileID, e); err != nil {
				slog.Warn("cache: rewrite metadata after sweep failed", "file_id", sc.FileID, "error", err)
			}
		}
	}
}

// writeFileAtomic writes data to path by writing a temp file in the
// same directory and renaming it into place, so a crash mid-write
// never leaves a corrupt file at path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".cache-write-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil {
		_ = os.Remove(tmpPath)
		return writeErr
	}
	if closeErr != nil {
		_ = os.Remove(tmpPath)
		return closeErr
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
