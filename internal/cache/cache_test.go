package cache

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testChunkSize = 16

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	dir := t.TempDir()
	c, err := New(dir, testChunkSize, 1<<30, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestWriteThenReadChunkRoundTrips(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	data := []byte("0123456789abcdef")
	if err := c.WriteChunk(ctx, "file-1", 32, "vorbis", 0, data); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}

	if !c.HasChunk("file-1", 0) {
		t.Fatal("expected chunk 0 to be cached")
	}
	got, err := c.ReadChunk("file-1", 0)
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("got %q, want %q", got, data)
	}
}

func TestWriteChunkIsIdempotent(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if err := c.WriteChunk(ctx, "file-1", 16, "vorbis", 0, []byte("first-version-16")); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if err := c.WriteChunk(ctx, "file-1", 16, "vorbis", 0, []byte("second-version-16")); err != nil {
		t.Fatalf("WriteChunk (second): %v", err)
	}

	got, err := c.ReadChunk("file-1", 0)
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if string(got) != "first-version-16" {
		t.Fatalf("second write should have been a no-op, got %q", got)
	}
}

func TestOpenCompleteRequiresAllChunks(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	fileSize := int64(testChunkSize * 3)

	if err := c.WriteChunk(ctx, "file-1", fileSize, "vorbis", 0, bytes.Repeat([]byte("a"), testChunkSize)); err != nil {
		t.Fatalf("WriteChunk 0: %v", err)
	}
	if _, err := c.OpenComplete("file-1"); err != ErrNotComplete {
		t.Fatalf("got %v, want ErrNotComplete", err)
	}

	if err := c.WriteChunk(ctx, "file-1", fileSize, "vorbis", 1, bytes.Repeat([]byte("b"), testChunkSize)); err != nil {
		t.Fatalf("WriteChunk 1: %v", err)
	}
	if err := c.WriteChunk(ctx, "file-1", fileSize, "vorbis", 2, bytes.Repeat([]byte("c"), testChunkSize)); err != nil {
		t.Fatalf("WriteChunk 2: %v", err)
	}

	r, err := c.OpenComplete("file-1")
	if err != nil {
		t.Fatalf("OpenComplete: %v", err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	want := bytes.Repeat([]byte("a"), testChunkSize)
	want = append(want, bytes.Repeat([]byte("b"), testChunkSize)...)
	want = append(want, bytes.Repeat([]byte("c"), testChunkSize)...)
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestChunkRangeCoversFinalShortChunk(t *testing.T) {
	start, end := ChunkRange(40, 16, 2)
	if start != 32 || end != 40 {
		t.Fatalf("got [%d,%d), want [32,40)", start, end)
	}
}

func TestPruneToEvictsLeastRecentlyAccessedFirst(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if err := c.WriteChunk(ctx, "old-file", testChunkSize, "vorbis", 0, bytes.Repeat([]byte("a"), testChunkSize)); err != nil {
		t.Fatalf("WriteChunk old: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := c.WriteChunk(ctx, "new-file", testChunkSize, "vorbis", 0, bytes.Repeat([]byte("b"), testChunkSize)); err != nil {
		t.Fatalf("WriteChunk new: %v", err)
	}

	// Touch old-file's read time to be older than new-file's write/access.
	c.mu.Lock()
	c.entries["old-file"].lastAccessed = time.Now().Add(-time.Hour)
	c.mu.Unlock()

	if err := c.PruneTo(ctx, testChunkSize); err != nil {
		t.Fatalf("PruneTo: %v", err)
	}

	if c.HasChunk("old-file", 0) {
		t.Fatal("old-file should have been evicted")
	}
	if !c.HasChunk("new-file", 0) {
		t.Fatal("new-file should have survived the prune")
	}
}

func TestClearRemovesEverything(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	if err := c.WriteChunk(ctx, "file-1", testChunkSize, "vorbis", 0, bytes.Repeat([]byte("a"), testChunkSize)); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if err := c.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if c.HasChunk("file-1", 0) {
		t.Fatal("expected chunk to be gone after Clear")
	}
}

func TestChunkReaderSeekMidChunk(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	fileSize := int64(testChunkSize * 2)

	if err := c.WriteChunk(ctx, "file-1", fileSize, "vorbis", 0, bytes.Repeat([]byte("a"), testChunkSize)); err != nil {
		t.Fatalf("WriteChunk 0: %v", err)
	}
	if err := c.WriteChunk(ctx, "file-1", fileSize, "vorbis", 1, bytes.Repeat([]byte("b"), testChunkSize)); err != nil {
		t.Fatalf("WriteChunk 1: %v", err)
	}

	r, err := c.OpenComplete("file-1")
	if err != nil {
		t.Fatalf("OpenComplete: %v", err)
	}
	if err := r.Seek(testChunkSize + 4); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	want := bytes.Repeat([]byte("b"), testChunkSize-4)
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestStartupSweepDropsMissingChunkFile(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, testChunkSize, 1<<30, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := c.WriteChunk(ctx, "file-1", testChunkSize*2, "vorbis", 0, bytes.Repeat([]byte("a"), testChunkSize)); err != nil {
		t.Fatalf("WriteChunk 0: %v", err)
	}
	if err := c.WriteChunk(ctx, "file-1", testChunkSize*2, "vorbis", 1, bytes.Repeat([]byte("b"), testChunkSize)); err != nil {
		t.Fatalf("WriteChunk 1: %v", err)
	}
	if err := c.persistMetadata("file-1", c.entries["file-1"]); err != nil {
		t.Fatalf("persistMetadata: %v", err)
	}
	c.Close()

	// Delete chunk 1's backing file behind the cache's back.
	if err := os.Remove(chunkPath(filepath.Join(dir, "audio", dirFor("file-1")), 1)); err != nil {
		t.Fatalf("os.Remove: %v", err)
	}

	c2, err := New(dir, testChunkSize, 1<<30, 0)
	if err != nil {
		t.Fatalf("New (reload): %v", err)
	}
	defer c2.Close()

	if !c2.HasChunk("file-1", 0) {
		t.Fatal("chunk 0 should have survived the sweep")
	}
	if c2.HasChunk("file-1", 1) {
		t.Fatal("chunk 1 should have been dropped by the sweep (missing file)")
	}
}
