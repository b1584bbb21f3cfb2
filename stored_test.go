package ivfgo_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/ivfgo"
	"github.com/hupe1980/ivfgo/blobstore"
)

// gatedStore wraps a MemoryStore and, once armed, blocks hashed reads on
// partition blobs until the gate opens or the reader's context is
// cancelled. It also counts OpenHashed calls per name.
type gatedStore struct {
	*blobstore.MemoryStore

	mu    sync.Mutex
	armed bool
	gate  chan struct{}
	opens map[string]int
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		MemoryStore: blobstore.NewMemoryStore(),
		gate:        make(chan struct{}),
		opens:       make(map[string]int),
	}
}

// arm starts gating subsequent partition reads.
func (s *gatedStore) arm() {
	s.mu.Lock()
	s.armed = true
	s.mu.Unlock()
}

// open releases every gated read.
func (s *gatedStore) open() {
	close(s.gate)
}

func (s *gatedStore) openCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens[name]
}

func (s *gatedStore) OpenHashed(ctx context.Context, name string) (blobstore.HashedReader, error) {
	s.mu.Lock()
	s.opens[name]++
	gated := s.armed && strings.HasPrefix(name, "partitions/")
	s.mu.Unlock()

	r, err := s.MemoryStore.OpenHashed(ctx, name)
	if err != nil {
		return nil, err
	}
	if !gated {
		return r, nil
	}
	return &gatedReader{ctx: ctx, gate: s.gate, inner: r}, nil
}

type gatedReader struct {
	ctx   context.Context
	gate  chan struct{}
	inner blobstore.HashedReader
}

func (r *gatedReader) Read(p []byte) (int, error) {
	select {
	case <-r.ctx.Done():
		return 0, r.ctx.Err()
	case <-r.gate:
		return r.inner.Read(p)
	}
}

func (r *gatedReader) Verify() error { return r.inner.Verify() }
func (r *gatedReader) Close() error  { return r.inner.Close() }

func TestStoredLazyPartitionLoads(t *testing.T) {
	ctx := context.Background()
	_, mem := serializeTwoClusterDB(t, 31)

	store := newGatedStore()
	copyBlobs(t, mem, store.MemoryStore)

	loaded, err := ivfgo.Load(ctx, store, "db.binpb")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// Nothing but centroids and codebooks has been fetched yet.
	for i := 0; i < loaded.NumPartitions(); i++ {
		name := "partitions/" + loaded.PartitionID(i) + ".binpb"
		if got := store.openCount(name); got != 0 {
			t.Fatalf("partition %d fetched eagerly (%d opens)", i, got)
		}
	}

	// nprobe=1 touches exactly one partition.
	vs := twoClusterSet(t)
	if _, err := loaded.Query(ctx, vs.At(0), 1, 1); err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	var fetched int
	for i := 0; i < loaded.NumPartitions(); i++ {
		name := "partitions/" + loaded.PartitionID(i) + ".binpb"
		fetched += store.openCount(name)
	}
	if fetched != 1 {
		t.Fatalf("expected exactly 1 partition fetch, got %d", fetched)
	}

	// A repeat query hits the cache.
	if _, err := loaded.Query(ctx, vs.At(0), 1, 1); err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	var fetchedAgain int
	for i := 0; i < loaded.NumPartitions(); i++ {
		name := "partitions/" + loaded.PartitionID(i) + ".binpb"
		fetchedAgain += store.openCount(name)
	}
	if fetchedAgain != fetched {
		t.Fatalf("cached partition re-fetched: %d opens", fetchedAgain)
	}
}

func TestStoredSingleFlight(t *testing.T) {
	ctx := context.Background()
	_, mem := serializeTwoClusterDB(t, 32)

	store := newGatedStore()
	copyBlobs(t, mem, store.MemoryStore)

	loaded, err := ivfgo.Load(ctx, store, "db.binpb")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	vs := twoClusterSet(t)
	const queries = 8
	var wg sync.WaitGroup
	errs := make([]error, queries)
	for i := 0; i < queries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = loaded.Query(ctx, vs.At(0), 1, 1)
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("query %d failed: %v", i, err)
		}
	}

	var fetched int
	for i := 0; i < loaded.NumPartitions(); i++ {
		name := "partitions/" + loaded.PartitionID(i) + ".binpb"
		fetched += store.openCount(name)
	}
	if fetched != 1 {
		t.Fatalf("concurrent loads not collapsed: %d fetches", fetched)
	}
}

// A cancelled query must leave no partition cache entry; the next query
// re-attempts the load and completes normally.
func TestStoredQueryCancellation(t *testing.T) {
	ctx := context.Background()
	_, mem := serializeTwoClusterDB(t, 33)

	store := newGatedStore()
	copyBlobs(t, mem, store.MemoryStore)

	loaded, err := ivfgo.Load(ctx, store, "db.binpb")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	store.arm() // block partition reads from here on

	qctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	vs := twoClusterSet(t)
	go func() {
		_, err := loaded.Query(qctx, vs.At(0), 1, 1)
		done <- err
	}()

	// Let the query reach the blocked read, then cancel it.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled query did not return")
	}

	// Open the gate; a fresh query must reload the partition and
	// succeed.
	store.open()
	results, err := loaded.Query(ctx, vs.At(0), 1, 1)
	if err != nil {
		t.Fatalf("query after cancellation failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}

	probed := "partitions/" + loaded.PartitionID(results[0].PartitionIndex) + ".binpb"
	if got := store.openCount(probed); got != 2 {
		t.Fatalf("expected a re-attempted load (2 opens), got %d", got)
	}
}

func TestStoredQueryValidation(t *testing.T) {
	ctx := context.Background()
	_, mem := serializeTwoClusterDB(t, 34)
	loaded, err := ivfgo.Load(ctx, mem, "db.binpb")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if _, err := loaded.Query(ctx, []float32{1}, 1, 1); err == nil {
		t.Error("expected dimension mismatch")
	}
	if _, err := loaded.Query(ctx, make([]float32, 4), 0, 1); !errors.Is(err, ivfgo.ErrInvalidK) {
		t.Errorf("k=0: got %v", err)
	}
	if _, err := loaded.Query(ctx, make([]float32, 4), 1, 0); !errors.Is(err, ivfgo.ErrInvalidNProbe) {
		t.Errorf("nprobe=0: got %v", err)
	}
	if _, err := loaded.Query(ctx, make([]float32, 4), 1, 3); !errors.Is(err, ivfgo.ErrInvalidNProbe) {
		t.Errorf("nprobe>P: got %v", err)
	}
}

func TestStoredRejectsForeignResult(t *testing.T) {
	ctx := context.Background()
	db, mem := serializeTwoClusterDB(t, 35)
	loaded, err := ivfgo.Load(ctx, mem, "db.binpb")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// A result from the built database carries no blob references.
	vs := twoClusterSet(t)
	results, err := db.Query(vs.At(0), 1, 2)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if _, _, err := loaded.GetAttributeOf(ctx, results[0], "tag"); !errors.Is(err, ivfgo.ErrForeignResult) {
		t.Fatalf("expected ErrForeignResult, got %v", err)
	}
}

// copyBlobs clones every blob from src into dst.
func copyBlobs(t *testing.T, src, dst *blobstore.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	names, err := src.List(ctx, "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	for _, name := range names {
		r, err := src.Open(ctx, name)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		data, err := io.ReadAll(r)
		_ = r.Close()
		if err != nil {
			t.Fatalf("ReadAll failed: %v", err)
		}
		if err := dst.Put(ctx, name, data); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
}
