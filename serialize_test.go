package ivfgo_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/hupe1980/ivfgo"
	"github.com/hupe1980/ivfgo/blobstore"
)

func serializeTwoClusterDB(t *testing.T, seed int64) (*ivfgo.Database, *blobstore.MemoryStore) {
	t.Helper()
	db, _ := buildTwoClusterDB(t, seed)
	if err := db.SetAttributeAt(0, "tag", ivfgo.StringAttribute("first")); err != nil {
		t.Fatalf("SetAttributeAt failed: %v", err)
	}
	if err := db.SetAttributeAt(7, "tag", ivfgo.StringAttribute("last")); err != nil {
		t.Fatalf("SetAttributeAt failed: %v", err)
	}
	store := blobstore.NewMemoryStore()
	if err := ivfgo.Serialize(context.Background(), db, store, "db.binpb"); err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	return db, store
}

func TestRoundTripQueryEquality(t *testing.T) {
	ctx := context.Background()
	db, store := serializeTwoClusterDB(t, 21)

	loaded, err := ivfgo.Load(ctx, store, "db.binpb")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.VectorSize() != db.VectorSize() ||
		loaded.NumPartitions() != db.NumPartitions() ||
		loaded.NumDivisions() != db.NumDivisions() ||
		loaded.NumCodes() != db.NumCodes() {
		t.Fatalf("loaded hyperparameters differ")
	}

	vs := twoClusterSet(t)
	for _, tc := range []struct{ k, nprobe int }{{1, 1}, {4, 1}, {8, 2}, {3, 2}} {
		for i := 0; i < vs.Len(); i++ {
			q := vs.At(i)
			want, err := db.Query(q, tc.k, tc.nprobe)
			if err != nil {
				t.Fatalf("in-memory Query failed: %v", err)
			}
			got, err := loaded.Query(ctx, q, tc.k, tc.nprobe)
			if err != nil {
				t.Fatalf("loaded Query failed: %v", err)
			}
			if len(got) != len(want) {
				t.Fatalf("k=%d nprobe=%d: %d results, want %d", tc.k, tc.nprobe, len(got), len(want))
			}
			for j := range want {
				if got[j].VectorID != want[j].VectorID ||
					got[j].PartitionIndex != want[j].PartitionIndex ||
					got[j].SquaredDistance != want[j].SquaredDistance {
					t.Fatalf("k=%d nprobe=%d result %d differs: %+v vs %+v",
						tc.k, tc.nprobe, j, got[j], want[j])
				}
			}
		}
	}
}

func TestRoundTripAttributes(t *testing.T) {
	ctx := context.Background()
	db, store := serializeTwoClusterDB(t, 22)

	loaded, err := ivfgo.Load(ctx, store, "db.binpb")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	vs := twoClusterSet(t)
	results, err := loaded.Query(ctx, vs.At(0), 1, 2)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	v, ok, err := loaded.GetAttributeOf(ctx, results[0], "tag")
	if err != nil {
		t.Fatalf("GetAttributeOf failed: %v", err)
	}
	if !ok {
		t.Fatal("attribute not found after round trip")
	}
	if got, _ := v.StringValue(); got != "first" {
		t.Errorf("got %q, want %q", got, "first")
	}

	// Unknown name stays unset.
	if _, ok, err := loaded.GetAttributeOf(ctx, results[0], "nope"); err != nil || ok {
		t.Errorf("unknown name: ok=%v err=%v", ok, err)
	}

	// Lookup by vector ID without a query result.
	v, ok, err = loaded.GetAttribute(ctx, db.VectorIDs()[7], "tag")
	if err != nil || !ok {
		t.Fatalf("GetAttribute: ok=%v err=%v", ok, err)
	}
	if got, _ := v.StringValue(); got != "last" {
		t.Errorf("got %q, want %q", got, "last")
	}
}

func TestRoundTripLastWriteWins(t *testing.T) {
	ctx := context.Background()
	db, _ := buildTwoClusterDB(t, 23)
	if err := db.SetAttributeAt(2, "tag", ivfgo.StringAttribute("a")); err != nil {
		t.Fatal(err)
	}
	if err := db.SetAttributeAt(2, "tag", ivfgo.StringAttribute("b")); err != nil {
		t.Fatal(err)
	}
	store := blobstore.NewMemoryStore()
	if err := ivfgo.Serialize(ctx, db, store, "db.binpb"); err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	loaded, err := ivfgo.Load(ctx, store, "db.binpb")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	vs := twoClusterSet(t)
	results, err := loaded.Query(ctx, vs.At(2), 1, 2)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	v, ok, err := loaded.GetAttributeOf(ctx, results[0], "tag")
	if err != nil || !ok {
		t.Fatalf("GetAttributeOf: ok=%v err=%v", ok, err)
	}
	if got, _ := v.StringValue(); got != "b" {
		t.Errorf("last write did not win after round trip: %q", got)
	}
}

// Serializing the same database twice must produce identical reference
// IDs for identical payloads.
func TestSerializeContentAddressesAreDeterministic(t *testing.T) {
	ctx := context.Background()
	db, _ := buildTwoClusterDB(t, 24)

	storeA := blobstore.NewMemoryStore()
	storeB := blobstore.NewMemoryStore()
	if err := ivfgo.Serialize(ctx, db, storeA, "db.binpb"); err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	if err := ivfgo.Serialize(ctx, db, storeB, "db.binpb"); err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}

	listA, err := storeA.List(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	listB, err := storeB.List(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(listA) != len(listB) {
		t.Fatalf("blob counts differ: %v vs %v", listA, listB)
	}
	for i := range listA {
		if listA[i] != listB[i] {
			t.Fatalf("blob names differ: %v vs %v", listA, listB)
		}
	}
}

func TestLoadDetectsCorruptPartition(t *testing.T) {
	ctx := context.Background()
	_, store := serializeTwoClusterDB(t, 25)

	loaded, err := ivfgo.Load(ctx, store, "db.binpb")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// Flip one byte of the first partition blob.
	name := "partitions/" + loaded.PartitionID(0) + ".binpb"
	blobs, err := store.List(ctx, name)
	if err != nil || len(blobs) != 1 {
		t.Fatalf("List(%q) = %v, %v", name, blobs, err)
	}
	r, err := store.Open(ctx, name)
	if err != nil {
		t.Fatal(err)
	}
	data := readAll(t, r)
	data[len(data)/2] ^= 0xff
	if err := store.Put(ctx, name, data); err != nil {
		t.Fatal(err)
	}

	vs := twoClusterSet(t)
	_, err = loaded.Query(ctx, vs.At(0), 8, 2)
	var dm *blobstore.ErrDigestMismatch
	if !errors.As(err, &dm) {
		t.Fatalf("expected ErrDigestMismatch, got %v", err)
	}
}

func readAll(t *testing.T, r io.ReadCloser) []byte {
	t.Helper()
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	return data
}

func TestLoadMissingManifest(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	if _, err := ivfgo.Load(ctx, store, "missing.binpb"); !errors.Is(err, blobstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
