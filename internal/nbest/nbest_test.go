package nbest

import (
	"math/rand"
	"sort"
	"testing"
)

type scored struct {
	id   int
	dist float32
}

func TestSelectorBasic(t *testing.T) {
	s := New(3, func(x scored) float32 { return x.dist })
	for _, it := range []scored{{0, 5}, {1, 1}, {2, 4}, {3, 2}, {4, 3}} {
		s.Push(it)
	}
	got := s.IntoSorted()
	want := []int{1, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("expected %d items, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].id != want[i] {
			t.Errorf("got[%d] = %+v, want id %d", i, got[i], want[i])
		}
	}
}

func TestSelectorFewerThanN(t *testing.T) {
	s := New(10, func(x scored) float32 { return x.dist })
	s.Push(scored{0, 2})
	s.Push(scored{1, 1})
	got := s.IntoSorted()
	if len(got) != 2 || got[0].id != 1 || got[1].id != 0 {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestSelectorStableOnTies(t *testing.T) {
	s := New(4, func(x scored) float32 { return x.dist })
	for i := 0; i < 8; i++ {
		s.Push(scored{id: i, dist: 1})
	}
	got := s.IntoSorted()
	for i := 0; i < 4; i++ {
		if got[i].id != i {
			t.Fatalf("ties not in insertion order: %+v", got)
		}
	}
}

// The drained selection must equal the prefix of the full stream sorted
// stably by key.
func TestSelectorMatchesStableSort(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 20; trial++ {
		n := 1 + rng.Intn(16)
		stream := make([]scored, 100)
		for i := range stream {
			stream[i] = scored{id: i, dist: float32(rng.Intn(10))}
		}

		s := New(n, func(x scored) float32 { return x.dist })
		for _, it := range stream {
			s.Push(it)
		}
		got := s.IntoSorted()

		want := make([]scored, len(stream))
		copy(want, stream)
		sort.SliceStable(want, func(i, j int) bool { return want[i].dist < want[j].dist })
		want = want[:n]

		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("trial %d: got[%d] = %+v, want %+v", trial, i, got[i], want[i])
			}
		}
	}
}

func TestSelectorZeroCapacity(t *testing.T) {
	s := New(0, func(x scored) float32 { return x.dist })
	s.Push(scored{0, 1})
	if got := s.IntoSorted(); len(got) != 0 {
		t.Fatalf("expected no items, got %+v", got)
	}
}
