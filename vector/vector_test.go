package vector

import (
	"errors"
	"testing"
)

func TestNewBlock(t *testing.T) {
	b, err := NewBlock([]float32{1, 2, 3, 4, 5, 6}, 3)
	if err != nil {
		t.Fatalf("NewBlock failed: %v", err)
	}
	if b.Dim() != 3 || b.Len() != 2 {
		t.Fatalf("unexpected shape: dim=%d len=%d", b.Dim(), b.Len())
	}
	v := b.At(1)
	if v[0] != 4 || v[1] != 5 || v[2] != 6 {
		t.Errorf("At(1) = %v", v)
	}
}

func TestNewBlockEmpty(t *testing.T) {
	_, err := NewBlock(nil, 4)
	if !errors.Is(err, ErrEmptyData) {
		t.Fatalf("expected ErrEmptyData, got %v", err)
	}
}

func TestNewBlockDimensionMismatch(t *testing.T) {
	_, err := NewBlock([]float32{1, 2, 3, 4, 5}, 3)
	var dm *ErrDimensionMismatch
	if !errors.As(err, &dm) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	if dm.Dimension != 3 || dm.Length != 5 {
		t.Errorf("unexpected error fields: %+v", dm)
	}
}

func TestSubIsZeroCopy(t *testing.T) {
	data := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	b, err := NewBlock(data, 4)
	if err != nil {
		t.Fatalf("NewBlock failed: %v", err)
	}
	s, err := NewSub(b, 2, 4)
	if err != nil {
		t.Fatalf("NewSub failed: %v", err)
	}
	if s.Dim() != 2 || s.Len() != 2 {
		t.Fatalf("unexpected shape: dim=%d len=%d", s.Dim(), s.Len())
	}
	// Mutating the parent buffer must be visible through the view.
	data[6] = 42
	if got := s.At(1)[0]; got != 42 {
		t.Errorf("view not zero-copy: got %f", got)
	}
}

func TestDivide(t *testing.T) {
	b, err := NewBlock([]float32{1, 2, 3, 4, 5, 6, 7, 8}, 4)
	if err != nil {
		t.Fatalf("NewBlock failed: %v", err)
	}
	views, err := Divide(b, 2)
	if err != nil {
		t.Fatalf("Divide failed: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 views, got %d", len(views))
	}
	if got := views[0].At(1); got[0] != 5 || got[1] != 6 {
		t.Errorf("views[0].At(1) = %v", got)
	}
	if got := views[1].At(0); got[0] != 3 || got[1] != 4 {
		t.Errorf("views[1].At(0) = %v", got)
	}
}

func TestDivideInvalid(t *testing.T) {
	b, _ := NewBlock([]float32{1, 2, 3, 4, 5, 6}, 3)
	_, err := Divide(b, 2)
	var id *ErrInvalidDivisions
	if !errors.As(err, &id) {
		t.Fatalf("expected ErrInvalidDivisions, got %v", err)
	}
}
