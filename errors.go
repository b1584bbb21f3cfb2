package ivfgo

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidK is returned when k is zero or exceeds the number of
	// indexed vectors.
	ErrInvalidK = errors.New("k must be positive and not exceed the number of vectors")

	// ErrInvalidNProbe is returned when nprobe is zero or exceeds the
	// number of partitions.
	ErrInvalidNProbe = errors.New("nprobe must be positive and not exceed the number of partitions")

	// ErrEmptyDatabase is returned when querying a database without
	// vectors.
	ErrEmptyDatabase = errors.New("database has no vectors")

	// ErrIndexOutOfRange is returned when a vector index is out of
	// bounds.
	ErrIndexOutOfRange = errors.New("vector index out of range")

	// ErrForeignResult is returned when a query result is handed to a
	// database it did not come from.
	ErrForeignResult = errors.New("query result does not belong to this database")
)

// ErrDimensionMismatch indicates a query/database dimensionality
// mismatch.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}
