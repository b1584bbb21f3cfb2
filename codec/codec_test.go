package codec

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, in, out Message) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, in))
	require.NoError(t, ReadMessage(&buf, out))
}

func TestDatabaseRoundTrip(t *testing.T) {
	in := &Database{
		VectorSize:           8,
		NumPartitions:        2,
		NumDivisions:         4,
		NumCodes:             16,
		PartitionIDs:         []string{"p0", "p1"},
		PartitionCentroidsID: "centroids",
		CodebookIDs:          []string{"c0", "c1", "c2", "c3"},
		AttributesLogIDs:     []string{"a0", "a1"},
		AttributeNames:       []string{"tag", "rank"},
	}
	var out Database
	roundTrip(t, in, &out)
	assert.Equal(t, *in, out)
}

func TestDatabaseInvariants(t *testing.T) {
	in := &Database{
		VectorSize:           9, // not a multiple of num_divisions
		NumPartitions:        1,
		NumDivisions:         4,
		NumCodes:             2,
		PartitionIDs:         []string{"p0"},
		PartitionCentroidsID: "centroids",
		CodebookIDs:          []string{"c0", "c1", "c2", "c3"},
		AttributesLogIDs:     []string{"a0"},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, in))
	var out Database
	err := ReadMessage(&buf, &out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCodec))
}

func TestPartitionRoundTrip(t *testing.T) {
	in := &Partition{
		VectorSize:   4,
		NumDivisions: 2,
		Centroid:     []float32{0.5, -1.25, 3, 42},
		EncodedVectors: EncodedVectorSet{
			VectorSize: 2,
			Data:       []uint32{0, 3, 1, 2, 3, 0},
		},
		VectorIDs: []UUID{
			{Upper: 1, Lower: 2},
			{Upper: 3, Lower: 4},
			{Upper: 0xffffffffffffffff, Lower: 0},
		},
	}
	var out Partition
	roundTrip(t, in, &out)
	assert.Equal(t, *in, out)
}

func TestPartitionCodeCountMismatch(t *testing.T) {
	in := &Partition{
		VectorSize:   4,
		NumDivisions: 2,
		Centroid:     []float32{1, 2, 3, 4},
		EncodedVectors: EncodedVectorSet{
			VectorSize: 2,
			Data:       []uint32{0, 1},
		},
		VectorIDs: []UUID{{Upper: 1, Lower: 2}, {Upper: 3, Lower: 4}},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, in))
	var out Partition
	err := ReadMessage(&buf, &out)
	assert.ErrorIs(t, err, ErrCodec)
}

func TestVectorSetRoundTrip(t *testing.T) {
	in := &VectorSet{VectorSize: 3, Data: []float32{1, 2, 3, 4, 5, 6}}
	var out VectorSet
	roundTrip(t, in, &out)
	assert.Equal(t, *in, out)
}

func TestVectorSetBadLength(t *testing.T) {
	in := &VectorSet{VectorSize: 4, Data: []float32{1, 2, 3, 4, 5}}
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, in))
	var out VectorSet
	assert.ErrorIs(t, ReadMessage(&buf, &out), ErrCodec)
}

func TestAttributesLogRoundTrip(t *testing.T) {
	in := &AttributesLog{
		PartitionID: "p0",
		Entries: []OperationSetAttribute{
			{
				VectorID:  UUID{Upper: 7, Lower: 8},
				NameIndex: 0,
				Value:     AttributeValue{Kind: AttributeValueString, StringValue: "hello"},
			},
			{
				VectorID:  UUID{Upper: 7, Lower: 8},
				NameIndex: 1,
				Value:     AttributeValue{Kind: AttributeValueUint64, Uint64Value: 12345},
			},
		},
	}
	var out AttributesLog
	roundTrip(t, in, &out)
	assert.Equal(t, *in, out)
}

func TestAttributeValueMissing(t *testing.T) {
	var out AttributeValue
	err := out.Unmarshal(nil)
	assert.ErrorIs(t, err, ErrCodec)
}

func TestMultipleMessagesOnStream(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, &UUID{Upper: 1, Lower: 2}))
	require.NoError(t, WriteMessage(&buf, &UUID{Upper: 3, Lower: 4}))

	var a, b UUID
	require.NoError(t, ReadMessage(&buf, &a))
	require.NoError(t, ReadMessage(&buf, &b))
	assert.Equal(t, UUID{Upper: 1, Lower: 2}, a)
	assert.Equal(t, UUID{Upper: 3, Lower: 4}, b)
}

func TestReadMessageTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, &UUID{Upper: 1, Lower: 2}))
	raw := buf.Bytes()[:buf.Len()-3]

	var out UUID
	err := ReadMessage(bytes.NewReader(raw), &out)
	assert.ErrorIs(t, err, ErrCodec)
}
