package codec

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// UUID is a 128-bit vector identifier split into two fixed64 halves.
type UUID struct {
	Upper uint64 // field 1
	Lower uint64 // field 2
}

// MarshalAppend implements Message.
func (u *UUID) MarshalAppend(b []byte) []byte {
	b = appendFixed64Field(b, 1, u.Upper)
	b = appendFixed64Field(b, 2, u.Lower)
	return b
}

// Unmarshal implements Message.
func (u *UUID) Unmarshal(b []byte) error {
	return scanFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			x, err := fieldFixed64(typ, v)
			if err != nil {
				return err
			}
			u.Upper = x
		case 2:
			x, err := fieldFixed64(typ, v)
			if err != nil {
				return err
			}
			u.Lower = x
		}
		return nil
	})
}

// VectorSet is a dense N×D float block: partition centroids (N=P) and PQ
// codebooks (N=C) are stored in this shape.
type VectorSet struct {
	VectorSize uint32    // field 1
	Data       []float32 // field 2, packed
}

// MarshalAppend implements Message.
func (m *VectorSet) MarshalAppend(b []byte) []byte {
	b = appendUint32Field(b, 1, m.VectorSize)
	b = appendPackedFloats(b, 2, m.Data)
	return b
}

// Unmarshal implements Message.
func (m *VectorSet) Unmarshal(b []byte) error {
	err := scanFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			x, err := fieldUint32(typ, v)
			if err != nil {
				return err
			}
			m.VectorSize = x
		case 2:
			payload, err := fieldBytes(typ, v)
			if err != nil {
				return err
			}
			m.Data, err = consumePackedFloats(payload, m.Data)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if m.VectorSize == 0 {
		return decodeErr("vector set: vector_size is zero")
	}
	if len(m.Data)%int(m.VectorSize) != 0 {
		return decodeErr("vector set: data length %d is not a multiple of vector_size %d", len(m.Data), m.VectorSize)
	}
	return nil
}

// EncodedVectorSet holds PQ code vectors; VectorSize is the number of
// divisions M.
type EncodedVectorSet struct {
	VectorSize uint32   // field 1
	Data       []uint32 // field 2, packed
}

// MarshalAppend implements Message.
func (m *EncodedVectorSet) MarshalAppend(b []byte) []byte {
	b = appendUint32Field(b, 1, m.VectorSize)
	b = appendPackedUint32(b, 2, m.Data)
	return b
}

// Unmarshal implements Message.
func (m *EncodedVectorSet) Unmarshal(b []byte) error {
	err := scanFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			x, err := fieldUint32(typ, v)
			if err != nil {
				return err
			}
			m.VectorSize = x
		case 2:
			payload, err := fieldBytes(typ, v)
			if err != nil {
				return err
			}
			m.Data, err = consumePackedUint32(payload, m.Data)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if m.VectorSize == 0 {
		return decodeErr("encoded vector set: vector_size is zero")
	}
	if len(m.Data)%int(m.VectorSize) != 0 {
		return decodeErr("encoded vector set: data length %d is not a multiple of vector_size %d", len(m.Data), m.VectorSize)
	}
	return nil
}

// Partition is one coarse cell: its centroid plus the encoded vectors and
// ids assigned to it, in insertion order.
type Partition struct {
	VectorSize     uint32           // field 1
	NumDivisions   uint32           // field 2
	Centroid       []float32        // field 3, packed
	EncodedVectors EncodedVectorSet // field 4
	VectorIDs      []UUID           // field 5, repeated
}

// MarshalAppend implements Message.
func (m *Partition) MarshalAppend(b []byte) []byte {
	b = appendUint32Field(b, 1, m.VectorSize)
	b = appendUint32Field(b, 2, m.NumDivisions)
	b = appendPackedFloats(b, 3, m.Centroid)
	b = appendMessageField(b, 4, &m.EncodedVectors)
	for i := range m.VectorIDs {
		b = appendMessageField(b, 5, &m.VectorIDs[i])
	}
	return b
}

// Unmarshal implements Message.
func (m *Partition) Unmarshal(b []byte) error {
	err := scanFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			x, err := fieldUint32(typ, v)
			if err != nil {
				return err
			}
			m.VectorSize = x
		case 2:
			x, err := fieldUint32(typ, v)
			if err != nil {
				return err
			}
			m.NumDivisions = x
		case 3:
			payload, err := fieldBytes(typ, v)
			if err != nil {
				return err
			}
			m.Centroid, err = consumePackedFloats(payload, m.Centroid)
			if err != nil {
				return err
			}
		case 4:
			payload, err := fieldBytes(typ, v)
			if err != nil {
				return err
			}
			return m.EncodedVectors.Unmarshal(payload)
		case 5:
			payload, err := fieldBytes(typ, v)
			if err != nil {
				return err
			}
			var id UUID
			if err := id.Unmarshal(payload); err != nil {
				return err
			}
			m.VectorIDs = append(m.VectorIDs, id)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if m.VectorSize == 0 || m.NumDivisions == 0 {
		return decodeErr("partition: zero vector_size or num_divisions")
	}
	if len(m.Centroid) != int(m.VectorSize) {
		return decodeErr("partition: centroid length %d does not match vector_size %d", len(m.Centroid), m.VectorSize)
	}
	if m.EncodedVectors.VectorSize != m.NumDivisions {
		return decodeErr("partition: encoded vector size %d does not match num_divisions %d", m.EncodedVectors.VectorSize, m.NumDivisions)
	}
	if len(m.EncodedVectors.Data) != int(m.NumDivisions)*len(m.VectorIDs) {
		return decodeErr("partition: %d codes for %d vector ids", len(m.EncodedVectors.Data), len(m.VectorIDs))
	}
	return nil
}

// AttributeValueKind discriminates the AttributeValue oneof.
type AttributeValueKind uint8

const (
	// AttributeValueNone marks an unset value.
	AttributeValueNone AttributeValueKind = iota
	// AttributeValueString selects the string arm (field 1).
	AttributeValueString
	// AttributeValueUint64 selects the uint64 arm (field 2).
	AttributeValueUint64
)

// AttributeValue is the tagged value union of an attribute entry.
type AttributeValue struct {
	Kind        AttributeValueKind
	StringValue string // field 1
	Uint64Value uint64 // field 2
}

// MarshalAppend implements Message.
func (m *AttributeValue) MarshalAppend(b []byte) []byte {
	switch m.Kind {
	case AttributeValueString:
		b = appendStringField(b, 1, m.StringValue)
	case AttributeValueUint64:
		b = appendUint64Field(b, 2, m.Uint64Value)
	}
	return b
}

// Unmarshal implements Message.
func (m *AttributeValue) Unmarshal(b []byte) error {
	err := scanFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			s, err := fieldString(typ, v)
			if err != nil {
				return err
			}
			m.Kind = AttributeValueString
			m.StringValue = s
		case 2:
			x, err := fieldUint64(typ, v)
			if err != nil {
				return err
			}
			m.Kind = AttributeValueUint64
			m.Uint64Value = x
		}
		return nil
	})
	if err != nil {
		return err
	}
	if m.Kind == AttributeValueNone {
		return decodeErr("attribute value: missing value")
	}
	return nil
}

// OperationSetAttribute is one append-only attribute log entry.
type OperationSetAttribute struct {
	VectorID  UUID           // field 1
	NameIndex uint32         // field 2
	Value     AttributeValue // field 3
}

// MarshalAppend implements Message.
func (m *OperationSetAttribute) MarshalAppend(b []byte) []byte {
	b = appendMessageField(b, 1, &m.VectorID)
	b = appendUint32Field(b, 2, m.NameIndex)
	b = appendMessageField(b, 3, &m.Value)
	return b
}

// Unmarshal implements Message.
func (m *OperationSetAttribute) Unmarshal(b []byte) error {
	return scanFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			payload, err := fieldBytes(typ, v)
			if err != nil {
				return err
			}
			return m.VectorID.Unmarshal(payload)
		case 2:
			x, err := fieldUint32(typ, v)
			if err != nil {
				return err
			}
			m.NameIndex = x
		case 3:
			payload, err := fieldBytes(typ, v)
			if err != nil {
				return err
			}
			return m.Value.Unmarshal(payload)
		}
		return nil
	})
}

// AttributesLog is the per-partition append-only attribute log.
type AttributesLog struct {
	PartitionID string                  // field 1
	Entries     []OperationSetAttribute // field 2, repeated
}

// MarshalAppend implements Message.
func (m *AttributesLog) MarshalAppend(b []byte) []byte {
	b = appendStringField(b, 1, m.PartitionID)
	for i := range m.Entries {
		b = appendMessageField(b, 2, &m.Entries[i])
	}
	return b
}

// Unmarshal implements Message.
func (m *AttributesLog) Unmarshal(b []byte) error {
	return scanFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			s, err := fieldString(typ, v)
			if err != nil {
				return err
			}
			m.PartitionID = s
		case 2:
			payload, err := fieldBytes(typ, v)
			if err != nil {
				return err
			}
			var op OperationSetAttribute
			if err := op.Unmarshal(payload); err != nil {
				return err
			}
			m.Entries = append(m.Entries, op)
		}
		return nil
	})
}

// Database is the manifest: hyperparameters plus the content-addressed
// references of every other blob.
type Database struct {
	VectorSize           uint32   // field 1
	NumPartitions        uint32   // field 2
	NumDivisions         uint32   // field 3
	NumCodes             uint32   // field 4
	PartitionIDs         []string // field 5, repeated
	PartitionCentroidsID string   // field 6
	CodebookIDs          []string // field 7, repeated
	AttributesLogIDs     []string // field 8, repeated
	AttributeNames       []string // field 9, repeated
}

// MarshalAppend implements Message.
func (m *Database) MarshalAppend(b []byte) []byte {
	b = appendUint32Field(b, 1, m.VectorSize)
	b = appendUint32Field(b, 2, m.NumPartitions)
	b = appendUint32Field(b, 3, m.NumDivisions)
	b = appendUint32Field(b, 4, m.NumCodes)
	for _, id := range m.PartitionIDs {
		b = appendStringField(b, 5, id)
	}
	b = appendStringField(b, 6, m.PartitionCentroidsID)
	for _, id := range m.CodebookIDs {
		b = appendStringField(b, 7, id)
	}
	for _, id := range m.AttributesLogIDs {
		b = appendStringField(b, 8, id)
	}
	for _, name := range m.AttributeNames {
		b = appendStringField(b, 9, name)
	}
	return b
}

// Unmarshal implements Message.
func (m *Database) Unmarshal(b []byte) error {
	err := scanFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1, 2, 3, 4:
			x, err := fieldUint32(typ, v)
			if err != nil {
				return err
			}
			switch num {
			case 1:
				m.VectorSize = x
			case 2:
				m.NumPartitions = x
			case 3:
				m.NumDivisions = x
			case 4:
				m.NumCodes = x
			}
		case 5, 6, 7, 8, 9:
			s, err := fieldString(typ, v)
			if err != nil {
				return err
			}
			switch num {
			case 5:
				m.PartitionIDs = append(m.PartitionIDs, s)
			case 6:
				m.PartitionCentroidsID = s
			case 7:
				m.CodebookIDs = append(m.CodebookIDs, s)
			case 8:
				m.AttributesLogIDs = append(m.AttributesLogIDs, s)
			case 9:
				m.AttributeNames = append(m.AttributeNames, s)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	switch {
	case m.VectorSize == 0:
		return decodeErr("database: vector_size is zero")
	case m.NumPartitions == 0:
		return decodeErr("database: num_partitions is zero")
	case m.NumDivisions == 0:
		return decodeErr("database: num_divisions is zero")
	case m.NumCodes == 0:
		return decodeErr("database: num_codes is zero")
	case m.VectorSize%m.NumDivisions != 0:
		return decodeErr("database: vector_size %d is not a multiple of num_divisions %d", m.VectorSize, m.NumDivisions)
	case len(m.PartitionIDs) != int(m.NumPartitions):
		return decodeErr("database: %d partition ids for num_partitions %d", len(m.PartitionIDs), m.NumPartitions)
	case len(m.CodebookIDs) != int(m.NumDivisions):
		return decodeErr("database: %d codebook ids for num_divisions %d", len(m.CodebookIDs), m.NumDivisions)
	case len(m.AttributesLogIDs) != int(m.NumPartitions):
		return decodeErr("database: %d attributes log ids for num_partitions %d", len(m.AttributesLogIDs), m.NumPartitions)
	case m.PartitionCentroidsID == "":
		return decodeErr("database: missing partition centroids id")
	}
	return nil
}
