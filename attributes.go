package ivfgo

import (
	"github.com/google/uuid"
)

// AttributeKind identifies the concrete type stored in an
// AttributeValue.
type AttributeKind uint8

const (
	// AttributeInvalid represents an unset value.
	AttributeInvalid AttributeKind = iota
	// AttributeString represents a UTF-8 string value.
	AttributeString
	// AttributeUint64 represents an unsigned integer value.
	AttributeUint64
)

// AttributeValue is a small typed value attached to a vector.
//
// The representation is a tagged union; further kinds may be added.
type AttributeValue struct {
	kind AttributeKind
	str  string
	u64  uint64
}

// StringAttribute creates a string-valued attribute.
func StringAttribute(s string) AttributeValue {
	return AttributeValue{kind: AttributeString, str: s}
}

// Uint64Attribute creates an integer-valued attribute.
func Uint64Attribute(v uint64) AttributeValue {
	return AttributeValue{kind: AttributeUint64, u64: v}
}

// Kind returns the kind of the value.
func (v AttributeValue) Kind() AttributeKind { return v.kind }

// StringValue returns the string value, if the kind is AttributeString.
func (v AttributeValue) StringValue() (string, bool) {
	return v.str, v.kind == AttributeString
}

// Uint64Value returns the integer value, if the kind is AttributeUint64.
func (v AttributeValue) Uint64Value() (uint64, bool) {
	return v.u64, v.kind == AttributeUint64
}

// Equal reports whether two values have the same kind and payload.
func (v AttributeValue) Equal(o AttributeValue) bool { return v == o }

// attributeEntry is one append-only log record.
type attributeEntry struct {
	vectorID  uuid.UUID
	nameIndex uint32
	value     AttributeValue
}

// attributesLog is a per-partition append-only sequence of attribute
// writes. Reads are last-write-wins per (vector id, name index).
type attributesLog struct {
	entries []attributeEntry
}

func (l *attributesLog) append(e attributeEntry) {
	l.entries = append(l.entries, e)
}

// lookup scans newest to oldest for the given key.
func (l *attributesLog) lookup(id uuid.UUID, nameIndex uint32) (AttributeValue, bool) {
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if e.nameIndex == nameIndex && e.vectorID == id {
			return e.value, true
		}
	}
	return AttributeValue{}, false
}

// nameTable interns attribute names in insertion order; indices are
// stable for the lifetime of the database.
type nameTable struct {
	names   []string
	indexOf map[string]uint32
}

func newNameTable(names []string) *nameTable {
	t := &nameTable{
		names:   names,
		indexOf: make(map[string]uint32, len(names)),
	}
	for i, n := range names {
		t.indexOf[n] = uint32(i)
	}
	return t
}

// intern returns the index of name, adding it if unseen.
func (t *nameTable) intern(name string) uint32 {
	if i, ok := t.indexOf[name]; ok {
		return i
	}
	i := uint32(len(t.names))
	t.names = append(t.names, name)
	t.indexOf[name] = i
	return i
}

// index resolves a name without interning.
func (t *nameTable) index(name string) (uint32, bool) {
	i, ok := t.indexOf[name]
	return i, ok
}
