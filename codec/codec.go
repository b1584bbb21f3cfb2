// Package codec implements the on-disk message schema of a database.
//
// Messages use the protobuf wire format (via protowire) so the layout
// stays stable and language-neutral. Field numbers are part of the
// format; never renumber them. On streams, every message is prefixed
// with its varint-encoded byte length.
package codec

import (
	"errors"
	"fmt"
	"io"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrCodec is wrapped by every decode failure, including invariant
// violations detected after decoding.
var ErrCodec = errors.New("codec")

func decodeErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCodec, fmt.Sprintf(format, args...))
}

// Message is an encodable/decodable wire message.
type Message interface {
	// MarshalAppend appends the wire encoding to b and returns the
	// extended buffer.
	MarshalAppend(b []byte) []byte
	// Unmarshal decodes the message from b, which must contain exactly
	// one message.
	Unmarshal(b []byte) error
}

// maxMessageSize bounds a single length-prefixed message (1 GiB).
const maxMessageSize = 1 << 30

// WriteMessage writes m to w with a varint length prefix.
func WriteMessage(w io.Writer, m Message) error {
	body := m.MarshalAppend(nil)
	buf := protowire.AppendVarint(nil, uint64(len(body)))
	if _, err := w.Write(buf); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// ReadMessage reads one varint-length-prefixed message from r into m.
func ReadMessage(r io.Reader, m Message) error {
	size, err := readVarint(r)
	if err != nil {
		return err
	}
	if size > maxMessageSize {
		return decodeErr("message size %d exceeds limit", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return decodeErr("truncated message: %v", err)
		}
		return err
	}
	return m.Unmarshal(body)
}

func readVarint(r io.Reader) (uint64, error) {
	var x uint64
	var shift uint
	buf := make([]byte, 1)
	for shift < 64 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return 0, err
		}
		b := buf[0]
		x |= uint64(b&0x7f) << shift
		if b < 0x80 {
			return x, nil
		}
		shift += 7
	}
	return 0, decodeErr("varint overflows 64 bits")
}

// Field helpers.

func appendUint32Field(b []byte, num protowire.Number, v uint32) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendUint64Field(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendFixed64Field(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, v)
}

// appendPackedFloats appends a packed repeated-float field.
func appendPackedFloats(b []byte, num protowire.Number, vs []float32) []byte {
	if len(vs) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(4*len(vs)))
	for _, v := range vs {
		b = protowire.AppendFixed32(b, math.Float32bits(v))
	}
	return b
}

// appendPackedUint32 appends a packed repeated-uint32 field.
func appendPackedUint32(b []byte, num protowire.Number, vs []uint32) []byte {
	if len(vs) == 0 {
		return b
	}
	var body []byte
	for _, v := range vs {
		body = protowire.AppendVarint(body, uint64(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

func appendMessageField(b []byte, num protowire.Number, m Message) []byte {
	body := m.MarshalAppend(nil)
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

func consumePackedFloats(v []byte, dst []float32) ([]float32, error) {
	if len(v)%4 != 0 {
		return nil, decodeErr("packed float field has %d bytes", len(v))
	}
	for len(v) > 0 {
		bits, n := protowire.ConsumeFixed32(v)
		if n < 0 {
			return nil, decodeErr("bad fixed32: %v", protowire.ParseError(n))
		}
		dst = append(dst, math.Float32frombits(bits))
		v = v[n:]
	}
	return dst, nil
}

func consumePackedUint32(v []byte, dst []uint32) ([]uint32, error) {
	for len(v) > 0 {
		x, n := protowire.ConsumeVarint(v)
		if n < 0 {
			return nil, decodeErr("bad varint: %v", protowire.ParseError(n))
		}
		if x > math.MaxUint32 {
			return nil, decodeErr("uint32 field overflows: %d", x)
		}
		dst = append(dst, uint32(x))
		v = v[n:]
	}
	return dst, nil
}

// scanFields walks a message's fields, dispatching by number.
func scanFields(b []byte, visit func(num protowire.Number, typ protowire.Type, v []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return decodeErr("bad tag: %v", protowire.ParseError(n))
		}
		b = b[n:]
		size := protowire.ConsumeFieldValue(num, typ, b)
		if size < 0 {
			return decodeErr("bad field %d: %v", num, protowire.ParseError(size))
		}
		if err := visit(num, typ, b[:size]); err != nil {
			return err
		}
		b = b[size:]
	}
	return nil
}

func fieldUint32(typ protowire.Type, v []byte) (uint32, error) {
	if typ != protowire.VarintType {
		return 0, decodeErr("unexpected wire type %d for varint field", typ)
	}
	x, n := protowire.ConsumeVarint(v)
	if n < 0 {
		return 0, decodeErr("bad varint: %v", protowire.ParseError(n))
	}
	if x > math.MaxUint32 {
		return 0, decodeErr("uint32 field overflows: %d", x)
	}
	return uint32(x), nil
}

func fieldUint64(typ protowire.Type, v []byte) (uint64, error) {
	if typ != protowire.VarintType {
		return 0, decodeErr("unexpected wire type %d for varint field", typ)
	}
	x, n := protowire.ConsumeVarint(v)
	if n < 0 {
		return 0, decodeErr("bad varint: %v", protowire.ParseError(n))
	}
	return x, nil
}

// fieldBytes strips the length prefix from a bytes-typed field value.
func fieldBytes(typ protowire.Type, v []byte) ([]byte, error) {
	if typ != protowire.BytesType {
		return nil, decodeErr("unexpected wire type %d for bytes field", typ)
	}
	payload, n := protowire.ConsumeBytes(v)
	if n < 0 {
		return nil, decodeErr("bad bytes field: %v", protowire.ParseError(n))
	}
	return payload, nil
}

func fieldString(typ protowire.Type, v []byte) (string, error) {
	payload, err := fieldBytes(typ, v)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

func fieldFixed64(typ protowire.Type, v []byte) (uint64, error) {
	if typ != protowire.Fixed64Type {
		return 0, decodeErr("unexpected wire type %d for fixed64 field", typ)
	}
	x, n := protowire.ConsumeFixed64(v)
	if n < 0 {
		return 0, decodeErr("bad fixed64: %v", protowire.ParseError(n))
	}
	return x, nil
}
