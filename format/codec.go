package format

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/orian/sheetsmith/models"
)

// Decoder turns one chunk payload into a record. offset is the payload's
// position in the container and only used for error messages. Decode
// returns the number of payload bytes consumed.
type Decoder interface {
	Decode(data []byte, offset int64) (Record, int64, error)
}

type DecoderFunc func(data []byte, offset int64) (Record, int64, error)

func (f DecoderFunc) Decode(data []byte, offset int64) (Record, int64, error) {
	return f(data, offset)
}

var decoders = map[Kind]Decoder{
	KindSheetHeader: DecoderFunc(decodeSheetHeader),
	KindRow:         DecoderFunc(decodeRow),
	KindDelete:      DecoderFunc(decodeDelete),
	KindFile:        DecoderFunc(decodeFile),
	KindTexture:     DecoderFunc(decodeTexture),
}

// For returns the decoder for kind.
func For(kind Kind) (Decoder, error) {
	d, ok := decoders[kind]
	if !ok {
		return nil, fmt.Errorf("%w: no decoder for %s", models.ErrPatchVerificationFailed, kind)
	}
	return d, nil
}

var errShort = errors.New("unexpected end of payload")

type cursor struct {
	data []byte
	pos  int
	err  error
}

func (c *cursor) take(n int) []byte {
	if c.err != nil {
		return nil
	}
	if n < 0 || c.pos+n > len(c.data) {
		c.err = errShort
		return nil
	}
	b := c.data[c.pos : c.pos+n]
	c.pos += n
	return b
}

func (c *cursor) u8() uint8 {
	b := c.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (c *cursor) u16() uint16 {
	b := c.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (c *cursor) u32() uint32 {
	b := c.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (c *cursor) u64() uint64 {
	b := c.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (c *cursor) str() string {
	n := c.u16()
	return string(c.take(int(n)))
}

func (c *cursor) bytes32() []byte {
	n := c.u32()
	b := c.take(int(n))
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func (c *cursor) value() Value {
	kind := FieldKind(c.u8())
	if c.err == nil && !kind.valid() {
		c.err = fmt.Errorf("unknown field kind %d", kind)
	}
	switch kind {
	case FieldString:
		return Value{kind, c.str()}
	case FieldBool:
		return Value{kind, c.u8() != 0}
	case FieldInt8:
		return Value{kind, int64(int8(c.u8()))}
	case FieldInt16:
		return Value{kind, int64(int16(c.u16()))}
	case FieldInt32:
		return Value{kind, int64(int32(c.u32()))}
	case FieldInt64:
		return Value{kind, int64(c.u64())}
	case FieldUint8:
		return Value{kind, uint64(c.u8())}
	case FieldUint16:
		return Value{kind, uint64(c.u16())}
	case FieldUint32:
		return Value{kind, uint64(c.u32())}
	case FieldUint64:
		return Value{kind, c.u64()}
	case FieldFloat32:
		return Value{kind, float64(math.Float32frombits(c.u32()))}
	}
	return Value{}
}

func (c *cursor) fail(kind Kind, offset int64) error {
	return fmt.Errorf("%w: %s at offset %d: %v", models.ErrPatchVerificationFailed, kind, offset+int64(c.pos), c.err)
}

func decodeSheetHeader(data []byte, offset int64) (Record, int64, error) {
	c := &cursor{data: data}
	h := SheetHeader{Sheet: c.str()}
	n := c.u16()
	for i := 0; i < int(n) && c.err == nil; i++ {
		k := FieldKind(c.u8())
		if c.err == nil && !k.valid() {
			c.err = fmt.Errorf("unknown column kind %d", k)
		}
		h.Columns = append(h.Columns, k)
	}
	if c.err != nil {
		return nil, 0, c.fail(KindSheetHeader, offset)
	}
	return h, int64(c.pos), nil
}

func decodeRow(data []byte, offset int64) (Record, int64, error) {
	c := &cursor{data: data}
	r := Row{Sheet: c.str(), ID: c.u32()}
	n := c.u16()
	for i := 0; i < int(n) && c.err == nil; i++ {
		r.Fields = append(r.Fields, c.value())
	}
	if c.err != nil {
		return nil, 0, c.fail(KindRow, offset)
	}
	return r, int64(c.pos), nil
}

func decodeDelete(data []byte, offset int64) (Record, int64, error) {
	c := &cursor{data: data}
	d := Delete{Sheet: c.str(), ID: c.u32()}
	if c.err != nil {
		return nil, 0, c.fail(KindDelete, offset)
	}
	return d, int64(c.pos), nil
}

func decodeFile(data []byte, offset int64) (Record, int64, error) {
	c := &cursor{data: data}
	f := File{Path: c.str(), Data: c.bytes32()}
	if c.err != nil {
		return nil, 0, c.fail(KindFile, offset)
	}
	return f, int64(c.pos), nil
}

func appendStr(b []byte, s string) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}

func appendValue(b []byte, v Value) []byte {
	b = append(b, byte(v.Kind))
	switch v.Kind {
	case FieldString:
		s, _ := v.V.(string)
		return appendStr(b, s)
	case FieldBool:
		if t, _ := v.V.(bool); t {
			return append(b, 1)
		}
		return append(b, 0)
	case FieldInt8:
		return append(b, byte(asInt(v.V)))
	case FieldInt16:
		return binary.BigEndian.AppendUint16(b, uint16(asInt(v.V)))
	case FieldInt32:
		return binary.BigEndian.AppendUint32(b, uint32(asInt(v.V)))
	case FieldInt64:
		return binary.BigEndian.AppendUint64(b, uint64(asInt(v.V)))
	case FieldUint8:
		return append(b, byte(asUint(v.V)))
	case FieldUint16:
		return binary.BigEndian.AppendUint16(b, uint16(asUint(v.V)))
	case FieldUint32:
		return binary.BigEndian.AppendUint32(b, uint32(asUint(v.V)))
	case FieldUint64:
		return binary.BigEndian.AppendUint64(b, asUint(v.V))
	case FieldFloat32:
		f, _ := v.V.(float64)
		return binary.BigEndian.AppendUint32(b, math.Float32bits(float32(f)))
	}
	return b
}

func asInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case uint64:
		return int64(n)
	case int:
		return int64(n)
	}
	return 0
}

func asUint(v any) uint64 {
	switch n := v.(type) {
	case uint64:
		return n
	case int64:
		return uint64(n)
	case int:
		return uint64(n)
	}
	return 0
}

func (h SheetHeader) appendPayload(b []byte) []byte {
	b = appendStr(b, h.Sheet)
	b = binary.BigEndian.AppendUint16(b, uint16(len(h.Columns)))
	for _, k := range h.Columns {
		b = append(b, byte(k))
	}
	return b
}

func (r Row) appendPayload(b []byte) []byte {
	b = appendStr(b, r.Sheet)
	b = binary.BigEndian.AppendUint32(b, r.ID)
	b = binary.BigEndian.AppendUint16(b, uint16(len(r.Fields)))
	for _, v := range r.Fields {
		b = appendValue(b, v)
	}
	return b
}

func (d Delete) appendPayload(b []byte) []byte {
	b = appendStr(b, d.Sheet)
	return binary.BigEndian.AppendUint32(b, d.ID)
}

func (f File) appendPayload(b []byte) []byte {
	b = appendStr(b, f.Path)
	b = binary.BigEndian.AppendUint32(b, uint32(len(f.Data)))
	return append(b, f.Data...)
}

// EncodeFields serialises row fields for storage.
func EncodeFields(fields []Value) []byte {
	b := binary.BigEndian.AppendUint16(nil, uint16(len(fields)))
	for _, v := range fields {
		b = appendValue(b, v)
	}
	return b
}

// DecodeFields reverses EncodeFields.
func DecodeFields(data []byte) ([]Value, error) {
	c := &cursor{data: data}
	n := c.u16()
	fields := make([]Value, 0, n)
	for i := 0; i < int(n) && c.err == nil; i++ {
		fields = append(fields, c.value())
	}
	if c.err != nil {
		return nil, fmt.Errorf("decode fields: %w", c.err)
	}
	return fields, nil
}

// EncodeKinds serialises a sheet's column kinds for storage.
func EncodeKinds(kinds []FieldKind) []byte {
	b := make([]byte, len(kinds))
	for i, k := range kinds {
		b[i] = byte(k)
	}
	return b
}

// DecodeKinds reverses EncodeKinds.
func DecodeKinds(data []byte) []FieldKind {
	kinds := make([]FieldKind, len(data))
	for i, b := range data {
		kinds[i] = FieldKind(b)
	}
	return kinds
}
