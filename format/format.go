// Package format reads and writes sheetsmith patch containers.
//
// A container starts with the magic "SSPT" and a big-endian uint16 format
// version, followed by chunks:
//
//	[u32 payload length][4 byte tag][payload][u32 crc32(tag|payload)]
//
// The final chunk carries the tag "EOF_" and an empty payload. Each tag maps
// to exactly one Kind, and each Kind has exactly one Decoder.
package format

import (
	"fmt"
	"math"
	"strconv"
)

const (
	Magic   = "SSPT"
	Version = uint16(1)

	eofTag = "EOF_"
)

// Kind selects the decoder for a chunk.
type Kind uint8

const (
	KindSheetHeader Kind = iota + 1
	KindRow
	KindDelete
	KindFile
	KindTexture
)

var kindTags = map[Kind]string{
	KindSheetHeader: "SHDR",
	KindRow:         "SROW",
	KindDelete:      "SDEL",
	KindFile:        "FILE",
	KindTexture:     "TEXR",
}

// Tag is the four byte chunk tag for k.
func (k Kind) Tag() string {
	return kindTags[k]
}

func (k Kind) String() string {
	if t, ok := kindTags[k]; ok {
		return t
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// KindForTag returns the kind whose chunks carry tag.
func KindForTag(tag string) (Kind, bool) {
	for k, t := range kindTags {
		if t == tag {
			return k, true
		}
	}
	return 0, false
}

// Record is one decoded chunk. The set of records is closed.
type Record interface {
	Kind() Kind
	appendPayload(b []byte) []byte
}

// SheetHeader declares a sheet and the kinds of its columns. A header for an
// existing sheet replaces its column kinds.
type SheetHeader struct {
	Sheet   string
	Columns []FieldKind
}

func (SheetHeader) Kind() Kind { return KindSheetHeader }

// Row inserts or replaces one row of a sheet.
type Row struct {
	Sheet  string
	ID     uint32
	Fields []Value
}

func (Row) Kind() Kind { return KindRow }

// Delete removes one row of a sheet.
type Delete struct {
	Sheet string
	ID    uint32
}

func (Delete) Kind() Kind { return KindDelete }

// File inserts or replaces a raw asset.
type File struct {
	Path string
	Data []byte
}

func (File) Kind() Kind { return KindFile }

// Texture inserts or replaces an image asset.
type Texture struct {
	Path   string
	Width  uint16
	Height uint16
	Format PixelFormat
	Pixels []byte
}

func (Texture) Kind() Kind { return KindTexture }

// FieldKind is the wire type of a row field.
type FieldKind uint8

const (
	FieldString FieldKind = iota + 1
	FieldBool
	FieldInt8
	FieldInt16
	FieldInt32
	FieldInt64
	FieldUint8
	FieldUint16
	FieldUint32
	FieldUint64
	FieldFloat32
)

var fieldKindNames = [...]string{
	FieldString:  "string",
	FieldBool:    "bool",
	FieldInt8:    "int8",
	FieldInt16:   "int16",
	FieldInt32:   "int32",
	FieldInt64:   "int64",
	FieldUint8:   "uint8",
	FieldUint16:  "uint16",
	FieldUint32:  "uint32",
	FieldUint64:  "uint64",
	FieldFloat32: "float32",
}

func (k FieldKind) String() string {
	if !k.valid() {
		return fmt.Sprintf("FieldKind(%d)", uint8(k))
	}
	return fieldKindNames[k]
}

func (k FieldKind) valid() bool {
	return k >= FieldString && k <= FieldFloat32
}

// ParseFieldKind returns the kind named name, as printed by String.
func ParseFieldKind(name string) (FieldKind, error) {
	for k, n := range fieldKindNames {
		if n != "" && n == name {
			return FieldKind(k), nil
		}
	}
	return 0, fmt.Errorf("unknown field kind %q", name)
}

// Signed reports whether k is a signed integer kind.
func (k FieldKind) Signed() bool {
	return k >= FieldInt8 && k <= FieldInt64
}

// Unsigned reports whether k is an unsigned integer kind.
func (k FieldKind) Unsigned() bool {
	return k >= FieldUint8 && k <= FieldUint64
}

// Value is one decoded field. V holds a string, bool, int64, uint64 or
// float64 depending on Kind.
type Value struct {
	Kind FieldKind
	V    any
}

func String(s string) Value   { return Value{Kind: FieldString, V: s} }
func Bool(b bool) Value       { return Value{Kind: FieldBool, V: b} }
func Int32(i int32) Value     { return Value{Kind: FieldInt32, V: int64(i)} }
func Int64(i int64) Value     { return Value{Kind: FieldInt64, V: i} }
func Uint8(u uint8) Value     { return Value{Kind: FieldUint8, V: uint64(u)} }
func Uint32(u uint32) Value   { return Value{Kind: FieldUint32, V: uint64(u)} }
func Float32(f float32) Value { return Value{Kind: FieldFloat32, V: float64(f)} }

var intBits = map[FieldKind]int{FieldInt8: 8, FieldInt16: 16, FieldInt32: 32, FieldInt64: 64,
	FieldUint8: 8, FieldUint16: 16, FieldUint32: 32, FieldUint64: 64}

// Coerce converts a loosely typed scalar, as produced by config and YAML
// decoders, into a Value of kind. Integers must fit the kind's width.
func Coerce(kind FieldKind, v any) (Value, error) {
	switch kind {
	case FieldString:
		switch s := v.(type) {
		case string:
			return String(s), nil
		case int, int64, uint64, float64, bool:
			return String(fmt.Sprint(s)), nil
		}
	case FieldBool:
		if b, ok := v.(bool); ok {
			return Bool(b), nil
		}
	case FieldFloat32:
		switch n := v.(type) {
		case float64:
			return Float32(float32(n)), nil
		case int:
			return Float32(float32(n)), nil
		case int64:
			return Float32(float32(n)), nil
		}
	default:
		bits, ok := intBits[kind]
		if !ok {
			return Value{}, fmt.Errorf("unknown field kind %d", uint8(kind))
		}
		s := fmt.Sprint(v)
		if f, isFloat := v.(float64); isFloat {
			if f != math.Trunc(f) {
				return Value{}, fmt.Errorf("%v is not an integer", v)
			}
			s = strconv.FormatFloat(f, 'f', 0, 64)
		}
		if kind.Unsigned() {
			u, err := strconv.ParseUint(s, 10, bits)
			if err != nil {
				return Value{}, fmt.Errorf("%v does not fit %s", v, kind)
			}
			return Value{Kind: kind, V: u}, nil
		}
		i, err := strconv.ParseInt(s, 10, bits)
		if err != nil {
			return Value{}, fmt.Errorf("%v does not fit %s", v, kind)
		}
		return Value{Kind: kind, V: i}, nil
	}
	return Value{}, fmt.Errorf("%v (%T) is not a %s", v, v, kind)
}
