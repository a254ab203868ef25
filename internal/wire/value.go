// Package wire implements the gokvd wire protocol: the typed value model,
// the fixed 10-byte packet header, the payload codec for every packet kind,
// and the chunk buffer used to reassemble packets from a byte stream.
//
// All multi-byte fields are big-endian. Framing is self-delimiting via the
// header's payload-length field.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// -------------------------------------------------------------------------
// Value Types
// -------------------------------------------------------------------------

// ValueType is the 1-byte discriminant carried with every stored value.
type ValueType uint8

const (
	// TypeString is a UTF-8 string value (tag 0x01).
	TypeString ValueType = 0x01

	// TypeInt is a signed 32-bit integer value, 4 bytes big-endian,
	// two's complement (tag 0x02).
	TypeInt ValueType = 0x02

	// TypeBool is a boolean value, 1 byte: 0x00 false, 0x01 true (tag 0x03).
	TypeBool ValueType = 0x03
)

// valueTypeNames maps value type tags to human-readable strings.
var valueTypeNames = map[ValueType]string{
	TypeString: "String",
	TypeInt:    "Int",
	TypeBool:   "Bool",
}

// String returns the human-readable name for the value type.
func (vt ValueType) String() string {
	if name, ok := valueTypeNames[vt]; ok {
		return name
	}
	return fmt.Sprintf(unknownFmt, uint8(vt))
}

// Valid reports whether vt is a recognized value type tag.
func (vt ValueType) Valid() bool {
	_, ok := valueTypeNames[vt]
	return ok
}

// -------------------------------------------------------------------------
// Value
// -------------------------------------------------------------------------

// Sentinel errors for value construction and validation.
var (
	// ErrInvalidValueType indicates an unrecognized value type tag.
	ErrInvalidValueType = errors.New("invalid value type")

	// ErrValueSize indicates the raw bytes do not match the declared type's
	// wire size (Int is exactly 4 bytes, Bool exactly 1).
	ErrValueSize = errors.New("value size does not match type")

	// ErrValueUTF8 indicates a String value whose bytes are not valid UTF-8.
	ErrValueUTF8 = errors.New("string value is not valid UTF-8")

	// ErrValueBool indicates a Bool value byte other than 0x00 or 0x01.
	ErrValueBool = errors.New("bool value byte must be 0x00 or 0x01")
)

// Value is a tagged binary value as stored in the tree and carried on the
// wire: a type discriminant plus the raw encoded bytes.
//
// Data is owned by the Value; callers must not mutate it after handing it
// to the store.
type Value struct {
	// Type is the value discriminant.
	Type ValueType

	// Data holds the raw value bytes in wire encoding.
	Data []byte
}

// StringValue builds a String-typed Value from s.
func StringValue(s string) Value {
	return Value{Type: TypeString, Data: []byte(s)}
}

// IntValue builds an Int-typed Value from v (4 bytes, big-endian,
// two's complement).
func IntValue(v int32) Value {
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, uint32(v))
	return Value{Type: TypeInt, Data: data}
}

// BoolValue builds a Bool-typed Value from v.
func BoolValue(v bool) Value {
	if v {
		return Value{Type: TypeBool, Data: []byte{0x01}}
	}
	return Value{Type: TypeBool, Data: []byte{0x00}}
}

// Validate checks that the raw bytes are a well-formed encoding of the
// declared type.
func (v Value) Validate() error {
	switch v.Type {
	case TypeString:
		if !utf8.Valid(v.Data) {
			return ErrValueUTF8
		}
	case TypeInt:
		if len(v.Data) != 4 {
			return fmt.Errorf("int value is %d bytes, want 4: %w", len(v.Data), ErrValueSize)
		}
	case TypeBool:
		if len(v.Data) != 1 {
			return fmt.Errorf("bool value is %d bytes, want 1: %w", len(v.Data), ErrValueSize)
		}
		if v.Data[0] > 0x01 {
			return fmt.Errorf("bool value byte 0x%02X: %w", v.Data[0], ErrValueBool)
		}
	default:
		return fmt.Errorf("value type 0x%02X: %w", uint8(v.Type), ErrInvalidValueType)
	}
	return nil
}

// AsString returns the value bytes as a string. Only meaningful for
// TypeString values.
func (v Value) AsString() string {
	return string(v.Data)
}

// AsInt decodes the value bytes as a signed 32-bit big-endian integer.
// Returns an error if the value is not a well-formed Int.
func (v Value) AsInt() (int32, error) {
	if v.Type != TypeInt || len(v.Data) != 4 {
		return 0, fmt.Errorf("value is %s (%d bytes): %w", v.Type, len(v.Data), ErrValueSize)
	}
	return int32(binary.BigEndian.Uint32(v.Data)), nil
}

// AsBool decodes the value bytes as a boolean.
// Returns an error if the value is not a well-formed Bool.
func (v Value) AsBool() (bool, error) {
	if v.Type != TypeBool || len(v.Data) != 1 {
		return false, fmt.Errorf("value is %s (%d bytes): %w", v.Type, len(v.Data), ErrValueSize)
	}
	return v.Data[0] == 0x01, nil
}

// Clone returns a deep copy of the value, so the copy shares no bytes with
// the original buffer.
func (v Value) Clone() Value {
	data := make([]byte, len(v.Data))
	copy(data, v.Data)
	return Value{Type: v.Type, Data: data}
}

// String renders the value for logs and the CLI. Malformed payloads render
// with a hex fallback rather than erroring.
func (v Value) String() string {
	switch v.Type {
	case TypeString:
		return v.AsString()
	case TypeInt:
		if n, err := v.AsInt(); err == nil {
			return fmt.Sprintf("%d", n)
		}
	case TypeBool:
		if b, err := v.AsBool(); err == nil {
			return fmt.Sprintf("%t", b)
		}
	}
	return fmt.Sprintf("%s(% X)", v.Type, v.Data)
}
