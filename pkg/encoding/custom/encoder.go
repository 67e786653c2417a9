package custom

import (
	"encoding/binary"
	"fmt"
	"math"
)

// TypeID is the tag written in front of every encoded value.
type TypeID uint8

const (
	TypeInt32 TypeID = iota + 1
	TypeInt64
	TypeBytes
	TypeString
	TypeMessage
	TypeList
)

// Value holds one value of any supported type.
type Value struct {
	Type    TypeID
	Int32   int32
	Int64   int64
	Bytes   []byte
	String  string
	Message []Field
	List    []Value
}

// Field is a numbered member of a message.
type Field struct {
	Number uint32
	Value  Value
}

type EncodeError struct {
	Message string
}

func (e *EncodeError) Error() string {
	return e.Message
}

type DecodeError struct {
	Message string
}

func (e *DecodeError) Error() string {
	return e.Message
}

func Int32(v int32) Value      { return Value{Type: TypeInt32, Int32: v} }
func Int64(v int64) Value      { return Value{Type: TypeInt64, Int64: v} }
func Bytes(b []byte) Value     { return Value{Type: TypeBytes, Bytes: b} }
func String(s string) Value    { return Value{Type: TypeString, String: s} }
func Message(f ...Field) Value { return Value{Type: TypeMessage, Message: f} }
func List(items []Value) Value { return Value{Type: TypeList, List: items} }

// Lookup returns the first field with the given number.
func (v Value) Lookup(number uint32) (Value, bool) {
	for _, f := range v.Message {
		if f.Number == number {
			return f.Value, true
		}
	}
	return Value{}, false
}

// Encode writes the value in the tagged little-endian format.
func Encode(value Value) ([]byte, error) {
	return appendValue(nil, value)
}

func appendLen(buf []byte, n int) ([]byte, error) {
	if n > math.MaxUint32 {
		return nil, &EncodeError{Message: fmt.Sprintf("length overflows uint32: %d", n)}
	}
	return binary.LittleEndian.AppendUint32(buf, uint32(n)), nil
}

func appendValue(buf []byte, value Value) ([]byte, error) {
	var err error
	buf = append(buf, byte(value.Type))

	switch value.Type {
	case TypeInt32:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(value.Int32))

	case TypeInt64:
		buf = binary.LittleEndian.AppendUint64(buf, uint64(value.Int64))

	case TypeBytes:
		if buf, err = appendLen(buf, len(value.Bytes)); err != nil {
			return nil, err
		}
		buf = append(buf, value.Bytes...)

	case TypeString:
		if buf, err = appendLen(buf, len(value.String)); err != nil {
			return nil, err
		}
		buf = append(buf, value.String...)

	case TypeMessage:
		if buf, err = appendLen(buf, len(value.Message)); err != nil {
			return nil, err
		}
		for _, field := range value.Message {
			buf = binary.LittleEndian.AppendUint32(buf, field.Number)
			if buf, err = appendValue(buf, field.Value); err != nil {
				return nil, err
			}
		}

	case TypeList:
		// an empty list is a valid value: an empty map still snapshots
		if buf, err = appendLen(buf, len(value.List)); err != nil {
			return nil, err
		}
		for _, item := range value.List {
			if buf, err = appendValue(buf, item); err != nil {
				return nil, err
			}
		}

	default:
		return nil, &EncodeError{Message: fmt.Sprintf("unknown type: %d", value.Type)}
	}

	return buf, nil
}

// Decode reads one value and returns the number of bytes consumed.
func Decode(data []byte) (Value, int, error) {
	if len(data) < 1 {
		return Value{}, 0, &DecodeError{Message: "insufficient data"}
	}

	valueType := TypeID(data[0])
	offset := 1

	readLen := func(what string) (int, error) {
		if len(data[offset:]) < 4 {
			return 0, &DecodeError{Message: "insufficient data for " + what}
		}
		n := int(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4
		return n, nil
	}

	switch valueType {
	case TypeInt32:
		if len(data[offset:]) < 4 {
			return Value{}, 0, &DecodeError{Message: "insufficient data for int32"}
		}
		value := int32(binary.LittleEndian.Uint32(data[offset:]))
		return Int32(value), offset + 4, nil

	case TypeInt64:
		if len(data[offset:]) < 8 {
			return Value{}, 0, &DecodeError{Message: "insufficient data for int64"}
		}
		value := int64(binary.LittleEndian.Uint64(data[offset:]))
		return Int64(value), offset + 8, nil

	case TypeBytes, TypeString:
		length, err := readLen("length")
		if err != nil {
			return Value{}, 0, err
		}
		if len(data[offset:]) < length {
			return Value{}, 0, &DecodeError{Message: "insufficient data for content"}
		}
		raw := data[offset : offset+length]
		if valueType == TypeString {
			return String(string(raw)), offset + length, nil
		}
		b := make([]byte, length)
		copy(b, raw)
		return Bytes(b), offset + length, nil

	case TypeMessage:
		fieldCount, err := readLen("message field count")
		if err != nil {
			return Value{}, 0, err
		}
		fields := make([]Field, 0, min(fieldCount, len(data)))

		for i := 0; i < fieldCount; i++ {
			if len(data[offset:]) < 4 {
				return Value{}, 0, &DecodeError{Message: "insufficient data for field number"}
			}
			number := binary.LittleEndian.Uint32(data[offset:])
			offset += 4

			value, n, err := Decode(data[offset:])
			if err != nil {
				return Value{}, 0, err
			}
			fields = append(fields, Field{Number: number, Value: value})
			offset += n
		}
		return Message(fields...), offset, nil

	case TypeList:
		length, err := readLen("list length")
		if err != nil {
			return Value{}, 0, err
		}
		items := make([]Value, 0, min(length, len(data)))

		for i := 0; i < length; i++ {
			value, n, err := Decode(data[offset:])
			if err != nil {
				return Value{}, 0, err
			}
			items = append(items, value)
			offset += n
		}
		return List(items), offset, nil

	default:
		return Value{}, 0, &DecodeError{Message: fmt.Sprintf("unknown type: %d", valueType)}
	}
}
