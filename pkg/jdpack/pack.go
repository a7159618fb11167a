package jdpack

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"reflect"

	"github.com/jacdac-protocol/jacdac-go/pkg/wire"
)

// Pack encodes values according to format.
func Pack(format string, values ...any) ([]byte, error) {
	f, err := Parse(format)
	if err != nil {
		return nil, err
	}
	return f.Pack(values...)
}

// NewPacket returns a report packet whose payload is values packed with
// format.
func NewPacket(cmd uint16, format string, values ...any) (*wire.Packet, error) {
	data, err := Pack(format, values...)
	if err != nil {
		return nil, err
	}
	return wire.NewPacket(cmd, data), nil
}

// Pack encodes values. Padding fields take no value; a repeated tail takes
// one final value holding a list of rows.
func (f *Format) Pack(values ...any) ([]byte, error) {
	var buf bytes.Buffer
	head, tail := f.sections()

	rest, err := packFields(&buf, head, values)
	if err != nil {
		return nil, err
	}
	if tail == nil {
		if len(rest) != 0 {
			return nil, fmt.Errorf("%w: %d extra values for %q", ErrValueCount, len(rest), f.src)
		}
		return buf.Bytes(), nil
	}

	if len(rest) != 1 {
		return nil, fmt.Errorf("%w: %q wants one list of rows after the fixed fields", ErrValueCount, f.src)
	}
	rows, err := asList(rest[0])
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		cols, err := asList(row)
		if err != nil {
			return nil, err
		}
		left, err := packFields(&buf, tail, cols)
		if err != nil {
			return nil, err
		}
		if len(left) != 0 {
			return nil, fmt.Errorf("%w: %d extra values in row for %q", ErrValueCount, len(left), f.src)
		}
	}
	return buf.Bytes(), nil
}

// MustPack is like Pack but panics on error. It is meant for values whose
// types are fixed by the caller.
func (f *Format) MustPack(values ...any) []byte {
	data, err := f.Pack(values...)
	if err != nil {
		panic(err)
	}
	return data
}

func (f *Format) sections() (head, tail []field) {
	if f.repeat < 0 {
		return f.fields, nil
	}
	return f.fields[:f.repeat], f.fields[f.repeat:]
}

func packFields(buf *bytes.Buffer, fields []field, values []any) ([]any, error) {
	for _, fld := range fields {
		if fld.kind == kindPad {
			buf.Write(make([]byte, fld.size))
			continue
		}
		if len(values) == 0 {
			return nil, fmt.Errorf("%w: missing value", ErrValueCount)
		}
		v := values[0]
		values = values[1:]

		if !fld.array {
			if err := packValue(buf, fld, v); err != nil {
				return nil, err
			}
			continue
		}
		elems, err := asList(v)
		if err != nil {
			return nil, err
		}
		for _, e := range elems {
			if err := packValue(buf, fld, e); err != nil {
				return nil, err
			}
		}
	}
	return values, nil
}

func packValue(buf *bytes.Buffer, fld field, v any) error {
	switch fld.kind {
	case kindUint, kindInt:
		raw, err := fixedRaw(fld, v)
		if err != nil {
			return err
		}
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], raw)
		buf.Write(tmp[:fld.size])
	case kindFloat:
		x, err := toFloat(v)
		if err != nil {
			return err
		}
		if fld.size == 4 {
			var tmp [4]byte
			binary.LittleEndian.PutUint32(tmp[:], math.Float32bits(float32(x)))
			buf.Write(tmp[:])
		} else {
			var tmp [8]byte
			binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(x))
			buf.Write(tmp[:])
		}
	case kindString, kindBytes:
		b, err := toBytes(v)
		if err != nil {
			return err
		}
		if fld.size >= 0 {
			fixed := make([]byte, fld.size)
			copy(fixed, b)
			b = fixed
		}
		buf.Write(b)
	case kindZString:
		b, err := toBytes(v)
		if err != nil {
			return err
		}
		buf.Write(b)
		buf.WriteByte(0)
	}
	return nil
}

// fixedRaw converts v to the two's complement representation of an integer
// or fixed point field.
func fixedRaw(fld field, v any) (uint64, error) {
	bits := uint(fld.size * 8)
	if fld.frac > 0 {
		x, err := toFloat(v)
		if err != nil {
			return 0, err
		}
		x = math.Round(x * float64(uint64(1)<<fld.frac))
		if fld.kind == kindUint {
			if x < 0 || (bits < 64 && x >= float64(uint64(1)<<bits)) {
				return 0, fmt.Errorf("%w: %v", ErrOutOfRange, v)
			}
			return uint64(x), nil
		}
		if bits < 64 && (x < -float64(uint64(1)<<(bits-1)) || x >= float64(uint64(1)<<(bits-1))) {
			return 0, fmt.Errorf("%w: %v", ErrOutOfRange, v)
		}
		return uint64(int64(x)), nil
	}

	if fld.kind == kindUint {
		u, err := toUint(v)
		if err != nil {
			return 0, err
		}
		if bits < 64 && u >= uint64(1)<<bits {
			return 0, fmt.Errorf("%w: %v does not fit u%d", ErrOutOfRange, v, bits)
		}
		return u, nil
	}
	i, err := toInt(v)
	if err != nil {
		return 0, err
	}
	if bits < 64 {
		lo, hi := -int64(1)<<(bits-1), int64(1)<<(bits-1)-1
		if i < lo || i > hi {
			return 0, fmt.Errorf("%w: %v does not fit i%d", ErrOutOfRange, v, bits)
		}
	}
	return uint64(i), nil
}

func toInt(v any) (int64, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return 0, fmt.Errorf("%w: %v", ErrOutOfRange, v)
		}
		return int64(u), nil
	case reflect.Float32, reflect.Float64:
		return int64(math.Round(rv.Float())), nil
	case reflect.Bool:
		if rv.Bool() {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("%w: %T as integer", ErrValueType, v)
}

func toUint(v any) (uint64, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint(), nil
	}
	i, err := toInt(v)
	if err != nil {
		return 0, err
	}
	if i < 0 {
		return 0, fmt.Errorf("%w: %v is negative", ErrOutOfRange, v)
	}
	return uint64(i), nil
}

func toFloat(v any) (float64, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(rv.Uint()), nil
	}
	return 0, fmt.Errorf("%w: %T as number", ErrValueType, v)
}

func toBytes(v any) ([]byte, error) {
	switch x := v.(type) {
	case string:
		return []byte(x), nil
	case []byte:
		return x, nil
	case nil:
		return nil, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Array && rv.Type().Elem().Kind() == reflect.Uint8 {
		b := make([]byte, rv.Len())
		reflect.Copy(reflect.ValueOf(b), rv)
		return b, nil
	}
	if rv.Kind() == reflect.String {
		return []byte(rv.String()), nil
	}
	return nil, fmt.Errorf("%w: %T as bytes", ErrValueType, v)
}

// asList accepts any slice or array (other than byte strings) as a list of
// values.
func asList(v any) ([]any, error) {
	if l, ok := v.([]any); ok {
		return l, nil
	}
	if v == nil {
		return nil, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("%w: %T as list", ErrValueType, v)
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}
