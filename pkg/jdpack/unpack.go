package jdpack

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Unpack decodes data according to format.
func Unpack(data []byte, format string) ([]any, error) {
	f, err := Parse(format)
	if err != nil {
		return nil, err
	}
	return f.Unpack(data)
}

// Unpack decodes data. A repeated tail is returned as a final [][]any.
func (f *Format) Unpack(data []byte) ([]any, error) {
	head, tail := f.sections()

	out, off, err := unpackFields(data, 0, head)
	if err != nil {
		return nil, err
	}
	if tail == nil {
		return out, nil
	}

	rows := [][]any{}
	for off < len(data) {
		row, next, err := unpackFields(data, off, tail)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
		if next == off {
			break
		}
		off = next
	}
	return append(out, rows), nil
}

func unpackFields(data []byte, off int, fields []field) ([]any, int, error) {
	out := make([]any, 0, len(fields))
	for _, fld := range fields {
		if fld.kind == kindPad {
			if off+fld.size > len(data) {
				return nil, off, fmt.Errorf("%w: padding at %d", ErrShortBuffer, off)
			}
			off += fld.size
			continue
		}
		if !fld.array {
			v, next, err := unpackValue(data, off, fld)
			if err != nil {
				return nil, off, err
			}
			out = append(out, v)
			off = next
			continue
		}
		elems := []any{}
		for off < len(data) {
			v, next, err := unpackValue(data, off, fld)
			if err != nil {
				return nil, off, err
			}
			elems = append(elems, v)
			if next == off {
				break
			}
			off = next
		}
		out = append(out, elems)
	}
	return out, off, nil
}

func unpackValue(data []byte, off int, fld field) (any, int, error) {
	switch fld.kind {
	case kindUint, kindInt, kindFloat:
		if off+fld.size > len(data) {
			return nil, off, fmt.Errorf("%w: need %d bytes at %d, have %d", ErrShortBuffer, fld.size, off, len(data)-off)
		}
		var tmp [8]byte
		copy(tmp[:], data[off:off+fld.size])
		raw := binary.LittleEndian.Uint64(tmp[:])
		off += fld.size
		return decodeNumber(fld, raw), off, nil

	case kindString, kindBytes:
		end := len(data)
		if fld.size >= 0 {
			end = off + fld.size
			if end > len(data) {
				return nil, off, fmt.Errorf("%w: need %d bytes at %d", ErrShortBuffer, fld.size, off)
			}
		}
		chunk := data[off:end]
		if fld.kind == kindBytes {
			return append([]byte{}, chunk...), end, nil
		}
		if i := bytes.IndexByte(chunk, 0); i >= 0 {
			chunk = chunk[:i]
		}
		return string(chunk), end, nil

	case kindZString:
		rest := data[off:]
		i := bytes.IndexByte(rest, 0)
		if i < 0 {
			return string(rest), len(data), nil
		}
		return string(rest[:i]), off + i + 1, nil
	}
	return nil, off, fmt.Errorf("%w: field kind %d", ErrInvalidFormat, fld.kind)
}

func decodeNumber(fld field, raw uint64) any {
	bits := uint(fld.size * 8)
	switch fld.kind {
	case kindFloat:
		if fld.size == 4 {
			return float64(math.Float32frombits(uint32(raw)))
		}
		return math.Float64frombits(raw)
	case kindInt:
		shift := 64 - bits
		i := int64(raw<<shift) >> shift
		if fld.frac > 0 {
			return float64(i) / float64(uint64(1)<<fld.frac)
		}
		return i
	default:
		if fld.frac > 0 {
			return float64(raw) / float64(uint64(1)<<fld.frac)
		}
		return raw
	}
}
