package jdpack

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Errors returned while parsing formats or packing values.
var (
	ErrInvalidFormat = errors.New("jdpack: invalid format")
	ErrShortBuffer   = errors.New("jdpack: short buffer")
	ErrValueCount    = errors.New("jdpack: value count mismatch")
	ErrValueType     = errors.New("jdpack: unsupported value type")
	ErrOutOfRange    = errors.New("jdpack: value out of range")
)

type kind uint8

const (
	kindUint kind = iota
	kindInt
	kindFloat
	kindString
	kindBytes
	kindZString
	kindPad
)

type field struct {
	kind  kind
	size  int // bytes, -1 when the field takes the rest of the payload
	frac  uint
	array bool
}

// Format is a parsed format string.
type Format struct {
	src    string
	fields []field

	// repeat is the index of the first repeated field, or -1.
	repeat int
}

var cache sync.Map // string -> *Format

// Parse parses a format string. Parsed formats are cached.
func Parse(format string) (*Format, error) {
	if f, ok := cache.Load(format); ok {
		return f.(*Format), nil
	}
	f, err := parse(format)
	if err != nil {
		return nil, err
	}
	cache.Store(format, f)
	return f, nil
}

// MustParse is like Parse but panics on error.
func MustParse(format string) *Format {
	f, err := Parse(format)
	if err != nil {
		panic(err)
	}
	return f
}

// String returns the source format.
func (f *Format) String() string { return f.src }

func parse(src string) (*Format, error) {
	f := &Format{src: src, repeat: -1}
	for _, tok := range strings.Fields(src) {
		if tok == "r:" {
			if f.repeat >= 0 {
				return nil, fmt.Errorf("%w: %q: repeated r:", ErrInvalidFormat, src)
			}
			f.repeat = len(f.fields)
			continue
		}
		fld, err := parseField(tok)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidFormat, src, err)
		}
		f.fields = append(f.fields, fld)
	}
	if err := f.checkLayout(); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidFormat, src, err)
	}
	return f, nil
}

// checkLayout rejects variable width fields followed by more fields in the
// same section.
func (f *Format) checkLayout() error {
	sections := [][]field{f.fields}
	if f.repeat >= 0 {
		if f.repeat == len(f.fields) {
			return errors.New("empty repeat")
		}
		sections = [][]field{f.fields[:f.repeat], f.fields[f.repeat:]}
	}
	for si, sec := range sections {
		for i, fld := range sec {
			last := i == len(sec)-1
			if fld.array && !last {
				return errors.New("array must be the last field")
			}
			if fld.size < 0 && fld.kind != kindZString && !last {
				return errors.New("unsized field must be the last field")
			}
			if f.repeat >= 0 && si == 0 && (fld.array || (fld.size < 0 && fld.kind != kindZString)) {
				return errors.New("unsized field before r:")
			}
		}
	}
	return nil
}

func parseField(tok string) (field, error) {
	var fld field
	if strings.HasSuffix(tok, "[]") {
		fld.array = true
		tok = strings.TrimSuffix(tok, "[]")
	}
	if tok == "" {
		return fld, errors.New("empty field")
	}

	switch c, rest := tok[0], tok[1:]; c {
	case 'u', 'i', 'f':
		intPart, fracPart, hasFrac := strings.Cut(rest, ".")
		bits, err := strconv.Atoi(intPart)
		if err != nil {
			return fld, fmt.Errorf("bad width in %q", tok)
		}
		frac := 0
		if hasFrac {
			if frac, err = strconv.Atoi(fracPart); err != nil {
				return fld, fmt.Errorf("bad fraction in %q", tok)
			}
		}
		total := bits + frac
		switch total {
		case 8, 16, 32, 64:
		default:
			return fld, fmt.Errorf("unsupported width %d in %q", total, tok)
		}
		fld.size = total / 8
		fld.frac = uint(frac)
		switch c {
		case 'u':
			fld.kind = kindUint
		case 'i':
			fld.kind = kindInt
		default:
			if hasFrac || (total != 32 && total != 64) {
				return fld, fmt.Errorf("bad float %q", tok)
			}
			fld.kind = kindFloat
		}
	case 's', 'b', 'x', 'z':
		size := -1
		if rest != "" {
			if !strings.HasPrefix(rest, "[") || !strings.HasSuffix(rest, "]") {
				return fld, fmt.Errorf("bad size in %q", tok)
			}
			n, err := strconv.Atoi(rest[1 : len(rest)-1])
			if err != nil || n < 0 {
				return fld, fmt.Errorf("bad size in %q", tok)
			}
			size = n
		}
		fld.size = size
		switch c {
		case 's':
			fld.kind = kindString
		case 'b':
			fld.kind = kindBytes
		case 'z':
			if size >= 0 {
				return fld, fmt.Errorf("z takes no size: %q", tok)
			}
			fld.kind = kindZString
		case 'x':
			if size < 0 || fld.array {
				return fld, fmt.Errorf("x needs a size: %q", tok)
			}
			fld.kind = kindPad
		}
	default:
		return fld, fmt.Errorf("unknown field %q", tok)
	}
	return fld, nil
}
