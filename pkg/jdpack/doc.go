// Package jdpack packs and unpacks register payloads described by compact
// format strings.
//
// A format is a whitespace separated list of fields:
//
//	u8 u16 u32 u64     unsigned little-endian integers
//	i8 i16 i32 i64     signed little-endian integers
//	u22.10 i1.15       fixed point; integer and fraction bits add up to the width
//	f32 f64            IEEE floats
//	s s[n]             UTF-8 string; unsized takes the rest, sized is zero padded
//	b b[n]             raw bytes; unsized takes the rest
//	z                  NUL terminated string
//	x[n]               n padding bytes, no value
//	T[]                the rest of the payload as an array of T
//	r:                 the remaining fields repeat until the payload ends
//
// Unpacked values are uint64, int64, float64 (fixed point and floats),
// string, []byte, []any for arrays and [][]any for a repeated tail.
package jdpack
