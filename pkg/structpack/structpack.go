// Copyright 2025 The fleetcore Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package structpack implements the compact per-field format descriptor the
// fleet uses for binary property values: an optional byte-order marker from
// "@=!<>" followed by groups of an optional repeat count and a type code from
// "xcbBhHiIlLfdspPqQ?". Standard (packed) sizes are used throughout; the
// default byte order with no marker is network order.
package structpack

import (
	"encoding/binary"
	"math"
	"strings"

	"github.com/gmbnd/fleetcore/pkg/errors"
)

// Field is one parsed format group: a type code and its repeat count. For the
// string codes 's' and 'p' the count is the byte length of a single string,
// not a repeat.
type Field struct {
	Code  byte
	Count int
}

// Format is a parsed format descriptor.
type Format struct {
	LittleEndian bool
	Fields       []Field
}

const typeCodes = "xcbBhHiIlLfdspPqQ?"

// sizeOf returns the packed byte size of one scalar of the given code. String
// codes return 1 and are scaled by their count by the caller.
func sizeOf(code byte) int {
	switch code {
	case 'x', 'c', 'b', 'B', '?', 's', 'p':
		return 1
	case 'h', 'H':
		return 2
	case 'i', 'I', 'l', 'L', 'f':
		return 4
	case 'q', 'Q', 'P', 'd':
		return 8
	}
	return 0
}

// Parse parses a format descriptor. The empty string parses to a format with
// no fields and size zero.
func Parse(format string) (*Format, error) {
	f := &Format{}
	i := 0
	if i < len(format) && strings.IndexByte("@=!<>", format[i]) >= 0 {
		f.LittleEndian = format[i] == '<'
		i++
	}
	for i < len(format) {
		count := -1
		for i < len(format) && format[i] >= '0' && format[i] <= '9' {
			if count < 0 {
				count = 0
			}
			count = count*10 + int(format[i]-'0')
			if count > 1<<20 {
				return nil, errors.Newf(errors.KindPropertyFormat, "repeat count too large in format %q", format)
			}
			i++
		}
		if i >= len(format) {
			return nil, errors.Newf(errors.KindPropertyFormat, "format %q ends with a bare repeat count", format)
		}
		code := format[i]
		if strings.IndexByte(typeCodes, code) < 0 {
			return nil, errors.Newf(errors.KindPropertyFormat, "unknown type code %q in format %q", string(code), format)
		}
		i++
		if count < 0 {
			count = 1
		}
		f.Fields = append(f.Fields, Field{Code: code, Count: count})
	}
	return f, nil
}

// Size returns the packed byte size of one item of the format.
func (f *Format) Size() int {
	total := 0
	for _, fd := range f.Fields {
		total += sizeOf(fd.Code) * fd.Count
	}
	return total
}

// NumScalars returns the number of scalars one unpacked item yields. Pad
// bytes yield none; a string group yields one.
func (f *Format) NumScalars() int {
	n := 0
	for _, fd := range f.Fields {
		switch fd.Code {
		case 'x':
		case 's', 'p':
			n++
		default:
			n += fd.Count
		}
	}
	return n
}

// HasString reports whether the format contains the fixed-length string code.
func (f *Format) HasString() bool {
	for _, fd := range f.Fields {
		if fd.Code == 's' {
			return true
		}
	}
	return false
}

func (f *Format) order() binary.ByteOrder {
	if f.LittleEndian {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// Unpack decodes exactly one item from buf. Signed integer codes yield int64,
// unsigned codes yield uint64, floats yield float64, '?' yields bool, and the
// character and string codes yield string. Pad bytes are consumed silently.
func (f *Format) Unpack(buf []byte) ([]any, error) {
	if len(buf) < f.Size() {
		return nil, errors.Newf(errors.KindPropertyFormat, "buffer of %d bytes is short of the %d-byte item size", len(buf), f.Size())
	}
	ord := f.order()
	out := make([]any, 0, f.NumScalars())
	off := 0
	for _, fd := range f.Fields {
		switch fd.Code {
		case 'x':
			off += fd.Count
		case 's':
			out = append(out, string(buf[off:off+fd.Count]))
			off += fd.Count
		case 'p':
			// Pascal string: first byte is the used length, capped to the
			// declared size.
			if fd.Count == 0 {
				out = append(out, "")
				continue
			}
			n := int(buf[off])
			if n > fd.Count-1 {
				n = fd.Count - 1
			}
			out = append(out, string(buf[off+1:off+1+n]))
			off += fd.Count
		default:
			for i := 0; i < fd.Count; i++ {
				v, n := decodeScalar(fd.Code, ord, buf[off:])
				out = append(out, v)
				off += n
			}
		}
	}
	return out, nil
}

func decodeScalar(code byte, ord binary.ByteOrder, buf []byte) (any, int) {
	switch code {
	case 'c':
		return string(buf[:1]), 1
	case 'b':
		return int64(int8(buf[0])), 1
	case 'B':
		return uint64(buf[0]), 1
	case '?':
		return buf[0] != 0, 1
	case 'h':
		return int64(int16(ord.Uint16(buf))), 2
	case 'H':
		return uint64(ord.Uint16(buf)), 2
	case 'i', 'l':
		return int64(int32(ord.Uint32(buf))), 4
	case 'I', 'L':
		return uint64(ord.Uint32(buf)), 4
	case 'q':
		return int64(ord.Uint64(buf)), 8
	case 'Q', 'P':
		return ord.Uint64(buf), 8
	case 'f':
		return float64(math.Float32frombits(ord.Uint32(buf))), 4
	case 'd':
		return math.Float64frombits(ord.Uint64(buf)), 8
	}
	return nil, 0
}

// Pack encodes one item's scalars into binary form. The scalar count must
// match NumScalars exactly.
func (f *Format) Pack(values []any) ([]byte, error) {
	if len(values) != f.NumScalars() {
		return nil, errors.Newf(errors.KindPropertyFormat, "format wants %d scalars, got %d", f.NumScalars(), len(values))
	}
	ord := f.order()
	buf := make([]byte, 0, f.Size())
	vi := 0
	for _, fd := range f.Fields {
		switch fd.Code {
		case 'x':
			for i := 0; i < fd.Count; i++ {
				buf = append(buf, 0)
			}
		case 's', 'p':
			s, ok := values[vi].(string)
			if !ok {
				return nil, errors.Newf(errors.KindTypeError, "code %q wants a string, got %T", string(fd.Code), values[vi])
			}
			vi++
			b := []byte(s)
			if fd.Code == 'p' {
				if fd.Count == 0 {
					continue
				}
				n := len(b)
				if n > fd.Count-1 {
					n = fd.Count - 1
				}
				if n > 255 {
					n = 255
				}
				buf = append(buf, byte(n))
				buf = append(buf, b[:n]...)
				for i := n + 1; i < fd.Count; i++ {
					buf = append(buf, 0)
				}
				continue
			}
			if len(b) > fd.Count {
				b = b[:fd.Count]
			}
			buf = append(buf, b...)
			for i := len(b); i < fd.Count; i++ {
				buf = append(buf, 0)
			}
		default:
			for i := 0; i < fd.Count; i++ {
				enc, err := encodeScalar(fd.Code, ord, values[vi])
				if err != nil {
					return nil, err
				}
				buf = append(buf, enc...)
				vi++
			}
		}
	}
	return buf, nil
}

func encodeScalar(code byte, ord binary.ByteOrder, v any) ([]byte, error) {
	switch code {
	case 'c':
		s, ok := v.(string)
		if !ok || len(s) != 1 {
			return nil, errors.Newf(errors.KindTypeError, "code \"c\" wants a one-byte string, got %#v", v)
		}
		return []byte(s), nil
	case '?':
		b, ok := v.(bool)
		if !ok {
			return nil, errors.Newf(errors.KindTypeError, "code \"?\" wants a bool, got %T", v)
		}
		if b {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case 'f', 'd':
		fv, err := ToFloat64(v)
		if err != nil {
			return nil, err
		}
		if code == 'f' {
			out := make([]byte, 4)
			ord.PutUint32(out, math.Float32bits(float32(fv)))
			return out, nil
		}
		out := make([]byte, 8)
		ord.PutUint64(out, math.Float64bits(fv))
		return out, nil
	case 'b', 'h', 'i', 'l', 'q':
		iv, err := ToInt64(v)
		if err != nil {
			return nil, err
		}
		min, max := signedRange(code)
		if iv < min || iv > max {
			return nil, errors.Newf(errors.KindPropertyFormat, "value %d out of range for code %q", iv, string(code))
		}
		return putUint(ord, uint64(iv), sizeOf(code)), nil
	case 'B', 'H', 'I', 'L', 'Q', 'P':
		uv, err := ToUint64(v)
		if err != nil {
			return nil, err
		}
		if sz := sizeOf(code); sz < 8 && uv > (uint64(1)<<(8*sz))-1 {
			return nil, errors.Newf(errors.KindPropertyFormat, "value %d out of range for code %q", uv, string(code))
		}
		return putUint(ord, uv, sizeOf(code)), nil
	}
	return nil, errors.Newf(errors.KindPropertyFormat, "cannot pack type code %q", string(code))
}

func signedRange(code byte) (int64, int64) {
	bits := 8 * sizeOf(code)
	return -(int64(1) << (bits - 1)), (int64(1) << (bits - 1)) - 1
}

func putUint(ord binary.ByteOrder, v uint64, size int) []byte {
	out := make([]byte, 8)
	ord.PutUint64(out, v)
	if ord == binary.BigEndian {
		return out[8-size:]
	}
	return out[:size]
}

// ToInt64 converts a decoded or JSON-sourced scalar to int64.
func ToInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, errors.Newf(errors.KindPropertyFormat, "value %d overflows int64", n)
		}
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, errors.Newf(errors.KindTypeError, "value %v is not an integer", n)
		}
		return int64(n), nil
	}
	return 0, errors.Newf(errors.KindTypeError, "value %#v is not numeric", v)
}

// ToUint64 converts a decoded or JSON-sourced scalar to uint64.
func ToUint64(v any) (uint64, error) {
	switch n := v.(type) {
	case int:
		if n < 0 {
			return 0, errors.Newf(errors.KindPropertyFormat, "value %d is negative", n)
		}
		return uint64(n), nil
	case int64:
		if n < 0 {
			return 0, errors.Newf(errors.KindPropertyFormat, "value %d is negative", n)
		}
		return uint64(n), nil
	case uint64:
		return n, nil
	case float64:
		if n != math.Trunc(n) {
			return 0, errors.Newf(errors.KindTypeError, "value %v is not an integer", n)
		}
		if n < 0 {
			return 0, errors.Newf(errors.KindPropertyFormat, "value %v is negative", n)
		}
		return uint64(n), nil
	}
	return 0, errors.Newf(errors.KindTypeError, "value %#v is not numeric", v)
}

// ToFloat64 converts a decoded or JSON-sourced scalar to float64.
func ToFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case float64:
		return n, nil
	}
	return 0, errors.Newf(errors.KindTypeError, "value %#v is not numeric", v)
}
