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

// Package codec converts property values between their binary wire form and
// a structured representation, enforcing the per-type bounds a registration
// declares. A decoded value is an ordered sequence of records; each record is
// an ordered sequence of scalars. Primitive properties carry one struct-pack
// tuple per record; the composite types carry exactly one record whose length
// equals the composite's field count.
package codec

import (
	"fmt"

	"github.com/gmbnd/fleetcore/pkg/errors"
	"github.com/gmbnd/fleetcore/pkg/model"
	"github.com/gmbnd/fleetcore/pkg/structpack"
)

// Record is one decoded item: an ordered sequence of scalars.
type Record []any

// Value is a full decoded property value.
type Value []Record

// ColorValue is the JSON form of one gmbnd_color record.
type ColorValue struct {
	White uint64 `json:"white"`
	Red   uint64 `json:"red"`
	Green uint64 `json:"green"`
	Blue  uint64 `json:"blue"`
}

// LEDValue is the JSON form of one gmbnd_led record.
type LEDValue struct {
	Index      uint64 `json:"index"`
	Brightness uint64 `json:"brightness"`
	White      uint64 `json:"white"`
	Red        uint64 `json:"red"`
	Green      uint64 `json:"green"`
	Blue       uint64 `json:"blue"`
}

// compositeField is one position of a composite layout with its fixed range.
type compositeField struct {
	name     string
	min, max uint64
}

var colorLayout = []compositeField{
	{"white", 0, 255},
	{"red", 0, 255},
	{"green", 0, 255},
	{"blue", 0, 255},
}

var ledLayout = []compositeField{
	{"index", 0, 65535},
	{"brightness", 0, 255},
	{"white", 0, 255},
	{"red", 0, 255},
	{"green", 0, 255},
	{"blue", 0, 255},
}

func compositeLayout(t model.PropertyType) []compositeField {
	switch t {
	case model.PropertyColor:
		return colorLayout
	case model.PropertyLED:
		return ledLayout
	}
	return nil
}

// Codec converts between wire and structured property values. The zero value
// applies the strict publish-path policy; set TruncateExcess to silently drop
// input elements beyond the registered length instead of failing.
type Codec struct {
	TruncateExcess bool
}

// Unpack decodes a raw payload according to the registration. Items are
// decoded until the registered length is reached or the remaining bytes no
// longer hold a full item; trailing bytes are discarded. Every decoded item
// is bounds-checked before it is appended.
func (c *Codec) Unpack(payload []byte, reg *model.PropertyRegistration) (Value, error) {
	f, err := structpack.Parse(reg.Format)
	if err != nil {
		return nil, err
	}
	if reg.Format == "" {
		return Value{}, nil
	}

	// A primitive string property is a single string record. The empty
	// payload decodes to one empty string.
	if reg.Type == model.PropertyPrimitive && f.HasString() {
		if len(payload) == 0 {
			return Value{Record{""}}, nil
		}
		n := reg.Length
		if len(payload) < n {
			n = len(payload)
		}
		return Value{Record{string(payload[:n])}}, nil
	}

	itemSize := f.Size()
	if itemSize == 0 {
		return nil, errors.Newf(errors.KindPropertyFormat, "format %q has zero item size", reg.Format)
	}
	value := Value{}
	off := 0
	for len(value) < reg.Length && off+itemSize <= len(payload) {
		scalars, err := f.Unpack(payload[off : off+itemSize])
		if err != nil {
			return nil, err
		}
		rec := Record(scalars)
		if err := c.validateRecord(rec, reg); err != nil {
			return nil, err
		}
		value = append(value, rec)
		off += itemSize
	}
	return value, nil
}

// validateRecord applies the registration's bounds to one decoded record.
// Primitive records check min/max on every numeric scalar; composite records
// must match the layout's arity and each position's fixed range. Non-numeric
// scalars pass through untouched.
func (c *Codec) validateRecord(rec Record, reg *model.PropertyRegistration) error {
	layout := compositeLayout(reg.Type)
	if layout == nil {
		for _, s := range rec {
			num, ok := numeric(s)
			if !ok {
				continue
			}
			if reg.Min != nil && num < *reg.Min {
				return errors.Newf(errors.KindPropertyFormat, "value %v below registered minimum %v for %s", num, *reg.Min, reg.Path)
			}
			if reg.Max != nil && num > *reg.Max {
				return errors.Newf(errors.KindPropertyFormat, "value %v above registered maximum %v for %s", num, *reg.Max, reg.Path)
			}
		}
		return nil
	}
	if len(rec) != len(layout) {
		return errors.Newf(errors.KindPropertyFormat, "%s record has %d scalars, layout wants %d", reg.Type, len(rec), len(layout))
	}
	for i, fld := range layout {
		uv, err := structpack.ToUint64(rec[i])
		if err != nil {
			return errors.Newf(errors.KindPropertyFormat, "%s field %q is not numeric", reg.Type, fld.name)
		}
		if uv < fld.min || uv > fld.max {
			return errors.Newf(errors.KindPropertyFormat, "%s field %q value %d outside [%d, %d]", reg.Type, fld.name, uv, fld.min, fld.max)
		}
	}
	return nil
}

// FormatJSON maps a decoded value to its display form. Primitive values
// flatten to a single ordered sequence of scalars; composite values become a
// sequence of records keyed by the composite field names.
func (c *Codec) FormatJSON(v Value, reg *model.PropertyRegistration) (any, error) {
	layout := compositeLayout(reg.Type)
	if layout == nil {
		flat := []any{}
		for _, rec := range v {
			flat = append(flat, rec...)
		}
		return flat, nil
	}
	out := make([]any, 0, len(v))
	for _, rec := range v {
		if len(rec) != len(layout) {
			return nil, errors.Newf(errors.KindIncorrectValueCount, "%s record has %d scalars, layout wants %d", reg.Type, len(rec), len(layout))
		}
		fields := make([]uint64, len(layout))
		for i := range layout {
			uv, err := structpack.ToUint64(rec[i])
			if err != nil {
				return nil, errors.Wrap(errors.KindIncorrectValueCount, "codec.FormatJSON", err)
			}
			fields[i] = uv
		}
		switch reg.Type {
		case model.PropertyColor:
			out = append(out, ColorValue{White: fields[0], Red: fields[1], Green: fields[2], Blue: fields[3]})
		case model.PropertyLED:
			out = append(out, LEDValue{Index: fields[0], Brightness: fields[1], White: fields[2], Red: fields[3], Green: fields[4], Blue: fields[5]})
		}
	}
	return out, nil
}

// UnpackJSON is the inverse of FormatJSON, used on the publish path. A string
// property takes a single string, truncated to the registered length.
// Primitive numeric input distributes its top-level elements one per record
// up to the registered length; excess elements fail unless TruncateExcess is
// set. Composite input reads each record's fields by name in the fixed
// layout order; a missing or extra field fails.
func (c *Codec) UnpackJSON(input any, reg *model.PropertyRegistration) (Value, error) {
	f, err := structpack.Parse(reg.Format)
	if err != nil {
		return nil, err
	}
	layout := compositeLayout(reg.Type)

	if layout == nil && f.HasString() {
		s, ok := input.(string)
		if !ok {
			if lst, isList := asList(input); isList && len(lst) == 1 {
				s, ok = lst[0].(string)
			}
		}
		if !ok {
			return nil, errors.Newf(errors.KindUnpackingError, "string property %s wants a single string, got %T", reg.Path, input)
		}
		if len(s) > reg.Length {
			s = s[:reg.Length]
		}
		return Value{Record{s}}, nil
	}

	elems, ok := asList(input)
	if !ok {
		return nil, errors.Newf(errors.KindUnpackingError, "property %s wants a list, got %T", reg.Path, input)
	}

	if layout == nil {
		if len(elems) > reg.Length {
			if !c.TruncateExcess {
				return nil, errors.Newf(errors.KindPropertyFormat, "%d elements exceed registered length %d for %s", len(elems), reg.Length, reg.Path)
			}
			elems = elems[:reg.Length]
		}
		value := make(Value, 0, len(elems))
		for _, e := range elems {
			value = append(value, Record{e})
		}
		return value, nil
	}

	value := make(Value, 0, len(elems))
	for _, e := range elems {
		rec, err := compositeRecordFromJSON(e, reg.Type, layout)
		if err != nil {
			return nil, err
		}
		if err := c.validateRecord(rec, reg); err != nil {
			return nil, err
		}
		value = append(value, rec)
	}
	return value, nil
}

func compositeRecordFromJSON(e any, t model.PropertyType, layout []compositeField) (Record, error) {
	m, ok := e.(map[string]any)
	if !ok {
		switch cv := e.(type) {
		case ColorValue:
			m = map[string]any{"white": cv.White, "red": cv.Red, "green": cv.Green, "blue": cv.Blue}
		case LEDValue:
			m = map[string]any{"index": cv.Index, "brightness": cv.Brightness, "white": cv.White, "red": cv.Red, "green": cv.Green, "blue": cv.Blue}
		default:
			return nil, errors.Newf(errors.KindUnpackingError, "%s record wants an object, got %T", t, e)
		}
	}
	if len(m) != len(layout) {
		return nil, errors.Newf(errors.KindUnpackingError, "%s record has %d fields, layout wants %d", t, len(m), len(layout))
	}
	rec := make(Record, 0, len(layout))
	for _, fld := range layout {
		v, present := m[fld.name]
		if !present {
			return nil, errors.Newf(errors.KindUnpackingError, "%s record is missing field %q", t, fld.name)
		}
		rec = append(rec, v)
	}
	return rec, nil
}

// Pack encodes a decoded value back into wire form by concatenating the
// packed records. The fixed-length string code is special-cased: the format
// is rewritten so the declared length equals the actual UTF-8 byte length of
// the string, which must be the first scalar of the first record.
func (c *Codec) Pack(format string, value Value) ([]byte, error) {
	f, err := structpack.Parse(format)
	if err != nil {
		return nil, err
	}
	if f.HasString() {
		if len(value) == 0 || len(value[0]) == 0 {
			return nil, errors.New(errors.KindTypeError, "string format with no value to pack")
		}
		s, ok := value[0][0].(string)
		if !ok {
			return nil, errors.Newf(errors.KindTypeError, "string format wants a string scalar, got %T", value[0][0])
		}
		marker := ""
		if len(format) > 0 {
			switch format[0] {
			case '@', '=', '!', '<', '>':
				marker = string(format[0])
			}
		}
		sf, err := structpack.Parse(fmt.Sprintf("%s%ds", marker, len(s)))
		if err != nil {
			return nil, err
		}
		return sf.Pack([]any{s})
	}

	out := []byte{}
	for _, rec := range value {
		packed, err := f.Pack(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, packed...)
	}
	return out, nil
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case Record:
		return l, true
	}
	return nil, false
}
