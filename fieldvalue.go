package galdrdb

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/galdrdb/galdrdb/internal/catalog"
	"github.com/galdrdb/galdrdb/internal/keyenc"
)

// fieldValue pairs a declared field's encoding [keyenc.Kind] with its
// current Go value (nil meaning SQL-style null), the common currency
// [record.go]'s index maintenance uses regardless of whether the value
// came from a typed struct or a [Doc].
type fieldValue struct {
	Kind keyenc.Kind
	Val  any
}

// encode produces the field's order-preserving byte encoding via
// [keyenc.EncodeAny].
func (fv fieldValue) encode() ([]byte, error) {
	return keyenc.EncodeAny(fv.Kind, fv.Val)
}

// typedFieldValues extracts every declared field's current value from v
// using ti's [FieldMeta] accessors.
func typedFieldValues[T any](ti TypeInfo[T], v *T) map[string]fieldValue {
	out := make(map[string]fieldValue, len(ti.Fields))
	for _, f := range ti.Fields {
		var val any
		if f.IsNull != nil && f.IsNull(v) {
			val = nil
		} else if f.Get != nil {
			val = f.Get(v)
		}
		out[f.Name] = fieldValue{Kind: f.Kind, Val: val}
	}
	return out
}

// dynFieldValues extracts field values from a [Doc] using the collection's
// persisted schema (spec.md §9's "implicit TypeInfo derived from the first
// write"). A field present on the document but not yet in the schema is
// reported via extra so the caller can grow the catalog's field list.
func dynFieldValues(meta catalog.CollectionMeta, d *Doc) (values map[string]fieldValue, extra []catalog.FieldSchema) {
	values = make(map[string]fieldValue, len(d.fields))
	known := make(map[string]keyenc.Kind, len(meta.Fields))
	for _, f := range meta.Fields {
		known[f.Name] = f.Kind
	}

	for name, v := range d.fields {
		kind, ok := known[name]
		if !ok {
			kind, ok = inferKind(v)
			if !ok {
				continue
			}
			extra = append(extra, catalog.FieldSchema{Name: name, Kind: kind})
			known[name] = kind
		}
		values[name] = fieldValue{Kind: kind, Val: normalizeDynValue(kind, v)}
	}
	return values, extra
}

// inferKind derives a [keyenc.Kind] from a decoded JSON value (or a native
// Go value set directly via [Doc.Set]), implementing spec.md §9's "implicit
// TypeInfo derived from the first write" for collections with no declared
// schema.
func inferKind(v any) (keyenc.Kind, bool) {
	switch v.(type) {
	case nil:
		return 0, false
	case string:
		return keyenc.KindString, true
	case bool:
		return keyenc.KindBool, true
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return keyenc.KindFloat64, true
	case Decimal:
		return keyenc.KindDecimal, true
	case time.Time:
		return keyenc.KindDateTime, true
	case time.Duration:
		return keyenc.KindTimeSpan, true
	case [16]byte:
		return keyenc.KindGUID, true
	default:
		return 0, false
	}
}

// normalizeDynValue converts a raw Go/JSON value into exactly the
// representation [keyenc.EncodeAny] expects for kind. JSON round-trips
// collapse every number to float64 and every time.Time to an RFC 3339
// string, so both the dynamic document path and query filter values pass
// through here before encoding.
func normalizeDynValue(kind keyenc.Kind, v any) any {
	if v == nil {
		return nil
	}
	switch kind {
	case keyenc.KindInt8:
		if n, ok := asFloat64(v); ok {
			return int8(n)
		}
	case keyenc.KindInt16:
		if n, ok := asFloat64(v); ok {
			return int16(n)
		}
	case keyenc.KindInt32:
		if n, ok := asFloat64(v); ok {
			return int32(n)
		}
	case keyenc.KindInt64:
		if n, ok := asFloat64(v); ok {
			return int64(n)
		}
	case keyenc.KindUint8:
		if n, ok := asFloat64(v); ok {
			return uint8(n)
		}
	case keyenc.KindUint16:
		if n, ok := asFloat64(v); ok {
			return uint16(n)
		}
	case keyenc.KindUint32:
		if n, ok := asFloat64(v); ok {
			return uint32(n)
		}
	case keyenc.KindUint64:
		if n, ok := asFloat64(v); ok {
			return uint64(n)
		}
	case keyenc.KindFloat32:
		if n, ok := asFloat64(v); ok {
			return float32(n)
		}
	case keyenc.KindFloat64:
		if n, ok := asFloat64(v); ok {
			return n
		}
	case keyenc.KindString:
		if s, ok := v.(string); ok {
			return s
		}
	case keyenc.KindBool:
		if b, ok := v.(bool); ok {
			return b
		}
	case keyenc.KindDateTime, keyenc.KindDateOnly, keyenc.KindTimeOnly, keyenc.KindDateTimeOffset:
		if s, ok := v.(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				return t
			}
		}
	case keyenc.KindTimeSpan:
		if n, ok := asFloat64(v); ok {
			return time.Duration(int64(n))
		}
	case keyenc.KindGUID:
		if s, ok := v.(string); ok {
			if u, err := uuid.Parse(s); err == nil {
				return [16]byte(u)
			}
		}
	}
	return v
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// encodeIndexKey builds the encoded key for one index from a field-value
// map, returning whether the value(s) are null (nulls are exempt from
// unique checks per spec.md §4.6/§9(c)). Compound indexes concatenate
// their fields' encodings in declaration order.
func encodeIndexKey(idx catalog.IndexSpec, values map[string]fieldValue) (encoded []byte, isNull bool, err error) {
	parts := make([][]byte, len(idx.Fields))
	allNull := true
	for i, fname := range idx.Fields {
		fv, ok := values[fname]
		if !ok {
			fv = fieldValue{Val: nil}
		}
		if fv.Val != nil {
			allNull = false
		}
		enc, err := fv.encode()
		if err != nil {
			return nil, false, fmt.Errorf("galdrdb: encoding index %q field %q: %w", idx.Name, fname, err)
		}
		parts[i] = enc
	}
	return keyenc.Concat(parts...), allNull, nil
}
