package galdrdb

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Decimal's definition lives in typeinfo.go, as a re-export of
// [keyenc.Decimal].

// Doc is the schema-less document type the `…Dynamic` façade operations
// accept and return (spec.md §6/§9's "dynamic (schema-less) path"). It
// wraps a plain field map with the typed accessors spec.md §4.10 lists
// (GetString, GetInt32, …), so callers that don't want to declare a
// [TypeInfo] can still read and write typed fields safely.
//
// The zero value is an empty document. ID is zero until the document has
// been read back from or written to the database.
type Doc struct {
	ID     int64
	fields map[string]any
}

// NewDoc returns an empty dynamic document.
func NewDoc() *Doc {
	return &Doc{fields: make(map[string]any)}
}

// Set stores v under name. v should be one of the concrete Go types a
// [FieldMeta] would use: string, bool, int64-representable integers,
// float64, [Decimal], [16]byte (GUID), or time.Time/time.Duration for the
// temporal kinds. A nil v stores an explicit null.
func (d *Doc) Set(name string, v any) *Doc {
	if d.fields == nil {
		d.fields = make(map[string]any)
	}
	d.fields[name] = v
	return d
}

// Get returns the raw stored value for name and whether it is present.
func (d *Doc) Get(name string) (any, bool) {
	v, ok := d.fields[name]
	return v, ok
}

// Fields returns the document's field names and values. The returned map
// must not be mutated; use [Doc.Set] instead.
func (d *Doc) Fields() map[string]any {
	return d.fields
}

func typedGet[T any](d *Doc, name string) (T, bool) {
	var zero T
	raw, ok := d.fields[name]
	if !ok || raw == nil {
		return zero, false
	}
	v, ok := raw.(T)
	return v, ok
}

// GetString returns name's value as a string.
func (d *Doc) GetString(name string) (string, bool) { return typedGet[string](d, name) }

// GetBoolean returns name's value as a bool.
func (d *Doc) GetBoolean(name string) (bool, bool) { return typedGet[bool](d, name) }

// GetInt32 returns name's value converted to int32 from any stored numeric
// representation (JSON round-trips integers as float64). The conversion
// truncates fractions and does not reject values outside the int32 range.
func (d *Doc) GetInt32(name string) (int32, bool) {
	v, ok := d.numeric(name)
	return int32(v), ok
}

// GetInt64 returns name's value as an int64.
func (d *Doc) GetInt64(name string) (int64, bool) {
	v, ok := d.numeric(name)
	return int64(v), ok
}

// GetDouble returns name's value as a float64.
func (d *Doc) GetDouble(name string) (float64, bool) {
	return d.numeric(name)
}

func (d *Doc) numeric(name string) (float64, bool) {
	raw, ok := d.fields[name]
	if !ok || raw == nil {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// GetDecimal returns name's value as a [Decimal].
func (d *Doc) GetDecimal(name string) (Decimal, bool) {
	v, ok := typedGet[Decimal](d, name)
	return v, ok
}

// GetGUID returns name's value as a 16-byte GUID, accepting either a
// [16]byte or a canonical hyphenated string representation.
func (d *Doc) GetGUID(name string) ([16]byte, bool) {
	raw, ok := d.fields[name]
	if !ok || raw == nil {
		return [16]byte{}, false
	}
	switch v := raw.(type) {
	case [16]byte:
		return v, true
	case string:
		u, err := uuid.Parse(v)
		if err != nil {
			return [16]byte{}, false
		}
		return u, true
	default:
		return [16]byte{}, false
	}
}

// MarshalJSON implements json.Marshaler: the document serializes as its
// plain field map, matching the original system's JSON document
// representation (spec.md §9).
func (d *Doc) MarshalJSON() ([]byte, error) {
	if d.fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(d.fields)
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Doc) UnmarshalJSON(b []byte) error {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("galdrdb: decoding dynamic document: %w", err)
	}
	d.fields = m
	return nil
}

// Clone returns a shallow copy of d: the field map is copied, while the
// field values themselves are shared with d.
func (d *Doc) Clone() *Doc {
	cp := &Doc{ID: d.ID, fields: make(map[string]any, len(d.fields))}
	for k, v := range d.fields {
		cp.fields[k] = v
	}
	return cp
}
