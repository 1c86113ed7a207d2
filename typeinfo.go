package galdrdb

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/galdrdb/galdrdb/internal/catalog"
	"github.com/galdrdb/galdrdb/internal/keyenc"
)

// Decimal is GaldrDb's base-10 fixed-point scalar type, re-exported from
// [keyenc.Decimal] so callers never need to import the internal package
// directly.
type Decimal = keyenc.Decimal

// IndexSpec declares one secondary index a collection should maintain
// (spec.md §6's IndexSpec / §3 "Collection"). Fields names a single
// field for a simple index, or several for a compound index, in
// declaration order.
type IndexSpec struct {
	Name   string
	Fields []string
	Unique bool
}

// FieldMeta describes one typed field of T: how to encode it for
// indexing (Kind), how to read/write it on a value (Get/Set), and
// whether it participates in any index (spec.md §6's FieldMeta).
// IsNull, when non-nil, reports whether the field's current value
// should encode as SQL-style NULL (exempt from unique checks).
type FieldMeta[T any] struct {
	Name    string
	Kind    keyenc.Kind
	Get     func(*T) any
	Set     func(*T, any)
	IsNull  func(*T) bool
	Indexed bool
	Unique  bool
}

// TypeInfo is the schema/codec contract the core consumes for a typed
// collection (spec.md §6). Callers may hand-write one, generate it at
// build time, or obtain one from [DeriveTypeInfo].
type TypeInfo[T any] struct {
	CollectionName string
	GetID          func(*T) int64
	SetID          func(*T, int64)
	Fields         []FieldMeta[T]
	Indexes        []IndexSpec
	Serialize      func(*T) ([]byte, error)
	Deserialize    func([]byte) (*T, error)
}

// fieldKind maps reflect.Kind to the engine's order-preserving encoding
// kind for common struct field types, used by [DeriveTypeInfo].
func fieldKind(t reflect.Type) (keyenc.Kind, bool) {
	switch t.Kind() {
	case reflect.Int, reflect.Int64:
		return keyenc.KindInt64, true
	case reflect.Int32:
		return keyenc.KindInt32, true
	case reflect.Int16:
		return keyenc.KindInt16, true
	case reflect.Int8:
		return keyenc.KindInt8, true
	case reflect.Uint, reflect.Uint64:
		return keyenc.KindUint64, true
	case reflect.Uint32:
		return keyenc.KindUint32, true
	case reflect.Uint16:
		return keyenc.KindUint16, true
	case reflect.Uint8:
		return keyenc.KindUint8, true
	case reflect.Float64:
		return keyenc.KindFloat64, true
	case reflect.Float32:
		return keyenc.KindFloat32, true
	case reflect.Bool:
		return keyenc.KindBool, true
	case reflect.String:
		return keyenc.KindString, true
	}
	return 0, false
}

// reflectGet reads a struct field's value normalized to the exact Go
// representation [keyenc.EncodeAny] expects for kind — necessary
// because, e.g., a field declared `int` reflects as Go's platform int,
// not the int64 EncodeAny type-asserts against.
func reflectGet(rv reflect.Value, kind keyenc.Kind) any {
	switch kind {
	case keyenc.KindInt64:
		return rv.Int()
	case keyenc.KindInt32:
		return int32(rv.Int())
	case keyenc.KindInt16:
		return int16(rv.Int())
	case keyenc.KindInt8:
		return int8(rv.Int())
	case keyenc.KindUint64:
		return rv.Uint()
	case keyenc.KindUint32:
		return uint32(rv.Uint())
	case keyenc.KindUint16:
		return uint16(rv.Uint())
	case keyenc.KindUint8:
		return uint8(rv.Uint())
	case keyenc.KindFloat64:
		return rv.Float()
	case keyenc.KindFloat32:
		return float32(rv.Float())
	case keyenc.KindBool:
		return rv.Bool()
	case keyenc.KindString:
		return rv.String()
	default:
		return rv.Interface()
	}
}

// DeriveTypeInfo builds a [TypeInfo] for T by reflecting over its
// exported struct fields. Indexes come only from the indexes argument: a
// field is marked Indexed when an index names it, and Unique when a
// single-field unique index names it. A field named "ID" (or tagged
// `galdrdb:"id"`) is used as the document id; no other value of the
// `galdrdb` struct tag is read. Serialize/Deserialize default to encoding/json, matching the
// dynamic document path's JSON representation (spec.md §6, §9).
//
// This is a convenience generator, not a requirement: spec.md §9 treats
// code-gen as orthogonal to the core, so a hand-written TypeInfo works
// identically.
func DeriveTypeInfo[T any](collectionName string, indexes ...IndexSpec) (TypeInfo[T], error) {
	var zero T
	rt := reflect.TypeOf(zero)
	if rt.Kind() != reflect.Struct {
		return TypeInfo[T]{}, fmt.Errorf("galdrdb: DeriveTypeInfo requires a struct type, got %s", rt.Kind())
	}

	info := TypeInfo[T]{
		CollectionName: collectionName,
		Indexes:        indexes,
		Serialize: func(v *T) ([]byte, error) {
			return json.Marshal(v)
		},
		Deserialize: func(b []byte) (*T, error) {
			var v T
			if err := json.Unmarshal(b, &v); err != nil {
				return nil, err
			}
			return &v, nil
		},
	}

	indexedFields := make(map[string]bool)
	for _, idx := range indexes {
		for _, f := range idx.Fields {
			indexedFields[f] = true
		}
	}

	for i := 0; i < rt.NumField(); i++ {
		sf := rt.Field(i)
		if !sf.IsExported() {
			continue
		}

		tag := sf.Tag.Get("galdrdb")
		if tag == "id" || sf.Name == "ID" {
			fieldIdx := i
			info.GetID = func(v *T) int64 {
				rv := reflect.ValueOf(v).Elem().Field(fieldIdx)
				return rv.Int()
			}
			info.SetID = func(v *T, id int64) {
				reflect.ValueOf(v).Elem().Field(fieldIdx).SetInt(id)
			}
			continue
		}

		kind, ok := fieldKind(sf.Type)
		if !ok {
			continue
		}

		indexed := indexedFields[sf.Name]
		unique := false
		for _, idx := range indexes {
			if len(idx.Fields) == 1 && idx.Fields[0] == sf.Name && idx.Unique {
				unique = true
			}
		}

		fieldIdx, fieldKind := i, kind
		info.Fields = append(info.Fields, FieldMeta[T]{
			Name: sf.Name,
			Kind: kind,
			Get: func(v *T) any {
				return reflectGet(reflect.ValueOf(v).Elem().Field(fieldIdx), fieldKind)
			},
			Set: func(v *T, val any) {
				target := reflect.ValueOf(v).Elem().Field(fieldIdx)
				rv := reflect.ValueOf(val)
				if rv.Type() != target.Type() && rv.CanConvert(target.Type()) {
					rv = rv.Convert(target.Type())
				}
				target.Set(rv)
			},
			Indexed: indexed,
			Unique:  unique,
		})
	}

	if info.GetID == nil || info.SetID == nil {
		return TypeInfo[T]{}, fmt.Errorf("galdrdb: %T has no ID field (name it ID or tag it `galdrdb:\"id\"`)", zero)
	}

	return info, nil
}

// toCatalogFields converts a TypeInfo's declared fields into the
// catalog's persisted schema representation.
func toCatalogFields[T any](fields []FieldMeta[T]) []catalog.FieldSchema {
	out := make([]catalog.FieldSchema, len(fields))
	for i, f := range fields {
		out[i] = catalog.FieldSchema{Name: f.Name, Kind: f.Kind}
	}
	return out
}

func toCatalogIndexes(specs []IndexSpec) []catalog.IndexSpec {
	out := make([]catalog.IndexSpec, len(specs))
	for i, s := range specs {
		kind := catalog.IndexSingle
		if len(s.Fields) > 1 {
			kind = catalog.IndexCompound
		}
		out[i] = catalog.IndexSpec{
			Name:       s.Name,
			Kind:       kind,
			Fields:     append([]string{}, s.Fields...),
			Unique:     s.Unique,
			AvgKeySize: 24,
		}
	}
	return out
}
