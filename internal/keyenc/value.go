package keyenc

import (
	"fmt"
	"time"
)

// Kind enumerates the scalar types GaldrDb can encode into an
// order-preserving key, mirroring the FieldType contract of spec.md §6.
type Kind uint8

const (
	KindInt8 Kind = iota
	KindInt16
	KindInt32
	KindInt64
	KindUint8
	KindUint16
	KindUint32
	KindUint64
	KindFloat32
	KindFloat64
	KindDecimal
	KindBool
	KindString
	KindDateTime
	KindDateOnly
	KindTimeOnly
	KindTimeSpan
	KindDateTimeOffset
	KindGUID
)

// EncodeAny dispatches to the type-specific encoder for kind. v must hold
// the matching Go representation:
//
//	KindInt8/16/32/64     -> int8/int16/int32/int64
//	KindUint8/16/32/64    -> uint8/uint16/uint32/uint64
//	KindFloat32           -> float32
//	KindFloat64           -> float64
//	KindDecimal           -> Decimal
//	KindBool              -> bool
//	KindString            -> string
//	KindDateTime/KindDateOnly/KindTimeOnly -> time.Time
//	KindTimeSpan          -> time.Duration
//	KindDateTimeOffset    -> time.Time (zone-aware)
//	KindGUID              -> [16]byte
//
// A nil v (representing a SQL-NULL field value) always encodes to
// [EncodeNull], regardless of kind.
func EncodeAny(kind Kind, v any) ([]byte, error) {
	if v == nil {
		return EncodeNull(), nil
	}

	switch kind {
	case KindInt8:
		return EncodeInt(int64(v.(int8)), 8), nil
	case KindInt16:
		return EncodeInt(int64(v.(int16)), 16), nil
	case KindInt32:
		return EncodeInt(int64(v.(int32)), 32), nil
	case KindInt64:
		return EncodeInt(v.(int64), 64), nil
	case KindUint8:
		return EncodeUint(uint64(v.(uint8)), 8), nil
	case KindUint16:
		return EncodeUint(uint64(v.(uint16)), 16), nil
	case KindUint32:
		return EncodeUint(uint64(v.(uint32)), 32), nil
	case KindUint64:
		return EncodeUint(v.(uint64), 64), nil
	case KindFloat32:
		return EncodeFloat32(v.(float32)), nil
	case KindFloat64:
		return EncodeFloat64(v.(float64)), nil
	case KindDecimal:
		return EncodeDecimal(v.(Decimal)), nil
	case KindBool:
		return EncodeBool(v.(bool)), nil
	case KindString:
		return EncodeString(v.(string))
	case KindDateTime, KindDateOnly, KindTimeOnly:
		return EncodeTime(v.(time.Time)), nil
	case KindTimeSpan:
		return EncodeDuration(v.(time.Duration)), nil
	case KindDateTimeOffset:
		return EncodeDateTimeOffset(v.(time.Time)), nil
	case KindGUID:
		return EncodeGUID(v.([16]byte)), nil
	default:
		return nil, fmt.Errorf("keyenc: unknown kind %d", kind)
	}
}
