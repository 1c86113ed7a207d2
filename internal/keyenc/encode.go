package keyenc

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"
)

// NullPrefix is prepended to the encoding of a null field value. It sorts
// before every non-null encoding (which all start with [ValuePrefix]) and
// is the "reserved leading byte" [4.6]'s unique_check excludes.
const NullPrefix byte = 0x00

// ValuePrefix marks a non-null encoded value. Reserving a leading byte for
// null/non-null keeps null exclusion a single byte comparison regardless of
// the underlying [FieldType].
const ValuePrefix byte = 0x01

// EncodeNull returns the canonical encoding of a null field value.
func EncodeNull() []byte { return []byte{NullPrefix} }

// IsNull reports whether an encoded value (as produced by this package)
// represents null.
func IsNull(encoded []byte) bool {
	return len(encoded) > 0 && encoded[0] == NullPrefix
}

func withPrefix(body []byte) []byte {
	out := make([]byte, 0, len(body)+1)
	out = append(out, ValuePrefix)
	return append(out, body...)
}

// EncodeInt encodes a signed integer of the given bit width (8, 16, 32, or
// 64) big-endian with the sign bit of the most significant byte flipped, so
// two's-complement ordering becomes unsigned byte-lexicographic ordering.
func EncodeInt(v int64, bits int) []byte {
	n := bits / 8
	buf := make([]byte, n)
	switch n {
	case 1:
		buf[0] = byte(v)
	case 2:
		binary.BigEndian.PutUint16(buf, uint16(v))
	case 4:
		binary.BigEndian.PutUint32(buf, uint32(v))
	case 8:
		binary.BigEndian.PutUint64(buf, uint64(v))
	default:
		panic(fmt.Sprintf("keyenc: unsupported int width %d", bits))
	}
	buf[0] ^= 0x80
	return withPrefix(buf)
}

// EncodeUint encodes an unsigned integer of the given bit width big-endian;
// unsigned values already sort correctly byte-lexicographically.
func EncodeUint(v uint64, bits int) []byte {
	n := bits / 8
	buf := make([]byte, n)
	switch n {
	case 1:
		buf[0] = byte(v)
	case 2:
		binary.BigEndian.PutUint16(buf, uint16(v))
	case 4:
		binary.BigEndian.PutUint32(buf, uint32(v))
	case 8:
		binary.BigEndian.PutUint64(buf, v)
	default:
		panic(fmt.Sprintf("keyenc: unsupported uint width %d", bits))
	}
	return withPrefix(buf)
}

// EncodeFloat32 encodes an IEEE-754 single-precision float for
// order-preserving comparison: if the sign bit is set, every bit is
// flipped; otherwise only the sign bit is flipped.
func EncodeFloat32(v float32) []byte {
	bits := math.Float32bits(v)
	if bits&0x8000_0000 != 0 {
		bits = ^bits
	} else {
		bits ^= 0x8000_0000
	}
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, bits)
	return withPrefix(buf)
}

// EncodeFloat64 is [EncodeFloat32]'s double-precision counterpart.
func EncodeFloat64(v float64) []byte {
	bits := math.Float64bits(v)
	if bits&0x8000_0000_0000_0000 != 0 {
		bits = ^bits
	} else {
		bits ^= 0x8000_0000_0000_0000
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, bits)
	return withPrefix(buf)
}

// EncodeBool encodes false as 0x00 and true as 0x01.
func EncodeBool(v bool) []byte {
	if v {
		return withPrefix([]byte{0x01})
	}
	return withPrefix([]byte{0x00})
}

// StringTerminator terminates every encoded UTF-8 string, so that no
// string's encoding is a byte-for-byte prefix of a longer string's
// encoding (which would otherwise break ordering against a trailing
// continuation).
const StringTerminator = 0x00

// EncodeString encodes s as its UTF-8 bytes followed by [StringTerminator].
// Embedded NUL bytes are disallowed: GaldrDb's indexed string fields must
// not contain them (the façade validates this at write time), so the
// terminator is always unambiguous.
func EncodeString(s string) ([]byte, error) {
	if strings.IndexByte(s, 0) != -1 {
		return nil, fmt.Errorf("keyenc: string contains embedded NUL byte, cannot index")
	}
	buf := make([]byte, len(s)+1)
	copy(buf, s)
	buf[len(s)] = StringTerminator
	return withPrefix(buf), nil
}

// EncodeTicks encodes a signed tick count (used for DateTime, DateOnly,
// TimeOnly, TimeSpan) as a 64-bit signed integer.
func EncodeTicks(ticks int64) []byte {
	return EncodeInt(ticks, 64)
}

// TicksPerSecond matches the .NET-style tick resolution (100ns ticks) used
// throughout the original system's DateTime family, so stored values remain
// comparable regardless of which language wrote them.
const TicksPerSecond = 10_000_000

// EncodeTime encodes a [time.Time] as its tick count since the Unix epoch,
// ignoring monotonic reading, matching DateTime semantics.
func EncodeTime(t time.Time) []byte {
	secs := t.Unix()
	nanos := int64(t.Nanosecond())
	ticks := secs*TicksPerSecond + nanos/100
	return EncodeTicks(ticks)
}

// EncodeDuration encodes a [time.Duration] (TimeSpan) as its tick count.
func EncodeDuration(d time.Duration) []byte {
	return EncodeTicks(int64(d) / 100)
}

// EncodeDateTimeOffset encodes a DateTimeOffset as its UTC tick count
// followed by the zone offset in minutes, so two instants representing the
// same wall-clock moment in different zones compare by instant first,
// offset second — matching spec.md §4.4.
func EncodeDateTimeOffset(t time.Time) []byte {
	body := EncodeTime(t)[1:] // strip the shared ValuePrefix, re-add once below
	_, offsetSeconds := t.Zone()
	offsetMinutes := int16(offsetSeconds / 60)
	tail := EncodeInt(int64(offsetMinutes), 16)[1:]
	out := make([]byte, 0, len(body)+len(tail)+1)
	out = append(out, ValuePrefix)
	out = append(out, body...)
	out = append(out, tail...)
	return out
}

// GUIDSize is the byte length of an encoded GUID.
const GUIDSize = 16

// EncodeGUID stores a GUID's 16 bytes verbatim, in its defined byte order.
// Per spec.md §4.4 this guarantees equal-byte comparisons only; GaldrDb
// does not promise GUID range queries return a natural ordering.
func EncodeGUID(guid [16]byte) []byte {
	buf := make([]byte, 16)
	copy(buf, guid[:])
	return withPrefix(buf)
}

// decimalScale is the fixed number of fractional digits every [Decimal] is
// normalized to before encoding, giving it a canonical 128-bit
// representation regardless of its original scale.
const decimalScale = 18

var pow10 = func() [decimalScale + 1]*big.Int {
	var t [decimalScale + 1]*big.Int
	ten := big.NewInt(10)
	acc := big.NewInt(1)
	for i := range t {
		t[i] = new(big.Int).Set(acc)
		acc.Mul(acc, ten)
	}
	return t
}()

// Decimal is a base-10 fixed-point value: Unscaled * 10^-Scale.
type Decimal struct {
	Unscaled *big.Int
	Scale    int32
}

// EncodeDecimal normalizes d to [decimalScale] fractional digits and
// encodes the result as a 128-bit signed integer (spec.md §4.4).
func EncodeDecimal(d Decimal) []byte {
	if d.Unscaled == nil {
		d.Unscaled = big.NewInt(0)
	}

	normalized := new(big.Int).Set(d.Unscaled)
	switch {
	case d.Scale < decimalScale:
		normalized.Mul(normalized, pow10[decimalScale-d.Scale])
	case d.Scale > decimalScale:
		normalized.Quo(normalized, pow10[d.Scale-decimalScale])
	}

	// Two's complement 128-bit big-endian.
	buf := make([]byte, 16)
	neg := normalized.Sign() < 0
	abs := new(big.Int).Abs(normalized)
	absBytes := abs.Bytes()
	copy(buf[16-len(absBytes):], absBytes)

	if neg {
		// two's complement negate
		for i := range buf {
			buf[i] = ^buf[i]
		}
		carry := byte(1)
		for i := 15; i >= 0 && carry != 0; i-- {
			sum := uint16(buf[i]) + uint16(carry)
			buf[i] = byte(sum)
			carry = byte(sum >> 8)
		}
	}
	buf[0] ^= 0x80
	return withPrefix(buf)
}
