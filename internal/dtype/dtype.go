// Package dtype holds the storage element types used by device buffers and
// the conversions between them. All conversions are free functions with no
// hidden state.
package dtype

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/x448/float16"
)

// DType is the element type of a buffer.
type DType uint8

const (
	Invalid DType = iota
	F32
	F16
	// U32 is used for token ids, page tables and packed quantized words.
	U32
)

// Size returns the number of bytes per element.
func (d DType) Size() int {
	switch d {
	case F32, U32:
		return 4
	case F16:
		return 2
	default:
		return 0
	}
}

func (d DType) String() string {
	switch d {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case U32:
		return "u32"
	default:
		return "invalid"
	}
}

// IsFloat reports whether d stores floating point values.
func (d DType) IsFloat() bool {
	return d == F32 || d == F16
}

// Parse converts a textual dtype name. It accepts the common aliases used in
// model configs (float16, fp16, float32, fp32).
func Parse(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "f32", "fp32", "float32":
		return F32, nil
	case "f16", "fp16", "float16", "half":
		return F16, nil
	case "u32", "uint32":
		return U32, nil
	default:
		return Invalid, fmt.Errorf("unknown dtype %q (expected f16 or f32)", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (d DType) MarshalText() ([]byte, error) {
	if d == Invalid {
		return nil, fmt.Errorf("cannot marshal invalid dtype")
	}
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *DType) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// ToHalf rounds v to the nearest binary16 value and returns its bits.
func ToHalf(v float32) uint16 {
	return float16.Fromfloat32(v).Bits()
}

// FromHalf expands binary16 bits to float32.
func FromHalf(h uint16) float32 {
	return float16.Frombits(h).Float32()
}

// Encode packs src into dst using the little-endian layout of dt.
// dst must hold at least len(src)*dt.Size() bytes.
func Encode(dt DType, dst []byte, src []float32) {
	if len(src) == 0 {
		return
	}
	switch dt {
	case F32:
		_ = dst[len(src)*4-1:]
		for i, v := range src {
			binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
		}
	case F16:
		_ = dst[len(src)*2-1:]
		for i, v := range src {
			binary.LittleEndian.PutUint16(dst[i*2:], ToHalf(v))
		}
	default:
		panic(fmt.Sprintf("dtype: cannot encode floats as %s", dt))
	}
}

// Decode unpacks len(dst) elements of dt from src into dst.
func Decode(dt DType, dst []float32, src []byte) {
	if len(dst) == 0 {
		return
	}
	switch dt {
	case F32:
		_ = src[len(dst)*4-1:]
		for i := range dst {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
		}
	case F16:
		_ = src[len(dst)*2-1:]
		for i := range dst {
			dst[i] = FromHalf(binary.LittleEndian.Uint16(src[i*2:]))
		}
	default:
		panic(fmt.Sprintf("dtype: cannot decode %s as floats", dt))
	}
}

// EncodeFloats allocates and returns the encoded form of src.
func EncodeFloats(dt DType, src []float32) []byte {
	if len(src) == 0 {
		return nil
	}
	out := make([]byte, len(src)*dt.Size())
	Encode(dt, out, src)
	return out
}

// DecodeFloats allocates and returns the decoded elements of src.
func DecodeFloats(dt DType, src []byte) []float32 {
	n := len(src) / dt.Size()
	out := make([]float32, n)
	if n > 0 {
		Decode(dt, out, src)
	}
	return out
}

// EncodeU32 packs ids as little-endian uint32 words.
func EncodeU32(ids []uint32) []byte {
	out := make([]byte, len(ids)*4)
	for i, v := range ids {
		binary.LittleEndian.PutUint32(out[i*4:], v)
	}
	return out
}

// DecodeU32 unpacks little-endian uint32 words.
func DecodeU32(src []byte) []uint32 {
	out := make([]uint32, len(src)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(src[i*4:])
	}
	return out
}
