package kernels

import (
	"fmt"
	"math"
)

// MaxQuantHeadDim bounds the head dimension of packed quantized storage.
const MaxQuantHeadDim = 256

// ValuesPerWord returns how many quantized values fit in one uint32.
func ValuesPerWord(bits int) int {
	switch bits {
	case 8:
		return 4
	case 4:
		return 8
	default:
		return 0
	}
}

// PackedStride returns the number of uint32 words per head:
// ceil(headDim/4) for int8 and ceil(headDim/8) for int4.
func PackedStride(headDim, bits int) int {
	per := ValuesPerWord(bits)
	if per == 0 {
		return 0
	}
	return (headDim + per - 1) / per
}

func qmax(bits int) float32 {
	return float32(int(1)<<(bits-1) - 1)
}

// QuantizeHead symmetrically quantizes one head vector into dst and returns
// its scale. dst must hold PackedStride(len(src), bits) words.
func QuantizeHead(dst []uint32, src []float32, bits int) float32 {
	per := ValuesPerWord(bits)
	if per == 0 {
		panic(fmt.Sprintf("unsupported quantization bits %d", bits))
	}
	var maxAbs float32
	for _, v := range src {
		if a := float32(math.Abs(float64(v))); a > maxAbs {
			maxAbs = a
		}
	}
	for i := range dst {
		dst[i] = 0
	}
	if maxAbs == 0 {
		return 0
	}
	q := qmax(bits)
	scale := maxAbs / q
	inv := 1 / scale
	mask := uint32(1)<<bits - 1
	for i, v := range src {
		r := float32(math.Round(float64(v * inv)))
		r = min(max(r, -q), q)
		var code uint32
		if bits == 8 {
			code = uint32(uint8(int8(r)))
		} else {
			code = uint32(int32(r)+8) & mask
		}
		dst[i/per] |= code << (uint(i%per) * uint(bits))
	}
	return scale
}

// DequantizeHead expands a packed head vector into dst.
func DequantizeHead(dst []float32, src []uint32, scale float32, bits int) {
	per := ValuesPerWord(bits)
	if per == 0 {
		panic(fmt.Sprintf("unsupported quantization bits %d", bits))
	}
	mask := uint32(1)<<bits - 1
	for i := range dst {
		code := (src[i/per] >> (uint(i%per) * uint(bits))) & mask
		var q float32
		if bits == 8 {
			q = float32(int8(uint8(code)))
		} else {
			q = float32(int32(code) - 8)
		}
		dst[i] = q * scale
	}
}
