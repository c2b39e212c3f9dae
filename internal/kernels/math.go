package kernels

import (
	"math"

	"github.com/clocksmith/doppler/internal/dtype"
)

// Host math used by the reference kernels. These run on the device queue
// goroutine and operate on decoded float32 rows.

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// dotRaw computes dot(x, row) where row is stored as dt in raw.
func dotRaw(x []float32, raw []byte, dt dtype.DType) float32 {
	var sum float32
	switch dt {
	case dtype.F32:
		for i := range x {
			sum += x[i] * math.Float32frombits(uint32(raw[i*4])|uint32(raw[i*4+1])<<8|uint32(raw[i*4+2])<<16|uint32(raw[i*4+3])<<24)
		}
	case dtype.F16:
		for i := range x {
			sum += x[i] * dtype.FromHalf(uint16(raw[i*2])|uint16(raw[i*2+1])<<8)
		}
	}
	return sum
}

func rmsNorm(dst, src, weight []float32, eps float32, offset bool) {
	var sum float32
	for _, v := range src {
		sum += v * v
	}
	mean := sum / float32(len(src))
	scale := float32(1.0) / float32(math.Sqrt(float64(mean+eps)))
	for i := range src {
		w := weight[i]
		if offset {
			w += 1
		}
		dst[i] = src[i] * scale * w
	}
}

func softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for _, v := range x[1:] {
		if v > maxv {
			maxv = v
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

func silu(x float32) float32 {
	return x / (1 + float32(math.Exp(float64(-x))))
}

// ropeInvFreq returns theta^(-2i/headDim) for i in [0, headDim/2).
func ropeInvFreq(headDim int, theta float64) []float64 {
	half := headDim / 2
	inv := make([]float64, half)
	for i := range half {
		inv[i] = 1.0 / math.Pow(theta, float64(2*i)/float64(headDim))
	}
	return inv
}

// applyRoPE rotates each head of x with the half-split convention.
func applyRoPE(x []float32, numHeads, headDim, pos int, invFreq []float64) {
	half := headDim / 2
	for h := range numHeads {
		base := h * headDim
		for i := range half {
			angle := float64(pos) * invFreq[i]
			c := float32(math.Cos(angle))
			s := float32(math.Sin(angle))
			i0 := base + i
			i1 := base + i + half
			x0, x1 := x[i0], x[i1]
			x[i0] = x0*c - x1*s
			x[i1] = x0*s + x1*c
		}
	}
}

func argmax(x []float32) int {
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}
