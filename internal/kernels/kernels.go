// Package kernels is the kernel invocation layer consumed by the pipeline and
// the KV caches. Kernels record device work into a gpu.Recorder and return
// result tensors; the caller decides which recorder owns each result.
package kernels

import (
	"errors"
	"fmt"

	"github.com/clocksmith/doppler/internal/dtype"
	"github.com/clocksmith/doppler/internal/gpu"
)

// ErrShape is returned when tensor shapes or dtypes do not line up.
var ErrShape = errors.New("kernels: shape mismatch")

// Tensor is a device buffer with shape metadata. Buffers acquired from a
// pool may be larger than Shape requires.
type Tensor struct {
	Buf   *gpu.Buffer
	Shape []int
	DType dtype.DType
}

// Elems returns the element count implied by Shape.
func (t Tensor) Elems() int {
	if len(t.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Bytes returns the logical size in bytes.
func (t Tensor) Bytes() int { return t.Elems() * t.DType.Size() }

// Rows returns the leading dimension, or 1 for vectors.
func (t Tensor) Rows() int {
	if len(t.Shape) < 2 {
		return 1
	}
	return t.Shape[0]
}

// Cols returns the trailing dimension.
func (t Tensor) Cols() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[len(t.Shape)-1]
}

func (t Tensor) String() string {
	return fmt.Sprintf("%v%v@%s", t.DType, t.Shape, t.Buf)
}

// SegmentLayout describes how a KVSegment maps positions to storage.
type SegmentLayout uint8

const (
	// SegmentLinear stores position p at index p-Base.
	SegmentLinear SegmentLayout = iota
	// SegmentRing stores position p at slot p%Ring.
	SegmentRing
	// SegmentPaged resolves position p through a device page table.
	SegmentPaged
	// SegmentQuantized stores packed int8/int4 values with per-token scales.
	SegmentQuantized
)

func (l SegmentLayout) String() string {
	switch l {
	case SegmentLinear:
		return "linear"
	case SegmentRing:
		return "ring"
	case SegmentPaged:
		return "paged"
	case SegmentQuantized:
		return "quantized"
	default:
		return "unknown"
	}
}

// KVSegment is a run of cached positions [Start, Start+Len) in one layout.
type KVSegment struct {
	Layout SegmentLayout
	Start  int
	Len    int
	DType  dtype.DType

	// Linear and ring storage.
	K, V *gpu.Buffer
	Base int
	Ring int

	// Paged storage. PageTable holds uint32 physical page ids per logical
	// page; KPages/VPages are indexed by physical id.
	PageTable      *gpu.Buffer
	PageSize       int
	KPages, VPages []*gpu.Buffer

	// Quantized storage. K/V hold packed words, scales one f32 per
	// (token, head).
	KScales, VScales *gpu.Buffer
	Bits             int
}

// KVView is everything an attention kernel needs to read one layer of a
// cache without host involvement.
type KVView struct {
	NumHeads int
	HeadDim  int
	SeqLen   int
	Segments []KVSegment

	// Tiered split; zero for single-tier caches.
	HotStart   int
	HotSeqLen  int
	ColdSeqLen int
}

// KVSize is the per-position element stride.
func (v KVView) KVSize() int { return v.NumHeads * v.HeadDim }

// AttentionParams configures one attention call.
type AttentionParams struct {
	NumHeads   int
	NumKVHeads int
	HeadDim    int
	// StartPos is the absolute position of the first query row.
	StartPos int
	// Window limits attention to the last Window positions. Zero means
	// unlimited.
	Window int
	Scale  float32
	// SoftCap applies tanh capping to scores when positive.
	SoftCap float32
}

// SampleParams configures device-side sampling. Random is a uniform value in
// [0,1) supplied by the host so that device sampling is reproducible.
type SampleParams struct {
	Temperature float32
	TopK        int
	TopP        float32
	Random      float32
}

// QuantParams describes a quantize-and-pack request.
type QuantParams struct {
	Bits     int
	NumHeads int
	HeadDim  int
	SrcDType dtype.DType
}

// QuantTarget is the destination of QuantizeKV.
type QuantTarget struct {
	Packed *gpu.Buffer
	Scales *gpu.Buffer
}

// Capabilities reports optional kernel features.
type Capabilities struct {
	DeviceSampling bool
	Quantize       bool
}

// Quantizer is the subset of Kernels the tiered cache needs.
type Quantizer interface {
	QuantizeKV(rec *gpu.Recorder, src *gpu.Buffer, srcOffset, numTokens int, dst QuantTarget, dstToken int, p QuantParams) error
}

// Kernels records device operations. Every method allocates its result
// from the pool without tracking it; the caller hands results to the
// recorder that last reads them.
type Kernels interface {
	Quantizer

	Capabilities() Capabilities

	// Embed gathers rows of table for the uint32 ids in ids and multiplies
	// them by scale. Result is [n, hidden] f32.
	Embed(rec *gpu.Recorder, table Tensor, ids *gpu.Buffer, n int, scale float32) (Tensor, error)
	// RMSNorm normalizes each row of x. With offset, weights are applied as
	// (1+w).
	RMSNorm(rec *gpu.Recorder, x, weight Tensor, eps float32, offset bool) (Tensor, error)
	// MatMul computes x[n,k] * w[m,k]^T -> [n,m].
	MatMul(rec *gpu.Recorder, x, w Tensor) (Tensor, error)
	// RoPE rotates x[n, heads*headDim] in place for positions startPos+i.
	RoPE(rec *gpu.Recorder, x Tensor, numHeads, headDim, startPos int, theta float64) error
	// Attention computes causal attention of q[n, heads*headDim] over the
	// cached positions in view that precede p.StartPos plus the current
	// chunk k/v[n, kvHeads*headDim].
	Attention(rec *gpu.Recorder, q, k, v Tensor, view KVView, p AttentionParams) (Tensor, error)
	SiLUMul(rec *gpu.Recorder, gate, up Tensor) (Tensor, error)
	MoE(rec *gpu.Recorder, x Tensor, m MoEWeights) (Tensor, error)
	Add(rec *gpu.Recorder, a, b Tensor) (Tensor, error)
	Scale(rec *gpu.Recorder, x Tensor, s float32) (Tensor, error)
	Cast(rec *gpu.Recorder, x Tensor, to dtype.DType) (Tensor, error)
	LastRow(rec *gpu.Recorder, x Tensor) (Tensor, error)
	Argmax(rec *gpu.Recorder, logits Tensor) (Tensor, error)
	Sample(rec *gpu.Recorder, logits Tensor, p SampleParams) (Tensor, error)
}
