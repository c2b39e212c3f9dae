package kernels

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"math"
	"runtime"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/clocksmith/doppler/internal/dtype"
	"github.com/clocksmith/doppler/internal/gpu"
)

// ReferenceOptions configures the host reference kernels.
type ReferenceOptions struct {
	// DisableDeviceSampling hides the Sample kernel from Capabilities so
	// callers take their host sampling path.
	DisableDeviceSampling bool
	// Workers bounds per-kernel parallelism. Zero uses GOMAXPROCS.
	Workers int
}

// Reference implements Kernels on a host-addressable device. Every kernel
// body runs on the device queue, reading and writing buffer memory directly.
type Reference struct {
	pool    *gpu.BufferPool
	dev     gpu.Device
	caps    Capabilities
	workers int
}

var _ Kernels = (*Reference)(nil)

func NewReference(pool *gpu.BufferPool, opts ReferenceOptions) *Reference {
	workers := opts.Workers
	if workers <= 0 {
		workers = max(runtime.GOMAXPROCS(0), 1)
	}
	return &Reference{
		pool:    pool,
		dev:     pool.Device(),
		caps:    Capabilities{DeviceSampling: !opts.DisableDeviceSampling, Quantize: true},
		workers: workers,
	}
}

func (k *Reference) Capabilities() Capabilities { return k.caps }

func (k *Reference) alloc(label string, dt dtype.DType, shape ...int) (Tensor, error) {
	t := Tensor{Shape: shape, DType: dt}
	buf, err := k.pool.Acquire(t.Bytes(), gpu.UsageDefault, label)
	if err != nil {
		return Tensor{}, fmt.Errorf("%s: %w", label, err)
	}
	t.Buf = buf
	return t, nil
}

func (k *Reference) mem(b *gpu.Buffer) ([]byte, error) {
	m := k.dev.HostBytes(b)
	if m == nil {
		return nil, fmt.Errorf("%s is not host addressable", b)
	}
	return m, nil
}

func (k *Reference) read(t Tensor) ([]float32, error) {
	m, err := k.mem(t.Buf)
	if err != nil {
		return nil, err
	}
	out := make([]float32, t.Elems())
	dtype.Decode(t.DType, out, m[:t.Bytes()])
	return out, nil
}

func (k *Reference) write(t Tensor, vals []float32) error {
	m, err := k.mem(t.Buf)
	if err != nil {
		return err
	}
	dtype.Encode(t.DType, m[:t.Bytes()], vals)
	return nil
}

func (k *Reference) Embed(rec *gpu.Recorder, table Tensor, ids *gpu.Buffer, n int, scale float32) (Tensor, error) {
	if len(table.Shape) != 2 || !table.DType.IsFloat() {
		return Tensor{}, fmt.Errorf("embed table %v: %w", table.Shape, ErrShape)
	}
	if ids == nil || ids.Size() < n*4 {
		return Tensor{}, fmt.Errorf("embed ids buffer too small for %d tokens: %w", n, ErrShape)
	}
	vocab, hidden := table.Shape[0], table.Shape[1]
	out, err := k.alloc("embed", dtype.F32, n, hidden)
	if err != nil {
		return Tensor{}, err
	}
	rec.Encoder().Dispatch("embed", func() error {
		idm, err := k.mem(ids)
		if err != nil {
			return err
		}
		tm, err := k.mem(table.Buf)
		if err != nil {
			return err
		}
		om, err := k.mem(out.Buf)
		if err != nil {
			return err
		}
		row := make([]float32, hidden)
		rowBytes := hidden * table.DType.Size()
		for i := range n {
			id := int(binary.LittleEndian.Uint32(idm[i*4:]))
			if id >= vocab {
				return fmt.Errorf("token id %d out of range [0,%d)", id, vocab)
			}
			dtype.Decode(table.DType, row, tm[id*rowBytes:(id+1)*rowBytes])
			if scale != 1 {
				for j := range row {
					row[j] *= scale
				}
			}
			dtype.Encode(dtype.F32, om[i*hidden*4:], row)
		}
		return nil
	})
	return out, nil
}

func (k *Reference) RMSNorm(rec *gpu.Recorder, x, weight Tensor, eps float32, offset bool) (Tensor, error) {
	d := x.Cols()
	if weight.Elems() != d {
		return Tensor{}, fmt.Errorf("rmsnorm weight %v vs input %v: %w", weight.Shape, x.Shape, ErrShape)
	}
	out, err := k.alloc("rmsnorm", dtype.F32, x.Shape...)
	if err != nil {
		return Tensor{}, err
	}
	rec.Encoder().Dispatch("rmsnorm", func() error {
		xs, err := k.read(x)
		if err != nil {
			return err
		}
		w, err := k.read(weight)
		if err != nil {
			return err
		}
		res := make([]float32, len(xs))
		for r := 0; r < len(xs); r += d {
			rmsNorm(res[r:r+d], xs[r:r+d], w, eps, offset)
		}
		return k.write(out, res)
	})
	return out, nil
}

func (k *Reference) MatMul(rec *gpu.Recorder, x, w Tensor) (Tensor, error) {
	if len(w.Shape) != 2 || x.Cols() != w.Shape[1] {
		return Tensor{}, fmt.Errorf("matmul %v x %v^T: %w", x.Shape, w.Shape, ErrShape)
	}
	n, kdim, m := x.Rows(), x.Cols(), w.Shape[0]
	out, err := k.alloc("matmul", dtype.F32, n, m)
	if err != nil {
		return Tensor{}, err
	}
	rec.Encoder().Dispatch("matmul", func() error {
		xs, err := k.read(x)
		if err != nil {
			return err
		}
		wm, err := k.mem(w.Buf)
		if err != nil {
			return err
		}
		res := make([]float32, n*m)
		rowBytes := kdim * w.DType.Size()
		chunk := max((m+k.workers-1)/k.workers, 1)
		var g errgroup.Group
		for start := 0; start < m; start += chunk {
			end := min(start+chunk, m)
			g.Go(func() error {
				for j := start; j < end; j++ {
					raw := wm[j*rowBytes : (j+1)*rowBytes]
					for i := range n {
						res[i*m+j] = dotRaw(xs[i*kdim:(i+1)*kdim], raw, w.DType)
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		return k.write(out, res)
	})
	return out, nil
}

func (k *Reference) RoPE(rec *gpu.Recorder, x Tensor, numHeads, headDim, startPos int, theta float64) error {
	if headDim%2 != 0 || x.Cols() != numHeads*headDim {
		return fmt.Errorf("rope %v with %d heads of %d: %w", x.Shape, numHeads, headDim, ErrShape)
	}
	invFreq := ropeInvFreq(headDim, theta)
	rec.Encoder().Dispatch("rope", func() error {
		xs, err := k.read(x)
		if err != nil {
			return err
		}
		d := x.Cols()
		for r := range x.Rows() {
			applyRoPE(xs[r*d:(r+1)*d], numHeads, headDim, startPos+r, invFreq)
		}
		return k.write(x, xs)
	})
	return nil
}

// cachedKV is a dense host copy of the cached positions an attention call
// can see.
type cachedKV struct {
	pos  []int
	k, v []float32
}

func (k *Reference) gather(view KVView, limit int) (cachedKV, error) {
	kvSize := view.KVSize()
	var out cachedKV
	for _, seg := range view.Segments {
		end := min(seg.Start+seg.Len, limit)
		for p := seg.Start; p < end; p++ {
			kr, vr, err := k.readPosition(view, seg, p)
			if err != nil {
				return cachedKV{}, fmt.Errorf("%s segment position %d: %w", seg.Layout, p, err)
			}
			out.pos = append(out.pos, p)
			out.k = append(out.k, kr...)
			out.v = append(out.v, vr...)
		}
	}
	if len(out.k) != len(out.pos)*kvSize {
		return cachedKV{}, fmt.Errorf("gathered %d values for %d positions: %w", len(out.k), len(out.pos), ErrShape)
	}
	return out, nil
}

func (k *Reference) readPosition(view KVView, seg KVSegment, p int) ([]float32, []float32, error) {
	kvSize := view.KVSize()
	kr := make([]float32, kvSize)
	vr := make([]float32, kvSize)

	rowFrom := func(kb, vb *gpu.Buffer, idx int) error {
		km, err := k.mem(kb)
		if err != nil {
			return err
		}
		vm, err := k.mem(vb)
		if err != nil {
			return err
		}
		rowBytes := kvSize * seg.DType.Size()
		off := idx * rowBytes
		if off+rowBytes > len(km) || off+rowBytes > len(vm) {
			return gpu.ErrOutOfBounds
		}
		dtype.Decode(seg.DType, kr, km[off:off+rowBytes])
		dtype.Decode(seg.DType, vr, vm[off:off+rowBytes])
		return nil
	}

	switch seg.Layout {
	case SegmentLinear:
		return kr, vr, rowFrom(seg.K, seg.V, p-seg.Base)
	case SegmentRing:
		return kr, vr, rowFrom(seg.K, seg.V, p%seg.Ring)
	case SegmentPaged:
		tm, err := k.mem(seg.PageTable)
		if err != nil {
			return nil, nil, err
		}
		idx := p - seg.Base
		logical := idx / seg.PageSize
		if logical*4+4 > len(tm) {
			return nil, nil, gpu.ErrOutOfBounds
		}
		phys := int(binary.LittleEndian.Uint32(tm[logical*4:]))
		if phys >= len(seg.KPages) || phys >= len(seg.VPages) {
			return nil, nil, fmt.Errorf("page id %d not resident", phys)
		}
		return kr, vr, rowFrom(seg.KPages[phys], seg.VPages[phys], idx%seg.PageSize)
	case SegmentQuantized:
		idx := p - seg.Base
		stride := PackedStride(view.HeadDim, seg.Bits)
		km, err := k.mem(seg.K)
		if err != nil {
			return nil, nil, err
		}
		vm, err := k.mem(seg.V)
		if err != nil {
			return nil, nil, err
		}
		ks, err := k.mem(seg.KScales)
		if err != nil {
			return nil, nil, err
		}
		vs, err := k.mem(seg.VScales)
		if err != nil {
			return nil, nil, err
		}
		words := make([]uint32, stride)
		for h := range view.NumHeads {
			slot := idx*view.NumHeads + h
			hd := view.HeadDim
			for w := range stride {
				words[w] = binary.LittleEndian.Uint32(km[(slot*stride+w)*4:])
			}
			DequantizeHead(kr[h*hd:(h+1)*hd], words, math.Float32frombits(binary.LittleEndian.Uint32(ks[slot*4:])), seg.Bits)
			for w := range stride {
				words[w] = binary.LittleEndian.Uint32(vm[(slot*stride+w)*4:])
			}
			DequantizeHead(vr[h*hd:(h+1)*hd], words, math.Float32frombits(binary.LittleEndian.Uint32(vs[slot*4:])), seg.Bits)
		}
		return kr, vr, nil
	default:
		return nil, nil, fmt.Errorf("unknown segment layout %d", seg.Layout)
	}
}

func (k *Reference) Attention(rec *gpu.Recorder, q, kc, vc Tensor, view KVView, p AttentionParams) (Tensor, error) {
	hd := p.HeadDim
	if p.NumHeads <= 0 || p.NumKVHeads <= 0 || p.NumHeads%p.NumKVHeads != 0 {
		return Tensor{}, fmt.Errorf("attention heads %d/%d: %w", p.NumHeads, p.NumKVHeads, ErrShape)
	}
	if q.Cols() != p.NumHeads*hd || kc.Cols() != p.NumKVHeads*hd || vc.Cols() != kc.Cols() || kc.Rows() != q.Rows() {
		return Tensor{}, fmt.Errorf("attention q%v k%v v%v: %w", q.Shape, kc.Shape, vc.Shape, ErrShape)
	}
	if len(view.Segments) > 0 && (view.NumHeads != p.NumKVHeads || view.HeadDim != hd) {
		return Tensor{}, fmt.Errorf("attention view %dx%d vs %dx%d: %w", view.NumHeads, view.HeadDim, p.NumKVHeads, hd, ErrShape)
	}
	n := q.Rows()
	out, err := k.alloc("attention", dtype.F32, n, p.NumHeads*hd)
	if err != nil {
		return Tensor{}, err
	}
	scale := p.Scale
	if scale == 0 {
		scale = float32(1 / math.Sqrt(float64(hd)))
	}

	rec.Encoder().Dispatch("attention", func() error {
		qs, err := k.read(q)
		if err != nil {
			return err
		}
		ks, err := k.read(kc)
		if err != nil {
			return err
		}
		vs, err := k.read(vc)
		if err != nil {
			return err
		}
		cached, err := k.gather(view, p.StartPos)
		if err != nil {
			return err
		}
		kvSize := p.NumKVHeads * hd
		qStride := p.NumHeads * hd
		res := make([]float32, n*qStride)

		var g errgroup.Group
		g.SetLimit(k.workers)
		for h := range p.NumHeads {
			g.Go(func() error {
				kvh := h * p.NumKVHeads / p.NumHeads
				scores := make([]float32, 0, len(cached.pos)+n)
				for i := range n {
					qp := p.StartPos + i
					lo := math.MinInt
					if p.Window > 0 {
						lo = qp - p.Window + 1
					}
					qh := qs[i*qStride+h*hd : i*qStride+(h+1)*hd]
					scores = scores[:0]
					refs := make([]valueRef, 0, cap(scores))
					for c, pos := range cached.pos {
						if pos < lo {
							continue
						}
						off := c*kvSize + kvh*hd
						scores = append(scores, score(qh, cached.k[off:off+hd], scale, p.SoftCap))
						refs = append(refs, valueRef{src: cached.v, off: off})
					}
					for j := 0; j <= i; j++ {
						if p.StartPos+j < lo {
							continue
						}
						off := j*kvSize + kvh*hd
						scores = append(scores, score(qh, ks[off:off+hd], scale, p.SoftCap))
						refs = append(refs, valueRef{src: vs, off: off})
					}
					softmax(scores)
					dst := res[i*qStride+h*hd : i*qStride+(h+1)*hd]
					for t, w := range scores {
						vrow := refs[t].src[refs[t].off : refs[t].off+hd]
						for d := range hd {
							dst[d] += w * vrow[d]
						}
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		return k.write(out, res)
	})
	return out, nil
}

// valueRef locates one value row, either in the gathered cache or in the
// current chunk.
type valueRef struct {
	src []float32
	off int
}

func score(q, k []float32, scale, softCap float32) float32 {
	s := dot(q, k) * scale
	if softCap > 0 {
		s = softCap * float32(math.Tanh(float64(s/softCap)))
	}
	return s
}

func (k *Reference) elementwise(rec *gpu.Recorder, label string, a, b Tensor, fn func(x, y float32) float32) (Tensor, error) {
	if a.Elems() != b.Elems() {
		return Tensor{}, fmt.Errorf("%s %v vs %v: %w", label, a.Shape, b.Shape, ErrShape)
	}
	out, err := k.alloc(label, dtype.F32, a.Shape...)
	if err != nil {
		return Tensor{}, err
	}
	rec.Encoder().Dispatch(label, func() error {
		as, err := k.read(a)
		if err != nil {
			return err
		}
		bs, err := k.read(b)
		if err != nil {
			return err
		}
		for i := range as {
			as[i] = fn(as[i], bs[i])
		}
		return k.write(out, as)
	})
	return out, nil
}

func (k *Reference) SiLUMul(rec *gpu.Recorder, gate, up Tensor) (Tensor, error) {
	return k.elementwise(rec, "silu_mul", gate, up, func(g, u float32) float32 { return silu(g) * u })
}

func (k *Reference) Add(rec *gpu.Recorder, a, b Tensor) (Tensor, error) {
	return k.elementwise(rec, "add", a, b, func(x, y float32) float32 { return x + y })
}

func (k *Reference) Scale(rec *gpu.Recorder, x Tensor, s float32) (Tensor, error) {
	return k.convert(rec, "scale", x, dtype.F32, s)
}

func (k *Reference) Cast(rec *gpu.Recorder, x Tensor, to dtype.DType) (Tensor, error) {
	return k.convert(rec, "cast", x, to, 1)
}

func (k *Reference) convert(rec *gpu.Recorder, label string, x Tensor, to dtype.DType, s float32) (Tensor, error) {
	if !to.IsFloat() {
		return Tensor{}, fmt.Errorf("%s to %s: %w", label, to, ErrShape)
	}
	out, err := k.alloc(label, to, x.Shape...)
	if err != nil {
		return Tensor{}, err
	}
	rec.Encoder().Dispatch(label, func() error {
		xs, err := k.read(x)
		if err != nil {
			return err
		}
		if s != 1 {
			for i := range xs {
				xs[i] *= s
			}
		}
		return k.write(out, xs)
	})
	return out, nil
}

func (k *Reference) LastRow(rec *gpu.Recorder, x Tensor) (Tensor, error) {
	d := x.Cols()
	out, err := k.alloc("last_row", x.DType, 1, d)
	if err != nil {
		return Tensor{}, err
	}
	rowBytes := d * x.DType.Size()
	rec.Encoder().CopyBufferToBuffer(x.Buf, (x.Rows()-1)*rowBytes, out.Buf, 0, rowBytes)
	return out, nil
}

func (k *Reference) Argmax(rec *gpu.Recorder, logits Tensor) (Tensor, error) {
	out, err := k.alloc("argmax", dtype.U32, 1)
	if err != nil {
		return Tensor{}, err
	}
	rec.Encoder().Dispatch("argmax", func() error {
		xs, err := k.read(logits)
		if err != nil {
			return err
		}
		v := logits.Cols()
		id := argmax(xs[len(xs)-v:])
		return k.writeID(out, id)
	})
	return out, nil
}

func (k *Reference) writeID(t Tensor, id int) error {
	m, err := k.mem(t.Buf)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(m, uint32(id))
	return nil
}

func (k *Reference) Sample(rec *gpu.Recorder, logits Tensor, p SampleParams) (Tensor, error) {
	if !k.caps.DeviceSampling {
		return Tensor{}, fmt.Errorf("device sampling disabled")
	}
	out, err := k.alloc("sample", dtype.U32, 1)
	if err != nil {
		return Tensor{}, err
	}
	rec.Encoder().Dispatch("sample", func() error {
		xs, err := k.read(logits)
		if err != nil {
			return err
		}
		v := logits.Cols()
		return k.writeID(out, sampleRow(xs[len(xs)-v:], p))
	})
	return out, nil
}

// sampleRow applies temperature, top-k and top-p, then inverts the CDF at
// p.Random.
func sampleRow(logits []float32, p SampleParams) int {
	if p.Temperature <= 0 {
		return argmax(logits)
	}
	probs := make([]float32, len(logits))
	for i, l := range logits {
		probs[i] = l / p.Temperature
	}
	softmax(probs)

	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	slices.SortFunc(idx, func(a, b int) int {
		if c := cmp.Compare(probs[b], probs[a]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	if p.TopK > 0 && p.TopK < len(idx) {
		idx = idx[:p.TopK]
	}
	if p.TopP > 0 && p.TopP < 1 {
		var cum float32
		for i, id := range idx {
			cum += probs[id]
			if cum >= p.TopP {
				idx = idx[:i+1]
				break
			}
		}
	}
	var total float32
	for _, id := range idx {
		total += probs[id]
	}
	r := p.Random * total
	for _, id := range idx {
		r -= probs[id]
		if r < 0 {
			return id
		}
	}
	return idx[len(idx)-1]
}

func (k *Reference) QuantizeKV(rec *gpu.Recorder, src *gpu.Buffer, srcOffset, numTokens int, dst QuantTarget, dstToken int, p QuantParams) error {
	stride := PackedStride(p.HeadDim, p.Bits)
	if stride == 0 || p.HeadDim > MaxQuantHeadDim {
		return fmt.Errorf("quantize %d bits, head dim %d: %w", p.Bits, p.HeadDim, ErrShape)
	}
	kvSize := p.NumHeads * p.HeadDim
	srcBytes := numTokens * kvSize * p.SrcDType.Size()
	if srcOffset+srcBytes > src.Size() {
		return fmt.Errorf("quantize source %s: %w", src, gpu.ErrOutOfBounds)
	}
	slots := (dstToken + numTokens) * p.NumHeads
	if slots*stride*4 > dst.Packed.Size() || slots*4 > dst.Scales.Size() {
		return fmt.Errorf("quantize destination for token %d: %w", dstToken+numTokens, gpu.ErrOutOfBounds)
	}
	rec.Encoder().Dispatch("quantize_kv", func() error {
		sm, err := k.mem(src)
		if err != nil {
			return err
		}
		pm, err := k.mem(dst.Packed)
		if err != nil {
			return err
		}
		scm, err := k.mem(dst.Scales)
		if err != nil {
			return err
		}
		row := make([]float32, kvSize)
		words := make([]uint32, stride)
		rowBytes := kvSize * p.SrcDType.Size()
		for t := range numTokens {
			dtype.Decode(p.SrcDType, row, sm[srcOffset+t*rowBytes:])
			for h := range p.NumHeads {
				slot := (dstToken+t)*p.NumHeads + h
				s := QuantizeHead(words, row[h*p.HeadDim:(h+1)*p.HeadDim], p.Bits)
				for w, word := range words {
					binary.LittleEndian.PutUint32(pm[(slot*stride+w)*4:], word)
				}
				binary.LittleEndian.PutUint32(scm[slot*4:], math.Float32bits(s))
			}
		}
		return nil
	})
	return nil
}
