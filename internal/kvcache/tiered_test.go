package kvcache

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/clocksmith/doppler/internal/dtype"
	"github.com/clocksmith/doppler/internal/gpu"
	"github.com/clocksmith/doppler/internal/kernels"
)

func quantOptions(c Compression, g Gating) Options {
	o := tieredOptions()
	o.UseGPU = Ptr(true)
	o.Tiering.HotWindow = Ptr(3)
	o.Tiering.Compression = Ptr(c)
	o.Tiering.Gating = Ptr(g)
	o.Tiering.MinComputeBandwidthRatio = Ptr(5.0)
	return o
}

type attnHarness struct {
	dev  *gpu.HostDevice
	pool *gpu.BufferPool
	k    *kernels.Reference
}

func newAttnHarness(t *testing.T) *attnHarness {
	dev, pool := newDevice(t)
	return &attnHarness{dev: dev, pool: pool, k: kernels.NewReference(pool, kernels.ReferenceOptions{Workers: 1})}
}

func (h *attnHarness) cache(t *testing.T, o Options) Cache {
	t.Helper()
	c, err := NewFromOptions(h.dev, h.pool, o, h.k, nil)
	if err != nil {
		t.Fatalf("NewFromOptions: %v", err)
	}
	t.Cleanup(c.Release)
	return c
}

func (h *attnHarness) tensor(t *testing.T, vals []float32, shape ...int) kernels.Tensor {
	t.Helper()
	buf, err := h.dev.CreateBuffer(len(vals)*4, gpu.UsageDefault, "test")
	if err != nil {
		t.Fatal(err)
	}
	if err := h.dev.WriteBuffer(buf, 0, dtype.EncodeFloats(dtype.F32, vals)); err != nil {
		t.Fatal(err)
	}
	return kernels.Tensor{Buf: buf, Shape: shape, DType: dtype.F32}
}

// attend runs one query row at position c.SeqLen() over the cached layer 0.
func (h *attnHarness) attend(t *testing.T, c Cache) []float32 {
	t.Helper()
	cfg := c.Config()
	hd := cfg.HeadDim
	q := h.tensor(t, []float32{0.02, -0.01, 0.03, 0.01}[:hd], 1, hd)
	k := h.tensor(t, []float32{1, 1, 1, 1}[:hd], 1, hd)
	v := h.tensor(t, []float32{2, 2, 2, 2}[:hd], 1, hd)
	view, err := c.AttentionView(0)
	if err != nil {
		t.Fatalf("AttentionView: %v", err)
	}
	rec := gpu.NewRecorder(h.dev, h.pool, "attend")
	out, err := h.k.Attention(rec, q, k, v, view, kernels.AttentionParams{
		NumHeads:   1,
		NumKVHeads: 1,
		HeadDim:    hd,
		StartPos:   c.LayerSeqLen(0),
		Scale:      float32(1 / math.Sqrt(float64(hd))),
	})
	if err != nil {
		rec.Abort()
		t.Fatalf("Attention: %v", err)
	}
	if err := rec.SubmitAndWait(context.Background()); err != nil {
		t.Fatal(err)
	}
	raw, err := h.dev.ReadBuffer(context.Background(), out.Buf, 0, out.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	h.pool.Release(out.Buf)
	return dtype.DecodeFloats(out.DType, raw)
}

func TestTieredSplitsHotAndCold(t *testing.T) {
	t.Parallel()
	h := newAttnHarness(t)
	o := tieredOptions()
	o.UseGPU = Ptr(true)
	o.Tiering.HotWindow = Ptr(3)
	c := h.cache(t, o)
	for pos := range 7 {
		mustUpdate(t, c, 0, pos, 1)
	}
	view, err := c.AttentionView(0)
	if err != nil {
		t.Fatal(err)
	}
	if view.ColdSeqLen != 4 || view.HotStart != 4 || view.HotSeqLen != 3 || view.SeqLen != 7 {
		t.Fatalf("view split = cold %d hot [%d,+%d) seq %d", view.ColdSeqLen, view.HotStart, view.HotSeqLen, view.SeqLen)
	}
	if view.Segments[0].Layout != kernels.SegmentPaged || view.Segments[1].Layout != kernels.SegmentRing {
		t.Fatalf("segment layouts = %s, %s", view.Segments[0].Layout, view.Segments[1].Layout)
	}
	checkGet(t, c, 0, 0, 7, 0)
}

func TestTieredAttentionMatchesContiguous(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		opts Options
		tol  float32
	}{
		{name: "paged cold", opts: quantOptions(CompressionNone, GatingForceOff), tol: 1e-5},
		{name: "int8 cold", opts: quantOptions(CompressionInt8, GatingForceOn), tol: 0.1},
		{name: "int4 cold", opts: quantOptions(CompressionInt4, GatingAuto), tol: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newAttnHarness(t)
			ref := baseOptions()
			ref.UseGPU = Ptr(true)
			ref.DType = Ptr(dtype.F16)
			flat := h.cache(t, ref)
			tiered := h.cache(t, tt.opts)

			for _, c := range []Cache{flat, tiered} {
				mustUpdate(t, c, 0, 0, 5)
				mustUpdate(t, c, 0, 5, 1)
				mustUpdate(t, c, 0, 6, 1)
			}
			want := h.attend(t, flat)
			got := h.attend(t, tiered)
			for i := range want {
				if d := float32(math.Abs(float64(want[i] - got[i]))); d > tt.tol {
					t.Fatalf("output[%d] = %v, want %v (tol %v)", i, got[i], want[i], tt.tol)
				}
			}
		})
	}
}

func TestTieredQuantizedColdIsNotReadable(t *testing.T) {
	t.Parallel()
	h := newAttnHarness(t)
	c := h.cache(t, quantOptions(CompressionInt8, GatingForceOn))
	tc := c.(*Tiered)
	if tc.Compression() != CompressionInt8 {
		t.Fatalf("Compression = %s, want int8", tc.Compression())
	}
	mustUpdate(t, c, 0, 0, 5)
	if _, err := c.Get(context.Background(), 0, 0, 5); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("Get error = %v, want ErrUnsupported", err)
	}
	view, err := c.AttentionView(0)
	if err != nil {
		t.Fatal(err)
	}
	if seg := view.Segments[0]; seg.Layout != kernels.SegmentQuantized || seg.Bits != 8 || seg.Len != 2 {
		t.Fatalf("cold segment = %+v", seg)
	}

	c.Truncate(4)
	view, err = c.AttentionView(0)
	if err != nil {
		t.Fatal(err)
	}
	if view.ColdSeqLen+view.HotSeqLen != 4 || view.HotStart != view.ColdSeqLen {
		t.Fatalf("after truncate: cold %d hot [%d,+%d)", view.ColdSeqLen, view.HotStart, view.HotSeqLen)
	}
	mustUpdate(t, c, 0, 4, 1)
	if got := c.LayerSeqLen(0); got != 5 {
		t.Fatalf("LayerSeqLen = %d, want 5", got)
	}
}

func TestTieredGating(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		opts    func() Options
		noQuant bool
		want    Compression
		wantErr error
	}{
		{name: "force off", opts: func() Options { return quantOptions(CompressionInt8, GatingForceOff) }, want: CompressionNone},
		{name: "auto passes", opts: func() Options { return quantOptions(CompressionInt8, GatingAuto) }, want: CompressionInt8},
		{name: "auto below ratio", opts: func() Options {
			o := quantOptions(CompressionInt4, GatingAuto)
			o.Tiering.MinComputeBandwidthRatio = Ptr(1000.0)
			return o
		}, want: CompressionNone},
		{name: "force on host", opts: func() Options {
			o := quantOptions(CompressionInt8, GatingForceOn)
			o.UseGPU = Ptr(false)
			return o
		}, wantErr: ErrInvalidOption},
		{name: "auto host degrades", opts: func() Options {
			o := quantOptions(CompressionInt8, GatingAuto)
			o.UseGPU = Ptr(false)
			return o
		}, want: CompressionNone},
		{name: "force on wide heads", opts: func() Options {
			o := quantOptions(CompressionInt8, GatingForceOn)
			o.HeadDim = Ptr(2 * kernels.MaxQuantHeadDim)
			return o
		}, wantErr: ErrInvalidOption},
		{name: "force on without kernels", opts: func() Options { return quantOptions(CompressionInt8, GatingForceOn) }, noQuant: true, wantErr: ErrInvalidOption},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newAttnHarness(t)
			var q kernels.Quantizer = h.k
			if tt.noQuant {
				q = nil
			}
			c, err := NewFromOptions(h.dev, h.pool, tt.opts(), q, nil)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			defer c.Release()
			if got := c.(*Tiered).Compression(); got != tt.want {
				t.Fatalf("Compression = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestTieredCloneCopiesQuantizedTier(t *testing.T) {
	t.Parallel()
	h := newAttnHarness(t)
	c := h.cache(t, quantOptions(CompressionInt8, GatingForceOn))
	mustUpdate(t, c, 0, 0, 6)
	want := h.attend(t, c)

	clone, err := c.Clone(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer clone.Release()
	c.Clear()
	zeros := make(HostData, 6*c.Config().KVSize())
	if err := c.Update(0, zeros, zeros, 0); err != nil {
		t.Fatal(err)
	}
	got := h.attend(t, clone)
	for i := range want {
		if want[i] != got[i] {
			t.Fatalf("clone output[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

// checkHotMirrorsCold asserts that every layer's hot tier holds exactly the
// last min(n, window) positions of the cold tier.
func checkHotMirrorsCold(t *testing.T, c *Tiered, n int) {
	t.Helper()
	ctx := context.Background()
	for l := range c.Config().NumLayers {
		hl := c.hot.LayerSeqLen(l)
		if want := min(n, c.HotWindow()); hl != want {
			t.Fatalf("layer %d: hot length %d at %d positions, want %d", l, hl, n, want)
		}
		if got := c.hot.LayerStart(l); got != n-hl {
			t.Fatalf("layer %d: hot starts at %d, want %d", l, got, n-hl)
		}
		hot, err := c.hot.Get(ctx, l, 0, hl)
		if err != nil {
			t.Fatalf("hot Get(%d): %v", l, err)
		}
		cold, err := c.cold.Get(ctx, l, n-hl, n)
		if err != nil {
			t.Fatalf("cold Get(%d, %d, %d): %v", l, n-hl, n, err)
		}
		if diff := cmp.Diff(cold, hot); diff != "" {
			t.Fatalf("layer %d: hot tier differs from cold tail (-cold +hot):\n%s", l, diff)
		}
	}
}

func TestTieredHotMirrorsColdTail(t *testing.T) {
	t.Parallel()
	for _, useGPU := range []bool{false, true} {
		name := "cpu"
		if useGPU {
			name = "gpu"
		}
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			o := tieredOptions()
			o.Tiering.HotWindow = Ptr(3)
			if useGPU {
				o.UseGPU = Ptr(true)
			}
			tc, ok := build(t, o).(*Tiered)
			if !ok {
				t.Fatal("tiered layout did not build a *Tiered")
			}
			layers := tc.Config().NumLayers
			for pos := range 7 {
				for l := range layers {
					mustUpdate(t, tc, l, pos, 1)
				}
			}
			checkHotMirrorsCold(t, tc, 7)

			steps := []struct {
				truncate int
				want     int
			}{
				{truncate: 5, want: 5},
				{truncate: 2, want: 2},
				{truncate: 9, want: 2},
			}
			for _, s := range steps {
				tc.Truncate(s.truncate)
				if got := tc.SeqLen(); got != s.want {
					t.Fatalf("Truncate(%d): SeqLen = %d, want %d", s.truncate, got, s.want)
				}
				checkHotMirrorsCold(t, tc, s.want)
				for l := range layers {
					checkGet(t, tc, l, 0, s.want, 0)
				}
			}

			// Writes after a refill keep extending the same window.
			for pos := 2; pos < 6; pos++ {
				for l := range layers {
					mustUpdate(t, tc, l, pos, 1)
				}
			}
			checkHotMirrorsCold(t, tc, 6)
		})
	}
}
