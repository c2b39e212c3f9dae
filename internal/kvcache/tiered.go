package kvcache

import (
	"context"
	"fmt"

	"github.com/clocksmith/doppler/internal/dtype"
	"github.com/clocksmith/doppler/internal/gpu"
	"github.com/clocksmith/doppler/internal/kernels"
	"github.com/clocksmith/doppler/internal/logger"
	"github.com/clocksmith/doppler/internal/metrics"
)

// Tiered keeps the most recent HotWindow positions of each layer in a
// sliding window and every position in a cold tier. The cold tier is a
// paged f16 cache or, when compression resolves to int8/int4, packed
// quantized words with one scale per (token, head).
//
// Attention reads cold positions [0, LayerSeqLen-hotLen) and hot positions
// after that.
type Tiered struct {
	common
	hot   *SlidingWindow
	cold  *Paged
	quant *quantStore
	q     kernels.Quantizer

	requested   Compression
	compression Compression
	lens        []int
}

type quantStore struct {
	bits   int
	stride int
	layers []quantLayer
}

type quantLayer struct {
	k, v   *gpu.Buffer
	ks, vs *gpu.Buffer
}

// NewTiered builds a tiered cache and resolves its cold tier compression.
// A quantized cold tier needs a device, head dims of at most
// kernels.MaxQuantHeadDim and a Quantizer. When those are missing and
// gating is force_on construction fails; under auto the cache falls back
// to a paged cold tier.
func NewTiered(dev gpu.Device, pool *gpu.BufferPool, cfg Config, q kernels.Quantizer, log logger.Logger) (*Tiered, error) {
	if cfg.Layout != LayoutTiered {
		return nil, invalid("layout", "tiered cache built from %q config", cfg.Layout)
	}
	if cfg.DType != dtype.F16 {
		return nil, invalid("kv_dtype", "tiered layout requires f16, got %s", cfg.DType)
	}
	if cfg.Tiering.BlockSize != 1 {
		return nil, invalid("tiering.block_size", "only per-token scales (1) are supported, got %d", cfg.Tiering.BlockSize)
	}
	if cfg.UseGPU && dev == nil {
		return nil, invalid("use_gpu", "no device")
	}
	tc := cfg.Tiering
	var limits gpu.Limits
	if dev != nil {
		limits = dev.Limits()
	}
	resolved, reason := ResolveCompression(tc.Compression, tc.Gating, limits, tc.MinComputeBandwidthRatio)
	t := &Tiered{
		common:    newCommon(dev, pool, cfg, "tiered", log),
		q:         q,
		requested: tc.Compression,
		lens:      make([]int, cfg.NumLayers),
	}
	if resolved != CompressionNone {
		err := checkQuantized(cfg)
		if err == nil && q == nil {
			err = invalid("tiering.compression", "no quantize kernel")
		}
		if err != nil {
			if tc.Gating == GatingForceOn {
				return nil, err
			}
			t.log.Warn("quantized cold tier unavailable, using paged cold tier", "requested", tc.Compression, "err", err)
			resolved, reason = CompressionNone, err.Error()
		}
	}
	metrics.KVCacheCompression.WithLabelValues(string(tc.Compression), string(resolved), string(tc.Gating)).Inc()
	t.log.Info("tiered cache configured",
		"hot_window", tc.HotWindow,
		"requested", tc.Compression,
		"resolved", resolved,
		"gating", tc.Gating,
		"reason", reason,
	)
	if err := t.build(resolved); err != nil {
		t.Release()
		return nil, err
	}
	return t, nil
}

func (t *Tiered) build(resolved Compression) error {
	t.compression = resolved
	hotCfg := t.cfg
	hotCfg.Layout = LayoutContiguous
	hotCfg.WindowSize = t.cfg.Tiering.HotWindow
	var err error
	if t.hot, err = newSliding(t.dev, t.pool, hotCfg, "tiered_hot", t.root); err != nil {
		return err
	}
	if resolved == CompressionNone {
		coldCfg := t.cfg
		coldCfg.Layout = LayoutPaged
		t.cold, err = newPaged(t.dev, t.pool, coldCfg, "tiered_cold", t.root)
		return err
	}
	bits := resolved.Bits()
	t.quant = &quantStore{
		bits:   bits,
		stride: kernels.PackedStride(t.cfg.HeadDim, bits),
		layers: make([]quantLayer, t.cfg.NumLayers),
	}
	slots := t.cfg.MaxSeqLen * t.cfg.NumHeads
	for i := range t.quant.layers {
		ql := &t.quant.layers[i]
		if ql.k, err = t.createBuffer(slots*t.quant.stride*4, t.label(i, "kq")); err != nil {
			return err
		}
		if ql.v, err = t.createBuffer(slots*t.quant.stride*4, t.label(i, "vq")); err != nil {
			return err
		}
		if ql.ks, err = t.createBuffer(slots*4, t.label(i, "ks")); err != nil {
			return err
		}
		if ql.vs, err = t.createBuffer(slots*4, t.label(i, "vs")); err != nil {
			return err
		}
	}
	return nil
}

// Compression is the resolved cold tier encoding.
func (t *Tiered) Compression() Compression { return t.compression }

// HotWindow is the number of positions kept in the hot tier.
func (t *Tiered) HotWindow() int { return t.hot.window }

func (t *Tiered) SeqLen() int {
	n := 0
	for _, l := range t.lens {
		n = max(n, l)
	}
	return n
}

func (t *Tiered) LayerSeqLen(layer int) int {
	if layer < 0 || layer >= len(t.lens) {
		return 0
	}
	return t.lens[layer]
}

func (t *Tiered) LayerStart(int) int   { return 0 }
func (t *Tiered) TotalTokensSeen() int { return t.SeqLen() }

// HotSeqLen is the number of positions of layer served by the hot tier.
func (t *Tiered) HotSeqLen(layer int) int { return t.hot.LayerSeqLen(layer) }

// prepare resolves startPos and checks both tiers accept the write.
func (t *Tiered) prepare(layer, startPos, n int) (int, error) {
	if startPos == Append {
		startPos = t.lens[layer]
	}
	if startPos < 0 {
		return 0, checkRange(layer, startPos, startPos+n, t.cfg.MaxSeqLen)
	}
	if startPos+n > t.cfg.MaxSeqLen {
		return 0, t.overflow(layer, startPos, n)
	}
	if _, err := t.hot.plan(layer, startPos, n); err != nil {
		return 0, err
	}
	return startPos, nil
}

func (t *Tiered) quantParams() kernels.QuantParams {
	return kernels.QuantParams{
		Bits:     t.quant.bits,
		NumHeads: t.cfg.NumHeads,
		HeadDim:  t.cfg.HeadDim,
		SrcDType: t.cfg.DType,
	}
}

func (t *Tiered) recordQuantize(rec *gpu.Recorder, layer int, keys, values DeviceData, startPos, n int) error {
	ql := t.quant.layers[layer]
	p := t.quantParams()
	if err := t.q.QuantizeKV(rec, keys.Buf, keys.Offset, n, kernels.QuantTarget{Packed: ql.k, Scales: ql.ks}, startPos, p); err != nil {
		return fmt.Errorf("quantize keys: %w", err)
	}
	if err := t.q.QuantizeKV(rec, values.Buf, values.Offset, n, kernels.QuantTarget{Packed: ql.v, Scales: ql.vs}, startPos, p); err != nil {
		return fmt.Errorf("quantize values: %w", err)
	}
	return nil
}

func (t *Tiered) Update(layer int, keys, values Data, startPos int) error {
	if err := t.checkLayer(layer); err != nil {
		return err
	}
	n, device, err := pair(t.cfg, keys, values)
	if err != nil {
		return err
	}
	if device {
		return t.updateDevice(layer, keys, values, startPos, n, t.record)
	}
	if startPos, err = t.prepare(layer, startPos, n); err != nil {
		return err
	}
	if t.cold != nil {
		if err := t.cold.Update(layer, keys, values, startPos); err != nil {
			return err
		}
	} else {
		err := t.submit(t.label(layer, "quantize"), func(rec *gpu.Recorder) error {
			rb := t.cfg.RowBytes()
			ks, err := rec.Acquire(n*rb, gpu.UsageDefault, "kv.tiered.stage.k")
			if err != nil {
				return err
			}
			vs, err := rec.Acquire(n*rb, gpu.UsageDefault, "kv.tiered.stage.v")
			if err != nil {
				return err
			}
			rec.Encoder().WriteBuffer(ks, 0, dtype.EncodeFloats(t.cfg.DType, keys.(HostData)))
			rec.Encoder().WriteBuffer(vs, 0, dtype.EncodeFloats(t.cfg.DType, values.(HostData)))
			return t.recordQuantize(rec, layer, DeviceData{Buf: ks, Tokens: n}, DeviceData{Buf: vs, Tokens: n}, startPos, n)
		})
		if err != nil {
			return err
		}
	}
	if err := t.hot.Update(layer, keys, values, startPos); err != nil {
		return err
	}
	t.lens[layer] = max(t.lens[layer], startPos+n)
	t.wrote("host", n)
	return nil
}

func (t *Tiered) UpdateFromGPU(layer int, keys, values *gpu.Buffer, startPos, numTokens int) error {
	return t.recordDevice(nil, layer, keys, values, startPos, numTokens, t.record)
}

func (t *Tiered) RecordUpdateFromGPU(rec *gpu.Recorder, layer int, keys, values *gpu.Buffer, startPos, numTokens int) error {
	return t.recordDevice(rec, layer, keys, values, startPos, numTokens, t.record)
}

func (t *Tiered) record(rec *gpu.Recorder, layer int, keys, values DeviceData, startPos, n int) error {
	startPos, err := t.prepare(layer, startPos, n)
	if err != nil {
		return err
	}
	if t.cold != nil {
		err = t.cold.record(rec, layer, keys, values, startPos, n)
	} else {
		err = t.recordQuantize(rec, layer, keys, values, startPos, n)
	}
	if err != nil {
		return err
	}
	if err := t.hot.record(rec, layer, keys, values, startPos, n); err != nil {
		return err
	}
	t.lens[layer] = max(t.lens[layer], startPos+n)
	t.wrote("device", n)
	return nil
}

// Get reads from the paged cold tier. Quantized cold tiers cannot be read
// back exactly and return ErrUnsupported.
func (t *Tiered) Get(ctx context.Context, layer, start, end int) (KV, error) {
	if err := t.checkLayer(layer); err != nil {
		return KV{}, err
	}
	if t.cold == nil {
		return KV{}, fmt.Errorf("get from %s cold tier: %w", t.compression, ErrUnsupported)
	}
	return t.cold.Get(ctx, layer, start, end)
}

func (t *Tiered) AttentionView(layer int) (kernels.KVView, error) {
	if err := t.checkLayer(layer); err != nil {
		return kernels.KVView{}, err
	}
	if err := t.checkGPU("attention view"); err != nil {
		return kernels.KVView{}, err
	}
	n := t.lens[layer]
	hot := t.hot.layers[layer]
	coldLen := n - hot.n
	var cold kernels.KVSegment
	if t.cold != nil {
		var err error
		if cold, err = t.cold.segment(layer, coldLen); err != nil {
			return kernels.KVView{}, err
		}
	} else {
		ql := t.quant.layers[layer]
		cold = kernels.KVSegment{
			Layout:  kernels.SegmentQuantized,
			Len:     coldLen,
			DType:   t.cfg.DType,
			K:       ql.k,
			V:       ql.v,
			KScales: ql.ks,
			VScales: ql.vs,
			Bits:    t.quant.bits,
		}
	}
	return kernels.KVView{
		NumHeads:   t.cfg.NumHeads,
		HeadDim:    t.cfg.HeadDim,
		SeqLen:     n,
		Segments:   []kernels.KVSegment{cold, t.hot.segment(layer)},
		HotStart:   hot.start,
		HotSeqLen:  hot.n,
		ColdSeqLen: coldLen,
	}, nil
}

func (t *Tiered) Clear() {
	t.hot.Clear()
	if t.cold != nil {
		t.cold.Clear()
	}
	clear(t.lens)
}

// Truncate shortens both tiers. With a paged cold tier the hot window is
// refilled from cold so it again covers the last HotWindow positions; a
// quantized cold tier leaves the hot tier short until later writes.
func (t *Tiered) Truncate(length int) {
	length = max(length, 0)
	for i := range t.lens {
		t.lens[i] = min(t.lens[i], length)
	}
	t.hot.Truncate(length)
	if t.cold == nil {
		t.log.Debug("truncated without hot refill", "length", length)
		return
	}
	t.cold.Truncate(length)
	if err := t.refillHot(); err != nil {
		t.log.Warn("hot tier refill failed", "err", err)
	}
}

func (t *Tiered) refillHot() error {
	var rec *gpu.Recorder
	if t.cfg.UseGPU {
		rec = gpu.NewRecorder(t.dev, t.pool, "kv.tiered.refill")
	}
	rb := t.cfg.RowBytes()
	for i, n := range t.lens {
		want := max(0, n-t.hot.window)
		hl := &t.hot.layers[i]
		if n == 0 || (hl.n > 0 && hl.start <= want) {
			continue
		}
		hl.start, hl.n = want, 0
		if rec == nil {
			kv, err := t.cold.Get(context.Background(), i, want, n)
			if err != nil {
				return err
			}
			if err := t.hot.writeHost(i, slide{startPos: want, n: n - want, newStart: want, newEnd: n}, kv.Keys, kv.Values); err != nil {
				return err
			}
			hl.n = n - want
			continue
		}
		cl := &t.cold.layers[i]
		err := t.cold.chunks(i, want, n-want, func(phys, off, row, cnt int) error {
			p := slide{startPos: want + row, n: cnt, newStart: want, newEnd: want + row + cnt}
			k := DeviceData{Buf: cl.kPages[phys], Offset: off * rb, Tokens: cnt}
			v := DeviceData{Buf: cl.vPages[phys], Offset: off * rb, Tokens: cnt}
			return t.hot.recordRing(rec, i, p, k, v)
		})
		if err != nil {
			rec.Abort()
			return err
		}
		hl.n = n - want
	}
	if rec != nil {
		return rec.Submit()
	}
	return nil
}

// Clone returns a tiered cache with the same residency and compression.
// Device tiers are copied device to device.
func (t *Tiered) Clone(ctx context.Context) (Cache, error) {
	if t.released {
		return nil, ErrReleased
	}
	out := &Tiered{
		common:    newCommon(t.dev, t.pool, t.cfg, "tiered", t.root),
		q:         t.q,
		requested: t.requested,
		lens:      make([]int, t.cfg.NumLayers),
	}
	if err := out.build(t.compression); err != nil {
		out.Release()
		return nil, err
	}
	if err := out.copyFrom(ctx, t); err != nil {
		out.Release()
		return nil, err
	}
	return out, nil
}

// copyFrom replaces t's contents with src's. Both must share config and
// compression.
func (t *Tiered) copyFrom(_ context.Context, src *Tiered) error {
	if t.cfg != src.cfg || t.compression != src.compression {
		return fmt.Errorf("copy tiered %s cache into %s: %w", src.compression, t.compression, ErrTypeMismatch)
	}
	var rec *gpu.Recorder
	if t.cfg.UseGPU {
		rec = gpu.NewRecorder(t.dev, t.pool, "kv.tiered.copy")
	}
	src.hot.copyTo(rec, t.hot)
	if t.cold != nil {
		if err := src.cold.copyTo(rec, t.cold); err != nil {
			if rec != nil {
				rec.Abort()
			}
			return err
		}
	} else {
		stride := t.quant.stride
		for i, n := range src.lens {
			if n == 0 {
				continue
			}
			s, d := src.quant.layers[i], t.quant.layers[i]
			slots := n * t.cfg.NumHeads
			enc := rec.Encoder()
			enc.CopyBufferToBuffer(s.k, 0, d.k, 0, slots*stride*4)
			enc.CopyBufferToBuffer(s.v, 0, d.v, 0, slots*stride*4)
			enc.CopyBufferToBuffer(s.ks, 0, d.ks, 0, slots*4)
			enc.CopyBufferToBuffer(s.vs, 0, d.vs, 0, slots*4)
		}
	}
	copy(t.lens, src.lens)
	if rec != nil {
		return rec.Submit()
	}
	return nil
}

func (t *Tiered) MemoryStats() MemoryStats {
	st := MemoryStats{
		Kind:           t.kind,
		DeviceResident: t.cfg.UseGPU,
		ReservedBytes:  t.reserved,
		SeqLen:         t.SeqLen(),
		TotalTokens:    t.TotalTokensSeen(),
	}
	if t.hot != nil {
		st.ReservedBytes += t.hot.reserved
		st.UsedBytes += usedBytes(t.hot)
	}
	if t.cold != nil {
		st.ReservedBytes += t.cold.reserved
		st.UsedBytes += usedBytes(t.cold)
		st.AllocatedPages = t.cold.allocated
	}
	if t.quant != nil {
		for _, n := range t.lens {
			st.UsedBytes += int64(2 * n * t.cfg.NumHeads * (t.quant.stride + 1) * 4)
		}
	}
	return st
}

func (t *Tiered) Release() {
	if t.released {
		return
	}
	if t.hot != nil {
		t.hot.Release()
	}
	if t.cold != nil {
		t.cold.Release()
	}
	if t.quant != nil {
		for _, ql := range t.quant.layers {
			t.destroyBuffer(ql.k)
			t.destroyBuffer(ql.v)
			t.destroyBuffer(ql.ks)
			t.destroyBuffer(ql.vs)
		}
	}
	clear(t.lens)
	t.released = true
}
