package kvcache

import (
	"context"

	"github.com/clocksmith/doppler/internal/dtype"
	"github.com/clocksmith/doppler/internal/gpu"
	"github.com/clocksmith/doppler/internal/kernels"
	"github.com/clocksmith/doppler/internal/logger"
)

// Contiguous reserves [MaxSeqLen, kvSize] keys and values per layer up
// front. Device-resident instances keep a host mirror that Get refreshes
// lazily.
type Contiguous struct {
	common
	layers []contiguousLayer
}

type contiguousLayer struct {
	n    int
	k, v *gpu.Buffer
	// Host storage on CPU caches; the readback mirror on device caches.
	hk, hv   hostStore
	mirrored int
	mirror   bool
}

// NewContiguous allocates a contiguous cache.
func NewContiguous(dev gpu.Device, pool *gpu.BufferPool, cfg Config, log logger.Logger) (*Contiguous, error) {
	c := &Contiguous{
		common: newCommon(dev, pool, cfg, "contiguous", log),
		layers: make([]contiguousLayer, cfg.NumLayers),
	}
	size := cfg.MaxSeqLen * cfg.RowBytes()
	for i := range c.layers {
		l := &c.layers[i]
		if !cfg.UseGPU {
			l.hk = newHostStore(cfg.DType, cfg.KVSize(), cfg.MaxSeqLen)
			l.hv = newHostStore(cfg.DType, cfg.KVSize(), cfg.MaxSeqLen)
			c.reserve(int64(2 * size))
			continue
		}
		var err error
		if l.k, err = c.createBuffer(size, c.label(i, "k")); err != nil {
			c.Release()
			return nil, err
		}
		if l.v, err = c.createBuffer(size, c.label(i, "v")); err != nil {
			c.Release()
			return nil, err
		}
	}
	c.log.Debug("cache allocated", "layers", cfg.NumLayers, "max_seq_len", cfg.MaxSeqLen, "reserved_bytes", c.reserved, "device", cfg.UseGPU)
	return c, nil
}

func (c *Contiguous) SeqLen() int {
	n := 0
	for _, l := range c.layers {
		n = max(n, l.n)
	}
	return n
}

func (c *Contiguous) LayerSeqLen(layer int) int {
	if layer < 0 || layer >= len(c.layers) {
		return 0
	}
	return c.layers[layer].n
}

func (c *Contiguous) LayerStart(int) int   { return 0 }
func (c *Contiguous) TotalTokensSeen() int { return c.SeqLen() }

func (c *Contiguous) span(layer, startPos, n int) (int, error) {
	if startPos == Append {
		startPos = c.layers[layer].n
	}
	if startPos < 0 {
		return 0, checkRange(layer, startPos, startPos+n, c.cfg.MaxSeqLen)
	}
	if startPos+n > c.cfg.MaxSeqLen {
		return 0, c.overflow(layer, startPos, n)
	}
	return startPos, nil
}

func (c *Contiguous) Update(layer int, keys, values Data, startPos int) error {
	if err := c.checkLayer(layer); err != nil {
		return err
	}
	n, device, err := pair(c.cfg, keys, values)
	if err != nil {
		return err
	}
	if device {
		return c.updateDevice(layer, keys, values, startPos, n, c.record)
	}
	if startPos, err = c.span(layer, startPos, n); err != nil {
		return err
	}
	l := &c.layers[layer]
	kh, vh := keys.(HostData), values.(HostData)
	if c.cfg.UseGPU {
		off := startPos * c.cfg.RowBytes()
		if err := c.dev.WriteBuffer(l.k, off, dtype.EncodeFloats(c.cfg.DType, kh)); err != nil {
			return err
		}
		if err := c.dev.WriteBuffer(l.v, off, dtype.EncodeFloats(c.cfg.DType, vh)); err != nil {
			return err
		}
		if l.mirror {
			l.hk.put(startPos, kh)
			l.hv.put(startPos, vh)
			if startPos <= l.mirrored {
				l.mirrored = max(l.mirrored, startPos+n)
			}
		}
	} else {
		l.hk.put(startPos, kh)
		l.hv.put(startPos, vh)
	}
	l.n = max(l.n, startPos+n)
	c.wrote("host", n)
	return nil
}

func (c *Contiguous) UpdateFromGPU(layer int, keys, values *gpu.Buffer, startPos, numTokens int) error {
	return c.recordDevice(nil, layer, keys, values, startPos, numTokens, c.record)
}

func (c *Contiguous) RecordUpdateFromGPU(rec *gpu.Recorder, layer int, keys, values *gpu.Buffer, startPos, numTokens int) error {
	return c.recordDevice(rec, layer, keys, values, startPos, numTokens, c.record)
}

func (c *Contiguous) record(rec *gpu.Recorder, layer int, keys, values DeviceData, startPos, n int) error {
	startPos, err := c.span(layer, startPos, n)
	if err != nil {
		return err
	}
	l := &c.layers[layer]
	rb := c.cfg.RowBytes()
	enc := rec.Encoder()
	enc.CopyBufferToBuffer(keys.Buf, keys.Offset, l.k, startPos*rb, n*rb)
	enc.CopyBufferToBuffer(values.Buf, values.Offset, l.v, startPos*rb, n*rb)
	if err := enc.Err(); err != nil {
		return err
	}
	l.n = max(l.n, startPos+n)
	l.mirrored = min(l.mirrored, startPos)
	c.wrote("device", n)
	return nil
}

func (c *Contiguous) Get(ctx context.Context, layer, start, end int) (KV, error) {
	if err := c.checkLayer(layer); err != nil {
		return KV{}, err
	}
	l := &c.layers[layer]
	if err := checkRange(layer, start, end, l.n); err != nil {
		return KV{}, err
	}
	if c.cfg.UseGPU {
		if err := c.syncMirror(ctx, l); err != nil {
			return KV{}, err
		}
	}
	out := allocKV(c.cfg, end-start)
	l.hk.get(out.Keys, start)
	l.hv.get(out.Values, start)
	return out, nil
}

// syncMirror brings the host mirror up to the layer length.
func (c *Contiguous) syncMirror(ctx context.Context, l *contiguousLayer) error {
	if !l.mirror {
		l.hk = newHostStore(c.cfg.DType, c.cfg.KVSize(), c.cfg.MaxSeqLen)
		l.hv = newHostStore(c.cfg.DType, c.cfg.KVSize(), c.cfg.MaxSeqLen)
		l.mirror = true
		l.mirrored = 0
	}
	if l.mirrored >= l.n {
		return nil
	}
	n := l.n - l.mirrored
	kr, err := c.readRaw(ctx, l.k, l.mirrored, n)
	if err != nil {
		return err
	}
	vr, err := c.readRaw(ctx, l.v, l.mirrored, n)
	if err != nil {
		return err
	}
	copy(l.hk.raw(l.mirrored, n), kr)
	copy(l.hv.raw(l.mirrored, n), vr)
	l.mirrored = l.n
	return nil
}

func (c *Contiguous) AttentionView(layer int) (kernels.KVView, error) {
	if err := c.checkLayer(layer); err != nil {
		return kernels.KVView{}, err
	}
	if err := c.checkGPU("attention view"); err != nil {
		return kernels.KVView{}, err
	}
	l := c.layers[layer]
	return kernels.KVView{
		NumHeads: c.cfg.NumHeads,
		HeadDim:  c.cfg.HeadDim,
		SeqLen:   l.n,
		Segments: []kernels.KVSegment{{
			Layout: kernels.SegmentLinear,
			Len:    l.n,
			DType:  c.cfg.DType,
			K:      l.k,
			V:      l.v,
		}},
	}, nil
}

func (c *Contiguous) Clear() {
	for i := range c.layers {
		l := &c.layers[i]
		l.n = 0
		l.mirrored = 0
		if !c.cfg.UseGPU || l.mirror {
			l.hk.zero()
			l.hv.zero()
		}
	}
}

func (c *Contiguous) Truncate(length int) {
	length = max(length, 0)
	for i := range c.layers {
		l := &c.layers[i]
		l.n = min(l.n, length)
		l.mirrored = min(l.mirrored, l.n)
	}
}

// Clone returns a host-resident contiguous copy.
func (c *Contiguous) Clone(ctx context.Context) (Cache, error) {
	if c.released {
		return nil, ErrReleased
	}
	cfg := c.cfg
	cfg.UseGPU = false
	out, err := NewContiguous(nil, nil, cfg, c.root)
	if err != nil {
		return nil, err
	}
	for i := range c.layers {
		l := &c.layers[i]
		if c.cfg.UseGPU {
			if err := c.syncMirror(ctx, l); err != nil {
				out.Release()
				return nil, err
			}
		}
		copy(out.layers[i].hk.b, l.hk.raw(0, l.n))
		copy(out.layers[i].hv.b, l.hv.raw(0, l.n))
		out.layers[i].n = l.n
	}
	return out, nil
}

func (c *Contiguous) MemoryStats() MemoryStats {
	return MemoryStats{
		Kind:           c.kind,
		DeviceResident: c.cfg.UseGPU,
		ReservedBytes:  c.reserved,
		UsedBytes:      usedBytes(c),
		SeqLen:         c.SeqLen(),
		TotalTokens:    c.TotalTokensSeen(),
	}
}

func (c *Contiguous) Release() {
	if c.released {
		return
	}
	for i := range c.layers {
		l := &c.layers[i]
		if c.cfg.UseGPU {
			c.destroyBuffer(l.k)
			c.destroyBuffer(l.v)
		}
	}
	if !c.cfg.UseGPU {
		c.reserve(-c.reserved)
	}
	c.layers = nil
	c.released = true
}
