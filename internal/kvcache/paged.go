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

// Paged stores each layer in fixed-size pages allocated on first write.
// A per-layer page table maps logical pages to physical ids; truncated
// pages go to a free list and are handed out again before new ones are
// created.
type Paged struct {
	common
	layers    []pagedLayer
	allocated int
}

type pagedLayer struct {
	n     int
	table []uint32
	free  []uint32

	kPages, vPages []*gpu.Buffer
	hk, hv         []hostStore

	tableBuf *gpu.Buffer
	dirty    bool
}

// NewPaged creates a paged cache. Only the page tables are allocated here.
func NewPaged(dev gpu.Device, pool *gpu.BufferPool, cfg Config, log logger.Logger) (*Paged, error) {
	return newPaged(dev, pool, cfg, "paged", log)
}

func newPaged(dev gpu.Device, pool *gpu.BufferPool, cfg Config, kind string, log logger.Logger) (*Paged, error) {
	p := &Paged{
		common: newCommon(dev, pool, cfg, kind, log),
		layers: make([]pagedLayer, cfg.NumLayers),
	}
	if cfg.UseGPU {
		for i := range p.layers {
			buf, err := p.createBuffer(cfg.MaxPages()*4, p.label(i, "pages"))
			if err != nil {
				p.Release()
				return nil, err
			}
			p.layers[i].tableBuf = buf
		}
	}
	return p, nil
}

func (p *Paged) pageBytes() int { return p.cfg.PageSize * p.cfg.RowBytes() }

func (p *Paged) SeqLen() int {
	n := 0
	for _, l := range p.layers {
		n = max(n, l.n)
	}
	return n
}

func (p *Paged) LayerSeqLen(layer int) int {
	if layer < 0 || layer >= len(p.layers) {
		return 0
	}
	return p.layers[layer].n
}

func (p *Paged) LayerStart(int) int   { return 0 }
func (p *Paged) TotalTokensSeen() int { return p.SeqLen() }

// AllocatedPages is the number of pages created so far.
func (p *Paged) AllocatedPages() int { return p.allocated }

func (p *Paged) span(layer, startPos, n int) (int, error) {
	if startPos == Append {
		startPos = p.layers[layer].n
	}
	if startPos < 0 {
		return 0, checkRange(layer, startPos, startPos+n, p.cfg.MaxSeqLen)
	}
	if startPos+n > p.cfg.MaxSeqLen {
		return 0, p.overflow(layer, startPos, n)
	}
	return startPos, nil
}

// ensurePages maps logical pages up to the one holding position end-1.
func (p *Paged) ensurePages(layer, end int) error {
	l := &p.layers[layer]
	need := (end + p.cfg.PageSize - 1) / p.cfg.PageSize
	for len(l.table) < need {
		if k := len(l.free); k > 0 {
			l.table = append(l.table, l.free[k-1])
			l.free = l.free[:k-1]
			l.dirty = true
			continue
		}
		phys := uint32(max(len(l.kPages), len(l.hk)))
		if p.cfg.UseGPU {
			kb, err := p.createBuffer(p.pageBytes(), p.label(layer, fmt.Sprintf("k%d", phys)))
			if err != nil {
				return err
			}
			vb, err := p.createBuffer(p.pageBytes(), p.label(layer, fmt.Sprintf("v%d", phys)))
			if err != nil {
				p.destroyBuffer(kb)
				return err
			}
			l.kPages = append(l.kPages, kb)
			l.vPages = append(l.vPages, vb)
		} else {
			l.hk = append(l.hk, newHostStore(p.cfg.DType, p.cfg.KVSize(), p.cfg.PageSize))
			l.hv = append(l.hv, newHostStore(p.cfg.DType, p.cfg.KVSize(), p.cfg.PageSize))
			p.reserve(int64(2 * p.pageBytes()))
		}
		l.table = append(l.table, phys)
		l.dirty = true
		p.allocated++
		metrics.KVCachePagesAllocated.Inc()
	}
	return nil
}

// chunks walks [start, start+n) one page run at a time. row is the offset
// of the run within the walked range.
func (p *Paged) chunks(layer, start, n int, fn func(phys, off, row, cnt int) error) error {
	l := &p.layers[layer]
	ps := p.cfg.PageSize
	for pos := start; pos < start+n; {
		off := pos % ps
		cnt := min(ps-off, start+n-pos)
		if err := fn(int(l.table[pos/ps]), off, pos-start, cnt); err != nil {
			return err
		}
		pos += cnt
	}
	return nil
}

func (p *Paged) Update(layer int, keys, values Data, startPos int) error {
	if err := p.checkLayer(layer); err != nil {
		return err
	}
	n, device, err := pair(p.cfg, keys, values)
	if err != nil {
		return err
	}
	if device {
		return p.updateDevice(layer, keys, values, startPos, n, p.record)
	}
	if startPos, err = p.span(layer, startPos, n); err != nil {
		return err
	}
	if err := p.ensurePages(layer, startPos+n); err != nil {
		return err
	}
	l := &p.layers[layer]
	kh, vh := keys.(HostData), values.(HostData)
	kv := p.cfg.KVSize()
	err = p.chunks(layer, startPos, n, func(phys, off, row, cnt int) error {
		ks, vs := kh[row*kv:(row+cnt)*kv], vh[row*kv:(row+cnt)*kv]
		if !p.cfg.UseGPU {
			l.hk[phys].put(off, ks)
			l.hv[phys].put(off, vs)
			return nil
		}
		rb := p.cfg.RowBytes()
		if err := p.dev.WriteBuffer(l.kPages[phys], off*rb, dtype.EncodeFloats(p.cfg.DType, ks)); err != nil {
			return err
		}
		return p.dev.WriteBuffer(l.vPages[phys], off*rb, dtype.EncodeFloats(p.cfg.DType, vs))
	})
	if err != nil {
		return err
	}
	l.n = max(l.n, startPos+n)
	p.wrote("host", n)
	return nil
}

func (p *Paged) UpdateFromGPU(layer int, keys, values *gpu.Buffer, startPos, numTokens int) error {
	return p.recordDevice(nil, layer, keys, values, startPos, numTokens, p.record)
}

func (p *Paged) RecordUpdateFromGPU(rec *gpu.Recorder, layer int, keys, values *gpu.Buffer, startPos, numTokens int) error {
	return p.recordDevice(rec, layer, keys, values, startPos, numTokens, p.record)
}

func (p *Paged) record(rec *gpu.Recorder, layer int, keys, values DeviceData, startPos, n int) error {
	startPos, err := p.span(layer, startPos, n)
	if err != nil {
		return err
	}
	if err := p.ensurePages(layer, startPos+n); err != nil {
		return err
	}
	l := &p.layers[layer]
	rb := p.cfg.RowBytes()
	enc := rec.Encoder()
	err = p.chunks(layer, startPos, n, func(phys, off, row, cnt int) error {
		enc.CopyBufferToBuffer(keys.Buf, keys.Offset+row*rb, l.kPages[phys], off*rb, cnt*rb)
		enc.CopyBufferToBuffer(values.Buf, values.Offset+row*rb, l.vPages[phys], off*rb, cnt*rb)
		return enc.Err()
	})
	if err != nil {
		return err
	}
	l.n = max(l.n, startPos+n)
	p.wrote("device", n)
	return nil
}

func (p *Paged) Get(ctx context.Context, layer, start, end int) (KV, error) {
	if err := p.checkLayer(layer); err != nil {
		return KV{}, err
	}
	l := &p.layers[layer]
	if err := checkRange(layer, start, end, l.n); err != nil {
		return KV{}, err
	}
	out := allocKV(p.cfg, end-start)
	kv := p.cfg.KVSize()
	err := p.chunks(layer, start, end-start, func(phys, off, row, cnt int) error {
		kd, vd := out.Keys[row*kv:(row+cnt)*kv], out.Values[row*kv:(row+cnt)*kv]
		if !p.cfg.UseGPU {
			l.hk[phys].get(kd, off)
			l.hv[phys].get(vd, off)
			return nil
		}
		if err := p.readRows(ctx, l.kPages[phys], off, cnt, kd); err != nil {
			return err
		}
		return p.readRows(ctx, l.vPages[phys], off, cnt, vd)
	})
	if err != nil {
		return KV{}, err
	}
	return out, nil
}

// segment uploads the page table if it changed and describes the first n
// positions of layer.
func (p *Paged) segment(layer, n int) (kernels.KVSegment, error) {
	l := &p.layers[layer]
	if l.dirty {
		if err := p.dev.WriteBuffer(l.tableBuf, 0, dtype.EncodeU32(l.table)); err != nil {
			return kernels.KVSegment{}, fmt.Errorf("upload page table: %w", err)
		}
		l.dirty = false
	}
	return kernels.KVSegment{
		Layout:    kernels.SegmentPaged,
		Len:       n,
		DType:     p.cfg.DType,
		PageTable: l.tableBuf,
		PageSize:  p.cfg.PageSize,
		KPages:    l.kPages,
		VPages:    l.vPages,
	}, nil
}

func (p *Paged) AttentionView(layer int) (kernels.KVView, error) {
	if err := p.checkLayer(layer); err != nil {
		return kernels.KVView{}, err
	}
	if err := p.checkGPU("attention view"); err != nil {
		return kernels.KVView{}, err
	}
	n := p.layers[layer].n
	seg, err := p.segment(layer, n)
	if err != nil {
		return kernels.KVView{}, err
	}
	return kernels.KVView{
		NumHeads: p.cfg.NumHeads,
		HeadDim:  p.cfg.HeadDim,
		SeqLen:   n,
		Segments: []kernels.KVSegment{seg},
	}, nil
}

func (p *Paged) Clear() {
	p.Truncate(0)
	if !p.cfg.UseGPU {
		for i := range p.layers {
			for j := range p.layers[i].hk {
				p.layers[i].hk[j].zero()
				p.layers[i].hv[j].zero()
			}
		}
	}
}

// Truncate shortens every layer to at most length positions. Pages wholly
// past the new end return to the free list.
func (p *Paged) Truncate(length int) {
	length = max(length, 0)
	for i := range p.layers {
		l := &p.layers[i]
		l.n = min(l.n, length)
		keep := (l.n + p.cfg.PageSize - 1) / p.cfg.PageSize
		if keep >= len(l.table) {
			continue
		}
		for j := len(l.table) - 1; j >= keep; j-- {
			l.free = append(l.free, l.table[j])
		}
		l.table = l.table[:keep]
		l.dirty = true
	}
}

// Clone returns a host-resident contiguous copy of the retained positions.
func (p *Paged) Clone(ctx context.Context) (Cache, error) {
	if p.released {
		return nil, ErrReleased
	}
	cfg := p.cfg
	cfg.Layout = LayoutContiguous
	cfg.UseGPU = false
	out, err := NewContiguous(nil, nil, cfg, p.root)
	if err != nil {
		return nil, err
	}
	if err := CopyInto(ctx, out, p); err != nil {
		out.Release()
		return nil, err
	}
	return out, nil
}

// copyTo replaces the contents of out, which must share p's config.
// Device copies are queued on rec.
func (p *Paged) copyTo(rec *gpu.Recorder, out *Paged) error {
	out.Truncate(0)
	pb := p.pageBytes()
	for i := range p.layers {
		src := &p.layers[i]
		if err := out.ensurePages(i, src.n); err != nil {
			return err
		}
		dst := &out.layers[i]
		for j, phys := range src.table {
			to := dst.table[j]
			if p.cfg.UseGPU {
				rec.Encoder().CopyBufferToBuffer(src.kPages[phys], 0, dst.kPages[to], 0, pb)
				rec.Encoder().CopyBufferToBuffer(src.vPages[phys], 0, dst.vPages[to], 0, pb)
				continue
			}
			copy(dst.hk[to].b, src.hk[phys].b)
			copy(dst.hv[to].b, src.hv[phys].b)
		}
		dst.n = src.n
	}
	return nil
}

func (p *Paged) MemoryStats() MemoryStats {
	return MemoryStats{
		Kind:           p.kind,
		DeviceResident: p.cfg.UseGPU,
		ReservedBytes:  p.reserved,
		UsedBytes:      usedBytes(p),
		AllocatedPages: p.allocated,
		SeqLen:         p.SeqLen(),
		TotalTokens:    p.TotalTokensSeen(),
	}
}

func (p *Paged) Release() {
	if p.released {
		return
	}
	for i := range p.layers {
		l := &p.layers[i]
		for j := range l.kPages {
			p.destroyBuffer(l.kPages[j])
			p.destroyBuffer(l.vPages[j])
		}
		if l.tableBuf != nil {
			p.destroyBuffer(l.tableBuf)
		}
	}
	if p.reserved != 0 {
		p.reserve(-p.reserved)
	}
	p.layers = nil
	p.released = true
}
