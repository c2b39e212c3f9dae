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

// SlidingWindow retains the most recent WindowSize positions of each
// layer. On the device the window is a ring indexed by pos % WindowSize;
// on the host it is kept compacted, oldest retained position first.
// Writes never overflow: older positions are evicted instead.
type SlidingWindow struct {
	common
	window int
	total  int
	layers []slidingLayer
}

type slidingLayer struct {
	start, n int
	k, v     *gpu.Buffer
	hk, hv   hostStore
}

// NewSlidingWindow creates a sliding window cache of cfg.WindowSize
// positions per layer.
func NewSlidingWindow(dev gpu.Device, pool *gpu.BufferPool, cfg Config, log logger.Logger) (*SlidingWindow, error) {
	return newSliding(dev, pool, cfg, "sliding_window", log)
}

func newSliding(dev gpu.Device, pool *gpu.BufferPool, cfg Config, kind string, log logger.Logger) (*SlidingWindow, error) {
	if cfg.WindowSize <= 0 {
		return nil, invalid("window_size", "must be positive, got %d", cfg.WindowSize)
	}
	s := &SlidingWindow{
		common: newCommon(dev, pool, cfg, kind, log),
		window: cfg.WindowSize,
		layers: make([]slidingLayer, cfg.NumLayers),
	}
	size := s.window * cfg.RowBytes()
	for i := range s.layers {
		l := &s.layers[i]
		if !cfg.UseGPU {
			l.hk = newHostStore(cfg.DType, cfg.KVSize(), s.window)
			l.hv = newHostStore(cfg.DType, cfg.KVSize(), s.window)
			s.reserve(int64(2 * size))
			continue
		}
		var err error
		if l.k, err = s.createBuffer(size, s.label(i, "k")); err != nil {
			s.Release()
			return nil, err
		}
		if l.v, err = s.createBuffer(size, s.label(i, "v")); err != nil {
			s.Release()
			return nil, err
		}
	}
	return s, nil
}

// WindowSize is the number of retained positions per layer.
func (s *SlidingWindow) WindowSize() int { return s.window }

func (s *SlidingWindow) SeqLen() int {
	n := 0
	for _, l := range s.layers {
		n = max(n, l.n)
	}
	return n
}

func (s *SlidingWindow) LayerSeqLen(layer int) int {
	if layer < 0 || layer >= len(s.layers) {
		return 0
	}
	return s.layers[layer].n
}

func (s *SlidingWindow) LayerStart(layer int) int {
	if layer < 0 || layer >= len(s.layers) {
		return 0
	}
	return s.layers[layer].start
}

// TotalTokensSeen counts positions ever written, evicted ones included. It
// only moves backwards on Truncate, which rolls positions back, and Clear.
func (s *SlidingWindow) TotalTokensSeen() int { return s.total }

// slide describes how a write moves the window.
type slide struct {
	startPos int
	n        int
	// skip leading tokens of the write are evicted by the write itself.
	skip     int
	newStart int
	newEnd   int
	evicted  int
}

func (s *SlidingWindow) plan(layer, startPos, n int) (slide, error) {
	l := s.layers[layer]
	base, end := l.start, l.start+l.n
	if startPos == Append {
		startPos = end
	}
	switch {
	case l.n == 0 && startPos >= l.start:
		// An empty window re-anchors at the write position.
		base, end = startPos, startPos
	case startPos < l.start:
		return slide{}, fmt.Errorf("layer %d: position %d already evicted (window starts at %d): %w", layer, startPos, l.start, ErrRange)
	case startPos > end:
		return slide{}, fmt.Errorf("layer %d: position %d leaves a gap after %d: %w", layer, startPos, end, ErrRange)
	}
	p := slide{startPos: startPos, n: n}
	p.newEnd = max(end, startPos+n)
	p.newStart = max(base, p.newEnd-s.window)
	p.skip = max(0, p.newStart-startPos)
	p.evicted = p.newStart - base
	return p, nil
}

func (s *SlidingWindow) commit(layer int, p slide, source string) {
	l := &s.layers[layer]
	l.start, l.n = p.newStart, p.newEnd-p.newStart
	s.total = max(s.total, p.newEnd)
	if p.evicted > 0 {
		metrics.KVCacheEvictions.WithLabelValues(s.kind).Add(float64(p.evicted))
	}
	s.wrote(source, p.n)
}

// ringRuns splits [pos, pos+cnt) into at most two ring runs.
func (s *SlidingWindow) ringRuns(pos, cnt int, fn func(slot, row, cnt int)) {
	slot := pos % s.window
	first := min(cnt, s.window-slot)
	fn(slot, 0, first)
	if cnt > first {
		fn(0, first, cnt-first)
	}
}

func (s *SlidingWindow) Update(layer int, keys, values Data, startPos int) error {
	if err := s.checkLayer(layer); err != nil {
		return err
	}
	n, device, err := pair(s.cfg, keys, values)
	if err != nil {
		return err
	}
	if device {
		return s.updateDevice(layer, keys, values, startPos, n, s.record)
	}
	p, err := s.plan(layer, startPos, n)
	if err != nil {
		return err
	}
	if err := s.writeHost(layer, p, keys.(HostData), values.(HostData)); err != nil {
		return err
	}
	s.commit(layer, p, "host")
	return nil
}

func (s *SlidingWindow) writeHost(layer int, p slide, kh, vh HostData) error {
	l := &s.layers[layer]
	kv := s.cfg.KVSize()
	kh, vh = kh[p.skip*kv:], vh[p.skip*kv:]
	pos, cnt := p.startPos+p.skip, p.n-p.skip
	if !s.cfg.UseGPU {
		if l.n > 0 && p.newStart > l.start {
			drop := p.newStart - l.start
			if keep := l.n - drop; keep > 0 {
				l.hk.shift(drop, keep)
				l.hv.shift(drop, keep)
			}
		}
		if cnt > 0 {
			l.hk.put(pos-p.newStart, kh)
			l.hv.put(pos-p.newStart, vh)
		}
		return nil
	}
	rb := s.cfg.RowBytes()
	var err error
	s.ringRuns(pos, cnt, func(slot, row, c int) {
		if err != nil || c == 0 {
			return
		}
		if err = s.dev.WriteBuffer(l.k, slot*rb, dtype.EncodeFloats(s.cfg.DType, kh[row*kv:(row+c)*kv])); err != nil {
			return
		}
		err = s.dev.WriteBuffer(l.v, slot*rb, dtype.EncodeFloats(s.cfg.DType, vh[row*kv:(row+c)*kv]))
	})
	return err
}

func (s *SlidingWindow) UpdateFromGPU(layer int, keys, values *gpu.Buffer, startPos, numTokens int) error {
	return s.recordDevice(nil, layer, keys, values, startPos, numTokens, s.record)
}

func (s *SlidingWindow) RecordUpdateFromGPU(rec *gpu.Recorder, layer int, keys, values *gpu.Buffer, startPos, numTokens int) error {
	return s.recordDevice(rec, layer, keys, values, startPos, numTokens, s.record)
}

func (s *SlidingWindow) record(rec *gpu.Recorder, layer int, keys, values DeviceData, startPos, n int) error {
	p, err := s.plan(layer, startPos, n)
	if err != nil {
		return err
	}
	if err := s.recordRing(rec, layer, p, keys, values); err != nil {
		return err
	}
	s.commit(layer, p, "device")
	return nil
}

func (s *SlidingWindow) recordRing(rec *gpu.Recorder, layer int, p slide, keys, values DeviceData) error {
	l := &s.layers[layer]
	rb := s.cfg.RowBytes()
	enc := rec.Encoder()
	koff, voff := keys.Offset+p.skip*rb, values.Offset+p.skip*rb
	s.ringRuns(p.startPos+p.skip, p.n-p.skip, func(slot, row, c int) {
		if c == 0 {
			return
		}
		enc.CopyBufferToBuffer(keys.Buf, koff+row*rb, l.k, slot*rb, c*rb)
		enc.CopyBufferToBuffer(values.Buf, voff+row*rb, l.v, slot*rb, c*rb)
	})
	return enc.Err()
}

// Get returns positions [LayerStart+start, LayerStart+end).
func (s *SlidingWindow) Get(ctx context.Context, layer, start, end int) (KV, error) {
	if err := s.checkLayer(layer); err != nil {
		return KV{}, err
	}
	l := &s.layers[layer]
	if err := checkRange(layer, start, end, l.n); err != nil {
		return KV{}, err
	}
	out := allocKV(s.cfg, end-start)
	if !s.cfg.UseGPU {
		l.hk.get(out.Keys, start)
		l.hv.get(out.Values, start)
		return out, nil
	}
	kv := s.cfg.KVSize()
	var err error
	s.ringRuns(l.start+start, end-start, func(slot, row, c int) {
		if err != nil || c == 0 {
			return
		}
		if err = s.readRows(ctx, l.k, slot, c, out.Keys[row*kv:(row+c)*kv]); err != nil {
			return
		}
		err = s.readRows(ctx, l.v, slot, c, out.Values[row*kv:(row+c)*kv])
	})
	if err != nil {
		return KV{}, err
	}
	return out, nil
}

func (s *SlidingWindow) segment(layer int) kernels.KVSegment {
	l := s.layers[layer]
	return kernels.KVSegment{
		Layout: kernels.SegmentRing,
		Start:  l.start,
		Len:    l.n,
		DType:  s.cfg.DType,
		K:      l.k,
		V:      l.v,
		Ring:   s.window,
	}
}

func (s *SlidingWindow) AttentionView(layer int) (kernels.KVView, error) {
	if err := s.checkLayer(layer); err != nil {
		return kernels.KVView{}, err
	}
	if err := s.checkGPU("attention view"); err != nil {
		return kernels.KVView{}, err
	}
	l := s.layers[layer]
	return kernels.KVView{
		NumHeads: s.cfg.NumHeads,
		HeadDim:  s.cfg.HeadDim,
		SeqLen:   l.start + l.n,
		Segments: []kernels.KVSegment{s.segment(layer)},
	}, nil
}

func (s *SlidingWindow) Clear() {
	for i := range s.layers {
		l := &s.layers[i]
		l.start, l.n = 0, 0
		if !s.cfg.UseGPU {
			l.hk.zero()
			l.hv.zero()
		}
	}
	s.total = 0
}

// Truncate drops positions at or past length.
func (s *SlidingWindow) Truncate(length int) {
	length = max(length, 0)
	for i := range s.layers {
		s.truncateLayer(i, length)
	}
	s.total = min(s.total, length)
}

func (s *SlidingWindow) truncateLayer(layer, length int) {
	l := &s.layers[layer]
	if length <= l.start {
		l.start, l.n = length, 0
		return
	}
	l.n = min(l.n, length-l.start)
}

// Clone returns a host-resident sliding window holding the same positions.
func (s *SlidingWindow) Clone(ctx context.Context) (Cache, error) {
	if s.released {
		return nil, ErrReleased
	}
	cfg := s.cfg
	cfg.UseGPU = false
	out, err := newSliding(nil, nil, cfg, s.kind, s.root)
	if err != nil {
		return nil, err
	}
	for i := range s.layers {
		l := s.layers[i]
		out.layers[i].start = l.start
		if l.n == 0 {
			continue
		}
		kv, err := s.Get(ctx, i, 0, l.n)
		if err != nil {
			out.Release()
			return nil, err
		}
		out.layers[i].hk.put(0, kv.Keys)
		out.layers[i].hv.put(0, kv.Values)
		out.layers[i].n = l.n
	}
	out.total = s.total
	return out, nil
}

// copyTo replaces the contents of out, which must share s's config.
// Device copies are queued on rec.
func (s *SlidingWindow) copyTo(rec *gpu.Recorder, out *SlidingWindow) {
	size := s.window * s.cfg.RowBytes()
	for i := range s.layers {
		src, dst := &s.layers[i], &out.layers[i]
		if s.cfg.UseGPU {
			rec.Encoder().CopyBufferToBuffer(src.k, 0, dst.k, 0, size)
			rec.Encoder().CopyBufferToBuffer(src.v, 0, dst.v, 0, size)
		} else {
			copy(dst.hk.b, src.hk.b)
			copy(dst.hv.b, src.hv.b)
		}
		dst.start, dst.n = src.start, src.n
	}
	out.total = s.total
}

func (s *SlidingWindow) MemoryStats() MemoryStats {
	return MemoryStats{
		Kind:           s.kind,
		DeviceResident: s.cfg.UseGPU,
		ReservedBytes:  s.reserved,
		UsedBytes:      usedBytes(s),
		SeqLen:         s.SeqLen(),
		TotalTokens:    s.total,
	}
}

func (s *SlidingWindow) Release() {
	if s.released {
		return
	}
	for i := range s.layers {
		s.destroyBuffer(s.layers[i].k)
		s.destroyBuffer(s.layers[i].v)
	}
	if s.reserved != 0 {
		s.reserve(-s.reserved)
	}
	s.layers = nil
	s.released = true
}
