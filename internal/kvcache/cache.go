// Package kvcache stores per-layer attention keys and values across decode
// steps. Four layouts share the Cache interface: Contiguous, Paged,
// SlidingWindow and Tiered (a hot sliding window over a paged or quantized
// cold tier). Device-resident caches expose their storage to attention
// kernels through AttentionView without reading anything back.
package kvcache

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/clocksmith/doppler/internal/dtype"
	"github.com/clocksmith/doppler/internal/gpu"
	"github.com/clocksmith/doppler/internal/kernels"
	"github.com/clocksmith/doppler/internal/logger"
	"github.com/clocksmith/doppler/internal/metrics"
)

// Cache is the common KV cache surface.
//
// Positions are absolute token indices. Update with startPos Append writes
// at the layer's current end. Get takes indices relative to LayerStart.
type Cache interface {
	Config() Config
	// Kind is the layout name used in logs and metrics.
	Kind() string

	SeqLen() int
	LayerSeqLen(layer int) int
	// LayerStart is the absolute position of the oldest retained entry.
	LayerStart(layer int) int
	// TotalTokensSeen includes evicted positions. Truncate lowers it.
	TotalTokensSeen() int

	Update(layer int, keys, values Data, startPos int) error
	// UpdateFromGPU records a device-to-device write on a private recorder
	// and submits it without waiting.
	UpdateFromGPU(layer int, keys, values *gpu.Buffer, startPos, numTokens int) error
	// RecordUpdateFromGPU appends the write to rec; nothing executes until
	// rec is submitted.
	RecordUpdateFromGPU(rec *gpu.Recorder, layer int, keys, values *gpu.Buffer, startPos, numTokens int) error

	Get(ctx context.Context, layer, start, end int) (KV, error)
	AttentionView(layer int) (kernels.KVView, error)

	Clear()
	Truncate(length int)
	Clone(ctx context.Context) (Cache, error)
	MemoryStats() MemoryStats
	Release()
}

// MemoryStats reports what a cache holds.
type MemoryStats struct {
	Kind           string `json:"kind"`
	DeviceResident bool   `json:"device_resident"`
	ReservedBytes  int64  `json:"reserved_bytes"`
	UsedBytes      int64  `json:"used_bytes"`
	AllocatedPages int    `json:"allocated_pages,omitempty"`
	SeqLen         int    `json:"seq_len"`
	TotalTokens    int    `json:"total_tokens_seen"`
}

// New builds the cache selected by cfg. A contiguous layout with a window
// size yields a SlidingWindow. q is only used by quantized tiered caches.
func New(dev gpu.Device, pool *gpu.BufferPool, cfg Config, q kernels.Quantizer, log logger.Logger) (Cache, error) {
	if cfg.UseGPU && dev == nil {
		return nil, invalid("use_gpu", "no device")
	}
	switch {
	case cfg.Sliding():
		return NewSlidingWindow(dev, pool, cfg, log)
	case cfg.Layout == LayoutContiguous:
		return NewContiguous(dev, pool, cfg, log)
	case cfg.Layout == LayoutPaged:
		return NewPaged(dev, pool, cfg, log)
	case cfg.Layout == LayoutTiered:
		return NewTiered(dev, pool, cfg, q, log)
	default:
		return nil, invalid("layout", "unknown layout %q", cfg.Layout)
	}
}

// NewFromOptions validates opts and builds the cache.
func NewFromOptions(dev gpu.Device, pool *gpu.BufferPool, opts Options, q kernels.Quantizer, log logger.Logger) (Cache, error) {
	cfg, err := opts.Config()
	if err != nil {
		return nil, err
	}
	return New(dev, pool, cfg, q, log)
}

// common carries what every layout needs.
type common struct {
	cfg      Config
	kind     string
	dev      gpu.Device
	pool     *gpu.BufferPool
	log      logger.Logger
	root     logger.Logger
	reserved int64
	released bool
}

func newCommon(dev gpu.Device, pool *gpu.BufferPool, cfg Config, kind string, log logger.Logger) common {
	return common{
		cfg:  cfg,
		kind: kind,
		dev:  dev,
		pool: pool,
		log:  logger.Component(logger.OrNop(log), "kvcache").With("layout", kind),
		root: log,
	}
}

func (c *common) Config() Config { return c.cfg }
func (c *common) Kind() string   { return c.kind }

func (c *common) checkLayer(layer int) error {
	if c.released {
		return ErrReleased
	}
	if layer < 0 || layer >= c.cfg.NumLayers {
		return fmt.Errorf("layer %d of %d: %w", layer, c.cfg.NumLayers, ErrInvalidLayer)
	}
	return nil
}

func (c *common) checkGPU(op string) error {
	if !c.cfg.UseGPU {
		return fmt.Errorf("%s on a host-resident %s cache: %w", op, c.kind, ErrUnsupported)
	}
	return nil
}

func (c *common) createBuffer(size int, label string) (*gpu.Buffer, error) {
	buf, err := c.dev.CreateBuffer(size, gpu.UsageDefault, label)
	if err != nil {
		return nil, fmt.Errorf("allocate %s: %w", label, err)
	}
	c.reserve(int64(size))
	return buf, nil
}

func (c *common) destroyBuffer(buf *gpu.Buffer) {
	if buf == nil {
		return
	}
	c.reserve(-int64(buf.Size()))
	c.dev.DestroyBuffer(buf)
}

func (c *common) reserve(n int64) {
	c.reserved += n
	metrics.KVCacheReservedBytes.WithLabelValues(c.kind).Add(float64(n))
}

func (c *common) overflow(layer, startPos, n int) error {
	metrics.KVCacheOverflows.WithLabelValues(c.kind).Inc()
	return fmt.Errorf("layer %d: positions [%d, %d) with max_seq_len %d: %w", layer, startPos, startPos+n, c.cfg.MaxSeqLen, ErrCapacity)
}

func (c *common) wrote(source string, n int) {
	metrics.KVCacheWrites.WithLabelValues(c.kind, source).Inc()
	metrics.KVCacheTokensWritten.WithLabelValues(c.kind).Add(float64(n))
}

// submit records on a private recorder and queues it without waiting.
func (c *common) submit(label string, record func(rec *gpu.Recorder) error) error {
	rec := gpu.NewRecorder(c.dev, c.pool, label)
	if err := record(rec); err != nil {
		rec.Abort()
		return err
	}
	return rec.Submit()
}

// readRaw reads n encoded rows of buf starting at row. It is a
// synchronization point and obeys the readback policy.
func (c *common) readRaw(ctx context.Context, buf *gpu.Buffer, row, n int) ([]byte, error) {
	rb := c.cfg.RowBytes()
	raw, err := c.dev.ReadBuffer(ctx, buf, row*rb, n*rb)
	if err != nil {
		return nil, fmt.Errorf("read %s rows [%d, %d): %w", buf.Label(), row, row+n, err)
	}
	metrics.Readbacks.WithLabelValues("kv_get").Inc()
	return raw, nil
}

func (c *common) readRows(ctx context.Context, buf *gpu.Buffer, row, n int, dst []float32) error {
	raw, err := c.readRaw(ctx, buf, row, n)
	if err != nil {
		return err
	}
	dtype.Decode(c.cfg.DType, dst, raw)
	return nil
}

type recordFunc func(rec *gpu.Recorder, layer int, keys, values DeviceData, startPos, n int) error

// recordDevice validates a device-to-device update and hands it to record.
// A nil rec means submit on a private recorder.
func (c *common) recordDevice(rec *gpu.Recorder, layer int, keys, values *gpu.Buffer, startPos, n int, record recordFunc) error {
	if err := c.checkLayer(layer); err != nil {
		return err
	}
	if err := c.checkGPU("device update"); err != nil {
		return err
	}
	k, v := DeviceData{Buf: keys, Tokens: n}, DeviceData{Buf: values, Tokens: n}
	if _, _, err := pair(c.cfg, k, v); err != nil {
		return err
	}
	if rec == nil {
		return c.submit(c.label(layer, "update"), func(rec *gpu.Recorder) error {
			return record(rec, layer, k, v, startPos, n)
		})
	}
	return record(rec, layer, k, v, startPos, n)
}

// updateDevice routes an Update carrying DeviceData.
func (c *common) updateDevice(layer int, keys, values Data, startPos, n int, record recordFunc) error {
	if err := c.checkGPU("device update"); err != nil {
		return err
	}
	return c.submit(c.label(layer, "update"), func(rec *gpu.Recorder) error {
		return record(rec, layer, keys.(DeviceData), values.(DeviceData), startPos, n)
	})
}

func (c *common) label(layer int, part string) string {
	return fmt.Sprintf("kv.%s.%d.%s", c.kind, layer, part)
}

// hostStore is host memory holding rows encoded in the cache dtype.
type hostStore struct {
	dt  dtype.DType
	row int
	b   []byte
}

func newHostStore(dt dtype.DType, row, positions int) hostStore {
	return hostStore{dt: dt, row: row, b: make([]byte, positions*row*dt.Size())}
}

func (s hostStore) rowBytes() int { return s.row * s.dt.Size() }

func (s hostStore) put(pos int, vals []float32) {
	dtype.Encode(s.dt, s.b[pos*s.rowBytes():], vals)
}

func (s hostStore) get(dst []float32, pos int) {
	dtype.Decode(s.dt, dst, s.b[pos*s.rowBytes():])
}

func (s hostStore) raw(pos, n int) []byte {
	rb := s.rowBytes()
	return s.b[pos*rb : (pos+n)*rb]
}

// shift moves rows [by, by+n) to [0, n).
func (s hostStore) shift(by, n int) {
	rb := s.rowBytes()
	copy(s.b[:n*rb], s.b[by*rb:(by+n)*rb])
}

func (s hostStore) zero() { clear(s.b) }

func (s hostStore) clone() hostStore {
	return hostStore{dt: s.dt, row: s.row, b: append([]byte(nil), s.b...)}
}

func checkRange(layer, start, end, n int) error {
	if start < 0 || end < start || end > n {
		return fmt.Errorf("layer %d: range [%d, %d) of %d: %w", layer, start, end, n, ErrRange)
	}
	return nil
}

func allocKV(cfg Config, n int) KV {
	return KV{Keys: make([]float32, n*cfg.KVSize()), Values: make([]float32, n*cfg.KVSize())}
}

func usedBytes(c Cache) int64 {
	cfg := c.Config()
	var n int64
	for l := range cfg.NumLayers {
		n += int64(c.LayerSeqLen(l))
	}
	return 2 * n * int64(cfg.RowBytes())
}

// Fingerprint hashes the retained contents of every layer. Two caches with
// equal fingerprints hold the same positions and values.
func Fingerprint(ctx context.Context, c Cache) (uint64, error) {
	h := xxhash.New()
	var word [8]byte
	putInt := func(v int) {
		binary.LittleEndian.PutUint64(word[:], uint64(v))
		h.Write(word[:])
	}
	putFloats := func(vals []float32) {
		for _, v := range vals {
			binary.LittleEndian.PutUint32(word[:4], math.Float32bits(v))
			h.Write(word[:4])
		}
	}
	for l := range c.Config().NumLayers {
		n := c.LayerSeqLen(l)
		putInt(c.LayerStart(l))
		putInt(n)
		if n == 0 {
			continue
		}
		kv, err := c.Get(ctx, l, 0, n)
		if err != nil {
			return 0, fmt.Errorf("fingerprint layer %d: %w", l, err)
		}
		putFloats(kv.Keys)
		putFloats(kv.Values)
	}
	return h.Sum64(), nil
}

// CopyInto replaces the contents of dst with those of src. Tiered pairs are
// copied on the device; every other pairing goes through Get.
func CopyInto(ctx context.Context, dst, src Cache) error {
	if dt, ok := dst.(*Tiered); ok {
		if st, ok := src.(*Tiered); ok {
			return dt.copyFrom(ctx, st)
		}
	}
	if dst.Config().NumLayers != src.Config().NumLayers || dst.Config().KVSize() != src.Config().KVSize() {
		return fmt.Errorf("copy %s into %s: %w", src.Kind(), dst.Kind(), ErrTypeMismatch)
	}
	dst.Clear()
	for l := range src.Config().NumLayers {
		n := src.LayerSeqLen(l)
		if n == 0 {
			continue
		}
		kv, err := src.Get(ctx, l, 0, n)
		if err != nil {
			return fmt.Errorf("copy layer %d: %w", l, err)
		}
		if err := dst.Update(l, HostData(kv.Keys), HostData(kv.Values), src.LayerStart(l)); err != nil {
			return fmt.Errorf("copy layer %d: %w", l, err)
		}
	}
	return nil
}
