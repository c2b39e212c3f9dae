package kvcache

import (
	"fmt"

	"github.com/clocksmith/doppler/internal/dtype"
	"github.com/clocksmith/doppler/internal/gpu"
	"github.com/clocksmith/doppler/internal/kernels"
)

// Layout selects the cache memory layout.
type Layout string

const (
	LayoutContiguous Layout = "contiguous"
	LayoutPaged      Layout = "paged"
	LayoutTiered     Layout = "tiered"
)

// Compression is the cold tier encoding of a tiered cache.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionInt8 Compression = "int8"
	CompressionInt4 Compression = "int4"
)

// Bits returns the quantized width, or 0 for CompressionNone.
func (c Compression) Bits() int {
	switch c {
	case CompressionInt8:
		return 8
	case CompressionInt4:
		return 4
	default:
		return 0
	}
}

// Gating decides whether a requested compression is honored.
type Gating string

const (
	GatingForceOff Gating = "force_off"
	GatingForceOn  Gating = "force_on"
	GatingAuto     Gating = "auto"
)

// Append as a start position means "at the layer's current length".
const Append = -1

// TieringOptions configure the hot/cold split of a tiered cache.
type TieringOptions struct {
	HotWindow   *int         `yaml:"hot_window" json:"hot_window,omitempty"`
	Compression *Compression `yaml:"compression" json:"compression,omitempty"`
	Gating      *Gating      `yaml:"gating" json:"gating,omitempty"`
	// MinComputeBandwidthRatio is required when Gating is auto.
	MinComputeBandwidthRatio *float64 `yaml:"min_compute_bandwidth_ratio" json:"min_compute_bandwidth_ratio,omitempty"`
	// BlockSize is the number of tokens sharing a quantization scale. Only
	// 1 is supported; nil means 1.
	BlockSize *int `yaml:"block_size" json:"block_size,omitempty"`
}

// Options is the structured construction input. Every capacity-affecting
// field is a pointer and must be set; nothing is defaulted.
type Options struct {
	NumLayers  *int            `yaml:"num_layers" json:"num_layers,omitempty"`
	NumHeads   *int            `yaml:"num_heads" json:"num_heads,omitempty"`
	HeadDim    *int            `yaml:"head_dim" json:"head_dim,omitempty"`
	MaxSeqLen  *int            `yaml:"max_seq_len" json:"max_seq_len,omitempty"`
	UseGPU     *bool           `yaml:"use_gpu" json:"use_gpu,omitempty"`
	Layout     *Layout         `yaml:"layout" json:"layout,omitempty"`
	PageSize   *int            `yaml:"page_size" json:"page_size,omitempty"`
	DType      *dtype.DType    `yaml:"kv_dtype" json:"kv_dtype,omitempty"`
	WindowSize *int            `yaml:"window_size" json:"window_size,omitempty"`
	Tiering    *TieringOptions `yaml:"tiering" json:"tiering,omitempty"`
}

// TieringConfig is the validated form of TieringOptions.
type TieringConfig struct {
	HotWindow                int
	Compression              Compression
	Gating                   Gating
	MinComputeBandwidthRatio float64
	BlockSize                int
}

// Config is the immutable cache configuration.
type Config struct {
	NumLayers  int
	NumHeads   int
	HeadDim    int
	MaxSeqLen  int
	DType      dtype.DType
	Layout     Layout
	PageSize   int
	WindowSize int
	UseGPU     bool
	Tiering    TieringConfig
}

// KVSize is the per-position element stride of keys and values.
func (c Config) KVSize() int { return c.NumHeads * c.HeadDim }

// RowBytes is the byte size of one position.
func (c Config) RowBytes() int { return c.KVSize() * c.DType.Size() }

// Sliding reports whether the config selects a sliding window cache.
func (c Config) Sliding() bool { return c.Layout == LayoutContiguous && c.WindowSize > 0 }

// MaxPages is the page count needed to hold MaxSeqLen positions.
func (c Config) MaxPages() int { return (c.MaxSeqLen + c.PageSize - 1) / c.PageSize }

func missing(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingOption)
}

func invalid(field string, format string, args ...any) error {
	return fmt.Errorf("%s: %s: %w", field, fmt.Sprintf(format, args...), ErrInvalidOption)
}

func positive(field string, v *int) (int, error) {
	if v == nil {
		return 0, missing(field)
	}
	if *v <= 0 {
		return 0, invalid(field, "must be positive, got %d", *v)
	}
	return *v, nil
}

// Config validates o and returns the resolved configuration.
func (o Options) Config() (Config, error) {
	var (
		cfg Config
		err error
	)
	if cfg.NumLayers, err = positive("num_layers", o.NumLayers); err != nil {
		return Config{}, err
	}
	if cfg.NumHeads, err = positive("num_heads", o.NumHeads); err != nil {
		return Config{}, err
	}
	if cfg.HeadDim, err = positive("head_dim", o.HeadDim); err != nil {
		return Config{}, err
	}
	if cfg.MaxSeqLen, err = positive("max_seq_len", o.MaxSeqLen); err != nil {
		return Config{}, err
	}
	if cfg.PageSize, err = positive("page_size", o.PageSize); err != nil {
		return Config{}, err
	}
	if o.UseGPU == nil {
		return Config{}, missing("use_gpu")
	}
	cfg.UseGPU = *o.UseGPU
	if o.DType == nil {
		return Config{}, missing("kv_dtype")
	}
	if *o.DType != dtype.F16 && *o.DType != dtype.F32 {
		return Config{}, invalid("kv_dtype", "must be f16 or f32, got %s", *o.DType)
	}
	cfg.DType = *o.DType
	if o.Layout == nil {
		return Config{}, missing("layout")
	}
	cfg.Layout = *o.Layout

	switch cfg.Layout {
	case LayoutContiguous:
		if o.WindowSize != nil {
			if cfg.WindowSize, err = positive("window_size", o.WindowSize); err != nil {
				return Config{}, err
			}
			if cfg.WindowSize > cfg.MaxSeqLen {
				return Config{}, invalid("window_size", "%d exceeds max_seq_len %d", cfg.WindowSize, cfg.MaxSeqLen)
			}
		}
	case LayoutPaged:
		if o.WindowSize != nil {
			return Config{}, invalid("window_size", "not supported with paged layout")
		}
	case LayoutTiered:
		if cfg.Tiering, err = o.Tiering.config(cfg.MaxSeqLen); err != nil {
			return Config{}, err
		}
		if cfg.DType != dtype.F16 {
			return Config{}, invalid("kv_dtype", "tiered layout requires f16, got %s", cfg.DType)
		}
	default:
		return Config{}, invalid("layout", "unknown layout %q", cfg.Layout)
	}
	return cfg, nil
}

func (t *TieringOptions) config(maxSeqLen int) (TieringConfig, error) {
	if t == nil {
		return TieringConfig{}, missing("tiering")
	}
	var (
		tc  TieringConfig
		err error
	)
	if tc.HotWindow, err = positive("tiering.hot_window", t.HotWindow); err != nil {
		return TieringConfig{}, err
	}
	if tc.HotWindow > maxSeqLen {
		return TieringConfig{}, invalid("tiering.hot_window", "%d exceeds max_seq_len %d", tc.HotWindow, maxSeqLen)
	}
	if t.Compression == nil {
		return TieringConfig{}, missing("tiering.compression")
	}
	switch *t.Compression {
	case CompressionNone, CompressionInt8, CompressionInt4:
		tc.Compression = *t.Compression
	default:
		return TieringConfig{}, invalid("tiering.compression", "unknown mode %q", *t.Compression)
	}
	if t.Gating == nil {
		return TieringConfig{}, missing("tiering.gating")
	}
	switch *t.Gating {
	case GatingForceOff, GatingForceOn:
		tc.Gating = *t.Gating
	case GatingAuto:
		tc.Gating = GatingAuto
		if t.MinComputeBandwidthRatio == nil {
			return TieringConfig{}, missing("tiering.min_compute_bandwidth_ratio")
		}
		if *t.MinComputeBandwidthRatio < 0 {
			return TieringConfig{}, invalid("tiering.min_compute_bandwidth_ratio", "must not be negative")
		}
		tc.MinComputeBandwidthRatio = *t.MinComputeBandwidthRatio
	default:
		return TieringConfig{}, invalid("tiering.gating", "unknown mode %q", *t.Gating)
	}
	tc.BlockSize = 1
	if t.BlockSize != nil && *t.BlockSize != 1 {
		return TieringConfig{}, invalid("tiering.block_size", "only per-token scales (1) are supported, got %d", *t.BlockSize)
	}
	return tc, nil
}

// ResolveCompression applies the gating policy to a requested compression.
// The returned reason is suitable for logging.
func ResolveCompression(requested Compression, gating Gating, limits gpu.Limits, minRatio float64) (Compression, string) {
	if requested == CompressionNone {
		return CompressionNone, "not requested"
	}
	switch gating {
	case GatingForceOff:
		return CompressionNone, "gating force_off"
	case GatingForceOn:
		return requested, "gating force_on"
	}
	ratio := limits.ComputeBandwidthRatio()
	if ratio < minRatio {
		return CompressionNone, fmt.Sprintf("compute/bandwidth ratio %.2f below %.2f", ratio, minRatio)
	}
	return requested, fmt.Sprintf("compute/bandwidth ratio %.2f meets %.2f", ratio, minRatio)
}

// checkQuantized reports why a quantized cold tier cannot be built for cfg.
func checkQuantized(cfg Config) error {
	if !cfg.UseGPU {
		return invalid("tiering.compression", "quantized cold tier requires use_gpu")
	}
	if cfg.HeadDim > kernels.MaxQuantHeadDim {
		return invalid("tiering.compression", "quantized cold tier requires head_dim <= %d, got %d", kernels.MaxQuantHeadDim, cfg.HeadDim)
	}
	return nil
}

// Ptr returns a pointer to v. It keeps option literals short.
func Ptr[T any](v T) *T { return &v }
