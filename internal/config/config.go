// Package config reads the doppler configuration file
// (~/.config/doppler/config.yaml). Fields are pointers so that "not set"
// can be told apart from zero values; command line flags override a field
// only when they were given explicitly.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/clocksmith/doppler/internal/dtype"
	"github.com/clocksmith/doppler/internal/kvcache"
	"github.com/clocksmith/doppler/internal/model"
	"github.com/clocksmith/doppler/internal/pipeline"
	"github.com/clocksmith/doppler/internal/sampling"
)

// File is the configuration file.
type File struct {
	Model    Model           `yaml:"model"`
	Cache    kvcache.Options `yaml:"cache"`
	Pipeline Pipeline        `yaml:"pipeline"`
	Sampling Sampling        `yaml:"sampling"`

	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
	ServerAddress string `yaml:"server_address"`
	AllowReadback *bool  `yaml:"allow_readback"`
}

// Model selects the model description and how its weights are produced.
type Model struct {
	// ConfigPath is a model config.json. Empty selects the built-in
	// synthetic config.
	ConfigPath string       `yaml:"config_path"`
	Seed       *uint64      `yaml:"seed"`
	DType      *dtype.DType `yaml:"dtype"`
}

type Pipeline struct {
	Debug                 *bool `yaml:"debug"`
	DebugLayers           []int `yaml:"debug_layers"`
	BatchPrefill          *bool `yaml:"batch_prefill"`
	AllowFusedPenaltySkip *bool `yaml:"allow_fused_penalty_skip"`
	Profile               *bool `yaml:"profile"`
	MaxTokens             *int  `yaml:"max_tokens"`
}

type Sampling struct {
	Seed          *uint64  `yaml:"seed"`
	Temperature   *float32 `yaml:"temperature"`
	TopK          *int     `yaml:"top_k"`
	TopP          *float32 `yaml:"top_p"`
	MinP          *float32 `yaml:"min_p"`
	RepeatPenalty *float32 `yaml:"repeat_penalty"`
	RepeatLastN   *int     `yaml:"repeat_last_n"`
}

// Path is the default config file location, or "" when the user config
// directory is unknown.
func Path() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "doppler", "config.yaml")
}

// Load reads path. A missing file yields a zero File.
func Load(path string) (File, error) {
	if path == "" {
		return File{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return File{}, nil
	}
	if err != nil {
		return File{}, err
	}
	f, err := Parse(data)
	if err != nil {
		return File{}, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes a config file. Unknown keys are errors.
func Parse(data []byte) (File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return File{}, err
	}
	return f, nil
}

// PipelineOptions converts the pipeline section.
func (f File) PipelineOptions() pipeline.Options {
	p := f.Pipeline
	return pipeline.Options{
		Debug:                 deref(p.Debug),
		DebugLayers:           p.DebugLayers,
		BatchPrefill:          p.BatchPrefill,
		AllowFusedPenaltySkip: deref(p.AllowFusedPenaltySkip),
		Profile:               deref(p.Profile),
	}
}

// Apply overlays the set fields onto base.
func (s Sampling) Apply(base sampling.Config) sampling.Config {
	set(&base.Seed, s.Seed)
	set(&base.Temperature, s.Temperature)
	set(&base.TopK, s.TopK)
	set(&base.TopP, s.TopP)
	set(&base.MinP, s.MinP)
	set(&base.RepeatPenalty, s.RepeatPenalty)
	set(&base.RepeatLastN, s.RepeatLastN)
	return base
}

// CacheFor returns cache options sized for cfg: contiguous, device
// resident, f16, with the file's cache section applied on top.
func (f File) CacheFor(cfg model.Config, maxSeqLen int) kvcache.Options {
	base := kvcache.Options{
		NumLayers: kvcache.Ptr(cfg.NumLayers),
		NumHeads:  kvcache.Ptr(cfg.NumKVHeads),
		HeadDim:   kvcache.Ptr(cfg.HeadDim),
		MaxSeqLen: kvcache.Ptr(maxSeqLen),
		UseGPU:    kvcache.Ptr(true),
		Layout:    kvcache.Ptr(kvcache.LayoutContiguous),
		PageSize:  kvcache.Ptr(16),
		DType:     kvcache.Ptr(dtype.F16),
	}
	return MergeCache(base, f.Cache)
}

// MergeCache returns base with every field set in over replaced.
func MergeCache(base, over kvcache.Options) kvcache.Options {
	setPtr(&base.NumLayers, over.NumLayers)
	setPtr(&base.NumHeads, over.NumHeads)
	setPtr(&base.HeadDim, over.HeadDim)
	setPtr(&base.MaxSeqLen, over.MaxSeqLen)
	setPtr(&base.UseGPU, over.UseGPU)
	setPtr(&base.Layout, over.Layout)
	setPtr(&base.PageSize, over.PageSize)
	setPtr(&base.DType, over.DType)
	setPtr(&base.WindowSize, over.WindowSize)
	base.Tiering = MergeTiering(base.Tiering, over.Tiering)
	return base
}

// MergeTiering returns base with every field set in over replaced. Either
// may be nil.
func MergeTiering(base, over *kvcache.TieringOptions) *kvcache.TieringOptions {
	if over == nil {
		return base
	}
	t := kvcache.TieringOptions{}
	if base != nil {
		t = *base
	}
	setPtr(&t.HotWindow, over.HotWindow)
	setPtr(&t.Compression, over.Compression)
	setPtr(&t.Gating, over.Gating)
	setPtr(&t.MinComputeBandwidthRatio, over.MinComputeBandwidthRatio)
	setPtr(&t.BlockSize, over.BlockSize)
	return &t
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func setPtr[T any](dst **T, src *T) {
	if src != nil {
		v := *src
		*dst = &v
	}
}
