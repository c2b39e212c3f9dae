package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/clocksmith/doppler/internal/dtype"
	"github.com/clocksmith/doppler/internal/kvcache"
	"github.com/clocksmith/doppler/internal/model"
	"github.com/clocksmith/doppler/internal/sampling"
)

const sample = `
model:
  seed: 9
  dtype: f32
cache:
  layout: tiered
  max_seq_len: 256
  tiering:
    hot_window: 32
    compression: int8
    gating: auto
    min_compute_bandwidth_ratio: 4.5
pipeline:
  debug_layers: [0, 3]
  batch_prefill: false
  max_tokens: 64
sampling:
  temperature: 0
  top_k: 1
log_level: debug
server_address: 127.0.0.1:9090
allow_readback: true
`

func TestParse(t *testing.T) {
	t.Parallel()
	f, err := Parse([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	if *f.Model.Seed != 9 || *f.Model.DType != dtype.F32 {
		t.Fatalf("model = %+v", f.Model)
	}
	if *f.Cache.Layout != kvcache.LayoutTiered || *f.Cache.Tiering.Compression != kvcache.CompressionInt8 {
		t.Fatalf("cache = %+v", f.Cache)
	}
	opts := f.PipelineOptions()
	if diff := cmp.Diff([]int{0, 3}, opts.DebugLayers); diff != "" {
		t.Fatalf("debug layers (-want +got):\n%s", diff)
	}
	if opts.BatchPrefill == nil || *opts.BatchPrefill {
		t.Fatal("batch_prefill: false not carried")
	}
	if f.LogLevel != "debug" || f.ServerAddress != "127.0.0.1:9090" || !*f.AllowReadback {
		t.Fatalf("top level = %q %q %v", f.LogLevel, f.ServerAddress, f.AllowReadback)
	}
}

func TestParseRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
	}{
		{name: "unknown key", yaml: "cache:\n  layuot: paged\n"},
		{name: "bad dtype", yaml: "model:\n  dtype: q4\n"},
		{name: "wrong type", yaml: "pipeline:\n  debug_layers: yes\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Parse([]byte(tt.yaml)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	f, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(File{}, f); diff != "" {
		t.Fatalf("missing file (-want +got):\n%s", diff)
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("log_format: json\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	f, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if f.LogFormat != "json" {
		t.Fatalf("LogFormat = %q", f.LogFormat)
	}
}

func TestCacheFor(t *testing.T) {
	t.Parallel()
	f, err := Parse([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	cfg := model.SyntheticConfig(64)
	cc, err := f.CacheFor(cfg, 512).Config()
	if err != nil {
		t.Fatalf("Config: %v", err)
	}
	want := kvcache.Config{
		NumLayers: cfg.NumLayers,
		NumHeads:  cfg.NumKVHeads,
		HeadDim:   cfg.HeadDim,
		MaxSeqLen: 256,
		DType:     dtype.F16,
		Layout:    kvcache.LayoutTiered,
		PageSize:  16,
		UseGPU:    true,
		Tiering: kvcache.TieringConfig{
			HotWindow:                32,
			Compression:              kvcache.CompressionInt8,
			Gating:                   kvcache.GatingAuto,
			MinComputeBandwidthRatio: 4.5,
			BlockSize:                1,
		},
	}
	if diff := cmp.Diff(want, cc); diff != "" {
		t.Fatalf("cache config (-want +got):\n%s", diff)
	}
}

func TestSamplingApply(t *testing.T) {
	t.Parallel()
	base := sampling.Config{Temperature: 0.7, TopK: 40, TopP: 0.9}
	got := Sampling{Temperature: new(float32), RepeatPenalty: ptr(float32(1.1))}.Apply(base)
	want := sampling.Config{Temperature: 0, TopK: 40, TopP: 0.9, RepeatPenalty: 1.1}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Apply (-want +got):\n%s", diff)
	}
}

func ptr[T any](v T) *T { return &v }

func TestMergeTiering(t *testing.T) {
	t.Parallel()
	base := &kvcache.TieringOptions{
		HotWindow:   kvcache.Ptr(64),
		Compression: kvcache.Ptr(kvcache.CompressionNone),
	}
	tests := []struct {
		name string
		base *kvcache.TieringOptions
		over *kvcache.TieringOptions
		want *kvcache.TieringOptions
	}{
		{name: "nil over", base: base, over: nil, want: base},
		{name: "nil base", base: nil, over: &kvcache.TieringOptions{HotWindow: kvcache.Ptr(8)}, want: &kvcache.TieringOptions{HotWindow: kvcache.Ptr(8)}},
		{
			name: "partial over",
			base: base,
			over: &kvcache.TieringOptions{HotWindow: kvcache.Ptr(16), MinComputeBandwidthRatio: kvcache.Ptr(2.0)},
			want: &kvcache.TieringOptions{
				HotWindow:                kvcache.Ptr(16),
				Compression:              kvcache.Ptr(kvcache.CompressionNone),
				MinComputeBandwidthRatio: kvcache.Ptr(2.0),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, MergeTiering(tt.base, tt.over)); diff != "" {
				t.Fatalf("MergeTiering mismatch (-want +got):\n%s", diff)
			}
		})
	}
	if *base.HotWindow != 64 {
		t.Fatalf("base modified: hot window %d", *base.HotWindow)
	}
}
