package main

import (
	"github.com/urfave/cli/v3"

	"github.com/clocksmith/doppler/internal/config"
	"github.com/clocksmith/doppler/internal/dtype"
	"github.com/clocksmith/doppler/internal/kvcache"
	"github.com/clocksmith/doppler/internal/model"
	"github.com/clocksmith/doppler/internal/pipeline"
	"github.com/clocksmith/doppler/internal/sampling"
)

func defaultConfigPath() string { return config.Path() }

// applyGlobalConfig applies config file values to global flags that were
// not set explicitly.
func applyGlobalConfig(c *cli.Command, f config.File) {
	if f.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = f.LogLevel
	}
	if f.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = f.LogFormat
	}
}

// applyModelConfig applies the model and pipeline sections.
func applyModelConfig(c *cli.Command, f config.File) {
	if f.Model.ConfigPath != "" && !c.IsSet("model-config") {
		modelConfig = f.Model.ConfigPath
	}
	if f.Model.Seed != nil && !c.IsSet("model-seed") {
		modelSeed = *f.Model.Seed
	}
	if f.Model.DType != nil && !c.IsSet("weights-dtype") {
		weightsDType = f.Model.DType.String()
	}
	if f.AllowReadback != nil && !c.IsSet("no-readback") {
		noReadback = !*f.AllowReadback
	}
	if f.Cache.MaxSeqLen != nil && !c.IsSet("max-seq-len") {
		maxSeqLen = int64(*f.Cache.MaxSeqLen)
	}
}

// pipelineOptions merges the pipeline section with pipeline flags.
func pipelineOptions(c *cli.Command, f config.File) pipeline.Options {
	opts := f.PipelineOptions()
	if c.IsSet("debug-layers") {
		opts.DebugLayers = opts.DebugLayers[:0]
		for _, l := range debugLayers {
			opts.DebugLayers = append(opts.DebugLayers, int(l))
		}
	}
	if c.IsSet("no-batch-prefill") {
		batch := !noBatchPrefill
		opts.BatchPrefill = &batch
	}
	if c.IsSet("fused-penalty-skip") {
		opts.AllowFusedPenaltySkip = fusedPenaltySkip
	}
	if c.IsSet("profile") {
		opts.Profile = profile
	}
	return opts
}

// cacheOptions layers flag values over the file's cache section over
// defaults sized for cfg.
func cacheOptions(c *cli.Command, f config.File, cfg model.Config) (kvcache.Options, error) {
	var over kvcache.Options
	if c.IsSet("max-seq-len") {
		over.MaxSeqLen = kvcache.Ptr(int(maxSeqLen))
	}
	if c.IsSet("cache-layout") {
		over.Layout = kvcache.Ptr(kvcache.Layout(cacheLayout))
	}
	if c.IsSet("kv-dtype") {
		dt, err := dtype.Parse(kvDType)
		if err != nil {
			return kvcache.Options{}, err
		}
		over.DType = &dt
	}
	if c.IsSet("page-size") {
		over.PageSize = kvcache.Ptr(int(pageSize))
	}
	if c.IsSet("window") && windowSize > 0 {
		over.WindowSize = kvcache.Ptr(int(windowSize))
	}
	if c.IsSet("cache-on-host") {
		over.UseGPU = kvcache.Ptr(!cacheOnHost)
	}
	opts := config.MergeCache(f.CacheFor(cfg, int(maxSeqLen)), over)
	if opts.Layout == nil || *opts.Layout != kvcache.LayoutTiered {
		return opts, nil
	}

	defaults := &kvcache.TieringOptions{
		HotWindow:                kvcache.Ptr(int(hotWindow)),
		Compression:              kvcache.Ptr(kvcache.Compression(compression)),
		Gating:                   kvcache.Ptr(kvcache.Gating(gating)),
		MinComputeBandwidthRatio: kvcache.Ptr(gatingRatio),
	}
	var flags kvcache.TieringOptions
	if c.IsSet("hot-window") {
		flags.HotWindow = kvcache.Ptr(int(hotWindow))
	}
	if c.IsSet("compression") {
		flags.Compression = kvcache.Ptr(kvcache.Compression(compression))
	}
	if c.IsSet("gating") {
		flags.Gating = kvcache.Ptr(kvcache.Gating(gating))
	}
	if c.IsSet("min-compute-bandwidth-ratio") {
		flags.MinComputeBandwidthRatio = kvcache.Ptr(gatingRatio)
	}
	opts.Tiering = config.MergeTiering(config.MergeTiering(defaults, f.Cache.Tiering), &flags)
	return opts, nil
}

// samplingConfig layers flag values over the sampling section over flag
// defaults.
func samplingConfig(c *cli.Command, f config.File) sampling.Config {
	base := sampling.Config{
		Seed:          seed,
		Temperature:   float32(temperature),
		TopK:          int(topK),
		TopP:          float32(topP),
		MinP:          float32(minP),
		RepeatPenalty: float32(repeatPenalty),
		RepeatLastN:   int(repeatLastN),
	}
	cfg := f.Sampling.Apply(base)
	if c.IsSet("seed") {
		cfg.Seed = seed
	}
	if c.IsSet("temp") {
		cfg.Temperature = float32(temperature)
	}
	if c.IsSet("top-k") {
		cfg.TopK = int(topK)
	}
	if c.IsSet("top-p") {
		cfg.TopP = float32(topP)
	}
	if c.IsSet("min-p") {
		cfg.MinP = float32(minP)
	}
	if c.IsSet("repeat-penalty") {
		cfg.RepeatPenalty = float32(repeatPenalty)
	}
	if c.IsSet("repeat-last-n") {
		cfg.RepeatLastN = int(repeatLastN)
	}
	return cfg
}

// maxTokensFor resolves the generation length.
func maxTokensFor(c *cli.Command, f config.File) int {
	if !c.IsSet("max-tokens") && f.Pipeline.MaxTokens != nil {
		return *f.Pipeline.MaxTokens
	}
	return int(maxTokens)
}
