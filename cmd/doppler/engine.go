package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/clocksmith/doppler/internal/dtype"
	"github.com/clocksmith/doppler/internal/gpu"
	"github.com/clocksmith/doppler/internal/kernels"
	"github.com/clocksmith/doppler/internal/kvcache"
	"github.com/clocksmith/doppler/internal/logger"
	"github.com/clocksmith/doppler/internal/model"
	"github.com/clocksmith/doppler/internal/pipeline"
	"github.com/clocksmith/doppler/internal/tokenizer"
)

// engine is a loaded pipeline on the host device.
type engine struct {
	dev      *gpu.HostDevice
	pool     *gpu.BufferPool
	kernels  *kernels.Reference
	cfg      model.Config
	pipeline *pipeline.Pipeline
}

// device opens the host device and reference kernels.
func device() (*gpu.HostDevice, *gpu.BufferPool, *kernels.Reference) {
	dev := gpu.NewHostDevice(gpu.HostOptions{Name: "host"})
	pool := gpu.NewBufferPool(dev)
	k := kernels.NewReference(pool, kernels.ReferenceOptions{DisableDeviceSampling: noDeviceSampling})
	return dev, pool, k
}

// modelDescription resolves the model config: a config.json or the
// built-in synthetic one.
func modelDescription() (model.Config, error) {
	if modelConfig == "" {
		return model.SyntheticConfig(tokenizer.ByteVocabSize), nil
	}
	cfg, err := model.LoadConfig(modelConfig)
	if err != nil {
		return model.Config{}, err
	}
	if cfg.VocabSize < tokenizer.ByteVocabSize {
		return model.Config{}, fmt.Errorf("%s: vocab_size %d is below the byte tokenizer's %d", modelConfig, cfg.VocabSize, tokenizer.ByteVocabSize)
	}
	return cfg, nil
}

func openEngine(ctx context.Context, cmd *cli.Command) (*engine, error) {
	log := logger.FromContext(ctx)
	f := fileConfig
	applyModelConfig(cmd, f)

	cfg, err := modelDescription()
	if err != nil {
		return nil, err
	}
	wdt, err := dtype.Parse(weightsDType)
	if err != nil {
		return nil, err
	}
	copts, err := cacheOptions(cmd, f, cfg)
	if err != nil {
		return nil, err
	}

	dev, pool, k := device()
	e := &engine{dev: dev, pool: pool, kernels: k, cfg: cfg}
	weights, err := model.Upload(dev, model.Synthetic(cfg, modelSeed), wdt)
	if err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("upload weights: %w", err)
	}
	cache, err := kvcache.NewFromOptions(dev, pool, copts, k, log)
	if err != nil {
		weights.Release()
		_ = dev.Close()
		return nil, fmt.Errorf("create cache: %w", err)
	}

	e.pipeline = pipeline.New(dev, pool, k, pipelineOptions(cmd, f), log)
	if err := e.pipeline.Load(cfg, weights, cache, &tokenizer.ByteTokenizer{}); err != nil {
		cache.Release()
		weights.Release()
		_ = dev.Close()
		return nil, err
	}
	gpu.SetAllowReadback(!noReadback)
	return e, nil
}

func (e *engine) Close() error {
	return errors.Join(e.pipeline.Unload(), e.dev.Close())
}
