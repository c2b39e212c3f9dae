// Package pipeline drives generation: prefill over the prompt, then one
// decode step per token against a KV cache, with the device work of each
// step batched into as few submissions as the configuration allows.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/clocksmith/doppler/internal/gpu"
	"github.com/clocksmith/doppler/internal/kernels"
	"github.com/clocksmith/doppler/internal/kvcache"
	"github.com/clocksmith/doppler/internal/logger"
	"github.com/clocksmith/doppler/internal/model"
	"github.com/clocksmith/doppler/internal/tokenizer"
)

// State is the pipeline lifecycle state.
type State uint8

const (
	StateUnloaded State = iota
	StateIdle
	StateGenerating
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateIdle:
		return "idle"
	case StateGenerating:
		return "generating"
	default:
		return "unknown"
	}
}

// Pipeline owns a loaded model, its weights and its KV cache. It runs at
// most one generation at a time.
type Pipeline struct {
	dev  gpu.Device
	pool *gpu.BufferPool
	k    kernels.Kernels
	opts Options
	log  logger.Logger

	mu    sync.Mutex
	state State
	stats Stats

	cfg     model.Config
	weights *model.Weights
	cache   kvcache.Cache
	tok     tokenizer.Tokenizer

	// tokens are the ids whose keys and values are in the cache, in
	// position order. next is the last sampled id, not yet fed back; -1
	// when there is none.
	tokens []int
	next   int

	syncs       int
	penaltyWarn sync.Once
}

// New creates an unloaded pipeline.
func New(dev gpu.Device, pool *gpu.BufferPool, k kernels.Kernels, opts Options, log logger.Logger) *Pipeline {
	return &Pipeline{
		dev:  dev,
		pool: pool,
		k:    k,
		opts: opts,
		log:  logger.Component(logger.OrNop(log), "pipeline"),
		next: -1,
	}
}

// Load takes ownership of weights and cache. A previously loaded model is
// unloaded first.
func (p *Pipeline) Load(cfg model.Config, weights *model.Weights, cache kvcache.Cache, tok tokenizer.Tokenizer) error {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	cc := cache.Config()
	switch {
	case !cc.UseGPU:
		return fmt.Errorf("%w: %s cache is host resident", ErrIncompatibleCache, cache.Kind())
	case cc.NumLayers != cfg.NumLayers || cc.NumHeads != cfg.NumKVHeads || cc.HeadDim != cfg.HeadDim:
		return fmt.Errorf("%w: cache %dx%dx%d, model %dx%dx%d", ErrIncompatibleCache,
			cc.NumLayers, cc.NumHeads, cc.HeadDim, cfg.NumLayers, cfg.NumKVHeads, cfg.HeadDim)
	}

	p.mu.Lock()
	state := p.state
	p.mu.Unlock()
	if state == StateGenerating {
		return ErrGenerationInProgress
	}
	if state == StateIdle {
		if err := p.Unload(); err != nil {
			return err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg, p.weights, p.cache, p.tok = cfg, weights, cache, tok
	p.tokens, p.next = nil, -1
	p.stats = Stats{}
	p.state = StateIdle
	p.log.Info("model loaded",
		"model_type", cfg.ModelType,
		"layers", cfg.NumLayers,
		"hidden", cfg.HiddenSize,
		"vocab", cfg.VocabSize,
		"weights_bytes", weights.Bytes(),
		"cache", cache.Kind())
	return nil
}

// Unload waits for queued device work, then releases the cache and weights.
func (p *Pipeline) Unload() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case StateUnloaded:
		return nil
	case StateGenerating:
		return ErrGenerationInProgress
	}
	var errs []error
	if err := p.dev.Wait(context.Background()); err != nil {
		errs = append(errs, fmt.Errorf("drain device: %w", err))
	}
	p.cache.Release()
	p.weights.Release()
	if p.pool != nil {
		p.pool.Trim()
	}
	p.cache, p.weights, p.tok = nil, nil, nil
	p.tokens, p.next = nil, -1
	p.state = StateUnloaded
	p.log.Info("model unloaded")
	return errors.Join(errs...)
}

// Reset clears the cache and the token history.
func (p *Pipeline) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case StateUnloaded:
		return ErrNotLoaded
	case StateGenerating:
		return ErrGenerationInProgress
	}
	p.cache.Clear()
	p.tokens, p.next = nil, -1
	p.stats = Stats{}
	return nil
}

func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Stats returns the statistics of the last finished generation.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Cache returns the loaded cache, or nil.
func (p *Pipeline) Cache() kvcache.Cache {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cache
}

// Config returns the loaded model config.
func (p *Pipeline) Config() model.Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Tokens returns the ids currently held in the cache.
func (p *Pipeline) Tokens() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.tokens...)
}

// begin moves Idle to Generating.
func (p *Pipeline) begin() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case StateUnloaded:
		return ErrNotLoaded
	case StateGenerating:
		return ErrGenerationInProgress
	}
	p.state = StateGenerating
	return nil
}

// end moves Generating back to Idle, recording stats when non-nil.
func (p *Pipeline) end(stats *Stats) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if stats != nil {
		p.stats = *stats
	}
	p.state = StateIdle
}

func safeEncode(tok tokenizer.Tokenizer, text string) (ids []int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Encode: %v", rec)
		}
	}()
	return tok.Encode(text)
}
