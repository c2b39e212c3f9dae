package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/clocksmith/doppler/internal/gpu"
	"github.com/clocksmith/doppler/internal/kernels"
	"github.com/clocksmith/doppler/internal/metrics"
	"github.com/clocksmith/doppler/internal/sampling"
)

// split says what happens to the recorder after a layer.
type split uint8

const (
	splitNone split = iota
	splitSubmit
	splitCheckpoint
)

// forward records the embedding of ids and every layer at startPos. at
// decides, per layer, whether to keep recording, submit, or submit and read
// the hidden state back; after a split recording continues in a fresh
// recorder. It returns the recorder that is current at the end together
// with the untracked final hidden state.
func (p *Pipeline) forward(ctx context.Context, rec *gpu.Recorder, w *resolved, ids []int, startPos int, phase string, at func(layer int) split) (*gpu.Recorder, kernels.Tensor, error) {
	x, err := p.embed(rec, w, ids)
	if err != nil {
		return rec, kernels.Tensor{}, fmt.Errorf("%s embed: %w", phase, err)
	}
	for i := range p.cfg.NumLayers {
		if x, err = p.layer(rec, w, i, x, startPos); err != nil {
			return rec, kernels.Tensor{}, fmt.Errorf("%s layer %d: %w", phase, i, err)
		}
		switch at(i) {
		case splitCheckpoint:
			err = p.checkpoint(ctx, rec, phase, i, x)
		case splitSubmit:
			err = rec.Submit()
		default:
			continue
		}
		if err != nil {
			rec.TrackTemporaryBuffer(x.Buf)
			return rec, kernels.Tensor{}, err
		}
		rec = p.newRecorder(phase)
	}
	return rec, x, nil
}

// prefill computes ids at startPos, extends the token history and returns
// the first sampled token. Sampling happens on the host so the repetition
// penalty applies.
func (p *Pipeline) prefill(ctx context.Context, w *resolved, ids []int, startPos int, s *sampling.Sampler, exclude []int) (int, error) {
	batch := p.opts.batchPrefill()
	last := p.cfg.NumLayers - 1
	rec := p.newRecorder("prefill")
	defer func() { rec.Abort() }()

	rec, x, err := p.forward(ctx, rec, w, ids, startPos, "prefill", func(i int) split {
		switch {
		case p.opts.isCheckpoint(i):
			return splitCheckpoint
		case !batch && i < last:
			return splitSubmit
		}
		return splitNone
	})
	if err != nil {
		return 0, err
	}
	logits, err := p.logits(rec, w, x, true)
	if err != nil {
		return 0, err
	}
	host, err := p.submitAndReadLogits(ctx, rec, logits)
	if err != nil {
		return 0, err
	}
	p.tokens = append(p.tokens[:startPos], ids...)
	return s.Sample(host, p.tokens, exclude), nil
}

// submitAndReadLogits submits rec, reads logits back and releases them.
func (p *Pipeline) submitAndReadLogits(ctx context.Context, rec *gpu.Recorder, logits kernels.Tensor) ([]float32, error) {
	if err := rec.Submit(); err != nil {
		p.pool.Release(logits.Buf)
		return nil, err
	}
	host, err := p.readFloats(ctx, logits, "logits")
	p.pool.Release(logits.Buf)
	if err != nil {
		return nil, err
	}
	if err := p.settle(ctx, rec); err != nil {
		return nil, err
	}
	return host, nil
}

// submitAndReadToken submits rec, reads the sampled id back and releases
// it.
func (p *Pipeline) submitAndReadToken(ctx context.Context, rec *gpu.Recorder, out kernels.Tensor) (int, error) {
	if err := rec.Submit(); err != nil {
		p.pool.Release(out.Buf)
		return 0, err
	}
	id, err := p.readToken(ctx, out)
	p.pool.Release(out.Buf)
	if err != nil {
		return 0, err
	}
	if err := p.settle(ctx, rec); err != nil {
		return 0, err
	}
	return id, nil
}

// fused reports whether a decode step can record layers, the output head
// and sampling into a single submission.
func (p *Pipeline) fused(s *sampling.Sampler) bool {
	if p.opts.Debug {
		return false
	}
	if !s.Greedy() && (!p.k.Capabilities().DeviceSampling || s.Config().MinP > 0) {
		return false
	}
	if s.Penalized() {
		if !p.opts.AllowFusedPenaltySkip {
			return false
		}
		p.penaltyWarn.Do(func() {
			p.log.Warn("fused decode does not apply the repetition penalty", "repeat_penalty", s.Config().RepeatPenalty)
		})
	}
	return true
}

// hostSampling reports whether fallback decode must sample on the host.
func (p *Pipeline) hostSampling(s *sampling.Sampler) bool {
	if s.Penalized() {
		return true
	}
	if s.Greedy() {
		return false
	}
	return !p.k.Capabilities().DeviceSampling || s.Config().MinP > 0
}

func (p *Pipeline) sampleDevice(rec *gpu.Recorder, logits kernels.Tensor, s *sampling.Sampler) (kernels.Tensor, error) {
	if s.Greedy() {
		return p.k.Argmax(rec, logits)
	}
	c := s.Config()
	return p.k.Sample(rec, logits, kernels.SampleParams{
		Temperature: c.Temperature,
		TopK:        c.TopK,
		TopP:        c.TopP,
		Random:      s.Uniform(),
	})
}

// decode feeds tok at the next position and returns the sampled successor.
func (p *Pipeline) decode(ctx context.Context, w *resolved, g *Generation, tok int) (int, error) {
	start := time.Now()
	syncs := p.syncs
	pos := len(p.tokens)
	p.tokens = append(p.tokens, tok)

	path := "fallback"
	var (
		next int
		err  error
	)
	if p.fused(g.sampler) {
		path = "fused"
		next, err = p.decodeFused(ctx, w, g.sampler, tok, pos)
	} else {
		next, err = p.decodeFallback(ctx, w, g.sampler, g.stop, tok, pos)
	}
	if err != nil {
		return 0, fmt.Errorf("decode position %d: %w", pos, err)
	}

	d := time.Since(start)
	n := p.syncs - syncs
	if path == "fused" {
		g.stats.FusedSteps++
	} else {
		g.stats.FallbackSteps++
	}
	g.stats.DecodeSyncPoints += n
	g.stats.Decode += d
	metrics.ObserveDecode(path, d, uint64(n))
	return next, nil
}

// decodeFused records layers, output head and sampling into one recorder.
// The only wait is the readback of the sampled id.
func (p *Pipeline) decodeFused(ctx context.Context, w *resolved, s *sampling.Sampler, tok, pos int) (int, error) {
	rec := p.newRecorder("decode")
	defer func() { rec.Abort() }()

	rec, x, err := p.forward(ctx, rec, w, []int{tok}, pos, "decode", func(int) split { return splitNone })
	if err != nil {
		return 0, err
	}
	logits, err := track(rec)(p.logits(rec, w, x, true))
	if err != nil {
		return 0, err
	}
	out, err := p.sampleDevice(rec, logits, s)
	if err != nil {
		return 0, err
	}
	return p.submitAndReadToken(ctx, rec, out)
}

// decodeFallback submits and awaits the layers first, then runs the output
// head and sampling as a separate step.
func (p *Pipeline) decodeFallback(ctx context.Context, w *resolved, s *sampling.Sampler, exclude []int, tok, pos int) (int, error) {
	last := p.cfg.NumLayers - 1
	rec := p.newRecorder("decode")
	defer func() { rec.Abort() }()

	rec, x, err := p.forward(ctx, rec, w, []int{tok}, pos, "decode", func(i int) split {
		if p.opts.isCheckpoint(i) {
			return splitCheckpoint
		}
		return splitNone
	})
	if err != nil {
		return 0, err
	}
	if !p.opts.isCheckpoint(last) {
		if err := p.wait(ctx, rec); err != nil {
			rec.TrackTemporaryBuffer(x.Buf)
			return 0, err
		}
		rec = p.newRecorder("decode_head")
	}

	logits, err := p.logits(rec, w, x, true)
	if err != nil {
		return 0, err
	}
	if p.hostSampling(s) {
		host, err := p.submitAndReadLogits(ctx, rec, logits)
		if err != nil {
			return 0, err
		}
		return s.Sample(host, p.tokens, exclude), nil
	}
	rec.TrackTemporaryBuffer(logits.Buf)
	out, err := p.sampleDevice(rec, logits, s)
	if err != nil {
		return 0, err
	}
	return p.submitAndReadToken(ctx, rec, out)
}

// invalidate drops the token history after a failed step; the cache may
// hold a partial write.
func (p *Pipeline) invalidate() {
	p.cache.Clear()
	p.tokens, p.next = nil, -1
}
