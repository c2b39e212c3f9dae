package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"gonum.org/v1/gonum/floats"

	"github.com/clocksmith/doppler/internal/dtype"
	"github.com/clocksmith/doppler/internal/gpu"
	"github.com/clocksmith/doppler/internal/kernels"
	"github.com/clocksmith/doppler/internal/metrics"
)

// track returns a filter that hands successful kernel results to rec.
func track(rec *gpu.Recorder) func(kernels.Tensor, error) (kernels.Tensor, error) {
	return func(t kernels.Tensor, err error) (kernels.Tensor, error) {
		if err == nil {
			rec.TrackTemporaryBuffer(t.Buf)
		}
		return t, err
	}
}

func (p *Pipeline) newRecorder(label string) *gpu.Recorder {
	if p.opts.Profile {
		return gpu.NewProfilingRecorder(p.dev, p.pool, label)
	}
	return gpu.NewRecorder(p.dev, p.pool, label)
}

// embed uploads ids and gathers their (scaled) embeddings. The result is
// not tracked.
func (p *Pipeline) embed(rec *gpu.Recorder, w *resolved, ids []int) (kernels.Tensor, error) {
	raw := make([]uint32, len(ids))
	for i, id := range ids {
		if id < 0 || id >= p.cfg.VocabSize {
			return kernels.Tensor{}, fmt.Errorf("token id %d outside vocabulary of %d", id, p.cfg.VocabSize)
		}
		raw[i] = uint32(id)
	}
	buf, err := rec.Acquire(len(raw)*4, gpu.UsageDefault, "token_ids")
	if err != nil {
		return kernels.Tensor{}, err
	}
	rec.Encoder().WriteBuffer(buf, 0, dtype.EncodeU32(raw))
	scale := float32(p.cfg.EmbeddingScale)
	if scale == 0 {
		scale = 1
	}
	return p.k.Embed(rec, w.embed, buf, len(ids), scale)
}

// layer records transformer block i over x[n, hidden] at startPos. It takes
// ownership of x and returns an untracked result. The block's keys and
// values are appended to the cache inside rec, after attention has read
// the view of earlier positions.
func (p *Pipeline) layer(rec *gpu.Recorder, w *resolved, i int, x kernels.Tensor, startPos int) (kernels.Tensor, error) {
	rec.TrackTemporaryBuffer(x.Buf)
	c := p.cfg
	lw := &w.layers[i]
	eps := float32(c.RMSNormEps)
	offset := c.UsesNormOffset()
	t := track(rec)

	h, err := t(p.k.RMSNorm(rec, x, lw.attnNorm, eps, offset))
	if err != nil {
		return kernels.Tensor{}, err
	}
	q, err := t(p.k.MatMul(rec, h, lw.q))
	if err != nil {
		return kernels.Tensor{}, err
	}
	k, err := t(p.k.MatMul(rec, h, lw.k))
	if err != nil {
		return kernels.Tensor{}, err
	}
	v, err := t(p.k.MatMul(rec, h, lw.v))
	if err != nil {
		return kernels.Tensor{}, err
	}
	theta := c.LayerTheta(i)
	if err := p.k.RoPE(rec, q, c.NumHeads, c.HeadDim, startPos, theta); err != nil {
		return kernels.Tensor{}, err
	}
	if err := p.k.RoPE(rec, k, c.NumKVHeads, c.HeadDim, startPos, theta); err != nil {
		return kernels.Tensor{}, err
	}

	view, err := p.cache.AttentionView(i)
	if err != nil {
		return kernels.Tensor{}, fmt.Errorf("attention view: %w", err)
	}
	a, err := t(p.k.Attention(rec, q, k, v, view, kernels.AttentionParams{
		NumHeads:   c.NumHeads,
		NumKVHeads: c.NumKVHeads,
		HeadDim:    c.HeadDim,
		StartPos:   startPos,
		Window:     c.LayerWindow(i),
		Scale:      c.AttnScale(),
		SoftCap:    float32(c.AttnSoftCap),
	}))
	if err != nil {
		return kernels.Tensor{}, err
	}
	if err := p.storeKV(rec, i, k, v, startPos); err != nil {
		return kernels.Tensor{}, err
	}

	o, err := t(p.k.MatMul(rec, a, lw.o))
	if err != nil {
		return kernels.Tensor{}, err
	}
	if lw.postAttnNorm.Buf != nil {
		if o, err = t(p.k.RMSNorm(rec, o, lw.postAttnNorm, eps, offset)); err != nil {
			return kernels.Tensor{}, err
		}
	}
	x1, err := t(p.k.Add(rec, x, o))
	if err != nil {
		return kernels.Tensor{}, err
	}

	h2, err := t(p.k.RMSNorm(rec, x1, lw.ffnNorm, eps, offset))
	if err != nil {
		return kernels.Tensor{}, err
	}
	f, err := p.ffn(rec, lw, h2)
	if err != nil {
		return kernels.Tensor{}, err
	}
	if lw.postFFN.Buf != nil {
		if f, err = t(p.k.RMSNorm(rec, f, lw.postFFN, eps, offset)); err != nil {
			return kernels.Tensor{}, err
		}
	}
	return p.k.Add(rec, x1, f)
}

// ffn returns a tracked result.
func (p *Pipeline) ffn(rec *gpu.Recorder, lw *layerWeights, h kernels.Tensor) (kernels.Tensor, error) {
	t := track(rec)
	if lw.moe != nil {
		return t(p.k.MoE(rec, h, *lw.moe))
	}
	g, err := t(p.k.MatMul(rec, h, lw.gate))
	if err != nil {
		return kernels.Tensor{}, err
	}
	u, err := t(p.k.MatMul(rec, h, lw.up))
	if err != nil {
		return kernels.Tensor{}, err
	}
	s, err := t(p.k.SiLUMul(rec, g, u))
	if err != nil {
		return kernels.Tensor{}, err
	}
	return t(p.k.MatMul(rec, s, lw.down))
}

// storeKV casts k and v to the cache dtype and records the cache write.
func (p *Pipeline) storeKV(rec *gpu.Recorder, layer int, k, v kernels.Tensor, startPos int) error {
	dt := p.cache.Config().DType
	if k.DType != dt {
		t := track(rec)
		var err error
		if k, err = t(p.k.Cast(rec, k, dt)); err != nil {
			return err
		}
		if v, err = t(p.k.Cast(rec, v, dt)); err != nil {
			return err
		}
	}
	if err := p.cache.RecordUpdateFromGPU(rec, layer, k.Buf, v.Buf, startPos, k.Rows()); err != nil {
		return fmt.Errorf("cache update layer %d: %w", layer, err)
	}
	return nil
}

// logits records the final norm and output head. It takes ownership of x.
// With lastOnly, only the last row is projected. The result is untracked.
func (p *Pipeline) logits(rec *gpu.Recorder, w *resolved, x kernels.Tensor, lastOnly bool) (kernels.Tensor, error) {
	rec.TrackTemporaryBuffer(x.Buf)
	t := track(rec)
	var err error
	if lastOnly && x.Rows() > 1 {
		if x, err = t(p.k.LastRow(rec, x)); err != nil {
			return kernels.Tensor{}, err
		}
	}
	h, err := t(p.k.RMSNorm(rec, x, w.finalNorm, float32(p.cfg.RMSNormEps), p.cfg.UsesNormOffset()))
	if err != nil {
		return kernels.Tensor{}, err
	}
	return p.k.MatMul(rec, h, w.out)
}

// read is a counted host/device synchronization point.
func (p *Pipeline) read(ctx context.Context, buf *gpu.Buffer, size int, reason string) ([]byte, error) {
	p.syncs++
	metrics.Readbacks.WithLabelValues(reason).Inc()
	return p.dev.ReadBuffer(ctx, buf, 0, size)
}

// readFloats reads t back as float32.
func (p *Pipeline) readFloats(ctx context.Context, t kernels.Tensor, reason string) ([]float32, error) {
	raw, err := p.read(ctx, t.Buf, t.Bytes(), reason)
	if err != nil {
		return nil, err
	}
	return dtype.DecodeFloats(t.DType, raw), nil
}

// readToken reads a sampled token id back.
func (p *Pipeline) readToken(ctx context.Context, t kernels.Tensor) (int, error) {
	raw, err := p.read(ctx, t.Buf, 4, "token")
	if err != nil {
		return 0, err
	}
	return int(dtype.DecodeU32(raw)[0]), nil
}

// wait submits rec and blocks until it has executed.
func (p *Pipeline) wait(ctx context.Context, rec *gpu.Recorder) error {
	p.syncs++
	err := rec.SubmitAndWait(ctx)
	p.logTimings(rec)
	return err
}

// settle reports the execution error of a submitted recorder whose work is
// known to have drained (a later readback already waited for it).
func (p *Pipeline) settle(ctx context.Context, rec *gpu.Recorder) error {
	err := rec.Wait(ctx)
	p.logTimings(rec)
	return err
}

// checkpoint submits rec, reads the hidden state x back and reports it. x
// stays alive for the next recorder.
func (p *Pipeline) checkpoint(ctx context.Context, rec *gpu.Recorder, phase string, layer int, x kernels.Tensor) error {
	if err := rec.Submit(); err != nil {
		return err
	}
	hidden, err := p.readFloats(ctx, x, "checkpoint")
	if err != nil {
		return fmt.Errorf("%s checkpoint layer %d: %w", phase, layer, err)
	}
	if err := p.settle(ctx, rec); err != nil {
		return err
	}
	if p.log.Enabled(slog.LevelDebug) {
		vals := make([]float64, len(hidden))
		for i, v := range hidden {
			vals[i] = float64(v)
		}
		p.log.Debug("checkpoint",
			"phase", phase,
			"layer", layer,
			"min", floats.Min(vals),
			"max", floats.Max(vals),
			"mean", floats.Sum(vals)/float64(len(vals)))
	}
	if p.opts.OnCheckpoint != nil {
		p.opts.OnCheckpoint(phase, layer, hidden)
	}
	return nil
}

func (p *Pipeline) logTimings(rec *gpu.Recorder) {
	if !rec.IsProfiling() {
		return
	}
	select {
	case <-rec.Done():
	default:
		return
	}
	for _, t := range rec.Timings() {
		p.log.Debug("op timing", "recorder", rec.Label(), "op", t.Label, "duration", t.Duration)
	}
}
