package pipeline

import (
	"fmt"
	"slices"

	"github.com/clocksmith/doppler/internal/kernels"
	"github.com/clocksmith/doppler/internal/model"
)

type layerWeights struct {
	attnNorm, q, k, v, o, postAttnNorm kernels.Tensor
	ffnNorm, gate, up, down, postFFN   kernels.Tensor
	moe                                *kernels.MoEWeights
}

// resolved holds every weight a forward pass touches.
type resolved struct {
	embed, out, finalNorm kernels.Tensor
	layers                []layerWeights
}

// resolve looks up all weights so that a missing one is reported before
// any device work is recorded.
func (p *Pipeline) resolve() (*resolved, error) {
	c := p.cfg
	w := p.weights
	r := &resolved{layers: make([]layerWeights, c.NumLayers)}
	var err error
	if r.embed, err = want(w, model.EmbedTokens, c.VocabSize, c.HiddenSize); err != nil {
		return nil, err
	}
	if r.out, err = w.Output(c); err != nil {
		return nil, err
	}
	if !slices.Equal(r.out.Shape, []int{c.VocabSize, c.HiddenSize}) {
		return nil, fmt.Errorf("%w: output head %v", ErrWeightShape, r.out.Shape)
	}
	if r.finalNorm, err = want(w, model.FinalNorm, c.HiddenSize); err != nil {
		return nil, err
	}

	for i := range c.NumLayers {
		lw := &r.layers[i]
		get := func(name string, shape ...int) kernels.Tensor {
			if err != nil {
				return kernels.Tensor{}
			}
			var t kernels.Tensor
			t, err = want(w, model.LayerWeight(i, name), shape...)
			return t
		}
		h := c.HiddenSize
		lw.attnNorm = get(model.AttnNorm, h)
		lw.q = get(model.QProj, c.QSize(), h)
		lw.k = get(model.KProj, c.KVSize(), h)
		lw.v = get(model.VProj, c.KVSize(), h)
		lw.o = get(model.OProj, h, c.QSize())
		lw.ffnNorm = get(model.FFNNorm, h)
		if c.UsesPostNorms() {
			lw.postAttnNorm = get(model.PostAttnNorm, h)
			lw.postFFN = get(model.PostFFNNorm, h)
		}
		if c.MoE() {
			m := &kernels.MoEWeights{
				Router:  get(model.Router, c.NumExperts, h),
				Experts: make([]kernels.ExpertWeights, c.NumExperts),
				Route:   kernels.Router{TopK: c.NumExpertsPerTok},
			}
			for e := range c.NumExperts {
				expert := func(name string, shape ...int) kernels.Tensor {
					if err != nil {
						return kernels.Tensor{}
					}
					var t kernels.Tensor
					t, err = want(w, model.ExpertWeight(i, e, name), shape...)
					return t
				}
				m.Experts[e] = kernels.ExpertWeights{
					Gate: expert(model.GateProj, c.IntermediateSize, h),
					Up:   expert(model.UpProj, c.IntermediateSize, h),
					Down: expert(model.DownProj, h, c.IntermediateSize),
				}
			}
			lw.moe = m
		} else {
			lw.gate = get(model.GateProj, c.IntermediateSize, h)
			lw.up = get(model.UpProj, c.IntermediateSize, h)
			lw.down = get(model.DownProj, h, c.IntermediateSize)
		}
		if err != nil {
			return nil, err
		}
	}
	return r, nil
}

func want(w *model.Weights, name string, shape ...int) (kernels.Tensor, error) {
	t, err := w.Must(name)
	if err != nil {
		return kernels.Tensor{}, err
	}
	if !slices.Equal(t.Shape, shape) {
		return kernels.Tensor{}, fmt.Errorf("%w: %s is %v, want %v", ErrWeightShape, name, t.Shape, shape)
	}
	return t, nil
}
