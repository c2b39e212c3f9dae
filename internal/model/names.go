package model

import (
	"fmt"
	"strings"
)

// Global weight names.
const (
	EmbedTokens = "embed_tokens"
	LMHead      = "lm_head"
	FinalNorm   = "final_norm"
)

// Per-layer weight suffixes.
const (
	AttnNorm     = "attn_norm"
	QProj        = "q_proj"
	KProj        = "k_proj"
	VProj        = "v_proj"
	OProj        = "o_proj"
	PostAttnNorm = "post_attn_norm"
	FFNNorm      = "ffn_norm"
	GateProj     = "gate_proj"
	UpProj       = "up_proj"
	DownProj     = "down_proj"
	PostFFNNorm  = "post_ffn_norm"
	Router       = "router"
)

// LayerWeight names a weight of layer i.
func LayerWeight(i int, name string) string {
	return fmt.Sprintf("layers.%d.%s", i, name)
}

// ExpertWeight names a projection of expert e in layer i.
func ExpertWeight(i, e int, name string) string {
	return fmt.Sprintf("layers.%d.experts.%d.%s", i, e, name)
}

// Shapes returns every weight the config needs with its [rows, cols] (or
// [n] for norms) shape.
func (c Config) Shapes() map[string][]int {
	h := c.HiddenSize
	s := map[string][]int{
		EmbedTokens: {c.VocabSize, h},
		FinalNorm:   {h},
	}
	if !c.TieEmbeddings {
		s[LMHead] = []int{c.VocabSize, h}
	}
	for i := range c.NumLayers {
		s[LayerWeight(i, AttnNorm)] = []int{h}
		s[LayerWeight(i, QProj)] = []int{c.QSize(), h}
		s[LayerWeight(i, KProj)] = []int{c.KVSize(), h}
		s[LayerWeight(i, VProj)] = []int{c.KVSize(), h}
		s[LayerWeight(i, OProj)] = []int{h, c.QSize()}
		s[LayerWeight(i, FFNNorm)] = []int{h}
		if c.UsesPostNorms() {
			s[LayerWeight(i, PostAttnNorm)] = []int{h}
			s[LayerWeight(i, PostFFNNorm)] = []int{h}
		}
		if c.MoE() {
			s[LayerWeight(i, Router)] = []int{c.NumExperts, h}
			for e := range c.NumExperts {
				s[ExpertWeight(i, e, GateProj)] = []int{c.IntermediateSize, h}
				s[ExpertWeight(i, e, UpProj)] = []int{c.IntermediateSize, h}
				s[ExpertWeight(i, e, DownProj)] = []int{h, c.IntermediateSize}
			}
			continue
		}
		s[LayerWeight(i, GateProj)] = []int{c.IntermediateSize, h}
		s[LayerWeight(i, UpProj)] = []int{c.IntermediateSize, h}
		s[LayerWeight(i, DownProj)] = []int{h, c.IntermediateSize}
	}
	return s
}

// IsNorm reports whether name is a normalization weight.
func IsNorm(name string) bool {
	for _, n := range []string{FinalNorm, AttnNorm, FFNNorm, PostAttnNorm, PostFFNNorm} {
		if name == n || strings.HasSuffix(name, "."+n) {
			return true
		}
	}
	return false
}
