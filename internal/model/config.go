// Package model describes a decoder-only transformer: its hyperparameters,
// the names of its weights, and how those weights reach a device.
package model

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/goccy/go-json"
)

// ErrInvalidConfig is returned for configurations the pipeline cannot run.
var ErrInvalidConfig = errors.New("model: invalid config")

// Config holds the hyperparameters the pipeline needs. Field names follow
// the usual config.json keys so existing files decode directly.
type Config struct {
	ModelType        string  `json:"model_type"`
	VocabSize        int     `json:"vocab_size"`
	HiddenSize       int     `json:"hidden_size"`
	IntermediateSize int     `json:"intermediate_size"`
	NumLayers        int     `json:"num_hidden_layers"`
	NumHeads         int     `json:"num_attention_heads"`
	NumKVHeads       int     `json:"num_key_value_heads"`
	HeadDim          int     `json:"head_dim"`
	MaxPosition      int     `json:"max_position_embeddings"`
	RMSNormEps       float64 `json:"rms_norm_eps"`
	RopeTheta        float64 `json:"rope_theta"`
	// RopeLocalTheta is used by sliding-window layers when set.
	RopeLocalTheta float64 `json:"rope_local_base_freq"`
	TieEmbeddings  bool    `json:"tie_word_embeddings"`

	// SlidingWindow applies to local layers. With SlidingWindowPattern N,
	// every Nth layer is global; LayerTypes overrides both.
	SlidingWindow        int      `json:"sliding_window"`
	SlidingWindowPattern int      `json:"sliding_window_pattern"`
	LayerTypes           []string `json:"layer_types"`

	AttnSoftCap        float64 `json:"attn_logit_softcapping"`
	QueryPreAttnScalar float64 `json:"query_pre_attn_scalar"`

	// EmbeddingScale multiplies token embeddings. Zero selects
	// sqrt(hidden_size) for Gemma models and 1 otherwise.
	EmbeddingScale float64 `json:"embedding_scale"`
	// NormOffset applies RMSNorm weights as (1+w).
	NormOffset *bool `json:"rms_norm_offset"`
	// PostNorms adds norms after the attention and FFN blocks.
	PostNorms *bool `json:"post_norms"`

	NumExperts       int `json:"num_experts"`
	NumExpertsPerTok int `json:"num_experts_per_tok"`

	BOSTokenID int      `json:"bos_token_id"`
	EOSTokenID TokenIDs `json:"eos_token_id"`
}

// TokenIDs decodes either a single id or a list of ids.
type TokenIDs []int

func (t *TokenIDs) UnmarshalJSON(b []byte) error {
	var one int
	if err := json.Unmarshal(b, &one); err == nil {
		*t = TokenIDs{one}
		return nil
	}
	var many []int
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("token ids: %w", err)
	}
	*t = many
	return nil
}

// LoadConfig reads and validates a JSON config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(data)
}

// ParseConfig decodes data, fills derived defaults and validates the result.
func ParseConfig(data []byte) (Config, error) {
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse model config: %w", err)
	}
	c = c.WithDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// IsGemma reports whether the Gemma conventions apply.
func (c Config) IsGemma() bool {
	return strings.HasPrefix(strings.ToLower(c.ModelType), "gemma")
}

// WithDefaults fills fields that can be derived from the others.
func (c Config) WithDefaults() Config {
	if c.NumKVHeads == 0 {
		c.NumKVHeads = c.NumHeads
	}
	if c.HeadDim == 0 && c.NumHeads > 0 {
		c.HeadDim = c.HiddenSize / c.NumHeads
	}
	if c.RMSNormEps == 0 {
		c.RMSNormEps = 1e-6
	}
	if c.RopeTheta == 0 {
		c.RopeTheta = 10000
	}
	if c.EmbeddingScale == 0 {
		c.EmbeddingScale = 1
		if c.IsGemma() {
			c.EmbeddingScale = math.Sqrt(float64(c.HiddenSize))
		}
	}
	if c.NormOffset == nil {
		v := c.IsGemma()
		c.NormOffset = &v
	}
	if c.PostNorms == nil {
		v := c.IsGemma()
		c.PostNorms = &v
	}
	return c
}

func (c Config) Validate() error {
	switch {
	case c.VocabSize <= 0, c.HiddenSize <= 0, c.IntermediateSize <= 0, c.NumLayers <= 0:
		return fmt.Errorf("%w: vocab, hidden, intermediate and layer counts must be positive", ErrInvalidConfig)
	case c.NumHeads <= 0 || c.NumKVHeads <= 0 || c.NumHeads%c.NumKVHeads != 0:
		return fmt.Errorf("%w: %d heads over %d kv heads", ErrInvalidConfig, c.NumHeads, c.NumKVHeads)
	case c.HeadDim <= 0 || c.HeadDim%2 != 0:
		return fmt.Errorf("%w: head_dim %d must be positive and even", ErrInvalidConfig, c.HeadDim)
	case c.LayerTypes != nil && len(c.LayerTypes) != c.NumLayers:
		return fmt.Errorf("%w: %d layer_types for %d layers", ErrInvalidConfig, len(c.LayerTypes), c.NumLayers)
	case c.NumExperts > 0 && (c.NumExpertsPerTok <= 0 || c.NumExpertsPerTok > c.NumExperts):
		return fmt.Errorf("%w: %d experts per token of %d", ErrInvalidConfig, c.NumExpertsPerTok, c.NumExperts)
	}
	return nil
}

// KVSize is the per-position width of one layer's K or V.
func (c Config) KVSize() int { return c.NumKVHeads * c.HeadDim }

// QSize is the width of the query projection.
func (c Config) QSize() int { return c.NumHeads * c.HeadDim }

// LayerWindow returns the attention window of layer i, or 0 for global
// attention.
func (c Config) LayerWindow(i int) int {
	if c.SlidingWindow <= 0 {
		return 0
	}
	if c.LayerTypes != nil {
		if c.LayerTypes[i] == "sliding_attention" {
			return c.SlidingWindow
		}
		return 0
	}
	if c.SlidingWindowPattern > 0 && (i+1)%c.SlidingWindowPattern == 0 {
		return 0
	}
	return c.SlidingWindow
}

// LayerTheta returns the RoPE base for layer i.
func (c Config) LayerTheta(i int) float64 {
	if c.RopeLocalTheta > 0 && c.LayerWindow(i) > 0 {
		return c.RopeLocalTheta
	}
	return c.RopeTheta
}

// AttnScale is the query scaling factor.
func (c Config) AttnScale() float32 {
	if c.QueryPreAttnScalar > 0 {
		return float32(1 / math.Sqrt(c.QueryPreAttnScalar))
	}
	return float32(1 / math.Sqrt(float64(c.HeadDim)))
}

// UsesNormOffset reports whether RMSNorm weights apply as (1+w).
func (c Config) UsesNormOffset() bool {
	if c.NormOffset == nil {
		return c.IsGemma()
	}
	return *c.NormOffset
}

// UsesPostNorms reports whether blocks carry a post-norm.
func (c Config) UsesPostNorms() bool {
	if c.PostNorms == nil {
		return c.IsGemma()
	}
	return *c.PostNorms
}

// MoE reports whether the FFN blocks are routed experts.
func (c Config) MoE() bool { return c.NumExperts > 0 }

// StopTokens returns the configured end-of-sequence ids.
func (c Config) StopTokens() []int { return append([]int(nil), c.EOSTokenID...) }
