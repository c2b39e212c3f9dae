package api

import (
	"github.com/clocksmith/doppler/internal/kvcache"
	"github.com/clocksmith/doppler/internal/pipeline"
)

// GenerateRequest is the body of POST /v1/generate. Unset fields take the
// server defaults.
type GenerateRequest struct {
	Prompt            string   `json:"prompt"`
	MaxTokens         *int     `json:"max_tokens,omitempty"`
	Temperature       *float32 `json:"temperature,omitempty"`
	TopK              *int     `json:"top_k,omitempty"`
	TopP              *float32 `json:"top_p,omitempty"`
	MinP              *float32 `json:"min_p,omitempty"`
	RepetitionPenalty *float32 `json:"repetition_penalty,omitempty"`
	Seed              *uint64  `json:"seed,omitempty"`
	Stop              []string `json:"stop,omitempty"`
	StopTokens        []int    `json:"stop_tokens,omitempty"`
	Stream            bool     `json:"stream,omitempty"`
}

type GenerateResponse struct {
	ID           string         `json:"id"`
	Object       string         `json:"object"`
	CreatedAt    int64          `json:"created_at"`
	Status       string         `json:"status"`
	Text         string         `json:"text"`
	Tokens       []int          `json:"tokens"`
	FinishReason string         `json:"finish_reason,omitempty"`
	Usage        Usage          `json:"usage"`
	Stats        StatsBody      `json:"stats"`
	Error        *ResponseError `json:"error,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StatsBody is pipeline.Stats with durations in milliseconds.
type StatsBody struct {
	PromptTokens       int     `json:"prompt_tokens"`
	PrefillTokens      int     `json:"prefill_tokens"`
	GeneratedTokens    int     `json:"generated_tokens"`
	TimeToFirstTokenMS float64 `json:"time_to_first_token_ms"`
	PrefillMS          float64 `json:"prefill_ms"`
	DecodeMS           float64 `json:"decode_ms"`
	TokensPerSecond    float64 `json:"tokens_per_second"`
	FusedSteps         int     `json:"fused_steps"`
	FallbackSteps      int     `json:"fallback_steps"`
	SyncPointsPerStep  float64 `json:"sync_points_per_step"`
	FinishReason       string  `json:"finish_reason,omitempty"`
}

func statsBody(s pipeline.Stats) StatsBody {
	return StatsBody{
		PromptTokens:       s.PromptTokens,
		PrefillTokens:      s.PrefillTokens,
		GeneratedTokens:    s.GeneratedTokens,
		TimeToFirstTokenMS: float64(s.TimeToFirstToken.Microseconds()) / 1000,
		PrefillMS:          float64(s.Prefill.Microseconds()) / 1000,
		DecodeMS:           float64(s.Decode.Microseconds()) / 1000,
		TokensPerSecond:    s.TokensPerSecond,
		FusedSteps:         s.FusedSteps,
		FallbackSteps:      s.FallbackSteps,
		SyncPointsPerStep:  s.SyncPointsPerStep(),
		FinishReason:       string(s.FinishReason),
	}
}

// StatsResponse is the body of GET /v1/stats.
type StatsResponse struct {
	State        string               `json:"state"`
	CachedTokens int                  `json:"cached_tokens"`
	Cache        *kvcache.MemoryStats `json:"cache,omitempty"`
	Last         StatsBody            `json:"last_generation"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

type streamEvent struct {
	Type           string            `json:"type"`
	Generation     *GenerateResponse `json:"generation,omitempty"`
	ID             string            `json:"id,omitempty"`
	Index          int               `json:"index,omitempty"`
	Delta          string            `json:"delta,omitempty"`
	SequenceNumber int               `json:"sequence_number"`
}
