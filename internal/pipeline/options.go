package pipeline

import (
	"slices"

	"github.com/clocksmith/doppler/internal/sampling"
)

// DefaultMaxTokens bounds a generation when GenerateOptions.MaxTokens is
// zero.
const DefaultMaxTokens = 128

// Options configures a Pipeline.
type Options struct {
	// Debug disables batching: every layer is submitted, awaited and read
	// back, and decode always takes the fallback path.
	Debug bool
	// DebugLayers are checkpoint layers. Prefill submits after each of
	// them, reads the hidden state back and continues in a fresh recorder.
	DebugLayers []int
	// BatchPrefill records all prefill layers into one submission. Nil
	// means true.
	BatchPrefill *bool
	// AllowFusedPenaltySkip lets decode take the fused path even when a
	// repetition penalty is configured. The penalty is then not applied to
	// decode steps.
	AllowFusedPenaltySkip bool
	// Profile records per-operation timings, logged at debug level.
	Profile bool
	// OnCheckpoint, when set, receives every hidden state read back at a
	// checkpoint.
	OnCheckpoint func(phase string, layer int, hidden []float32)
}

func (o Options) batchPrefill() bool { return o.BatchPrefill == nil || *o.BatchPrefill }

func (o Options) isCheckpoint(layer int) bool {
	return o.Debug || slices.Contains(o.DebugLayers, layer)
}

// GenerateOptions configures one generation.
type GenerateOptions struct {
	MaxTokens int
	Sampling  sampling.Config
	// StopTokens extend the model's end-of-sequence ids.
	StopTokens []int
	// StopSequences end generation when the decoded text ends with one of
	// them. The matched suffix is removed from Generation.Text.
	StopSequences []string
}
