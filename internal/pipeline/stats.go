package pipeline

import "time"

// FinishReason says why a generation ended.
type FinishReason string

const (
	FinishNone         FinishReason = ""
	FinishLength       FinishReason = "length"
	FinishStopToken    FinishReason = "stop_token"
	FinishStopSequence FinishReason = "stop_sequence"
	FinishCancelled    FinishReason = "cancelled"
	FinishAbandoned    FinishReason = "abandoned"
	FinishError        FinishReason = "error"
)

// Stats describe one generation.
type Stats struct {
	PromptTokens int
	// PrefillTokens is the number of prompt tokens actually computed; the
	// rest were reused from the cache.
	PrefillTokens    int
	GeneratedTokens  int
	TimeToFirstToken time.Duration
	Prefill          time.Duration
	Decode           time.Duration
	TokensPerSecond  float64
	FusedSteps       int
	FallbackSteps    int
	// DecodeSyncPoints counts host/device waits across all decode steps.
	DecodeSyncPoints int
	FinishReason     FinishReason
}

// DecodeSteps is the number of decode steps run.
func (s Stats) DecodeSteps() int { return s.FusedSteps + s.FallbackSteps }

// SyncPointsPerStep is the mean number of host/device waits per decode
// step.
func (s Stats) SyncPointsPerStep() float64 {
	if n := s.DecodeSteps(); n > 0 {
		return float64(s.DecodeSyncPoints) / float64(n)
	}
	return 0
}

func (s *Stats) finish() {
	if s.Decode > 0 && s.GeneratedTokens > 1 {
		s.TokensPerSecond = float64(s.GeneratedTokens-1) / s.Decode.Seconds()
	}
}
