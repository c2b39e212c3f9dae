package pipeline

import (
	"errors"

	"github.com/clocksmith/doppler/internal/model"
)

var (
	// ErrNotLoaded is returned when no model is loaded.
	ErrNotLoaded = errors.New("pipeline: model not loaded")
	// ErrGenerationInProgress is returned by overlapping calls.
	ErrGenerationInProgress = errors.New("pipeline: generation already in progress")
	// ErrMissingWeight is returned before any device work when a required
	// weight is absent.
	ErrMissingWeight = model.ErrMissingWeight
	// ErrWeightShape is returned when a weight does not match the config.
	ErrWeightShape = errors.New("pipeline: weight shape mismatch")
	// ErrNotRestartable is yielded when a fragment sequence is ranged twice.
	ErrNotRestartable = errors.New("pipeline: generation is not restartable")
	// ErrIncompatibleCache is returned by Load for caches that do not match
	// the model or are not device resident.
	ErrIncompatibleCache = errors.New("pipeline: incompatible kv cache")
	// ErrEmptyPrompt is returned when the prompt encodes to no tokens.
	ErrEmptyPrompt = errors.New("pipeline: empty prompt")
	// ErrNoPendingToken is returned by VerifyDraft before any generation.
	ErrNoPendingToken = errors.New("pipeline: no sampled token to extend")
)
