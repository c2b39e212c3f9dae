package kvcache

import "errors"

var (
	// ErrCapacity is returned when a write would extend past MaxSeqLen.
	ErrCapacity = errors.New("kvcache: write exceeds capacity")
	// ErrMissingOption is returned when a required construction option is absent.
	ErrMissingOption = errors.New("kvcache: missing required option")
	// ErrInvalidOption is returned when a construction option has an unusable value.
	ErrInvalidOption = errors.New("kvcache: invalid option")
	// ErrTypeMismatch is returned when keys and values are not the same kind of data.
	ErrTypeMismatch = errors.New("kvcache: keys and values must both be host data or both device data")
	// ErrShape is returned when data length does not match the per-position stride.
	ErrShape = errors.New("kvcache: data does not match kv size")
	// ErrRange is returned for reads or writes outside the recorded range.
	ErrRange = errors.New("kvcache: position range out of bounds")
	// ErrUnsupported is returned for operations a layout or residency cannot perform.
	ErrUnsupported = errors.New("kvcache: operation not supported")
	// ErrInvalidLayer is returned for a layer index outside [0, NumLayers).
	ErrInvalidLayer = errors.New("kvcache: invalid layer")
	// ErrReleased is returned after Release.
	ErrReleased = errors.New("kvcache: cache released")
)
