package api

import (
	"errors"
	"net/http"

	"github.com/clocksmith/doppler/internal/gpu"
	"github.com/clocksmith/doppler/internal/pipeline"
)

var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

// classify maps an engine error to an HTTP status and error type.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, pipeline.ErrEmptyPrompt):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, pipeline.ErrGenerationInProgress):
		return http.StatusConflict, "conflict_error"
	case errors.Is(err, pipeline.ErrNotLoaded), errors.Is(err, gpu.ErrReadbackDisallowed):
		return http.StatusServiceUnavailable, "unavailable_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}
