package gpu

import (
	"errors"
	"sync/atomic"
)

// ErrReadbackDisallowed is returned by any path that needs a device-to-host
// read while the readback policy is disabled.
var ErrReadbackDisallowed = errors.New("gpu: readback disallowed by policy")

var readbackAllowed atomic.Bool

func init() {
	readbackAllowed.Store(true)
}

// AllowReadback reports whether device-to-host reads are permitted.
func AllowReadback() bool {
	return readbackAllowed.Load()
}

// SetAllowReadback switches the process-wide readback policy and returns the
// previous value. Strict performance builds turn it off so that any path
// needing a host read fails instead of silently syncing.
func SetAllowReadback(allow bool) bool {
	return readbackAllowed.Swap(allow)
}
