package kvcache

import (
	"fmt"

	"github.com/clocksmith/doppler/internal/gpu"
)

// Data is the payload of an Update: either HostData or DeviceData. Keys and
// values of one call must be the same kind.
type Data interface {
	tokens(kvSize, rowBytes int) (int, error)
}

// HostData is row-major [tokens, numHeads*headDim] float32.
type HostData []float32

// DeviceData references rows already on the device, encoded in the cache
// dtype, starting at byte Offset.
type DeviceData struct {
	Buf    *gpu.Buffer
	Offset int
	Tokens int
}

func (d HostData) tokens(kvSize, _ int) (int, error) {
	if len(d)%kvSize != 0 {
		return 0, fmt.Errorf("%d values for kv size %d: %w", len(d), kvSize, ErrShape)
	}
	return len(d) / kvSize, nil
}

func (d DeviceData) tokens(_, rowBytes int) (int, error) {
	if d.Buf == nil || d.Tokens < 0 || d.Offset < 0 {
		return 0, fmt.Errorf("device data %+v: %w", d, ErrShape)
	}
	if d.Offset+d.Tokens*rowBytes > d.Buf.Size() {
		return 0, fmt.Errorf("device data of %d tokens at %d exceeds %s: %w", d.Tokens, d.Offset, d.Buf, ErrShape)
	}
	return d.Tokens, nil
}

// KV is a host copy of keys and values, row-major [tokens, kvSize].
type KV struct {
	Keys   []float32
	Values []float32
}

// pair validates an update payload and returns its token count and whether
// it lives on the device.
func pair(cfg Config, keys, values Data) (n int, device bool, err error) {
	switch keys.(type) {
	case HostData:
		if _, ok := values.(HostData); !ok {
			return 0, false, ErrTypeMismatch
		}
	case DeviceData:
		if _, ok := values.(DeviceData); !ok {
			return 0, false, ErrTypeMismatch
		}
		device = true
	default:
		return 0, false, fmt.Errorf("keys of type %T: %w", keys, ErrTypeMismatch)
	}
	nk, err := keys.tokens(cfg.KVSize(), cfg.RowBytes())
	if err != nil {
		return 0, false, fmt.Errorf("keys: %w", err)
	}
	nv, err := values.tokens(cfg.KVSize(), cfg.RowBytes())
	if err != nil {
		return 0, false, fmt.Errorf("values: %w", err)
	}
	if nk != nv {
		return 0, false, fmt.Errorf("%d key tokens, %d value tokens: %w", nk, nv, ErrShape)
	}
	return nk, device, nil
}
