package model

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/clocksmith/doppler/internal/dtype"
	"github.com/clocksmith/doppler/internal/gpu"
	"github.com/clocksmith/doppler/internal/kernels"
)

// ErrMissingWeight is returned when a required weight is absent.
var ErrMissingWeight = errors.New("model: missing weight")

// HostTensor is a weight held in host memory.
type HostTensor struct {
	Shape []int
	Data  []float32
}

// HostWeights maps weight names to host tensors.
type HostWeights map[string]HostTensor

// SyntheticConfig is a small model that a ByteTokenizer can drive.
func SyntheticConfig(vocab int) Config {
	return Config{
		ModelType:        "synthetic",
		VocabSize:        vocab,
		HiddenSize:       32,
		IntermediateSize: 64,
		NumLayers:        2,
		NumHeads:         4,
		NumKVHeads:       2,
		HeadDim:          8,
		MaxPosition:      512,
	}.WithDefaults()
}

// Synthetic returns deterministic random weights for cfg. Projections are
// scaled by 1/sqrt(fan-in) so activations stay bounded through the stack.
func Synthetic(cfg Config, seed uint64) HostWeights {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	shapes := cfg.Shapes()
	out := make(HostWeights, len(shapes))
	for _, name := range slices.Sorted(maps.Keys(shapes)) {
		shape := shapes[name]
		n := 1
		for _, d := range shape {
			n *= d
		}
		data := make([]float32, n)
		switch {
		case IsNorm(name):
			if !cfg.UsesNormOffset() {
				for i := range data {
					data[i] = 1
				}
			}
		default:
			std := 1 / math.Sqrt(float64(shape[len(shape)-1]))
			if name == EmbedTokens {
				std = 1
			}
			for i := range data {
				data[i] = float32(rng.NormFloat64() * std)
			}
		}
		out[name] = HostTensor{Shape: shape, Data: data}
	}
	return out
}

// Weights are model tensors resident on a device.
type Weights struct {
	dev     gpu.Device
	tensors map[string]kernels.Tensor
	bytes   int
}

// Upload copies hw to dev. Matrices are stored as dt; norms stay f32.
func Upload(dev gpu.Device, hw HostWeights, dt dtype.DType) (*Weights, error) {
	if !dt.IsFloat() {
		return nil, fmt.Errorf("upload weights as %s: %w", dt, ErrInvalidConfig)
	}
	w := &Weights{dev: dev, tensors: make(map[string]kernels.Tensor, len(hw))}
	for _, name := range slices.Sorted(maps.Keys(hw)) {
		ht := hw[name]
		t := dt
		if IsNorm(name) {
			t = dtype.F32
		}
		raw := dtype.EncodeFloats(t, ht.Data)
		buf, err := dev.CreateBuffer(len(raw), gpu.UsageDefault, name)
		if err != nil {
			w.Release()
			return nil, fmt.Errorf("upload %s: %w", name, err)
		}
		if err := dev.WriteBuffer(buf, 0, raw); err != nil {
			dev.DestroyBuffer(buf)
			w.Release()
			return nil, fmt.Errorf("upload %s: %w", name, err)
		}
		w.tensors[name] = kernels.Tensor{Buf: buf, Shape: slices.Clone(ht.Shape), DType: t}
		w.bytes += len(raw)
	}
	return w, nil
}

// Tensor returns the named weight.
func (w *Weights) Tensor(name string) (kernels.Tensor, bool) {
	t, ok := w.tensors[name]
	return t, ok
}

// Must returns the named weight or ErrMissingWeight.
func (w *Weights) Must(name string) (kernels.Tensor, error) {
	t, ok := w.tensors[name]
	if !ok {
		return kernels.Tensor{}, fmt.Errorf("%w: %s", ErrMissingWeight, name)
	}
	return t, nil
}

// Output returns the LM head, falling back to the embedding table when
// cfg ties them.
func (w *Weights) Output(cfg Config) (kernels.Tensor, error) {
	if t, ok := w.tensors[LMHead]; ok {
		return t, nil
	}
	if cfg.TieEmbeddings {
		return w.Must(EmbedTokens)
	}
	return kernels.Tensor{}, fmt.Errorf("%w: %s", ErrMissingWeight, LMHead)
}

// Drop destroys and forgets the named weight.
func (w *Weights) Drop(name string) {
	t, ok := w.tensors[name]
	if !ok {
		return
	}
	w.bytes -= t.Buf.Size()
	w.dev.DestroyBuffer(t.Buf)
	delete(w.tensors, name)
}

func (w *Weights) Len() int   { return len(w.tensors) }
func (w *Weights) Bytes() int { return w.bytes }

// Release destroys every buffer.
func (w *Weights) Release() {
	for name := range w.tensors {
		w.Drop(name)
	}
}
