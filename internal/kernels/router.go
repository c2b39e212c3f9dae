package kernels

import (
	"fmt"
	"math"

	"github.com/clocksmith/doppler/internal/dtype"
	"github.com/clocksmith/doppler/internal/gpu"
)

// Router selects the top-k experts for a token from router logits.
type Router struct {
	TopK int
	// RouteScale multiplies the normalized expert weights. Zero means 1.
	RouteScale float32
	// Sigmoid scores experts with a sigmoid instead of a softmax.
	Sigmoid bool
}

// Route writes the chosen expert ids and their normalized weights into idx
// and w, both of length TopK. Ties resolve to the lower expert id.
func (r Router) Route(logits []float32, idx []int, w []float32) {
	k := min(r.TopK, len(logits))
	if k <= 0 {
		return
	}
	if len(idx) < k || len(w) < k {
		panic("router output buffers too small")
	}
	scores := make([]float32, len(logits))
	copy(scores, logits)
	if r.Sigmoid {
		for i, v := range scores {
			scores[i] = float32(1 / (1 + math.Exp(float64(-v))))
		}
	} else {
		softmax(scores)
	}

	for j := range k {
		idx[j] = -1
	}
	best := make([]float32, k)
	for j := range best {
		best[j] = float32(-math.MaxFloat32)
	}
	for i, s := range scores {
		pos := k
		for j := range k {
			if s > best[j] {
				pos = j
				break
			}
		}
		if pos == k {
			continue
		}
		for j := k - 1; j > pos; j-- {
			idx[j] = idx[j-1]
			best[j] = best[j-1]
		}
		idx[pos] = i
		best[pos] = s
	}

	var denom float32
	for j := range k {
		denom += best[j]
	}
	if denom == 0 {
		denom = 1
	}
	scale := r.RouteScale
	if scale == 0 {
		scale = 1
	}
	for j := range k {
		w[j] = best[j] / denom * scale
	}
}

// ExpertWeights are the gated FFN projections of one expert.
type ExpertWeights struct {
	Gate, Up, Down Tensor
}

// MoEWeights describe a mixture-of-experts FFN block.
type MoEWeights struct {
	Router  Tensor
	Experts []ExpertWeights
	Route   Router
}

// MoE runs a routed expert FFN over x[n, hidden] as a single dispatch.
func (k *Reference) MoE(rec *gpu.Recorder, x Tensor, m MoEWeights) (Tensor, error) {
	hidden := x.Cols()
	if len(m.Experts) == 0 || m.Router.Cols() != hidden || m.Router.Rows() != len(m.Experts) {
		return Tensor{}, fmt.Errorf("moe router %v for %d experts: %w", m.Router.Shape, len(m.Experts), ErrShape)
	}
	out, err := k.alloc("moe", dtype.F32, x.Shape...)
	if err != nil {
		return Tensor{}, err
	}
	rec.Encoder().Dispatch("moe", func() error {
		xs, err := k.read(x)
		if err != nil {
			return err
		}
		router, err := k.read(m.Router)
		if err != nil {
			return err
		}
		res := make([]float32, len(xs))
		logits := make([]float32, len(m.Experts))
		idx := make([]int, m.Route.TopK)
		w := make([]float32, m.Route.TopK)
		for r := range x.Rows() {
			row := xs[r*hidden : (r+1)*hidden]
			for e := range logits {
				logits[e] = dot(row, router[e*hidden:(e+1)*hidden])
			}
			m.Route.Route(logits, idx, w)
			dst := res[r*hidden : (r+1)*hidden]
			for j, id := range idx {
				if id < 0 || w[j] == 0 {
					continue
				}
				ffn, err := k.expertFFN(row, m.Experts[id])
				if err != nil {
					return fmt.Errorf("expert %d: %w", id, err)
				}
				for i := range dst {
					dst[i] += w[j] * ffn[i]
				}
			}
		}
		return k.write(out, res)
	})
	return out, nil
}

func (k *Reference) expertFFN(x []float32, e ExpertWeights) ([]float32, error) {
	matvec := func(w Tensor, in []float32) ([]float32, error) {
		wm, err := k.mem(w.Buf)
		if err != nil {
			return nil, err
		}
		rows, cols := w.Shape[0], w.Shape[1]
		if cols != len(in) {
			return nil, ErrShape
		}
		rowBytes := cols * w.DType.Size()
		out := make([]float32, rows)
		for j := range rows {
			out[j] = dotRaw(in, wm[j*rowBytes:(j+1)*rowBytes], w.DType)
		}
		return out, nil
	}
	gate, err := matvec(e.Gate, x)
	if err != nil {
		return nil, err
	}
	up, err := matvec(e.Up, x)
	if err != nil {
		return nil, err
	}
	for i := range gate {
		gate[i] = silu(gate[i]) * up[i]
	}
	return matvec(e.Down, gate)
}
