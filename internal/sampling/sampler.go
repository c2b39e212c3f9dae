// Package sampling turns a logits row into a token id on the host.
package sampling

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
)

// GreedyThreshold is the temperature below which sampling is always argmax.
const GreedyThreshold = 0.01

// Config configures the behaviour of a Sampler. Zero values select the
// defaults applied by New.
type Config struct {
	Seed          uint64  `yaml:"seed" json:"seed"`
	Temperature   float32 `yaml:"temperature" json:"temperature"`
	TopK          int     `yaml:"top_k" json:"top_k"`
	TopP          float32 `yaml:"top_p" json:"top_p"`
	MinP          float32 `yaml:"min_p" json:"min_p"`
	RepeatPenalty float32 `yaml:"repeat_penalty" json:"repeat_penalty"`
	RepeatLastN   int     `yaml:"repeat_last_n" json:"repeat_last_n"`
}

// Greedy reports whether cfg selects argmax decoding.
func (c Config) Greedy() bool { return c.Temperature < GreedyThreshold }

type Sampler struct {
	rng       *rand.Rand
	cfg       Config
	greedy    bool
	topIdx    []int
	topVal    []float32
	prob      []float64
	seenMark  []uint32
	seenEpoch uint32
	seenList  []int
}

// New returns a sampler with defaults filled in.
func New(cfg Config) *Sampler {
	greedy := cfg.Greedy()
	if greedy {
		cfg.Temperature = 1
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 40
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	if cfg.RepeatPenalty <= 0 {
		cfg.RepeatPenalty = 1
	}
	if cfg.RepeatLastN <= 0 {
		cfg.RepeatLastN = 64
	}
	return &Sampler{
		rng:    rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		cfg:    cfg,
		greedy: greedy,
	}
}

// Config returns the effective configuration.
func (s *Sampler) Config() Config { return s.cfg }

// Greedy reports whether every sample is an argmax.
func (s *Sampler) Greedy() bool { return s.greedy }

// Penalized reports whether a repetition penalty is active.
func (s *Sampler) Penalized() bool { return s.cfg.RepeatPenalty > 1 }

// CanUseDeviceGreedy reports whether a device argmax yields the same token
// the host would pick.
func (s *Sampler) CanUseDeviceGreedy() bool {
	return s.greedy && !s.Penalized()
}

// Uniform draws the next value in [0,1) from the sampler's stream. Device
// sampling consumes the same stream so seeded runs are reproducible.
func (s *Sampler) Uniform() float32 {
	return s.rng.Float32()
}

// ApplyPenalty divides positive (multiplies negative) logits of tokens seen
// in the last RepeatLastN entries of recent. Ids in exclude are never
// penalized.
func (s *Sampler) ApplyPenalty(logits []float32, recent, exclude []int) {
	if !s.Penalized() || len(recent) == 0 {
		return
	}
	start := max(len(recent)-s.cfg.RepeatLastN, 0)
	window := recent[start:]

	if len(s.seenMark) < len(logits) {
		s.seenMark = make([]uint32, len(logits))
	}
	s.seenEpoch++
	if s.seenEpoch == 0 {
		clear(s.seenMark)
		s.seenEpoch = 1
	}
	s.seenList = s.seenList[:0]

	for _, id := range window {
		if id >= 0 && id < len(logits) && s.seenMark[id] != s.seenEpoch {
			s.seenMark[id] = s.seenEpoch
			s.seenList = append(s.seenList, id)
		}
	}
	for _, id := range exclude {
		if id >= 0 && id < len(logits) {
			s.seenMark[id] = 0
		}
	}
	for _, id := range s.seenList {
		if s.seenMark[id] != s.seenEpoch {
			continue
		}
		if logits[id] > 0 {
			logits[id] /= s.cfg.RepeatPenalty
		} else {
			logits[id] *= s.cfg.RepeatPenalty
		}
	}
}

// Sample draws a single index from logits. logits is modified in place by
// the repetition penalty.
//
//  1. Apply repetition penalty if configured.
//  2. Greedy configurations return the argmax.
//  3. Otherwise logits are scaled by 1/Temperature and the top k kept.
//  4. A softmax over the shortlist, then min-p and top-p truncation.
//  5. A uniform draw selects from the truncated distribution.
func (s *Sampler) Sample(logits []float32, recent, exclude []int) int {
	s.ApplyPenalty(logits, recent, exclude)

	if s.greedy || (s.cfg.TopK == 1 && s.cfg.TopP >= 1) {
		return Argmax(logits)
	}

	k := min(s.cfg.TopK, len(logits))
	topIdx, topVal := s.topK(logits, k, 1/s.cfg.Temperature)
	if len(topVal) == 0 {
		return 0
	}

	if cap(s.prob) < len(topVal) {
		s.prob = make([]float64, len(topVal))
	}
	prob := s.prob[:len(topVal)]
	maxv := topVal[0]
	for i, v := range topVal {
		prob[i] = math.Exp(float64(v - maxv))
	}
	sum := floats.Sum(prob)
	if sum == 0 {
		return topIdx[0]
	}
	floats.Scale(1/sum, prob)

	if s.cfg.MinP > 0 {
		threshold := prob[0] * float64(s.cfg.MinP)
		n := 0
		for i := range prob {
			if prob[i] >= threshold {
				prob[n] = prob[i]
				topIdx[n] = topIdx[i]
				n++
			}
		}
		if n < len(prob) {
			prob = prob[:n]
			floats.Scale(1/floats.Sum(prob), prob)
		}
	}

	cut := len(prob)
	if s.cfg.TopP < 1 {
		var c float64
		for i := range prob {
			c += prob[i]
			if float32(c) >= s.cfg.TopP {
				cut = i + 1
				break
			}
		}
	}

	r := s.rng.Float64() * floats.Sum(prob[:cut])
	var c float64
	for i := range cut {
		c += prob[i]
		if r < c {
			return topIdx[i]
		}
	}
	return topIdx[cut-1]
}

// Argmax returns the index of the largest value, preferring the lowest index
// on ties. It panics on an empty slice.
func Argmax(x []float32) int {
	if len(x) == 0 {
		panic("argmax: empty slice")
	}
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}

// Softmax returns the probabilities of logits at the given temperature.
func Softmax(logits []float32, temperature float32) []float64 {
	if temperature <= 0 {
		temperature = 1
	}
	p := make([]float64, len(logits))
	for i, l := range logits {
		p[i] = float64(l / temperature)
	}
	m := floats.Max(p)
	for i := range p {
		p[i] = math.Exp(p[i] - m)
	}
	floats.Scale(1/floats.Sum(p), p)
	return p
}

// topK returns the indices and scaled values of the k largest logits in
// descending order. O(V*K), suitable for small K.
func (s *Sampler) topK(logits []float32, k int, invTemp float32) ([]int, []float32) {
	if k <= 0 {
		return nil, nil
	}
	if cap(s.topIdx) < k+1 {
		s.topIdx = make([]int, 0, k+1)
		s.topVal = make([]float32, 0, k+1)
	}
	topIdx := s.topIdx[:0]
	topVal := s.topVal[:0]

	for i, l := range logits {
		v := l * invTemp
		pos := len(topVal)
		for pos > 0 && topVal[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}
		if len(topVal) < k {
			topIdx = append(topIdx, 0)
			topVal = append(topVal, 0)
		}
		copy(topIdx[pos+1:], topIdx[pos:len(topIdx)-1])
		copy(topVal[pos+1:], topVal[pos:len(topVal)-1])
		topIdx[pos] = i
		topVal[pos] = v
	}
	s.topIdx, s.topVal = topIdx, topVal
	return topIdx, topVal
}
