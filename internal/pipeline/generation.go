package pipeline

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/clocksmith/doppler/internal/gpu"
	"github.com/clocksmith/doppler/internal/metrics"
	"github.com/clocksmith/doppler/internal/sampling"
	"github.com/clocksmith/doppler/internal/tokenizer"
)

// Generation is one in-flight generation. Its fragments can be ranged over
// exactly once; the pipeline stays busy until the range ends or Close is
// called.
type Generation struct {
	p       *Pipeline
	ctx     context.Context
	w       *resolved
	ids     []int
	sampler *sampling.Sampler
	stop    []int
	seqs    []string
	max     int
	dec     *tokenizer.StreamDecoder

	started time.Time
	mu      sync.Mutex
	ran     bool
	once    sync.Once

	out     []int
	text    strings.Builder
	matched string
	reason  FinishReason
	err     error
	stats   Stats
}

// Generate encodes prompt and prepares a generation. Device work starts
// when the returned fragments are ranged over. Missing weights and an
// empty prompt are reported here, before anything is recorded.
func (p *Pipeline) Generate(ctx context.Context, prompt string, opts GenerateOptions) (*Generation, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	g, err := p.prepare(ctx, prompt, opts)
	if err != nil {
		p.end(nil)
		return nil, err
	}
	metrics.GenerationsActive.Inc()
	return g, nil
}

func (p *Pipeline) prepare(ctx context.Context, prompt string, opts GenerateOptions) (*Generation, error) {
	started := time.Now()
	if !gpu.AllowReadback() {
		return nil, fmt.Errorf("generate: %w", gpu.ErrReadbackDisallowed)
	}
	w, err := p.resolve()
	if err != nil {
		return nil, err
	}
	ids, err := safeEncode(p.tok, prompt)
	if err != nil {
		return nil, fmt.Errorf("encode prompt: %w", err)
	}
	if len(ids) == 0 {
		return nil, ErrEmptyPrompt
	}

	stop := p.cfg.StopTokens()
	if sp, ok := p.tok.(tokenizer.Specials); ok && len(stop) == 0 {
		stop = append(stop, sp.EOS())
	}
	stop = append(stop, opts.StopTokens...)
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	return &Generation{
		p:       p,
		ctx:     ctx,
		w:       w,
		ids:     ids,
		sampler: sampling.New(opts.Sampling),
		stop:    stop,
		seqs:    slices.DeleteFunc(slices.Clone(opts.StopSequences), func(s string) bool { return s == "" }),
		max:     maxTokens,
		dec:     tokenizer.NewStreamDecoder(p.tok),
		started: started,
		stats:   Stats{PromptTokens: len(ids)},
	}, nil
}

// Fragments yields one decoded text fragment per generated token. A
// failure is yielded once as ("", err) and ends the sequence. Ranging a
// second time yields ErrNotRestartable.
func (g *Generation) Fragments() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		g.mu.Lock()
		again := g.ran
		g.ran = true
		g.mu.Unlock()
		if again {
			yield("", ErrNotRestartable)
			return
		}
		defer g.finish()
		g.run(yield)
	}
}

// Collect runs the generation to completion and returns its text.
func (g *Generation) Collect() (string, error) {
	for _, err := range g.Fragments() {
		if err != nil {
			return g.Text(), err
		}
	}
	return g.Text(), nil
}

// Close releases the pipeline if the fragments were never ranged over.
func (g *Generation) Close() {
	g.mu.Lock()
	again := g.ran
	g.ran = true
	g.mu.Unlock()
	if !again {
		g.reason = FinishAbandoned
		g.finish()
	}
}

// Text is the decoded output without a matched stop sequence.
func (g *Generation) Text() string {
	return strings.TrimSuffix(g.text.String(), g.matched)
}

// Tokens are the generated ids, stop tokens excluded.
func (g *Generation) Tokens() []int { return slices.Clone(g.out) }

func (g *Generation) Reason() FinishReason { return g.reason }

// Err is the failure that ended the generation, if any.
func (g *Generation) Err() error { return g.err }

func (g *Generation) Stats() Stats { return g.stats }

func (g *Generation) run(yield func(string, error) bool) {
	p := g.p
	fail := func(reason FinishReason, err error) {
		g.reason, g.err = reason, err
		yield("", err)
	}

	tok, err := g.prefill()
	if err != nil {
		p.invalidate()
		fail(FinishError, err)
		return
	}

	for {
		if slices.Contains(g.stop, tok) {
			p.next = tok
			g.reason = FinishStopToken
			return
		}
		g.out = append(g.out, tok)
		p.next = tok
		metrics.TokensGenerated.Inc()

		frag, err := g.dec.Next(tok)
		if err != nil {
			fail(FinishError, fmt.Errorf("decode token %d: %w", tok, err))
			return
		}
		g.text.WriteString(frag)
		if len(g.out) == 1 {
			g.stats.TimeToFirstToken = time.Since(g.started)
			metrics.TimeToFirstToken.Observe(g.stats.TimeToFirstToken.Seconds())
		}
		matched := g.matchStop()
		if !yield(frag, nil) {
			g.reason = FinishAbandoned
			return
		}
		if matched {
			g.reason = FinishStopSequence
			return
		}
		if len(g.out) >= g.max {
			g.reason = FinishLength
			return
		}
		if err := g.ctx.Err(); err != nil {
			fail(FinishCancelled, err)
			return
		}

		if tok, err = p.decode(g.ctx, g.w, g, tok); err != nil {
			p.invalidate()
			if g.ctx.Err() != nil {
				fail(FinishCancelled, err)
			} else {
				fail(FinishError, err)
			}
			return
		}
	}
}

// prefill reuses the longest cached prefix of the prompt and computes the
// rest.
func (g *Generation) prefill() (int, error) {
	p := g.p
	start := time.Now()
	startPos := p.reuse(g.ids)
	g.stats.PrefillTokens = len(g.ids) - startPos
	tok, err := p.prefill(g.ctx, g.w, g.ids[startPos:], startPos, g.sampler, g.stop)
	if err != nil {
		return 0, err
	}
	g.stats.Prefill = time.Since(start)
	metrics.PrefillLatency.Observe(g.stats.Prefill.Seconds())
	p.log.Debug("prefill done",
		"prompt_tokens", len(g.ids),
		"reused", startPos,
		"duration", g.stats.Prefill)
	return tok, nil
}

// reuse keeps the cached positions shared with ids and returns how many
// were kept. At least one id is always left to compute, and caches that
// have evicted positions are cleared.
func (p *Pipeline) reuse(ids []int) int {
	p.next = -1
	n := 0
	for n < len(p.tokens) && n < len(ids) && p.tokens[n] == ids[n] {
		n++
	}
	if n == len(ids) {
		n--
	}
	for l := range p.cfg.NumLayers {
		if p.cache.LayerStart(l) > 0 {
			n = 0
			break
		}
	}
	if n <= 0 {
		p.cache.Clear()
		p.tokens = p.tokens[:0]
		return 0
	}
	p.cache.Truncate(n)
	p.tokens = p.tokens[:n]
	return n
}

func (g *Generation) matchStop() bool {
	text := g.text.String()
	for _, s := range g.seqs {
		if strings.HasSuffix(text, s) {
			g.matched = s
			return true
		}
	}
	return false
}

func (g *Generation) finish() {
	g.once.Do(func() {
		p := g.p
		if rest := g.dec.Flush(); rest != "" {
			g.text.WriteString(rest)
		}
		g.stats.GeneratedTokens = len(g.out)
		g.stats.FinishReason = g.reason
		g.stats.finish()
		metrics.Generations.WithLabelValues(string(g.reason)).Inc()
		metrics.GenerationsActive.Dec()
		p.log.Info("generation finished",
			"reason", g.reason,
			"prompt_tokens", g.stats.PromptTokens,
			"generated", g.stats.GeneratedTokens,
			"ttft", g.stats.TimeToFirstToken,
			"tok_per_sec", g.stats.TokensPerSecond,
			"fused_steps", g.stats.FusedSteps,
			"fallback_steps", g.stats.FallbackSteps,
			"sync_per_step", g.stats.SyncPointsPerStep())
		p.end(&g.stats)
	})
}
