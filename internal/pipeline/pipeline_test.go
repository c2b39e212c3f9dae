package pipeline

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/clocksmith/doppler/internal/dtype"
	"github.com/clocksmith/doppler/internal/gpu"
	"github.com/clocksmith/doppler/internal/kernels"
	"github.com/clocksmith/doppler/internal/kvcache"
	"github.com/clocksmith/doppler/internal/model"
	"github.com/clocksmith/doppler/internal/sampling"
	"github.com/clocksmith/doppler/internal/tokenizer"
)

const prompt = "the quick brown fox"

// plainTokenizer hides the byte tokenizer's special ids so that only
// configured stop tokens end a generation.
type plainTokenizer struct{ tokenizer.Tokenizer }

type harness struct {
	dev     *gpu.HostDevice
	pool    *gpu.BufferPool
	k       *kernels.Reference
	cfg     model.Config
	p       *Pipeline
	weights *model.Weights
}

func contiguous(cfg model.Config) kvcache.Options {
	return kvcache.Options{
		NumLayers: kvcache.Ptr(cfg.NumLayers),
		NumHeads:  kvcache.Ptr(cfg.NumKVHeads),
		HeadDim:   kvcache.Ptr(cfg.HeadDim),
		MaxSeqLen: kvcache.Ptr(128),
		UseGPU:    kvcache.Ptr(true),
		Layout:    kvcache.Ptr(kvcache.LayoutContiguous),
		PageSize:  kvcache.Ptr(16),
		DType:     kvcache.Ptr(dtype.F32),
	}
}

func newHarness(t *testing.T, opts Options, cacheOpts func(*kvcache.Options)) *harness {
	t.Helper()
	dev := gpu.NewHostDevice(gpu.HostOptions{Name: "test", ComputeGFLOPS: 400, BandwidthGBps: 40})
	t.Cleanup(func() { _ = dev.Close() })
	pool := gpu.NewBufferPool(dev)
	k := kernels.NewReference(pool, kernels.ReferenceOptions{Workers: 1})

	cfg := model.SyntheticConfig(tokenizer.ByteVocabSize)
	w, err := model.Upload(dev, model.Synthetic(cfg, 7), dtype.F32)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	co := contiguous(cfg)
	if cacheOpts != nil {
		cacheOpts(&co)
	}
	cache, err := kvcache.NewFromOptions(dev, pool, co, k, nil)
	if err != nil {
		w.Release()
		t.Fatalf("NewFromOptions: %v", err)
	}

	p := New(dev, pool, k, opts, nil)
	if err := p.Load(cfg, w, cache, plainTokenizer{&tokenizer.ByteTokenizer{}}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	t.Cleanup(func() { _ = p.Unload() })
	return &harness{dev: dev, pool: pool, k: k, cfg: cfg, p: p, weights: w}
}

func greedy(n int) GenerateOptions {
	return GenerateOptions{MaxTokens: n, Sampling: sampling.Config{Temperature: 0, TopK: 1}}
}

func (h *harness) generate(t *testing.T, text string, opts GenerateOptions) *Generation {
	t.Helper()
	g, err := h.p.Generate(context.Background(), text, opts)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := g.Collect(); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return g
}

func promptIDs(t *testing.T) []int {
	t.Helper()
	ids, err := (&tokenizer.ByteTokenizer{}).Encode(prompt)
	if err != nil {
		t.Fatal(err)
	}
	return ids
}

func TestGenerateGreedyFused(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{}, nil)

	g := h.generate(t, prompt, greedy(6))
	if g.Reason() != FinishLength {
		t.Fatalf("reason = %q, want %q", g.Reason(), FinishLength)
	}
	out := g.Tokens()
	if len(out) != 6 {
		t.Fatalf("generated %d tokens, want 6", len(out))
	}
	st := g.Stats()
	if st.FusedSteps != 5 || st.FallbackSteps != 0 {
		t.Fatalf("steps fused=%d fallback=%d, want 5/0", st.FusedSteps, st.FallbackSteps)
	}
	if st.DecodeSyncPoints != st.FusedSteps {
		t.Fatalf("sync points = %d, want one per fused step (%d)", st.DecodeSyncPoints, st.FusedSteps)
	}
	if st.PromptTokens != len(prompt) || st.PrefillTokens != len(prompt) {
		t.Fatalf("prompt stats = %d/%d", st.PromptTokens, st.PrefillTokens)
	}
	if h.p.State() != StateIdle {
		t.Fatalf("state = %s, want idle", h.p.State())
	}
	if diff := cmp.Diff(st, h.p.Stats()); diff != "" {
		t.Fatalf("pipeline stats differ (-gen +pipeline):\n%s", diff)
	}

	want := append(promptIDs(t), out[:len(out)-1]...)
	if diff := cmp.Diff(want, h.p.Tokens()); diff != "" {
		t.Fatalf("cached tokens (-want +got):\n%s", diff)
	}
	if got := h.p.Cache().SeqLen(); got != len(want) {
		t.Fatalf("cache SeqLen = %d, want %d", got, len(want))
	}
}

func TestFusedMatchesFallback(t *testing.T) {
	t.Parallel()
	fused := newHarness(t, Options{}, nil)
	debug := newHarness(t, Options{Debug: true}, nil)

	a := fused.generate(t, prompt, greedy(8))
	b := debug.generate(t, prompt, greedy(8))
	if diff := cmp.Diff(a.Tokens(), b.Tokens()); diff != "" {
		t.Fatalf("fused and fallback disagree (-fused +fallback):\n%s", diff)
	}
	st := b.Stats()
	if st.FusedSteps != 0 || st.FallbackSteps != 7 {
		t.Fatalf("debug steps fused=%d fallback=%d", st.FusedSteps, st.FallbackSteps)
	}
	if st.SyncPointsPerStep() <= a.Stats().SyncPointsPerStep() {
		t.Fatalf("fallback sync/step %.1f not above fused %.1f", st.SyncPointsPerStep(), a.Stats().SyncPointsPerStep())
	}
}

func TestDecodePaths(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name         string
		opts         Options
		sampling     sampling.Config
		wantFused    bool
		wantFallback bool
	}{
		{name: "greedy", sampling: sampling.Config{Temperature: 0.005}, wantFused: true},
		{name: "device sampling", sampling: sampling.Config{Temperature: 0.8, TopK: 20, Seed: 3}, wantFused: true},
		{name: "min p", sampling: sampling.Config{Temperature: 0.8, MinP: 0.05, Seed: 3}, wantFallback: true},
		{name: "penalty", sampling: sampling.Config{Temperature: 0, RepeatPenalty: 1.3}, wantFallback: true},
		{name: "penalty skipped", opts: Options{AllowFusedPenaltySkip: true}, sampling: sampling.Config{Temperature: 0, RepeatPenalty: 1.3}, wantFused: true},
		{name: "unbatched prefill", opts: Options{BatchPrefill: new(bool)}, sampling: sampling.Config{Temperature: 0}, wantFused: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, tt.opts, nil)
			g := h.generate(t, prompt, GenerateOptions{MaxTokens: 4, Sampling: tt.sampling})
			st := g.Stats()
			if got := st.FusedSteps > 0; got != tt.wantFused {
				t.Fatalf("fused steps = %d, want fused %v", st.FusedSteps, tt.wantFused)
			}
			if got := st.FallbackSteps > 0; got != tt.wantFallback {
				t.Fatalf("fallback steps = %d, want fallback %v", st.FallbackSteps, tt.wantFallback)
			}
		})
	}
}

func TestSeededSamplingIsDeterministic(t *testing.T) {
	t.Parallel()
	opts := GenerateOptions{MaxTokens: 8, Sampling: sampling.Config{Temperature: 0.9, TopK: 50, TopP: 0.95, Seed: 42}}
	a := newHarness(t, Options{}, nil).generate(t, prompt, opts)
	b := newHarness(t, Options{}, nil).generate(t, prompt, opts)
	if diff := cmp.Diff(a.Tokens(), b.Tokens()); diff != "" {
		t.Fatalf("same seed, different tokens (-a +b):\n%s", diff)
	}
}

func TestPrefixReuse(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{}, nil)
	first := h.generate(t, prompt, greedy(5))

	second := h.generate(t, prompt, greedy(5))
	if got := second.Stats().PrefillTokens; got != 1 {
		t.Fatalf("PrefillTokens = %d, want 1", got)
	}
	if diff := cmp.Diff(first.Tokens(), second.Tokens()); diff != "" {
		t.Fatalf("reused prefix changed output (-first +second):\n%s", diff)
	}

	third := h.generate(t, "the quick red fox", greedy(2))
	if got, want := third.Stats().PrefillTokens, len("red fox"); got != want {
		t.Fatalf("PrefillTokens = %d, want %d", got, want)
	}

	if err := h.p.Reset(); err != nil {
		t.Fatal(err)
	}
	if h.p.Cache().SeqLen() != 0 || len(h.p.Tokens()) != 0 {
		t.Fatal("Reset left cached state")
	}
}

func TestStopConditions(t *testing.T) {
	t.Parallel()
	ref := newHarness(t, Options{}, nil)
	g, err := ref.p.Generate(context.Background(), prompt, greedy(10))
	if err != nil {
		t.Fatal(err)
	}
	var frags []string
	for frag, err := range g.Fragments() {
		if err != nil {
			t.Fatal(err)
		}
		frags = append(frags, frag)
	}
	tokens := g.Tokens()

	t.Run("stop token", func(t *testing.T) {
		t.Parallel()
		stop := tokens[3]
		h := newHarness(t, Options{}, nil)
		opts := greedy(10)
		opts.StopTokens = []int{stop}
		got := h.generate(t, prompt, opts)
		if got.Reason() != FinishStopToken {
			t.Fatalf("reason = %q", got.Reason())
		}
		want := tokens[:slices.Index(tokens, stop)]
		if diff := cmp.Diff(want, got.Tokens(), cmpopts.EquateEmpty()); diff != "" {
			t.Fatalf("tokens (-want +got):\n%s", diff)
		}
	})

	t.Run("stop sequence", func(t *testing.T) {
		t.Parallel()
		j := slices.IndexFunc(frags, func(s string) bool { return s != "" })
		if j < 0 {
			t.Skip("no printable fragment")
		}
		var seq string
		for _, f := range frags[:j+1] {
			seq += f
		}
		h := newHarness(t, Options{}, nil)
		opts := greedy(10)
		opts.StopSequences = []string{seq}
		got := h.generate(t, prompt, opts)
		if got.Reason() != FinishStopSequence {
			t.Fatalf("reason = %q", got.Reason())
		}
		if len(got.Tokens()) != j+1 {
			t.Fatalf("generated %d tokens, want %d", len(got.Tokens()), j+1)
		}
		if got.Text() != "" {
			t.Fatalf("Text = %q, want stop sequence trimmed", got.Text())
		}
	})

	t.Run("abandoned", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Options{}, nil)
		g, err := h.p.Generate(context.Background(), prompt, greedy(10))
		if err != nil {
			t.Fatal(err)
		}
		for range g.Fragments() {
			break
		}
		if g.Reason() != FinishAbandoned || len(g.Tokens()) != 1 {
			t.Fatalf("reason = %q after %d tokens", g.Reason(), len(g.Tokens()))
		}
		if h.p.State() != StateIdle {
			t.Fatalf("state = %s after break", h.p.State())
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Options{}, nil)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		g, err := h.p.Generate(ctx, prompt, greedy(10))
		if err != nil {
			t.Fatal(err)
		}
		var last error
		n := 0
		for _, err := range g.Fragments() {
			if err != nil {
				last = err
				continue
			}
			n++
			cancel()
		}
		if !errors.Is(last, context.Canceled) {
			t.Fatalf("final error = %v, want context.Canceled", last)
		}
		if n != 1 || g.Reason() != FinishCancelled {
			t.Fatalf("got %d fragments, reason %q", n, g.Reason())
		}
	})
}

func TestGenerateErrors(t *testing.T) {
	t.Parallel()

	t.Run("not loaded", func(t *testing.T) {
		t.Parallel()
		dev := gpu.NewHostDevice(gpu.HostOptions{Name: "test"})
		t.Cleanup(func() { _ = dev.Close() })
		pool := gpu.NewBufferPool(dev)
		p := New(dev, pool, kernels.NewReference(pool, kernels.ReferenceOptions{}), Options{}, nil)
		if _, err := p.Generate(context.Background(), prompt, GenerateOptions{}); !errors.Is(err, ErrNotLoaded) {
			t.Fatalf("error = %v, want ErrNotLoaded", err)
		}
		if _, err := p.VerifyDraft(context.Background(), nil); !errors.Is(err, ErrNotLoaded) {
			t.Fatalf("VerifyDraft error = %v, want ErrNotLoaded", err)
		}
	})

	t.Run("in progress", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Options{}, nil)
		g, err := h.p.Generate(context.Background(), prompt, greedy(2))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := h.p.Generate(context.Background(), prompt, greedy(2)); !errors.Is(err, ErrGenerationInProgress) {
			t.Fatalf("error = %v, want ErrGenerationInProgress", err)
		}
		if err := h.p.Reset(); !errors.Is(err, ErrGenerationInProgress) {
			t.Fatalf("Reset error = %v", err)
		}
		g.Close()
		if g.Reason() != FinishAbandoned {
			t.Fatalf("reason = %q", g.Reason())
		}
		h.generate(t, prompt, greedy(2))
	})

	t.Run("not restartable", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Options{}, nil)
		g := h.generate(t, prompt, greedy(2))
		for _, err := range g.Fragments() {
			if !errors.Is(err, ErrNotRestartable) {
				t.Fatalf("error = %v, want ErrNotRestartable", err)
			}
		}
	})

	t.Run("empty prompt", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Options{}, nil)
		if _, err := h.p.Generate(context.Background(), "", greedy(2)); !errors.Is(err, ErrEmptyPrompt) {
			t.Fatalf("error = %v, want ErrEmptyPrompt", err)
		}
		if h.p.State() != StateIdle {
			t.Fatalf("state = %s", h.p.State())
		}
	})

	t.Run("missing weight", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Options{}, nil)
		h.weights.Drop(model.LayerWeight(1, model.VProj))
		before := h.dev.Counters()
		if _, err := h.p.Generate(context.Background(), prompt, greedy(2)); !errors.Is(err, ErrMissingWeight) {
			t.Fatalf("error = %v, want ErrMissingWeight", err)
		}
		if d := h.dev.Counters().Sub(before); d.Submissions != 0 || d.SyncPoints != 0 {
			t.Fatalf("device work before failure: %+v", d)
		}
	})

	t.Run("no pending token", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Options{}, nil)
		if _, err := h.p.VerifyDraft(context.Background(), []int{1}); !errors.Is(err, ErrNoPendingToken) {
			t.Fatalf("error = %v, want ErrNoPendingToken", err)
		}
	})
}

func TestLoadRejectsIncompatibleCache(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		modify func(*kvcache.Options)
	}{
		{name: "head count", modify: func(o *kvcache.Options) { o.NumHeads = kvcache.Ptr(4) }},
		{name: "layers", modify: func(o *kvcache.Options) { o.NumLayers = kvcache.Ptr(3) }},
		{name: "host resident", modify: func(o *kvcache.Options) { o.UseGPU = kvcache.Ptr(false) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dev := gpu.NewHostDevice(gpu.HostOptions{Name: "test"})
			t.Cleanup(func() { _ = dev.Close() })
			pool := gpu.NewBufferPool(dev)
			k := kernels.NewReference(pool, kernels.ReferenceOptions{})
			cfg := model.SyntheticConfig(tokenizer.ByteVocabSize)
			o := contiguous(cfg)
			tt.modify(&o)
			cache, err := kvcache.NewFromOptions(dev, pool, o, k, nil)
			if err != nil {
				t.Fatal(err)
			}
			defer cache.Release()
			w, err := model.Upload(dev, model.Synthetic(cfg, 1), dtype.F32)
			if err != nil {
				t.Fatal(err)
			}
			defer w.Release()
			p := New(dev, pool, k, Options{}, nil)
			if err := p.Load(cfg, w, cache, &tokenizer.ByteTokenizer{}); !errors.Is(err, ErrIncompatibleCache) {
				t.Fatalf("error = %v, want ErrIncompatibleCache", err)
			}
			if p.State() != StateUnloaded {
				t.Fatalf("state = %s", p.State())
			}
		})
	}
}

func TestDebugLayerCheckpoints(t *testing.T) {
	t.Parallel()
	type hit struct {
		phase string
		layer int
		size  int
	}
	var hits []hit
	opts := Options{DebugLayers: []int{0}, OnCheckpoint: func(phase string, layer int, hidden []float32) {
		hits = append(hits, hit{phase, layer, len(hidden)})
	}}
	h := newHarness(t, opts, nil)
	plain := newHarness(t, Options{}, nil)

	a := h.generate(t, prompt, greedy(3))
	b := plain.generate(t, prompt, greedy(3))
	if diff := cmp.Diff(b.Tokens(), a.Tokens()); diff != "" {
		t.Fatalf("checkpoints changed output (-plain +checkpointed):\n%s", diff)
	}
	want := []hit{{"prefill", 0, len(prompt) * h.cfg.HiddenSize}}
	if diff := cmp.Diff(want, hits, cmp.AllowUnexported(hit{})); diff != "" {
		t.Fatalf("checkpoints (-want +got):\n%s", diff)
	}
}

// Readback policy is process wide, so this test does not run in parallel.
func TestReadbackDisallowed(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	prev := gpu.SetAllowReadback(false)
	defer gpu.SetAllowReadback(prev)

	before := h.dev.Counters()
	if _, err := h.p.Generate(context.Background(), prompt, greedy(2)); !errors.Is(err, gpu.ErrReadbackDisallowed) {
		t.Fatalf("error = %v, want ErrReadbackDisallowed", err)
	}
	if d := h.dev.Counters().Sub(before); d.Submissions != 0 {
		t.Fatalf("submissions = %d", d.Submissions)
	}
	if h.p.State() != StateIdle {
		t.Fatalf("state = %s", h.p.State())
	}
}

func TestVerifyDraftAndRestore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ref := newHarness(t, Options{}, nil).generate(t, prompt, greedy(6)).Tokens()

	h := newHarness(t, Options{}, nil)
	h.generate(t, prompt, greedy(2))
	cp, err := h.p.Checkpoint(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer cp.Release()
	before, err := kvcache.Fingerprint(ctx, h.p.Cache())
	if err != nil {
		t.Fatal(err)
	}

	wrong := (ref[2] + 1) % h.cfg.VocabSize
	res, err := h.p.VerifyDraft(ctx, []int{wrong, ref[3]})
	if err != nil {
		t.Fatal(err)
	}
	if res.Accepted != 0 || res.Next != ref[2] {
		t.Fatalf("rejected draft = %+v, want accepted 0 next %d", res, ref[2])
	}
	if got, want := h.p.Cache().SeqLen(), len(h.p.Tokens()); got != want {
		t.Fatalf("cache SeqLen = %d, tokens = %d", got, want)
	}

	if err := h.p.Restore(ctx, cp); err != nil {
		t.Fatal(err)
	}
	after, err := kvcache.Fingerprint(ctx, h.p.Cache())
	if err != nil {
		t.Fatal(err)
	}
	if before != after {
		t.Fatalf("fingerprint after restore %x, want %x", after, before)
	}
	if diff := cmp.Diff(cp.Tokens(), h.p.Tokens()); diff != "" {
		t.Fatalf("restored tokens (-want +got):\n%s", diff)
	}

	res, err = h.p.VerifyDraft(ctx, ref[2:5])
	if err != nil {
		t.Fatal(err)
	}
	if res.Accepted != 3 || res.Next != ref[5] {
		t.Fatalf("accepted draft = %+v, want accepted 3 next %d", res, ref[5])
	}
	want := append(promptIDs(t), ref[:5]...)
	if diff := cmp.Diff(want, h.p.Tokens()); diff != "" {
		t.Fatalf("tokens after verify (-want +got):\n%s", diff)
	}
	if got := h.p.Cache().SeqLen(); got != len(want) {
		t.Fatalf("cache SeqLen = %d, want %d", got, len(want))
	}
}

func TestCacheLayouts(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		modify func(*kvcache.Options)
	}{
		{name: "paged", modify: func(o *kvcache.Options) {
			o.Layout = kvcache.Ptr(kvcache.LayoutPaged)
			o.PageSize = kvcache.Ptr(4)
		}},
		{name: "sliding", modify: func(o *kvcache.Options) { o.WindowSize = kvcache.Ptr(8) }},
		{name: "tiered int8", modify: func(o *kvcache.Options) {
			o.Layout = kvcache.Ptr(kvcache.LayoutTiered)
			o.DType = kvcache.Ptr(dtype.F16)
			o.Tiering = &kvcache.TieringOptions{
				HotWindow:   kvcache.Ptr(8),
				Compression: kvcache.Ptr(kvcache.CompressionInt8),
				Gating:      kvcache.Ptr(kvcache.GatingForceOn),
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, Options{}, tt.modify)
			g := h.generate(t, prompt, greedy(6))
			if len(g.Tokens()) != 6 {
				t.Fatalf("generated %d tokens", len(g.Tokens()))
			}
			c := h.p.Cache()
			if got := c.TotalTokensSeen(); got != len(prompt)+5 {
				t.Fatalf("TotalTokensSeen = %d, want %d", got, len(prompt)+5)
			}
			// A second prompt must still work after eviction or compression.
			h.generate(t, "jumps over", greedy(2))
		})
	}
}

func TestTieredDraftRollback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Options{}, func(o *kvcache.Options) {
		o.Layout = kvcache.Ptr(kvcache.LayoutTiered)
		o.DType = kvcache.Ptr(dtype.F16)
		o.Tiering = &kvcache.TieringOptions{
			HotWindow:   kvcache.Ptr(4),
			Compression: kvcache.Ptr(kvcache.CompressionNone),
			Gating:      kvcache.Ptr(kvcache.GatingForceOff),
		}
	})
	h.generate(t, prompt, greedy(2))
	cp, err := h.p.Checkpoint(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer cp.Release()

	verify := func(draft []int) VerifyResult {
		t.Helper()
		res, err := h.p.VerifyDraft(ctx, draft)
		if err != nil {
			t.Fatalf("VerifyDraft(%v): %v", draft, err)
		}
		return res
	}
	restore := func() {
		t.Helper()
		if err := h.p.Restore(ctx, cp); err != nil {
			t.Fatalf("Restore: %v", err)
		}
	}
	fingerprint := func() uint64 {
		t.Helper()
		fp, err := kvcache.Fingerprint(ctx, h.p.Cache())
		if err != nil {
			t.Fatal(err)
		}
		return fp
	}
	checkHot := func() {
		t.Helper()
		tc := h.p.Cache().(*kvcache.Tiered)
		for l := range h.cfg.NumLayers {
			if got, want := tc.HotSeqLen(l), min(tc.SeqLen(), tc.HotWindow()); got != want {
				t.Fatalf("layer %d: hot length %d, want %d", l, got, want)
			}
		}
	}

	// Accept one model token, then take one more step.
	first := verify(nil).Next
	restore()
	accepted := verify([]int{first})
	if accepted.Accepted != 1 {
		t.Fatalf("own prediction rejected: %+v", accepted)
	}
	wantFP := fingerprint()
	wantTokens := h.p.Tokens()
	wantNext := verify(nil).Next

	// The same token followed by a rejected tail must roll back to the same
	// state, and the next step must agree.
	restore()
	wrong := (accepted.Next + 1) % h.cfg.VocabSize
	res := verify([]int{first, wrong, wrong, wrong})
	if res.Accepted != 1 || res.Next != accepted.Next {
		t.Fatalf("draft with rejected tail = %+v, want accepted 1 next %d", res, accepted.Next)
	}
	checkHot()
	if got := fingerprint(); got != wantFP {
		t.Fatalf("fingerprint after rollback %x, want %x", got, wantFP)
	}
	if diff := cmp.Diff(wantTokens, h.p.Tokens()); diff != "" {
		t.Fatalf("tokens after rollback (-want +got):\n%s", diff)
	}
	if got := verify(nil).Next; got != wantNext {
		t.Fatalf("step after rollback = %d, want %d", got, wantNext)
	}
	checkHot()
	if got, want := h.p.Cache().SeqLen(), len(h.p.Tokens()); got != want {
		t.Fatalf("cache SeqLen = %d, tokens = %d", got, want)
	}
}
