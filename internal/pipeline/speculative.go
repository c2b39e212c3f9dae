package pipeline

import (
	"context"
	"fmt"
	"slices"

	"github.com/clocksmith/doppler/internal/gpu"
	"github.com/clocksmith/doppler/internal/kvcache"
	"github.com/clocksmith/doppler/internal/sampling"
)

// VerifyResult reports how much of a draft the model agreed with.
type VerifyResult struct {
	// Accepted is the length of the accepted draft prefix.
	Accepted int
	// Next is the model's own token after the accepted prefix. It becomes
	// the pending token.
	Next int
	// Predicted holds the greedy prediction after each fed position.
	Predicted []int
}

// VerifyDraft feeds the pending token followed by draft in one pass and
// accepts the longest draft prefix matching the greedy predictions. The
// cache is truncated back to the accepted positions.
func (p *Pipeline) VerifyDraft(ctx context.Context, draft []int) (VerifyResult, error) {
	if err := p.begin(); err != nil {
		return VerifyResult{}, err
	}
	defer p.end(nil)
	if p.next < 0 {
		return VerifyResult{}, ErrNoPendingToken
	}
	if !gpu.AllowReadback() {
		return VerifyResult{}, fmt.Errorf("verify: %w", gpu.ErrReadbackDisallowed)
	}
	w, err := p.resolve()
	if err != nil {
		return VerifyResult{}, err
	}

	pos := len(p.tokens)
	ids := append([]int{p.next}, draft...)
	preds, err := p.verify(ctx, w, ids, pos)
	if err != nil {
		p.invalidate()
		return VerifyResult{}, err
	}

	a := 0
	for a < len(draft) && preds[a] == draft[a] {
		a++
	}
	p.cache.Truncate(pos + 1 + a)
	p.tokens = append(p.tokens, ids[:1+a]...)
	p.next = preds[a]
	p.log.Debug("draft verified", "draft", len(draft), "accepted", a, "position", pos)
	return VerifyResult{Accepted: a, Next: preds[a], Predicted: preds}, nil
}

// verify runs ids at pos and returns the argmax of every row.
func (p *Pipeline) verify(ctx context.Context, w *resolved, ids []int, pos int) ([]int, error) {
	rec := p.newRecorder("verify")
	defer func() { rec.Abort() }()

	rec, x, err := p.forward(ctx, rec, w, ids, pos, "verify", func(int) split { return splitNone })
	if err != nil {
		return nil, err
	}
	logits, err := p.logits(rec, w, x, false)
	if err != nil {
		return nil, err
	}
	host, err := p.submitAndReadLogits(ctx, rec, logits)
	if err != nil {
		return nil, err
	}
	vocab := p.cfg.VocabSize
	preds := make([]int, len(ids))
	for j := range preds {
		preds[j] = sampling.Argmax(host[j*vocab : (j+1)*vocab])
	}
	return preds, nil
}

// Checkpoint is a saved cache state with its token history.
type Checkpoint struct {
	cache  kvcache.Cache
	tokens []int
	next   int
}

// Tokens are the ids held by the saved cache.
func (c *Checkpoint) Tokens() []int { return slices.Clone(c.tokens) }

// Cache is the saved copy. It stays owned by the checkpoint.
func (c *Checkpoint) Cache() kvcache.Cache { return c.cache }

// Release frees the saved copy.
func (c *Checkpoint) Release() {
	if c.cache != nil {
		c.cache.Release()
		c.cache = nil
	}
}

// Checkpoint clones the cache and token history.
func (p *Pipeline) Checkpoint(ctx context.Context) (*Checkpoint, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.end(nil)
	c, err := p.cache.Clone(ctx)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	return &Checkpoint{cache: c, tokens: slices.Clone(p.tokens), next: p.next}, nil
}

// Restore replaces the cache contents and token history with cp.
func (p *Pipeline) Restore(ctx context.Context, cp *Checkpoint) error {
	if err := p.begin(); err != nil {
		return err
	}
	defer p.end(nil)
	if cp == nil || cp.cache == nil {
		return fmt.Errorf("restore: checkpoint released")
	}
	if err := kvcache.CopyInto(ctx, p.cache, cp.cache); err != nil {
		p.invalidate()
		return fmt.Errorf("restore: %w", err)
	}
	p.tokens, p.next = slices.Clone(cp.tokens), cp.next
	return nil
}
