package gpu

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Encoder accumulates commands for a Recorder. Range errors are latched and
// reported by Submit so that recording code can stay linear.
type Encoder struct {
	cmds []Command
	err  error
}

// CopyBufferToBuffer records a device-to-device byte range copy.
func (e *Encoder) CopyBufferToBuffer(src *Buffer, srcOffset int, dst *Buffer, dstOffset int, size int) {
	if e.err != nil || size == 0 {
		return
	}
	if err := checkRange(src, srcOffset, size); err != nil {
		e.err = fmt.Errorf("copy source: %w", err)
		return
	}
	if err := checkRange(dst, dstOffset, size); err != nil {
		e.err = fmt.Errorf("copy destination: %w", err)
		return
	}
	e.cmds = append(e.cmds, Command{
		Kind:      CommandCopy,
		Label:     "copy:" + src.label + "->" + dst.label,
		Src:       src,
		Dst:       dst,
		SrcOffset: srcOffset,
		DstOffset: dstOffset,
		Size:      size,
	})
}

// WriteBuffer records a host-to-device write ordered with the other commands
// of this encoder. data is copied.
func (e *Encoder) WriteBuffer(dst *Buffer, offset int, data []byte) {
	if e.err != nil || len(data) == 0 {
		return
	}
	if err := checkRange(dst, offset, len(data)); err != nil {
		e.err = fmt.Errorf("write: %w", err)
		return
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	e.cmds = append(e.cmds, Command{Kind: CommandWrite, Label: "write:" + dst.label, Dst: dst, DstOffset: offset, Size: len(cp), Data: cp})
}

// Dispatch records a kernel. exec runs on the device queue.
func (e *Encoder) Dispatch(label string, exec func() error) {
	if e.err != nil {
		return
	}
	e.cmds = append(e.cmds, Command{Kind: CommandDispatch, Label: label, Exec: exec})
}

// Fail latches err so that the owning recorder refuses to submit.
func (e *Encoder) Fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

// Len returns the number of recorded commands.
func (e *Encoder) Len() int { return len(e.cmds) }

// Err returns the first recording error.
func (e *Encoder) Err() error { return e.err }

// Recorder batches commands into one submission and owns the temporary
// buffers created while recording. Temporaries are returned to the pool
// exactly once, after the device reports the submission complete.
type Recorder struct {
	dev     Device
	pool    *BufferPool
	label   string
	profile bool

	enc       Encoder
	temps     []*Buffer
	submitted bool

	mu      sync.Mutex
	timings []OpTiming
	doneErr error
	done    chan struct{}
}

// NewRecorder creates a recorder. pool may be nil, in which case tracked
// temporaries are destroyed on completion.
func NewRecorder(dev Device, pool *BufferPool, label string) *Recorder {
	return &Recorder{dev: dev, pool: pool, label: label, done: make(chan struct{})}
}

// NewProfilingRecorder creates a recorder that measures every command.
// Timings are available after the submission completes.
func NewProfilingRecorder(dev Device, pool *BufferPool, label string) *Recorder {
	r := NewRecorder(dev, pool, label)
	r.profile = true
	return r
}

func (r *Recorder) Device() Device        { return r.dev }
func (r *Recorder) Pool() *BufferPool     { return r.pool }
func (r *Recorder) Label() string         { return r.label }
func (r *Recorder) Encoder() *Encoder     { return &r.enc }
func (r *Recorder) Submitted() bool       { return r.submitted }
func (r *Recorder) TempCount() int        { return len(r.temps) }
func (r *Recorder) CommandCount() int     { return r.enc.Len() }
func (r *Recorder) IsProfiling() bool     { return r.profile }
func (r *Recorder) Done() <-chan struct{} { return r.done }

// TrackTemporaryBuffer hands ownership of buf to the recorder.
func (r *Recorder) TrackTemporaryBuffer(buf *Buffer) {
	if buf == nil {
		return
	}
	if r.submitted {
		// Too late to defer behind this submission; release behind whatever
		// is queued now.
		r.releaseAfterQueue([]*Buffer{buf})
		return
	}
	r.temps = append(r.temps, buf)
}

// Acquire takes a buffer from the pool (or the device when there is no pool)
// and tracks it as a temporary.
func (r *Recorder) Acquire(size int, usage BufferUsage, label string) (*Buffer, error) {
	var (
		buf *Buffer
		err error
	)
	if r.pool != nil {
		buf, err = r.pool.Acquire(size, usage, label)
	} else {
		buf, err = r.dev.CreateBuffer(size, usage, label)
	}
	if err != nil {
		return nil, err
	}
	r.TrackTemporaryBuffer(buf)
	return buf, nil
}

// Submit queues the recorded commands without waiting. A recording error
// aborts the submission; temporaries are still released.
func (r *Recorder) Submit() error {
	if r.submitted {
		return ErrAlreadySubmitted
	}
	r.submitted = true
	if err := r.enc.err; err != nil {
		r.abort(err)
		return fmt.Errorf("recorder %q: %w", r.label, err)
	}
	temps := r.temps
	r.temps = nil
	err := r.dev.Submit(Submission{
		Label:    r.label,
		Commands: r.enc.cmds,
		Profile:  r.profile,
		Done: func(res SubmitResult) {
			r.release(temps)
			r.finish(res.Timings, res.Err)
		},
	})
	r.enc.cmds = nil
	if err != nil {
		r.release(temps)
		r.finish(nil, err)
		return fmt.Errorf("recorder %q: %w", r.label, err)
	}
	return nil
}

// SubmitAndWait submits and blocks until the device has executed the
// submission. This is a host/device synchronization point.
func (r *Recorder) SubmitAndWait(ctx context.Context) error {
	if err := r.Submit(); err != nil {
		return err
	}
	return r.Wait(ctx)
}

// Wait blocks until a submitted recorder has completed and returns its
// execution error.
func (r *Recorder) Wait(ctx context.Context) error {
	if !r.submitted {
		return fmt.Errorf("recorder %q: wait before submit", r.label)
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.doneErr != nil {
		return fmt.Errorf("recorder %q: %w", r.label, r.doneErr)
	}
	return nil
}

// Abort discards recorded commands and releases temporaries once previously
// queued work has drained. Abort after Submit is a no-op.
func (r *Recorder) Abort() {
	if r.submitted {
		return
	}
	r.submitted = true
	r.abort(errors.New("aborted"))
}

func (r *Recorder) abort(err error) {
	r.enc.cmds = nil
	temps := r.temps
	r.temps = nil
	r.releaseAfterQueue(temps)
	r.finish(nil, err)
}

// Timings returns per-command timings of a completed profiling recorder.
func (r *Recorder) Timings() []OpTiming {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]OpTiming(nil), r.timings...)
}

func (r *Recorder) releaseAfterQueue(bufs []*Buffer) {
	if len(bufs) == 0 {
		return
	}
	err := r.dev.Submit(Submission{Label: r.label + ":release", Done: func(SubmitResult) { r.release(bufs) }})
	if err != nil {
		r.release(bufs)
	}
}

func (r *Recorder) release(bufs []*Buffer) {
	for _, b := range bufs {
		if r.pool != nil {
			r.pool.Release(b)
		} else {
			r.dev.DestroyBuffer(b)
		}
	}
}

func (r *Recorder) finish(timings []OpTiming, err error) {
	r.mu.Lock()
	r.timings = timings
	r.doneErr = err
	r.mu.Unlock()
	close(r.done)
}
