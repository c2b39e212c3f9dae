package gpu

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/cpu"
)

// HostOptions configures a HostDevice. Zero fields are estimated.
type HostOptions struct {
	Name          string
	MaxBufferSize int
	ComputeGFLOPS float64
	BandwidthGBps float64
	// QueueDepth bounds the number of in-flight submissions before Submit
	// blocks.
	QueueDepth int
}

const (
	defaultMaxBufferSize = 1 << 30
	defaultBandwidthGBps = 40
	defaultQueueDepth    = 64
	assumedClockGHz      = 3.0
)

// HostDevice runs the device contract on host memory. Submissions execute in
// order on a single queue goroutine, so buffer memory is only ever touched by
// that goroutine once a buffer has been created.
type HostDevice struct {
	name   string
	limits Limits

	queue   chan queued
	stopped chan struct{}
	closed  atomic.Bool
	closeMu sync.RWMutex
	sendMu  sync.Mutex

	lastSeq   atomic.Uint64
	completed atomic.Uint64
	destroyMu sync.Mutex
	pending   []pendingDestroy

	nextID atomic.Uint64

	// first failure from an asynchronous submission; reported by the next
	// Wait or ReadBuffer
	errMu    sync.Mutex
	asyncErr error

	submissions  atomic.Uint64
	syncPoints   atomic.Uint64
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
	liveBuffers  atomic.Int64
	liveBytes    atomic.Int64
}

// NewHostDevice starts the queue goroutine. Call Close to stop it.
func NewHostDevice(opts HostOptions) *HostDevice {
	if opts.Name == "" {
		opts.Name = "host"
	}
	if opts.MaxBufferSize <= 0 {
		opts.MaxBufferSize = defaultMaxBufferSize
	}
	if opts.ComputeGFLOPS <= 0 {
		opts.ComputeGFLOPS = EstimateHostGFLOPS()
	}
	if opts.BandwidthGBps <= 0 {
		opts.BandwidthGBps = defaultBandwidthGBps
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = defaultQueueDepth
	}
	d := &HostDevice{
		name: opts.Name,
		limits: Limits{
			MaxBufferSize: opts.MaxBufferSize,
			ComputeGFLOPS: opts.ComputeGFLOPS,
			BandwidthGBps: opts.BandwidthGBps,
		},
		queue:   make(chan queued, opts.QueueDepth),
		stopped: make(chan struct{}),
	}
	go d.run()
	return d
}

// EstimateHostGFLOPS derives a peak fp32 estimate from core count and the
// widest FMA-capable vector unit reported by the CPU.
func EstimateHostGFLOPS() float64 {
	lanes := 1.0
	fma := 1.0
	switch {
	case cpu.X86.HasAVX512F:
		lanes = 16
	case cpu.X86.HasAVX2:
		lanes = 8
	case cpu.X86.HasAVX:
		lanes = 8
	case cpu.X86.HasSSE2:
		lanes = 4
	case cpu.ARM64.HasASIMD:
		lanes = 4
	}
	if cpu.X86.HasFMA || cpu.ARM64.HasASIMD {
		fma = 2
	}
	return float64(runtime.NumCPU()) * assumedClockGHz * lanes * fma
}

func (d *HostDevice) Name() string   { return d.name }
func (d *HostDevice) Limits() Limits { return d.limits }

func (d *HostDevice) CreateBuffer(size int, usage BufferUsage, label string) (*Buffer, error) {
	if d.closed.Load() {
		return nil, ErrDeviceClosed
	}
	if size <= 0 {
		return nil, fmt.Errorf("gpu: create buffer %q: invalid size %d", label, size)
	}
	if size > d.limits.MaxBufferSize {
		return nil, fmt.Errorf("create buffer %q (%d bytes): %w", label, size, ErrBufferTooLarge)
	}
	b := &Buffer{
		id:    d.nextID.Add(1),
		size:  size,
		usage: usage,
		label: label,
		data:  make([]byte, size),
	}
	d.liveBuffers.Add(1)
	d.liveBytes.Add(int64(size))
	return b, nil
}

// DestroyBuffer never blocks on the queue, so it is safe to call from a
// completion callback. The memory is released after every submission queued
// before the call has executed.
func (d *HostDevice) DestroyBuffer(buf *Buffer) {
	if buf == nil {
		return
	}
	d.destroyMu.Lock()
	d.pending = append(d.pending, pendingDestroy{buf: buf, after: d.lastSeq.Load()})
	d.destroyMu.Unlock()
	d.reap(d.completed.Load())
}

type pendingDestroy struct {
	buf   *Buffer
	after uint64
}

func (d *HostDevice) reap(completed uint64) {
	d.destroyMu.Lock()
	defer d.destroyMu.Unlock()
	keep := d.pending[:0]
	for _, p := range d.pending {
		if p.after > completed {
			keep = append(keep, p)
			continue
		}
		if p.buf.destroyed {
			continue
		}
		p.buf.destroyed = true
		p.buf.data = nil
		d.liveBuffers.Add(-1)
		d.liveBytes.Add(-int64(p.buf.size))
	}
	d.pending = keep
}

func (d *HostDevice) WriteBuffer(buf *Buffer, offset int, data []byte) error {
	if err := checkRange(buf, offset, len(data)); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return d.Submit(Submission{
		Label:    "write",
		Commands: []Command{{Kind: CommandWrite, Label: "write:" + buf.label, Dst: buf, DstOffset: offset, Size: len(cp), Data: cp}},
	})
}

func (d *HostDevice) ReadBuffer(ctx context.Context, buf *Buffer, offset, size int) ([]byte, error) {
	if !AllowReadback() {
		return nil, fmt.Errorf("read %s: %w", buf, ErrReadbackDisallowed)
	}
	if err := checkRange(buf, offset, size); err != nil {
		return nil, err
	}
	out := make([]byte, size)
	done := make(chan error, 1)
	err := d.Submit(Submission{
		Label: "readback",
		Commands: []Command{{
			Kind:  CommandDispatch,
			Label: "read:" + buf.label,
			Exec: func() error {
				if buf.destroyed {
					return fmt.Errorf("read %s: %w", buf, ErrDestroyed)
				}
				copy(out, buf.data[offset:offset+size])
				return nil
			},
		}},
		Done: func(r SubmitResult) { done <- r.Err },
	})
	if err != nil {
		return nil, err
	}
	d.syncPoints.Add(1)
	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := d.takeAsyncErr(); err != nil {
		return nil, err
	}
	d.bytesRead.Add(uint64(size))
	return out, nil
}

func (d *HostDevice) Submit(s Submission) error {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed.Load() {
		return ErrDeviceClosed
	}
	d.sendMu.Lock()
	defer d.sendMu.Unlock()
	seq := d.lastSeq.Add(1)
	d.submissions.Add(1)
	d.queue <- queued{Submission: s, seq: seq}
	return nil
}

type queued struct {
	Submission
	seq uint64
}

func (d *HostDevice) Wait(ctx context.Context) error {
	done := make(chan struct{})
	if err := d.Submit(Submission{Label: "fence", Done: func(SubmitResult) { close(done) }}); err != nil {
		return err
	}
	d.syncPoints.Add(1)
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return d.takeAsyncErr()
}

func (d *HostDevice) HostBytes(buf *Buffer) []byte {
	if buf == nil {
		return nil
	}
	return buf.data
}

func (d *HostDevice) Counters() Counters {
	return Counters{
		Submissions:  d.submissions.Load(),
		SyncPoints:   d.syncPoints.Load(),
		BytesRead:    d.bytesRead.Load(),
		BytesWritten: d.bytesWritten.Load(),
		LiveBuffers:  d.liveBuffers.Load(),
		LiveBytes:    d.liveBytes.Load(),
	}
}

// Close drains the queue and stops the queue goroutine. Pending async
// errors are returned.
func (d *HostDevice) Close() error {
	d.closeMu.Lock()
	if d.closed.Swap(true) {
		d.closeMu.Unlock()
		return nil
	}
	close(d.queue)
	d.closeMu.Unlock()
	<-d.stopped
	d.reap(d.lastSeq.Load())
	return d.takeAsyncErr()
}

func (d *HostDevice) takeAsyncErr() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	err := d.asyncErr
	d.asyncErr = nil
	return err
}

func (d *HostDevice) run() {
	defer close(d.stopped)
	for q := range d.queue {
		res := d.execute(q.Submission)
		d.completed.Store(q.seq)
		if res.Err != nil && q.Done == nil {
			d.errMu.Lock()
			d.asyncErr = errors.Join(d.asyncErr, res.Err)
			d.errMu.Unlock()
		}
		if q.Done != nil {
			q.Done(res)
		}
		d.reap(q.seq)
	}
}

func (d *HostDevice) execute(s Submission) (res SubmitResult) {
	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("gpu: submission %q panicked: %v", s.Label, r)
		}
	}()
	if s.Profile {
		res.Timings = make([]OpTiming, 0, len(s.Commands))
	}
	for i := range s.Commands {
		cmd := &s.Commands[i]
		start := time.Now()
		if err := d.exec(cmd); err != nil {
			res.Err = fmt.Errorf("submission %q, command %d (%s %s): %w", s.Label, i, cmd.Kind, cmd.Label, err)
			return res
		}
		if s.Profile {
			res.Timings = append(res.Timings, OpTiming{Label: cmd.Label, Kind: cmd.Kind, Duration: time.Since(start)})
		}
	}
	return res
}

func (d *HostDevice) exec(cmd *Command) error {
	switch cmd.Kind {
	case CommandCopy:
		if cmd.Src.destroyed || cmd.Dst.destroyed {
			return ErrDestroyed
		}
		copy(cmd.Dst.data[cmd.DstOffset:cmd.DstOffset+cmd.Size], cmd.Src.data[cmd.SrcOffset:cmd.SrcOffset+cmd.Size])
	case CommandWrite:
		if cmd.Dst.destroyed {
			return ErrDestroyed
		}
		copy(cmd.Dst.data[cmd.DstOffset:], cmd.Data)
		d.bytesWritten.Add(uint64(len(cmd.Data)))
	case CommandDispatch:
		if cmd.Exec != nil {
			return cmd.Exec()
		}
	default:
		return fmt.Errorf("unknown command kind %d", cmd.Kind)
	}
	return nil
}
