// Package gpu is the device boundary of the generation core: buffers, an
// ordered submission queue, command recording with deferred release of
// temporaries, a size-class buffer pool and the global readback policy.
//
// A Device is always passed explicitly. Nothing in this package keeps a
// "current device".
package gpu

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrOutOfBounds is returned when a copy or write range exceeds a buffer.
	ErrOutOfBounds = errors.New("gpu: buffer range out of bounds")
	// ErrDestroyed is returned when a destroyed buffer is used.
	ErrDestroyed = errors.New("gpu: buffer destroyed")
	// ErrDeviceClosed is returned after Close.
	ErrDeviceClosed = errors.New("gpu: device closed")
	// ErrAlreadySubmitted is returned when a recorder is submitted twice.
	ErrAlreadySubmitted = errors.New("gpu: recorder already submitted")
	// ErrBufferTooLarge is returned when an allocation exceeds Limits.MaxBufferSize.
	ErrBufferTooLarge = errors.New("gpu: buffer exceeds device limit")
)

// BufferUsage is a bitmask describing how a buffer will be used.
type BufferUsage uint32

const (
	UsageStorage BufferUsage = 1 << iota
	UsageCopySrc
	UsageCopyDst
	UsageMapRead
	UsageUniform
)

// UsageDefault covers storage buffers that take part in copies, which is what
// nearly every activation and cache buffer needs.
const UsageDefault = UsageStorage | UsageCopySrc | UsageCopyDst

// Buffer is a handle to device memory. The zero value is not usable; buffers
// come from Device.CreateBuffer or BufferPool.Acquire.
type Buffer struct {
	id     uint64
	size   int
	usage  BufferUsage
	label  string
	pooled bool

	// host backing, only touched on the device queue
	data      []byte
	destroyed bool
}

func (b *Buffer) ID() uint64         { return b.id }
func (b *Buffer) Size() int          { return b.size }
func (b *Buffer) Usage() BufferUsage { return b.usage }
func (b *Buffer) Label() string      { return b.label }

func (b *Buffer) String() string {
	if b == nil {
		return "<nil buffer>"
	}
	return fmt.Sprintf("buffer#%d(%s, %dB)", b.id, b.label, b.size)
}

// Limits describes device capabilities used for allocation checks and for
// compression gating decisions.
type Limits struct {
	MaxBufferSize int
	// ComputeGFLOPS is the estimated peak fp32 throughput.
	ComputeGFLOPS float64
	// BandwidthGBps is the estimated memory bandwidth.
	BandwidthGBps float64
}

// ComputeBandwidthRatio returns FLOPs available per byte moved. Zero when
// bandwidth is unknown.
func (l Limits) ComputeBandwidthRatio() float64 {
	if l.BandwidthGBps <= 0 {
		return 0
	}
	return l.ComputeGFLOPS / l.BandwidthGBps
}

// CommandKind identifies a recorded command.
type CommandKind uint8

const (
	CommandCopy CommandKind = iota + 1
	CommandWrite
	CommandDispatch
)

func (k CommandKind) String() string {
	switch k {
	case CommandCopy:
		return "copy"
	case CommandWrite:
		return "write"
	case CommandDispatch:
		return "dispatch"
	default:
		return "unknown"
	}
}

// Command is one recorded operation. Dispatch commands carry an Exec
// function that runs on the device queue; it may only touch buffer memory
// through the device.
type Command struct {
	Kind      CommandKind
	Label     string
	Src       *Buffer
	Dst       *Buffer
	SrcOffset int
	DstOffset int
	Size      int
	Data      []byte
	Exec      func() error
}

// OpTiming is the measured execution time of one command.
type OpTiming struct {
	Label    string
	Kind     CommandKind
	Duration time.Duration
}

// SubmitResult is delivered to a submission's completion callback.
type SubmitResult struct {
	Err     error
	Timings []OpTiming
}

// Submission is an ordered batch of commands. Done, when set, is invoked
// exactly once on the queue after the last command has executed (or failed).
type Submission struct {
	Label    string
	Commands []Command
	Profile  bool
	Done     func(SubmitResult)
}

// Counters are cumulative device activity counters.
type Counters struct {
	Submissions  uint64
	SyncPoints   uint64
	BytesRead    uint64
	BytesWritten uint64
	LiveBuffers  int64
	LiveBytes    int64
}

// Sub returns c - o for the monotonic fields.
func (c Counters) Sub(o Counters) Counters {
	return Counters{
		Submissions:  c.Submissions - o.Submissions,
		SyncPoints:   c.SyncPoints - o.SyncPoints,
		BytesRead:    c.BytesRead - o.BytesRead,
		BytesWritten: c.BytesWritten - o.BytesWritten,
		LiveBuffers:  c.LiveBuffers,
		LiveBytes:    c.LiveBytes,
	}
}

// Device is an explicit handle to a compute device and its queue. Every
// operation after CreateBuffer is ordered with respect to earlier queue
// operations issued from the same host goroutine.
type Device interface {
	Name() string
	Limits() Limits

	CreateBuffer(size int, usage BufferUsage, label string) (*Buffer, error)
	// DestroyBuffer releases buf once all previously queued work completes.
	DestroyBuffer(buf *Buffer)

	// WriteBuffer queues a host-to-device write. data is copied before return.
	WriteBuffer(buf *Buffer, offset int, data []byte) error
	// ReadBuffer waits for all queued work and returns a copy of the range.
	// It fails with ErrReadbackDisallowed when the readback policy is off.
	ReadBuffer(ctx context.Context, buf *Buffer, offset, size int) ([]byte, error)

	// Submit queues s without waiting.
	Submit(s Submission) error
	// Wait blocks until all queued work has executed.
	Wait(ctx context.Context) error

	// HostBytes exposes the backing memory of buf to code running on the
	// queue (kernel Exec functions). It returns nil for devices whose memory
	// is not host addressable.
	HostBytes(buf *Buffer) []byte

	Counters() Counters
	Close() error
}

func checkRange(buf *Buffer, offset, size int) error {
	if buf == nil {
		return fmt.Errorf("nil buffer: %w", ErrOutOfBounds)
	}
	if offset < 0 || size < 0 || offset+size > buf.size {
		return fmt.Errorf("%s [%d, %d): %w", buf, offset, offset+size, ErrOutOfBounds)
	}
	return nil
}
