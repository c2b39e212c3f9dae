package kvcache

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/clocksmith/doppler/internal/dtype"
	"github.com/clocksmith/doppler/internal/gpu"
)

func newDevice(t *testing.T) (*gpu.HostDevice, *gpu.BufferPool) {
	t.Helper()
	dev := gpu.NewHostDevice(gpu.HostOptions{Name: "test", ComputeGFLOPS: 400, BandwidthGBps: 40})
	t.Cleanup(func() { _ = dev.Close() })
	return dev, gpu.NewBufferPool(dev)
}

// rows returns n positions starting at pos; every value is exact in f16.
func rows(pos, n, kvSize int, sign float32) HostData {
	out := make(HostData, n*kvSize)
	for i := range n {
		for j := range kvSize {
			out[i*kvSize+j] = sign * float32((pos+i)*kvSize+j)
		}
	}
	return out
}

type variant struct {
	name string
	opts func() Options
}

func variants() []variant {
	gpuOpts := func(o Options) Options { o.UseGPU = Ptr(true); return o }
	return []variant{
		{name: "contiguous/cpu", opts: baseOptions},
		{name: "contiguous/gpu", opts: func() Options { return gpuOpts(baseOptions()) }},
		{name: "contiguous/f16", opts: func() Options { o := gpuOpts(baseOptions()); o.DType = Ptr(dtype.F16); return o }},
		{name: "paged/cpu", opts: func() Options { o := baseOptions(); o.Layout = Ptr(LayoutPaged); o.PageSize = Ptr(3); return o }},
		{name: "paged/gpu", opts: func() Options {
			o := gpuOpts(baseOptions())
			o.Layout = Ptr(LayoutPaged)
			o.PageSize = Ptr(3)
			return o
		}},
		{name: "tiered/cpu", opts: tieredOptions},
		{name: "tiered/gpu", opts: func() Options { return gpuOpts(tieredOptions()) }},
	}
}

func build(t *testing.T, opts Options) Cache {
	t.Helper()
	var (
		dev  gpu.Device
		pool *gpu.BufferPool
	)
	if opts.UseGPU != nil && *opts.UseGPU {
		hd, p := newDevice(t)
		dev, pool = hd, p
	}
	c, err := NewFromOptions(dev, pool, opts, nil, nil)
	if err != nil {
		t.Fatalf("NewFromOptions: %v", err)
	}
	t.Cleanup(c.Release)
	return c
}

func mustUpdate(t *testing.T, c Cache, layer, pos, n int) {
	t.Helper()
	kv := c.Config().KVSize()
	if err := c.Update(layer, rows(pos, n, kv, 1), rows(pos, n, kv, -1), pos); err != nil {
		t.Fatalf("Update(layer %d, pos %d, n %d): %v", layer, pos, n, err)
	}
}

func checkGet(t *testing.T, c Cache, layer, start, end, firstPos int) {
	t.Helper()
	kv := c.Config().KVSize()
	got, err := c.Get(context.Background(), layer, start, end)
	if err != nil {
		t.Fatalf("Get(%d, %d, %d): %v", layer, start, end, err)
	}
	want := KV{Keys: rows(firstPos, end-start, kv, 1), Values: rows(firstPos, end-start, kv, -1)}
	if diff := cmp.Diff([]float32(want.Keys), got.Keys); diff != "" {
		t.Fatalf("keys mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32(want.Values), got.Values); diff != "" {
		t.Fatalf("values mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdateGetRoundTrip(t *testing.T) {
	t.Parallel()
	for _, v := range variants() {
		t.Run(v.name, func(t *testing.T) {
			t.Parallel()
			c := build(t, v.opts())
			mustUpdate(t, c, 0, 0, 5)
			mustUpdate(t, c, 0, 5, 1)
			mustUpdate(t, c, 1, 0, 2)

			if got := c.SeqLen(); got != 6 {
				t.Fatalf("SeqLen = %d, want 6", got)
			}
			if got := c.LayerSeqLen(1); got != 2 {
				t.Fatalf("LayerSeqLen(1) = %d, want 2", got)
			}
			checkGet(t, c, 0, 0, 6, 0)
			checkGet(t, c, 0, 2, 5, 2)
			checkGet(t, c, 1, 0, 2, 0)

			if _, err := c.Get(context.Background(), 1, 0, 3); !errors.Is(err, ErrRange) {
				t.Fatalf("Get past end error = %v, want ErrRange", err)
			}
			if _, err := c.Get(context.Background(), 2, 0, 1); !errors.Is(err, ErrInvalidLayer) {
				t.Fatalf("Get bad layer error = %v, want ErrInvalidLayer", err)
			}
		})
	}
}

func TestAppendWritesAtLayerEnd(t *testing.T) {
	t.Parallel()
	for _, v := range variants() {
		t.Run(v.name, func(t *testing.T) {
			t.Parallel()
			c := build(t, v.opts())
			kv := c.Config().KVSize()
			mustUpdate(t, c, 0, 0, 3)
			if err := c.Update(0, rows(3, 2, kv, 1), rows(3, 2, kv, -1), Append); err != nil {
				t.Fatalf("append: %v", err)
			}
			checkGet(t, c, 0, 0, 5, 0)
		})
	}
}

func TestOverflowRejected(t *testing.T) {
	t.Parallel()
	for _, layout := range []Layout{LayoutContiguous, LayoutPaged} {
		t.Run(string(layout), func(t *testing.T) {
			t.Parallel()
			o := baseOptions()
			o.Layout = Ptr(layout)
			o.MaxSeqLen = Ptr(8)
			o.UseGPU = Ptr(true)
			c := build(t, o)
			kv := c.Config().KVSize()
			err := c.Update(0, rows(6, 5, kv, 1), rows(6, 5, kv, -1), 6)
			if !errors.Is(err, ErrCapacity) {
				t.Fatalf("Update error = %v, want ErrCapacity", err)
			}
			if got := c.SeqLen(); got != 0 {
				t.Fatalf("SeqLen after rejected write = %d, want 0", got)
			}
		})
	}
}

func TestUpdateDataValidation(t *testing.T) {
	t.Parallel()
	dev, _ := newDevice(t)
	cfg, err := baseOptions().Config()
	if err != nil {
		t.Fatal(err)
	}
	host, err := NewContiguous(nil, nil, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer host.Release()
	buf, err := dev.CreateBuffer(64, gpu.UsageDefault, "src")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		keys    Data
		values  Data
		wantErr error
	}{
		{name: "mixed", keys: rows(0, 1, 4, 1), values: DeviceData{Buf: buf, Tokens: 1}, wantErr: ErrTypeMismatch},
		{name: "ragged", keys: HostData{1, 2, 3}, values: HostData{1, 2, 3}, wantErr: ErrShape},
		{name: "uneven", keys: rows(0, 2, 4, 1), values: rows(0, 1, 4, 1), wantErr: ErrShape},
		{name: "device on host cache", keys: DeviceData{Buf: buf, Tokens: 1}, values: DeviceData{Buf: buf, Tokens: 1}, wantErr: ErrUnsupported},
		{name: "nil", keys: nil, values: nil, wantErr: ErrTypeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := host.Update(0, tt.keys, tt.values, 0); !errors.Is(err, tt.wantErr) {
				t.Fatalf("Update error = %v, want %v", err, tt.wantErr)
			}
		})
	}
	if _, err := host.AttentionView(0); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("AttentionView on host cache error = %v, want ErrUnsupported", err)
	}
}

func TestRecordUpdateFromGPU(t *testing.T) {
	t.Parallel()
	for _, v := range variants() {
		o := v.opts()
		if !*o.UseGPU {
			continue
		}
		t.Run(v.name, func(t *testing.T) {
			t.Parallel()
			dev, pool := newDevice(t)
			c, err := NewFromOptions(dev, pool, o, nil, nil)
			if err != nil {
				t.Fatal(err)
			}
			defer c.Release()
			cfg := c.Config()
			kv := cfg.KVSize()

			upload := func(vals HostData) *gpu.Buffer {
				b, err := dev.CreateBuffer(len(vals)*cfg.DType.Size(), gpu.UsageDefault, "src")
				if err != nil {
					t.Fatal(err)
				}
				if err := dev.WriteBuffer(b, 0, dtype.EncodeFloats(cfg.DType, vals)); err != nil {
					t.Fatal(err)
				}
				return b
			}
			kb, vb := upload(rows(0, 4, kv, 1)), upload(rows(0, 4, kv, -1))

			rec := gpu.NewRecorder(dev, pool, "test")
			if err := c.RecordUpdateFromGPU(rec, 0, kb, vb, 0, 4); err != nil {
				t.Fatalf("RecordUpdateFromGPU: %v", err)
			}
			if got := c.LayerSeqLen(0); got != 4 {
				t.Fatalf("LayerSeqLen after record = %d, want 4", got)
			}
			if err := rec.SubmitAndWait(context.Background()); err != nil {
				t.Fatal(err)
			}
			checkGet(t, c, 0, 0, 4, 0)

			kb2, vb2 := upload(rows(4, 2, kv, 1)), upload(rows(4, 2, kv, -1))
			if err := c.UpdateFromGPU(0, kb2, vb2, Append, 2); err != nil {
				t.Fatalf("UpdateFromGPU: %v", err)
			}
			checkGet(t, c, 0, 0, 6, 0)
		})
	}
}

func TestTruncateIsIdempotent(t *testing.T) {
	t.Parallel()
	for _, v := range variants() {
		t.Run(v.name, func(t *testing.T) {
			t.Parallel()
			c := build(t, v.opts())
			ctx := context.Background()
			mustUpdate(t, c, 0, 0, 7)
			mustUpdate(t, c, 1, 0, 7)

			c.Truncate(9)
			if got := c.SeqLen(); got != 7 {
				t.Fatalf("Truncate past end changed SeqLen to %d", got)
			}
			c.Truncate(3)
			first, err := Fingerprint(ctx, c)
			if err != nil {
				t.Fatal(err)
			}
			c.Truncate(3)
			second, err := Fingerprint(ctx, c)
			if err != nil {
				t.Fatal(err)
			}
			if first != second {
				t.Fatalf("second truncate changed fingerprint %x -> %x", first, second)
			}
			if got := c.SeqLen(); got != 3 {
				t.Fatalf("SeqLen = %d, want 3", got)
			}
			checkGet(t, c, 0, 0, 3, 0)

			// Truncated positions are rewritable.
			mustUpdate(t, c, 0, 3, 4)
			checkGet(t, c, 0, 0, 7, 0)
		})
	}
}

func TestClearResets(t *testing.T) {
	t.Parallel()
	for _, v := range variants() {
		t.Run(v.name, func(t *testing.T) {
			t.Parallel()
			c := build(t, v.opts())
			mustUpdate(t, c, 0, 0, 4)
			c.Clear()
			if c.SeqLen() != 0 || c.TotalTokensSeen() != 0 {
				t.Fatalf("after Clear SeqLen=%d TotalTokensSeen=%d", c.SeqLen(), c.TotalTokensSeen())
			}
			mustUpdate(t, c, 0, 0, 2)
			checkGet(t, c, 0, 0, 2, 0)
		})
	}
}

func TestCloneIsIndependent(t *testing.T) {
	t.Parallel()
	tests := []struct {
		variant
		wantKind string
	}{
		{variant: variants()[1], wantKind: "contiguous"},
		{variant: variants()[4], wantKind: "contiguous"},
		{variant: variants()[5], wantKind: "tiered"},
		{variant: variants()[6], wantKind: "tiered"},
		{variant: variant{name: "sliding/gpu", opts: func() Options {
			o := baseOptions()
			o.UseGPU = Ptr(true)
			o.WindowSize = Ptr(4)
			return o
		}}, wantKind: "sliding_window"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			c := build(t, tt.opts())
			mustUpdate(t, c, 0, 0, 6)

			clone, err := c.Clone(ctx)
			if err != nil {
				t.Fatalf("Clone: %v", err)
			}
			defer clone.Release()
			if clone.Kind() != tt.wantKind {
				t.Fatalf("clone kind = %s, want %s", clone.Kind(), tt.wantKind)
			}
			want, err := Fingerprint(ctx, c)
			if err != nil {
				t.Fatal(err)
			}
			got, err := Fingerprint(ctx, clone)
			if err != nil {
				t.Fatal(err)
			}
			if got != want {
				t.Fatalf("clone fingerprint %x, want %x", got, want)
			}

			c.Truncate(2)
			mustUpdate(t, c, 0, 2, 1)
			after, err := Fingerprint(ctx, clone)
			if err != nil {
				t.Fatal(err)
			}
			if after != want {
				t.Fatal("writes to the original changed the clone")
			}
		})
	}
}

func TestCopyIntoRestoresContents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	o := baseOptions()
	o.UseGPU = Ptr(true)
	c := build(t, o)
	mustUpdate(t, c, 0, 0, 5)
	snap, err := c.Clone(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer snap.Release()
	mustUpdate(t, c, 0, 5, 3)

	if err := CopyInto(ctx, c, snap); err != nil {
		t.Fatalf("CopyInto: %v", err)
	}
	if got := c.SeqLen(); got != 5 {
		t.Fatalf("SeqLen after restore = %d, want 5", got)
	}
	checkGet(t, c, 0, 0, 5, 0)
}

func TestFingerprintMatchesAcrossResidency(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	host := build(t, baseOptions())
	o := baseOptions()
	o.UseGPU = Ptr(true)
	device := build(t, o)
	for _, c := range []Cache{host, device} {
		mustUpdate(t, c, 0, 0, 3)
		mustUpdate(t, c, 1, 0, 1)
	}
	a, err := Fingerprint(ctx, host)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Fingerprint(ctx, device)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("fingerprints differ: host %x device %x", a, b)
	}
}

// Not parallel: toggles the process-wide readback policy.
func TestGetObeysReadbackPolicy(t *testing.T) {
	o := baseOptions()
	o.UseGPU = Ptr(true)
	c := build(t, o)
	mustUpdate(t, c, 0, 0, 2)

	prev := gpu.SetAllowReadback(false)
	defer gpu.SetAllowReadback(prev)
	if _, err := c.Get(context.Background(), 0, 0, 2); !errors.Is(err, gpu.ErrReadbackDisallowed) {
		t.Fatalf("Get error = %v, want ErrReadbackDisallowed", err)
	}
	if _, err := c.AttentionView(0); err != nil {
		t.Fatalf("AttentionView must not read back: %v", err)
	}
}

func TestPagedReusesFreedPages(t *testing.T) {
	t.Parallel()
	for _, useGPU := range []bool{false, true} {
		t.Run(fmt.Sprintf("gpu=%v", useGPU), func(t *testing.T) {
			t.Parallel()
			o := baseOptions()
			o.Layout = Ptr(LayoutPaged)
			o.PageSize = Ptr(2)
			o.NumLayers = Ptr(1)
			o.UseGPU = Ptr(useGPU)
			c := build(t, o).(*Paged)
			mustUpdate(t, c, 0, 0, 6)
			if got := c.AllocatedPages(); got != 3 {
				t.Fatalf("AllocatedPages = %d, want 3", got)
			}
			c.Truncate(1)
			mustUpdate(t, c, 0, 1, 5)
			if got := c.AllocatedPages(); got != 3 {
				t.Fatalf("AllocatedPages after reuse = %d, want 3", got)
			}
			checkGet(t, c, 0, 0, 6, 0)
			if useGPU {
				view, err := c.AttentionView(0)
				if err != nil {
					t.Fatal(err)
				}
				if len(view.Segments) != 1 || view.Segments[0].Len != 6 {
					t.Fatalf("view = %+v", view)
				}
			}
		})
	}
}

func TestMemoryStats(t *testing.T) {
	t.Parallel()
	o := baseOptions()
	o.UseGPU = Ptr(true)
	c := build(t, o)
	mustUpdate(t, c, 0, 0, 2)
	st := c.MemoryStats()
	want := MemoryStats{
		Kind:           "contiguous",
		DeviceResident: true,
		ReservedBytes:  int64(2 * 2 * 16 * 4 * 4),
		UsedBytes:      int64(2 * 2 * 4 * 4),
		SeqLen:         2,
		TotalTokens:    2,
	}
	if diff := cmp.Diff(want, st); diff != "" {
		t.Fatalf("MemoryStats mismatch (-want +got):\n%s", diff)
	}
	c.Release()
	if _, err := c.Get(context.Background(), 0, 0, 1); !errors.Is(err, ErrReleased) {
		t.Fatalf("Get after Release error = %v, want ErrReleased", err)
	}
}
