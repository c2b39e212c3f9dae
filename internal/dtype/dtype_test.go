package dtype

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParse(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want DType
		ok   bool
	}{
		{in: "f16", want: F16, ok: true},
		{in: "Float16", want: F16, ok: true},
		{in: "fp32", want: F32, ok: true},
		{in: " float32 ", want: F32, ok: true},
		{in: "bf16", ok: false},
		{in: "", ok: false},
	}
	for _, tc := range cases {
		got, err := Parse(tc.in)
		if tc.ok && err != nil {
			t.Fatalf("Parse(%q): unexpected error %v", tc.in, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("Parse(%q): expected error", tc.in)
		}
		if tc.ok && got != tc.want {
			t.Fatalf("Parse(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestHalfExactValues(t *testing.T) {
	t.Parallel()

	for _, v := range []float32{0, 1, -1, 0.5, 2, 1024, -65504, 65504} {
		if got := FromHalf(ToHalf(v)); got != v {
			t.Fatalf("half round-trip of %v gave %v", v, got)
		}
	}
	if !math.IsInf(float64(FromHalf(ToHalf(1e6))), 1) {
		t.Fatalf("expected overflow to +Inf")
	}
}

func TestEncodeDecodeF16(t *testing.T) {
	t.Parallel()

	src := []float32{0.25, -3, 7.5, 100}
	raw := EncodeFloats(F16, src)
	if len(raw) != len(src)*2 {
		t.Fatalf("encoded length: got %d want %d", len(raw), len(src)*2)
	}
	if diff := cmp.Diff(src, DecodeFloats(F16, raw)); diff != "" {
		t.Fatalf("f16 decode mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeDecodeF32(t *testing.T) {
	t.Parallel()

	src := []float32{1.0 / 3.0, float32(math.Pi), -0.0001}
	if diff := cmp.Diff(src, DecodeFloats(F32, EncodeFloats(F32, src))); diff != "" {
		t.Fatalf("f32 decode mismatch (-want +got):\n%s", diff)
	}
}

func TestU32(t *testing.T) {
	t.Parallel()

	ids := []uint32{0, 7, 1 << 31}
	if diff := cmp.Diff(ids, DecodeU32(EncodeU32(ids))); diff != "" {
		t.Fatalf("u32 mismatch (-want +got):\n%s", diff)
	}
}
