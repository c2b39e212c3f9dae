package tokenizer

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestByteTokenizerRoundTrip(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		text string
		want []int
	}{
		{name: "ascii", text: "hi", want: []int{BOSToken, 'h', 'i'}},
		{name: "control literal", text: "a<|eos|>", want: []int{BOSToken, 'a', EOSToken}},
		{name: "multibyte", text: "é", want: []int{BOSToken, 0xC3, 0xA9}},
	}
	tok := &ByteTokenizer{AddBOS: true}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ids, err := tok.Encode(tt.text)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, ids); diff != "" {
				t.Fatalf("Encode mismatch (-want +got):\n%s", diff)
			}
			text, err := tok.Decode(ids)
			if err != nil {
				t.Fatal(err)
			}
			if want := strings.ReplaceAll(tt.text, "<|eos|>", ""); text != want {
				t.Fatalf("Decode = %q, want %q", text, want)
			}
		})
	}
}

func TestByteTokenizerRejectsUnknownIDs(t *testing.T) {
	t.Parallel()
	if _, err := (&ByteTokenizer{}).Decode([]int{ByteVocabSize}); err == nil {
		t.Fatal("expected error for id outside vocabulary")
	}
}

func TestStreamDecoderHoldsPartialRunes(t *testing.T) {
	t.Parallel()
	d := NewStreamDecoder(&ByteTokenizer{})
	var got []string
	for _, id := range []int{'a', 0xE2, 0x82, 0xAC, 'b'} {
		s, err := d.Next(id)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, s)
	}
	want := []string{"a", "", "", "€", "b"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("fragments mismatch (-want +got):\n%s", diff)
	}
	if _, err := d.Next(0xC3); err != nil {
		t.Fatal(err)
	}
	if s := d.Flush(); s != "�" {
		t.Fatalf("Flush = %q", s)
	}
}
