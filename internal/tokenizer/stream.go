package tokenizer

import "unicode/utf8"

// StreamDecoder turns a token stream into text fragments without splitting
// multi-byte characters. A token that ends mid-character yields "" and its
// bytes are carried into the next fragment.
type StreamDecoder struct {
	tok     Tokenizer
	pending []byte
}

func NewStreamDecoder(tok Tokenizer) *StreamDecoder {
	return &StreamDecoder{tok: tok}
}

// Next decodes one token id.
func (d *StreamDecoder) Next(id int) (string, error) {
	s, err := d.tok.Decode([]int{id})
	if err != nil {
		return "", err
	}
	d.pending = append(d.pending, s...)
	n := completePrefix(d.pending)
	out := string(d.pending[:n])
	d.pending = append(d.pending[:0], d.pending[n:]...)
	return out, nil
}

// Flush returns whatever is still buffered, replacing invalid bytes.
func (d *StreamDecoder) Flush() string {
	if len(d.pending) == 0 {
		return ""
	}
	out := string([]rune(string(d.pending)))
	d.pending = d.pending[:0]
	return out
}

// completePrefix returns the length of b without a trailing incomplete
// UTF-8 sequence.
func completePrefix(b []byte) int {
	n := len(b)
	for i := 1; i <= utf8.UTFMax && i <= n; i++ {
		c := b[n-i]
		if c < utf8.RuneSelf {
			return n
		}
		if utf8.RuneStart(c) {
			if utf8.FullRune(b[n-i:]) {
				return n
			}
			return n - i
		}
	}
	return n
}
