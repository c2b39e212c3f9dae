package tokenizer

import (
	"fmt"
	"strings"
)

// Byte-level vocabulary: ids 0..255 are raw bytes, followed by the control
// tokens.
const (
	BOSToken = 256
	EOSToken = 257
	PadToken = 258
	// ByteVocabSize is the smallest model vocabulary a ByteTokenizer can
	// drive.
	ByteVocabSize = 259
)

var specialText = map[int]string{
	BOSToken: "<|bos|>",
	EOSToken: "<|eos|>",
	PadToken: "<|pad|>",
}

// ByteTokenizer encodes UTF-8 bytes one id per byte. Literal control token
// text in the input is encoded as the control id.
type ByteTokenizer struct {
	AddBOS bool
}

var _ Tokenizer = (*ByteTokenizer)(nil)

func (t *ByteTokenizer) BOS() int       { return BOSToken }
func (t *ByteTokenizer) EOS() int       { return EOSToken }
func (t *ByteTokenizer) VocabSize() int { return ByteVocabSize }

func (t *ByteTokenizer) Encode(text string) ([]int, error) {
	ids := make([]int, 0, len(text)+1)
	if t.AddBOS {
		ids = append(ids, BOSToken)
	}
	for len(text) > 0 {
		if id, n := matchSpecial(text); n > 0 {
			ids = append(ids, id)
			text = text[n:]
			continue
		}
		ids = append(ids, int(text[0]))
		text = text[1:]
	}
	return ids, nil
}

func matchSpecial(s string) (int, int) {
	if !strings.HasPrefix(s, "<|") {
		return 0, 0
	}
	for id, lit := range specialText {
		if strings.HasPrefix(s, lit) {
			return id, len(lit)
		}
	}
	return 0, 0
}

// Decode drops control tokens and returns the remaining bytes as a string.
// Ids outside the byte vocabulary are an error.
func (t *ByteTokenizer) Decode(ids []int) (string, error) {
	var sb strings.Builder
	sb.Grow(len(ids))
	for _, id := range ids {
		switch {
		case id >= 0 && id < 256:
			sb.WriteByte(byte(id))
		case id < ByteVocabSize && id >= 256:
		default:
			return "", fmt.Errorf("token id %d outside byte vocabulary", id)
		}
	}
	return sb.String(), nil
}

// TokenString returns a printable form of id.
func (t *ByteTokenizer) TokenString(id int) string {
	if s, ok := specialText[id]; ok {
		return s
	}
	if id >= 0 && id < 256 {
		return fmt.Sprintf("<0x%02X>", id)
	}
	return ""
}
