// Package tokenizer maps text to token ids and back.
package tokenizer

// Tokenizer defines the minimal interface used by the pipeline.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
}

// Specials is implemented by tokenizers that know their control tokens.
type Specials interface {
	BOS() int
	EOS() int
	VocabSize() int
}
