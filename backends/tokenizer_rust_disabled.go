//go:build !ORT && !ALL

package backends

import "errors"

type RustTokenizer struct{}

func loadRustTokenizer(_ []byte) (*Tokenizer, error) {
	return nil, errors.New("rust Tokenizer is not enabled")
}

func encodeRust(_ *Tokenizer, _ string, _ bool) ([]uint32, error) {
	return nil, errors.New("rust Tokenizer is not enabled")
}

func decodeRust(_ []uint32, _ *Tokenizer, _ bool) string {
	return ""
}
