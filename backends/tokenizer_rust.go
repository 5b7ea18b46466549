//go:build ORT || ALL

package backends

import (
	"github.com/daulet/tokenizers"
)

type RustTokenizer struct {
	Tokenizer *tokenizers.Tokenizer
}

func loadRustTokenizer(tokenizerBytes []byte) (*Tokenizer, error) {
	tk, tkErr := tokenizers.FromBytes(tokenizerBytes)
	if tkErr != nil {
		return nil, tkErr
	}
	return &Tokenizer{Runtime: "RUST", RustTokenizer: &RustTokenizer{Tokenizer: tk}, Destroy: func() error {
		return tk.Close()
	}}, nil
}

func encodeRust(tk *Tokenizer, text string, addSpecialTokens bool) ([]uint32, error) {
	ids, _ := tk.RustTokenizer.Tokenizer.Encode(text, addSpecialTokens)
	return ids, nil
}

func decodeRust(tokens []uint32, tokenizer *Tokenizer, skipSpecialTokens bool) string {
	return tokenizer.RustTokenizer.Tokenizer.Decode(tokens, skipSpecialTokens)
}
