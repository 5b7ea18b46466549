package backends

import (
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/HengLan/SMOT/options"
	"github.com/HengLan/SMOT/pipelines"
	"github.com/HengLan/SMOT/util/fileutil"
)

// Tokenizer wraps either the Rust or the pure Go implementation of a
// huggingface tokenizer.json.
type Tokenizer struct {
	RustTokenizer *RustTokenizer
	GoTokenizer   *GoTokenizer
	Special       pipelines.SpecialTokens
	Destroy       func() error
	Runtime       string
}

// LoadTokenizer reads tokenizer.json from path, which is either the file itself or
// the directory holding it. The ORT backend uses the Rust tokenizer, GO the pure Go one.
func LoadTokenizer(path string, s *options.Options) (*Tokenizer, error) {
	tokenizerPath := path
	if !strings.HasSuffix(path, ".json") {
		tokenizerPath = fileutil.PathJoinSafe(path, "tokenizer.json")
	}
	exists, err := fileutil.FileExists(tokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("error checking for existence of tokenizer.json: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("tokenizer.json not found at %s", tokenizerPath)
	}
	tokenizerBytes, err := fileutil.ReadFileBytes(tokenizerPath)
	if err != nil {
		return nil, err
	}
	special, err := ParseSpecialTokens(tokenizerBytes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", tokenizerPath, err)
	}

	var tk *Tokenizer
	switch s.Backend {
	case "ORT":
		tk, err = loadRustTokenizer(tokenizerBytes)
	case "GO":
		tk, err = loadGoTokenizer(tokenizerBytes)
	default:
		err = fmt.Errorf("runtime %s not recognized", s.Backend)
	}
	if err != nil {
		return nil, err
	}
	tk.Special = special
	return tk, nil
}

type addedToken struct {
	ID      uint32 `json:"id"`
	Content string `json:"content"`
	Special bool   `json:"special"`
}

// ParseSpecialTokens reads the [CLS], [SEP], [PAD] and [MASK] ids from the
// added_tokens of a tokenizer.json. CLS and SEP are required.
func ParseSpecialTokens(tokenizerBytes []byte) (pipelines.SpecialTokens, error) {
	var config struct {
		AddedTokens []addedToken `json:"added_tokens"`
	}
	if err := jsoniter.Unmarshal(tokenizerBytes, &config); err != nil {
		return pipelines.SpecialTokens{}, fmt.Errorf("parsing tokenizer.json: %w", err)
	}
	ids := make(map[string]uint32, len(config.AddedTokens))
	for _, token := range config.AddedTokens {
		ids[token.Content] = token.ID
	}
	var errs error
	cls, ok := ids["[CLS]"]
	if !ok {
		errs = errors.Join(errs, errors.New("tokenizer has no [CLS] token"))
	}
	sep, ok := ids["[SEP]"]
	if !ok {
		errs = errors.Join(errs, errors.New("tokenizer has no [SEP] token"))
	}
	if errs != nil {
		return pipelines.SpecialTokens{}, errs
	}
	return pipelines.SpecialTokens{
		CLS:  cls,
		SEP:  sep,
		PAD:  ids["[PAD]"],
		MASK: ids["[MASK]"],
	}, nil
}

func (t *Tokenizer) Encode(text string, addSpecialTokens bool) ([]uint32, error) {
	switch t.Runtime {
	case "RUST":
		return encodeRust(t, text, addSpecialTokens)
	case "GO":
		return encodeGo(t, text, addSpecialTokens)
	}
	return nil, fmt.Errorf("runtime %s not recognized", t.Runtime)
}

func (t *Tokenizer) Decode(ids []uint32, skipSpecialTokens bool) (string, error) {
	switch t.Runtime {
	case "RUST":
		return decodeRust(ids, t, skipSpecialTokens), nil
	case "GO":
		return decodeGo(ids, t, skipSpecialTokens), nil
	}
	return "", fmt.Errorf("runtime %s not recognized", t.Runtime)
}

func (t *Tokenizer) SpecialTokens() pipelines.SpecialTokens {
	return t.Special
}
