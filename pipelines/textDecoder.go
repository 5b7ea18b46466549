package pipelines

import (
	"errors"
	"fmt"
	"time"

	"gorgonia.org/tensor"
)

// ErrEmptySequence is returned when a sample has no fused features to decode from.
var ErrEmptySequence = errors.New("empty feature sequence")

// DefaultMaxTextLength bounds the training target length, begin and end tokens included.
const DefaultMaxTextLength = 40

// TextDecoder is the sequence decoding head shared by captions and summaries: teacher
// forced training on target token sequences and beam search generation.
type TextDecoder struct {
	Name           string
	Transformer    Transformer
	Tokenizer      Tokenizer
	BeginToken     uint32
	EndToken       uint32
	MaxTextLength  int
	LabelSmoothing float64
	Search         BeamSearch

	tokenizerTimings *timings
	decoderTimings   *timings
}

// TextDecoderOption is an option for a TextDecoder.
type TextDecoderOption func(d *TextDecoder) error

// WithMaxTextLength sets the maximum target length, begin and end tokens included.
func WithMaxTextLength(length int) TextDecoderOption {
	return func(d *TextDecoder) error {
		if length < 2 {
			return fmt.Errorf("max text length must leave room for begin and end tokens, got %d", length)
		}
		d.MaxTextLength = length
		return nil
	}
}

// WithLabelSmoothing sets the smoothing factor of the training loss.
func WithLabelSmoothing(eps float64) TextDecoderOption {
	return func(d *TextDecoder) error {
		if eps < 0 || eps >= 1 {
			return fmt.Errorf("label smoothing must be in [0, 1), got %v", eps)
		}
		d.LabelSmoothing = eps
		return nil
	}
}

// WithBeamSearch replaces the generation search settings. The end token is always
// the decoder's.
func WithBeamSearch(search BeamSearch) TextDecoderOption {
	return func(d *TextDecoder) error {
		d.Search = search
		return nil
	}
}

// NewTextDecoder builds a decoder starting sequences from begin and ending them with
// the tokenizer's SEP token.
func NewTextDecoder(name string, transformer Transformer, tokenizer Tokenizer, begin uint32, opts ...TextDecoderOption) (*TextDecoder, error) {
	d := &TextDecoder{
		Name:             name,
		Transformer:      transformer,
		Tokenizer:        tokenizer,
		BeginToken:       begin,
		MaxTextLength:    DefaultMaxTextLength,
		LabelSmoothing:   DefaultLabelSmoothing,
		tokenizerTimings: &timings{},
		decoderTimings:   &timings{},
	}
	if tokenizer != nil {
		d.EndToken = tokenizer.SpecialTokens().SEP
	}
	d.Search = DefaultBeamSearch(d.EndToken)
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, fmt.Errorf("applying option: %w", err)
		}
	}
	d.Search.EndToken = d.EndToken
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *TextDecoder) Validate() error {
	var errs []error
	if d.Transformer == nil {
		errs = append(errs, fmt.Errorf("%s: transformer is not set", d.Name))
	}
	if d.Tokenizer == nil {
		errs = append(errs, fmt.Errorf("%s: tokenizer is not set", d.Name))
	}
	if d.MaxTextLength < 2 {
		errs = append(errs, fmt.Errorf("%s: max text length must be at least 2", d.Name))
	}
	if err := d.Search.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", d.Name, err))
	}
	return errors.Join(errs...)
}

// TargetTokens builds the training sequence of text: the begin token, the last
// MaxTextLength-2 of the first MaxTextLength tokens of text tokenized without special
// tokens, then the end token.
func (d *TextDecoder) TargetTokens(text string) ([]uint32, error) {
	start := time.Now()
	payload, err := d.Tokenizer.Encode(text, false)
	d.tokenizerTimings.add(start)
	if err != nil {
		return nil, fmt.Errorf("tokenizing %q: %w", text, err)
	}
	if len(payload) > d.MaxTextLength {
		payload = payload[:d.MaxTextLength]
	}
	if keep := d.MaxTextLength - 2; len(payload) > keep {
		payload = payload[len(payload)-keep:]
	}
	tokens := make([]uint32, 0, len(payload)+2)
	tokens = append(tokens, d.BeginToken)
	tokens = append(tokens, payload...)
	return append(tokens, d.EndToken), nil
}

// Loss is the teacher forced training loss of features against text: position t
// predicts token t+1 of the target sequence.
func (d *TextDecoder) Loss(features *tensor.Dense, text string) (float32, error) {
	if isEmpty(features) {
		return 0, ErrEmptySequence
	}
	tokens, err := d.TargetTokens(text)
	if err != nil {
		return 0, err
	}
	logits, err := d.logits(features, tokens)
	if err != nil {
		return 0, err
	}
	if len(logits) != len(tokens) {
		return 0, fmt.Errorf("decoder returned %d logit rows for %d tokens", len(logits), len(tokens))
	}
	return SmoothedCrossEntropy(logits[:len(tokens)-1], tokens[1:], d.LabelSmoothing)
}

// Generate decodes the most likely sequence for features. The sequence starts with
// the begin token.
func (d *TextDecoder) Generate(features *tensor.Dense) (Hypothesis, error) {
	if isEmpty(features) {
		return Hypothesis{}, ErrEmptySequence
	}
	hypotheses, err := d.Search.Search(d.BeginToken, func(prefix []uint32) ([]float32, error) {
		logits, err := d.logits(features, prefix)
		if err != nil {
			return nil, err
		}
		if len(logits) == 0 {
			return nil, fmt.Errorf("decoder returned no logits for %d tokens", len(prefix))
		}
		return logits[len(logits)-1], nil
	})
	if err != nil {
		return Hypothesis{}, err
	}
	return hypotheses[0], nil
}

// Describe generates text for features, dropping the begin token and special tokens.
func (d *TextDecoder) Describe(features *tensor.Dense) (string, error) {
	hypothesis, err := d.Generate(features)
	if err != nil {
		return "", err
	}
	start := time.Now()
	text, err := d.Tokenizer.Decode(hypothesis.Tokens[1:], true)
	d.tokenizerTimings.add(start)
	if err != nil {
		return "", fmt.Errorf("decoding tokens: %w", err)
	}
	return text, nil
}

func (d *TextDecoder) logits(features *tensor.Dense, tokens []uint32) ([][]float32, error) {
	start := time.Now()
	defer d.decoderTimings.add(start)
	return d.Transformer.Logits(features, tokens)
}

func isEmpty(features *tensor.Dense) bool {
	if features == nil {
		return true
	}
	shape := features.Shape()
	if len(shape) == 0 {
		return false
	}
	return shape[0] == 0 || features.DataSize() == 0
}
