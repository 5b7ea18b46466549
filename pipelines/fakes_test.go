package pipelines

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gorgonia.org/tensor"

	"github.com/HengLan/SMOT/util/tensorutil"
)

const (
	testCLS   uint32 = 101
	testSEP   uint32 = 102
	testPAD   uint32 = 0
	testMASK  uint32 = 103
	testVocab        = 300
)

var testWords = map[string]uint32{"a": 200, "dog": 201, "runs": 202, "cat": 203, "sits": 204}

// wordTokenizer splits on spaces. Words "wN" map to 1000+N.
type wordTokenizer struct{}

func (wordTokenizer) Encode(text string, addSpecialTokens bool) ([]uint32, error) {
	var ids []uint32
	if addSpecialTokens {
		ids = append(ids, testCLS)
	}
	for _, word := range strings.Fields(text) {
		if id, ok := testWords[word]; ok {
			ids = append(ids, id)
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(word, "w")); err == nil && strings.HasPrefix(word, "w") {
			ids = append(ids, uint32(1000+n))
			continue
		}
		return nil, fmt.Errorf("unknown word %q", word)
	}
	if addSpecialTokens {
		ids = append(ids, testSEP)
	}
	return ids, nil
}

func (wordTokenizer) Decode(ids []uint32, skipSpecialTokens bool) (string, error) {
	words := make([]string, 0, len(ids))
	for _, id := range ids {
		switch id {
		case testCLS, testSEP, testPAD, testMASK:
			if skipSpecialTokens {
				continue
			}
			words = append(words, fmt.Sprintf("[%d]", id))
			continue
		}
		found := false
		for word, wordID := range testWords {
			if wordID == id {
				words = append(words, word)
				found = true
				break
			}
		}
		if !found {
			words = append(words, fmt.Sprintf("w%d", id))
		}
	}
	return strings.Join(words, " "), nil
}

func (wordTokenizer) SpecialTokens() SpecialTokens {
	return SpecialTokens{CLS: testCLS, SEP: testSEP, PAD: testPAD, MASK: testMASK}
}

// scriptedTransformer makes position t strongly predict script[t], and the end token
// past the end of the script.
type scriptedTransformer struct {
	script []uint32
	err    error
	calls  int
}

func (s *scriptedTransformer) Logits(features *tensor.Dense, tokens []uint32) ([][]float32, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	rows := make([][]float32, len(tokens))
	for t := range tokens {
		row := make([]float32, testVocab)
		next := testSEP
		if t < len(s.script) {
			next = s.script[t]
		}
		row[next] = 10
		rows[t] = row
	}
	return rows, nil
}

// scoreClassifier returns the same logit row for every pair and rejects pairs
// without features.
type scoreClassifier struct {
	row   []float32
	loss  float32
	err   error
	pairs int
}

func (c *scoreClassifier) check(pairs []*tensor.Dense) error {
	c.pairs = len(pairs)
	if c.err != nil {
		return c.err
	}
	for i, p := range pairs {
		if p == nil {
			return fmt.Errorf("pair %d has no features", i)
		}
	}
	return nil
}

func (c *scoreClassifier) Loss(pairs []*tensor.Dense, labels [][]float32) (float32, error) {
	if err := c.check(pairs); err != nil {
		return 0, err
	}
	return c.loss, nil
}

func (c *scoreClassifier) Scores(pairs []*tensor.Dense) ([][]float32, error) {
	if err := c.check(pairs); err != nil {
		return nil, err
	}
	out := make([][]float32, len(pairs))
	for i := range pairs {
		out[i] = append([]float32(nil), c.row...)
	}
	return out, nil
}

var errBroken = errors.New("broken decoder")

func features(rows, dim int) *tensor.Dense {
	data := make([]float32, rows*dim)
	for i := range data {
		data[i] = float32(i)
	}
	return tensorutil.New(data, rows, dim)
}
