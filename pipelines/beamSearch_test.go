package pipelines

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const searchEnd uint32 = 2

// table maps a prefix length to the next token logits.
func greedyTable(script []uint32, vocab int) NextTokenLogits {
	return func(prefix []uint32) ([]float32, error) {
		row := make([]float32, vocab)
		next := searchEnd
		if i := len(prefix) - 1; i < len(script) {
			next = script[i]
		}
		row[next] = 5
		return row, nil
	}
}

func TestBeamSearchStopsOnEndToken(t *testing.T) {
	search := DefaultBeamSearch(searchEnd)
	calls := 0
	next := greedyTable([]uint32{5, 6, 7, searchEnd}, 10)
	hypotheses, err := search.Search(1, func(prefix []uint32) ([]float32, error) {
		calls++
		return next(prefix)
	})
	require.NoError(t, err)
	require.Len(t, hypotheses, 1)
	assert.Equal(t, []uint32{1, 5, 6, 7, searchEnd}, hypotheses[0].Tokens)
	assert.Equal(t, 4, calls)
	assert.Less(t, hypotheses[0].LogProb, 0.0)
}

func TestBeamSearchMaxSteps(t *testing.T) {
	search := DefaultBeamSearch(searchEnd)
	search.MaxSteps = 6
	hypotheses, err := search.Search(1, func(prefix []uint32) ([]float32, error) {
		row := make([]float32, 10)
		row[4] = 5
		return row, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 4, 4, 4, 4, 4, 4}, hypotheses[0].Tokens)

	search.MaxSteps = 40
	hypotheses, err = search.Search(1, func(prefix []uint32) ([]float32, error) {
		row := make([]float32, 10)
		row[4] = 5
		return row, nil
	})
	require.NoError(t, err)
	// 40 generated tokens after the begin token
	assert.Len(t, hypotheses[0].Tokens, 41)

	search.MaxSteps = 1
	hypotheses, err = search.Search(1, func(prefix []uint32) ([]float32, error) {
		row := make([]float32, 10)
		row[4] = 5
		return row, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 4}, hypotheses[0].Tokens)
}

func TestBeamSearchImmediateEnd(t *testing.T) {
	hypotheses, err := DefaultBeamSearch(searchEnd).Search(1, greedyTable(nil, 10))
	require.NoError(t, err)
	assert.Equal(t, []uint32{1}, hypotheses[0].Tokens)
}

func TestBeamSearchWiderBeamFindsBetterPath(t *testing.T) {
	// token 3 looks best first but leads to a flat distribution, token 4 leads to a
	// confident end.
	next := func(prefix []uint32) ([]float32, error) {
		row := make([]float32, 6)
		switch {
		case len(prefix) == 1:
			row[3], row[4] = 1.0, 0.9
		case prefix[len(prefix)-1] == 4:
			row[searchEnd] = 20
		default:
			// uniform
		}
		return row, nil
	}
	greedy, err := DefaultBeamSearch(searchEnd).Search(1, next)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), greedy[0].Tokens[1])

	wide := BeamSearch{EndToken: searchEnd, MaxSteps: 3, BeamSize: 2, PerNodeBeamSize: 2}
	hypotheses, err := wide.Search(1, next)
	require.NoError(t, err)
	require.Len(t, hypotheses, 2)
	assert.Equal(t, []uint32{1, 4, searchEnd}, hypotheses[0].Tokens)
	assert.GreaterOrEqual(t, hypotheses[0].LogProb, hypotheses[1].LogProb)
}

func TestBeamSearchValidate(t *testing.T) {
	_, err := BeamSearch{EndToken: searchEnd, MaxSteps: 1, BeamSize: 0}.Search(1, greedyTable(nil, 4))
	assert.Error(t, err)
	assert.ErrorContains(t, BeamSearch{EndToken: searchEnd, BeamSize: 1, PerNodeBeamSize: 1}.Validate(), "max steps")
	_, err = DefaultBeamSearch(searchEnd).Search(1, func([]uint32) ([]float32, error) { return nil, nil })
	assert.Error(t, err)
}
