package backends

import (
	"errors"
	"fmt"

	"github.com/phuslu/log"
	"gorgonia.org/tensor"

	"github.com/HengLan/SMOT/util/safeconv"
	"github.com/HengLan/SMOT/util/tensorutil"
)

const (
	ObjectFeaturesInput = "object_features"
	TextTokensInput     = "text_tokens"
	PairFeaturesInput   = "pair_features"
	LogitsOutput        = "logits"
)

// ONNXTransformer runs an exported text decoder graph. The graph takes the fused
// object features [1, L, D] and the token prefix [1, T] and returns logits [1, T, V].
// State tensors are fed to graph inputs of the same name, which is how checkpoint
// weights reach graphs exported with their initializers as inputs.
type ONNXTransformer struct {
	Runner Runner
	State  map[string]*tensor.Dense
}

func NewONNXTransformer(runner Runner) (*ONNXTransformer, error) {
	if runner == nil {
		return nil, errors.New("transformer graph is nil")
	}
	var errs error
	for _, name := range []string{ObjectFeaturesInput, TextTokensInput} {
		if !HasInput(runner, name) {
			errs = errors.Join(errs, fmt.Errorf("transformer graph has no input %q", name))
		}
	}
	if errs != nil {
		return nil, errs
	}
	return &ONNXTransformer{Runner: runner, State: map[string]*tensor.Dense{}}, nil
}

// LoadState keeps the state entries that name a graph input and returns how many
// were loaded. Unmatched keys are logged and ignored.
func (t *ONNXTransformer) LoadState(state map[string]*tensor.Dense) int {
	loaded := 0
	for key, value := range state {
		if key == ObjectFeaturesInput || key == TextTokensInput || !HasInput(t.Runner, key) {
			log.Warn().Str("key", key).Msg("checkpoint tensor has no matching decoder input")
			continue
		}
		t.State[key] = value
		loaded++
	}
	return loaded
}

func (t *ONNXTransformer) Logits(features *tensor.Dense, tokens []uint32) ([][]float32, error) {
	if features == nil {
		return nil, errors.New("features are nil")
	}
	if len(tokens) == 0 {
		return nil, errors.New("token prefix is empty")
	}
	rows, width, err := tensorutil.Rows(features)
	if err != nil {
		return nil, err
	}
	data, err := tensorutil.Float32s(features)
	if err != nil {
		return nil, err
	}
	ids := safeconv.Uint32SliceToInt64Slice(tokens)
	inputs := map[string]tensor.Tensor{
		ObjectFeaturesInput: tensorutil.New(data, 1, rows, width),
		TextTokensInput:     Int64Tensor(ids, 1, len(ids)),
	}
	for name, value := range t.State {
		inputs[name] = value
	}
	outputs, err := t.Runner.Run(inputs)
	if err != nil {
		return nil, fmt.Errorf("running text decoder: %w", err)
	}
	logits, ok := outputs[LogitsOutput]
	if !ok {
		return nil, fmt.Errorf("text decoder returned no %q output", LogitsOutput)
	}
	shape := logits.Shape()
	if len(shape) != 3 || shape[0] != 1 || shape[1] != len(tokens) {
		return nil, fmt.Errorf("text decoder logits have shape %v, want [1 %d V]", shape, len(tokens))
	}
	values, err := tensorutil.Float32s(logits)
	if err != nil {
		return nil, err
	}
	return splitRows(values, shape[1], shape[2]), nil
}

func splitRows(data []float32, rows, width int) [][]float32 {
	out := make([][]float32, rows)
	for i := range out {
		out[i] = data[i*width : (i+1)*width]
	}
	return out
}
