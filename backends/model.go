package backends

import (
	"errors"
	"fmt"
	"slices"

	"github.com/phuslu/log"
	"gorgonia.org/tensor"

	"github.com/HengLan/SMOT/options"
	"github.com/HengLan/SMOT/util/fileutil"
	"github.com/HengLan/SMOT/util/tensorutil"
)

type InputOutputInfo struct {
	// The name of the input or output
	Name string
	// The input or output's dimensions. Dynamic dimensions are -1 or 0.
	Dimensions Shape
}

type Shape []int64

func (s Shape) String() string {
	return fmt.Sprintf("%v", []int64(s))
}

func GetNames(info []InputOutputInfo) []string {
	names := make([]string, 0, len(info))
	for _, v := range info {
		names = append(names, v.Name)
	}
	return names
}

// Runner executes an ONNX graph on named tensors.
type Runner interface {
	InputNames() []string
	Run(inputs map[string]tensor.Tensor) (map[string]*tensor.Dense, error)
}

// Model is an ONNX graph loaded on the session backend.
type Model struct {
	ID          string
	Path        string
	Runtime     string
	GoModel     *GoModel
	ORTModel    *ORTModel
	InputsMeta  []InputOutputInfo
	OutputsMeta []InputOutputInfo
	Destroy     func() error
}

// LoadModel reads the ONNX file at path and creates the backend session for it.
func LoadModel(path string, opts *options.Options) (*Model, error) {
	onnxBytes, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return nil, fmt.Errorf("reading onnx model %s: %w", path, err)
	}
	model := &Model{
		ID:      path,
		Path:    path,
		Runtime: opts.Backend,
	}
	switch opts.Backend {
	case "GO":
		err = createGoModelBackend(model, onnxBytes)
	case "ORT":
		err = createORTModelBackend(model, onnxBytes, opts)
	default:
		err = fmt.Errorf("runtime %s not recognized", opts.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	for _, input := range model.InputsMeta {
		log.Debug().Str("model", path).Str("input", input.Name).Str("shape", input.Dimensions.String()).Msg("graph input")
	}
	model.Destroy = func() error {
		var destroyErr error
		if model.ORTModel != nil {
			destroyErr = errors.Join(destroyErr, model.ORTModel.Destroy())
			model.ORTModel = nil
		}
		model.GoModel = nil
		return destroyErr
	}
	return model, nil
}

func (m *Model) InputNames() []string {
	return GetNames(m.InputsMeta)
}

// HasInput reports whether the graph behind runner declares the input name.
func HasInput(runner Runner, name string) bool {
	return slices.Contains(runner.InputNames(), name)
}

// Run executes the model. Inputs must be float32 or int64 tensors; outputs are
// returned as float32 tensors keyed by output name.
func (m *Model) Run(inputs map[string]tensor.Tensor) (map[string]*tensor.Dense, error) {
	switch {
	case m.GoModel != nil:
		return runGoModel(m.GoModel, inputs)
	case m.ORTModel != nil:
		return runORTModel(m, inputs)
	default:
		return nil, fmt.Errorf("model %s has no backend session", m.ID)
	}
}

// Int64Tensor builds an int64 tensor input.
func Int64Tensor(data []int64, shape ...int) *tensor.Dense {
	return tensor.New(
		tensor.Of(tensor.Int64),
		tensor.WithShape(shape...),
		tensor.WithBacking(data),
	)
}

func toFloat32Dense(t tensor.Tensor) (*tensor.Dense, error) {
	data, err := tensorutil.Float32s(t)
	if err != nil {
		return nil, err
	}
	return tensorutil.New(data, t.Shape()...), nil
}
