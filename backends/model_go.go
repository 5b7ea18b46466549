package backends

import (
	"fmt"

	"github.com/advancedclimatesystems/gonnx"
	"gorgonia.org/tensor"
)

// GoModel runs a graph with the pure Go gonnx interpreter.
type GoModel struct {
	Model *gonnx.Model
}

func createGoModelBackend(model *Model, onnxBytes []byte) error {
	goModel, err := gonnx.NewModelFromBytes(onnxBytes)
	if err != nil {
		return err
	}
	model.GoModel = &GoModel{Model: goModel}
	model.InputsMeta, model.OutputsMeta = loadInputOutputMetaGo(goModel)
	return nil
}

func loadInputOutputMetaGo(model *gonnx.Model) ([]InputOutputInfo, []InputOutputInfo) {
	var inputs, outputs []InputOutputInfo
	inputShapes := model.InputShapes()
	for _, name := range model.InputNames() {
		shape := inputShapes[name]
		dimensions := make([]int64, len(shape))
		for i, y := range shape {
			dimensions[i] = y.Size
		}
		inputs = append(inputs, InputOutputInfo{Name: name, Dimensions: dimensions})
	}
	outputShapes := model.OutputShapes()
	for _, name := range model.OutputNames() {
		shape := outputShapes[name]
		dimensions := make([]int64, len(shape))
		for i, y := range shape {
			dimensions[i] = y.Size
		}
		outputs = append(outputs, InputOutputInfo{Name: name, Dimensions: dimensions})
	}
	return inputs, outputs
}

func runGoModel(model *GoModel, inputs map[string]tensor.Tensor) (map[string]*tensor.Dense, error) {
	results, err := model.Model.Run(inputs)
	if err != nil {
		return nil, err
	}
	outputs := make(map[string]*tensor.Dense, len(results))
	for name, t := range results {
		dense, err := toFloat32Dense(t)
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", name, err)
		}
		outputs[name] = dense
	}
	return outputs, nil
}
