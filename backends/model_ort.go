//go:build cgo && (ORT || ALL)

package backends

import (
	"errors"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"

	"github.com/HengLan/SMOT/options"
	"github.com/HengLan/SMOT/util/tensorutil"
)

type ORTModel struct {
	Session        *ort.DynamicAdvancedSession
	SessionOptions *ort.SessionOptions
	Options        *options.OrtOptions
	Destroy        func() error
}

func createORTModelBackend(model *Model, onnxBytes []byte, options *options.Options) error {
	sessionOptions, ok := options.BackendOptions.(*ort.SessionOptions)
	if !ok {
		return errors.New("ORT session options have not been initialized")
	}

	inputs, outputs, err := loadInputOutputMetaORTBytes(onnxBytes)
	if err != nil {
		return err
	}

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(
		onnxBytes,
		GetNames(inputs),
		GetNames(outputs),
		sessionOptions,
	)
	if err != nil {
		return err
	}

	model.ORTModel = &ORTModel{
		Session:        session,
		SessionOptions: sessionOptions,
		Options:        options.ORTOptions,
		Destroy: func() error {
			return session.Destroy()
		},
	}
	model.InputsMeta = inputs
	model.OutputsMeta = outputs
	return nil
}

func loadInputOutputMetaORTBytes(onnxBytes []byte) ([]InputOutputInfo, []InputOutputInfo, error) {
	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(onnxBytes)
	if err != nil {
		return nil, nil, err
	}
	return convertORTInputOutputs(inputs), convertORTInputOutputs(outputs), nil
}

func convertORTInputOutputs(inputOutputs []ort.InputOutputInfo) []InputOutputInfo {
	inputOutputsStandardised := make([]InputOutputInfo, len(inputOutputs))
	for i, inputOutput := range inputOutputs {
		inputOutputsStandardised[i] = InputOutputInfo{
			Name:       inputOutput.Name,
			Dimensions: Shape(inputOutput.Dimensions),
		}
	}
	return inputOutputsStandardised
}

func createInputTensorORT(t tensor.Tensor) (ort.Value, error) {
	shape := make([]int64, len(t.Shape()))
	for i, d := range t.Shape() {
		shape[i] = int64(d)
	}
	switch data := t.Data().(type) {
	case []float32:
		return ort.NewTensor(ort.NewShape(shape...), data)
	case []int64:
		return ort.NewTensor(ort.NewShape(shape...), data)
	default:
		return nil, fmt.Errorf("unsupported input type %T", data)
	}
}

func runORTModel(model *Model, inputs map[string]tensor.Tensor) (map[string]*tensor.Dense, error) {
	inputValues := make([]ort.Value, len(model.InputsMeta))
	destroyInputs := func() error {
		var agg error
		for _, v := range inputValues {
			if v != nil {
				agg = errors.Join(agg, v.Destroy())
			}
		}
		return agg
	}
	for i, meta := range model.InputsMeta {
		input, ok := inputs[meta.Name]
		if !ok {
			return nil, errors.Join(fmt.Errorf("missing input %q", meta.Name), destroyInputs())
		}
		value, err := createInputTensorORT(input)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("input %q: %w", meta.Name, err), destroyInputs())
		}
		inputValues[i] = value
	}

	outputTensors := make([]ort.Value, len(model.OutputsMeta))
	if err := model.ORTModel.Session.Run(inputValues, outputTensors); err != nil {
		return nil, errors.Join(err, destroyInputs())
	}

	outputs := make(map[string]*tensor.Dense, len(outputTensors))
	var agg error
	for i, t := range outputTensors {
		name := model.OutputsMeta[i].Name
		shape := t.GetShape()
		dims := make([]int, len(shape))
		for j, d := range shape {
			dims[j] = int(d)
		}
		switch v := t.(type) {
		case *ort.Tensor[float32]:
			data := make([]float32, len(v.GetData()))
			copy(data, v.GetData())
			outputs[name] = tensorutil.New(data, dims...)
		case *ort.Tensor[int64]:
			data := make([]float32, len(v.GetData()))
			for j, x := range v.GetData() {
				data[j] = float32(x)
			}
			outputs[name] = tensorutil.New(data, dims...)
		default:
			agg = errors.Join(agg, fmt.Errorf("output %q has unsupported type %T", name, t))
		}
		agg = errors.Join(agg, t.Destroy())
	}
	agg = errors.Join(agg, destroyInputs())
	if agg != nil {
		return nil, agg
	}
	return outputs, nil
}
