// Package tensorutil holds the few dense-tensor operations the head needs on top of
// gorgonia tensors. All helpers assume row-major, contiguous backing data, which is
// what tensor.New with WithBacking produces.
package tensorutil

import (
	"fmt"
	"math"

	"gorgonia.org/tensor"
)

// New wraps data in a float32 dense tensor of the given shape.
func New(data []float32, shape ...int) *tensor.Dense {
	return tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(shape...),
		tensor.WithBacking(data),
	)
}

// Zeros returns a float32 tensor of the given shape filled with zeros.
func Zeros(shape ...int) *tensor.Dense {
	return New(make([]float32, Volume(shape)), shape...)
}

// Volume is the number of elements of a shape.
func Volume(shape []int) int {
	v := 1
	for _, d := range shape {
		v *= d
	}
	return v
}

// Float32s returns the flat backing data of t as float32, converting other float
// dtypes when needed.
func Float32s(t tensor.Tensor) ([]float32, error) {
	if t == nil {
		return nil, fmt.Errorf("tensor is nil")
	}
	switch data := t.Data().(type) {
	case []float32:
		return data, nil
	case []float64:
		out := make([]float32, len(data))
		for i, v := range data {
			out[i] = float32(v)
		}
		return out, nil
	case float32:
		return []float32{data}, nil
	case float64:
		return []float32{float32(data)}, nil
	default:
		return nil, fmt.Errorf("unsupported tensor data type %T", data)
	}
}

// Rows views a tensor of shape [rows, ...] as rows x width, where width is the
// product of the trailing dimensions.
func Rows(t tensor.Tensor) (rows int, width int, err error) {
	shape := t.Shape()
	if len(shape) == 0 {
		return 0, 0, fmt.Errorf("scalar tensor has no rows")
	}
	rows = shape[0]
	width = Volume(shape[1:])
	return rows, width, nil
}

// ConcatRows stacks tensors along the first axis. All inputs must agree on the
// trailing dimensions. Inputs with no rows are skipped.
func ConcatRows(ts ...*tensor.Dense) (*tensor.Dense, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("nothing to concatenate")
	}
	if len(ts[0].Shape()) == 0 {
		return nil, fmt.Errorf("cannot concatenate scalars")
	}
	trailing := []int(ts[0].Shape())[1:]
	parts := make([]tensor.Tensor, 0, len(ts))
	for i, t := range ts {
		shape := t.Shape()
		if len(shape) != len(trailing)+1 {
			return nil, fmt.Errorf("tensor %d has rank %d, expected %d", i, len(shape), len(trailing)+1)
		}
		for j, d := range trailing {
			if shape[j+1] != d {
				return nil, fmt.Errorf("tensor %d has shape %v, trailing dimensions must be %v", i, shape, trailing)
			}
		}
		if shape[0] == 0 {
			continue
		}
		part, err := asFloat32(t)
		if err != nil {
			return nil, fmt.Errorf("tensor %d: %w", i, err)
		}
		// Concat reshapes row vector operands in place
		parts = append(parts, part.ShallowClone())
	}
	if len(parts) == 0 {
		return Zeros(append([]int{0}, trailing...)...), nil
	}
	if len(parts) == 1 {
		return parts[0].(*tensor.Dense).Clone().(*tensor.Dense), nil
	}
	out, err := tensor.Concat(0, parts[0], parts[1:]...)
	if err != nil {
		return nil, err
	}
	return out.(*tensor.Dense), nil
}

func asFloat32(t *tensor.Dense) (*tensor.Dense, error) {
	if t.Dtype() == tensor.Float32 {
		return t, nil
	}
	data, err := Float32s(t)
	if err != nil {
		return nil, err
	}
	return New(data, t.Shape()...), nil
}

// AsNCHW returns t viewed with a leading batch axis: rank-4 tensors are returned as
// they are, rank-3 [C, H, W] maps become [1, C, H, W].
func AsNCHW(t *tensor.Dense) (*tensor.Dense, error) {
	shape := t.Shape()
	switch len(shape) {
	case 4:
		return t, nil
	case 3:
		out := t.ShallowClone()
		if err := out.Reshape(1, shape[0], shape[1], shape[2]); err != nil {
			return nil, err
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a [N, C, H, W] or [C, H, W] feature map, got shape %v", shape)
	}
}

// AdaptiveAvgPool2D averages a [N, C, H, W] map into [N, C, outH, outW] bins.
// Bin i along an axis of size in covers [floor(i*in/out), ceil((i+1)*in/out)),
// which also handles inputs smaller than the output grid (bins then repeat).
func AdaptiveAvgPool2D(t *tensor.Dense, outH, outW int) (*tensor.Dense, error) {
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("output size must be positive, got %dx%d", outH, outW)
	}
	shape := t.Shape()
	if len(shape) != 4 {
		return nil, fmt.Errorf("expected a rank 4 [N, C, H, W] tensor, got shape %v", shape)
	}
	n, c, h, w := shape[0], shape[1], shape[2], shape[3]
	if h == 0 || w == 0 {
		return nil, fmt.Errorf("cannot pool an empty %dx%d map", h, w)
	}
	in, err := Float32s(t)
	if err != nil {
		return nil, err
	}
	out := make([]float32, n*c*outH*outW)
	for plane := 0; plane < n*c; plane++ {
		src := in[plane*h*w : (plane+1)*h*w]
		dst := out[plane*outH*outW : (plane+1)*outH*outW]
		for i := 0; i < outH; i++ {
			h0, h1 := binStart(i, h, outH), binEnd(i, h, outH)
			for j := 0; j < outW; j++ {
				w0, w1 := binStart(j, w, outW), binEnd(j, w, outW)
				var sum float64
				for y := h0; y < h1; y++ {
					for x := w0; x < w1; x++ {
						sum += float64(src[y*w+x])
					}
				}
				dst[i*outW+j] = float32(sum / float64((h1-h0)*(w1-w0)))
			}
		}
	}
	return New(out, n, c, outH, outW), nil
}

func binStart(i, in, out int) int {
	return int(math.Floor(float64(i*in) / float64(out)))
}

func binEnd(i, in, out int) int {
	return int(math.Ceil(float64((i+1)*in) / float64(out)))
}

// Transpose12 swaps the last two axes of a rank-3 tensor: [A, B, C] -> [A, C, B].
// The result owns its data.
func Transpose12(t *tensor.Dense) (*tensor.Dense, error) {
	shape := t.Shape()
	if len(shape) != 3 {
		return nil, fmt.Errorf("expected a rank 3 tensor, got shape %v", shape)
	}
	out, err := tensor.Transpose(t, 0, 2, 1)
	if err != nil {
		return nil, err
	}
	return out.(*tensor.Dense), nil
}
