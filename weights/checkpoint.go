// Package weights reads pretrained checkpoints into named float32 tensors.
package weights

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"slices"
	"strings"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	jsoniter "github.com/json-iterator/go"
	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/phuslu/log"
	"github.com/x448/float16"
	"gorgonia.org/tensor"

	"github.com/HengLan/SMOT/util/fileutil"
	"github.com/HengLan/SMOT/util/tensorutil"
)

// State maps parameter names to their values.
type State map[string]*tensor.Dense

// Keys returns the parameter names in sorted order.
func (s State) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Load reads a .pth or .safetensors checkpoint. Non floating point entries are skipped.
func Load(path string) (State, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".safetensors":
		data, err := fileutil.ReadFileBytes(path)
		if err != nil {
			return nil, err
		}
		return DecodeSafetensors(data)
	case ".pth", ".pt", ".bin":
		return loadPickle(path)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format %q", filepath.Ext(path))
	}
}

func loadPickle(path string) (state State, err error) {
	localPath, cleanup, err := fileutil.LocalCopy(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Join(err, cleanup())
	}()

	module, err := pytorch.Load(localPath)
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint %s: %w", path, err)
	}
	entries, err := dictEntries(module)
	if err != nil {
		return nil, err
	}
	// training checkpoints nest the state dict under "model"
	if nested, ok := entries["model"]; ok {
		if entries, err = dictEntries(nested); err != nil {
			return nil, fmt.Errorf("model entry: %w", err)
		}
	}

	state = State{}
	for key, value := range entries {
		t, ok := value.(*pytorch.Tensor)
		if !ok {
			continue
		}
		dense, err := denseFromTorch(t)
		if err != nil {
			log.Debug().Str("key", key).Err(err).Msg("skipping checkpoint entry")
			continue
		}
		state[key] = dense
	}
	return state, nil
}

func dictEntries(v any) (map[string]any, error) {
	out := map[string]any{}
	switch d := v.(type) {
	case *types.Dict:
		for _, k := range d.Keys() {
			key, ok := k.(string)
			if !ok {
				continue
			}
			value, _ := d.Get(k)
			out[key] = value
		}
	case *types.OrderedDict:
		for e := d.List.Front(); e != nil; e = e.Next() {
			entry := e.Value.(*types.OrderedDictEntry)
			key, ok := entry.Key.(string)
			if !ok {
				continue
			}
			out[key] = entry.Value
		}
	default:
		return nil, fmt.Errorf("checkpoint is a %T, not a state dict", v)
	}
	return out, nil
}

func denseFromTorch(t *pytorch.Tensor) (*tensor.Dense, error) {
	var storage []float32
	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		storage = s.Data
	case *pytorch.HalfStorage:
		storage = s.Data
	case *pytorch.BFloat16Storage:
		storage = s.Data
	case *pytorch.DoubleStorage:
		storage = make([]float32, len(s.Data))
		for i, v := range s.Data {
			storage[i] = float32(v)
		}
	default:
		return nil, fmt.Errorf("unsupported storage %T", t.Source)
	}
	data, err := gather(storage, t.StorageOffset, t.Size, t.Stride)
	if err != nil {
		return nil, err
	}
	shape := slices.Clone(t.Size)
	if len(shape) == 0 {
		shape = []int{1}
	}
	return tensorutil.New(data, shape...), nil
}

// gather copies a strided view of storage into a contiguous row-major slice.
func gather(storage []float32, offset int, size, stride []int) ([]float32, error) {
	if len(size) != len(stride) {
		return nil, fmt.Errorf("size %v and stride %v differ in rank", size, stride)
	}
	out := make([]float32, tensorutil.Volume(size))
	index := make([]int, len(size))
	for i := range out {
		pos := offset
		for d, v := range index {
			pos += v * stride[d]
		}
		if pos < 0 || pos >= len(storage) {
			return nil, fmt.Errorf("element %d is outside storage of length %d", pos, len(storage))
		}
		out[i] = storage[pos]
		for d := len(index) - 1; d >= 0; d-- {
			index[d]++
			if index[d] < size[d] {
				break
			}
			index[d] = 0
		}
	}
	return out, nil
}

type safetensorsEntry struct {
	DType       string `json:"dtype"`
	Shape       []int  `json:"shape"`
	DataOffsets [2]int `json:"data_offsets"`
}

// DecodeSafetensors parses a safetensors file. F32, F16, BF16 and F64 entries are
// converted to float32; other dtypes are skipped.
func DecodeSafetensors(data []byte) (State, error) {
	if len(data) < 8 {
		return nil, errors.New("safetensors data is too short")
	}
	headerSize := binary.LittleEndian.Uint64(data[:8])
	if headerSize > uint64(len(data)-8) {
		return nil, fmt.Errorf("safetensors header of %d bytes exceeds data", headerSize)
	}
	var header map[string]jsoniter.RawMessage
	if err := jsoniter.Unmarshal(data[8:8+headerSize], &header); err != nil {
		return nil, fmt.Errorf("parsing safetensors header: %w", err)
	}
	body := data[8+headerSize:]

	state := State{}
	for name, raw := range header {
		if name == "__metadata__" {
			continue
		}
		var entry safetensorsEntry
		if err := jsoniter.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("entry %s: %w", name, err)
		}
		begin, end := entry.DataOffsets[0], entry.DataOffsets[1]
		if begin < 0 || end < begin || end > len(body) {
			return nil, fmt.Errorf("entry %s has offsets %v outside data", name, entry.DataOffsets)
		}
		values, err := decodeValues(entry.DType, body[begin:end])
		if err != nil {
			log.Debug().Str("key", name).Err(err).Msg("skipping safetensors entry")
			continue
		}
		shape := entry.Shape
		if len(shape) == 0 {
			shape = []int{1}
		}
		if tensorutil.Volume(shape) != len(values) {
			return nil, fmt.Errorf("entry %s has %d values for shape %v", name, len(values), entry.Shape)
		}
		state[name] = tensorutil.New(values, shape...)
	}
	return state, nil
}

func decodeValues(dtype string, raw []byte) ([]float32, error) {
	switch dtype {
	case "F32":
		out := make([]float32, len(raw)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
		return out, nil
	case "F16":
		out := make([]float32, len(raw)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:])).Float32()
		}
		return out, nil
	case "BF16":
		return bfloat16.DecodeFloat32(raw), nil
	case "F64":
		out := make([]float32, len(raw)/8)
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:])))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported dtype %s", dtype)
	}
}
