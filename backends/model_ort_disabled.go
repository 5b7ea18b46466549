//go:build !cgo || (!ORT && !ALL)

package backends

import (
	"errors"

	"gorgonia.org/tensor"

	"github.com/HengLan/SMOT/options"
)

type ORTModel struct {
	Destroy func() error
}

func createORTModelBackend(_ *Model, _ []byte, _ *options.Options) error {
	return errors.New("ORT is not enabled")
}

func runORTModel(_ *Model, _ map[string]tensor.Tensor) (map[string]*tensor.Dense, error) {
	return nil, errors.New("ORT is not enabled")
}
