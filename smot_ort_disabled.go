//go:build !cgo || (!ORT && !ALL)

package smot

import (
	"errors"

	"github.com/HengLan/SMOT/options"
)

func NewORTSession(_ ...options.WithOption) (*Session, error) {
	return nil, errors.New("to enable ORT, run `go build -tags ORT` or `go build -tags ALL`")
}
