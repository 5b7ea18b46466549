//go:build !cgo || (!ORT && !ALL)

package smot

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestORTSessionDisabled(t *testing.T) {
	_, err := NewORTSession()
	assert.ErrorContains(t, err, "-tags ORT")
}
