package options

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestORTOnlyOptions(t *testing.T) {
	opts := []WithOption{
		WithTelemetry(),
		WithIntraOpNumThreads(2),
		WithInterOpNumThreads(1),
		WithCPUMemArena(false),
		WithMemPattern(false),
		WithCuda(nil),
	}

	goOptions := Defaults()
	goOptions.Backend = "GO"
	for _, opt := range opts {
		assert.Error(t, opt(goOptions))
	}

	ortOptions := Defaults()
	ortOptions.Backend = "ORT"
	for _, opt := range opts {
		require.NoError(t, opt(ortOptions))
	}
	assert.Equal(t, 2, *ortOptions.ORTOptions.IntraOpNumThreads)
	assert.Equal(t, 1, *ortOptions.ORTOptions.InterOpNumThreads)
	assert.False(t, *ortOptions.ORTOptions.CPUMemArena)
	assert.NotNil(t, ortOptions.ORTOptions.CudaOptions)
}

func TestWithOnnxLibraryPathMissing(t *testing.T) {
	o := Defaults()
	o.Backend = "ORT"
	assert.Error(t, WithOnnxLibraryPath(t.TempDir())(o))
}

func TestDefaults(t *testing.T) {
	o := Defaults()
	require.NotNil(t, o.ORTOptions.LibraryPath)
	assert.NotEmpty(t, *o.ORTOptions.LibraryPath)
	assert.NoError(t, o.Destroy())
}
