package diffusion

import (
	"sync"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

var (
	testBackendOnce sync.Once
	testBackendInst backends.Backend
)

// testBackend returns a process-wide backend for the tests, using the pure Go
// backend so the tests run without any accelerator plugin installed.
func testBackend() backends.Backend {
	testBackendOnce.Do(func() {
		var err error
		testBackendInst, err = backends.NewWithConfig("go")
		if err != nil {
			panic(err)
		}
	})
	return testBackendInst
}

// zerosTensor returns a float32 tensor of the given dimensions, all zeros.
func zerosTensor(dims ...int) *tensors.Tensor {
	return tensors.FromShape(shapes.Make(dtypes.Float32, dims...))
}

// filledTensor returns a float32 tensor of the given dimensions, every element set
// to value.
func filledTensor(value float32, dims ...int) *tensors.Tensor {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	flat := make([]float32, size)
	for i := range flat {
		flat[i] = value
	}
	return tensors.FromFlatDataAndDimensions(flat, dims...)
}

// onesTensor returns a float32 tensor of the given dimensions, all ones.
func onesTensor(dims ...int) *tensors.Tensor {
	return filledTensor(1, dims...)
}
