// Package models defines the abstractions shared by every network architecture in this
// repository: the Module interface implemented by all models, the MetaData capability
// descriptor consumed by execution-mode negotiation, and a registry of named
// architectures that supports JSON round-trip of model configurations.
//
// Concrete architectures live in sub-packages (e.g. models/diffusion) and register
// themselves with Register at init time, so they can be re-instantiated by name from a
// serialized configuration:
//
//	data, _ := models.EncodeConfig("GuidanceNet", &diffusion.GuidanceNetConfig{...})
//	...
//	model, err := models.Decode(data)
package models

import (
	"github.com/gomlx/gopjrt/dtypes"
)

// MetaData declares which execution optimizations and data types a model architecture
// supports. It is a plain value: architectures return it from Module.MetaData and the
// execution layer inspects it to decide how to run the model.
type MetaData struct {
	// Name of the architecture, also the key under which it is registered.
	Name string

	// Optimization capabilities.
	JIT        bool // Whole-graph compilation of the forward pass.
	CUDAGraphs bool // Graph capture and replay on CUDA devices.
	AMPCPU     bool // Automatic mixed precision on CPU.
	AMPGPU     bool // Automatic mixed precision on GPU.
	TorchFX    bool // Symbolic tracing of the forward pass.

	// Data types.
	BF16 bool // The model tolerates bfloat16 activations.

	// Inference.
	ONNX bool // The model can be exported for inference runtimes.

	// Gradient-based (physics-informed) usage.
	FuncTorch bool // Functional per-sample gradients.
	AutoGrad  bool // Gradients of outputs w.r.t. inputs during inference.
}

// ComputeDType returns the activation dtype to run the model with. Low precision is
// only selected when the caller asks for it and the model declares BF16 support.
func (m MetaData) ComputeDType(preferLowPrecision bool) dtypes.DType {
	if preferLowPrecision && m.BF16 {
		return dtypes.BFloat16
	}
	return dtypes.Float32
}

// SupportsGraphCapture reports whether the whole forward pass can be captured and
// replayed without rebuilding, either through compilation or device graph capture.
func (m MetaData) SupportsGraphCapture() bool {
	return m.JIT || m.CUDAGraphs
}

// SupportsMixedPrecision reports whether any automatic mixed-precision mode is
// available for the model.
func (m MetaData) SupportsMixedPrecision() bool {
	return m.AMPCPU || m.AMPGPU
}

// Module is implemented by every model architecture in this repository.
//
// A Module value holds only the architecture plan (configuration, stage layout); the
// learnable parameters live in a context.Context and are created lazily the first time
// the model's graph-building method runs. The forward signatures differ per
// architecture and are therefore not part of the interface.
type Module interface {
	// Name of the architecture, e.g. "GuidanceNet".
	Name() string

	// MetaData describes the execution capabilities of the architecture.
	MetaData() MetaData
}
