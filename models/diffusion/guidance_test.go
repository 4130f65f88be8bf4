package diffusion

import (
	"testing"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/georgosgeorgos/modulus/models"
)

// tinyGuidanceConfig returns a configuration small enough for the pure Go backend
// that still exercises every encoder stage kind: the input convolution, a
// downsampling block and a plain block with a channel change.
func tinyGuidanceConfig() GuidanceNetConfig {
	cfg := DefaultGuidanceNetConfig(8, 2, 3)
	cfg.ModelChannels = 8
	cfg.ChannelMult = []int{1, 2}
	cfg.NumBlocks = 1
	cfg.AttnResolutions = nil
	cfg.Dropout = 0
	cfg.Seed = 42
	return cfg
}

func TestGuidanceNetForward(t *testing.T) {
	backend := testBackend()
	net := NewGuidanceNet(tinyGuidanceConfig())
	ctx := context.New()
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, x, noiseLabels *Node) *Node {
		ctx.SetTraining(x.Graph(), false)
		return net.Forward(ctx, x, noiseLabels, nil, nil)
	})
	out := exec.Call(onesTensor(2, 2, 8, 8), []float32{0.5, -1.5})[0]
	require.NoError(t, out.Shape().CheckDims(2, 3))
	assert.Greater(t, ctx.NumParameters(), 0)

	// Parameter scopes follow the stage layout: a convolution at the input
	// resolution, a downsampling block per later level and NumBlocks blocks per
	// level, then the pooling head under "out".
	wantVars := []struct {
		scope, name string
		dims        []int
	}{
		{"/enc/8x8_conv", "weights", []int{2, 3, 3, 8}},
		{"/enc/8x8_block0/conv0", "weights", []int{8, 3, 3, 8}},
		{"/enc/4x4_down/conv0", "weights", []int{8, 3, 3, 8}},
		{"/enc/4x4_block0/skip", "weights", []int{8, 1, 1, 16}},
		{"/map_layer0", "weights", []int{8, 32}},
		{"/map_layer1", "biases", []int{32}},
		{"/out/linear_in", "weights", []int{16, 2048}},
		{"/out/linear_out", "biases", []int{3}},
	}
	for _, want := range wantVars {
		v := ctx.InspectVariable(want.scope, want.name)
		if assert.NotNilf(t, v, "variable %s/%s not created", want.scope, want.name) {
			assert.NoErrorf(t, v.Shape().CheckDims(want.dims...), "variable %s/%s", want.scope, want.name)
		}
	}
}

func TestGuidanceNetPoolValidation(t *testing.T) {
	for _, pool := range []string{"", "attention", "cls_token"} {
		cfg := tinyGuidanceConfig()
		cfg.Pool = pool
		err := exceptions.TryCatch[error](func() { NewGuidanceNet(cfg) })
		require.Errorf(t, err, "pool %q must be rejected at construction", pool)
		assert.Contains(t, err.Error(), `only "spatial" is supported`)
	}

	cfg := tinyGuidanceConfig()
	cfg.ImgResolution = 9
	require.Error(t, exceptions.TryCatch[error](func() { NewGuidanceNet(cfg) }),
		"resolution not divisible by the downsampling factor must be rejected")

	cfg = tinyGuidanceConfig()
	cfg.OutChannels = 0
	require.Error(t, exceptions.TryCatch[error](func() { NewGuidanceNet(cfg) }))
}

// An unconditional model (LabelDim == 0) must produce the same guidance vectors
// whether or not class and augmentation labels are passed.
func TestGuidanceNetUnconditionalIgnoresLabels(t *testing.T) {
	backend := testBackend()
	net := NewGuidanceNet(tinyGuidanceConfig())
	ctx := context.New()

	image := onesTensor(1, 2, 8, 8)
	noise := []float32{0.3}

	plain := context.NewExec(backend, ctx, func(ctx *context.Context, x, noiseLabels *Node) *Node {
		ctx.SetTraining(x.Graph(), false)
		return net.Forward(ctx, x, noiseLabels, nil, nil)
	})
	want := plain.Call(image, noise)[0].Value()

	labeled := context.NewExec(backend, ctx.Reuse(),
		func(ctx *context.Context, x, noiseLabels, classLabels, augmentLabels *Node) *Node {
			ctx.SetTraining(x.Graph(), false)
			return net.Forward(ctx, x, noiseLabels, classLabels, augmentLabels)
		})
	got := labeled.Call(image, noise, onesTensor(1, 5), onesTensor(1, 3))[0].Value()
	assert.Equal(t, want, got)
}

// With LabelDropout == 1 every sample's class label is dropped during training, so
// the labels cannot influence the output.
func TestGuidanceNetLabelDropout(t *testing.T) {
	backend := testBackend()
	cfg := tinyGuidanceConfig()
	cfg.LabelDim = 4
	cfg.LabelDropout = 1.0
	net := NewGuidanceNet(cfg)
	ctx := context.New()

	exec := context.NewExec(backend, ctx, func(ctx *context.Context, x, noiseLabels, classLabels *Node) *Node {
		ctx.SetTraining(x.Graph(), true)
		return net.Forward(ctx, x, noiseLabels, classLabels, nil)
	})
	image := onesTensor(2, 2, 8, 8)
	noise := []float32{0.5, 0.5}
	want := exec.Call(image, noise, zerosTensor(2, 4))[0].Value()
	for _, labels := range []*tensors.Tensor{onesTensor(2, 4), filledTensor(-7, 2, 4)} {
		got := exec.Call(image, noise, labels)[0].Value()
		assert.Equal(t, want, got)
	}
}

// A conditional model in evaluation mode must use the class labels, and nil
// classLabels must behave as a zero label vector.
func TestGuidanceNetConditionalLabels(t *testing.T) {
	backend := testBackend()
	cfg := tinyGuidanceConfig()
	cfg.LabelDim = 4
	net := NewGuidanceNet(cfg)
	ctx := context.New()

	image := onesTensor(1, 2, 8, 8)
	noise := []float32{0.5}

	labeled := context.NewExec(backend, ctx, func(ctx *context.Context, x, noiseLabels, classLabels *Node) *Node {
		ctx.SetTraining(x.Graph(), false)
		return net.Forward(ctx, x, noiseLabels, classLabels, nil)
	})
	zeroLabels := labeled.Call(image, noise, zerosTensor(1, 4))[0].Value()
	oneLabels := labeled.Call(image, noise, onesTensor(1, 4))[0].Value()
	assert.NotEqual(t, zeroLabels, oneLabels, "class labels must influence a conditional model")

	unlabeled := context.NewExec(backend, ctx.Reuse(), func(ctx *context.Context, x, noiseLabels *Node) *Node {
		ctx.SetTraining(x.Graph(), false)
		return net.Forward(ctx, x, noiseLabels, nil, nil)
	})
	got := unlabeled.Call(image, noise)[0].Value()
	assert.Equal(t, zeroLabels, got)
}

// Dropout must only be live in training mode: evaluation is deterministic even for
// a model configured with dropout.
func TestGuidanceNetDropoutModes(t *testing.T) {
	backend := testBackend()
	cfg := tinyGuidanceConfig()
	cfg.Dropout = 0.5
	net := NewGuidanceNet(cfg)

	image := onesTensor(1, 2, 8, 8)
	noise := []float32{0.5}

	evalCtx := context.New()
	eval := context.NewExec(backend, evalCtx, func(ctx *context.Context, x, noiseLabels *Node) *Node {
		ctx.SetTraining(x.Graph(), false)
		return net.Forward(ctx, x, noiseLabels, nil, nil)
	})
	first := eval.Call(image, noise)[0].Value()
	second := eval.Call(image, noise)[0].Value()
	assert.Equal(t, first, second, "evaluation must be deterministic")

	trainCtx := context.New()
	train := context.NewExec(backend, trainCtx, func(ctx *context.Context, x, noiseLabels *Node) *Node {
		ctx.SetTraining(x.Graph(), true)
		return net.Forward(ctx, x, noiseLabels, nil, nil)
	})
	a := train.Call(image, noise)[0].Value()
	b := train.Call(image, noise)[0].Value()
	assert.NotEqual(t, a, b, "dropout must resample its mask per training step")
}

// At 64 model channels the 8x8 block self-attends with a single 64-channel head;
// below 64 channels the head count rounds down to zero and attention is skipped.
func TestGuidanceNetAttention(t *testing.T) {
	backend := testBackend()
	cfg := DefaultGuidanceNetConfig(8, 2, 3)
	cfg.ModelChannels = 64
	cfg.ChannelMult = []int{1}
	cfg.NumBlocks = 1
	cfg.AttnResolutions = []int{8}
	cfg.Dropout = 0
	cfg.Seed = 7
	net := NewGuidanceNet(cfg)
	ctx := context.New()
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, x, noiseLabels *Node) *Node {
		ctx.SetTraining(x.Graph(), false)
		return net.Forward(ctx, x, noiseLabels, nil, nil)
	})
	out := exec.Call(onesTensor(1, 2, 8, 8), []float32{1})[0]
	require.NoError(t, out.Shape().CheckDims(1, 3))

	qkv := ctx.InspectVariable("/enc/8x8_block0/qkv", "weights")
	if assert.NotNil(t, qkv, "attention qkv projection not created") {
		assert.NoError(t, qkv.Shape().CheckDims(64, 1, 1, 192))
	}
	assert.NotNil(t, ctx.InspectVariable("/enc/8x8_block0/proj", "weights"))

	smallCfg := tinyGuidanceConfig()
	smallCfg.AttnResolutions = []int{8}
	small := NewGuidanceNet(smallCfg)
	smallCtx := context.New()
	smallExec := context.NewExec(backend, smallCtx, func(ctx *context.Context, x, noiseLabels *Node) *Node {
		ctx.SetTraining(x.Graph(), false)
		return small.Forward(ctx, x, noiseLabels, nil, nil)
	})
	smallOut := smallExec.Call(onesTensor(1, 2, 8, 8), []float32{1})[0]
	require.NoError(t, smallOut.Shape().CheckDims(1, 3))
	assert.Nil(t, smallCtx.InspectVariable("/enc/8x8_block0/qkv", "weights"))
}

// The configuration documented on GuidanceNet: default settings at resolution 16
// with 2 input channels and 2 guidance channels, on a batch of ones. The
// default-sized model is slow on the pure Go backend, so this is skipped in short
// mode.
func TestGuidanceNetDocumentedExample(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping default-sized GuidanceNet forward in -short mode")
	}
	backend := testBackend()
	net := NewGuidanceNet(DefaultGuidanceNetConfig(16, 2, 2))
	ctx := context.New()
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, x, noiseLabels, classLabels *Node) *Node {
		ctx.SetTraining(x.Graph(), false)
		return net.Forward(ctx, x, noiseLabels, classLabels, nil)
	})
	out := exec.Call(onesTensor(1, 2, 16, 16), []float32{1}, zerosTensor(1, 1))[0]
	require.NoError(t, out.Shape().CheckDims(1, 2))
}

func TestGuidanceNetRegistry(t *testing.T) {
	assert.Contains(t, models.Architectures(), "GuidanceNet")

	data, err := models.EncodeConfig("GuidanceNet", tinyGuidanceConfig())
	require.NoError(t, err)
	mod, err := models.Decode(data)
	require.NoError(t, err)
	require.IsType(t, &GuidanceNet{}, mod)
	net := mod.(*GuidanceNet)
	assert.Equal(t, tinyGuidanceConfig(), net.Config())
	assert.Equal(t, "GuidanceNet", net.Name())
	assert.True(t, net.MetaData().SupportsMixedPrecision())

	// Invalid configurations surface as errors, not panics.
	bad := tinyGuidanceConfig()
	bad.Pool = "attention"
	data, err = models.EncodeConfig("GuidanceNet", bad)
	require.NoError(t, err)
	_, err = models.Decode(data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `only "spatial" is supported`)
}
