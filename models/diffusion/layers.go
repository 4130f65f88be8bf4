package diffusion

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	timages "github.com/gomlx/gomlx/types/tensors/images"
)

// PositionalEmbedding maps one scalar per example, shaped [batchSize], to sine-cosine
// features shaped [batchSize, numChannels]. The frequencies are geometrically spaced:
// freq[i] = maxPositions^(-i/d) with d = numChannels/2, or d = numChannels/2-1 when
// endpoint is set, so the highest frequency exactly reaches 1/maxPositions. The output
// is the cosines concatenated with the sines. There are no learnable parameters.
func PositionalEmbedding(x *Node, numChannels, maxPositions int, endpoint bool) *Node {
	g := x.Graph()
	x.AssertRank(1)
	if numChannels < 2 || numChannels%2 != 0 {
		exceptions.Panicf("PositionalEmbedding requires a positive even number of channels, got %d", numChannels)
	}
	half := numChannels / 2
	denominator := float64(half)
	if endpoint {
		denominator = float64(half - 1)
	}
	freqs := IotaFull(g, shapes.Make(x.DType(), half))
	freqs = Exp(MulScalar(freqs, -math.Log(float64(maxPositions))/denominator))
	angles := Mul(InsertAxes(x, -1), InsertAxes(freqs, 0))
	return Concatenate([]*Node{Cos(angles), Sin(angles)}, -1)
}

// Linear applies a learned affine projection x·W (+ bias) to the last axis of x,
// shaped [batchSize, inFeatures]. Parameters are created in the current ctx scope:
// "weights" shaped [inFeatures, outFeatures] and, if useBias, "biases" shaped
// [outFeatures], both drawn according to init.
func Linear(ctx *context.Context, x *Node, outFeatures int, useBias bool, init Init) *Node {
	g := x.Graph()
	x.AssertRank(2)
	dtype := x.DType()
	inFeatures := x.Shape().Dimensions[1]
	weightsVar := ctx.WithInitializer(init.WeightInitializer(inFeatures, outFeatures)).
		VariableWithShape("weights", shapes.Make(dtype, inFeatures, outFeatures))
	output := Dot(x, weightsVar.ValueGraph(g))
	if useBias {
		biasVar := ctx.WithInitializer(init.BiasInitializer(inFeatures, outFeatures)).
			VariableWithShape("biases", shapes.Make(dtype, outFeatures))
		output = Add(output, InsertAxes(biasVar.ValueGraph(g), 0))
	}
	return output
}

// Conv2d returns a builder for a 2D convolution over channels-first feature maps,
// shaped [batchSize, channels, height, width], with optional 2x up or down resampling
// applied before the convolution. Configure it and call Done:
//
//	x = Conv2d(ctx, x, outChannels).KernelSize(3).WithInit(init).Done()
//	x = Conv2d(ctx, x, outChannels).Down().WithInit(init).Done()
//
// The defaults are a 3x3 kernel, bias, no resampling and the box resample filter.
func Conv2d(ctx *context.Context, x *Node, outChannels int) *Conv2dBuilder {
	return &Conv2dBuilder{
		ctx:         ctx,
		x:           x,
		outChannels: outChannels,
		kernel:      3,
		bias:        true,
		filter:      []float64{1, 1},
		init:        DefaultInit(),
	}
}

// Conv2dBuilder holds the configuration of a Conv2d layer being built.
type Conv2dBuilder struct {
	ctx         *context.Context
	x           *Node
	outChannels int
	kernel      int
	bias        bool
	up, down    bool
	filter      []float64
	init        Init
}

// KernelSize sets the spatial size of the convolution kernel. Size 0 disables the
// convolution (and its bias) altogether, leaving only the resampling, in which case
// the channel count cannot change.
func (b *Conv2dBuilder) KernelSize(size int) *Conv2dBuilder {
	b.kernel = size
	return b
}

// NoBias disables the bias term.
func (b *Conv2dBuilder) NoBias() *Conv2dBuilder {
	b.bias = false
	return b
}

// Up enables 2x nearest-neighbor-style up-sampling (a zero-insertion transposed pass
// of the resample filter) before the convolution.
func (b *Conv2dBuilder) Up() *Conv2dBuilder {
	b.up = true
	return b
}

// Down enables 2x down-sampling (a strided pass of the resample filter, mean pooling
// for the default box filter) before the convolution.
func (b *Conv2dBuilder) Down() *Conv2dBuilder {
	b.down = true
	return b
}

// ResampleFilter sets the separable filter taps used by Up/Down. Taps must be
// symmetric (e.g. 1,1 or 1,3,3,1); they are normalized internally.
func (b *Conv2dBuilder) ResampleFilter(taps ...float64) *Conv2dBuilder {
	b.filter = taps
	return b
}

// WithInit sets the initialization scheme of the kernel weights and bias.
func (b *Conv2dBuilder) WithInit(init Init) *Conv2dBuilder {
	b.init = init
	return b
}

// Done builds the layer and returns the resulting feature map. Parameters are created
// in the builder's ctx scope: "weights" shaped [inChannels, kernel, kernel,
// outChannels] and "biases" shaped [outChannels].
func (b *Conv2dBuilder) Done() *Node {
	ctx, x := b.ctx, b.x
	g := x.Graph()
	x.AssertRank(4)
	dtype := x.DType()
	inChannels := x.Shape().Dimensions[1]
	if b.up && b.down {
		exceptions.Panicf("Conv2d cannot up-sample and down-sample at the same time")
	}
	if b.kernel == 0 && b.outChannels != inChannels {
		exceptions.Panicf("Conv2d with kernel size 0 cannot change the channel count (%d -> %d)",
			inChannels, b.outChannels)
	}
	if b.up || b.down {
		x = resample2D(x, b.filter, b.up)
	}
	if b.kernel > 0 {
		fanIn := inChannels * b.kernel * b.kernel
		fanOut := b.outChannels * b.kernel * b.kernel
		weightsVar := ctx.WithInitializer(b.init.WeightInitializer(fanIn, fanOut)).
			VariableWithShape("weights", shapes.Make(dtype, inChannels, b.kernel, b.kernel, b.outChannels))
		x = Convolve(x, weightsVar.ValueGraph(g)).
			ChannelsAxis(timages.ChannelsFirst).
			PadSame().Done()
		if b.bias {
			biasVar := ctx.WithInitializer(b.init.BiasInitializer(fanIn, fanOut)).
				VariableWithShape("biases", shapes.Make(dtype, b.outChannels))
			x = Add(x, InsertAxes(biasVar.ValueGraph(g), 0, -1, -1))
		}
	}
	return x
}

// resample2D applies the separable filter taps as a depthwise convolution, with
// stride 2 when down-sampling or as a zero-insertion transposed pass when
// up-sampling. The filter is normalized to preserve the signal magnitude; taps are
// assumed symmetric, so no kernel flip is needed for the transposed pass.
func resample2D(x *Node, taps []float64, up bool) *Node {
	g := x.Graph()
	dtype := x.DType()
	channels := x.Shape().Dimensions[1]
	n := len(taps)
	if n < 2 {
		exceptions.Panicf("resample filter needs at least 2 taps, got %v", taps)
	}
	var sum float64
	for _, tap := range taps {
		sum += tap
	}
	gain := 1.0 / (sum * sum)
	if up {
		// The transposed pass spreads each input over a 2x2 stride; the 4x gain
		// compensates so a constant signal stays constant.
		gain *= 4
	}
	flat := make([]float64, n*n*channels)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			value := taps[i] * taps[j] * gain
			for c := 0; c < channels; c++ {
				flat[(i*n+j)*channels+c] = value
			}
		}
	}
	kernel := ConvertDType(Const(g, tensors.FromFlatDataAndDimensions(flat, 1, n, n, channels)), dtype)
	conv := Convolve(x, kernel).
		ChannelsAxis(timages.ChannelsFirst).
		FeatureGroupCount(channels)
	pad := (n - 1) / 2
	if up {
		padEach := n - 1 - pad
		return conv.InputDilationPerDim(2, 2).
			PaddingPerDim([][2]int{{padEach, padEach}, {padEach, padEach}}).Done()
	}
	conv = conv.StridePerDim(2, 2)
	if pad > 0 {
		return conv.PaddingPerDim([][2]int{{pad, pad}, {pad, pad}}).Done()
	}
	return conv.NoPadding().Done()
}

// GroupNorm normalizes x over groups of channels and all spatial positions, then
// applies learned per-channel "scale" (initialized to one) and "offset" (initialized
// to zero) parameters created in the current ctx scope.
//
// x must have rank >= 2 with the channels on axis 1. The number of groups is
// min(32, channels/4), at least 1, and must divide the channel count. eps <= 0
// selects the default 1e-5.
func GroupNorm(ctx *context.Context, x *Node, eps float64) *Node {
	g := x.Graph()
	if x.Rank() < 2 {
		exceptions.Panicf("GroupNorm requires rank >= 2 with channels on axis 1, got %s", x.Shape())
	}
	if eps <= 0 {
		eps = 1e-5
	}
	dtype := x.DType()
	dims := x.Shape().Dimensions
	batchSize, channels := dims[0], dims[1]
	numGroups := min(32, channels/4)
	if numGroups < 1 {
		numGroups = 1
	}
	if channels%numGroups != 0 {
		exceptions.Panicf("GroupNorm: %d channels are not divisible into %d groups", channels, numGroups)
	}

	grouped := Reshape(x, batchSize, numGroups, -1)
	mean := InsertAxes(ReduceMean(grouped, 2), -1)
	centered := Sub(grouped, mean)
	variance := InsertAxes(ReduceMean(Square(centered), 2), -1)
	normalized := Div(centered, Sqrt(AddScalar(variance, eps)))
	x = Reshape(normalized, dims...)

	scaleVar := ctx.WithInitializer(initializers.One).
		VariableWithShape("scale", shapes.Make(dtype, channels))
	offsetVar := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("offset", shapes.Make(dtype, channels))
	scale := expandToChannels(scaleVar.ValueGraph(g), x.Rank())
	offset := expandToChannels(offsetVar.ValueGraph(g), x.Rank())
	return Add(Mul(x, scale), offset)
}

// expandToChannels reshapes a per-channel vector [C] to [1, C, 1, ...] of the given
// rank, ready to broadcast against a channels-first tensor.
func expandToChannels(v *Node, rank int) *Node {
	v = InsertAxes(v, 0)
	for axis := 2; axis < rank; axis++ {
		v = InsertAxes(v, -1)
	}
	return v
}
