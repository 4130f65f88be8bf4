package diffusion

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
)

// UNetBlockConfig configures one UNetBlock.
type UNetBlockConfig struct {
	// EmbChannels is the width of the conditioning embedding vector.
	EmbChannels int

	// Up and Down select 2x resampling of the spatial dimensions.
	Up, Down bool

	// Attention appends a self-attention layer after the residual body.
	Attention bool

	// NumHeads is the number of attention heads; 0 derives outChannels /
	// ChannelsPerHead, and attention is silently skipped if that is 0.
	NumHeads int

	// ChannelsPerHead is used when NumHeads is 0. 0 means 64.
	ChannelsPerHead int

	// Dropout rate applied before the second convolution, training mode only.
	Dropout float64

	// SkipScale multiplies every residual sum. 0 means 1.
	SkipScale float64

	// Epsilon of the group normalizations. 0 means 1e-5.
	Epsilon float64

	// AdaptiveScale conditions on the embedding through per-channel scale and shift;
	// when false the embedding projection is simply added to the features.
	AdaptiveScale bool

	// ResampleFilter taps used by Up/Down. Nil means the box filter {1, 1}.
	ResampleFilter []float64

	// Init is the scheme for most parameters; InitZero the one for the parameters
	// meant to start as no-op contributions (second convolution, attention output
	// projection). InitAttention optionally overrides Init for the qkv projection.
	Init          Init
	InitZero      Init
	InitAttention *Init
}

func (cfg UNetBlockConfig) withDefaults() UNetBlockConfig {
	if cfg.ChannelsPerHead == 0 {
		cfg.ChannelsPerHead = 64
	}
	if cfg.SkipScale == 0 {
		cfg.SkipScale = 1
	}
	if cfg.Epsilon == 0 {
		cfg.Epsilon = 1e-5
	}
	if cfg.ResampleFilter == nil {
		cfg.ResampleFilter = []float64{1, 1}
	}
	return cfg
}

// numAttentionHeads resolves the head count for the given output channels.
func (cfg UNetBlockConfig) numAttentionHeads(outChannels int) int {
	if !cfg.Attention {
		return 0
	}
	if cfg.NumHeads > 0 {
		return cfg.NumHeads
	}
	return outChannels / cfg.ChannelsPerHead
}

// UNetBlock is the residual block the U-Net architectures are assembled from: a
// normalized, embedding-conditioned double convolution with a (possibly resampled and
// projected) residual connection, optionally followed by multi-head self-attention
// over the spatial positions.
//
// x is a channels-first feature map [batchSize, inChannels, height, width] and emb the
// conditioning vector [batchSize, cfg.EmbChannels]. The output has outChannels
// channels, with the spatial dimensions doubled or halved when cfg.Up or cfg.Down is
// set.
func UNetBlock(ctx *context.Context, x, emb *Node, outChannels int, cfg UNetBlockConfig) *Node {
	cfg = cfg.withDefaults()
	x.AssertRank(4)
	batchSize := x.Shape().Dimensions[0]
	emb.AssertDims(batchSize, cfg.EmbChannels)
	orig := x

	h := activations.Swish(GroupNorm(ctx.In("norm0"), x, cfg.Epsilon))
	conv0 := Conv2d(ctx.In("conv0"), h, outChannels).
		WithInit(cfg.Init).
		ResampleFilter(cfg.ResampleFilter...)
	if cfg.Up {
		conv0.Up()
	}
	if cfg.Down {
		conv0.Down()
	}
	h = conv0.Done()

	affineWidth := outChannels
	if cfg.AdaptiveScale {
		affineWidth = 2 * outChannels
	}
	params := Linear(ctx.In("affine"), emb, affineWidth, true, cfg.Init)
	params = InsertAxes(params, -1, -1)
	if cfg.AdaptiveScale {
		scale := Slice(params, AxisRange(), AxisRange(0, outChannels))
		shift := Slice(params, AxisRange(), AxisRange(outChannels))
		h = GroupNorm(ctx.In("norm1"), h, cfg.Epsilon)
		h = activations.Swish(Add(shift, Mul(h, AddScalar(scale, 1))))
	} else {
		h = GroupNorm(ctx.In("norm1"), Add(h, params), cfg.Epsilon)
		h = activations.Swish(h)
	}
	if cfg.Dropout > 0 {
		h = layers.DropoutStatic(ctx, h, cfg.Dropout)
	}
	h = Conv2d(ctx.In("conv1"), h, outChannels).WithInit(cfg.InitZero).Done()

	// Residual connection, resampled and/or 1x1-projected when the shape changes.
	inChannels := orig.Shape().Dimensions[1]
	if inChannels != outChannels || cfg.Up || cfg.Down {
		kernel := 0
		if inChannels != outChannels {
			kernel = 1
		}
		skip := Conv2d(ctx.In("skip"), orig, outChannels).
			KernelSize(kernel).
			WithInit(cfg.Init).
			ResampleFilter(cfg.ResampleFilter...)
		if cfg.Up {
			skip.Up()
		}
		if cfg.Down {
			skip.Down()
		}
		orig = skip.Done()
	}
	x = MulScalar(Add(h, orig), cfg.SkipScale)

	if numHeads := cfg.numAttentionHeads(outChannels); numHeads > 0 {
		x = blockAttention(ctx, x, numHeads, cfg)
	}
	return x
}

// blockAttention runs multi-head scaled-dot-product self-attention over the flattened
// spatial positions of x, with a zero-initialized output projection and a residual
// connection scaled by cfg.SkipScale.
func blockAttention(ctx *context.Context, x *Node, numHeads int, cfg UNetBlockConfig) *Node {
	dims := x.Shape().Dimensions
	batchSize, channels, height, width := dims[0], dims[1], dims[2], dims[3]
	if channels%numHeads != 0 {
		exceptions.Panicf("UNetBlock attention: %d channels are not divisible into %d heads",
			channels, numHeads)
	}
	headDim := channels / numHeads

	qkvInit := cfg.Init
	if cfg.InitAttention != nil {
		qkvInit = *cfg.InitAttention
	}
	h := GroupNorm(ctx.In("norm2"), x, cfg.Epsilon)
	qkv := Conv2d(ctx.In("qkv"), h, 3*channels).KernelSize(1).WithInit(qkvInit).Done()
	qkv = Reshape(qkv, batchSize, numHeads, headDim, 3, height*width)
	full := AxisRange()
	q := Squeeze(Slice(qkv, full, full, full, AxisElem(0)), 3)
	k := Squeeze(Slice(qkv, full, full, full, AxisElem(1)), 3)
	v := Squeeze(Slice(qkv, full, full, full, AxisElem(2)), 3)

	k = MulScalar(k, 1/math.Sqrt(float64(headDim)))
	weights := Softmax(Einsum("bhdq,bhdk->bhqk", q, k))
	attended := Einsum("bhqk,bhdk->bhdq", weights, v)
	attended = Reshape(attended, batchSize, channels, height, width)

	proj := Conv2d(ctx.In("proj"), attended, channels).KernelSize(1).WithInit(cfg.InitZero).Done()
	return MulScalar(Add(x, proj), cfg.SkipScale)
}
