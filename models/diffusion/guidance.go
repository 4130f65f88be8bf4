package diffusion

import (
	"math"

	"github.com/goccy/go-json"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/pkg/errors"

	"github.com/georgosgeorgos/modulus/models"
)

// guidanceHeadWidth is the hidden width of the pooling head.
const guidanceHeadWidth = 2048

// GuidanceNetConfig configures a GuidanceNet. The zero value is not usable, start
// from DefaultGuidanceNetConfig.
type GuidanceNetConfig struct {
	// ImgResolution is the height and width of the input feature maps. It must be
	// divisible by 2 once per downsampling level.
	ImgResolution int `json:"img_resolution"`

	// InChannels and OutChannels are the number of input channels and the width of
	// the returned guidance vectors.
	InChannels  int `json:"in_channels"`
	OutChannels int `json:"out_channels"`

	// LabelDim is the width of the class label vectors, 0 for an unconditional
	// model. AugmentDim likewise for the augmentation label vectors.
	LabelDim   int `json:"label_dim"`
	AugmentDim int `json:"augment_dim"`

	// ModelChannels is the base channel multiplier, scaled by ChannelMult per
	// resolution level and by ChannelMultEmb for the conditioning embedding.
	ModelChannels  int   `json:"model_channels"`
	ChannelMult    []int `json:"channel_mult"`
	ChannelMultEmb int   `json:"channel_mult_emb"`

	// NumBlocks is the number of UNet blocks per resolution level.
	NumBlocks int `json:"num_blocks"`

	// AttnResolutions lists the resolutions at which blocks self-attend.
	AttnResolutions []int `json:"attn_resolutions"`

	// Dropout rate used by the blocks and the pooling head, training mode only.
	Dropout float64 `json:"dropout"`

	// LabelDropout is the probability of dropping the class label of a sample
	// during training.
	LabelDropout float64 `json:"label_dropout"`

	// Pool selects the pooling mode of the head. Only "spatial" is implemented.
	Pool string `json:"pool"`

	// Seed of the parameter initialization; 0 draws a fresh seed per process.
	Seed int64 `json:"seed,omitempty"`
}

// DefaultGuidanceNetConfig returns the configuration used by the paper for the given
// resolution and channel counts.
func DefaultGuidanceNetConfig(imgResolution, inChannels, outChannels int) GuidanceNetConfig {
	return GuidanceNetConfig{
		ImgResolution:   imgResolution,
		InChannels:      inChannels,
		OutChannels:     outChannels,
		ModelChannels:   192,
		ChannelMult:     []int{1, 2, 3, 4},
		ChannelMultEmb:  4,
		NumBlocks:       3,
		AttnResolutions: []int{32, 16, 8},
		Dropout:         0.10,
		Pool:            "spatial",
	}
}

// GuidanceNet maps batches of feature maps and their noise levels to guidance
// vectors. It is the encoder half of the ADM ("Ablated Diffusion Model") U-Net of
// Dhariwal & Nichol, "Diffusion Models Beat GANs on Image Synthesis"
// (https://arxiv.org/abs/2105.05233), followed by a spatial pooling head, and is
// used to condition diffusion models on learned guidance signals.
//
// Create it with NewGuidanceNet and call Forward to build the computation. All
// parameters are held by the context passed to Forward, so the same GuidanceNet can
// be executed for training and evaluation alike.
type GuidanceNet struct {
	cfg      GuidanceNetConfig
	adm      admSpec
	stages   []encoderStage
	headIn   int
	headInit Init
}

// Compile-time check that GuidanceNet implements models.Module.
var _ models.Module = (*GuidanceNet)(nil)

// NewGuidanceNet validates cfg and lays out the encoder stages. It panics on invalid
// configurations, notably on any pooling mode other than "spatial".
func NewGuidanceNet(cfg GuidanceNetConfig) *GuidanceNet {
	if cfg.Pool != "spatial" {
		exceptions.Panicf("GuidanceNet: unexpected %q pooling, only \"spatial\" is supported", cfg.Pool)
	}
	if cfg.ImgResolution <= 0 || cfg.InChannels <= 0 || cfg.OutChannels <= 0 {
		exceptions.Panicf("GuidanceNet: ImgResolution (%d), InChannels (%d) and OutChannels (%d) must all be positive",
			cfg.ImgResolution, cfg.InChannels, cfg.OutChannels)
	}
	if cfg.ModelChannels <= 0 || cfg.ChannelMultEmb <= 0 || cfg.NumBlocks <= 0 || len(cfg.ChannelMult) == 0 {
		exceptions.Panicf("GuidanceNet: ModelChannels (%d), ChannelMultEmb (%d) and NumBlocks (%d) must be positive, and ChannelMult (%v) must not be empty",
			cfg.ModelChannels, cfg.ChannelMultEmb, cfg.NumBlocks, cfg.ChannelMult)
	}
	numLevels := len(cfg.ChannelMult)
	if cfg.ImgResolution%(1<<(numLevels-1)) != 0 {
		exceptions.Panicf("GuidanceNet: ImgResolution (%d) must be divisible by %d to allow %d downsampling levels",
			cfg.ImgResolution, 1<<(numLevels-1), numLevels-1)
	}

	gain := math.Sqrt(1.0 / 3.0)
	net := &GuidanceNet{
		cfg: cfg,
		adm: admSpec{
			modelChannels: cfg.ModelChannels,
			embChannels:   cfg.ModelChannels * cfg.ChannelMultEmb,
			labelDim:      cfg.LabelDim,
			augmentDim:    cfg.AugmentDim,
			dropout:       cfg.Dropout,
			labelDropout:  cfg.LabelDropout,
			seed:          cfg.Seed,
			init:          Init{Mode: InitKaimingUniform, Weight: gain, Bias: gain, Seed: cfg.Seed},
			initZero:      Init{Mode: InitKaimingUniform, Seed: cfg.Seed},
		},
	}
	net.headInit = DefaultInit()
	net.headInit.Seed = cfg.Seed
	net.stages = encoderStages(cfg.ImgResolution, cfg.InChannels, cfg.ModelChannels,
		cfg.ChannelMult, cfg.NumBlocks, cfg.AttnResolutions)
	net.headIn = net.stages[len(net.stages)-1].outChannels
	return net
}

// Config returns the configuration the model was built with.
func (net *GuidanceNet) Config() GuidanceNetConfig { return net.cfg }

// Name implements models.Module.
func (net *GuidanceNet) Name() string { return "GuidanceNet" }

// MetaData implements models.Module.
func (net *GuidanceNet) MetaData() models.MetaData {
	return models.MetaData{
		Name:   "GuidanceNet",
		AMPGPU: true,
		BF16:   true,
	}
}

// Forward builds the graph mapping one batch to its guidance vectors and returns a
// node shaped [batchSize, OutChannels].
//
// x must be shaped [batchSize, InChannels, ImgResolution, ImgResolution] and
// noiseLabels [batchSize], one noise level per sample. classLabels must be
// [batchSize, LabelDim] when LabelDim > 0 and may be nil for a zero label;
// augmentLabels likewise with AugmentDim. Labels are converted to x's dtype.
//
// In training mode (see context.Context.IsTraining) each sample's class label is
// zeroed with probability LabelDropout, and dropout is active in the blocks and the
// head. In evaluation mode the graph is deterministic.
func (net *GuidanceNet) Forward(ctx *context.Context, x, noiseLabels, classLabels, augmentLabels *Node) *Node {
	x.AssertRank(4)
	batchSize := x.Shape().Dimensions[0]
	x.AssertDims(batchSize, net.cfg.InChannels, net.cfg.ImgResolution, net.cfg.ImgResolution)

	emb := net.adm.embedding(ctx, x, noiseLabels, classLabels, augmentLabels)

	// Encoder.
	encCtx := ctx.In("enc")
	skips := make([]*Node, 0, len(net.stages))
	for _, stage := range net.stages {
		stageCtx := encCtx.In(stage.key)
		if stage.kind == stageConv {
			x = Conv2d(stageCtx, x, stage.outChannels).WithInit(net.adm.init).Done()
		} else {
			x = UNetBlock(stageCtx, x, emb, stage.outChannels,
				net.adm.blockConfig(stage.attention, false, stage.kind == stageDown))
		}
		skips = append(skips, x)
	}

	return net.poolingHead(ctx.In("out"), x, skips)
}

// poolingHead reduces the final feature map to one guidance vector per sample.
// skips carries every intermediate feature map; the spatial pooling mode derives the
// guidance vector from the final feature map alone.
func (net *GuidanceNet) poolingHead(ctx *context.Context, x *Node, skips []*Node) *Node {
	x = ReduceMean(x, 2, 3)
	x.AssertDims(-1, net.headIn)
	x = Linear(ctx.In("linear_in"), x, guidanceHeadWidth, true, net.headInit)
	x = GroupNorm(ctx.In("group_norm"), x, 0)
	x = activations.Swish(x)
	if net.cfg.Dropout > 0 {
		x = layers.DropoutStatic(ctx, x, net.cfg.Dropout)
	}
	return Linear(ctx.In("linear_out"), x, net.cfg.OutChannels, true, net.headInit)
}

func init() {
	models.Register("GuidanceNet", func(config json.RawMessage) (models.Module, error) {
		cfg := DefaultGuidanceNetConfig(0, 0, 0)
		if len(config) > 0 {
			if err := json.Unmarshal(config, &cfg); err != nil {
				return nil, errors.Wrap(err, "decoding GuidanceNet config")
			}
		}
		var net *GuidanceNet
		err := exceptions.TryCatch[error](func() { net = NewGuidanceNet(cfg) })
		if err != nil {
			return nil, err
		}
		return net, nil
	})
}
