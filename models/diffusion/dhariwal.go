package diffusion

import (
	"fmt"
	"math"

	"github.com/goccy/go-json"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/pkg/errors"

	"github.com/georgosgeorgos/modulus/models"
)

// DhariwalUNetConfig configures a DhariwalUNet. The zero value is not usable, start
// from DefaultDhariwalUNetConfig.
type DhariwalUNetConfig struct {
	// ImgResolution is the height and width of the input feature maps. It must be
	// divisible by 2 once per downsampling level.
	ImgResolution int `json:"img_resolution"`

	// InChannels and OutChannels are the channel counts of the input and output
	// feature maps.
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

	// NumBlocks is the number of UNet blocks per resolution level in the encoder;
	// the decoder runs NumBlocks+1 per level to consume the skip connections.
	NumBlocks int `json:"num_blocks"`

	// AttnResolutions lists the resolutions at which blocks self-attend.
	AttnResolutions []int `json:"attn_resolutions"`

	// Dropout rate used by the blocks, training mode only.
	Dropout float64 `json:"dropout"`

	// LabelDropout is the probability of dropping the class label of a sample
	// during training.
	LabelDropout float64 `json:"label_dropout"`

	// Seed of the parameter initialization; 0 draws a fresh seed per process.
	Seed int64 `json:"seed,omitempty"`
}

// DefaultDhariwalUNetConfig returns the ImageNet-64 configuration of the paper for
// the given resolution and channel counts.
func DefaultDhariwalUNetConfig(imgResolution, inChannels, outChannels int) DhariwalUNetConfig {
	return DhariwalUNetConfig{
		ImgResolution:   imgResolution,
		InChannels:      inChannels,
		OutChannels:     outChannels,
		ModelChannels:   192,
		ChannelMult:     []int{1, 2, 3, 4},
		ChannelMultEmb:  4,
		NumBlocks:       3,
		AttnResolutions: []int{32, 16, 8},
		Dropout:         0.10,
	}
}

// decoderStage describes one UNetBlock of the decoder. Stages with takesSkip set
// concatenate the matching encoder feature map to their input along the channel
// axis before running.
type decoderStage struct {
	key         string
	inChannels  int
	outChannels int
	resolution  int
	attention   bool
	up          bool
	takesSkip   bool
}

// DhariwalUNet is the full ADM U-Net of Dhariwal & Nichol, "Diffusion Models Beat
// GANs on Image Synthesis" (https://arxiv.org/abs/2105.05233): the same encoder as
// GuidanceNet, a decoder mirroring it with skip connections, and a final
// zero-initialized 3x3 convolution. It preserves the spatial resolution, mapping
// [batchSize, InChannels, res, res] to [batchSize, OutChannels, res, res], and is
// the denoiser backbone used with diffusion preconditioning.
type DhariwalUNet struct {
	cfg     DhariwalUNetConfig
	adm     admSpec
	encoder []encoderStage
	decoder []decoderStage
}

// Compile-time check that DhariwalUNet implements models.Module.
var _ models.Module = (*DhariwalUNet)(nil)

// NewDhariwalUNet validates cfg and lays out the encoder and decoder stages. It
// panics on invalid configurations.
func NewDhariwalUNet(cfg DhariwalUNetConfig) *DhariwalUNet {
	if cfg.ImgResolution <= 0 || cfg.InChannels <= 0 || cfg.OutChannels <= 0 {
		exceptions.Panicf("DhariwalUNet: ImgResolution (%d), InChannels (%d) and OutChannels (%d) must all be positive",
			cfg.ImgResolution, cfg.InChannels, cfg.OutChannels)
	}
	if cfg.ModelChannels <= 0 || cfg.ChannelMultEmb <= 0 || cfg.NumBlocks <= 0 || len(cfg.ChannelMult) == 0 {
		exceptions.Panicf("DhariwalUNet: ModelChannels (%d), ChannelMultEmb (%d) and NumBlocks (%d) must be positive, and ChannelMult (%v) must not be empty",
			cfg.ModelChannels, cfg.ChannelMultEmb, cfg.NumBlocks, cfg.ChannelMult)
	}
	numLevels := len(cfg.ChannelMult)
	if cfg.ImgResolution%(1<<(numLevels-1)) != 0 {
		exceptions.Panicf("DhariwalUNet: ImgResolution (%d) must be divisible by %d to allow %d downsampling levels",
			cfg.ImgResolution, 1<<(numLevels-1), numLevels-1)
	}

	gain := math.Sqrt(1.0 / 3.0)
	net := &DhariwalUNet{
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
	net.encoder = encoderStages(cfg.ImgResolution, cfg.InChannels, cfg.ModelChannels,
		cfg.ChannelMult, cfg.NumBlocks, cfg.AttnResolutions)

	// The decoder walks the levels back up. Each level starts with two bottleneck
	// blocks (deepest level) or an upsampling block, then NumBlocks+1 blocks, each
	// consuming one encoder skip, so that every skip is used exactly once.
	attn := attentionSet(cfg.AttnResolutions)
	skipChannels := make([]int, len(net.encoder))
	for i, stage := range net.encoder {
		skipChannels[i] = stage.outChannels
	}
	cout := skipChannels[len(skipChannels)-1]
	for level := numLevels - 1; level >= 0; level-- {
		mult := cfg.ChannelMult[level]
		res := cfg.ImgResolution >> level
		if level == numLevels-1 {
			net.decoder = append(net.decoder, decoderStage{
				key:        fmt.Sprintf("%dx%d_in0", res, res),
				inChannels: cout, outChannels: cout, resolution: res, attention: true,
			})
			net.decoder = append(net.decoder, decoderStage{
				key:        fmt.Sprintf("%dx%d_in1", res, res),
				inChannels: cout, outChannels: cout, resolution: res,
			})
		} else {
			net.decoder = append(net.decoder, decoderStage{
				key:        fmt.Sprintf("%dx%d_up", res, res),
				inChannels: cout, outChannels: cout, resolution: res, up: true,
			})
		}
		for idx := 0; idx <= cfg.NumBlocks; idx++ {
			cin := cout + skipChannels[len(skipChannels)-1]
			skipChannels = skipChannels[:len(skipChannels)-1]
			cout = cfg.ModelChannels * mult
			net.decoder = append(net.decoder, decoderStage{
				key:        fmt.Sprintf("%dx%d_block%d", res, res, idx),
				inChannels: cin, outChannels: cout, resolution: res,
				attention: attn[res], takesSkip: true,
			})
		}
	}
	return net
}

// Config returns the configuration the model was built with.
func (net *DhariwalUNet) Config() DhariwalUNetConfig { return net.cfg }

// Name implements models.Module.
func (net *DhariwalUNet) Name() string { return "DhariwalUNet" }

// MetaData implements models.Module.
func (net *DhariwalUNet) MetaData() models.MetaData {
	return models.MetaData{
		Name:   "DhariwalUNet",
		AMPGPU: true,
		BF16:   true,
	}
}

// Forward builds the graph denoising one batch and returns a node shaped
// [batchSize, OutChannels, ImgResolution, ImgResolution]. The arguments follow
// GuidanceNet.Forward.
func (net *DhariwalUNet) Forward(ctx *context.Context, x, noiseLabels, classLabels, augmentLabels *Node) *Node {
	x.AssertRank(4)
	batchSize := x.Shape().Dimensions[0]
	x.AssertDims(batchSize, net.cfg.InChannels, net.cfg.ImgResolution, net.cfg.ImgResolution)

	emb := net.adm.embedding(ctx, x, noiseLabels, classLabels, augmentLabels)

	// Encoder.
	encCtx := ctx.In("enc")
	skips := make([]*Node, 0, len(net.encoder))
	for _, stage := range net.encoder {
		stageCtx := encCtx.In(stage.key)
		if stage.kind == stageConv {
			x = Conv2d(stageCtx, x, stage.outChannels).WithInit(net.adm.init).Done()
		} else {
			x = UNetBlock(stageCtx, x, emb, stage.outChannels,
				net.adm.blockConfig(stage.attention, false, stage.kind == stageDown))
		}
		skips = append(skips, x)
	}

	// Decoder.
	decCtx := ctx.In("dec")
	for _, stage := range net.decoder {
		if stage.takesSkip {
			x = Concatenate([]*Node{x, skips[len(skips)-1]}, 1)
			skips = skips[:len(skips)-1]
		}
		x.AssertDims(batchSize, stage.inChannels, -1, -1)
		x = UNetBlock(decCtx.In(stage.key), x, emb, stage.outChannels,
			net.adm.blockConfig(stage.attention, stage.up, false))
	}

	x = activations.Swish(GroupNorm(ctx.In("out_norm"), x, 0))
	return Conv2d(ctx.In("out_conv"), x, net.cfg.OutChannels).WithInit(net.adm.initZero).Done()
}

func init() {
	models.Register("DhariwalUNet", func(config json.RawMessage) (models.Module, error) {
		cfg := DefaultDhariwalUNetConfig(0, 0, 0)
		if len(config) > 0 {
			if err := json.Unmarshal(config, &cfg); err != nil {
				return nil, errors.Wrap(err, "decoding DhariwalUNet config")
			}
		}
		var net *DhariwalUNet
		err := exceptions.TryCatch[error](func() { net = NewDhariwalUNet(cfg) })
		if err != nil {
			return nil, err
		}
		return net, nil
	})
}
