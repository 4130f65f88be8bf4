package diffusion

import (
	"fmt"
	"math"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"
)

type stageKind int

const (
	stageConv stageKind = iota
	stageDown
	stageBlock
)

// encoderStage describes one entry of the ADM encoder: its parameter scope, the
// kind of layer and its channel counts. The table is fixed at construction so that
// an invalid configuration fails before any parameter is created.
type encoderStage struct {
	key         string
	kind        stageKind
	inChannels  int
	outChannels int
	resolution  int
	attention   bool
}

// encoderStages lays out the ADM encoder: a 3x3 convolution at the input
// resolution, a downsampling block at the start of every following level, and
// numBlocks UNet blocks per level, self-attending at the resolutions listed in
// attnResolutions. Scopes are keyed "{res}x{res}_conv", "{res}x{res}_down" and
// "{res}x{res}_block{idx}".
func encoderStages(imgResolution, inChannels, modelChannels int, channelMult []int,
	numBlocks int, attnResolutions []int) []encoderStage {
	attn := attentionSet(attnResolutions)
	stages := make([]encoderStage, 0, len(channelMult)*(numBlocks+1))
	cout := inChannels
	for level, mult := range channelMult {
		res := imgResolution >> level
		if level == 0 {
			cin := cout
			cout = modelChannels * mult
			stages = append(stages, encoderStage{
				key:  fmt.Sprintf("%dx%d_conv", res, res),
				kind: stageConv, inChannels: cin, outChannels: cout, resolution: res,
			})
		} else {
			stages = append(stages, encoderStage{
				key:  fmt.Sprintf("%dx%d_down", res, res),
				kind: stageDown, inChannels: cout, outChannels: cout, resolution: res,
			})
		}
		for idx := 0; idx < numBlocks; idx++ {
			cin := cout
			cout = modelChannels * mult
			stages = append(stages, encoderStage{
				key:  fmt.Sprintf("%dx%d_block%d", res, res, idx),
				kind: stageBlock, inChannels: cin, outChannels: cout, resolution: res,
				attention: attn[res],
			})
		}
	}
	return stages
}

func attentionSet(resolutions []int) map[int]bool {
	attn := make(map[int]bool, len(resolutions))
	for _, res := range resolutions {
		attn[res] = true
	}
	return attn
}

// admSpec holds the pieces shared by the ADM models: the conditioning embedding
// stack and the initialization and block settings derived from the configuration.
type admSpec struct {
	modelChannels int
	embChannels   int
	labelDim      int
	augmentDim    int
	dropout       float64
	labelDropout  float64
	seed          int64

	init, initZero Init
}

// embedding builds the conditioning vector of the ADM models, shaped
// [batchSize, embChannels]: a positional embedding of the noise levels, with the
// projected augmentation and class labels merged in when configured. classLabels
// and augmentLabels may be nil. In training mode each sample's class label is
// zeroed with probability labelDropout.
func (spec admSpec) embedding(ctx *context.Context, x, noiseLabels, classLabels, augmentLabels *Node) *Node {
	g := x.Graph()
	dtype := x.DType()
	batchSize := x.Shape().Dimensions[0]
	noiseLabels.AssertDims(batchSize)

	emb := PositionalEmbedding(ConvertDType(noiseLabels, dtype), spec.modelChannels, 10000, false)
	if spec.augmentDim > 0 && augmentLabels != nil {
		augmentLabels.AssertDims(batchSize, spec.augmentDim)
		augment := ConvertDType(augmentLabels, dtype)
		emb = Add(emb, Linear(ctx.In("map_augment"), augment, spec.modelChannels, false, spec.initZero))
	}
	emb = activations.Swish(Linear(ctx.In("map_layer0"), emb, spec.embChannels, true, spec.init))
	emb = Linear(ctx.In("map_layer1"), emb, spec.embChannels, true, spec.init)
	if spec.labelDim > 0 {
		var labels *Node
		if classLabels == nil {
			labels = Zeros(g, shapes.Make(dtype, batchSize, spec.labelDim))
		} else {
			classLabels.AssertDims(batchSize, spec.labelDim)
			labels = ConvertDType(classLabels, dtype)
		}
		if spec.labelDropout > 0 && ctx.IsTraining(g) {
			keep := GreaterOrEqual(
				ctx.RandomUniform(g, shapes.Make(dtype, batchSize, 1)),
				Scalar(g, dtype, spec.labelDropout))
			labels = Mul(labels, ConvertDType(keep, dtype))
		}
		labelInit := Init{
			Mode:   InitKaimingNormal,
			Weight: math.Sqrt(float64(spec.labelDim)),
			Seed:   spec.seed,
		}
		emb = Add(emb, Linear(ctx.In("map_label"), labels, spec.embChannels, false, labelInit))
	}
	return activations.Swish(emb)
}

// blockConfig returns the UNetBlock settings of the ADM models.
func (spec admSpec) blockConfig(attention, up, down bool) UNetBlockConfig {
	return UNetBlockConfig{
		EmbChannels:     spec.embChannels,
		Up:              up,
		Down:            down,
		Attention:       attention,
		ChannelsPerHead: 64,
		Dropout:         spec.dropout,
		AdaptiveScale:   true,
		Init:            spec.init,
		InitZero:        spec.initZero,
	}
}
