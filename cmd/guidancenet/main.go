// guidancenet runs the diffusion architectures of this repository on synthetic
// inputs: it builds the selected model, reports its parameter layout, optionally
// loads pretrained weights from a .safetensors file and times the forward pass.
//
// Model hyperparameters are context settings, e.g.:
//
//	guidancenet --arch=GuidanceNet --set="img_resolution=64;model_channels=128;label_dim=10"
//	guidancenet --arch=DhariwalUNet --weights=edm-cifar10.safetensors --steps=3
package main

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/georgosgeorgos/modulus/models"
	"github.com/georgosgeorgos/modulus/models/diffusion"
	"github.com/georgosgeorgos/modulus/safetensors"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagArch = flag.String("arch", "GuidanceNet",
		fmt.Sprintf("Architecture to run, one of %v.", models.Architectures()))
	flagWeights = flag.String("weights", "",
		"Optional .safetensors file with pretrained parameters, loaded after the first "+
			"forward pass creates the variables.")
	flagSteps     = flag.Int("steps", 10, "Number of timed forward passes; 0 skips the benchmark.")
	flagVerbosity = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
)

// createDefaultContext returns a context preset with the model hyperparameters, all
// overridable with --set. ChannelMult and AttnResolutions keep the architecture
// defaults.
func createDefaultContext() *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		// Input geometry.
		"batch_size":     1,
		"img_resolution": 32,
		"in_channels":    3,
		"out_channels":   3,

		// Conditioning widths; 0 disables the corresponding embedding.
		"label_dim":   0,
		"augment_dim": 0,

		// Architecture.
		"model_channels":   192,
		"channel_mult_emb": 4,
		"num_blocks":       3,
		"dropout":          0.10,
		"label_dropout":    0.0,
		"pool":             "spatial",

		// Parameter initialization seed; 0 draws a fresh seed.
		"seed": 0,
	})
	return ctx
}

// modelConfig assembles the architecture configuration from the context settings.
func modelConfig(ctx *context.Context) json.RawMessage {
	return must.M1(json.Marshal(map[string]any{
		"img_resolution":   context.GetParamOr(ctx, "img_resolution", 32),
		"in_channels":      context.GetParamOr(ctx, "in_channels", 3),
		"out_channels":     context.GetParamOr(ctx, "out_channels", 3),
		"label_dim":        context.GetParamOr(ctx, "label_dim", 0),
		"augment_dim":      context.GetParamOr(ctx, "augment_dim", 0),
		"model_channels":   context.GetParamOr(ctx, "model_channels", 192),
		"channel_mult_emb": context.GetParamOr(ctx, "channel_mult_emb", 4),
		"num_blocks":       context.GetParamOr(ctx, "num_blocks", 3),
		"dropout":          context.GetParamOr(ctx, "dropout", 0.10),
		"label_dropout":    context.GetParamOr(ctx, "label_dropout", 0.0),
		"pool":             context.GetParamOr(ctx, "pool", "spatial"),
		"seed":             int64(context.GetParamOr(ctx, "seed", 0)),
	}))
}

func main() {
	ctx := createDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	must.M1(commandline.ParseContextSettings(ctx, *settings))

	err := exceptions.TryCatch[error](func() { run(ctx) })
	if err != nil {
		klog.Fatalf("Failed: %+v", err)
	}
}

func run(ctx *context.Context) {
	backend := backends.MustNew()
	if *flagVerbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}
	if *flagVerbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	mod := must.M1(models.New(*flagArch, modelConfig(ctx)))
	meta := mod.MetaData()
	fmt.Printf("Model %q:\tbf16=%v, mixed-precision=%v\n",
		meta.Name, meta.BF16, meta.SupportsMixedPrecision())

	var forward func(ctx *context.Context, x, noiseLabels, classLabels *Node) *Node
	switch m := mod.(type) {
	case *diffusion.GuidanceNet:
		forward = func(ctx *context.Context, x, noiseLabels, classLabels *Node) *Node {
			return m.Forward(ctx, x, noiseLabels, classLabels, nil)
		}
	case *diffusion.DhariwalUNet:
		forward = func(ctx *context.Context, x, noiseLabels, classLabels *Node) *Node {
			return m.Forward(ctx, x, noiseLabels, classLabels, nil)
		}
	default:
		exceptions.Panicf("architecture %q has no runner here", meta.Name)
	}
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, x, noiseLabels, classLabels *Node) *Node {
		ctx.SetTraining(x.Graph(), false)
		return forward(ctx, x, noiseLabels, classLabels)
	})

	batchSize := context.GetParamOr(ctx, "batch_size", 1)
	resolution := context.GetParamOr(ctx, "img_resolution", 32)
	inChannels := context.GetParamOr(ctx, "in_channels", 3)
	labelDim := context.GetParamOr(ctx, "label_dim", 0)

	// Synthetic inputs: unit-variance images and noise levels, zero class labels.
	labelWidth := labelDim
	if labelWidth == 0 {
		labelWidth = 1 // Unconditional models ignore the labels altogether.
	}
	inputs := NewExec(backend, func(g *Graph) (image, noise, labels *Node) {
		rng := Const(g, RngStateFromSeed(42))
		rng, image = RandomNormal(rng, shapes.Make(dtypes.Float32, batchSize, inChannels, resolution, resolution))
		_, noise = RandomNormal(rng, shapes.Make(dtypes.Float32, batchSize))
		labels = Zeros(g, shapes.Make(dtypes.Float32, batchSize, labelWidth))
		return
	}).Call()
	image, noise, labels := inputs[0], inputs[1], inputs[2]

	start := time.Now()
	out := exec.Call(image, noise, labels)[0]
	fmt.Printf("First call:\t%s (builds the graph and the parameters)\n",
		time.Since(start).Round(time.Millisecond))
	fmt.Printf("Parameters:\t%s in %d variables, %s\n",
		humanize.Comma(int64(ctx.NumParameters())), ctx.NumVariables(),
		humanize.Bytes(uint64(ctx.Memory())))

	if *flagWeights != "" {
		f := must.M1(safetensors.Open(*flagWeights))
		loaded := must.M1(safetensors.LoadIntoContext(ctx, f, renameWeight))
		fmt.Printf("Loaded %d tensors from %q\n", loaded, *flagWeights)
		out = exec.Call(image, noise, labels)[0]
	}
	fmt.Printf("Output:\t\t%s\n", out.Shape())
	if out.Size() <= 16 {
		fmt.Printf("Values:\t\t%v\n", out.Value())
	}

	if *flagSteps > 0 {
		bar := progressbar.Default(int64(*flagSteps), "forward")
		start = time.Now()
		for range *flagSteps {
			results := exec.Call(image, noise, labels)
			results[0].FinalizeAll()
			_ = bar.Add(1)
		}
		elapsed := time.Since(start)
		_ = bar.Finish()
		fmt.Printf("%d forward passes in %s, %s/pass\n", *flagSteps,
			elapsed.Round(time.Millisecond),
			(elapsed / time.Duration(*flagSteps)).Round(time.Millisecond))
	}
}

// renameWeight maps an exported tensor name to the matching variable: scopes are
// dot-separated in the file, and the parameter names "weight" and "bias" become the
// "weights" and "biases" variables of the layers here.
func renameWeight(name string) string {
	scoped := safetensors.DefaultName(name)
	if prefix, ok := strings.CutSuffix(scoped, "/weight"); ok {
		return prefix + "/weights"
	}
	if prefix, ok := strings.CutSuffix(scoped, "/bias"); ok {
		return prefix + "/biases"
	}
	return scoped
}
