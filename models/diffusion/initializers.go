package diffusion

import (
	"fmt"
	"math"
	"sync"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
)

// InitMode selects the distribution that layer parameters are drawn from.
type InitMode int

const (
	// InitKaimingNormal draws N(0, 1) scaled by sqrt(1/fanIn). The default.
	InitKaimingNormal InitMode = iota
	// InitKaimingUniform draws U(-1, 1) scaled by sqrt(3/fanIn).
	InitKaimingUniform
	// InitXavierNormal draws N(0, 1) scaled by sqrt(2/(fanIn+fanOut)).
	InitXavierNormal
	// InitXavierUniform draws U(-1, 1) scaled by sqrt(6/(fanIn+fanOut)).
	InitXavierUniform
)

// String implements fmt.Stringer.
func (m InitMode) String() string {
	switch m {
	case InitKaimingNormal:
		return "kaiming_normal"
	case InitKaimingUniform:
		return "kaiming_uniform"
	case InitXavierNormal:
		return "xavier_normal"
	case InitXavierUniform:
		return "xavier_uniform"
	}
	return fmt.Sprintf("InitMode(%d)", int(m))
}

// Init describes how a layer draws its initial parameter values: a distribution and
// separate gain factors for weights and biases, plus the seed of the random stream.
//
// Biases are scaled with the owning weight's fan, not with their own shape; this
// follows the reference recipe, where both tensors of a layer share one fan.
//
// The zero value has zero gains and therefore initializes parameters to zero -- the
// scheme used for layers meant to start as no-op contributions (a standard
// stabilization trick in diffusion models). DefaultInit returns the standard scheme.
type Init struct {
	Mode   InitMode
	Weight float64 // Gain multiplying drawn weight values. 0 yields zeros.
	Bias   float64 // Gain multiplying drawn bias values. 0 yields zeros.
	Seed   int64   // Seed of the random stream; 0 draws a fresh seed per process.
}

// DefaultInit returns the standard initialization: kaiming-normal weights with gain 1
// and zero biases.
func DefaultInit() Init {
	return Init{Mode: InitKaimingNormal, Weight: 1}
}

// WeightInitializer returns a variable initializer for a weight tensor with the given
// fan, scaled by the Weight gain.
func (init Init) WeightInitializer(fanIn, fanOut int) context.VariableInitializer {
	return init.initializer(fanIn, fanOut, init.Weight)
}

// BiasInitializer returns a variable initializer for the bias of a weight with the
// given fan, scaled by the Bias gain.
func (init Init) BiasInitializer(fanIn, fanOut int) context.VariableInitializer {
	return init.initializer(fanIn, fanOut, init.Bias)
}

func (init Init) initializer(fanIn, fanOut int, gain float64) context.VariableInitializer {
	if gain == 0 {
		return initializers.Zero
	}
	scale, uniform := init.scale(fanIn, fanOut, gain)
	seed := init.Seed
	mode := init.Mode
	return func(g *Graph, shape shapes.Shape) *Node {
		if !shape.DType.IsFloat() {
			exceptions.Panicf("cannot initialize non-float variable shaped %s with %s", shape, mode)
		}
		var values *Node
		useRngState(g, seed, func(rngState *Node) (newRngState *Node) {
			if uniform {
				newRngState, values = RandomUniform(rngState, shape)
				values = AddScalar(MulScalar(values, 2), -1)
			} else {
				newRngState, values = RandomNormal(rngState, shape)
			}
			return newRngState
		})
		return MulScalar(values, scale)
	}
}

func (init Init) scale(fanIn, fanOut int, gain float64) (scale float64, uniform bool) {
	switch init.Mode {
	case InitKaimingUniform:
		return gain * math.Sqrt(3.0/float64(fanIn)), true
	case InitKaimingNormal:
		return gain * math.Sqrt(1.0/float64(fanIn)), false
	case InitXavierUniform:
		return gain * math.Sqrt(6.0/float64(fanIn+fanOut)), true
	case InitXavierNormal:
		return gain * math.Sqrt(2.0/float64(fanIn+fanOut)), false
	}
	exceptions.Panicf("invalid InitMode %d", int(init.Mode))
	return 0, false
}

var (
	muRngStates sync.Mutex
	rngStates   = make(map[GraphId]*Node)
)

// useRngState threads the per-graph random number generator state through one sampling
// operation, so that successive variable initializations within the same graph draw
// different values. The seed is only consulted the first time a graph asks for a
// state; 0 seeds from the clock.
func useRngState(g *Graph, seed int64, fn func(rngState *Node) (newRngState *Node)) {
	muRngStates.Lock()
	defer muRngStates.Unlock()
	rngState, found := rngStates[g.GraphId()]
	if !found {
		if seed != 0 {
			rngState = Const(g, RngStateFromSeed(seed))
		} else {
			rngState = Const(g, RngState())
		}
	}
	rngStates[g.GraphId()] = fn(rngState)
}

// resetRngStates drops the cached per-graph random states, freeing the nodes they
// hold. Used by tests.
func resetRngStates() {
	muRngStates.Lock()
	defer muRngStates.Unlock()
	rngStates = make(map[GraphId]*Node)
}
