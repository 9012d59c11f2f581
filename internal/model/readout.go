package model

import (
	"fmt"
	"math/rand"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/chaoso/EdgeML/internal/graph"
)

// Readout is a linear projection applied independently at every time step.
// Inputs carry a constant feature when a bias is wanted.
type Readout struct {
	W           *gorgonia.Node
	numFeatures int
	numOutput   int
}

// NewReadout creates the weight matrix on g with uniform values in
// [-initScale, initScale) and registers it as trainable. A zero initScale
// gives zero weights.
func NewReadout(g *graph.Graph, numFeatures, numOutput int, initScale float64, seed int64) *Readout {
	if numFeatures <= 0 {
		numFeatures = 1
	}
	if numOutput <= 0 {
		numOutput = 2
	}
	rng := rand.New(rand.NewSource(seed))
	weights := make([]float64, numFeatures*numOutput)
	for i := range weights {
		weights[i] = (rng.Float64()*2 - 1) * initScale
	}
	w := gorgonia.NewMatrix(g.ExprGraph, tensor.Float64,
		gorgonia.WithShape(numFeatures, numOutput),
		gorgonia.WithName("readout_w"),
		gorgonia.WithValue(tensor.New(tensor.WithShape(numFeatures, numOutput), tensor.WithBacking(weights))),
	)
	g.AddTrainable(w)
	return &Readout{W: w, numFeatures: numFeatures, numOutput: numOutput}
}

// Forward implements Model.
func (r *Readout) Forward(x *gorgonia.Node) (*gorgonia.Node, error) {
	xs := x.Shape()
	if len(xs) != 4 {
		return nil, fmt.Errorf("readout: input rank %d, want 4", len(xs))
	}
	if xs[3] != r.numFeatures {
		return nil, fmt.Errorf("readout: input has %d features, want %d", xs[3], r.numFeatures)
	}
	rows := xs[0] * xs[1] * xs[2]
	flat, err := gorgonia.Reshape(x, tensor.Shape{rows, r.numFeatures})
	if err != nil {
		return nil, fmt.Errorf("readout: flatten: %w", err)
	}
	logits, err := gorgonia.Mul(flat, r.W)
	if err != nil {
		return nil, fmt.Errorf("readout: project: %w", err)
	}
	out, err := gorgonia.Reshape(logits, tensor.Shape{xs[0], xs[1], xs[2], r.numOutput})
	if err != nil {
		return nil, fmt.Errorf("readout: unflatten: %w", err)
	}
	return out, nil
}
