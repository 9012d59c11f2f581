package trainer

import (
	"context"
	"errors"

	"gorgonia.org/gorgonia"
)

// ErrOutOfRange is the end-of-data signal. Sessions wrap it when their input
// is exhausted; TrainModel treats it as normal termination.
var ErrOutOfRange = errors.New("out of range: end of sequence")

// FeedDict binds values to graph input nodes for a single run.
type FeedDict map[*gorgonia.Node]gorgonia.Value

// Op is a handle a Session knows how to run.
type Op interface {
	Name() string
}

// Session executes ops against an externally owned graph and input pipeline.
// Run returns one value per op: the scalar for a *LossOp and 0 for a
// *TrainOp.
type Session interface {
	Run(ctx context.Context, feed FeedDict, ops ...Op) ([]float64, error)
}

// LossOp is the scalar loss node. Start is the first time step it scores.
type LossOp struct {
	Node  *gorgonia.Node
	Type  LossType
	Start int
}

// Name implements Op.
func (l *LossOp) Name() string { return string(l.Type) + "-loss" }

// TrainOp applies one optimizer update to Learnables using the gradients of
// Loss computed during the same run.
type TrainOp struct {
	Loss       *LossOp
	Solver     gorgonia.Solver
	Learnables gorgonia.Nodes
	StepSize   float64
}

// Name implements Op.
func (t *TrainOp) Name() string { return "adam-train" }
